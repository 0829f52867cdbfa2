package backup

import (
	"log"
	"strconv"
	gosync "sync"
	"time"

	"github.com/usagehub/usagehub/internal/store"
)

// DefaultInterval is how often automatic backups run.
const DefaultInterval = 24 * time.Hour

// lastAutoKey records when the last automatic backup completed, in
// epoch milliseconds, so a backup missed while the process was
// down is caught up at start instead of silently skipped.
const lastAutoKey = "backup.last_auto"

// Scheduler runs automatic backups on a recurring timer, pruning
// old automatic artifacts past the retention count.
type Scheduler struct {
	mgr      *Manager
	st       *store.Store
	interval time.Duration
	keep     int
	enabled  bool
	stop     chan struct{}
	done     chan struct{}
	stopOnce gosync.Once
}

// NewScheduler creates a backup scheduler. With enabled false the
// scheduler starts but never fires, so it can be toggled purely by
// configuration.
func NewScheduler(
	mgr *Manager, st *store.Store,
	interval time.Duration, keep int, enabled bool,
) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		mgr:      mgr,
		st:       st,
		interval: interval,
		keep:     keep,
		enabled:  enabled,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the catch-up check once, then ticks in a goroutine.
func (s *Scheduler) Start() {
	s.maybeBackup()
	go s.loop()
}

// Stop stops the scheduler and waits for it to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		<-s.done
	})
}

func (s *Scheduler) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.maybeBackup()
		}
	}
}

// maybeBackup creates an automatic backup when enabled and the
// last one has aged out.
func (s *Scheduler) maybeBackup() {
	if !s.enabled {
		return
	}

	last := s.lastAuto()
	if time.Since(last) < s.interval {
		return
	}

	a, err := s.mgr.Create(KindAuto)
	if err != nil {
		log.Printf("auto backup: %v", err)
		return
	}
	log.Printf(
		"auto backup: %s (%d bytes)", a.Name, a.Size,
	)

	if err := s.st.SetAppState(
		lastAutoKey,
		strconv.FormatInt(time.Now().UnixMilli(), 10),
	); err != nil {
		log.Printf("recording auto backup time: %v", err)
	}

	if deleted, err := s.mgr.CleanupOld(
		KindAuto, s.keep,
	); err != nil {
		log.Printf("pruning auto backups: %v", err)
	} else if deleted > 0 {
		log.Printf("pruned %d old auto backup(s)", deleted)
	}
}

func (s *Scheduler) lastAuto() time.Time {
	v, err := s.st.GetAppState(lastAutoKey)
	if err != nil || v == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
