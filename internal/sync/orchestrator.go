package sync

import (
	"errors"
	"fmt"
	"log"
	"os/exec"
	"sort"
	gosync "sync"
	"time"

	"github.com/google/shlex"

	"github.com/usagehub/usagehub/internal/backup"
	"github.com/usagehub/usagehub/internal/store"
)

// Strategy selects how syncs are triggered.
type Strategy string

const (
	// StrategyWatch syncs only changed paths on each detector
	// flush. A slow interval pass still runs underneath it as the
	// recovery path for requests dropped by the in-flight guard.
	StrategyWatch Strategy = "watch"
	// StrategyInterval runs a periodic full pass per source, for
	// setups where filesystem events are unreliable or unwanted.
	StrategyInterval Strategy = "interval"
)

// DefaultInterval is the interval-strategy sync period.
const DefaultInterval = 5 * time.Minute

// watchRecoveryFactor stretches the interval used for the
// background recovery pass while the watch strategy is active.
const watchRecoveryFactor = 6

// Source is one registered sync engine: a file tree or a foreign
// database.
type Source interface {
	Name() string
	Sync() (SyncStats, []string, error)
	SyncPaths(paths []string) (SyncStats, []string, error)
	WatchDirs() []string
	Matches(path string) bool
}

// Settings are the orchestrator's runtime-switchable knobs.
type Settings struct {
	Strategy Strategy
	Interval time.Duration
	// PostSyncHook is an optional command run after every sync
	// that imported events, parsed shell-style.
	PostSyncHook string
}

// Orchestrator owns per-source sync state. Each source moves
// Idle -> Syncing -> Idle under a single-flight guard: a request
// for an in-flight source is dropped, not queued, so a flood of
// file events cannot build an unbounded backlog. The periodic pass
// naturally retries whatever was dropped.
type Orchestrator struct {
	st      *store.Store
	backups *backup.Manager
	sources []Source

	mu        gosync.Mutex
	inflight  map[string]bool
	status    map[string]Progress
	resyncing bool
	settings  Settings
	notify    func()

	// trigMu serializes trigger restarts; o.mu guards the fields
	// themselves so readers never see them half-swapped.
	trigMu   gosync.Mutex
	watcher  *Watcher
	ticker   *time.Ticker
	stopLoop chan struct{}
	loopDone chan struct{}
	started  bool
}

// NewOrchestrator wires the sync pipeline. notify is called after
// every sync that changed data; nil is allowed.
func NewOrchestrator(
	st *store.Store, backups *backup.Manager,
	sources []Source, settings Settings, notify func(),
) *Orchestrator {
	if settings.Interval <= 0 {
		settings.Interval = DefaultInterval
	}
	if settings.Strategy == "" {
		settings.Strategy = StrategyWatch
	}
	return &Orchestrator{
		st:       st,
		backups:  backups,
		sources:  sources,
		inflight: make(map[string]bool),
		status:   make(map[string]Progress),
		settings: settings,
		notify:   notify,
	}
}

// Settings returns the current settings.
func (o *Orchestrator) Settings() Settings {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.settings
}

// Start brings up the configured trigger strategy.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	settings := o.settings
	o.started = true
	o.mu.Unlock()

	o.trigMu.Lock()
	o.startTriggers(settings)
	o.trigMu.Unlock()
}

// Stop tears down triggers. Safe to call more than once.
func (o *Orchestrator) Stop() {
	o.trigMu.Lock()
	o.stopTriggers()
	o.trigMu.Unlock()

	o.mu.Lock()
	o.started = false
	o.mu.Unlock()
}

// SetNotify replaces the data-updated callback. The server is
// constructed after the orchestrator, so its broadcast is wired in
// late.
func (o *Orchestrator) SetNotify(fn func()) {
	o.mu.Lock()
	o.notify = fn
	o.mu.Unlock()
}

func (o *Orchestrator) fireNotify() {
	o.mu.Lock()
	fn := o.notify
	o.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// ApplySettings switches strategy or interval at runtime by
// restarting the triggers.
func (o *Orchestrator) ApplySettings(s Settings) {
	if s.Interval <= 0 {
		s.Interval = DefaultInterval
	}
	o.mu.Lock()
	o.settings = s
	started := o.started
	o.mu.Unlock()

	if started {
		o.trigMu.Lock()
		o.stopTriggers()
		o.startTriggers(s)
		o.trigMu.Unlock()
	}
}

func (o *Orchestrator) startTriggers(s Settings) {
	interval := s.Interval
	var w *Watcher
	if s.Strategy == StrategyWatch {
		nw, err := NewWatcher(
			DefaultFlushInterval, watchPatterns(o.sources),
			o.HandlePaths,
		)
		if err != nil {
			log.Printf(
				"watcher unavailable, falling back to interval sync: %v",
				err,
			)
		} else {
			for _, src := range o.sources {
				for _, dir := range src.WatchDirs() {
					if werr := nw.Watch(dir); werr != nil {
						log.Printf(
							"watch %s: %v", dir, werr,
						)
					}
				}
			}
			nw.Start()
			w = nw
			interval = s.Interval * watchRecoveryFactor
		}
	}

	ticker := time.NewTicker(interval)
	stop := make(chan struct{})
	done := make(chan struct{})

	o.mu.Lock()
	o.watcher = w
	o.ticker = ticker
	o.stopLoop = stop
	o.loopDone = done
	o.mu.Unlock()

	go o.intervalLoop(ticker, stop, done)
}

// stopTriggers detaches the trigger state under the lock, then
// tears it down outside it so a concurrent ApplySettings or Stop
// cannot observe half-stopped fields.
func (o *Orchestrator) stopTriggers() {
	o.mu.Lock()
	w := o.watcher
	ticker := o.ticker
	stop := o.stopLoop
	done := o.loopDone
	o.watcher = nil
	o.ticker = nil
	o.stopLoop = nil
	o.loopDone = nil
	o.mu.Unlock()

	if w != nil {
		w.Stop()
	}
	if ticker != nil {
		close(stop)
		<-done
		ticker.Stop()
	}
}

func (o *Orchestrator) intervalLoop(
	ticker *time.Ticker, stop chan struct{}, done chan struct{},
) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			o.SyncAll()
		}
	}
}

// watchPatterns unions the file patterns of all sources, plus the
// SQLite side files of foreign databases.
func watchPatterns(sources []Source) []string {
	seen := map[string]bool{}
	var patterns []string
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			patterns = append(patterns, p)
		}
	}
	for _, src := range sources {
		switch s := src.(type) {
		case *FileSource:
			for _, p := range s.def.Patterns {
				add(p)
			}
		case *CursorSource:
			add("*.db")
			add("*.db-wal")
			add("*.db-shm")
		}
	}
	return patterns
}

// HandlePaths routes a detector flush to the sources whose trees
// the paths fall under.
func (o *Orchestrator) HandlePaths(paths []string) {
	for _, src := range o.sources {
		var mine []string
		for _, p := range paths {
			if src.Matches(p) {
				mine = append(mine, p)
			}
		}
		if len(mine) == 0 {
			continue
		}
		src := src
		go o.runSync(src, func() (SyncStats, []string, error) {
			return src.SyncPaths(mine)
		})
	}
}

// SyncSource runs a full pass for one source by name. Returns
// false when the source is unknown or already syncing.
func (o *Orchestrator) SyncSource(name string) bool {
	for _, src := range o.sources {
		if src.Name() == name {
			return o.runSync(src, src.Sync)
		}
	}
	return false
}

// SyncAll runs a full pass over every registered source.
func (o *Orchestrator) SyncAll() {
	var wg gosync.WaitGroup
	for _, src := range o.sources {
		src := src
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.runSync(src, src.Sync)
		}()
	}
	wg.Wait()
}

// runSync executes one sync pass under the per-source
// single-flight guard and fans out the post-sync side effects.
func (o *Orchestrator) runSync(
	src Source, pass func() (SyncStats, []string, error),
) bool {
	if !o.begin(src.Name()) {
		log.Printf(
			"sync %s: already in flight, dropping request",
			src.Name(),
		)
		return false
	}
	defer o.end(src.Name())

	stats, ids, err := pass()
	o.recordPass(src.Name(), stats, err)
	if err != nil {
		if errors.Is(err, ErrSourceUnavailable) {
			log.Printf("sync %s: %v", src.Name(), err)
		} else {
			log.Printf("sync %s failed: %v", src.Name(), err)
		}
		return true
	}

	if stats.Imported > 0 || stats.Repaired > 0 {
		log.Printf(
			"sync %s: %d event(s) imported, %d file(s) skipped",
			src.Name(), stats.Imported, stats.Skipped,
		)
		o.afterSync(ids)
	}
	return true
}

func (o *Orchestrator) begin(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.resyncing || o.inflight[name] {
		return false
	}
	o.inflight[name] = true
	p := o.status[name]
	p.Phase = PhaseSyncing
	p.Source = name
	o.status[name] = p
	return true
}

func (o *Orchestrator) end(name string) {
	o.mu.Lock()
	delete(o.inflight, name)
	o.mu.Unlock()
}

// recordPass stores the outcome of a completed pass for Status.
func (o *Orchestrator) recordPass(
	name string, stats SyncStats, err error,
) {
	p := Progress{
		Phase:     PhaseDone,
		Source:    name,
		LastPass:  stats,
		LastRunAt: time.Now().UnixMilli(),
	}
	if err != nil {
		p.LastError = err.Error()
	}
	o.mu.Lock()
	o.status[name] = p
	o.mu.Unlock()
}

// Status reports the per-source sync status, sorted by source.
// Registered sources that have never run report PhaseIdle.
func (o *Orchestrator) Status() []Progress {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Progress, 0, len(o.sources))
	for _, src := range o.sources {
		p, ok := o.status[src.Name()]
		if !ok {
			p = Progress{Phase: PhaseIdle, Source: src.Name()}
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Source < out[j].Source
	})
	return out
}

// afterSync rebuilds the touched sessions, recomputes the rollup
// buckets they span, and notifies observers. Rollup failure is
// logged and swallowed: stale rollups are tolerable, a blocked
// pipeline is not.
func (o *Orchestrator) afterSync(ids []string) {
	if len(ids) > 0 {
		if err := o.st.RebuildSessions(ids); err != nil {
			log.Printf("rebuilding sessions: %v", err)
			return
		}
		if err := o.st.RecomputeRollups(ids); err != nil {
			log.Printf("recomputing rollups: %v", err)
		}
	}

	o.fireNotify()
	o.runPostSyncHook()
}

// runPostSyncHook runs the configured post-sync command, if any.
func (o *Orchestrator) runPostSyncHook() {
	o.mu.Lock()
	hook := o.settings.PostSyncHook
	o.mu.Unlock()
	if hook == "" {
		return
	}

	args, err := shlex.Split(hook)
	if err != nil || len(args) == 0 {
		log.Printf("post-sync hook %q: %v", hook, err)
		return
	}
	cmd := exec.Command(args[0], args[1:]...)
	if out, err := cmd.CombinedOutput(); err != nil {
		log.Printf(
			"post-sync hook %q: %v (%s)", hook, err, out,
		)
	}
}

// FullResync wipes the store and re-ingests every source from
// scratch, wrapped in a safety backup: on any failure the
// pre-resync state is restored before the error is returned, so
// the store is never left half-wiped.
func (o *Orchestrator) FullResync() error {
	o.mu.Lock()
	if o.resyncing || len(o.inflight) > 0 {
		o.mu.Unlock()
		return fmt.Errorf("sync already in flight")
	}
	o.resyncing = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.resyncing = false
		o.mu.Unlock()
	}()

	safety, err := o.backups.Create(backup.KindSystem)
	if err != nil {
		return fmt.Errorf("safety backup: %w", err)
	}
	log.Printf("full resync: safety backup %s", safety.Name)

	if err := o.resyncLocked(); err != nil {
		log.Printf("full resync failed, restoring: %v", err)
		if rerr := o.backups.Restore(safety); rerr != nil {
			return fmt.Errorf(
				"resync failed (%v); restore failed: %w",
				err, rerr,
			)
		}
		return fmt.Errorf("full resync: %w", err)
	}

	if err := o.backups.Delete(safety); err != nil {
		log.Printf(
			"deleting safety backup %s: %v", safety.Name, err,
		)
	}
	o.fireNotify()
	log.Printf("full resync complete")
	return nil
}

func (o *Orchestrator) resyncLocked() error {
	if err := o.st.Wipe(); err != nil {
		return fmt.Errorf("wiping store: %w", err)
	}

	for _, src := range o.sources {
		stats, _, err := src.Sync()
		if err != nil {
			// An unavailable source is fatal too: skipping it
			// would wipe its previously ingested events and then
			// discard the safety backup.
			return fmt.Errorf("syncing %s: %w", src.Name(), err)
		}
		log.Printf(
			"full resync %s: %d event(s)",
			src.Name(), stats.Imported,
		)
	}

	if err := o.st.RebuildAllSessions(); err != nil {
		return fmt.Errorf("rebuilding sessions: %w", err)
	}
	if err := o.st.RebuildRollups(); err != nil {
		return fmt.Errorf("rebuilding rollups: %w", err)
	}
	return nil
}
