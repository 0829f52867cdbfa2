package sync

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/usagehub/usagehub/internal/parser"
	"github.com/usagehub/usagehub/internal/store"
)

const (
	cursorBatchSize = 500
	maxForeignVars  = 500
)

// CursorSource syncs one foreign-database source: a read-only
// SQLite database whose rows are consumed in (time_updated, id)
// order behind a monotonic watermark. After the main pass a repair
// pass re-reads rows for local events still missing provider or
// model and patches them where the foreign side has since filled
// them in.
type CursorSource struct {
	st     *store.Store
	def    parser.SourceDef
	dbPath string
}

// NewCursorSource creates a cursor sync engine for one foreign
// database.
func NewCursorSource(
	st *store.Store, def parser.SourceDef, dbPath string,
) *CursorSource {
	return &CursorSource{st: st, def: def, dbPath: dbPath}
}

// Name returns the source tool id events are tagged with.
func (c *CursorSource) Name() string { return c.def.Name }

// CursorKey is the sync_metadata identity for this source.
func (c *CursorSource) CursorKey() string {
	return c.def.Name + "!" + c.dbPath
}

// WatchDirs returns the directory holding the foreign database.
func (c *CursorSource) WatchDirs() []string {
	return []string{filepath.Dir(c.dbPath)}
}

// Matches reports whether a changed path is the foreign database's
// main, WAL, or SHM file.
func (c *CursorSource) Matches(path string) bool {
	p := filepath.Clean(path)
	return p == c.dbPath ||
		p == c.dbPath+"-wal" ||
		p == c.dbPath+"-shm"
}

// SyncPaths degrades to a full pass: any change to the foreign
// database's files means re-reading from the watermark.
func (c *CursorSource) SyncPaths(
	[]string,
) (SyncStats, []string, error) {
	return c.Sync()
}

// Sync advances the watermark over newer foreign rows, then runs
// the repair pass. Returns the pass stats and affected session
// ids.
func (c *CursorSource) Sync() (SyncStats, []string, error) {
	var stats SyncStats

	if _, err := os.Stat(c.dbPath); err != nil {
		return stats, nil, fmt.Errorf(
			"%s: %w", c.dbPath, ErrSourceUnavailable,
		)
	}

	fingerprint := ForeignDBFingerprint(c.dbPath)
	cursor, err := c.st.GetCursor(c.CursorKey())
	if err != nil {
		return stats, nil, err
	}
	if cursor != nil && cursor.Fingerprint == fingerprint {
		stats.Skipped++
		return stats, nil, nil
	}

	db, err := openForeignDB(c.dbPath)
	if err != nil {
		return stats, nil, fmt.Errorf(
			"%s: %w", err, ErrSourceUnavailable,
		)
	}
	defer db.Close()

	watermarkTime, watermarkID := int64(0), ""
	if cursor != nil {
		watermarkTime = cursor.WatermarkTime
		watermarkID = cursor.WatermarkID
	}

	affected := make(map[string]struct{})
	for {
		rows, err := c.readBatch(db, watermarkTime, watermarkID)
		if err != nil {
			return stats, nil, err
		}
		if len(rows) == 0 {
			break
		}

		events := c.parseRows(rows, &stats)
		last := rows[len(rows)-1]
		watermarkTime, watermarkID = last.timeUpdated, last.id

		cur := store.Cursor{
			Source:        c.CursorKey(),
			Fingerprint:   fingerprint,
			WatermarkTime: watermarkTime,
			WatermarkID:   watermarkID,
			LastImportAt:  time.Now().UnixMilli(),
			EventCount:    int64(len(events)),
		}
		for _, e := range events {
			affected[e.SessionID] = struct{}{}
			if cur.FirstEventAt == 0 ||
				e.CreatedAt < cur.FirstEventAt {
				cur.FirstEventAt = e.CreatedAt
			}
			if e.CreatedAt > cur.LastEventAt {
				cur.LastEventAt = e.CreatedAt
			}
		}

		if err := c.st.ImportBatch(
			events, []store.Cursor{cur},
		); err != nil {
			return stats, nil, fmt.Errorf(
				"writing foreign batch: %w", err,
			)
		}
		stats.Imported += len(events)

		if len(rows) < cursorBatchSize {
			break
		}
	}

	repaired, repairedSessions, err := c.repairPass(db)
	if err != nil {
		log.Printf("repair %s: %v", c.def.Name, err)
	}
	stats.Repaired = repaired
	// Repaired events change the provider/model dimensions their
	// sessions roll up under, so those sessions need the same
	// post-sync recompute as fresh imports.
	for _, sid := range repairedSessions {
		affected[sid] = struct{}{}
	}

	ids := make([]string, 0, len(affected))
	for id := range affected {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return stats, ids, nil
}

func openForeignDB(dbPath string) (*sql.DB, error) {
	dsn := dbPath +
		"?mode=ro&_journal_mode=WAL&_busy_timeout=3000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf(
			"opening foreign db %s: %w", dbPath, err,
		)
	}
	return db, nil
}

// foreignRow is one row of the foreign events table.
type foreignRow struct {
	id          string
	sessionID   string
	data        []byte
	timeUpdated int64
}

// readBatch fetches the next batch of rows strictly after the
// watermark, totally ordered by (time_updated, id) so rows sharing
// a timestamp are never re-read or skipped.
func (c *CursorSource) readBatch(
	db *sql.DB, wmTime int64, wmID string,
) ([]foreignRow, error) {
	rows, err := db.Query(`
		SELECT id, session_id, data, time_updated
		FROM events
		WHERE time_updated > ?
		   OR (time_updated = ? AND id > ?)
		ORDER BY time_updated, id
		LIMIT ?`,
		wmTime, wmTime, wmID, cursorBatchSize,
	)
	if err != nil {
		return nil, fmt.Errorf("reading foreign rows: %w", err)
	}
	defer rows.Close()

	var out []foreignRow
	for rows.Next() {
		var r foreignRow
		if err := rows.Scan(
			&r.id, &r.sessionID, &r.data, &r.timeUpdated,
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// parseRows decodes each row's payload. Per-row parse failures are
// counted and skipped, never fatal to the batch.
func (c *CursorSource) parseRows(
	rows []foreignRow, stats *SyncStats,
) []store.Event {
	var events []store.Event
	for _, r := range rows {
		decoded, err := c.def.Adapter(c.def.Name, r.data)
		if err != nil {
			stats.Failed++
			log.Printf(
				"foreign row %s: %v", r.id, err,
			)
			continue
		}
		for _, e := range decoded {
			if e.SessionID == "" {
				e.SessionID = r.sessionID
			}
			events = append(events, e)
		}
	}
	return events
}

// repairPass re-reads foreign rows for local events still missing
// provider or model and fills in whichever of the two the foreign
// side now has. Strictly additive: populated local fields are
// never overwritten. Returns the patch count and the session ids
// the patches touched.
func (c *CursorSource) repairPass(
	db *sql.DB,
) (int, []string, error) {
	cands, err := c.st.RepairCandidates(c.def.Name)
	if err != nil {
		return 0, nil, err
	}
	if len(cands) == 0 {
		return 0, nil, nil
	}

	ids := make([]string, 0, len(cands))
	sessionOf := make(map[string]string, len(cands))
	for _, cand := range cands {
		ids = append(ids, cand.ID)
		sessionOf[cand.ID] = cand.SessionID
	}

	sessions := make(map[string]struct{})
	repaired := 0
	for start := 0; start < len(ids); start += maxForeignVars {
		end := min(start+maxForeignVars, len(ids))
		chunk := ids[start:end]

		n, err := c.repairChunk(db, chunk, sessionOf, sessions)
		repaired += n
		if err != nil {
			return repaired, sessionList(sessions), err
		}
	}
	if repaired > 0 {
		log.Printf(
			"repair %s: filled provider/model on %d event(s)",
			c.def.Name, repaired,
		)
	}
	return repaired, sessionList(sessions), nil
}

func sessionList(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for sid := range set {
		out = append(out, sid)
	}
	sort.Strings(out)
	return out
}

func (c *CursorSource) repairChunk(
	db *sql.DB, ids []string,
	sessionOf map[string]string,
	sessions map[string]struct{},
) (int, error) {
	placeholders := strings.Repeat(
		",?", len(ids),
	)[1:]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := db.Query(
		"SELECT id, data FROM events WHERE id IN ("+
			placeholders+")",
		args...)
	if err != nil {
		return 0, fmt.Errorf("re-reading foreign rows: %w", err)
	}
	defer rows.Close()

	repaired := 0
	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return repaired, err
		}
		provider := pickField(data, "provider")
		model := pickField(data, "model")
		if provider == "" && model == "" {
			continue
		}
		ok, err := c.st.PatchProviderModel(id, provider, model)
		if err != nil {
			return repaired, err
		}
		if ok {
			repaired++
			if sid := sessionOf[id]; sid != "" {
				sessions[sid] = struct{}{}
			}
		}
	}
	return repaired, rows.Err()
}

func pickField(data []byte, name string) string {
	return gjson.GetBytes(data, name).Str
}
