package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Event is a row in the messages table: one normalized usage record.
// Token counts are string-encoded in the schema (store contract) and
// converted at the SQL boundary.
type Event struct {
	ID               string
	SessionID        string
	Role             string
	CreatedAt        int64 // epoch ms
	CompletedAt      int64 // epoch ms, 0 = unknown
	Provider         string
	Model            string
	Agent            string
	Mode             string
	Variant          string
	Cwd              string
	ProjectRoot      string
	Project          string
	Source           string
	InputTokens      int64
	OutputTokens     int64
	ReasoningTokens  int64
	CacheReadTokens  int64
	CacheWriteTokens int64
	Cost             float64
	LinesAdded       int64
	LinesDeleted     int64
	FileCount        int64
	Files            []string
	FinishReason     string
}

const eventCols = `id, session_id, role, created_at, completed_at,
	provider, model, agent, mode, variant,
	cwd, project_root, project, source,
	input_tokens, output_tokens, reasoning_tokens,
	cache_read_tokens, cache_write_tokens,
	cost, lines_added, lines_deleted, file_count, files,
	finish_reason`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEventRow(rs rowScanner) (Event, error) {
	var e Event
	var completed sql.NullInt64
	var in, out, reasoning, cacheRead, cacheWrite, files string
	err := rs.Scan(
		&e.ID, &e.SessionID, &e.Role, &e.CreatedAt, &completed,
		&e.Provider, &e.Model, &e.Agent, &e.Mode, &e.Variant,
		&e.Cwd, &e.ProjectRoot, &e.Project, &e.Source,
		&in, &out, &reasoning, &cacheRead, &cacheWrite,
		&e.Cost, &e.LinesAdded, &e.LinesDeleted, &e.FileCount,
		&files, &e.FinishReason,
	)
	if err != nil {
		return Event{}, err
	}
	e.CompletedAt = completed.Int64
	e.InputTokens = parseTokens(in)
	e.OutputTokens = parseTokens(out)
	e.ReasoningTokens = parseTokens(reasoning)
	e.CacheReadTokens = parseTokens(cacheRead)
	e.CacheWriteTokens = parseTokens(cacheWrite)
	if files != "" {
		_ = json.Unmarshal([]byte(files), &e.Files)
	}
	return e, nil
}

// parseTokens decodes a string-encoded token count. Malformed values
// count as zero rather than failing the scan.
func parseTokens(s string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func formatTokens(n int64) string {
	return strconv.FormatInt(n, 10)
}

// insertEventTx inserts one event within a transaction. Duplicate
// ids are ignored: events are immutable once written, so a re-import
// of the same id is a no-op rather than an overwrite.
func insertEventTx(tx *sql.Tx, e Event) error {
	files := "[]"
	if len(e.Files) > 0 {
		b, err := json.Marshal(e.Files)
		if err != nil {
			return fmt.Errorf("encoding files for %s: %w", e.ID, err)
		}
		files = string(b)
	}
	var completed any
	if e.CompletedAt != 0 {
		completed = e.CompletedAt
	}
	_, err := tx.Exec(`
		INSERT INTO messages (`+eventCols+`)
		VALUES (?, ?, ?, ?, ?,
			?, ?, ?, ?, ?,
			?, ?, ?, ?,
			?, ?, ?, ?, ?,
			?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		e.ID, e.SessionID, e.Role, e.CreatedAt, completed,
		e.Provider, e.Model, e.Agent, e.Mode, e.Variant,
		e.Cwd, e.ProjectRoot, e.Project, e.Source,
		formatTokens(e.InputTokens), formatTokens(e.OutputTokens),
		formatTokens(e.ReasoningTokens),
		formatTokens(e.CacheReadTokens),
		formatTokens(e.CacheWriteTokens),
		e.Cost, e.LinesAdded, e.LinesDeleted, e.FileCount, files,
		e.FinishReason)
	if err != nil {
		return fmt.Errorf("inserting event %s: %w", e.ID, err)
	}
	return nil
}

// ImportBatch writes a batch of parsed events plus their cursor
// updates as one transaction. Either everything in the batch commits
// or nothing does, leaving cursors unadvanced for a clean retry.
func (s *Store) ImportBatch(events []Event, cursors []Cursor) error {
	return s.Update(func(tx *sql.Tx) error {
		for _, e := range events {
			if err := insertEventTx(tx, e); err != nil {
				return err
			}
		}
		for _, c := range cursors {
			if err := upsertCursorTx(tx, c); err != nil {
				return err
			}
		}
		return nil
	})
}

// maxSQLVars caps bind variables per IN clause to stay within
// SQLite's default limit.
const maxSQLVars = 500

func inPlaceholders(ids []string) (string, []any) {
	ph := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		ph[i] = "?"
		args[i] = id
	}
	return "(" + strings.Join(ph, ",") + ")", args
}

// queryChunked runs fn for maxSQLVars-sized chunks of ids.
func queryChunked(ids []string, fn func(chunk []string) error) error {
	for i := 0; i < len(ids); i += maxSQLVars {
		end := min(i+maxSQLVars, len(ids))
		if err := fn(ids[i:end]); err != nil {
			return err
		}
	}
	return nil
}

// EventsForSessions loads all events for the given session ids,
// ordered by creation time, keyed by session id.
func (s *Store) EventsForSessions(
	ids []string,
) (map[string][]Event, error) {
	out := make(map[string][]Event)
	err := queryChunked(ids, func(chunk []string) error {
		ph, args := inPlaceholders(chunk)
		rows, err := s.reader.Query(
			"SELECT "+eventCols+" FROM messages"+
				" WHERE session_id IN "+ph+
				" ORDER BY created_at, id",
			args...)
		if err != nil {
			return fmt.Errorf("querying session events: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			e, err := scanEventRow(rows)
			if err != nil {
				return fmt.Errorf("scanning event: %w", err)
			}
			out[e.SessionID] = append(out[e.SessionID], e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// EventTimeRange returns the min and max created_at across events of
// the given sessions. ok is false when those sessions have no events.
func (s *Store) EventTimeRange(
	ids []string,
) (lo, hi int64, ok bool, err error) {
	first := true
	err = queryChunked(ids, func(chunk []string) error {
		ph, args := inPlaceholders(chunk)
		var cLo, cHi sql.NullInt64
		qErr := s.reader.QueryRow(
			"SELECT MIN(created_at), MAX(created_at)"+
				" FROM messages WHERE session_id IN "+ph,
			args...).Scan(&cLo, &cHi)
		if qErr != nil {
			return fmt.Errorf("querying event time range: %w", qErr)
		}
		if !cLo.Valid {
			return nil
		}
		if first || cLo.Int64 < lo {
			lo = cLo.Int64
		}
		if first || cHi.Int64 > hi {
			hi = cHi.Int64
		}
		first = false
		ok = true
		return nil
	})
	if err != nil {
		return 0, 0, false, err
	}
	return lo, hi, ok, nil
}

// FullEventTimeRange returns the min and max created_at across the
// whole event log.
func (s *Store) FullEventTimeRange() (lo, hi int64, ok bool, err error) {
	var cLo, cHi sql.NullInt64
	err = s.reader.QueryRow(
		"SELECT MIN(created_at), MAX(created_at) FROM messages",
	).Scan(&cLo, &cHi)
	if err != nil {
		return 0, 0, false, fmt.Errorf(
			"querying full event range: %w", err,
		)
	}
	if !cLo.Valid {
		return 0, 0, false, nil
	}
	return cLo.Int64, cHi.Int64, true, nil
}

// EventCount returns the total number of events in the store.
func (s *Store) EventCount() (int, error) {
	var n int
	if err := s.reader.QueryRow(
		"SELECT COUNT(*) FROM messages",
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting events: %w", err)
	}
	return n, nil
}

// GetEvent returns a single event by id, or nil when absent.
func (s *Store) GetEvent(id string) (*Event, error) {
	row := s.reader.QueryRow(
		"SELECT "+eventCols+" FROM messages WHERE id = ?", id)
	e, err := scanEventRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting event %s: %w", id, err)
	}
	return &e, nil
}

// RepairCandidate identifies an event still missing provider or
// model, and the session whose aggregates a patch would touch.
type RepairCandidate struct {
	ID        string
	SessionID string
}

// RepairCandidates returns events from the given source whose
// provider or model is still empty. Input to the cursor-sync
// repair pass.
func (s *Store) RepairCandidates(
	source string,
) ([]RepairCandidate, error) {
	rows, err := s.reader.Query(
		`SELECT id, session_id FROM messages
		 WHERE source = ? AND (provider = '' OR model = '')`,
		source)
	if err != nil {
		return nil, fmt.Errorf("querying repair candidates: %w", err)
	}
	defer rows.Close()

	var out []RepairCandidate
	for rows.Next() {
		var c RepairCandidate
		if err := rows.Scan(&c.ID, &c.SessionID); err != nil {
			return nil, fmt.Errorf("scanning repair candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// PatchProviderModel fills an event's provider and model fields when
// they are still empty. Strictly additive: a populated field is
// never overwritten. Returns true when a row changed.
func (s *Store) PatchProviderModel(
	id, provider, model string,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.writer.Exec(`
		UPDATE messages SET
			provider = CASE WHEN provider = '' AND ? != ''
				THEN ? ELSE provider END,
			model = CASE WHEN model = '' AND ? != ''
				THEN ? ELSE model END
		WHERE id = ?
		  AND ((provider = '' AND ? != '')
		    OR (model = '' AND ? != ''))`,
		provider, provider, model, model, id, provider, model)
	if err != nil {
		return false, fmt.Errorf("patching event %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
