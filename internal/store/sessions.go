package store

import (
	"database/sql"
	"fmt"
	"sort"
)

// Session is a derived row in the sessions table: the aggregate of
// every event sharing one session id. It is rebuilt whole on each
// reconciliation, never patched incrementally, so it is always a
// pure function of the event set.
type Session struct {
	ID                    string
	FirstEventAt          int64
	LastEventAt           int64
	UserMsgCount          int64
	AgentMsgCount         int64
	TotalInputTokens      int64
	TotalOutputTokens     int64
	TotalReasoningTokens  int64
	TotalCacheReadTokens  int64
	TotalCacheWriteTokens int64
	TotalCost             float64
	LinesAdded            int64
	LinesDeleted          int64
	FileCount             int64
	UniqueFileCount       int64
	Project               string
	FinishReason          string
}

const sessionCols = `id, first_event_at, last_event_at,
	user_msg_count, agent_msg_count,
	total_input_tokens, total_output_tokens,
	total_reasoning_tokens, total_cache_read_tokens,
	total_cache_write_tokens, total_cost,
	lines_added, lines_deleted, file_count, unique_file_count,
	project, finish_reason`

func scanSessionRow(rs rowScanner) (Session, error) {
	var s Session
	err := rs.Scan(
		&s.ID, &s.FirstEventAt, &s.LastEventAt,
		&s.UserMsgCount, &s.AgentMsgCount,
		&s.TotalInputTokens, &s.TotalOutputTokens,
		&s.TotalReasoningTokens, &s.TotalCacheReadTokens,
		&s.TotalCacheWriteTokens, &s.TotalCost,
		&s.LinesAdded, &s.LinesDeleted, &s.FileCount,
		&s.UniqueFileCount, &s.Project, &s.FinishReason,
	)
	return s, err
}

// GetSession returns a single session by id, or nil when absent.
func (s *Store) GetSession(id string) (*Session, error) {
	row := s.reader.QueryRow(
		"SELECT "+sessionCols+" FROM sessions WHERE id = ?", id)
	sess, err := scanSessionRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting session %s: %w", id, err)
	}
	return &sess, nil
}

// ListSessions returns all sessions ordered by last activity,
// newest first, capped at limit (0 = no cap).
func (s *Store) ListSessions(limit int) ([]Session, error) {
	q := "SELECT " + sessionCols +
		" FROM sessions ORDER BY last_event_at DESC, id"
	var args []any
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.reader.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSessionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// SessionCount returns the number of session rows.
func (s *Store) SessionCount() (int, error) {
	var n int
	if err := s.reader.QueryRow(
		"SELECT COUNT(*) FROM sessions",
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting sessions: %w", err)
	}
	return n, nil
}

// RebuildSessions recomputes the session row for each of the given
// session ids from the event log and replaces it in one transaction.
// Ids with no remaining events lose their row.
func (s *Store) RebuildSessions(ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	bySession, err := s.EventsForSessions(ids)
	if err != nil {
		return fmt.Errorf("loading events for rebuild: %w", err)
	}

	return s.Update(func(tx *sql.Tx) error {
		for _, id := range ids {
			events := bySession[id]
			if len(events) == 0 {
				if _, err := tx.Exec(
					"DELETE FROM sessions WHERE id = ?", id,
				); err != nil {
					return fmt.Errorf(
						"deleting empty session %s: %w", id, err,
					)
				}
				continue
			}
			sess := buildSession(id, events)
			if err := replaceSessionTx(tx, sess); err != nil {
				return err
			}
		}
		return nil
	})
}

// buildSession folds a session's events into one Session row.
// Events arrive ordered by (created_at, id), which makes the fold
// deterministic for a given event set.
func buildSession(id string, events []Event) Session {
	sess := Session{ID: id}
	uniqueFiles := make(map[string]struct{})

	for i, e := range events {
		if i == 0 || e.CreatedAt < sess.FirstEventAt {
			sess.FirstEventAt = e.CreatedAt
		}
		if e.CreatedAt > sess.LastEventAt {
			sess.LastEventAt = e.CreatedAt
		}

		switch e.Role {
		case "user":
			sess.UserMsgCount++
		case "assistant":
			sess.AgentMsgCount++
		}

		sess.TotalInputTokens += e.InputTokens
		sess.TotalOutputTokens += e.OutputTokens
		sess.TotalReasoningTokens += e.ReasoningTokens
		sess.TotalCacheReadTokens += e.CacheReadTokens
		sess.TotalCacheWriteTokens += e.CacheWriteTokens
		sess.TotalCost += e.Cost
		sess.LinesAdded += e.LinesAdded
		sess.LinesDeleted += e.LinesDeleted
		sess.FileCount += e.FileCount

		for _, f := range e.Files {
			uniqueFiles[f] = struct{}{}
		}
		if e.Project != "" {
			sess.Project = e.Project
		}
		if e.FinishReason != "" {
			sess.FinishReason = e.FinishReason
		}
	}

	sess.UniqueFileCount = int64(len(uniqueFiles))
	return sess
}

// sortedSessionIDs returns the given set as a sorted slice; used by
// callers that need a stable rebuild order.
func sortedSessionIDs(set map[string]struct{}) []string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RebuildAllSessions reconciles every session id present in the
// event log. Used after a full resync.
func (s *Store) RebuildAllSessions() error {
	rows, err := s.reader.Query(
		"SELECT DISTINCT session_id FROM messages")
	if err != nil {
		return fmt.Errorf("listing session ids: %w", err)
	}
	defer rows.Close()

	set := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("scanning session id: %w", err)
		}
		set[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return s.RebuildSessions(sortedSessionIDs(set))
}

func replaceSessionTx(tx *sql.Tx, sess Session) error {
	_, err := tx.Exec(`
		INSERT INTO sessions (`+sessionCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			first_event_at = excluded.first_event_at,
			last_event_at = excluded.last_event_at,
			user_msg_count = excluded.user_msg_count,
			agent_msg_count = excluded.agent_msg_count,
			total_input_tokens = excluded.total_input_tokens,
			total_output_tokens = excluded.total_output_tokens,
			total_reasoning_tokens = excluded.total_reasoning_tokens,
			total_cache_read_tokens = excluded.total_cache_read_tokens,
			total_cache_write_tokens = excluded.total_cache_write_tokens,
			total_cost = excluded.total_cost,
			lines_added = excluded.lines_added,
			lines_deleted = excluded.lines_deleted,
			file_count = excluded.file_count,
			unique_file_count = excluded.unique_file_count,
			project = excluded.project,
			finish_reason = excluded.finish_reason`,
		sess.ID, sess.FirstEventAt, sess.LastEventAt,
		sess.UserMsgCount, sess.AgentMsgCount,
		sess.TotalInputTokens, sess.TotalOutputTokens,
		sess.TotalReasoningTokens, sess.TotalCacheReadTokens,
		sess.TotalCacheWriteTokens, sess.TotalCost,
		sess.LinesAdded, sess.LinesDeleted, sess.FileCount,
		sess.UniqueFileCount, sess.Project, sess.FinishReason)
	if err != nil {
		return fmt.Errorf("replacing session %s: %w", sess.ID, err)
	}
	return nil
}
