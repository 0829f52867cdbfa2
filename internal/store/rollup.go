package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Granularity selects one of the three rollup tables.
type Granularity string

const (
	Hourly  Granularity = "hourly"
	Daily   Granularity = "daily"
	Monthly Granularity = "monthly"
)

// Granularities lists all rollup granularities in ascending width.
var Granularities = []Granularity{Hourly, Daily, Monthly}

const (
	hourMs = int64(time.Hour / time.Millisecond)
	dayMs  = 24 * hourMs
)

// DimSentinel replaces empty dimension values so grouping is total.
const DimSentinel = "unknown"

// Table returns the rollup table name for the granularity.
func (g Granularity) Table() string {
	switch g {
	case Hourly:
		return "hourly_stats"
	case Daily:
		return "daily_stats"
	default:
		return "monthly_stats"
	}
}

// bucketExpr is the SQL expression computing the bucket start for
// an event timestamp. Hour and day floor to UTC epoch boundaries by
// integer division; month floors to the UTC calendar month start.
// Each granularity is computed independently from the raw timestamp.
func (g Granularity) bucketExpr() string {
	switch g {
	case Hourly:
		return fmt.Sprintf("(created_at / %d) * %d", hourMs, hourMs)
	case Daily:
		return fmt.Sprintf("(created_at / %d) * %d", dayMs, dayMs)
	default:
		return "CAST(strftime('%s', datetime(created_at / 1000," +
			" 'unixepoch', 'start of month')) AS INTEGER) * 1000"
	}
}

// BucketStart floors a UTC epoch-ms timestamp to the start of its
// bucket. Mirrors bucketExpr exactly.
func (g Granularity) BucketStart(ms int64) int64 {
	switch g {
	case Hourly:
		return (ms / hourMs) * hourMs
	case Daily:
		return (ms / dayMs) * dayMs
	default:
		t := time.UnixMilli(ms).UTC()
		return time.Date(
			t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC,
		).UnixMilli()
	}
}

// NextBucket returns the start of the bucket after the one
// containing ms.
func (g Granularity) NextBucket(ms int64) int64 {
	switch g {
	case Hourly:
		return g.BucketStart(ms) + hourMs
	case Daily:
		return g.BucketStart(ms) + dayMs
	default:
		t := time.UnixMilli(g.BucketStart(ms)).UTC()
		return t.AddDate(0, 1, 0).UnixMilli()
	}
}

// PrevBucket returns the start of the bucket before the one
// containing ms.
func (g Granularity) PrevBucket(ms int64) int64 {
	switch g {
	case Hourly:
		return g.BucketStart(ms) - hourMs
	case Daily:
		return g.BucketStart(ms) - dayMs
	default:
		t := time.UnixMilli(g.BucketStart(ms)).UTC()
		return t.AddDate(0, -1, 0).UnixMilli()
	}
}

const rollupMetricCols = `session_count, event_count,
	input_tokens, output_tokens, reasoning_tokens,
	cache_read_tokens, cache_write_tokens, cost,
	lines_added, lines_deleted, file_count, last_seen`

const rollupDimCols = `bucket_start, project, provider, model,
	role, agent, source`

// rollupInsertSQL builds the grouped-sum upsert-merge for one
// granularity, restricted to created_at in [lo, hi). The insert
// overwrites on key conflict rather than accumulating: the grouped
// query already aggregates the full current event set for each
// bucket, so adding on top of a stale row would double-count.
func rollupInsertSQL(g Granularity) string {
	return `
		INSERT INTO ` + g.Table() + ` (` +
		rollupDimCols + `, ` + rollupMetricCols + `)
		SELECT ` + g.bucketExpr() + ` AS bucket,
			COALESCE(NULLIF(project, ''), '` + DimSentinel + `'),
			COALESCE(NULLIF(provider, ''), '` + DimSentinel + `'),
			COALESCE(NULLIF(model, ''), '` + DimSentinel + `'),
			COALESCE(NULLIF(role, ''), '` + DimSentinel + `'),
			COALESCE(NULLIF(agent, ''), '` + DimSentinel + `'),
			COALESCE(NULLIF(source, ''), '` + DimSentinel + `'),
			COUNT(DISTINCT session_id),
			COUNT(*),
			SUM(CAST(input_tokens AS INTEGER)),
			SUM(CAST(output_tokens AS INTEGER)),
			SUM(CAST(reasoning_tokens AS INTEGER)),
			SUM(CAST(cache_read_tokens AS INTEGER)),
			SUM(CAST(cache_write_tokens AS INTEGER)),
			SUM(cost),
			SUM(lines_added),
			SUM(lines_deleted),
			SUM(file_count),
			MAX(created_at)
		FROM messages
		WHERE created_at >= ? AND created_at < ?
		GROUP BY 1, 2, 3, 4, 5, 6, 7
		ON CONFLICT(bucket_start, project, provider, model,
			role, agent, source)
		DO UPDATE SET
			session_count = excluded.session_count,
			event_count = excluded.event_count,
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			reasoning_tokens = excluded.reasoning_tokens,
			cache_read_tokens = excluded.cache_read_tokens,
			cache_write_tokens = excluded.cache_write_tokens,
			cost = excluded.cost,
			lines_added = excluded.lines_added,
			lines_deleted = excluded.lines_deleted,
			file_count = excluded.file_count,
			last_seen = excluded.last_seen`
}

// RebuildRollups truncates all three rollup tables and recomputes
// them over the full range of the event log in one transaction.
func (s *Store) RebuildRollups() error {
	lo, hi, ok, err := s.FullEventTimeRange()
	if err != nil {
		return err
	}

	return s.Update(func(tx *sql.Tx) error {
		for _, g := range Granularities {
			if _, err := tx.Exec(
				"DELETE FROM " + g.Table(),
			); err != nil {
				return fmt.Errorf(
					"truncating %s: %w", g.Table(), err,
				)
			}
		}
		if !ok {
			return nil // empty event log, nothing to roll up
		}
		for _, g := range Granularities {
			if _, err := tx.Exec(
				rollupInsertSQL(g), lo, hi+1,
			); err != nil {
				return fmt.Errorf(
					"rebuilding %s: %w", g.Table(), err,
				)
			}
		}
		return nil
	})
}

// RecomputeRollups refreshes the rollup buckets touched by the given
// sessions' events. The affected range is expanded one bucket
// outward on each side per granularity to absorb boundary effects
// of the alignment rule, then those buckets are deleted and
// reinserted from the raw events in one transaction.
func (s *Store) RecomputeRollups(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	lo, hi, ok, err := s.EventTimeRange(ids)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	return s.Update(func(tx *sql.Tx) error {
		for _, g := range Granularities {
			delLo := g.PrevBucket(lo)
			delHi := g.NextBucket(hi)
			if _, err := tx.Exec(
				"DELETE FROM "+g.Table()+
					" WHERE bucket_start >= ? AND bucket_start <= ?",
				delLo, delHi,
			); err != nil {
				return fmt.Errorf(
					"clearing %s range: %w", g.Table(), err,
				)
			}
			// Event range covering exactly the deleted buckets.
			if _, err := tx.Exec(
				rollupInsertSQL(g), delLo, g.NextBucket(delHi),
			); err != nil {
				return fmt.Errorf(
					"recomputing %s: %w", g.Table(), err,
				)
			}
		}
		return nil
	})
}

// RollupRow is one bucket of one dimension tuple.
type RollupRow struct {
	BucketStart      int64   `json:"bucket_start"`
	Project          string  `json:"project"`
	Provider         string  `json:"provider"`
	Model            string  `json:"model"`
	Role             string  `json:"role"`
	Agent            string  `json:"agent"`
	Source           string  `json:"source"`
	SessionCount     int64   `json:"session_count"`
	EventCount       int64   `json:"event_count"`
	InputTokens      int64   `json:"input_tokens"`
	OutputTokens     int64   `json:"output_tokens"`
	ReasoningTokens  int64   `json:"reasoning_tokens"`
	CacheReadTokens  int64   `json:"cache_read_tokens"`
	CacheWriteTokens int64   `json:"cache_write_tokens"`
	Cost             float64 `json:"cost"`
	LinesAdded       int64   `json:"lines_added"`
	LinesDeleted     int64   `json:"lines_deleted"`
	FileCount        int64   `json:"file_count"`
	LastSeen         int64   `json:"last_seen"`
}

// RollupFilter restricts a rollup query. Zero time bounds mean
// unbounded; empty dimension values mean no filter.
type RollupFilter struct {
	From     int64
	To       int64
	Project  string
	Provider string
	Model    string
	Role     string
	Agent    string
	Source   string
}

func (f RollupFilter) where() (string, []any) {
	preds := []string{"1=1"}
	var args []any
	if f.From != 0 {
		preds = append(preds, "bucket_start >= ?")
		args = append(args, f.From)
	}
	if f.To != 0 {
		preds = append(preds, "bucket_start <= ?")
		args = append(args, f.To)
	}
	dims := []struct {
		col, val string
	}{
		{"project", f.Project}, {"provider", f.Provider},
		{"model", f.Model}, {"role", f.Role},
		{"agent", f.Agent}, {"source", f.Source},
	}
	for _, d := range dims {
		if d.val != "" {
			preds = append(preds, d.col+" = ?")
			args = append(args, d.val)
		}
	}
	return strings.Join(preds, " AND "), args
}

// QueryRollups returns rollup rows for one granularity, ordered by
// bucket then dimension tuple. This is the dashboard's read path.
func (s *Store) QueryRollups(
	g Granularity, f RollupFilter,
) ([]RollupRow, error) {
	where, args := f.where()
	rows, err := s.reader.Query(
		"SELECT "+rollupDimCols+", "+rollupMetricCols+
			" FROM "+g.Table()+
			" WHERE "+where+
			" ORDER BY bucket_start, project, provider, model,"+
			" role, agent, source",
		args...)
	if err != nil {
		return nil, fmt.Errorf(
			"querying %s: %w", g.Table(), err,
		)
	}
	defer rows.Close()

	var out []RollupRow
	for rows.Next() {
		var r RollupRow
		if err := rows.Scan(
			&r.BucketStart, &r.Project, &r.Provider, &r.Model,
			&r.Role, &r.Agent, &r.Source,
			&r.SessionCount, &r.EventCount,
			&r.InputTokens, &r.OutputTokens, &r.ReasoningTokens,
			&r.CacheReadTokens, &r.CacheWriteTokens, &r.Cost,
			&r.LinesAdded, &r.LinesDeleted, &r.FileCount,
			&r.LastSeen,
		); err != nil {
			return nil, fmt.Errorf("scanning rollup row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
