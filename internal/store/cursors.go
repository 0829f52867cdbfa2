package store

import (
	"database/sql"
	"fmt"
)

// Cursor is a row in sync_metadata: per-source ingestion state. For
// file sources Fingerprint holds the last content hash; for
// foreign-database sources WatermarkTime/WatermarkID hold the last
// row consumed. Both only ever advance.
type Cursor struct {
	Source        string
	Fingerprint   string
	WatermarkTime int64
	WatermarkID   string
	LastImportAt  int64
	FirstEventAt  int64
	LastEventAt   int64
	EventCount    int64
}

const cursorCols = `source, fingerprint, watermark_time, watermark_id,
	last_import_at, first_event_at, last_event_at, event_count`

// GetCursor returns the cursor for a source identity, or nil when
// the source has never been imported.
func (s *Store) GetCursor(source string) (*Cursor, error) {
	row := s.reader.QueryRow(
		"SELECT "+cursorCols+" FROM sync_metadata WHERE source = ?",
		source)

	var c Cursor
	err := row.Scan(
		&c.Source, &c.Fingerprint, &c.WatermarkTime, &c.WatermarkID,
		&c.LastImportAt, &c.FirstEventAt, &c.LastEventAt,
		&c.EventCount,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting cursor %s: %w", source, err)
	}
	return &c, nil
}

// ListCursors returns all cursors, ordered by source identity.
func (s *Store) ListCursors() ([]Cursor, error) {
	rows, err := s.reader.Query(
		"SELECT " + cursorCols +
			" FROM sync_metadata ORDER BY source")
	if err != nil {
		return nil, fmt.Errorf("listing cursors: %w", err)
	}
	defer rows.Close()

	var cursors []Cursor
	for rows.Next() {
		var c Cursor
		if err := rows.Scan(
			&c.Source, &c.Fingerprint, &c.WatermarkTime,
			&c.WatermarkID, &c.LastImportAt, &c.FirstEventAt,
			&c.LastEventAt, &c.EventCount,
		); err != nil {
			return nil, fmt.Errorf("scanning cursor: %w", err)
		}
		cursors = append(cursors, c)
	}
	return cursors, rows.Err()
}

// upsertCursorTx writes a cursor within a transaction. First/last
// event bounds widen monotonically and the event count accumulates;
// fingerprint and watermark take the incoming value, which engines
// only ever advance.
func upsertCursorTx(tx *sql.Tx, c Cursor) error {
	_, err := tx.Exec(`
		INSERT INTO sync_metadata (`+cursorCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			watermark_time = excluded.watermark_time,
			watermark_id = excluded.watermark_id,
			last_import_at = excluded.last_import_at,
			first_event_at = CASE
				WHEN first_event_at = 0 THEN excluded.first_event_at
				WHEN excluded.first_event_at = 0 THEN first_event_at
				ELSE MIN(first_event_at, excluded.first_event_at)
			END,
			last_event_at = MAX(last_event_at, excluded.last_event_at),
			event_count = event_count + excluded.event_count`,
		c.Source, c.Fingerprint, c.WatermarkTime, c.WatermarkID,
		c.LastImportAt, c.FirstEventAt, c.LastEventAt, c.EventCount)
	if err != nil {
		return fmt.Errorf("upserting cursor %s: %w", c.Source, err)
	}
	return nil
}

// UpsertCursor writes a single cursor in its own transaction.
func (s *Store) UpsertCursor(c Cursor) error {
	return s.Update(func(tx *sql.Tx) error {
		return upsertCursorTx(tx, c)
	})
}
