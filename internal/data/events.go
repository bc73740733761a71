package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// EventModel is the Postgres-backed detection event log. Ids come from a
// BIGSERIAL so they are assigned by the server and strictly increasing.
type EventModel struct {
	DB DBTX
}

func (m EventModel) Append(ctx context.Context, e *DetectionEvent) error {
	query := `
		INSERT INTO detection_events (
			device_id, event_type, confidence, bbox_x, bbox_y, bbox_width, bbox_height,
			image_path, metadata, source_event_id, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`

	var bx, by, bw, bh sql.NullInt64
	if e.BBox != nil {
		bx = sql.NullInt64{Int64: int64(e.BBox.X), Valid: true}
		by = sql.NullInt64{Int64: int64(e.BBox.Y), Valid: true}
		bw = sql.NullInt64{Int64: int64(e.BBox.Width), Valid: true}
		bh = sql.NullInt64{Int64: int64(e.BBox.Height), Valid: true}
	}
	meta := sql.NullString{String: string(e.Metadata), Valid: len(e.Metadata) > 0}

	return m.DB.QueryRowContext(ctx, query,
		e.DeviceID, string(e.EventType), e.Confidence, bx, by, bw, bh,
		nullString(e.ImagePath), meta, nullString(e.SourceEventID), e.CreatedAt,
	).Scan(&e.ID)
}

// Query pages most-recent-first by id. cursor=0 starts from the newest.
func (m EventModel) Query(ctx context.Context, filter EventFilter, cursor int64, limit int) (EventPage, error) {
	limit = ClampPageSize(limit)
	where := "WHERE 1=1"
	args := []any{}
	nextArg := 1

	add := func(clause string, v any) {
		where += fmt.Sprintf(" AND "+clause, nextArg)
		args = append(args, v)
		nextArg++
	}
	if cursor > 0 {
		add("id < $%d", cursor)
	}
	if filter.DeviceID != "" {
		add("device_id = $%d", filter.DeviceID)
	}
	if filter.EventType != "" {
		add("event_type = $%d", string(filter.EventType))
	}
	if !filter.Range.Start.IsZero() {
		add("created_at >= $%d", filter.Range.Start)
	}
	if !filter.Range.End.IsZero() {
		add("created_at <= $%d", filter.Range.End)
	}

	// Fetch one extra row to learn whether another page exists.
	query := fmt.Sprintf(`
		SELECT id, device_id, event_type, confidence, bbox_x, bbox_y, bbox_width, bbox_height,
		       image_path, metadata, source_event_id, created_at
		FROM detection_events
		%s
		ORDER BY id DESC
		LIMIT $%d`, where, nextArg)
	args = append(args, limit+1)

	rows, err := m.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return EventPage{}, err
	}
	defer rows.Close()

	page := EventPage{Events: make([]DetectionEvent, 0, limit)}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return EventPage{}, err
		}
		page.Events = append(page.Events, e)
	}
	if err := rows.Err(); err != nil {
		return EventPage{}, err
	}

	if len(page.Events) > limit {
		page.Events = page.Events[:limit]
		page.NextCursor = page.Events[limit-1].ID
	}
	return page, nil
}

// ScanSince streams events created at or after since, oldest first.
func (m EventModel) ScanSince(ctx context.Context, since time.Time, fn func(*DetectionEvent)) error {
	query := `
		SELECT id, device_id, event_type, confidence, bbox_x, bbox_y, bbox_width, bbox_height,
		       image_path, metadata, source_event_id, created_at
		FROM detection_events
		WHERE created_at >= $1
		ORDER BY id ASC`

	rows, err := m.DB.QueryContext(ctx, query, since)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return err
		}
		fn(&e)
	}
	return rows.Err()
}

func scanEvent(rows *sql.Rows) (DetectionEvent, error) {
	var e DetectionEvent
	var eventType string
	var bx, by, bw, bh sql.NullInt64
	var imagePath, sourceID sql.NullString
	var meta []byte

	if err := rows.Scan(&e.ID, &e.DeviceID, &eventType, &e.Confidence, &bx, &by, &bw, &bh,
		&imagePath, &meta, &sourceID, &e.CreatedAt); err != nil {
		return e, err
	}
	e.EventType = EventType(eventType)
	e.ImagePath = imagePath.String
	e.SourceEventID = sourceID.String
	if len(meta) > 0 {
		e.Metadata = json.RawMessage(meta)
	}
	if bx.Valid && by.Valid && bw.Valid && bh.Valid {
		e.BBox = &BBox{X: int(bx.Int64), Y: int(by.Int64), Width: int(bw.Int64), Height: int(bh.Int64)}
	}
	return e, nil
}
