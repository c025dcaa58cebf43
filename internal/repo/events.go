package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"briefcast/internal/domain"
)

const eventsTable = "pipeline_events"

var eventColumns = []string{"id", "ts", "event_type", "status", "message", "record_id", "metadata"}

func (r Repo) InsertEvent(ctx context.Context, e domain.Event) error {
	meta := "{}"
	if len(e.Metadata) > 0 {
		data, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("encode event metadata: %w", err)
		}
		meta = string(data)
	}
	var recordID any
	if e.RecordID != "" {
		recordID = e.RecordID
	}
	query, args, err := r.builder().Insert(eventsTable).
		Columns("ts", "event_type", "status", "message", "record_id", "metadata").
		Values(e.TS, e.EventType, e.Status, e.Message, recordID, meta).
		ToSql()
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, query, args...)
	return err
}

type EventFilter struct {
	AfterID  int64
	BeforeID int64
	RecordID string
	Type     string
	Limit    int
	// Ascending returns oldest first; the default is newest first.
	Ascending bool
}

func (r Repo) ListEvents(ctx context.Context, f EventFilter) ([]domain.Event, error) {
	b := r.builder().Select(eventColumns...).From(eventsTable)
	if f.AfterID > 0 {
		b = b.Where(sq.Gt{"id": f.AfterID})
	}
	if f.BeforeID > 0 {
		b = b.Where(sq.Lt{"id": f.BeforeID})
	}
	if f.RecordID != "" {
		b = b.Where(sq.Eq{"record_id": f.RecordID})
	}
	if f.Type != "" {
		if strings.HasSuffix(f.Type, "*") {
			b = b.Where(sq.Like{"event_type": strings.TrimSuffix(f.Type, "*") + "%"})
		} else {
			b = b.Where(sq.Eq{"event_type": f.Type})
		}
	}
	order := "id DESC"
	if f.Ascending {
		order = "id ASC"
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query, args, err := b.OrderBy(order).Limit(uint64(limit)).ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var (
			e        domain.Event
			recordID sql.NullString
			meta     string
		)
		if err := rows.Scan(&e.ID, &e.TS, &e.EventType, &e.Status, &e.Message, &recordID, &meta); err != nil {
			return nil, err
		}
		if recordID.Valid {
			e.RecordID = recordID.String
		}
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
				e.Metadata = map[string]any{"raw": meta}
			}
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns events with id > cursor, oldest first.
func (r Repo) EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error) {
	return r.ListEvents(ctx, EventFilter{AfterID: cursor, Limit: limit, Ascending: true})
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM `+eventsTable).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

// CountStageOutcomes counts per-record stage events by status since ts.
func (r Repo) CountStageOutcomes(ctx context.Context, since string) (map[string]int, error) {
	var stageTypes sq.Or
	for _, def := range domain.Stages() {
		stageTypes = append(stageTypes, sq.Like{"event_type": string(def.Stage) + ".%"})
	}
	query, args, err := r.builder().Select("status", "COUNT(*)").From(eventsTable).
		Where(sq.GtOrEq{"ts": since}).
		Where(sq.Eq{"status": []string{domain.EventStatusSucceeded, domain.EventStatusFailed}}).
		Where(stageTypes).
		GroupBy("status").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{domain.EventStatusSucceeded: 0, domain.EventStatusFailed: 0}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}
