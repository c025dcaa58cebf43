package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"briefcast/internal/db"
	"briefcast/internal/domain"
)

// Repo is the Record Store over content_records and pipeline_events.
type Repo struct {
	DB      *sql.DB
	Dialect db.Dialect
}

var (
	ErrNotFound = errors.New("not found")
	// ErrLost means a conditional update matched no row: another invocation
	// already claimed or changed the record.
	ErrLost = errors.New("record changed concurrently")
)

const recordsTable = "content_records"

var recordColumns = []string{
	"id", "owner_id", "category", "target_date", "priority",
	"content", "script", "audio_url", "audio_duration_seconds", "variant",
	"status", "retry_count", "last_error", "lineage_id",
	"created_at", "updated_at", "shaped_at", "narrated_at", "synthesized_at",
	"expires_at", "parameters",
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func New(conn *sql.DB, dialect db.Dialect) Repo {
	return Repo{DB: conn, Dialect: dialect}
}

func (r Repo) builder() sq.StatementBuilderType {
	return r.Dialect.Builder()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (domain.ContentRecord, error) {
	var (
		rec                                            domain.ContentRecord
		owner, variant                                 sql.NullString
		shaped, narrated, synthesized, expires, params sql.NullString
		category, status                               string
	)
	err := row.Scan(
		&rec.ID, &owner, &category, &rec.TargetDate, &rec.Priority,
		&rec.Content, &rec.Script, &rec.AudioURL, &rec.AudioDurationSeconds, &variant,
		&status, &rec.RetryCount, &rec.LastError, &rec.LineageID,
		&rec.CreatedAt, &rec.UpdatedAt, &shaped, &narrated, &synthesized,
		&expires, &params,
	)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	rec.Category = domain.Category(category)
	rec.Status = domain.Status(status)
	rec.OwnerID = stringPtr(owner)
	if variant.Valid && variant.String != "" {
		v := domain.Variant(variant.String)
		rec.Variant = &v
	}
	rec.ShapedAt = stringPtr(shaped)
	rec.NarratedAt = stringPtr(narrated)
	rec.SynthesizedAt = stringPtr(synthesized)
	rec.ExpiresAt = stringPtr(expires)
	if params.Valid && strings.TrimSpace(params.String) != "" {
		if err := json.Unmarshal([]byte(params.String), &rec.Parameters); err != nil {
			return rec, fmt.Errorf("decode parameters of %s: %w", rec.ID, err)
		}
	}
	return rec, nil
}

func scanRecords(rows *sql.Rows) ([]domain.ContentRecord, error) {
	defer rows.Close()
	var res []domain.ContentRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

func (r Repo) InsertRecord(ctx context.Context, rec domain.ContentRecord) error {
	return r.insertRecord(ctx, r.DB, rec)
}

func (r Repo) insertRecord(ctx context.Context, q querier, rec domain.ContentRecord) error {
	if !rec.Status.Valid() {
		return fmt.Errorf("insert %s: invalid status %q", rec.ID, rec.Status)
	}
	params, err := encodeParams(rec.Parameters)
	if err != nil {
		return err
	}
	var variant any
	if rec.Variant != nil {
		variant = string(*rec.Variant)
	}
	query, args, err := r.builder().Insert(recordsTable).Columns(recordColumns...).Values(
		rec.ID, nullableStringPtr(rec.OwnerID), string(rec.Category), rec.TargetDate, rec.Priority,
		rec.Content, rec.Script, rec.AudioURL, rec.AudioDurationSeconds, variant,
		string(rec.Status), rec.RetryCount, rec.LastError, rec.LineageID,
		rec.CreatedAt, rec.UpdatedAt, nullableStringPtr(rec.ShapedAt), nullableStringPtr(rec.NarratedAt), nullableStringPtr(rec.SynthesizedAt),
		nullableStringPtr(rec.ExpiresAt), params,
	).ToSql()
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert record %s: %w", rec.ID, err)
	}
	return nil
}

func (r Repo) GetRecord(ctx context.Context, id string) (domain.ContentRecord, error) {
	query, args, err := r.builder().Select(recordColumns...).From(recordsTable).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return domain.ContentRecord{}, err
	}
	return scanRecord(r.DB.QueryRowContext(ctx, query, args...))
}

// SelectEligible returns up to limit records in status, highest priority
// (lowest number) first, then oldest, then insertion order.
func (r Repo) SelectEligible(ctx context.Context, status domain.Status, limit int) ([]domain.ContentRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query, args, err := r.builder().Select(recordColumns...).From(recordsTable).
		Where(sq.Eq{"status": string(status)}).
		OrderBy("priority ASC", "created_at ASC", "seq ASC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select eligible %s: %w", status, err)
	}
	return scanRecords(rows)
}

type RecordFilter struct {
	Status     domain.Status
	Category   domain.Category
	TargetDate string
	OwnerID    string
	LineageID  string
	Limit      int
}

func (r Repo) ListRecords(ctx context.Context, f RecordFilter) ([]domain.ContentRecord, error) {
	b := r.builder().Select(recordColumns...).From(recordsTable)
	if f.Status != "" {
		b = b.Where(sq.Eq{"status": string(f.Status)})
	}
	if f.Category != "" {
		b = b.Where(sq.Eq{"category": string(f.Category)})
	}
	if f.TargetDate != "" {
		b = b.Where(sq.Eq{"target_date": f.TargetDate})
	}
	if f.OwnerID != "" {
		b = b.Where(sq.Eq{"owner_id": f.OwnerID})
	}
	if f.LineageID != "" {
		b = b.Where(sq.Eq{"lineage_id": f.LineageID})
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query, args, err := b.OrderBy("seq DESC").Limit(uint64(limit)).ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

// Lineage returns every record fanned out from lineageID in insertion order.
func (r Repo) Lineage(ctx context.Context, lineageID string) ([]domain.ContentRecord, error) {
	query, args, err := r.builder().Select(recordColumns...).From(recordsTable).
		Where(sq.Eq{"lineage_id": lineageID}).
		OrderBy("seq ASC").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	recs, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return recs, nil
}

func (r Repo) CountByStatus(ctx context.Context) (map[domain.Status]int, error) {
	query, args, err := r.builder().Select("status", "COUNT(*)").From(recordsTable).GroupBy("status").ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[domain.Status]int)
	for _, s := range domain.Statuses() {
		counts[s] = 0
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.Status(status)] = n
	}
	return counts, rows.Err()
}

// StaleInProgress returns in-progress records last modified before cutoff.
func (r Repo) StaleInProgress(ctx context.Context, cutoff string, limit int) ([]domain.ContentRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query, args, err := r.builder().Select(recordColumns...).From(recordsTable).
		Where(sq.Eq{"status": []string{
			string(domain.StatusStage1InProgress),
			string(domain.StatusStage2InProgress),
			string(domain.StatusStage3InProgress),
		}}).
		Where(sq.Lt{"updated_at": cutoff}).
		OrderBy("updated_at ASC", "seq ASC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

// ExpireCandidates returns non-terminal records whose expiry is at or before now.
func (r Repo) ExpireCandidates(ctx context.Context, now string, limit int) ([]domain.ContentRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var open []string
	for _, s := range domain.Statuses() {
		if !s.Terminal() {
			open = append(open, string(s))
		}
	}
	query, args, err := r.builder().Select(recordColumns...).From(recordsTable).
		Where(sq.Eq{"status": open}).
		Where(sq.NotEq{"expires_at": nil}).
		Where(sq.LtOrEq{"expires_at": now}).
		OrderBy("expires_at ASC", "seq ASC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

func encodeParams(p map[string]any) (string, error) {
	if len(p) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode parameters: %w", err)
	}
	return string(data), nil
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	s := ns.String
	return &s
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
