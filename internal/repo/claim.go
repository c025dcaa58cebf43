package repo

import (
	"context"
	"fmt"
	"sort"

	sq "github.com/Masterminds/squirrel"

	"briefcast/internal/domain"
)

// Guard is the expected state of a record at the moment of a conditional
// update: the row must still carry this status and last-modified value.
type Guard struct {
	ID        string
	Status    domain.Status
	UpdatedAt string
}

// GuardOf captures the guard for a record as it was read.
func GuardOf(rec domain.ContentRecord) Guard {
	return Guard{ID: rec.ID, Status: rec.Status, UpdatedAt: rec.UpdatedAt}
}

// Change is the new state written by a conditional update. Fields holds
// additional column values keyed by column name.
type Change struct {
	Status    domain.Status
	UpdatedAt string
	Fields    map[string]any
}

var writableColumns = map[string]bool{
	"content":                true,
	"script":                 true,
	"audio_url":              true,
	"audio_duration_seconds": true,
	"variant":                true,
	"retry_count":            true,
	"last_error":             true,
	"shaped_at":              true,
	"narrated_at":            true,
	"synthesized_at":         true,
	"parameters":             true,
}

// Claim moves a record from its input status to the stage's in-progress
// status. It returns ErrLost when the record no longer matches g.
func (r Repo) Claim(ctx context.Context, g Guard, inProgress domain.Status, updatedAt string) error {
	return r.Transition(ctx, g, Change{Status: inProgress, UpdatedAt: updatedAt})
}

// Transition applies a forward status change guarded by g.
func (r Repo) Transition(ctx context.Context, g Guard, c Change) error {
	if err := domain.CheckTransition(g.Status, c.Status); err != nil {
		return err
	}
	return r.conditionalUpdate(ctx, r.DB, g, c)
}

// Reset is the operator path back to a stage's input status.
func (r Repo) Reset(ctx context.Context, g Guard, updatedAt string) (domain.Status, error) {
	to, ok := domain.ResetTarget(g.Status)
	if !ok {
		return "", fmt.Errorf("%w: %s cannot be reset", domain.ErrInvalidTransition, g.Status)
	}
	err := r.conditionalUpdate(ctx, r.DB, g, Change{
		Status:    to,
		UpdatedAt: updatedAt,
		Fields:    map[string]any{"retry_count": 0, "last_error": ""},
	})
	return to, err
}

// FinalizeFanOut writes the claimed record's outcome and inserts the sibling
// records in one transaction. Siblings are not created when the original
// no longer matches g.
func (r Repo) FinalizeFanOut(ctx context.Context, g Guard, c Change, siblings []domain.ContentRecord) error {
	if err := domain.CheckTransition(g.Status, c.Status); err != nil {
		return err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.conditionalUpdate(ctx, tx, g, c); err != nil {
		return err
	}
	for _, sib := range siblings {
		if err := r.insertRecord(ctx, tx, sib); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r Repo) conditionalUpdate(ctx context.Context, q querier, g Guard, c Change) error {
	if g.ID == "" || g.UpdatedAt == "" {
		return fmt.Errorf("conditional update requires id and updated_at")
	}
	b := r.builder().Update(recordsTable).
		Set("status", string(c.Status)).
		Set("updated_at", c.UpdatedAt)
	keys := make([]string, 0, len(c.Fields))
	for k := range c.Fields {
		if !writableColumns[k] {
			return fmt.Errorf("column %s is not writable", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := c.Fields[k]
		if k == "parameters" {
			if m, ok := v.(map[string]any); ok {
				enc, err := encodeParams(m)
				if err != nil {
					return err
				}
				v = enc
			}
		}
		b = b.Set(k, v)
	}
	query, args, err := b.
		Where(sq.Eq{"id": g.ID}).
		Where(sq.Eq{"status": string(g.Status)}).
		Where(sq.Eq{"updated_at": g.UpdatedAt}).
		ToSql()
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update %s %s -> %s: %w", g.ID, g.Status, c.Status, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrLost
	}
	return nil
}
