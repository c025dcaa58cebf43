package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"briefcast/internal/domain"
	"briefcast/internal/events"
	"briefcast/internal/repo"
	"briefcast/internal/retry"
)

// Fan-out outcomes recorded on the fanout.completed event and the lineage view.
const (
	OutcomeFull    = "full"
	OutcomePartial = "partial"
	OutcomeNone    = "none"
	OutcomePending = "pending"
)

type variantResult struct {
	variant  domain.Variant
	script   string
	attempts int
	err      error
}

func (e Engine) variants() []domain.Variant {
	vs := e.config().Pipeline.VariantList()
	if len(vs) == 0 {
		return domain.DefaultVariants()
	}
	return vs
}

// fanOut generates every variant concurrently and waits for all of them.
// The claimed record takes the first variant; each later variant that
// succeeded becomes a new sibling record in the same lineage. Failed later
// variants produce no record, and variants another lineage record already
// holds are not generated again.
func (e Engine) fanOut(ctx context.Context, def domain.StageDef, rec domain.ContentRecord) outcome {
	lineage := rec.LineageID
	if lineage == "" {
		lineage = rec.ID
	}
	held, err := e.heldVariants(ctx, rec, lineage)
	if err != nil {
		var o outcome
		o.fail(rec.ID, fmt.Errorf("read lineage: %w", err))
		e.Metrics.RecordFailed(string(def.Stage), "store")
		return o
	}
	all := e.variants()
	variants := make([]domain.Variant, 0, len(all))
	var existing []string
	for i, v := range all {
		if i > 0 && held[v] {
			existing = append(existing, string(v))
			continue
		}
		variants = append(variants, v)
	}
	results := make([]variantResult, len(variants))

	g := new(errgroup.Group)
	for i, v := range variants {
		g.Go(func() error {
			attempts := 0
			policy := e.policy("textgen", rec.ID)
			onFailure := policy.OnFailure
			policy.OnFailure = func(attempt int, err error) {
				attempts = attempt
				onFailure(attempt, err)
			}
			script, err := retry.Do(ctx, policy, func(ctx context.Context) (string, error) {
				return e.generate(ctx, narratePrompt(rec, v))
			})
			if err == nil {
				attempts++
			}
			var ex *retry.ExhaustedError
			if errors.As(err, &ex) {
				attempts = ex.Attempts
			}
			results[i] = variantResult{variant: v, script: script, attempts: attempts, err: err}
			return nil
		})
	}
	_ = g.Wait()

	ts := e.stamp(rec.UpdatedAt, rec.CreatedAt, deref(rec.ShapedAt))

	primary := results[0]
	var change repo.Change
	if primary.err == nil {
		change = repo.Change{Status: def.Success, UpdatedAt: ts, Fields: map[string]any{
			"script":            primary.script,
			"variant":           string(primary.variant),
			def.CompletedColumn: ts,
			"retry_count":       0,
			"last_error":        "",
		}}
	} else {
		change = repo.Change{Status: def.Failed, UpdatedAt: ts, Fields: map[string]any{
			"retry_count": e.maxAttempts(),
			"last_error":  events.Errorf("%s: %v", primary.variant, primary.err),
		}}
	}

	var siblings []domain.ContentRecord
	for _, r := range results[1:] {
		if r.err != nil {
			continue
		}
		siblings = append(siblings, e.sibling(rec, def.Success, lineage, r, ts))
	}

	var o outcome
	if err := e.Repo.FinalizeFanOut(ctx, repo.GuardOf(rec), change, siblings); err != nil {
		o.fail(rec.ID, fmt.Errorf("finalize fan-out: %w", err))
		e.Metrics.RecordFailed(string(def.Stage), "store")
		return o
	}

	var succeeded, failed []string
	for i, r := range results {
		recordID := rec.ID
		if i > 0 && r.err == nil {
			recordID = siblingFor(siblings, r.variant)
		}
		meta := events.Metadata{
			"stage":       string(def.Stage),
			"variant":     string(r.variant),
			"attempts":    r.attempts,
			"lineage_id":  lineage,
			"category":    string(rec.Category),
			"target_date": rec.TargetDate,
		}
		if r.err == nil {
			succeeded = append(succeeded, string(r.variant))
			o.processed++
			e.Metrics.RecordProcessed(string(def.Stage))
			e.emit(ctx, domain.Event{
				EventType: domain.StageEventType(def.Stage, domain.EventStatusSucceeded),
				Status:    domain.EventStatusSucceeded,
				Message:   fmt.Sprintf("%s succeeded for %s", def.Stage, r.variant),
				RecordID:  recordID,
				Metadata:  meta,
			})
			continue
		}
		failed = append(failed, string(r.variant))
		o.fail(rec.ID, fmt.Errorf("variant %s: %w", r.variant, r.err))
		e.Metrics.RecordFailed(string(def.Stage), "exhausted")
		meta["retry_count"] = e.maxAttempts()
		e.emit(ctx, domain.Event{
			EventType: domain.StageEventType(def.Stage, domain.EventStatusFailed),
			Status:    domain.EventStatusFailed,
			Message:   events.Errorf("%s failed for %s: %v", def.Stage, r.variant, r.err),
			RecordID:  rec.ID,
			Metadata:  meta,
		})
	}

	result := fanOutOutcome(len(succeeded)+len(existing), len(all))
	status := domain.EventStatusSucceeded
	if result == OutcomeNone {
		status = domain.EventStatusFailed
	}
	e.emit(ctx, domain.Event{
		EventType: domain.EventFanoutComplete,
		Status:    status,
		Message:   fmt.Sprintf("fan-out %s: %d of %d variants", result, len(succeeded)+len(existing), len(all)),
		RecordID:  rec.ID,
		Metadata: events.Metadata{
			"lineage_id": lineage,
			"outcome":    result,
			"succeeded":  succeeded,
			"failed":     failed,
			"existing":   existing,
		},
	})
	return o
}

// heldVariants returns the variants already narrated by other records of the
// lineage. A reset original re-runs only the variants nobody holds.
func (e Engine) heldVariants(ctx context.Context, rec domain.ContentRecord, lineage string) (map[domain.Variant]bool, error) {
	recs, err := e.Repo.Lineage(ctx, lineage)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	held := map[domain.Variant]bool{}
	for _, r := range recs {
		if r.ID != rec.ID && r.Variant != nil {
			held[*r.Variant] = true
		}
	}
	return held, nil
}

// sibling copies the claimed record into a new record carrying one
// variant's script. created_at and narrated_at are distinct and both
// strictly after the original's last write.
func (e Engine) sibling(rec domain.ContentRecord, status domain.Status, lineage string, r variantResult, after string) domain.ContentRecord {
	created := e.stamp(after)
	narrated := e.stamp(created)
	v := r.variant
	return domain.ContentRecord{
		ID:         uuid.NewString(),
		Category:   rec.Category,
		TargetDate: rec.TargetDate,
		Priority:   rec.Priority,
		Content:    rec.Content,
		Script:     r.script,
		Variant:    &v,
		Status:     status,
		LineageID:  lineage,
		CreatedAt:  created,
		UpdatedAt:  narrated,
		ShapedAt:   rec.ShapedAt,
		NarratedAt: &narrated,
		ExpiresAt:  rec.ExpiresAt,
		Parameters: maps.Clone(rec.Parameters),
	}
}

func siblingFor(siblings []domain.ContentRecord, v domain.Variant) string {
	for _, s := range siblings {
		if s.VariantOrEmpty() == v {
			return s.ID
		}
	}
	return ""
}

func fanOutOutcome(succeeded, total int) string {
	switch {
	case total > 0 && succeeded == total:
		return OutcomeFull
	case succeeded == 0:
		return OutcomeNone
	default:
		return OutcomePartial
	}
}
