package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"briefcast/internal/domain"
	"briefcast/internal/events"
	"briefcast/internal/repo"
)

const defaultPriority = 100

// NewRecord describes a record entering the pipeline. A record that
// already carries content starts at narration; otherwise parameters.source
// is required and it starts at shaping.
type NewRecord struct {
	ID         string
	OwnerID    string
	Category   string
	TargetDate string
	Priority   *int
	Content    string
	Variant    string
	ExpiresAt  string
	Parameters map[string]any
}

// Enqueue validates and inserts a new record.
func (e Engine) Enqueue(ctx context.Context, in NewRecord) (domain.ContentRecord, error) {
	category, err := domain.ParseCategory(in.Category)
	if err != nil {
		return domain.ContentRecord{}, ValidationError{Field: "category", Reason: err.Error()}
	}
	target, err := time.Parse(time.DateOnly, strings.TrimSpace(in.TargetDate))
	if err != nil {
		return domain.ContentRecord{}, ValidationError{Field: "target_date", Reason: "expected YYYY-MM-DD"}
	}
	params := map[string]any{}
	for k, v := range in.Parameters {
		params[k] = v
	}
	if in.Variant != "" {
		v, err := domain.ParseVariant(in.Variant)
		if err != nil {
			return domain.ContentRecord{}, ValidationError{Field: "variant", Reason: err.Error()}
		}
		if strings.TrimSpace(in.OwnerID) == "" {
			return domain.ContentRecord{}, ValidationError{Field: "variant", Reason: "only owner records choose a variant"}
		}
		params["variant"] = string(v)
	}

	status := domain.StatusReadyForStage1
	content := strings.TrimSpace(in.Content)
	if content != "" {
		status = domain.StatusReadyForStage2
	} else if src, _ := params["source"].(string); strings.TrimSpace(src) == "" {
		return domain.ContentRecord{}, ValidationError{Field: "parameters.source", Reason: "required when content is empty"}
	}

	now := e.stamp()
	var expires string
	if in.ExpiresAt != "" {
		expires, err = domain.NormalizeTime(in.ExpiresAt)
		if err != nil {
			return domain.ContentRecord{}, ValidationError{Field: "expires_at", Reason: err.Error()}
		}
	} else if ttl := e.config().Pipeline.DefaultTTL.Std(); ttl > 0 {
		expires = domain.FormatTime(target.Add(ttl))
	}

	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = uuid.NewString()
	}
	priority := defaultPriority
	if in.Priority != nil {
		priority = *in.Priority
	}
	rec := domain.ContentRecord{
		ID:         id,
		Category:   category,
		TargetDate: target.Format(time.DateOnly),
		Priority:   priority,
		Content:    content,
		Status:     status,
		LineageID:  id,
		CreatedAt:  now,
		UpdatedAt:  now,
		Parameters: params,
	}
	if owner := strings.TrimSpace(in.OwnerID); owner != "" {
		rec.OwnerID = &owner
	}
	if expires != "" {
		rec.ExpiresAt = &expires
	}
	if err := e.Repo.InsertRecord(ctx, rec); err != nil {
		return domain.ContentRecord{}, fmt.Errorf("insert record: %w", err)
	}
	e.emit(ctx, domain.Event{
		EventType: domain.EventRecordCreated,
		Status:    domain.EventStatusInfo,
		Message:   fmt.Sprintf("record created in %s", status),
		RecordID:  rec.ID,
		Metadata: events.Metadata{
			"category":    string(rec.Category),
			"target_date": rec.TargetDate,
			"shared":      rec.Shared(),
		},
	})
	return rec, nil
}

// NotResettableError reports a record that is neither failed nor stuck.
type NotResettableError struct {
	ID     string
	Status domain.Status
}

func (e NotResettableError) Error() string {
	return fmt.Sprintf("record %s in status %s cannot be reset", e.ID, e.Status)
}

// Reset is the operator action that returns a failed record, or one stuck in
// progress past the configured threshold, to its stage's input status with
// the retry counter cleared.
func (e Engine) Reset(ctx context.Context, id string) (domain.ContentRecord, error) {
	rec, err := e.Repo.GetRecord(ctx, id)
	if err != nil {
		return domain.ContentRecord{}, err
	}
	if _, ok := domain.ResetTarget(rec.Status); !ok {
		return domain.ContentRecord{}, NotResettableError{ID: id, Status: rec.Status}
	}
	if rec.Status.InProgress() && !e.stuck(rec) {
		return domain.ContentRecord{}, NotResettableError{ID: id, Status: rec.Status}
	}
	ts := e.stamp(rec.UpdatedAt)
	to, err := e.Repo.Reset(ctx, repo.GuardOf(rec), ts)
	if err != nil {
		return domain.ContentRecord{}, err
	}
	e.emit(ctx, domain.Event{
		EventType: domain.EventRecordReset,
		Status:    domain.EventStatusInfo,
		Message:   fmt.Sprintf("record reset from %s to %s", rec.Status, to),
		RecordID:  id,
		Metadata:  events.Metadata{"from": string(rec.Status), "to": string(to), "retry_count": rec.RetryCount},
	})
	return e.Repo.GetRecord(ctx, id)
}

func (e Engine) stuckAfter() time.Duration {
	if d := e.config().Pipeline.StuckAfter.Std(); d > 0 {
		return d
	}
	return 30 * time.Minute
}

func (e Engine) stuck(rec domain.ContentRecord) bool {
	updated, err := domain.ParseTime(rec.UpdatedAt)
	if err != nil {
		return false
	}
	return e.now().Sub(updated) >= e.stuckAfter()
}

// Stuck lists in-progress records untouched for longer than the stuck threshold.
func (e Engine) Stuck(ctx context.Context, limit int) ([]domain.ContentRecord, error) {
	cutoff := domain.FormatTime(e.now().Add(-e.stuckAfter()))
	return e.Repo.StaleInProgress(ctx, cutoff, limit)
}

// ExpireStale moves every non-terminal record past its expiry to expired.
// Records that change underneath are left for the next run.
func (e Engine) ExpireStale(ctx context.Context) (int, error) {
	now := domain.FormatTime(e.now())
	expired := 0
	for {
		recs, err := e.Repo.ExpireCandidates(ctx, now, e.batchSize())
		if err != nil {
			return expired, fmt.Errorf("select expired records: %w", err)
		}
		moved := 0
		for _, rec := range recs {
			ts := e.stamp(rec.UpdatedAt)
			err := e.Repo.Transition(ctx, repo.GuardOf(rec), repo.Change{Status: domain.StatusExpired, UpdatedAt: ts})
			if errors.Is(err, repo.ErrLost) {
				continue
			}
			if err != nil {
				return expired, err
			}
			moved++
			e.emit(ctx, domain.Event{
				EventType: domain.EventRecordExpired,
				Status:    domain.EventStatusInfo,
				Message:   fmt.Sprintf("record expired in %s", rec.Status),
				RecordID:  rec.ID,
				Metadata:  events.Metadata{"from": string(rec.Status), "expires_at": deref(rec.ExpiresAt)},
			})
		}
		expired += moved
		if moved == 0 || len(recs) < e.batchSize() {
			break
		}
	}
	if expired > 0 {
		e.logger().WithField("count", expired).Info("expired stale records")
	}
	return expired, nil
}

// LineageView groups the records that came out of one source record.
type LineageView struct {
	LineageID     string                 `json:"lineage_id"`
	Records       []domain.ContentRecord `json:"records"`
	VariantsReady []domain.Variant       `json:"variants_ready"`
	Outcome       string                 `json:"outcome" enum:"full,partial,none,pending"`
}

// Lineage reports how far a lineage got through narration: full when every
// configured variant has a narrated record, partial when some do, none when
// narration failed for all of them, pending while narration has not run.
func (e Engine) Lineage(ctx context.Context, lineageID string) (LineageView, error) {
	recs, err := e.Repo.Lineage(ctx, lineageID)
	if err != nil {
		return LineageView{}, err
	}
	view := LineageView{LineageID: lineageID, Records: recs, VariantsReady: []domain.Variant{}}
	seen := map[domain.Variant]bool{}
	pending := false
	for _, r := range recs {
		if r.NarratedAt != nil && r.Variant != nil && !seen[*r.Variant] {
			seen[*r.Variant] = true
			view.VariantsReady = append(view.VariantsReady, *r.Variant)
		}
		switch r.Status {
		case domain.StatusReadyForStage1, domain.StatusStage1InProgress,
			domain.StatusReadyForStage2, domain.StatusStage2InProgress:
			pending = true
		}
	}
	expected := len(e.variants())
	if len(recs) > 0 && !recs[0].Shared() {
		expected = 1
	}
	switch {
	case pending && len(view.VariantsReady) == 0:
		view.Outcome = OutcomePending
	case len(view.VariantsReady) >= expected:
		view.Outcome = OutcomeFull
	case len(view.VariantsReady) == 0:
		view.Outcome = OutcomeNone
	default:
		view.Outcome = OutcomePartial
	}
	return view, nil
}
