package engine

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"briefcast/internal/domain"
	"briefcast/internal/events"
	"briefcast/internal/logging"
	"briefcast/internal/repo"
	"briefcast/internal/retry"
)

// BatchResult summarizes one invocation of a stage worker.
type BatchResult struct {
	Stage          domain.Stage `json:"stage"`
	Success        bool         `json:"success"`
	ProcessedCount int          `json:"processed_count"`
	FailedCount    int          `json:"failed_count"`
	SkippedCount   int          `json:"skipped_count"`
	Errors         []string     `json:"errors"`
}

// outcome is the tally for a single claimed record. A fanned-out record
// contributes one count per variant.
type outcome struct {
	processed int
	failed    int
	skipped   bool
	errors    []string
}

func (o *outcome) fail(id string, err error) {
	o.failed++
	o.errors = append(o.errors, fmt.Sprintf("%s: %v", id, err))
}

// RunBatch processes up to the configured batch size of records waiting in
// the stage's input status, in priority then creation order. Per-record
// failures are counted and never abort the batch. An error is returned only
// when the eligible records could not be read.
func (e Engine) RunBatch(ctx context.Context, stage domain.Stage) (BatchResult, error) {
	def, err := domain.LookupStage(string(stage))
	if err != nil {
		return BatchResult{Stage: stage, Errors: []string{err.Error()}}, err
	}
	res := BatchResult{Stage: def.Stage, Errors: []string{}}
	started := e.now()
	log := e.logger().WithField("stage", def.Stage)

	e.emit(ctx, domain.Event{
		EventType: domain.EventBatchStarted,
		Status:    domain.EventStatusStarted,
		Message:   fmt.Sprintf("%s batch started", def.Stage),
		Metadata:  events.Metadata{"stage": string(def.Stage)},
	})

	recs, err := e.Repo.SelectEligible(ctx, def.Input, e.batchSize())
	if err != nil {
		err = fmt.Errorf("select %s records: %w", def.Input, err)
		res.Errors = append(res.Errors, err.Error())
		e.emit(ctx, domain.Event{
			EventType: domain.EventBatchFailed,
			Status:    domain.EventStatusFailed,
			Message:   events.Errorf("%s batch failed: %v", def.Stage, err),
			Metadata:  events.Metadata{"stage": string(def.Stage)},
		})
		e.Metrics.ObserveBatch(string(def.Stage), false, e.now().Sub(started))
		log.WithError(err).Error("batch failed")
		return res, err
	}

	outcomes := make([]outcome, len(recs))
	limit := e.config().Pipeline.RecordConcurrency
	if limit <= 1 {
		for i, rec := range recs {
			if ctx.Err() != nil {
				break
			}
			outcomes[i] = e.processRecord(ctx, def, rec)
		}
	} else {
		g := new(errgroup.Group)
		g.SetLimit(limit)
		for i, rec := range recs {
			g.Go(func() error {
				if ctx.Err() != nil {
					return nil
				}
				outcomes[i] = e.processRecord(ctx, def, rec)
				return nil
			})
		}
		_ = g.Wait()
	}

	for _, o := range outcomes {
		res.ProcessedCount += o.processed
		res.FailedCount += o.failed
		if o.skipped {
			res.SkippedCount++
		}
		res.Errors = append(res.Errors, o.errors...)
	}
	res.Success = true
	elapsed := e.now().Sub(started)
	e.Metrics.ObserveBatch(string(def.Stage), true, elapsed)
	e.emit(ctx, domain.Event{
		EventType: domain.EventBatchCompleted,
		Status:    domain.EventStatusSucceeded,
		Message: fmt.Sprintf("%s batch completed: %d processed, %d failed",
			def.Stage, res.ProcessedCount, res.FailedCount),
		Metadata: events.Metadata{
			"stage":           string(def.Stage),
			"selected":        len(recs),
			"processed_count": res.ProcessedCount,
			"failed_count":    res.FailedCount,
			"skipped_count":   res.SkippedCount,
			"duration_ms":     elapsed.Milliseconds(),
		},
	})
	log.WithFields(logging.Fields{
		"selected":  len(recs),
		"processed": res.ProcessedCount,
		"failed":    res.FailedCount,
		"skipped":   res.SkippedCount,
	}).Info("batch completed")
	return res, nil
}

// processRecord claims rec for the stage and runs it. A record that another
// worker claimed first is skipped with no side effects.
func (e Engine) processRecord(ctx context.Context, def domain.StageDef, rec domain.ContentRecord) outcome {
	var o outcome
	log := e.logger().WithFields(logging.Fields{"stage": def.Stage, "record_id": rec.ID})

	current, err := e.Repo.GetRecord(ctx, rec.ID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			o.skipped = true
			return o
		}
		o.fail(rec.ID, fmt.Errorf("read record: %w", err))
		e.Metrics.RecordFailed(string(def.Stage), "store")
		return o
	}
	if current.Status != def.Input {
		log.WithField("status", current.Status).Debug("record no longer eligible")
		e.Metrics.ClaimLost(string(def.Stage))
		o.skipped = true
		return o
	}

	claimedAt := e.stamp(current.UpdatedAt, current.CreatedAt)
	if err := e.Repo.Claim(ctx, repo.GuardOf(current), def.InProgress, claimedAt); err != nil {
		if errors.Is(err, repo.ErrLost) {
			log.Debug("claim lost")
			e.Metrics.ClaimLost(string(def.Stage))
			o.skipped = true
			return o
		}
		o.fail(rec.ID, fmt.Errorf("claim: %w", err))
		e.Metrics.RecordFailed(string(def.Stage), "store")
		return o
	}
	claimed := current
	claimed.Status = def.InProgress
	claimed.UpdatedAt = claimedAt

	e.emit(ctx, domain.Event{
		EventType: domain.StageEventType(def.Stage, domain.EventStatusStarted),
		Status:    domain.EventStatusStarted,
		Message:   fmt.Sprintf("%s started", def.Stage),
		RecordID:  rec.ID,
		Metadata:  events.Metadata{"stage": string(def.Stage), "category": string(rec.Category)},
	})

	switch def.Stage {
	case domain.StageShape:
		return e.runShape(ctx, def, claimed)
	case domain.StageNarrate:
		return e.runNarrate(ctx, def, claimed)
	case domain.StageSynthesize:
		return e.runSynthesize(ctx, def, claimed)
	}
	o.fail(rec.ID, fmt.Errorf("no handler for stage %s", def.Stage))
	return o
}

// complete writes the stage's success status with its outputs. The write is
// guarded on the claim so a reset in between loses the result.
func (e Engine) complete(ctx context.Context, def domain.StageDef, claimed domain.ContentRecord, fields map[string]any, meta events.Metadata) outcome {
	var o outcome
	ts := e.stamp(claimed.UpdatedAt, claimed.CreatedAt, deref(claimed.ShapedAt), deref(claimed.NarratedAt))
	if fields == nil {
		fields = map[string]any{}
	}
	fields[def.CompletedColumn] = ts
	fields["retry_count"] = 0
	fields["last_error"] = ""
	if meta == nil {
		meta = events.Metadata{}
	}
	meta["stage"] = string(def.Stage)
	err := e.Repo.Transition(ctx, repo.GuardOf(claimed), repo.Change{Status: def.Success, UpdatedAt: ts, Fields: fields})
	if err != nil {
		reason := "store"
		if errors.Is(err, repo.ErrLost) {
			reason = "lost"
		}
		o.fail(claimed.ID, fmt.Errorf("write %s result: %w", def.Stage, err))
		e.Metrics.RecordFailed(string(def.Stage), reason)
		// Outputs already produced outside the store (uploaded audio) are
		// reported so they can be cleaned up.
		meta["reason"] = reason
		e.emit(ctx, domain.Event{
			EventType: domain.StageEventType(def.Stage, domain.EventStatusFailed),
			Status:    domain.EventStatusFailed,
			Message:   events.Errorf("%s result discarded: %v", def.Stage, err),
			RecordID:  claimed.ID,
			Metadata:  meta,
		})
		return o
	}
	o.processed++
	e.Metrics.RecordProcessed(string(def.Stage))
	e.emit(ctx, domain.Event{
		EventType: domain.StageEventType(def.Stage, domain.EventStatusSucceeded),
		Status:    domain.EventStatusSucceeded,
		Message:   fmt.Sprintf("%s succeeded", def.Stage),
		RecordID:  claimed.ID,
		Metadata:  meta,
	})
	return o
}

// failRecord moves a claimed record to the stage's failure status. Output
// fields are left untouched.
func (e Engine) failRecord(ctx context.Context, def domain.StageDef, claimed domain.ContentRecord, cause error) outcome {
	var o outcome
	reason, retries, attempts := "exhausted", claimed.RetryCount, 0
	var ve ValidationError
	var ex *retry.ExhaustedError
	switch {
	case errors.As(cause, &ve):
		reason = "validation"
	case errors.As(cause, &ex):
		attempts = ex.Attempts
		retries = e.maxAttempts()
	}
	ts := e.stamp(claimed.UpdatedAt)
	msg := events.Errorf("%v", cause)
	err := e.Repo.Transition(ctx, repo.GuardOf(claimed), repo.Change{
		Status:    def.Failed,
		UpdatedAt: ts,
		Fields:    map[string]any{"retry_count": retries, "last_error": msg},
	})
	if err != nil {
		o.fail(claimed.ID, fmt.Errorf("%v; mark failed: %w", cause, err))
		e.Metrics.RecordFailed(string(def.Stage), "store")
		return o
	}
	o.fail(claimed.ID, cause)
	e.Metrics.RecordFailed(string(def.Stage), reason)
	e.emit(ctx, domain.Event{
		EventType: domain.StageEventType(def.Stage, domain.EventStatusFailed),
		Status:    domain.EventStatusFailed,
		Message:   msg,
		RecordID:  claimed.ID,
		Metadata: events.Metadata{
			"stage":       string(def.Stage),
			"reason":      reason,
			"attempts":    attempts,
			"retry_count": retries,
			"category":    string(claimed.Category),
			"target_date": claimed.TargetDate,
		},
	})
	e.logger().WithFields(logging.Fields{
		"stage":     def.Stage,
		"record_id": claimed.ID,
		"reason":    reason,
	}).WithError(cause).Warn("record failed")
	return o
}
