package monitor

import (
	"context"
	"fmt"
	"time"

	"briefcast/internal/domain"
	"briefcast/internal/logging"
	"briefcast/internal/metrics"
)

type Store interface {
	CountByStatus(ctx context.Context) (map[domain.Status]int, error)
	StaleInProgress(ctx context.Context, cutoff string, limit int) ([]domain.ContentRecord, error)
	CountStageOutcomes(ctx context.Context, since string) (map[string]int, error)
}

// Monitor inspects the status distribution and record ages to spot stuck
// records and elevated failure rates.
type Monitor struct {
	Store      Store
	StuckAfter time.Duration
	Window     time.Duration
	// FailureThreshold is the failure share above which the pipeline is unhealthy.
	FailureThreshold float64
	Metrics          *metrics.Metrics
	Logger           logging.Logger
	Now              func() time.Time
}

type StuckRecord struct {
	ID         string        `json:"id"`
	Status     domain.Status `json:"status"`
	UpdatedAt  string        `json:"updated_at"`
	AgeSeconds int64         `json:"age_seconds"`
}

type StageBacklog struct {
	Stage      domain.Stage `json:"stage"`
	Waiting    int          `json:"waiting"`
	InProgress int          `json:"in_progress"`
	Failed     int          `json:"failed"`
}

type Snapshot struct {
	GeneratedAt string         `json:"generated_at"`
	Total       int            `json:"total"`
	Counts      map[string]int `json:"counts"`
	Stages      []StageBacklog `json:"stages"`
	Stuck       []StuckRecord  `json:"stuck"`
	Window      string         `json:"window"`
	Succeeded   int            `json:"succeeded"`
	Failed      int            `json:"failed"`
	FailureRate float64        `json:"failure_rate"`
	Healthy     bool           `json:"healthy"`
	Alerts      []string       `json:"alerts"`
}

const stuckListLimit = 50

func (m Monitor) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m Monitor) Snapshot(ctx context.Context) (Snapshot, error) {
	now := m.now().UTC()
	stuckAfter := m.StuckAfter
	if stuckAfter <= 0 {
		stuckAfter = 30 * time.Minute
	}
	window := m.Window
	if window <= 0 {
		window = 24 * time.Hour
	}
	threshold := m.FailureThreshold
	if threshold <= 0 {
		threshold = 0.2
	}

	counts, err := m.Store.CountByStatus(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("count records: %w", err)
	}
	stale, err := m.Store.StaleInProgress(ctx, domain.FormatTime(now.Add(-stuckAfter)), stuckListLimit)
	if err != nil {
		return Snapshot{}, fmt.Errorf("find stuck records: %w", err)
	}
	outcomes, err := m.Store.CountStageOutcomes(ctx, domain.FormatTime(now.Add(-window)))
	if err != nil {
		return Snapshot{}, fmt.Errorf("count outcomes: %w", err)
	}

	snap := Snapshot{
		GeneratedAt: domain.FormatTime(now),
		Counts:      make(map[string]int, len(counts)),
		Stuck:       []StuckRecord{},
		Window:      window.String(),
		Succeeded:   outcomes[domain.EventStatusSucceeded],
		Failed:      outcomes[domain.EventStatusFailed],
		Alerts:      []string{},
	}
	for s, n := range counts {
		snap.Counts[string(s)] = n
		snap.Total += n
	}
	for _, def := range domain.Stages() {
		snap.Stages = append(snap.Stages, StageBacklog{
			Stage:      def.Stage,
			Waiting:    counts[def.Input],
			InProgress: counts[def.InProgress],
			Failed:     counts[def.Failed],
		})
	}
	for _, rec := range stale {
		age := int64(0)
		if t, err := domain.ParseTime(rec.UpdatedAt); err == nil {
			age = int64(now.Sub(t).Seconds())
		}
		snap.Stuck = append(snap.Stuck, StuckRecord{ID: rec.ID, Status: rec.Status, UpdatedAt: rec.UpdatedAt, AgeSeconds: age})
	}
	if total := snap.Succeeded + snap.Failed; total > 0 {
		snap.FailureRate = float64(snap.Failed) / float64(total)
	}

	if snap.FailureRate > threshold {
		snap.Alerts = append(snap.Alerts, fmt.Sprintf("failure rate %.0f%% over the last %s exceeds %.0f%%",
			snap.FailureRate*100, window, threshold*100))
	}
	if len(snap.Stuck) > 0 {
		snap.Alerts = append(snap.Alerts, fmt.Sprintf("%d record(s) in progress for more than %s", len(snap.Stuck), stuckAfter))
	}
	snap.Healthy = len(snap.Alerts) == 0

	m.Metrics.SetSnapshot(snap.Counts, len(snap.Stuck), snap.FailureRate)
	if !snap.Healthy {
		logging.OrDiscard(m.Logger).WithField("alerts", snap.Alerts).Warn("pipeline unhealthy")
	}
	return snap, nil
}
