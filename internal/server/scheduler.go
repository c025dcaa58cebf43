package server

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"briefcast/internal/config"
	"briefcast/internal/domain"
	"briefcast/internal/engine"
	"briefcast/internal/logging"
)

// Scheduler triggers stage batches on fixed intervals inside the server
// process. Runs may overlap with external triggers; the claim protocol keeps
// that safe.
type Scheduler struct {
	Engine    engine.Engine
	Intervals map[domain.Stage]time.Duration
	Logger    logging.Logger
}

// NewScheduler reads server.schedule. Unknown stage names are logged and ignored.
func NewScheduler(e engine.Engine, schedule map[string]config.Duration, logger logging.Logger) Scheduler {
	logger = logging.OrDiscard(logger)
	intervals := map[domain.Stage]time.Duration{}
	for name, every := range schedule {
		def, err := domain.LookupStage(name)
		if err != nil {
			logger.WithField("stage", name).Warn("schedule: unknown stage ignored")
			continue
		}
		if every.Std() <= 0 {
			continue
		}
		intervals[def.Stage] = every.Std()
	}
	return Scheduler{Engine: e, Intervals: intervals, Logger: logger}
}

func (s Scheduler) Stages() []domain.Stage {
	out := make([]domain.Stage, 0, len(s.Intervals))
	for st := range s.Intervals {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Run blocks until ctx is done. Each stage has its own ticker; a stage never
// overlaps with itself within this process.
func (s Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, stage := range s.Stages() {
		every := s.Intervals[stage]
		g.Go(func() error {
			s.loop(ctx, stage, every)
			return nil
		})
	}
	return g.Wait()
}

func (s Scheduler) loop(ctx context.Context, stage domain.Stage, every time.Duration) {
	log := logging.OrDiscard(s.Logger).WithFields(logging.Fields{"stage": stage, "every": every.String()})
	log.Info("scheduler started")
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("scheduler stopped")
			return
		case <-ticker.C:
			if _, err := s.Engine.RunBatch(ctx, stage); err != nil && ctx.Err() == nil {
				log.WithError(err).Error("scheduled batch failed")
			}
		}
	}
}
