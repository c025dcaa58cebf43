package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"briefcast/internal/domain"
	"briefcast/internal/logging"
)

// Sink records pipeline events. Implementations never return errors and
// never panic into the caller; a lost event must not change pipeline state.
type Sink interface {
	Record(ctx context.Context, e domain.Event)
}

type Store interface {
	InsertEvent(ctx context.Context, e domain.Event) error
}

type Metadata map[string]any

// Writer appends events to the event log table and logs them.
type Writer struct {
	Store   Store
	Logger  logging.Logger
	Now     func() time.Time
	Timeout time.Duration
}

func (w Writer) Record(ctx context.Context, e domain.Event) {
	logger := logging.OrDiscard(w.Logger)
	defer func() {
		if r := recover(); r != nil {
			logger.WithField("event_type", e.EventType).Errorf("event sink panic: %v", r)
		}
	}()
	if e.TS == "" {
		now := time.Now
		if w.Now != nil {
			now = w.Now
		}
		e.TS = domain.FormatTime(now())
	}
	if e.Status == "" {
		e.Status = domain.EventStatusInfo
	}
	fields := logging.Fields{
		"event_type": e.EventType,
		"status":     e.Status,
	}
	if e.RecordID != "" {
		fields["record_id"] = e.RecordID
	}
	for k, v := range e.Metadata {
		if _, taken := fields[k]; !taken {
			fields[k] = v
		}
	}
	entry := logger.WithFields(fields)
	if e.Status == domain.EventStatusFailed {
		entry.Warn(e.Message)
	} else {
		entry.Debug(e.Message)
	}
	if w.Store == nil {
		return
	}
	timeout := w.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := w.Store.InsertEvent(writeCtx, e); err != nil {
		logger.WithError(err).WithField("event_type", e.EventType).Error("event log write failed")
	}
}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *Recorder) Record(_ context.Context, e domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *Recorder) Events() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many recorded events have the given type.
func (r *Recorder) Count(eventType string) int {
	n := 0
	for _, e := range r.Events() {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

// Tee fans one event out to several sinks.
type Tee []Sink

func (t Tee) Record(ctx context.Context, e domain.Event) {
	for _, s := range t {
		if s != nil {
			s.Record(ctx, e)
		}
	}
}

// Errorf formats an error message for an event, truncated for storage.
func Errorf(format string, args ...any) string {
	msg := fmt.Sprintf(format, args...)
	if len(msg) > 2000 {
		msg = msg[:2000]
	}
	return msg
}
