package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"briefcast/internal/capability"
	"briefcast/internal/config"
	"briefcast/internal/db"
	"briefcast/internal/domain"
	"briefcast/internal/events"
	"briefcast/internal/logging"
	"briefcast/internal/metrics"
	"briefcast/internal/repo"
	"briefcast/internal/retry"
)

// Engine runs the pipeline stages against the record store. The external
// capabilities may be nil; a stage that needs a missing one fails its
// records without retrying.
type Engine struct {
	Repo    repo.Repo
	Events  events.Sink
	Text    capability.TextGenerator
	Speech  capability.SpeechSynthesizer
	Audio   capability.AudioStore
	Config  *config.Config
	Logger  logging.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

func New(conn *sql.DB, dialect db.Dialect, cfg *config.Config, logger logging.Logger) Engine {
	r := repo.New(conn, dialect)
	return Engine{
		Repo:   r,
		Events: events.Writer{Store: r, Logger: logger},
		Config: cfg,
		Logger: logging.OrDiscard(logger),
		Now:    time.Now,
	}
}

// ValidationError reports a record whose input field is missing or unusable.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s is required", e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) config() *config.Config {
	if e.Config == nil {
		return config.Default()
	}
	return e.Config
}

func (e Engine) logger() logging.Logger {
	return logging.OrDiscard(e.Logger)
}

func (e Engine) emit(ctx context.Context, ev domain.Event) {
	if e.Events == nil {
		return
	}
	e.Events.Record(ctx, ev)
}

func (e Engine) batchSize() int {
	if n := e.config().Pipeline.BatchSize; n > 0 {
		return n
	}
	return 100
}

func (e Engine) maxAttempts() int {
	if n := e.config().Pipeline.MaxAttempts; n > 0 {
		return n
	}
	return 3
}

// policy builds the retry policy for one capability call. Failed attempts
// are counted in metrics and logged against the record.
func (e Engine) policy(capabilityName, recordID string) retry.Policy {
	p := e.config().Pipeline
	return retry.Policy{
		MaxAttempts: e.maxAttempts(),
		BaseDelay:   p.BaseDelay.Std(),
		MaxDelay:    p.MaxDelay.Std(),
		Timeout:     p.CallTimeout.Std(),
		OnFailure: func(attempt int, err error) {
			e.Metrics.CallAttempt(capabilityName, err)
			e.logger().WithFields(logging.Fields{
				"record_id":  recordID,
				"capability": capabilityName,
				"attempt":    attempt,
			}).WithError(err).Warn("capability call failed")
		},
	}
}

// classify marks errors that another attempt cannot fix as permanent.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, capability.ErrNotConfigured) {
		return retry.Permanent(err)
	}
	var se *capability.StatusError
	if errors.As(err, &se) && se.StatusCode >= 400 && se.StatusCode < 500 &&
		se.StatusCode != http.StatusRequestTimeout && se.StatusCode != http.StatusTooManyRequests {
		return retry.Permanent(err)
	}
	return err
}

// generate calls the text generator once. Blank output is an error.
func (e Engine) generate(ctx context.Context, req capability.TextRequest) (string, error) {
	if e.Text == nil {
		return "", retry.Permanent(fmt.Errorf("text generation: %w", capability.ErrNotConfigured))
	}
	out, err := e.Text.Generate(ctx, req)
	if err != nil {
		return "", classify(err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", fmt.Errorf("text generation: %w", capability.ErrEmptyContent)
	}
	e.Metrics.CallAttempt("textgen", nil)
	return out, nil
}

func (e Engine) synthesize(ctx context.Context, req capability.SpeechRequest) (capability.Audio, error) {
	if e.Speech == nil {
		return capability.Audio{}, retry.Permanent(fmt.Errorf("speech synthesis: %w", capability.ErrNotConfigured))
	}
	audio, err := e.Speech.Synthesize(ctx, req)
	if err != nil {
		return capability.Audio{}, classify(err)
	}
	if len(audio.Data) == 0 {
		return capability.Audio{}, fmt.Errorf("speech synthesis: %w", capability.ErrEmptyContent)
	}
	e.Metrics.CallAttempt("speech", nil)
	return audio, nil
}

func (e Engine) store(ctx context.Context, key string, audio capability.Audio) (string, error) {
	if e.Audio == nil {
		return "", retry.Permanent(fmt.Errorf("audio storage: %w", capability.ErrNotConfigured))
	}
	u, err := e.Audio.Put(ctx, key, audio)
	if err != nil {
		return "", classify(err)
	}
	e.Metrics.CallAttempt("storage", nil)
	return u, nil
}

// stamp returns a timestamp strictly after every non-nil value given.
func (e Engine) stamp(after ...string) string {
	return domain.FormatTime(domain.NextStamp(e.now(), after...))
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
