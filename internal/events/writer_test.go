package events_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"briefcast/internal/domain"
	"briefcast/internal/events"
)

type failingStore struct{ calls int }

func (s *failingStore) InsertEvent(context.Context, domain.Event) error {
	s.calls++
	return errors.New("disk full")
}

type panicStore struct{}

func (panicStore) InsertEvent(context.Context, domain.Event) error {
	panic("driver bug")
}

type captureStore struct{ got []domain.Event }

func (s *captureStore) InsertEvent(_ context.Context, e domain.Event) error {
	s.got = append(s.got, e)
	return nil
}

func newLogger(buf *bytes.Buffer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(buf)
	l.SetFormatter(&logrus.JSONFormatter{})
	l.SetLevel(logrus.DebugLevel)
	return l
}

func TestWriterSwallowsStoreErrors(t *testing.T) {
	var buf bytes.Buffer
	store := &failingStore{}
	w := events.Writer{Store: store, Logger: newLogger(&buf)}
	w.Record(context.Background(), domain.Event{EventType: "narrate.failed", Status: domain.EventStatusFailed, RecordID: "r1"})
	if store.calls != 1 {
		t.Fatalf("expected one write attempt, got %d", store.calls)
	}
	if !strings.Contains(buf.String(), "event log write failed") {
		t.Fatalf("expected failure to be logged, got %s", buf.String())
	}
}

func TestWriterRecoversFromPanics(t *testing.T) {
	var buf bytes.Buffer
	w := events.Writer{Store: panicStore{}, Logger: newLogger(&buf)}
	w.Record(context.Background(), domain.Event{EventType: "batch.started"})
	if !strings.Contains(buf.String(), "event sink panic") {
		t.Fatalf("expected panic to be logged, got %s", buf.String())
	}
}

func TestWriterFillsDefaultsAndSurvivesCanceledContext(t *testing.T) {
	store := &captureStore{}
	fixed := time.Date(2026, 5, 4, 5, 0, 0, 0, time.UTC)
	w := events.Writer{Store: store, Now: func() time.Time { return fixed }}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.Record(ctx, domain.Event{EventType: "record.created", RecordID: "r1"})
	if len(store.got) != 1 {
		t.Fatalf("expected event to be written")
	}
	got := store.got[0]
	if got.TS != domain.FormatTime(fixed) || got.Status != domain.EventStatusInfo {
		t.Fatalf("defaults not applied: %+v", got)
	}
}

func TestRecorderAndTee(t *testing.T) {
	a, b := &events.Recorder{}, &events.Recorder{}
	sink := events.Tee{a, nil, b}
	sink.Record(context.Background(), domain.Event{EventType: "narrate.started"})
	sink.Record(context.Background(), domain.Event{EventType: "narrate.started"})
	if a.Count("narrate.started") != 2 || len(b.Events()) != 2 {
		t.Fatalf("tee did not fan out")
	}
}
