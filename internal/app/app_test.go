package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"briefcast/internal/capability"
	"briefcast/internal/domain"
	"briefcast/internal/engine"
)

func noEnv(string) string { return "" }

func TestBuildWiresWorkspace(t *testing.T) {
	ws := t.TempDir()
	ctx := context.Background()
	a, err := Build(ctx, Options{Workspace: ws, Getenv: noEnv})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer a.Close()

	if a.Engine.Text == nil || a.Engine.Speech == nil || a.Engine.Audio == nil {
		t.Fatalf("expected capabilities to be wired")
	}
	if a.Engine.Metrics != a.Metrics || a.Monitor.Metrics != a.Metrics {
		t.Fatalf("expected shared metrics")
	}
	store, ok := a.Engine.Audio.(capability.LocalStore)
	if !ok {
		t.Fatalf("expected local store, got %T", a.Engine.Audio)
	}
	if store.Dir != filepath.Join(ws, ".briefcast", "audio") {
		t.Fatalf("unexpected audio dir %s", store.Dir)
	}
	if _, err := os.Stat(filepath.Join(ws, ".briefcast", "briefcast.db")); err != nil {
		t.Fatalf("expected sqlite database in workspace: %v", err)
	}

	rec, err := a.Engine.Enqueue(ctx, engine.NewRecord{
		Category:   "weather",
		TargetDate: "2026-05-05",
		Parameters: map[string]any{"source": "Sunny with light wind."},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if rec.Status != domain.StatusReadyForStage1 {
		t.Fatalf("unexpected status %s", rec.Status)
	}
	snap, err := a.Monitor.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Total != 1 {
		t.Fatalf("expected one record, got %d", snap.Total)
	}
}

func TestLoadConfigAppliesFileThenEnv(t *testing.T) {
	ws := t.TempDir()
	yml := "pipeline:\n  batch_size: 7\nlogging:\n  level: debug\n"
	if err := os.WriteFile(filepath.Join(ws, "briefcast.yaml"), []byte(yml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	env := map[string]string{"BRIEFCAST_BATCH_SIZE": "12", "BRIEFCAST_LLM_MODEL": "local-model"}
	cfg, err := LoadConfig(Options{Workspace: ws, Getenv: func(k string) string { return env[k] }})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Pipeline.BatchSize != 12 {
		t.Fatalf("expected env batch size, got %d", cfg.Pipeline.BatchSize)
	}
	if cfg.Logging.Level != "debug" || cfg.LLM.Model != "local-model" {
		t.Fatalf("unexpected config %+v %+v", cfg.Logging, cfg.LLM)
	}
	if cfg.Database.Workspace != ws {
		t.Fatalf("expected workspace %s, got %s", ws, cfg.Database.Workspace)
	}
}

func TestBuildRejectsInvalidEnv(t *testing.T) {
	env := map[string]string{"BRIEFCAST_BATCH_SIZE": "many"}
	if _, err := Build(context.Background(), Options{Workspace: t.TempDir(), Getenv: func(k string) string { return env[k] }}); err == nil {
		t.Fatalf("expected invalid batch size to fail")
	}
}
