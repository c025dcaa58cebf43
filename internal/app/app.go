package app

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"

	"briefcast/internal/capability"
	"briefcast/internal/config"
	"briefcast/internal/db"
	"briefcast/internal/engine"
	"briefcast/internal/logging"
	"briefcast/internal/metrics"
	"briefcast/internal/migrate"
	"briefcast/internal/monitor"
)

// Options select the workspace and config file an App is built from.
type Options struct {
	Workspace  string
	ConfigPath string
	// Getenv overrides os.Getenv for BRIEFCAST_* overlays.
	Getenv func(string) string
	// LogLevel overrides logging.level when set.
	LogLevel string
	// SkipMigrate leaves the schema untouched.
	SkipMigrate bool
}

// App holds the wired runtime shared by the CLI commands and the server.
type App struct {
	Config  *config.Config
	DB      *sql.DB
	Dialect db.Dialect
	Engine  engine.Engine
	Monitor monitor.Monitor
	Metrics *metrics.Metrics
	Logger  logging.Logger
}

// LoadConfig resolves configuration: defaults, then the config file, then
// BRIEFCAST_* environment variables.
func LoadConfig(opts Options) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath, opts.Workspace)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(opts.Getenv); err != nil {
		return nil, err
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	return cfg, nil
}

// Build loads config, opens and migrates the database, and wires the engine
// to its capability clients.
func Build(ctx context.Context, opts Options) (*App, error) {
	cfg, err := LoadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	conn, dialect, err := db.Open(db.Config{
		Driver:       cfg.Database.Driver,
		DSN:          cfg.Database.DSN,
		Workspace:    cfg.Database.Workspace,
		MaxOpenConns: cfg.Database.MaxOpenConns,
	}, logger)
	if err != nil {
		return nil, err
	}
	if !opts.SkipMigrate {
		version, err := migrate.Migrate(conn, dialect)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		logger.WithField("version", version).Debug("Schema up to date")
	}
	audio, err := NewAudioStore(ctx, cfg, logger)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	m := metrics.New()
	e := engine.New(conn, dialect, cfg, logger)
	e.Text = capability.NewChatClient(capability.ChatConfig{
		BaseURL:        cfg.LLM.BaseURL,
		Model:          cfg.LLM.Model,
		APIKey:         cfg.LLM.APIKey,
		TimeoutSeconds: cfg.LLM.TimeoutSeconds,
		Temperature:    cfg.LLM.Temperature,
		MaxTokens:      cfg.LLM.MaxTokens,
	})
	e.Speech = capability.NewSpeechClient(capability.SpeechConfig{
		BaseURL:        cfg.TTS.BaseURL,
		Model:          cfg.TTS.Model,
		APIKey:         cfg.TTS.APIKey,
		TimeoutSeconds: cfg.TTS.TimeoutSeconds,
		Format:         cfg.TTS.Format,
	})
	e.Audio = audio
	e.Metrics = m

	return &App{
		Config:  cfg,
		DB:      conn,
		Dialect: dialect,
		Engine:  e,
		Monitor: monitor.Monitor{
			Store:      e.Repo,
			StuckAfter: cfg.Pipeline.StuckAfter.Std(),
			Metrics:    m,
			Logger:     logger,
		},
		Metrics: m,
		Logger:  logger,
	}, nil
}

// NewAudioStore returns the store selected by storage.kind.
func NewAudioStore(ctx context.Context, cfg *config.Config, logger logging.Logger) (capability.AudioStore, error) {
	switch cfg.Storage.Kind {
	case "s3":
		store, err := capability.NewS3Store(ctx, capability.S3Config{
			Bucket:        cfg.Storage.Bucket,
			Prefix:        cfg.Storage.Prefix,
			Region:        cfg.Storage.Region,
			Endpoint:      cfg.Storage.Endpoint,
			AccessKey:     cfg.Storage.AccessKey,
			SecretKey:     cfg.Storage.SecretKey,
			PublicBaseURL: cfg.Storage.PublicBaseURL,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("audio store: %w", err)
		}
		return store, nil
	default:
		dir := cfg.Storage.Dir
		if !filepath.IsAbs(dir) && cfg.Database.Workspace != "" {
			dir = filepath.Join(cfg.Database.Workspace, dir)
		}
		return capability.LocalStore{Dir: dir}, nil
	}
}

// Close releases the database handle.
func (a *App) Close() error {
	if a == nil || a.DB == nil {
		return nil
	}
	return a.DB.Close()
}
