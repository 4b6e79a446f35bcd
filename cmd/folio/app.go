package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/pario-ai/folio/pkg/budget"
	"github.com/pario-ai/folio/pkg/cache"
	"github.com/pario-ai/folio/pkg/config"
	"github.com/pario-ai/folio/pkg/fallback"
	"github.com/pario-ai/folio/pkg/ocr"
	"github.com/pario-ai/folio/pkg/provider"
	"github.com/pario-ai/folio/pkg/render"
	"github.com/pario-ai/folio/pkg/retry"
	"github.com/pario-ai/folio/pkg/tracker"
)

const defaultConfigPath = "folio.yaml"

// loadConfig reads path. A missing file at the default location yields the
// built-in defaults so folio runs without any config.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if path == defaultConfigPath && errors.Is(err, fs.ErrNotExist) {
		cfg = config.Default()
		if key := os.Getenv("FOLIO_API_KEY"); key != "" {
			cfg.Provider.APIKey = key
		}
		return cfg, cfg.Validate()
	}
	return nil, fmt.Errorf("load config: %w", err)
}

// newLogger writes human-readable logs to w.
func newLogger(w io.Writer, level string) (zerolog.Logger, error) {
	lvl := zerolog.InfoLevel
	if level != "" {
		var err error
		lvl, err = zerolog.ParseLevel(level)
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", level, err)
		}
	}
	out := zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger(), nil
}

// app is the fully wired engine plus everything that needs closing.
type app struct {
	cfg      *config.Config
	log      zerolog.Logger
	store    cache.Store
	tracker  *tracker.SQLiteTracker
	remote   *provider.OpenAI
	renderer *render.Poppler
	budget   *budget.Enforcer
	svc      *ocr.Service
}

func openApp(ctx context.Context, opts *rootOptions) (*app, error) {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	level := cfg.LogLevel
	if opts.logLevel != "" {
		level = opts.logLevel
	}
	log, err := newLogger(os.Stderr, level)
	if err != nil {
		return nil, err
	}

	store, err := cache.Open(ctx, cfg.Cache, cfg.DBPath, log)
	if err != nil {
		return nil, fmt.Errorf("init cache: %w", err)
	}

	tr, err := tracker.New(cfg.DBPath)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("init tracker: %w", err)
	}

	renderer := &render.Poppler{
		PdfinfoPath:  cfg.Render.PdfinfoPath,
		PdftoppmPath: cfg.Render.PdftoppmPath,
		Timeout:      cfg.Render.Timeout,
	}
	remote := provider.NewOpenAI(provider.Options{
		BaseURL:           cfg.Provider.URL,
		APIKey:            cfg.Provider.APIKey,
		Timeout:           cfg.Provider.Timeout,
		RequestsPerSecond: cfg.Provider.RequestsPerSecond,
		Burst:             cfg.Provider.Burst,
		MaxInFlight:       cfg.Provider.MaxInFlight,
	})

	svcOpts := ocr.Options{
		Concurrency: cfg.Batch.Concurrency,
		Retry: retry.Policy{
			MaxAttempts: cfg.Batch.MaxAttempts,
			BaseDelay:   cfg.Batch.BaseDelay,
			MaxDelay:    cfg.Batch.MaxDelay,
		},
		Params:   cfg.OCR.Params(),
		Logger:   log,
		Recorder: tr,
	}
	var enforcer *budget.Enforcer
	if cfg.Budget.Enabled {
		enforcer = budget.New(cfg.Budget.Policies, tr)
		svcOpts.Budget = enforcer
	}
	svc := ocr.New(store, renderer, remote, fallback.New(cfg.Fallback, cfg.Render, renderer), svcOpts)

	return &app{
		cfg:      cfg,
		log:      log,
		store:    store,
		tracker:  tr,
		remote:   remote,
		renderer: renderer,
		budget:   enforcer,
		svc:      svc,
	}, nil
}

func (a *app) Close() error {
	return errors.Join(a.remote.Close(), a.tracker.Close(), a.store.Close())
}

