package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdobrica/hearth/internal/hearth/assistant"
	"github.com/bdobrica/hearth/internal/hearth/backend"
	"github.com/bdobrica/hearth/internal/hearth/catalog"
	"github.com/bdobrica/hearth/internal/hearth/clarify"
	"github.com/bdobrica/hearth/internal/hearth/confirm"
	"github.com/bdobrica/hearth/internal/hearth/executor"
	"github.com/bdobrica/hearth/internal/hearth/intent"
	"github.com/bdobrica/hearth/internal/hearth/matrix"
	"github.com/bdobrica/hearth/internal/hearth/metrics"
	"github.com/bdobrica/hearth/internal/hearth/nlp"
	"github.com/bdobrica/hearth/internal/hearth/router"
	"github.com/bdobrica/hearth/internal/hearth/session"
	"github.com/bdobrica/hearth/internal/hearth/store"
)

// App is a wired Hearth instance.
type App struct {
	config    *Config
	store     *store.Store
	catalog   *catalog.Cache
	sessions  *session.Manager
	assistant *assistant.Assistant
	server    *Server
	matrix    *matrix.Client
}

// New wires every component from config.
func New(config *Config) (*App, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	a := &App{config: config}

	var persister session.Persister
	if config.DatabasePath != "" {
		st, err := store.New(config.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		st.SetHistoryLimit(config.MaxTurns)
		a.store = st
		persister = st
		slog.Info("store opened", "path", config.DatabasePath)
	}

	b, err := newBackend(config)
	if err != nil {
		a.Close()
		return nil, err
	}

	policy := confirm.DefaultPolicy()
	if config.PolicyPath != "" {
		if policy, err = confirm.LoadPolicy(config.PolicyPath); err != nil {
			a.Close()
			return nil, err
		}
		slog.Info("risk policy loaded", "path", config.PolicyPath)
	}

	provider := config.Provider
	if provider == nil {
		provider = nlp.New(config.NLP)
	}
	classifier := nlp.NewClassifier(provider,
		nlp.WithRateLimiter(nlp.NewRateLimiter(config.NLPRateLimit, time.Minute)),
		nlp.WithHistoryLimit(config.HistoryLimit*2),
		nlp.WithDegradedHook(func(reason string) {
			metrics.ClassificationDegraded.WithLabelValues(reason).Inc()
		}),
	)

	machineCfg := policy.MachineConfig()
	machineCfg.Observe = func(event string) {
		metrics.ConfirmationEvents.WithLabelValues(event).Inc()
	}
	r := router.New(
		executor.NewSet(b, provider, executor.Options{}),
		clarify.New(config.MaxSuggestions),
		confirm.NewMachine(machineCfg),
		router.Options{Workers: config.Workers, Observe: metrics.ObserveExecution},
	)

	a.catalog = catalog.NewCache(backend.CatalogSource(b, config.Scope, nil), catalog.CacheOptions{TTL: config.CatalogTTL})
	a.sessions = session.NewManager(session.Options{
		MaxTurns:  config.MaxTurns,
		MaxKeys:   config.MaxKeys,
		Persister: persister,
	})

	acfg := assistant.Config{
		Classifier:   classifier,
		Router:       r,
		Sessions:     a.sessions,
		Catalogs:     a.catalog,
		Policy:       policy,
		HistoryLimit: config.HistoryLimit,
	}
	if a.store != nil {
		acfg.Auditor = a.store
	}
	if a.assistant, err = assistant.New(acfg); err != nil {
		a.Close()
		return nil, err
	}

	if config.HTTPAddr != "" {
		a.server = NewServer(config.HTTPAddr, a.assistant, a.sessions, a.catalog, config.TurnTimeout)
	}
	if config.Matrix.Homeserver != "" {
		mcfg := config.Matrix
		if a.store != nil {
			mcfg.DB = a.store.DB()
		}
		if a.matrix, err = matrix.New(mcfg, matrix.NewBridge(a.assistant, config.TurnTimeout)); err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

func newBackend(config *Config) (backend.Backend, error) {
	switch {
	case config.BackendImpl != nil:
		return config.BackendImpl, nil
	case config.FixturePath != "":
		m, err := backend.LoadFixture(config.FixturePath)
		if err != nil {
			return nil, fmt.Errorf("failed to load fixture: %w", err)
		}
		slog.Info("using fixture backend", "path", config.FixturePath)
		return m, nil
	}
	return backend.NewHTTPClient(config.Backend), nil
}

// Assistant returns the turn handler.
func (a *App) Assistant() *assistant.Assistant { return a.assistant }

// Server returns the HTTP server, or nil when disabled.
func (a *App) Server() *Server { return a.server }

// HandleTurn runs one turn.
func (a *App) HandleTurn(ctx context.Context, sessionID, utterance string, opts ...assistant.TurnOption) (*intent.TurnResponse, error) {
	return a.assistant.HandleTurn(ctx, sessionID, utterance, opts...)
}

// Warm loads the catalog once so the first turn does not pay for it.
func (a *App) Warm(ctx context.Context) {
	cat, err := a.catalog.Refresh(ctx)
	if err != nil {
		slog.Warn("initial catalog load failed; will retry on first turn", "err", err)
		return
	}
	slog.Info("catalog loaded", "devices", len(cat.Devices()), "scenes", len(cat.Scenes()))
}

// Run starts the HTTP server and the Matrix client and blocks until ctx
// ends.
func (a *App) Run(ctx context.Context) error {
	a.Warm(ctx)

	if a.server != nil {
		if err := a.server.Start(ctx); err != nil {
			return err
		}
	}
	if a.matrix != nil {
		slog.Info("starting Matrix sync")
		if err := a.matrix.Start(ctx); err != nil {
			return fmt.Errorf("failed to start Matrix client: %w", err)
		}
		defer a.matrix.Stop()
	}
	if a.server == nil && a.matrix == nil {
		return errors.New("nothing to serve: set HEARTH_HTTP_ADDR or HEARTH_MATRIX_HOMESERVER")
	}

	slog.Info("Hearth is running")
	<-ctx.Done()
	slog.Info("shutting down")
	return nil
}

// Close releases the store.
func (a *App) Close() error {
	if a.store != nil {
		return a.store.Close()
	}
	return nil
}
