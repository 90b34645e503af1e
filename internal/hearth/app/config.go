// Package app wires the Hearth components together and runs them.
package app

import (
	"errors"
	"fmt"
	"time"

	"github.com/bdobrica/hearth/common/environment"
	"github.com/bdobrica/hearth/internal/hearth/backend"
	"github.com/bdobrica/hearth/internal/hearth/catalog"
	"github.com/bdobrica/hearth/internal/hearth/clarify"
	"github.com/bdobrica/hearth/internal/hearth/matrix"
	"github.com/bdobrica/hearth/internal/hearth/nlp"
	"github.com/bdobrica/hearth/internal/hearth/router"
	"github.com/bdobrica/hearth/internal/hearth/session"
)

// EnvPrefix prefixes every environment variable Hearth reads.
const EnvPrefix = "HEARTH_"

// Config holds application configuration.
type Config struct {
	// DatabasePath is the SQLite file for sessions, audit and Matrix sync
	// state. When empty, state lives in memory only.
	DatabasePath string
	// HTTPAddr is the listen address of the HTTP server; empty disables it.
	HTTPAddr string
	// PolicyPath is an optional YAML risk policy; the built-in default
	// policy applies when empty.
	PolicyPath string

	// ── Device backend ──
	Backend backend.Config
	Scope   backend.Scope
	// FixturePath selects an in-memory backend loaded from a YAML fixture
	// instead of the HTTP API.
	FixturePath string
	// BackendImpl overrides both of the above.
	BackendImpl backend.Backend
	CatalogTTL  time.Duration

	// ── Language model ──
	NLP nlp.Config
	// NLPRateLimit is the number of classifications a session may make
	// per minute.
	NLPRateLimit int
	// Provider overrides the OpenAI-compatible provider built from NLP.
	Provider     nlp.Provider
	HistoryLimit int

	// ── Turn handling ──
	Workers        int
	MaxSuggestions int
	MaxTurns       int
	MaxKeys        int
	TurnTimeout    time.Duration

	// ── Matrix ──
	// Matrix is enabled when Homeserver is set.
	Matrix matrix.Config
}

// LoadConfig reads the configuration from env.
func LoadConfig(env *environment.Source) *Config {
	cfg := &Config{
		DatabasePath: env.StringOr("DB_PATH", ""),
		HTTPAddr:     env.StringOr("HTTP_ADDR", ":8080"),
		PolicyPath:   env.StringOr("POLICY", ""),
		Backend: backend.Config{
			BaseURL:  env.StringOr("BACKEND_URL", ""),
			Email:    env.StringOr("BACKEND_EMAIL", ""),
			Password: env.StringOr("BACKEND_PASSWORD", ""),
			Token:    env.StringOr("BACKEND_TOKEN", ""),
			Timeout:  env.DurationOr("BACKEND_TIMEOUT", 15*time.Second),
		},
		Scope: backend.Scope{
			ProjectID:   env.StringOr("PROJECT_ID", ""),
			CommunityID: env.StringOr("COMMUNITY_ID", ""),
			SpaceID:     env.StringOr("SPACE_ID", ""),
		},
		FixturePath: env.StringOr("FIXTURE", ""),
		CatalogTTL:  env.DurationOr("CATALOG_TTL", catalog.DefaultTTL),
		NLP: nlp.Config{
			APIKey:  env.StringOr("NLP_API_KEY", ""),
			BaseURL: env.StringOr("NLP_ENDPOINT", ""),
			Model:   env.StringOr("NLP_MODEL", ""),
			Timeout: env.DurationOr("NLP_TIMEOUT", 30*time.Second),
		},
		NLPRateLimit:   env.IntOr("NLP_RATE_LIMIT", nlp.DefaultRateLimit),
		HistoryLimit:   env.IntOr("HISTORY_LIMIT", nlp.DefaultHistoryLimit),
		Workers:        env.IntOr("WORKERS", router.DefaultWorkers),
		MaxSuggestions: env.IntOr("MAX_SUGGESTIONS", clarify.DefaultMaxSuggestions),
		MaxTurns:       env.IntOr("MAX_TURNS", session.DefaultMaxTurns),
		MaxKeys:        env.IntOr("MAX_IDEMPOTENCY_KEYS", session.DefaultMaxKeys),
		TurnTimeout:    env.DurationOr("TURN_TIMEOUT", matrix.DefaultTurnTimeout),
		Matrix: matrix.Config{
			Homeserver:  env.StringOr("MATRIX_HOMESERVER", ""),
			UserID:      env.StringOr("MATRIX_USER_ID", ""),
			AccessToken: env.StringOr("MATRIX_ACCESS_TOKEN", ""),
			Rooms:       env.StringSliceOr("MATRIX_ROOMS", nil),
		},
	}
	return cfg
}

// Validate reports configuration that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if c.BackendImpl == nil && c.FixturePath == "" {
		if c.Backend.BaseURL == "" {
			errs = append(errs, errors.New("backend: HEARTH_BACKEND_URL or HEARTH_FIXTURE is required"))
		}
		if c.Backend.Token == "" && c.Backend.Email == "" {
			errs = append(errs, errors.New("backend: HEARTH_BACKEND_TOKEN or HEARTH_BACKEND_EMAIL is required"))
		}
		if c.Scope.ProjectID == "" || c.Scope.CommunityID == "" || c.Scope.SpaceID == "" {
			errs = append(errs, errors.New("backend: HEARTH_PROJECT_ID, HEARTH_COMMUNITY_ID and HEARTH_SPACE_ID are required"))
		}
	}
	if c.Provider == nil && c.NLP.APIKey == "" {
		errs = append(errs, errors.New("nlp: HEARTH_NLP_API_KEY is required"))
	}
	if c.Matrix.Homeserver != "" {
		if c.Matrix.UserID == "" || c.Matrix.AccessToken == "" {
			errs = append(errs, errors.New("matrix: HEARTH_MATRIX_USER_ID and HEARTH_MATRIX_ACCESS_TOKEN are required with a homeserver"))
		}
		if len(c.Matrix.Rooms) == 0 {
			errs = append(errs, errors.New("matrix: HEARTH_MATRIX_ROOMS is empty"))
		}
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	return errors.Join(errs...)
}
