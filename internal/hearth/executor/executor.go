// Package executor runs classified intents against the device backend.
//
// There is one executor per executable intent kind. Every executor turns
// its failures into a failed intent.Result with the underlying error
// preserved; nothing is retried, since a timed-out command may still have
// been applied.
package executor

import (
	"context"
	"errors"
	"time"

	"github.com/bdobrica/hearth/internal/hearth/backend"
	"github.com/bdobrica/hearth/internal/hearth/catalog"
	"github.com/bdobrica/hearth/internal/hearth/intent"
	"github.com/bdobrica/hearth/internal/hearth/nlp"
)

var (
	// ErrSchemaMismatch means an extracted value does not satisfy the
	// device function's declared type or range.
	ErrSchemaMismatch = errors.New("executor: value does not match function schema")

	// ErrContractViolation means an executor received a record the
	// classifier should never have produced (a schedule without time or
	// days).
	ErrContractViolation = errors.New("executor: contract violation")

	// ErrNoFunction means extraction found nothing the device can do.
	ErrNoFunction = errors.New("executor: no matching device function")
)

// Executor runs one intent record.
type Executor interface {
	Execute(ctx context.Context, rec intent.Record, cat *catalog.Catalog) intent.Result
}

// Func adapts a function to Executor.
type Func func(ctx context.Context, rec intent.Record, cat *catalog.Catalog) intent.Result

// Execute calls f.
func (f Func) Execute(ctx context.Context, rec intent.Record, cat *catalog.Catalog) intent.Result {
	return f(ctx, rec, cat)
}

// Set holds the executor for each executable kind.
type Set struct {
	Control  Executor
	Query    Executor
	Schedule Executor
	Scene    Executor
}

// For returns the executor for k.
func (s Set) For(k intent.Kind) (Executor, bool) {
	var e Executor
	switch k {
	case intent.KindControl:
		e = s.Control
	case intent.KindQuery:
		e = s.Query
	case intent.KindSchedule:
		e = s.Schedule
	case intent.KindScene:
		e = s.Scene
	}
	return e, e != nil
}

// Options tunes NewSet.
type Options struct {
	// Now is the clock used for schedule summaries.
	Now func() time.Time
}

// NewSet wires the four executors to b, using p for parameter extraction.
func NewSet(b backend.Backend, p nlp.Provider, opts Options) Set {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	schemas := NewSchemaCache()
	return Set{
		Control:  &Control{backend: b, extractor: p, schemas: schemas},
		Query:    &Query{backend: b},
		Schedule: &Schedule{backend: b, extractor: p, schemas: schemas, now: opts.Now},
		Scene:    &Scene{backend: b},
	}
}
