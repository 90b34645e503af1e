// Package router sends each classified intent to the path that handles its
// kind and returns the results in classification order.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bdobrica/hearth/internal/hearth/catalog"
	"github.com/bdobrica/hearth/internal/hearth/clarify"
	"github.com/bdobrica/hearth/internal/hearth/confirm"
	"github.com/bdobrica/hearth/internal/hearth/executor"
	"github.com/bdobrica/hearth/internal/hearth/intent"
	"github.com/bdobrica/hearth/internal/hearth/session"
)

// DefaultWorkers bounds concurrent executor calls within one turn.
const DefaultWorkers = 4

// ErrNoExecutor is reported for an executable kind without an executor.
var ErrNoExecutor = errors.New("router: no executor for intent kind")

// DefaultReply answers a conversation intent the model gave no text for.
const DefaultReply = "I can control, query and schedule your devices, or run a scene. What would you like to do?"

// Options configures a Router.
type Options struct {
	Workers int
	// Observe is called after each executor call with its kind and latency.
	Observe func(kind intent.Kind, d time.Duration)
}

// Router maps intent records to executors, the clarification handler and
// the confirmation machine.
type Router struct {
	executors executor.Set
	clarify   *clarify.Handler
	machine   *confirm.Machine
	workers   int
	observe   func(intent.Kind, time.Duration)
}

var _ confirm.Dispatcher = (*Router)(nil)

// New returns a Router.
func New(execs executor.Set, cl *clarify.Handler, m *confirm.Machine, opts Options) *Router {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Observe == nil {
		opts.Observe = func(intent.Kind, time.Duration) {}
	}
	if cl == nil {
		cl = clarify.New(0)
	}
	if m == nil {
		m = confirm.NewMachine(confirm.Config{})
	}
	return &Router{executors: execs, clarify: cl, machine: m, workers: opts.Workers, observe: opts.Observe}
}

// Machine returns the confirmation machine high-risk records go through.
func (r *Router) Machine() *confirm.Machine { return r.machine }

// stale returns rec downgraded to ambiguous when it references a device or
// scene id missing from cat.
func stale(rec intent.Record, cat *catalog.Catalog) (intent.Record, bool) {
	for _, id := range rec.DeviceIDs {
		if !cat.HasDevice(id) {
			return rec.Ambiguous(fmt.Sprintf("device %q is no longer available", id), id), true
		}
	}
	if rec.SceneID != "" && !cat.HasScene(rec.SceneID) {
		mention := rec.SceneName
		if mention == "" {
			mention = rec.SceneID
		}
		return rec.Ambiguous(fmt.Sprintf("scene %q is no longer available", mention), mention), true
	}
	return rec, false
}

type job struct {
	slot int
	rec  intent.Record
	exec executor.Executor
}

// Route produces one result per record, in record order.
//
// High-risk records update st.Pending through the confirmation machine.
// Executor calls run concurrently on a context detached from ctx: if ctx
// ends first, Route returns ctx.Err() and drops the results while the
// calls already issued run to completion.
func (r *Router) Route(ctx context.Context, records []intent.Record, st *session.State, cat *catalog.Catalog) ([]intent.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	results := make([]intent.Result, len(records))
	var jobs []job
	for i, rec := range records {
		switch rec.Kind {
		case intent.KindControl, intent.KindQuery, intent.KindSchedule, intent.KindScene:
			if amb, ok := stale(rec, cat); ok {
				results[i] = r.clarify.Handle(amb, cat)
				continue
			}
			exec, ok := r.executors.For(rec.Kind)
			if !ok {
				results[i] = intent.Failed(rec, fmt.Sprintf("cannot run %s requests", rec.Kind), ErrNoExecutor)
				continue
			}
			jobs = append(jobs, job{slot: i, rec: rec, exec: exec})

		case intent.KindAmbiguous:
			results[i] = r.clarify.Handle(rec, cat)

		case intent.KindHighRisk:
			if amb, ok := stale(rec, cat); ok {
				results[i] = r.clarify.Handle(amb, cat)
				continue
			}
			res, next := r.machine.Request(st.SessionID, st.Pending, rec)
			st.Pending = next
			results[i] = res

		case intent.KindConversation:
			reply := rec.Reply
			if reply == "" {
				reply = DefaultReply
			}
			results[i] = intent.Success(rec, reply, nil)

		default:
			amb := rec.Ambiguous(fmt.Sprintf("unrecognised request type %q", rec.Kind), "")
			results[i] = r.clarify.Handle(amb, cat)
		}
	}

	if len(jobs) == 0 {
		return results, nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		detached := context.WithoutCancel(ctx)
		var g errgroup.Group
		g.SetLimit(r.workers)
		for _, j := range jobs {
			g.Go(func() error {
				results[j.slot] = r.run(detached, j.exec, j.rec, cat)
				return nil
			})
		}
		_ = g.Wait()
	}()

	select {
	case <-done:
		return results, nil
	case <-ctx.Done():
		slog.Warn("turn cancelled while executors were running",
			"session_id", st.SessionID, "in_flight", len(jobs), "err", ctx.Err())
		return nil, ctx.Err()
	}
}

func (r *Router) run(ctx context.Context, exec executor.Executor, rec intent.Record, cat *catalog.Catalog) intent.Result {
	start := time.Now()
	res := exec.Execute(ctx, rec, cat)
	r.observe(rec.Kind, time.Since(start))
	return res
}

// Dispatch runs a confirmed record after checking it against cat. Stale
// references turn into a clarification instead. The user has already said
// yes, so the call runs to completion even if ctx is cancelled.
func (r *Router) Dispatch(ctx context.Context, rec intent.Record, cat *catalog.Catalog) intent.Result {
	rec = rec.Deferred()
	if amb, ok := stale(rec, cat); ok {
		return r.clarify.Handle(amb, cat)
	}
	exec, ok := r.executors.For(rec.Kind)
	if !ok {
		return intent.Failed(rec, fmt.Sprintf("cannot run %s requests", rec.Kind), ErrNoExecutor)
	}
	return r.run(context.WithoutCancel(ctx), exec, rec, cat)
}
