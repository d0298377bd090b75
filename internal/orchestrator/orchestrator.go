// Package orchestrator drives the cascade of loads across the four stores from
// the active ancestor chain and the session state.
//
// Policy, evaluated in order:
//
//  1. Not authenticated: nothing loads and every store is cleared.
//  2. Projects always load.
//  3. Epics load when the chain selects a project.
//  4. Stories load when it selects a project and an epic.
//  5. Tasks load when it selects the full path.
//
// A level whose key is absent is cleared. Stale levels are cleared before any
// load is issued, then loads run concurrently. Reconciles touch the stores one
// at a time, and one started for a chain that has since been replaced leaves
// them alone.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/basket/go-tracker/internal/bus"
	"github.com/basket/go-tracker/internal/model"
	trackerotel "github.com/basket/go-tracker/internal/otel"
	"github.com/basket/go-tracker/internal/store"
)

// AuthState reports whether loads are allowed. *session.Session implements it.
type AuthState interface {
	IsAuthenticated() bool
}

// Options configures an Orchestrator.
type Options struct {
	Logger  *slog.Logger
	Metrics *trackerotel.Metrics
	Tracer  trace.Tracer
}

// Orchestrator owns the active chain. It is safe for concurrent use.
type Orchestrator struct {
	stores  *store.Stores
	auth    AuthState
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *trackerotel.Metrics
	tracer  trace.Tracer

	mu    sync.Mutex
	chain model.Chain
	gen   uint64 // bumped on every Navigate

	// apply serializes the store-mutating phase of reconcile.
	apply sync.Mutex
}

// New creates an Orchestrator with an empty chain.
func New(stores *store.Stores, auth AuthState, b *bus.Bus, opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = trackerotel.NoopMetrics()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = trackerotel.NoopTracer()
	}
	return &Orchestrator{
		stores:  stores,
		auth:    auth,
		bus:     b,
		logger:  logger.With("component", "orchestrator"),
		metrics: metrics,
		tracer:  tracer,
	}
}

// Chain returns the active chain.
func (o *Orchestrator) Chain() model.Chain {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.chain
}

// Navigate makes chain active and reconciles the stores against it.
func (o *Orchestrator) Navigate(ctx context.Context, chain model.Chain) error {
	o.mu.Lock()
	o.chain = chain
	o.gen++
	o.mu.Unlock()
	return o.Reconcile(ctx)
}

// Reconcile brings every store in line with the chain and session state.
// Levels already holding (or loading) their desired key are left alone. It
// returns the load failures joined; the stores are already empty for them.
func (o *Orchestrator) Reconcile(ctx context.Context) error {
	return o.reconcile(ctx, false)
}

// Refresh reloads every eligible level, even those already loaded.
func (o *Orchestrator) Refresh(ctx context.Context) error {
	return o.reconcile(ctx, true)
}

// Run reconciles on every session state change until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	sub := o.bus.Subscribe(bus.SessionPrefix)
	defer o.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Ch():
			if !ok {
				return nil
			}
			if ev.Topic != bus.TopicSessionStateChanged {
				continue
			}
			if err := o.Reconcile(ctx); err != nil {
				o.logger.Warn("reconcile after session change failed", "error", err)
			}
		}
	}
}

// step is one level of the plan.
type step struct {
	entity   string
	clearNow bool
	clear    func()
	begin    func() func(context.Context) error // nil when no load is needed
}

func plan[T model.Entity, K comparable](s *store.Store[T, K], key K, present, force bool) step {
	st := step{entity: s.Entity(), clear: s.Clear}
	if !present {
		st.clearNow = true
		return st
	}
	scope, scoped := s.Scope()
	status := s.Status()
	if scoped && scope != key {
		st.clearNow = true
	}
	switch {
	case force:
		st.begin = func() func(context.Context) error { return s.Begin(key, true) }
	case scoped && scope == key && (status == store.StatusReady || status == store.StatusLoading):
	default:
		st.begin = func() func(context.Context) error { return s.Begin(key, false) }
	}
	return st
}

func (o *Orchestrator) reconcile(ctx context.Context, force bool) error {
	o.mu.Lock()
	chain, gen := o.chain, o.gen
	o.mu.Unlock()

	ctx, span := trackerotel.StartSpan(ctx, o.tracer, "orchestrator.reconcile",
		trackerotel.AttrScope.String(chain.String()))
	defer span.End()

	authenticated := o.auth.IsAuthenticated()
	o.metrics.CascadeRuns.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("authenticated", authenticated),
		attribute.Bool("force", force)))

	o.apply.Lock()
	if !o.current(gen) {
		o.apply.Unlock()
		o.logger.Debug("chain replaced before reconcile applied", "chain", chain.String())
		return nil
	}
	if !authenticated {
		o.stores.ClearAll()
		o.apply.Unlock()
		o.logger.Debug("not authenticated, stores cleared")
		return nil
	}

	epicKey, hasEpic := chain.EpicKey()
	storyKey, hasStory := chain.StoryKey()
	taskKey, hasTask := chain.TaskKey()
	steps := []step{
		plan(o.stores.Projects, model.RootKey{}, true, force),
		plan(o.stores.Epics, epicKey, hasEpic, force),
		plan(o.stores.Stories, storyKey, hasStory, force),
		plan(o.stores.Tasks, taskKey, hasTask, force),
	}

	for _, st := range steps {
		if st.clearNow {
			st.clear()
		}
	}
	waits := make([]func(context.Context) error, len(steps))
	for i, st := range steps {
		if st.begin != nil {
			waits[i] = st.begin()
		}
	}
	o.apply.Unlock()

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	failed := len(steps)
	for i, st := range steps {
		wait := waits[i]
		if wait == nil {
			continue
		}
		g.Go(func() error {
			err := wait(ctx)
			if err == nil || errors.Is(err, store.ErrSuperseded) {
				return nil
			}
			mu.Lock()
			errs = append(errs, fmt.Errorf("%s: %w", st.entity, err))
			failed = min(failed, i)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if failed < len(steps) {
		o.clearDeeper(gen, steps[failed].entity, steps[failed+1:])
	}

	err := errors.Join(errs...)
	if err != nil {
		span.SetStatus(codes.Error, "load failed")
		span.RecordError(err)
	}
	o.logger.Debug("reconciled", "chain", chain.String(), "force", force, "failed", len(errs))
	return err
}

// clearDeeper empties the levels below the shallowest failed one, unless the
// chain moved on since the loads were issued.
func (o *Orchestrator) clearDeeper(gen uint64, entity string, deeper []step) {
	o.apply.Lock()
	defer o.apply.Unlock()
	if !o.current(gen) {
		return
	}
	for _, st := range deeper {
		st.clear()
	}
	if len(deeper) > 0 {
		o.logger.Info("cleared levels below failed load", "entity", entity, "levels", len(deeper))
	}
}

func (o *Orchestrator) current(gen uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.gen == gen
}
