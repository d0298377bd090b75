// Package store holds the in-memory collection of each entity level. A Store
// is scoped to one ancestor key at a time and only ever shows the result of
// the latest load for that key, or nothing.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/go-tracker/internal/bus"
	"github.com/basket/go-tracker/internal/model"
	trackerotel "github.com/basket/go-tracker/internal/otel"
	"github.com/basket/go-tracker/internal/remote"
)

// ErrSuperseded is returned by Load when the scope changed (or the store was
// cleared) while the request was in flight. The response was discarded.
var ErrSuperseded = errors.New("store: load superseded")

// Status is the load status of a store.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusReady   Status = "ready"
	StatusFailed  Status = "failed"
)

// Options configures a Store.
type Options struct {
	Logger  *slog.Logger
	Metrics *trackerotel.Metrics
}

// Store is the collection for one entity type. The zero value is not usable;
// create stores with New.
type Store[T model.Entity, K comparable] struct {
	entity  string
	res     remote.Resource[T, K]
	bus     *bus.Bus
	sub     *bus.Subscription
	logger  *slog.Logger
	metrics *trackerotel.Metrics

	mu       sync.Mutex
	items    []T
	scope    K
	scoped   bool
	status   Status
	epoch    uint64 // staleness token, bumped on every scope change and clear
	clears   uint64 // bumped by clear only
	inflight *loadCall
}

// loadCall is the List request for one epoch. done is closed once the result
// has been applied (or discarded) and err is set.
type loadCall struct {
	epoch   uint64
	done    chan struct{}
	err     error
	waiters int
}

// New creates a store over res and subscribes it to session events on b: the
// collection is cleared on logout and whenever the session leaves the
// authenticated state.
func New[T model.Entity, K comparable](entity string, res remote.Resource[T, K], b *bus.Bus, opts Options) *Store[T, K] {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = trackerotel.NoopMetrics()
	}
	s := &Store[T, K]{
		entity:  entity,
		res:     res,
		bus:     b,
		logger:  logger.With("component", "store", "entity", entity),
		metrics: metrics,
		status:  StatusIdle,
	}
	s.sub = b.SubscribeFunc(bus.SessionPrefix, s.onSession)
	return s
}

func (s *Store[T, K]) onSession(e bus.Event) {
	switch e.Topic {
	case bus.TopicSessionLogout:
		s.clear("logout")
	case bus.TopicSessionStateChanged:
		if ev, ok := e.Payload.(bus.SessionStateChangedEvent); ok && ev.NewState != "authenticated" {
			s.clear("unauthenticated")
		}
	}
}

// Close detaches the store from the bus.
func (s *Store[T, K]) Close() {
	s.bus.Unsubscribe(s.sub)
}

// Entity returns the entity name the store was created with.
func (s *Store[T, K]) Entity() string { return s.entity }

// Items returns a copy of the collection in insertion order.
func (s *Store[T, K]) Items() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.items)
}

// Len returns the collection size.
func (s *Store[T, K]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Scope returns the active ancestor key. ok is false when the store is unscoped.
func (s *Store[T, K]) Scope() (K, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scope, s.scoped
}

// Status returns the load status.
func (s *Store[T, K]) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Load replaces the collection with the backend's set for key. Loading the
// key that is already active and ready is a no-op; concurrent loads of the
// same key share one request. Switching to a different key empties the
// collection immediately. Any failure leaves the collection empty; the error
// is returned for information only.
func (s *Store[T, K]) Load(ctx context.Context, key K) error {
	return s.Begin(key, false)(ctx)
}

// Reload is Load without the no-op rule.
func (s *Store[T, K]) Reload(ctx context.Context, key K) error {
	return s.Begin(key, true)(ctx)
}

// Begin does the synchronous part of a load: when it returns, the store is
// scoped to key and a stale collection is gone. The returned func issues (or
// joins) the request and applies its result; it must be called exactly once.
func (s *Store[T, K]) Begin(key K, force bool) func(context.Context) error {
	s.mu.Lock()
	sameScope := s.scoped && s.scope == key
	emptied := false
	switch {
	case sameScope && s.status == StatusReady && !force:
		s.mu.Unlock()
		return func(context.Context) error { return nil }
	case sameScope && s.inflight != nil:
		call := s.inflight
		call.waiters++
		s.mu.Unlock()
		return func(ctx context.Context) error {
			select {
			case <-call.done:
				return call.err
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	case sameScope:
		s.epoch++
		s.status = StatusLoading
	default:
		emptied = len(s.items) > 0
		s.items = nil
		s.scope = key
		s.scoped = true
		s.epoch++
		s.status = StatusLoading
	}
	call := &loadCall{epoch: s.epoch, done: make(chan struct{})}
	s.inflight = call
	s.mu.Unlock()
	if emptied {
		s.announce("clear")
	}
	return func(ctx context.Context) error { return s.fetch(ctx, key, call) }
}

func (s *Store[T, K]) fetch(ctx context.Context, key K, call *loadCall) error {
	items, err := s.res.List(ctx, key)

	s.mu.Lock()
	if s.inflight == call {
		s.inflight = nil
	}
	if s.epoch != call.epoch {
		call.err = ErrSuperseded
		close(call.done)
		s.mu.Unlock()
		s.metrics.StoreSuperseded.Add(ctx, 1, s.attrs())
		s.logger.Debug("discarding superseded load", "scope", fmt.Sprint(key))
		return ErrSuperseded
	}
	waiters := call.waiters
	if err != nil {
		s.items = nil
		s.status = StatusFailed
		call.err = err
		close(call.done)
		s.mu.Unlock()
		s.metrics.StoreLoads.Add(ctx, 1, s.attrs(trackerotel.AttrOutcome.String("error"),
			trackerotel.AttrErrorKind.String(string(remote.KindOf(err)))))
		s.logger.Warn("load failed", "scope", fmt.Sprint(key), "kind", remote.KindOf(err), "error", err)
		s.announce("failed")
		return err
	}
	s.items = slices.Clone(items)
	s.status = StatusReady
	close(call.done)
	s.mu.Unlock()

	s.metrics.StoreLoads.Add(ctx, 1, s.attrs(trackerotel.AttrOutcome.String("ok")))
	s.logger.Debug("loaded", "scope", fmt.Sprint(key), "size", len(items), "waiters", waiters)
	s.announce("load")
	return nil
}

// Create adds draft under key and returns the created entity. The entity joins
// the collection when key is the active scope (or no scope is active); if its
// id is already present the element is replaced instead. A store cleared while
// the request was in flight stays cleared.
func (s *Store[T, K]) Create(ctx context.Context, key K, draft T) (T, error) {
	clears := s.clearCount()
	created, err := s.res.Create(ctx, key, draft)
	if err != nil {
		var zero T
		return zero, err
	}

	s.mu.Lock()
	applied := s.matches(key, clears)
	if applied {
		if i := s.index(created.GetID()); i >= 0 {
			s.items[i] = created
		} else {
			s.items = append(s.items, created)
		}
	}
	s.mu.Unlock()
	if applied {
		s.announce("create")
	}
	return created, nil
}

// Update replaces the entity with the given id, keeping its position.
func (s *Store[T, K]) Update(ctx context.Context, key K, id string, patch T) (T, error) {
	clears := s.clearCount()
	updated, err := s.res.Update(ctx, key, id, patch)
	if err != nil {
		var zero T
		return zero, err
	}

	s.mu.Lock()
	applied := false
	if s.matches(key, clears) {
		if i := s.index(id); i >= 0 {
			s.items[i] = updated
			applied = true
		}
	}
	s.mu.Unlock()
	if applied {
		s.announce("update")
	}
	return updated, nil
}

// Delete removes the entity with the given id. An entity the backend no longer
// has counts as deleted. Other failures are logged and returned, and the
// collection is left as it was.
func (s *Store[T, K]) Delete(ctx context.Context, key K, id string) error {
	clears := s.clearCount()
	if err := s.res.Delete(ctx, key, id); err != nil {
		if !remote.IsNotFound(err) {
			s.logger.Warn("delete failed", "id", id, "kind", remote.KindOf(err), "error", err)
			return err
		}
		s.logger.Info("delete of missing entity treated as done", "id", id)
	}

	s.mu.Lock()
	applied := false
	if s.matches(key, clears) {
		if i := s.index(id); i >= 0 {
			s.items = slices.Delete(s.items, i, i+1)
			applied = true
		}
	}
	s.mu.Unlock()
	if applied {
		s.announce("delete")
	}
	return nil
}

// Get fetches one entity without touching the collection. found is false,
// with a nil error, when the backend does not have it.
func (s *Store[T, K]) Get(ctx context.Context, key K, id string) (T, bool, error) {
	v, err := s.res.Get(ctx, key, id)
	if err != nil {
		var zero T
		if remote.IsNotFound(err) {
			return zero, false, nil
		}
		return zero, false, err
	}
	return v, true, nil
}

// Clear empties the collection and drops the scope. Any load in flight is
// discarded when it returns.
func (s *Store[T, K]) Clear() {
	s.clear("clear")
}

func (s *Store[T, K]) clear(reason string) {
	s.mu.Lock()
	var zero K
	changed := len(s.items) > 0 || s.scoped || s.status != StatusIdle
	s.items = nil
	s.scope = zero
	s.scoped = false
	s.status = StatusIdle
	s.epoch++
	s.clears++
	s.inflight = nil
	s.mu.Unlock()

	if !changed {
		return
	}
	s.metrics.StoreClears.Add(context.Background(), 1, s.attrs(attribute.String("reason", reason)))
	s.logger.Debug("cleared", "reason", reason)
	s.announce("clear")
}

func (s *Store[T, K]) clearCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clears
}

// matches reports whether a mutation under key that started when the clear
// count was clears belongs in the collection. Must be called with s.mu held.
func (s *Store[T, K]) matches(key K, clears uint64) bool {
	return s.clears == clears && (!s.scoped || s.scope == key)
}

// index must be called with s.mu held.
func (s *Store[T, K]) index(id string) int {
	return slices.IndexFunc(s.items, func(item T) bool { return item.GetID() == id })
}

func (s *Store[T, K]) attrs(extra ...attribute.KeyValue) metric.MeasurementOption {
	return metric.WithAttributes(append([]attribute.KeyValue{trackerotel.AttrEntity.String(s.entity)}, extra...)...)
}

func (s *Store[T, K]) announce(reason string) {
	s.mu.Lock()
	ev := bus.StoreChangedEvent{Entity: s.entity, Reason: reason, Size: len(s.items)}
	if s.scoped {
		ev.Scope = fmt.Sprint(s.scope)
	}
	s.mu.Unlock()
	s.bus.Publish(bus.TopicStoreChanged, ev)
}
