// Package remotetest provides in-memory resources for testing code that
// consumes remote.Resource.
package remotetest

import (
	"context"
	"slices"
	"sync"

	"github.com/basket/go-tracker/internal/model"
	"github.com/basket/go-tracker/internal/remote"
)

// Resource is a programmable remote.Resource. Lists are served per key; a key
// can be held so its List blocks until released.
type Resource[T model.Entity, K comparable] struct {
	mu        sync.Mutex
	lists     map[K][]T
	listErrs  map[K]error
	holds     map[K]chan struct{}
	listCalls map[K]int

	// OnCreate, OnUpdate and OnDelete override the default behavior of
	// echoing the draft or patch back and succeeding.
	OnCreate func(key K, draft T) (T, error)
	OnUpdate func(key K, id string, patch T) (T, error)
	OnDelete func(key K, id string) error
}

var _ remote.Resource[model.Task, model.TaskKey] = (*Resource[model.Task, model.TaskKey])(nil)

// NewResource returns an empty resource.
func NewResource[T model.Entity, K comparable]() *Resource[T, K] {
	return &Resource[T, K]{
		lists:     make(map[K][]T),
		listErrs:  make(map[K]error),
		holds:     make(map[K]chan struct{}),
		listCalls: make(map[K]int),
	}
}

// SetList sets what List returns for key and clears any failure.
func (r *Resource[T, K]) SetList(key K, items ...T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lists[key] = slices.Clone(items)
	delete(r.listErrs, key)
}

// FailList makes List fail with err for key.
func (r *Resource[T, K]) FailList(key K, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listErrs[key] = err
}

// Hold blocks List calls for key until the returned release func is called.
func (r *Resource[T, K]) Hold(key K) (release func()) {
	ch := make(chan struct{})
	r.mu.Lock()
	r.holds[key] = ch
	r.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			if r.holds[key] == ch {
				delete(r.holds, key)
			}
			r.mu.Unlock()
			close(ch)
		})
	}
}

// ListCalls returns how many times List was called for key.
func (r *Resource[T, K]) ListCalls(key K) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listCalls[key]
}

// TotalListCalls returns how many times List was called for any key.
func (r *Resource[T, K]) TotalListCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.listCalls {
		n += c
	}
	return n
}

func (r *Resource[T, K]) List(ctx context.Context, key K) ([]T, error) {
	r.mu.Lock()
	r.listCalls[key]++
	hold := r.holds[key]
	r.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, &remote.Error{Kind: remote.KindTransient, Op: "list", Err: ctx.Err()}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.listErrs[key]; err != nil {
		return nil, err
	}
	return slices.Clone(r.lists[key]), nil
}

func (r *Resource[T, K]) Get(_ context.Context, key K, id string) (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, item := range r.lists[key] {
		if item.GetID() == id {
			return item, nil
		}
	}
	var zero T
	return zero, &remote.Error{Kind: remote.KindNotFound, Op: "get", Status: 404}
}

func (r *Resource[T, K]) Create(_ context.Context, key K, draft T) (T, error) {
	if r.OnCreate != nil {
		return r.OnCreate(key, draft)
	}
	return draft, nil
}

func (r *Resource[T, K]) Update(_ context.Context, key K, id string, patch T) (T, error) {
	if r.OnUpdate != nil {
		return r.OnUpdate(key, id, patch)
	}
	return patch, nil
}

func (r *Resource[T, K]) Delete(_ context.Context, key K, id string) error {
	if r.OnDelete != nil {
		return r.OnDelete(key, id)
	}
	return nil
}

// Backend serves one Resource per level.
type Backend struct {
	ProjectRes *Resource[model.Project, model.RootKey]
	EpicRes    *Resource[model.Epic, model.EpicKey]
	StoryRes   *Resource[model.Story, model.StoryKey]
	TaskRes    *Resource[model.Task, model.TaskKey]
}

// NewBackend returns a Backend with four empty resources.
func NewBackend() *Backend {
	return &Backend{
		ProjectRes: NewResource[model.Project, model.RootKey](),
		EpicRes:    NewResource[model.Epic, model.EpicKey](),
		StoryRes:   NewResource[model.Story, model.StoryKey](),
		TaskRes:    NewResource[model.Task, model.TaskKey](),
	}
}

func (b *Backend) Projects() remote.Resource[model.Project, model.RootKey] { return b.ProjectRes }
func (b *Backend) Epics() remote.Resource[model.Epic, model.EpicKey] { return b.EpicRes }
func (b *Backend) Stories() remote.Resource[model.Story, model.StoryKey] { return b.StoryRes }
func (b *Backend) Tasks() remote.Resource[model.Task, model.TaskKey] { return b.TaskRes }
