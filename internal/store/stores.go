package store

import (
	"github.com/basket/go-tracker/internal/bus"
	"github.com/basket/go-tracker/internal/model"
	"github.com/basket/go-tracker/internal/remote"
)

// Entity names used in logs, metrics and store.changed events.
const (
	EntityProject = "project"
	EntityEpic    = "epic"
	EntityStory   = "story"
	EntityTask    = "task"
)

// Backend supplies the four resources. *remote.Client implements it.
type Backend interface {
	Projects() remote.Resource[model.Project, model.RootKey]
	Epics() remote.Resource[model.Epic, model.EpicKey]
	Stories() remote.Resource[model.Story, model.StoryKey]
	Tasks() remote.Resource[model.Task, model.TaskKey]
}

var _ Backend = (*remote.Client)(nil)

// Stores bundles one store per level. It is built once per process and
// handed to whatever drives the cascade.
type Stores struct {
	Projects *Store[model.Project, model.RootKey]
	Epics    *Store[model.Epic, model.EpicKey]
	Stories  *Store[model.Story, model.StoryKey]
	Tasks    *Store[model.Task, model.TaskKey]
}

// NewStores creates the four stores, all subscribed to b.
func NewStores(backend Backend, b *bus.Bus, opts Options) *Stores {
	return &Stores{
		Projects: New(EntityProject, backend.Projects(), b, opts),
		Epics:    New(EntityEpic, backend.Epics(), b, opts),
		Stories:  New(EntityStory, backend.Stories(), b, opts),
		Tasks:    New(EntityTask, backend.Tasks(), b, opts),
	}
}

// ClearAll empties every store.
func (s *Stores) ClearAll() {
	s.Projects.Clear()
	s.Epics.Clear()
	s.Stories.Clear()
	s.Tasks.Clear()
}

// Sizes returns the collection size per entity name.
func (s *Stores) Sizes() map[string]int {
	return map[string]int{
		EntityProject: s.Projects.Len(),
		EntityEpic:    s.Epics.Len(),
		EntityStory:   s.Stories.Len(),
		EntityTask:    s.Tasks.Len(),
	}
}

// Close detaches every store from the bus.
func (s *Stores) Close() {
	s.Projects.Close()
	s.Epics.Close()
	s.Stories.Close()
	s.Tasks.Close()
}
