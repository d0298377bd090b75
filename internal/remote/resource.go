package remote

import (
	"context"
	"net/http"
	"net/url"

	"github.com/basket/go-tracker/internal/model"
)

// Resource is the uniform CRUD surface for one entity type, scoped by the
// ancestor key K.
type Resource[T model.Entity, K comparable] interface {
	List(ctx context.Context, key K) ([]T, error)
	Get(ctx context.Context, key K, id string) (T, error)
	Create(ctx context.Context, key K, draft T) (T, error)
	Update(ctx context.Context, key K, id string, patch T) (T, error)
	Delete(ctx context.Context, key K, id string) error
}

// routes builds the escaped paths of one entity type.
type routes[K any] struct {
	collection func(key K) string            // GET list
	create     func(key K) string            // POST
	item       func(key K, id string) string // GET/PUT/DELETE one
}

type resource[T model.Entity, K comparable] struct {
	client *Client
	entity string
	routes routes[K]
}

var _ Resource[model.Task, model.TaskKey] = (*resource[model.Task, model.TaskKey])(nil)

func (r *resource[T, K]) List(ctx context.Context, key K) ([]T, error) {
	cl := call{entity: r.entity, method: http.MethodGet, path: r.routes.collection(key)}
	raw, err := r.client.do(ctx, cl)
	if err != nil {
		return nil, err
	}
	items := []T{}
	if err := r.client.decode(cl.op(), listSchemaName(r.entity), raw, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (r *resource[T, K]) Get(ctx context.Context, key K, id string) (T, error) {
	return r.one(ctx, call{entity: r.entity, method: http.MethodGet, path: r.routes.item(key, id)})
}

func (r *resource[T, K]) Create(ctx context.Context, key K, draft T) (T, error) {
	return r.one(ctx, call{entity: r.entity, method: http.MethodPost, path: r.routes.create(key), body: draft})
}

func (r *resource[T, K]) Update(ctx context.Context, key K, id string, patch T) (T, error) {
	return r.one(ctx, call{entity: r.entity, method: http.MethodPut, path: r.routes.item(key, id), body: patch})
}

func (r *resource[T, K]) Delete(ctx context.Context, key K, id string) error {
	_, err := r.client.do(ctx, call{entity: r.entity, method: http.MethodDelete, path: r.routes.item(key, id)})
	return err
}

func (r *resource[T, K]) one(ctx context.Context, cl call) (T, error) {
	var out T
	raw, err := r.client.do(ctx, cl)
	if err != nil {
		return out, err
	}
	if err := r.client.decode(cl.op(), r.entity, raw, &out); err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

func esc(s string) string { return url.PathEscape(s) }

// Projects returns the project resource: /projects, /project/{id}.
func (c *Client) Projects() Resource[model.Project, model.RootKey] {
	return &resource[model.Project, model.RootKey]{
		client: c,
		entity: schemaProject,
		routes: routes[model.RootKey]{
			collection: func(model.RootKey) string { return "/projects" },
			create:     func(model.RootKey) string { return "/project" },
			item:       func(_ model.RootKey, id string) string { return "/project/" + esc(id) },
		},
	}
}

// Epics returns the epic resource scoped by project.
func (c *Client) Epics() Resource[model.Epic, model.EpicKey] {
	base := func(k model.EpicKey) string { return "/projects/" + esc(k.ProjectID) + "/epics" }
	return &resource[model.Epic, model.EpicKey]{
		client: c,
		entity: schemaEpic,
		routes: routes[model.EpicKey]{
			collection: base,
			create:     base,
			item:       func(k model.EpicKey, id string) string { return base(k) + "/" + esc(id) },
		},
	}
}

// Stories returns the story resource scoped by (project, epic).
func (c *Client) Stories() Resource[model.Story, model.StoryKey] {
	base := func(k model.StoryKey) string {
		return "/projects/" + esc(k.ProjectID) + "/epics/" + esc(k.EpicID)
	}
	return &resource[model.Story, model.StoryKey]{
		client: c,
		entity: schemaStory,
		routes: routes[model.StoryKey]{
			collection: func(k model.StoryKey) string { return base(k) + "/stories" },
			create:     func(k model.StoryKey) string { return base(k) + "/story" },
			item:       func(k model.StoryKey, id string) string { return base(k) + "/story/" + esc(id) },
		},
	}
}

// Tasks returns the task resource scoped by (project, epic, story).
func (c *Client) Tasks() Resource[model.Task, model.TaskKey] {
	base := func(k model.TaskKey) string {
		return "/projects/" + esc(k.ProjectID) + "/epics/" + esc(k.EpicID) + "/stories/" + esc(k.StoryID)
	}
	return &resource[model.Task, model.TaskKey]{
		client: c,
		entity: schemaTask,
		routes: routes[model.TaskKey]{
			collection: func(k model.TaskKey) string { return base(k) + "/tasks" },
			create:     func(k model.TaskKey) string { return base(k) + "/task" },
			item:       func(k model.TaskKey, id string) string { return base(k) + "/task/" + esc(id) },
		},
	}
}
