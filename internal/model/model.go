// Package model defines the entities of the Project → Epic → Story → Task
// hierarchy and the ancestor keys that scope each level's collection.
package model

// Entity is anything held in an entity store. Identifiers are opaque strings
// assigned by the backend.
type Entity interface {
	GetID() string
}

// Project is the root of the hierarchy.
type Project struct {
	ID          string `json:"_id,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

func (p Project) GetID() string { return p.ID }

// Epic belongs to exactly one Project.
type Epic struct {
	ID        string `json:"_id,omitempty"`
	ProjectID string `json:"projectId,omitempty"`
	Title     string `json:"title"`
}

func (e Epic) GetID() string { return e.ID }

// Story belongs to exactly one Epic.
type Story struct {
	ID          string `json:"_id,omitempty"`
	EpicID      string `json:"epicId,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

func (s Story) GetID() string { return s.ID }

// Task belongs to exactly one Story.
type Task struct {
	ID          string `json:"_id,omitempty"`
	StoryID     string `json:"storyId,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Completed   bool   `json:"completed"`
}

func (t Task) GetID() string { return t.ID }

// User is the identity returned by the login, register and verify endpoints.
type User struct {
	ID       string `json:"_id,omitempty"`
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
}

// Credentials are sent to the login and register endpoints.
type Credentials struct {
	Username string `json:"username,omitempty"`
	Email    string `json:"email"`
	Password string `json:"password"`
}
