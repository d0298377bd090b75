package model

import "fmt"

// RootKey scopes the project collection, which has no ancestor.
type RootKey struct{}

func (RootKey) String() string { return "/" }

// EpicKey scopes an epic collection to one project.
type EpicKey struct {
	ProjectID string
}

func (k EpicKey) String() string { return fmt.Sprintf("/%s", k.ProjectID) }

// StoryKey scopes a story collection to one (project, epic) pair.
type StoryKey struct {
	ProjectID string
	EpicID    string
}

func (k StoryKey) String() string { return fmt.Sprintf("/%s/%s", k.ProjectID, k.EpicID) }

// TaskKey scopes a task collection to one (project, epic, story) path.
type TaskKey struct {
	ProjectID string
	EpicID    string
	StoryID   string
}

func (k TaskKey) String() string {
	return fmt.Sprintf("/%s/%s/%s", k.ProjectID, k.EpicID, k.StoryID)
}

// Chain is the active ancestor key chain derived from navigation context.
// An empty field means that level is not selected.
type Chain struct {
	ProjectID string
	EpicID    string
	StoryID   string
}

// EpicKey returns the scope for the epic level, if the chain selects a project.
func (c Chain) EpicKey() (EpicKey, bool) {
	if c.ProjectID == "" {
		return EpicKey{}, false
	}
	return EpicKey{ProjectID: c.ProjectID}, true
}

// StoryKey returns the scope for the story level when project and epic are set.
func (c Chain) StoryKey() (StoryKey, bool) {
	if c.ProjectID == "" || c.EpicID == "" {
		return StoryKey{}, false
	}
	return StoryKey{ProjectID: c.ProjectID, EpicID: c.EpicID}, true
}

// TaskKey returns the scope for the task level when the full path is set.
func (c Chain) TaskKey() (TaskKey, bool) {
	if c.ProjectID == "" || c.EpicID == "" || c.StoryID == "" {
		return TaskKey{}, false
	}
	return TaskKey{ProjectID: c.ProjectID, EpicID: c.EpicID, StoryID: c.StoryID}, true
}

func (c Chain) String() string {
	return fmt.Sprintf("project=%q epic=%q story=%q", c.ProjectID, c.EpicID, c.StoryID)
}
