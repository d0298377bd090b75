package bus

// Session topics.
const (
	// TopicSessionLogout is published exactly once per logout. Every entity
	// store clears its collection on receipt.
	TopicSessionLogout = "session.logout"

	// TopicSessionStateChanged is published on every auth state transition.
	TopicSessionStateChanged = "session.state_changed"

	// SessionPrefix matches every session topic.
	SessionPrefix = "session."
)

// Store topics.
const (
	// TopicStoreChanged is published after an entity store's collection changes.
	TopicStoreChanged = "store.changed"
)

// LogoutEvent is the payload of TopicSessionLogout.
type LogoutEvent struct {
	UserID string // User that signed out; empty if unknown
}

// SessionStateChangedEvent is the payload of TopicSessionStateChanged.
type SessionStateChangedEvent struct {
	OldState string // e.g. checking
	NewState string // e.g. authenticated
	UserID   string // Set when NewState is authenticated
}

// StoreChangedEvent is the payload of TopicStoreChanged.
type StoreChangedEvent struct {
	Entity string // project, epic, story, task
	Reason string // load, clear, create, update, delete, failed
	Scope  string // Active ancestor key, "" when unscoped
	Size   int    // Collection size after the change
}
