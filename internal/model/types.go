package model

import "time"

// BackendKind selects the strategy used to run an entity's shell. The set is
// closed: every per-backend switch must handle all three kinds.
type BackendKind string

const (
	BackendDirect  BackendKind = "direct"
	BackendAttach  BackendKind = "attach"
	BackendControl BackendKind = "control"
)

// KnownBackend reports whether kind is one of the three supported strategies.
func KnownBackend(kind BackendKind) bool {
	switch kind {
	case BackendDirect, BackendAttach, BackendControl:
		return true
	default:
		return false
	}
}

// EnvVar is one user-defined environment variable, global or entity scoped.
// Secret values are not stored inline; they are resolved at launch time
// through the secret resolver using (entity id, VarID).
type EnvVar struct {
	Key    string
	Value  string
	Secret bool
	VarID  string
}

// Entity is the read-only projection of a persisted entity record that the
// session core consumes. The core never writes business fields back.
type Entity struct {
	ID          string
	Title       string
	Description string
	WorkingDir  string
	ShellPath   string
	Tags        []string
	InitCommand string
	Backend     BackendKind
	Favourite   string
	Metadata    string
	EnvVars     []EnvVar
	Deleted     bool
	NeedsMux    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// BackgroundSession describes one detached multiplexer session discovered by
// the recovery scanner. Produced from list-sessions output, never persisted.
type BackgroundSession struct {
	Name       string
	Attached   bool
	CreatedAt  time.Time
	WorkingDir string
	IDPrefix   string
}

type SessionEventType string

const (
	EventExit          SessionEventType = "exit"
	EventBell          SessionEventType = "bell"
	EventActivity      SessionEventType = "activity"
	EventLayoutChanged SessionEventType = "layout_changed"
	EventWindowAdded   SessionEventType = "window_added"
	EventWindowClosed  SessionEventType = "window_closed"
	EventActivePane    SessionEventType = "active_pane"
)

// SessionEvent is delivered on a session's event channel instead of ad-hoc
// callbacks, so the event surface is explicit and observable in tests.
type SessionEvent struct {
	Type     SessionEventType
	EntityID string
	PaneID   string
	At       time.Time
}

// Error codes surfaced on the daemon API.
const (
	ErrEntityNotFound  = "E_ENTITY_NOT_FOUND"
	ErrLaunchFailed    = "E_LAUNCH_FAILED"
	ErrMuxUnavailable  = "E_MUX_UNAVAILABLE"
	ErrSessionNotFound = "E_SESSION_NOT_FOUND"
	ErrCommandFailed   = "E_COMMAND_FAILED"
)
