package schema

// SessionEventType identifies a session lifecycle change.
type SessionEventType string

const (
	// SessionEventOpened indicates a session was registered.
	SessionEventOpened SessionEventType = "opened"
	// SessionEventClosed indicates a session was removed.
	SessionEventClosed SessionEventType = "closed"
	// SessionEventDirty indicates a session became dirty.
	SessionEventDirty SessionEventType = "dirty"
	// SessionEventSaved indicates a session was written to disk.
	SessionEventSaved SessionEventType = "saved"
)

// SessionEvent describes a session lifecycle change.
type SessionEvent struct {
	Type    SessionEventType
	Session SessionSnapshot
}

// StateEvent carries the controller state after a transition.
type StateEvent struct {
	File  FileID
	State ControllerSnapshot
}

// MessageEvent carries a message posted to the remote counterpart.
type MessageEvent struct {
	File    FileID
	Message Message
}
