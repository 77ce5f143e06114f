package core

import (
	"context"

	"pkt.systems/cellstate/schema"
)

// EventSink receives state and session events from controllers and the registry.
type EventSink interface {
	OnState(event schema.StateEvent)
	OnSessionEvent(event schema.SessionEvent)
}

// MessageChannel carries messages to the remote counterpart of a session.
type MessageChannel interface {
	Post(ctx context.Context, file schema.FileID, msg schema.Message) error
}
