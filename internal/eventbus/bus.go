package eventbus

import (
	"context"
	"sync"

	"pkt.systems/cellstate/schema"
	"pkt.systems/pslog"
)

// EventType identifies the event payload.
type EventType string

const (
	// EventState carries a controller snapshot after a transition.
	EventState EventType = "state"
	// EventSession carries session lifecycle updates.
	EventSession EventType = "session"
	// EventMessage carries a message posted to the remote counterpart.
	EventMessage EventType = "message"
)

// AllSessions is the subscription key that receives session lifecycle events
// for every file.
const AllSessions schema.FileID = ""

// Event represents a UI-facing event emitted by the registry.
type Event struct {
	Type    EventType
	File    schema.FileID
	State   schema.StateEvent
	Session schema.SessionEvent
	Message schema.MessageEvent
}

// Bus fanouts events to per-file subscribers.
type Bus struct {
	mu    sync.Mutex
	subs  map[schema.FileID]map[chan Event]struct{}
	log   pslog.Logger
	depth int
}

// New constructs a Bus.
func New(logger pslog.Logger) *Bus {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Bus{
		subs:  make(map[schema.FileID]map[chan Event]struct{}),
		log:   logger,
		depth: 256,
	}
}

// Subscribe registers a subscriber for the file and returns a channel + cancel.
// Subscribing to AllSessions receives only session lifecycle events.
func (b *Bus) Subscribe(file schema.FileID) (<-chan Event, func()) {
	if b == nil {
		return nil, func() {}
	}
	ch := make(chan Event, b.depth)
	b.mu.Lock()
	fileSubs := b.subs[file]
	if fileSubs == nil {
		fileSubs = make(map[chan Event]struct{})
		b.subs[file] = fileSubs
	}
	fileSubs[ch] = struct{}{}
	count := len(fileSubs)
	b.mu.Unlock()
	if b.log != nil {
		b.log.With("file", file).Debug("eventbus subscribe", "subs", count)
	}
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if subs := b.subs[file]; subs != nil {
				delete(subs, ch)
				if len(subs) == 0 {
					delete(b.subs, file)
				}
			}
			close(ch)
			b.mu.Unlock()
			if b.log != nil {
				b.log.With("file", file).Debug("eventbus unsubscribe")
			}
		})
	}
}

// OnState publishes a state event.
func (b *Bus) OnState(event schema.StateEvent) {
	b.publish(event.File, Event{Type: EventState, File: event.File, State: event})
}

// OnSessionEvent publishes a session event to the file and to AllSessions.
func (b *Bus) OnSessionEvent(event schema.SessionEvent) {
	file := event.Session.File
	out := Event{Type: EventSession, File: file, Session: event}
	b.publish(file, out)
	if file != AllSessions {
		b.publish(AllSessions, out)
	}
}

// Post publishes an outbound message. It never fails; slow subscribers miss
// events instead of blocking the controller.
func (b *Bus) Post(_ context.Context, file schema.FileID, msg schema.Message) error {
	b.publish(file, Event{Type: EventMessage, File: file, Message: schema.MessageEvent{File: file, Message: msg}})
	return nil
}

func (b *Bus) publish(file schema.FileID, event Event) {
	if b == nil {
		return
	}
	// Unsubscribe closes channels under the same lock.
	b.mu.Lock()
	dropped := 0
	for sub := range b.subs[file] {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	b.mu.Unlock()
	if dropped > 0 && b.log != nil {
		b.log.With("file", file).Trace("eventbus dropped", "type", event.Type, "count", dropped)
	}
}
