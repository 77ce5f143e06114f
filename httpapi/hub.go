package httpapi

import (
	"context"
	"sync"
	"time"

	"pkt.systems/cellstate/internal/logx"
	"pkt.systems/cellstate/schema"
	"pkt.systems/pslog"
)

// Stream event types.
const (
	StreamSnapshot = "snapshot"
	StreamState    = "state"
	StreamSession  = "session"
	StreamMessage  = "message"
)

// sessionsKey collects lifecycle events of every session.
const sessionsKey schema.FileID = ""

// StreamEvent is sent to SSE clients.
type StreamEvent struct {
	Seq          uint64                     `json:"seq"`
	Type         string                     `json:"type"`
	File         schema.FileID              `json:"file,omitempty"`
	SessionEvent schema.SessionEventType    `json:"session_event,omitempty"`
	Session      *schema.SessionSnapshot    `json:"session,omitempty"`
	State        *schema.ControllerSnapshot `json:"state,omitempty"`
	Message      *schema.Envelope           `json:"message,omitempty"`
	Snapshot     *SnapshotPayload           `json:"snapshot,omitempty"`
	Timestamp    time.Time                  `json:"timestamp"`
}

// SnapshotPayload seeds client state on connect.
type SnapshotPayload struct {
	Sessions []schema.SessionSnapshot   `json:"sessions"`
	State    *schema.ControllerSnapshot `json:"state,omitempty"`
}

// Hub keeps a bounded, sequence-numbered event log per file and broadcasts
// new events to stream subscribers. It is both the event sink and the
// outbound message channel of the registry.
type Hub struct {
	mu          sync.Mutex
	files       map[schema.FileID]*fileHub
	historySize int
	logger      pslog.Logger
}

// NewHub constructs a hub with the given history size.
func NewHub(historySize int, logger pslog.Logger) *Hub {
	if historySize <= 0 {
		historySize = 512
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Hub{
		files:       make(map[schema.FileID]*fileHub),
		historySize: historySize,
		logger:      logger,
	}
}

// OnState implements core.EventSink.
func (h *Hub) OnState(event schema.StateEvent) {
	state := event.State
	h.publish(event.File, StreamEvent{
		Type:      StreamState,
		File:      event.File,
		State:     &state,
		Timestamp: time.Now(),
	})
}

// OnSessionEvent implements core.EventSink. Lifecycle events go to the
// file's stream and to the stream without a file.
func (h *Hub) OnSessionEvent(event schema.SessionEvent) {
	h.fileLogger(event.Session.File).Trace("hub session event", "type", event.Type)
	for _, key := range []schema.FileID{event.Session.File, sessionsKey} {
		session := event.Session
		h.publish(key, StreamEvent{
			Type:         StreamSession,
			File:         event.Session.File,
			SessionEvent: event.Type,
			Session:      &session,
			Timestamp:    time.Now(),
		})
	}
}

// Post implements core.MessageChannel.
func (h *Hub) Post(ctx context.Context, file schema.FileID, msg schema.Message) error {
	env, err := schema.EncodeMessage(msg)
	if err != nil {
		logx.WithFile(ctx, file).Warn("hub message encode failed", "err", err)
		return err
	}
	h.publish(file, StreamEvent{
		Type:      StreamMessage,
		File:      file,
		Message:   &env,
		Timestamp: time.Now(),
	})
	return nil
}

// Subscribe registers a subscriber for a file and returns the sequence
// number of the last event published before the subscription.
func (h *Hub) Subscribe(file schema.FileID) (<-chan StreamEvent, func(), uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fh := h.getOrCreateLocked(file)
	ch := make(chan StreamEvent, 256)
	fh.subs[ch] = struct{}{}
	seq := fh.seq
	log := h.fileLogger(file)
	log.Info("hub subscribe", "subs", len(fh.subs), "seq", seq)
	var once sync.Once
	unsub := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(fh.subs, ch)
			close(ch)
			remaining := len(fh.subs)
			h.mu.Unlock()
			log.Info("hub unsubscribe", "subs", remaining)
		})
	}
	return ch, unsub, seq
}

// Replay returns retained events with after < seq <= until.
func (h *Hub) Replay(file schema.FileID, after, until uint64) []StreamEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	fh := h.files[file]
	if fh == nil {
		return nil
	}
	events := make([]StreamEvent, 0, len(fh.history))
	for _, event := range fh.history {
		if event.Seq > after && event.Seq <= until {
			events = append(events, event)
		}
	}
	h.fileLogger(file).Debug("hub replay", "after", after, "until", until, "count", len(events))
	return events
}

func (h *Hub) publish(file schema.FileID, event StreamEvent) {
	h.mu.Lock()
	fh := h.getOrCreateLocked(file)
	fh.seq++
	event.Seq = fh.seq
	fh.history = append(fh.history, event)
	if len(fh.history) > h.historySize {
		fh.history = fh.history[len(fh.history)-h.historySize:]
	}
	// Unsubscribe closes channels under the same lock.
	dropped := 0
	for sub := range fh.subs {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	h.mu.Unlock()
	if dropped > 0 {
		h.fileLogger(file).Warn("hub event dropped", "type", event.Type, "dropped", dropped)
	}
}

func (h *Hub) getOrCreateLocked(file schema.FileID) *fileHub {
	fh := h.files[file]
	if fh == nil {
		fh = &fileHub{subs: make(map[chan StreamEvent]struct{})}
		h.files[file] = fh
	}
	return fh
}

func (h *Hub) fileLogger(file schema.FileID) pslog.Logger {
	if file == sessionsKey {
		return h.logger.With("stream", "sessions")
	}
	return h.logger.With("file", file)
}

type fileHub struct {
	seq     uint64
	history []StreamEvent
	subs    map[chan StreamEvent]struct{}
}
