package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"pkt.systems/cellstate/schema"
)

func seqIDs(prefix string) func() schema.CellID {
	var mu sync.Mutex
	n := 0
	return func() schema.CellID {
		mu.Lock()
		defer mu.Unlock()
		n++
		return schema.CellID(fmt.Sprintf("%s-%d", prefix, n))
	}
}

type fakeKernel struct {
	mu          sync.Mutex
	executed    []ExecuteRequest
	executeErr  error
	interrupts  int
	restarts    int
	closed      bool
	events      chan schema.Message
	onExecute   func(req ExecuteRequest)
	interruptFn func() error
}

func newFakeKernel() *fakeKernel {
	return &fakeKernel{events: make(chan schema.Message, 64)}
}

func (k *fakeKernel) Execute(_ context.Context, req ExecuteRequest) error {
	k.mu.Lock()
	k.executed = append(k.executed, req)
	err := k.executeErr
	hook := k.onExecute
	k.mu.Unlock()
	if err != nil {
		return err
	}
	if hook != nil {
		hook(req)
	}
	return nil
}

func (k *fakeKernel) Interrupt(_ context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.interrupts++
	if k.interruptFn != nil {
		return k.interruptFn()
	}
	return nil
}

func (k *fakeKernel) Restart(_ context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.restarts++
	return nil
}

func (k *fakeKernel) Events() KernelEventStream {
	return fakeStream{events: k.events}
}

func (k *fakeKernel) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.closed = true
	return nil
}

func (k *fakeKernel) Executed() []ExecuteRequest {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]ExecuteRequest(nil), k.executed...)
}

type fakeStream struct {
	events chan schema.Message
}

func (s fakeStream) Next(ctx context.Context) (schema.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-s.events:
		if !ok {
			return nil, io.EOF
		}
		return msg, nil
	}
}

type fakeChannel struct {
	mu    sync.Mutex
	posts []schema.Message
}

func (c *fakeChannel) Post(_ context.Context, _ schema.FileID, msg schema.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.posts = append(c.posts, msg)
	return nil
}

func (c *fakeChannel) Kinds() []schema.MessageKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]schema.MessageKind, 0, len(c.posts))
	for _, msg := range c.posts {
		out = append(out, msg.Kind())
	}
	return out
}

type fakeSink struct {
	mu       sync.Mutex
	states   []schema.StateEvent
	sessions []schema.SessionEvent
}

func (s *fakeSink) OnState(event schema.StateEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, event)
}

func (s *fakeSink) OnSessionEvent(event schema.SessionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = append(s.sessions, event)
}

func (s *fakeSink) SessionTypes() []schema.SessionEventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schema.SessionEventType, 0, len(s.sessions))
	for _, event := range s.sessions {
		out = append(out, event.Type)
	}
	return out
}

type fakeHost struct {
	mu         sync.Mutex
	files      map[string][]byte
	saveAsPath string
	confirm    bool
	confirmed  int
	dialogs    int
}

func newFakeHost() *fakeHost {
	return &fakeHost{files: make(map[string][]byte)}
}

func (h *fakeHost) ReadFile(_ context.Context, path string) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	data, ok := h.files[path]
	if !ok {
		return nil, fmt.Errorf("read %s: %w", path, os.ErrNotExist)
	}
	return append([]byte(nil), data...), nil
}

func (h *fakeHost) WriteFile(_ context.Context, path string, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.files[path] = append([]byte(nil), data...)
	return nil
}

func (h *fakeHost) ShowSaveDialog(_ context.Context, _ string) (string, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dialogs++
	if h.saveAsPath == "" {
		return "", false, nil
	}
	return h.saveAsPath, true, nil
}

func (h *fakeHost) ConfirmSave(_ context.Context, _ schema.FileID) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.confirmed++
	return h.confirm, nil
}

func (h *fakeHost) File(path string) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	data, ok := h.files[path]
	return data, ok
}

// jsonSerializer stores cell data as a JSON array.
type jsonSerializer struct{}

func (jsonSerializer) Parse(data []byte) ([]schema.CellData, error) {
	var cells []schema.CellData
	if err := json.Unmarshal(data, &cells); err != nil {
		return nil, err
	}
	return cells, nil
}

func (jsonSerializer) Serialize(cells []schema.Cell) ([]byte, error) {
	data := make([]schema.CellData, 0, len(cells))
	for _, cell := range cells {
		data = append(data, cell.Data)
	}
	return json.Marshal(data)
}

func encodeCells(sources ...string) []byte {
	cells := make([]schema.CellData, 0, len(sources))
	for _, source := range sources {
		cells = append(cells, schema.CellData{CellType: schema.CellTypeCode, Source: source})
	}
	data, _ := json.Marshal(cells)
	return data
}

type fakeBackups struct {
	mu      sync.Mutex
	backups map[schema.FileID]schema.SessionBackup
	saveErr error
}

func newFakeBackups() *fakeBackups {
	return &fakeBackups{backups: make(map[schema.FileID]schema.SessionBackup)}
}

func (b *fakeBackups) LoadBackup(file schema.FileID) (schema.SessionBackup, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	backup, ok := b.backups[file]
	return backup, ok, nil
}

func (b *fakeBackups) SaveBackup(backup schema.SessionBackup) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.saveErr != nil {
		return b.saveErr
	}
	b.backups[backup.File] = backup
	return nil
}

func (b *fakeBackups) DeleteBackup(file schema.FileID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.backups, file)
	return nil
}

type fakeRecorder struct {
	mu          sync.Mutex
	submissions []SubmissionRecord
	completions []CompletionRecord
	recent      []schema.HistoryEntry
}

func (r *fakeRecorder) RecordSubmission(_ context.Context, rec SubmissionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submissions = append(r.submissions, rec)
	return nil
}

func (r *fakeRecorder) RecordCompletion(_ context.Context, rec CompletionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completions = append(r.completions, rec)
	return nil
}

func (r *fakeRecorder) RecentInputs(_ context.Context, _ schema.FileID, _ int) ([]schema.HistoryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]schema.HistoryEntry(nil), r.recent...), nil
}

var errFakeKernel = errors.New("kernel exploded")
