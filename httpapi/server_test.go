package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/cellstate/core"
	"pkt.systems/cellstate/internal/filehost"
	"pkt.systems/cellstate/internal/nbformat"
	"pkt.systems/cellstate/schema"
)

const testNotebook = `{"cells":[{"cell_type":"code","metadata":{},"source":["a = 1"],"outputs":[],"execution_count":null}],"metadata":{},"nbformat":4,"nbformat_minor":5}`

type fakeKernel struct {
	mu       sync.Mutex
	requests []core.ExecuteRequest
	events   chan schema.Message
}

func newFakeKernel() *fakeKernel {
	return &fakeKernel{events: make(chan schema.Message, 16)}
}

func (k *fakeKernel) Execute(_ context.Context, req core.ExecuteRequest) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.requests = append(k.requests, req)
	return nil
}

func (k *fakeKernel) Interrupt(context.Context) error { return nil }
func (k *fakeKernel) Restart(context.Context) error   { return nil }
func (k *fakeKernel) Close() error                    { return nil }

func (k *fakeKernel) Events() core.KernelEventStream { return k }

func (k *fakeKernel) Next(ctx context.Context) (schema.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-k.events:
		return msg, nil
	}
}

func (k *fakeKernel) Requests() []core.ExecuteRequest {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]core.ExecuteRequest(nil), k.requests...)
}

type apiFixture struct {
	server   *Server
	registry *core.Registry
	kernel   *fakeKernel
	hub      *Hub
	handler  http.Handler
}

func newAPIFixture(t *testing.T, cfg Config) apiFixture {
	t.Helper()
	hub := NewHub(cfg.ReplayEvents, nil)
	kernel := newFakeKernel()
	registry, err := core.NewRegistry(schema.RegistryConfig{}, core.RegistryDeps{
		Kernels:    core.StaticKernelProvider{Kernel: kernel},
		Channel:    hub,
		Sink:       hub,
		Host:       filehost.New(filehost.Config{}, nil),
		Serializer: nbformat.New(),
	})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(func() {
		_ = registry.CloseAll(context.Background())
	})
	server := NewServer(cfg, registry, hub)
	return apiFixture{
		server:   server,
		registry: registry,
		kernel:   kernel,
		hub:      hub,
		handler:  server.Handler(),
	}
}

func (f apiFixture) do(t *testing.T, method, target string, body any) (int, map[string]json.RawMessage) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(method, target, reader))
	var out map[string]json.RawMessage
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec.Code, out
}

func decodeField[T any](t *testing.T, fields map[string]json.RawMessage, key string) T {
	t.Helper()
	var value T
	raw, ok := fields[key]
	if !ok {
		t.Fatalf("missing field %q in %v", key, fields)
	}
	if err := json.Unmarshal(raw, &value); err != nil {
		t.Fatalf("decode %q: %v", key, err)
	}
	return value
}

func TestServerSessionLifecycle(t *testing.T) {
	f := newAPIFixture(t, Config{})
	path := filepath.Join(t.TempDir(), "demo.ipynb")

	status, body := f.do(t, http.MethodPost, "/api/sessions/open", map[string]any{"path": path, "contents": testNotebook})
	if status != http.StatusOK {
		t.Fatalf("open status %d: %v", status, body)
	}
	state := decodeField[schema.ControllerSnapshot](t, body, "state")
	if state.CellCount != 1 || state.Cells[0].Cell.Data.Source != "a = 1" {
		t.Fatalf("unexpected opened state %+v", state)
	}

	status, body = f.do(t, http.MethodGet, "/api/sessions", nil)
	if status != http.StatusOK {
		t.Fatalf("list status %d", status)
	}
	sessions := decodeField[[]schema.SessionSnapshot](t, body, "sessions")
	if len(sessions) != 1 || sessions[0].File != schema.FileID(path) {
		t.Fatalf("unexpected sessions %+v", sessions)
	}

	status, body = f.do(t, http.MethodPost, "/api/messages", map[string]any{
		"file":    path,
		"kind":    schema.KindSubmitNewCell,
		"payload": map[string]any{"id": "c1", "code": "print(a)"},
	})
	if status != http.StatusOK {
		t.Fatalf("message status %d: %v", status, body)
	}
	if !decodeField[bool](t, body, "handled") {
		t.Fatalf("expected submit handled")
	}
	requests := f.kernel.Requests()
	if len(requests) != 1 || requests[0].CellID != "c1" || requests[0].Code != "print(a)" {
		t.Fatalf("unexpected kernel requests %+v", requests)
	}

	f.kernel.events <- schema.ExecutionStarted{ID: "c1", ExecutionCount: 1}
	f.kernel.events <- schema.OutputAppended{ID: "c1", Output: schema.Output{OutputType: schema.OutputStream, Name: "stdout", Text: "1\n"}}
	f.kernel.events <- schema.ExecutionFinished{ID: "c1"}
	waitForCellState(t, f, path, "c1", schema.CellStateFinished)

	query := "?file=" + url.QueryEscape(path) + "&text="
	status, body = f.do(t, http.MethodGet, "/api/history/up"+query, nil)
	if status != http.StatusOK || decodeField[string](t, body, "text") != "print(a)" {
		t.Fatalf("unexpected history up %d %v", status, body)
	}
	status, body = f.do(t, http.MethodGet, "/api/history/down"+query+url.QueryEscape("print(a)"), nil)
	if status != http.StatusOK || decodeField[string](t, body, "text") != "" {
		t.Fatalf("unexpected history down %d %v", status, body)
	}

	status, body = f.do(t, http.MethodPost, "/api/sessions/save", map[string]any{"file": path})
	if status != http.StatusOK {
		t.Fatalf("save status %d: %v", status, body)
	}
	if decodeField[schema.SessionSnapshot](t, body, "session").Dirty {
		t.Fatalf("expected clean session after save")
	}

	status, body = f.do(t, http.MethodPost, "/api/sessions/close", map[string]any{"file": path})
	if status != http.StatusOK {
		t.Fatalf("close status %d: %v", status, body)
	}
	if _, ok := f.registry.Show(path); ok {
		t.Fatalf("expected session closed")
	}
	status, _ = f.do(t, http.MethodPost, "/api/sessions/close", map[string]any{"file": path})
	if status != http.StatusNotFound {
		t.Fatalf("expected 404 closing twice, got %d", status)
	}
}

func waitForCellState(t *testing.T, f apiFixture, path string, id schema.CellID, want schema.CellState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		status, body := f.do(t, http.MethodGet, "/api/state?file="+url.QueryEscape(path), nil)
		if status != http.StatusOK {
			t.Fatalf("state status %d", status)
		}
		state := decodeField[schema.ControllerSnapshot](t, body, "state")
		for _, view := range state.Cells {
			if view.Cell.ID == id && view.Cell.State == want {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s to reach %s", id, want)
}

func TestServerRequestErrors(t *testing.T) {
	f := newAPIFixture(t, Config{})
	missing := filepath.Join(t.TempDir(), "missing.ipynb")

	if status, _ := f.do(t, http.MethodPost, "/api/sessions/open", map[string]any{"path": missing}); status != http.StatusNotFound {
		t.Fatalf("expected 404 for notebook without contents, got %d", status)
	}
	if status, _ := f.do(t, http.MethodPost, "/api/sessions/open", map[string]any{"path": missing, "bogus": 1}); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", status)
	}
	if status, _ := f.do(t, http.MethodGet, "/api/sessions/open", nil); status != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", status)
	}
	if status, _ := f.do(t, http.MethodGet, "/api/state", nil); status != http.StatusBadRequest {
		t.Fatalf("expected 400 without file, got %d", status)
	}
	if status, _ := f.do(t, http.MethodGet, "/api/state?file="+url.QueryEscape(missing), nil); status != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown session, got %d", status)
	}
	if status, _ := f.do(t, http.MethodPost, "/api/messages", map[string]any{"file": missing, "kind": ""}); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty kind, got %d", status)
	}
	if status, _ := f.do(t, http.MethodPost, "/api/messages", map[string]any{"file": missing, "kind": schema.KindUndo}); status != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown session, got %d", status)
	}
}

func TestServerUnknownMessageIsNotHandled(t *testing.T) {
	f := newAPIFixture(t, Config{})
	path := filepath.Join(t.TempDir(), "demo.ipynb")
	if status, body := f.do(t, http.MethodPost, "/api/sessions/open", map[string]any{"path": path, "contents": testNotebook}); status != http.StatusOK {
		t.Fatalf("open status %d: %v", status, body)
	}
	status, body := f.do(t, http.MethodPost, "/api/messages", map[string]any{
		"file":    path,
		"kind":    "vendor.custom",
		"payload": map[string]any{"x": 1},
	})
	if status != http.StatusOK {
		t.Fatalf("message status %d: %v", status, body)
	}
	if decodeField[bool](t, body, "handled") {
		t.Fatalf("expected unknown kind to be ignored")
	}
}

func TestServerSaveUntitledWithoutPathConflicts(t *testing.T) {
	f := newAPIFixture(t, Config{})
	path := filepath.Join(t.TempDir(), "Untitled-1.ipynb")
	if status, body := f.do(t, http.MethodPost, "/api/sessions/open", map[string]any{"path": path, "contents": testNotebook}); status != http.StatusOK {
		t.Fatalf("open status %d: %v", status, body)
	}
	if status, _ := f.do(t, http.MethodPost, "/api/sessions/save", map[string]any{"file": path}); status != http.StatusConflict {
		t.Fatalf("expected 409 for cancelled save, got %d", status)
	}
	target := filepath.Join(filepath.Dir(path), "named.ipynb")
	status, body := f.do(t, http.MethodPost, "/api/sessions/save", map[string]any{"file": path, "path": target})
	if status != http.StatusOK {
		t.Fatalf("save as status %d: %v", status, body)
	}
	if got := decodeField[schema.SessionSnapshot](t, body, "session").File; got != schema.FileID(target) {
		t.Fatalf("expected session re-keyed to %s, got %s", target, got)
	}
}

func TestServerStreamSnapshotReplayAndLive(t *testing.T) {
	f := newAPIFixture(t, Config{ReplayEvents: 10})
	for i := 0; i < 3; i++ {
		f.hub.OnSessionEvent(schema.SessionEvent{
			Type:    schema.SessionEventOpened,
			Session: schema.SessionSnapshot{File: schema.FileID(fmt.Sprintf("/n/%d.ipynb", i))},
		})
	}
	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/stream", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Last-Event-ID", "1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	reader := bufio.NewReader(resp.Body)

	first := readStreamEvent(t, reader)
	if first.Type != StreamSnapshot || first.Snapshot == nil {
		t.Fatalf("expected snapshot first, got %+v", first)
	}
	for _, want := range []uint64{2, 3} {
		event := readStreamEvent(t, reader)
		if event.Seq != want || event.Type != StreamSession {
			t.Fatalf("expected replayed seq %d, got %+v", want, event)
		}
	}

	f.hub.OnSessionEvent(schema.SessionEvent{
		Type:    schema.SessionEventClosed,
		Session: schema.SessionSnapshot{File: "/n/0.ipynb"},
	})
	live := readStreamEvent(t, reader)
	if live.Seq != 4 || live.SessionEvent != schema.SessionEventClosed {
		t.Fatalf("unexpected live event %+v", live)
	}
	cancel()
}

func readStreamEvent(t *testing.T, reader *bufio.Reader) StreamEvent {
	t.Helper()
	type result struct {
		event StreamEvent
		err   error
	}
	done := make(chan result, 1)
	go func() {
		var id string
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				done <- result{err: err}
				return
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "id: "):
				id = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "data: "):
				var event StreamEvent
				if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
					done <- result{err: err}
					return
				}
				if id != "" && id != fmt.Sprint(event.Seq) {
					done <- result{err: fmt.Errorf("id %s does not match seq %d", id, event.Seq)}
					return
				}
				done <- result{event: event}
				return
			}
		}
	}()
	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("read stream: %v", res.err)
		}
		return res.event
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out reading stream")
	}
	return StreamEvent{}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{schema.ErrSessionNotFound, http.StatusNotFound},
		{fmt.Errorf("open: %w", schema.ErrNoContents), http.StatusNotFound},
		{schema.ErrInvalidFile, http.StatusBadRequest},
		{schema.ErrSaveCancelled, http.StatusConflict},
		{schema.ErrSessionClosed, http.StatusGone},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Fatalf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
