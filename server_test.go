package cellstate

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pkt.systems/cellstate/core"
	"pkt.systems/cellstate/internal/eventbus"
	"pkt.systems/cellstate/internal/filehost"
	"pkt.systems/cellstate/internal/nbformat"
	"pkt.systems/cellstate/internal/persist"
	"pkt.systems/cellstate/schema"
)

const emptyNotebook = `{"cells":[],"metadata":{},"nbformat":4,"nbformat_minor":5}`

type recordingChannel struct {
	mu    sync.Mutex
	kinds []schema.MessageKind
	err   error
}

func (c *recordingChannel) Post(_ context.Context, _ schema.FileID, msg schema.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kinds = append(c.kinds, msg.Kind())
	return c.err
}

func (c *recordingChannel) Kinds() []schema.MessageKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]schema.MessageKind(nil), c.kinds...)
}

func newTestServer(t *testing.T, cfg ServerConfig, deps ServerDeps) Server {
	t.Helper()
	if deps.Serializer == nil {
		deps.Serializer = nbformat.New()
	}
	if deps.Host == nil {
		deps.Host = filehost.New(filehost.Config{}, nil)
	}
	srv, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv
}

func TestServerRequiresSerializer(t *testing.T) {
	if _, err := New(ServerConfig{}, ServerDeps{}); err == nil {
		t.Fatalf("expected error without serializer")
	}
}

func TestServerStopBacksUpDirtySessions(t *testing.T) {
	backups, err := persist.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	srv := newTestServer(t, ServerConfig{Registry: schema.RegistryConfig{HotExit: true}}, ServerDeps{Backups: backups})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	path := filepath.Join(t.TempDir(), "demo.ipynb")
	session, err := srv.Registry().Open(ctx, core.OpenRequest{Path: path, Contents: []byte(emptyNotebook)})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := session.Controller().InsertCell(ctx, "", schema.CellTypeMarkdown, "# notes"); err != nil {
		t.Fatalf("insert: %v", err)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	if err := srv.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !session.Closed() {
		t.Fatalf("expected session closed on stop")
	}
	backup, ok, err := backups.LoadBackup(schema.FileID(path))
	if err != nil || !ok {
		t.Fatalf("expected backup written (ok=%v err=%v)", ok, err)
	}
	if len(backup.Cells) != 1 || backup.Cells[0].Data.Source != "# notes" {
		t.Fatalf("unexpected backup cells %+v", backup.Cells)
	}
	if err := srv.Wait(); err != nil {
		t.Fatalf("wait after stop: %v", err)
	}
	if err := srv.Stop(stopCtx); err != nil {
		t.Fatalf("second stop should be a no-op: %v", err)
	}
}

func TestServerStartTwiceFails(t *testing.T) {
	srv := newTestServer(t, ServerConfig{}, ServerDeps{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := srv.Start(ctx); err == nil {
		t.Fatalf("expected second start to fail")
	}
	_ = srv.Stop(context.Background())
}

func TestServerFansOutToBusAndExtraChannel(t *testing.T) {
	extra := &recordingChannel{err: errors.New("remote down")}
	srv := newTestServer(t, ServerConfig{}, ServerDeps{Channel: extra})
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "demo.ipynb")

	events, unsubscribe := srv.Bus().Subscribe(schema.FileID(path))
	defer unsubscribe()
	sessions, unsubscribeSessions := srv.Bus().Subscribe(eventbus.AllSessions)
	defer unsubscribeSessions()

	session, err := srv.Registry().Open(ctx, core.OpenRequest{Path: path, Contents: []byte(emptyNotebook)})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = srv.Registry().CloseAll(ctx) }()
	if _, err := session.Controller().InsertCell(ctx, "", schema.CellTypeCode, "x = 1"); err != nil {
		t.Fatalf("insert: %v", err)
	}

	sawState, sawDirty := false, false
	deadline := time.After(2 * time.Second)
	for !sawState || !sawDirty {
		select {
		case event := <-events:
			switch event.Type {
			case eventbus.EventState:
				sawState = true
			case eventbus.EventMessage:
				if event.Message.Message.Kind() == schema.KindNotebookDirty {
					sawDirty = true
				}
			}
		case <-deadline:
			t.Fatalf("timed out (state=%v dirty=%v)", sawState, sawDirty)
		}
	}

	select {
	case event := <-sessions:
		if event.Type != eventbus.EventSession || event.Session.Type != schema.SessionEventOpened {
			t.Fatalf("unexpected session event %+v", event)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for session event")
	}

	found := false
	for _, kind := range extra.Kinds() {
		if kind == schema.KindNotebookDirty {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected the extra channel to receive messages despite its error, got %v", extra.Kinds())
	}
}
