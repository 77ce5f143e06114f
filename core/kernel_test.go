package core

import (
	"context"
	"errors"
	"sync"
	"testing"

	"pkt.systems/cellstate/schema"
)

func TestStaticKernelProviderWithoutKernel(t *testing.T) {
	if _, err := (StaticKernelProvider{}).KernelFor(context.Background(), "a.ipynb"); !errors.Is(err, schema.ErrKernelUnavailable) {
		t.Fatalf("expected ErrKernelUnavailable, got %v", err)
	}
	kernel := newFakeKernel()
	provider := StaticKernelProvider{Kernel: kernel}
	got, err := provider.KernelFor(context.Background(), "a.ipynb")
	if err != nil || got != Kernel(kernel) {
		t.Fatalf("expected the shared kernel, got %v %v", got, err)
	}
	if err := provider.Release(context.Background(), "a.ipynb"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if kernel.closed {
		t.Fatalf("shared kernel must outlive sessions")
	}
}

func TestPerSessionKernelProvider(t *testing.T) {
	var mu sync.Mutex
	built := map[schema.FileID]*fakeKernel{}
	provider := NewPerSessionKernelProvider(func(_ context.Context, file schema.FileID) (Kernel, error) {
		mu.Lock()
		defer mu.Unlock()
		if file == "broken.ipynb" {
			return nil, errors.New("no interpreter")
		}
		kernel := newFakeKernel()
		built[file] = kernel
		return kernel, nil
	})
	ctx := context.Background()

	first, err := provider.KernelFor(ctx, "a.ipynb")
	if err != nil {
		t.Fatalf("kernel for a: %v", err)
	}
	again, _ := provider.KernelFor(ctx, "a.ipynb")
	other, _ := provider.KernelFor(ctx, "b.ipynb")
	if first != again || first == other {
		t.Fatalf("expected one kernel per file")
	}
	if _, err := provider.KernelFor(ctx, "broken.ipynb"); err == nil {
		t.Fatalf("expected factory error")
	}

	if err := provider.Release(ctx, "a.ipynb"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if !built["a.ipynb"].closed || built["b.ipynb"].closed {
		t.Fatalf("expected only a.ipynb closed")
	}
	if err := provider.Release(ctx, "a.ipynb"); err != nil {
		t.Fatalf("second release should be a no-op: %v", err)
	}
	fresh, _ := provider.KernelFor(ctx, "a.ipynb")
	if fresh == first {
		t.Fatalf("expected a new kernel after release")
	}

	var nilProvider *PerSessionKernelProvider
	if _, err := nilProvider.KernelFor(ctx, "a.ipynb"); !errors.Is(err, schema.ErrKernelUnavailable) {
		t.Fatalf("expected ErrKernelUnavailable from nil provider, got %v", err)
	}
}

type recordingHandler struct {
	msgs []schema.Message
}

func (h *recordingHandler) HandleMessage(_ context.Context, msg schema.Message) bool {
	h.msgs = append(h.msgs, msg)
	return true
}

func TestPumpKernelEventsStopsAtEOF(t *testing.T) {
	events := make(chan schema.Message, 3)
	events <- schema.ExecutionStarted{ID: "c1", ExecutionCount: 1}
	events <- schema.ExecutionFinished{ID: "c1"}
	close(events)
	handler := &recordingHandler{}
	if err := PumpKernelEvents(context.Background(), fakeStream{events: events}, handler); err != nil {
		t.Fatalf("pump: %v", err)
	}
	if len(handler.msgs) != 2 || handler.msgs[1].Kind() != schema.KindExecutionFinished {
		t.Fatalf("unexpected messages %+v", handler.msgs)
	}
	if err := PumpKernelEvents(context.Background(), nil, handler); err != nil {
		t.Fatalf("nil stream: %v", err)
	}
}
