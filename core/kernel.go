package core

import (
	"context"
	"errors"
	"io"
	"sync"

	"pkt.systems/cellstate/schema"
	"pkt.systems/pslog"
)

// Kernel executes code and reports execution progress as messages.
type Kernel interface {
	Execute(ctx context.Context, req ExecuteRequest) error
	Interrupt(ctx context.Context) error
	Restart(ctx context.Context) error
	Events() KernelEventStream
	Close() error
}

// ExecuteRequest describes one cell execution.
type ExecuteRequest struct {
	CellID schema.CellID `json:"id"`
	Code   string        `json:"code"`
	File   string        `json:"file"`
	Line   int           `json:"line"`
	Debug  bool          `json:"debug,omitempty"`
}

// KernelEventStream yields ExecutionStarted, OutputAppended,
// ExecutionFinished and ExecutionErrored messages.
type KernelEventStream interface {
	Next(ctx context.Context) (schema.Message, error)
}

// KernelProvider returns the kernel backing a session.
type KernelProvider interface {
	KernelFor(ctx context.Context, file schema.FileID) (Kernel, error)
	Release(ctx context.Context, file schema.FileID) error
}

// StaticKernelProvider hands the same kernel to every session.
type StaticKernelProvider struct {
	Kernel Kernel
}

// KernelFor returns the configured kernel.
func (p StaticKernelProvider) KernelFor(_ context.Context, _ schema.FileID) (Kernel, error) {
	if p.Kernel == nil {
		return nil, schema.ErrKernelUnavailable
	}
	return p.Kernel, nil
}

// Release is a no-op; the shared kernel outlives sessions.
func (p StaticKernelProvider) Release(_ context.Context, _ schema.FileID) error {
	return nil
}

// KernelFactory builds one kernel per session.
type KernelFactory func(ctx context.Context, file schema.FileID) (Kernel, error)

// PerSessionKernelProvider starts a dedicated kernel for each session and
// closes it on release.
type PerSessionKernelProvider struct {
	Factory KernelFactory

	mu      sync.Mutex
	kernels map[schema.FileID]Kernel
}

// NewPerSessionKernelProvider constructs a provider around factory.
func NewPerSessionKernelProvider(factory KernelFactory) *PerSessionKernelProvider {
	return &PerSessionKernelProvider{
		Factory: factory,
		kernels: make(map[schema.FileID]Kernel),
	}
}

// KernelFor returns the session kernel, starting it on first use.
func (p *PerSessionKernelProvider) KernelFor(ctx context.Context, file schema.FileID) (Kernel, error) {
	if p == nil || p.Factory == nil {
		return nil, schema.ErrKernelUnavailable
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if kernel, ok := p.kernels[file]; ok {
		return kernel, nil
	}
	kernel, err := p.Factory(ctx, file)
	if err != nil {
		return nil, err
	}
	p.kernels[file] = kernel
	return kernel, nil
}

// Release closes and forgets the session kernel.
func (p *PerSessionKernelProvider) Release(_ context.Context, file schema.FileID) error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	kernel, ok := p.kernels[file]
	delete(p.kernels, file)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return kernel.Close()
}

// MessageHandler consumes one message.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg schema.Message) bool
}

// PumpKernelEvents feeds kernel messages into handler until the stream ends
// or ctx is cancelled.
func PumpKernelEvents(ctx context.Context, stream KernelEventStream, handler MessageHandler) error {
	if stream == nil || handler == nil {
		return nil
	}
	log := pslog.Ctx(ctx)
	for {
		msg, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				log.Debug("kernel event stream ended", "err", err)
				return nil
			}
			log.Warn("kernel event stream failed", "err", err)
			return err
		}
		if msg == nil {
			continue
		}
		handler.HandleMessage(ctx, msg)
	}
}
