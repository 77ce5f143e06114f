// Package kernel runs a language kernel as a long-lived bridge process.
//
// The bridge reads one JSON request per line on stdin:
//
//	{"op":"execute","id":"<cell>","code":"...","file":"...","line":0}
//
// and writes message envelopes, one per line, on stdout:
//
//	{"kind":"execution_started","payload":{"id":"<cell>","execution_count":1}}
//	{"kind":"output_appended","payload":{"id":"<cell>","output":{...}}}
//	{"kind":"execution_finished","payload":{"id":"<cell>"}}
//	{"kind":"execution_errored","payload":{"id":"<cell>","error":{...}}}
//
// Stderr lines are attributed to the oldest in-flight cell as stderr stream
// output. Interrupt sends SIGINT to the bridge's process group and restart
// replaces the process.
package kernel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"pkt.systems/cellstate/core"
	"pkt.systems/cellstate/schema"
	"pkt.systems/pslog"
)

// DefaultBinary is the bridge started when no binary is configured.
const DefaultBinary = "cellstate-bridge"

// Config controls how the bridge process is invoked.
type Config struct {
	BinaryPath string
	Args       []string
	Env        []string
	Dir        string
	// KillTimeout bounds how long restart and close wait for the old
	// process to exit.
	KillTimeout time.Duration
}

// Process implements core.Kernel on top of a bridge process.
type Process struct {
	cfg Config
	log pslog.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	proc     *bridge
	inflight []schema.CellID
	closed   bool

	events chan schema.Message
	done   chan struct{}
	once   sync.Once
}

// bridge is one generation of the bridge process.
type bridge struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	exited chan struct{}
}

// New constructs a process kernel. The bridge is started lazily on first
// execution unless Start is called.
func New(cfg Config, logger pslog.Logger) *Process {
	if cfg.BinaryPath == "" {
		cfg.BinaryPath = DefaultBinary
	}
	if cfg.KillTimeout <= 0 {
		cfg.KillTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Process{
		cfg:    cfg,
		log:    logger.With("kernel", cfg.BinaryPath),
		events: make(chan schema.Message, 256),
		done:   make(chan struct{}),
	}
}

var _ core.Kernel = (*Process)(nil)

// Start launches the bridge if it is not running.
func (p *Process) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.ensureLocked(ctx)
	return err
}

// Execute writes the request to the bridge, starting it when needed.
func (p *Process) Execute(ctx context.Context, req core.ExecuteRequest) error {
	line, err := encodeRequest(bridgeRequest{Op: opExecute, ExecuteRequest: req})
	if err != nil {
		return fmt.Errorf("encode execute request: %w", err)
	}
	p.mu.Lock()
	proc, err := p.ensureLocked(ctx)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	p.inflight = append(p.inflight, req.CellID)
	inflight := len(p.inflight)
	p.mu.Unlock()

	p.writeMu.Lock()
	_, err = proc.stdin.Write(line)
	p.writeMu.Unlock()
	if err != nil {
		p.mu.Lock()
		p.inflight = removeID(p.inflight, req.CellID)
		p.mu.Unlock()
		p.log.Warn("kernel write failed", "cell", req.CellID, "err", err)
		return fmt.Errorf("%w: %v", schema.ErrKernelUnavailable, err)
	}
	p.log.Debug("kernel execute", "cell", req.CellID, "code_len", len(req.Code), "inflight", inflight)
	return nil
}

// Interrupt sends SIGINT to the bridge's process group.
func (p *Process) Interrupt(_ context.Context) error {
	p.mu.Lock()
	proc := p.proc
	p.mu.Unlock()
	if proc == nil || proc.cmd.Process == nil {
		return schema.ErrKernelUnavailable
	}
	p.log.Info("kernel interrupt", "pid", proc.cmd.Process.Pid)
	return signalGroup(proc.cmd.Process.Pid, unix.SIGINT)
}

// Restart replaces the bridge process. Every in-flight cell is reported as
// errored so sessions sharing the kernel do not wait on it.
func (p *Process) Restart(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return schema.ErrKernelUnavailable
	}
	old := p.proc
	p.proc = nil
	lost := p.inflight
	p.inflight = nil
	p.mu.Unlock()
	if old != nil {
		p.stop(ctx, old)
	}
	for _, id := range lost {
		p.emit(schema.ExecutionErrored{ID: id, Error: schema.ErrorInfo{Name: "KernelRestarted", Value: "kernel restarted"}})
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.ensureLocked(ctx)
	if err == nil {
		p.log.Info("kernel restarted")
	}
	return err
}

// Events returns the message stream shared by all callers.
func (p *Process) Events() core.KernelEventStream {
	return eventStream{p: p}
}

// Close stops the bridge. Later calls are no-ops.
func (p *Process) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	old := p.proc
	p.proc = nil
	p.inflight = nil
	p.mu.Unlock()
	if old != nil {
		p.stop(context.Background(), old)
	}
	p.once.Do(func() { close(p.done) })
	p.log.Info("kernel closed")
	return nil
}

func (p *Process) ensureLocked(ctx context.Context) (*bridge, error) {
	if p.closed {
		return nil, schema.ErrKernelUnavailable
	}
	if p.proc != nil {
		return p.proc, nil
	}
	// The bridge outlives the request that started it.
	cmd := exec.Command(p.cfg.BinaryPath, p.cfg.Args...)
	cmd.Dir = p.cfg.Dir
	cmd.Env = append(os.Environ(), p.cfg.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		pslog.Ctx(ctx).Error("kernel start failed", "binary", p.cfg.BinaryPath, "err", err)
		return nil, fmt.Errorf("%w: %v", schema.ErrKernelUnavailable, err)
	}
	proc := &bridge{cmd: cmd, stdin: stdin, exited: make(chan struct{})}
	p.proc = proc
	p.log.Info("kernel started", "pid", cmd.Process.Pid, "args", p.cfg.Args)

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		p.readStdout(proc, stdout)
	}()
	go func() {
		defer readers.Done()
		p.readStderr(proc, stderr)
	}()
	go func() {
		readers.Wait()
		err := cmd.Wait()
		close(proc.exited)
		p.handleExit(proc, err)
	}()
	return proc, nil
}

func (p *Process) readStdout(proc *bridge, r io.Reader) {
	stream := newJSONLStream(r)
	ctx := context.Background()
	for {
		msg, err := stream.Next(ctx)
		if err != nil {
			var decodeErr *jsonlDecodeError
			if errors.As(err, &decodeErr) {
				line := string(decodeErr.Line())
				preview := previewText(line, 200)
				p.log.Warn("kernel jsonl decode failed", "preview", preview, "truncated", len(preview) < len(line), "err", err)
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				p.log.Warn("kernel stdout read failed", "err", err)
			}
			return
		}
		if !p.track(proc, msg) {
			continue
		}
		p.emit(msg)
	}
}

func (p *Process) readStderr(proc *bridge, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		text := scanner.Text()
		if text == "" {
			continue
		}
		p.mu.Lock()
		var target schema.CellID
		if p.proc == proc && len(p.inflight) > 0 {
			target = p.inflight[0]
		}
		p.mu.Unlock()
		if target == "" {
			preview := previewText(text, 200)
			p.log.Trace("kernel stderr", "preview", preview, "truncated", len(preview) < len(text))
			continue
		}
		p.emit(schema.OutputAppended{ID: target, Output: schema.Output{
			OutputType: schema.OutputStream,
			Name:       "stderr",
			Text:       text + "\n",
		}})
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		p.log.Warn("kernel stderr read failed", "err", err)
	}
}

// track updates the in-flight list and reports whether msg belongs to the
// current generation.
func (p *Process) track(proc *bridge, msg schema.Message) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.proc != proc {
		return false
	}
	switch m := msg.(type) {
	case schema.ExecutionFinished:
		p.inflight = removeID(p.inflight, m.ID)
	case schema.ExecutionErrored:
		p.inflight = removeID(p.inflight, m.ID)
	}
	return true
}

// handleExit fails every in-flight cell when the bridge dies on its own.
func (p *Process) handleExit(proc *bridge, waitErr error) {
	p.mu.Lock()
	if p.proc != proc {
		p.mu.Unlock()
		return
	}
	p.proc = nil
	lost := p.inflight
	p.inflight = nil
	p.mu.Unlock()

	reason := "kernel process exited"
	if waitErr != nil {
		reason = fmt.Sprintf("kernel process exited: %v", waitErr)
	}
	p.log.Warn("kernel exited", "inflight", len(lost), "err", waitErr)
	for _, id := range lost {
		p.emit(schema.ExecutionErrored{ID: id, Error: schema.ErrorInfo{Name: "KernelDied", Value: reason}})
	}
}

func (p *Process) stop(ctx context.Context, proc *bridge) {
	_ = proc.stdin.Close()
	if proc.cmd.Process != nil {
		_ = signalGroup(proc.cmd.Process.Pid, unix.SIGKILL)
	}
	timer := time.NewTimer(p.cfg.KillTimeout)
	defer timer.Stop()
	select {
	case <-proc.exited:
	case <-timer.C:
		p.log.Warn("kernel stop timed out")
	case <-ctx.Done():
	}
}

func (p *Process) emit(msg schema.Message) {
	select {
	case p.events <- msg:
	case <-p.done:
	}
}

type eventStream struct {
	p *Process
}

func (s eventStream) Next(ctx context.Context) (schema.Message, error) {
	select {
	case msg := <-s.p.events:
		return msg, nil
	default:
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-s.p.events:
		return msg, nil
	case <-s.p.done:
		return nil, io.EOF
	}
}

func signalGroup(pid int, sig unix.Signal) error {
	if pid <= 0 {
		return schema.ErrKernelUnavailable
	}
	if err := unix.Kill(-pid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return err
	}
	return nil
}

func removeID(ids []schema.CellID, id schema.CellID) []schema.CellID {
	for i, existing := range ids {
		if existing == id {
			return append(ids[:i:i], ids[i+1:]...)
		}
	}
	return ids
}

func previewText(value string, max int) string {
	value = strings.TrimSpace(value)
	if max <= 0 || len(value) <= max {
		return value
	}
	return value[:max]
}
