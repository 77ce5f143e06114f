package kernelgrpc

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"pkt.systems/cellstate/core"
	"pkt.systems/cellstate/schema"
	"pkt.systems/pslog"
)

// Server exposes a core.Kernel over gRPC.
type Server struct {
	cfg    Config
	kernel core.Kernel
	logger pslog.Logger

	mu   sync.Mutex
	subs map[chan schema.Message]struct{}
	pump sync.Once

	lastPingUnix int64
}

var _ kernelService = (*Server)(nil)

// NewServer constructs a kernel gRPC server.
func NewServer(cfg Config, kernel core.Kernel) *Server {
	return &Server{cfg: cfg, kernel: kernel, subs: make(map[chan schema.Message]struct{})}
}

// Register attaches the kernel service to a gRPC server.
func (s *Server) Register(ctx context.Context, grpcServer *grpc.Server) {
	if s.logger == nil {
		s.logger = pslog.Ctx(ctx)
	}
	registerKernelService(grpcServer, s)
	s.startPump(ctx)
}

// ListenAndServe starts the gRPC server over a Unix domain socket.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.cfg.SocketPath == "" {
		return errors.New("kernel socket path is required")
	}
	if s.logger == nil {
		s.logger = pslog.Ctx(ctx)
	}
	if s.cfg.KeepaliveMisses <= 0 {
		s.cfg.KeepaliveMisses = 3
	}
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return err
	}
	_ = os.Remove(s.cfg.SocketPath)

	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return err
	}
	grpcServer := grpc.NewServer()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.Register(runCtx, grpcServer)
	s.logger.Info("kernel grpc listening", "socket", s.cfg.SocketPath)

	errCh := make(chan error, 1)
	s.setLastPing(time.Now())
	if s.cfg.KeepaliveInterval > 0 {
		go s.keepaliveLoop(runCtx, cancel, grpcServer)
	}
	go func() {
		errCh <- grpcServer.Serve(listener)
	}()

	select {
	case <-runCtx.Done():
		grpcServer.Stop()
		return nil
	case err := <-errCh:
		return err
	}
}

// Execute dispatches a cell to the kernel.
func (s *Server) Execute(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	req := fromPBExecute(in)
	if req.CellID == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	s.log(ctx).Debug("kernel grpc execute", "cell", req.CellID, "code_len", len(req.Code))
	if err := s.kernel.Execute(ctx, req); err != nil {
		s.log(ctx).Warn("kernel grpc execute failed", "cell", req.CellID, "err", err)
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// Interrupt interrupts the kernel.
func (s *Server) Interrupt(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	s.log(ctx).Info("kernel grpc interrupt")
	if err := s.kernel.Interrupt(ctx); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// Restart restarts the kernel.
func (s *Server) Restart(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	s.log(ctx).Info("kernel grpc restart")
	if err := s.kernel.Restart(ctx); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// Ping updates the keepalive timer.
func (s *Server) Ping(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	s.setLastPing(time.Now())
	s.log(ctx).Trace("kernel grpc ping")
	return &emptypb.Empty{}, nil
}

// Events streams kernel messages until the client goes away.
func (s *Server) Events(_ *emptypb.Empty, stream grpc.ServerStream) error {
	ctx := stream.Context()
	ch := make(chan schema.Message, 256)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.subs, ch)
		s.mu.Unlock()
	}()
	s.log(ctx).Debug("kernel grpc events subscribed")
	count := 0
	for {
		select {
		case <-ctx.Done():
			s.log(ctx).Debug("kernel grpc events done", "events", count)
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			out, err := toPBMessage(msg)
			if err != nil {
				s.log(ctx).Warn("kernel grpc event encode failed", "kind", msg.Kind(), "err", err)
				continue
			}
			if err := stream.SendMsg(out); err != nil {
				s.log(ctx).Warn("kernel grpc event send failed", "err", err, "events", count)
				return err
			}
			count++
		}
	}
}

func (s *Server) startPump(ctx context.Context) {
	s.pump.Do(func() {
		stream := s.kernel.Events()
		go func() {
			defer s.closeSubs()
			for {
				msg, err := stream.Next(ctx)
				if err != nil {
					s.logger.Debug("kernel grpc pump stopped", "err", err)
					return
				}
				s.broadcast(msg)
			}
		}()
	})
}

func (s *Server) broadcast(msg schema.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- msg:
		default:
			s.logger.Warn("kernel grpc subscriber full; event dropped", "kind", msg.Kind())
		}
	}
}

func (s *Server) closeSubs() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		close(ch)
		delete(s.subs, ch)
	}
}

func (s *Server) log(ctx context.Context) pslog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return pslog.Ctx(ctx)
}

func (s *Server) setLastPing(ts time.Time) {
	atomic.StoreInt64(&s.lastPingUnix, ts.UnixNano())
}

func (s *Server) lastPing() time.Time {
	value := atomic.LoadInt64(&s.lastPingUnix)
	if value == 0 {
		return time.Time{}
	}
	return time.Unix(0, value)
}

func (s *Server) keepaliveLoop(ctx context.Context, cancel context.CancelFunc, grpcServer *grpc.Server) {
	ticker := time.NewTicker(s.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := s.lastPing()
			if last.IsZero() {
				continue
			}
			if time.Since(last) > time.Duration(s.cfg.KeepaliveMisses)*s.cfg.KeepaliveInterval {
				s.logger.Warn("kernel keepalive missed; shutting down", "last_ping", last.Format(time.RFC3339Nano), "interval", s.cfg.KeepaliveInterval, "misses", s.cfg.KeepaliveMisses)
				grpcServer.Stop()
				cancel()
				return
			}
		}
	}
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, schema.ErrKernelUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
