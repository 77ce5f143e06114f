package kernelgrpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"pkt.systems/cellstate/core"
	"pkt.systems/cellstate/schema"
	"pkt.systems/pslog"
)

var eventsStreamDesc = grpc.StreamDesc{StreamName: "Events", ServerStreams: true}

// Client implements core.Kernel over gRPC.
type Client struct {
	conn *grpc.ClientConn
	log  pslog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	events *eventStream
}

var _ core.Kernel = (*Client)(nil)

// Dial creates a new kernel client over a Unix domain socket.
func Dial(ctx context.Context, socketPath string) (*Client, error) {
	if socketPath == "" {
		return nil, errors.New("kernel socket path is required")
	}
	dialer := func(ctx context.Context, addr string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", addr)
	}
	return DialWith(ctx, "passthrough:///"+socketPath, grpc.WithContextDialer(dialer))
}

// DialWith creates a kernel client for target with extra dial options.
func DialWith(ctx context.Context, target string, opts ...grpc.DialOption) (*Client, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	return &Client{
		conn:   conn,
		log:    pslog.Ctx(ctx).With("kernel", target),
		ctx:    runCtx,
		cancel: cancel,
	}, nil
}

// Close cancels the event stream and closes the connection.
func (c *Client) Close() error {
	c.cancel()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Ping sends a keepalive ping to the kernel server.
func (c *Client) Ping(ctx context.Context) error {
	return c.conn.Invoke(ctx, methodPing, &emptypb.Empty{}, &emptypb.Empty{})
}

// KeepAlive pings every interval until ctx or the client is done.
func (c *Client) KeepAlive(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.Ping(ctx); err != nil {
				logGRPCError(c.log, "kernel grpc ping failed", err)
			}
		}
	}
}

// Execute dispatches a cell.
func (c *Client) Execute(ctx context.Context, req core.ExecuteRequest) error {
	in, err := toPBExecute(req)
	if err != nil {
		return err
	}
	if err := c.conn.Invoke(ctx, methodExecute, in, &emptypb.Empty{}); err != nil {
		logGRPCError(c.log, "kernel grpc execute failed", err)
		return wrapKernelError("execute", err)
	}
	return nil
}

// Interrupt interrupts the remote kernel.
func (c *Client) Interrupt(ctx context.Context) error {
	if err := c.conn.Invoke(ctx, methodInterrupt, &emptypb.Empty{}, &emptypb.Empty{}); err != nil {
		return wrapKernelError("interrupt", err)
	}
	return nil
}

// Restart restarts the remote kernel.
func (c *Client) Restart(ctx context.Context) error {
	if err := c.conn.Invoke(ctx, methodRestart, &emptypb.Empty{}, &emptypb.Empty{}); err != nil {
		return wrapKernelError("restart", err)
	}
	return nil
}

// Events returns the shared message stream. The RPC is opened on first read.
func (c *Client) Events() core.KernelEventStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.events == nil {
		c.events = &eventStream{client: c}
	}
	return c.events
}

type eventStream struct {
	client *Client

	once sync.Once
	msgs chan schema.Message
	err  error
}

// open starts the single reader for the Events RPC.
func (s *eventStream) open() {
	s.once.Do(func() {
		s.msgs = make(chan schema.Message, 256)
		go s.read()
	})
}

func (s *eventStream) read() {
	defer close(s.msgs)
	stream, err := s.client.conn.NewStream(s.client.ctx, &eventsStreamDesc, methodEvents)
	if err == nil {
		err = stream.SendMsg(&emptypb.Empty{})
	}
	if err == nil {
		err = stream.CloseSend()
	}
	for err == nil {
		out := new(structpb.Struct)
		if err = stream.RecvMsg(out); err != nil {
			break
		}
		msg, decodeErr := fromPBMessage(out)
		if decodeErr != nil {
			s.client.log.Warn("kernel grpc event decode failed", "err", decodeErr)
			continue
		}
		select {
		case s.msgs <- msg:
		case <-s.client.ctx.Done():
			err = io.EOF
		}
	}
	if errors.Is(err, io.EOF) || s.client.ctx.Err() != nil {
		s.err = io.EOF
		return
	}
	logGRPCError(s.client.log, "kernel grpc events failed", err)
	s.err = wrapKernelError("events", err)
}

// Next returns the next kernel message. The stream ends with io.EOF when
// the client is closed.
func (s *eventStream) Next(ctx context.Context) (schema.Message, error) {
	s.open()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-s.msgs:
		if ok {
			return msg, nil
		}
		return nil, s.err
	}
}

func logGRPCError(log pslog.Logger, msg string, err error) {
	if log == nil || err == nil {
		return
	}
	if st, ok := status.FromError(err); ok {
		log.Warn(msg, "err", err, "code", st.Code().String(), "message", st.Message())
		return
	}
	log.Warn(msg, "err", err)
}

func wrapKernelError(op string, err error) error {
	if err == nil {
		return nil
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unavailable:
			return fmt.Errorf("%s: %w: %s", op, schema.ErrKernelUnavailable, st.Message())
		case codes.Canceled:
			return fmt.Errorf("%s: %w", op, context.Canceled)
		case codes.DeadlineExceeded:
			return fmt.Errorf("%s: %w", op, context.DeadlineExceeded)
		case codes.InvalidArgument:
			return fmt.Errorf("%s: %w: %s", op, schema.ErrInvalidRequest, st.Message())
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
