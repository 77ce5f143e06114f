package kernelgrpc

import "time"

// Config controls the kernel gRPC server/client setup.
type Config struct {
	SocketPath        string
	KeepaliveInterval time.Duration
	KeepaliveMisses   int
}
