package main

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"pkt.systems/cellstate/internal/appconfig"
)

func TestResolveKernelServeUsesConfig(t *testing.T) {
	cfg, err := appconfig.DefaultConfig()
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	cfg.Kernel.SocketPath = "/tmp/kernel.sock"
	cfg.Kernel.Binary = "bridge"
	cfg.Kernel.Env = []string{"A=1"}
	got, err := resolveKernelServe(cfg, kernelOverrides{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.GRPC.SocketPath != "/tmp/kernel.sock" || got.GRPC.KeepaliveInterval != 10*time.Second || got.GRPC.KeepaliveMisses != 3 {
		t.Fatalf("unexpected grpc config %+v", got.GRPC)
	}
	if got.Process.BinaryPath != "bridge" {
		t.Fatalf("unexpected binary %q", got.Process.BinaryPath)
	}
}

func TestResolveKernelServeOverrides(t *testing.T) {
	cfg, err := appconfig.DefaultConfig()
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	cfg.Kernel.Env = []string{"A=1"}
	got, err := resolveKernelServe(cfg, kernelOverrides{
		SocketPath:        "/run/k.sock",
		Binary:            "/opt/bridge",
		Args:              []string{"--trace"},
		Env:               []string{"B=2"},
		Dir:               "/work",
		KeepaliveInterval: 2 * time.Second,
		KeepaliveMisses:   5,
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if diff := cmp.Diff([]string{"A=1", "B=2"}, got.Process.Env); diff != "" {
		t.Fatalf("env mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"--trace"}, got.Process.Args); diff != "" {
		t.Fatalf("args mismatch (-want +got):\n%s", diff)
	}
	if got.Process.BinaryPath != "/opt/bridge" || got.Process.Dir != "/work" {
		t.Fatalf("unexpected process config %+v", got.Process)
	}
	if got.GRPC.SocketPath != "/run/k.sock" || got.GRPC.KeepaliveInterval != 2*time.Second || got.GRPC.KeepaliveMisses != 5 {
		t.Fatalf("unexpected grpc config %+v", got.GRPC)
	}
}

func TestResolveKernelServeValidation(t *testing.T) {
	cfg, err := appconfig.DefaultConfig()
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	cfg.Kernel.SocketPath = ""
	if _, err := resolveKernelServe(cfg, kernelOverrides{}); err == nil {
		t.Fatalf("expected missing socket error")
	}
	cfg.Kernel.SocketPath = "/tmp/k.sock"
	if _, err := resolveKernelServe(cfg, kernelOverrides{Env: []string{"broken"}}); err == nil {
		t.Fatalf("expected malformed env error")
	}
}
