package ipc

import (
	"context"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/flowkernel/flowkernel/internal/kernel"
	"github.com/flowkernel/flowkernel/internal/observability"
	"github.com/flowkernel/flowkernel/internal/ratelimiter"
)

func startTestServer(t *testing.T, cfg Config) (addr string, stop func()) {
	t.Helper()
	k := kernel.New(kernel.Config{
		RateLimiter:       ratelimiter.DefaultConfig(),
		CommBusQueueDepth: 8,
	}, nil, zap.NewNop(), observability.NewMetrics())

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr = lis.Addr().String()
	lis.Close()

	cfg.BindAddr = addr
	if cfg.MaxFrameBytes == 0 {
		cfg.MaxFrameBytes = 1024 * 1024
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = time.Second
	}
	if cfg.ShutdownDrain == 0 {
		cfg.ShutdownDrain = time.Second
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 4
	}

	srv := NewServer(cfg, k, zap.NewNop(), observability.NewMetrics())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.ListenAndServe(ctx)
	}()

	// Give the listener a moment to bind.
	for i := 0; i < 50; i++ {
		if conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond); err == nil {
			conn.Close()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	return addr, func() {
		cancel()
		<-done
	}
}

func TestServer_RoundTripGetProcessCounts(t *testing.T) {
	addr, stop := startTestServer(t, Config{})
	defer stop()

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req := RequestEnvelope{Service: "KernelService", Method: "get_process_counts", ID: 1}
	body, err := EncodeRequest(req)
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	if err := WriteFrame(conn, body); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	respBody, err := ReadFrame(conn, 1024*1024)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if len(respBody) == 0 {
		t.Fatal("want non-empty response body")
	}
}

func TestServer_UnknownMethodReturnsErrorButKeepsConnectionOpen(t *testing.T) {
	addr, stop := startTestServer(t, Config{})
	defer stop()

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req := RequestEnvelope{Service: "KernelService", Method: "no_such_method", ID: 1}
	body, _ := EncodeRequest(req)
	if err := WriteFrame(conn, body); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if _, err := ReadFrame(conn, 1024*1024); err != nil {
		t.Fatalf("want error response frame, read failed: %v", err)
	}

	// Connection must still be usable for a second, valid request.
	req2 := RequestEnvelope{Service: "KernelService", Method: "get_process_counts", ID: 2}
	body2, _ := EncodeRequest(req2)
	if err := WriteFrame(conn, body2); err != nil {
		t.Fatalf("WriteFrame (2nd): %v", err)
	}
	if _, err := ReadFrame(conn, 1024*1024); err != nil {
		t.Fatalf("want second response frame, read failed: %v", err)
	}
}

func TestServer_OversizeFrameClosesConnection(t *testing.T) {
	addr, stop := startTestServer(t, Config{MaxFrameBytes: 16})
	defer stop()

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	oversized := make([]byte, 64)
	if err := WriteFrame(conn, oversized); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("want connection closed after oversize frame, got data instead")
	}
}

func TestServer_MaxConnectionsRejectsExtraDial(t *testing.T) {
	addr, stop := startTestServer(t, Config{MaxConnections: 1})
	defer stop()

	first, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial first: %v", err)
	}
	defer first.Close()

	// Give the accept loop time to claim the semaphore slot for the
	// first connection before the second dial races it.
	time.Sleep(50 * time.Millisecond)

	second, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial second: %v", err)
	}
	defer second.Close()

	second.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	if _, err := second.Read(buf); err == nil {
		t.Fatal("want second connection rejected (closed), got data instead")
	}
}
