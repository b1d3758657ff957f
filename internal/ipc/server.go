// Package ipc — server.go
//
// TCP server for the length-prefixed msgpack wire protocol. Connections
// are bounded by a semaphore; each accepted connection runs a
// cooperative loop (decode one frame -> dispatch -> encode response)
// with its own read/write deadlines, modeled on the teacher's
// operator.Server accept loop but adapted from one-shot Unix-socket
// requests to a persistent framed TCP connection.

package ipc

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flowkernel/flowkernel/internal/kernel"
	"github.com/flowkernel/flowkernel/internal/observability"
	"github.com/flowkernel/flowkernel/internal/types"
)

// Config bounds the server's framing and connection limits.
type Config struct {
	BindAddr       string
	MaxConnections int
	MaxFrameBytes  int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	ShutdownDrain  time.Duration
}

// Server is the flowkernel IPC listener.
type Server struct {
	cfg        Config
	dispatcher *Dispatcher
	log        *zap.Logger
	metr       *observability.Metrics

	sem      chan struct{}
	wg       sync.WaitGroup
	listener net.Listener
}

// NewServer builds an IPC Server bound to k's dispatch table.
func NewServer(cfg Config, k *kernel.Kernel, log *zap.Logger, metr *observability.Metrics) *Server {
	return &Server{
		cfg:        cfg,
		dispatcher: NewDispatcher(k),
		log:        log,
		metr:       metr,
		sem:        make(chan struct{}, cfg.MaxConnections),
	}
}

// ListenAndServe binds cfg.BindAddr and serves until ctx is cancelled,
// then drains in-flight connections for up to cfg.ShutdownDrain before
// returning.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.BindAddr)
	if err != nil {
		return err
	}
	s.listener = lis
	s.log.Info("ipc server listening", zap.String("addr", s.cfg.BindAddr))

	go func() {
		<-ctx.Done()
		s.log.Info("ipc server shutdown signal received, draining connections")
		_ = lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return s.drain()
			default:
				s.log.Error("ipc: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("ipc: max connections reached, rejecting")
			if s.metr != nil {
				s.metr.ConnectionsRejectedTotal.Inc()
			}
			_ = conn.Close()
			continue
		}

		s.wg.Add(1)
		if s.metr != nil {
			s.metr.ConnectionsActive.Inc()
		}
		go func(c net.Conn) {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			defer c.Close()
			if s.metr != nil {
				defer s.metr.ConnectionsActive.Dec()
			}
			s.handleConn(ctx, c)
		}(conn)
	}
}

func (s *Server) drain() error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownDrain):
		s.log.Warn("ipc: shutdown drain window expired with connections still open")
	}
	return nil
}

// handleConn runs the cooperative decode/dispatch/encode loop for one
// connection until the peer disconnects, a frame is malformed beyond
// recovery, or ctx is cancelled.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		body, err := ReadFrame(conn, s.cfg.MaxFrameBytes)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logFrameError(err)
			}
			return
		}

		req, err := DecodeRequest(body)
		if err != nil {
			s.respondError(conn, 0, "", "", err)
			continue
		}

		start := time.Now()
		result, callErr := s.dispatcher.Dispatch(ctx, req)
		if s.metr != nil {
			s.metr.RequestDuration.WithLabelValues(req.Service, req.Method).Observe(time.Since(start).Seconds())
		}
		if callErr != nil {
			s.respondError(conn, req.ID, req.Service, req.Method, callErr)
			continue
		}
		s.respondOK(conn, req.ID, result)
	}
}

func (s *Server) logFrameError(err error) {
	if s.metr != nil && types.CodeOf(err) == types.CodeInvalidInput {
		s.metr.FramesRejectedTotal.Inc()
	}
	s.log.Warn("ipc: frame read error", zap.Error(err))
}

func (s *Server) respondOK(conn net.Conn, id uint64, result any) {
	body, err := EncodeOK(id, result)
	if err != nil {
		s.log.Error("ipc: encode response failed", zap.Error(err))
		return
	}
	s.writeFrame(conn, body)
}

func (s *Server) respondError(conn net.Conn, id uint64, service, method string, callErr error) {
	if s.metr != nil {
		s.metr.RequestErrorsTotal.WithLabelValues(service, method, types.CodeOf(callErr).String()).Inc()
	}
	body, err := EncodeError(id, callErr)
	if err != nil {
		s.log.Error("ipc: encode error response failed", zap.Error(err))
		return
	}
	s.writeFrame(conn, body)
}

func (s *Server) writeFrame(conn net.Conn, body []byte) {
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := WriteFrame(conn, body); err != nil {
		s.log.Warn("ipc: frame write error", zap.Error(err))
	}
}
