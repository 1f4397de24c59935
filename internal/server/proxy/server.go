// Package proxy is a logging USB-IP proxy: it relays connections to an
// upstream server and decodes the traffic in both directions.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Alia5/usbfs/internal/log"
)

type Server struct {
	listenAddr        string
	upstreamAddr      string
	connectionTimeout time.Duration
	logger            *slog.Logger
	rawLogger         log.RawLogger

	ln        net.Listener
	ready     chan struct{}
	readyOnce sync.Once
	nextID    atomic.Uint64

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// New creates a proxy. connectionTimeout bounds the upstream dial and the
// wait for the first packet in each direction.
func New(listenAddr, upstreamAddr string, connectionTimeout time.Duration, logger *slog.Logger, rawLogger log.RawLogger) *Server {
	return &Server{
		listenAddr:        listenAddr,
		upstreamAddr:      upstreamAddr,
		connectionTimeout: connectionTimeout,
		logger:            log.OrDefault(logger),
		rawLogger:         rawLogger,
		ready:             make(chan struct{}),
		conns:             map[net.Conn]struct{}{},
	}
}

// Ready is closed once the proxy listens.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the bound listen address, or nil before Ready.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// ListenAndServe relays clients until ctx ends or Close is called. Open
// sessions are closed on the way out and waited for.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.listenAddr, err)
	}
	s.ln = ln
	s.readyOnce.Do(func() { close(s.ready) })
	s.logger.Info("USB-IP proxy listening", "addr", ln.Addr().String(), "upstream", s.upstreamAddr)

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		clientConn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.logger.Info("Proxy server stopped")
				s.closeAll()
				return nil
			}
			s.logger.Error("Accept error", "error", err)
			continue
		}
		s.track(clientConn, true)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.track(clientConn, false)
			s.handleProxy(ctx, clientConn)
		}()
	}
}

// Close stops the listener; ListenAndServe then drops open sessions.
func (s *Server) Close() error {
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

func (s *Server) track(c net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.Close()
	}
}

func (s *Server) handleProxy(ctx context.Context, clientConn net.Conn) {
	defer clientConn.Close()
	logger := s.logger.With("session", s.nextID.Add(1), "client", clientConn.RemoteAddr().String())

	d := net.Dialer{Timeout: s.connectionTimeout}
	upstreamConn, err := d.DialContext(ctx, "tcp", s.upstreamAddr)
	if err != nil {
		logger.Error("Failed to connect to upstream", "upstream", s.upstreamAddr, "error", err)
		return
	}
	defer upstreamConn.Close()
	// The upstream side goes down with the client on shutdown.
	stop := context.AfterFunc(ctx, func() { _ = upstreamConn.Close() })
	defer stop()

	logger.Info("Proxying connection", "upstream", upstreamConn.RemoteAddr())

	if s.connectionTimeout > 0 {
		deadline := time.Now().Add(s.connectionTimeout)
		if err := clientConn.SetDeadline(deadline); err != nil {
			logger.Error("Failed to set client deadline", "error", err)
			return
		}
		if err := upstreamConn.SetDeadline(deadline); err != nil {
			logger.Error("Failed to set upstream deadline", "error", err)
			return
		}
	}

	parser := NewParser(logger)
	var up, down int64
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		n, err := s.copyWithLogging(upstreamConn, clientConn, parser, true)
		up = n
		if !isExpectedDisconnect(err) {
			logger.Debug("Client->Server copy error", "error", err)
		}
		halfClose(upstreamConn, true)
		halfClose(clientConn, false)
	}()
	go func() {
		defer wg.Done()
		n, err := s.copyWithLogging(clientConn, upstreamConn, parser, false)
		down = n
		if !isExpectedDisconnect(err) {
			logger.Debug("Server->Client copy error", "error", err)
		}
		halfClose(clientConn, true)
		halfClose(upstreamConn, false)
	}()
	wg.Wait()
	logger.Info("Connection closed", "bytesUp", up, "bytesDown", down)
}

// copyWithLogging relays src to dst, feeding every chunk to the parser and
// the raw logger. The first chunk clears the connection timeout.
func (s *Server) copyWithLogging(dst net.Conn, src net.Conn, parser *Parser, clientToServer bool) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	firstPacket := true

	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if s.rawLogger != nil {
				s.rawLogger.Log(clientToServer, buf[:n])
			}
			parser.Parse(buf[:n], clientToServer)

			if firstPacket {
				if err := src.SetDeadline(time.Time{}); err != nil {
					return total, err
				}
				if err := dst.SetDeadline(time.Time{}); err != nil {
					return total, err
				}
				firstPacket = false
			}

			wn, werr := dst.Write(buf[:n])
			total += int64(wn)
			if werr != nil {
				return total, werr
			}
			if wn != n {
				return total, fmt.Errorf("short write: wrote %d of %d", wn, n)
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return total, nil
			}
			return total, rerr
		}
	}
}

func halfClose(conn net.Conn, write bool) {
	if tc, ok := conn.(*net.TCPConn); ok {
		if write {
			_ = tc.CloseWrite()
		} else {
			_ = tc.CloseRead()
		}
	}
}

func isExpectedDisconnect(err error) bool {
	return err == nil ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
