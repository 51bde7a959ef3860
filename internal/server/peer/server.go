// Package peer serves shared files over a line-oriented TCP protocol:
// the client sends "GET <code>\n" (optionally "GET <code> <passphrase>\n")
// and receives the raw file bytes, after which the server closes the
// connection.
package peer

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"peerlink/internal/server/metrics"
	"peerlink/internal/server/service"
)

const (
	// MaxCommandLen bounds the command line a client may send.
	MaxCommandLen = 1024

	DefaultReadTimeout = 30 * time.Second
)

// Replies sent instead of file bytes.
const (
	ReplyNotFound     = "File not found\n"
	ReplyUnauthorized = "Unauthorized\n"
	ReplyBadRequest   = "Bad request\n"
)

// Server accepts peers and streams files resolved through the download
// service, so one-time and passphrase rules match the HTTP path. Each
// connection gets its own goroutine; the runtime netpoller multiplexes
// them on the listening port.
type Server struct {
	downloads   *service.DownloadService
	metrics     *metrics.Metrics
	readTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// NewServer creates a stream server. m may be nil.
func NewServer(downloads *service.DownloadService, m *metrics.Metrics) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		downloads:   downloads,
		metrics:     m,
		readTimeout: DefaultReadTimeout,
		ctx:         ctx,
		cancel:      cancel,
		conns:       make(map[net.Conn]struct{}),
	}
}

// ListenAndServe binds addr and serves until Close.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Close. It returns nil after Close.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return ln.Close()
	}
	s.listener = ln
	s.mu.Unlock()

	slog.Info("peer stream server listening", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}

		if !s.track(conn) {
			conn.Close()
			return nil
		}
		s.wg.Add(1)
		go s.handle(conn)
	}
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting and cuts off connections in flight.
func (s *Server) Close() error {
	s.cancel()

	s.mu.Lock()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()

	remote := conn.RemoteAddr().String()

	conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	line, err := bufio.NewReaderSize(conn, MaxCommandLen).ReadSlice('\n')
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			slog.Warn("peer command too long", "remote", remote)
		}
		return
	}
	conn.SetReadDeadline(time.Time{})

	code, passphrase, ok := ParseCommand(string(line))
	if !ok {
		io.WriteString(conn, ReplyBadRequest)
		return
	}

	tr, err := s.downloads.Open(s.ctx, service.DownloadRequest{
		Code:       code,
		Passphrase: passphrase,
		RemoteAddr: remote,
	})
	if err != nil {
		io.WriteString(conn, reply(err))
		if !errors.Is(err, service.ErrNotFound) && !errors.Is(err, service.ErrExpired) {
			slog.Debug("peer request refused", "code", code, "remote", remote, "error", err)
		}
		return
	}
	defer tr.Close()

	n, err := tr.Stream(conn)
	s.metrics.AddBytesServed(metrics.TransportStream, n)
	if err != nil {
		slog.Warn("peer stream interrupted",
			"code", code,
			"remote", remote,
			"sent", n,
			"error", err,
		)
		return
	}
	tr.Finish(s.ctx)

	slog.Info("peer stream complete", "code", code, "remote", remote, "bytes", n)
}

// ParseCommand parses "GET <code> [passphrase]".
func ParseCommand(line string) (code, passphrase string, ok bool) {
	line = strings.TrimRight(line, "\r\n")
	verb, rest, found := strings.Cut(line, " ")
	if !found || verb != "GET" {
		return "", "", false
	}
	code, passphrase, _ = strings.Cut(strings.TrimLeft(rest, " "), " ")
	if code == "" {
		return "", "", false
	}
	return code, passphrase, true
}

func reply(err error) string {
	switch {
	case errors.Is(err, service.ErrPassphraseRequired), errors.Is(err, service.ErrInvalidPassphrase):
		return ReplyUnauthorized
	default:
		return ReplyNotFound
	}
}
