package ipc

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/semaphore"
)

const (
	defaultMaxConcurrent  = 10
	defaultRequestTimeout = 5 * time.Minute
	defaultDrainTimeout   = 10 * time.Second
	writeTimeout          = 10 * time.Second
	maxLineSize           = 1 << 20
)

// HandlerFunc serves one method.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Observer is notified after every request with the method and the error code, 0 on success.
type Observer func(method string, code int, elapsed time.Duration)

// Server accepts local connections and dispatches their requests.
// Requests on one connection are handled concurrently and may complete out of order.
// A global semaphore bounds how many are processed at once across all connections;
// a connection stops reading while no slot is free.
type Server struct {
	socketPath     string
	handlers       map[string]HandlerFunc
	sem            *semaphore.Weighted
	maxConcurrent  int
	requestTimeout time.Duration
	drainTimeout   time.Duration
	logger         *slog.Logger
	observer       Observer

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithMaxConcurrent bounds how many requests are processed at once. Excess requests wait.
func WithMaxConcurrent(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxConcurrent = n
		}
	}
}

// WithRequestTimeout bounds a single handler invocation.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.requestTimeout = d
		}
	}
}

// WithDrainTimeout bounds how long shutdown waits for in-flight requests.
func WithDrainTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.drainTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithObserver sets a per-request callback.
func WithObserver(o Observer) Option {
	return func(s *Server) {
		s.observer = o
	}
}

// NewServer creates a server for socketPath.
func NewServer(socketPath string, opts ...Option) *Server {
	s := &Server{
		socketPath:     socketPath,
		handlers:       make(map[string]HandlerFunc),
		maxConcurrent:  defaultMaxConcurrent,
		requestTimeout: defaultRequestTimeout,
		drainTimeout:   defaultDrainTimeout,
		logger:         slog.Default(),
		conns:          make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sem = semaphore.NewWeighted(int64(s.maxConcurrent))
	return s
}

// Handle registers a handler for method, replacing any previous one.
func (s *Server) Handle(method string, h HandlerFunc) {
	s.handlers[method] = h
}

// String names the service in supervisor logs.
func (s *Server) String() string {
	return "ipc-server"
}

// SocketPath returns the socket the server listens on.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// Listen binds the socket. A stale socket file left by a dead process is removed;
// a socket with a live listener is an error.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	if _, err := os.Lstat(s.socketPath); err == nil {
		if conn, err := net.DialTimeout("unix", s.socketPath, 500*time.Millisecond); err == nil {
			conn.Close()
			return fmt.Errorf("socket %s is already served by another process", s.socketPath)
		}
		s.logger.Info("removing stale socket", "path", s.socketPath)
		if err := os.Remove(s.socketPath); err != nil {
			return fmt.Errorf("remove stale socket: %w", err)
		}
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("restrict socket permissions: %w", err)
	}
	s.listener = ln
	return nil
}

// Close releases a socket bound by Listen when Serve never ran.
// A running Serve treats it like cancellation.
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close listener: %w", err)
	}
	return nil
}

// Serve accepts connections until ctx is cancelled, then stops reading new requests,
// waits for in-flight ones up to the drain timeout, and removes the socket.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	s.logger.Info("ipc server listening", "path", s.socketPath, "max_concurrent", s.maxConcurrent)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Warn("accept failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.serveConn(ctx, conn)
	}

	s.shutdown()
	return nil
}

func (s *Server) shutdown() {
	s.mu.Lock()
	for conn := range s.conns {
		if cr, ok := conn.(interface{ CloseRead() error }); ok {
			_ = cr.CloseRead()
		} else {
			conn.Close()
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(s.drainTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.logger.Warn("ipc drain timed out, closing connections")
		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
		<-done
	}

	s.mu.Lock()
	s.listener = nil
	s.mu.Unlock()
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("failed to remove socket", "path", s.socketPath, "error", err)
	}
	s.logger.Info("ipc server stopped")
}

type connection struct {
	conn    net.Conn
	writeMu sync.Mutex
}

func (c *connection) write(resp *Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err = c.conn.Write(data)
	return err
}

var errLineTooLong = errors.New("request line too long")

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	c := &connection{conn: conn}
	var inflight sync.WaitGroup
	defer inflight.Wait()

	reader := bufio.NewReaderSize(conn, 64*1024)
	for {
		line, err := readLine(reader, maxLineSize)
		if errors.Is(err, errLineTooLong) {
			s.reply(c, &Response{Error: Errorf(CodeParseError, "request exceeds %d bytes", maxLineSize)})
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("connection read failed", "error", err)
			}
			return
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		if err := s.sem.Acquire(ctx, 1); err != nil {
			s.reply(c, s.handle(ctx, line, false))
			continue
		}
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			defer s.sem.Release(1)
			s.reply(c, s.handle(ctx, line, true))
		}()
	}
}

// readLine returns the next newline-terminated line. A line longer than limit is
// consumed through its newline and reported as errLineTooLong.
func readLine(r *bufio.Reader, limit int) ([]byte, error) {
	var (
		line    []byte
		tooLong bool
	)
	for {
		chunk, err := r.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(bytes.TrimSuffix(chunk, []byte("\n"))) > limit {
				tooLong, line = true, nil
			} else {
				line = append(line, chunk...)
			}
		}
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case err != nil:
			if errors.Is(err, io.EOF) && len(line) > 0 {
				return line, nil
			}
			return nil, err
		case tooLong:
			return nil, errLineTooLong
		default:
			return line, nil
		}
	}
}

func (s *Server) reply(c *connection, resp *Response) {
	if err := c.write(resp); err != nil {
		s.logger.Debug("failed to write response", "error", err)
	}
}

// handle decodes and serves one line. admitted reports whether the caller holds a semaphore slot.
func (s *Server) handle(ctx context.Context, line []byte, admitted bool) *Response {
	started := time.Now()
	req, rpcErr := decodeRequest(line)
	method := ""
	if req != nil {
		method = req.Method
	}

	resp := s.dispatch(ctx, req, rpcErr, admitted)

	if s.observer != nil {
		code := 0
		if resp.Error != nil {
			code = resp.Error.Code
		}
		s.observer(method, code, time.Since(started))
	}
	return resp
}

func (s *Server) dispatch(ctx context.Context, req *Request, decodeErr *Error, admitted bool) *Response {
	if decodeErr != nil {
		s.logger.Debug("malformed request", "error", decodeErr.Message)
		id := ""
		if req != nil {
			id = req.ID
		}
		return &Response{ID: id, Error: decodeErr}
	}

	h, ok := s.handlers[req.Method]
	if !ok {
		return &Response{ID: req.ID, Error: Errorf(CodeMethodNotFound, "method not found: %s", req.Method)}
	}

	if !admitted {
		return &Response{ID: req.ID, Error: Errorf(CodeInternal, "server shutting down")}
	}

	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.requestTimeout)
	defer cancel()

	result, err := s.call(hctx, req, h)
	if err != nil {
		rpcErr := toError(err)
		if rpcErr.Code == CodeInternal {
			s.logger.Warn("request failed", "method", req.Method, "error", err)
		}
		return &Response{ID: req.ID, Error: rpcErr}
	}

	data, err := json.Marshal(result)
	if err != nil {
		return &Response{ID: req.ID, Error: Errorf(CodeInternal, "encode result: %v", err)}
	}
	return &Response{ID: req.ID, Result: data}
}

func (s *Server) call(ctx context.Context, req *Request, h HandlerFunc) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panicked", "method", req.Method, "panic", r, "stack", string(debug.Stack()))
			err = Errorf(CodeInternal, "internal error")
		}
	}()
	return h(ctx, req.Params)
}
