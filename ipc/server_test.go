package ipc

import (
	"bufio"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// socketPath returns a short path; t.TempDir can exceed the unix socket path limit.
func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "fwipc")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "d.sock")
}

func startServer(t *testing.T, srv *Server) context.CancelFunc {
	t.Helper()
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-errc)
	})
	return cancel
}

func dial(t *testing.T, path string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c, err := Dial(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

type rawConn struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func dialRaw(t *testing.T, path string) *rawConn {
	t.Helper()
	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &rawConn{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

func (r *rawConn) send(lines ...string) {
	r.t.Helper()
	for _, l := range lines {
		_, err := r.conn.Write([]byte(l + "\n"))
		require.NoError(r.t, err)
	}
}

func (r *rawConn) recv() Response {
	r.t.Helper()
	require.NoError(r.t, r.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	line, err := r.reader.ReadBytes('\n')
	require.NoError(r.t, err)
	var resp Response
	require.NoError(r.t, json.Unmarshal(line, &resp))
	return resp
}

func okHandler(context.Context, json.RawMessage) (any, error) {
	return OKResult{OK: true}, nil
}

func TestMalformedInputKeepsConnectionOpen(t *testing.T) {
	path := socketPath(t)
	srv := NewServer(path)
	srv.Handle(MethodPing, okHandler)
	startServer(t, srv)

	c := dialRaw(t, path)

	tests := []struct {
		line   string
		wantID string
		code   int
	}{
		{line: `this is not json`, code: CodeParseError},
		{line: `{"id": "a", "method": `, code: CodeParseError},
		{line: `[1, 2]`, code: CodeInvalidRequest},
		{line: `{"method": "ping"}`, code: CodeInvalidRequest},
		{line: `{"id": 7, "method": "ping"}`, code: CodeInvalidRequest},
		{line: `{"id": "b"}`, wantID: "b", code: CodeInvalidRequest},
		{line: `{"id": "c", "method": "nope"}`, wantID: "c", code: CodeMethodNotFound},
	}
	for _, tt := range tests {
		c.send(tt.line)
		resp := c.recv()
		assert.Equal(t, tt.wantID, resp.ID, tt.line)
		require.NotNil(t, resp.Error, tt.line)
		assert.Equal(t, tt.code, resp.Error.Code, tt.line)
		assert.Empty(t, resp.Result, tt.line)
	}

	c.send(`{"id": "d", "method": "ping"}`)
	resp := c.recv()
	assert.Equal(t, "d", resp.ID)
	assert.Nil(t, resp.Error)
	assert.JSONEq(t, `{"ok": true}`, string(resp.Result))
}

func TestOversizedLineGetsParseErrorAndConnectionSurvives(t *testing.T) {
	path := socketPath(t)
	srv := NewServer(path)
	srv.Handle(MethodPing, okHandler)
	startServer(t, srv)

	c := dialRaw(t, path)
	c.send(`{"id": "big", "method": "ping", "params": "` + strings.Repeat("x", maxLineSize) + `"}`)
	resp := c.recv()
	assert.Empty(t, resp.ID)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeParseError, resp.Error.Code)

	c.send(`{"id": "after", "method": "ping"}`)
	resp = c.recv()
	assert.Equal(t, "after", resp.ID)
	assert.Nil(t, resp.Error)
}

func TestReadLine(t *testing.T) {
	r := bufio.NewReaderSize(strings.NewReader("short\n"+strings.Repeat("y", 40)+"\nfits\ntail"), 16)

	line, err := readLine(r, 8)
	require.NoError(t, err)
	assert.Equal(t, "short\n", string(line))

	_, err = readLine(r, 8)
	assert.ErrorIs(t, err, errLineTooLong)

	line, err = readLine(r, 8)
	require.NoError(t, err)
	assert.Equal(t, "fits\n", string(line))

	line, err = readLine(r, 8)
	require.NoError(t, err)
	assert.Equal(t, "tail", string(line))
}

func TestPipelinedRequestsCompleteOutOfOrder(t *testing.T) {
	path := socketPath(t)
	srv := NewServer(path)
	release := make(chan struct{})
	srv.Handle("slow", func(ctx context.Context, _ json.RawMessage) (any, error) {
		<-release
		return "slow", nil
	})
	srv.Handle("fast", func(context.Context, json.RawMessage) (any, error) {
		return "fast", nil
	})
	startServer(t, srv)

	c := dialRaw(t, path)
	c.send(`{"id": "1", "method": "slow"}`, `{"id": "2", "method": "fast"}`)

	first := c.recv()
	assert.Equal(t, "2", first.ID)
	assert.JSONEq(t, `"fast"`, string(first.Result))

	close(release)
	second := c.recv()
	assert.Equal(t, "1", second.ID)
	assert.JSONEq(t, `"slow"`, string(second.Result))
}

func TestConcurrentRequestsAreBounded(t *testing.T) {
	path := socketPath(t)
	srv := NewServer(path, WithMaxConcurrent(2))

	var inFlight, peak atomic.Int32
	release := make(chan struct{})
	srv.Handle("block", func(ctx context.Context, _ json.RawMessage) (any, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		return OKResult{OK: true}, nil
	})
	startServer(t, srv)

	clients := []*Client{dial(t, path), dial(t, path)}
	const calls = 6
	var wg sync.WaitGroup
	errs := make(chan error, calls)
	for i := range calls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			errs <- clients[i%2].Call(ctx, "block", nil, nil)
		}()
	}

	require.Eventually(t, func() bool { return inFlight.Load() == 2 }, 2*time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), peak.Load())

	close(release)
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestPipelinedFloodDoesNotSpawnPerLine(t *testing.T) {
	path := socketPath(t)
	srv := NewServer(path, WithMaxConcurrent(1))
	release := make(chan struct{})
	var served atomic.Int32
	srv.Handle("block", func(context.Context, json.RawMessage) (any, error) {
		served.Add(1)
		<-release
		return OKResult{OK: true}, nil
	})
	startServer(t, srv)

	c := dialRaw(t, path)
	c.send(`{"id": "first", "method": "block"}`)
	require.Eventually(t, func() bool { return served.Load() == 1 }, 2*time.Second, time.Millisecond)

	before := runtime.NumGoroutine()
	const flood = 200
	lines := make([]string, flood)
	for i := range lines {
		lines[i] = `{"id": "x", "method": "block"}`
	}
	c.send(lines...)
	time.Sleep(100 * time.Millisecond)
	assert.Less(t, runtime.NumGoroutine()-before, 10, "queued lines wait in the socket, not in goroutines")
	assert.Equal(t, int32(1), served.Load())

	close(release)
	for range flood + 1 {
		resp := c.recv()
		assert.Nil(t, resp.Error)
	}
}

func TestHandlerErrorsMapToCodes(t *testing.T) {
	path := socketPath(t)
	srv := NewServer(path)
	srv.Handle("panics", func(context.Context, json.RawMessage) (any, error) {
		panic("boom")
	})
	srv.Handle("fails", func(context.Context, json.RawMessage) (any, error) {
		return nil, errors.New("disk on fire")
	})
	srv.Handle("typed", func(context.Context, json.RawMessage) (any, error) {
		return nil, Errorf(CodeInvalidParams, "bad")
	})
	srv.Handle(MethodPing, okHandler)
	startServer(t, srv)

	c := dial(t, path)
	ctx := context.Background()

	for method, code := range map[string]int{
		"panics": CodeInternal,
		"fails":  CodeInternal,
		"typed":  CodeInvalidParams,
		"absent": CodeMethodNotFound,
	} {
		err := c.Call(ctx, method, nil, nil)
		var rpcErr *Error
		require.ErrorAs(t, err, &rpcErr, method)
		assert.Equal(t, code, rpcErr.Code, method)
	}

	// The connection survives handler panics.
	var res OKResult
	require.NoError(t, c.Call(ctx, MethodPing, nil, &res))
	assert.True(t, res.OK)
}

func TestObserverSeesEveryRequest(t *testing.T) {
	path := socketPath(t)
	var (
		mu    sync.Mutex
		codes = map[string]int{}
	)
	srv := NewServer(path, WithObserver(func(method string, code int, _ time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		codes[method] = code
	}))
	srv.Handle(MethodPing, okHandler)
	startServer(t, srv)

	c := dial(t, path)
	require.NoError(t, c.Call(context.Background(), MethodPing, nil, nil))
	require.Error(t, c.Call(context.Background(), "missing", nil, nil))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]int{MethodPing: 0, "missing": CodeMethodNotFound}, codes)
}

func TestListenReplacesStaleSocket(t *testing.T) {
	path := socketPath(t)
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	srv := NewServer(path)
	srv.Handle(MethodPing, okHandler)
	startServer(t, srv)

	c := dial(t, path)
	require.NoError(t, c.Call(context.Background(), MethodPing, nil, nil))

	other := NewServer(path)
	assert.ErrorContains(t, other.Listen(), "already served")
}

func TestShutdownDrainsInFlightRequests(t *testing.T) {
	path := socketPath(t)
	srv := NewServer(path)
	started := make(chan struct{})
	srv.Handle("slow", func(ctx context.Context, _ json.RawMessage) (any, error) {
		close(started)
		time.Sleep(100 * time.Millisecond)
		return ctx.Err() == nil, nil
	})
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx) }()

	c := dial(t, path)
	callErr := make(chan error, 1)
	var live bool
	go func() { callErr <- c.Call(context.Background(), "slow", nil, &live) }()

	<-started
	cancel()

	require.NoError(t, <-callErr)
	assert.True(t, live, "handler context was cancelled by shutdown")
	require.NoError(t, <-serveErr)

	_, err := os.Stat(path)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDialWithoutDaemon(t *testing.T) {
	_, err := Dial(context.Background(), socketPath(t))
	assert.ErrorIs(t, err, ErrDaemonNotRunning)
}
