package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) add(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	s := New()
	noop := func(context.Context) (map[string]int, error) { return nil, nil }
	require.NoError(t, s.Register("refresh", time.Minute, noop))
	assert.Error(t, s.Register("refresh", time.Hour, noop))
}

func TestTickRunsDueTasks(t *testing.T) {
	s := New()
	rec := &recorder{}
	s.OnEvent(rec.add)

	var fast, slow atomic.Int32
	require.NoError(t, s.Register("fast", time.Minute, func(context.Context) (map[string]int, error) {
		fast.Add(1)
		return map[string]int{"new_articles": 3}, nil
	}))
	require.NoError(t, s.Register("slow", time.Hour, func(context.Context) (map[string]int, error) {
		slow.Add(1)
		return nil, nil
	}))

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.Tick(context.Background(), base)
	s.inflight.Wait()
	assert.Equal(t, int32(1), fast.Load())
	assert.Equal(t, int32(1), slow.Load())

	s.Tick(context.Background(), base.Add(30*time.Second))
	s.inflight.Wait()
	assert.Equal(t, int32(1), fast.Load())

	s.Tick(context.Background(), base.Add(time.Minute))
	s.inflight.Wait()
	assert.Equal(t, int32(2), fast.Load())
	assert.Equal(t, int32(1), slow.Load())

	events := rec.all()
	require.Len(t, events, 3)
	for _, e := range events {
		if e.Task == "fast" {
			assert.Equal(t, map[string]int{"new_articles": 3}, e.Outcome)
		}
		assert.NoError(t, e.Err)
	}
}

func TestZeroIntervalDisablesTask(t *testing.T) {
	s := New()
	var runs atomic.Int32
	require.NoError(t, s.Register("off", 0, func(context.Context) (map[string]int, error) {
		runs.Add(1)
		return nil, nil
	}))

	s.Tick(context.Background(), time.Now())
	s.Tick(context.Background(), time.Now().Add(24*time.Hour))
	s.inflight.Wait()
	assert.Zero(t, runs.Load())

	states := s.Snapshot()
	require.Len(t, states, 1)
	assert.False(t, states[0].Enabled)
}

func TestRunningTaskIsSkippedNotQueued(t *testing.T) {
	s := New()
	release := make(chan struct{})
	var runs atomic.Int32
	require.NoError(t, s.Register("summarize", time.Second, func(context.Context) (map[string]int, error) {
		runs.Add(1)
		<-release
		return nil, nil
	}))

	base := time.Now()
	s.Tick(context.Background(), base)
	require.Eventually(t, func() bool { return s.Snapshot()[0].Running }, time.Second, time.Millisecond)

	s.Tick(context.Background(), base.Add(2*time.Second))
	s.Tick(context.Background(), base.Add(4*time.Second))
	close(release)
	s.inflight.Wait()

	assert.Equal(t, int32(1), runs.Load())
	st := s.Snapshot()[0]
	assert.Equal(t, 2, st.Skips)
	assert.Equal(t, 1, st.Runs)
	assert.False(t, st.Running)

	// The skipped ticks did not move last_run_at, so the next tick fires immediately.
	s.Tick(context.Background(), base.Add(4*time.Second))
	s.inflight.Wait()
	assert.Equal(t, int32(2), runs.Load())
}

func TestTaskErrorsAndPanicsBecomeEvents(t *testing.T) {
	s := New()
	rec := &recorder{}
	s.OnEvent(rec.add)

	require.NoError(t, s.Register("fails", time.Minute, func(context.Context) (map[string]int, error) {
		return nil, errors.New("store unavailable")
	}))
	require.NoError(t, s.Register("panics", time.Minute, func(context.Context) (map[string]int, error) {
		panic("boom")
	}))

	s.Tick(context.Background(), time.Now())
	s.inflight.Wait()

	events := rec.all()
	require.Len(t, events, 2)
	for _, e := range events {
		assert.Error(t, e.Err, e.Task)
	}

	for _, st := range s.Snapshot() {
		assert.Equal(t, 1, st.Failures, st.Name)
		assert.NotEmpty(t, st.LastError, st.Name)
		assert.NotNil(t, st.LastRunAt, st.Name)
	}
}

func TestRunFiresAfterOneIntervalAndDrains(t *testing.T) {
	s := New(WithTickInterval(time.Second), WithDrainTimeout(5*time.Second))
	rec := &recorder{}
	s.OnEvent(rec.add)

	started := make(chan struct{}, 1)
	var sawCancel atomic.Bool
	require.NoError(t, s.Register("filter", 500*time.Millisecond, func(ctx context.Context) (map[string]int, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		sawCancel.Store(true)
		return map[string]int{"scored": 1}, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	require.Eventually(t, s.Running, time.Second, time.Millisecond)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("task never started")
	}

	cancel()
	require.NoError(t, <-errc)
	assert.True(t, sawCancel.Load(), "Run returned before the in-flight task finished")
	assert.False(t, s.Running())
	require.Len(t, rec.all(), 1)
}

func TestRunDrainTimeout(t *testing.T) {
	s := New(WithTickInterval(time.Second), WithDrainTimeout(20*time.Millisecond))
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, s.Register("stuck", time.Millisecond, func(context.Context) (map[string]int, error) {
		close(started)
		<-release
		return nil, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("task never started")
	}
	cancel()
	assert.ErrorContains(t, <-errc, "still running")

	close(release)
	s.inflight.Wait()
}

func TestRunTwiceFails(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()
	require.Eventually(t, s.Running, time.Second, time.Millisecond)

	assert.Error(t, s.Run(context.Background()))
	cancel()
	require.NoError(t, <-errc)
}
