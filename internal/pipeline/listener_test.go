package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/marketbay/jobpipe/internal/domain"
	"github.com/marketbay/jobpipe/internal/store"
)

type capturingHandler struct {
	mu    sync.Mutex
	snaps []map[string]*domain.Job
	ch    chan map[string]*domain.Job
}

func newCapturingHandler() *capturingHandler {
	return &capturingHandler{ch: make(chan map[string]*domain.Job, 16)}
}

func (h *capturingHandler) HandleSnapshot(ctx context.Context, jobs map[string]*domain.Job) {
	h.mu.Lock()
	h.snaps = append(h.snaps, jobs)
	h.mu.Unlock()
	h.ch <- jobs
}

func (h *capturingHandler) wait(t *testing.T) map[string]*domain.Job {
	t.Helper()
	select {
	case s := <-h.ch:
		return s
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for snapshot")
		return nil
	}
}

func TestListenerForwardsSnapshots(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	handler := newCapturingHandler()
	l := NewListener(mem, handler, zaptest.NewLogger(t))

	require.NoError(t, mem.Write(ctx, store.JobPath("j1"), &domain.Job{ID: "j1", Status: domain.StatusPending}))
	require.NoError(t, l.Start(ctx))
	defer l.Stop()

	snap := handler.wait(t)
	require.Contains(t, snap, "j1")
	assert.Equal(t, domain.StatusPending, snap["j1"].Status)

	require.NoError(t, mem.Write(ctx, store.JobPath("j2"), &domain.Job{ID: "j2", Status: domain.StatusPending}))
	deadline := time.After(time.Second)
	for {
		select {
		case s := <-handler.ch:
			if len(s) == 2 {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for updated snapshot")
		}
	}
}

func TestListenerStartIsIdempotent(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	handler := newCapturingHandler()
	l := NewListener(mem, handler, zaptest.NewLogger(t))

	require.NoError(t, l.Start(ctx))
	require.NoError(t, l.Start(ctx))
	assert.True(t, l.Running())

	handler.wait(t) // initial snapshot from the single subscription

	// a second subscription would double-deliver this write
	require.NoError(t, mem.Write(ctx, store.JobPath("j1"), &domain.Job{ID: "j1"}))
	handler.wait(t)
	select {
	case <-handler.ch:
		t.Fatal("duplicate snapshot: Start subscribed twice")
	case <-time.After(50 * time.Millisecond):
	}

	l.Stop()
	assert.False(t, l.Running())
	l.Stop() // idempotent
}

func TestListenerNotRunningAfterContextCancel(t *testing.T) {
	// Canceling the Start context kills the subscription goroutines without
	// anyone calling Stop; Running and healthz must report the feed as down.
	ctx, cancel := context.WithCancel(context.Background())
	mem := store.NewMemory()
	handler := newCapturingHandler()
	l := NewListener(mem, handler, zaptest.NewLogger(t))

	require.NoError(t, l.Start(ctx))
	assert.True(t, l.Running())

	cancel()
	assert.False(t, l.Running())

	l.Stop() // still cleans up without complaint
	assert.False(t, l.Running())
}

func TestListenerStopDetachesSubscription(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	handler := newCapturingHandler()
	l := NewListener(mem, handler, zaptest.NewLogger(t))

	require.NoError(t, l.Start(ctx))
	handler.wait(t)
	l.Stop()

	require.NoError(t, mem.Write(ctx, store.JobPath("late"), &domain.Job{ID: "late"}))
	select {
	case <-handler.ch:
		t.Fatal("snapshot delivered after Stop")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestListenerSkipsUndecodableRecords(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	handler := newCapturingHandler()
	l := NewListener(mem, handler, zaptest.NewLogger(t))

	require.NoError(t, mem.Write(ctx, store.JobPath("good"), &domain.Job{ID: "good", Status: domain.StatusPending}))
	require.NoError(t, mem.Write(ctx, store.JobPath("junk"), "not a job object"))
	require.NoError(t, l.Start(ctx))
	defer l.Stop()

	snap := handler.wait(t)
	assert.Contains(t, snap, "good")
	assert.NotContains(t, snap, "junk")
}
