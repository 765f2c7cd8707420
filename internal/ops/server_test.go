package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/marketbay/jobpipe/internal/cleanup"
	"github.com/marketbay/jobpipe/internal/domain"
	"github.com/marketbay/jobpipe/internal/store"
)

type stubListener struct{ running bool }

func (s stubListener) Running() bool { return s.running }

func newTestRouter(t *testing.T, clk clock.Clock, mem *store.Memory, listenerUp bool) (http.Handler, *cleanup.Service) {
	t.Helper()
	svc := cleanup.New(mem, nil, zaptest.NewLogger(t), clk, cleanup.Config{
		Interval:     time.Hour,
		RetentionAge: 24 * time.Hour,
	})
	return NewRouter(svc, stubListener{running: listenerUp}, zaptest.NewLogger(t)), svc
}

func TestTriggerCleanup(t *testing.T) {
	mem := store.NewMemory()
	clk := clock.NewMockClock()
	rtr, _ := newTestRouter(t, clk, mem, true)

	require.NoError(t, mem.Write(context.Background(), store.JobPath("old"), &domain.Job{
		ID: "old", Type: "status_change", Status: domain.StatusCompleted,
		ListingID: "L1", CompletedAt: domain.Millis(clk.Now().Add(-3 * time.Hour)),
	}))

	req := httptest.NewRequest("POST", "/v1/cleanup?olderThan=1h", nil)
	rw := httptest.NewRecorder()
	rtr.ServeHTTP(rw, req)
	require.Equal(t, http.StatusOK, rw.Code)

	var res cleanup.Result
	require.NoError(t, json.NewDecoder(rw.Body).Decode(&res))
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, 1, res.Deleted)
	assert.Zero(t, res.Quarantined)
}

func TestTriggerCleanupRejectsBadDuration(t *testing.T) {
	rtr, _ := newTestRouter(t, clock.NewMockClock(), store.NewMemory(), true)

	for _, raw := range []string{"yesterday", "-1h"} {
		req := httptest.NewRequest("POST", "/v1/cleanup?olderThan="+raw, nil)
		rw := httptest.NewRecorder()
		rtr.ServeHTTP(rw, req)
		assert.Equal(t, http.StatusBadRequest, rw.Code, raw)
	}
}

func TestScheduleStatus(t *testing.T) {
	rtr, svc := newTestRouter(t, clock.NewMockClock(), store.NewMemory(), true)
	svc.Start()
	defer svc.Stop()

	req := httptest.NewRequest("GET", "/v1/cleanup/schedule", nil)
	rw := httptest.NewRecorder()
	rtr.ServeHTTP(rw, req)
	require.Equal(t, http.StatusOK, rw.Code)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(rw.Body).Decode(&body))
	assert.Equal(t, true, body["active"])
	assert.Equal(t, "1h0m0s", body["interval"])
	assert.Equal(t, "24h0m0s", body["retentionAge"])
}

func TestHealthz(t *testing.T) {
	rtr, _ := newTestRouter(t, clock.NewMockClock(), store.NewMemory(), true)
	req := httptest.NewRequest("GET", "/healthz", nil)
	rw := httptest.NewRecorder()
	rtr.ServeHTTP(rw, req)
	assert.Equal(t, http.StatusOK, rw.Code)

	down, _ := newTestRouter(t, clock.NewMockClock(), store.NewMemory(), false)
	rw = httptest.NewRecorder()
	down.ServeHTTP(rw, req)
	assert.Equal(t, http.StatusServiceUnavailable, rw.Code)
}
