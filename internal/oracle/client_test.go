package oracle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/models"
)

type oracleHandler struct {
	mu      sync.Mutex
	body    string
	fail    bool
	queries []string
}

func (h *oracleHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.queries = append(h.queries, r.URL.RawQuery)
	fail, body := h.fail, h.body
	h.mu.Unlock()

	if fail {
		http.Error(w, "boom", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(body))
}

func (h *oracleHandler) setFail(fail bool) {
	h.mu.Lock()
	h.fail = fail
	h.mu.Unlock()
}

func (h *oracleHandler) seen() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.queries...)
}

func newTestClient(t *testing.T, h *oracleHandler) (*Client, func(time.Duration)) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, nil)
	var mu sync.Mutex
	now := time.Date(2026, 1, 2, 16, 0, 0, 0, time.UTC)
	c.SetClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}
	return c, advance
}

func TestCheckDecodesVerdict(t *testing.T) {
	h := &oracleHandler{body: `{"allowed":true,"banned":false,"remaining_seconds":900}`}
	c, _ := newTestClient(t, h)

	v, err := c.Check(context.Background(), "c1", models.ActivityComputer)
	require.NoError(t, err)
	assert.True(t, v.Allowed)
	assert.Equal(t, 900, v.RemainingSeconds)
	assert.False(t, v.Stale)

	queries := h.seen()
	require.Len(t, queries, 1)
	assert.Contains(t, queries[0], "child_id=c1")
	assert.Contains(t, queries[0], "activity=computer")
	assert.Contains(t, queries[0], "check_only=true", "checks never decrement quota")
}

func TestCheckServesCacheWithinTTLOnOutage(t *testing.T) {
	h := &oracleHandler{body: `{"allowed":true,"remaining_seconds":600}`}
	c, advance := newTestClient(t, h)

	_, err := c.Check(context.Background(), "c1", models.ActivityComputer)
	require.NoError(t, err)

	h.setFail(true)
	advance(30 * time.Second)

	v, err := c.Check(context.Background(), "c1", models.ActivityComputer)
	require.NoError(t, err, "cached verdict within TTL is current")
	assert.Equal(t, 600, v.RemainingSeconds)
	assert.False(t, v.Stale)
}

func TestCheckFlagsStalePastTTL(t *testing.T) {
	h := &oracleHandler{body: `{"allowed":true,"remaining_seconds":600}`}
	c, advance := newTestClient(t, h)

	_, err := c.Check(context.Background(), "c1", models.ActivityComputer)
	require.NoError(t, err)

	h.setFail(true)
	advance(2 * time.Minute)

	v, err := c.Check(context.Background(), "c1", models.ActivityComputer)
	require.ErrorIs(t, err, ErrUnavailable)
	assert.True(t, v.Stale, "read surfaces still see the last verdict")
	assert.Equal(t, 600, v.RemainingSeconds)
}

func TestCheckUnavailableWithoutCache(t *testing.T) {
	h := &oracleHandler{fail: true}
	c, _ := newTestClient(t, h)

	_, err := c.Check(context.Background(), "c1", models.ActivityComputer)
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestInvalidateDropsChildVerdicts(t *testing.T) {
	h := &oracleHandler{body: `{"allowed":true,"remaining_seconds":600}`}
	c, _ := newTestClient(t, h)

	_, err := c.Check(context.Background(), "c1", models.ActivityComputer)
	require.NoError(t, err)
	_, ok := c.Cached("c1", models.ActivityComputer)
	require.True(t, ok)

	c.Invalidate("c1")
	_, ok = c.Cached("c1", models.ActivityComputer)
	assert.False(t, ok)
}
