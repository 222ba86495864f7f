// Package oracle talks to the external quota/permission service. The
// oracle is authoritative for whether an activity is allowed and how much
// time remains today; this client adds a short verdict cache so transient
// outages do not immediately blind the planner.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"warden/internal/models"
)

// ErrUnavailable is returned when the oracle cannot be reached and no
// cached verdict within the TTL exists.
var ErrUnavailable = errors.New("oracle unavailable")

// VerdictTTL is how long a cached verdict stays authoritative after the
// oracle stops answering.
const VerdictTTL = 60 * time.Second

// Verdict is the oracle's answer for one (child, activity) pair.
type Verdict struct {
	ChildID          string          `json:"child_id"`
	Activity         models.Activity `json:"activity"`
	Allowed          bool            `json:"allowed"`
	Banned           bool            `json:"banned"`
	RemainingSeconds int             `json:"remaining_seconds"`
	AsOf             time.Time       `json:"as_of"`

	// Stale is set when the verdict came from the cache past its TTL.
	// Read surfaces may show it; enforcement must not act on it.
	Stale bool `json:"stale,omitempty"`
}

type cacheKey struct {
	childID  string
	activity models.Activity
}

// Client queries the oracle over HTTP with a TTL'd verdict cache.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
	now     func() time.Time

	mu    sync.Mutex
	cache map[cacheKey]Verdict
}

// NewClient creates a client for the oracle at baseURL.
func NewClient(baseURL string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  logger.Named("oracle"),
		now:     func() time.Time { return time.Now().UTC() },
		cache:   make(map[cacheKey]Verdict),
	}
}

// SetClock overrides the client's clock. Test hook.
func (c *Client) SetClock(now func() time.Time) { c.now = now }

// SetHTTPClient swaps the underlying HTTP client. Test hook.
func (c *Client) SetHTTPClient(h *http.Client) { c.http = h }

// wire shape of the oracle's check response.
type checkResponse struct {
	Allowed          bool  `json:"allowed"`
	Banned           bool  `json:"banned"`
	RemainingSeconds int   `json:"remaining_seconds"`
	AsOf             int64 `json:"as_of,omitempty"` // unix millis
}

// Check asks the oracle whether the activity is allowed for the child.
// The request is non-mutating (check_only); quota decrement is oracle-side.
//
// On transport failure a cached verdict within the TTL is returned as
// current. Past the TTL the cached verdict is still returned, flagged
// Stale, together with ErrUnavailable so enforcement paths can defer while
// read paths surface the last known state.
func (c *Client) Check(ctx context.Context, childID string, activity models.Activity) (Verdict, error) {
	v, err := c.fetch(ctx, childID, activity)
	key := cacheKey{childID: childID, activity: activity}
	if err == nil {
		c.mu.Lock()
		c.cache[key] = v
		c.mu.Unlock()
		return v, nil
	}

	c.mu.Lock()
	cached, ok := c.cache[key]
	c.mu.Unlock()
	if !ok {
		return Verdict{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if c.now().Sub(cached.AsOf) <= VerdictTTL {
		c.logger.Warn("oracle unreachable, serving cached verdict",
			zap.String("child", childID), zap.String("activity", string(activity)),
			zap.Error(err))
		return cached, nil
	}

	cached.Stale = true
	return cached, fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (c *Client) fetch(ctx context.Context, childID string, activity models.Activity) (Verdict, error) {
	q := url.Values{}
	q.Set("child_id", childID)
	q.Set("activity", string(activity))
	q.Set("check_only", "true")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v1/check?"+q.Encode(), nil)
	if err != nil {
		return Verdict{}, fmt.Errorf("build check request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Verdict{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Verdict{}, fmt.Errorf("oracle returned %d", resp.StatusCode)
	}

	var body checkResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Verdict{}, fmt.Errorf("decode check response: %w", err)
	}

	v := Verdict{
		ChildID:          childID,
		Activity:         activity,
		Allowed:          body.Allowed,
		Banned:           body.Banned,
		RemainingSeconds: body.RemainingSeconds,
		AsOf:             c.now(),
	}
	if body.AsOf > 0 {
		v.AsOf = time.UnixMilli(body.AsOf).UTC()
	}
	return v, nil
}

// Invalidate drops every cached verdict for the child. Called on a
// stateChange push so the next Check hits the oracle.
func (c *Client) Invalidate(childID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.cache {
		if key.childID == childID {
			delete(c.cache, key)
		}
	}
}

// Cached returns the cached verdict for the pair, if any, without touching
// the oracle. Used by read surfaces.
func (c *Client) Cached(childID string, activity models.Activity) (Verdict, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.cache[cacheKey{childID: childID, activity: activity}]
	if ok && c.now().Sub(v.AsOf) > VerdictTTL {
		v.Stale = true
	}
	return v, ok
}
