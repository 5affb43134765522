package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/stepsync/internal/breaker"
	"github.com/roach88/stepsync/internal/record"
	"github.com/roach88/stepsync/internal/testutil"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// scriptedServer answers with the given statuses in order, then 200.
type scriptedServer struct {
	mu       sync.Mutex
	statuses []int
	requests []*http.Request
	bodies   []record.SyncRequest
	response record.SyncResponse
}

func (s *scriptedServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var body record.SyncRequest
	_ = json.NewDecoder(r.Body).Decode(&body)
	s.requests = append(s.requests, r)
	s.bodies = append(s.bodies, body)

	if len(s.statuses) > 0 {
		status := s.statuses[0]
		s.statuses = s.statuses[1:]
		if status != http.StatusOK {
			http.Error(w, "scripted failure", status)
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.response)
}

func (s *scriptedServer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func newTestClient(t *testing.T, srv *scriptedServer, opts ...Option) (*Client, *testutil.RecordingSleeper, *testutil.FakeClock) {
	t.Helper()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	clock := testutil.NewFakeClock(t0)
	sleeper := &testutil.RecordingSleeper{Clock: clock}
	b := breaker.New(breaker.DefaultConfig(), breaker.WithClock(clock.Now), FailurePredicate())

	c, err := New(ts.URL, b, append([]Option{WithSleeper(sleeper)}, opts...)...)
	require.NoError(t, err)
	return c, sleeper, clock
}

func steps() []record.StepRecord {
	return []record.StepRecord{{
		Step:          3,
		Data:          record.Data{"progress_pct": record.String("40")},
		SchemaVersion: 1,
		UpdatedAt:     t0,
	}}
}

func TestRetryConfig_Backoff(t *testing.T) {
	rc := DefaultRetryConfig()
	assert.Equal(t, time.Second, rc.Backoff(1))
	assert.Equal(t, 2*time.Second, rc.Backoff(2))
	assert.Equal(t, 4*time.Second, rc.Backoff(3))
}

func TestSyncWithRetry_SuccessFirstAttempt(t *testing.T) {
	srv := &scriptedServer{response: record.SyncResponse{UpdatedSteps: steps()}}
	c, sleeper, _ := newTestClient(t, srv, WithToken("s3cret"))

	res, err := c.SyncWithRetry(context.Background(), "round-1", steps(), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Attempts)
	assert.Empty(t, sleeper.Delays())
	require.Len(t, res.Response.UpdatedSteps, 1)
	assert.Equal(t, record.String("40"), res.Response.UpdatedSteps[0].Data["progress_pct"])

	require.Equal(t, 1, srv.count())
	r := srv.requests[0]
	assert.Equal(t, SyncPath, r.URL.Path)
	assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
	assert.Equal(t, "round-1", r.Header.Get(HeaderSyncRound))
	assert.Equal(t, res.IdempotencyKey, r.Header.Get(HeaderIdempotencyKey))
	assert.Len(t, res.IdempotencyKey, 64)
}

func TestSyncWithRetry_BackoffDelaysThenGiveUp(t *testing.T) {
	srv := &scriptedServer{statuses: []int{503, 503, 503, 503}}
	c, sleeper, _ := newTestClient(t, srv)

	_, err := c.SyncWithRetry(context.Background(), "r", steps(), nil)
	require.Error(t, err)

	assert.True(t, IsRetryable(err))
	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 503, te.Status)

	assert.Equal(t, 3, srv.count(), "never a 4th attempt")
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeper.Delays())
}

func TestSyncWithRetry_RecoversOnThirdAttempt(t *testing.T) {
	srv := &scriptedServer{statuses: []int{502, 429}}
	c, sleeper, _ := newTestClient(t, srv)

	res, err := c.SyncWithRetry(context.Background(), "r", steps(), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeper.Delays())

	// Every attempt carries the same idempotency key.
	keys := map[string]bool{}
	for _, r := range srv.requests {
		keys[r.Header.Get(HeaderIdempotencyKey)] = true
	}
	assert.Len(t, keys, 1)
}

func TestSyncWithRetry_NonRetryableStatuses(t *testing.T) {
	cases := []struct {
		status int
		check  func(error) bool
	}{
		{http.StatusUnauthorized, IsUnauthenticated},
		{http.StatusForbidden, IsForbidden},
		{http.StatusUnprocessableEntity, func(err error) bool { return KindOf(err) == KindRejected }},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			srv := &scriptedServer{statuses: []int{tc.status}}
			c, sleeper, _ := newTestClient(t, srv)

			_, err := c.SyncWithRetry(context.Background(), "r", steps(), nil)
			require.Error(t, err)
			assert.True(t, tc.check(err), "unexpected error %v", err)
			assert.False(t, IsRetryable(err))
			assert.Equal(t, 1, srv.count())
			assert.Empty(t, sleeper.Delays())
			assert.Equal(t, breaker.StateClosed, c.Breaker().State())
		})
	}
}

func TestSyncWithRetry_CircuitOpenFailsFast(t *testing.T) {
	srv := &scriptedServer{statuses: []int{500, 500, 500, 500, 500, 500}}
	c, _, _ := newTestClient(t, srv)
	ctx := context.Background()

	// 3 failures, then 2 more: threshold 5 reached on the 5th.
	_, err := c.SyncWithRetry(ctx, "r", steps(), nil)
	require.True(t, IsRetryable(err))
	_, err = c.SyncWithRetry(ctx, "r", steps(), nil)
	require.Error(t, err)
	assert.True(t, IsCircuitOpen(err), "got %v", err)
	assert.Equal(t, 5, srv.count())
	assert.Equal(t, breaker.StateOpen, c.Breaker().State())

	// Rejected without touching the network.
	_, err = c.SyncWithRetry(ctx, "r", steps(), nil)
	assert.True(t, IsCircuitOpen(err))
	assert.True(t, errors.Is(err, breaker.ErrOpen))
	assert.Equal(t, 5, srv.count())
}

func TestSyncWithRetry_CircuitProbeAfterReset(t *testing.T) {
	srv := &scriptedServer{statuses: []int{500, 500, 500, 500, 500}}
	c, _, clock := newTestClient(t, srv)
	ctx := context.Background()

	_, _ = c.SyncWithRetry(ctx, "r", steps(), nil)
	_, _ = c.SyncWithRetry(ctx, "r", steps(), nil)
	require.Equal(t, breaker.StateOpen, c.Breaker().State())

	clock.Advance(time.Minute)
	res, err := c.SyncWithRetry(ctx, "r", steps(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 6, srv.count())
	assert.Equal(t, breaker.StateClosed, c.Breaker().State())
}

func TestSyncWithRetry_SendsResolutionMap(t *testing.T) {
	srv := &scriptedServer{}
	c, _, _ := newTestClient(t, srv)

	res := record.ResolutionMap{3: record.Merge(map[string]record.Side{"progress_pct": record.SideClient})}
	_, err := c.SyncWithRetry(context.Background(), "r", steps(), res)
	require.NoError(t, err)

	require.Len(t, srv.bodies, 1)
	assert.Equal(t, res, srv.bodies[0].Resolution)
	assert.Equal(t, steps()[0].Data, srv.bodies[0].Steps[0].Data)
}

func TestSyncWithRetry_MalformedResponseRejected(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer ts.Close()

	c, err := New(ts.URL, nil, WithSleeper(&testutil.RecordingSleeper{}))
	require.NoError(t, err)

	_, err = c.SyncWithRetry(context.Background(), "r", steps(), nil)
	assert.Equal(t, KindRejected, KindOf(err))
}

func TestSyncWithRetry_NetworkErrorRetried(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	sleeper := &testutil.RecordingSleeper{}
	c, err := New(url, nil, WithSleeper(sleeper))
	require.NoError(t, err)

	_, err = c.SyncWithRetry(context.Background(), "r", steps(), nil)
	assert.True(t, IsRetryable(err))
	assert.Len(t, sleeper.Delays(), 2)
}

func TestSyncWithRetry_TokenSourceError(t *testing.T) {
	srv := &scriptedServer{}
	c, _, _ := newTestClient(t, srv, WithTokenSource(func(context.Context) (string, error) {
		return "", errors.New("session expired")
	}))

	_, err := c.SyncWithRetry(context.Background(), "r", steps(), nil)
	assert.True(t, IsUnauthenticated(err))
	assert.Zero(t, srv.count())
}

func TestNew_InvalidEndpoint(t *testing.T) {
	_, err := New("not a url", nil)
	assert.Error(t, err)
	_, err = New("", nil)
	assert.Error(t, err)
}

func TestStatusError_Mapping(t *testing.T) {
	assert.Equal(t, KindUnauthenticated, statusError(401, "").Kind)
	assert.Equal(t, KindForbidden, statusError(403, "").Kind)
	assert.Equal(t, KindTransport, statusError(408, "").Kind)
	assert.Equal(t, KindTransport, statusError(429, "").Kind)
	assert.Equal(t, KindTransport, statusError(503, "").Kind)
	assert.Equal(t, KindRejected, statusError(400, "").Kind)
	assert.Equal(t, KindRejected, statusError(409, "").Kind)
}
