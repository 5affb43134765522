package remote_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/stepsync/internal/breaker"
	"github.com/roach88/stepsync/internal/draft"
	"github.com/roach88/stepsync/internal/engine"
	"github.com/roach88/stepsync/internal/record"
	"github.com/roach88/stepsync/internal/remote"
	"github.com/roach88/stepsync/internal/store"
	"github.com/roach88/stepsync/internal/testutil"
	"github.com/roach88/stepsync/internal/transport"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type stack struct {
	orch    *engine.Orchestrator
	store   *store.Store
	server  *remote.Server
	client  *transport.Client
	sleeper *testutil.RecordingSleeper
	form    *draft.StaticSource
}

func newStack(t *testing.T, serverOpts []remote.Option, clientOpts ...transport.Option) *stack {
	t.Helper()

	srv := remote.New(append([]remote.Option{remote.WithClock(func() time.Time { return t0 })}, serverOpts...)...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	clock := testutil.NewFakeClock(t0)
	sleeper := &testutil.RecordingSleeper{Clock: clock}
	b := breaker.New(breaker.DefaultConfig(), breaker.WithClock(clock.Now), transport.FailurePredicate())
	client, err := transport.New(ts.URL, b, append([]transport.Option{transport.WithSleeper(sleeper)}, clientOpts...)...)
	require.NoError(t, err)

	st, err := store.Open(t.TempDir() + "/drafts.db")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	form := &draft.StaticSource{}
	orch, err := engine.New(engine.Deps{
		Store:     st,
		Transport: client,
		Breaker:   b,
		Assembler: draft.NewAssembler(form, draft.WithSchemaVersion(1)),
	}, engine.WithRoundIDs(testutil.NewFixedRoundGenerator("e2e")))
	require.NoError(t, err)

	return &stack{orch: orch, store: st, server: srv, client: client, sleeper: sleeper, form: form}
}

func (s *stack) fill(step int, kv ...string) {
	var fields []draft.Field
	for i := 0; i+1 < len(kv); i += 2 {
		fields = append(fields, draft.Field{Name: kv[i], Value: record.String(kv[i+1]), Visible: true, SyncEligible: true})
	}
	s.form.State = draft.FormState{Step: step, Fields: fields}
}

func TestEndToEnd_ConflictResolvedByMerge(t *testing.T) {
	s := newStack(t, nil)
	ctx := context.Background()

	_, err := s.server.Edit(3, record.Data{"progress_pct": record.String("55")}, 1)
	require.NoError(t, err)

	s.fill(3, "progress_pct", "40")
	saved, err := s.orch.Save(ctx)
	require.NoError(t, err)
	require.NotNil(t, saved.Sync)
	require.Len(t, saved.Sync.Conflicts, 1)
	assert.Equal(t, []record.FieldConflict{
		{Name: "progress_pct", Server: record.String("55"), Client: record.String("40")},
	}, saved.Sync.Conflicts[0].Fields)
	assert.Equal(t, engine.StateConflict, s.orch.State())

	out, err := s.orch.Resolve(ctx, record.ResolutionMap{
		3: record.Merge(map[string]record.Side{"progress_pct": record.SideClient}),
	})
	require.NoError(t, err)
	assert.Equal(t, engine.StateIdle, out.State)

	local, err := s.store.GetStep(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, record.String("40"), local.Data["progress_pct"])

	remoteRec, err := s.server.Step(3)
	require.NoError(t, err)
	assert.Equal(t, record.String("40"), remoteRec.Data["progress_pct"])

	pending, err := s.store.PendingOutbox(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestEndToEnd_ServerResolutionWritesBackServerValue(t *testing.T) {
	s := newStack(t, nil)
	ctx := context.Background()

	_, err := s.server.Edit(2, record.Data{"company": record.String("Acme Corp")}, 1)
	require.NoError(t, err)

	s.fill(2, "company", "Acme", "size", "10")
	_, err = s.orch.Save(ctx)
	require.NoError(t, err)

	_, err = s.orch.Resolve(ctx, record.ResolutionMap{2: record.UseServer()})
	require.NoError(t, err)

	local, err := s.store.GetStep(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, record.Data{"company": record.String("Acme Corp")}, local.Data)
}

func TestEndToEnd_RetriesThroughTransientOutage(t *testing.T) {
	s := newStack(t, nil)
	s.server.FailNext(2)

	s.fill(1, "name", "ana")
	saved, err := s.orch.Save(context.Background())
	require.NoError(t, err)

	require.NotNil(t, saved.Sync)
	assert.Equal(t, 3, saved.Sync.Attempts)
	assert.Equal(t, []int{1}, saved.Sync.Synced)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, s.sleeper.Delays())
	assert.Equal(t, 3, s.server.Requests())
}

func TestEndToEnd_OutageOpensCircuit(t *testing.T) {
	s := newStack(t, nil)
	s.server.FailNext(100)
	ctx := context.Background()

	s.fill(1, "name", "ana")
	saved, err := s.orch.Save(ctx)
	require.NoError(t, err)
	assert.Equal(t, "error", saved.Sync.Result())

	out, err := s.orch.Sync(ctx, engine.TriggerPeriodic)
	require.NoError(t, err)
	assert.Equal(t, "deferred", out.Result(), "fifth failure opens the circuit")
	assert.Equal(t, 5, s.server.Requests())

	out, err = s.orch.Sync(ctx, engine.TriggerPeriodic)
	require.NoError(t, err)
	assert.Equal(t, "deferred", out.Result())
	assert.Equal(t, 5, s.server.Requests(), "no request while open")

	ind, err := s.orch.Indicator(ctx)
	require.NoError(t, err)
	assert.Equal(t, engine.IndicatorOffline, ind)
}

func TestEndToEnd_AuthAndReadOnly(t *testing.T) {
	s := newStack(t, []remote.Option{remote.WithToken("s3cret")})
	ctx := context.Background()

	s.fill(1, "name", "ana")
	_, err := s.orch.Save(ctx)
	require.Error(t, err)
	assert.True(t, transport.IsUnauthenticated(err))

	withToken := newStack(t, []remote.Option{remote.WithToken("s3cret")}, transport.WithToken("s3cret"))
	withToken.server.SetReadOnly(true)
	withToken.fill(1, "name", "ana")
	saved, err := withToken.orch.Save(ctx)
	require.NoError(t, err)
	assert.True(t, transport.IsForbidden(saved.Sync.Err))

	local, err := withToken.store.GetStep(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, record.String("ana"), local.Data["name"])
}
