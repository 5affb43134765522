package cli

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/stepsync/internal/record"
	"github.com/roach88/stepsync/internal/remote"
	"github.com/roach88/stepsync/internal/store"
)

func TestSaveSyncsToRemote(t *testing.T) {
	env := newTestEnv(t)
	env.writeForm(t, 1, "company", "Acme", "size", "10")

	out, err := env.run("save", "--fields", env.fields)
	require.NoError(t, err)
	assert.Contains(t, out, "saved step 1")
	assert.Contains(t, out, "sync (save): synced")

	rec, err := env.server.Step(1)
	require.NoError(t, err)
	assert.Equal(t, record.String("Acme"), rec.Data["company"])

	out, err = env.run("outbox")
	require.NoError(t, err)
	assert.Contains(t, out, "outbox is empty")

	out, err = env.run("status")
	require.NoError(t, err)
	assert.Contains(t, out, "indicator: synced")
	assert.Contains(t, out, "step 1: synced")
}

func TestSaveJSONOutput(t *testing.T) {
	env := newTestEnv(t)
	env.writeForm(t, 2, "plan", "gold")

	out, err := env.run("--format", "json", "save", "--fields", env.fields)
	require.NoError(t, err)

	resp, data := decodeResponse(t, out)
	assert.Equal(t, "ok", resp.Status)
	assert.EqualValues(t, 2, data["step"])
	sync, ok := data["sync"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "synced", sync["result"])
	assert.Equal(t, []any{float64(2)}, sync["synced"])
}

func TestSaveWithoutFieldsFile(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.run("save")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "no form field file configured")
}

func TestSaveWithoutEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.writeForm(t, 1, "company", "Acme")

	_, err := execute("--db", env.db, "save", "--fields", env.fields)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "no remote endpoint configured")
}

func TestSaveInvalidAgainstSchema(t *testing.T) {
	env := newTestEnv(t)
	env.writeForm(t, 3, "progress_pct", "lots")

	out, err := env.run("save", "--fields", env.fields, "--schema", "../harness/testdata/form.cue")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "not synced")
	assert.Equal(t, 0, env.server.Requests())

	out, err = env.run("outbox")
	require.NoError(t, err)
	assert.Contains(t, out, "step 3: progress_pct")
}

func TestConflictDiffResolve(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.server.Edit(3, record.Data{"progress_pct": record.String("55")}, 1)
	require.NoError(t, err)
	env.writeForm(t, 3, "progress_pct", "40")

	out, err := env.run("save", "--fields", env.fields)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "1 step(s) in conflict")
	assert.Contains(t, out, "conflicts: 3")

	out, err = env.run("status")
	require.NoError(t, err)
	assert.Contains(t, out, "step 3: error (conflict)")

	out, err = env.run("diff")
	require.NoError(t, err)
	assert.Contains(t, out, "step 3: 1 conflicting field(s)")
	assert.Contains(t, out, "server: ")
	assert.Contains(t, out, "55")

	_, err = env.run("diff", "--step", "4")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step 4 has no pending conflict")

	out, err = env.run("resolve", "3=merge:progress_pct=client")
	require.NoError(t, err)
	assert.Contains(t, out, "sync (resolve): synced")

	rec, err := env.server.Step(3)
	require.NoError(t, err)
	assert.Equal(t, record.String("40"), rec.Data["progress_pct"])

	st, err := store.Open(env.db)
	require.NoError(t, err)
	defer st.Close()
	local, err := st.GetStep(context.Background(), 3)
	require.NoError(t, err)
	require.NotNil(t, local)
	assert.Equal(t, record.String("40"), local.Data["progress_pct"])
	conflicts, err := st.Conflicts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestResolveWithoutConflicts(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.run("resolve", "1=client")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "no pending conflicts")
}

func TestSyncReadOnlyRemote(t *testing.T) {
	env := newTestEnv(t)
	env.server.SetReadOnly(true)
	env.writeForm(t, 1, "company", "Acme")

	_, err := env.run("save", "--fields", env.fields)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	env.server.SetReadOnly(false)
	out, err := env.run("sync")
	require.NoError(t, err)
	assert.Contains(t, out, "sync (online): synced")
}

func TestSyncUnauthenticated(t *testing.T) {
	env := newTestEnv(t, remote.WithToken("s3cret"))
	env.writeForm(t, 1, "company", "Acme")

	_, err := env.run("save", "--fields", env.fields)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remote rejected the credentials")

	out, err := env.run("--token", "s3cret", "sync")
	require.NoError(t, err)
	assert.Contains(t, out, "synced")
}

func TestSyncNothingPending(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.run("sync", "--trigger", "periodic")
	require.NoError(t, err)
	assert.Contains(t, out, "sync (periodic): skipped")
}

func TestSyncInvalidTrigger(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.run("sync", "--trigger", "resolve")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestStatusWithoutEndpointIsOffline(t *testing.T) {
	env := newTestEnv(t)

	out, err := execute("--db", env.db, "--format", "json", "status")
	require.NoError(t, err)
	_, data := decodeResponse(t, out)
	assert.Equal(t, "offline", data["indicator"])
	assert.EqualValues(t, 0, data["pending"])
}

func TestParseResolutions(t *testing.T) {
	res, err := parseResolutions([]string{"3=client", "4=server", "5=merge:owner=server,progress_pct=client", "6=merge"})
	require.NoError(t, err)
	assert.Equal(t, record.ResolutionMap{
		3: record.UseClient(),
		4: record.UseServer(),
		5: record.Merge(map[string]record.Side{"owner": record.SideServer, "progress_pct": record.SideClient}),
		6: {Mode: record.ModeMerge},
	}, res)

	cases := []struct {
		arg  string
		want string
	}{
		{"3", "expected STEP="},
		{"x=client", "positive integer"},
		{"0=client", "positive integer"},
		{"3=both", "invalid resolution mode"},
		{"3=client:owner=server", "only merge takes fields"},
		{"3=merge:owner", "expected FIELD=server|client"},
		{"3=merge:owner=mine", "invalid side"},
	}
	for _, tc := range cases {
		t.Run(tc.arg, func(t *testing.T) {
			_, err := parseResolutions([]string{tc.arg})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}

	_, err = parseResolutions([]string{"3=client", "3=server"})
	assert.ErrorContains(t, err, "more than once")
}
