package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/roach88/stepsync/internal/remote"
)

// testEnv is a scratch directory with a database path and a running
// reference remote.
type testEnv struct {
	dir    string
	db     string
	fields string
	server *remote.Server
	url    string
}

func newTestEnv(t *testing.T, opts ...remote.Option) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := remote.New(append([]remote.Option{remote.WithLogger(logger)}, opts...)...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	dir := t.TempDir()
	return &testEnv{
		dir:    dir,
		db:     filepath.Join(dir, "drafts.db"),
		fields: filepath.Join(dir, "form.json"),
		server: srv,
		url:    ts.URL,
	}
}

// writeForm writes the form field file for step with string values given as
// name, value pairs.
func (e *testEnv) writeForm(t *testing.T, step int, kv ...string) {
	t.Helper()
	fields := make([]map[string]any, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields = append(fields, map[string]any{"name": kv[i], "value": kv[i+1]})
	}
	raw, err := json.Marshal(map[string]any{"step": step, "fields": fields})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(e.fields, raw, 0o600))
}

// run executes the root command with the env's database and endpoint.
func (e *testEnv) run(args ...string) (string, error) {
	full := append([]string{"--db", e.db, "--endpoint", e.url}, args...)
	return execute(full...)
}

func execute(args ...string) (string, error) {
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func decodeResponse(t *testing.T, out string) (CLIResponse, map[string]any) {
	t.Helper()
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	data, _ := resp.Data.(map[string]any)
	return resp, data
}
