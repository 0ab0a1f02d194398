package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ferry/internal/model"
	"github.com/roach88/ferry/internal/remote"
)

// harness runs commands against one database and one in-process set of
// memory backends shared across invocations.
type harness struct {
	t       *testing.T
	db      string
	factory *remote.MemoryFactory
}

func newHarness(t *testing.T) *harness {
	return &harness{
		t:       t,
		db:      filepath.Join(t.TempDir(), "ferry.db"),
		factory: remote.NewMemoryFactory(),
	}
}

// run executes args and returns stdout and the command error.
func (h *harness) run(args ...string) (string, error) {
	h.t.Helper()
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	cmd := newRootCommand(&RootOptions{Factory: h.factory})
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs(append([]string{"--db", h.db}, args...))
	err := cmd.Execute()
	return out.String(), err
}

// runJSON executes args with --format json and decodes the data payload.
func (h *harness) runJSON(dst any, args ...string) error {
	h.t.Helper()
	stdout, err := h.run(append([]string{"--format", "json"}, args...)...)
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(h.t, json.Unmarshal([]byte(stdout), &resp), stdout)
	if dst != nil && resp.Status == "ok" {
		require.NoError(h.t, json.Unmarshal(resp.Data, dst))
	}
	return err
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "ferry", cmd.Use)
	assert.Contains(t, cmd.Long, "offline")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	paths := [][]string{
		{"run"}, {"sync"}, {"drain"}, {"status"},
		{"write", "add"}, {"write", "update"}, {"write", "delete"},
		{"queue", "list"}, {"queue", "requeue"}, {"queue", "sweep"},
		{"cache", "get"}, {"cache", "list"}, {"cache", "clear"},
		{"backend", "list"}, {"backend", "register"}, {"backend", "activate"},
		{"backend", "rotate"}, {"backend", "replicate"}, {"backend", "schedule"},
		{"backend", "remove"}, {"backend", "history"},
		{"schema", "check"},
	}

	for _, path := range paths {
		t.Run(strings.Join(path, "_"), func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err)
			assert.Equal(t, path[len(path)-1], subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	require.NotNil(t, cmd.PersistentFlags().Lookup("config"))
	require.NotNil(t, cmd.PersistentFlags().Lookup("db"))
}

func TestInvalidFormat(t *testing.T) {
	h := newHarness(t)
	_, err := h.run("--format", "xml", "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestUnreadableConfig(t *testing.T) {
	h := newHarness(t)
	_, err := h.run("--config", filepath.Join(t.TempDir(), "missing.yaml"), "status")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestWriteQueueDrainFlow(t *testing.T) {
	h := newHarness(t)

	var op model.SyncOperation
	require.NoError(t, h.runJSON(&op, "write", "add", "customers", "c1", "--data", `{"name":"Ada","visits":2}`))
	assert.Equal(t, model.OpAdd, op.Kind)
	assert.Equal(t, model.StatePending, op.State)

	require.NoError(t, h.runJSON(nil, "write", "update", "customers", "c1", "--data", `{"visits":3}`))

	var ops []model.SyncOperation
	require.NoError(t, h.runJSON(&ops, "queue", "list", "--state", "pending"))
	assert.Len(t, ops, 2)

	var rec model.Record
	require.NoError(t, h.runJSON(&rec, "cache", "get", "customers", "c1"))
	assert.Equal(t, "Ada", rec.Fields["name"])

	out, err := h.run("drain")
	require.NoError(t, err)
	assert.Contains(t, out, "2 synced")

	got := h.factory.Backend("primary").Snapshot("customers")["c1"]
	assert.Equal(t, model.Fields{"name": "Ada", "visits": int64(3)}, got)
}

func TestWriteRejectsUnknownCollection(t *testing.T) {
	h := newHarness(t)

	_, err := h.run("write", "add", "widgets", "w1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = h.run("write", "add", "customers", "--data", "[1,2]")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestSyncAndCacheList(t *testing.T) {
	h := newHarness(t)
	h.factory.Backend("primary").Seed("products",
		model.Document{ID: "p1", Fields: model.Fields{"sku": "A-1"}},
		model.Document{ID: "p2", Fields: model.Fields{"sku": "B-2"}},
	)

	out, err := h.run("sync")
	require.NoError(t, err)
	assert.Contains(t, out, "Synced 2 document(s)")

	out, err = h.run("sync")
	require.NoError(t, err)
	assert.Contains(t, out, "Cache is fresh")

	var recs []model.Record
	require.NoError(t, h.runJSON(&recs, "cache", "list", "products"))
	assert.Len(t, recs, 2)

	out, err = h.run("cache", "clear")
	require.NoError(t, err)
	assert.Contains(t, out, "Cache cleared")

	require.NoError(t, h.runJSON(&recs, "cache", "list", "products"))
	assert.Empty(t, recs)
}

func TestBackendCommands(t *testing.T) {
	h := newHarness(t)

	var backends []model.Backend
	require.NoError(t, h.runJSON(&backends, "backend", "list"))
	require.Len(t, backends, 2)

	out, err := h.run("backend", "register", "--label", "east",
		"--project-id", "east", "--api-key", "key-east", "--auth-domain", "east.example.com",
		"--storage-bucket", "east.bucket", "--sender-id", "1000", "--app-id", "app-east")
	require.NoError(t, err)
	assert.Contains(t, out, "Registered")

	h.factory.SetUnreachable("west", true)
	_, err = h.run("backend", "register", "--label", "west",
		"--project-id", "west", "--api-key", "key-west", "--auth-domain", "west.example.com",
		"--storage-bucket", "west.bucket", "--sender-id", "1000", "--app-id", "app-west")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	require.NoError(t, h.runJSON(&backends, "backend", "list"))
	assert.Len(t, backends, 3)

	out, err = h.run("backend", "activate", "standby")
	require.NoError(t, err)
	assert.Contains(t, out, "Activated standby")

	var history []model.RotationEntry
	require.NoError(t, h.runJSON(&history, "backend", "history"))
	require.Len(t, history, 1)
	assert.Equal(t, "standby", history[0].To)

	_, err = h.run("backend", "replicate", "--from", "primary", "--to", "primary")
	require.Error(t, err)

	out, err = h.run("backend", "schedule", "--hours", "24")
	require.NoError(t, err)
	assert.Contains(t, out, "Rotating every 24h")

	out, err = h.run("backend", "rotate")
	require.NoError(t, err)
	assert.Contains(t, out, "Rotated standby")
}

func TestBackendRegisterFromFile(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(t.TempDir(), "north.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`apiKey: key-north
authDomain: north.example.com
projectId: north
storageBucket: north.bucket
messagingSenderId: "1000"
appId: app-north
`), 0o644))

	var result struct {
		Result model.Backend `json:"result"`
	}
	require.NoError(t, h.runJSON(&result, "backend", "register", "--label", "north", "--file", path))
	assert.Equal(t, "north", result.Result.Label)
	assert.NotContains(t, result.Result.Descriptor.APIKey, "north", "api key is redacted")
}

func TestStatusCommand(t *testing.T) {
	h := newHarness(t)
	_, err := h.run("write", "add", "customers", "c1", "--data", `{"name":"Ada"}`)
	require.NoError(t, err)

	out, err := h.run("status")
	require.NoError(t, err)
	assert.Contains(t, out, "Active backend: primary")
	assert.Contains(t, out, "1 pending")
}

func TestSchemaCheck(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()

	good := filepath.Join(dir, "good.cue")
	require.NoError(t, os.WriteFile(good, []byte(`collection: notes: {
	indexes: ["author"]
	window: {field: "createdAt", days: 30}
}
`), 0o644))
	out, err := h.run("schema", "check", good)
	require.NoError(t, err)
	assert.Contains(t, out, "1 collection(s)")
	assert.Contains(t, out, "notes indexes=author")

	bad := filepath.Join(dir, "bad.cue")
	require.NoError(t, os.WriteFile(bad, []byte(`collection: Notes: {indexes: 3}`), 0o644))
	_, err = h.run("schema", "check", bad)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}
