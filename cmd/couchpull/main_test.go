package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/couchpull/internal/couchtest"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append(args, "--log-level", "error"))
	err := cmd.Execute()
	return out.String(), err
}

func TestPull_OneShotIntoSQLite(t *testing.T) {
	srv := couchtest.New(t)
	srv.Put("a", "1-a", map[string]any{"type": "note", "text": "first"})
	srv.Put("b", "1-b", map[string]any{"type": "task", "text": "second"})
	srv.Put("c", "1-c", map[string]any{"type": "note", "text": "third"})

	target := filepath.Join(t.TempDir(), "pull.db")
	out, err := run(t, "pull", "--source", srv.DBURL(), "--target", target)
	require.NoError(t, err)
	assert.Contains(t, out, "state=stopped ")
	assert.Contains(t, out, "completed=3")
	assert.Contains(t, out, "checkpoint=3")

	out, err = run(t, "checkpoint", "--source", srv.DBURL(), "--target", target)
	require.NoError(t, err)
	assert.Contains(t, out, "key: ")
	assert.Contains(t, out, "last_seq: 3")

	out, err = run(t, "docs", "--target", target, "--type", "note")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	var first docLine
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "a", first.ID)
	assert.Equal(t, "1-a", first.Rev)
	assert.Equal(t, "first", first.Body["text"])

	out, err = run(t, "docs", "--target", target, "b")
	require.NoError(t, err)
	assert.Contains(t, out, `"_id":"b"`)
}

func TestPull_RerunFetchesNothing(t *testing.T) {
	srv := couchtest.New(t)
	srv.Put("a", "1-a", map[string]any{"n": 1})
	target := filepath.Join(t.TempDir(), "pull.db")

	_, err := run(t, "pull", "--source", srv.DBURL(), "--target", target)
	require.NoError(t, err)
	fetches := srv.Requests("revision")

	out, err := run(t, "pull", "--source", srv.DBURL(), "--target", target)
	require.NoError(t, err)
	assert.Contains(t, out, "discovered=0")
	assert.Equal(t, fetches, srv.Requests("revision"))
}

func TestPull_UnauthorizedFails(t *testing.T) {
	srv := couchtest.New(t, couchtest.WithBasicAuth("admin", "secret"))
	srv.Put("a", "1-a", map[string]any{"n": 1})

	_, err := run(t, "pull", "--source", srv.DBURL(), "--target", "memory", "--no-server-check")
	require.Error(t, err)

	out, err := run(t, "pull", "--source", srv.DBURL(), "--target", "memory",
		"--username", "admin", "--password", "secret")
	require.NoError(t, err)
	assert.Contains(t, out, "completed=1")
}

func TestPull_InvalidConfig(t *testing.T) {
	_, err := run(t, "pull", "--target", "memory", "--source", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source.url")

	_, err = run(t, "pull", "--source", "http://localhost:5984/db", "--view", "nodelimiter")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ddoc/view")
}

func TestResolveConfig_FlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "couchpull.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
source:
  url: http://file.example/db
  username: alice
  password: pw
target:
  driver: sqlite
  dsn: from-file.db
feed:
  filter: app/by_type
logging:
  level: warn
`), 0o600))

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("source", "", "")
	fs.String("target", "", "")
	fs.Bool("gzip", false, "")
	require.NoError(t, fs.Parse([]string{"--source", "http://flag.example/db"}))

	f := &sourceFlags{
		configPath:  path,
		source:      "http://flag.example/db",
		target:      "couchpull.db",
		compression: false,
		headers:     map[string]string{"X-Trace": "1"},
	}
	cfg, err := f.resolveConfig(fs)
	require.NoError(t, err)

	assert.Equal(t, "http://flag.example/db", cfg.Source.URL)
	assert.Equal(t, "alice", cfg.Source.Username)
	// An unchanged flag default does not replace a value from the file.
	assert.Equal(t, "from-file.db", cfg.Target.DSN)
	assert.Equal(t, "app/by_type", cfg.Feed.Filter)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "1", cfg.Source.Headers["X-Trace"])
	require.NoError(t, cfg.Validate())
}

func TestResolveConfig_View(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	f := &sourceFlags{source: "http://localhost:5984/db", target: "memory", view: "app/recent"}

	cfg, err := f.resolveConfig(fs)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Target.Driver)
	assert.Equal(t, "app", cfg.Feed.DesignDoc)
	assert.Equal(t, "recent", cfg.Feed.View)
}

func TestPull_ViewEvictionAndBulkFetch(t *testing.T) {
	srv := couchtest.New(t)
	srv.Put("a", "1-a", map[string]any{"type": "task"})
	srv.Put("b", "1-b", map[string]any{"type": "task"})
	srv.DefineView("app/tasks", func(_ string, body map[string]any) bool { return body["type"] == "task" })
	target := filepath.Join(t.TempDir(), "pull.db")

	out, err := run(t, "pull", "--source", srv.DBURL(), "--target", target,
		"--view", "app/tasks", "--evict", "--bulk-fetch", "10")
	require.NoError(t, err)
	assert.Contains(t, out, "completed=2")
	assert.NotContains(t, out, "evicted=")

	srv.AddRevision("b", []string{"2-b", "1-b"}, false, map[string]any{"type": "note"}, nil)
	out, err = run(t, "pull", "--source", srv.DBURL(), "--target", target,
		"--view", "app/tasks", "--evict")
	require.NoError(t, err)
	assert.Contains(t, out, "evicted=1")

	out, err = run(t, "docs", "--target", target)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(out, "\n"))
	assert.Contains(t, out, `"_id":"a"`)
}
