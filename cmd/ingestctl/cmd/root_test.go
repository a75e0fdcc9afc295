package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"doc-ingest/internal/app"
	"doc-ingest/internal/events"
	"doc-ingest/internal/ingest"
	"doc-ingest/internal/queue"
	"doc-ingest/internal/store"
	"doc-ingest/internal/worker"
)

// newTestDeps builds single-node dependencies and makes every command use them.
func newTestDeps(t *testing.T) *app.Deps {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("STORE_PROVIDER", "sqlite")
	t.Setenv("SQLITE_PATH", filepath.Join(dir, "ingest.db"))
	t.Setenv("QUEUE_PROVIDER", "memory")
	t.Setenv("BLOB_PROVIDER", "filesystem")
	t.Setenv("BLOB_DIR", filepath.Join(dir, "blobs"))
	t.Setenv("INDEX_PROVIDER", "memory")
	t.Setenv("EMBEDDING_PROVIDER", "stub")
	t.Setenv("EMBEDDING_DIMENSIONS", "16")
	t.Setenv("LLM_PROVIDER", "stub")
	t.Setenv("EVENTS_URL", "")
	t.Setenv("LOG_LEVEL", "error")

	deps, err := app.Build(context.Background())
	require.NoError(t, err)
	t.Cleanup(deps.Close)

	// The test keeps using deps after the command returns, so commands
	// must not close them.
	orig := loadDeps
	loadDeps = func(context.Context) (*app.Deps, func(), error) { return &deps, func() {}, nil }
	t.Cleanup(func() { loadDeps = orig })
	return &deps
}

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func submit(t *testing.T, deps *app.Deps, source string) store.Document {
	t.Helper()
	res, err := deps.Ingest.Submit(context.Background(), ingest.Request{Source: source, Content: []byte("alpha beta gamma")})
	require.NoError(t, err)
	return res.Document
}

func TestNewRootCmd_Subcommands(t *testing.T) {
	root := NewRootCmd()

	for _, path := range [][]string{
		{"dlq", "list"},
		{"dlq", "replay"},
		{"queue", "stats"},
		{"reap"},
		{"events", "watch"},
	} {
		found, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], found.Name())
	}

	list, _, err := root.Find([]string{"dlq", "list"})
	require.NoError(t, err)
	limit := list.Flags().Lookup("limit")
	require.NotNil(t, limit)
	assert.Equal(t, "100", limit.DefValue)
}

func TestCommandsReleaseDeps(t *testing.T) {
	deps := newTestDeps(t)
	released := 0
	loadDeps = func(context.Context) (*app.Deps, func(), error) {
		return deps, func() { released++ }, nil
	}

	_, err := runCmd(t, "queue", "stats")
	require.NoError(t, err)
	_, err = runCmd(t, "reap")
	require.NoError(t, err)

	assert.Equal(t, 2, released)
}

func TestDLQList(t *testing.T) {
	deps := newTestDeps(t)
	doc := submit(t, deps, "a.txt")
	require.NoError(t, deps.Queue.DeadLetterJob(context.Background(), queue.NewJob(doc.ID), "embedding provider down"))

	out, err := runCmd(t, "dlq", "list")

	require.NoError(t, err)
	assert.Contains(t, out, "DOCUMENT")
	assert.Contains(t, out, doc.ID.String())
	assert.Contains(t, out, "embedding provider down")
}

func TestDLQList_JSON(t *testing.T) {
	deps := newTestDeps(t)
	doc := submit(t, deps, "a.txt")
	require.NoError(t, deps.Queue.DeadLetterJob(context.Background(), queue.NewJob(doc.ID), "boom"))

	out, err := runCmd(t, "dlq", "list", "--json")

	require.NoError(t, err)
	var dead []queue.DeadLetter
	require.NoError(t, json.Unmarshal([]byte(out), &dead))
	require.Len(t, dead, 1)
	assert.Equal(t, doc.ID, dead[0].Job.DocumentID)
	assert.Equal(t, "boom", dead[0].Reason)
}

func TestDLQList_Empty(t *testing.T) {
	newTestDeps(t)

	out, err := runCmd(t, "dlq", "list")

	require.NoError(t, err)
	assert.Contains(t, out, "Dead-letter queue is empty")
}

func TestDLQList_RejectsLimit(t *testing.T) {
	_, err := runCmd(t, "dlq", "list", "--limit=0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--limit")
}

func TestDLQReplay(t *testing.T) {
	deps := newTestDeps(t)
	ctx := context.Background()
	doc := submit(t, deps, "a.txt")
	_, err := deps.Store.Transition(ctx, doc.ID, store.StateQueued, store.StateFailed, store.WithLastError("boom"))
	require.NoError(t, err)

	out, err := runCmd(t, "dlq", "replay", doc.ID.String())

	require.NoError(t, err)
	assert.Contains(t, out, "Replayed "+doc.ID.String())
	got, err := deps.Store.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateQueued, got.State)
}

func TestDLQReplay_Errors(t *testing.T) {
	tests := []struct {
		name    string
		arg     func(t *testing.T, deps *app.Deps) string
		wantErr string
	}{
		{
			name:    "invalid id",
			arg:     func(*testing.T, *app.Deps) string { return "not-a-uuid" },
			wantErr: "invalid document id",
		},
		{
			name:    "unknown document",
			arg:     func(*testing.T, *app.Deps) string { return uuid.NewString() },
			wantErr: store.ErrNotFound.Error(),
		},
		{
			name: "document not failed",
			arg: func(t *testing.T, deps *app.Deps) string {
				return submit(t, deps, "queued.txt").ID.String()
			},
			wantErr: store.ErrConflict.Error(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := newTestDeps(t)
			_, err := runCmd(t, "dlq", "replay", tt.arg(t, deps))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestQueueStats(t *testing.T) {
	deps := newTestDeps(t)
	submit(t, deps, "a.txt")
	submit(t, deps, "b.txt")

	out, err := runCmd(t, "queue", "stats")

	require.NoError(t, err)
	assert.Contains(t, out, "Pending:   2 / ")
	assert.Contains(t, out, "QUEUED:")
	assert.Contains(t, out, "DONE:")
}

func TestQueueStats_JSON(t *testing.T) {
	deps := newTestDeps(t)
	submit(t, deps, "a.txt")

	out, err := runCmd(t, "queue", "stats", "--json")

	require.NoError(t, err)
	var body struct {
		Queue     queue.Stats    `json:"queue"`
		MaxLength int            `json:"max_length"`
		Documents map[string]int `json:"documents"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &body))
	assert.Equal(t, int64(1), body.Queue.Pending)
	assert.Equal(t, deps.Config.QueueMaxLength, body.MaxLength)
	assert.Equal(t, 1, body.Documents["QUEUED"])
	assert.Equal(t, 0, body.Documents["FAILED"])
}

func TestReap_JSON(t *testing.T) {
	newTestDeps(t)

	out, err := runCmd(t, "reap", "--json")

	require.NoError(t, err)
	var res worker.ReapResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, worker.ReapResult{}, res)
}

func TestReap_Text(t *testing.T) {
	newTestDeps(t)

	out, err := runCmd(t, "reap")

	require.NoError(t, err)
	assert.Contains(t, out, "Requeued leases:      0")
	assert.Contains(t, out, "Re-enqueued docs:     0")
}

func TestEventsWatch_RequiresNATS(t *testing.T) {
	newTestDeps(t)

	_, err := runCmd(t, "events", "watch")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "EVENTS_URL")
}

func TestFormatEvent(t *testing.T) {
	id := uuid.MustParse("7d444840-9dc0-11d1-b245-5ffdce74fad2")
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		ev   events.Event
		want string
	}{
		{
			name: "state only",
			ev:   events.Event{DocumentID: id, State: "DONE", At: at},
			want: "2024-05-01T12:00:00Z 7d444840-9dc0-11d1-b245-5ffdce74fad2 DONE",
		},
		{
			name: "failure",
			ev:   events.Event{DocumentID: id, State: "FAILED", Attempt: 3, Error: "index: timeout", At: at},
			want: `2024-05-01T12:00:00Z 7d444840-9dc0-11d1-b245-5ffdce74fad2 FAILED attempt=3 error="index: timeout"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatEvent(tt.ev))
		})
	}
}
