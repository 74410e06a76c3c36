package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ScientiaCapital/bug-hive-sub000/api/schemas"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/pipeline"
)

var (
	_ pipeline.StateStore = (*Store)(nil)
	_ pipeline.StateStore = (*FileStore)(nil)
	_ schemas.BugSink     = (*Store)(nil)
	_ schemas.BugSink     = (*FileStore)(nil)
)

func newFileStore(t *testing.T) *FileStore {
	t.Helper()
	fs, err := NewFileStore(filepath.Join(t.TempDir(), "sessions"), zaptest.NewLogger(t))
	require.NoError(t, err)
	return fs
}

func TestFileStore_StateRoundTrip(t *testing.T) {
	ctx := context.Background()
	fs := newFileStore(t)
	state := sampleState()

	require.NoError(t, fs.SaveState(ctx, state))

	state.NextStep = pipeline.StepReport
	state.Iteration = 3
	require.NoError(t, fs.SaveState(ctx, state), "overwriting a checkpoint must succeed")

	loaded, err := fs.LoadState(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StepReport, loaded.NextStep)
	assert.Equal(t, 3, loaded.Iteration)
	assert.Equal(t, "https://app.example.com", loaded.Config.TargetURL)
	require.Len(t, loaded.Pages, 1)
	assert.True(t, loaded.HasPage("https://app.example.com"))

	entries, err := os.ReadDir(fs.Dir())
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not be left behind")
	assert.Equal(t, "sess-1.json", entries[0].Name())
}

func TestFileStore_LoadUnknownSession(t *testing.T) {
	fs := newFileStore(t)
	_, err := fs.LoadState(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrStateNotFound)
}

func TestFileStore_RejectsUnsafeSessionIDs(t *testing.T) {
	fs := newFileStore(t)
	for _, id := range []string{"", "../escape", "a/b", ".hidden"} {
		t.Run(id, func(t *testing.T) {
			state := sampleState()
			state.SessionID = id
			assert.Error(t, fs.SaveState(context.Background(), state))
			_, err := fs.LoadState(context.Background(), id)
			assert.Error(t, err)
			assert.NotErrorIs(t, err, ErrStateNotFound)
		})
	}
}

func TestFileStore_CorruptCheckpoint(t *testing.T) {
	fs := newFileStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(fs.Dir(), "sess-1.json"), []byte("{not json"), 0o600))

	_, err := fs.LoadState(context.Background(), "sess-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode state")
}

func TestFileStore_SaveBugsMerges(t *testing.T) {
	ctx := context.Background()
	fs := newFileStore(t)
	t0 := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

	first := []schemas.Bug{
		{ID: "b2", SessionID: "sess-1", Title: "second", Status: schemas.StatusReported, CreatedAt: t0.Add(time.Minute)},
		{ID: "b1", SessionID: "sess-1", Title: "first", Status: schemas.StatusReported, CreatedAt: t0},
	}
	require.NoError(t, fs.SaveBugs(ctx, first))

	update := []schemas.Bug{
		{ID: "b2", SessionID: "sess-1", Title: "second", Status: schemas.StatusReported, ExternalID: "7", CreatedAt: t0.Add(time.Minute)},
		{ID: "b3", SessionID: "sess-1", Title: "third", Status: schemas.StatusReported, CreatedAt: t0.Add(2 * time.Minute)},
		{ID: "x1", SessionID: "sess-2", Title: "other run", Status: schemas.StatusReported, CreatedAt: t0},
	}
	require.NoError(t, fs.SaveBugs(ctx, update))

	bugs, err := fs.LoadBugs("sess-1")
	require.NoError(t, err)
	require.Len(t, bugs, 3)
	assert.Equal(t, []string{"b1", "b2", "b3"}, []string{bugs[0].ID, bugs[1].ID, bugs[2].ID})
	assert.Equal(t, "7", bugs[1].ExternalID, "later saves replace bugs with the same id")

	other, err := fs.LoadBugs("sess-2")
	require.NoError(t, err)
	require.Len(t, other, 1)

	none, err := fs.LoadBugs("sess-3")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestFileStore_ConcurrentSaveBugs(t *testing.T) {
	ctx := context.Background()
	fs := newFileStore(t)
	t0 := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			bug := schemas.Bug{ID: string(rune('a' + i)), SessionID: "sess-1", CreatedAt: t0}
			assert.NoError(t, fs.SaveBugs(ctx, []schemas.Bug{bug}))
		}(i)
	}
	wg.Wait()

	bugs, err := fs.LoadBugs("sess-1")
	require.NoError(t, err)
	assert.Len(t, bugs, 10, "concurrent merges must not lose updates")
}

func TestNewFileStore_ExpandsHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	homedir.DisableCache = true
	t.Cleanup(func() { homedir.DisableCache = false })

	fs, err := NewFileStore("~/bughive-sessions", zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "bughive-sessions"), fs.Dir())
	assert.DirExists(t, fs.Dir())
}
