package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ScientiaCapital/bug-hive-sub000/api/schemas"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/pipeline"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace for more robust SQL mock testing.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

// ArgumentMatcherFunc is a helper to create inline mock matchers.
type ArgumentMatcherFunc func(interface{}) bool

func (f ArgumentMatcherFunc) Match(v interface{}) bool {
	return f(v)
}

// anyValue accepts any argument (used for timestamps and encoded documents).
var anyValue = ArgumentMatcherFunc(func(v interface{}) bool {
	return true
})

// isUTC accepts a time.Time in UTC.
var isUTC = ArgumentMatcherFunc(func(v interface{}) bool {
	ts, ok := v.(time.Time)
	return ok && ts.Location() == time.UTC
})

func newMockStore(t *testing.T, logger *zap.Logger) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing().WillReturnError(nil)
	store, err := New(context.Background(), mockPool, logger)
	require.NoError(t, err)
	return store, mockPool
}

func sampleState() *pipeline.RunState {
	started := time.Date(2026, 4, 2, 8, 30, 0, 0, time.FixedZone("CEST", 2*60*60))
	state := pipeline.NewRunState("sess-1", pipeline.RunConfig{TargetURL: "https://app.example.com", MaxPages: 5}, started)
	state.NextStep = pipeline.StepAnalyze
	state.Iteration = 2
	state.TotalCost = 0.25
	state.AddPage(schemas.Page{ID: "p1", URL: "https://app.example.com", Status: schemas.PageCrawled})
	return state
}

func TestNewStore(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = New(context.Background(), mockPool, zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr, "Error from ping should be propagated")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestMigrate(t *testing.T) {
	store, mockPool := newMockStore(t, zap.NewNop())
	mockPool.ExpectExec(flexibleSQLMatcher(schemaSQL)).WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.Migrate(context.Background()))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestSaveState(t *testing.T) {
	ctx := context.Background()

	t.Run("should upsert the run row with the encoded state", func(t *testing.T) {
		store, mockPool := newMockStore(t, zap.NewNop())
		state := sampleState()

		encodedState := ArgumentMatcherFunc(func(v interface{}) bool {
			doc, ok := v.([]byte)
			if !ok {
				return false
			}
			var decoded pipeline.RunState
			if err := json.Unmarshal(doc, &decoded); err != nil {
				return false
			}
			return decoded.SessionID == "sess-1" && decoded.NextStep == pipeline.StepAnalyze && len(decoded.Pages) == 1
		})

		mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertRun)).
			WithArgs("sess-1", "https://app.example.com", "analyze", 2, 0.25, encodedState, isUTC, isUTC).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		require.NoError(t, store.SaveState(ctx, state))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should wrap database errors", func(t *testing.T) {
		store, mockPool := newMockStore(t, zap.NewNop())
		dbErr := errors.New("connection reset")
		mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertRun)).
			WithArgs(anyValue, anyValue, anyValue, anyValue, anyValue, anyValue, anyValue, anyValue).
			WillReturnError(dbErr)

		err := store.SaveState(ctx, sampleState())
		require.Error(t, err)
		assert.ErrorIs(t, err, dbErr)
		assert.Contains(t, err.Error(), "sess-1")
	})
}

func TestLoadState(t *testing.T) {
	ctx := context.Background()

	t.Run("should decode a stored checkpoint", func(t *testing.T) {
		store, mockPool := newMockStore(t, zap.NewNop())
		doc, err := json.Marshal(sampleState())
		require.NoError(t, err)

		mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectRun)).
			WithArgs("sess-1").
			WillReturnRows(pgxmock.NewRows([]string{"state"}).AddRow(doc))

		state, err := store.LoadState(ctx, "sess-1")
		require.NoError(t, err)
		assert.Equal(t, "sess-1", state.SessionID)
		assert.Equal(t, pipeline.StepAnalyze, state.NextStep)
		assert.Equal(t, 2, state.Iteration)
		assert.True(t, state.Continue)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should return ErrStateNotFound for unknown sessions", func(t *testing.T) {
		store, mockPool := newMockStore(t, zap.NewNop())
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectRun)).
			WithArgs("nope").
			WillReturnRows(pgxmock.NewRows([]string{"state"}))

		_, err := store.LoadState(ctx, "nope")
		assert.ErrorIs(t, err, ErrStateNotFound)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should reject corrupt documents", func(t *testing.T) {
		store, mockPool := newMockStore(t, zap.NewNop())
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectRun)).
			WithArgs("sess-1").
			WillReturnRows(pgxmock.NewRows([]string{"state"}).AddRow([]byte(`{"next_step":"teleport"}`)))

		_, err := store.LoadState(ctx, "sess-1")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrStateNotFound)
		assert.Contains(t, err.Error(), "failed to decode state")
	})
}

func TestSaveBugs(t *testing.T) {
	ctx := context.Background()
	created := time.Date(2026, 4, 2, 10, 0, 0, 0, time.FixedZone("EST", -5*60*60))
	bugs := []schemas.Bug{
		{
			ID: "bug-1", SessionID: "sess-1", PageID: "p1", RawIssueID: "i1",
			Category: schemas.CategorySecurity, Priority: schemas.PriorityCritical, Status: schemas.StatusReported,
			Title: "Password form submitted over plain HTTP", Description: "d1",
			ReproSteps: []string{"Open /login"}, Confidence: 0.9, SourceURL: "https://app.example.com/login",
			CreatedAt: created, UpdatedAt: created,
		},
		{
			ID: "bug-2", SessionID: "sess-1", PageID: "p2", RawIssueID: "i2",
			Category: schemas.CategoryData, Priority: schemas.PriorityHigh, Status: schemas.StatusReported,
			Title: "HTTP 500 on POST /api/users", Description: "d2", Confidence: 0.95,
			ExternalID: "12", ExternalURL: "https://github.com/acme/app/issues/12",
			CreatedAt: created, UpdatedAt: created,
		},
	}

	t.Run("should upsert all bugs in one batch without rollback errors", func(t *testing.T) {
		observedZapCore, observedLogs := observer.New(zapcore.ErrorLevel)
		store, mockPool := newMockStore(t, zap.New(observedZapCore))

		mockPool.ExpectBegin()
		batchExp := mockPool.ExpectBatch()
		batchExp.ExpectExec(flexibleSQLMatcher(sqlUpsertBug)).
			WithArgs(
				"bug-1", "sess-1", "p1", "i1", "security", "critical", "reported",
				"Password form submitted over plain HTTP", "d1",
				[]byte(`["Open /login"]`), []byte(`[]`), 0.9, "https://app.example.com/login",
				false, (*string)(nil), (*string)(nil), (*string)(nil),
				isUTC, isUTC,
			).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		ext, extURL := "12", "https://github.com/acme/app/issues/12"
		batchExp.ExpectExec(flexibleSQLMatcher(sqlUpsertBug)).
			WithArgs(
				"bug-2", "sess-1", "p2", "i2", "data", "high", "reported",
				"HTTP 500 on POST /api/users", "d2",
				[]byte(`[]`), []byte(`[]`), 0.95, "",
				false, (*string)(nil), &ext, &extURL,
				isUTC, isUTC,
			).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		require.NoError(t, store.SaveBugs(ctx, bugs))
		assert.NoError(t, mockPool.ExpectationsWereMet())
		assert.Empty(t, observedLogs.All(), "Expected no errors logged on successful commit")
	})

	t.Run("should do nothing for an empty slice", func(t *testing.T) {
		store, mockPool := newMockStore(t, zap.NewNop())
		require.NoError(t, store.SaveBugs(ctx, nil))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should handle transaction begin failure", func(t *testing.T) {
		store, mockPool := newMockStore(t, zap.NewNop())
		beginErr := errors.New("cannot begin tx")
		mockPool.ExpectBegin().WillReturnError(beginErr)

		err := store.SaveBugs(ctx, bugs)
		require.Error(t, err)
		assert.ErrorIs(t, err, beginErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should rollback if an upsert fails", func(t *testing.T) {
		store, mockPool := newMockStore(t, zap.NewNop())
		upsertErr := errors.New("check constraint violated")

		mockPool.ExpectBegin()
		batchExp := mockPool.ExpectBatch()
		batchExp.ExpectExec(flexibleSQLMatcher(sqlUpsertBug)).
			WithArgs(anyValue, anyValue, anyValue, anyValue, anyValue, anyValue, anyValue, anyValue, anyValue, anyValue,
				anyValue, anyValue, anyValue, anyValue, anyValue, anyValue, anyValue, anyValue, anyValue).
			WillReturnError(upsertErr)
		mockPool.ExpectRollback()

		err := store.SaveBugs(ctx, bugs[:1])
		require.Error(t, err)
		assert.ErrorIs(t, err, upsertErr)
		assert.Contains(t, err.Error(), "bug-1")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}
