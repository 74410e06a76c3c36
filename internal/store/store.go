package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/ScientiaCapital/bug-hive-sub000/api/schemas"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/pipeline"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrStateNotFound is returned by LoadState when no checkpoint exists.
var ErrStateNotFound = errors.New("session state not found")

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS runs (
    session_id  TEXT PRIMARY KEY,
    target_url  TEXT NOT NULL,
    next_step   TEXT NOT NULL,
    iteration   INTEGER NOT NULL,
    total_cost  DOUBLE PRECISION NOT NULL,
    state       JSONB NOT NULL,
    started_at  TIMESTAMPTZ NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS bugs (
    id            TEXT PRIMARY KEY,
    session_id    TEXT NOT NULL,
    page_id       TEXT NOT NULL,
    raw_issue_id  TEXT NOT NULL,
    category      TEXT NOT NULL,
    priority      TEXT NOT NULL,
    status        TEXT NOT NULL,
    title         TEXT NOT NULL,
    description   TEXT NOT NULL,
    repro_steps   JSONB NOT NULL,
    evidence      JSONB NOT NULL,
    confidence    DOUBLE PRECISION NOT NULL,
    source_url    TEXT NOT NULL,
    is_duplicate  BOOLEAN NOT NULL,
    duplicate_of  TEXT,
    external_id   TEXT,
    external_url  TEXT,
    created_at    TIMESTAMPTZ NOT NULL,
    updated_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS bugs_session_id_idx ON bugs (session_id);
`

const sqlUpsertRun = `
        INSERT INTO runs (session_id, target_url, next_step, iteration, total_cost, state, started_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (session_id) DO UPDATE SET
            next_step = EXCLUDED.next_step,
            iteration = EXCLUDED.iteration,
            total_cost = EXCLUDED.total_cost,
            state = EXCLUDED.state,
            updated_at = EXCLUDED.updated_at;
    `

const sqlSelectRun = `SELECT state FROM runs WHERE session_id = $1;`

const sqlUpsertBug = `
        INSERT INTO bugs (id, session_id, page_id, raw_issue_id, category, priority, status, title, description,
                          repro_steps, evidence, confidence, source_url, is_duplicate, duplicate_of,
                          external_id, external_url, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
        ON CONFLICT (id) DO UPDATE SET
            category = EXCLUDED.category,
            priority = EXCLUDED.priority,
            status = EXCLUDED.status,
            is_duplicate = EXCLUDED.is_duplicate,
            duplicate_of = EXCLUDED.duplicate_of,
            external_id = EXCLUDED.external_id,
            external_url = EXCLUDED.external_url,
            updated_at = EXCLUDED.updated_at;
    `

// Store keeps run checkpoints and reported bugs in PostgreSQL.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// SaveState upserts the run checkpoint. The full state is stored as JSONB;
// the other columns exist for querying.
func (s *Store) SaveState(ctx context.Context, state *pipeline.RunState) error {
	doc, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode state for session %s: %w", state.SessionID, err)
	}

	updatedAt := state.UpdatedAt.UTC()
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err = s.pool.Exec(ctx, sqlUpsertRun,
		state.SessionID, state.Config.TargetURL, state.NextStep.String(), state.Iteration,
		state.TotalCost, doc, state.StartedAt.UTC(), updatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save state for session %s: %w", state.SessionID, err)
	}
	s.log.Debug("Checkpoint saved",
		zap.String("session_id", state.SessionID),
		zap.Stringer("next_step", state.NextStep),
		zap.Int("bytes", len(doc)),
	)
	return nil
}

// LoadState reads a checkpoint. It returns ErrStateNotFound for unknown sessions.
func (s *Store) LoadState(ctx context.Context, sessionID string) (*pipeline.RunState, error) {
	rows, err := s.pool.Query(ctx, sqlSelectRun, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query state: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("error during row iteration: %w", err)
		}
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrStateNotFound)
	}

	var doc []byte
	if err := rows.Scan(&doc); err != nil {
		return nil, fmt.Errorf("failed to scan state row: %w", err)
	}
	var state pipeline.RunState
	if err := json.Unmarshal(doc, &state); err != nil {
		return nil, fmt.Errorf("failed to decode state for session %s: %w", sessionID, err)
	}
	return &state, nil
}

// SaveBugs upserts bugs in a single transaction.
func (s *Store) SaveBugs(ctx context.Context, bugs []schemas.Bug) error {
	if len(bugs) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	batch := &pgx.Batch{}
	for _, b := range bugs {
		repro, err := jsonArray(b.ReproSteps)
		if err != nil {
			return fmt.Errorf("failed to encode repro steps for bug %s: %w", b.ID, err)
		}
		evidence, err := jsonArray(b.Evidence)
		if err != nil {
			return fmt.Errorf("failed to encode evidence for bug %s: %w", b.ID, err)
		}
		batch.Queue(sqlUpsertBug,
			b.ID, b.SessionID, b.PageID, b.RawIssueID,
			string(b.Category), string(b.Priority), string(b.Status),
			b.Title, b.Description, repro, evidence, b.Confidence, b.SourceURL,
			b.IsDuplicate, nullable(b.DuplicateOf), nullable(b.ExternalID), nullable(b.ExternalURL),
			b.CreatedAt.UTC(), b.UpdatedAt.UTC(),
		)
	}

	br := tx.SendBatch(ctx, batch)
	if br == nil {
		return fmt.Errorf("failed to send batch: batch results is nil")
	}
	for i := range bugs {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("failed to upsert bug %s (index %d): %w", bugs[i].ID, i, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("failed to close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func jsonArray(items []string) ([]byte, error) {
	if items == nil {
		items = []string{}
	}
	return json.Marshal(items)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
