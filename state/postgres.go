// Package state implements the durable and cache tiers for agent and
// workflow snapshots: a Postgres-backed checkpoint store, a Redis hot
// state store, and in-memory fallbacks for tests and degraded
// operation.
package state

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/itsneelabh/agentmesh/core"
)

// Schema for the checkpoint tables. Applied idempotently at startup.
const checkpointSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
    checkpoint_id TEXT PRIMARY KEY,
    agent_id      TEXT NOT NULL,
    session_id    TEXT NOT NULL,
    state         TEXT NOT NULL,
    blob          BYTEA NOT NULL,
    compressed    BOOLEAN NOT NULL DEFAULT FALSE,
    metadata      JSONB,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    size_bytes    BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_agent ON checkpoints (agent_id);
CREATE INDEX IF NOT EXISTS idx_checkpoints_session ON checkpoints (session_id);
CREATE INDEX IF NOT EXISTS idx_checkpoints_created ON checkpoints (created_at);

CREATE TABLE IF NOT EXISTS agent_state (
    agent_id     TEXT PRIMARY KEY,
    session_id   TEXT NOT NULL,
    state        TEXT NOT NULL,
    context      JSONB,
    last_updated TIMESTAMPTZ NOT NULL DEFAULT now(),
    metadata     JSONB
);
`

// PostgresCheckpointStore persists immutable checkpoints and the
// latest-state upsert table in Postgres. All operations degrade
// gracefully: backend loss logs and returns empty results rather than
// propagating. CreateCheckpoint still rejects a context that cannot be
// serialized or exceeds the size ceiling.
type PostgresCheckpointStore struct {
	db     *sqlx.DB
	config core.CheckpointConfig
	logger core.Logger
}

// NewPostgresCheckpointStore connects and ensures the schema.
func NewPostgresCheckpointStore(databaseURL string, config core.CheckpointConfig, logger core.Logger) (*PostgresCheckpointStore, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("state/checkpoint")
	}

	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect checkpoint store: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if _, err := db.Exec(checkpointSchema); err != nil {
		return nil, fmt.Errorf("apply checkpoint schema: %w", err)
	}

	return &PostgresCheckpointStore{db: db, config: config, logger: logger}, nil
}

// NewPostgresCheckpointStoreFromDB wraps an existing handle. Used by
// tests with sqlmock.
func NewPostgresCheckpointStoreFromDB(db *sqlx.DB, config core.CheckpointConfig, logger core.Logger) *PostgresCheckpointStore {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &PostgresCheckpointStore{db: db, config: config, logger: logger}
}

// CreateCheckpoint serializes and persists a snapshot. The context blob
// is JSON, optionally gzip-compressed; blobs over the configured
// ceiling are rejected with an error. A failed insert is logged and
// yields an empty id with a nil error.
func (s *PostgresCheckpointStore) CreateCheckpoint(ctx context.Context, agentID, sessionID, state string, contextData core.Value, metadata core.Value) (string, error) {
	const op = "checkpoint.Create"

	blob, err := json.Marshal(contextData)
	if err != nil {
		return "", core.NewError(core.CodeSandboxError, core.KindInvalid, op, agentID,
			fmt.Errorf("serialize context: %w", err))
	}

	if s.config.MaxCheckpointBytes > 0 && int64(len(blob)) > s.config.MaxCheckpointBytes {
		return "", core.NewError(core.CodeSandboxError, core.KindInvalid, op, agentID,
			fmt.Errorf("%w: %d > %d bytes", core.ErrCheckpointTooLarge, len(blob), s.config.MaxCheckpointBytes))
	}

	compressed := false
	if s.config.Compress {
		if packed, cerr := gzipBytes(blob); cerr == nil && len(packed) < len(blob) {
			blob = packed
			compressed = true
		}
	}

	metaJSON, _ := json.Marshal(metadata)
	checkpointID := uuid.NewString()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (checkpoint_id, agent_id, session_id, state, blob, compressed, metadata, created_at, size_bytes)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		checkpointID, agentID, sessionID, state, blob, compressed, metaJSON, time.Now().UTC(), len(blob))
	if err != nil {
		s.logger.Error("Checkpoint insert failed", map[string]interface{}{
			"agent_id": agentID,
			"error":    err.Error(),
		})
		return "", nil
	}

	s.logger.Debug("Checkpoint created", map[string]interface{}{
		"checkpoint_id": checkpointID,
		"agent_id":      agentID,
		"size_bytes":    len(blob),
		"compressed":    compressed,
	})
	return checkpointID, nil
}

type checkpointRow struct {
	CheckpointID string    `db:"checkpoint_id"`
	AgentID      string    `db:"agent_id"`
	SessionID    string    `db:"session_id"`
	State        string    `db:"state"`
	Blob         []byte    `db:"blob"`
	Compressed   bool      `db:"compressed"`
	Metadata     []byte    `db:"metadata"`
	CreatedAt    time.Time `db:"created_at"`
	SizeBytes    int64     `db:"size_bytes"`
}

func (r *checkpointRow) toSnapshot() (*core.CheckpointSnapshot, error) {
	blob := r.Blob
	if r.Compressed {
		unpacked, err := gunzipBytes(blob)
		if err != nil {
			return nil, fmt.Errorf("decompress checkpoint %s: %w", r.CheckpointID, err)
		}
		blob = unpacked
	}
	var contextData core.Value
	if err := json.Unmarshal(blob, &contextData); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", r.CheckpointID, err)
	}
	var metadata core.Value
	if len(r.Metadata) > 0 {
		_ = json.Unmarshal(r.Metadata, &metadata)
	}
	return &core.CheckpointSnapshot{
		CheckpointID: r.CheckpointID,
		AgentID:      r.AgentID,
		SessionID:    r.SessionID,
		State:        r.State,
		Context:      contextData,
		Metadata:     metadata,
		CreatedAt:    r.CreatedAt,
		SizeBytes:    r.SizeBytes,
		Compressed:   r.Compressed,
	}, nil
}

// Restore loads one checkpoint by id.
func (s *PostgresCheckpointStore) Restore(ctx context.Context, checkpointID string) (*core.CheckpointSnapshot, error) {
	var row checkpointRow
	err := s.db.GetContext(ctx, &row,
		`SELECT checkpoint_id, agent_id, session_id, state, blob, compressed, metadata, created_at, size_bytes
		 FROM checkpoints WHERE checkpoint_id = $1`, checkpointID)
	if err == sql.ErrNoRows {
		return nil, core.ErrCheckpointNotFound
	}
	if err != nil {
		s.logger.Error("Checkpoint restore query failed", map[string]interface{}{
			"checkpoint_id": checkpointID,
			"error":         err.Error(),
		})
		return nil, nil
	}
	return row.toSnapshot()
}

// ListCheckpoints returns the newest checkpoints of an agent.
func (s *PostgresCheckpointStore) ListCheckpoints(ctx context.Context, agentID string, limit int) ([]*core.CheckpointSnapshot, error) {
	if limit <= 0 {
		limit = 10
	}
	var rows []checkpointRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT checkpoint_id, agent_id, session_id, state, blob, compressed, metadata, created_at, size_bytes
		 FROM checkpoints WHERE agent_id = $1 ORDER BY created_at DESC LIMIT $2`, agentID, limit)
	if err != nil {
		s.logger.Error("Checkpoint list query failed", map[string]interface{}{
			"agent_id": agentID,
			"error":    err.Error(),
		})
		return nil, nil
	}
	out := make([]*core.CheckpointSnapshot, 0, len(rows))
	for i := range rows {
		snap, serr := rows[i].toSnapshot()
		if serr != nil {
			s.logger.Warn("Skipping undecodable checkpoint", map[string]interface{}{
				"checkpoint_id": rows[i].CheckpointID,
				"error":         serr.Error(),
			})
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}

// SaveAgentState upserts the latest-state row of an agent.
func (s *PostgresCheckpointStore) SaveAgentState(ctx context.Context, agentID, sessionID, state string, contextData core.Value) error {
	ctxJSON, err := json.Marshal(contextData)
	if err != nil {
		return fmt.Errorf("serialize agent state: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agent_state (agent_id, session_id, state, context, last_updated)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (agent_id) DO UPDATE
		 SET session_id = EXCLUDED.session_id, state = EXCLUDED.state,
		     context = EXCLUDED.context, last_updated = now()`,
		agentID, sessionID, state, ctxJSON)
	if err != nil {
		s.logger.Error("Agent state upsert failed", map[string]interface{}{
			"agent_id": agentID,
			"error":    err.Error(),
		})
	}
	return nil
}

// LoadAgentState reads the latest-state row of an agent.
func (s *PostgresCheckpointStore) LoadAgentState(ctx context.Context, agentID string) (*core.CheckpointSnapshot, error) {
	var row struct {
		AgentID     string    `db:"agent_id"`
		SessionID   string    `db:"session_id"`
		State       string    `db:"state"`
		Context     []byte    `db:"context"`
		LastUpdated time.Time `db:"last_updated"`
	}
	err := s.db.GetContext(ctx, &row,
		`SELECT agent_id, session_id, state, context, last_updated FROM agent_state WHERE agent_id = $1`, agentID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		s.logger.Error("Agent state load failed", map[string]interface{}{
			"agent_id": agentID,
			"error":    err.Error(),
		})
		return nil, nil
	}
	var contextData core.Value
	if len(row.Context) > 0 {
		_ = json.Unmarshal(row.Context, &contextData)
	}
	return &core.CheckpointSnapshot{
		AgentID:   row.AgentID,
		SessionID: row.SessionID,
		State:     row.State,
		Context:   contextData,
		CreatedAt: row.LastUpdated,
	}, nil
}

// CleanupOld deletes checkpoints older than the retention window and
// returns the number removed.
func (s *PostgresCheckpointStore) CleanupOld(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	res, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE created_at < $1`, cutoff)
	if err != nil {
		s.logger.Error("Checkpoint cleanup failed", map[string]interface{}{"error": err.Error()})
		return 0, nil
	}
	deleted, _ := res.RowsAffected()
	if deleted > 0 {
		s.logger.Info("Old checkpoints deleted", map[string]interface{}{
			"deleted": deleted,
			"cutoff":  cutoff.Format(time.RFC3339),
		})
	}
	return deleted, nil
}

// Close releases the connection pool.
func (s *PostgresCheckpointStore) Close() error { return s.db.Close() }

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
