package state

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/agentmesh/core"
)

func TestMemoryCheckpointRoundTrip(t *testing.T) {
	s := NewMemoryCheckpointStore(core.CheckpointConfig{MaxCheckpointBytes: 1 << 20})
	ctx := context.Background()

	id, err := s.CreateCheckpoint(ctx, "a1", "s1", "running",
		core.Value{"counter": 7.0, "nested": map[string]interface{}{"k": "v"}},
		core.Value{"origin": "test"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	snap, err := s.Restore(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "a1", snap.AgentID)
	assert.Equal(t, "s1", snap.SessionID)
	assert.Equal(t, "running", snap.State)
	assert.Equal(t, 7.0, snap.Context["counter"])
	assert.Equal(t, "v", snap.Context["nested"].(map[string]interface{})["k"])
}

func TestMemoryCheckpointSizeCeiling(t *testing.T) {
	s := NewMemoryCheckpointStore(core.CheckpointConfig{MaxCheckpointBytes: 32})
	_, err := s.CreateCheckpoint(context.Background(), "a1", "s1", "running",
		core.Value{"blob": strings.Repeat("x", 100)}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrCheckpointTooLarge)
}

func TestMemoryCheckpointImmutable(t *testing.T) {
	s := NewMemoryCheckpointStore(core.CheckpointConfig{MaxCheckpointBytes: 1 << 20})
	ctx := context.Background()

	contextData := core.Value{"k": "original"}
	id, err := s.CreateCheckpoint(ctx, "a1", "s1", "running", contextData, nil)
	require.NoError(t, err)

	// Mutating the caller's map must not reach the stored snapshot.
	contextData["k"] = "mutated"

	snap, err := s.Restore(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "original", snap.Context["k"])
}

func TestMemoryCheckpointListNewestFirst(t *testing.T) {
	s := NewMemoryCheckpointStore(core.CheckpointConfig{MaxCheckpointBytes: 1 << 20})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.CreateCheckpoint(ctx, "a1", "s1", "running", core.Value{"i": float64(i)}, nil)
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
	}
	_, err := s.CreateCheckpoint(ctx, "other", "s2", "running", core.Value{}, nil)
	require.NoError(t, err)

	snaps, err := s.ListCheckpoints(ctx, "a1", 2)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, 2.0, snaps[0].Context["i"])
	assert.Equal(t, 1.0, snaps[1].Context["i"])
}

func TestMemoryCheckpointCleanup(t *testing.T) {
	s := NewMemoryCheckpointStore(core.CheckpointConfig{MaxCheckpointBytes: 1 << 20})
	ctx := context.Background()

	id, err := s.CreateCheckpoint(ctx, "a1", "s1", "running", core.Value{}, nil)
	require.NoError(t, err)
	s.checkpoints[id].CreatedAt = time.Now().Add(-48 * time.Hour)

	deleted, err := s.CleanupOld(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = s.Restore(ctx, id)
	assert.ErrorIs(t, err, core.ErrCheckpointNotFound)
}

func TestMemoryRestoreUnknown(t *testing.T) {
	s := NewMemoryCheckpointStore(core.CheckpointConfig{})
	_, err := s.Restore(context.Background(), "ghost")
	assert.ErrorIs(t, err, core.ErrCheckpointNotFound)
}

func TestMemoryAgentStateUpsert(t *testing.T) {
	s := NewMemoryCheckpointStore(core.CheckpointConfig{})
	ctx := context.Background()

	require.NoError(t, s.SaveAgentState(ctx, "a1", "s1", "running", core.Value{"v": 1.0}))
	require.NoError(t, s.SaveAgentState(ctx, "a1", "s1", "suspended", core.Value{"v": 2.0}))

	snap, err := s.LoadAgentState(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "suspended", snap.State)
	assert.Equal(t, 2.0, snap.Context["v"])
}

func TestGzipRoundTrip(t *testing.T) {
	original := []byte(strings.Repeat("compressible payload ", 50))
	packed, err := gzipBytes(original)
	require.NoError(t, err)
	assert.Less(t, len(packed), len(original))

	unpacked, err := gunzipBytes(packed)
	require.NoError(t, err)
	assert.Equal(t, original, unpacked)
}

func TestMemoryHotStateStore(t *testing.T) {
	s := NewMemoryHotStateStore()
	ctx := context.Background()

	require.NoError(t, s.SaveHotState(ctx, "a1", core.Value{"k": "v"}, time.Minute))
	data, err := s.LoadHotState(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "v", data["k"])

	keys, err := s.GetKeys(ctx, "a*")
	require.NoError(t, err)
	assert.Equal(t, []string{"state:a1"}, keys)

	require.NoError(t, s.Delete(ctx, "a1"))
	data, err = s.LoadHotState(ctx, "a1")
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestMemoryHotStateTTL(t *testing.T) {
	s := NewMemoryHotStateStore()
	ctx := context.Background()
	require.NoError(t, s.SaveHotState(ctx, "a1", core.Value{"k": "v"}, time.Millisecond))
	time.Sleep(10 * time.Millisecond)
	data, err := s.LoadHotState(ctx, "a1")
	require.NoError(t, err)
	assert.Nil(t, data)
}

func newMockStore(t *testing.T, cfg core.CheckpointConfig) (*PostgresCheckpointStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresCheckpointStoreFromDB(sqlx.NewDb(db, "postgres"), cfg, nil), mock
}

func TestPostgresCreateCheckpoint(t *testing.T) {
	store, mock := newMockStore(t, core.CheckpointConfig{MaxCheckpointBytes: 1 << 20})

	mock.ExpectExec("INSERT INTO checkpoints").
		WithArgs(sqlmock.AnyArg(), "a1", "s1", "running", sqlmock.AnyArg(), false,
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	id, err := store.CreateCheckpoint(context.Background(), "a1", "s1", "running",
		core.Value{"k": "v"}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateCheckpointTooLarge(t *testing.T) {
	store, _ := newMockStore(t, core.CheckpointConfig{MaxCheckpointBytes: 16})

	_, err := store.CreateCheckpoint(context.Background(), "a1", "s1", "running",
		core.Value{"blob": strings.Repeat("y", 64)}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrCheckpointTooLarge)
}

func TestPostgresCleanupOld(t *testing.T) {
	store, mock := newMockStore(t, core.CheckpointConfig{MaxCheckpointBytes: 1 << 20})

	mock.ExpectExec("DELETE FROM checkpoints").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 4))

	deleted, err := store.CleanupOld(context.Background(), 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(4), deleted)
}

func TestPostgresRestoreDegradesGracefully(t *testing.T) {
	store, mock := newMockStore(t, core.CheckpointConfig{})

	mock.ExpectQuery("SELECT .* FROM checkpoints").
		WillReturnError(assert.AnError)

	snap, err := store.Restore(context.Background(), "c1")
	assert.NoError(t, err)
	assert.Nil(t, snap)
}
