package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/maestro/pkg/errkind"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// A single connection keeps the shared :memory: database alive.
	db.SetMaxOpenConns(1)
	sqlStore, err := NewSQLStore(db, "sqlite")
	require.NoError(t, err)
	t.Cleanup(func() { sqlStore.Close() })

	return map[string]Store{
		"memory": NewInMemoryStore(),
		"sqlite": sqlStore,
	}
}

func put(t *testing.T, s Store, thread, id, parent string, state map[string]any) {
	t.Helper()
	data, err := json.Marshal(state)
	require.NoError(t, err)
	require.NoError(t, s.Put(context.Background(), &Checkpoint{
		ThreadID:     thread,
		CheckpointID: id,
		ParentID:     parent,
		State:        data,
		Metadata:     map[string]any{"node": id},
	}))
}

func TestPutGetRoundTrip(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			put(t, s, "thread-1", "cp-1", "", map[string]any{"status": "running", "step": float64(1)})

			cp, err := s.Get(context.Background(), "thread-1", "cp-1")
			require.NoError(t, err)
			assert.Equal(t, "thread-1", cp.ThreadID)
			assert.Equal(t, "cp-1", cp.CheckpointID)
			assert.Empty(t, cp.ParentID)
			assert.Equal(t, "cp-1", cp.Metadata["node"])

			var state map[string]any
			require.NoError(t, json.Unmarshal(cp.State, &state))
			assert.Equal(t, "running", state["status"])
			assert.Equal(t, float64(1), state["step"])
		})
	}
}

func TestPutIsWriteOnce(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			put(t, s, "thread-1", "cp-1", "", map[string]any{"v": float64(1)})

			err := s.Put(context.Background(), &Checkpoint{
				ThreadID:     "thread-1",
				CheckpointID: "cp-1",
				State:        json.RawMessage(`{"v":2}`),
			})
			require.Error(t, err)
			assert.Equal(t, errkind.Conflict, errkind.KindOf(err))

			// First write must be untouched.
			cp, err := s.Get(context.Background(), "thread-1", "cp-1")
			require.NoError(t, err)
			var state map[string]any
			require.NoError(t, json.Unmarshal(cp.State, &state))
			assert.Equal(t, float64(1), state["v"])
		})
	}
}

func TestGetUnknownIsNotFound(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(context.Background(), "thread-1", "nope")
			require.Error(t, err)
			assert.Equal(t, errkind.NotFound, errkind.KindOf(err))
		})
	}
}

func TestLatestFollowsParentLinks(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			put(t, s, "thread-1", "cp-1", "", map[string]any{"step": float64(1)})
			put(t, s, "thread-1", "cp-2", "cp-1", map[string]any{"step": float64(2)})
			put(t, s, "thread-1", "cp-3", "cp-2", map[string]any{"step": float64(3)})

			tip, err := s.Latest(context.Background(), "thread-1")
			require.NoError(t, err)
			assert.Equal(t, "cp-3", tip.CheckpointID)
		})
	}
}

func TestLatestOnEmptyThreadIsNotFound(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Latest(context.Background(), "no-such-thread")
			require.Error(t, err)
			assert.Equal(t, errkind.NotFound, errkind.KindOf(err))
		})
	}
}

func TestListOldestFirst(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			base := time.Now().UTC().Add(-time.Minute)
			for i, id := range []string{"cp-1", "cp-2", "cp-3"} {
				parent := ""
				if i > 0 {
					parent = []string{"cp-1", "cp-2"}[i-1]
				}
				require.NoError(t, s.Put(context.Background(), &Checkpoint{
					ThreadID:     "thread-1",
					CheckpointID: id,
					ParentID:     parent,
					State:        json.RawMessage(`{}`),
					CreatedAt:    base.Add(time.Duration(i) * time.Second),
				}))
			}

			all, err := s.List(context.Background(), "thread-1")
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, "cp-1", all[0].CheckpointID)
			assert.Equal(t, "cp-3", all[2].CheckpointID)
		})
	}
}

func TestThreadsAreIsolated(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			put(t, s, "thread-a", "cp-1", "", map[string]any{})
			put(t, s, "thread-b", "cp-1", "", map[string]any{})

			tipA, err := s.Latest(context.Background(), "thread-a")
			require.NoError(t, err)
			assert.Equal(t, "thread-a", tipA.ThreadID)

			listB, err := s.List(context.Background(), "thread-b")
			require.NoError(t, err)
			assert.Len(t, listB, 1)
		})
	}
}
