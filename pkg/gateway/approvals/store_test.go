package approvals

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	ctx := context.Background()
	s, err := OpenSQL(ctx, DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(ctx))
	return s
}

func storesUnderTest(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": newSQLiteStore(t),
	}
}

func TestStore_CreateGet(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec, err := store.Create(ctx, Record{
				CallID:      "CA1",
				ItemID:      "item_1",
				ToolCallID:  "call_1",
				ActionName:  "send_sms",
				Arguments:   map[string]any{"to": "+15550100", "body": "hi"},
				RequestedBy: "external:+15550199",
				Reasons:     []string{"sends a message to a third party"},
			})
			require.NoError(t, err)
			assert.NotEmpty(t, rec.ID)
			assert.Equal(t, StatusAwaitingConfirmation, rec.Status)
			assert.False(t, rec.CreatedAt.IsZero())

			got, err := store.Get(ctx, rec.ID)
			require.NoError(t, err)
			assert.Equal(t, rec.ID, got.ID)
			assert.Equal(t, "send_sms", got.ActionName)
			assert.Equal(t, "+15550100", got.Arguments["to"])
			assert.Equal(t, []string{"sends a message to a third party"}, got.Reasons)
			assert.Equal(t, "external:+15550199", got.RequestedBy)
			assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))
			assert.Empty(t, got.Result)

			_, err = store.Get(ctx, "apr_missing")
			assert.True(t, errors.Is(err, ErrNotFound))

			_, err = store.Create(ctx, Record{})
			assert.Error(t, err)
		})
	}
}

func TestStore_TransitionCAS(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec, err := store.Create(ctx, Record{ActionName: "send_email"})
			require.NoError(t, err)

			exec, err := store.Transition(ctx, rec.ID, StatusAwaitingConfirmation, Update{Status: StatusExecuting, DecidedBy: "key:abc"})
			require.NoError(t, err)
			assert.Equal(t, StatusExecuting, exec.Status)
			assert.Equal(t, "key:abc", exec.DecidedBy)

			_, err = store.Transition(ctx, rec.ID, StatusAwaitingConfirmation, Update{Status: StatusRejected})
			assert.True(t, errors.Is(err, ErrConflict), "err=%v", err)

			done, err := store.Transition(ctx, rec.ID, StatusExecuting, Update{
				Status:    StatusCompleted,
				Result:    json.RawMessage(`{"message_id":"SM1"}`),
				DecidedBy: "key:abc",
			})
			require.NoError(t, err)
			assert.Equal(t, StatusCompleted, done.Status)
			assert.JSONEq(t, `{"message_id":"SM1"}`, string(done.Result))
			assert.True(t, done.Status.Terminal())

			_, err = store.Transition(ctx, "apr_missing", StatusAwaitingConfirmation, Update{Status: StatusRejected})
			assert.True(t, errors.Is(err, ErrNotFound))

			_, err = store.Transition(ctx, rec.ID, StatusCompleted, Update{Status: "bogus"})
			assert.Error(t, err)
		})
	}
}

func TestStore_List(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var ids []string
			for i, call := range []string{"CA1", "CA1", "CA2"} {
				rec, err := store.Create(ctx, Record{CallID: call, ActionName: "send_sms", ToolCallID: string(rune('a' + i))})
				require.NoError(t, err)
				ids = append(ids, rec.ID)
				time.Sleep(2 * time.Millisecond)
			}
			_, err := store.Transition(ctx, ids[1], StatusAwaitingConfirmation, Update{Status: StatusRejected})
			require.NoError(t, err)

			all, err := store.List(ctx, ListFilter{})
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, ids[0], all[0].ID)

			awaiting, err := store.List(ctx, ListFilter{Status: StatusAwaitingConfirmation})
			require.NoError(t, err)
			assert.Len(t, awaiting, 2)

			byCall, err := store.List(ctx, ListFilter{CallID: "CA1", Status: StatusRejected})
			require.NoError(t, err)
			require.Len(t, byCall, 1)
			assert.Equal(t, ids[1], byCall[0].ID)

			limited, err := store.List(ctx, ListFilter{Limit: 1})
			require.NoError(t, err)
			assert.Len(t, limited, 1)
		})
	}
}

func TestStore_ConcurrentTransitionsHaveOneWinner(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec, err := store.Create(ctx, Record{ActionName: "place_call"})
			require.NoError(t, err)

			var wins atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := store.Transition(ctx, rec.ID, StatusAwaitingConfirmation, Update{Status: StatusRejected}); err == nil {
						wins.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), wins.Load())
		})
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newSQLiteStore(t)
	applied, err := Migrate(context.Background(), s.DB(), DriverSQLite)
	require.NoError(t, err)
	assert.Empty(t, applied)
}

func TestOpenSQL_Validation(t *testing.T) {
	_, err := OpenSQL(context.Background(), "mysql", "x")
	assert.Error(t, err)
	_, err = OpenSQL(context.Background(), DriverSQLite, "")
	assert.Error(t, err)
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus("awaiting-confirmation")
	require.NoError(t, err)
	assert.False(t, st.Terminal())
	assert.False(t, StatusExecuting.Terminal())
	assert.True(t, StatusRejected.Terminal())
	_, err = ParseStatus("approved")
	assert.Error(t, err)
}
