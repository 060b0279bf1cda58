package cache_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/groupware/internal/cache"
	"github.com/nhle/groupware/tests/testutil"
)

func TestSnapshotRoundTrip(t *testing.T) {
	c := testutil.NewTestCache(t)
	ctx := context.Background()

	_, err := c.GetSnapshot(ctx, "inbox")
	assert.ErrorIs(t, err, cache.ErrNotFound)

	snap := cache.Snapshot{
		Key: "inbox",
		Items: []json.RawMessage{
			json.RawMessage(`{"entryid":"A1","subject":"Hi"}`),
			json.RawMessage(`{"entryid":"A2","subject":"Re: Hi"}`),
		},
		IDs:        []string{"A1", "A2"},
		TotalCount: 42,
		UpdatedAt:  time.Unix(1700000000, 0),
	}
	require.NoError(t, c.PutSnapshot(ctx, snap))

	got, err := c.GetSnapshot(ctx, "inbox")
	require.NoError(t, err)
	assert.Equal(t, 42, got.TotalCount)
	assert.Equal(t, []string{"A1", "A2"}, got.IDs)
	require.Len(t, got.Items, 2)
	assert.JSONEq(t, `{"entryid":"A1","subject":"Hi"}`, string(got.Items[0]))
	assert.True(t, got.UpdatedAt.Equal(snap.UpdatedAt))
}

func TestPutSnapshotReplacesPreviousItems(t *testing.T) {
	c := testutil.NewTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.PutSnapshot(ctx, cache.Snapshot{
		Key:   "inbox",
		Items: []json.RawMessage{json.RawMessage(`{"entryid":"A1"}`), json.RawMessage(`{"entryid":"A2"}`)},
		IDs:   []string{"A1", "A2"},
	}))
	require.NoError(t, c.PutSnapshot(ctx, cache.Snapshot{
		Key:   "inbox",
		Items: []json.RawMessage{json.RawMessage(`{"entryid":"B1"}`)},
		IDs:   []string{"B1"},
	}))

	got, err := c.GetSnapshot(ctx, "inbox")
	require.NoError(t, err)
	assert.Equal(t, []string{"B1"}, got.IDs)
}

func TestDeleteItemsAndSnapshots(t *testing.T) {
	c := testutil.NewTestCache(t)
	ctx := context.Background()

	for _, key := range []string{"mail:F1", "mail:F2", "contacts:C1"} {
		require.NoError(t, c.PutSnapshot(ctx, cache.Snapshot{
			Key:   key,
			Items: []json.RawMessage{json.RawMessage(`{"entryid":"X"}`), json.RawMessage(`{"entryid":"Y"}`)},
			IDs:   []string{"X", "Y"},
		}))
	}

	require.NoError(t, c.DeleteItems(ctx, "X"))
	got, err := c.GetSnapshot(ctx, "mail:F2")
	require.NoError(t, err)
	assert.Equal(t, []string{"Y"}, got.IDs)
	require.NoError(t, c.DeleteItems(ctx))

	keys, err := c.Keys(ctx, "mail:")
	require.NoError(t, err)
	assert.Equal(t, []string{"mail:F1", "mail:F2"}, keys)

	require.NoError(t, c.DeleteSnapshot(ctx, "mail:F1"))
	_, err = c.GetSnapshot(ctx, "mail:F1")
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestPutSnapshotRequiresKey(t *testing.T) {
	c := testutil.NewTestCache(t)
	assert.Error(t, c.PutSnapshot(context.Background(), cache.Snapshot{}))
}

func newMockCache(t *testing.T) (*cache.SQLiteCache, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return cache.NewWithDB(sqlx.NewDb(db, "sqlmock")), mock
}

func TestPutSnapshotRollsBackOnFailure(t *testing.T) {
	c, mock := newMockCache(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM snapshot_items").
		WithArgs("inbox").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO snapshots").
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := c.PutSnapshot(context.Background(), cache.Snapshot{Key: "inbox"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "writing snapshot inbox")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSnapshotWrapsQueryErrors(t *testing.T) {
	c, mock := newMockCache(t)

	mock.ExpectQuery("SELECT key, total_count, updated_at FROM snapshots").
		WithArgs("inbox").
		WillReturnError(errors.New("database is locked"))

	_, err := c.GetSnapshot(context.Background(), "inbox")
	require.Error(t, err)
	assert.NotErrorIs(t, err, cache.ErrNotFound)
	assert.Contains(t, err.Error(), "database is locked")
	assert.NoError(t, mock.ExpectationsWereMet())
}
