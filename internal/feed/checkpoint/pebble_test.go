package checkpoint

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPebbleStore_RoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "checkpoints")
	db, err := OpenPebble(path)
	require.NoError(t, err)

	ctx := context.Background()
	orders := db.Store("orders")
	users := db.Store("users")

	got, err := orders.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, orders.Save(ctx, testPosition(t, "o1")))
	require.NoError(t, users.Save(ctx, testPosition(t, "u1")))
	require.NoError(t, orders.Save(ctx, nil))

	got, err = orders.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, testPosition(t, "o1"), got)

	require.NoError(t, orders.Delete(ctx))
	got, err = orders.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = users.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, testPosition(t, "u1"), got)

	require.NoError(t, db.Close())
}

func TestPebbleStore_SurvivesReopen(t *testing.T) {
	t.Parallel()

	path := t.TempDir()
	ctx := context.Background()

	db, err := OpenPebble(path)
	require.NoError(t, err)
	require.NoError(t, db.Store("w").Save(ctx, testPosition(t, "t9")))
	require.NoError(t, db.Close())

	db, err = OpenPebble(path)
	require.NoError(t, err)
	defer db.Close()

	got, err := db.Store("w").Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, testPosition(t, "t9"), got)
}

func TestPebbleStore_Closed(t *testing.T) {
	t.Parallel()

	db, err := OpenPebble(t.TempDir())
	require.NoError(t, err)
	store := db.Store("w")
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	ctx := context.Background()
	assert.ErrorIs(t, store.Save(ctx, testPosition(t, "t1")), errClosed)
	_, err = store.Load(ctx)
	assert.ErrorIs(t, err, errClosed)
	assert.ErrorIs(t, store.Delete(ctx), errClosed)
}
