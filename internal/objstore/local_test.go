package objstore_test

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/relaymesh/relay/internal/domain"
	"github.com/relaymesh/relay/internal/objstore"
	"github.com/relaymesh/relay/internal/relayerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStoreRoundTrip(t *testing.T) {
	store, err := objstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	key := "task_abc/result.parquet"
	n, err := store.Put(ctx, key, strings.NewReader("payload"))
	require.NoError(t, err)
	assert.EqualValues(t, 7, n)

	exists, err := store.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, exists)

	r, err := store.Get(ctx, key)
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "payload", string(data))

	require.NoError(t, store.Delete(ctx, key))
	exists, err = store.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, exists)

	// Deleting a missing object is not an error.
	assert.NoError(t, store.Delete(ctx, key))
}

func TestLocalStoreRejectsTraversal(t *testing.T) {
	store, err := objstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Put(context.Background(), "../escape", strings.NewReader("x"))
	assert.Error(t, err)

	_, err = store.Get(context.Background(), "/etc/passwd")
	assert.Error(t, err)
}

func TestNewGatesUnimplementedBackends(t *testing.T) {
	for _, kind := range []domain.SupportedObjectStore{domain.ObjectStoreAzure, domain.ObjectStoreGCP} {
		_, err := objstore.New(context.Background(), objstore.Options{Kind: kind})
		assert.True(t, relayerr.Is(err, relayerr.NotImplemented), "backend %s", kind)
	}
}
