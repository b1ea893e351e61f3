package results_test

import (
	"context"
	"io"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/google/uuid"
	"github.com/relaymesh/relay/internal/arrowutil"
	"github.com/relaymesh/relay/internal/objstore"
	"github.com/relaymesh/relay/internal/results"
	"github.com/relaymesh/relay/internal/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManager(t *testing.T) (*results.Manager, objstore.Store) {
	t.Helper()
	store, err := objstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	return results.NewManager(store, nil), store
}

func testStream(t *testing.T, rows []map[string]any) runner.BatchStream {
	t.Helper()
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
		{Name: "name", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)
	rec, err := arrowutil.RecordFromJSONRows(schema, rows)
	require.NoError(t, err)
	return runner.NewBatchesStream(schema, []arrow.RecordBatch{rec})
}

func TestWriteAndReadTaskResult(t *testing.T) {
	m, store := testManager(t)
	ctx := context.Background()
	taskID := uuid.New()

	in := []map[string]any{
		{"id": 1, "name": "alpha"},
		{"id": 2, "name": "beta"},
	}
	require.NoError(t, m.WriteTaskResult(ctx, taskID, testStream(t, in)))

	exists, err := store.Exists(ctx, results.TaskResultKey(taskID))
	require.NoError(t, err)
	assert.True(t, exists)

	stream, err := m.ReadTaskResult(ctx, taskID)
	require.NoError(t, err)
	defer stream.Close()

	var got []map[string]any
	for {
		rec, err := stream.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, arrowutil.RecordToRows(rec)...)
		rec.Release()
	}

	require.Len(t, got, 2)
	assert.EqualValues(t, 1, got[0]["id"])
	assert.Equal(t, "beta", got[1]["name"])
}

func TestTaskResultKeyLayout(t *testing.T) {
	id := uuid.MustParse("3e0c0a76-0d6a-4f8a-9a86-0f6a5a3c2b4d")
	assert.Equal(t, "task_3e0c0a76-0d6a-4f8a-9a86-0f6a5a3c2b4d/result.parquet", results.TaskResultKey(id))
}

func TestReadMissingResultFails(t *testing.T) {
	m, _ := testManager(t)
	_, err := m.ReadTaskResult(context.Background(), uuid.New())
	assert.Error(t, err)
}
