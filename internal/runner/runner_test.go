package runner_test

import (
	"io"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/google/uuid"
	"github.com/relaymesh/relay/internal/arrowutil"
	"github.com/relaymesh/relay/internal/domain"
	"github.com/relaymesh/relay/internal/relayerr"
	"github.com/relaymesh/relay/internal/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectRejectsMismatchedOptions(t *testing.T) {
	con := domain.DataConnection{
		ID: uuid.New(),
		ConnectionOptions: domain.ConnectionOptions{
			Trino: &domain.TrinoConnection{Host: "trino", Port: 8080, User: "relay"},
		},
	}
	source := domain.DataSource{
		ID: uuid.New(),
		SourceOptions: domain.SourceOptions{
			FileDirectory: &domain.FileDirectorySource{FileType: domain.FileTypeParquet},
		},
	}

	_, err := runner.Connect(con, source)
	require.Error(t, err)
	assert.True(t, relayerr.Is(err, relayerr.InvalidQuery))
}

func TestConnectSelectsMatchingRunner(t *testing.T) {
	con := domain.DataConnection{
		ID: uuid.New(),
		ConnectionOptions: domain.ConnectionOptions{
			Trino: &domain.TrinoConnection{Host: "trino", Port: 8080, User: "relay"},
		},
	}
	source := domain.DataSource{
		ID:            uuid.New(),
		SourceOptions: domain.SourceOptions{Trino: &domain.TrinoSource{}},
	}

	r, err := runner.Connect(con, source)
	require.NoError(t, err)
	assert.NotNil(t, r)
}

func TestConnectResolvesPasswordEnvEagerly(t *testing.T) {
	con := domain.DataConnection{
		ID: uuid.New(),
		ConnectionOptions: domain.ConnectionOptions{
			Trino: &domain.TrinoConnection{Host: "trino", Port: 8080, User: "relay", Password: "RELAY_TEST_TRINO_PW"},
		},
	}
	source := domain.DataSource{
		ID:            uuid.New(),
		SourceOptions: domain.SourceOptions{Trino: &domain.TrinoSource{}},
	}

	_, err := runner.Connect(con, source)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RELAY_TEST_TRINO_PW")

	t.Setenv("RELAY_TEST_TRINO_PW", "secret")
	_, err = runner.Connect(con, source)
	assert.NoError(t, err)
}

func TestConcatStreamChainsInOrder(t *testing.T) {
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "v", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
	}, nil)

	rec1, err := arrowutil.RecordFromJSONRows(schema, []map[string]any{{"v": 1}})
	require.NoError(t, err)
	rec2, err := arrowutil.RecordFromJSONRows(schema, []map[string]any{{"v": 2}})
	require.NoError(t, err)

	stream := runner.NewConcatStream(
		runner.NewBatchesStream(schema, []arrow.RecordBatch{rec1}),
		runner.NewBatchesStream(schema, []arrow.RecordBatch{rec2}),
	)
	defer stream.Close()

	var got []any
	for {
		rec, err := stream.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		rows := arrowutil.RecordToRows(rec)
		got = append(got, rows[0]["v"])
		rec.Release()
	}
	assert.Equal(t, []any{int64(1), int64(2)}, got)
}
