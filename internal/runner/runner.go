// Package runner executes engine-ready queries against the backing stores of
// local data sources, returning lazy Arrow record-batch streams. Three
// runners cover the supported backends: an in-process DuckDB engine over file
// directories, a remote Arrow FlightSQL endpoint, and a Trino cluster.
package runner

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/relaymesh/relay/internal/domain"
	"github.com/relaymesh/relay/internal/relayerr"
)

// BatchStream is a lazily evaluated stream of record batches. Next returns
// io.EOF after the last batch. Each stream is exclusively owned by its task;
// callers must Close it.
type BatchStream interface {
	Schema() *arrow.Schema
	Next() (arrow.RecordBatch, error)
	Close() error
}

// QueryRunner executes one resolved Query against a specific source.
type QueryRunner interface {
	Execute(ctx context.Context, query domain.Query) (BatchStream, error)
}

// Connect selects the runner for a (connection, source) pair. Selection is
// total over the option unions: a mismatched pair is an InvalidQuery, never a
// panic.
func Connect(con domain.DataConnection, source domain.DataSource) (QueryRunner, error) {
	co := con.ConnectionOptions
	so := source.SourceOptions

	switch {
	case co.FileDirectory != nil && so.FileDirectory != nil:
		return newFileDirectoryRunner(co.FileDirectory, so.FileDirectory, source.Name)
	case co.FlightSQL != nil && so.FlightSQL != nil:
		return newFlightSQLRunner(co.FlightSQL)
	case co.Trino != nil && so.Trino != nil:
		return newTrinoRunner(co.Trino)
	default:
		return nil, relayerr.Newf(relayerr.InvalidQuery,
			"invalid or unsupported combination of DataConnection options and DataSource options: %s, %s",
			con.ID, source.ID)
	}
}
