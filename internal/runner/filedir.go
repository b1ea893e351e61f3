package runner

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow/array"
	duckdb "github.com/marcboeker/go-duckdb/v2"
	"github.com/relaymesh/relay/internal/arrowutil"
	"github.com/relaymesh/relay/internal/domain"
	"github.com/relaymesh/relay/internal/relayerr"
)

// fileDirectoryRunner queries raw CSV/JSON/parquet files with an in-process
// DuckDB engine. The directory is registered as a view under the source name
// so the rewritten SQL's source substitution resolves.
type fileDirectoryRunner struct {
	con       *domain.FileDirectoryConnection
	source    *domain.FileDirectorySource
	tableName string
}

func newFileDirectoryRunner(con *domain.FileDirectoryConnection, source *domain.FileDirectorySource, tableName string) (*fileDirectoryRunner, error) {
	switch source.FileType {
	case domain.FileTypeCSV, domain.FileTypeJSON, domain.FileTypeParquet:
	default:
		return nil, relayerr.Newf(relayerr.InvalidQuery, "unsupported file type %q", source.FileType)
	}
	return &fileDirectoryRunner{con: con, source: source, tableName: tableName}, nil
}

// listingGlob is the scan expression for the source's directory and type.
func (r *fileDirectoryRunner) listingGlob() string {
	base := strings.TrimSuffix(r.con.URL, "/")
	if r.source.Prefix != "" {
		base = base + "/" + strings.Trim(r.source.Prefix, "/")
	}
	switch r.source.FileType {
	case domain.FileTypeCSV:
		return fmt.Sprintf("read_csv_auto('%s/**/*.csv', union_by_name=true)", base)
	case domain.FileTypeJSON:
		return fmt.Sprintf("read_json_auto('%s/**/*.json', union_by_name=true)", base)
	default:
		return fmt.Sprintf("read_parquet('%s/**/*.parquet', union_by_name=true)", base)
	}
}

func (r *fileDirectoryRunner) Execute(ctx context.Context, query domain.Query) (BatchStream, error) {
	connector, err := duckdb.NewConnector("", nil)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.Internal, "open duckdb", err)
	}
	db := sql.OpenDB(connector)

	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, relayerr.Wrap(relayerr.Internal, "acquire duckdb connection", err)
	}

	cleanup := func() error {
		conn.Close()
		return db.Close()
	}

	// Object-store URLs (s3://, gs://, az://) go through DuckDB's httpfs
	// extension; credentials come from the standard environment variables.
	if !strings.HasPrefix(r.con.URL, "file://") && strings.Contains(r.con.URL, "://") {
		if _, err := conn.ExecContext(ctx, "INSTALL httpfs; LOAD httpfs;"); err != nil {
			cleanup()
			return nil, relayerr.Wrap(relayerr.Internal, "load duckdb httpfs", err)
		}
	}

	register := fmt.Sprintf(`CREATE OR REPLACE VIEW "%s" AS SELECT * FROM %s`,
		r.tableName, r.listingGlob())
	if _, err := conn.ExecContext(ctx, register); err != nil {
		cleanup()
		return nil, relayerr.Wrap(relayerr.Internal, "register listing view", err)
	}

	var reader array.RecordReader
	err = conn.Raw(func(driverConn any) error {
		arrowConn, err := duckdb.NewArrowFromConn(driverConn.(driver.Conn))
		if err != nil {
			return err
		}
		reader, err = arrowConn.QueryContext(ctx, query.SQL)
		return err
	})
	if err != nil {
		cleanup()
		return nil, relayerr.Wrap(relayerr.Internal, "duckdb execute", err)
	}

	schema, err := arrowutil.SchemaFromDef(query.ReturnSchema)
	if err != nil {
		reader.Release()
		cleanup()
		return nil, err
	}
	return withReturnSchema(newReaderStream(reader, cleanup), schema), nil
}
