package runner

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/url"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/relaymesh/relay/internal/arrowutil"
	"github.com/relaymesh/relay/internal/domain"
	"github.com/relaymesh/relay/internal/relayerr"
	_ "github.com/trinodb/trino-go-client/trino" // database/sql driver
)

// trinoPageSize is how many JSON rows are decoded into each Arrow batch.
const trinoPageSize = 1024

// trinoRunner submits SQL to an external Trino cluster and pages the JSON
// row results into Arrow batches. The schema is inferred from the first page
// unless the query declares one.
type trinoRunner struct {
	dsn string
}

func newTrinoRunner(con *domain.TrinoConnection) (*trinoRunner, error) {
	scheme := "http"
	if con.Secure {
		scheme = "https"
	}

	u := &url.URL{
		Scheme: scheme,
		Host:   fmt.Sprintf("%s:%d", con.Host, con.Port),
	}
	if con.Password != "" {
		// The stored password names an env variable, never the plaintext.
		password := os.Getenv(con.Password)
		if password == "" {
			return nil, relayerr.Newf(relayerr.Internal,
				"expected trino password to be set in %s env variable, but it is unset!", con.Password)
		}
		u.User = url.UserPassword(con.User, password)
	} else {
		u.User = url.User(con.User)
	}

	query := u.Query()
	if con.Catalog != "" {
		query.Set("catalog", con.Catalog)
	}
	if con.Schema != "" {
		query.Set("schema", con.Schema)
	}
	query.Set("source", "relay")
	u.RawQuery = query.Encode()

	return &trinoRunner{dsn: u.String()}, nil
}

func (r *trinoRunner) Execute(ctx context.Context, query domain.Query) (BatchStream, error) {
	db, err := sql.Open("trino", r.dsn)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.RemoteError, "connect to trino", err)
	}

	rows, err := db.QueryContext(ctx, query.SQL)
	if err != nil {
		db.Close()
		return nil, relayerr.Wrap(relayerr.RemoteError, "trino execute", err)
	}

	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		db.Close()
		return nil, relayerr.Wrap(relayerr.RemoteError, "trino columns", err)
	}

	schema, err := arrowutil.SchemaFromDef(query.ReturnSchema)
	if err != nil {
		rows.Close()
		db.Close()
		return nil, err
	}

	return &trinoStream{db: db, rows: rows, cols: cols, schema: schema}, nil
}

// trinoStream pages sql.Rows into Arrow batches lazily. When no schema was
// declared it is inferred from the Go types of the first page.
type trinoStream struct {
	db     *sql.DB
	rows   *sql.Rows
	cols   []string
	schema *arrow.Schema
	done   bool
}

func (s *trinoStream) Schema() *arrow.Schema { return s.schema }

func (s *trinoStream) Next() (arrow.RecordBatch, error) {
	if s.done {
		return nil, io.EOF
	}

	page := make([]map[string]any, 0, trinoPageSize)
	values := make([]any, len(s.cols))
	ptrs := make([]any, len(s.cols))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for len(page) < trinoPageSize && s.rows.Next() {
		if err := s.rows.Scan(ptrs...); err != nil {
			return nil, relayerr.Wrap(relayerr.RemoteError, "trino scan", err)
		}
		row := make(map[string]any, len(s.cols))
		for i, col := range s.cols {
			row[col] = normalizeSQLValue(values[i])
		}
		page = append(page, row)
	}
	if err := s.rows.Err(); err != nil {
		return nil, relayerr.Wrap(relayerr.RemoteError, "trino rows", err)
	}
	if len(page) == 0 {
		s.done = true
		return nil, io.EOF
	}

	if s.schema == nil {
		s.schema = inferSchema(s.cols, page[0])
	}

	rec, err := arrowutil.RecordFromJSONRows(s.schema, page)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *trinoStream) Close() error {
	err := s.rows.Close()
	if cerr := s.db.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// normalizeSQLValue converts driver-specific scan values into JSON-friendly
// forms.
func normalizeSQLValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// inferSchema derives an Arrow schema from the Go types of the first row.
// Untyped (all-null) columns default to Utf8.
func inferSchema(cols []string, first map[string]any) *arrow.Schema {
	fields := make([]arrow.Field, len(cols))
	for i, col := range cols {
		var dt arrow.DataType = arrow.BinaryTypes.String
		switch first[col].(type) {
		case int64, int32, int:
			dt = arrow.PrimitiveTypes.Int64
		case float64, float32:
			dt = arrow.PrimitiveTypes.Float64
		case bool:
			dt = arrow.FixedWidthTypes.Boolean
		}
		fields[i] = arrow.Field{Name: col, Type: dt, Nullable: true}
	}
	return arrow.NewSchema(fields, nil)
}
