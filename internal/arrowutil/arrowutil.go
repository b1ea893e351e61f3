// Package arrowutil provides the Arrow plumbing shared by runners and
// surfaces: the logical type lattice (Information type names ↔ Arrow types),
// record-batch casting to a declared schema, JSON row decoding for engines
// that page JSON (Trino), and record→row conversion for the NDJSON surface.
package arrowutil

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/relaymesh/relay/internal/domain"
	"github.com/relaymesh/relay/internal/relayerr"
)

// typesByName is the closed set of logical types admins may declare. Matching
// is case-insensitive so both "Utf8" (config style) and "utf8" (Arrow's own
// names) resolve.
var typesByName = map[string]arrow.DataType{
	"bool":      arrow.FixedWidthTypes.Boolean,
	"boolean":   arrow.FixedWidthTypes.Boolean,
	"int8":      arrow.PrimitiveTypes.Int8,
	"int16":     arrow.PrimitiveTypes.Int16,
	"int32":     arrow.PrimitiveTypes.Int32,
	"int64":     arrow.PrimitiveTypes.Int64,
	"uint8":     arrow.PrimitiveTypes.Uint8,
	"uint16":    arrow.PrimitiveTypes.Uint16,
	"uint32":    arrow.PrimitiveTypes.Uint32,
	"uint64":    arrow.PrimitiveTypes.Uint64,
	"float32":   arrow.PrimitiveTypes.Float32,
	"float64":   arrow.PrimitiveTypes.Float64,
	"utf8":      arrow.BinaryTypes.String,
	"string":    arrow.BinaryTypes.String,
	"largeutf8": arrow.BinaryTypes.LargeString,
	"binary":    arrow.BinaryTypes.Binary,
	"date32":    arrow.FixedWidthTypes.Date32,
	"date64":    arrow.FixedWidthTypes.Date64,
	"timestamp": arrow.FixedWidthTypes.Timestamp_us,
}

// TypeFromName resolves a declared logical type name to an Arrow type.
func TypeFromName(name string) (arrow.DataType, error) {
	if dt, ok := typesByName[strings.ToLower(name)]; ok {
		return dt, nil
	}
	return nil, relayerr.Newf(relayerr.SerDe, "unknown arrow type name %q", name)
}

// SchemaFromDef materializes a declared return schema.
func SchemaFromDef(def *domain.SchemaDef) (*arrow.Schema, error) {
	if def == nil {
		return nil, nil
	}
	fields := make([]arrow.Field, len(def.Fields))
	for i, f := range def.Fields {
		dt, err := TypeFromName(f.Type)
		if err != nil {
			return nil, err
		}
		fields[i] = arrow.Field{Name: f.Name, Type: dt, Nullable: f.Nullable}
	}
	return arrow.NewSchema(fields, nil), nil
}

// DefFromSchema captures a schema as a serializable declaration.
func DefFromSchema(schema *arrow.Schema) *domain.SchemaDef {
	if schema == nil {
		return nil
	}
	def := &domain.SchemaDef{Fields: make([]domain.FieldDef, schema.NumFields())}
	for i := 0; i < schema.NumFields(); i++ {
		f := schema.Field(i)
		def.Fields[i] = domain.FieldDef{Name: f.Name, Type: f.Type.Name(), Nullable: f.Nullable}
	}
	return def
}

// SchemaFromInformation converts an Entity's Information set into its Arrow
// schema. All fields are nullable: column denial manifests as NULL.
func SchemaFromInformation(infos []domain.Information) (*arrow.Schema, error) {
	fields := make([]arrow.Field, len(infos))
	for i, info := range infos {
		dt, err := TypeFromName(info.ArrowDtype)
		if err != nil {
			return nil, err
		}
		fields[i] = arrow.Field{Name: info.Name, Type: dt, Nullable: true}
	}
	return arrow.NewSchema(fields, nil), nil
}

// CastBatch casts each column of rec to the corresponding field type of
// schema. Column count and order must already match.
func CastBatch(ctx context.Context, rec arrow.RecordBatch, schema *arrow.Schema) (arrow.RecordBatch, error) {
	if int64(schema.NumFields()) != rec.NumCols() {
		return nil, relayerr.Newf(relayerr.Internal,
			"cannot cast batch with %d columns to schema with %d fields",
			rec.NumCols(), schema.NumFields())
	}

	cols := make([]arrow.Array, rec.NumCols())
	for i := 0; i < int(rec.NumCols()); i++ {
		casted, err := compute.CastArray(ctx, rec.Column(i), compute.SafeCastOptions(schema.Field(i).Type))
		if err != nil {
			for _, c := range cols[:i] {
				c.Release()
			}
			return nil, relayerr.Wrap(relayerr.Internal,
				fmt.Sprintf("cast column %s", rec.ColumnName(i)), err)
		}
		cols[i] = casted
	}

	out := array.NewRecordBatch(schema, cols, rec.NumRows())
	for _, c := range cols {
		c.Release()
	}
	return out, nil
}

// RecordFromJSONRows decodes row maps into a record batch with the given
// schema. Used by runners that page JSON results.
func RecordFromJSONRows(schema *arrow.Schema, rows []map[string]any) (arrow.RecordBatch, error) {
	data, err := json.Marshal(rows)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.SerDe, "encode json rows", err)
	}
	rec, _, err := array.RecordFromJSON(memory.DefaultAllocator, schema, strings.NewReader(string(data)))
	if err != nil {
		return nil, relayerr.Wrap(relayerr.SerDe, "decode json rows to arrow", err)
	}
	return rec, nil
}

// RecordToRows converts a record batch into JSON-serializable row maps.
func RecordToRows(rec arrow.RecordBatch) []map[string]any {
	rows := make([]map[string]any, 0, rec.NumRows())
	for i := 0; i < int(rec.NumRows()); i++ {
		row := make(map[string]any, rec.NumCols())
		for j := 0; j < int(rec.NumCols()); j++ {
			row[rec.ColumnName(j)] = ValueToInterface(rec.Column(j), i)
		}
		rows = append(rows, row)
	}
	return rows
}

// ValueToInterface extracts a single value from an Arrow column at the given
// index. Returns nil for null values; falls back to the string rendering for
// uncommon types.
func ValueToInterface(col arrow.Array, idx int) any {
	if col.IsNull(idx) {
		return nil
	}
	switch c := col.(type) {
	case *array.Int8:
		return c.Value(idx)
	case *array.Int16:
		return c.Value(idx)
	case *array.Int32:
		return c.Value(idx)
	case *array.Int64:
		return c.Value(idx)
	case *array.Uint8:
		return c.Value(idx)
	case *array.Uint16:
		return c.Value(idx)
	case *array.Uint32:
		return c.Value(idx)
	case *array.Uint64:
		return c.Value(idx)
	case *array.Float32:
		return c.Value(idx)
	case *array.Float64:
		return c.Value(idx)
	case *array.String:
		return c.Value(idx)
	case *array.LargeString:
		return c.Value(idx)
	case *array.Boolean:
		return c.Value(idx)
	case *array.Binary:
		return c.Value(idx)
	case *array.Timestamp:
		dt := c.DataType().(*arrow.TimestampType)
		return c.Value(idx).ToTime(dt.Unit).UTC().Format(time.RFC3339Nano)
	case *array.Date32:
		return c.Value(idx).ToTime().Format("2006-01-02")
	case *array.Date64:
		return c.Value(idx).ToTime().Format("2006-01-02")
	default:
		return col.ValueStr(idx)
	}
}
