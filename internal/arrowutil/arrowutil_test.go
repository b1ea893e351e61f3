package arrowutil_test

import (
	"context"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/relaymesh/relay/internal/arrowutil"
	"github.com/relaymesh/relay/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypeFromName(t *testing.T) {
	dt, err := arrowutil.TypeFromName("Utf8")
	require.NoError(t, err)
	assert.Equal(t, arrow.BinaryTypes.String, dt)

	dt, err = arrowutil.TypeFromName("uint8")
	require.NoError(t, err)
	assert.Equal(t, arrow.PrimitiveTypes.Uint8, dt)

	_, err = arrowutil.TypeFromName("Complex128")
	assert.Error(t, err)
}

func TestSchemaFromInformation(t *testing.T) {
	schema, err := arrowutil.SchemaFromInformation([]domain.Information{
		{Name: "foo", ArrowDtype: "Utf8"},
		{Name: "bar", ArrowDtype: "UInt8"},
	})
	require.NoError(t, err)

	require.Equal(t, 2, schema.NumFields())
	assert.Equal(t, "foo", schema.Field(0).Name)
	assert.True(t, schema.Field(0).Nullable)
	assert.Equal(t, arrow.PrimitiveTypes.Uint8, schema.Field(1).Type)
}

func TestSchemaDefRoundTrip(t *testing.T) {
	def := &domain.SchemaDef{Fields: []domain.FieldDef{
		{Name: "a", Type: "int64", Nullable: true},
		{Name: "b", Type: "utf8", Nullable: false},
	}}

	schema, err := arrowutil.SchemaFromDef(def)
	require.NoError(t, err)

	back := arrowutil.DefFromSchema(schema)
	require.Len(t, back.Fields, 2)
	assert.Equal(t, "a", back.Fields[0].Name)
	assert.Equal(t, "int64", back.Fields[0].Type)
	assert.False(t, back.Fields[1].Nullable)

	nilSchema, err := arrowutil.SchemaFromDef(nil)
	require.NoError(t, err)
	assert.Nil(t, nilSchema)
}

func TestJSONRowsRoundTrip(t *testing.T) {
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
		{Name: "name", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)

	rec, err := arrowutil.RecordFromJSONRows(schema, []map[string]any{
		{"id": 1, "name": "alpha"},
		{"id": 2, "name": nil},
	})
	require.NoError(t, err)
	defer rec.Release()

	rows := arrowutil.RecordToRows(rec)
	require.Len(t, rows, 2)
	assert.EqualValues(t, 1, rows[0]["id"])
	assert.Equal(t, "alpha", rows[0]["name"])
	assert.Nil(t, rows[1]["name"])
}

func TestCastBatch(t *testing.T) {
	src := arrow.NewSchema([]arrow.Field{
		{Name: "v", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
	}, nil)
	rec, err := arrowutil.RecordFromJSONRows(src, []map[string]any{{"v": 7}})
	require.NoError(t, err)
	defer rec.Release()

	target := arrow.NewSchema([]arrow.Field{
		{Name: "v", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	}, nil)

	casted, err := arrowutil.CastBatch(context.Background(), rec, target)
	require.NoError(t, err)
	defer casted.Release()

	assert.Equal(t, arrow.PrimitiveTypes.Float64, casted.Column(0).DataType())
	rows := arrowutil.RecordToRows(casted)
	assert.EqualValues(t, 7.0, rows[0]["v"])
}

func TestCastBatchColumnMismatch(t *testing.T) {
	src := arrow.NewSchema([]arrow.Field{
		{Name: "v", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
	}, nil)
	rec, err := arrowutil.RecordFromJSONRows(src, []map[string]any{{"v": 7}})
	require.NoError(t, err)
	defer rec.Release()

	target := arrow.NewSchema([]arrow.Field{
		{Name: "a", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
		{Name: "b", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
	}, nil)

	_, err = arrowutil.CastBatch(context.Background(), rec, target)
	assert.Error(t, err)
}
