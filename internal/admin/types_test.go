package admin_test

import (
	"encoding/json"
	"testing"

	"github.com/relaymesh/relay/internal/admin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestConfigCommandValidate(t *testing.T) {
	var cmd admin.ConfigCommand
	assert.Error(t, cmd.Validate(), "empty command")

	cmd.Entity = &admin.EntityDeclaration{Name: "customers"}
	assert.NoError(t, cmd.Validate())

	cmd.User = &admin.UserDeclaration{}
	assert.Error(t, cmd.Validate(), "two declarations")
}

func TestConfigCommandDecodesFromJSON(t *testing.T) {
	body := `{
		"entity": {
			"name": "customers",
			"information": [
				{"name": "name", "arrow_dtype": "Utf8"},
				{"name": "age", "arrow_dtype": "UInt8"}
			]
		}
	}`

	var cmd admin.ConfigCommand
	require.NoError(t, json.Unmarshal([]byte(body), &cmd))
	require.NoError(t, cmd.Validate())
	require.NotNil(t, cmd.Entity)
	assert.Equal(t, "customers", cmd.Entity.Name)
	require.Len(t, cmd.Entity.Information, 2)
	assert.Equal(t, "UInt8", cmd.Entity.Information[1].ArrowDtype)
}

func TestConfigCommandDecodesFromYAML(t *testing.T) {
	body := `
local_data:
  name: warehouse
  connection_options:
    file_directory:
      object_store_type: LocalFileSystem
      url: file:///data/warehouse
  data_sources:
    - name: orders
      source_sql: select * from orders
      source_options:
        file_directory:
          file_type: Parquet
      fields:
        - name: amount
          path: amount_cents
      default_permission:
        allowed_columns: [amount_cents]
        allowed_rows: "true"
`

	var cmd admin.ConfigCommand
	require.NoError(t, yaml.Unmarshal([]byte(body), &cmd))
	require.NoError(t, cmd.Validate())
	require.NotNil(t, cmd.LocalData)
	require.Len(t, cmd.LocalData.DataSources, 1)
	src := cmd.LocalData.DataSources[0]
	assert.Equal(t, "select * from orders", src.SourceSQL)
	require.NotNil(t, src.SourceOptions.FileDirectory)
	require.NotNil(t, src.DefaultPermission)
	assert.Equal(t, []string{"amount_cents"}, src.DefaultPermission.AllowedColumns)
}
