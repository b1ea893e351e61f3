package domain

import (
	"encoding/json"
	"sort"

	"github.com/google/uuid"
)

// ColumnPermission is the set of DataField paths a principal may read from a
// DataSource. It serializes as {"allowed_columns": [...]} with a sorted list
// so stored permissions compare stably.
type ColumnPermission struct {
	AllowedColumns map[string]struct{} `json:"-"`
}

type columnPermissionJSON struct {
	AllowedColumns []string `json:"allowed_columns"`
}

// MarshalJSON encodes the column set as a sorted list.
func (c ColumnPermission) MarshalJSON() ([]byte, error) {
	cols := make([]string, 0, len(c.AllowedColumns))
	for col := range c.AllowedColumns {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return json.Marshal(columnPermissionJSON{AllowedColumns: cols})
}

// UnmarshalJSON decodes a column list into the set.
func (c *ColumnPermission) UnmarshalJSON(data []byte) error {
	var raw columnPermissionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.AllowedColumns = make(map[string]struct{}, len(raw.AllowedColumns))
	for _, col := range raw.AllowedColumns {
		c.AllowedColumns[col] = struct{}{}
	}
	return nil
}

// Sorted returns the allowed columns in deterministic order.
func (c ColumnPermission) Sorted() []string {
	cols := make([]string, 0, len(c.AllowedColumns))
	for col := range c.AllowedColumns {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}

// NewColumnPermission builds a ColumnPermission from a column list.
func NewColumnPermission(columns ...string) ColumnPermission {
	set := make(map[string]struct{}, len(columns))
	for _, c := range columns {
		set[c] = struct{}{}
	}
	return ColumnPermission{AllowedColumns: set}
}

// Allows reports whether the column is readable.
func (c ColumnPermission) Allows(column string) bool {
	_, ok := c.AllowedColumns[column]
	return ok
}

// Union returns the set union of allowed columns.
func (c ColumnPermission) Union(other ColumnPermission) ColumnPermission {
	out := make(map[string]struct{}, len(c.AllowedColumns)+len(other.AllowedColumns))
	for col := range c.AllowedColumns {
		out[col] = struct{}{}
	}
	for col := range other.AllowedColumns {
		out[col] = struct{}{}
	}
	return ColumnPermission{AllowedColumns: out}
}

// Intersection returns the set intersection of allowed columns.
func (c ColumnPermission) Intersection(other ColumnPermission) ColumnPermission {
	out := make(map[string]struct{})
	for col := range c.AllowedColumns {
		if _, ok := other.AllowedColumns[col]; ok {
			out[col] = struct{}{}
		}
	}
	return ColumnPermission{AllowedColumns: out}
}

// RowPermission is a SQL filter expression defining the rows a principal may
// read, e.g. "(col1=1 or name='joe') and not col3='secret'".
type RowPermission struct {
	AllowedRows string `json:"allowed_rows"`
}

// Union combines two filters with OR, parenthesizing both sides.
func (r RowPermission) Union(other RowPermission) RowPermission {
	return RowPermission{AllowedRows: "(" + r.AllowedRows + ") OR (" + other.AllowedRows + ")"}
}

// Intersection combines two filters with AND, parenthesizing both sides.
func (r RowPermission) Intersection(other RowPermission) RowPermission {
	return RowPermission{AllowedRows: "(" + r.AllowedRows + ") AND (" + other.AllowedRows + ")"}
}

// SourcePermission is the (columns, rows) pair a principal may access on one
// DataSource. Union broadens access; Intersection narrows it by requiring
// both grants.
type SourcePermission struct {
	Columns ColumnPermission `json:"columns"`
	Rows    RowPermission    `json:"rows"`
}

// Union broadens the permission along both axes.
func (p SourcePermission) Union(other SourcePermission) SourcePermission {
	return SourcePermission{
		Columns: p.Columns.Union(other.Columns),
		Rows:    p.Rows.Union(other.Rows),
	}
}

// Intersection narrows the permission along both axes.
func (p SourcePermission) Intersection(other SourcePermission) SourcePermission {
	return SourcePermission{
		Columns: p.Columns.Intersection(other.Columns),
		Rows:    p.Rows.Intersection(other.Rows),
	}
}

// DefaultSourcePermission grants a baseline to any authenticated principal on
// a DataSource, in the absence of explicit user or relay grants.
type DefaultSourcePermission struct {
	ID               uuid.UUID        `json:"id"`
	DataSourceID     uuid.UUID        `json:"data_source_id"`
	SourcePermission SourcePermission `json:"source_permission"`
}

// UserSourcePermission grants additional access to a specific User.
type UserSourcePermission struct {
	ID               uuid.UUID        `json:"id"`
	DataSourceID     uuid.UUID        `json:"data_source_id"`
	UserID           uuid.UUID        `json:"user_id"`
	SourcePermission SourcePermission `json:"source_permission"`
}

// RelaySourcePermission grants additional access to a specific peer Relay.
type RelaySourcePermission struct {
	ID               uuid.UUID        `json:"id"`
	DataSourceID     uuid.UUID        `json:"data_source_id"`
	RelayID          uuid.UUID        `json:"relay_id"`
	SourcePermission SourcePermission `json:"source_permission"`
}
