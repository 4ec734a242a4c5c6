// Package store implements the generic, per-tenant SQLite/FTS5 document
// store: a typed-schema record store with append-only child collections,
// full-text search maintained by triggers, and a single-writer connection
// model. It is grounded on internal/core/db.go's connection setup (WAL,
// foreign keys, busy_timeout) and on the sqlite_store Python package this
// module was distilled from (connection_manager.py, schema_manager.py,
// crud_operations.py, collection_operations.py).
package store

import "time"

// FieldType is the closed set of schema field types a store may declare.
type FieldType int

const (
	TypeStr FieldType = iota
	TypeInt
	TypeFloat
	TypeBool
	TypeJSON
	TypeJSONCollection
)

func (t FieldType) String() string {
	switch t {
	case TypeStr:
		return "str"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeBool:
		return "bool"
	case TypeJSON:
		return "json"
	case TypeJSONCollection:
		return "json_collection"
	default:
		return "unknown"
	}
}

// ParseFieldType maps the wire/storage name back to a FieldType.
func ParseFieldType(s string) (FieldType, bool) {
	switch s {
	case "str":
		return TypeStr, true
	case "int":
		return TypeInt, true
	case "float":
		return TypeFloat, true
	case "bool":
		return TypeBool, true
	case "json":
		return TypeJSON, true
	case "json_collection":
		return TypeJSONCollection, true
	default:
		return 0, false
	}
}

// Schema declares the user-defined fields of a store, in declaration order
// (order matters only for ALTER-diffing stability, not semantics).
type Schema struct {
	Fields []FieldSpec
}

// FieldSpec names one user-defined column and its type.
type FieldSpec struct {
	Name string
	Type FieldType
}

// FieldType looks up a field's declared type; ok is false if the store has
// no such field.
func (s Schema) FieldType(name string) (FieldType, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f.Type, true
		}
	}
	return 0, false
}

// collectionFields returns the names of this schema's json_collection
// fields, in declaration order.
func (s Schema) collectionFields() []string {
	var out []string
	for _, f := range s.Fields {
		if f.Type == TypeJSONCollection {
			out = append(out, f.Name)
		}
	}
	return out
}

// Record is one row of a store: system columns plus user-defined fields
// decoded by their declared type (string, int64, float64, bool, or a
// decoded JSON value for TypeJSON/TypeJSONCollection).
type Record struct {
	ID        string
	UserID    string
	CreatedAt time.Time
	UpdatedAt time.Time
	Fields    map[string]any
}

// CollectionMeta is the value stored in a json_collection column: a
// pointer to the child table plus a denormalized item count.
type CollectionMeta struct {
	CollectionStore string `json:"collection_store"`
	Count           int    `json:"count"`
}

// CollectionItem is one row of a json_collection child table.
type CollectionItem struct {
	ID         string
	ParentID   string
	OrderIndex int
	Item       any
	CreatedAt  time.Time
}

// Filter is one condition of a Find call: either an exact match (Op == "")
// or a comparison operator applied to Value.
type Filter struct {
	Field string
	Op    Operator
	Value any
}

// Operator is the closed set of comparison operators Find supports.
type Operator string

const (
	OpEq   Operator = ""
	OpLike Operator = "$like"
	OpGt   Operator = "$gt"
	OpGte  Operator = "$gte"
	OpLt   Operator = "$lt"
	OpLte  Operator = "$lte"
)

// FindOptions controls ordering and pagination of Find. FullTextSearch uses
// only Limit and Offset; its results are always ordered by FTS rank.
type FindOptions struct {
	OrderBy   string
	Ascending bool
	Limit     *int
	Offset    int
}
