package dumper

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"

	"feedflow/internal/market"
)

// ColumnType is the closed set of physical column types a partition schema
// can hold.
type ColumnType int

const (
	Int64 ColumnType = iota
	Double
	Boolean
	String
)

func (t ColumnType) String() string {
	switch t {
	case Int64:
		return "int64"
	case Double:
		return "double"
	case Boolean:
		return "boolean"
	default:
		return "string"
	}
}

// Column is one named field of a partition schema.
type Column struct {
	Name string
	Type ColumnType
}

// columnNamesKey is the footer metadata key holding the JSON array of
// column names in footer schema order. The parquet writer rewrites column
// names into exported Go identifiers, so the originals have to travel in
// metadata for the reader to restore record keys.
const columnNamesKey = "column_names"

// Schema is the fixed column set of one partition, frozen on the first
// record the partition ever sees.
type Schema struct {
	Columns []Column
	index   map[string]int
}

func (s *Schema) names() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

func newSchema(cols []Column) *Schema {
	s := &Schema{Columns: cols, index: make(map[string]int, len(cols))}
	for i, c := range cols {
		s.index[c.Name] = i
	}
	return s
}

// SchemaError reports a record that cannot be represented in a partition's
// frozen schema. It is fatal for the partition only.
type SchemaError struct {
	Partition string
	Field     string
	Value     any
	Reason    string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("partition %s: field %q (%v): %s", e.Partition, e.Field, e.Value, e.Reason)
}

// inferSchema classifies every field of the first record. Field order is
// made deterministic by sorting names; readers address columns by name.
func inferSchema(partition string, rec market.Record) (*Schema, error) {
	names := make([]string, 0, len(rec))
	for name := range rec {
		names = append(names, name)
	}
	sort.Strings(names)

	cols := make([]Column, 0, len(names))
	for _, name := range names {
		t, ok := classify(rec[name])
		if !ok {
			return nil, &SchemaError{
				Partition: partition,
				Field:     name,
				Value:     rec[name],
				Reason:    fmt.Sprintf("unclassifiable type %T", rec[name]),
			}
		}
		cols = append(cols, Column{Name: name, Type: t})
	}
	return newSchema(cols), nil
}

// classify picks a column type for one value: integer, then floating point,
// then boolean, else string. Numeric strings infer as their numeric type.
// Typed nil pointers classify by element type, so nullable fields still
// shape the schema when the first record carries no value.
func classify(v any) (ColumnType, bool) {
	switch val := v.(type) {
	case int64, *int64:
		return Int64, true
	case float64, *float64:
		return Double, true
	case bool, *bool:
		return Boolean, true
	case string:
		return classifyString(val), true
	case *string:
		if val == nil {
			return String, true
		}
		return classifyString(*val), true
	default:
		return String, false
	}
}

func classifyString(s string) ColumnType {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return String
	}
	if f == math.Trunc(f) && math.Abs(f) < math.MaxInt64 {
		return Int64
	}
	return Double
}

// coerce converts a record value into the column's physical type, or nil
// for a null. Numeric strings are converted to match the frozen schema.
func coerce(v any, t ColumnType) (any, error) {
	switch val := v.(type) {
	case *int64:
		if val == nil {
			return nil, nil
		}
		v = *val
	case *float64:
		if val == nil {
			return nil, nil
		}
		v = *val
	case *bool:
		if val == nil {
			return nil, nil
		}
		v = *val
	case *string:
		if val == nil {
			return nil, nil
		}
		v = *val
	case nil:
		return nil, nil
	}

	switch t {
	case Int64:
		switch val := v.(type) {
		case int64:
			return val, nil
		case float64:
			if val == math.Trunc(val) {
				return int64(val), nil
			}
			return nil, fmt.Errorf("fractional value %v in int64 column", val)
		case string:
			f, err := strconv.ParseFloat(val, 64)
			if err != nil || f != math.Trunc(f) {
				return nil, fmt.Errorf("value %q not an integer", val)
			}
			return int64(f), nil
		}
	case Double:
		switch val := v.(type) {
		case float64:
			return val, nil
		case int64:
			return float64(val), nil
		case string:
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return nil, fmt.Errorf("value %q not numeric", val)
			}
			return f, nil
		}
	case Boolean:
		if val, ok := v.(bool); ok {
			return val, nil
		}
	case String:
		if val, ok := v.(string); ok {
			return val, nil
		}
	}
	return nil, fmt.Errorf("value of type %T incompatible with %s column", v, t)
}

type jsonSchemaNode struct {
	Tag    string           `json:"Tag"`
	Fields []jsonSchemaNode `json:"Fields,omitempty"`
}

// writerSchema renders the schema in the form the parquet JSON writer
// expects. Every column is OPTIONAL so nulls are representable.
func (s *Schema) writerSchema() string {
	root := jsonSchemaNode{Tag: "name=parquet_go_root, repetitiontype=REQUIRED"}
	for _, c := range s.Columns {
		var t string
		switch c.Type {
		case Int64:
			t = "type=INT64"
		case Double:
			t = "type=DOUBLE"
		case Boolean:
			t = "type=BOOLEAN"
		default:
			t = "type=BYTE_ARRAY, convertedtype=UTF8"
		}
		root.Fields = append(root.Fields, jsonSchemaNode{
			Tag: fmt.Sprintf("name=%s, %s, repetitiontype=OPTIONAL", c.Name, t),
		})
	}
	b, _ := json.Marshal(root)
	return string(b)
}

// mergeSchemas unions an existing file's columns with the freshly inferred
// schema. File column order is kept so re-written rows stay stable; on a
// type conflict the inferred type wins, new columns are appended.
func mergeSchemas(fileCols []Column, inferred *Schema) *Schema {
	cols := make([]Column, 0, len(fileCols)+len(inferred.Columns))
	seen := make(map[string]bool, len(fileCols))
	for _, c := range fileCols {
		if i, ok := inferred.index[c.Name]; ok {
			c.Type = inferred.Columns[i].Type
		}
		cols = append(cols, c)
		seen[c.Name] = true
	}
	for _, c := range inferred.Columns {
		if !seen[c.Name] {
			cols = append(cols, c)
		}
	}
	return newSchema(cols)
}
