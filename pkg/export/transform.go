package export

import (
	"bytes"
	"encoding/json"
	"fmt"
)

var null = json.RawMessage("null")

// Row is one flattened export record. Column order follows the schema.
type Row struct {
	columns []string
	values  []json.RawMessage
}

// Columns returns the row's column names in order.
func (r Row) Columns() []string {
	return r.columns
}

// Get returns the JSON value of column name.
func (r Row) Get(name string) (json.RawMessage, bool) {
	for i, c := range r.columns {
		if c == name {
			return r.values[i], true
		}
	}
	return nil, false
}

// MarshalJSON encodes the row as a single-line JSON object with keys in schema order.
func (r Row) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range r.columns {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(r.values[i])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Transform flattens one raw record with schema s. The raw bytes are not modified.
func (s *Schema) Transform(raw json.RawMessage) (Row, error) {
	rec, err := decodeRecord(raw)
	if err != nil {
		return Row{}, err
	}

	row := Row{
		columns: make([]string, len(s.Columns)),
		values:  make([]json.RawMessage, len(s.Columns)),
	}
	for i, col := range s.Columns {
		v, err := col.extract(rec)
		if err != nil {
			return Row{}, fmt.Errorf("column %s: %w", col.Name, err)
		}
		row.columns[i] = col.Name
		row.values[i] = v
	}
	return row, nil
}

// Transform flattens one raw record of entity with the built-in schema.
func Transform(entity Entity, raw json.RawMessage) (Row, error) {
	schema, err := SchemaFor(entity)
	if err != nil {
		return Row{}, err
	}
	return schema.Transform(raw)
}

// record is a decoded raw record with nested objects decoded on first use.
type record struct {
	fields  map[string]json.RawMessage
	objects map[string]map[string]json.RawMessage
}

func decodeRecord(raw json.RawMessage) (*record, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: record is not a JSON object: %v", ErrSchemaMismatch, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: record is null", ErrSchemaMismatch)
	}
	return &record{fields: fields, objects: make(map[string]map[string]json.RawMessage)}, nil
}

// object decodes the nested object name. Absent or null yields a nil map.
func (r *record) object(name string) (map[string]json.RawMessage, error) {
	if obj, ok := r.objects[name]; ok {
		return obj, nil
	}
	raw := r.fields[name]
	if isNull(raw) {
		r.objects[name] = nil
		return nil, nil
	}
	obj, err := decodeObject(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSchemaMismatch, name, err)
	}
	r.objects[name] = obj
	return obj, nil
}

// firstElement decodes the first object of the array name.
// Absent, null and empty arrays yield a nil map.
func (r *record) firstElement(name string) (map[string]json.RawMessage, error) {
	key := name + "[0]"
	if obj, ok := r.objects[key]; ok {
		return obj, nil
	}
	raw := r.fields[name]
	if isNull(raw) {
		r.objects[key] = nil
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%w: %s is not an array", ErrSchemaMismatch, name)
	}
	if len(items) == 0 || isNull(items[0]) {
		r.objects[key] = nil
		return nil, nil
	}
	obj, err := decodeObject(items[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %s[0]: %v", ErrSchemaMismatch, name, err)
	}
	r.objects[key] = obj
	return obj, nil
}

func decodeObject(raw json.RawMessage) (map[string]json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("not an object")
	}
	return obj, nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, null)
}

// compact returns raw without insignificant whitespace; absent values become null.
func compact(raw json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return null, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
	}
	return buf.Bytes(), nil
}

// encodeString encodes s as a JSON string without HTML escaping.
func encodeString(s string) (json.RawMessage, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
