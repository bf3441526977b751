package export

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Serialize turns records into newline-delimited JSON, one row per line in input order.
// Every line ends with '\n'; no records yields an empty payload.
// A single failing record fails the whole page.
func (s *Schema) Serialize(records []json.RawMessage) ([]byte, error) {
	var buf bytes.Buffer
	for i, raw := range records {
		row, err := s.Transform(raw)
		if err != nil {
			return nil, fmt.Errorf("%s record %d: %w", s.Entity, i, err)
		}
		line, err := row.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("%s record %d: encode row: %w", s.Entity, i, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// Serialize serializes records of entity with the built-in schema.
func Serialize(entity Entity, records []json.RawMessage) ([]byte, error) {
	schema, err := SchemaFor(entity)
	if err != nil {
		return nil, err
	}
	return schema.Serialize(records)
}
