// Package export holds the pure part of the export pipeline: entity registry,
// versioned row schemas, the row transformer and the page serializer.
//
// A raw record is flattened with the schema of its entity:
//
//	row, err := export.OrderSchema.Transform(raw)
//
// and a page of records becomes newline-delimited JSON:
//
//	payload, err := export.Serialize(export.EntityOrders, records)
//
// Every row of an entity has the same columns in the same order. Missing
// fields, nested or not, are written as null. A nested field with the wrong
// shape fails with ErrSchemaMismatch and fails the whole page.
//
// Objects are stored under PageKey(page), e.g. page_007.jsonl.
package export
