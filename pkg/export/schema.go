package export

import (
	"encoding/json"
	"fmt"
)

// SchemaVersion is bumped whenever a built-in column list changes.
const SchemaVersion = 1

// Schema is the fixed, ordered column list of an entity's export rows.
type Schema struct {
	Entity  Entity
	Version int
	Columns []Column
}

// Column is one export column and the rule that extracts it from a raw record.
type Column struct {
	Name    string
	extract func(rec *record) (json.RawMessage, error)
}

// Names returns the column names in schema order.
func (s *Schema) Names() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// Field copies the top-level source field with the same name.
func Field(name string) Column {
	return Column{
		Name: name,
		extract: func(rec *record) (json.RawMessage, error) {
			return compact(rec.fields[name])
		},
	}
}

// Nested copies field from the nested object parent, e.g. billing.city.
func Nested(name, parent, field string) Column {
	return Column{
		Name: name,
		extract: func(rec *record) (json.RawMessage, error) {
			obj, err := rec.object(parent)
			if err != nil || obj == nil {
				return null, err
			}
			return compact(obj[field])
		},
	}
}

// FirstOf copies field from the first element of the array parent.
// An absent or empty array yields null.
func FirstOf(name, parent, field string) Column {
	return Column{
		Name: name,
		extract: func(rec *record) (json.RawMessage, error) {
			obj, err := rec.firstElement(parent)
			if err != nil || obj == nil {
				return null, err
			}
			return compact(obj[field])
		},
	}
}

// Encoded stores the compact JSON text of the first present source field as a JSON string.
// With no sources the column name is used.
func Encoded(name string, sources ...string) Column {
	if len(sources) == 0 {
		sources = []string{name}
	}
	return Column{
		Name: name,
		extract: func(rec *record) (json.RawMessage, error) {
			for _, src := range sources {
				raw := rec.fields[src]
				if isNull(raw) {
					continue
				}
				text, err := compact(raw)
				if err != nil {
					return nil, err
				}
				return encodeString(string(text))
			}
			return null, nil
		},
	}
}

// OrderSchema is the export schema for orders.
var OrderSchema = &Schema{
	Entity:  EntityOrders,
	Version: SchemaVersion,
	Columns: []Column{
		Field("id"),
		Field("status"),
		Field("date_created"),
		Field("discount_total"),
		Field("discount_tax"),
		Field("shipping_total"),
		Field("shipping_tax"),
		Field("total"),
		Field("total_tax"),
		Field("customer_id"),
		Field("payment_method"),
		Field("payment_method_title"),
		Field("transaction_id"),
		Field("date_completed"),
		Nested("billing_city", "billing", "city"),
		Nested("billing_state", "billing", "state"),
		Nested("billing_postcode", "billing", "postcode"),
		FirstOf("coupon_lines_id", "coupon_lines", "id"),
		FirstOf("coupon_lines_code", "coupon_lines", "code"),
		FirstOf("coupon_lines_discount", "coupon_lines", "discount"),
		FirstOf("coupon_lines_discount_tax", "coupon_lines", "discount_tax"),
		Encoded("line_items"),
	},
}

// ProductSchema is the export schema for products.
var ProductSchema = &Schema{
	Entity:  EntityProducts,
	Version: SchemaVersion,
	Columns: []Column{
		Field("id"),
		Field("sku"),
		Field("name"),
		Field("description"),
		Field("slug"),
		Field("permalink"),
		Field("virtual"),
		Field("price"),
		Field("status"),
		Field("purchasable"),
		Field("catalog_visibility"),
		Encoded("images"),
		Encoded("metadata", "meta_data", "metadata"),
		Encoded("categories"),
	},
}

// SchemaFor returns the built-in schema of entity.
func SchemaFor(entity Entity) (*Schema, error) {
	switch entity {
	case EntityOrders:
		return OrderSchema, nil
	case EntityProducts:
		return ProductSchema, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEntity, entity)
	}
}
