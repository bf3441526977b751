package export

import (
	"fmt"
	"sort"
	"strings"
)

// Entity is the category of exported data. Its value is also the URL path segment.
type Entity string

const (
	// EntityOrders exports shop orders.
	EntityOrders Entity = "orders"

	// EntityProducts exports catalog products.
	EntityProducts Entity = "products"
)

// ParseEntity normalises an entity name. Singular and plural forms are accepted.
func ParseEntity(name string) (Entity, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "orders", "order":
		return EntityOrders, nil
	case "products", "product":
		return EntityProducts, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedEntity, name)
	}
}

// String implements fmt.Stringer.
func (e Entity) String() string {
	return string(e)
}

// EntityConfig binds an entity to its source endpoint, destination bucket and row schema.
type EntityConfig struct {
	Entity   Entity
	Endpoint string
	Bucket   string
	Schema   *Schema
}

// Registry resolves entity configuration. It is built once at startup and read-only afterwards.
type Registry struct {
	entities map[Entity]EntityConfig
}

// NewRegistry creates a registry from the given entity configurations.
// Configurations without a schema get the built-in schema for their entity.
func NewRegistry(configs ...EntityConfig) (*Registry, error) {
	r := &Registry{entities: make(map[Entity]EntityConfig, len(configs))}
	for _, cfg := range configs {
		if cfg.Schema == nil {
			schema, err := SchemaFor(cfg.Entity)
			if err != nil {
				return nil, err
			}
			cfg.Schema = schema
		}
		if _, dup := r.entities[cfg.Entity]; dup {
			return nil, fmt.Errorf("entity %q registered twice", cfg.Entity)
		}
		r.entities[cfg.Entity] = cfg
	}
	return r, nil
}

// Lookup returns the configuration for entity.
func (r *Registry) Lookup(entity Entity) (EntityConfig, error) {
	cfg, ok := r.entities[entity]
	if !ok {
		return EntityConfig{}, fmt.Errorf("%w: %q", ErrUnsupportedEntity, entity)
	}
	return cfg, nil
}

// Resolve parses name and looks it up in one step.
func (r *Registry) Resolve(name string) (EntityConfig, error) {
	entity, err := ParseEntity(name)
	if err != nil {
		return EntityConfig{}, err
	}
	return r.Lookup(entity)
}

// Entities returns the registered entities in name order.
func (r *Registry) Entities() []Entity {
	out := make([]Entity, 0, len(r.entities))
	for e := range r.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// PageKey returns the storage key of a page: page_{index zero-padded to 3}.jsonl.
func PageKey(page int) string {
	return fmt.Sprintf("page_%03d.jsonl", page)
}

// ValidatePage rejects page indices below 1.
func ValidatePage(page int) error {
	if page < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidPage, page)
	}
	return nil
}
