package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/Sternrassler/woo-export/pkg/export"
)

var (
	// ErrNotFound indicates no entry exists for the requested page
	ErrNotFound = errors.New("ledger entry not found")

	// ErrInvalidEntry indicates a stored entry could not be decoded
	ErrInvalidEntry = errors.New("invalid ledger entry")
)

// Ledger stores export entries in Redis.
type Ledger struct {
	redis *redis.Client
}

// New creates a ledger with Redis backend.
func New(redisClient *redis.Client) *Ledger {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &Ledger{redis: redisClient}
}

// Key returns the Redis hash holding the entries of entity.
func Key(entity export.Entity) string {
	return "woo:export:" + string(entity)
}

// Record stores entry, replacing an earlier entry for the same page.
func (l *Ledger) Record(ctx context.Context, entry Entry) error {
	if entry.Page < 1 {
		return fmt.Errorf("%w: page %d", export.ErrInvalidPage, entry.Page)
	}
	if entry.Key == "" {
		entry.Key = export.PageKey(entry.Page)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		LedgerErrors.WithLabelValues("record").Inc()
		return fmt.Errorf("marshal ledger entry: %w", err)
	}

	if err := l.redis.HSet(ctx, Key(entry.Entity), entry.Key, data).Err(); err != nil {
		LedgerErrors.WithLabelValues("record").Inc()
		return fmt.Errorf("redis hset: %w", err)
	}

	LedgerWrites.WithLabelValues(string(entry.Entity)).Inc()
	return nil
}

// Get returns the entry of one page.
// Returns ErrNotFound if the page was never exported.
func (l *Ledger) Get(ctx context.Context, entity export.Entity, page int) (*Entry, error) {
	data, err := l.redis.HGet(ctx, Key(entity), export.PageKey(page)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		LedgerErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis hget: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		LedgerErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	return &entry, nil
}

// List returns all entries of entity sorted by page.
func (l *Ledger) List(ctx context.Context, entity export.Entity) ([]Entry, error) {
	values, err := l.redis.HGetAll(ctx, Key(entity)).Result()
	if err != nil {
		LedgerErrors.WithLabelValues("list").Inc()
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}

	entries := make([]Entry, 0, len(values))
	for field, v := range values {
		var entry Entry
		if err := json.Unmarshal([]byte(v), &entry); err != nil {
			LedgerErrors.WithLabelValues("list").Inc()
			return nil, fmt.Errorf("%w: field %s: %v", ErrInvalidEntry, field, err)
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Page < entries[j].Page })
	return entries, nil
}

// Manifest lists entity and summarizes the entries.
func (l *Ledger) Manifest(ctx context.Context, entity export.Entity) (Manifest, error) {
	entries, err := l.List(ctx, entity)
	if err != nil {
		return Manifest{}, err
	}
	return NewManifest(entity, entries), nil
}

// Reset removes all entries of entity.
func (l *Ledger) Reset(ctx context.Context, entity export.Entity) error {
	if err := l.redis.Del(ctx, Key(entity)).Err(); err != nil {
		LedgerErrors.WithLabelValues("reset").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
