package ledger

import (
	"time"

	"github.com/Sternrassler/woo-export/pkg/export"
)

// Entry describes one exported page object.
type Entry struct {
	Entity     export.Entity `json:"entity"`
	Page       int           `json:"page"`
	Bucket     string        `json:"bucket"`
	Key        string        `json:"key"`
	MD5        string        `json:"md5"`
	Bytes      int64         `json:"bytes"`
	Records    int           `json:"records"`
	ExportedAt time.Time     `json:"exported_at"`
}

// Manifest is the ledger view of one entity.
type Manifest struct {
	Entity  export.Entity `json:"entity"`
	Pages   int           `json:"pages"`
	Records int           `json:"records"`
	Bytes   int64         `json:"bytes"`
	Entries []Entry       `json:"entries"`
}

// NewManifest summarizes entries, which must already be sorted by page.
func NewManifest(entity export.Entity, entries []Entry) Manifest {
	m := Manifest{Entity: entity, Pages: len(entries), Entries: entries}
	if m.Entries == nil {
		m.Entries = []Entry{}
	}
	for _, e := range entries {
		m.Records += e.Records
		m.Bytes += e.Bytes
	}
	return m
}
