// Package ledger keeps a per-entity record of exported pages in Redis.
//
// Every successful page export records one Entry: which object was written,
// its checksum and size, and when. The ledger is a Redis hash per entity:
//
//	woo:export:{entity}   field = object key (page_001.jsonl)   value = Entry JSON
//
// Re-exporting a page overwrites its entry, matching the overwrite semantics
// of the object store. List returns entries sorted by page and backs the
// GET /{entity}/manifest endpoint.
package ledger
