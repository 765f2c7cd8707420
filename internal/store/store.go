// Package store defines the contract over the external hierarchical,
// change-notifying key-value store that holds job records, plus the Redis
// production implementation and an in-memory one for tests and local dev.
package store

import (
	"context"
	"encoding/json"
)

const (
	// JobsPath is the primary collection of live job records.
	JobsPath = "jobs"
	// DLQPath is the quarantine collection for retry-exhausted jobs.
	DLQPath = "dlq"
)

func JobPath(id string) string { return JobsPath + "/" + id }
func DLQJobPath(id string) string { return DLQPath + "/" + id }

// Snapshot is the full content of a collection, keyed by child id.
type Snapshot map[string]json.RawMessage

// Store is the realtime store contract. Paths are slash-separated and two
// levels deep at most (collection/record). Subscribe delivers the full
// Snapshot of the watched collection on every change anywhere beneath it —
// there are no delta semantics.
type Store interface {
	// Write fully overwrites the value at path.
	Write(ctx context.Context, path string, v interface{}) error
	// Update merge-patches the record at path with the given fields.
	Update(ctx context.Context, path string, fields map[string]interface{}) error
	Delete(ctx context.Context, path string) error
	// Read unmarshals the record at path into dst; found is false when the
	// path holds nothing.
	Read(ctx context.Context, path string, dst interface{}) (found bool, err error)
	// List reads an entire collection.
	List(ctx context.Context, path string) (Snapshot, error)
	// Subscribe watches a collection. fn is invoked with the full snapshot on
	// every change, serially per subscription. The returned func detaches the
	// subscription and is safe to call more than once.
	Subscribe(ctx context.Context, path string, fn func(Snapshot)) (func(), error)
}
