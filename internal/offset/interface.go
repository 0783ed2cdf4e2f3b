package offset

import (
	"context"
	"sort"
)

// Store persists committed read offsets of tracked files.
// Implementations: FileStore (text checkpoint, default), BoltDBStore.
type Store interface {
	// Load returns the committed offset of every path in the checkpoint.
	// A missing checkpoint yields an empty map.
	Load(ctx context.Context) (map[string]int64, error)

	// Save replaces the checkpoint with records as one complete snapshot
	Save(ctx context.Context, records []Record) error

	// Close releases the store
	Close() error
}

// Record is one checkpoint line. Only Path and Offset are read back;
// Size is the observed file size at save time and is informational.
type Record struct {
	Path   string
	Offset int64
	Size   int64
}

// SortRecords orders records by path
func SortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].Path < records[j].Path
	})
}

// Lister is implemented by stores that can report full records
type Lister interface {
	Records(ctx context.Context) ([]Record, error)
}
