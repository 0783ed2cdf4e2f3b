package tail

import (
	"sort"

	"github.com/SteelMorgan/logtail/internal/discovery"
	"github.com/SteelMorgan/logtail/internal/domain"
	"github.com/SteelMorgan/logtail/internal/offset"
)

// Registry owns the tracked entries and the saved positions. It is only
// touched by the tail loop goroutine.
type Registry struct {
	entries map[string]*Entry
	paths   []string
	saved   map[string]int64
}

// NewRegistry creates a registry seeded with positions loaded from the
// checkpoint
func NewRegistry(saved map[string]int64) *Registry {
	if saved == nil {
		saved = make(map[string]int64)
	}
	return &Registry{
		entries: make(map[string]*Entry),
		saved:   saved,
	}
}

// Known reports whether path is tracked
func (r *Registry) Known(path string) bool {
	_, ok := r.entries[path]
	return ok
}

// Add starts tracking a discovered file
func (r *Registry) Add(m discovery.Match) *Entry {
	if e, ok := r.entries[m.Path]; ok {
		return e
	}
	e := &Entry{Path: m.Path, Group: m.Group, Settings: m.Settings}
	r.entries[m.Path] = e

	i := sort.SearchStrings(r.paths, m.Path)
	r.paths = append(r.paths, "")
	copy(r.paths[i+1:], r.paths[i:])
	r.paths[i] = m.Path

	return e
}

// Get returns the entry of path or nil
func (r *Registry) Get(path string) *Entry {
	return r.entries[path]
}

// Paths returns the tracked paths in sorted order
func (r *Registry) Paths() []string {
	return r.paths
}

// Len returns the number of tracked entries
func (r *Registry) Len() int {
	return len(r.entries)
}

// Records returns one checkpoint record per entry that has a position.
// The size comes from the open handle and falls back to the position.
func (r *Registry) Records() []offset.Record {
	records := make([]offset.Record, 0, len(r.entries))
	for _, path := range r.paths {
		e := r.entries[path]
		if !e.hasPos {
			continue
		}
		size := e.pos
		if e.file != nil {
			if s, err := e.handleSize(); err == nil {
				size = s
			}
		}
		records = append(records, offset.Record{Path: path, Offset: e.pos, Size: size})
	}
	return records
}

// Snapshot returns the progress of every entry in path order
func (r *Registry) Snapshot() []domain.FileProgress {
	out := make([]domain.FileProgress, 0, len(r.paths))
	for _, path := range r.paths {
		out = append(out, r.entries[path].progress())
	}
	return out
}

// CloseAll drops every open handle without touching positions
func (r *Registry) CloseAll() {
	for _, e := range r.entries {
		if e.file != nil {
			e.file.Close()
			e.file = nil
		}
	}
}
