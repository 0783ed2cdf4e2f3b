package offset

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// FileStore implements Store as a tab separated text file
// (path, offset, size per line) that is replaced atomically on every save
type FileStore struct {
	path string
}

// NewFileStore creates a text checkpoint store at path
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the checkpoint location
func (s *FileStore) Path() string {
	return s.path
}

// Load parses the checkpoint. Lines are "path<whitespace>offset[...]";
// extra fields are ignored and unparsable lines skipped. When the file does
// not exist an empty checkpoint is written right away.
func (s *FileStore) Load(ctx context.Context) (map[string]int64, error) {
	if _, err := os.Stat(s.path); errors.Is(err, fs.ErrNotExist) {
		log.Info().
			Str("position_file", s.path).
			Msg("Position file not found, creating an empty one")
		if err := s.Save(ctx, nil); err != nil {
			return nil, err
		}
		return map[string]int64{}, nil
	}

	records, err := s.Records(ctx)
	if err != nil {
		return nil, err
	}

	result := make(map[string]int64, len(records))
	for _, r := range records {
		result[r.Path] = r.Offset
	}

	log.Debug().
		Str("position_file", s.path).
		Int("files", len(result)).
		Msg("Positions loaded")

	return result, nil
}

// Records returns the checkpoint lines in file order. The size field is
// filled in when present. A missing checkpoint has no records and is not
// created.
func (s *FileStore) Records(ctx context.Context) ([]Record, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return []Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open position file: %w", err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			if len(fields) > 0 {
				log.Warn().Int("line", lineNo).Msg("Skipping malformed position line")
			}
			continue
		}
		pos, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil || pos < 0 {
			log.Warn().Int("line", lineNo).Str("value", fields[1]).Msg("Skipping position line with invalid offset")
			continue
		}
		r := Record{Path: fields[0], Offset: pos}
		if len(fields) > 2 {
			r.Size, _ = strconv.ParseInt(fields[2], 10, 64)
		}
		records = append(records, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read position file: %w", err)
	}

	return records, nil
}

// Save writes records in path order to a temporary sibling, syncs it and
// renames it over the checkpoint, so readers see either the old or the new
// snapshot
func (s *FileStore) Save(ctx context.Context, records []Record) error {
	sorted := make([]Record, len(records))
	copy(sorted, records)
	SortRecords(sorted)

	var buf bytes.Buffer
	for _, r := range sorted {
		fmt.Fprintf(&buf, "%s\t%d\t%d\n", r.Path, r.Offset, r.Size)
	}

	dir, name := filepath.Split(s.path)
	tmp := filepath.Join(dir, "."+name+".tmp")

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create temporary position file: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write temporary position file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync temporary position file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close temporary position file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace position file: %w", err)
	}

	return nil
}

// Close is a no-op; the checkpoint holds no open handle between saves
func (s *FileStore) Close() error {
	return nil
}
