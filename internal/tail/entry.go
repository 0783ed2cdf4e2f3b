package tail

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/SteelMorgan/logtail/internal/domain"
)

// Entry is one tracked path
type Entry struct {
	Path     string
	Group    string
	Settings domain.Settings

	file     *os.File
	pos      int64
	hasPos   bool // pos was set at least once and belongs in the checkpoint
	inode    uint64
	hasInode bool

	// rotatedAt is set when the path vanished or changed inode. It
	// survives a drain close so the replacement file is announced first.
	rotatedAt time.Time
	// reopened is set when the handle was opened while rotatedAt was set
	reopened bool
}

// IsOpen reports whether the entry holds a file handle
func (e *Entry) IsOpen() bool {
	return e.file != nil
}

// Rotated reports whether a rotation is being handled
func (e *Entry) Rotated() bool {
	return !e.rotatedAt.IsZero()
}

// Pos returns the committed position
func (e *Entry) Pos() int64 {
	return e.pos
}

// handleSize returns the size of the open handle
func (e *Entry) handleSize() (int64, error) {
	fi, err := e.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat open handle: %w", err)
	}
	return fi.Size(), nil
}

// open opens the path and picks the starting position: the saved offset
// when it still fits, the start for small files or from_begin, the end
// otherwise
func (e *Entry) open(saved map[string]int64) error {
	f, err := os.Open(e.Path)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat file: %w", err)
	}

	e.file = f
	e.hasPos = true
	if !e.hasInode {
		e.inode = inodeOf(fi)
		e.hasInode = true
	}
	e.reopened = e.Rotated()

	size := fi.Size()
	savedPos, ok := saved[e.Path]
	switch {
	case ok && savedPos <= size:
		e.pos = savedPos
		log.Info().Str("file", e.Path).Int64("offset", e.pos).Msg("Prepare to read file from saved position")
	case e.Settings.FromBegin || size < e.Settings.FromBeginMaxSize:
		e.pos = 0
		log.Info().Str("file", e.Path).Int64("offset", e.pos).Msg("Prepare to read file from start position")
	default:
		e.pos = size
		log.Info().Str("file", e.Path).Int64("offset", e.pos).Msg("Prepare to read file from end position")
	}

	return nil
}

// close drops the handle and forgets the position so the next open of the
// path starts from 0. The rotation mark is left alone.
func (e *Entry) close(saved map[string]int64) {
	saved[e.Path] = 0
	e.pos = 0
	if e.file != nil {
		e.file.Close()
		e.file = nil
	}
	e.inode = 0
	e.hasInode = false
}

// progress returns a snapshot of the entry
func (e *Entry) progress() domain.FileProgress {
	p := domain.FileProgress{
		Path:         e.Path,
		Group:        e.Group,
		Open:         e.IsOpen(),
		Inode:        e.inode,
		OffsetBytes:  e.pos,
		RotatedSince: e.rotatedAt,
	}
	if e.file != nil {
		if size, err := e.handleSize(); err == nil {
			p.SizeBytes = size
		}
	}
	return p
}
