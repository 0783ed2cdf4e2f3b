package tail

import (
	"bytes"
	"errors"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/SteelMorgan/logtail/internal/domain"
	"github.com/SteelMorgan/logtail/internal/transport"
)

// inspect runs the rotation detector for an open entry after its send
// cycle and applies the lifecycle transitions
func (t *Tailer) inspect(e *Entry, out transport.Outcome, now time.Time) {
	fi, err := os.Stat(e.Path)
	if err != nil {
		fi = nil
		if !e.Rotated() {
			log.Info().Str("file", e.Path).Msg("File absent, still reading")
			e.rotatedAt = now
		}
	}

	if fi != nil && e.file != nil {
		if !e.hasInode {
			e.inode = inodeOf(fi)
			e.hasInode = true
		}
		if !e.Rotated() {
			if inodeOf(fi) != e.inode {
				log.Debug().Str("file", e.Path).Msg("File inode changed")
				e.rotatedAt = now
			} else if e.pos > fi.Size() {
				log.Debug().Str("file", e.Path).Int64("offset", e.pos).Int64("size", fi.Size()).Msg("File size lower than position (truncated)")
				e.pos = 0
			}
		}
		if tooOld(fi, e.Settings.MaxMtimeAge, now) {
			e.close(t.registry.saved)
			log.Info().Str("file", e.Path).Msg("Close file due to max_mtime_age")
		}
	}

	if !e.Rotated() || e.file == nil {
		return
	}

	if t.cfg.RotatedTimeoutMax > 0 && now.After(e.rotatedAt.Add(t.cfg.RotatedTimeoutMax)) {
		log.Error().
			Str("file", e.Path).
			Dur("rotated_timeout_max", t.cfg.RotatedTimeoutMax).
			Int64("offset", e.pos).
			Msg("File rotated_timeout exceeded, abandoning unread data")
		e.close(t.registry.saved)
		e.rotatedAt = time.Time{}
		e.reopened = false
		return
	}

	if out.Kind == transport.Sent && out.Bytes > 0 {
		log.Debug().Str("file", e.Path).Msg("File rotated, but still readable")
		return
	}

	var pathSize int64
	if fi != nil {
		pathSize = fi.Size()
	}

	switch {
	case t.cfg.RotatedTimeoutMin > 0 && now.Before(e.rotatedAt.Add(t.cfg.RotatedTimeoutMin)):
		log.Debug().Str("file", e.Path).Msg("File rotated_timeout_min not exceeded")
	case hasUnread(e):
		log.Debug().Str("file", e.Path).Int64("offset", e.pos).Msg("File rotated, old handle still has data")
	case t.cfg.RotatedTimeoutMin == 0 && pathSize < 1:
		// Wait for the replacement file to get data
	default:
		log.Info().Str("file", e.Path).Msg("File rotated, closing")
		e.close(t.registry.saved)
	}
}

// openIfNeeded opens a closed entry whose path exists. Entries older than
// max_mtime_age stay closed.
func (t *Tailer) openIfNeeded(e *Entry, now time.Time) {
	if e.file != nil {
		return
	}
	fi, err := os.Stat(e.Path)
	if err != nil {
		return
	}
	if tooOld(fi, e.Settings.MaxMtimeAge, now) {
		return
	}

	log.Info().Str("file", e.Path).Str("group", e.Group).Msg("Opening file")
	if err := e.open(t.registry.saved); err != nil {
		log.Error().Err(err).Str("file", e.Path).Msg("Failed to open file")
	}
}

func tooOld(fi os.FileInfo, maxAge time.Duration, now time.Time) bool {
	return maxAge > 0 && fi.ModTime().Add(maxAge).Before(now)
}

// hasUnread reports whether the open handle holds data past the committed
// position that a send cycle could consume. In line mode a trailing
// partial line does not count.
func hasUnread(e *Entry) bool {
	size, err := e.handleSize()
	if err != nil || size <= e.pos {
		return false
	}
	if e.Settings.Protocol == domain.ProtocolBytes {
		return true
	}

	r := io.NewSectionReader(e.file, e.pos, size-e.pos)
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if bytes.IndexByte(buf[:n], '\n') >= 0 {
			return true
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Warn().Err(err).Str("file", e.Path).Msg("Failed to read rotated file")
			}
			return false
		}
	}
}
