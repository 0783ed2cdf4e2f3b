package transport

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/SteelMorgan/logtail/internal/domain"
)

// Destination is where the collector stores a file
type Destination struct {
	Group string
	Dir   string
	Name  string
}

// ShortHostname returns the host name up to the first dot
func ShortHostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "localhost"
	}
	short, _, _ := strings.Cut(name, ".")
	return short
}

// DestinationFor computes the collector-side names of path
func DestinationFor(path, group, hostname string, s domain.Settings) Destination {
	dir := hostname
	base := filepath.Base(path)
	name := base

	if s.Aggregate {
		dir = group
	}
	if s.Dirname != "" {
		dir = s.Dirname
	}
	if s.Subdirname != "" {
		dir += "/" + s.Subdirname
	}
	if s.Filename != "" {
		name = s.Filename
	}
	if s.FilenameMatch != nil {
		if s.FilenameFmt != "" {
			name = formatMatch(base, s, s.FilenameFmt)
		}
		if s.DirnameFmt != "" {
			dir = formatMatch(base, s, s.DirnameFmt)
		}
	}
	if s.DirnamePrefix != "" {
		dir = s.DirnamePrefix + dir
	}
	name = s.FilePrefix + name + s.FileSuffix

	return Destination{Group: group, Dir: dir, Name: name}
}

// formatMatch fills mask with the capture groups of FilenameMatch against
// src, or returns src unchanged when it does not match
func formatMatch(src string, s domain.Settings, mask string) string {
	m := s.FilenameMatch.FindStringSubmatch(src)
	if m == nil {
		return src
	}
	return FormatGroups(mask, m[1:])
}

// FormatGroups substitutes "{}" (next group) and "{N}" (group N, zero
// based) in mask. "{{" and "}}" produce literal braces. Unknown
// placeholders are kept as written.
func FormatGroups(mask string, groups []string) string {
	var b strings.Builder
	next := 0

	for i := 0; i < len(mask); i++ {
		c := mask[i]
		switch {
		case c == '{' && i+1 < len(mask) && mask[i+1] == '{':
			b.WriteByte('{')
			i++
		case c == '}' && i+1 < len(mask) && mask[i+1] == '}':
			b.WriteByte('}')
			i++
		case c == '{':
			end := strings.IndexByte(mask[i:], '}')
			if end < 0 {
				b.WriteString(mask[i:])
				return b.String()
			}
			field := mask[i+1 : i+end]
			idx := next
			if field != "" {
				n, err := strconv.Atoi(field)
				if err != nil {
					b.WriteString(mask[i : i+end+1])
					i += end
					continue
				}
				idx = n
			} else {
				next++
			}
			if idx >= 0 && idx < len(groups) {
				b.WriteString(groups[idx])
			}
			i += end
		default:
			b.WriteByte(c)
		}
	}

	return b.String()
}
