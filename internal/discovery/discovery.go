package discovery

import (
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog/log"

	"github.com/SteelMorgan/logtail/internal/domain"
)

// SubdirMarker separates a fixed prefix from a variable directory part in a
// pattern. The directory part of a match below the prefix becomes part of the
// destination directory name.
const SubdirMarker = "///"

// Match is a newly discovered file
type Match struct {
	Path     string
	Group    string
	Settings domain.Settings
}

// Resolver returns the effective settings of a group
type Resolver interface {
	SettingsFor(group string) (domain.Settings, error)
}

// Discoverer expands the configured patterns into tracked files
type Discoverer struct {
	groups   []string
	patterns map[string][]string
	settings map[string]domain.Settings
}

// New creates a discoverer for group -> patterns. Settings are resolved once
// per group; groups whose settings fail to resolve are skipped.
func New(patterns map[string][]string, resolver Resolver) *Discoverer {
	d := &Discoverer{
		patterns: patterns,
		settings: make(map[string]domain.Settings, len(patterns)),
	}

	for group := range patterns {
		s, err := resolver.SettingsFor(group)
		if err != nil {
			log.Error().Err(err).Str("group", group).Msg("Skipping group with invalid settings")
			continue
		}
		d.settings[group] = s
		d.groups = append(d.groups, group)
	}
	sort.Strings(d.groups)

	return d
}

// Discover expands every pattern and returns the regular files for which
// known reports false, in group then pattern order. A path matched by
// several patterns is claimed by the first one.
func (d *Discoverer) Discover(known func(path string) bool) []Match {
	var matches []Match
	claimed := make(map[string]struct{})

	for _, group := range d.groups {
		for _, pattern := range d.patterns[group] {
			globPattern, prefix, hasSubdir := splitSubdir(pattern)

			paths, err := doublestar.FilepathGlob(globPattern, doublestar.WithFilesOnly())
			if err != nil {
				log.Warn().Err(err).Str("group", group).Str("pattern", pattern).Msg("Skipping malformed pattern")
				continue
			}
			sort.Strings(paths)

			for _, p := range paths {
				if _, ok := claimed[p]; ok || known(p) {
					continue
				}
				claimed[p] = struct{}{}

				s := d.settings[group]
				if hasSubdir {
					s.Subdirname = VirtualSubdir(s.Subdirname, prefix, p)
				}

				log.Info().
					Str("file", p).
					Str("group", group).
					Msg("Discovered file")

				matches = append(matches, Match{Path: p, Group: group, Settings: s})
			}
		}
	}

	return matches
}

// splitSubdir turns "prefix///rest" into the glob "prefix/rest"
func splitSubdir(pattern string) (glob, prefix string, ok bool) {
	idx := strings.Index(pattern, SubdirMarker)
	if idx < 0 {
		return pattern, "", false
	}
	prefix = pattern[:idx]
	return prefix + "/" + pattern[idx+len(SubdirMarker):], prefix, true
}

// VirtualSubdir joins the directory part of match below prefix onto base
func VirtualSubdir(base, prefix, match string) string {
	rel := strings.TrimLeft(strings.TrimPrefix(filepath.ToSlash(match), filepath.ToSlash(prefix)), "/")
	dir := path.Dir(rel)
	if dir == "." {
		dir = ""
	}
	switch {
	case base == "":
		return dir
	case dir == "":
		return base
	default:
		return path.Join(base, dir)
	}
}
