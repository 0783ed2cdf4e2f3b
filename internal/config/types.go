package config

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/SteelMorgan/logtail/internal/domain"
)

// Duration accepts either a number of seconds or a Go duration string
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	if secs, err := strconv.ParseFloat(value.Value, 64); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", value.Line, value.Value)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// ByteSize accepts either a plain byte count or a human readable size ("100MiB")
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", value.Line)
	}
	if n, err := strconv.ParseInt(value.Value, 10, 64); err == nil {
		*b = ByteSize(n)
		return nil
	}
	n, err := humanize.ParseBytes(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid size %q", value.Line, value.Value)
	}
	*b = ByteSize(n)
	return nil
}

// Patterns is a list of regular expressions that may be written as a single string
type Patterns []string

// UnmarshalYAML implements yaml.Unmarshaler
func (p *Patterns) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		if value.Value == "" {
			*p = Patterns{}
			return nil
		}
		*p = Patterns{value.Value}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*p = Patterns(list)
		return nil
	default:
		return fmt.Errorf("line %d: expected a regexp or a list of regexps", value.Line)
	}
}

// GroupDef holds per-group overrides. A nil field is unset and leaves the
// global value in place.
type GroupDef struct {
	Host           *string   `yaml:"host"`
	Port           *int      `yaml:"port"`
	Key            *string   `yaml:"key"`
	Protocol       *int      `yaml:"protocol"`
	Dirname        *string   `yaml:"dirname"`
	Subdirname     *string   `yaml:"subdirname"`
	DirnamePrefix  *string   `yaml:"dirname_prefix"`
	Aggregate      *bool     `yaml:"aggregate"`
	Filename       *string   `yaml:"filename"`
	FilePrefix     *string   `yaml:"file_prefix"`
	FileSuffix     *string   `yaml:"file_suffix"`
	FilenameMatch  *string   `yaml:"filename_match"`
	FilenameFmt    *string   `yaml:"filename_fmt"`
	DirnameFmt     *string   `yaml:"dirname_fmt"`
	SyncLogRotate  *bool     `yaml:"sync_log_rotate"`
	SkipLineRegexp Patterns  `yaml:"skip_line_regexp"`
	OnlyLineRegexp Patterns  `yaml:"only_line_regexp"`
	MaxMtimeAge    *Duration `yaml:"max_mtime_age"`
}

// Merge returns g updated with every field set in other
func (g GroupDef) Merge(other GroupDef) GroupDef {
	if other.Host != nil {
		g.Host = other.Host
	}
	if other.Port != nil {
		g.Port = other.Port
	}
	if other.Key != nil {
		g.Key = other.Key
	}
	if other.Protocol != nil {
		g.Protocol = other.Protocol
	}
	if other.Dirname != nil {
		g.Dirname = other.Dirname
	}
	if other.Subdirname != nil {
		g.Subdirname = other.Subdirname
	}
	if other.DirnamePrefix != nil {
		g.DirnamePrefix = other.DirnamePrefix
	}
	if other.Aggregate != nil {
		g.Aggregate = other.Aggregate
	}
	if other.Filename != nil {
		g.Filename = other.Filename
	}
	if other.FilePrefix != nil {
		g.FilePrefix = other.FilePrefix
	}
	if other.FileSuffix != nil {
		g.FileSuffix = other.FileSuffix
	}
	if other.FilenameMatch != nil {
		g.FilenameMatch = other.FilenameMatch
	}
	if other.FilenameFmt != nil {
		g.FilenameFmt = other.FilenameFmt
	}
	if other.DirnameFmt != nil {
		g.DirnameFmt = other.DirnameFmt
	}
	if other.SyncLogRotate != nil {
		g.SyncLogRotate = other.SyncLogRotate
	}
	if other.SkipLineRegexp != nil {
		g.SkipLineRegexp = other.SkipLineRegexp
	}
	if other.OnlyLineRegexp != nil {
		g.OnlyLineRegexp = other.OnlyLineRegexp
	}
	if other.MaxMtimeAge != nil {
		g.MaxMtimeAge = other.MaxMtimeAge
	}
	return g
}

// SettingsFor resolves the effective settings of a file in group: global
// defaults first, then the group's overrides
func (c *Config) SettingsFor(group string) (domain.Settings, error) {
	s := domain.Settings{
		Host:             c.Host,
		Port:             c.Port,
		Key:              c.Key,
		Protocol:         c.Protocol,
		SyncRotate:       c.SyncLogRotate,
		FromBegin:        c.FromBegin,
		FromBeginMaxSize: int64(c.FromBeginMaxSize),
		DirnamePrefix:    c.DirnamePrefix,
	}

	def, ok := c.GroupDefs[group]
	if !ok {
		return s, nil
	}

	setString(&s.Host, def.Host)
	setString(&s.Key, def.Key)
	setString(&s.Dirname, def.Dirname)
	setString(&s.Subdirname, def.Subdirname)
	setString(&s.DirnamePrefix, def.DirnamePrefix)
	setString(&s.Filename, def.Filename)
	setString(&s.FilePrefix, def.FilePrefix)
	setString(&s.FileSuffix, def.FileSuffix)
	setString(&s.FilenameFmt, def.FilenameFmt)
	setString(&s.DirnameFmt, def.DirnameFmt)
	if def.Port != nil {
		if *def.Port <= 0 || *def.Port > 65535 {
			return s, fmt.Errorf("port must be between 1 and 65535")
		}
		s.Port = *def.Port
	}
	if def.Protocol != nil {
		if *def.Protocol != 1 && *def.Protocol != 2 {
			return s, fmt.Errorf("protocol must be 1 or 2, got %d", *def.Protocol)
		}
		s.Protocol = *def.Protocol
	}
	if def.Aggregate != nil {
		s.Aggregate = *def.Aggregate
	}
	if def.SyncLogRotate != nil {
		s.SyncRotate = *def.SyncLogRotate
	}
	if def.MaxMtimeAge != nil {
		s.MaxMtimeAge = def.MaxMtimeAge.Std()
	}
	if def.FilenameMatch != nil && *def.FilenameMatch != "" {
		re, err := regexp.Compile(*def.FilenameMatch)
		if err != nil {
			return s, fmt.Errorf("invalid filename_match: %w", err)
		}
		s.FilenameMatch = re
	}

	var err error
	if s.SkipLines, err = compileLinePatterns(def.SkipLineRegexp); err != nil {
		return s, fmt.Errorf("invalid skip_line_regexp: %w", err)
	}
	if s.OnlyLines, err = compileLinePatterns(def.OnlyLineRegexp); err != nil {
		return s, fmt.Errorf("invalid only_line_regexp: %w", err)
	}

	return s, nil
}

// compileLinePatterns compiles line filters anchored at the start of the line
func compileLinePatterns(patterns Patterns) ([]*regexp.Regexp, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	res := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile("^(?:" + p + ")")
		if err != nil {
			return nil, err
		}
		res = append(res, re)
	}
	return res, nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}
