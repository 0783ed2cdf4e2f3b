package domain

import (
	"net"
	"regexp"
	"strconv"
	"time"
)

// Protocol versions spoken with the collector
const (
	ProtocolLines = 1 // newline-delimited, dot-terminated payload
	ProtocolBytes = 2 // byte-counted raw payload
)

// Settings is the effective configuration of one tracked file.
// It is resolved once, when the file is first discovered, from the global
// defaults, the group defaults and the pattern-derived subdirectory.
type Settings struct {
	// Destination
	Host     string
	Port     int
	Key      string
	Protocol int

	// Start position policy
	FromBegin        bool
	FromBeginMaxSize int64

	// Destination naming
	Aggregate     bool
	Dirname       string
	Subdirname    string
	DirnamePrefix string
	Filename      string
	FilePrefix    string
	FileSuffix    string
	FilenameMatch *regexp.Regexp
	FilenameFmt   string
	DirnameFmt    string

	// Line filters (protocol 1 only)
	SkipLines []*regexp.Regexp
	OnlyLines []*regexp.Regexp

	// Lifecycle
	SyncRotate  bool
	MaxMtimeAge time.Duration
}

// Address returns the collector address in host:port form
func (s Settings) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}
