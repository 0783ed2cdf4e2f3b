package domain

import "time"

// FileProgress is a point-in-time view of one tracked file
type FileProgress struct {
	Path         string
	Group        string
	Open         bool
	Inode        uint64
	OffsetBytes  int64     // Committed position
	SizeBytes    int64     // Size of the open handle, 0 when closed
	RotatedSince time.Time // Zero unless a rotation is being drained
}

// Pending returns how many bytes are still waiting to be shipped
func (p FileProgress) Pending() int64 {
	if p.SizeBytes <= p.OffsetBytes {
		return 0
	}
	return p.SizeBytes - p.OffsetBytes
}
