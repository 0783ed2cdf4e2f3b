//go:build windows

package tail

import "os"

// No inode on Windows: rotation is only detected when the path vanishes
func inodeOf(fi os.FileInfo) uint64 {
	return 0
}
