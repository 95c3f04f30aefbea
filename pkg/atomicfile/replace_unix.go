//go:build !windows

package atomicfile

import "os"

// Replace atomically replaces destPath with sourcePath's contents via
// rename, which POSIX guarantees is atomic within a filesystem.
func Replace(sourcePath, destPath string) error {
	return os.Rename(sourcePath, destPath)
}
