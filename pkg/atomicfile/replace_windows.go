//go:build windows

package atomicfile

import (
	"fmt"
	"time"

	"golang.org/x/sys/windows"
)

// Replace atomically replaces destPath with sourcePath's contents
// using MoveFileEx with MOVEFILE_REPLACE_EXISTING, retrying briefly
// (three attempts, doubling the delay) on any failure, such as the
// transient ERROR_SHARING_VIOLATION Windows returns while a file is
// still held open by a just-closed handle.
func Replace(sourcePath, destPath string) error {
	fromPtr, err := windows.UTF16PtrFromString(sourcePath)
	if err != nil {
		return fmt.Errorf("atomicfile: source path: %w", err)
	}
	toPtr, err := windows.UTF16PtrFromString(destPath)
	if err != nil {
		return fmt.Errorf("atomicfile: dest path: %w", err)
	}

	flags := uint32(windows.MOVEFILE_REPLACE_EXISTING | windows.MOVEFILE_WRITE_THROUGH)

	const maxAttempts = 3
	delay := 50 * time.Millisecond

	var moveErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		moveErr = windows.MoveFileEx(fromPtr, toPtr, flags)
		if moveErr == nil {
			return nil
		}
		if attempt < maxAttempts {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return fmt.Errorf("atomicfile: MoveFileEx %s -> %s: %w", sourcePath, destPath, moveErr)
}
