//go:build !windows

package pe

import (
	"os"

	"golang.org/x/sys/unix"
)

// mmapFile maps the first size bytes of f as MAP_SHARED so that bytes
// written through the returned slice are the same bytes eventually
// flushed back to the underlying file by msync.
func mmapFile(f *os.File, size int, dryRun bool) ([]byte, error) {
	prot := unix.PROT_READ
	if !dryRun {
		prot |= unix.PROT_WRITE
	}
	return unix.Mmap(int(f.Fd()), 0, size, prot, unix.MAP_SHARED)
}

func munmapFile(data []byte) error {
	return unix.Munmap(data)
}

func msync(data []byte) error {
	return unix.Msync(data, unix.MS_SYNC)
}
