//go:build linux

package objstore

import (
	"os"

	"golang.org/x/sys/unix"
)

// adviseSequential hints the kernel that column chunks are read front to back.
func adviseSequential(f *os.File) {
	_ = unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_SEQUENTIAL)
}
