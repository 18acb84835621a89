//go:build unix

package store

import (
	"os"

	"golang.org/x/sys/unix"
)

// flock locks belong to the open file description, so two FileStores in
// the same process exclude each other too.
func lockFile(f *os.File) error {
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX)
		if err != unix.EINTR {
			return err
		}
	}
}

func unlockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
