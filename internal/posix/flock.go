package posix

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// Locked probes whether another process holds an advisory lock on path, by
// attempting a non-blocking exclusive flock and immediately releasing it.
// This only detects applications that cooperatively use advisory locks and
// is explicitly best-effort.
func Locked(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
