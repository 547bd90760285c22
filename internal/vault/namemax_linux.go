//go:build linux

package vault

import "golang.org/x/sys/unix"

// NameMax returns the filename-length limit of the filesystem holding path,
// falling back to the POSIX minimum guarantee when statfs fails.
func NameMax(path string) int {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil || st.Namelen <= 0 {
		return defaultNameMax
	}
	return int(st.Namelen)
}
