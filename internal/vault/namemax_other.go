//go:build !linux

package vault

// NameMax returns the filename-length limit for path. Non-Linux systems
// don't expose it uniformly; assume the POSIX minimum guarantee.
func NameMax(path string) int {
	return defaultNameMax
}
