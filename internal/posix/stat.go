// Package posix extracts the raw stat fields the vault relies on (inode,
// device, link count, ownership, the three timestamps) from os.FileInfo.
package posix

import (
	"os"
	"syscall"
	"time"
)

// Stat is the subset of struct stat the vault core consumes.
type Stat struct {
	Dev   uint64
	Inode uint64
	NLink uint64
	UID   uint32
	GID   uint32
	Size  int64
	Mode  os.FileMode
	MTime time.Time
	ATime time.Time
	CTime time.Time
}

// From unpacks an os.FileInfo obtained from Stat/Lstat.
func From(info os.FileInfo) Stat {
	st := info.Sys().(*syscall.Stat_t)
	return Stat{
		Dev:   uint64(st.Dev),
		Inode: uint64(st.Ino),
		NLink: uint64(st.Nlink),
		UID:   st.Uid,
		GID:   st.Gid,
		Size:  info.Size(),
		Mode:  info.Mode(),
		MTime: info.ModTime(),
		ATime: atime(st),
		CTime: ctime(st),
	}
}

// Lstat stats path without following symlinks.
func Lstat(path string) (Stat, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return Stat{}, err
	}
	return From(info), nil
}
