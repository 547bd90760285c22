package vault

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/wtsi-hgi/hgi-vault-sub000/internal/posix"
)

// File is the relationship between one externally visible path and its key
// entry within one branch of one vault. It is derived transiently whenever a
// path must be classified or mutated, and is never persisted.
type File struct {
	vault  *Vault
	branch Branch // effective branch: corrected to the found entry
	key    Key    // effective key: the found entry's key when tracked
	source string // absolute external path
	rel    string // path relative to the vault root
	stat   posix.Stat

	tracked bool
	keyPath string // absolute path of the key's leaf, when tracked
	keyLink uint64 // hardlink count of the key's leaf, when tracked
}

// File resolves path against the vault, expecting (but not requiring) it to
// be tracked under expected. See the package errors for the failure modes.
func (v *Vault) File(expected Branch, path string) (*File, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	st, err := posix.Lstat(abs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, ErrDoesNotExist)
	}
	if !st.Mode.IsRegular() {
		return nil, fmt.Errorf("%s: %w", abs, ErrNotRegularFile)
	}

	rel, err := v.relSource(abs)
	if err != nil {
		return nil, err
	}

	f := &File{
		vault:  v,
		branch: expected,
		key:    NewKey(st.Inode, rel, v.maxNameLen),
		source: abs,
		rel:    rel,
		stat:   st,
	}

	if err := f.locate(); err != nil {
		return nil, err
	}
	if err := f.checkLinks(); err != nil {
		return nil, err
	}
	return f, nil
}

// locate searches every branch for a pre-existing key matching this file's
// inode. Exactly one match across all branches is expected; the found entry
// corrects the expected branch, and its decoded source may differ from the
// caller's path when the file was renamed since tracking.
func (f *File) locate() error {
	type match struct {
		branch Branch
		leaf   string // absolute path
	}
	var matches []match

	for _, b := range Branches() {
		pattern := filepath.Join(f.vault.branchPath(b), f.key.Glob())
		hits, err := filepath.Glob(pattern)
		if err != nil {
			return err
		}
		for _, hit := range hits {
			leaf, err := descendToLeaf(hit)
			if err != nil {
				return err
			}
			matches = append(matches, match{branch: b, leaf: leaf})
		}
	}

	switch len(matches) {
	case 0:
		return nil
	case 1:
		// fall through
	default:
		return corruptf(f.key.Glob(), "inode %d tracked in %d branches", f.key.Inode(), len(matches))
	}

	m := matches[0]
	keyRel, err := filepath.Rel(f.vault.branchPath(m.branch), m.leaf)
	if err != nil {
		return err
	}
	found, err := ParseKey(keyRel)
	if err != nil {
		return corruptf(keyRel, "undecodable key: %v", err)
	}

	st, err := posix.Lstat(m.leaf)
	if err != nil {
		return err
	}

	f.tracked = true
	f.branch = m.branch
	f.key = found
	f.keyPath = m.leaf
	f.keyLink = st.NLink
	return nil
}

// descendToLeaf follows a chunked key down to its single regular file. A key
// whose encoded source spans several segments is a chain of single-entry
// directories ending in the leaf hardlink.
func descendToLeaf(path string) (string, error) {
	for {
		info, err := os.Lstat(path)
		if err != nil {
			return "", err
		}
		if !info.IsDir() {
			return path, nil
		}

		entries, err := os.ReadDir(path)
		if err != nil {
			return "", err
		}
		if len(entries) != 1 {
			return "", corruptf(path, "key directory holds %d entries, want 1", len(entries))
		}
		path = filepath.Join(path, entries[0].Name())
	}
}

// checkLinks enforces the hardlink-count invariant for a tracked key.
func (f *File) checkLinks() error {
	if !f.tracked {
		return nil
	}
	switch f.branch {
	case Keep, Archive, Stash:
		if f.keyLink < 2 {
			return corruptf(f.key.Path(), "source no longer exists")
		}
	case Limbo:
		if f.keyLink > 1 {
			return corruptf(f.key.Path(), "soft-deleted file also exists outside the vault")
		}
	case Staged:
		// 1 after ordinary staging-with-deletion, 2 after stash-without-
		// deletion; both are legitimate.
	}
	return nil
}

// Branch returns the file's effective branch.
func (f *File) Branch() Branch { return f.branch }

// Key returns the file's effective key.
func (f *File) Key() Key { return f.key }

// Source returns the absolute external path the file was resolved from.
func (f *File) Source() string { return f.source }

// Tracked reports whether a key for this file exists in any branch.
func (f *File) Tracked() bool { return f.tracked }

// KeyPath returns the absolute on-disk path of the tracked key's leaf.
func (f *File) KeyPath() string { return f.keyPath }

// KeyLinks returns the hardlink count of the tracked key's leaf.
func (f *File) KeyLinks() uint64 { return f.keyLink }

// renamed reports whether the tracked entry's recorded source differs from
// the path the file was resolved from.
func (f *File) renamed() bool {
	return f.tracked && f.key.Source() != f.rel
}

// CanAdd reports whether the vault's actor may track this file. It is a
// side-effect-free predicate over the file's mode, its parent directory's
// mode, and the actor's identity.
func (f *File) CanAdd() bool {
	return f.Addable() == nil
}

// Addable distinguishes the two refusal classes: ErrUnactionableFile when
// the file's own modes (or its parent's) rule vaulting out for everyone,
// ErrPermissionDenied when the acting user in particular is not entitled.
// It returns nil when CanAdd holds.
func (f *File) Addable() error {
	mode := f.stat.Mode.Perm()

	// Owner and group must both have read+write, and must agree exactly.
	if mode&0o600 != 0o600 || mode&0o060 != 0o060 {
		return ErrUnactionableFile
	}
	if (mode>>6)&0o7 != (mode>>3)&0o7 {
		return ErrUnactionableFile
	}

	parent, err := posix.Lstat(filepath.Dir(f.source))
	if err != nil {
		return ErrUnactionableFile
	}
	pmode := parent.Mode.Perm()
	if pmode&0o300 != 0o300 || pmode&0o030 != 0o030 {
		return ErrUnactionableFile
	}

	// Files owned by the superuser are never vaulted.
	if f.stat.UID == 0 {
		return ErrUnactionableFile
	}

	actor := f.vault.actor
	if actor.UID != f.stat.UID && !actor.InGroup(f.stat.GID) {
		return ErrPermissionDenied
	}
	return nil
}

// CanRemove reports whether the vault's actor may untrack this file: the
// actor is the file's owner or one of the vault group's registered owners,
// and CanAdd also holds.
func (f *File) CanRemove() bool {
	return f.Removable() == nil
}

// Removable is the error-returning form of CanRemove.
func (f *File) Removable() error {
	if err := f.Addable(); err != nil {
		return err
	}
	actor := f.vault.actor
	if actor.UID == f.stat.UID {
		return nil
	}
	for _, uid := range f.vault.owners {
		if actor.UID == uid {
			return nil
		}
	}
	return ErrPermissionDenied
}
