// Package vault implements the hidden per-directory-tree store that tracks
// file lifecycle states through hardlinks. No file content is ever copied:
// tracking a file hardlinks it under a reversible key path inside one of the
// store's branches, and the key alone encodes the file's inode and original
// location.
package vault

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/wtsi-hgi/hgi-vault-sub000/internal/identity"
	"github.com/wtsi-hgi/hgi-vault-sub000/internal/posix"
)

const (
	// StoreName is the hidden store directory created under each vault root.
	StoreName = ".vault"

	// auditName is the append-only audit log inside the hidden store.
	auditName = ".audit"

	// storeMode is set-group-id plus owner/group full access: files created
	// under the store inherit the vault's group.
	storeMode = os.FileMode(0o770) | os.ModeSetgid
)

// Options configures vault construction.
type Options struct {
	Resolver identity.Resolver
	Actor    identity.Actor

	// RunID stamps audit lines so one sweep's mutations can be correlated.
	RunID string

	// MaxNameLen overrides the filesystem's reported filename-length limit
	// when chunking long encoded paths. Zero means use the reported limit.
	MaxNameLen int
}

// Vault owns one root directory, its hidden store, and the branch subtrees.
// The root is the highest ancestor sharing the starting path's filesystem
// group (the homogroupic subtree root); it is fixed at construction.
type Vault struct {
	root       string
	gid        uint32
	owners     []uint32
	resolver   identity.Resolver
	actor      identity.Actor
	maxNameLen int

	audit     *slog.Logger
	auditFile *os.File
}

// New discovers the vault root for path and opens (creating if absent) its
// hidden store. The store and branch directories are created with mode 02770;
// creation is idempotent.
func New(path string, opts Options) (*Vault, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	st, err := posix.Lstat(abs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, ErrNoSuchVault)
	}
	dir := abs
	if !st.Mode.IsDir() {
		dir = filepath.Dir(abs)
		if st, err = posix.Lstat(dir); err != nil {
			return nil, fmt.Errorf("%s: %w", dir, ErrNoSuchVault)
		}
	}

	root, gid, err := ascendHomogroupic(dir, st.GID)
	if err != nil {
		return nil, err
	}

	v := &Vault{
		root:       root,
		gid:        gid,
		resolver:   opts.Resolver,
		actor:      opts.Actor,
		maxNameLen: opts.MaxNameLen,
	}
	if v.maxNameLen == 0 {
		v.maxNameLen = NameMax(root)
	}

	if v.resolver != nil {
		group, err := v.resolver.Group(gid)
		if err != nil && !errors.Is(err, identity.ErrNotFound) {
			return nil, fmt.Errorf("resolve group %d: %w", gid, err)
		}
		v.owners = group.Owners
	}

	if err := v.ensureStore(); err != nil {
		return nil, err
	}
	if err := v.openAudit(opts.RunID); err != nil {
		return nil, err
	}
	return v, nil
}

// ascendHomogroupic walks parent directories while each shares gid, returning
// the highest such ancestor.
func ascendHomogroupic(dir string, gid uint32) (string, uint32, error) {
	for {
		parent := filepath.Dir(dir)
		if parent == dir {
			return dir, gid, nil
		}
		st, err := posix.Lstat(parent)
		if err != nil {
			return "", 0, err
		}
		if st.GID != gid {
			return dir, gid, nil
		}
		dir = parent
	}
}

// ensureStore creates the hidden store and branch directories if absent.
func (v *Vault) ensureStore() error {
	dirs := []string{v.Store()}
	for _, b := range Branches() {
		dirs = append(dirs, v.branchPath(b))
	}
	for _, dir := range dirs {
		if err := mkdirStore(dir); err != nil {
			return err
		}
	}
	return nil
}

// mkdirStore creates one store directory with mode 02770, tolerating an
// existing directory and rejecting anything else at that path.
func mkdirStore(dir string) error {
	if info, err := os.Lstat(dir); err == nil {
		if info.IsDir() {
			return nil
		}
		return fmt.Errorf("%s: %w", dir, ErrVaultConflict)
	}
	if err := os.Mkdir(dir, 0o770); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil
		}
		return err
	}
	// Mkdir is subject to the umask and strips the setgid bit; fix up.
	return os.Chmod(dir, storeMode)
}

func (v *Vault) openAudit(runID string) error {
	f, err := os.OpenFile(filepath.Join(v.Store(), auditName),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o660)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(f, nil)).
		With("actor", v.actor.UID)
	if runID != "" {
		logger = logger.With("run", runID)
	}
	v.audit = logger
	v.auditFile = f
	return nil
}

// Close releases the vault's audit log handle.
func (v *Vault) Close() error {
	if v.auditFile == nil {
		return nil
	}
	return v.auditFile.Close()
}

// Root returns the vault's immutable root directory.
func (v *Vault) Root() string { return v.root }

// GroupID returns the filesystem group shared by the vault's subtree.
func (v *Vault) GroupID() uint32 { return v.gid }

// Owners returns the uids registered as owners of the vault's group.
func (v *Vault) Owners() []uint32 { return v.owners }

// Store returns the absolute path of the hidden store.
func (v *Vault) Store() string {
	return filepath.Join(v.root, StoreName)
}

func (v *Vault) branchPath(b Branch) string {
	return filepath.Join(v.Store(), b.Dir())
}

// relSource computes path's position relative to the vault root, rejecting
// paths inside the hidden store or outside the root entirely.
func (v *Vault) relSource(abs string) (string, error) {
	rel, err := filepath.Rel(v.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s: %w", abs, ErrIncorrectVault)
	}
	if rel == StoreName || strings.HasPrefix(rel, StoreName+string(filepath.Separator)) {
		return "", fmt.Errorf("%s: %w", abs, ErrPhysicalVaultFile)
	}
	return rel, nil
}

// InStore reports whether abs lies inside the vault's hidden store.
func (v *Vault) InStore(abs string) bool {
	_, err := v.relSource(abs)
	return errors.Is(err, ErrPhysicalVaultFile)
}

// Contains reports whether abs lies under the vault root.
func (v *Vault) Contains(abs string) bool {
	rel, err := filepath.Rel(v.root, abs)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// BranchOfStorePath maps an absolute path inside the hidden store to the
// branch holding it and the key path relative to that branch.
func (v *Vault) BranchOfStorePath(abs string) (Branch, string, bool) {
	rel, err := filepath.Rel(v.Store(), abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return 0, "", false
	}
	parts := strings.SplitN(rel, string(filepath.Separator), 2)
	b, ok := branchOfDir(parts[0])
	if !ok || len(parts) == 1 {
		return 0, "", false
	}
	return b, parts[1], true
}

// Add tracks path under branch b. Re-adding an untouched file is an audited
// no-op; a tracked file whose branch or source has changed (a rename or an
// explicit branch move) has its stale key dropped and a fresh one linked.
func (v *Vault) Add(b Branch, path string) (*File, error) {
	f, err := v.File(b, path)
	if err != nil {
		return nil, err
	}

	if f.tracked && f.branch == b && !f.renamed() {
		slog.Info("already tracked, nothing to do",
			"vault", v.root, "branch", b.String(), "path", f.source)
		return f, nil
	}

	// Refuse before touching any existing key: a rename or branch move the
	// actor may not perform must leave the stale key in place.
	if err := f.Addable(); err != nil {
		return nil, fmt.Errorf("add %s: %w", f.source, err)
	}

	if f.tracked {
		if err := v.removeKeyEntry(f.branch, f.keyPath); err != nil {
			return nil, err
		}
		v.audit.Info("drop-stale", "branch", f.branch.String(), "key", f.key.Path())
		f.tracked = false
		f.key = NewKey(f.stat.Inode, f.rel, v.maxNameLen)
		f.keyPath = ""
		f.keyLink = 0
	}

	leaf := filepath.Join(v.branchPath(b), f.key.Path())
	if err := v.mkKeyDirs(filepath.Dir(leaf)); err != nil {
		return nil, err
	}
	if err := os.Link(f.source, leaf); err != nil {
		return nil, fmt.Errorf("link %s: %w", f.source, err)
	}

	f.branch = b
	f.tracked = true
	f.keyPath = leaf
	f.keyLink = f.stat.NLink + 1
	v.audit.Info("add", "branch", b.String(), "key", f.key.Path(), "source", f.rel)
	return f, nil
}

// mkKeyDirs creates intermediate key directories below a branch, each with
// the store mode.
func (v *Vault) mkKeyDirs(dir string) error {
	if _, err := os.Lstat(dir); err == nil {
		return nil
	}
	if err := v.mkKeyDirs(filepath.Dir(dir)); err != nil {
		return err
	}
	return mkdirStore(dir)
}

// Remove untracks path from branch b. The permission check runs regardless
// of tracking status, so unauthorized callers cannot probe whether a file is
// tracked; removing an untracked file is otherwise an audited no-op.
func (v *Vault) Remove(b Branch, path string) error {
	f, err := v.File(b, path)
	if err != nil {
		return err
	}
	if err := f.Removable(); err != nil {
		return fmt.Errorf("remove %s: %w", f.source, err)
	}
	if !f.tracked {
		slog.Info("not tracked, nothing to remove", "vault", v.root, "path", f.source)
		return nil
	}
	if err := v.removeKeyEntry(f.branch, f.keyPath); err != nil {
		return err
	}
	v.audit.Info("remove", "branch", f.branch.String(), "key", f.key.Path())
	return nil
}

// removeKeyEntry unlinks a key's leaf and prunes any now-empty chunk
// directories up to the branch root.
func (v *Vault) removeKeyEntry(b Branch, leaf string) error {
	if err := os.Remove(leaf); err != nil {
		return err
	}
	base := v.branchPath(b)
	for dir := filepath.Dir(leaf); dir != base; dir = filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil {
			break // not empty, or already gone
		}
	}
	return nil
}

// RemoveStoreEntry unlinks a key leaf given its absolute path inside the
// hidden store, used by the sweeper for orphaned keys and expired limbo
// entries.
func (v *Vault) RemoveStoreEntry(abs string) error {
	b, _, ok := v.BranchOfStorePath(abs)
	if !ok {
		return fmt.Errorf("%s: not a store key path", abs)
	}
	if err := v.removeKeyEntry(b, abs); err != nil {
		return err
	}
	v.audit.Info("unlink", "branch", b.String(), "path", abs)
	return nil
}

// Stage relocates a tracked file's key into the Staged branch, preserving
// the key path. Rename is atomic; the external source is untouched.
func (v *Vault) Stage(f *File) error {
	if !f.tracked {
		return fmt.Errorf("stage %s: not tracked", f.source)
	}
	from := f.branch
	newLeaf := filepath.Join(v.branchPath(Staged), f.key.Path())
	if err := v.mkKeyDirs(filepath.Dir(newLeaf)); err != nil {
		return err
	}
	if err := os.Rename(f.keyPath, newLeaf); err != nil {
		return err
	}
	// Prune the vacated chunk directories in the old branch.
	base := v.branchPath(from)
	for dir := filepath.Dir(f.keyPath); dir != base; dir = filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil {
			break
		}
	}
	f.branch = Staged
	f.keyPath = newLeaf
	v.audit.Info("stage", "from", from.String(), "key", f.key.Path())
	return nil
}

// Classify resolves path's sweep status: its tracked branch, untracked,
// inside the hidden store, or corrupt. Internal validation failures become
// status values rather than errors; anything else (absent file, symlink,
// foreign path) is returned as an error for the caller to log and skip.
func (v *Vault) Classify(path string) (Status, error) {
	f, err := v.File(Keep, path)
	switch {
	case err == nil:
		if f.tracked {
			return Status{Kind: StatusTracked, Branch: f.branch}, nil
		}
		return Status{Kind: StatusUntracked}, nil
	case errors.Is(err, ErrPhysicalVaultFile):
		return Status{Kind: StatusPhysical}, nil
	case errors.Is(err, ErrCorrupt):
		return Status{Kind: StatusCorrupt, Err: err}, nil
	default:
		return Status{}, err
	}
}

// List enumerates branch b, calling fn with each tracked file's absolute
// source path and the key leaf's absolute path. Order is filesystem-
// dependent and not guaranteed.
func (v *Vault) List(b Branch, fn func(source, keyPath string) error) error {
	base := v.branchPath(b)
	return filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		key, err := ParseKey(rel)
		if err != nil {
			slog.Warn("skipping undecodable key", "vault", v.root, "key", rel, "error", err)
			return nil
		}
		return fn(filepath.Join(v.root, key.Source()), path)
	})
}

// Recover re-links soft-deleted files from the Limbo branch back to their
// recorded source paths and drops the limbo keys. Paths are given relative
// to the vault root; missing parent directories are recreated.
func (v *Vault) Recover(relPaths []string) error {
	wanted := make(map[string]bool, len(relPaths))
	for _, p := range relPaths {
		wanted[filepath.Clean(p)] = true
	}

	return v.List(Limbo, func(source, keyPath string) error {
		rel, err := filepath.Rel(v.root, source)
		if err != nil {
			return err
		}
		if len(wanted) > 0 && !wanted[rel] {
			return nil
		}
		if err := os.MkdirAll(filepath.Dir(source), 0o770|os.ModeSetgid); err != nil {
			return err
		}
		if err := os.Link(keyPath, source); err != nil && !errors.Is(err, fs.ErrExist) {
			return err
		}
		if err := v.removeKeyEntry(Limbo, keyPath); err != nil {
			return err
		}
		v.audit.Info("recover", "source", rel)
		return nil
	})
}
