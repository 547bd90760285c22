// Package walk enumerates candidate files together with their vault status,
// either by traversing a live filesystem or by replaying a precomputed stat
// snapshot. Both implementations yield a lazy, finite, strictly sequential
// stream; a walk is restarted only by reconstructing the walker.
package walk

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/wtsi-hgi/hgi-vault-sub000/internal/identity"
	"github.com/wtsi-hgi/hgi-vault-sub000/internal/posix"
	"github.com/wtsi-hgi/hgi-vault-sub000/internal/vault"
)

// ErrInvalidVaultBases aborts walker construction: a base path is not itself
// a vault root, bases are duplicated or nested, a vault's group has too few
// registered owners, or no bases were supplied at all.
var ErrInvalidVaultBases = errors.New("invalid vault bases")

// File is a stat-derived snapshot of one regular file, plus the timestamp
// the stat was captured so downstream consumers can force a re-stat after a
// staleness window.
type File struct {
	Device     uint64
	Inode      uint64
	Path       string // absolute
	Size       int64
	UID        uint32
	GID        uint32
	NLink      uint64
	MTime      time.Time
	ATime      time.Time
	CTime      time.Time
	CapturedAt time.Time
}

// FromStat builds a File from a fresh stat of path.
func FromStat(path string, st posix.Stat) File {
	return File{
		Device:     st.Dev,
		Inode:      st.Inode,
		Path:       path,
		Size:       st.Size,
		UID:        st.UID,
		GID:        st.GID,
		NLink:      st.NLink,
		MTime:      st.MTime,
		ATime:      st.ATime,
		CTime:      st.CTime,
		CapturedAt: time.Now(),
	}
}

// Age is the file's age at now: the time elapsed since the most recent of
// its modification, access and change timestamps.
func (f File) Age(now time.Time) time.Duration {
	latest := f.MTime
	if f.ATime.After(latest) {
		latest = f.ATime
	}
	if f.CTime.After(latest) {
		latest = f.CTime
	}
	return now.Sub(latest)
}

// Stale reports whether the capture is older than window at now.
func (f File) Stale(window time.Duration, now time.Time) bool {
	return now.Sub(f.CapturedAt) > window
}

// Restat refreshes the snapshot from the live filesystem.
func (f File) Restat() (File, error) {
	st, err := posix.Lstat(f.Path)
	if err != nil {
		return File{}, err
	}
	return FromStat(f.Path, st), nil
}

// VisitFunc receives one walked file: its owning vault, its stat snapshot,
// and the vault's classification of it.
type VisitFunc func(v *vault.Vault, f File, s vault.Status) error

// Walker produces a lazy, finite sequence of walked files.
type Walker interface {
	Files(ctx context.Context, fn VisitFunc) error
}

// Config carries the dependencies and validation thresholds shared by both
// walker implementations.
type Config struct {
	Resolver identity.Resolver
	Actor    identity.Actor
	RunID    string

	// MinOwners is the minimum number of registered group owners each
	// vault's group must have.
	MinOwners int
}

// openVaults validates the base paths and constructs one Vault per base.
// All violations fail construction; nothing is reported per file.
func openVaults(bases []string, cfg Config) ([]*vault.Vault, error) {
	if len(bases) == 0 {
		return nil, fmt.Errorf("no base paths supplied: %w", ErrInvalidVaultBases)
	}

	vaults := make([]*vault.Vault, 0, len(bases))
	for _, base := range bases {
		abs, err := filepath.Abs(base)
		if err != nil {
			return nil, err
		}
		v, err := vault.New(abs, vault.Options{
			Resolver: cfg.Resolver,
			Actor:    cfg.Actor,
			RunID:    cfg.RunID,
		})
		if err != nil {
			return nil, fmt.Errorf("%s: %v: %w", base, err, ErrInvalidVaultBases)
		}
		if v.Root() != abs {
			return nil, fmt.Errorf("%s is inside the vault rooted at %s: %w",
				abs, v.Root(), ErrInvalidVaultBases)
		}
		if len(v.Owners()) < cfg.MinOwners {
			return nil, fmt.Errorf("vault %s: group %d has %d owners, need %d: %w",
				v.Root(), v.GroupID(), len(v.Owners()), cfg.MinOwners, ErrInvalidVaultBases)
		}
		vaults = append(vaults, v)
	}

	for i, a := range vaults {
		for _, b := range vaults[i+1:] {
			if a.Root() == b.Root() || nested(a.Root(), b.Root()) {
				return nil, fmt.Errorf("vaults %s and %s overlap: %w",
					a.Root(), b.Root(), ErrInvalidVaultBases)
			}
		}
	}
	return vaults, nil
}

func nested(a, b string) bool {
	sep := string(filepath.Separator)
	return strings.HasPrefix(a, b+sep) || strings.HasPrefix(b, a+sep)
}
