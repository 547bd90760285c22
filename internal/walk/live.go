package walk

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/wtsi-hgi/hgi-vault-sub000/internal/posix"
	"github.com/wtsi-hgi/hgi-vault-sub000/internal/vault"
)

// Live traverses the filesystem under each vault root, yielding every
// regular file found. Symbolic links are never followed, so a walk cannot
// re-enter its own subtree or escape the root.
type Live struct {
	vaults []*vault.Vault
}

// NewLive validates bases and builds a live walker over them.
func NewLive(bases []string, cfg Config) (*Live, error) {
	vaults, err := openVaults(bases, cfg)
	if err != nil {
		return nil, err
	}
	return &Live{vaults: vaults}, nil
}

// Vaults returns the validated vaults, in base order.
func (w *Live) Vaults() []*vault.Vault { return w.vaults }

// Files walks each vault root in turn. Per-file classification failures are
// logged and skipped; only fn's error or a context cancellation stops the
// walk.
func (w *Live) Files(ctx context.Context, fn VisitFunc) error {
	for _, v := range w.vaults {
		if err := w.walkDir(ctx, v, v.Root(), fn); err != nil {
			return err
		}
	}
	return nil
}

func (w *Live) walkDir(ctx context.Context, v *vault.Vault, dir string, fn VisitFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		slog.Warn("unreadable directory, skipping", "dir", dir, "error", err)
		return nil
	}

	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())

		switch {
		case entry.Type()&os.ModeSymlink != 0:
			continue
		case entry.IsDir():
			if err := w.walkDir(ctx, v, path, fn); err != nil {
				return err
			}
			continue
		case !entry.Type().IsRegular():
			continue
		}

		info, err := entry.Info()
		if err != nil {
			slog.Warn("stat failed, skipping", "path", path, "error", err)
			continue
		}

		status, err := v.Classify(path)
		if err != nil {
			slog.Warn("unclassifiable file, skipping", "path", path, "error", err)
			continue
		}

		if err := fn(v, FromStat(path, posix.From(info)), status); err != nil {
			return err
		}
	}
	return nil
}
