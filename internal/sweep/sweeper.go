// Package sweep advances every file under management through its lifecycle:
// untracked files age toward soft deletion (with warnings first), archive and
// stash candidates are staged for the downstream handler, expired limbo
// entries are hard-deleted, and observed corruption is reported. A dry-run
// gate guards every mutation, allowing a full classification pass with zero
// side effects.
package sweep

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/wtsi-hgi/hgi-vault-sub000/internal/persist"
	"github.com/wtsi-hgi/hgi-vault-sub000/internal/posix"
	"github.com/wtsi-hgi/hgi-vault-sub000/internal/vault"
	"github.com/wtsi-hgi/hgi-vault-sub000/internal/walk"
)

// Config controls one sweep run.
type Config struct {
	// DryRun classifies and logs but never mutates.
	DryRun bool

	// DeletionThreshold is the age past which untracked files are
	// soft-deleted (after a warning).
	DeletionThreshold time.Duration

	// LimboThreshold is how long a soft-deleted file stays recoverable.
	LimboThreshold time.Duration

	// WarningLeads are the lead-time checkpoints at which approaching
	// deletion is announced. The shortest is treated as urgent.
	WarningLeads []time.Duration

	// RestatWindow forces a fresh stat for records captured longer ago
	// than this (snapshot replays). Zero disables re-stat.
	RestatWindow time.Duration

	// Limiter paces destructive filesystem operations. Nil means unpaced.
	Limiter *rate.Limiter
}

// Sweeper consumes a walker's sequence and dispatches each file through the
// lifecycle state machine, strictly one file at a time.
type Sweeper struct {
	walker walk.Walker
	store  persist.Store
	cfg    Config
	stats  *Collector

	now func() time.Time
}

// New builds a sweeper over walker, persisting decisions to store.
func New(walker walk.Walker, store persist.Store, cfg Config) *Sweeper {
	return &Sweeper{
		walker: walker,
		store:  store,
		cfg:    cfg,
		stats:  NewCollector(),
		now:    time.Now,
	}
}

// Stats returns the run's counters.
func (s *Sweeper) Stats() Snapshot { return s.stats.Snapshot() }

// Sweep performs one pass over the walker's sequence. Per-file failures are
// logged and skipped; only walker errors and context cancellation abort.
func (s *Sweeper) Sweep(ctx context.Context) error {
	return s.walker.Files(ctx, func(v *vault.Vault, f walk.File, status vault.Status) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.visit(ctx, v, f, status)
		return nil
	})
}

func (s *Sweeper) visit(ctx context.Context, v *vault.Vault, f walk.File, status vault.Status) {
	s.stats.AddWalked(1)

	if s.cfg.RestatWindow > 0 && f.Stale(s.cfg.RestatWindow, s.now()) {
		fresh, err := f.Restat()
		if err != nil {
			slog.Debug("stale record no longer on disk, skipping", "path", f.Path, "error", err)
			s.stats.AddSkipped(1)
			return
		}
		f = fresh
		status, err = v.Classify(f.Path)
		if err != nil {
			slog.Warn("unclassifiable after re-stat, skipping", "path", f.Path, "error", err)
			s.stats.AddSkipped(1)
			return
		}
	}

	switch status.Kind {
	case vault.StatusCorrupt:
		// Never auto-repaired: ambiguous which side is authoritative.
		slog.Error("vault corruption", "path", f.Path, "error", status.Err)
		s.stats.AddCorruptions(1)
	case vault.StatusPhysical:
		s.physical(ctx, v, f)
	case vault.StatusTracked:
		s.tracked(ctx, v, f, status.Branch)
	case vault.StatusUntracked:
		s.untracked(ctx, v, f)
	}
}

// physical handles files inside a vault's hidden store: expired limbo keys
// are hard-deleted, orphaned keys (whose source is gone) are reported and
// reaped, everything else is left alone.
func (s *Sweeper) physical(ctx context.Context, v *vault.Vault, f walk.File) {
	branch, key, ok := v.BranchOfStorePath(f.Path)
	if !ok {
		return // the audit log and other non-key store files
	}

	switch branch {
	case vault.Limbo:
		if f.NLink > 1 {
			slog.Error("vault corruption",
				"key", key, "error", "soft-deleted file also exists outside the vault")
			s.stats.AddCorruptions(1)
			return
		}
		if f.Age(s.now()) <= s.cfg.LimboThreshold {
			return
		}
		if s.cfg.DryRun {
			slog.Info("would hard-delete expired limbo file", "key", key)
			return
		}
		if err := s.destroy(ctx, func() error { return v.RemoveStoreEntry(f.Path) }); err != nil {
			slog.Error("hard delete failed", "key", key, "error", err)
			return
		}
		s.stats.AddHardDeleted(1)
		slog.Info("hard-deleted expired limbo file", "key", key)

	case vault.Keep, vault.Archive, vault.Stash:
		if f.NLink > 1 {
			return
		}
		slog.Error("vault corruption", "key", key, "error", "source no longer exists")
		s.stats.AddCorruptions(1)
		if s.cfg.DryRun {
			return
		}
		// The one permitted repair: an orphaned key has no authoritative
		// other side to conflict with.
		if err := s.destroy(ctx, func() error { return v.RemoveStoreEntry(f.Path) }); err != nil {
			slog.Error("orphaned key removal failed", "key", key, "error", err)
			return
		}
		s.stats.AddRepaired(1)

	case vault.Staged:
		// Awaiting drain; not the sweep's business.
	}
}

// tracked handles files with a key in some branch. Only Archive and Stash
// trigger work: the key moves to Staged and, for Archive only, the external
// source is deleted.
func (s *Sweeper) tracked(ctx context.Context, v *vault.Vault, f walk.File, branch vault.Branch) {
	switch branch {
	case vault.Archive, vault.Stash:
		// fall through to staging
	case vault.Keep, vault.Staged, vault.Limbo:
		return
	}

	if s.skipLocked(f.Path) {
		return
	}
	if s.cfg.DryRun {
		slog.Info("would stage for archival", "path", f.Path, "branch", branch.String())
		return
	}

	vf, err := v.File(branch, f.Path)
	if err != nil {
		s.logClassification(f.Path, err)
		return
	}
	if err := v.Stage(vf); err != nil {
		slog.Error("staging failed", "path", f.Path, "error", err)
		return
	}

	rec := persist.NewFileRecord(f, vf.KeyPath())
	if err := s.store.Persist(ctx, rec, persist.State{Kind: persist.StateStaged}); err != nil {
		slog.Error("persisting staged record failed", "path", f.Path, "error", err)
		return
	}
	s.stats.AddStaged(1)

	if branch == vault.Stash {
		return // stash retains the external source
	}

	// The key now carries the content; the external source is redundant.
	st, err := posix.Lstat(vf.KeyPath())
	if err != nil || st.NLink < 2 {
		slog.Error("vault corruption",
			"key", vf.Key().Path(), "error", "staged key lost its source hardlink")
		s.stats.AddCorruptions(1)
		return
	}
	if err := s.destroy(ctx, func() error { return os.Remove(f.Path) }); err != nil {
		slog.Error("source removal after staging failed", "path", f.Path, "error", err)
	}
}

// untracked ages files toward soft deletion, always warning before deleting.
func (s *Sweeper) untracked(ctx context.Context, v *vault.Vault, f walk.File) {
	vf, err := v.File(vault.Limbo, f.Path)
	if err != nil {
		// Corruption here is deferred to the next sweep rather than acted on.
		s.logClassification(f.Path, err)
		return
	}
	if err := vf.Addable(); err != nil {
		slog.Debug("skipping", "path", f.Path, "reason", err)
		s.stats.AddSkipped(1)
		return
	}

	rec := persist.NewFileRecord(f, "")
	age := f.Age(s.now())

	if age > s.cfg.DeletionThreshold {
		s.expire(ctx, v, f, rec)
		return
	}

	// Normal non-deleting pass: record every newly-passed warning checkpoint.
	if s.cfg.DryRun {
		return
	}
	remaining := s.cfg.DeletionThreshold - age
	recorded, err := s.store.WarnedLeads(ctx, rec.ID)
	if err != nil {
		slog.Error("warning lookup failed", "path", f.Path, "error", err)
		return
	}
	for _, lead := range s.cfg.WarningLeads {
		if remaining >= lead || contains(recorded, lead) {
			continue
		}
		if err := s.store.Persist(ctx, rec, persist.State{Kind: persist.StateWarned, Lead: lead}); err != nil {
			slog.Error("persisting warning failed", "path", f.Path, "error", err)
			continue
		}
		s.stats.AddWarned(1)
	}
}

// expire soft-deletes an over-age untracked file, unless it has never been
// warned, in which case a first warning is recorded instead.
func (s *Sweeper) expire(ctx context.Context, v *vault.Vault, f walk.File, rec persist.FileRecord) {
	if s.skipLocked(f.Path) {
		return
	}

	warned, err := s.store.AnyWarning(ctx, rec.ID)
	if err != nil {
		slog.Error("warning lookup failed", "path", f.Path, "error", err)
		return
	}
	if !warned {
		// Always warn before deleting, however overdue the file is.
		if s.cfg.DryRun {
			slog.Info("would warn of imminent deletion", "path", f.Path)
			return
		}
		if err := s.store.Persist(ctx, rec, persist.State{
			Kind: persist.StateWarned,
			Lead: s.urgentLead(),
		}); err != nil {
			slog.Error("persisting warning failed", "path", f.Path, "error", err)
			return
		}
		s.stats.AddWarned(1)
		return
	}

	if s.cfg.DryRun {
		slog.Info("would soft-delete", "path", f.Path, "age", f.Age(s.now()).Round(time.Hour))
		return
	}

	vf, err := v.Add(vault.Limbo, f.Path)
	if err != nil {
		slog.Error("soft delete failed", "path", f.Path, "error", err)
		return
	}

	// Touch the key so the limbo clock starts now, then drop the source.
	now := s.now()
	if err := os.Chtimes(vf.KeyPath(), now, now); err != nil {
		slog.Error("touching limbo key failed", "key", vf.Key().Path(), "error", err)
	}
	if err := s.destroy(ctx, func() error { return os.Remove(f.Path) }); err != nil {
		slog.Error("source removal after soft delete failed", "path", f.Path, "error", err)
		return
	}

	rec.Key = vf.KeyPath()
	if err := s.store.Persist(ctx, rec, persist.State{Kind: persist.StateDeleted}); err != nil {
		slog.Error("persisting deletion record failed", "path", f.Path, "error", err)
		return
	}
	s.stats.AddSoftDeleted(1)
	slog.Info("soft-deleted", "path", f.Path)
}

// destroy runs a destructive filesystem operation under the rate limiter.
// Permission failures at execution time are returned for logging, never
// propagated to abort the sweep.
func (s *Sweeper) destroy(ctx context.Context, op func() error) error {
	if s.cfg.Limiter != nil {
		if err := s.cfg.Limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if err := op(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// skipLocked probes the advisory lock and logs a skip when held elsewhere.
func (s *Sweeper) skipLocked(path string) bool {
	locked, err := posix.Locked(path)
	if err != nil {
		slog.Warn("lock probe failed, skipping", "path", path, "error", err)
		s.stats.AddSkipped(1)
		return true
	}
	if locked {
		slog.Info("held by another process, skipping", "path", path)
		s.stats.AddSkipped(1)
		return true
	}
	return false
}

// logClassification reports a per-file failure at the right severity and
// counts it.
func (s *Sweeper) logClassification(path string, err error) {
	if errors.Is(err, vault.ErrCorrupt) {
		slog.Error("vault corruption", "path", path, "error", err)
		s.stats.AddCorruptions(1)
		return
	}
	slog.Warn("skipping", "path", path, "error", err)
	s.stats.AddSkipped(1)
}

// urgentLead is the shortest configured warning lead time.
func (s *Sweeper) urgentLead() time.Duration {
	if len(s.cfg.WarningLeads) == 0 {
		return 0
	}
	urgent := s.cfg.WarningLeads[0]
	for _, lead := range s.cfg.WarningLeads[1:] {
		if lead < urgent {
			urgent = lead
		}
	}
	return urgent
}

func contains(leads []time.Duration, lead time.Duration) bool {
	for _, l := range leads {
		if l == lead {
			return true
		}
	}
	return false
}
