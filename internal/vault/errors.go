package vault

import (
	"errors"
	"fmt"
)

// Environment and per-file classification errors. Classification errors are
// caught at the file boundary by the sweeper: the file is logged and skipped,
// the sweep continues. Environment errors abort the run.
var (
	// ErrNoSuchVault: the starting path for vault construction does not exist.
	ErrNoSuchVault = errors.New("no such vault")

	// ErrVaultConflict: a non-directory occupies a path the hidden store needs.
	ErrVaultConflict = errors.New("vault path occupied by a foreign file")

	// ErrDoesNotExist: the source path is absent.
	ErrDoesNotExist = errors.New("file does not exist")

	// ErrNotRegularFile: the source path is not a regular file.
	ErrNotRegularFile = errors.New("not a regular file")

	// ErrIncorrectVault: the source path lies outside the vault root.
	ErrIncorrectVault = errors.New("file is outside the vault root")

	// ErrPhysicalVaultFile: the source path lies inside the hidden store.
	ErrPhysicalVaultFile = errors.New("path is inside the vault's hidden store")

	// ErrPermissionDenied: the acting user may not add or remove the file.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrUnactionableFile: the file's own permission bits make it untrackable.
	ErrUnactionableFile = errors.New("file permissions make it unactionable")

	// ErrCorrupt is the integrity class; every CorruptionError wraps it.
	ErrCorrupt = errors.New("vault corruption")
)

// CorruptionError reports an observed filesystem state that violates a vault
// invariant. It is logged, never auto-repaired (except the orphaned-key case
// handled by the sweeper).
type CorruptionError struct {
	Key    string // hidden-store-relative key path, when known
	Reason string
}

func (e *CorruptionError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("vault corruption: %s", e.Reason)
	}
	return fmt.Sprintf("vault corruption at %s: %s", e.Key, e.Reason)
}

func (e *CorruptionError) Unwrap() error { return ErrCorrupt }

func corruptf(key, format string, args ...any) error {
	return &CorruptionError{Key: key, Reason: fmt.Sprintf(format, args...)}
}
