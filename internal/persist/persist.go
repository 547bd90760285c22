// Package persist is the durable record of sweep decisions: which files were
// staged for archival, which were soft-deleted, and which warnings have been
// issued — together with whether each record's stakeholder has been notified.
package persist

import (
	"context"
	"fmt"
	"time"

	"github.com/zeebo/blake3"

	"github.com/wtsi-hgi/hgi-vault-sub000/internal/walk"
)

// StateKind discriminates the persisted lifecycle states.
type StateKind int

const (
	StateStaged StateKind = iota + 1
	StateDeleted
	StateWarned
)

var stateNames = [...]string{
	StateStaged:  "staged",
	StateDeleted: "deleted",
	StateWarned:  "warned",
}

func (k StateKind) String() string {
	if k >= StateStaged && k <= StateWarned {
		return stateNames[k]
	}
	return "unknown"
}

// State is one persisted lifecycle fact about a file.
type State struct {
	Kind     StateKind
	Lead     time.Duration // warned only: the lead-time checkpoint passed
	Notified bool
}

// FileRecord captures a file's identity and stat details at the moment a
// state was recorded. ID is deterministic in (device, inode, path), so
// re-recording the same file is idempotent.
type FileRecord struct {
	ID     string
	Device uint64
	Inode  uint64
	Path   string // external source path at capture time
	Key    string // absolute key path inside the vault, when tracked
	Size   int64
	UID    uint32
	GID    uint32
	MTime  time.Time
}

// NewFileRecord derives a record from a walked file; keyPath may be empty
// for files not (yet) tracked.
func NewFileRecord(f walk.File, keyPath string) FileRecord {
	sum := blake3.Sum256(fmt.Appendf(nil, "%d:%d:%s", f.Device, f.Inode, f.Path))
	return FileRecord{
		ID:     fmt.Sprintf("%x", sum[:16]),
		Device: f.Device,
		Inode:  f.Inode,
		Path:   f.Path,
		Key:    keyPath,
		Size:   f.Size,
		UID:    f.UID,
		GID:    f.GID,
		MTime:  f.MTime,
	}
}

// Queue is a scoped, size-accumulating collection of staged keys awaiting
// drain. Clean removes exactly the records the queue was built from.
type Queue struct {
	Size int64    // accumulated bytes
	Keys []string // absolute key paths

	ids []int64 // backing state rows
}

// Notifiable is one stakeholder's batch of not-yet-notified records for one
// category.
type Notifiable struct {
	Records []FileRecord

	ids []int64
}

// Empty reports whether the batch holds no records.
func (n Notifiable) Empty() bool { return len(n.Records) == 0 }

// Store is the persistence boundary consumed by the sweeper, the notifier
// and the drain bridge.
type Store interface {
	// Persist records state s for file f. Re-persisting an identical
	// (file, kind, lead) fact is a no-op.
	Persist(ctx context.Context, f FileRecord, s State) error

	// Stakeholders returns the uids owning at least one un-notified record.
	Stakeholders(ctx context.Context) ([]uint32, error)

	// Pending returns uid's un-notified records of the given kind; for
	// StateWarned, lead scopes the checkpoint.
	Pending(ctx context.Context, uid uint32, kind StateKind, lead time.Duration) (Notifiable, error)

	// MarkNotified flags every record in the batch as notified.
	MarkNotified(ctx context.Context, n Notifiable) error

	// AnyWarning reports whether any warning of any lead time has been
	// recorded for the file.
	AnyWarning(ctx context.Context, fileID string) (bool, error)

	// WarnedLeads returns the lead-time checkpoints already recorded for
	// the file.
	WarnedLeads(ctx context.Context, fileID string) ([]time.Duration, error)

	// StagedQueue collects the staged-and-notified records into a queue
	// for draining.
	StagedQueue(ctx context.Context) (*Queue, error)

	// Clean removes the queue's backing records after a successful drain.
	Clean(ctx context.Context, q *Queue) error

	Close() error
}
