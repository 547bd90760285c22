package persist

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite is the embedded Store implementation.
type SQLite struct {
	db  *sql.DB
	run string
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens (creating if needed) the database at path. runID stamps
// rows written through this handle.
func OpenSQLite(path, runID string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single connection sidesteps "database is locked" contention; the
	// sweep is single-threaded anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000; PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}

	s := &SQLite{db: db, run: runID}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLite) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS files (
		id     TEXT PRIMARY KEY,
		device INTEGER NOT NULL,
		inode  INTEGER NOT NULL,
		path   TEXT NOT NULL,
		key    TEXT,
		size   INTEGER NOT NULL,
		uid    INTEGER NOT NULL,
		gid    INTEGER NOT NULL,
		mtime  TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS states (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		file_id    TEXT NOT NULL REFERENCES files(id) ON DELETE CASCADE,
		kind       TEXT NOT NULL CHECK (kind IN ('staged', 'deleted', 'warned')),
		lead       INTEGER NOT NULL DEFAULT 0,
		notified   INTEGER NOT NULL DEFAULT 0,
		run        TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (file_id, kind, lead)
	);

	CREATE INDEX IF NOT EXISTS idx_states_pending ON states(kind, notified);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the database handle.
func (s *SQLite) Close() error { return s.db.Close() }

// Persist upserts the file row and inserts the state fact. Duplicate facts
// (same file, kind and lead) are ignored.
func (s *SQLite) Persist(ctx context.Context, f FileRecord, st State) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO files (id, device, inode, path, key, size, uid, gid, mtime)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET key = excluded.key, size = excluded.size, mtime = excluded.mtime`,
		f.ID, f.Device, f.Inode, f.Path, f.Key, f.Size, f.UID, f.GID, f.MTime)
	if err != nil {
		return fmt.Errorf("persist file %s: %w", f.Path, err)
	}

	notified := 0
	if st.Notified {
		notified = 1
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO states (file_id, kind, lead, notified, run)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(file_id, kind, lead) DO NOTHING`,
		f.ID, st.Kind.String(), int64(st.Lead/time.Second), notified, s.run)
	if err != nil {
		return fmt.Errorf("persist state %s for %s: %w", st.Kind, f.Path, err)
	}

	return tx.Commit()
}

// Stakeholders returns the distinct owners of un-notified records.
func (s *SQLite) Stakeholders(ctx context.Context) ([]uint32, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT f.uid FROM files f
		JOIN states st ON st.file_id = f.id
		WHERE st.notified = 0`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var uids []uint32
	for rows.Next() {
		var uid uint32
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		uids = append(uids, uid)
	}
	return uids, rows.Err()
}

// Pending returns uid's un-notified records of one kind (and lead, for
// warnings).
func (s *SQLite) Pending(ctx context.Context, uid uint32, kind StateKind, lead time.Duration) (Notifiable, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT st.id, f.id, f.device, f.inode, f.path, f.key, f.size, f.uid, f.gid, f.mtime
		FROM states st JOIN files f ON f.id = st.file_id
		WHERE f.uid = ? AND st.kind = ? AND st.lead = ? AND st.notified = 0
		ORDER BY f.path`,
		uid, kind.String(), int64(lead/time.Second))
	if err != nil {
		return Notifiable{}, err
	}
	defer rows.Close()

	var n Notifiable
	for rows.Next() {
		var (
			rec   FileRecord
			rowID int64
		)
		if err := rows.Scan(&rowID, &rec.ID, &rec.Device, &rec.Inode, &rec.Path,
			&rec.Key, &rec.Size, &rec.UID, &rec.GID, &rec.MTime); err != nil {
			return Notifiable{}, err
		}
		n.Records = append(n.Records, rec)
		n.ids = append(n.ids, rowID)
	}
	return n, rows.Err()
}

// MarkNotified flags the batch's backing rows.
func (s *SQLite) MarkNotified(ctx context.Context, n Notifiable) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, id := range n.ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE states SET notified = 1 WHERE id = ?`, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// AnyWarning reports whether any warning checkpoint exists for the file.
func (s *SQLite) AnyWarning(ctx context.Context, fileID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM states WHERE file_id = ? AND kind = 'warned'`,
		fileID).Scan(&n)
	return n > 0, err
}

// WarnedLeads returns the lead-time checkpoints already recorded.
func (s *SQLite) WarnedLeads(ctx context.Context, fileID string) ([]time.Duration, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT lead FROM states WHERE file_id = ? AND kind = 'warned'`, fileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var leads []time.Duration
	for rows.Next() {
		var secs int64
		if err := rows.Scan(&secs); err != nil {
			return nil, err
		}
		leads = append(leads, time.Duration(secs)*time.Second)
	}
	return leads, rows.Err()
}

// StagedQueue collects staged-and-notified records for draining.
func (s *SQLite) StagedQueue(ctx context.Context) (*Queue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT st.id, f.key, f.size
		FROM states st JOIN files f ON f.id = st.file_id
		WHERE st.kind = 'staged' AND st.notified = 1
		ORDER BY st.created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	q := &Queue{}
	for rows.Next() {
		var (
			rowID int64
			key   string
			size  int64
		)
		if err := rows.Scan(&rowID, &key, &size); err != nil {
			return nil, err
		}
		q.Size += size
		q.Keys = append(q.Keys, key)
		q.ids = append(q.ids, rowID)
	}
	return q, rows.Err()
}

// Clean removes the queue's backing rows; file rows with no remaining
// states are pruned too.
func (s *SQLite) Clean(ctx context.Context, q *Queue) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, id := range q.ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM states WHERE id = ?`, id); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM files WHERE NOT EXISTS
			(SELECT 1 FROM states WHERE states.file_id = files.id)`); err != nil {
		return err
	}
	return tx.Commit()
}
