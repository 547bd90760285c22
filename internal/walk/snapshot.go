package walk

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/wtsi-hgi/hgi-vault-sub000/internal/vault"
)

// snapshotFields is the column count of one stat-dump record: base64 path,
// size, uid, gid, atime, mtime, ctime, mode letter, inode, hardlink count,
// device id.
const snapshotFields = 11

// snapshot paths are plain (non-URL-safe) base64; keys use the URL-safe
// alphabet, the two never mix.
var pathEncoding = base64.StdEncoding

// Snapshot replays a gzip-compressed, tab-delimited stat dump instead of
// walking the live filesystem, matching each record against the configured
// vault roots.
type Snapshot struct {
	vaults    []*vault.Vault
	path      string
	freshness time.Duration
	prefixes  []rootPrefix
	maxLine   int
}

// rootPrefix is a vault root's encoded-prefix match data. Base64 encodes
// three bytes per four output characters, so the comparable prefix is the
// encoding truncated to whole input groups; the decoded candidate is then
// verified against the root both exactly and with a trailing separator, to
// avoid partial-segment false matches (e.g. /data/proj vs /data/project).
type rootPrefix struct {
	vault   *vault.Vault
	aligned string
}

func alignedPrefix(root string) string {
	enc := pathEncoding.EncodeToString([]byte(root))
	groups := len(root) / 3
	return enc[:groups*4]
}

// NewSnapshot validates bases and builds a walker replaying the dump at
// path. freshness is the window after which the dump is considered stale
// (records will be forcibly re-stat'ed downstream; this only warns).
func NewSnapshot(path string, bases []string, freshness time.Duration, cfg Config) (*Snapshot, error) {
	vaults, err := openVaults(bases, cfg)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", path, err)
	}

	s := &Snapshot{
		vaults:    vaults,
		path:      path,
		freshness: freshness,
		maxLine:   1 << 20,
	}
	for _, v := range vaults {
		s.prefixes = append(s.prefixes, rootPrefix{vault: v, aligned: alignedPrefix(v.Root())})
	}
	return s, nil
}

// Vaults returns the validated vaults, in base order.
func (s *Snapshot) Vaults() []*vault.Vault { return s.vaults }

// Files replays the snapshot sequentially. Records for paths outside every
// vault, for non-regular files, and malformed lines are skipped; per-file
// classification failures are logged and skipped.
func (s *Snapshot) Files(ctx context.Context, fn VisitFunc) error {
	info, err := os.Stat(s.path)
	if err != nil {
		return err
	}
	captured := info.ModTime()
	if s.freshness > 0 && time.Since(captured) > s.freshness {
		slog.Warn("stat snapshot is stale; records will be re-stat'ed before acting",
			"snapshot", s.path, "age", time.Since(captured).Round(time.Minute))
	}

	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("snapshot %s: %w", s.path, err)
	}
	defer gz.Close()

	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 64*1024), s.maxLine)
	line := 0
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.replayRecord(scanner.Text(), line, captured, fn); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (s *Snapshot) replayRecord(record string, line int, captured time.Time, fn VisitFunc) error {
	fields := strings.Split(record, "\t")
	if len(fields) != snapshotFields {
		slog.Warn("malformed snapshot record, skipping", "line", line, "fields", len(fields))
		return nil
	}
	if fields[7] != "f" {
		return nil // only regular files are under management
	}

	candidates := s.matchRoots(fields[0])
	if len(candidates) == 0 {
		return nil
	}

	raw, err := pathEncoding.DecodeString(fields[0])
	if err != nil {
		slog.Warn("undecodable snapshot path, skipping", "line", line, "error", err)
		return nil
	}
	path := string(raw)
	var owner *vault.Vault
	for _, v := range candidates {
		if withinRoot(path, v.Root()) {
			owner = v
			break
		}
	}
	if owner == nil {
		return nil // encoded prefix matched but the path is a sibling
	}

	wf, err := parseRecord(path, fields, captured)
	if err != nil {
		slog.Warn("malformed snapshot record, skipping", "line", line, "error", err)
		return nil
	}

	status, err := owner.Classify(path)
	if err != nil {
		slog.Warn("unclassifiable file, skipping", "path", path, "error", err)
		return nil
	}
	return fn(owner, wf, status)
}

// matchRoots collects every vault whose encoded root prefix matches the
// record's encoded path, without decoding non-candidates. Prefix alignment
// truncates partial base64 groups, so sibling roots such as .../projx1 and
// .../projx2 can share a prefix; the caller verifies the decoded path
// against each candidate's root.
func (s *Snapshot) matchRoots(encoded string) []*vault.Vault {
	var candidates []*vault.Vault
	for _, p := range s.prefixes {
		if strings.HasPrefix(encoded, p.aligned) {
			candidates = append(candidates, p.vault)
		}
	}
	return candidates
}

func withinRoot(path, root string) bool {
	return path == root || strings.HasPrefix(path, root+string(filepath.Separator))
}

func parseRecord(path string, fields []string, captured time.Time) (File, error) {
	nums := make([]uint64, 0, 9)
	for _, i := range []int{1, 2, 3, 4, 5, 6, 8, 9, 10} {
		n, err := strconv.ParseUint(fields[i], 10, 64)
		if err != nil {
			return File{}, fmt.Errorf("field %d: %w", i, err)
		}
		nums = append(nums, n)
	}

	return File{
		Path:       path,
		Size:       int64(nums[0]),
		UID:        uint32(nums[1]),
		GID:        uint32(nums[2]),
		ATime:      time.Unix(int64(nums[3]), 0),
		MTime:      time.Unix(int64(nums[4]), 0),
		CTime:      time.Unix(int64(nums[5]), 0),
		Inode:      nums[6],
		NLink:      nums[7],
		Device:     nums[8],
		CapturedAt: captured,
	}, nil
}
