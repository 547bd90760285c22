package walk_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wtsi-hgi/hgi-vault-sub000/internal/vault"
	"github.com/wtsi-hgi/hgi-vault-sub000/internal/walk"
)

// record renders one stat-dump line: base64 path, size, uid, gid, atime,
// mtime, ctime, mode letter, inode, hardlink count, device id.
func record(path string, size int64, uid, gid uint32, atime, mtime, ctime int64, kind string, inode, nlink, dev uint64) string {
	return strings.Join([]string{
		base64.StdEncoding.EncodeToString([]byte(path)),
		fmt.Sprint(size), fmt.Sprint(uid), fmt.Sprint(gid),
		fmt.Sprint(atime), fmt.Sprint(mtime), fmt.Sprint(ctime),
		kind,
		fmt.Sprint(inode), fmt.Sprint(nlink), fmt.Sprint(dev),
	}, "\t")
}

func writeSnapshot(t *testing.T, lines []string) string {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	for _, l := range lines {
		_, err := fmt.Fprintln(gz, l)
		require.NoError(t, err)
	}
	require.NoError(t, gz.Close())

	path := filepath.Join(t.TempDir(), "stats.dat.gz")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestSnapshot_ReplaysMatchingRecords(t *testing.T) {
	skipIfRoot(t)

	root := tempRoot(t)
	inside := mkFile(t, root, "proj/data.txt")

	// A sibling directory sharing root's name as a prefix: its encoded form
	// matches the aligned prefix, but decode-verification must reject it.
	decoy := root + "x/ghost.txt"

	lines := []string{
		record(inside, 42, 1234, 5678, 100, 200, 300, "f", 9, 1, 7),
		record(decoy, 1, 0, 0, 0, 0, 0, "f", 10, 1, 7),
		record(filepath.Dir(inside), 0, 0, 0, 0, 0, 0, "d", 11, 2, 7),
		record("/nowhere/else.txt", 1, 0, 0, 0, 0, 0, "f", 12, 1, 7),
		"not a record at all",
		base64.StdEncoding.EncodeToString([]byte(inside)) + "!!!" +
			"\t1\t0\t0\t0\t0\t0\tf\t13\t1\t7", // undecodable path
	}
	snap := writeSnapshot(t, lines)

	w, err := walk.NewSnapshot(snap, []string{root}, time.Hour, testConfig(t))
	require.NoError(t, err)

	var got []walk.File
	err = w.Files(context.Background(), func(v *vault.Vault, f walk.File, s vault.Status) error {
		assert.Equal(t, vault.StatusUntracked, s.Kind)
		got = append(got, f)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, got, 1)
	f := got[0]
	assert.Equal(t, inside, f.Path)
	assert.EqualValues(t, 42, f.Size)
	assert.EqualValues(t, 1234, f.UID)
	assert.EqualValues(t, 5678, f.GID)
	assert.Equal(t, time.Unix(100, 0), f.ATime)
	assert.Equal(t, time.Unix(200, 0), f.MTime)
	assert.Equal(t, time.Unix(300, 0), f.CTime)
	assert.EqualValues(t, 9, f.Inode)
	assert.EqualValues(t, 1, f.NLink)
	assert.EqualValues(t, 7, f.Device)
}

// siblingRoots creates two vault roots directly under the system temp dir
// whose names differ only in their final character, padded so the root
// length is not a multiple of three. Base64 alignment then truncates the
// differing byte and both roots share an identical encoded prefix.
func siblingRoots(t *testing.T) (string, string) {
	t.Helper()
	stem := filepath.Join(os.TempDir(), fmt.Sprintf("walk-sib-%d", os.Getpid()))
	for (len(stem)+1)%3 != 1 {
		stem += "x"
	}
	roots := [2]string{stem + "1", stem + "2"}
	for _, r := range roots {
		require.NoError(t, os.RemoveAll(r))
		require.NoError(t, os.Mkdir(r, 0o770))
		require.NoError(t, os.Chmod(r, 0o770))
		t.Cleanup(func() { os.RemoveAll(r) })
	}
	return roots[0], roots[1]
}

func TestSnapshot_SiblingRootsShareAlignedPrefix(t *testing.T) {
	skipIfRoot(t)

	root1, root2 := siblingRoots(t)
	first := mkFile(t, root1, "data.txt")
	second := mkFile(t, root2, "data.txt")

	snap := writeSnapshot(t, []string{
		record(first, 1, 0, 0, 0, 0, 0, "f", 21, 1, 7),
		record(second, 2, 0, 0, 0, 0, 0, "f", 22, 1, 7),
	})

	w, err := walk.NewSnapshot(snap, []string{root1, root2}, time.Hour, testConfig(t))
	require.NoError(t, err)

	byPath := map[string]string{}
	err = w.Files(context.Background(), func(v *vault.Vault, f walk.File, s vault.Status) error {
		byPath[f.Path] = v.Root()
		return nil
	})
	require.NoError(t, err)

	// Records from either root match both aligned prefixes; each must still
	// land on the vault that actually contains it, not the first match.
	require.Len(t, byPath, 2)
	assert.Equal(t, root1, byPath[first])
	assert.Equal(t, root2, byPath[second])
}

func TestSnapshot_CaptureTimeIsDumpMtime(t *testing.T) {
	skipIfRoot(t)

	root := tempRoot(t)
	inside := mkFile(t, root, "old.txt")
	snap := writeSnapshot(t, []string{
		record(inside, 1, 0, 0, 0, 0, 0, "f", 1, 1, 1),
	})

	captured := time.Now().Add(-48 * time.Hour).Truncate(time.Second)
	require.NoError(t, os.Chtimes(snap, captured, captured))

	w, err := walk.NewSnapshot(snap, []string{root}, 24*time.Hour, testConfig(t))
	require.NoError(t, err)

	err = w.Files(context.Background(), func(v *vault.Vault, f walk.File, s vault.Status) error {
		assert.True(t, f.CapturedAt.Equal(captured))
		assert.True(t, f.Stale(24*time.Hour, time.Now()))
		return nil
	})
	require.NoError(t, err)
}

func TestNewSnapshot_MissingDump(t *testing.T) {
	skipIfRoot(t)

	root := tempRoot(t)
	_, err := walk.NewSnapshot(filepath.Join(t.TempDir(), "absent.gz"), []string{root}, 0, testConfig(t))
	assert.Error(t, err)
}
