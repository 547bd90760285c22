package vault

import (
	"encoding/base64"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// keyDelimiter separates the inode's least-significant hex byte from the
// encoded source path. The hex prefix can never contain it, so decoding
// splits once on the first occurrence even though the URL-safe base64
// alphabet also uses '-'.
const keyDelimiter = "-"

// Key is the reversible, filesystem-safe encoding of (inode, relative source
// path) under which a tracked file's hardlink lives inside a branch. It is
// append-only metadata: computed once, never mutated, and reconstructible
// from its on-disk path alone.
type Key struct {
	inode    uint64
	source   string   // path relative to the vault root
	segments []string // directory levels, ending in the leaf filename
}

// base64 with the URL-safe alphabet: no '/' or '+' can appear in a segment.
var keyEncoding = base64.URLEncoding

// NewKey encodes inode and the root-relative source path into a key.
// maxNameLen is the filesystem's filename-length limit; long encoded paths
// are chunked across extra directory levels so no segment exceeds it.
func NewKey(inode uint64, source string, maxNameLen int) Key {
	if maxNameLen <= keyChunkReserve {
		maxNameLen = defaultNameMax
	}

	hex := strconv.FormatUint(inode, 16)
	if len(hex)%2 != 0 {
		hex = "0" + hex
	}

	// All inode byte pairs but the least significant become directories.
	var segments []string
	for i := 0; i < len(hex)-2; i += 2 {
		segments = append(segments, hex[i:i+2])
	}

	encoded := keyEncoding.EncodeToString([]byte(source))
	chunkSize := maxNameLen - keyChunkReserve
	first := true
	for len(encoded) > 0 {
		n := min(chunkSize, len(encoded))
		chunk := encoded[:n]
		encoded = encoded[n:]
		if first {
			chunk = hex[len(hex)-2:] + keyDelimiter + chunk
			first = false
		}
		segments = append(segments, chunk)
	}
	if first {
		// Empty source encodes to just the hex byte and delimiter.
		segments = append(segments, hex[len(hex)-2:]+keyDelimiter)
	}

	return Key{inode: inode, source: source, segments: segments}
}

// keyChunkReserve is subtracted from the filename limit to leave room for
// the hex byte and delimiter on the first chunk.
const keyChunkReserve = 3

const defaultNameMax = 255

// ParseKey decodes a branch-relative key path back into the (inode, source)
// pair it was built from. ParseKey(k.Path()) recovers a key equal to k.
func ParseKey(keyPath string) (Key, error) {
	segments := strings.Split(filepath.ToSlash(keyPath), "/")
	joined := strings.Join(segments, "")

	hexPart, b64Part, found := strings.Cut(joined, keyDelimiter)
	if !found {
		return Key{}, fmt.Errorf("key %q: missing delimiter", keyPath)
	}
	if len(hexPart)%2 != 0 {
		return Key{}, fmt.Errorf("key %q: odd-length inode prefix", keyPath)
	}

	inode, err := strconv.ParseUint(hexPart, 16, 64)
	if err != nil {
		return Key{}, fmt.Errorf("key %q: inode prefix: %w", keyPath, err)
	}

	source, err := keyEncoding.DecodeString(b64Part)
	if err != nil {
		return Key{}, fmt.Errorf("key %q: source path: %w", keyPath, err)
	}

	return Key{inode: inode, source: string(source), segments: segments}, nil
}

// Inode returns the inode the key was built from.
func (k Key) Inode() uint64 { return k.inode }

// Source returns the vault-root-relative path the key was built from.
func (k Key) Source() string { return k.source }

// Path returns the branch-relative on-disk path of the key.
func (k Key) Path() string {
	return filepath.Join(k.segments...)
}

// Equal reports whether two keys identify the same (inode, source) pair,
// regardless of how their segments were chunked.
func (k Key) Equal(other Key) bool {
	return k.inode == other.inode && k.source == other.source
}

// Glob returns a match pattern for this key's inode within a branch: the
// inode directory levels exactly, then any leaf whose name starts with the
// final hex byte and delimiter. A rename changes the encoded source but not
// the inode, so the pattern finds moved files too.
func (k Key) Glob() string {
	hex := strconv.FormatUint(k.inode, 16)
	if len(hex)%2 != 0 {
		hex = "0" + hex
	}
	var dirs []string
	for i := 0; i < len(hex)-2; i += 2 {
		dirs = append(dirs, hex[i:i+2])
	}
	dirs = append(dirs, hex[len(hex)-2:]+keyDelimiter+"*")
	return filepath.Join(dirs...)
}
