// Package chunkid implements the content-addressed chunk identifier:
// a fixed-width 32-byte hash value, its hex encoding, and the
// canonical chunk-store path derivation. Chunk IDs are produced by an
// external content-defined chunker, outside this module, and are
// treated here as opaque, immutable values.
package chunkid

import (
	"encoding/hex"
	"fmt"
	"path/filepath"

	"github.com/archsync/archsync/archsyncerr"
)

// Size is the fixed byte width of a chunk ID.
const Size = 32

// HexLength is the length of the canonical lowercase-hex string form.
const HexLength = Size * 2

// ID is a 32-byte content hash identifying a chunk. The zero value is
// not a valid chunk ID but is useful as a sentinel.
type ID [Size]byte

// FromHex parses a 64-character lowercase hex string into an ID.
func FromHex(s string) (ID, error) {
	if len(s) != HexLength {
		return ID{}, &archsyncerr.InvalidHashLengthError{Got: len(s) / 2}
	}
	var decoded [Size]byte
	n, err := hex.Decode(decoded[:], []byte(s))
	if err != nil {
		return ID{}, fmt.Errorf("chunkid: decoding hex: %w", err)
	}
	if n != Size {
		return ID{}, &archsyncerr.InvalidHashLengthError{Got: n}
	}
	return ID(decoded), nil
}

// FromBytes constructs an ID from a byte slice, which must be exactly
// Size bytes long.
func FromBytes(b []byte) (ID, error) {
	if len(b) != Size {
		return ID{}, &archsyncerr.InvalidHashLengthError{Got: len(b)}
	}
	var id ID
	copy(id[:], b)
	return id, nil
}

// String returns the canonical lowercase-hex form (64 characters).
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns the display-short form: the first 8 hex characters,
// bracketed, e.g. "[deadbeef]".
func (id ID) Short() string {
	return "[" + hex.EncodeToString(id[:4]) + "]"
}

// Bytes returns the raw 32 hash bytes.
func (id ID) Bytes() []byte {
	return id[:]
}

// IsZero reports whether id is the zero value.
func (id ID) IsZero() bool {
	return id == ID{}
}

// Path returns the canonical chunk-store path for id under root:
// root/<hex[0:4]>/<hex>.cacnk. The path is a pure function of id and
// root: there is no directory traversal and no collision beyond hash
// collision.
func (id ID) Path(root string) string {
	hexStr := id.String()
	return filepath.Join(root, hexStr[:4], hexStr+".cacnk")
}

// DictionaryName returns the chunk-store-relative filename for the
// dictionary with the given id, following the
// "dictionary-<id>.zstdict" convention. Dictionary id 0 means "no
// dictionary" and must never produce a path; callers must check for
// zero before calling DictionaryName.
func DictionaryName(dictionaryID uint32) string {
	if dictionaryID == 0 {
		panic("chunkid: DictionaryName called with dictionary id 0 (means \"no dictionary\")")
	}
	return fmt.Sprintf("dictionary-%d.zstdict", dictionaryID)
}

// DictionaryPath returns the chunk-store path of the dictionary file
// for the given non-zero dictionary id.
func DictionaryPath(root string, dictionaryID uint32) string {
	return filepath.Join(root, DictionaryName(dictionaryID))
}
