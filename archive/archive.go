// Package archive implements the chunked-archive codec: the seed
// extractor (pairing an archive's ordinary frames with its trailing
// chunk-ID table), the synthesizer (assembling a new chunked archive
// from a chunk store and seed archives), and the seekable reader
// (random-access reads over a chunked archive's uncompressed
// content).
//
// A chunked archive is an ordered sequence of ordinary zstd frames
// (the content frames, one per chunk) followed by two trailing
// skippable frames: a chunk-ID table and a seek table.
package archive

import (
	"github.com/archsync/archsync/chunkid"
)

// Magic numbers for the two trailing skippable frames a chunked
// archive carries.
const (
	ChunkTableMagic uint32 = 0x184D2A5D
	SeekTableMagic  uint32 = 0x184D2A5E
)

// Cookies terminate each trailing frame's payload, guarding against
// mistaking an unrelated skippable frame for archsync's own metadata.
const (
	ChunkTableCookie uint32 = 0xD12FA2A3
	SeekTableCookie  uint32 = 0x8F92EAB1
)

// CompressedChunk binds a chunk ID to the byte range within a
// specific archive's compressed stream that decompresses to its
// content. Offset and CompressedLen are positions within the
// compressed stream, not the uncompressed content.
type CompressedChunk struct {
	ID            chunkid.ID
	DictionaryID  uint32
	Offset        uint64
	CompressedLen uint32
}

// seekTableEntry is one record of the trailing seek table: the sizes
// of the content frame at the corresponding index.
type seekTableEntry struct {
	CompressedLen   uint32
	UncompressedLen uint32
}
