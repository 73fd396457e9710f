package archive

import (
	"encoding/binary"
	"io"

	"github.com/archsync/archsync/chunkid"
	"github.com/archsync/archsync/frame"
)

// ExtractSeed walks a chunked archive and recovers its embedded
// chunk-ID table, pairing each content (ordinary) frame with its
// chunk ID in order. r must support random access from offset 0
// through size; size is the total byte length of the archive.
//
// If the archive carries no recognizable chunk-ID table, whether
// because it predates this format or because the zstd stream is simply
// not a chunked archive, ExtractSeed returns a nil slice and a nil
// error: the archive is treated as lacking seed metadata, not as an
// error condition. A stream the frame walker cannot parse (an
// unrecognized magic or a truncated frame) returns the walker's error.
func ExtractSeed(r io.ReaderAt, size int64) ([]CompressedChunk, error) {
	descriptors, err := frame.Walk(io.NewSectionReader(r, 0, size), 0)
	if err != nil {
		return nil, err
	}

	var contentFrames []frame.Descriptor
	var skippableFrames []frame.Descriptor
	for _, d := range descriptors {
		if d.Kind == frame.KindOrdinary {
			contentFrames = append(contentFrames, d)
		} else {
			skippableFrames = append(skippableFrames, d)
		}
	}

	ids := findChunkIDTable(skippableFrames, len(contentFrames))
	if ids == nil {
		return nil, nil
	}

	records := make([]CompressedChunk, len(contentFrames))
	for i, f := range contentFrames {
		records[i] = CompressedChunk{
			ID:            ids[i],
			DictionaryID:  f.DictionaryID,
			Offset:        uint64(f.Offset),
			CompressedLen: uint32(f.CompressedLen),
		}
	}
	return records, nil
}

// findChunkIDTable scans skippable frames from last to first for one
// matching the chunk-ID table's magic, expected payload length, and
// trailing cookie. Returns the decoded chunk IDs in order, or nil if
// no frame matches.
func findChunkIDTable(skippableFrames []frame.Descriptor, contentFrameCount int) []chunkid.ID {
	wantPayloadLen := contentFrameCount*chunkid.Size + 4

	for i := len(skippableFrames) - 1; i >= 0; i-- {
		f := skippableFrames[i]
		if f.Magic != ChunkTableMagic {
			continue
		}
		if len(f.Payload) != wantPayloadLen {
			continue
		}
		cookie := binary.LittleEndian.Uint32(f.Payload[len(f.Payload)-4:])
		if cookie != ChunkTableCookie {
			continue
		}

		ids := make([]chunkid.ID, contentFrameCount)
		for j := 0; j < contentFrameCount; j++ {
			row := f.Payload[j*chunkid.Size : (j+1)*chunkid.Size]
			// row is always exactly chunkid.Size bytes, so this
			// cannot fail.
			ids[j], _ = chunkid.FromBytes(row)
		}
		return ids
	}
	return nil
}
