package archive

import (
	"fmt"
	"io"

	"github.com/archsync/archsync/archsyncerr"
	"github.com/archsync/archsync/frame"
	"github.com/archsync/archsync/zstdx"
)

// DictionaryResolver returns the dictionary bytes for a non-zero
// dictionary id, as embedded in a chunked archive's content frames.
// It is supplied by the caller rather than hardcoded to a directory
// convention, since the store location is a deployment detail the
// reader itself should not assume.
type DictionaryResolver func(dictionaryID uint32) ([]byte, error)

// frameSpan is one content frame's position in both the compressed
// and uncompressed coordinate spaces.
type frameSpan struct {
	compressedOffset   int64
	compressedLen      int64
	uncompressedOffset int64
	uncompressedLen    int64
	dictionaryID       uint32
}

// Reader provides random-access reads over a chunked archive's
// uncompressed content, without requiring the ZSTD_seekable contrib
// format: every content frame in a chunked archive is already an
// independently decompressible unit (one frame per chunk), so a plain
// frame-offset index is sufficient.
type Reader struct {
	r           io.ReaderAt
	spans       []frameSpan
	totalLen    int64
	resolveDict DictionaryResolver

	// dictCache memoizes resolveDict by dictionary id, so a resolver
	// backed by a slow lookup (disk, network) is called at most once
	// per distinct id across the Reader's lifetime, regardless of how
	// reads bounce between spans.
	dictCache map[uint32][]byte

	pos int64

	// cachedSpanIndex and cachedContent hold the most recently decompressed
	// frame, so small forward reads within one chunk don't redecompress
	// on every call.
	cachedSpanIndex int
	cachedContent   []byte
}

// NewReader builds a Reader over a chunked archive. r must support
// random access from offset 0 through size. resolveDict may be nil if
// the archive is known to use no dictionaries; it is called lazily,
// at most once per distinct dictionary id actually encountered during
// reads.
func NewReader(r io.ReaderAt, size int64, resolveDict DictionaryResolver) (*Reader, error) {
	descriptors, err := frame.Walk(io.NewSectionReader(r, 0, size), 0)
	if err != nil {
		return nil, fmt.Errorf("archive: indexing frames: %w", err)
	}

	var spans []frameSpan
	var uncompressedOffset int64
	for _, d := range descriptors {
		if d.Kind != frame.KindOrdinary {
			continue
		}
		if d.UncompressedLen == frame.UnknownContentSize {
			return nil, fmt.Errorf("archive: frame at offset %d has no declared content size; streaming-mode frames are not seekable", d.Offset)
		}
		spans = append(spans, frameSpan{
			compressedOffset:   d.Offset,
			compressedLen:      d.CompressedLen,
			uncompressedOffset: uncompressedOffset,
			uncompressedLen:    d.UncompressedLen,
			dictionaryID:       d.DictionaryID,
		})
		uncompressedOffset += d.UncompressedLen
	}

	return &Reader{
		r:               r,
		spans:           spans,
		totalLen:        uncompressedOffset,
		resolveDict:     resolveDict,
		dictCache:       make(map[uint32][]byte),
		cachedSpanIndex: -1,
	}, nil
}

// Size returns the archive's total uncompressed content length.
func (rd *Reader) Size() int64 {
	return rd.totalLen
}

// Position returns the reader's current offset in the uncompressed
// coordinate space.
func (rd *Reader) Position() int64 {
	return rd.pos
}

// Seek repositions the reader to an absolute uncompressed offset,
// clamped to [0, Size()].
func (rd *Reader) Seek(offset int64) {
	if offset < 0 {
		offset = 0
	}
	if offset > rd.totalLen {
		offset = rd.totalLen
	}
	rd.pos = offset
}

// Skip advances the reader by n bytes (n may be negative), clamped the
// same way Seek clamps an absolute offset.
func (rd *Reader) Skip(n int64) {
	rd.Seek(rd.pos + n)
}

// Read reads up to len(buf) bytes starting at the reader's current
// position into buf, advancing the position by the count read. If
// fewer bytes remain before Size(), it reads what remains and returns
// io.EOF alongside the partial count, matching io.Reader's contract
// for a read that runs off the end.
func (rd *Reader) Read(buf []byte) (int, error) {
	if rd.pos >= rd.totalLen {
		return 0, io.EOF
	}

	want := int64(len(buf))
	avail := rd.totalLen - rd.pos
	if want > avail {
		want = avail
	}

	var n int64
	for n < want {
		spanIndex, spanRelOffset := rd.locate(rd.pos + n)
		if spanIndex < 0 {
			return int(n), &archsyncerr.TruncatedReadError{Position: rd.pos, Wanted: len(buf), Got: int(n)}
		}

		content, err := rd.decompressSpan(spanIndex)
		if err != nil {
			return int(n), err
		}

		avail := int64(len(content)) - spanRelOffset
		chunk := want - n
		if chunk > avail {
			chunk = avail
		}
		copy(buf[n:n+chunk], content[spanRelOffset:spanRelOffset+chunk])
		n += chunk
	}

	rd.pos += n
	if n < int64(len(buf)) {
		return int(n), io.EOF
	}
	return int(n), nil
}

// locate finds the span covering uncompressed offset pos, returning
// its index and the offset relative to that span's start. Returns
// (-1, 0) if pos is out of range.
func (rd *Reader) locate(pos int64) (int, int64) {
	// Archives are typically tens to low hundreds of chunks; a linear
	// scan avoids maintaining a second sorted index for binary search.
	for i, s := range rd.spans {
		if pos >= s.uncompressedOffset && pos < s.uncompressedOffset+s.uncompressedLen {
			return i, pos - s.uncompressedOffset
		}
	}
	return -1, 0
}

// decompressSpan returns span i's decompressed content, reusing the
// single-frame cache when possible.
func (rd *Reader) decompressSpan(i int) ([]byte, error) {
	if i == rd.cachedSpanIndex {
		return rd.cachedContent, nil
	}

	s := rd.spans[i]
	compressed := make([]byte, s.compressedLen)
	if _, err := rd.r.ReadAt(compressed, s.compressedOffset); err != nil {
		return nil, fmt.Errorf("archive: reading frame at offset %d: %w", s.compressedOffset, err)
	}

	var dictionary []byte
	if s.dictionaryID != 0 {
		dict, err := rd.loadDictionary(s.dictionaryID)
		if err != nil {
			return nil, err
		}
		dictionary = dict
	}

	content, err := zstdx.DecompressFrame(compressed, dictionary)
	if err != nil {
		return nil, fmt.Errorf("archive: decompressing frame at offset %d: %w", s.compressedOffset, err)
	}

	rd.cachedSpanIndex = i
	rd.cachedContent = content
	return content, nil
}

// loadDictionary returns dictionary id's bytes, calling resolveDict at
// most once per id and caching the result for the Reader's lifetime.
func (rd *Reader) loadDictionary(id uint32) ([]byte, error) {
	if dict, ok := rd.dictCache[id]; ok {
		return dict, nil
	}
	if rd.resolveDict == nil {
		return nil, fmt.Errorf("archive: frame needs dictionary %d but no resolver was supplied", id)
	}
	dict, err := rd.resolveDict(id)
	if err != nil {
		return nil, fmt.Errorf("archive: resolving dictionary %d: %w", id, err)
	}
	rd.dictCache[id] = dict
	return dict, nil
}
