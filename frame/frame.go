// Package frame implements the framed-compression stream walker: it
// enumerates the zstd frames (ordinary and skippable) that make up a
// compressed byte stream, extracting offsets, compressed/uncompressed
// sizes, and dictionary identifiers, without ever decompressing a
// frame's payload.
//
// The walker is a pure inspector. When it stops at end of stream, or
// at an unrecognized magic number in an input that implements
// io.Seeker, it leaves its input positioned immediately after the
// last successfully parsed frame. It reports a
// non-frame prefix or a truncated frame as an error rather than
// panicking on it, the same way archive/tar reports a malformed
// header as an error from Next rather than unwinding the stack.
package frame

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/archsync/archsync/archsyncerr"
)

// OrdinaryMagic is the 4-byte little-endian magic number that begins
// every ordinary (non-skippable) zstd frame.
const OrdinaryMagic uint32 = 0xFD2FB528

// Skippable frame magic numbers span a contiguous range; the low
// nibble is caller-defined. archsync uses two of the sixteen for its
// own trailing metadata frames (see the archive package).
const (
	skippableMagicLow  uint32 = 0x184D2A50
	skippableMagicHigh uint32 = 0x184D2A5F
)

// IsSkippableMagic reports whether magic identifies a skippable frame.
func IsSkippableMagic(magic uint32) bool {
	return magic>>4 == skippableMagicLow>>4
}

// Kind distinguishes the two frame descriptor variants.
type Kind int

const (
	// KindOrdinary is a normal compressed-data frame.
	KindOrdinary Kind = iota
	// KindSkippable is a skippable frame carrying opaque metadata.
	KindSkippable
)

func (k Kind) String() string {
	if k == KindSkippable {
		return "skippable"
	}
	return "ordinary"
}

// UnknownContentSize marks an ordinary frame whose uncompressed size
// could not be determined from the frame header (the frame uses
// streaming mode with no Frame_Content_Size field present).
const UnknownContentSize int64 = -1

// Descriptor describes one frame of a compressed stream.
//
// For an ordinary frame, DictionaryID, UncompressedLen are populated
// and Magic, Payload are unused. For a skippable frame, Magic and
// Payload are populated and DictionaryID, UncompressedLen are zero.
type Descriptor struct {
	Kind Kind

	// Offset is the absolute byte position of the frame's magic
	// within the compressed stream.
	Offset int64

	// CompressedLen is the total byte length of the frame as it
	// appears on the wire: magic, header, all blocks and the optional
	// content checksum (or, for a skippable frame, magic + size field +
	// payload).
	CompressedLen int64

	// UncompressedLen is the frame's decompressed content size.
	// Ordinary frames only; UnknownContentSize if the header omits
	// the field.
	UncompressedLen int64

	// DictionaryID is the frame's embedded dictionary id, or 0 if
	// the frame was not compressed against a dictionary. Ordinary
	// frames only.
	DictionaryID uint32

	// Magic is the exact skippable-frame magic number. Skippable
	// frames only.
	Magic uint32

	// Payload is the skippable frame's opaque payload bytes.
	// Skippable frames only.
	Payload []byte
}

// End returns the offset one past the frame's last byte.
func (d Descriptor) End() int64 {
	return d.Offset + d.CompressedLen
}

// Walk enumerates frames from r, which must be positioned at a frame
// boundary. startOffset is the absolute stream position of r's
// current read position, used only to label descriptors; it does not
// affect how bytes are consumed.
//
// Walk returns every frame successfully parsed before enumeration
// stopped. Enumeration stops cleanly (nil error) at end-of-stream
// between frames. It stops with a *archsyncerr.NotAFrameError if a
// magic number matches neither an ordinary nor a skippable frame; the
// returned descriptors are still valid and, if r implements io.Seeker,
// r is left positioned right before the unrecognized magic (otherwise
// its four magic bytes have been read). It stops with a
// *archsyncerr.TruncatedFrameError if end-of-stream arrives inside a
// frame.
func Walk(r io.Reader, startOffset int64) ([]Descriptor, error) {
	var descriptors []Descriptor
	offset := startOffset

	for {
		descriptor, err := readOne(r, offset)
		if err != nil {
			if err == io.EOF {
				return descriptors, nil
			}
			return descriptors, err
		}
		descriptors = append(descriptors, descriptor)
		offset = descriptor.End()
	}
}

// readOne parses exactly one frame descriptor starting at the current
// position of r, labeling it with offset. Returns io.EOF (unwrapped)
// if r is exhausted before any bytes of a new frame are read.
func readOne(r io.Reader, offset int64) (Descriptor, error) {
	var magicBytes [4]byte
	n, err := io.ReadFull(r, magicBytes[:])
	if err != nil {
		if n == 0 && err == io.EOF {
			return Descriptor{}, io.EOF
		}
		return Descriptor{}, &archsyncerr.TruncatedFrameError{Offset: offset, Reason: "reading magic: " + err.Error()}
	}
	magic := binary.LittleEndian.Uint32(magicBytes[:])

	switch {
	case IsSkippableMagic(magic):
		return readSkippable(r, offset, magic)
	case magic == OrdinaryMagic:
		return readOrdinary(r, offset)
	default:
		// Step back over the magic so r stays at the unrecognized bytes.
		if s, ok := r.(io.Seeker); ok {
			s.Seek(-4, io.SeekCurrent)
		}
		return Descriptor{}, &archsyncerr.NotAFrameError{Offset: offset, Magic: magic}
	}
}

func readSkippable(r io.Reader, offset int64, magic uint32) (Descriptor, error) {
	var sizeBytes [4]byte
	if _, err := io.ReadFull(r, sizeBytes[:]); err != nil {
		return Descriptor{}, &archsyncerr.TruncatedFrameError{Offset: offset, Reason: "reading skippable size: " + err.Error()}
	}
	size := binary.LittleEndian.Uint32(sizeBytes[:])

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Descriptor{}, &archsyncerr.TruncatedFrameError{Offset: offset, Reason: "reading skippable payload: " + err.Error()}
	}

	return Descriptor{
		Kind:          KindSkippable,
		Offset:        offset,
		CompressedLen: int64(4 + 4 + size),
		Magic:         magic,
		Payload:       payload,
	}, nil
}

func readOrdinary(r io.Reader, offset int64) (Descriptor, error) {
	var headerByte [1]byte
	if _, err := io.ReadFull(r, headerByte[:]); err != nil {
		return Descriptor{}, &archsyncerr.TruncatedFrameError{Offset: offset, Reason: "reading frame header descriptor: " + err.Error()}
	}
	descriptorByte := headerByte[0]

	fcsFlag := (descriptorByte >> 6) & 3
	singleSegment := (descriptorByte>>5)&1 == 1
	contentChecksum := (descriptorByte>>2)&1 == 1
	didFlag := descriptorByte & 3

	headerLen := int64(1) // the descriptor byte itself

	if !singleSegment {
		var windowDescriptor [1]byte
		if _, err := io.ReadFull(r, windowDescriptor[:]); err != nil {
			return Descriptor{}, &archsyncerr.TruncatedFrameError{Offset: offset, Reason: "reading window descriptor: " + err.Error()}
		}
		headerLen++
	}

	var dictionaryID uint32
	didSize := didSizeFromFlag(didFlag)
	if didSize > 0 {
		var didBytes [4]byte
		if _, err := io.ReadFull(r, didBytes[:didSize]); err != nil {
			return Descriptor{}, &archsyncerr.TruncatedFrameError{Offset: offset, Reason: "reading dictionary id: " + err.Error()}
		}
		dictionaryID = decodeLittleEndian(didBytes[:didSize])
		headerLen += int64(didSize)
	}

	uncompressedLen := UnknownContentSize
	fcsSize := fcsSizeFromFlags(fcsFlag, singleSegment)
	if fcsSize > 0 {
		var fcsBytes [8]byte
		if _, err := io.ReadFull(r, fcsBytes[:fcsSize]); err != nil {
			return Descriptor{}, &archsyncerr.TruncatedFrameError{Offset: offset, Reason: "reading frame content size: " + err.Error()}
		}
		value := decodeLittleEndian64(fcsBytes[:fcsSize])
		if fcsSize == 2 {
			// Biased encoding applies only to the 2-byte case.
			value += 256
		}
		uncompressedLen = int64(value)
		headerLen += int64(fcsSize)
	}

	blocksLen, err := skipBlocks(r)
	if err != nil {
		return Descriptor{}, &archsyncerr.TruncatedFrameError{Offset: offset, Reason: "reading data blocks: " + err.Error()}
	}

	checksumLen := int64(0)
	if contentChecksum {
		var checksum [4]byte
		if _, err := io.ReadFull(r, checksum[:]); err != nil {
			return Descriptor{}, &archsyncerr.TruncatedFrameError{Offset: offset, Reason: "reading content checksum: " + err.Error()}
		}
		checksumLen = 4
	}

	compressedLen := int64(4) + headerLen + blocksLen + checksumLen

	return Descriptor{
		Kind:            KindOrdinary,
		Offset:          offset,
		CompressedLen:   compressedLen,
		UncompressedLen: uncompressedLen,
		DictionaryID:    dictionaryID,
	}, nil
}

// didSizeFromFlag maps the 2-bit Dictionary_ID_Flag to its field
// width in bytes.
func didSizeFromFlag(flag byte) int {
	switch flag {
	case 0:
		return 0
	case 1:
		return 1
	case 2:
		return 2
	case 3:
		return 4
	default:
		return 0
	}
}

// fcsSizeFromFlags maps the 2-bit Frame_Content_Size_Flag (plus the
// Single_Segment_Flag, which changes the meaning of flag 0) to the
// Frame_Content_Size field width in bytes.
func fcsSizeFromFlags(flag byte, singleSegment bool) int {
	switch flag {
	case 0:
		if singleSegment {
			return 1
		}
		return 0
	case 1:
		return 2
	case 2:
		return 4
	case 3:
		return 8
	default:
		return 0
	}
}

func decodeLittleEndian(b []byte) uint32 {
	var v uint32
	for i, c := range b {
		v |= uint32(c) << (8 * i)
	}
	return v
}

func decodeLittleEndian64(b []byte) uint64 {
	var v uint64
	for i, c := range b {
		v |= uint64(c) << (8 * i)
	}
	return v
}

// skipBlocks consumes data blocks until one with last == 1 has been
// read, returning the total number of bytes consumed (block headers
// plus payloads).
func skipBlocks(r io.Reader) (int64, error) {
	var total int64
	for {
		var headerBytes [3]byte
		if _, err := io.ReadFull(r, headerBytes[:]); err != nil {
			return total, err
		}
		header := uint32(headerBytes[0]) | uint32(headerBytes[1])<<8 | uint32(headerBytes[2])<<16
		last := header&1 == 1
		blockType := (header >> 1) & 3
		blockSize := header >> 3

		payloadLen := int64(blockSize)
		if blockType == 1 { // RLE: on-disk payload is always exactly 1 byte.
			payloadLen = 1
		}

		if payloadLen > 0 {
			if _, err := io.CopyN(io.Discard, r, payloadLen); err != nil {
				return total, err
			}
		}

		total += 3 + payloadLen

		if last {
			return total, nil
		}
	}
}

// PeekOne parses exactly one frame descriptor from r without making
// any assumption about what follows. It is used by the synthesizer to
// learn a chunk file's (compressed_len, uncompressed_len) before
// streaming its bytes verbatim.
func PeekOne(r io.Reader, offset int64) (Descriptor, error) {
	d, err := readOne(r, offset)
	if err == io.EOF {
		return Descriptor{}, fmt.Errorf("frame: empty stream at offset %d", offset)
	}
	return d, err
}
