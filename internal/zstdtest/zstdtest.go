// Package zstdtest builds minimal, spec-valid zstd frames by hand for
// use in package tests across archsync. It exists purely as test
// tooling: production code never constructs frames this way (it goes
// through the zstdx adapter, which calls into the real zstd library).
package zstdtest

import "encoding/binary"

// OrdinaryMagic matches frame.OrdinaryMagic; duplicated here to avoid
// a test-only import cycle back into the frame package.
const OrdinaryMagic uint32 = 0xFD2FB528

// BuildOrdinaryFrame encodes content as a single ordinary zstd frame
// containing one Raw (uncompressed) block, optionally tagged with a
// dictionary id. The result decompresses (with a real zstd decoder)
// to exactly content.
func BuildOrdinaryFrame(content []byte, dictionaryID uint32) []byte {
	return buildOrdinaryFrame(content, dictionaryID, false)
}

// BuildOrdinaryFrameNarrowFCS is identical to BuildOrdinaryFrame but
// forces the single-byte Frame_Content_Size encoding (single-segment
// mode, FCS_flag 0), exercising the one-byte-width edge case of the
// frame format. content must be shorter than 256 bytes.
func BuildOrdinaryFrameNarrowFCS(content []byte, dictionaryID uint32) []byte {
	if len(content) >= 256 {
		panic("zstdtest: BuildOrdinaryFrameNarrowFCS requires content shorter than 256 bytes")
	}
	return buildOrdinaryFrame(content, dictionaryID, true)
}

func buildOrdinaryFrame(content []byte, dictionaryID uint32, narrowFCS bool) []byte {
	var out []byte

	var magicBytes [4]byte
	binary.LittleEndian.PutUint32(magicBytes[:], OrdinaryMagic)
	out = append(out, magicBytes[:]...)

	var didFlag, fcsFlag byte
	var didBytes []byte
	switch {
	case dictionaryID == 0:
		didFlag = 0
	case dictionaryID <= 0xFF:
		didFlag = 1
		didBytes = []byte{byte(dictionaryID)}
	case dictionaryID <= 0xFFFF:
		didFlag = 2
		didBytes = encodeLE(uint64(dictionaryID), 2)
	default:
		didFlag = 3
		didBytes = encodeLE(uint64(dictionaryID), 4)
	}

	var fcsBytes []byte
	if narrowFCS {
		fcsFlag = 0
		fcsBytes = encodeLE(uint64(len(content)), 1)
	} else {
		fcsFlag = 3
		fcsBytes = encodeLE(uint64(len(content)), 8)
	}

	// Single_Segment_Flag = 1 (bit 5), Content_Checksum_Flag = 0.
	descriptor := (fcsFlag << 6) | (1 << 5) | didFlag
	out = append(out, descriptor)
	// No window descriptor: single segment.
	out = append(out, didBytes...)
	out = append(out, fcsBytes...)

	out = append(out, encodeBlocks(content)...)

	return out
}

// encodeBlocks splits content into one or more Raw blocks (each at
// most 128KiB, the zstd block size limit) and encodes their 3-byte
// headers, marking the final block's last-block bit.
func encodeBlocks(content []byte) []byte {
	const maxBlockSize = 128 * 1024
	var out []byte
	if len(content) == 0 {
		out = append(out, blockHeader(0, 0, true)...)
		return out
	}
	for offset := 0; offset < len(content); offset += maxBlockSize {
		end := offset + maxBlockSize
		if end > len(content) {
			end = len(content)
		}
		last := end == len(content)
		out = append(out, blockHeader(uint32(end-offset), 0, last)...)
		out = append(out, content[offset:end]...)
	}
	return out
}

// blockHeader encodes a 3-byte zstd block header: last-block bit,
// 2-bit block type, and block size (21 bits), little-endian, low u16
// then high u8.
func blockHeader(blockSize uint32, blockType byte, last bool) []byte {
	var header uint32
	if last {
		header |= 1
	}
	header |= uint32(blockType) << 1
	header |= blockSize << 3

	return []byte{
		byte(header),
		byte(header >> 8),
		byte(header >> 16),
	}
}

// BuildRLEFrame encodes an ordinary frame whose single block is an
// RLE (repeat) block: uncompressedLen copies of repeatedByte, stored
// on the wire as a single byte.
func BuildRLEFrame(uncompressedLen int, repeatedByte byte, dictionaryID uint32) []byte {
	var out []byte
	var magicBytes [4]byte
	binary.LittleEndian.PutUint32(magicBytes[:], OrdinaryMagic)
	out = append(out, magicBytes[:]...)

	var didFlag byte
	var didBytes []byte
	if dictionaryID != 0 {
		didFlag = 3
		didBytes = encodeLE(uint64(dictionaryID), 4)
	}

	fcsBytes := encodeLE(uint64(uncompressedLen), 8)
	descriptor := (byte(3) << 6) | (1 << 5) | didFlag
	out = append(out, descriptor)
	out = append(out, didBytes...)
	out = append(out, fcsBytes...)

	out = append(out, blockHeader(uint32(uncompressedLen), 1, true)...)
	out = append(out, repeatedByte)

	return out
}

// BuildSkippableFrame encodes a skippable frame with the given magic
// (must be in [0x184D2A50, 0x184D2A5F]) and payload.
func BuildSkippableFrame(magic uint32, payload []byte) []byte {
	var out []byte
	var magicBytes, sizeBytes [4]byte
	binary.LittleEndian.PutUint32(magicBytes[:], magic)
	binary.LittleEndian.PutUint32(sizeBytes[:], uint32(len(payload)))
	out = append(out, magicBytes[:]...)
	out = append(out, sizeBytes[:]...)
	out = append(out, payload...)
	return out
}

func encodeLE(v uint64, width int) []byte {
	b := make([]byte, width)
	for i := 0; i < width; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}
