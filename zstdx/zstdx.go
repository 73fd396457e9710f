// Package zstdx is a thin adapter around github.com/DataDog/zstd, the
// cgo binding to libzstd. It supplies the handful of primitives the
// rest of archsync needs: frame-scoped compress/decompress with an
// optional dictionary, an embedded-dictionary-id peek, and ZDICT
// dictionary training. No other archsync package imports
// github.com/DataDog/zstd directly: the C-ABI callback boundary stays
// confined to this one adapter, the way a prior compression wrapper
// kept its own libzstd usage confined to a single file.
package zstdx

import (
	"encoding/binary"
	"fmt"

	"github.com/DataDog/zstd"
)

// DefaultLevel is the zstd compression level used when the caller
// does not request a specific one.
const DefaultLevel = 3

// CompressFrame compresses data into a single self-contained zstd
// frame at the given level. If dictionary is non-empty, the frame is
// compressed against it and carries the dictionary's id in its
// header.
func CompressFrame(data []byte, level int, dictionary []byte) ([]byte, error) {
	if level <= 0 {
		level = DefaultLevel
	}
	var compressed []byte
	var err error
	if len(dictionary) > 0 {
		compressed, err = zstd.CompressLevelDict(nil, data, level, dictionary)
	} else {
		compressed, err = zstd.CompressLevel(nil, data, level)
	}
	if err != nil {
		return nil, fmt.Errorf("zstdx: compress: %w", err)
	}
	return compressed, nil
}

// DecompressFrame decompresses a single zstd frame. If dictionary is
// non-empty, decompression uses it; the caller is responsible for
// passing the dictionary that matches the frame's embedded dictionary
// id (frame.Descriptor.DictionaryID / chunkid.DictionaryName).
func DecompressFrame(compressed []byte, dictionary []byte) ([]byte, error) {
	var decompressed []byte
	var err error
	if len(dictionary) > 0 {
		decompressed, err = zstd.DecompressDict(nil, compressed, dictionary)
	} else {
		decompressed, err = zstd.Decompress(nil, compressed)
	}
	if err != nil {
		return nil, fmt.Errorf("zstdx: decompress: %w", err)
	}
	return decompressed, nil
}

// TrainDictionary trains a zstd dictionary from a set of sample
// buffers (typically the decompressed content of every chunk in a
// store), targeting dictBufferCapacity bytes of output. It wraps
// libzstd's ZDICT_trainFromBuffer via DataDog/zstd.
func TrainDictionary(samples [][]byte, dictBufferCapacity int) ([]byte, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("zstdx: cannot train a dictionary from zero samples")
	}
	dictionary, err := zstd.TrainFromBuffer(samples, dictBufferCapacity)
	if err != nil {
		return nil, fmt.Errorf("zstdx: training dictionary from %d samples: %w", len(samples), err)
	}
	return dictionary, nil
}

// DefaultDictionaryCapacity is the target byte size for a trained
// dictionary when the caller does not specify one. 112KiB matches
// zstd's own CLI default.
const DefaultDictionaryCapacity = 112 * 1024

// dictionaryMagic is the 4-byte magic number at the start of a
// dictionary produced by ZDICT_trainFromBuffer, followed immediately
// by its 4-byte little-endian dictionary id.
const dictionaryMagic uint32 = 0xEC30A437

// DictionaryID reads the id embedded in a trained dictionary's
// header. A buffer too short to hold a header, or one that does not
// start with the dictionary magic number (a "raw content" dictionary,
// used as plain prefix bytes rather than a trained one), reports id
// 0: frames compressed against such a dictionary carry no embedded
// dictionary id either, so there is nothing to recover here.
func DictionaryID(dict []byte) uint32 {
	if len(dict) < 8 {
		return 0
	}
	if binary.LittleEndian.Uint32(dict[0:4]) != dictionaryMagic {
		return 0
	}
	return binary.LittleEndian.Uint32(dict[4:8])
}
