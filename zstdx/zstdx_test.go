package zstdx

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"testing"
)

func TestTrainDictionaryRejectsZeroSamples(t *testing.T) {
	_, err := TrainDictionary(nil, DefaultDictionaryCapacity)
	if err == nil {
		t.Fatal("expected an error training from zero samples")
	}
}

func TestDefaultDictionaryCapacityMatchesZstdCLIDefault(t *testing.T) {
	if DefaultDictionaryCapacity != 112*1024 {
		t.Errorf("DefaultDictionaryCapacity = %d, want 112KiB", DefaultDictionaryCapacity)
	}
}

// trainingCorpus builds a set of samples with enough shared substrings
// and total size for ZDICT_trainFromBuffer to produce a usable
// dictionary: a handful of registry-manifest-shaped phrases, repeated
// and lightly varied across many samples.
func trainingCorpus(count int) [][]byte {
	phrases := []string{
		`{"name":"left-pad","version":"1.3.0","main":"index.js","license":"WTFPL"}`,
		`{"name":"left-pad","version":"1.3.1","main":"index.js","license":"WTFPL"}`,
		`{"name":"is-odd","version":"3.0.1","main":"index.js","license":"MIT"}`,
		`{"name":"is-even","version":"1.0.0","main":"index.js","license":"MIT"}`,
		`{"name":"debug","version":"4.3.4","main":"src/index.js","license":"MIT"}`,
	}
	samples := make([][]byte, count)
	for i := range samples {
		samples[i] = []byte(fmt.Sprintf("%s %d %s", phrases[i%len(phrases)], i, phrases[(i+1)%len(phrases)]))
	}
	return samples
}

// TestTrainDictionaryRoundTrip exercises the real
// CompressLevelDict/DecompressDict/TrainFromBuffer entry points
// together: a dictionary trained from a realistic corpus compresses
// and decompresses a held-out sample to exactly its original bytes.
func TestTrainDictionaryRoundTrip(t *testing.T) {
	dictionary, err := TrainDictionary(trainingCorpus(200), 4*1024)
	if err != nil {
		t.Fatalf("TrainDictionary: %v", err)
	}
	if DictionaryID(dictionary) == 0 {
		t.Fatalf("trained dictionary has no embedded id")
	}

	sample := []byte(`{"name":"left-pad","version":"1.3.2","main":"index.js","license":"WTFPL"}`)
	compressed, err := CompressFrame(sample, DefaultLevel, dictionary)
	if err != nil {
		t.Fatalf("CompressFrame with dictionary: %v", err)
	}

	decompressed, err := DecompressFrame(compressed, dictionary)
	if err != nil {
		t.Fatalf("DecompressFrame with dictionary: %v", err)
	}
	if !bytes.Equal(decompressed, sample) {
		t.Fatalf("round trip = %q, want %q", decompressed, sample)
	}
}

// TestDecompressDictWrongDictionaryFails covers the failure side of
// the dictionary-keyed API: decompressing against a dictionary other
// than the one a frame was compressed with must not silently succeed
// with garbage content.
func TestDecompressDictWrongDictionaryFails(t *testing.T) {
	dictionaryA, err := TrainDictionary(trainingCorpus(200), 4*1024)
	if err != nil {
		t.Fatalf("TrainDictionary A: %v", err)
	}
	dictionaryB, err := TrainDictionary(trainingCorpus(250), 4*1024)
	if err != nil {
		t.Fatalf("TrainDictionary B: %v", err)
	}

	sample := []byte(`{"name":"is-odd","version":"3.0.2","main":"index.js","license":"MIT"}`)
	compressed, err := CompressFrame(sample, DefaultLevel, dictionaryA)
	if err != nil {
		t.Fatalf("CompressFrame: %v", err)
	}

	decompressed, err := DecompressFrame(compressed, dictionaryB)
	if err == nil && bytes.Equal(decompressed, sample) {
		t.Fatalf("decompressing with the wrong dictionary unexpectedly reproduced the original content")
	}
}

func TestDictionaryIDReadsTrainedHeader(t *testing.T) {
	dictionary, err := TrainDictionary(trainingCorpus(200), 4*1024)
	if err != nil {
		t.Fatalf("TrainDictionary: %v", err)
	}

	id := DictionaryID(dictionary)
	if id == 0 {
		t.Fatalf("DictionaryID = 0, want the id assigned by training")
	}

	// A hand-built header with the same magic and a known id must read
	// back exactly that id, independent of any real training.
	var buf [12]byte
	binary.LittleEndian.PutUint32(buf[0:4], dictionaryMagic)
	binary.LittleEndian.PutUint32(buf[4:8], 0xCAFEF00D)
	if got := DictionaryID(buf[:]); got != 0xCAFEF00D {
		t.Errorf("DictionaryID(hand-built header) = %d, want 0xCAFEF00D", got)
	}
}

func TestDictionaryIDOnRawContentDictionaryIsZero(t *testing.T) {
	raw := bytes.Repeat([]byte{0x42}, 256)
	if id := DictionaryID(raw); id != 0 {
		t.Errorf("DictionaryID(raw content) = %d, want 0", id)
	}
}

func TestDictionaryIDOnShortBufferIsZero(t *testing.T) {
	if id := DictionaryID([]byte{0x01, 0x02}); id != 0 {
		t.Errorf("DictionaryID(short buffer) = %d, want 0", id)
	}
}
