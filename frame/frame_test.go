package frame

import (
	"bytes"
	"errors"
	"testing"

	"github.com/archsync/archsync/archsyncerr"
	"github.com/archsync/archsync/internal/zstdtest"
)

func TestWalkOrdinaryFrames(t *testing.T) {
	f1 := zstdtest.BuildOrdinaryFrame(bytes.Repeat([]byte("a"), 10), 0)
	f2 := zstdtest.BuildOrdinaryFrame(bytes.Repeat([]byte("b"), 20), 0)
	f3 := zstdtest.BuildOrdinaryFrame(bytes.Repeat([]byte("c"), 30), 0)
	stream := append(append(append([]byte{}, f1...), f2...), f3...)

	descriptors, err := Walk(bytes.NewReader(stream), 0)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if len(descriptors) != 3 {
		t.Fatalf("got %d descriptors, want 3", len(descriptors))
	}

	wantUncompressed := []int64{10, 20, 30}
	var total int64
	for i, d := range descriptors {
		if d.Kind != KindOrdinary {
			t.Errorf("descriptor %d: kind = %v, want ordinary", i, d.Kind)
		}
		if d.UncompressedLen != wantUncompressed[i] {
			t.Errorf("descriptor %d: uncompressed len = %d, want %d", i, d.UncompressedLen, wantUncompressed[i])
		}
		if d.Offset != total {
			t.Errorf("descriptor %d: offset = %d, want %d", i, d.Offset, total)
		}
		total += d.CompressedLen
	}

	if total != int64(len(stream)) {
		t.Errorf("sum of compressed lens = %d, want %d (stream length)", total, len(stream))
	}
}

func TestWalkFrameAndSkippable(t *testing.T) {
	content := zstdtest.BuildOrdinaryFrame([]byte("hello world"), 0)
	skip := zstdtest.BuildSkippableFrame(0x184D2A5D, []byte{1, 2, 3, 4})
	stream := append(append([]byte{}, content...), skip...)

	descriptors, err := Walk(bytes.NewReader(stream), 0)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if len(descriptors) != 2 {
		t.Fatalf("got %d descriptors, want 2", len(descriptors))
	}
	if descriptors[1].Kind != KindSkippable {
		t.Errorf("second descriptor kind = %v, want skippable", descriptors[1].Kind)
	}
	if descriptors[1].Magic != 0x184D2A5D {
		t.Errorf("second descriptor magic = 0x%x, want 0x184d2a5d", descriptors[1].Magic)
	}
	if !bytes.Equal(descriptors[1].Payload, []byte{1, 2, 3, 4}) {
		t.Errorf("second descriptor payload = %v, want [1 2 3 4]", descriptors[1].Payload)
	}
}

func TestWalkDictionaryID(t *testing.T) {
	content := zstdtest.BuildOrdinaryFrame([]byte("with a dictionary"), 42)
	descriptors, err := Walk(bytes.NewReader(content), 0)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if descriptors[0].DictionaryID != 42 {
		t.Errorf("dictionary id = %d, want 42", descriptors[0].DictionaryID)
	}
}

func TestWalkRLEBlock(t *testing.T) {
	content := zstdtest.BuildRLEFrame(1000, 'z', 0)
	descriptors, err := Walk(bytes.NewReader(content), 0)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if len(descriptors) != 1 {
		t.Fatalf("got %d descriptors, want 1", len(descriptors))
	}
	if descriptors[0].UncompressedLen != 1000 {
		t.Errorf("uncompressed len = %d, want 1000", descriptors[0].UncompressedLen)
	}
	if descriptors[0].CompressedLen != int64(len(content)) {
		t.Errorf("compressed len = %d, want %d", descriptors[0].CompressedLen, len(content))
	}
}

func TestWalkNarrowFrameContentSize(t *testing.T) {
	content := zstdtest.BuildOrdinaryFrameNarrowFCS([]byte("short"), 0)
	descriptors, err := Walk(bytes.NewReader(content), 0)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if descriptors[0].UncompressedLen != 5 {
		t.Errorf("uncompressed len = %d, want 5 (no +256 bias for the 1-byte case)", descriptors[0].UncompressedLen)
	}
}

func TestWalkNotAFrame(t *testing.T) {
	stream := []byte{0xde, 0xad, 0xbe, 0xef, 0, 0, 0, 0}
	descriptors, err := Walk(bytes.NewReader(stream), 0)
	if err == nil {
		t.Fatal("expected NotAFrameError")
	}
	var notAFrame *archsyncerr.NotAFrameError
	if !errors.As(err, &notAFrame) {
		t.Fatalf("expected *archsyncerr.NotAFrameError, got %T: %v", err, err)
	}
	if len(descriptors) != 0 {
		t.Errorf("expected no descriptors before the bad magic, got %d", len(descriptors))
	}
}

func TestWalkTruncatedFrame(t *testing.T) {
	content := zstdtest.BuildOrdinaryFrame([]byte("this will be cut short"), 0)
	truncated := content[:len(content)-3]

	_, err := Walk(bytes.NewReader(truncated), 0)
	if err == nil {
		t.Fatal("expected TruncatedFrameError")
	}
	var truncErr *archsyncerr.TruncatedFrameError
	if !errors.As(err, &truncErr) {
		t.Fatalf("expected *archsyncerr.TruncatedFrameError, got %T: %v", err, err)
	}
}

func TestWalkEmptyStreamIsClean(t *testing.T) {
	descriptors, err := Walk(bytes.NewReader(nil), 0)
	if err != nil {
		t.Fatalf("Walk on empty stream: %v", err)
	}
	if len(descriptors) != 0 {
		t.Errorf("expected no descriptors, got %d", len(descriptors))
	}
}

func TestPeekOneDoesNotConsumeBeyondOneFrame(t *testing.T) {
	f1 := zstdtest.BuildOrdinaryFrame([]byte("first"), 0)
	f2 := zstdtest.BuildOrdinaryFrame([]byte("second"), 0)
	stream := append(append([]byte{}, f1...), f2...)

	r := bytes.NewReader(stream)
	d, err := PeekOne(r, 0)
	if err != nil {
		t.Fatalf("PeekOne: %v", err)
	}
	if d.CompressedLen != int64(len(f1)) {
		t.Errorf("compressed len = %d, want %d", d.CompressedLen, len(f1))
	}
	if r.Len() != len(f2) {
		t.Errorf("remaining bytes = %d, want %d (exactly the second frame)", r.Len(), len(f2))
	}
}
