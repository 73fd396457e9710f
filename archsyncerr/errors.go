// Package archsyncerr defines the typed error taxonomy shared by every
// archsync package: frame parsing, index decoding, chunk synthesis,
// random-access reads, and the tar view. Callers that need to branch
// on failure kind use errors.As against these types, the same way the
// standard library's fs.PathError works.
package archsyncerr

import "fmt"

// NotAFrameError is returned by the frame walker when it encounters a
// magic number that is neither an ordinary zstd frame nor a skippable
// frame. Enumeration stops at Offset without consuming further bytes.
type NotAFrameError struct {
	Offset int64
	Magic  uint32
}

func (e *NotAFrameError) Error() string {
	return fmt.Sprintf("not a zstd frame at offset %d (magic 0x%08x)", e.Offset, e.Magic)
}

// TruncatedFrameError is returned when a stream ends before a frame's
// final block (last == 1) has been seen.
type TruncatedFrameError struct {
	Offset int64
	Reason string
}

func (e *TruncatedFrameError) Error() string {
	return fmt.Sprintf("truncated frame at offset %d: %s", e.Offset, e.Reason)
}

// MalformedIndexError is returned by the index codec when a .caibx
// file's headers do not match the expected magic/type values.
type MalformedIndexError struct {
	Reason string
}

func (e *MalformedIndexError) Error() string {
	return fmt.Sprintf("malformed index: %s", e.Reason)
}

// InvalidHashLengthError is returned when a chunk ID is constructed
// from a hex string or byte slice that is not exactly 32 bytes (64
// hex characters).
type InvalidHashLengthError struct {
	Got int
}

func (e *InvalidHashLengthError) Error() string {
	return fmt.Sprintf("invalid chunk hash length: got %d bytes, want 32", e.Got)
}

// MissingChunkError is returned by the synthesizer when a target
// chunk is not present in the chunk store or in any supplied seed.
type MissingChunkError struct {
	ID fmt.Stringer
}

func (e *MissingChunkError) Error() string {
	return fmt.Sprintf("missing chunk %s", e.ID)
}

// TruncatedSeedChunkError is returned when a seed archive runs out of
// bytes before the expected chunk length has been copied.
type TruncatedSeedChunkError struct {
	ID       fmt.Stringer
	Wanted   int64
	Got      int64
	SeedFile string
}

func (e *TruncatedSeedChunkError) Error() string {
	return fmt.Sprintf("truncated seed chunk %s in %s: wanted %d bytes, got %d",
		e.ID, e.SeedFile, e.Wanted, e.Got)
}

// TruncatedReadError is returned by the seekable reader when fewer
// bytes than requested were produced, and the requested range was not
// past end-of-stream.
type TruncatedReadError struct {
	Position int64
	Wanted   int
	Got      int
}

func (e *TruncatedReadError) Error() string {
	return fmt.Sprintf("truncated read at position %d: wanted %d bytes, got %d",
		e.Position, e.Wanted, e.Got)
}

// DecompressorError wraps a failure surfaced by the underlying zstd
// library, preserving its numeric code and human-readable message.
type DecompressorError struct {
	Code    int
	Message string
}

func (e *DecompressorError) Error() string {
	return fmt.Sprintf("decompressor error %d: %s", e.Code, e.Message)
}

// NotFoundError is returned by the tar view when a path does not
// exist (for Open/ReadDir; Stat/Lstat report missing paths via a
// zero-value result instead).
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s", e.Path)
}

// NotADirectoryError is returned by the tar view's ReadDir when the
// named entry exists but is not a directory.
type NotADirectoryError struct {
	Path string
}

func (e *NotADirectoryError) Error() string {
	return fmt.Sprintf("not a directory: %s", e.Path)
}

// InvalidOpenModeError is returned by the tar view's Open when the
// caller requests anything other than read-only access.
type InvalidOpenModeError struct {
	Path string
	Mode string
}

func (e *InvalidOpenModeError) Error() string {
	return fmt.Sprintf("invalid open mode %q for %s: tar view is read-only", e.Mode, e.Path)
}
