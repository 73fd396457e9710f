package archive

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/archsync/archsync/archsyncerr"
	"github.com/archsync/archsync/chunkid"
	"github.com/archsync/archsync/frame"
)

// seedEntry is a CompressedChunk paired with the seed file it came
// from, so Synthesize can seek back into the right file when it
// decides to reuse it.
type seedEntry struct {
	record   CompressedChunk
	seedPath string
}

// Result summarizes where Synthesize drew each target chunk from.
type Result struct {
	// TotalChunks is len(target).
	TotalChunks int
	// FromStore counts chunks read from storeRoot.
	FromStore int
	// FromSeed counts chunks read from a seed archive, keyed by the
	// seed path that supplied them.
	FromSeed map[string]int
}

// Synthesize assembles a new chunked archive at outputPath containing
// exactly the chunks named by target, in order. Each chunk is sourced
// either from the chunk store rooted at storeRoot or, failing that,
// from one of seedPaths: archives that may already contain some of
// the same chunks, scanned in the order given with later seeds
// overriding earlier ones for the same chunk ID.
//
// If any target chunk cannot be found anywhere, Synthesize removes
// outputPath (if created) and returns a *archsyncerr.MissingChunkError
// without writing a partial result.
func Synthesize(target []chunkid.ID, storeRoot string, seedPaths []string, outputPath string, logger *slog.Logger) (*Result, error) {
	if logger == nil {
		logger = slog.Default()
	}

	seedFiles := make([]*os.File, 0, len(seedPaths))
	defer func() {
		for _, f := range seedFiles {
			f.Close()
		}
	}()

	available := make(map[chunkid.ID]seedEntry)
	for _, path := range seedPaths {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("archive: opening seed %s: %w", path, err)
		}
		seedFiles = append(seedFiles, f)

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("archive: statting seed %s: %w", path, err)
		}
		records, err := ExtractSeed(f, info.Size())
		if err != nil {
			return nil, fmt.Errorf("archive: extracting seed %s: %w", path, err)
		}
		for _, rec := range records {
			// Last seed to provide a chunk wins.
			available[rec.ID] = seedEntry{record: rec, seedPath: path}
		}
		logger.Debug("archive: indexed seed", "path", path, "chunks", len(records))
	}

	seedHandleByPath := make(map[string]*os.File, len(seedFiles))
	for i, path := range seedPaths {
		seedHandleByPath[path] = seedFiles[i]
	}

	out, err := os.Create(outputPath)
	if err != nil {
		return nil, fmt.Errorf("archive: creating output %s: %w", outputPath, err)
	}
	succeeded := false
	defer func() {
		out.Close()
		if !succeeded {
			os.Remove(outputPath)
		}
	}()

	result := &Result{TotalChunks: len(target), FromSeed: make(map[string]int)}
	var seekEntries []seekTableEntry

	for _, id := range target {
		storePath := id.Path(storeRoot)
		if info, statErr := os.Stat(storePath); statErr == nil {
			entry, err := copyChunkFromStore(out, storePath, info.Size())
			if err != nil {
				return nil, err
			}
			seekEntries = append(seekEntries, entry)
			result.FromStore++
			logger.Debug("archive: chunk from store", "chunk_id", id.String(), "path", storePath)
			continue
		}

		entry, ok := available[id]
		if !ok {
			return nil, &archsyncerr.MissingChunkError{ID: id}
		}

		seedFile := seedHandleByPath[entry.seedPath]
		seekEntry, err := copyChunkFromSeed(out, seedFile, entry)
		if err != nil {
			return nil, err
		}
		seekEntries = append(seekEntries, seekEntry)
		result.FromSeed[entry.seedPath]++
		logger.Debug("archive: chunk from seed", "chunk_id", id.String(), "path", entry.seedPath, "offset", entry.record.Offset)
	}

	if err := writeChunkTable(out, target); err != nil {
		return nil, err
	}
	if err := writeSeekTable(out, seekEntries); err != nil {
		return nil, err
	}

	logger.Info("archive: synthesized", "path", outputPath, "chunks", result.TotalChunks, "from_store", result.FromStore, "from_seed", result.FromSeed)
	succeeded = true
	return result, nil
}

// copyChunkFromStore streams a chunk file verbatim (it is already a
// single zstd frame) onto out, peeking its header first to learn the
// sizes the trailing seek table needs.
func copyChunkFromStore(out io.Writer, path string, size int64) (seekTableEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return seekTableEntry{}, fmt.Errorf("archive: opening chunk %s: %w", path, err)
	}
	defer f.Close()

	d, err := frame.PeekOne(io.NewSectionReader(f, 0, size), 0)
	if err != nil {
		return seekTableEntry{}, fmt.Errorf("archive: peeking chunk %s: %w", path, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return seekTableEntry{}, fmt.Errorf("archive: rewinding chunk %s: %w", path, err)
	}
	if _, err := io.Copy(out, f); err != nil {
		return seekTableEntry{}, fmt.Errorf("archive: copying chunk %s: %w", path, err)
	}

	return seekTableEntry{
		CompressedLen:   uint32(d.CompressedLen),
		UncompressedLen: uint32(d.UncompressedLen),
	}, nil
}

// copyChunkFromSeed reads a chunk's compressed bytes out of an
// already-open seed archive at the offset ExtractSeed recorded, and
// streams them onto out.
func copyChunkFromSeed(out io.Writer, seedFile *os.File, entry seedEntry) (seekTableEntry, error) {
	buf := make([]byte, entry.record.CompressedLen)
	n, err := seedFile.ReadAt(buf, int64(entry.record.Offset))
	if err != nil && err != io.EOF {
		return seekTableEntry{}, fmt.Errorf("archive: reading seed chunk %s from %s: %w", entry.record.ID, entry.seedPath, err)
	}
	if int64(n) != int64(entry.record.CompressedLen) {
		return seekTableEntry{}, &archsyncerr.TruncatedSeedChunkError{
			ID:       entry.record.ID,
			Wanted:   int64(entry.record.CompressedLen),
			Got:      int64(n),
			SeedFile: entry.seedPath,
		}
	}

	d, err := frame.PeekOne(bytes.NewReader(buf), 0)
	if err != nil {
		return seekTableEntry{}, fmt.Errorf("archive: peeking seed chunk %s from %s: %w", entry.record.ID, entry.seedPath, err)
	}

	if _, err := out.Write(buf); err != nil {
		return seekTableEntry{}, fmt.Errorf("archive: writing seed chunk %s: %w", entry.record.ID, err)
	}

	return seekTableEntry{
		CompressedLen:   uint32(d.CompressedLen),
		UncompressedLen: uint32(d.UncompressedLen),
	}, nil
}

func writeChunkTable(out io.Writer, ids []chunkid.ID) error {
	payload := make([]byte, 0, len(ids)*chunkid.Size+4)
	for _, id := range ids {
		payload = append(payload, id.Bytes()...)
	}
	var cookie [4]byte
	binary.LittleEndian.PutUint32(cookie[:], ChunkTableCookie)
	payload = append(payload, cookie[:]...)

	return writeSkippableFrame(out, ChunkTableMagic, payload)
}

func writeSeekTable(out io.Writer, entries []seekTableEntry) error {
	payload := make([]byte, 0, len(entries)*8+4+1+4)
	for _, e := range entries {
		var rec [8]byte
		binary.LittleEndian.PutUint32(rec[:4], e.CompressedLen)
		binary.LittleEndian.PutUint32(rec[4:], e.UncompressedLen)
		payload = append(payload, rec[:]...)
	}
	var countBytes [4]byte
	binary.LittleEndian.PutUint32(countBytes[:], uint32(len(entries)))
	payload = append(payload, countBytes[:]...)
	payload = append(payload, 0) // reserved

	var cookie [4]byte
	binary.LittleEndian.PutUint32(cookie[:], SeekTableCookie)
	payload = append(payload, cookie[:]...)

	return writeSkippableFrame(out, SeekTableMagic, payload)
}

func writeSkippableFrame(out io.Writer, magic uint32, payload []byte) error {
	var header [8]byte
	binary.LittleEndian.PutUint32(header[:4], magic)
	binary.LittleEndian.PutUint32(header[4:], uint32(len(payload)))
	if _, err := out.Write(header[:]); err != nil {
		return fmt.Errorf("archive: writing skippable frame header: %w", err)
	}
	if _, err := out.Write(payload); err != nil {
		return fmt.Errorf("archive: writing skippable frame payload: %w", err)
	}
	return nil
}
