// Package recompress implements the chunk-store recompressor: a
// bounded worker-pool pipeline that re-encodes every chunk in a store
// against a single target dictionary id, training that dictionary
// first if needed. The pipeline shape, bounded channels feeding a
// fixed worker pool with first-error propagation via
// golang.org/x/sync/errgroup, follows the same combination
// containerd's push/pull commands use for their own bounded transfer
// pools.
package recompress

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/archsync/archsync/chunkid"
	"github.com/archsync/archsync/frame"
	"github.com/archsync/archsync/lib/clock"
	"github.com/archsync/archsync/zstdx"
)

// Options configures one recompression run.
type Options struct {
	// StoreRoot is the chunk store's root directory.
	StoreRoot string

	// DictionaryID names the target dictionary file,
	// dictionary-<DictionaryID>.zstdict, under StoreRoot. It is a
	// caller-facing label for that file only: the id actually embedded
	// in recompressed chunks' frame headers comes from the dictionary's
	// own bytes (zstdx.DictionaryID), since a trained dictionary
	// carries its own id from training, not one dictated externally.
	DictionaryID uint32

	// Level is the zstd compression level used for the recompress
	// pass.
	Level int

	// Workers bounds pipeline concurrency. Defaults to 4 if zero.
	Workers int

	// TrainDict forces dictionary (re)training even if
	// dictionary-<DictionaryID>.zstdict already exists. It is forced
	// true internally if that file is absent.
	TrainDict bool

	// DictionaryCapacity is the target trained-dictionary size in
	// bytes. Defaults to zstdx.DefaultDictionaryCapacity if zero.
	DictionaryCapacity int

	Logger *slog.Logger

	// Clock supplies Run's elapsed-time measurement. Defaults to
	// clock.Real(); tests inject clock.Fake() for a deterministic
	// Stats.Duration.
	Clock clock.Clock
}

// Stats summarizes one completed run.
type Stats struct {
	CandidateCount    int
	SkippedCount      int
	DecompressedCount int
	RecompressedCount int

	OriginalBytes     int64
	UncompressedBytes int64
	RecompressedBytes int64

	Duration time.Duration
}

const defaultWorkers = 4

// Run executes the decompress, train-if-needed, recompress pipeline
// against every chunk under opts.StoreRoot. It returns the first error
// encountered by any stage, canceling the remaining work via the
// errgroup-derived context; callers who need a partial Stats on error
// should inspect the log output instead, matching a fail-fast style.
func Run(ctx context.Context, opts Options) (*Stats, error) {
	if opts.Workers == 0 {
		opts.Workers = defaultWorkers
	}
	if opts.DictionaryCapacity == 0 {
		opts.DictionaryCapacity = zstdx.DefaultDictionaryCapacity
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	startedAt := opts.Clock.Now()

	dictPath := chunkid.DictionaryPath(opts.StoreRoot, opts.DictionaryID)
	trainDict := opts.TrainDict

	// targetID is the dictionary id actually embedded in the target
	// dictionary's own bytes, not opts.DictionaryID: a trained
	// dictionary carries its own id in its header, assigned at
	// training time, and that is what ends up in a frame's
	// Dictionary_ID field once chunks are recompressed against it.
	// opts.DictionaryID only names the file on disk. When training is
	// required there is no existing dictionary to read an id from yet,
	// and the skip check below is unreachable in that case anyway.
	var targetID uint32
	if existing, err := os.ReadFile(dictPath); err == nil {
		targetID = zstdx.DictionaryID(existing)
	} else if os.IsNotExist(err) {
		trainDict = true
	} else {
		return nil, fmt.Errorf("recompress: reading target dictionary %s: %w", dictPath, err)
	}

	candidates, err := findChunkFiles(opts.StoreRoot)
	if err != nil {
		return nil, fmt.Errorf("recompress: enumerating chunk store: %w", err)
	}
	logger.Info("recompress: enumerated chunk store", "candidates", len(candidates))

	stats := &Stats{CandidateCount: len(candidates)}

	if err := decompressPass(ctx, opts, candidates, targetID, trainDict, stats, logger); err != nil {
		return nil, err
	}

	if trainDict {
		if err := trainPass(opts, logger); err != nil {
			return nil, err
		}
	}

	targetDict, err := os.ReadFile(dictPath)
	if err != nil {
		return nil, fmt.Errorf("recompress: reading target dictionary %s: %w", dictPath, err)
	}

	if err := recompressPass(ctx, opts, candidates, targetDict, stats, logger); err != nil {
		return nil, err
	}

	stats.Duration = opts.Clock.Now().Sub(startedAt)
	return stats, nil
}

func findChunkFiles(storeRoot string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(storeRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".cacnk") {
			paths = append(paths, path)
		}
		return nil
	})
	return paths, err
}

// decompressPass enumerates candidates over a bounded work channel
// and dispatches them to opts.Workers goroutines. A chunk already
// carrying targetID (the id embedded in the target dictionary's own
// bytes), when no retraining is needed, transitions
// CANDIDATE → SKIPPED without being read in full; everything else is
// decompressed to a sibling .raw file, accumulating original and
// uncompressed sizes via two size channels.
func decompressPass(ctx context.Context, opts Options, candidates []string, targetID uint32, trainDict bool, stats *Stats, logger *slog.Logger) error {
	eg, egCtx := errgroup.WithContext(ctx)

	work := make(chan string, opts.Workers*2)
	eg.Go(func() error {
		defer close(work)
		for _, path := range candidates {
			select {
			case work <- path:
			case <-egCtx.Done():
				return egCtx.Err()
			}
		}
		return nil
	})

	origSizes := make(chan int64, opts.Workers)
	uncompSizes := make(chan int64, opts.Workers)
	var counts sync.Mutex
	var dictCache sync.Map // dictionary id -> []byte, loaded lazily by source chunks' embedded ids

	var accWG sync.WaitGroup
	accWG.Add(1)
	go func() {
		defer accWG.Done()
		for v := range origSizes {
			stats.OriginalBytes += v
		}
	}()
	accWG.Add(1)
	go func() {
		defer accWG.Done()
		for v := range uncompSizes {
			stats.UncompressedBytes += v
		}
	}()

	for i := 0; i < opts.Workers; i++ {
		eg.Go(func() error {
			for path := range work {
				decompressed, err := decompressOneChunk(path, targetID, trainDict, &dictCache)
				if err != nil {
					return err
				}
				if decompressed == nil {
					counts.Lock()
					stats.SkippedCount++
					counts.Unlock()
					continue
				}

				select {
				case origSizes <- decompressed.originalSize:
				case <-egCtx.Done():
					return egCtx.Err()
				}
				select {
				case uncompSizes <- decompressed.uncompressedSize:
				case <-egCtx.Done():
					return egCtx.Err()
				}

				counts.Lock()
				stats.DecompressedCount++
				counts.Unlock()
				logger.Debug("recompress: decompressed chunk", "path", path, "uncompressed_bytes", decompressed.uncompressedSize)
			}
			return nil
		})
	}

	err := eg.Wait()
	close(origSizes)
	close(uncompSizes)
	accWG.Wait()
	return err
}

type decompressedChunk struct {
	originalSize     int64
	uncompressedSize int64
}

// decompressOneChunk peeks path's embedded dictionary id via a full,
// correct frame header parse (see DESIGN.md's note on the rejected
// dictionary-id shortcut) and, unless it already matches target with
// no retraining underway, decompresses it to a sibling .raw file.
// Returns nil with no error for a skipped chunk.
func decompressOneChunk(path string, target uint32, trainDict bool, dictCache *sync.Map) (*decompressedChunk, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("recompress: opening %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("recompress: statting %s: %w", path, err)
	}

	d, err := frame.PeekOne(io.NewSectionReader(f, 0, info.Size()), 0)
	if err != nil {
		return nil, fmt.Errorf("recompress: peeking %s: %w", path, err)
	}

	if !trainDict && d.DictionaryID == target {
		return nil, nil
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("recompress: rewinding %s: %w", path, err)
	}
	compressed, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("recompress: reading %s: %w", path, err)
	}

	var dictionary []byte
	if d.DictionaryID != 0 {
		dictionary, err = loadDictionaryCached(filepath.Dir(filepath.Dir(path)), d.DictionaryID, dictCache)
		if err != nil {
			return nil, err
		}
	}

	decompressed, err := zstdx.DecompressFrame(compressed, dictionary)
	if err != nil {
		return nil, fmt.Errorf("recompress: decompressing %s: %w", path, err)
	}

	rawPath := strings.TrimSuffix(path, ".cacnk") + ".raw"
	if err := os.WriteFile(rawPath, decompressed, 0o644); err != nil {
		return nil, fmt.Errorf("recompress: writing %s: %w", rawPath, err)
	}

	return &decompressedChunk{
		originalSize:     info.Size(),
		uncompressedSize: int64(len(decompressed)),
	}, nil
}

func loadDictionaryCached(storeRoot string, id uint32, cache *sync.Map) ([]byte, error) {
	if cached, ok := cache.Load(id); ok {
		return cached.([]byte), nil
	}
	data, err := os.ReadFile(chunkid.DictionaryPath(storeRoot, id))
	if err != nil {
		return nil, fmt.Errorf("recompress: loading dictionary %d: %w", id, err)
	}
	cache.Store(id, data)
	return data, nil
}

// trainPass gathers every .raw file currently in the store and trains
// a new dictionary from their content, writing it to
// dictionary-<DictionaryID>.zstdict.
func trainPass(opts Options, logger *slog.Logger) error {
	var rawPaths []string
	err := filepath.WalkDir(opts.StoreRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".raw") {
			rawPaths = append(rawPaths, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("recompress: enumerating .raw files for training: %w", err)
	}
	if len(rawPaths) == 0 {
		return fmt.Errorf("recompress: no decompressed samples available to train dictionary %d", opts.DictionaryID)
	}

	samples := make([][]byte, 0, len(rawPaths))
	for _, path := range rawPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("recompress: reading training sample %s: %w", path, err)
		}
		samples = append(samples, data)
	}

	dictionary, err := zstdx.TrainDictionary(samples, opts.DictionaryCapacity)
	if err != nil {
		return fmt.Errorf("recompress: training dictionary %d: %w", opts.DictionaryID, err)
	}

	dictPath := chunkid.DictionaryPath(opts.StoreRoot, opts.DictionaryID)
	if err := os.WriteFile(dictPath, dictionary, 0o644); err != nil {
		return fmt.Errorf("recompress: writing dictionary %s: %w", dictPath, err)
	}
	logger.Info("recompress: trained dictionary", "id", opts.DictionaryID, "samples", len(samples), "bytes", len(dictionary))
	return nil
}

// recompressPass re-encodes every chunk that has a sibling .raw file
// against targetDict at opts.Level, overwriting the .cacnk file in
// place (via a temp file + rename, so a crash mid-write never leaves
// a corrupt chunk under its real name) and deleting the .raw.
func recompressPass(ctx context.Context, opts Options, candidates []string, targetDict []byte, stats *Stats, logger *slog.Logger) error {
	eg, egCtx := errgroup.WithContext(ctx)

	work := make(chan string, opts.Workers*2)
	eg.Go(func() error {
		defer close(work)
		for _, path := range candidates {
			rawPath := strings.TrimSuffix(path, ".cacnk") + ".raw"
			if _, err := os.Stat(rawPath); err != nil {
				continue
			}
			select {
			case work <- path:
			case <-egCtx.Done():
				return egCtx.Err()
			}
		}
		return nil
	})

	recompressedSizes := make(chan int64, opts.Workers)
	var counts sync.Mutex
	var accWG sync.WaitGroup
	accWG.Add(1)
	go func() {
		defer accWG.Done()
		for v := range recompressedSizes {
			stats.RecompressedBytes += v
		}
	}()

	for i := 0; i < opts.Workers; i++ {
		eg.Go(func() error {
			for path := range work {
				size, err := recompressOneChunk(path, opts.Level, targetDict)
				if err != nil {
					return err
				}
				select {
				case recompressedSizes <- size:
				case <-egCtx.Done():
					return egCtx.Err()
				}
				counts.Lock()
				stats.RecompressedCount++
				counts.Unlock()
				logger.Debug("recompress: recompressed chunk", "path", path, "bytes", size)
			}
			return nil
		})
	}

	err := eg.Wait()
	close(recompressedSizes)
	accWG.Wait()
	return err
}

func recompressOneChunk(path string, level int, targetDict []byte) (int64, error) {
	rawPath := strings.TrimSuffix(path, ".cacnk") + ".raw"
	raw, err := os.ReadFile(rawPath)
	if err != nil {
		return 0, fmt.Errorf("recompress: reading %s: %w", rawPath, err)
	}

	compressed, err := zstdx.CompressFrame(raw, level, targetDict)
	if err != nil {
		return 0, fmt.Errorf("recompress: compressing %s: %w", path, err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, compressed, 0o644); err != nil {
		return 0, fmt.Errorf("recompress: writing %s: %w", tempPath, err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return 0, fmt.Errorf("recompress: replacing %s: %w", path, err)
	}
	if err := os.Remove(rawPath); err != nil {
		return 0, fmt.Errorf("recompress: removing %s: %w", rawPath, err)
	}

	return int64(len(compressed)), nil
}
