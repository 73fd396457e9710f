// Package tarfs indexes a tar stream laid out over a chunked
// archive's uncompressed content and exposes it as a plain,
// io/fs-compatible filesystem view: stat, readdir, open, read, with
// symlink resolution, rather than a kernel-level mount. A prior
// in-house filesystem view wired the same path-indexed,
// symlink-resolving logic into a go-fuse Node tree; this package keeps
// the indexing and resolution logic but serves it through
// io/fs.FS and io/fs.ReadDirFS instead.
package tarfs

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	pathpkg "path"
	"strings"
	"time"

	"github.com/archsync/archsync/archive"
	"github.com/archsync/archsync/archsyncerr"
)

// maxSymlinkHops bounds symlink resolution. Spec requires at least 40
// hops without full cycle detection; this is generous enough to
// resolve any realistic link chain while still terminating on a
// pathological cycle.
const maxSymlinkHops = 40

// EntryType classifies a tar entry the way the tar header's typeflag
// does, collapsed to the four kinds this view distinguishes.
type EntryType int

const (
	TypeFile EntryType = iota
	TypeDirectory
	TypeSymlink
	TypeHardlink
)

// Entry describes one path recorded during the forward indexing pass.
type Entry struct {
	Path          string
	Type          EntryType
	Mode          fs.FileMode
	Size          int64
	ModTime       time.Time
	LinkTarget    string
	PayloadOffset int64
}

// FS is an in-memory index of a tar stream's entries, backed by an
// archive.Reader for payload reads. Construction performs a single
// forward pass over the stream; all later operations are in-memory
// lookups plus seeked reads into the backing reader.
//
// FS (and the *File views it returns) are not safe for concurrent use:
// they share one backing archive.Reader cursor, the same constraint
// placed on the seekable reader itself.
type FS struct {
	reader   *archive.Reader
	entries  map[string]*Entry
	children map[string][]string
}

// FS implements fs.FS and fs.ReadDirFS directly. It does not
// implement fs.StatFS: that interface's Stat(name string)
// (fs.FileInfo, error) signature has no way to express the
// "missing path is not an error" lookup policy this view requires, so
// Stat/Lstat below use the bool-ok idiom instead and callers that want
// the stdlib io/fs.Stat helper still get it for free via Open+File.Stat.
var (
	_ fs.FS        = (*FS)(nil)
	_ fs.ReadDirFS = (*FS)(nil)
)

// New indexes r's tar content in a single forward pass.
func New(r *archive.Reader) (*FS, error) {
	tr := tar.NewReader(r)
	fsys := &FS{
		reader:   r,
		entries:  make(map[string]*Entry),
		children: make(map[string][]string),
	}

	var explicitPaths []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("tarfs: reading tar header: %w", err)
		}

		path := normalizePath(hdr.Name)
		entry := &Entry{
			Path:          path,
			Type:          entryTypeOf(hdr),
			Mode:          modeOf(hdr),
			Size:          hdr.Size,
			ModTime:       hdr.ModTime,
			LinkTarget:    hdr.Linkname,
			PayloadOffset: r.Position(),
		}
		fsys.entries[path] = entry
		explicitPaths = append(explicitPaths, path)

		parent := pathpkg.Dir(path)
		fsys.children[parent] = append(fsys.children[parent], path)
	}

	// Package-registry tarballs routinely omit directory headers for
	// intermediate path components (npm tarballs never write one for
	// "package/"). Every ancestor that has no explicit header of its
	// own still needs an Entry so ReadDir and Stat can find it, the
	// way archive/zip infers directories from file paths.
	for _, path := range explicitPaths {
		fsys.ensureAncestorDirs(pathpkg.Dir(path))
	}

	return fsys, nil
}

// ensureAncestorDirs synthesizes a TypeDirectory Entry for path and
// every ancestor above it that lacks an explicit header, stopping at
// the first ancestor that already has an entry (explicit or already
// synthesized) or at the root.
func (fsys *FS) ensureAncestorDirs(path string) {
	if path == "." || path == "" {
		return
	}
	if _, ok := fsys.entries[path]; ok {
		return
	}
	fsys.entries[path] = &Entry{
		Path: path,
		Type: TypeDirectory,
		Mode: fs.ModeDir | 0o555,
	}
	parent := pathpkg.Dir(path)
	fsys.ensureAncestorDirs(parent)
	fsys.children[parent] = append(fsys.children[parent], path)
}

func normalizePath(name string) string {
	return pathpkg.Clean(strings.TrimPrefix(name, "./"))
}

func entryTypeOf(hdr *tar.Header) EntryType {
	switch hdr.Typeflag {
	case tar.TypeDir:
		return TypeDirectory
	case tar.TypeSymlink:
		return TypeSymlink
	case tar.TypeLink:
		return TypeHardlink
	default:
		return TypeFile
	}
}

func modeOf(hdr *tar.Header) fs.FileMode {
	mode := fs.FileMode(hdr.Mode) & fs.ModePerm
	switch hdr.Typeflag {
	case tar.TypeDir:
		mode |= fs.ModeDir
	case tar.TypeSymlink:
		mode |= fs.ModeSymlink
	}
	return mode
}

// Get returns the entry at path exactly as recorded, with no symlink
// resolution. Missing paths report *archsyncerr.NotFoundError.
func (fsys *FS) Get(path string) (*Entry, error) {
	entry, ok := fsys.entries[normalizePath(path)]
	if !ok {
		return nil, &archsyncerr.NotFoundError{Path: path}
	}
	return entry, nil
}

// Stat resolves path, following symlinks, and returns its entry. A
// missing path (including a dangling symlink target) reports
// (nil, false) rather than an error: idiomatically, a lookup that can
// legitimately miss rather than a failure.
func (fsys *FS) Stat(path string) (*Entry, bool) {
	entry, ok := fsys.entries[normalizePath(path)]
	if !ok {
		return nil, false
	}
	resolved, err := fsys.resolveSymlink(entry)
	if err != nil {
		return nil, false
	}
	return resolved, true
}

// Lstat returns the entry at path without following a trailing
// symlink. Same missing policy as Stat.
func (fsys *FS) Lstat(path string) (*Entry, bool) {
	entry, ok := fsys.entries[normalizePath(path)]
	return entry, ok
}

// resolveSymlink follows a chain of symlink/hardlink entries to the
// file or directory entry they ultimately name.
func (fsys *FS) resolveSymlink(entry *Entry) (*Entry, error) {
	current := entry
	for hop := 0; current.Type == TypeSymlink || current.Type == TypeHardlink; hop++ {
		if hop >= maxSymlinkHops {
			return nil, &archsyncerr.NotFoundError{Path: entry.Path}
		}
		targetPath := normalizePath(pathpkg.Join(pathpkg.Dir(current.Path), current.LinkTarget))
		if current.Type == TypeHardlink {
			// A hardlink's target is named from the archive root.
			targetPath = normalizePath(current.LinkTarget)
		}
		next, ok := fsys.entries[targetPath]
		if !ok {
			return nil, &archsyncerr.NotFoundError{Path: entry.Path}
		}
		current = next
	}
	return current, nil
}

// ReadDir implements fs.ReadDirFS: it requires path name a directory
// entry, reporting *archsyncerr.NotADirectoryError otherwise.
func (fsys *FS) ReadDir(name string) ([]fs.DirEntry, error) {
	path := normalizePath(name)
	entry, ok := fsys.entries[path]
	if ok {
		resolved, err := fsys.resolveSymlink(entry)
		if err != nil {
			return nil, err
		}
		if resolved.Type != TypeDirectory {
			return nil, &archsyncerr.NotADirectoryError{Path: name}
		}
	} else if path != "." {
		return nil, &archsyncerr.NotFoundError{Path: name}
	}

	childPaths := fsys.children[path]
	dirEntries := make([]fs.DirEntry, 0, len(childPaths))
	for _, childPath := range childPaths {
		dirEntries = append(dirEntries, dirEntry{fsys.entries[childPath]})
	}
	return dirEntries, nil
}

// Open implements fs.FS: read-only access only, with symlink
// resolution. Directories open to a *File that also satisfies
// fs.ReadDirFile.
func (fsys *FS) Open(name string) (fs.File, error) {
	return fsys.OpenFile(name, os.O_RDONLY)
}

// OpenFile is Open plus an explicit flag check, surfacing
// *archsyncerr.InvalidOpenModeError for write, create, truncate, or
// append requests, none of which this read-only view supports and
// which plain fs.FS.Open has no vocabulary to reject.
func (fsys *FS) OpenFile(name string, flag int) (fs.File, error) {
	const writeFlags = os.O_WRONLY | os.O_RDWR | os.O_CREATE | os.O_TRUNC | os.O_APPEND
	if flag&writeFlags != 0 {
		return nil, &archsyncerr.InvalidOpenModeError{Path: name, Mode: openModeString(flag)}
	}

	entry, ok := fsys.entries[normalizePath(name)]
	if !ok {
		return nil, &archsyncerr.NotFoundError{Path: name}
	}
	resolved, err := fsys.resolveSymlink(entry)
	if err != nil {
		return nil, err
	}

	return &File{fsys: fsys, entry: resolved}, nil
}

func openModeString(flag int) string {
	switch {
	case flag&os.O_RDWR != 0:
		return "read-write"
	case flag&os.O_WRONLY != 0:
		return "write-only"
	default:
		return "read-only (with create/truncate/append)"
	}
}

// File is an open view onto one entry's payload bytes. Reads delegate
// to the backing archive.Reader at entry.PayloadOffset + pos.
type File struct {
	fsys *FS
	entry *Entry
	pos   int64
}

var _ fs.File = (*File)(nil)
var _ fs.ReadDirFile = (*File)(nil)

func (f *File) Stat() (fs.FileInfo, error) {
	return fileInfo{f.entry}, nil
}

func (f *File) Read(p []byte) (int, error) {
	if f.entry.Type == TypeDirectory {
		return 0, fmt.Errorf("tarfs: read on directory %s", f.entry.Path)
	}
	if f.pos >= f.entry.Size {
		return 0, io.EOF
	}

	want := int64(len(p))
	remaining := f.entry.Size - f.pos
	if want > remaining {
		want = remaining
	}

	f.fsys.reader.Seek(f.entry.PayloadOffset + f.pos)
	n, err := f.fsys.reader.Read(p[:want])
	f.pos += int64(n)
	if err != nil && err != io.EOF {
		return n, fmt.Errorf("tarfs: reading %s: %w", f.entry.Path, err)
	}
	if f.pos >= f.entry.Size {
		return n, io.EOF
	}
	return n, nil
}

func (f *File) ReadDir(n int) ([]fs.DirEntry, error) {
	all, err := f.fsys.ReadDir(f.entry.Path)
	if err != nil {
		return nil, err
	}
	if n <= 0 || n > len(all) {
		return all, nil
	}
	return all[:n], nil
}

func (f *File) Close() error {
	return nil
}

// fileInfo adapts an Entry to fs.FileInfo.
type fileInfo struct{ entry *Entry }

func (i fileInfo) Name() string       { return pathpkg.Base(i.entry.Path) }
func (i fileInfo) Size() int64        { return i.entry.Size }
func (i fileInfo) Mode() fs.FileMode  { return i.entry.Mode }
func (i fileInfo) ModTime() time.Time { return i.entry.ModTime }
func (i fileInfo) IsDir() bool        { return i.entry.Type == TypeDirectory }
func (i fileInfo) Sys() any           { return i.entry }

// dirEntry adapts an Entry to fs.DirEntry.
type dirEntry struct{ entry *Entry }

func (d dirEntry) Name() string               { return pathpkg.Base(d.entry.Path) }
func (d dirEntry) IsDir() bool                 { return d.entry.Type == TypeDirectory }
func (d dirEntry) Type() fs.FileMode          { return d.entry.Mode.Type() }
func (d dirEntry) Info() (fs.FileInfo, error) { return fileInfo{d.entry}, nil }
