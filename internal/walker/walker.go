// Package walker enumerates a local directory tree subject to an ignore
// spec, hashing each included file's content, and classifying its media
// type. Traversal uses github.com/charlievieth/fastwalk for parallel
// directory descent, the same library pkg/sweep/scanner/scanner.go uses for
// high-throughput enumeration.
package walker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/charlievieth/fastwalk"
)

// SmallFileThreshold is the size below which a file's content is buffered
// in memory during the walk for reuse at upload time.
const SmallFileThreshold = 1 << 20 // 1 MiB

// Entry is one file discovered by Walk.
type Entry struct {
	Path      string // logical path, leading "/", forward slashes
	Size      int64
	Hash      string // lowercase hex SHA-256
	MediaType string
	Cached    []byte // populated only for files under SmallFileThreshold
}

// FileError records an I/O error encountered for a single path during the
// walk. Per-file errors don't abort the walk.
type FileError struct {
	Path string
	Err  error
}

func (e FileError) Error() string { return fmt.Sprintf("%s: %v", e.Path, e.Err) }

// Result is the output of Walk: the included files and any per-file errors,
// both stable-sorted lexicographically by path, plus the ignored paths.
type Result struct {
	Included []Entry
	Ignored  []string
	Errors   []FileError
}

// Walk enumerates root, applying ignore's rules, hashing every included
// regular file. Symbolic links are not followed, which combined with
// fastwalk's own device+inode dedup on directories keeps a symlink loop
// from being scanned twice.
func Walk(root string, ignore *IgnoreSpec) (*Result, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %s is not a directory", root)
	}

	var (
		mu       sync.Mutex
		included []Entry
		ignored  []string
		errs     []FileError
	)

	conf := fastwalk.Config{Follow: false}
	walkErr := fastwalk.Walk(&conf, absRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			mu.Lock()
			errs = append(errs, FileError{Path: p, Err: err})
			mu.Unlock()
			return nil
		}

		if p == absRoot {
			return nil
		}

		rel, relErr := filepath.Rel(absRoot, p)
		if relErr != nil {
			mu.Lock()
			errs = append(errs, FileError{Path: p, Err: relErr})
			mu.Unlock()
			return nil
		}
		rel = filepath.ToSlash(rel)

		if ignore.Match(rel) {
			if d.IsDir() {
				mu.Lock()
				ignored = append(ignored, "/"+rel)
				mu.Unlock()
				return filepath.SkipDir
			}
			mu.Lock()
			ignored = append(ignored, "/"+rel)
			mu.Unlock()
			return nil
		}

		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		entry, hashErr := hashFile(p, "/"+rel)
		mu.Lock()
		if hashErr != nil {
			errs = append(errs, FileError{Path: "/" + rel, Err: hashErr})
		} else {
			included = append(included, entry)
		}
		mu.Unlock()
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("walk %s: %w", root, walkErr)
	}

	sort.Slice(included, func(i, j int) bool { return included[i].Path < included[j].Path })
	sort.Strings(ignored)
	sort.Slice(errs, func(i, j int) bool { return errs[i].Path < errs[j].Path })

	return &Result{Included: included, Ignored: ignored, Errors: errs}, nil
}

// hashFile streams a single file's content once, computing its SHA-256 and
// size together. Files under SmallFileThreshold are also buffered for
// upload-time reuse; larger files are re-read from disk when uploaded.
func hashFile(fsPath, logicalPath string) (Entry, error) {
	f, err := os.Open(fsPath)
	if err != nil {
		return Entry{}, fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	h := sha256.New()

	info, err := f.Stat()
	if err != nil {
		return Entry{}, fmt.Errorf("stat: %w", err)
	}

	var cached []byte
	var reader io.Reader = f
	if info.Size() < SmallFileThreshold {
		cached = make([]byte, 0, info.Size())
		reader = io.TeeReader(f, sliceWriter{&cached})
	}

	size, err := io.Copy(h, reader)
	if err != nil {
		return Entry{}, fmt.Errorf("read: %w", err)
	}

	return Entry{
		Path:      logicalPath,
		Size:      size,
		Hash:      hex.EncodeToString(h.Sum(nil)),
		MediaType: MediaType(logicalPath),
		Cached:    cached,
	}, nil
}

// sliceWriter appends every Write to the byte slice it points at, letting
// hashFile capture small files' content in the same streaming pass used to
// hash them.
type sliceWriter struct{ dst *[]byte }

func (w sliceWriter) Write(p []byte) (int, error) {
	*w.dst = append(*w.dst, p...)
	return len(p), nil
}
