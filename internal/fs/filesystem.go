package fs

import (
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"slices"

	"tbup-go/internal/tbup"
)

// OSFilesystemManager is the real filesystem implementation of tbup.FilesystemManager.
type OSFilesystemManager struct {
	ignore []string
}

// NewOSFilesystemManager creates a filesystem manager. ignore holds patterns
// applied to every scan in addition to the root's .tbignore file.
func NewOSFilesystemManager(ignore []string) *OSFilesystemManager {
	return &OSFilesystemManager{ignore: ignore}
}

// Scan walks root depth-first in lexical order. Directories are yielded
// before their contents; only directories and regular files are yielded.
// Sidecars and ignored entries are left out. A directory that cannot be read
// is yielded a second time with the error, and its contents are skipped.
func (m *OSFilesystemManager) Scan(root string) iter.Seq2[tbup.LocalEntry, error] {
	return func(yield func(tbup.LocalEntry, error) bool) {
		extra, err := ParseIgnoreFile(filepath.Join(root, IgnoreFileName))
		if err != nil {
			yield(tbup.LocalEntry{Path: root, IsDir: true}, err)
			return
		}
		matcher := NewIgnoreMatcher(slices.Concat(defaultIgnorePatterns, m.ignore, extra))

		filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				isDir := p == root || (d != nil && d.IsDir())
				if !yield(tbup.LocalEntry{Path: p, IsDir: isDir}, err) {
					return filepath.SkipAll
				}
				return nil
			}

			if p != root {
				rel, err := filepath.Rel(root, p)
				if err != nil {
					return fmt.Errorf("relative path of %s: %w", p, err)
				}
				if matcher.Match(rel, d.IsDir()) {
					if d.IsDir() {
						return filepath.SkipDir
					}
					return nil
				}
			}

			switch {
			case d.IsDir():
			case !d.Type().IsRegular(), tbup.IsSidecar(p):
				return nil
			}

			if !yield(tbup.LocalEntry{Path: p, IsDir: d.IsDir()}, nil) {
				return filepath.SkipAll
			}
			return nil
		})
	}
}

// Open opens a file for random-access reading.
func (m *OSFilesystemManager) Open(path string) (tbup.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("cannot open directory as file: %s", path)
	}
	return f, nil
}

// Stat returns fresh file info for a path.
func (m *OSFilesystemManager) Stat(path string) (fs.FileInfo, error) {
	return os.Stat(path)
}

// Compile-time check that OSFilesystemManager implements tbup.FilesystemManager interface
var _ tbup.FilesystemManager = (*OSFilesystemManager)(nil)
