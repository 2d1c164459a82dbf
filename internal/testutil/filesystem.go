package testutil

import (
	"bytes"
	"fmt"
	"io/fs"
	"iter"
	"path/filepath"
	"sort"
	"time"

	"tbup-go/internal/tbup"
)

// MockFile represents a file in the mock filesystem.
type MockFile struct {
	Content     []byte
	Permissions fs.FileMode
	ModTime     time.Time
	IsDirectory bool

	// ReportedSize, when positive, is returned by Stat instead of len(Content).
	ReportedSize int64
}

// MockFilesystemManager is an in-memory filesystem for testing.
type MockFilesystemManager struct {
	files      map[string]*MockFile
	unreadable map[string]error
}

// NewMockFilesystemManager creates a new mock filesystem.
func NewMockFilesystemManager() *MockFilesystemManager {
	return &MockFilesystemManager{
		files:      make(map[string]*MockFile),
		unreadable: make(map[string]error),
	}
}

// AddFile adds a file and any missing parent directories.
func (m *MockFilesystemManager) AddFile(path string, content []byte) {
	m.AddDirectory(filepath.Dir(path))
	m.files[path] = &MockFile{
		Content:     content,
		Permissions: 0644,
		ModTime:     time.Now(),
	}
}

// AddDirectory adds a directory and any missing parents.
func (m *MockFilesystemManager) AddDirectory(path string) {
	for p := filepath.Clean(path); ; p = filepath.Dir(p) {
		if _, ok := m.files[p]; ok {
			return
		}
		m.files[p] = &MockFile{
			Permissions: 0755,
			ModTime:     time.Now(),
			IsDirectory: true,
		}
		if p == filepath.Dir(p) {
			return
		}
	}
}

// SetReportedSize makes Stat report size for path without allocating content.
func (m *MockFilesystemManager) SetReportedSize(path string, size int64) {
	m.files[path].ReportedSize = size
}

// FailDirectory makes Scan report err for path and skip its contents.
func (m *MockFilesystemManager) FailDirectory(path string, err error) {
	m.unreadable[path] = err
}

// Remove deletes a file.
func (m *MockFilesystemManager) Remove(path string) {
	delete(m.files, path)
}

// Scan walks the mock tree depth-first in lexical order, like filepath.WalkDir.
func (m *MockFilesystemManager) Scan(root string) iter.Seq2[tbup.LocalEntry, error] {
	return func(yield func(tbup.LocalEntry, error) bool) {
		f, ok := m.files[root]
		if !ok {
			yield(tbup.LocalEntry{Path: root}, fmt.Errorf("file not found: %s", root))
			return
		}
		m.walk(root, f.IsDirectory, yield)
	}
}

func (m *MockFilesystemManager) walk(path string, isDir bool, yield func(tbup.LocalEntry, error) bool) bool {
	if !isDir {
		if tbup.IsSidecar(path) {
			return true
		}
		return yield(tbup.LocalEntry{Path: path}, nil)
	}

	if !yield(tbup.LocalEntry{Path: path, IsDir: true}, nil) {
		return false
	}
	if err, ok := m.unreadable[path]; ok {
		return yield(tbup.LocalEntry{Path: path, IsDir: true}, err)
	}

	var children []string
	for p := range m.files {
		if p != path && filepath.Dir(p) == path {
			children = append(children, p)
		}
	}
	sort.Strings(children)

	for _, child := range children {
		if !m.walk(child, m.files[child].IsDirectory, yield) {
			return false
		}
	}
	return true
}

// Open returns a random-access reader over the file's content.
func (m *MockFilesystemManager) Open(path string) (tbup.File, error) {
	file, ok := m.files[path]
	if !ok {
		return nil, fmt.Errorf("file not found: %s", path)
	}
	if file.IsDirectory {
		return nil, fmt.Errorf("cannot open directory: %s", path)
	}
	return mockReader{bytes.NewReader(file.Content)}, nil
}

func (m *MockFilesystemManager) Stat(path string) (fs.FileInfo, error) {
	file, ok := m.files[path]
	if !ok {
		return nil, fmt.Errorf("file not found: %s", path)
	}

	size := int64(len(file.Content))
	if file.ReportedSize > 0 {
		size = file.ReportedSize
	}
	return &mockFileInfo{
		name:    filepath.Base(path),
		size:    size,
		mode:    file.Permissions,
		modTime: file.ModTime,
		isDir:   file.IsDirectory,
	}, nil
}

type mockReader struct {
	*bytes.Reader
}

func (mockReader) Close() error { return nil }

// mockFileInfo implements fs.FileInfo
type mockFileInfo struct {
	name    string
	size    int64
	mode    fs.FileMode
	modTime time.Time
	isDir   bool
}

func (m *mockFileInfo) Name() string       { return m.name }
func (m *mockFileInfo) Size() int64        { return m.size }
func (m *mockFileInfo) Mode() fs.FileMode  { return m.mode }
func (m *mockFileInfo) ModTime() time.Time { return m.modTime }
func (m *mockFileInfo) IsDir() bool        { return m.isDir }
func (m *mockFileInfo) Sys() any           { return nil }

// Compile-time check
var _ tbup.FilesystemManager = (*MockFilesystemManager)(nil)
