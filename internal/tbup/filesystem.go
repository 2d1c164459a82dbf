package tbup

import (
	"context"
	"io"
	"io/fs"
	"iter"
)

// FilesystemManager abstracts local filesystem access so the pipeline can be
// tested without touching the real filesystem.
type FilesystemManager interface {
	// Scan lazily enumerates the subtree under root, depth-first in a stable
	// order. Directories precede their contents. A directory that cannot be
	// read is yielded with a non-nil error and its subtree is skipped.
	Scan(root string) iter.Seq2[LocalEntry, error]

	// Open opens a file for random-access reading.
	Open(path string) (File, error)

	// Stat returns fresh file info for a path.
	Stat(path string) (fs.FileInfo, error)
}

// File is an open source file.
type File interface {
	io.ReaderAt
	io.Reader
	io.Closer
}

// SidecarStore persists upload jobs next to their source files.
type SidecarStore interface {
	// Load returns the job stored at path, or an empty job if none exists.
	// Malformed or partial records are repaired by defaulting, never rejected.
	Load(path string) (*UploadJob, error)

	// Save persists job atomically.
	Save(path string, job *UploadJob) error

	// Delete removes the sidecar. A missing sidecar is not an error.
	Delete(path string) error
}

// Fingerprinter computes a file's content identity.
type Fingerprinter interface {
	Fingerprint(ctx context.Context, path string, blockSize int64) (*Fingerprint, error)
}
