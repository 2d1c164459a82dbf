package tbup

import (
	"context"
	"errors"
	"fmt"
)

// DirectoryIndex caches remote directory listings for one orchestrator pass.
// It is not safe for concurrent use.
type DirectoryIndex struct {
	remote  Remote
	entries map[string][]RemoteEntry
}

// NewDirectoryIndex creates an empty index over remote.
func NewDirectoryIndex(remote Remote) *DirectoryIndex {
	return &DirectoryIndex{
		remote:  remote,
		entries: make(map[string][]RemoteEntry),
	}
}

// List returns the cached listing of dir, fetching it on first use.
// found is false when the remote reports that dir does not exist; such
// misses are not cached so a later List after creation refetches.
func (x *DirectoryIndex) List(ctx context.Context, dir string) (entries []RemoteEntry, found bool, err error) {
	if cached, ok := x.entries[dir]; ok {
		return cached, true, nil
	}

	listed, err := x.remote.ListDirectory(ctx, dir)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("listing %s: %w", dir, err)
	}

	x.entries[dir] = listed
	return listed, true, nil
}

// Seed records a listing without a remote call, e.g. for a directory just created.
func (x *DirectoryIndex) Seed(dir string, entries []RemoteEntry) {
	x.entries[dir] = append([]RemoteEntry(nil), entries...)
}

// Lookup returns the entry named name in the cached listing of dir.
func (x *DirectoryIndex) Lookup(dir, name string) (RemoteEntry, bool) {
	for _, e := range x.entries[dir] {
		if e.ServerFilename == name {
			return e, true
		}
	}
	return RemoteEntry{}, false
}

// Add appends an entry to the cached listing of dir.
func (x *DirectoryIndex) Add(dir string, entry RemoteEntry) {
	x.entries[dir] = append(x.entries[dir], entry)
}

// Forget drops the cached listing of dir.
func (x *DirectoryIndex) Forget(dir string) {
	delete(x.entries, dir)
}
