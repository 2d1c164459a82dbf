package testutil

import (
	"context"
	"fmt"

	"tbup-go/internal/fingerprint"
	"tbup-go/internal/remote/memory"
	"tbup-go/internal/tbup"
)

// NewTestRemote creates an in-memory remote for a premium account named "test".
func NewTestRemote() *memory.Remote {
	return memory.NewRemote("test", true)
}

// MockFingerprinter fingerprints files of a MockFilesystemManager.
type MockFingerprinter struct {
	fsmgr *MockFilesystemManager
	calls int
}

// NewMockFingerprinter creates a fingerprinter over fsmgr.
func NewMockFingerprinter(fsmgr *MockFilesystemManager) *MockFingerprinter {
	return &MockFingerprinter{fsmgr: fsmgr}
}

func (f *MockFingerprinter) Fingerprint(ctx context.Context, path string, blockSize int64) (*tbup.Fingerprint, error) {
	f.calls++
	file, ok := f.fsmgr.files[path]
	if !ok || file.IsDirectory {
		return nil, fmt.Errorf("file not found: %s", path)
	}
	return fingerprint.Bytes(file.Content, blockSize)
}

// Calls returns how many files were fingerprinted.
func (f *MockFingerprinter) Calls() int {
	return f.calls
}

var _ tbup.Fingerprinter = (*MockFingerprinter)(nil)
