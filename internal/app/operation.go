package app

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// UploadOperation tracks one upload command. Operations are created in
// memory with ID=0 and get an auto-increment ID once the run is journaled.
type UploadOperation struct {
	ID         int64
	Key        string
	Account    string
	LocalRoot  string
	RemoteRoot string
	Status     string // "success", "partial" or "error"
}

// NewUploadOperation creates a new in-memory upload operation.
func NewUploadOperation(account, localRoot, remoteRoot string) *UploadOperation {
	return &UploadOperation{
		Key:        RunKey(account, localRoot, remoteRoot),
		Account:    account,
		LocalRoot:  localRoot,
		RemoteRoot: remoteRoot,
		Status:     "success",
	}
}

// Persisted returns true if this operation has been saved to the journal.
func (op *UploadOperation) Persisted() bool {
	return op.ID != 0
}

// RunKey identifies repeated runs of the same account and directory pair.
func RunKey(account, localRoot, remoteRoot string) string {
	h := blake3.New()
	h.Write([]byte(account))
	h.Write([]byte{0})
	h.Write([]byte(localRoot))
	h.Write([]byte{0})
	h.Write([]byte(remoteRoot))
	digest := h.Sum(nil)
	return hex.EncodeToString(digest[:8])
}
