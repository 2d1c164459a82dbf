// Package sidecar stores upload progress as JSON files next to the source files.
package sidecar

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"tbup-go/internal/tbup"
)

// JSONStore is the on-disk implementation of tbup.SidecarStore.
type JSONStore struct {
	logger tbup.Logger
}

// NewJSONStore creates a JSONStore. Unreadable documents are reported to logger.
func NewJSONStore(logger tbup.Logger) *JSONStore {
	return &JSONStore{logger: logger}
}

// Load reads the sidecar at path. A missing file yields an empty job.
// Each field is decoded on its own; a field that is absent or has the wrong
// type takes its zero value, and a document that is not a JSON object at all
// yields an empty job.
func (s *JSONStore) Load(path string) (*tbup.UploadJob, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &tbup.UploadJob{}, nil
		}
		return nil, fmt.Errorf("reading sidecar: %w", err)
	}

	job, err := Decode(data)
	if err != nil {
		s.logger.Warn("ignoring unreadable sidecar", "path", path, "error", err)
		return &tbup.UploadJob{}, nil
	}
	return job, nil
}

// Decode parses a sidecar document, defaulting fields it cannot use.
// It only fails when data is not a JSON object.
func Decode(data []byte) (*tbup.UploadJob, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decoding sidecar: %w", err)
	}

	job := &tbup.UploadJob{
		UploadID:  decodeString(raw["upload_id"]),
		RemoteDir: decodeString(raw["remote_dir"]),
		File:      decodeString(raw["file"]),
		Size:      decodeSize(raw["size"]),
		Hash:      decodeHash(raw["hash"]),
	}

	var uploaded []bool
	if json.Unmarshal(raw["uploaded"], &uploaded) == nil {
		job.Uploaded = uploaded
	}
	// A mask that does not line up with the block list is useless for resuming.
	if job.Hash == nil || len(job.Uploaded) != len(job.Hash.Chunks) {
		job.Uploaded = nil
	}
	return job, nil
}

func decodeString(m json.RawMessage) string {
	var s string
	if json.Unmarshal(m, &s) != nil {
		return ""
	}
	return s
}

// decodeSize accepts a JSON number or a numeric string.
func decodeSize(m json.RawMessage) int64 {
	var n int64
	if json.Unmarshal(m, &n) == nil {
		return max(n, 0)
	}
	if n, err := strconv.ParseInt(decodeString(m), 10, 64); err == nil {
		return max(n, 0)
	}
	return 0
}

// decodeHash returns nil unless at least the whole-file hash is present.
// A null chunk list is kept as nil (no block hashes).
func decodeHash(m json.RawMessage) *tbup.Fingerprint {
	var raw struct {
		File   string   `json:"file"`
		Slice  string   `json:"slice"`
		CRC32  uint32   `json:"crc32"`
		Chunks []string `json:"chunks"`
	}
	if len(m) == 0 || json.Unmarshal(m, &raw) != nil {
		return nil
	}
	if raw.File == "" {
		return nil
	}
	return &tbup.Fingerprint{File: raw.File, Slice: raw.Slice, CRC32: raw.CRC32, Chunks: raw.Chunks}
}

// Save writes job to path atomically (temp file + rename). The temp file
// carries the sidecar suffix so the scanner never picks it up.
func (s *JSONStore) Save(path string, job *tbup.UploadJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding sidecar: %w", err)
	}
	return writeFile(path, bytes.NewReader(data), int64(len(data)))
}

// Delete removes the sidecar at path. A missing file is not an error.
func (s *JSONStore) Delete(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing sidecar: %w", err)
	}
	return nil
}

// writeFile writes data from r to destPath using atomic write (temp file + rename).
func writeFile(destPath string, r io.Reader, expectedSize int64) error {
	dir := filepath.Dir(destPath)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(destPath)+".*"+tbup.SidecarSuffix)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, r)
	if err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if written != expectedSize {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", expectedSize, written)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

// Compile-time check
var _ tbup.SidecarStore = (*JSONStore)(nil)
