package tbup

import (
	"fmt"
	"path/filepath"

	"github.com/samber/lo"
)

// PendingUpload is a local file with resumable progress on disk.
type PendingUpload struct {
	LocalPath  string
	RemotePath string
	Size       int64
	HashOnly   bool
	UploadID   string

	// Blocks is zero until the file has been fingerprinted.
	Blocks int

	// Confirmed counts blocks the remote is known to hold. Once every block
	// is confirmed the progress mask is dropped and Confirmed equals Blocks.
	Confirmed int
}

// Stage describes how far the pending upload got.
func (u PendingUpload) Stage() string {
	switch {
	case u.HashOnly:
		return "hash-only"
	case u.UploadID == "" && u.Blocks > 0:
		return "fingerprinted"
	case u.UploadID == "":
		return "new"
	case u.Confirmed == u.Blocks:
		return "committing"
	default:
		return "transferring"
	}
}

// Status lists the files under localRoot that carry a progress sidecar.
// Unreadable directories are skipped. Nothing is sent to the remote.
func (s *UploadService) Status(localRoot string) ([]PendingUpload, error) {
	localRoot = filepath.Clean(localRoot)

	var out []PendingUpload
	for entry, err := range s.fsmgr.Scan(localRoot) {
		if err != nil {
			if entry.Path == "" || entry.Path == localRoot {
				return nil, fmt.Errorf("scanning %s: %w", localRoot, err)
			}
			s.logger.Warn("skipping unreadable directory", "path", entry.Path, "error", err)
			continue
		}
		if entry.IsDir {
			continue
		}

		job, err := s.sidecars.Load(SidecarPath(entry.Path))
		if err != nil {
			return nil, fmt.Errorf("loading sidecar of %s: %w", entry.Path, err)
		}
		FillDefaults(job, "", entry.Path)
		if !job.HashOnly && job.Hash == nil && job.UploadID == "" {
			continue
		}

		pending := PendingUpload{
			LocalPath:  entry.Path,
			RemotePath: job.RemotePath(),
			Size:       job.Size,
			HashOnly:   job.HashOnly,
			UploadID:   job.UploadID,
			Confirmed:  lo.Count(job.Uploaded, true),
		}
		if job.Hash.HasBlocks() {
			pending.Blocks = len(job.Hash.Chunks)
		}
		if job.Uploaded == nil && job.UploadID != "" {
			pending.Confirmed = pending.Blocks
		}
		out = append(out, pending)
	}
	return out, nil
}
