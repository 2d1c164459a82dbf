package tbup

import (
	"context"
	"errors"
	"fmt"
)

// Negotiator runs the dedup half of the pipeline: the rapid upload shortcut
// and the precreate negotiation of missing blocks.
type Negotiator struct {
	remote   Remote
	sidecars SidecarStore
	logger   Logger
}

// NewNegotiator creates a Negotiator.
func NewNegotiator(remote Remote, sidecars SidecarStore, logger Logger) *Negotiator {
	return &Negotiator{remote: remote, sidecars: sidecars, logger: logger}
}

// TryRapidUpload asks the service to register the object from its hashes.
// A non-nil file means the object now exists remotely without any transfer;
// a nil file with a nil error means the shortcut did not apply.
// Jobs without block hashes use the weak mode, which the service may refuse
// with ErrRapidUploadDenied.
func (n *Negotiator) TryRapidUpload(ctx context.Context, job *UploadJob) (*RemoteFile, error) {
	if job.Hash == nil {
		return nil, fmt.Errorf("rapid upload %s: no fingerprint", job.RemotePath())
	}

	req := &RapidUploadRequest{
		Path:      job.RemotePath(),
		TargetDir: job.RemoteDir,
		Size:      job.Size,
		FileMD5:   job.Hash.File,
		SliceMD5:  job.Hash.Slice,
		CRC32:     job.Hash.CRC32,
	}
	if job.Hash.HasBlocks() {
		req.BlockList = job.Hash.Chunks
	}

	n.logger.Debug("trying rapid upload", "path", req.Path, "weak", req.BlockList == nil)
	file, err := n.remote.RapidUpload(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("rapid upload %s: %w", req.Path, err)
	}
	return file, nil
}

// Negotiate opens (or resumes) an upload session. On success the job carries
// the session id and an Uploaded mask that is all true except the blocks the
// service reported missing, and the sidecar is saved. On failure the job and
// the sidecar are left unchanged.
func (n *Negotiator) Negotiate(ctx context.Context, job *UploadJob, sidecarPath string) error {
	if job.HashOnly {
		return errors.New("hash-only job cannot negotiate a transfer")
	}
	if !job.Hash.HasBlocks() {
		return fmt.Errorf("precreate %s: no block hashes", job.RemotePath())
	}

	res, err := n.remote.Precreate(ctx, &PrecreateRequest{
		Path:      job.RemotePath(),
		Size:      job.Size,
		BlockList: job.Hash.Chunks,
		UploadID:  job.UploadID,
		FileMD5:   job.Hash.File,
		SliceMD5:  job.Hash.Slice,
		CRC32:     job.Hash.CRC32,
	})
	if err != nil {
		return fmt.Errorf("precreate %s: %w", job.RemotePath(), err)
	}
	if res.UploadID == "" {
		return fmt.Errorf("precreate %s: empty upload id", job.RemotePath())
	}

	count := len(job.Hash.Chunks)
	uploaded := make([]bool, count)
	for i := range uploaded {
		uploaded[i] = true
	}
	for _, idx := range res.Missing {
		if idx < 0 || idx >= count {
			return fmt.Errorf("precreate %s: block index %d out of range [0,%d)", job.RemotePath(), idx, count)
		}
		uploaded[idx] = false
	}

	if job.UploadID != "" && job.UploadID != res.UploadID {
		n.logger.Warn("upload session replaced", "path", job.RemotePath(), "previous", job.UploadID)
	}
	job.UploadID = res.UploadID
	job.Uploaded = uploaded

	if err := n.sidecars.Save(sidecarPath, job); err != nil {
		return fmt.Errorf("saving negotiated state: %w", err)
	}

	n.logger.Debug("precreate done", "path", job.RemotePath(), "blocks", count, "missing", len(res.Missing))
	return nil
}
