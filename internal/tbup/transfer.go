package tbup

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// Transferer sends the blocks a negotiated job is still missing.
type Transferer struct {
	remote   Remote
	sidecars SidecarStore
	logger   Logger
}

// NewTransferer creates a Transferer.
func NewTransferer(remote Remote, sidecars SidecarStore, logger Logger) *Transferer {
	return &Transferer{remote: remote, sidecars: sidecars, logger: logger}
}

// Transfer uploads every block with Uploaded[i] == false in ascending order,
// reading block i from src at offset i*blockSize. Each acknowledged block is
// verified against the fingerprint, marked and persisted before the next one
// is sent. The first failure stops the transfer; flags already persisted stay.
func (t *Transferer) Transfer(ctx context.Context, job *UploadJob, sidecarPath string, blockSize int64, src io.ReaderAt) error {
	if job.HashOnly {
		return fmt.Errorf("%s: hash-only job has no bytes to send", job.RemotePath())
	}
	if job.UploadID == "" {
		return fmt.Errorf("%s: transfer before negotiation", job.RemotePath())
	}
	if !job.Hash.HasBlocks() || len(job.Uploaded) != len(job.Hash.Chunks) {
		return fmt.Errorf("%s: upload mask does not match block list", job.RemotePath())
	}
	if blockSize <= 0 {
		return fmt.Errorf("%s: invalid block size %d", job.RemotePath(), blockSize)
	}

	pending := job.Pending()
	if len(pending) == 0 {
		return nil
	}
	if len(job.Uploaded) == 1 {
		t.logger.Debug("single-shot transfer", "path", job.RemotePath(), "size", HumanSize(job.Size))
	}

	for _, seq := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := t.sendBlock(ctx, job, seq, blockSize, src); err != nil {
			return err
		}

		job.Uploaded[seq] = true
		if err := t.sidecars.Save(sidecarPath, job); err != nil {
			return fmt.Errorf("saving progress after block %d: %w", seq, err)
		}
	}
	return nil
}

func (t *Transferer) sendBlock(ctx context.Context, job *UploadJob, seq int, blockSize int64, src io.ReaderAt) error {
	offset := int64(seq) * blockSize
	size := min(blockSize, job.Size-offset)
	if size <= 0 {
		return fmt.Errorf("%s: block %d starts past end of file", job.RemotePath(), seq)
	}

	ack, err := t.remote.UploadBlock(ctx, &BlockRequest{
		Path:     job.RemotePath(),
		UploadID: job.UploadID,
		Seq:      seq,
		Data:     io.NewSectionReader(src, offset, size),
		Size:     size,
	})
	if err != nil {
		return fmt.Errorf("uploading block %d of %s: %w", seq, job.RemotePath(), err)
	}

	want := job.Hash.Chunks[seq]
	if ack.Seq != seq || !strings.EqualFold(ack.Hash, want) {
		return fmt.Errorf("block %d of %s: acknowledged %d/%s, expected %s: %w",
			seq, job.RemotePath(), ack.Seq, ack.Hash, want, ErrIntegrity)
	}

	t.logger.Debug("block uploaded", "path", job.RemotePath(), "seq", seq, "size", HumanSize(size))
	return nil
}
