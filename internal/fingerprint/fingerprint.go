// Package fingerprint computes the content identity the upload protocol
// negotiates with: whole-file MD5, MD5 of the leading slice, CRC32 and the
// per-block MD5 list.
package fingerprint

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"os"

	"tbup-go/internal/tbup"
)

// SliceSize is the length of the leading slice hashed separately,
// independent of the block size.
const SliceSize = 256 * tbup.KiB

// Compute reads r to EOF once and returns its fingerprint for blockSize.
func Compute(r io.Reader, blockSize int64) (*tbup.Fingerprint, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("invalid block size %d", blockSize)
	}

	whole := md5.New()
	sum := crc32.NewIEEE()
	slice := &prefixHasher{limit: SliceSize, h: md5.New()}
	blocks := &blockHasher{size: blockSize, h: md5.New()}

	if _, err := io.Copy(io.MultiWriter(whole, sum, slice, blocks), r); err != nil {
		return nil, fmt.Errorf("hashing: %w", err)
	}

	return &tbup.Fingerprint{
		File:   hex.EncodeToString(whole.Sum(nil)),
		Slice:  hex.EncodeToString(slice.h.Sum(nil)),
		CRC32:  sum.Sum32(),
		Chunks: blocks.finish(),
	}, nil
}

// Bytes fingerprints data held in memory.
func Bytes(data []byte, blockSize int64) (*tbup.Fingerprint, error) {
	return Compute(bytes.NewReader(data), blockSize)
}

// FileHasher fingerprints files on the local filesystem.
type FileHasher struct{}

// NewFileHasher creates a FileHasher.
func NewFileHasher() *FileHasher {
	return &FileHasher{}
}

// Fingerprint hashes the file at path. Cancelling ctx stops the read.
func (h *FileHasher) Fingerprint(ctx context.Context, path string, blockSize int64) (*tbup.Fingerprint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	fp, err := Compute(&ctxReader{ctx: ctx, r: f}, blockSize)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return fp, nil
}

// prefixHasher hashes only the first limit bytes written to it.
type prefixHasher struct {
	limit int64
	n     int64
	h     hash.Hash
}

func (p *prefixHasher) Write(b []byte) (int, error) {
	if rest := p.limit - p.n; rest > 0 {
		take := min(int64(len(b)), rest)
		p.h.Write(b[:take])
		p.n += take
	}
	return len(b), nil
}

// blockHasher splits the stream into fixed-size blocks and hashes each.
type blockHasher struct {
	size int64
	n    int64
	h    hash.Hash
	sums []string
}

func (b *blockHasher) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		take := min(int64(len(p)), b.size-b.n)
		b.h.Write(p[:take])
		b.n += take
		p = p[take:]
		if b.n == b.size {
			b.flush()
		}
	}
	return total, nil
}

func (b *blockHasher) flush() {
	b.sums = append(b.sums, hex.EncodeToString(b.h.Sum(nil)))
	b.h.Reset()
	b.n = 0
}

func (b *blockHasher) finish() []string {
	if b.n > 0 {
		b.flush()
	}
	if b.sums == nil {
		return []string{}
	}
	return b.sums
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

var _ tbup.Fingerprinter = (*FileHasher)(nil)
