package tbup

import (
	"context"
	"io"
)

// Remote is the upstream storage service protocol.
// Implementations own their authenticated session; every call is a suspension
// point and must honor ctx.
type Remote interface {
	// CheckSession verifies the credentials. Returns ErrSessionInvalid when rejected.
	CheckSession(ctx context.Context) error

	// Account returns the account tier information.
	Account(ctx context.Context) (*Account, error)

	// ListDirectory lists a remote directory. Returns ErrNotFound if it does not exist.
	ListDirectory(ctx context.Context, dir string) ([]RemoteEntry, error)

	// CreateDirectory creates a remote directory.
	CreateDirectory(ctx context.Context, dir string) error

	// RapidUpload registers an object from its content hashes alone.
	// Returns ErrRapidUploadDenied when the mode is not permitted and
	// ErrRapidUploadMiss when the service does not hold the content.
	RapidUpload(ctx context.Context, req *RapidUploadRequest) (*RemoteFile, error)

	// Precreate negotiates an upload session and reports missing blocks.
	Precreate(ctx context.Context, req *PrecreateRequest) (*PrecreateResult, error)

	// UploadBlock sends one block and returns the server-computed block hash.
	UploadBlock(ctx context.Context, req *BlockRequest) (*BlockAck, error)

	// Commit registers the finished object.
	Commit(ctx context.Context, req *CommitRequest) (*RemoteFile, error)
}

// MetadataSink is implemented by remotes that can store auxiliary files
// such as journal snapshots.
type MetadataSink interface {
	PutMetadata(ctx context.Context, name string, r io.Reader, size int64) error
}

// Account describes the authenticated account.
type Account struct {
	Name    string
	Premium bool
}

// RemoteEntry is one item of a remote directory listing.
type RemoteEntry struct {
	ServerFilename string
	Size           int64
	IsDir          bool
}

// RemoteFile is an object as registered by the service.
type RemoteFile struct {
	Path string
	Size int64
}

// RapidUploadRequest carries the content identity of a file.
// BlockList nil selects the weak mode without block-level hashes.
type RapidUploadRequest struct {
	Path      string
	TargetDir string
	Size      int64
	FileMD5   string
	SliceMD5  string
	CRC32     uint32
	BlockList []string
}

// PrecreateRequest opens or resumes an upload session.
type PrecreateRequest struct {
	Path      string
	Size      int64
	BlockList []string
	UploadID  string
	FileMD5   string
	SliceMD5  string
	CRC32     uint32
}

// PrecreateResult is the negotiated session.
type PrecreateResult struct {
	UploadID string
	Missing  []int
}

// BlockRequest is one block transfer.
type BlockRequest struct {
	Path     string
	UploadID string
	Seq      int
	Data     io.Reader
	Size     int64

	// Progress, if set, receives the number of bytes sent so far.
	Progress func(sent int64)
}

// BlockAck is the server acknowledgement of a block.
type BlockAck struct {
	Seq  int
	Hash string
}

// CommitRequest registers the object assembled from uploaded blocks.
type CommitRequest struct {
	Path      string
	Size      int64
	BlockList []string
	UploadID  string
	FileMD5   string
}
