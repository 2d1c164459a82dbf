package tbup

import (
	"path"
	"strings"
)

const (
	// SidecarSuffix is appended to a source file's path to name its progress sidecar.
	SidecarSuffix = ".tbtemp"

	// HashOnlySuffix marks a fingerprint-only record that has no source bytes.
	HashOnlySuffix = ".tbhash"
)

// LocalEntry is one filesystem object produced by the scanner.
type LocalEntry struct {
	Path  string
	IsDir bool
}

// Fingerprint is the content identity of a file.
// Chunks is nil when block hashes are unavailable (hash-only records).
type Fingerprint struct {
	File   string   `json:"file"`
	Slice  string   `json:"slice"`
	CRC32  uint32   `json:"crc32"`
	Chunks []string `json:"chunks"`
}

// HasBlocks reports whether the per-block hash list is available.
func (f *Fingerprint) HasBlocks() bool {
	return f != nil && f.Chunks != nil
}

// UploadJob is the resumable unit of work for one local file.
// It is persisted as a sidecar next to the source file.
type UploadJob struct {
	UploadID  string       `json:"upload_id"`
	RemoteDir string       `json:"remote_dir"`
	File      string       `json:"file"`
	Size      int64        `json:"size"`
	Hash      *Fingerprint `json:"hash,omitempty"`
	Uploaded  []bool       `json:"uploaded,omitempty"`

	// HashOnly is derived from the sidecar name, never persisted.
	HashOnly bool `json:"-"`

	// Err is the last processing error. Cleared at the start of every attempt.
	Err error `json:"-"`
}

// RemotePath returns the full remote path of the target object.
func (j *UploadJob) RemotePath() string {
	return JoinRemote(j.RemoteDir, j.File)
}

// Empty reports whether the job is terminal because there is nothing to send.
func (j *UploadJob) Empty() bool {
	return j.Size < 1
}

// Pending returns the indices of blocks not yet confirmed by the server.
func (j *UploadJob) Pending() []int {
	var out []int
	for i, done := range j.Uploaded {
		if !done {
			out = append(out, i)
		}
	}
	return out
}

// ResetProgress drops everything derived from the file content.
func (j *UploadJob) ResetProgress() {
	j.Hash = nil
	j.UploadID = ""
	j.Uploaded = nil
}

// FillDefaults back-fills fields missing from a loaded record.
// sourcePath is the scanned path (the source file or the .tbhash record).
func FillDefaults(job *UploadJob, remoteDir, sourcePath string) {
	job.Err = nil
	job.HashOnly = IsHashOnly(sourcePath)
	if job.RemoteDir == "" {
		job.RemoteDir = remoteDir
	}
	if job.File == "" {
		job.File = strings.TrimSuffix(path.Base(toSlash(sourcePath)), HashOnlySuffix)
	}
	if job.Size < 0 {
		job.Size = 0
	}
}

// SidecarPath returns the sidecar location for a scanned path.
// Hash-only records are their own sidecar.
func SidecarPath(sourcePath string) string {
	if IsHashOnly(sourcePath) {
		return sourcePath
	}
	return sourcePath + SidecarSuffix
}

// IsHashOnly reports whether the scanned path is a fingerprint-only record.
func IsHashOnly(p string) bool {
	return strings.HasSuffix(p, HashOnlySuffix)
}

// IsSidecar reports whether the path names a progress sidecar.
func IsSidecar(p string) bool {
	return strings.HasSuffix(p, SidecarSuffix)
}

// JoinRemote joins a remote directory and a name with exactly one slash.
func JoinRemote(dir, name string) string {
	if strings.HasSuffix(dir, "/") {
		return dir + name
	}
	return dir + "/" + name
}

func toSlash(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}
