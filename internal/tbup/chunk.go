package tbup

const (
	KiB int64 = 1024
	MiB       = 1024 * KiB
	GiB       = 1024 * MiB
)

// RapidUploadThreshold is the size a file must exceed before the rapid upload
// shortcut is attempted.
const RapidUploadThreshold = 256 * KiB

// ChunkPolicy maps a file size and account tier to a block size.
//
// Steps are ascending block sizes in MiB. A file of n bytes uses the first step s
// with n <= s GiB, so every tier keeps at most 1024 blocks per file. The largest
// step in GiB is the maximum file size the tier accepts. All values are bytes.
type ChunkPolicy struct {
	Premium []int64
	Basic   []int64
}

// DefaultChunkPolicy is the TeraBox tier table.
var DefaultChunkPolicy = ChunkPolicy{
	Premium: []int64{4, 8, 16, 32, 64, 128},
	Basic:   []int64{4},
}

func (p ChunkPolicy) steps(premium bool) []int64 {
	if premium && len(p.Premium) > 0 {
		return p.Premium
	}
	if len(p.Basic) > 0 {
		return p.Basic
	}
	return DefaultChunkPolicy.Basic
}

// BlockSize returns the block size for a file of totalSize bytes.
// Sizes above MaxSize get the largest block size.
func (p ChunkPolicy) BlockSize(totalSize int64, premium bool) int64 {
	steps := p.steps(premium)
	for _, s := range steps {
		if totalSize <= s*GiB {
			return s * MiB
		}
	}
	return steps[len(steps)-1] * MiB
}

// MaxSize returns the largest file size accepted for the tier.
func (p ChunkPolicy) MaxSize(premium bool) int64 {
	steps := p.steps(premium)
	return steps[len(steps)-1] * GiB
}

// BlockCount returns how many blocks a file of totalSize bytes splits into.
func BlockCount(totalSize, blockSize int64) int {
	if totalSize <= 0 || blockSize <= 0 {
		return 0
	}
	return int((totalSize + blockSize - 1) / blockSize)
}
