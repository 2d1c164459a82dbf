package tbup

import "testing"

func TestChunkPolicy_BlockSize(t *testing.T) {
	tests := []struct {
		name    string
		size    int64
		premium bool
		want    int64
	}{
		{"basic small file", 10 * MiB, false, 4 * MiB},
		{"basic at the limit", 4 * GiB, false, 4 * MiB},
		{"premium small file", 10 * MiB, true, 4 * MiB},
		{"premium just over a step", 4*GiB + 1, true, 8 * MiB},
		{"premium at a step", 16 * GiB, true, 16 * MiB},
		{"premium largest step", 100 * GiB, true, 128 * MiB},
		{"premium over the limit", 200 * GiB, true, 128 * MiB},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DefaultChunkPolicy.BlockSize(tt.size, tt.premium); got != tt.want {
				t.Errorf("BlockSize(%d, %v) = %d, want %d", tt.size, tt.premium, got, tt.want)
			}
		})
	}
}

func TestChunkPolicy_MaxSize(t *testing.T) {
	if got := DefaultChunkPolicy.MaxSize(false); got != 4*GiB {
		t.Errorf("MaxSize(basic) = %d, want %d", got, 4*GiB)
	}
	if got := DefaultChunkPolicy.MaxSize(true); got != 128*GiB {
		t.Errorf("MaxSize(premium) = %d, want %d", got, 128*GiB)
	}

	// Block count never exceeds 1024 up to the maximum.
	for _, premium := range []bool{false, true} {
		limit := DefaultChunkPolicy.MaxSize(premium)
		if n := BlockCount(limit, DefaultChunkPolicy.BlockSize(limit, premium)); n > 1024 {
			t.Errorf("premium=%v: %d blocks at max size", premium, n)
		}
	}
}

func TestChunkPolicy_EmptyTiersFallBack(t *testing.T) {
	p := ChunkPolicy{}
	if got := p.BlockSize(MiB, true); got != 4*MiB {
		t.Errorf("BlockSize() = %d, want %d", got, 4*MiB)
	}

	p = ChunkPolicy{Basic: []int64{8}}
	if got := p.BlockSize(MiB, true); got != 8*MiB {
		t.Errorf("premium without steps should use basic steps, got %d", got)
	}
}

func TestBlockCount(t *testing.T) {
	tests := []struct {
		size, block int64
		want        int
	}{
		{0, 4 * MiB, 0},
		{1, 4 * MiB, 1},
		{4 * MiB, 4 * MiB, 1},
		{4*MiB + 1, 4 * MiB, 2},
		{10 * MiB, 4 * MiB, 3},
		{10, 0, 0},
	}
	for _, tt := range tests {
		if got := BlockCount(tt.size, tt.block); got != tt.want {
			t.Errorf("BlockCount(%d, %d) = %d, want %d", tt.size, tt.block, got, tt.want)
		}
	}
}
