package memory

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"tbup-go/internal/tbup"
)

func md5Hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

func TestRemote_UploadCycle(t *testing.T) {
	ctx := context.Background()
	r := NewRemote("test", true)

	blocks := [][]byte{[]byte("first block "), []byte("second block")}
	list := []string{md5Hex(blocks[0]), md5Hex(blocks[1])}

	res, err := r.Precreate(ctx, &tbup.PrecreateRequest{Path: "/d/f.txt", Size: 24, BlockList: list})
	if err != nil {
		t.Fatalf("Precreate() error = %v", err)
	}
	if len(res.Missing) != 2 {
		t.Fatalf("Missing = %v, want both blocks", res.Missing)
	}

	for i, b := range blocks {
		ack, err := r.UploadBlock(ctx, &tbup.BlockRequest{
			Path: "/d/f.txt", UploadID: res.UploadID, Seq: i,
			Data: bytes.NewReader(b), Size: int64(len(b)),
		})
		if err != nil {
			t.Fatalf("UploadBlock(%d) error = %v", i, err)
		}
		if ack.Hash != list[i] {
			t.Errorf("ack hash = %s, want %s", ack.Hash, list[i])
		}
	}

	file, err := r.Commit(ctx, &tbup.CommitRequest{Path: "/d/f.txt", Size: 24, BlockList: list, UploadID: res.UploadID})
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if file.Size != 24 {
		t.Errorf("Size = %d, want 24", file.Size)
	}

	entries, err := r.ListDirectory(ctx, "/d")
	if err != nil || len(entries) != 1 || entries[0].ServerFilename != "f.txt" {
		t.Errorf("ListDirectory() = %v, %v", entries, err)
	}

	// A second upload of the same blocks needs nothing.
	res, err = r.Precreate(ctx, &tbup.PrecreateRequest{Path: "/d/g.txt", Size: 24, BlockList: list})
	if err != nil {
		t.Fatalf("Precreate() error = %v", err)
	}
	if len(res.Missing) != 0 {
		t.Errorf("Missing = %v, want none", res.Missing)
	}
}

func TestRemote_Directories(t *testing.T) {
	ctx := context.Background()
	r := NewRemote("test", false)

	if _, err := r.ListDirectory(ctx, "/a"); !errors.Is(err, tbup.ErrNotFound) {
		t.Fatalf("ListDirectory() error = %v, want ErrNotFound", err)
	}
	if err := r.CreateDirectory(ctx, "/a/b/c"); err != nil {
		t.Fatalf("CreateDirectory() error = %v", err)
	}
	for _, d := range []string{"/a", "/a/b", "/a/b/c"} {
		if !r.HasDirectory(d) {
			t.Errorf("%s not created", d)
		}
	}

	entries, err := r.ListDirectory(ctx, "/a")
	if err != nil || len(entries) != 1 || !entries[0].IsDir {
		t.Errorf("ListDirectory(/a) = %v, %v", entries, err)
	}

	r.AddFile("/a/file", []byte("x"))
	if err := r.CreateDirectory(ctx, "/a/file"); err == nil {
		t.Error("CreateDirectory over a file expected error")
	}
}

func TestRemote_UploadBlockErrors(t *testing.T) {
	ctx := context.Background()
	r := NewRemote("test", true)

	_, err := r.UploadBlock(ctx, &tbup.BlockRequest{Path: "/x", UploadID: "nope", Data: strings.NewReader("a"), Size: 1})
	var apiErr *tbup.APIError
	if !errors.As(err, &apiErr) {
		t.Errorf("unknown upload id: error = %v, want APIError", err)
	}

	res, _ := r.Precreate(ctx, &tbup.PrecreateRequest{Path: "/x", Size: 1, BlockList: []string{md5Hex([]byte("a"))}})
	if _, err := r.UploadBlock(ctx, &tbup.BlockRequest{Path: "/x", UploadID: res.UploadID, Data: strings.NewReader("abc"), Size: 1}); err == nil {
		t.Error("short size expected error")
	}
}

func TestRemote_CommitMissingBlock(t *testing.T) {
	ctx := context.Background()
	r := NewRemote("test", true)

	list := []string{md5Hex([]byte("never sent"))}
	res, _ := r.Precreate(ctx, &tbup.PrecreateRequest{Path: "/x", Size: 10, BlockList: list})
	if _, err := r.Commit(ctx, &tbup.CommitRequest{Path: "/x", Size: 10, BlockList: list, UploadID: res.UploadID}); err == nil {
		t.Fatal("Commit() expected error for a missing block")
	}
}

func TestRemote_Metadata(t *testing.T) {
	r := NewRemote("test", true)

	if err := r.PutMetadata(context.Background(), "journal.db", strings.NewReader("data"), 4); err != nil {
		t.Fatalf("PutMetadata() error = %v", err)
	}
	if got, ok := r.Metadata("journal.db"); !ok || string(got) != "data" {
		t.Errorf("Metadata() = %q, %v", got, ok)
	}
	if err := r.PutMetadata(context.Background(), "x", strings.NewReader("data"), 9); err == nil {
		t.Error("size mismatch expected error")
	}
}

func TestRemote_Session(t *testing.T) {
	r := NewRemote("test", true)
	if err := r.CheckSession(context.Background()); err != nil {
		t.Fatalf("CheckSession() error = %v", err)
	}
	r.InvalidateSession()
	if err := r.CheckSession(context.Background()); !errors.Is(err, tbup.ErrSessionInvalid) {
		t.Fatalf("CheckSession() error = %v, want ErrSessionInvalid", err)
	}
	acct, _ := r.Account(context.Background())
	if acct.Name != "test" || !acct.Premium {
		t.Errorf("Account() = %+v", acct)
	}
}
