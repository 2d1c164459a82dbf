package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tbup-go/internal/fingerprint"
	"tbup-go/internal/tbup"
	"tbup-go/internal/testutil"
)

func newTestRemote(api *fakeS3) *Remote {
	return NewRemote(api, Options{Bucket: "bucket", Prefix: "/backups/", Premium: true})
}

func TestRemote_Keys(t *testing.T) {
	r := newTestRemote(newFakeS3())
	require.Equal(t, "backups/a/b.txt", r.key("/a/b.txt"))
	require.Equal(t, "backups/a/", r.dirKey("/a"))
	require.Equal(t, "backups/", r.dirKey("/"))

	bare := NewRemote(newFakeS3(), Options{Bucket: "bucket"})
	require.Equal(t, "", bare.dirKey("/"))
	require.Equal(t, "x/y", bare.key("x/../x/y"))
}

func TestRemote_CheckSession(t *testing.T) {
	api := newFakeS3()
	r := newTestRemote(api)
	require.NoError(t, r.CheckSession(context.Background()))

	api.headErr = statusErr(403, errors.New("AccessDenied"))
	require.ErrorIs(t, r.CheckSession(context.Background()), tbup.ErrSessionInvalid)

	api.headErr = statusErr(500, errors.New("boom"))
	err := r.CheckSession(context.Background())
	require.Error(t, err)
	require.NotErrorIs(t, err, tbup.ErrSessionInvalid)
}

func TestRemote_Directories(t *testing.T) {
	ctx := context.Background()
	api := newFakeS3()
	r := newTestRemote(api)

	entries, err := r.ListDirectory(ctx, "/")
	require.NoError(t, err, "root always exists")
	require.Empty(t, entries)

	_, err = r.ListDirectory(ctx, "/photos")
	require.ErrorIs(t, err, tbup.ErrNotFound)

	require.NoError(t, r.CreateDirectory(ctx, "/photos"))
	entries, err = r.ListDirectory(ctx, "/photos")
	require.NoError(t, err)
	require.Empty(t, entries, "marker is not an entry")

	api.objects["backups/photos/a.jpg"] = &fakeObject{data: []byte("jpeg")}
	api.objects["backups/photos/2024/b.jpg"] = &fakeObject{data: []byte("b")}
	api.objects["backups/.tbup/content/x-1"] = &fakeObject{}

	entries, err = r.ListDirectory(ctx, "/photos")
	require.NoError(t, err)
	require.Equal(t, []tbup.RemoteEntry{
		{ServerFilename: "2024", IsDir: true},
		{ServerFilename: "a.jpg", Size: 4},
	}, entries)

	entries, err = r.ListDirectory(ctx, "/")
	require.NoError(t, err)
	require.Equal(t, []tbup.RemoteEntry{{ServerFilename: "photos", IsDir: true}}, entries, "index directory is hidden")
}

func uploadAll(t *testing.T, r *Remote, p string, content []byte, blockSize int64) (*tbup.Fingerprint, *tbup.RemoteFile) {
	t.Helper()
	ctx := context.Background()
	fp, err := fingerprint.Bytes(content, blockSize)
	require.NoError(t, err)

	res, err := r.Precreate(ctx, &tbup.PrecreateRequest{Path: p, Size: int64(len(content)), BlockList: fp.Chunks, FileMD5: fp.File})
	require.NoError(t, err)
	require.Len(t, res.Missing, len(fp.Chunks))

	for _, seq := range res.Missing {
		off := int64(seq) * blockSize
		n := min(blockSize, int64(len(content))-off)
		ack, err := r.UploadBlock(ctx, &tbup.BlockRequest{
			Path: p, UploadID: res.UploadID, Seq: seq,
			Data: bytes.NewReader(content[off : off+n]), Size: n,
		})
		require.NoError(t, err)
		require.Equal(t, fp.Chunks[seq], ack.Hash)
		require.Equal(t, seq, ack.Seq)
	}

	file, err := r.Commit(ctx, &tbup.CommitRequest{Path: p, Size: int64(len(content)), BlockList: fp.Chunks, UploadID: res.UploadID, FileMD5: fp.File})
	require.NoError(t, err)
	return fp, file
}

func TestRemote_MultipartCycle(t *testing.T) {
	api := newFakeS3()
	r := newTestRemote(api)
	content := testutil.Pattern(2500, 7)

	_, file := uploadAll(t, r, "/dst/data.bin", content, 1000)
	require.Equal(t, &tbup.RemoteFile{Path: "/dst/data.bin", Size: 2500}, file)

	got, ok := api.object("backups/dst/data.bin")
	require.True(t, ok)
	require.Equal(t, content, got)
}

func TestRemote_PrecreateResumes(t *testing.T) {
	ctx := context.Background()
	api := newFakeS3()
	r := newTestRemote(api)
	content := testutil.Pattern(3000, 3)
	fp, err := fingerprint.Bytes(content, 1000)
	require.NoError(t, err)

	res, err := r.Precreate(ctx, &tbup.PrecreateRequest{Path: "/f", Size: 3000, BlockList: fp.Chunks})
	require.NoError(t, err)
	_, err = r.UploadBlock(ctx, &tbup.BlockRequest{Path: "/f", UploadID: res.UploadID, Seq: 1, Data: bytes.NewReader(content[1000:2000]), Size: 1000})
	require.NoError(t, err)

	again, err := r.Precreate(ctx, &tbup.PrecreateRequest{Path: "/f", Size: 3000, BlockList: fp.Chunks, UploadID: res.UploadID})
	require.NoError(t, err)
	require.Equal(t, &tbup.PrecreateResult{UploadID: res.UploadID, Missing: []int{0, 2}}, again)

	// An expired upload starts over with a new id.
	fresh, err := r.Precreate(ctx, &tbup.PrecreateRequest{Path: "/f", Size: 3000, BlockList: fp.Chunks, UploadID: "gone"})
	require.NoError(t, err)
	require.NotEqual(t, "gone", fresh.UploadID)
	require.Equal(t, []int{0, 1, 2}, fresh.Missing)
}

func TestRemote_UploadBlockNonSeekable(t *testing.T) {
	ctx := context.Background()
	api := newFakeS3()
	r := newTestRemote(api)

	res, err := r.Precreate(ctx, &tbup.PrecreateRequest{Path: "/f", Size: 3, BlockList: []string{testutil.MD5Hex([]byte("abc"))}})
	require.NoError(t, err)

	// Only Size bytes of a longer stream are sent.
	ack, err := r.UploadBlock(ctx, &tbup.BlockRequest{Path: "/f", UploadID: res.UploadID, Data: strings.NewReader("abcdef"), Size: 3})
	require.NoError(t, err)
	require.Equal(t, testutil.MD5Hex([]byte("abc")), ack.Hash)
}

// stallingBody sends one byte and then blocks until released.
type stallingBody struct {
	release chan struct{}
	sent    bool
}

func (b *stallingBody) Read(p []byte) (int, error) {
	if !b.sent {
		b.sent = true
		p[0] = 'x'
		return 1, nil
	}
	<-b.release
	return 0, io.EOF
}

func TestRemote_UploadBlockStalls(t *testing.T) {
	ctx := context.Background()
	api := newFakeS3()
	r := NewRemote(api, Options{Bucket: "bucket", Premium: true, IdleTimeout: 50 * time.Millisecond})

	res, err := r.Precreate(ctx, &tbup.PrecreateRequest{Path: "/f", Size: 1000, BlockList: []string{"x"}})
	require.NoError(t, err)

	release := make(chan struct{})
	defer close(release)

	done := make(chan error, 1)
	go func() {
		_, err := r.UploadBlock(ctx, &tbup.BlockRequest{Path: "/f", UploadID: res.UploadID, Data: &stallingBody{release: release}, Size: 1000})
		done <- err
	}()

	select {
	case err := <-done:
		require.ErrorIs(t, err, tbup.ErrStalled)
		require.True(t, tbup.IsTransient(err))
	case <-time.After(5 * time.Second):
		t.Fatal("UploadBlock stayed blocked after the idle timeout")
	}
}

func TestRemote_RapidUpload(t *testing.T) {
	ctx := context.Background()
	api := newFakeS3()
	r := newTestRemote(api)
	content := testutil.Pattern(2000, 9)

	fp, _ := uploadAll(t, r, "/a/original.bin", content, 1000)

	req := &tbup.RapidUploadRequest{Path: "/b/copy.bin", TargetDir: "/b", Size: 2000, FileMD5: fp.File, SliceMD5: fp.Slice, CRC32: fp.CRC32}
	file, err := r.RapidUpload(ctx, req)
	require.NoError(t, err)
	require.Equal(t, &tbup.RemoteFile{Path: "/b/copy.bin", Size: 2000}, file)

	got, ok := api.object("backups/b/copy.bin")
	require.True(t, ok)
	require.Equal(t, content, got)

	miss := *req
	miss.FileMD5 = testutil.MD5Hex([]byte("other"))
	_, err = r.RapidUpload(ctx, &miss)
	require.ErrorIs(t, err, tbup.ErrRapidUploadMiss)

	// A deleted source leaves a stale index entry.
	delete(api.objects, "backups/a/original.bin")
	delete(api.objects, "backups/b/copy.bin")
	_, err = r.RapidUpload(ctx, req)
	require.ErrorIs(t, err, tbup.ErrRapidUploadMiss)
}

func TestRemote_PutMetadata(t *testing.T) {
	api := newFakeS3()
	r := newTestRemote(api)

	require.NoError(t, r.PutMetadata(context.Background(), "journal.db", strings.NewReader("snapshot"), 8))
	got, ok := api.object("backups/.tbup/meta/journal.db")
	require.True(t, ok)
	require.Equal(t, "snapshot", string(got))
}

func TestRemote_UploadServiceEndToEnd(t *testing.T) {
	api := newFakeS3()
	r := newTestRemote(api)

	fsmgr := testutil.NewMockFilesystemManager()
	fsmgr.AddDirectory("/src")
	big := testutil.Pattern(int(9*tbup.MiB), 5)
	fsmgr.AddFile("/src/big.bin", big)
	fsmgr.AddFile("/src/dup/again.bin", big)
	fsmgr.AddFile("/src/small.txt", []byte("tiny"))

	logger := testutil.NewRecordingLogger()
	policy := tbup.ChunkPolicy{Basic: []int64{8}, Premium: []int64{8, 16}}
	svc := tbup.NewUploadService(r, fsmgr, testutil.NewMemorySidecarStore(), testutil.NewMockFingerprinter(fsmgr),
		tbup.NopJournal{}, logger, testutil.FixedClock(), testutil.NewStubIDGenerator(), policy)

	summary, err := svc.Upload(context.Background(), "/src", "/dst")
	require.NoError(t, err, logger.String())
	require.Equal(t, 2, summary.Committed, logger.String())
	require.Equal(t, 1, summary.RapidUploaded, logger.String())

	for key, want := range map[string][]byte{
		"backups/dst/big.bin":       big,
		"backups/dst/dup/again.bin": big,
		"backups/dst/small.txt":     []byte("tiny"),
	} {
		got, ok := api.object(key)
		require.True(t, ok, key)
		require.True(t, bytes.Equal(want, got), key)
	}
	require.Equal(t, 1, api.calls["CopyObject"])
}
