// Package s3 implements tbup.Remote on an S3-compatible bucket using
// multipart uploads. Parts map to blocks and part ETags serve as block hashes.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"tbup-go/internal/remote/idle"
	"tbup-go/internal/tbup"
)

const (
	// indexDir holds one marker object per committed content hash.
	indexDir = ".tbup/content/"
	// metadataDir holds auxiliary files such as journal snapshots.
	metadataDir = ".tbup/meta/"

	metaFileMD5 = "tbup-content-md5"
	metaSource  = "tbup-source"

	// maxCopySize is the largest object a single CopyObject can duplicate.
	maxCopySize = 5 * tbup.GiB
)

// API is the subset of the S3 client used by Remote.
type API interface {
	manager.UploadAPIClient
	s3.ListObjectsV2APIClient
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, opts ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	ListParts(ctx context.Context, in *s3.ListPartsInput, opts ...func(*s3.Options)) (*s3.ListPartsOutput, error)
}

// Remote stores uploads under a key prefix in one bucket.
type Remote struct {
	api      API
	uploader *manager.Uploader
	bucket   string
	prefix   string
	premium  bool
	idle     time.Duration
	logger   tbup.Logger
}

// Options configures a Remote.
type Options struct {
	Bucket string
	Prefix string
	// Premium selects the premium chunk tier for this bucket.
	Premium     bool
	IdleTimeout time.Duration
	Logger      tbup.Logger
}

// NewRemote creates a Remote backed by api.
func NewRemote(api API, opts Options) *Remote {
	logger := opts.Logger
	if logger == nil {
		logger = tbup.NewNopLogger()
	}
	prefix := strings.Trim(opts.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &Remote{
		api:      api,
		uploader: manager.NewUploader(api),
		bucket:   opts.Bucket,
		prefix:   prefix,
		premium:  opts.Premium,
		idle:     opts.IdleTimeout,
		logger:   logger,
	}
}

// key maps a remote path to an object key.
func (r *Remote) key(p string) string {
	return r.prefix + strings.TrimPrefix(path.Clean("/"+p), "/")
}

// dirKey maps a remote directory to its listing prefix. The root maps to the bare prefix.
func (r *Remote) dirKey(dir string) string {
	k := r.key(dir)
	if k == "" || strings.HasSuffix(k, "/") {
		return k
	}
	return k + "/"
}

// CheckSession verifies that the credentials can reach the bucket.
func (r *Remote) CheckSession(ctx context.Context) error {
	_, err := r.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(r.bucket)})
	if err != nil {
		if status := httpStatus(err); status == 401 || status == 403 {
			return fmt.Errorf("head bucket %s: %w", r.bucket, tbup.ErrSessionInvalid)
		}
		return wrapErr("head bucket", err)
	}
	return nil
}

// Account names the bucket. The tier comes from configuration.
func (r *Remote) Account(ctx context.Context) (*tbup.Account, error) {
	return &tbup.Account{Name: r.bucket, Premium: r.premium}, nil
}

// ListDirectory lists the immediate children of dir.
func (r *Remote) ListDirectory(ctx context.Context, dir string) ([]tbup.RemoteEntry, error) {
	prefix := r.dirKey(dir)
	p := s3.NewListObjectsV2Paginator(r.api, &s3.ListObjectsV2Input{
		Bucket:    aws.String(r.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	var entries []tbup.RemoteEntry
	exists := prefix == r.prefix
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, wrapErr("list objects", err)
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			if prefix == r.prefix && name == ".tbup" {
				continue
			}
			exists = true
			entries = append(entries, tbup.RemoteEntry{ServerFilename: name, IsDir: true})
		}
		for _, obj := range page.Contents {
			exists = true
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if name == "" {
				// Directory marker.
				continue
			}
			entries = append(entries, tbup.RemoteEntry{ServerFilename: name, Size: aws.ToInt64(obj.Size)})
		}
	}
	if !exists {
		return nil, fmt.Errorf("list %s: %w", dir, tbup.ErrNotFound)
	}
	return entries, nil
}

// CreateDirectory writes a directory marker object.
func (r *Remote) CreateDirectory(ctx context.Context, dir string) error {
	_, err := r.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(r.bucket),
		Key:           aws.String(r.dirKey(dir)),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
	})
	if err != nil {
		return wrapErr("create directory", err)
	}
	return nil
}

// indexKey identifies content by its whole-file hash and size.
func (r *Remote) indexKey(fileMD5 string, size int64) string {
	return r.prefix + indexDir + strings.ToLower(fileMD5) + "-" + strconv.FormatInt(size, 10)
}

// RapidUpload copies an object with the same content, if one was committed before.
func (r *Remote) RapidUpload(ctx context.Context, req *tbup.RapidUploadRequest) (*tbup.RemoteFile, error) {
	idx, err := r.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(r.indexKey(req.FileMD5, req.Size)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, tbup.ErrRapidUploadMiss
		}
		return nil, wrapErr("rapid upload", err)
	}
	source := idx.Metadata[metaSource]
	if source == "" {
		return nil, tbup.ErrRapidUploadMiss
	}

	src, err := r.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(r.bucket), Key: aws.String(source)})
	if err != nil {
		if isNotFound(err) {
			r.logger.Debug("stale content index entry", "source", source)
			return nil, tbup.ErrRapidUploadMiss
		}
		return nil, wrapErr("rapid upload", err)
	}
	if aws.ToInt64(src.ContentLength) != req.Size || !strings.EqualFold(src.Metadata[metaFileMD5], req.FileMD5) {
		return nil, tbup.ErrRapidUploadMiss
	}
	if req.Size > maxCopySize {
		return nil, fmt.Errorf("%w: object larger than a single copy allows", tbup.ErrRapidUploadMiss)
	}

	target := r.key(req.Path)
	if target != source {
		_, err = r.api.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(r.bucket),
			Key:        aws.String(target),
			CopySource: aws.String(copySource(r.bucket, source)),
		})
		if err != nil {
			return nil, wrapErr("rapid upload", err)
		}
	}
	return &tbup.RemoteFile{Path: req.Path, Size: req.Size}, nil
}

// Precreate starts a multipart upload, or resumes req.UploadID when it is
// still open, and reports the blocks whose parts are absent or differ.
func (r *Remote) Precreate(ctx context.Context, req *tbup.PrecreateRequest) (*tbup.PrecreateResult, error) {
	if req.UploadID != "" {
		have, err := r.listParts(ctx, req.Path, req.UploadID)
		switch {
		case err == nil:
			var missing []int
			for i, want := range req.BlockList {
				if !strings.EqualFold(have[i], want) {
					missing = append(missing, i)
				}
			}
			return &tbup.PrecreateResult{UploadID: req.UploadID, Missing: missing}, nil
		case isNoSuchUpload(err):
			r.logger.Debug("multipart upload expired, starting over", "path", req.Path)
		default:
			return nil, wrapErr("list parts", err)
		}
	}

	out, err := r.api.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:   aws.String(r.bucket),
		Key:      aws.String(r.key(req.Path)),
		Metadata: map[string]string{metaFileMD5: req.FileMD5},
	})
	if err != nil {
		return nil, wrapErr("create multipart upload", err)
	}
	missing := make([]int, len(req.BlockList))
	for i := range missing {
		missing[i] = i
	}
	return &tbup.PrecreateResult{UploadID: aws.ToString(out.UploadId), Missing: missing}, nil
}

// listParts returns the ETag of every uploaded part keyed by block index.
func (r *Remote) listParts(ctx context.Context, p, uploadID string) (map[int]string, error) {
	have := make(map[int]string)
	pages := s3.NewListPartsPaginator(r.api, &s3.ListPartsInput{
		Bucket:   aws.String(r.bucket),
		Key:      aws.String(r.key(p)),
		UploadId: aws.String(uploadID),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, part := range page.Parts {
			have[int(aws.ToInt32(part.PartNumber))-1] = etag(part.ETag)
		}
	}
	return have, nil
}

// UploadBlock uploads one part. The part number is the block index plus one.
func (r *Remote) UploadBlock(ctx context.Context, req *tbup.BlockRequest) (*tbup.BlockAck, error) {
	body := io.LimitReader(req.Data, req.Size)
	if rs, ok := req.Data.(io.ReadSeeker); ok {
		start, err := rs.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, fmt.Errorf("upload part %d: %w", req.Seq+1, err)
		}
		body = io.NewSectionReader(readerAt{rs}, start, req.Size)
	}
	if r.idle > 0 {
		var watch *idle.Watchdog
		ctx, watch = idle.Watch(ctx, r.idle)
		defer watch.Close()
		body = watch.Reader(body, req.Progress)
	}

	out, err := r.api.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(r.bucket),
		Key:           aws.String(r.key(req.Path)),
		UploadId:      aws.String(req.UploadID),
		PartNumber:    aws.Int32(int32(req.Seq + 1)),
		Body:          body,
		ContentLength: aws.Int64(req.Size),
	})
	if err != nil {
		if idle.Stalled(ctx) {
			return nil, fmt.Errorf("upload part %d: %w", req.Seq+1, tbup.ErrStalled)
		}
		return nil, wrapErr(fmt.Sprintf("upload part %d", req.Seq+1), err)
	}
	return &tbup.BlockAck{Seq: req.Seq, Hash: etag(out.ETag)}, nil
}

// Commit completes the multipart upload and indexes the content for later rapid uploads.
func (r *Remote) Commit(ctx context.Context, req *tbup.CommitRequest) (*tbup.RemoteFile, error) {
	parts := make([]types.CompletedPart, len(req.BlockList))
	for i, h := range req.BlockList {
		parts[i] = types.CompletedPart{
			ETag:       aws.String(`"` + h + `"`),
			PartNumber: aws.Int32(int32(i + 1)),
		}
	}
	key := r.key(req.Path)
	_, err := r.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(r.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(req.UploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return nil, wrapErr("complete multipart upload", err)
	}

	head, err := r.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(r.bucket), Key: aws.String(key)})
	if err != nil {
		return nil, wrapErr("head object", err)
	}
	size := aws.ToInt64(head.ContentLength)

	if req.FileMD5 != "" && size == req.Size {
		_, err := r.api.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(r.bucket),
			Key:           aws.String(r.indexKey(req.FileMD5, size)),
			Body:          bytes.NewReader(nil),
			ContentLength: aws.Int64(0),
			Metadata:      map[string]string{metaSource: key},
		})
		if err != nil {
			r.logger.Warn("failed to index committed object", "path", req.Path, "error", err)
		}
	}
	return &tbup.RemoteFile{Path: req.Path, Size: size}, nil
}

// PutMetadata uploads an auxiliary file through the transfer manager.
func (r *Remote) PutMetadata(ctx context.Context, name string, body io.Reader, size int64) error {
	_, err := r.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(r.bucket),
		Key:           aws.String(r.prefix + metadataDir + name),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return wrapErr("put metadata", err)
	}
	return nil
}

// readerAt adapts a seeker for io.SectionReader so retries can rewind.
type readerAt struct {
	rs io.ReadSeeker
}

func (a readerAt) ReadAt(p []byte, off int64) (int, error) {
	if _, err := a.rs.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return io.ReadFull(a.rs, p)
}

// copySource builds the URL-encoded bucket/key reference CopyObject expects.
func copySource(bucket, key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return bucket + "/" + strings.Join(parts, "/")
}

func etag(s *string) string {
	return strings.ToLower(strings.Trim(aws.ToString(s), `"`))
}

// wrapErr converts service errors into tbup.APIError values.
func wrapErr(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return &tbup.APIError{Op: op, Errno: httpStatus(err), Msg: apiErr.ErrorCode() + ": " + apiErr.ErrorMessage()}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func httpStatus(err error) int {
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode()
	}
	return 0
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	return errors.As(err, &nf) || errors.As(err, &nsk) || httpStatus(err) == 404
}

func isNoSuchUpload(err error) bool {
	var nsu *types.NoSuchUpload
	if errors.As(err, &nsu) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchUpload"
}

// Compile-time checks
var (
	_ tbup.Remote       = (*Remote)(nil)
	_ tbup.MetadataSink = (*Remote)(nil)
)

// MinPartSize is the smallest part S3 accepts except for the last one.
const MinPartSize = 5 * tbup.MiB

// DefaultChunkPolicy keeps every part above MinPartSize. Buckets have no
// tiers, so both tables are the same.
var DefaultChunkPolicy = tbup.ChunkPolicy{
	Premium: []int64{8, 16, 32, 64, 128},
	Basic:   []int64{8, 16, 32, 64, 128},
}
