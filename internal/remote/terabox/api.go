package terabox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"

	"tbup-go/internal/tbup"
)

const (
	errnoNotFound       = -9
	errnoRapidForbidden = 413
)

// RapidUploadHint explains how an account becomes eligible for rapid upload.
const RapidUploadHint = "rapid upload requires joining a referral program at https://www.terabox.com/webmaster"

// flexInt decodes a JSON number or a numeric string.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	var n json.Number
	if err := json.Unmarshal(b, &n); err == nil {
		v, err := strconv.ParseInt(n.String(), 10, 64)
		if err != nil {
			return err
		}
		*f = flexInt(v)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*f = flexInt(v)
	return nil
}

func blockListJSON(list []string) string {
	if list == nil {
		list = []string{}
	}
	b, _ := json.Marshal(list)
	return string(b)
}

func tokenQuery(token string) url.Values {
	return url.Values{"jsToken": {token}}
}

// CheckSession verifies the ndus cookie.
func (c *Client) CheckSession(ctx context.Context) error {
	var resp errnoResponse
	if err := c.do(ctx, request{op: "check login", path: "/api/check/login"}, &resp); err != nil {
		return err
	}
	if resp.Errno != 0 {
		return fmt.Errorf("check login: errno %d: %w", resp.Errno, tbup.ErrSessionInvalid)
	}
	return nil
}

// Account reports whether the account has a premium membership.
func (c *Client) Account(ctx context.Context) (*tbup.Account, error) {
	var resp struct {
		errnoResponse
		Data struct {
			MemberInfo struct {
				IsVIP int `json:"is_vip"`
			} `json:"member_info"`
		} `json:"data"`
	}
	req := request{
		op:    "account",
		path:  "/rest/2.0/membership/proxy/user",
		query: url.Values{"method": {"query"}},
	}
	if err := c.do(ctx, req, &resp); err != nil {
		return nil, err
	}
	if err := resp.err("account"); err != nil {
		return nil, err
	}
	return &tbup.Account{Name: c.session.name, Premium: resp.Data.MemberInfo.IsVIP > 0}, nil
}

// ListDirectory lists dir. A missing directory yields tbup.ErrNotFound.
func (c *Client) ListDirectory(ctx context.Context, dir string) ([]tbup.RemoteEntry, error) {
	if err := c.ensureToken(ctx); err != nil {
		return nil, err
	}
	var resp struct {
		errnoResponse
		List []struct {
			ServerFilename string  `json:"server_filename"`
			Size           flexInt `json:"size"`
			IsDir          flexInt `json:"isdir"`
		} `json:"list"`
	}
	q := tokenQuery(c.session.jsToken)
	q.Set("order", "name")
	q.Set("desc", "0")
	q.Set("dir", dir)
	q.Set("num", "20000")
	q.Set("page", "1")
	q.Set("showempty", "0")
	if err := c.do(ctx, request{op: "list", path: "/api/list", query: q}, &resp); err != nil {
		return nil, err
	}
	if resp.Errno == errnoNotFound {
		return nil, fmt.Errorf("list %s: %w", dir, tbup.ErrNotFound)
	}
	if err := resp.err("list"); err != nil {
		return nil, err
	}

	entries := make([]tbup.RemoteEntry, 0, len(resp.List))
	for _, e := range resp.List {
		entries = append(entries, tbup.RemoteEntry{
			ServerFilename: e.ServerFilename,
			Size:           int64(e.Size),
			IsDir:          e.IsDir != 0,
		})
	}
	return entries, nil
}

// CreateDirectory creates dir, including missing parents.
func (c *Client) CreateDirectory(ctx context.Context, dir string) error {
	if err := c.refreshToken(ctx); err != nil {
		return err
	}
	form := url.Values{
		"path":       {dir},
		"isdir":      {"1"},
		"block_list": {"[]"},
	}
	var resp errnoResponse
	req := request{op: "create folder", method: http.MethodPost, path: "/api/create", query: tokenQuery(c.session.jsToken), form: form}
	if err := c.do(ctx, req, &resp); err != nil {
		return err
	}
	return resp.err("create folder")
}

// RapidUpload registers a file from its hashes. Without a block list the
// weak mode is used.
func (c *Client) RapidUpload(ctx context.Context, r *tbup.RapidUploadRequest) (*tbup.RemoteFile, error) {
	if err := c.refreshToken(ctx); err != nil {
		return nil, err
	}
	form := url.Values{
		"path":           {r.Path},
		"target_path":    {r.TargetDir},
		"content-length": {strconv.FormatInt(r.Size, 10)},
		"content-md5":    {r.FileMD5},
		"slice-md5":      {r.SliceMD5},
		"content-crc32":  {strconv.FormatUint(uint64(r.CRC32), 10)},
		"mode":           {"1"},
	}
	if r.BlockList != nil {
		form.Set("block_list", blockListJSON(r.BlockList))
		form.Set("rtype", "2")
	} else {
		form.Set("rtype", "3")
	}

	var resp struct {
		errnoResponse
		Info struct {
			Path string  `json:"path"`
			Size flexInt `json:"size"`
		} `json:"info"`
	}
	req := request{op: "rapid upload", method: http.MethodPost, path: "/api/rapidupload", query: tokenQuery(c.session.jsToken), form: form}
	if err := c.do(ctx, req, &resp); err != nil {
		return nil, err
	}
	switch resp.Errno {
	case 0:
		return &tbup.RemoteFile{Path: resp.Info.Path, Size: int64(resp.Info.Size)}, nil
	case errnoRapidForbidden:
		return nil, fmt.Errorf("%w: %s", tbup.ErrRapidUploadDenied, RapidUploadHint)
	default:
		return nil, fmt.Errorf("%w: %w", tbup.ErrRapidUploadMiss, resp.err("rapid upload"))
	}
}

// Precreate opens an upload session, or resumes r.UploadID, and returns the
// indices of blocks the service still needs.
func (c *Client) Precreate(ctx context.Context, r *tbup.PrecreateRequest) (*tbup.PrecreateResult, error) {
	if err := c.refreshToken(ctx); err != nil {
		return nil, err
	}
	form := url.Values{
		"path":          {r.Path},
		"size":          {strconv.FormatInt(r.Size, 10)},
		"isdir":         {"0"},
		"block_list":    {blockListJSON(r.BlockList)},
		"autoinit":      {"1"},
		"rtype":         {"2"},
		"content-md5":   {r.FileMD5},
		"slice-md5":     {r.SliceMD5},
		"content-crc32": {strconv.FormatUint(uint64(r.CRC32), 10)},
	}
	if r.UploadID != "" {
		form.Set("uploadid", r.UploadID)
	}

	var resp struct {
		errnoResponse
		UploadID  string `json:"uploadid"`
		BlockList []int  `json:"block_list"`
	}
	req := request{op: "precreate", method: http.MethodPost, path: "/api/precreate", query: tokenQuery(c.session.jsToken), form: form}
	if err := c.do(ctx, req, &resp); err != nil {
		return nil, err
	}
	if err := resp.err("precreate"); err != nil {
		return nil, err
	}
	return &tbup.PrecreateResult{UploadID: resp.UploadID, Missing: resp.BlockList}, nil
}

// UploadBlock sends one block as a multipart form to the upload host.
func (c *Client) UploadBlock(ctx context.Context, r *tbup.BlockRequest) (*tbup.BlockAck, error) {
	var head bytes.Buffer
	mw := multipart.NewWriter(&head)
	if _, err := mw.CreateFormFile("file", "blob"); err != nil {
		return nil, fmt.Errorf("upload block: %w", err)
	}
	headLen := head.Len()
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("upload block: %w", err)
	}
	tail := bytes.Clone(head.Bytes()[headLen:])
	head.Truncate(headLen)

	var progress func(int64)
	if r.Progress != nil {
		progress = func(sent int64) {
			r.Progress(min(max(sent-int64(headLen), 0), r.Size))
		}
	}

	q := url.Values{
		"method":   {"upload"},
		"path":     {r.Path},
		"uploadid": {r.UploadID},
		"partseq":  {strconv.Itoa(r.Seq)},
	}
	req := request{
		op:       fmt.Sprintf("upload block %d", r.Seq),
		method:   http.MethodPost,
		base:     c.uploadURL,
		path:     "/rest/2.0/pcs/superfile2",
		query:    q,
		body:     io.MultiReader(bytes.NewReader(head.Bytes()), io.LimitReader(r.Data, r.Size), bytes.NewReader(tail)),
		length:   int64(head.Len()) + r.Size + int64(len(tail)),
		header:   http.Header{"Content-Type": {mw.FormDataContentType()}},
		progress: progress,
	}

	var resp struct {
		MD5       string  `json:"md5"`
		PartSeq   flexInt `json:"partseq"`
		ErrorCode int     `json:"error_code"`
		ErrorMsg  string  `json:"error_msg"`
	}
	if err := c.do(ctx, req, &resp); err != nil {
		return nil, err
	}
	if resp.ErrorCode != 0 {
		return nil, &tbup.APIError{Op: req.op, Errno: resp.ErrorCode, Msg: resp.ErrorMsg}
	}
	return &tbup.BlockAck{Seq: int(resp.PartSeq), Hash: resp.MD5}, nil
}

// Commit registers the file assembled from the session's blocks.
func (c *Client) Commit(ctx context.Context, r *tbup.CommitRequest) (*tbup.RemoteFile, error) {
	if err := c.refreshToken(ctx); err != nil {
		return nil, err
	}
	form := url.Values{
		"path":       {r.Path},
		"size":       {strconv.FormatInt(r.Size, 10)},
		"isdir":      {"0"},
		"block_list": {blockListJSON(r.BlockList)},
		"uploadid":   {r.UploadID},
		"rtype":      {"2"},
	}

	var resp struct {
		errnoResponse
		Path string  `json:"path"`
		Name string  `json:"name"`
		Size flexInt `json:"size"`
	}
	req := request{op: "create file", method: http.MethodPost, path: "/api/create", query: tokenQuery(c.session.jsToken), form: form}
	if err := c.do(ctx, req, &resp); err != nil {
		return nil, err
	}
	if err := resp.err("create file"); err != nil {
		return nil, err
	}
	path := resp.Path
	if path == "" {
		path = resp.Name
	}
	return &tbup.RemoteFile{Path: path, Size: int64(resp.Size)}, nil
}
