// Package terabox implements tbup.Remote against the TeraBox web API.
package terabox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tbup-go/internal/remote/idle"
	"tbup-go/internal/tbup"
)

const (
	DefaultBaseURL     = "https://www.terabox.com"
	DefaultUploadURL   = "https://c-jp.terabox.com"
	DefaultUserAgent   = "terabox;1.31.0.1;PC;PC-Windows;10.0.22631;WindowsTeraBox"
	DefaultIdleTimeout = 10 * time.Second
)

// Options tunes a Client. Zero values take the defaults above.
type Options struct {
	BaseURL     string
	UploadURL   string
	UserAgent   string
	IdleTimeout time.Duration
	HTTPClient  *http.Client
	Logger      tbup.Logger
}

// Client talks to one TeraBox account. It is not safe for concurrent use.
type Client struct {
	http      *http.Client
	baseURL   string
	uploadURL string
	userAgent string
	idle      time.Duration
	logger    tbup.Logger
	session   *Session
}

// NewClient creates a Client for the account identified by its ndus cookie.
func NewClient(name, ndus string, opts Options) *Client {
	c := &Client{
		http:      opts.HTTPClient,
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		uploadURL: strings.TrimRight(opts.UploadURL, "/"),
		userAgent: opts.UserAgent,
		idle:      opts.IdleTimeout,
		logger:    opts.Logger,
		session:   newSession(name, ndus),
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.uploadURL == "" {
		c.uploadURL = DefaultUploadURL
	}
	if c.userAgent == "" {
		c.userAgent = DefaultUserAgent
	}
	if c.idle <= 0 {
		c.idle = DefaultIdleTimeout
	}
	if c.logger == nil {
		c.logger = tbup.NewNopLogger()
	}
	return c
}

// appParams are sent with every API call.
func appParams() url.Values {
	return url.Values{
		"app_id":     {"250528"},
		"web":        {"1"},
		"channel":    {"dubox"},
		"clienttype": {"0"},
	}
}

// errnoResponse is the envelope shared by the JSON endpoints.
type errnoResponse struct {
	Errno  int    `json:"errno"`
	ErrMsg string `json:"errmsg"`
}

func (r errnoResponse) err(op string) error {
	if r.Errno == 0 {
		return nil
	}
	return &tbup.APIError{Op: op, Errno: r.Errno, Msg: r.ErrMsg}
}

// request describes one call. Query values are merged over the app params.
type request struct {
	op     string
	method string
	base   string
	path   string
	query  url.Values
	form   url.Values
	body   io.Reader
	length int64
	header http.Header

	// progress receives the running count of body bytes sent.
	progress func(int64)
}

// do performs req under the idle watchdog and decodes the JSON response into out.
func (c *Client) do(ctx context.Context, req request, out any) error {
	q := appParams()
	for k, v := range req.query {
		q[k] = v
	}
	base := req.base
	if base == "" {
		base = c.baseURL
	}
	target := base + req.path + "?" + q.Encode()

	ctx, watch := idle.Watch(ctx, c.idle)
	defer watch.Close()

	body := req.body
	length := req.length
	if req.form != nil {
		encoded := req.form.Encode()
		body = strings.NewReader(encoded)
		length = int64(len(encoded))
	}
	method := req.method
	if method == "" {
		method = http.MethodGet
	}

	var httpBody io.Reader
	if body != nil {
		httpBody = watch.Reader(body, req.progress)
	}
	hr, err := http.NewRequestWithContext(ctx, method, target, httpBody)
	if err != nil {
		return fmt.Errorf("%s: %w", req.op, err)
	}
	if httpBody != nil {
		hr.ContentLength = length
	}
	for k, v := range req.header {
		hr.Header[k] = v
	}
	if req.form != nil {
		hr.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	hr.Header.Set("User-Agent", c.userAgent)
	hr.Header.Set("Cookie", c.session.cookie())

	resp, err := c.http.Do(hr)
	if err != nil {
		return c.wrapErr(ctx, req.op, err)
	}
	defer resp.Body.Close()
	// The response is small; the watchdog only guards the request body.
	watch.Stop()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%s: HTTP %d: %w", req.op, resp.StatusCode, tbup.ErrSessionInvalid)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s: HTTP error, status %d", req.op, resp.StatusCode)
	}

	if raw, ok := out.(*[]byte); ok {
		*raw, err = io.ReadAll(resp.Body)
		if err != nil {
			return c.wrapErr(ctx, req.op, err)
		}
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decoding response: %w", req.op, err)
	}
	return nil
}

// wrapErr reports a stalled transfer as tbup.ErrStalled.
func (c *Client) wrapErr(ctx context.Context, op string, err error) error {
	if idle.Stalled(ctx) {
		c.logger.Debug("request stalled", "op", op, "idle", c.idle)
		return fmt.Errorf("%s: %w", op, tbup.ErrStalled)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Compile-time checks
var _ tbup.Remote = (*Client)(nil)
