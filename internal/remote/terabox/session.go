package terabox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

var (
	templateDataRe = regexp.MustCompile(`<script>var templateData = (.*);</script>`)
	jsTokenRe      = regexp.MustCompile(`%28%22(.*)%22%29`)
)

// errNoToken means the main page carried no usable jsToken.
var errNoToken = errors.New("jsToken not found in page data")

// Session is the authenticated state of one account.
type Session struct {
	name    string
	ndus    string
	jsToken string
}

func newSession(name, ndus string) *Session {
	return &Session{name: name, ndus: ndus}
}

func (s *Session) cookie() string {
	return "lang=en; ndus=" + s.ndus
}

// refreshToken loads the main page and extracts the request token that the
// mutating endpoints require.
func (c *Client) refreshToken(ctx context.Context) error {
	var page []byte
	if err := c.do(ctx, request{op: "app data", path: "/main"}, &page); err != nil {
		return err
	}
	token, err := parseJSToken(page)
	if err != nil {
		return fmt.Errorf("app data: %w", err)
	}
	c.session.jsToken = token
	return nil
}

// ensureToken fetches the token if this session has none yet.
func (c *Client) ensureToken(ctx context.Context) error {
	if c.session.jsToken != "" {
		return nil
	}
	return c.refreshToken(ctx)
}

func parseJSToken(page []byte) (string, error) {
	m := templateDataRe.FindSubmatch(page)
	if m == nil {
		return "", errNoToken
	}
	var data struct {
		JSToken string `json:"jsToken"`
	}
	if err := json.Unmarshal(m[1], &data); err != nil {
		return "", fmt.Errorf("decoding template data: %w", err)
	}
	t := jsTokenRe.FindStringSubmatch(data.JSToken)
	if t == nil {
		return "", errNoToken
	}
	return t[1], nil
}
