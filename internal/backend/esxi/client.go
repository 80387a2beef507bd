package esxi

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	defaultTimeout = 30 * time.Second
	sessionHeader  = "vmware-api-session-id"
)

// errNoSession is returned by calls made before login.
var errNoSession = errors.New("esxi: no session")

// StatusError is a non-2xx reply from the management API.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	msg := strings.TrimSpace(e.Body)
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return fmt.Sprintf("esxi: %s %s: HTTP %d: %s", e.Method, e.Path, e.Code, msg)
}

func isStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

// client is a session-authenticated JSON client for the REST API.
type client struct {
	http     *http.Client
	base     string
	username string
	password string

	mu      sync.Mutex
	session string
}

func newClient(rawURL, username, password string, insecure bool, timeout time.Duration) (*client, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("esxi: URL is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if insecure {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &client{
		http:     &http.Client{Timeout: timeout, Transport: tr},
		base:     normalizeURL(rawURL),
		username: username,
		password: password,
	}, nil
}

// normalizeURL trims trailing slashes and appends /api when missing.
func normalizeURL(rawURL string) string {
	u := strings.TrimRight(rawURL, "/")
	if !strings.HasSuffix(u, "/api") {
		u += "/api"
	}
	return u
}

// login opens a session with basic credentials.
func (c *client) login(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/session", nil)
	if err != nil {
		return fmt.Errorf("esxi: create request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("esxi: login: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("esxi: authentication failed (HTTP 401)")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Method: http.MethodPost, Path: "/session", Code: resp.StatusCode, Body: string(body)}
	}
	var token string
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return fmt.Errorf("esxi: decode session token: %w", err)
	}
	c.mu.Lock()
	c.session = token
	c.mu.Unlock()
	return nil
}

// logout ends the session. A missing session is not an error.
func (c *client) logout(ctx context.Context) error {
	c.mu.Lock()
	token := c.session
	c.session = ""
	c.mu.Unlock()
	if token == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.base+"/session", nil)
	if err != nil {
		return fmt.Errorf("esxi: create request: %w", err)
	}
	req.Header.Set(sessionHeader, token)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("esxi: logout: %w", err)
	}
	_ = resp.Body.Close()
	return nil
}

func (c *client) token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// do sends one JSON request. in is encoded as the body when non-nil; the
// reply is decoded into out when non-nil. An expired session is renewed once.
func (c *client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	if c.token() == "" {
		return errNoSession
	}
	err := c.once(ctx, method, path, query, in, out)
	if isStatus(err, http.StatusUnauthorized) {
		if lerr := c.login(ctx); lerr != nil {
			return fmt.Errorf("%w (re-login: %v)", err, lerr)
		}
		err = c.once(ctx, method, path, query, in, out)
	}
	return err
}

func (c *client) once(ctx context.Context, method, path string, query url.Values, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("esxi: marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("esxi: create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(sessionHeader, c.token())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("esxi: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: string(b)}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("esxi: decode %s %s: %w", method, path, err)
	}
	return nil
}

func action(name string) url.Values { return url.Values{"action": {name}} }
