// Package apiclient talks to the downstream transport-management API: a
// credential login that issues a bearer token, then JSON POSTs per event.
// The token is cached under a mutex and rotated proactively near its exp
// claim, or reactively when a call answers 401.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/DiegoSheetszu/Cadastrei/internal/metrics"
)

// tokenRefreshWindow is how close to the exp claim a cached token is still
// considered usable. Tokens without an exp claim only rotate on 401.
const tokenRefreshWindow = 60 * time.Second

// Options configure one client instance. Registry profiles and the env
// defaults both reduce to this shape.
type Options struct {
	LoginURL string
	BaseURL  string
	User     string
	Password string
	Timeout  time.Duration

	// ProbePorts lists extra ports tried during login-path probing when
	// the configured login URL answers 404. Empty keeps the probe on the
	// configured port.
	ProbePorts []int
}

// Response is the typed result of one API call: the status code, the body
// parsed as JSON when it is JSON, and the raw body text either way.
type Response struct {
	StatusCode int
	JSON       any
	Text       string
}

// Client posts JSON payloads to the downstream API under a cached bearer
// token. Safe for concurrent use; token rotation is serialized.
type Client struct {
	opts Options
	base *url.URL
	http *http.Client
	log  zerolog.Logger

	mu       sync.Mutex
	token    string
	expireAt time.Time
}

// New builds a client. The base URL is the explicit one when set,
// otherwise derived from the login URL with a trailing /login stripped.
func New(opts Options, log zerolog.Logger) (*Client, error) {
	if opts.Timeout < time.Second {
		opts.Timeout = time.Second
	}
	base, err := resolveBaseURL(opts.BaseURL, opts.LoginURL)
	if err != nil {
		return nil, err
	}
	return &Client{
		opts: opts,
		base: base,
		http: &http.Client{Timeout: opts.Timeout},
		log:  log,
	}, nil
}

// BaseURL returns the resolved base URL, for logs and status reporting.
func (c *Client) BaseURL() string {
	return strings.TrimRight(c.base.String(), "/")
}

// Authenticate returns a valid bearer token, logging in when the cache is
// empty, close to expiry, or force is set. Concurrent callers serialize on
// the client mutex so rotation happens once.
func (c *Client) Authenticate(ctx context.Context, force bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !force && c.token != "" && !c.expiringSoon(time.Now()) {
		return c.token, nil
	}

	token, err := c.login(ctx)
	if err != nil {
		return "", err
	}
	c.token = token
	c.expireAt = tokenExpiry(token)
	metrics.AuthRefreshes.Inc()

	evt := c.log.Debug().Bool("forced", force)
	if !c.expireAt.IsZero() {
		evt = evt.Time("expiresAt", c.expireAt)
	}
	evt.Msg("authenticated against downstream API")
	return token, nil
}

func (c *Client) expiringSoon(now time.Time) bool {
	return !c.expireAt.IsZero() && now.After(c.expireAt.Add(-tokenRefreshWindow))
}

// PostJSON delivers one JSON payload to an endpoint path under the base
// URL. A 401 triggers exactly one forced re-login and a second attempt;
// every other status is returned to the caller as-is.
func (c *Client) PostJSON(ctx context.Context, endpoint string, payload any) (Response, error) {
	token, err := c.Authenticate(ctx, false)
	if err != nil {
		return Response{}, err
	}

	resp, err := c.post(ctx, endpoint, payload, token)
	if err != nil {
		return Response{}, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	c.log.Warn().Str("endpoint", endpoint).Msg("downstream API answered 401, re-authenticating")
	token, err = c.Authenticate(ctx, true)
	if err != nil {
		return Response{}, err
	}
	return c.post(ctx, endpoint, payload, token)
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, token string) (Response, error) {
	path := strings.TrimSpace(endpoint)
	if path == "" {
		return Response{}, ErrEmptyEndpoint
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	ref, err := url.Parse(path)
	if err != nil {
		return Response{}, fmt.Errorf("endpoint %q: %w", endpoint, err)
	}
	target := c.base.ResolveReference(ref)

	body, err := json.Marshal(payload)
	if err != nil {
		return Response{}, fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	httpResp, err := c.http.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer httpResp.Body.Close()
	return parseResponse(httpResp)
}

// parseResponse keeps both views of the body. A non-JSON body leaves JSON
// nil; callers decide what that means.
func parseResponse(resp *http.Response) (Response, error) {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{StatusCode: resp.StatusCode}, err
	}
	out := Response{
		StatusCode: resp.StatusCode,
		Text:       strings.TrimSpace(string(raw)),
	}
	var parsed any
	if json.Unmarshal(raw, &parsed) == nil {
		out.JSON = parsed
	}
	return out, nil
}

// tokenExpiry extracts the exp claim when the token parses as a JWT. No
// signature check happens; the token is otherwise opaque to this client.
func tokenExpiry(token string) time.Time {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// resolveBaseURL picks the POST base: the explicit base URL, else the
// login URL minus a trailing /login segment.
func resolveBaseURL(baseURL, loginURL string) (*url.URL, error) {
	if v := strings.TrimSpace(baseURL); v != "" {
		u, err := url.Parse(strings.TrimRight(v, "/") + "/")
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("%w: base URL %q", ErrInvalidLoginURL, v)
		}
		return u, nil
	}

	v := strings.TrimSpace(loginURL)
	if v == "" {
		return nil, ErrNoBaseURL
	}
	u, err := url.Parse(v)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidLoginURL, v)
	}

	path := strings.TrimRight(u.Path, "/")
	if strings.HasSuffix(strings.ToLower(path), "/login") {
		path = path[:len(path)-len("/login")]
	}
	u.Path = path + "/"
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}
