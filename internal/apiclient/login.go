package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// loginPaths are the sibling paths probed when the configured login URL
// answers 404. Vendor installs disagree on where the login route lives.
var loginPaths = []string{"/login", "/api/login", "/auth/login", "/v1/login"}

// tokenKeys are the response fields accepted as the bearer token, in
// preference order.
var tokenKeys = []string{"token", "access_token", "jwt", "id_token"}

// login exchanges the configured credentials for a bearer token. Callers
// hold the client mutex.
func (c *Client) login(ctx context.Context) (string, error) {
	loginURL := strings.TrimSpace(c.opts.LoginURL)
	if loginURL == "" {
		return "", ErrNoLoginURL
	}
	if strings.TrimSpace(c.opts.User) == "" || c.opts.Password == "" {
		return "", ErrNoCredentials
	}

	resp, err := c.postLogin(ctx, loginURL)
	if err != nil {
		return "", err
	}
	used := loginURL

	if resp.StatusCode == http.StatusNotFound {
		for _, candidate := range loginCandidates(loginURL, c.opts.ProbePorts) {
			probe, perr := c.postLogin(ctx, candidate)
			if perr != nil {
				if ctx.Err() != nil {
					return "", ctx.Err()
				}
				continue
			}
			if probe.StatusCode == http.StatusNotFound {
				continue
			}
			resp, used = probe, candidate
			break
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: HTTP %d em %s", ErrLoginFailed, resp.StatusCode, used)
	}

	token := extractToken(resp.JSON)
	if token == "" {
		return "", ErrNoToken
	}
	if used != loginURL {
		c.log.Warn().Str("configured", loginURL).Str("used", used).
			Msg("configured login URL answered 404, probed sibling accepted the login")
	}
	return token, nil
}

func (c *Client) postLogin(ctx context.Context, rawURL string) (Response, error) {
	body, err := json.Marshal(map[string]string{
		"user": c.opts.User,
		"pass": c.opts.Password,
	})
	if err != nil {
		return Response{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("%w: %q", ErrInvalidLoginURL, rawURL)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer httpResp.Body.Close()
	return parseResponse(httpResp)
}

// loginCandidates builds the probe list: every known login path on the
// configured host, then the same paths on each probe port. The configured
// URL itself is skipped.
func loginCandidates(configured string, probePorts []int) []string {
	u, err := url.Parse(configured)
	if err != nil || u.Host == "" {
		return nil
	}

	hosts := []string{u.Host}
	for _, port := range probePorts {
		h := net.JoinHostPort(u.Hostname(), strconv.Itoa(port))
		if h == u.Host {
			continue
		}
		hosts = append(hosts, h)
	}

	out := make([]string, 0, len(hosts)*len(loginPaths))
	for _, host := range hosts {
		for _, path := range loginPaths {
			candidate := u.Scheme + "://" + host + path
			if candidate == configured {
				continue
			}
			out = append(out, candidate)
		}
	}
	return out
}

// extractToken pulls the token out of a login response body, accepting
// any of the known key spellings.
func extractToken(body any) string {
	obj, ok := body.(map[string]any)
	if !ok {
		return ""
	}
	for _, key := range tokenKeys {
		if v, ok := obj[key]; ok {
			if s := strings.TrimSpace(fmt.Sprint(v)); s != "" && s != "<nil>" {
				return s
			}
		}
	}
	return ""
}
