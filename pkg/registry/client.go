// Package registry is the HTTP core shared by the registry source and
// the registry pusher: Docker Registry API V2 requests with Basic or
// Bearer token auth, a thread-safe token cache, and exponential
// backoff retries for transient failures.
//
// https://docs.docker.com/registry/spec/api/
// https://github.com/opencontainers/distribution-spec/blob/main/spec.md
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// Transient failures are retried with exponential backoff.
	maxAttempts    = 5
	connectTimeout = 30 * time.Second
	readTimeout    = 300 * time.Second

	userAgent = "occystrap/1.0"
)

var backoffBase = 2 * time.Second

// APIError is a non-2xx registry response that Do could not recover
// from.
type APIError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("registry request %s %s failed with status %d: %s",
		e.Method, e.URL, e.StatusCode, e.Body)
}

// AuthError is a 401 the client could not satisfy, either because no
// credentials were supplied or because the registry rejected them.
type AuthError struct {
	Registry string
	Reason   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication with registry %s failed: %s", e.Registry, e.Reason)
}

type bearerToken struct {
	token   string
	expires time.Time
}

// BodyFunc supplies a fresh request body for each attempt, so retries
// can replay uploads. A nil BodyFunc means no body.
type BodyFunc func() (io.Reader, int64, error)

// Client talks to one repository on one registry host.
type Client struct {
	Log      *logrus.Entry
	Host     string
	Repo     string
	Secure   bool
	Username string
	Password string

	// Scope is the token scope requested during the Bearer flow,
	// e.g. "pull" or "pull,push".
	Scope string

	HTTP *http.Client

	mu       sync.Mutex
	tokens   map[string]bearerToken
	useBasic bool
}

// New constructs a client for one repository. Scope should be "pull"
// for sources and "pull,push" for sinks.
func New(log *logrus.Entry, host, repo string, secure bool, username, password, scope string) *Client {
	return &Client{
		Log:      log.WithFields(logrus.Fields{"registry": host, "repo": repo}),
		Host:     host,
		Repo:     repo,
		Secure:   secure,
		Username: username,
		Password: password,
		Scope:    scope,
		HTTP: &http.Client{
			Timeout: readTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: connectTimeout,
				}).DialContext,
				Proxy: http.ProxyFromEnvironment,
			},
		},
		tokens: map[string]bearerToken{},
	}
}

// BaseURL is the scheme and host portion of every request URL.
func (c *Client) BaseURL() string {
	moniker := "https"
	if !c.Secure {
		moniker = "http"
	}
	return fmt.Sprintf("%s://%s", moniker, c.Host)
}

// URL builds a /v2/<repo>/... URL for this client's repository.
func (c *Client) URL(format string, args ...interface{}) string {
	return fmt.Sprintf("%s/v2/%s%s", c.BaseURL(), c.Repo, fmt.Sprintf(format, args...))
}

var challengeParamRe = regexp.MustCompile(`(\w+)="([^"]*)"`)

func parseChallenge(header string) (scheme string, params map[string]string) {
	params = map[string]string{}
	parts := strings.SplitN(header, " ", 2)
	scheme = parts[0]
	if len(parts) == 2 {
		for _, m := range challengeParamRe.FindAllStringSubmatch(parts[1], -1) {
			params[m[1]] = m[2]
		}
	}
	return scheme, params
}

func (c *Client) cachedToken(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tok, ok := c.tokens[key]
	if !ok || time.Now().After(tok.expires) {
		return "", false
	}
	return tok.token, true
}

// fetchToken runs the Bearer token flow against the realm named in a
// challenge and caches the result per (service, scope).
func (c *Client) fetchToken(ctx context.Context, params map[string]string) (string, error) {
	realm := params["realm"]
	if realm == "" {
		return "", &AuthError{Registry: c.Host, Reason: "Bearer challenge without realm"}
	}

	scope := params["scope"]
	if scope == "" {
		scope = fmt.Sprintf("repository:%s:%s", c.Repo, c.Scope)
	}

	tokenURL, err := url.Parse(realm)
	if err != nil {
		return "", &AuthError{Registry: c.Host, Reason: fmt.Sprintf("bad token realm %q", realm)}
	}
	q := tokenURL.Query()
	if service := params["service"]; service != "" {
		q.Set("service", service)
	}
	q.Set("scope", scope)
	tokenURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tokenURL.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", userAgent)
	if c.Username != "" {
		req.SetBasicAuth(c.Username, c.Password)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", &AuthError{Registry: c.Host,
			Reason: fmt.Sprintf("token service rejected credentials (status %d)", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &APIError{Method: "GET", URL: tokenURL.String(),
			StatusCode: resp.StatusCode, Body: string(body)}
	}

	var tokenResp struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}

	token := tokenResp.Token
	if token == "" {
		token = tokenResp.AccessToken
	}
	if token == "" {
		return "", &AuthError{Registry: c.Host, Reason: "token service returned no token"}
	}

	expiresIn := tokenResp.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 300
	}

	key := params["service"] + " " + scope
	c.mu.Lock()
	c.tokens[key] = bearerToken{
		token:   token,
		expires: time.Now().Add(time.Duration(expiresIn-10) * time.Second),
	}
	c.mu.Unlock()

	c.Log.WithField("scope", scope).Debug("cached registry bearer token")
	return token, nil
}

func (c *Client) authorize(req *http.Request) {
	c.mu.Lock()
	useBasic := c.useBasic
	var token string
	for _, tok := range c.tokens {
		if time.Now().Before(tok.expires) {
			token = tok.token
			break
		}
	}
	c.mu.Unlock()

	if useBasic && c.Username != "" {
		req.SetBasicAuth(c.Username, c.Password)
	} else if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// Do issues one registry request, transparently satisfying auth
// challenges and retrying transient failures. The caller owns the
// returned response and must close its body. Responses with status
// codes below 500 (other than recovered 401s) are returned for the
// caller to interpret.
func (c *Client) Do(ctx context.Context, method, rawurl string, header http.Header, body BodyFunc) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			wait := backoffBase << (attempt - 1)
			c.Log.WithFields(logrus.Fields{
				"method": method, "url": rawurl, "wait": wait.String(),
			}).Warn("retrying registry request")
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, err := c.do(ctx, method, rawurl, header, body)
		if err == nil && resp.StatusCode < 500 {
			return resp, nil
		}
		if err != nil {
			// Auth and context failures are not transient.
			var authErr *AuthError
			if errors.As(err, &authErr) || ctx.Err() != nil {
				return nil, err
			}
			lastErr = err
			continue
		}

		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		lastErr = &APIError{Method: method, URL: rawurl,
			StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	return nil, fmt.Errorf("registry request failed after %d attempts: %w", maxAttempts, lastErr)
}

func (c *Client) do(ctx context.Context, method, rawurl string, header http.Header, body BodyFunc) (*http.Response, error) {
	newRequest := func() (*http.Request, error) {
		var rdr io.Reader
		var length int64 = -1
		if body != nil {
			var err error
			rdr, length, err = body()
			if err != nil {
				return nil, err
			}
		}
		req, err := http.NewRequestWithContext(ctx, method, rawurl, rdr)
		if err != nil {
			return nil, err
		}
		if length >= 0 {
			req.ContentLength = length
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Set(k, v)
			}
		}
		req.Header.Set("User-Agent", userAgent)
		c.authorize(req)
		return req, nil
	}

	req, err := newRequest()
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	// Satisfy the challenge and replay the request once.
	challenge := resp.Header.Get("Www-Authenticate")
	resp.Body.Close()

	scheme, params := parseChallenge(challenge)
	switch strings.ToLower(scheme) {
	case "basic":
		if c.Username == "" {
			return nil, &AuthError{Registry: c.Host,
				Reason: "registry requires credentials (Basic challenge, none supplied)"}
		}
		c.mu.Lock()
		c.useBasic = true
		c.mu.Unlock()
	case "bearer":
		if _, err := c.fetchToken(ctx, params); err != nil {
			return nil, err
		}
	default:
		return nil, &AuthError{Registry: c.Host,
			Reason: fmt.Sprintf("unsupported auth challenge %q", challenge)}
	}

	req, err = newRequest()
	if err != nil {
		return nil, err
	}
	resp, err = c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		return nil, &AuthError{Registry: c.Host, Reason: "credentials rejected"}
	}
	return resp, nil
}
