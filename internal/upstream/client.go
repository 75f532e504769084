// Package upstream talks to the real authorization and data servers on
// behalf of the relay: authorization-code exchange, token endpoint
// pass-through, client-credentials renewal, and authenticated data
// fetches.
package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxResponseBody caps how much of an upstream response the relay will
// buffer before relaying it.
const maxResponseBody = 4 << 20

// Config points the client at the upstream endpoints.
type Config struct {
	TokenEndpoint       string
	CredentialsEndpoint string
	DataEndpoint        string
	Timeout             time.Duration
}

// Response is an upstream reply the relay forwards onward.
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// Client wraps an http.Client with the relay's upstream call shapes.
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient builds an upstream client. A zero timeout falls back to ten
// seconds.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *Client) do(req *http.Request) (*Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling upstream: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("reading upstream response: %w", err)
	}

	return &Response{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

func (c *Client) postForm(ctx context.Context, endpoint string, form url.Values) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	return c.do(req)
}

// Exchange redeems an authorization code at the token endpoint.
func (c *Client) Exchange(ctx context.Context, form url.Values) (*Response, error) {
	return c.postForm(ctx, c.cfg.TokenEndpoint, form)
}

// Credentials performs a client_credentials grant. Everything travels in
// the form body; the secret never appears in the URL.
func (c *Client) Credentials(ctx context.Context, clientID, clientSecret string) (*Response, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {clientID},
		"client_secret": {clientSecret},
	}

	return c.postForm(ctx, c.cfg.CredentialsEndpoint, form)
}

// PassThrough forwards a token request form to the token endpoint,
// injecting the relay's own client secret and redirect URI so the caller
// never needs to hold them.
func (c *Client) PassThrough(ctx context.Context, form url.Values, clientSecret, redirectURI string) (*Response, error) {
	if clientSecret != "" {
		form.Set("client_secret", clientSecret)
	}
	endpoint := c.cfg.TokenEndpoint
	if redirectURI != "" {
		form.Set("redirect_uri", redirectURI)

		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("parsing token endpoint: %w", err)
		}
		q := u.Query()
		q.Set("redirect_uri", redirectURI)
		u.RawQuery = q.Encode()
		endpoint = u.String()
	}

	return c.postForm(ctx, endpoint, form)
}

// Data performs an authenticated GET against the data endpoint. The path
// is appended to the configured base and the query string forwarded
// untouched.
func (c *Client) Data(ctx context.Context, path, rawQuery, authorization string) (*Response, error) {
	target := strings.TrimSuffix(c.cfg.DataEndpoint, "/") + "/" + strings.TrimPrefix(path, "/")
	if rawQuery != "" {
		target += "?" + rawQuery
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", authorization)

	return c.do(req)
}
