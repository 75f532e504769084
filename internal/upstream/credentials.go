package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"

	"github.com/alexjbarnes/authrelay/internal/store"
)

const (
	credentialsKey = "client_credentials"

	// minCacheLifetime gates caching: a service token with under three
	// minutes of life left is used once and never cached.
	minCacheLifetime = 180
)

// Credential errors.
var (
	ErrIncompleteToken = errors.New("upstream credentials response missing token fields")
)

// ServiceToken is the relay's own client_credentials grant, used to call
// the data endpoint.
type ServiceToken struct {
	TokenType   string `json:"token_type"`
	AccessToken string `json:"access_token"`
}

// Authorization renders the token as an Authorization header value.
func (t ServiceToken) Authorization() string {
	return t.TokenType + " " + t.AccessToken
}

// Credentials caches the relay's service token in the store and renews it
// through the upstream when it expires. Concurrent renewals collapse into
// one upstream call.
type Credentials struct {
	store        store.Store
	client       *Client
	clientID     string
	clientSecret string
	group        singleflight.Group
}

// NewCredentials builds a credentials manager.
func NewCredentials(s store.Store, client *Client, clientID, clientSecret string) *Credentials {
	return &Credentials{
		store:        s,
		client:       client,
		clientID:     clientID,
		clientSecret: clientSecret,
	}
}

// Token returns the cached service token, renewing it first if none is
// cached.
func (c *Credentials) Token(ctx context.Context) (*ServiceToken, error) {
	raw, err := c.store.Get(ctx, credentialsKey)
	if err == nil {
		var tok ServiceToken
		if err := json.Unmarshal(raw, &tok); err == nil {
			return &tok, nil
		}
		// An undecodable cache entry falls through to renewal.
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	return c.Renew(ctx)
}

// Renew fetches a fresh token from the upstream, unconditionally. Callers
// use it after the upstream rejects the cached token.
func (c *Credentials) Renew(ctx context.Context) (*ServiceToken, error) {
	v, err, _ := c.group.Do(credentialsKey, func() (any, error) {
		return c.renew(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*ServiceToken), nil
}

func (c *Credentials) renew(ctx context.Context) (*ServiceToken, error) {
	resp, err := c.client.Credentials(ctx, c.clientID, c.clientSecret)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream credentials endpoint returned %d", resp.StatusCode)
	}

	fields := gjson.GetManyBytes(resp.Body, "token_type", "access_token", "expires_in")
	tokenType, accessToken := fields[0].String(), fields[1].String()
	if tokenType == "" || accessToken == "" || !fields[2].Exists() {
		return nil, ErrIncompleteToken
	}
	// expires_in arrives as a number from some upstreams and a string
	// from others; gjson's Int handles both.
	expiresIn := fields[2].Int()

	tok := &ServiceToken{TokenType: tokenType, AccessToken: accessToken}

	if expiresIn > minCacheLifetime {
		raw, err := json.Marshal(tok)
		if err != nil {
			return nil, fmt.Errorf("encoding service token: %w", err)
		}
		ttl := time.Duration(expiresIn) * time.Second
		if err := c.store.Put(ctx, credentialsKey, raw, ttl); err != nil {
			return nil, fmt.Errorf("caching service token: %w", err)
		}
	}

	return tok, nil
}
