package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/alexjbarnes/authrelay/internal/store"
)

const (
	accessTokenTTL  = 12600 * time.Second
	refreshTokenTTL = 4 * 365 * 24 * time.Hour

	// mintAttempts caps retries on the (astronomically unlikely) event of
	// a random token colliding with a live one.
	mintAttempts = 5

	tokenPrefix   = "access_token:"
	refreshPrefix = "refresh_token:"
)

// Token issuance and validation errors.
var (
	ErrUnknownToken       = errors.New("unknown or expired token")
	ErrUsagePointMismatch = errors.New("token not valid for usage point")
	ErrMintExhausted      = errors.New("could not mint a unique token")
)

// Token is the credential pair handed to the device, in the shape of an
// OAuth token response.
type Token struct {
	AccessToken   string `json:"access_token"`
	RefreshToken  string `json:"refresh_token,omitempty"`
	TokenType     string `json:"token_type"`
	ExpiresIn     int    `json:"expires_in"`
	UsagePointsID string `json:"usage_points_id,omitempty"`
	Scope         string `json:"scope"`
}

// grantRecord is what a token key maps to in the store.
type grantRecord struct {
	UsagePointsID string `json:"usage_points_id"`
}

// Issuer mints relay-local access and refresh tokens bound to a set of
// usage points, and validates them on later calls.
type Issuer struct {
	store store.Store
}

// NewIssuer creates an issuer over the given store.
func NewIssuer(s store.Store) *Issuer {
	return &Issuer{store: s}
}

// mint generates a random token and reserves its key in a single
// conditional write, retrying on collision.
func (i *Issuer) mint(ctx context.Context, prefix string, rec grantRecord, ttl time.Duration) (string, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encoding grant: %w", err)
	}
	for attempt := 0; attempt < mintAttempts; attempt++ {
		tok := RandomHex(secretBytes)
		ok, err := i.store.PutIfAbsent(ctx, prefix+tok, raw, ttl)
		if err != nil {
			return "", fmt.Errorf("storing grant: %w", err)
		}
		if ok {
			return tok, nil
		}
	}
	return "", ErrMintExhausted
}

// Issue mints a fresh access/refresh pair for the given usage points.
func (i *Issuer) Issue(ctx context.Context, usagePointsID string) (*Token, error) {
	rec := grantRecord{UsagePointsID: usagePointsID}
	access, err := i.mint(ctx, tokenPrefix, rec, accessTokenTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := i.mint(ctx, refreshPrefix, rec, refreshTokenTTL)
	if err != nil {
		return nil, err
	}
	return &Token{
		AccessToken:   access,
		RefreshToken:  refresh,
		TokenType:     "Bearer",
		ExpiresIn:     int(accessTokenTTL.Seconds()),
		UsagePointsID: usagePointsID,
		Scope:         "",
	}, nil
}

// Refresh validates a refresh token against the claimed usage points and
// mints a new access token. The refresh token itself is not rotated; the
// same one stays valid until it expires.
func (i *Issuer) Refresh(ctx context.Context, refreshToken, usagePointsID string) (*Token, error) {
	stored, err := i.UsagePoints(ctx, refreshPrefix+refreshToken)
	if err != nil {
		return nil, err
	}
	if stored != usagePointsID {
		return nil, ErrUsagePointMismatch
	}
	access, err := i.mint(ctx, tokenPrefix, grantRecord{UsagePointsID: usagePointsID}, accessTokenTTL)
	if err != nil {
		return nil, err
	}
	return &Token{
		AccessToken:   access,
		RefreshToken:  refreshToken,
		TokenType:     "Bearer",
		ExpiresIn:     int(accessTokenTTL.Seconds()),
		UsagePointsID: usagePointsID,
		Scope:         "",
	}, nil
}

// UsagePoints resolves a prefixed token key to the usage points it was
// bound to, or ErrUnknownToken.
func (i *Issuer) UsagePoints(ctx context.Context, key string) (string, error) {
	raw, err := i.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrUnknownToken
		}
		return "", err
	}
	var rec grantRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return "", fmt.Errorf("decoding grant: %w", err)
	}
	return rec.UsagePointsID, nil
}

// Authorized checks a bearer access token against a usage point. It
// distinguishes an unknown token from a known token presented for the
// wrong usage point, because callers respond differently to each.
func (i *Issuer) Authorized(ctx context.Context, accessToken, usagePointID string) error {
	stored, err := i.UsagePoints(ctx, tokenPrefix+accessToken)
	if err != nil {
		return err
	}
	if !containsUsagePoint(stored, usagePointID) {
		return ErrUsagePointMismatch
	}
	return nil
}

// containsUsagePoint reports whether the comma-separated grant covers the
// requested usage point.
func containsUsagePoint(granted, requested string) bool {
	if granted == requested {
		return true
	}
	return slices.Contains(strings.Split(granted, ","), requested)
}
