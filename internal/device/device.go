// Package device manages the records behind the device authorization
// flow: the pending device request a browserless client polls on, the
// user-code session that binds a browser login to it, the CSRF state
// token round-tripped through the upstream redirect, and the access and
// refresh credentials issued once consent lands. Every record lives in
// the expiring store and self-expires; nothing is held in process memory
// across requests.
package device

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/alexjbarnes/authrelay/internal/store"
)

const (
	// codeTTL bounds how long a device/user code pair stays redeemable.
	codeTTL = 5 * time.Minute

	// completeTTL is the window the device has to collect a finished
	// token response. Short because the device is expected to be polling.
	completeTTL = 2 * time.Minute

	// stateTTL bounds the upstream redirect round-trip.
	stateTTL = 5 * time.Minute

	// secretBytes sizes device codes, PKCE verifiers, and issued tokens.
	secretBytes = 32

	stateBytes = 16

	// userCodeAlphabet omits I and O, which users misread as digits.
	userCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ"

	userCodeGroup = 4
)

// Statuses of a device request.
const (
	StatusPending  = "pending"
	StatusComplete = "complete"
)

// Session is what the relay remembers between the device starting the
// flow and the browser finishing it, keyed by the normalized user code.
type Session struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
	Scope        string `json:"scope,omitempty"`
	DeviceCode   string `json:"device_code"`
	PKCEVerifier string `json:"pkce_verifier"`
}

// Request is the record the device polls, keyed by the device code.
type Request struct {
	Status        string          `json:"status"`
	Timestamp     int64           `json:"timestamp,omitempty"`
	TokenResponse json.RawMessage `json:"token_response,omitempty"`
}

// State is the CSRF record bound to an upstream redirect round-trip.
type State struct {
	UserCode  string `json:"user_code"`
	Timestamp int64  `json:"timestamp"`
}

// Grant is what Begin hands back to the device.
type Grant struct {
	DeviceCode string
	UserCode   string
	ExpiresIn  int
}

// Registry reads and writes the flow records. All synchronization is the
// store's; two requests touching the same record race benignly (see the
// one-time-delivery notes on Request consumption).
type Registry struct {
	store store.Store
}

// NewRegistry creates a registry over the given store.
func NewRegistry(s store.Store) *Registry {
	return &Registry{store: s}
}

// RandomHex generates a cryptographically random hex string of the given
// byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

func randomAlpha(n int) string {
	max := big.NewInt(int64(len(userCodeAlphabet)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic("crypto/rand failed: " + err.Error())
		}
		b[i] = userCodeAlphabet[idx.Int64()]
	}
	return string(b)
}

// NewUserCode returns a fresh human-transcribable code, hyphenated for
// display ("ABCD-EFGH").
func NewUserCode() string {
	return randomAlpha(userCodeGroup) + "-" + randomAlpha(userCodeGroup)
}

// NormalizeUserCode maps whatever the user typed to the storage key:
// hyphens stripped, upper-cased. Sessions are stored under this form.
func NormalizeUserCode(s string) string {
	return strings.ToUpper(strings.ReplaceAll(s, "-", ""))
}

// Begin starts a flow: it mints the device code, the PKCE verifier, and
// the user code, and persists the session and the pending request.
func (r *Registry) Begin(ctx context.Context, clientID, clientSecret, scope string) (*Grant, error) {
	deviceCode := RandomHex(secretBytes)
	userCode := NewUserCode()

	sess := Session{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scope:        scope,
		DeviceCode:   deviceCode,
		PKCEVerifier: RandomHex(secretBytes),
	}
	raw, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("encoding session: %w", err)
	}
	if err := r.store.Put(ctx, NormalizeUserCode(userCode), raw, codeTTL); err != nil {
		return nil, fmt.Errorf("storing session: %w", err)
	}

	raw, err = json.Marshal(Request{Status: StatusPending, Timestamp: time.Now().Unix()})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	if err := r.store.Put(ctx, deviceCode, raw, codeTTL); err != nil {
		return nil, fmt.Errorf("storing request: %w", err)
	}

	return &Grant{
		DeviceCode: deviceCode,
		UserCode:   userCode,
		ExpiresIn:  int(codeTTL.Seconds()),
	}, nil
}

// Session returns the pending session for a normalized user code, or
// store.ErrNotFound.
func (r *Registry) Session(ctx context.Context, userCode string) (*Session, error) {
	raw, err := r.store.Get(ctx, userCode)
	if err != nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	return &s, nil
}

// DeleteSession removes a session once the redirect step has used it.
func (r *Registry) DeleteSession(ctx context.Context, userCode string) error {
	return r.store.Delete(ctx, userCode)
}

// Request returns the device request for a device code, or
// store.ErrNotFound.
func (r *Registry) Request(ctx context.Context, deviceCode string) (*Request, error) {
	raw, err := r.store.Get(ctx, deviceCode)
	if err != nil {
		return nil, err
	}
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decoding request: %w", err)
	}
	return &req, nil
}

// Complete marks a device request finished and attaches the token
// response the device will collect. The record's lifetime shrinks to the
// pickup window: a polling device should collect within seconds.
func (r *Registry) Complete(ctx context.Context, deviceCode string, tokenResponse json.RawMessage) error {
	raw, err := json.Marshal(Request{Status: StatusComplete, TokenResponse: tokenResponse})
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	return r.store.Put(ctx, deviceCode, raw, completeTTL)
}

// Cancel removes a device request: after delivery of its token, or when
// the flow can no longer finish and the device must stop polling.
func (r *Registry) Cancel(ctx context.Context, deviceCode string) error {
	return r.store.Delete(ctx, deviceCode)
}

const statePrefix = "state:"

// NewState mints a CSRF state value: 128 random bits as hex, with the
// caller's correlation token appended when one was supplied.
func NewState(suffix string) string {
	return RandomHex(stateBytes) + suffix
}

// SaveState binds a state value to a normalized user code for the
// duration of the redirect round-trip.
func (r *Registry) SaveState(ctx context.Context, state, userCode string) error {
	raw, err := json.Marshal(State{UserCode: userCode, Timestamp: time.Now().Unix()})
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	return r.store.Put(ctx, statePrefix+state, raw, stateTTL)
}

// ConsumeState retrieves and deletes a state record. A state value is
// accepted at most once; a replay or a post-expiry attempt both come back
// as store.ErrNotFound.
func (r *Registry) ConsumeState(ctx context.Context, state string) (*State, error) {
	key := statePrefix + state
	raw, err := r.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := r.store.Delete(ctx, key); err != nil {
		return nil, fmt.Errorf("deleting state: %w", err)
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decoding state: %w", err)
	}
	return &st, nil
}
