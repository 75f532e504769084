package device

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/authrelay/internal/store"
)

func newRegistry(t *testing.T) (*Registry, *store.Memory) {
	t.Helper()

	mem := store.NewMemory()
	t.Cleanup(mem.Stop)

	return NewRegistry(mem), mem
}

func TestNewUserCode_Format(t *testing.T) {
	for range 50 {
		code := NewUserCode()
		require.Len(t, code, 9)
		assert.Equal(t, byte('-'), code[4])

		for _, c := range strings.ReplaceAll(code, "-", "") {
			assert.Contains(t, userCodeAlphabet, string(c))
		}
	}
}

func TestNormalizeUserCode(t *testing.T) {
	assert.Equal(t, "ABCDEFGH", NormalizeUserCode("abcd-efgh"))
	assert.Equal(t, "ABCDEFGH", NormalizeUserCode("ABCD-EFGH"))
	assert.Equal(t, "ABCDEFGH", NormalizeUserCode("AbCdEfGh"))
}

func TestRandomHex_LengthAndUniqueness(t *testing.T) {
	a := RandomHex(32)
	b := RandomHex(32)

	require.Len(t, a, 64)
	assert.NotEqual(t, a, b)
}

func TestRegistry_BeginCreatesSessionAndRequest(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	grant, err := reg.Begin(ctx, "client-1", "secret-1", "r_data")
	require.NoError(t, err)
	require.Len(t, grant.DeviceCode, 64)
	assert.Equal(t, 300, grant.ExpiresIn)

	sess, err := reg.Session(ctx, NormalizeUserCode(grant.UserCode))
	require.NoError(t, err)
	assert.Equal(t, "client-1", sess.ClientID)
	assert.Equal(t, "secret-1", sess.ClientSecret)
	assert.Equal(t, "r_data", sess.Scope)
	assert.Equal(t, grant.DeviceCode, sess.DeviceCode)
	assert.Len(t, sess.PKCEVerifier, 64)

	req, err := reg.Request(ctx, grant.DeviceCode)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, req.Status)
	assert.NotZero(t, req.Timestamp)
	assert.Empty(t, req.TokenResponse)
}

func TestRegistry_SessionNotFound(t *testing.T) {
	reg, _ := newRegistry(t)

	_, err := reg.Session(context.Background(), "NOPENOPE")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRegistry_CompleteAndCancel(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	grant, err := reg.Begin(ctx, "client-1", "", "")
	require.NoError(t, err)

	resp := json.RawMessage(`{"access_token":"abc"}`)
	require.NoError(t, reg.Complete(ctx, grant.DeviceCode, resp))

	req, err := reg.Request(ctx, grant.DeviceCode)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, req.Status)
	assert.JSONEq(t, `{"access_token":"abc"}`, string(req.TokenResponse))

	require.NoError(t, reg.Cancel(ctx, grant.DeviceCode))

	_, err = reg.Request(ctx, grant.DeviceCode)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRegistry_DeleteSession(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	grant, err := reg.Begin(ctx, "client-1", "", "")
	require.NoError(t, err)

	userCode := NormalizeUserCode(grant.UserCode)
	require.NoError(t, reg.DeleteSession(ctx, userCode))

	_, err = reg.Session(ctx, userCode)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestNewState_CarriesSuffix(t *testing.T) {
	state := NewState("corr-123")

	assert.True(t, strings.HasSuffix(state, "corr-123"))
	assert.Len(t, state, 32+len("corr-123"))
}

func TestRegistry_StateConsumedOnce(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	state := NewState("")
	require.NoError(t, reg.SaveState(ctx, state, "ABCDEFGH"))

	st, err := reg.ConsumeState(ctx, state)
	require.NoError(t, err)
	assert.Equal(t, "ABCDEFGH", st.UserCode)
	assert.NotZero(t, st.Timestamp)

	_, err = reg.ConsumeState(ctx, state)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRegistry_ConsumeUnknownState(t *testing.T) {
	reg, _ := newRegistry(t)

	_, err := reg.ConsumeState(context.Background(), "never-saved")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
