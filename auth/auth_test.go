package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKeys(t *testing.T) {
	keys, err := ParseKeys(" alice:sk_alice , sk_bare ,,")
	require.NoError(t, err)
	require.Len(t, keys, 2)

	assert.Equal(t, "alice", keys[0].Owner)
	assert.Regexp(t, `^key_[0-9a-f]{8}$`, keys[1].Owner)

	_, err = ParseKeys("bob:")
	assert.Error(t, err)

	keys, err = ParseKeys("")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestKeyOwnerIsStable(t *testing.T) {
	assert.Equal(t, NewKey("", "sk_same").Owner, NewKey("", "sk_same").Owner)
	assert.NotEqual(t, NewKey("", "sk_one").Owner, NewKey("", "sk_two").Owner)
}

func TestAuthenticator_Bearer(t *testing.T) {
	keys, err := ParseKeys("alice:sk_alice,bob:sk_bob")
	require.NoError(t, err)
	a := NewAuthenticator(keys)

	assert.False(t, a.Open())
	assert.Equal(t, "bearer", a.Mode())

	owner, err := a.Authenticate("Bearer sk_bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", owner)

	owner, err = a.Authenticate("bearer   sk_alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", owner)

	_, err = a.Authenticate("")
	assert.ErrorIs(t, err, ErrMissingCredentials)

	_, err = a.Authenticate("Basic c2tfYWxpY2U=")
	assert.ErrorIs(t, err, ErrMissingCredentials)

	_, err = a.Authenticate("Bearer sk_mallory")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = a.Authenticate("Bearer sk_alic")
	assert.ErrorIs(t, err, ErrInvalidCredentials, "prefixes never match")
}

func TestAuthenticator_Open(t *testing.T) {
	a := NewAuthenticator(nil)

	assert.True(t, a.Open())
	assert.Equal(t, "open", a.Mode())

	owner, err := a.Authenticate("")
	require.NoError(t, err)
	assert.Equal(t, AnonymousOwner, owner)
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", BearerToken("Bearer abc"))
	assert.Equal(t, "abc", BearerToken("  BEARER abc  "))
	assert.Empty(t, BearerToken("Bearer"))
	assert.Empty(t, BearerToken("Token abc"))
}
