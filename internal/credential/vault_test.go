package credential

import (
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVaultStoresSecrets(t *testing.T) {
	v := New(keyring.NewArrayKeyring(nil))

	require.NoError(t, v.SetPassword("ann", "s3cret"))
	got, err := v.Password("ann")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", got)

	require.NoError(t, v.Set(SessionKey("ann"), "tok"))
	got, err = v.Get(SessionKey("ann"))
	require.NoError(t, err)
	assert.Equal(t, "tok", got)
}

func TestVaultMissingKey(t *testing.T) {
	v := New(keyring.NewArrayKeyring(nil))

	_, err := v.Password("nobody")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, v.Delete(PasswordKey("nobody")))
}

func TestVaultForget(t *testing.T) {
	v := New(keyring.NewArrayKeyring(nil))
	require.NoError(t, v.SetPassword("ann", "a"))
	require.NoError(t, v.Set(IMAPPasswordKey("ann"), "b"))

	require.NoError(t, v.Forget("ann"))

	_, err := v.Password("ann")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = v.Get(IMAPPasswordKey("ann"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestKeysAreScopedPerUser(t *testing.T) {
	assert.NotEqual(t, PasswordKey("ann"), PasswordKey("bob"))
	assert.NotEqual(t, PasswordKey("ann"), IMAPPasswordKey("ann"))
}
