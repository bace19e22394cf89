package remote

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryUnknownTokens(t *testing.T) {
	r := newRegistry()
	_, err := r.lookupManagement("a")
	require.ErrorIs(t, err, ErrUnknownTokenNeverSeen)

	c := &ManagementConnection{}
	require.NoError(t, r.registerManagement("a", c))
	got, err := r.lookupManagement("a")
	require.NoError(t, err)
	assert.Same(t, c, got)

	r.removeManagement("a", c)
	_, err = r.lookupManagement("a")
	require.ErrorIs(t, err, ErrUnknownTokenSeenBefore)

	// Tokens are shared between connection kinds.
	_, err = r.lookupExtHost("a")
	require.ErrorIs(t, err, ErrUnknownTokenSeenBefore)
}

func TestRegistryDuplicate(t *testing.T) {
	r := newRegistry()
	require.NoError(t, r.registerExtHost("t", &ExtensionHostConnection{}))
	require.ErrorIs(t, r.registerExtHost("t", &ExtensionHostConnection{}), ErrDuplicateToken)
	assert.True(t, r.hasExtHost("t"))
	assert.False(t, r.hasManagement("t"))
	require.NoError(t, r.registerManagement("t", &ManagementConnection{}))
}

func TestRegistryRemoveOnlyOwner(t *testing.T) {
	r := newRegistry()
	owner := &ExtensionHostConnection{}
	require.NoError(t, r.registerExtHost("t", owner))
	require.NoError(t, r.registerExtHost("u", &ExtensionHostConnection{}))

	assert.Equal(t, 2, r.removeExtHost("t", &ExtensionHostConnection{}))
	assert.Equal(t, 1, r.removeExtHost("t", owner))
	assert.Equal(t, 1, r.extHostCount())
}
