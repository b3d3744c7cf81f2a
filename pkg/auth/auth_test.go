package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wobcom/vicky/pkg/storage/boltstore"
	"github.com/wobcom/vicky/pkg/types"
)

func TestVerifier_MachineTokenShortCircuitsToMachineUser(t *testing.T) {
	store, err := boltstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	v := NewForTests([]string{"tok-a", "tok-b"}, store)

	user, err := v.Authenticate(context.Background(), "tok-a")
	require.NoError(t, err)
	require.Equal(t, types.RoleMachine, user.Role)
}

func TestVerifier_UnknownTokenWithoutJWKSFails(t *testing.T) {
	store, err := boltstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	v := NewForTests([]string{"tok-a"}, store)

	_, err = v.Authenticate(context.Background(), "not-a-machine-token")
	require.Error(t, err)
}

func TestExtractBearerToken(t *testing.T) {
	token, ok := ExtractBearerToken("Bearer abc123")
	require.True(t, ok)
	require.Equal(t, "abc123", token)

	_, ok = ExtractBearerToken("Basic abc123")
	require.False(t, ok)

	_, ok = ExtractBearerToken("")
	require.False(t, ok)
}
