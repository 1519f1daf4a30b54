package namespace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/6chenhua/research-agent-backend/pkg/types"
)

func TestResolveSearchChain(t *testing.T) {
	chain, err := ResolveSearchChain("u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"user:u1", "global"}, chain.Strings())

	t.Run("empty id", func(t *testing.T) {
		_, err := ResolveSearchChain("")
		assert.ErrorIs(t, err, types.ErrInvalidIdentifier)
	})

	t.Run("separator in id", func(t *testing.T) {
		_, err := ResolveSearchChain("a:b")
		assert.ErrorIs(t, err, types.ErrInvalidIdentifier)
	})

	t.Run("padded id", func(t *testing.T) {
		_, err := ResolveSearchChain(" u1")
		assert.ErrorIs(t, err, types.ErrInvalidIdentifier)
	})
}

func TestGlobalChain(t *testing.T) {
	assert.Equal(t, []string{Global}, GlobalChain().Strings())
}

func TestResolveWriteNamespace(t *testing.T) {
	tests := []struct {
		name     string
		userID   string
		toGlobal bool
		want     string
		wantErr  bool
	}{
		{"user", "alice", false, "user:alice", false},
		{"global", "alice", true, "global", false},
		{"global without user", "", true, "global", false},
		{"empty user", "", false, "", true},
		{"bad user", "x:y", false, "", true},
		{"padded user", " alice", false, "", true},
		{"trailing space", "alice\t", false, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveWriteNamespace(tt.userID, tt.toGlobal)
			if tt.wantErr {
				assert.ErrorIs(t, err, types.ErrInvalidIdentifier)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateAccess(t *testing.T) {
	assert.True(t, ValidateAccess("alice", "global"))
	assert.True(t, ValidateAccess("", "global"))
	assert.True(t, ValidateAccess("alice", "user:alice"))
	assert.False(t, ValidateAccess("bob", "user:alice"))
	assert.False(t, ValidateAccess("", "user:alice"))
	assert.False(t, ValidateAccess("alice", "tenant:alice"))
}

func TestParse(t *testing.T) {
	ns, err := Parse("user:42")
	require.NoError(t, err)
	assert.Equal(t, KindUser, ns.Kind)
	assert.Equal(t, "42", ns.UserID)
	assert.Equal(t, "user:42", ns.String())

	ns, err = Parse("global")
	require.NoError(t, err)
	assert.Equal(t, KindGlobal, ns.Kind)

	for _, bad := range []string{"", "user:", "user:a:b", "Global", "team:x", "user: u1", "user:u1 "} {
		_, err := Parse(bad)
		assert.ErrorIs(t, err, types.ErrInvalidIdentifier, bad)
	}

	assert.True(t, IsUser("user:x"))
	assert.False(t, IsUser("global"))
	assert.True(t, IsGlobal("global"))
}
