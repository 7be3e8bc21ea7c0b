package util

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewIDIsUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewID()
		require.True(t, IsID(id))
		require.False(t, seen[id])
		seen[id] = true
	}
}

func TestNewRequestID(t *testing.T) {
	id := NewRequestID()
	require.Len(t, id, 32)
	require.NotContains(t, id, "-")
}

func TestIsID(t *testing.T) {
	require.False(t, IsID("not-a-uuid"))
	require.False(t, IsID(""))
	require.True(t, IsID("8a8f4c4e-0d4a-4b55-9a39-8f1f6f3d2c11"))
}
