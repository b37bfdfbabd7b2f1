package reqid

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClientGeneratesOddIDs(t *testing.T) {
	g := New(RoleClient)
	require.Equal(t, uint64(1), g.Next())
	require.Equal(t, uint64(3), g.Next())
	require.Equal(t, uint64(5), g.Next())
}

func TestServerGeneratesEvenIDs(t *testing.T) {
	g := New(RoleServer)
	require.Equal(t, uint64(2), g.Next())
	require.Equal(t, uint64(4), g.Next())
}

func TestClientAndServerNeverCollide(t *testing.T) {
	client := New(RoleClient)
	server := New(RoleServer)
	seen := make(map[uint64]bool)
	for i := 0; i < 100; i++ {
		id := client.Next()
		require.False(t, seen[id])
		seen[id] = true
	}
	for i := 0; i < 100; i++ {
		id := server.Next()
		require.False(t, seen[id])
		seen[id] = true
	}
}

func TestResetReturnsToFirstValue(t *testing.T) {
	g := New(RoleClient)
	g.Next()
	g.Next()
	g.Reset()
	require.Equal(t, uint64(1), g.Next())
}
