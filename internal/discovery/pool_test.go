package discovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishAndLookup(t *testing.T) {
	p := NewPool(0, 0)
	p.Publish(Entry{InstanceName: "alice", Fingerprint: "fp1", V4: &Endpoint{Host: "10.0.0.1", Port: 9000}})

	entry, ok := p.Lookup("alice")
	require.True(t, ok)
	require.Equal(t, "fp1", entry.Fingerprint)
	require.Equal(t, uint16(9000), entry.V4.Port)

	_, ok = p.Lookup("bob")
	require.False(t, ok)
}

func TestPublishRefreshesExistingEntry(t *testing.T) {
	p := NewPool(0, 0)
	p.Publish(Entry{InstanceName: "alice", Fingerprint: "fp1"})
	p.Publish(Entry{InstanceName: "alice", Fingerprint: "fp2"})

	entry, ok := p.Lookup("alice")
	require.True(t, ok)
	require.Equal(t, "fp2", entry.Fingerprint)
	require.Len(t, p.List(), 1)
}

func TestPoolEvictsLeastRecentlySeenAtCapacity(t *testing.T) {
	p := NewPool(2, 0)
	p.Publish(Entry{InstanceName: "a"})
	p.Publish(Entry{InstanceName: "b"})
	p.Publish(Entry{InstanceName: "c"})

	_, ok := p.Lookup("a")
	require.False(t, ok, "oldest entry should have been evicted")
	_, ok = p.Lookup("b")
	require.True(t, ok)
	_, ok = p.Lookup("c")
	require.True(t, ok)
}

func TestPoolPrunesExpiredEntries(t *testing.T) {
	p := NewPool(0, time.Millisecond)
	p.Publish(Entry{InstanceName: "a"})
	time.Sleep(5 * time.Millisecond)

	_, ok := p.Lookup("a")
	require.False(t, ok)
	require.Empty(t, p.List())
}

func TestPublishIgnoresEmptyName(t *testing.T) {
	p := NewPool(0, 0)
	p.Publish(Entry{InstanceName: ""})
	require.Empty(t, p.List())
}

func TestListIsMostRecentlySeenFirst(t *testing.T) {
	p := NewPool(0, 0)
	p.Publish(Entry{InstanceName: "a"})
	p.Publish(Entry{InstanceName: "b"})

	names := p.List()
	require.Len(t, names, 2)
	require.Equal(t, "b", names[0].InstanceName)
	require.Equal(t, "a", names[1].InstanceName)
}
