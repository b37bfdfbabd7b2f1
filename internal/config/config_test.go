package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCleanupIntervalDefaultsWhenUnset(t *testing.T) {
	t.Setenv("OSP_CLEANUP_INTERVAL_MS", "")
	require.Equal(t, DefaultCleanupInterval, CleanupInterval())
}

func TestCleanupIntervalHonorsEnvVar(t *testing.T) {
	t.Setenv("OSP_CLEANUP_INTERVAL_MS", "250")
	require.Equal(t, 250*time.Millisecond, CleanupInterval())
}

func TestCleanupIntervalFallsBackOnGarbageValue(t *testing.T) {
	t.Setenv("OSP_CLEANUP_INTERVAL_MS", "not-a-number")
	require.Equal(t, DefaultCleanupInterval, CleanupInterval())
}

func TestCleanupIntervalFallsBackOnNonPositiveValue(t *testing.T) {
	t.Setenv("OSP_CLEANUP_INTERVAL_MS", "0")
	require.Equal(t, DefaultCleanupInterval, CleanupInterval())
	t.Setenv("OSP_CLEANUP_INTERVAL_MS", "-5")
	require.Equal(t, DefaultCleanupInterval, CleanupInterval())
}

func TestMaxFrameSizeHonorsEnvVar(t *testing.T) {
	t.Setenv("OSP_MAX_FRAME_SIZE", "4096")
	require.Equal(t, 4096, MaxFrameSize())
}

func TestDiscoveryPoolCapacityDefaultsWhenUnset(t *testing.T) {
	t.Setenv("OSP_DISCOVERY_POOL_CAPACITY", "")
	require.Equal(t, DefaultDiscoveryPoolCapacity, DiscoveryPoolCapacity())
}

func TestDiscoveryEntryTTLHonorsEnvVar(t *testing.T) {
	t.Setenv("OSP_DISCOVERY_ENTRY_TTL_MS", "1000")
	require.Equal(t, time.Second, DiscoveryEntryTTL())
}
