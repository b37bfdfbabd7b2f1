package quicfactory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDialRejectsEmptyAddress(t *testing.T) {
	f := New(0)
	_, err := f.Dial(context.Background(), "", nil, nil, "fp")
	require.Error(t, err)
}

func TestDropOnUnknownAddressIsNoop(t *testing.T) {
	f := New(0)
	require.NotPanics(t, func() {
		f.Drop("10.0.0.1:1234", nil, "unused")
	})
}

func TestNewDefaultsIdleWindowWhenNonPositive(t *testing.T) {
	f := New(0)
	require.Greater(t, f.idleAfter, time.Duration(0))
}

func TestNewHonorsExplicitIdleWindow(t *testing.T) {
	f := New(5 * time.Second)
	require.Equal(t, 5*time.Second, f.idleAfter)
}
