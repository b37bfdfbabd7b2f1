package byteview

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOfWrapsWithoutCopying(t *testing.T) {
	b := []byte("hello")
	v := Of(b)
	require.Equal(t, 5, v.Len())
	require.False(t, v.Empty())
	require.Equal(t, b, v.Bytes())
}

func TestEmptyView(t *testing.T) {
	v := Of(nil)
	require.True(t, v.Empty())
	require.Equal(t, 0, v.Len())
}

func TestSliceAndAfter(t *testing.T) {
	v := Of([]byte("hello world"))
	require.Equal(t, []byte("hello"), v.Slice(0, 5).Bytes())
	require.Equal(t, []byte("world"), v.After(6).Bytes())
}

func TestCopyIsIndependentOfBackingArray(t *testing.T) {
	b := []byte("hello")
	v := Of(b)
	out := v.Copy()
	b[0] = 'X'
	require.Equal(t, []byte("hello"), out)
	require.Equal(t, byte('X'), v.Bytes()[0], "Bytes is non-owning and reflects the mutation")
}
