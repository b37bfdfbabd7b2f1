package demux

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAccumulatorIncompleteWithinBoundWaits(t *testing.T) {
	a := newAccumulator(16)
	a.append([]byte{byte(1), 0x44}) // tag + CBOR byte-string header claiming 4 bytes, none supplied yet
	_, _, _, result := a.tryDecode()
	require.Equal(t, frameNone, result)
}

func TestAccumulatorIncompleteBeyondMaxFrameIsParseError(t *testing.T) {
	a := newAccumulator(4)
	a.append([]byte{byte(1), 0x5A, 0x00, 0x00, 0x10, 0x00}) // byte-string header declaring a huge length, body never arrives
	_, _, consumed, result := a.tryDecode()
	require.Equal(t, frameParseError, result)
	require.Equal(t, 1, consumed)
}

func TestAccumulatorZeroMaxFrameNeverBounds(t *testing.T) {
	a := newAccumulator(0)
	a.append([]byte{1, 0x5A, 0x00, 0x00, 0x10, 0x00}) // declares a 4096-byte body
	a.append(make([]byte, 2000))                      // far short of the declared body, still incomplete
	_, _, _, result := a.tryDecode()
	require.Equal(t, frameNone, result)
}
