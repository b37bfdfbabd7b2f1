package protoconn

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"ospagent/internal/wire"
)

type fakeWriter struct {
	written [][]byte
	err     error
}

func (w *fakeWriter) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	w.written = append(w.written, append([]byte{}, p...))
	return len(p), nil
}

func TestWriteForwardsToUnderlyingWriter(t *testing.T) {
	fw := &fakeWriter{}
	conn := New(1, 2, fw, nil)
	require.NoError(t, conn.Write([]byte("hello")))
	require.Equal(t, [][]byte{[]byte("hello")}, fw.written)
}

func TestWriteAfterCloseIsSilentlyDropped(t *testing.T) {
	fw := &fakeWriter{}
	conn := New(1, 2, fw, nil)
	conn.Close()
	require.NoError(t, conn.Write([]byte("too late")))
	require.Empty(t, fw.written)
}

func TestWritePropagatesUnderlyingError(t *testing.T) {
	fw := &fakeWriter{err: errors.New("boom")}
	conn := New(1, 2, fw, nil)
	require.Error(t, conn.Write([]byte("x")))
}

func TestWriteMessageEncodesFrame(t *testing.T) {
	fw := &fakeWriter{}
	conn := New(1, 2, fw, nil)
	require.NoError(t, conn.WriteMessage(wire.TypeStatus, wire.Status{Result: wire.Authenticated}))
	require.Len(t, fw.written, 1)
	require.Equal(t, byte(wire.TypeStatus), fw.written[0][0])
}

func TestCloseIsIdempotentAndNotifiesOnce(t *testing.T) {
	fw := &fakeWriter{}
	closedCount := 0
	onClosedCount := 0
	conn := New(1, 2, fw, func() { onClosedCount++ })
	conn.SetObserver(ObserverFunc(func() { closedCount++ }))

	conn.Close()
	conn.Close()
	conn.Close()

	require.Equal(t, 1, closedCount)
	require.Equal(t, 1, onClosedCount)
	require.True(t, conn.Closed())
}

type writeCloseWriter struct {
	fakeWriter
	closeWriteCalls int
}

func (w *writeCloseWriter) CloseWrite() error {
	w.closeWriteCalls++
	return nil
}

func TestCloseCallsCloseWriteWhenSupported(t *testing.T) {
	w := &writeCloseWriter{}
	conn := New(1, 2, w, nil)
	conn.Close()
	require.Equal(t, 1, w.closeWriteCalls)
}

func TestCloseToleratesWriterWithoutCloseWrite(t *testing.T) {
	conn := New(1, 2, &fakeWriter{}, nil)
	require.NotPanics(t, func() { conn.Close() })
}

func TestAccessors(t *testing.T) {
	conn := New(7, 9, &fakeWriter{}, nil)
	require.Equal(t, uint64(7), conn.InstanceID())
	require.Equal(t, uint64(9), conn.ID())
}
