package seam

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransportAdapterReady(t *testing.T) {
	var a transportAdapter
	require.False(t, a.ready())
	a.recvCB = stufferRecv
	require.False(t, a.ready())
	a.sendCB = stufferSend
	require.True(t, a.ready())
}

func TestPullSemantics(t *testing.T) {
	src := NewStuffer()
	a := transportAdapter{
		recvCB:  stufferRecv,
		recvCtx: src,
	}

	// Empty transport is would-block, not an error condition.
	buf := make([]byte, 8)
	_, err := a.Pull(buf)
	require.ErrorIs(t, err, AlertWouldBlock)

	src.WriteBytes([]byte{1, 2, 3})
	n, err := a.Pull(buf)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, []byte{1, 2, 3}, buf[:3])

	// Zero-length pulls never touch the callback.
	n, err = a.Pull(nil)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestPullNilContext(t *testing.T) {
	a := transportAdapter{recvCB: stufferRecv}
	_, err := a.Pull(make([]byte, 4))
	require.ErrorIs(t, err, ErrNilContext)
}

func TestPullEAGAIN(t *testing.T) {
	a := transportAdapter{
		recvCB: func(ctx interface{}, buf []byte) (int, error) {
			return 0, fmt.Errorf("read: %w", syscall.EAGAIN)
		},
		recvCtx: struct{}{},
	}
	_, err := a.Pull(make([]byte, 4))
	require.ErrorIs(t, err, AlertWouldBlock)
}

func TestPullInvalidCount(t *testing.T) {
	a := transportAdapter{
		recvCB: func(ctx interface{}, buf []byte) (int, error) {
			return len(buf) + 1, nil
		},
		recvCtx: struct{}{},
	}
	_, err := a.Pull(make([]byte, 4))
	var ioErr *IOError
	require.ErrorAs(t, err, &ioErr)
	require.Equal(t, "recv", ioErr.Op)
}

func TestPushSemantics(t *testing.T) {
	sink := NewStuffer()
	a := transportAdapter{
		sendCB:  stufferSend,
		sendCtx: sink,
	}

	n, err := a.Push([]byte{1, 2, 3})
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, 3, sink.DataAvailable())

	n, err = a.Push(nil)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestPushShortCount(t *testing.T) {
	sink := NewStuffer()
	a := transportAdapter{
		sendCB: func(ctx interface{}, buf []byte) (int, error) {
			return ctx.(*Stuffer).Write(buf[:1])
		},
		sendCtx: sink,
	}

	n, err := a.Push([]byte{1, 2, 3})
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestPushFailureWrapsError(t *testing.T) {
	cause := errors.New("connection reset")
	a := transportAdapter{
		sendCB: func(ctx interface{}, buf []byte) (int, error) {
			return 0, cause
		},
		sendCtx: struct{}{},
	}

	_, err := a.Push([]byte{1})
	var ioErr *IOError
	require.ErrorAs(t, err, &ioErr)
	require.Equal(t, "send", ioErr.Op)
	require.ErrorIs(t, err, cause)
}

// A callback that reports zero bytes with no error is treated as would-block
// rather than spun on.
func TestZeroCountIsWouldBlock(t *testing.T) {
	a := transportAdapter{
		recvCB:  func(ctx interface{}, buf []byte) (int, error) { return 0, nil },
		sendCB:  func(ctx interface{}, buf []byte) (int, error) { return 0, nil },
		recvCtx: struct{}{},
		sendCtx: struct{}{},
	}

	_, err := a.Pull(make([]byte, 4))
	require.ErrorIs(t, err, AlertWouldBlock)
	_, err = a.Push([]byte{1})
	require.ErrorIs(t, err, AlertWouldBlock)
}
