package seam

import (
	"errors"
	"syscall"
)

// RecvFunc obtains up to len(buf) bytes from the transport into buf.  It
// must not block: when no data is currently available it returns
// AlertWouldBlock (or an error wrapping syscall.EAGAIN).  A short count is
// fine; zero with a nil error means the callback chose to deliver nothing,
// which the engine treats the same as would-block.
type RecvFunc func(ctx interface{}, buf []byte) (int, error)

// SendFunc hands buf to the transport and returns how many bytes were
// accepted.  A short count is fine; the engine retries with the remainder.
// Like RecvFunc it must not block.
type SendFunc func(ctx interface{}, buf []byte) (int, error)

// transportAdapter pairs the caller-supplied callbacks with their opaque
// contexts.  The contexts belong to the caller; the engine never retains
// ownership or frees anything behind them.
type transportAdapter struct {
	recvCB  RecvFunc
	sendCB  SendFunc
	recvCtx interface{}
	sendCtx interface{}
}

func (a *transportAdapter) ready() bool {
	return a.recvCB != nil && a.sendCB != nil
}

func isWouldBlock(err error) bool {
	return err == AlertWouldBlock || errors.Is(err, syscall.EAGAIN)
}

// Pull attempts to obtain up to len(buf) bytes from the receive callback.
// Returns the count obtained, AlertWouldBlock when the transport has no data
// right now, or an *IOError for any other callback failure.  It makes at
// most one callback invocation; retry scheduling belongs to the caller.
func (a *transportAdapter) Pull(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	if a.recvCtx == nil {
		return 0, ErrNilContext
	}

	n, err := a.recvCB(a.recvCtx, buf)
	if err != nil {
		if isWouldBlock(err) {
			return 0, AlertWouldBlock
		}
		logf(logTypeIO, "recv callback failed: %v", err)
		return 0, &IOError{Op: "recv", Err: err}
	}
	if n < 0 || n > len(buf) {
		return 0, &IOError{Op: "recv", Err: errors.New("callback returned invalid count")}
	}
	if n == 0 {
		return 0, AlertWouldBlock
	}

	logf(logTypeIO, "pulled %d bytes", n)
	return n, nil
}

// Push attempts to hand buf to the send callback.  Returns the count
// accepted, which may be short; AlertWouldBlock when the transport has no
// capacity right now; or an *IOError otherwise.
func (a *transportAdapter) Push(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	if a.sendCtx == nil {
		return 0, ErrNilContext
	}

	n, err := a.sendCB(a.sendCtx, buf)
	if err != nil {
		if isWouldBlock(err) {
			return 0, AlertWouldBlock
		}
		logf(logTypeIO, "send callback failed: %v", err)
		return 0, &IOError{Op: "send", Err: err}
	}
	if n < 0 || n > len(buf) {
		return 0, &IOError{Op: "send", Err: errors.New("callback returned invalid count")}
	}
	if n == 0 {
		return 0, AlertWouldBlock
	}

	logf(logTypeIO, "pushed %d of %d bytes", n, len(buf))
	return n, nil
}
