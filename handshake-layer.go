package seam

// Working state for the handshake: the two directional layers, the running
// transcript, and the last hard transport failure (kept so the driver can
// surface the real error behind an internal-error alert).
type HandshakeContext struct {
	hIn, hOut  *HandshakeLayer
	transcript []byte
	ioErr      *IOError
}

func newHandshakeContext(adapter *transportAdapter) *HandshakeContext {
	hc := &HandshakeContext{}
	hc.hIn = &HandshakeLayer{ctx: hc, adapter: adapter}
	hc.hOut = &HandshakeLayer{ctx: hc, adapter: adapter}
	return hc
}

// appendTranscript adds a full message, in wire form, to the session
// transcript.  Both sides append every message in exchange order, so
// signatures and verify data computed over the transcript agree.
func (hc *HandshakeContext) appendTranscript(hm *HandshakeMessage) {
	hc.transcript = append(hc.transcript, hm.Marshal()...)
}

func (hc *HandshakeContext) recordIOError(err *IOError) {
	if hc.ioErr == nil {
		hc.ioErr = err
	}
}

const pullChunkLen = 4096

// HandshakeLayer assembles complete handshake messages from the transport
// adapter in one direction.  Partial message bytes stay in the staging
// buffer across calls; a message is only ever surfaced whole, so the state
// machine's cursor advances one full message at a time.
type HandshakeLayer struct {
	ctx     *HandshakeContext
	adapter *transportAdapter

	// inbound staging
	buffer []byte

	// outbound flight queue and unflushed remainder
	queued  [][]byte
	pending []byte
}

// ReadMessage returns the next complete inbound message, or AlertWouldBlock
// when the transport cannot currently supply one.  Staged bytes are retained
// either way.
func (h *HandshakeLayer) ReadMessage() (*HandshakeMessage, Alert) {
	for {
		hm, alert := h.parseBuffered()
		if alert != AlertNoAlert {
			return nil, alert
		}
		if hm != nil {
			logf(logTypeIO, "read handshake message type=%v len=%d", hm.msgType, len(hm.body))
			return hm, AlertNoAlert
		}

		chunk := make([]byte, pullChunkLen)
		n, err := h.adapter.Pull(chunk)
		if err == AlertWouldBlock {
			return nil, AlertWouldBlock
		}
		if err != nil {
			if ioErr, ok := err.(*IOError); ok {
				h.ctx.recordIOError(ioErr)
			} else {
				h.ctx.recordIOError(&IOError{Op: "recv", Err: err})
			}
			return nil, AlertInternalError
		}
		h.buffer = append(h.buffer, chunk[:n]...)
	}
}

func (h *HandshakeLayer) parseBuffered() (*HandshakeMessage, Alert) {
	if len(h.buffer) < handshakeHeaderLen {
		return nil, AlertNoAlert
	}

	hmLen := int(h.buffer[1])<<16 | int(h.buffer[2])<<8 | int(h.buffer[3])
	if hmLen > maxHandshakeMessageLen {
		logf(logTypeIO, "oversized handshake message: %d", hmLen)
		return nil, AlertDecodeError
	}
	if len(h.buffer) < handshakeHeaderLen+hmLen {
		return nil, AlertNoAlert
	}

	hm := &HandshakeMessage{
		msgType: HandshakeType(h.buffer[0]),
		body:    make([]byte, hmLen),
	}
	copy(hm.body, h.buffer[handshakeHeaderLen:handshakeHeaderLen+hmLen])
	h.buffer = h.buffer[handshakeHeaderLen+hmLen:]
	return hm, AlertNoAlert
}

// QueueMessage stages an outbound message for the next flight.  Transcript
// accounting is the state machine's job: a flight's later messages are
// computed over a transcript already containing its earlier ones, so the
// states append at build time, not at queue time.
func (h *HandshakeLayer) QueueMessage(hm *HandshakeMessage) error {
	logf(logTypeIO, "queueing handshake message type=%v len=%d", hm.msgType, len(hm.body))
	h.queued = append(h.queued, hm.Marshal())
	return nil
}

// SendQueuedMessages moves the queued flight into the flush buffer and
// attempts to push it out.  A partial push retains the remainder and reports
// AlertWouldBlock; the caller resumes with FlushPending.
func (h *HandshakeLayer) SendQueuedMessages() Alert {
	for _, msg := range h.queued {
		h.pending = append(h.pending, msg...)
	}
	h.queued = nil
	return h.FlushPending()
}

// FlushPending pushes any unflushed outbound bytes.
func (h *HandshakeLayer) FlushPending() Alert {
	for len(h.pending) > 0 {
		n, err := h.adapter.Push(h.pending)
		if err == AlertWouldBlock {
			logf(logTypeIO, "send would block, %d bytes pending", len(h.pending))
			return AlertWouldBlock
		}
		if err != nil {
			if ioErr, ok := err.(*IOError); ok {
				h.ctx.recordIOError(ioErr)
			} else {
				h.ctx.recordIOError(&IOError{Op: "send", Err: err})
			}
			return AlertInternalError
		}
		h.pending = h.pending[n:]
	}
	return AlertNoAlert
}

// HasPending reports whether outbound bytes are awaiting flush.
func (h *HandshakeLayer) HasPending() bool {
	return len(h.pending) > 0
}
