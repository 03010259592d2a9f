package seam

// handshakeMessageReaderImpl feeds the state machine from the inbound layer.
type handshakeMessageReaderImpl struct {
	hsCtx *HandshakeContext
}

var _ handshakeMessageReader = &handshakeMessageReaderImpl{}

func (r *handshakeMessageReaderImpl) ReadMessage() (*HandshakeMessage, Alert) {
	return r.hsCtx.hIn.ReadMessage()
}

// startHandshake validates the connection's wiring and installs the initial
// state for its role.  The client-auth policy is snapshotted here: connection
// override wins over config scope, and later SetClientAuthType calls are
// rejected once negotiation has started.
func (c *Conn) startHandshake() error {
	if c.config == nil {
		return ErrNoConfig
	}
	if !c.adapter.ready() {
		return ErrNoCallbacks
	}
	if c.adapter.recvCtx == nil || c.adapter.sendCtx == nil {
		return ErrNilContext
	}
	c.config.Init()
	if c.role == RoleServer && !c.config.ValidForServer() {
		return ErrNoCertificate
	}

	c.hsCtx = newHandshakeContext(&c.adapter)
	authType := c.ClientAuthType()
	switch c.role {
	case RoleClient:
		c.hState = clientStateStart{Config: c.config, hsCtx: c.hsCtx, authType: authType}
	case RoleServer:
		c.hState = serverStateStart{Config: c.config, hsCtx: c.hsCtx, authType: authType}
	}
	c.started = true
	logf(logTypeNegotiation, "%s Negotiation started, clientAuth=%v", c.label(), authType)
	return nil
}

// alertError converts a fatal alert into the error Negotiate reports,
// preferring the transport error that caused it when one was recorded.
func (c *Conn) alertError(alert Alert) error {
	if c.hsCtx != nil && c.hsCtx.ioErr != nil {
		return c.hsCtx.ioErr
	}
	return alert
}

func (c *Conn) takeAction(action HandshakeAction) Alert {
	switch action := action.(type) {
	case QueueHandshakeMessage:
		logf(logTypeNegotiation, "%s Queueing %v", c.label(), action.Message.msgType)
		if err := c.hsCtx.hOut.QueueMessage(action.Message); err != nil {
			logf(logTypeNegotiation, "%s Error queueing message: %v", c.label(), err)
			return AlertInternalError
		}
	case SendQueuedHandshake:
		return c.hsCtx.hOut.SendQueuedMessages()
	default:
		assert(false)
	}
	return AlertNoAlert
}

// Negotiate advances the handshake as far as the transport allows and
// returns without blocking.  BlockedOnRead or BlockedOnWrite with a nil
// error means the handshake is suspended mid-flight; call again once the
// transport can make progress.  NotBlocked with a nil error means the
// handshake is complete.  Any non-nil error is terminal: the connection is
// failed and every later call reports the same error.
func (c *Conn) Negotiate() (Blocked, error) {
	if c.released {
		return NotBlocked, ErrConnReleased
	}
	if c.terminalErr != nil {
		return NotBlocked, c.terminalErr
	}
	if c.handshakeComplete {
		return NotBlocked, nil
	}

	// Setup errors are invalid-argument class: the caller can correct the
	// wiring and call again.
	if !c.started {
		if err := c.startHandshake(); err != nil {
			return NotBlocked, err
		}
	}

	// A previously interrupted flight goes out before the state machine
	// runs again.
	if c.hsCtx.hOut.HasPending() {
		switch alert := c.hsCtx.hOut.FlushPending(); alert {
		case AlertNoAlert:
		case AlertWouldBlock:
			return BlockedOnWrite, nil
		default:
			err := c.alertError(alert)
			c.fail(err)
			return NotBlocked, err
		}
	}

	hr := &handshakeMessageReaderImpl{hsCtx: c.hsCtx}
	for {
		state, actions, alert := c.hState.Next(hr)
		if alert == AlertWouldBlock {
			logf(logTypeNegotiation, "%s Would block in %v", c.label(), c.hState.State())
			return BlockedOnRead, nil
		}
		if alert != AlertNoAlert {
			logf(logTypeNegotiation, "%s Fatal alert in %v: %v", c.label(), c.hState.State(), alert)
			err := c.alertError(alert)
			c.fail(err)
			return NotBlocked, err
		}

		for _, action := range actions {
			switch alert := c.takeAction(action); alert {
			case AlertNoAlert:
			case AlertWouldBlock:
				// The flight is queued and partially flushed; the state
				// transition stands and the remainder goes out on the next
				// call.
				c.hState = state
				return BlockedOnWrite, nil
			default:
				err := c.alertError(alert)
				c.fail(err)
				return NotBlocked, err
			}
		}
		c.hState = state

		if sc, ok := state.(stateConnected); ok {
			c.params = sc.Params
			c.clientCertUsed = sc.Params.UsingClientAuth
			c.handshakeComplete = true
			logf(logTypeNegotiation, "%s Handshake complete: suite=%04x clientAuth=%v",
				c.label(), uint16(sc.Params.CipherSuite), sc.Params.UsingClientAuth)
			return NotBlocked, nil
		}
	}
}
