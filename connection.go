package seam

import (
	"crypto/x509"
)

// ConnectionParameters are the values fixed by a completed negotiation.
type ConnectionParameters struct {
	CipherSuite      CipherSuite
	UsingClientAuth  bool
	PeerCertificates []*x509.Certificate
}

// ConnectionState is a point-in-time snapshot for callers.
type ConnectionState struct {
	HandshakeState   State
	CipherSuite      CipherSuiteParams
	PeerCertificates []*x509.Certificate
	UsingClientAuth  bool
}

// Conn is one side of a negotiation.  Its role is fixed at creation.  A Conn
// negotiates exactly once: completed or failed connections are never
// renegotiated in place; create a fresh one.
//
// A Conn is owned by a single logical driver.  Nothing here is safe for
// concurrent Negotiate calls; hosts that need that must serialize
// externally.
type Conn struct {
	role    Role
	config  *Config
	adapter transportAdapter
	hsCtx   *HandshakeContext
	hState  HandshakeState

	authType    CertAuthType
	authTypeSet bool

	started           bool
	handshakeComplete bool
	terminalErr       error
	params            ConnectionParameters
	clientCertUsed    bool
	released          bool
}

// NewConn allocates a connection in its initial pre-negotiation state, with
// no policy bound and no transport callbacks.
func NewConn(role Role) *Conn {
	return &Conn{role: role}
}

func (c *Conn) Role() Role {
	return c.role
}

func (c *Conn) label() string {
	return "[" + c.role.String() + "]"
}

// SetConfig binds negotiation policy to the connection.
func (c *Conn) SetConfig(config *Config) error {
	switch {
	case c.released:
		return ErrConnReleased
	case c.started:
		return ErrNegotiationStarted
	case config == nil:
		return ErrNoConfig
	}
	c.config = config
	return nil
}

// SetClientAuthType overrides the config-scope client-auth requirement for
// this connection only.  It fails once negotiation has started and does not
// mutate connection state when it does.
func (c *Conn) SetClientAuthType(t CertAuthType) error {
	if c.released {
		return ErrConnReleased
	}
	if c.started {
		return ErrNegotiationStarted
	}
	c.authType = t
	c.authTypeSet = true
	return nil
}

// ClientAuthType resolves the effective requirement: the connection-level
// override when set, otherwise the config value.
func (c *Conn) ClientAuthType() CertAuthType {
	if c.authTypeSet {
		return c.authType
	}
	if c.config != nil {
		return c.config.ClientAuth
	}
	return CertAuthNone
}

func (c *Conn) SetRecvCallback(cb RecvFunc) error {
	if c.released {
		return ErrConnReleased
	}
	if c.started {
		return ErrNegotiationStarted
	}
	c.adapter.recvCB = cb
	return nil
}

func (c *Conn) SetSendCallback(cb SendFunc) error {
	if c.released {
		return ErrConnReleased
	}
	if c.started {
		return ErrNegotiationStarted
	}
	c.adapter.sendCB = cb
	return nil
}

// SetRecvContext supplies the opaque handle passed to the receive callback.
// The handle remains the caller's; the connection never frees it.
func (c *Conn) SetRecvContext(ctx interface{}) error {
	if c.released {
		return ErrConnReleased
	}
	if c.started {
		return ErrNegotiationStarted
	}
	if ctx == nil {
		return ErrNilContext
	}
	c.adapter.recvCtx = ctx
	return nil
}

// SetSendContext supplies the opaque handle passed to the send callback.
func (c *Conn) SetSendContext(ctx interface{}) error {
	if c.released {
		return ErrConnReleased
	}
	if c.started {
		return ErrNegotiationStarted
	}
	if ctx == nil {
		return ErrNilContext
	}
	c.adapter.sendCtx = ctx
	return nil
}

// ClientCertUsed reports whether a client certificate was requested and
// successfully verified on this connection.  It is valid at any point and
// returns false until verification has actually succeeded, including on
// failed connections.
func (c *Conn) ClientCertUsed() bool {
	return c.clientCertUsed
}

// State reports the connection's position in the negotiation sequence.
func (c *Conn) State() State {
	switch {
	case c.terminalErr != nil:
		return StateFailed
	case c.hState != nil:
		return c.hState.State()
	default:
		return StateInit
	}
}

// ConnectionState returns a snapshot of the negotiated parameters.  Fields
// that have not been resolved yet are zero.
func (c *Conn) ConnectionState() ConnectionState {
	cs := ConnectionState{
		HandshakeState:   c.State(),
		PeerCertificates: c.params.PeerCertificates,
		UsingClientAuth:  c.params.UsingClientAuth,
	}
	if params, ok := cipherSuiteMap[c.params.CipherSuite]; ok {
		cs.CipherSuite = params
	}
	return cs
}

// Close releases the connection and its transport adapter.  The I/O contexts
// are caller-owned and left alone.  Any use after Close is an error.
func (c *Conn) Close() error {
	if c.released {
		return ErrConnReleased
	}
	c.released = true
	c.hState = nil
	c.hsCtx = nil
	c.adapter = transportAdapter{}
	return nil
}

// fail records a terminal failure.  The first failure sticks; later drive
// attempts return it unchanged.
func (c *Conn) fail(err error) {
	if c.terminalErr == nil {
		logf(logTypeNegotiation, "%s negotiation failed: %v", c.label(), err)
		c.terminalErr = err
	}
}
