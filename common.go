package seam

import "errors"

// Version carried in hello messages.  There is exactly one; a mismatch is a
// protocol violation, not a downgrade point.
var supportedVersion uint16 = 0x0304

// Role fixes which side of the handshake a connection plays.  It is set at
// creation and never changes.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	default:
		return "unknown"
	}
}

// CertAuthType is the client-certificate authentication requirement.  It can
// be set at configuration scope and overridden per connection; the
// connection-level value wins.
type CertAuthType int

const (
	CertAuthNone CertAuthType = iota
	CertAuthOptional
	CertAuthRequired
)

func (t CertAuthType) String() string {
	switch t {
	case CertAuthNone:
		return "none"
	case CertAuthOptional:
		return "optional"
	case CertAuthRequired:
		return "required"
	default:
		return "unknown"
	}
}

// enum {...} HandshakeType;
type HandshakeType byte

const (
	HandshakeTypeClientHello        HandshakeType = 1
	HandshakeTypeServerHello        HandshakeType = 2
	HandshakeTypeCertificate        HandshakeType = 11
	HandshakeTypeCertificateRequest HandshakeType = 13
	HandshakeTypeCertificateVerify  HandshakeType = 15
	HandshakeTypeFinished           HandshakeType = 20
)

func (ht HandshakeType) String() string {
	switch ht {
	case HandshakeTypeClientHello:
		return "ClientHello"
	case HandshakeTypeServerHello:
		return "ServerHello"
	case HandshakeTypeCertificate:
		return "Certificate"
	case HandshakeTypeCertificateRequest:
		return "CertificateRequest"
	case HandshakeTypeCertificateVerify:
		return "CertificateVerify"
	case HandshakeTypeFinished:
		return "Finished"
	default:
		return "Unknown"
	}
}

const (
	handshakeHeaderLen     = 4
	maxHandshakeMessageLen = 1 << 18
	maxCipherSuites        = 255
	maxCertificateChainLen = 255
	randomLen              = 32
)

// State reports where a connection is in its negotiation sequence.
type State int

const (
	StateInit State = iota
	StateClientStart
	StateClientWaitServerHello
	StateClientWaitCertificate
	StateClientWaitServerFlight
	StateServerStart
	StateServerWaitClientCertificate
	StateServerWaitCertVerify
	StateServerWaitFinished
	StateClientConnected
	StateServerConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateClientStart:
		return "ClientStart"
	case StateClientWaitServerHello:
		return "ClientWaitServerHello"
	case StateClientWaitCertificate:
		return "ClientWaitCertificate"
	case StateClientWaitServerFlight:
		return "ClientWaitServerFlight"
	case StateServerStart:
		return "ServerStart"
	case StateServerWaitClientCertificate:
		return "ServerWaitClientCertificate"
	case StateServerWaitCertVerify:
		return "ServerWaitCertVerify"
	case StateServerWaitFinished:
		return "ServerWaitFinished"
	case StateClientConnected:
		return "ClientConnected"
	case StateServerConnected:
		return "ServerConnected"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Terminal reports whether s is one of the two terminal negotiation states.
func (s State) Terminal() bool {
	return s == StateClientConnected || s == StateServerConnected || s == StateFailed
}

// Blocked indicates the direction in which a Negotiate call could make no
// further progress.  It is a transient condition, not an error.
type Blocked int

const (
	NotBlocked Blocked = iota
	BlockedOnRead
	BlockedOnWrite
)

func (b Blocked) String() string {
	switch b {
	case NotBlocked:
		return "not blocked"
	case BlockedOnRead:
		return "blocked on read"
	case BlockedOnWrite:
		return "blocked on write"
	default:
		return "unknown"
	}
}

// Invalid-argument class errors.  These are fatal to the call, never to the
// connection; the connection's state is not mutated when one is returned.
var (
	ErrConnReleased       = errors.New("seam: connection has been released")
	ErrNoConfig           = errors.New("seam: no config bound to connection")
	ErrNoCallbacks        = errors.New("seam: transport callbacks not set")
	ErrNilContext         = errors.New("seam: nil I/O context")
	ErrNegotiationStarted = errors.New("seam: negotiation already started")
	ErrNoCertificate      = errors.New("seam: no certificate configured for server")
)

func assert(b bool) {
	if !b {
		panic("assertion failed")
	}
}
