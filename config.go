package seam

import (
	"crypto"
	"crypto/x509"
	"sync"
)

// Certificate is a credential a connection can present: a parsed chain plus
// the signing key for the leaf.
type Certificate struct {
	Chain      []*x509.Certificate
	PrivateKey crypto.Signer
}

// Config is the struct used to pass negotiation policy to client and server
// connections.  A single Config can back any number of connections; settings
// must be in place before a connection using it starts negotiating.
type Config struct {
	// ServerName identifies the peer for pinning lookups on the client side.
	ServerName string

	// CipherPreferences is the ordered preference list.  Suites the
	// Provider reports unavailable are skipped during negotiation, never
	// silently replaced with something outside the list.
	CipherPreferences []CipherSuite

	// ClientAuth is the configuration-scope client-certificate requirement.
	// A value set on a connection overrides it.
	ClientAuth CertAuthType

	// Certificates are the credentials this side may present.  Servers must
	// have at least one; clients need one only to answer certificate
	// requests with a real credential.
	Certificates []*Certificate

	// VerifyPeerCertificate, if not nil, is called with the raw DER
	// certificates presented by the peer and the parsed chain.  A non-nil
	// error fails the handshake.  If nil and a PinStore is configured, pins
	// are enforced; if both are nil, any parseable chain is accepted.
	VerifyPeerCertificate func(rawCerts [][]byte, chain []*x509.Certificate) error

	// Provider is the runtime crypto capability table.  Nil selects the
	// built-in default.
	Provider CryptoProvider

	// PinStore, if set, records and checks peer certificate pins keyed by
	// ServerName.
	PinStore *PinStore

	// The same config object can be shared among different connections, so
	// it needs its own mutex.
	mutex sync.RWMutex
}

// Init fills defaults.  It is called by the first Negotiate on a connection
// bound to this config; calling it earlier is harmless.
func (c *Config) Init() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if len(c.CipherPreferences) == 0 {
		c.CipherPreferences = defaultCipherPreferences
	}
	if c.Provider == nil {
		c.Provider = defaultProvider
	}
	return nil
}

// Clone returns a shallow clone of c.  It is safe to clone a Config that is
// being used concurrently by live connections.
func (c *Config) Clone() *Config {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return &Config{
		ServerName:            c.ServerName,
		CipherPreferences:     c.CipherPreferences,
		ClientAuth:            c.ClientAuth,
		Certificates:          c.Certificates,
		VerifyPeerCertificate: c.VerifyPeerCertificate,
		Provider:              c.Provider,
		PinStore:              c.PinStore,
	}
}

// ValidForServer reports whether a server connection can negotiate with this
// config.
func (c *Config) ValidForServer() bool {
	return len(c.Certificates) > 0 &&
		len(c.Certificates[0].Chain) > 0 &&
		c.Certificates[0].PrivateKey != nil
}

func (c *Config) provider() CryptoProvider {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if c.Provider == nil {
		return defaultProvider
	}
	return c.Provider
}

func (c *Config) preferences() []CipherSuite {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if len(c.CipherPreferences) == 0 {
		return defaultCipherPreferences
	}
	return c.CipherPreferences
}

// verifier resolves the effective peer-verification callback.
func (c *Config) verifier() func(rawCerts [][]byte, chain []*x509.Certificate) error {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	if c.VerifyPeerCertificate != nil {
		return c.VerifyPeerCertificate
	}
	if c.PinStore != nil {
		return PinningVerifier(c.PinStore, c.ServerName)
	}
	return nil
}
