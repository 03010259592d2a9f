package seam

import (
	"crypto"
	_ "crypto/sha256"
	_ "crypto/sha512"
)

// uint8 CipherSuite[2];
type CipherSuite uint16

const (
	TLS_AES_128_GCM_SHA256       CipherSuite = 0x1301
	TLS_AES_256_GCM_SHA384       CipherSuite = 0x1302
	TLS_CHACHA20_POLY1305_SHA256 CipherSuite = 0x1303
	TLS_AES_128_CCM_SHA256       CipherSuite = 0x1304
	TLS_AES_256_CCM_8_SHA256     CipherSuite = 0x1305
)

// CipherSuiteParams carries the per-suite values the negotiation layer needs.
// The symmetric algorithms themselves live behind the crypto provider and are
// not modeled here.
type CipherSuiteParams struct {
	Suite  CipherSuite
	Hash   crypto.Hash
	KeyLen int
	IvLen  int
}

var cipherSuiteMap = map[CipherSuite]CipherSuiteParams{
	TLS_AES_128_GCM_SHA256: {
		Suite:  TLS_AES_128_GCM_SHA256,
		Hash:   crypto.SHA256,
		KeyLen: 16,
		IvLen:  12,
	},
	TLS_AES_256_GCM_SHA384: {
		Suite:  TLS_AES_256_GCM_SHA384,
		Hash:   crypto.SHA384,
		KeyLen: 32,
		IvLen:  12,
	},
	TLS_CHACHA20_POLY1305_SHA256: {
		Suite:  TLS_CHACHA20_POLY1305_SHA256,
		Hash:   crypto.SHA256,
		KeyLen: 32,
		IvLen:  12,
	},
	TLS_AES_128_CCM_SHA256: {
		Suite:  TLS_AES_128_CCM_SHA256,
		Hash:   crypto.SHA256,
		KeyLen: 16,
		IvLen:  12,
	},
	TLS_AES_256_CCM_8_SHA256: {
		Suite:  TLS_AES_256_CCM_8_SHA256,
		Hash:   crypto.SHA256,
		KeyLen: 32,
		IvLen:  12,
	},
}

// CryptoProvider answers which cipher suites the runtime crypto
// implementation actually supports.  It is constructed once and passed in
// through configuration rather than consulted as hidden global state, so
// tests can inject a fake table for deterministic suite-selection behavior.
type CryptoProvider interface {
	Available(suite CipherSuite) bool
	Params(suite CipherSuite) (CipherSuiteParams, bool)
}

type capabilityTable struct {
	available map[CipherSuite]bool
}

func (t *capabilityTable) Available(suite CipherSuite) bool {
	return t.available[suite]
}

func (t *capabilityTable) Params(suite CipherSuite) (CipherSuiteParams, bool) {
	params, ok := cipherSuiteMap[suite]
	return params, ok
}

// NewCapabilityTable builds a CryptoProvider from an explicit availability
// map.  Suites absent from the map are unavailable.
func NewCapabilityTable(available map[CipherSuite]bool) CryptoProvider {
	copied := make(map[CipherSuite]bool, len(available))
	for suite, ok := range available {
		copied[suite] = ok
	}
	return &capabilityTable{available: copied}
}

// The default provider reflects what the bundled crypto implementation
// supports.  The CCM suites are defined in the table but not implemented.
var defaultProvider = NewCapabilityTable(map[CipherSuite]bool{
	TLS_AES_128_GCM_SHA256:       true,
	TLS_AES_256_GCM_SHA384:       true,
	TLS_CHACHA20_POLY1305_SHA256: true,
})

var defaultCipherPreferences = []CipherSuite{
	TLS_AES_128_GCM_SHA256,
	TLS_AES_256_GCM_SHA384,
	TLS_CHACHA20_POLY1305_SHA256,
	TLS_AES_128_CCM_SHA256,
	TLS_AES_256_CCM_8_SHA256,
}

// filterAvailable returns prefs restricted to suites the provider supports,
// preserving order.
func filterAvailable(prefs []CipherSuite, provider CryptoProvider) []CipherSuite {
	out := make([]CipherSuite, 0, len(prefs))
	for _, suite := range prefs {
		if provider.Available(suite) {
			out = append(out, suite)
		}
	}
	return out
}

// selectCipherSuite picks the first suite in the responder's preference list
// that the provider supports and the initiator offered.  An empty
// intersection is a negotiation failure; there is no fallback past the
// configured list.
func selectCipherSuite(prefs, offered []CipherSuite, provider CryptoProvider) (CipherSuiteParams, Alert) {
	for _, suite := range prefs {
		if !provider.Available(suite) {
			logf(logTypeNegotiation, "skipping unavailable suite %04x", uint16(suite))
			continue
		}
		for _, offer := range offered {
			if offer != suite {
				continue
			}
			params, ok := cipherSuiteMap[suite]
			if !ok {
				continue
			}
			logf(logTypeNegotiation, "selected cipher suite %04x", uint16(suite))
			return params, AlertNoAlert
		}
	}

	logf(logTypeNegotiation, "no mutually acceptable cipher suite")
	return CipherSuiteParams{}, AlertHandshakeFailure
}
