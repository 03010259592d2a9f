package seam

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// Each side of the handshake is driven at most this many times before the
// harness gives up, so a pair of connections that can never complete still
// terminates the test.
const maxHandshakeTries = 100

func stufferRecv(ctx interface{}, buf []byte) (int, error) {
	return ctx.(*Stuffer).Read(buf)
}

func stufferSend(ctx interface{}, buf []byte) (int, error) {
	return ctx.(*Stuffer).Write(buf)
}

var testCertSerial int64

func newSigningCert(t *testing.T, cn string) *Certificate {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	testCertSerial++
	template := &x509.Certificate{
		SerialNumber: big.NewInt(testCertSerial),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, priv.Public(), priv)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return &Certificate{Chain: []*x509.Certificate{cert}, PrivateKey: priv}
}

// wireConn attaches stuffer-backed transport callbacks to conn: reads come
// from in, writes go to out.
func wireConn(t *testing.T, conn *Conn, config *Config, in, out *Stuffer) {
	t.Helper()
	require.NoError(t, conn.SetConfig(config))
	require.NoError(t, conn.SetRecvCallback(stufferRecv))
	require.NoError(t, conn.SetSendCallback(stufferSend))
	require.NoError(t, conn.SetRecvContext(in))
	require.NoError(t, conn.SetSendContext(out))
}

func newTestPair(t *testing.T, clientConfig, serverConfig *Config) (*Conn, *Conn) {
	t.Helper()
	clientToServer := NewStuffer()
	serverToClient := NewStuffer()

	client := NewConn(RoleClient)
	wireConn(t, client, clientConfig, serverToClient, clientToServer)
	server := NewConn(RoleServer)
	wireConn(t, server, serverConfig, clientToServer, serverToClient)
	return client, server
}

type driveResult struct {
	clientDone, serverDone bool
	clientErr, serverErr   error
	tries                  int
}

// drive alternates Negotiate calls between the two sides until both have
// reached a terminal outcome or the try budget runs out.
func drive(t *testing.T, client, server *Conn) driveResult {
	t.Helper()
	var res driveResult
	for i := 0; i < maxHandshakeTries; i++ {
		res.tries = i + 1
		if !res.clientDone && res.clientErr == nil {
			blocked, err := client.Negotiate()
			if err != nil {
				res.clientErr = err
			} else if blocked == NotBlocked {
				res.clientDone = true
			}
		}
		if !res.serverDone && res.serverErr == nil {
			blocked, err := server.Negotiate()
			if err != nil {
				res.serverErr = err
			} else if blocked == NotBlocked {
				res.serverDone = true
			}
		}
		if (res.clientDone || res.clientErr != nil) && (res.serverDone || res.serverErr != nil) {
			break
		}
	}
	return res
}

func requireComplete(t *testing.T, res driveResult) {
	t.Helper()
	require.NoError(t, res.clientErr)
	require.NoError(t, res.serverErr)
	require.True(t, res.clientDone)
	require.True(t, res.serverDone)
}

func TestHandshakeNoClientAuth(t *testing.T) {
	serverCert := newSigningCert(t, "server")
	client, server := newTestPair(t,
		&Config{},
		&Config{Certificates: []*Certificate{serverCert}},
	)
	defer client.Close()
	defer server.Close()

	res := drive(t, client, server)
	requireComplete(t, res)

	require.False(t, client.ClientCertUsed())
	require.False(t, server.ClientCertUsed())
	require.Equal(t, StateClientConnected, client.State())
	require.Equal(t, StateServerConnected, server.State())

	ccs := client.ConnectionState()
	scs := server.ConnectionState()
	require.Equal(t, ccs.CipherSuite.Suite, scs.CipherSuite.Suite)
	require.Equal(t, TLS_AES_128_GCM_SHA256, ccs.CipherSuite.Suite)
	require.False(t, ccs.UsingClientAuth)
	require.False(t, scs.UsingClientAuth)

	// Driving a completed connection is an idempotent no-op.
	for i := 0; i < 3; i++ {
		blocked, err := client.Negotiate()
		require.NoError(t, err)
		require.Equal(t, NotBlocked, blocked)
	}
	require.Equal(t, StateClientConnected, client.State())
}

// Mutual auth driven by per-connection overrides, negotiated once per cipher
// suite the runtime supports.
func TestMutualAuthPerSuiteConnectionOverride(t *testing.T) {
	clientCert := newSigningCert(t, "client")
	serverCert := newSigningCert(t, "server")

	for suite := range cipherSuiteMap {
		if !defaultProvider.Available(suite) {
			continue
		}

		client, server := newTestPair(t,
			&Config{
				CipherPreferences: []CipherSuite{suite},
				Certificates:      []*Certificate{clientCert},
			},
			&Config{
				CipherPreferences: []CipherSuite{suite},
				Certificates:      []*Certificate{serverCert},
			},
		)
		require.NoError(t, client.SetClientAuthType(CertAuthRequired))
		require.NoError(t, server.SetClientAuthType(CertAuthRequired))

		res := drive(t, client, server)
		requireComplete(t, res)

		require.True(t, client.ClientCertUsed())
		require.True(t, server.ClientCertUsed())
		require.Equal(t, suite, client.ConnectionState().CipherSuite.Suite)
		require.Equal(t, suite, server.ConnectionState().CipherSuite.Suite)

		require.NoError(t, client.Close())
		require.NoError(t, server.Close())
	}
}

// Mutual auth driven purely by config scope, no per-connection overrides.
func TestMutualAuthConfigScope(t *testing.T) {
	clientCert := newSigningCert(t, "client")
	serverCert := newSigningCert(t, "server")

	client, server := newTestPair(t,
		&Config{
			ClientAuth:   CertAuthRequired,
			Certificates: []*Certificate{clientCert},
		},
		&Config{
			ClientAuth:   CertAuthRequired,
			Certificates: []*Certificate{serverCert},
		},
	)
	defer client.Close()
	defer server.Close()

	res := drive(t, client, server)
	requireComplete(t, res)

	require.True(t, client.ClientCertUsed())
	require.True(t, server.ClientCertUsed())

	chain := server.ConnectionState().PeerCertificates
	require.Len(t, chain, 1)
	require.Equal(t, "client", chain[0].Subject.CommonName)
}

// A connection-level setting wins over a config that says no client auth.
func TestConnectionOverridesConfigScope(t *testing.T) {
	clientCert := newSigningCert(t, "client")
	serverCert := newSigningCert(t, "server")

	client, server := newTestPair(t,
		&Config{
			ClientAuth:   CertAuthNone,
			Certificates: []*Certificate{clientCert},
		},
		&Config{
			ClientAuth:   CertAuthNone,
			Certificates: []*Certificate{serverCert},
		},
	)
	defer client.Close()
	defer server.Close()

	require.Equal(t, CertAuthNone, client.ClientAuthType())
	require.NoError(t, client.SetClientAuthType(CertAuthRequired))
	require.NoError(t, server.SetClientAuthType(CertAuthRequired))
	require.Equal(t, CertAuthRequired, client.ClientAuthType())
	require.Equal(t, CertAuthRequired, server.ClientAuthType())

	res := drive(t, client, server)
	requireComplete(t, res)

	require.True(t, client.ClientCertUsed())
	require.True(t, server.ClientCertUsed())
}

// Server demands a certificate, client was never told about client auth.
// The client dies on the unexpected CertificateRequest and the server is
// left waiting for a flight that never arrives; the harness bound is what
// ends the exchange.
func TestOneSidedServerAuthFailsBoth(t *testing.T) {
	clientCert := newSigningCert(t, "client")
	serverCert := newSigningCert(t, "server")

	client, server := newTestPair(t,
		&Config{Certificates: []*Certificate{clientCert}},
		&Config{Certificates: []*Certificate{serverCert}},
	)
	defer client.Close()
	defer server.Close()

	require.NoError(t, server.SetClientAuthType(CertAuthRequired))

	res := drive(t, client, server)
	require.ErrorIs(t, res.clientErr, AlertUnexpectedMessage)
	require.False(t, res.serverDone)
	require.NoError(t, res.serverErr)
	require.Equal(t, maxHandshakeTries, res.tries)

	require.False(t, client.ClientCertUsed())
	require.False(t, server.ClientCertUsed())
	require.Equal(t, StateFailed, client.State())
}

// Client demands mutual auth, server never asks.  The client refuses to
// finish; the server keeps waiting for the client's Finished.
func TestOneSidedClientAuthFailsBoth(t *testing.T) {
	clientCert := newSigningCert(t, "client")
	serverCert := newSigningCert(t, "server")

	client, server := newTestPair(t,
		&Config{Certificates: []*Certificate{clientCert}},
		&Config{Certificates: []*Certificate{serverCert}},
	)
	defer client.Close()
	defer server.Close()

	require.NoError(t, client.SetClientAuthType(CertAuthRequired))

	res := drive(t, client, server)
	require.ErrorIs(t, res.clientErr, AlertHandshakeFailure)
	require.False(t, res.serverDone)
	require.Equal(t, maxHandshakeTries, res.tries)

	require.False(t, client.ClientCertUsed())
	require.False(t, server.ClientCertUsed())
}

// An optional request answered with an empty certificate completes without
// client auth.
func TestOptionalClientAuthWithoutCert(t *testing.T) {
	serverCert := newSigningCert(t, "server")

	client, server := newTestPair(t,
		&Config{ClientAuth: CertAuthOptional},
		&Config{
			ClientAuth:   CertAuthOptional,
			Certificates: []*Certificate{serverCert},
		},
	)
	defer client.Close()
	defer server.Close()

	res := drive(t, client, server)
	requireComplete(t, res)

	require.False(t, client.ClientCertUsed())
	require.False(t, server.ClientCertUsed())
}

func TestOptionalClientAuthWithCert(t *testing.T) {
	clientCert := newSigningCert(t, "client")
	serverCert := newSigningCert(t, "server")

	client, server := newTestPair(t,
		&Config{
			ClientAuth:   CertAuthOptional,
			Certificates: []*Certificate{clientCert},
		},
		&Config{
			ClientAuth:   CertAuthOptional,
			Certificates: []*Certificate{serverCert},
		},
	)
	defer client.Close()
	defer server.Close()

	res := drive(t, client, server)
	requireComplete(t, res)

	require.True(t, client.ClientCertUsed())
	require.True(t, server.ClientCertUsed())
}

func TestSetClientAuthTypeAfterStart(t *testing.T) {
	serverCert := newSigningCert(t, "server")
	client, server := newTestPair(t,
		&Config{},
		&Config{Certificates: []*Certificate{serverCert}},
	)
	defer client.Close()
	defer server.Close()

	_, err := client.Negotiate()
	require.NoError(t, err)

	err = client.SetClientAuthType(CertAuthRequired)
	require.ErrorIs(t, err, ErrNegotiationStarted)
	require.Equal(t, CertAuthNone, client.ClientAuthType())

	res := drive(t, client, server)
	requireComplete(t, res)
}

func TestNegotiateSetupErrors(t *testing.T) {
	serverCert := newSigningCert(t, "server")

	conn := NewConn(RoleClient)
	defer conn.Close()
	_, err := conn.Negotiate()
	require.ErrorIs(t, err, ErrNoConfig)

	require.NoError(t, conn.SetConfig(&Config{}))
	_, err = conn.Negotiate()
	require.ErrorIs(t, err, ErrNoCallbacks)

	require.NoError(t, conn.SetRecvCallback(stufferRecv))
	require.NoError(t, conn.SetSendCallback(stufferSend))
	_, err = conn.Negotiate()
	require.ErrorIs(t, err, ErrNilContext)

	// Setup errors are not terminal: once the wiring is fixed the same
	// connection negotiates normally.
	serverToClient := NewStuffer()
	clientToServer := NewStuffer()
	require.NoError(t, conn.SetRecvContext(serverToClient))
	require.NoError(t, conn.SetSendContext(clientToServer))

	server := NewConn(RoleServer)
	wireConn(t, server, &Config{Certificates: []*Certificate{serverCert}}, clientToServer, serverToClient)
	defer server.Close()

	res := drive(t, conn, server)
	requireComplete(t, res)
}

func TestServerWithoutCertificate(t *testing.T) {
	client, server := newTestPair(t, &Config{}, &Config{})
	defer client.Close()
	defer server.Close()

	_, err := server.Negotiate()
	require.ErrorIs(t, err, ErrNoCertificate)
}

func TestNegotiateAfterClose(t *testing.T) {
	conn := NewConn(RoleClient)
	require.NoError(t, conn.Close())

	_, err := conn.Negotiate()
	require.ErrorIs(t, err, ErrConnReleased)
	require.ErrorIs(t, conn.Close(), ErrConnReleased)
	require.ErrorIs(t, conn.SetConfig(&Config{}), ErrConnReleased)
}

func TestTerminalErrorSticks(t *testing.T) {
	clientCert := newSigningCert(t, "client")
	serverCert := newSigningCert(t, "server")

	client, server := newTestPair(t,
		&Config{Certificates: []*Certificate{clientCert}},
		&Config{Certificates: []*Certificate{serverCert}},
	)
	defer client.Close()
	defer server.Close()

	require.NoError(t, server.SetClientAuthType(CertAuthRequired))
	res := drive(t, client, server)
	require.ErrorIs(t, res.clientErr, AlertUnexpectedMessage)

	for i := 0; i < 3; i++ {
		blocked, err := client.Negotiate()
		require.Equal(t, NotBlocked, blocked)
		require.ErrorIs(t, err, AlertUnexpectedMessage)
	}
}

// chunkedTransport throttles a stuffer to one byte per callback invocation
// and refuses every other call outright, so the engine has to suspend and
// resume in both directions many times per flight.
type chunkedTransport struct {
	inner *Stuffer
	calls int
}

func (ct *chunkedTransport) recv(buf []byte) (int, error) {
	ct.calls++
	if ct.calls%2 == 0 {
		return 0, AlertWouldBlock
	}
	return ct.inner.Read(buf[:1])
}

func (ct *chunkedTransport) send(buf []byte) (int, error) {
	ct.calls++
	if ct.calls%2 == 0 {
		return 0, AlertWouldBlock
	}
	return ct.inner.Write(buf[:1])
}

func chunkedRecv(ctx interface{}, buf []byte) (int, error) {
	return ctx.(*chunkedTransport).recv(buf)
}

func chunkedSend(ctx interface{}, buf []byte) (int, error) {
	return ctx.(*chunkedTransport).send(buf)
}

// The handshake must reach the same outcome over a transport that delivers
// one byte at a time, it just takes more suspensions to get there.
func TestByteChunkedTransport(t *testing.T) {
	clientCert := newSigningCert(t, "client")
	serverCert := newSigningCert(t, "server")

	clientToServer := NewStuffer()
	serverToClient := NewStuffer()

	client := NewConn(RoleClient)
	require.NoError(t, client.SetConfig(&Config{Certificates: []*Certificate{clientCert}}))
	require.NoError(t, client.SetRecvCallback(chunkedRecv))
	require.NoError(t, client.SetSendCallback(chunkedSend))
	require.NoError(t, client.SetRecvContext(&chunkedTransport{inner: serverToClient}))
	require.NoError(t, client.SetSendContext(&chunkedTransport{inner: clientToServer}))
	defer client.Close()

	server := NewConn(RoleServer)
	require.NoError(t, server.SetConfig(&Config{Certificates: []*Certificate{serverCert}}))
	require.NoError(t, server.SetRecvCallback(chunkedRecv))
	require.NoError(t, server.SetSendCallback(chunkedSend))
	require.NoError(t, server.SetRecvContext(&chunkedTransport{inner: clientToServer}))
	require.NoError(t, server.SetSendContext(&chunkedTransport{inner: serverToClient}))
	defer server.Close()

	require.NoError(t, client.SetClientAuthType(CertAuthRequired))
	require.NoError(t, server.SetClientAuthType(CertAuthRequired))

	var clientDone, serverDone bool
	var sawWriteBlock bool
	// One byte per delivery needs far more iterations than the message-level
	// harness bound.
	for i := 0; i < 100000 && !(clientDone && serverDone); i++ {
		if !clientDone {
			blocked, err := client.Negotiate()
			require.NoError(t, err)
			if blocked == BlockedOnWrite {
				sawWriteBlock = true
			}
			clientDone = blocked == NotBlocked
		}
		if !serverDone {
			blocked, err := server.Negotiate()
			require.NoError(t, err)
			if blocked == BlockedOnWrite {
				sawWriteBlock = true
			}
			serverDone = blocked == NotBlocked
		}
	}

	require.True(t, clientDone)
	require.True(t, serverDone)
	require.True(t, sawWriteBlock)
	require.True(t, client.ClientCertUsed())
	require.True(t, server.ClientCertUsed())
}

func TestNoUsableCipherSuites(t *testing.T) {
	serverCert := newSigningCert(t, "server")
	none := NewCapabilityTable(nil)

	client, server := newTestPair(t,
		&Config{Provider: none},
		&Config{Certificates: []*Certificate{serverCert}},
	)
	defer client.Close()
	defer server.Close()

	_, err := client.Negotiate()
	require.ErrorIs(t, err, AlertInsufficientSecurity)
	require.Equal(t, StateFailed, client.State())
}

// A responder whose entire preference list is unavailable fails the
// handshake cleanly rather than falling back past the configured list.
func TestResponderOnlyUnavailableSuites(t *testing.T) {
	serverCert := newSigningCert(t, "server")

	client, server := newTestPair(t,
		&Config{},
		&Config{
			CipherPreferences: []CipherSuite{TLS_AES_128_CCM_SHA256, TLS_AES_256_CCM_8_SHA256},
			Certificates:      []*Certificate{serverCert},
		},
	)
	defer client.Close()
	defer server.Close()

	res := drive(t, client, server)
	require.ErrorIs(t, res.serverErr, AlertHandshakeFailure)
	require.False(t, res.clientDone)
	require.Equal(t, StateFailed, server.State())
}

func TestNoCommonCipherSuite(t *testing.T) {
	serverCert := newSigningCert(t, "server")

	client, server := newTestPair(t,
		&Config{CipherPreferences: []CipherSuite{TLS_AES_128_GCM_SHA256}},
		&Config{
			CipherPreferences: []CipherSuite{TLS_AES_256_GCM_SHA384},
			Certificates:      []*Certificate{serverCert},
		},
	)
	defer client.Close()
	defer server.Close()

	res := drive(t, client, server)
	require.ErrorIs(t, res.serverErr, AlertHandshakeFailure)
	require.False(t, res.clientDone)
}

func TestVerifyPeerCertificateRejection(t *testing.T) {
	serverCert := newSigningCert(t, "server")
	rejection := errors.New("not on the guest list")

	client, server := newTestPair(t,
		&Config{
			VerifyPeerCertificate: func(rawCerts [][]byte, chain []*x509.Certificate) error {
				return rejection
			},
		},
		&Config{Certificates: []*Certificate{serverCert}},
	)
	defer client.Close()
	defer server.Close()

	res := drive(t, client, server)
	require.ErrorIs(t, res.clientErr, AlertBadCertificate)
	require.False(t, res.clientDone)
}

func TestVerifyPeerCertificateSeesChain(t *testing.T) {
	clientCert := newSigningCert(t, "client")
	serverCert := newSigningCert(t, "server")

	var serverSawCN string
	client, server := newTestPair(t,
		&Config{
			ClientAuth:   CertAuthRequired,
			Certificates: []*Certificate{clientCert},
		},
		&Config{
			ClientAuth:   CertAuthRequired,
			Certificates: []*Certificate{serverCert},
			VerifyPeerCertificate: func(rawCerts [][]byte, chain []*x509.Certificate) error {
				serverSawCN = chain[0].Subject.CommonName
				return nil
			},
		},
	)
	defer client.Close()
	defer server.Close()

	res := drive(t, client, server)
	requireComplete(t, res)
	require.Equal(t, "client", serverSawCN)
}

// A client pinning its server completes a first handshake, then rejects a
// different certificate for the same name on the next one.
func TestClientPinsServerCertificate(t *testing.T) {
	store, err := OpenPinStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	serverCert := newSigningCert(t, "server")
	imposterCert := newSigningCert(t, "server")

	clientConfig := func() *Config {
		return &Config{ServerName: "server.example", PinStore: store}
	}

	client, server := newTestPair(t,
		clientConfig(),
		&Config{Certificates: []*Certificate{serverCert}},
	)
	res := drive(t, client, server)
	requireComplete(t, res)
	require.NoError(t, client.Close())
	require.NoError(t, server.Close())

	client, server = newTestPair(t,
		clientConfig(),
		&Config{Certificates: []*Certificate{imposterCert}},
	)
	defer client.Close()
	defer server.Close()

	res = drive(t, client, server)
	require.ErrorIs(t, res.clientErr, AlertBadCertificate)
	require.False(t, res.clientDone)
}

// An unknown message type in any wait state is fatal.
func TestServerRejectsUnexpectedFirstMessage(t *testing.T) {
	serverCert := newSigningCert(t, "server")

	clientToServer := NewStuffer()
	serverToClient := NewStuffer()
	server := NewConn(RoleServer)
	wireConn(t, server, &Config{Certificates: []*Certificate{serverCert}}, clientToServer, serverToClient)
	defer server.Close()

	msg, err := handshakeMessageFromBody(&finishedBody{VerifyData: []byte{1, 2, 3}})
	require.NoError(t, err)
	clientToServer.WriteBytes(msg.Marshal())

	_, err = server.Negotiate()
	require.ErrorIs(t, err, AlertUnexpectedMessage)
}

func TestTransportErrorSurfaces(t *testing.T) {
	brokenPipe := errors.New("broken pipe")

	conn := NewConn(RoleClient)
	require.NoError(t, conn.SetConfig(&Config{}))
	require.NoError(t, conn.SetRecvCallback(stufferRecv))
	require.NoError(t, conn.SetSendCallback(func(ctx interface{}, buf []byte) (int, error) {
		return 0, brokenPipe
	}))
	require.NoError(t, conn.SetRecvContext(NewStuffer()))
	require.NoError(t, conn.SetSendContext(NewStuffer()))
	defer conn.Close()

	_, err := conn.Negotiate()
	require.ErrorIs(t, err, brokenPipe)
	var ioErr *IOError
	require.ErrorAs(t, err, &ioErr)
	require.Equal(t, "send", ioErr.Op)
}
