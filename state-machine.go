package seam

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/x509"
)

// Marker interface for actions that the driver should take based on state
// transitions.
type HandshakeAction interface{}

type QueueHandshakeMessage struct {
	Message *HandshakeMessage
}

type SendQueuedHandshake struct{}

type handshakeMessageReader interface {
	ReadMessage() (*HandshakeMessage, Alert)
}

// HandshakeState is one position in a role's message sequence.  Next
// consumes or produces exactly one message (plus any same-flight messages it
// can emit without further input) and returns the successor state.
// AlertWouldBlock from Next means the transport could not supply a full
// message; the cursor has not advanced and the same state is retried later.
type HandshakeState interface {
	Next(hr handshakeMessageReader) (HandshakeState, []HandshakeAction, Alert)
	State() State
}

func newRandom() ([randomLen]byte, Alert) {
	var out [randomLen]byte
	if _, err := rand.Read(out[:]); err != nil {
		return out, AlertInternalError
	}
	return out, AlertNoAlert
}

func firstCertificate(config *Config) *Certificate {
	config.mutex.RLock()
	defer config.mutex.RUnlock()
	if len(config.Certificates) == 0 {
		return nil
	}
	return config.Certificates[0]
}

func certChainDER(cert *Certificate) [][]byte {
	chain := make([][]byte, len(cert.Chain))
	for i, c := range cert.Chain {
		chain[i] = c.Raw
	}
	return chain
}

func parseCertificateChain(raw [][]byte) ([]*x509.Certificate, error) {
	chain := make([]*x509.Certificate, len(raw))
	for i, der := range raw {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, err
		}
		chain[i] = cert
	}
	return chain, nil
}

// verifyPeerChain runs the configured verification callback over a presented
// chain.  With no callback and no pin store configured, a parseable chain is
// accepted; chain validation is the callback's business.
func verifyPeerChain(config *Config, raw [][]byte) ([]*x509.Certificate, Alert) {
	chain, err := parseCertificateChain(raw)
	if err != nil {
		logf(logTypeHandshake, "error parsing peer certificates: %v", err)
		return nil, AlertBadCertificate
	}
	if verify := config.verifier(); verify != nil {
		if err := verify(raw, chain); err != nil {
			logf(logTypeHandshake, "peer certificate rejected: %v", err)
			return nil, AlertBadCertificate
		}
	}
	return chain, AlertNoAlert
}

// stateConnected is symmetric between client and server and terminal: any
// further drive attempt is a no-op.
type stateConnected struct {
	Params   ConnectionParameters
	isClient bool
}

var _ HandshakeState = stateConnected{}

func (state stateConnected) State() State {
	if state.isClient {
		return StateClientConnected
	}
	return StateServerConnected
}

// Next does nothing for this state.
func (state stateConnected) Next(hr handshakeMessageReader) (HandshakeState, []HandshakeAction, Alert) {
	return state, nil, AlertNoAlert
}

//
// Client state machine
//
//   START            -> send ClientHello
//   WAIT_SH          -> receive ServerHello, resolve cipher suite
//   WAIT_CERT        -> receive server Certificate, verify chain
//   WAIT_FLIGHT      -> receive [CertificateRequest], CertificateVerify,
//                       Finished; then send [Certificate,
//                       [CertificateVerify]], Finished
//   CONNECTED
//

type clientStateStart struct {
	Config   *Config
	hsCtx    *HandshakeContext
	authType CertAuthType
}

var _ HandshakeState = clientStateStart{}

func (state clientStateStart) State() State { return StateClientStart }

func (state clientStateStart) Next(hr handshakeMessageReader) (HandshakeState, []HandshakeAction, Alert) {
	provider := state.Config.provider()
	offered := filterAvailable(state.Config.preferences(), provider)
	if len(offered) == 0 {
		logf(logTypeHandshake, "[ClientStateStart] No available cipher suites to offer")
		return nil, nil, AlertInsufficientSecurity
	}

	clientRandom, alert := newRandom()
	if alert != AlertNoAlert {
		return nil, nil, alert
	}

	ch := &clientHelloBody{
		Version:      supportedVersion,
		Random:       clientRandom,
		CipherSuites: offered,
	}
	chm, err := handshakeMessageFromBody(ch)
	if err != nil {
		logf(logTypeHandshake, "[ClientStateStart] Error marshaling ClientHello: %v", err)
		return nil, nil, AlertInternalError
	}
	state.hsCtx.appendTranscript(chm)

	logf(logTypeHandshake, "[ClientStateStart] Sending ClientHello, %d suites offered", len(offered))
	nextState := clientStateWaitServerHello{
		Config:       state.Config,
		hsCtx:        state.hsCtx,
		authType:     state.authType,
		clientRandom: clientRandom,
		offered:      offered,
	}
	toSend := []HandshakeAction{
		QueueHandshakeMessage{chm},
		SendQueuedHandshake{},
	}
	return nextState, toSend, AlertNoAlert
}

type clientStateWaitServerHello struct {
	Config       *Config
	hsCtx        *HandshakeContext
	authType     CertAuthType
	clientRandom [randomLen]byte
	offered      []CipherSuite
}

var _ HandshakeState = clientStateWaitServerHello{}

func (state clientStateWaitServerHello) State() State { return StateClientWaitServerHello }

func (state clientStateWaitServerHello) Next(hr handshakeMessageReader) (HandshakeState, []HandshakeAction, Alert) {
	hm, alert := hr.ReadMessage()
	if alert != AlertNoAlert {
		return nil, nil, alert
	}
	if hm.msgType != HandshakeTypeServerHello {
		logf(logTypeHandshake, "[ClientStateWaitSH] Unexpected message type %v", hm.msgType)
		return nil, nil, AlertUnexpectedMessage
	}

	sh := new(serverHelloBody)
	if _, err := sh.Unmarshal(hm.body); err != nil {
		logf(logTypeHandshake, "[ClientStateWaitSH] Error decoding ServerHello: %v", err)
		return nil, nil, AlertDecodeError
	}
	if sh.Version != supportedVersion {
		return nil, nil, AlertProtocolVersion
	}

	// The server must select from what we offered; anything else is a
	// downgrade, and fatal.
	selected := false
	for _, suite := range state.offered {
		if suite == sh.CipherSuite {
			selected = true
			break
		}
	}
	params, known := cipherSuiteMap[sh.CipherSuite]
	if !selected || !known {
		logf(logTypeHandshake, "[ClientStateWaitSH] Server selected unoffered suite %04x", uint16(sh.CipherSuite))
		return nil, nil, AlertIllegalParameter
	}

	state.hsCtx.appendTranscript(hm)
	secret := handshakeSecret(params, state.clientRandom[:], sh.Random[:])

	logf(logTypeHandshake, "[ClientStateWaitSH] Negotiated suite %04x", uint16(sh.CipherSuite))
	nextState := clientStateWaitCertificate{
		Config:   state.Config,
		hsCtx:    state.hsCtx,
		authType: state.authType,
		params:   params,
		secret:   secret,
	}
	return nextState, nil, AlertNoAlert
}

type clientStateWaitCertificate struct {
	Config   *Config
	hsCtx    *HandshakeContext
	authType CertAuthType
	params   CipherSuiteParams
	secret   []byte
}

var _ HandshakeState = clientStateWaitCertificate{}

func (state clientStateWaitCertificate) State() State { return StateClientWaitCertificate }

func (state clientStateWaitCertificate) Next(hr handshakeMessageReader) (HandshakeState, []HandshakeAction, Alert) {
	hm, alert := hr.ReadMessage()
	if alert != AlertNoAlert {
		return nil, nil, alert
	}
	if hm.msgType != HandshakeTypeCertificate {
		logf(logTypeHandshake, "[ClientStateWaitCert] Unexpected message type %v", hm.msgType)
		return nil, nil, AlertUnexpectedMessage
	}

	cert := new(certificateBody)
	if _, err := cert.Unmarshal(hm.body); err != nil {
		logf(logTypeHandshake, "[ClientStateWaitCert] Error decoding Certificate: %v", err)
		return nil, nil, AlertDecodeError
	}
	if len(cert.CertificateList) == 0 {
		// The server always proves identity; an empty chain here is fatal.
		return nil, nil, AlertBadCertificate
	}

	chain, alert := verifyPeerChain(state.Config, cert.CertificateList)
	if alert != AlertNoAlert {
		return nil, nil, alert
	}

	state.hsCtx.appendTranscript(hm)
	nextState := clientStateWaitServerFlight{
		Config:    state.Config,
		hsCtx:     state.hsCtx,
		authType:  state.authType,
		params:    state.params,
		secret:    state.secret,
		peerCerts: chain,
	}
	return nextState, nil, AlertNoAlert
}

type clientStateWaitServerFlight struct {
	Config    *Config
	hsCtx     *HandshakeContext
	authType  CertAuthType
	params    CipherSuiteParams
	secret    []byte
	peerCerts []*x509.Certificate

	certRequested bool
	certVerified  bool
}

var _ HandshakeState = clientStateWaitServerFlight{}

func (state clientStateWaitServerFlight) State() State { return StateClientWaitServerFlight }

func (state clientStateWaitServerFlight) Next(hr handshakeMessageReader) (HandshakeState, []HandshakeAction, Alert) {
	hm, alert := hr.ReadMessage()
	if alert != AlertNoAlert {
		return nil, nil, alert
	}

	switch hm.msgType {
	case HandshakeTypeCertificateRequest:
		if state.certRequested || state.certVerified {
			return nil, nil, AlertUnexpectedMessage
		}
		// A connection that has not agreed to client auth treats the request
		// as a policy mismatch and dies here; the peer is left waiting for a
		// certificate that will never come.
		if state.authType == CertAuthNone {
			logf(logTypeHandshake, "[ClientStateWaitFlight] CertificateRequest but client auth is disabled")
			return nil, nil, AlertUnexpectedMessage
		}
		state.hsCtx.appendTranscript(hm)
		state.certRequested = true
		logf(logTypeHandshake, "[ClientStateWaitFlight] Server requested a certificate")
		return state, nil, AlertNoAlert

	case HandshakeTypeCertificateVerify:
		if state.certVerified {
			return nil, nil, AlertUnexpectedMessage
		}
		cv := new(certificateVerifyBody)
		if _, err := cv.Unmarshal(hm.body); err != nil {
			return nil, nil, AlertDecodeError
		}
		if err := verifyTranscriptSignature(state.peerCerts[0], state.params.Hash, state.hsCtx.transcript, cv.Signature); err != nil {
			logf(logTypeHandshake, "[ClientStateWaitFlight] Server signature failed: %v", err)
			return nil, nil, AlertDecryptError
		}
		state.hsCtx.appendTranscript(hm)
		state.certVerified = true
		return state, nil, AlertNoAlert

	case HandshakeTypeFinished:
		if !state.certVerified {
			return nil, nil, AlertUnexpectedMessage
		}
		// A client that requires mutual auth refuses to complete a handshake
		// in which it was never asked to prove itself.
		if state.authType == CertAuthRequired && !state.certRequested {
			logf(logTypeHandshake, "[ClientStateWaitFlight] Mutual auth required but server never asked")
			return nil, nil, AlertHandshakeFailure
		}

		fin := new(finishedBody)
		if _, err := fin.Unmarshal(hm.body); err != nil {
			return nil, nil, AlertDecodeError
		}
		expected := computeVerifyData(state.params, state.secret, labelServerFinished, state.hsCtx.transcript)
		if !hmac.Equal(expected, fin.VerifyData) {
			logf(logTypeHandshake, "[ClientStateWaitFlight] Server Finished verification failed")
			return nil, nil, AlertDecryptError
		}
		state.hsCtx.appendTranscript(hm)

		return state.sendClientFlight()

	default:
		logf(logTypeHandshake, "[ClientStateWaitFlight] Unexpected message type %v", hm.msgType)
		return nil, nil, AlertUnexpectedMessage
	}
}

// sendClientFlight emits the client's second flight and transitions to
// connected.  The flight is computed in transcript order: each message is
// appended before the next is derived.
func (state clientStateWaitServerFlight) sendClientFlight() (HandshakeState, []HandshakeAction, Alert) {
	var toSend []HandshakeAction
	usingClientAuth := false

	if state.certRequested {
		cert := firstCertificate(state.Config)
		if cert == nil && state.authType == CertAuthRequired {
			logf(logTypeHandshake, "[ClientStateWaitFlight] Certificate required but none configured")
			return nil, nil, AlertCertificateRequired
		}

		certBody := &certificateBody{}
		if cert != nil {
			certBody.CertificateList = certChainDER(cert)
		}
		certMsg, err := handshakeMessageFromBody(certBody)
		if err != nil {
			return nil, nil, AlertInternalError
		}
		state.hsCtx.appendTranscript(certMsg)
		toSend = append(toSend, QueueHandshakeMessage{certMsg})

		if cert != nil {
			sig, err := signTranscript(cert.PrivateKey, state.params.Hash, state.hsCtx.transcript)
			if err != nil {
				logf(logTypeHandshake, "[ClientStateWaitFlight] Error signing transcript: %v", err)
				return nil, nil, AlertInternalError
			}
			cvMsg, err := handshakeMessageFromBody(&certificateVerifyBody{Signature: sig})
			if err != nil {
				return nil, nil, AlertInternalError
			}
			state.hsCtx.appendTranscript(cvMsg)
			toSend = append(toSend, QueueHandshakeMessage{cvMsg})
			usingClientAuth = true
		}
	}

	vd := computeVerifyData(state.params, state.secret, labelClientFinished, state.hsCtx.transcript)
	finMsg, err := handshakeMessageFromBody(&finishedBody{VerifyData: vd})
	if err != nil {
		return nil, nil, AlertInternalError
	}
	state.hsCtx.appendTranscript(finMsg)
	toSend = append(toSend, QueueHandshakeMessage{finMsg}, SendQueuedHandshake{})

	logf(logTypeHandshake, "[ClientStateWaitFlight] Handshake complete, clientAuth=%v", usingClientAuth)
	nextState := stateConnected{
		Params: ConnectionParameters{
			CipherSuite:      state.params.Suite,
			UsingClientAuth:  usingClientAuth,
			PeerCertificates: state.peerCerts,
		},
		isClient: true,
	}
	return nextState, toSend, AlertNoAlert
}

//
// Server state machine
//
//   START            -> receive ClientHello, select suite; send ServerHello,
//                       Certificate, [CertificateRequest],
//                       CertificateVerify, Finished
//   WAIT_CERT        -> receive client Certificate (only when requested)
//   WAIT_CV          -> receive client CertificateVerify (only for a
//                       non-empty certificate)
//   WAIT_FINISHED    -> receive client Finished
//   CONNECTED
//

type serverStateStart struct {
	Config   *Config
	hsCtx    *HandshakeContext
	authType CertAuthType
}

var _ HandshakeState = serverStateStart{}

func (state serverStateStart) State() State { return StateServerStart }

func (state serverStateStart) Next(hr handshakeMessageReader) (HandshakeState, []HandshakeAction, Alert) {
	hm, alert := hr.ReadMessage()
	if alert != AlertNoAlert {
		return nil, nil, alert
	}
	if hm.msgType != HandshakeTypeClientHello {
		logf(logTypeHandshake, "[ServerStateStart] Unexpected message type %v", hm.msgType)
		return nil, nil, AlertUnexpectedMessage
	}

	ch := new(clientHelloBody)
	if _, err := ch.Unmarshal(hm.body); err != nil {
		logf(logTypeHandshake, "[ServerStateStart] Error decoding ClientHello: %v", err)
		return nil, nil, AlertDecodeError
	}
	if ch.Version != supportedVersion {
		return nil, nil, AlertProtocolVersion
	}

	cert := firstCertificate(state.Config)
	if cert == nil || len(cert.Chain) == 0 || cert.PrivateKey == nil {
		logf(logTypeHandshake, "[ServerStateStart] No server credential configured")
		return nil, nil, AlertInternalError
	}

	provider := state.Config.provider()
	params, alert := selectCipherSuite(state.Config.preferences(), ch.CipherSuites, provider)
	if alert != AlertNoAlert {
		return nil, nil, alert
	}

	state.hsCtx.appendTranscript(hm)

	serverRandom, alert := newRandom()
	if alert != AlertNoAlert {
		return nil, nil, alert
	}
	secret := handshakeSecret(params, ch.Random[:], serverRandom[:])

	var toSend []HandshakeAction
	queue := func(body handshakeMessageBody) Alert {
		msg, err := handshakeMessageFromBody(body)
		if err != nil {
			logf(logTypeHandshake, "[ServerStateStart] Error marshaling %v: %v", body.Type(), err)
			return AlertInternalError
		}
		state.hsCtx.appendTranscript(msg)
		toSend = append(toSend, QueueHandshakeMessage{msg})
		return AlertNoAlert
	}

	if alert := queue(&serverHelloBody{
		Version:     supportedVersion,
		Random:      serverRandom,
		CipherSuite: params.Suite,
	}); alert != AlertNoAlert {
		return nil, nil, alert
	}
	if alert := queue(&certificateBody{CertificateList: certChainDER(cert)}); alert != AlertNoAlert {
		return nil, nil, alert
	}

	certRequested := state.authType != CertAuthNone
	if certRequested {
		if alert := queue(&certificateRequestBody{}); alert != AlertNoAlert {
			return nil, nil, alert
		}
	}

	sig, err := signTranscript(cert.PrivateKey, params.Hash, state.hsCtx.transcript)
	if err != nil {
		logf(logTypeHandshake, "[ServerStateStart] Error signing transcript: %v", err)
		return nil, nil, AlertInternalError
	}
	if alert := queue(&certificateVerifyBody{Signature: sig}); alert != AlertNoAlert {
		return nil, nil, alert
	}

	vd := computeVerifyData(params, secret, labelServerFinished, state.hsCtx.transcript)
	if alert := queue(&finishedBody{VerifyData: vd}); alert != AlertNoAlert {
		return nil, nil, alert
	}
	toSend = append(toSend, SendQueuedHandshake{})

	logf(logTypeHandshake, "[ServerStateStart] Sent server flight, certRequested=%v", certRequested)

	if certRequested {
		return serverStateWaitClientCertificate{
			Config:   state.Config,
			hsCtx:    state.hsCtx,
			authType: state.authType,
			params:   params,
			secret:   secret,
		}, toSend, AlertNoAlert
	}
	return serverStateWaitFinished{
		Config:   state.Config,
		hsCtx:    state.hsCtx,
		authType: state.authType,
		params:   params,
		secret:   secret,
	}, toSend, AlertNoAlert
}

type serverStateWaitClientCertificate struct {
	Config   *Config
	hsCtx    *HandshakeContext
	authType CertAuthType
	params   CipherSuiteParams
	secret   []byte
}

var _ HandshakeState = serverStateWaitClientCertificate{}

func (state serverStateWaitClientCertificate) State() State { return StateServerWaitClientCertificate }

func (state serverStateWaitClientCertificate) Next(hr handshakeMessageReader) (HandshakeState, []HandshakeAction, Alert) {
	hm, alert := hr.ReadMessage()
	if alert != AlertNoAlert {
		return nil, nil, alert
	}
	if hm.msgType != HandshakeTypeCertificate {
		logf(logTypeHandshake, "[ServerStateWaitCert] Unexpected message type %v", hm.msgType)
		return nil, nil, AlertUnexpectedMessage
	}

	cert := new(certificateBody)
	if _, err := cert.Unmarshal(hm.body); err != nil {
		return nil, nil, AlertDecodeError
	}

	if len(cert.CertificateList) == 0 {
		// An empty certificate answers an optional request; a required one
		// it violates.
		if state.authType == CertAuthRequired {
			logf(logTypeHandshake, "[ServerStateWaitCert] Client sent no certificate but one is required")
			return nil, nil, AlertCertificateRequired
		}
		state.hsCtx.appendTranscript(hm)
		return serverStateWaitFinished{
			Config:   state.Config,
			hsCtx:    state.hsCtx,
			authType: state.authType,
			params:   state.params,
			secret:   state.secret,
		}, nil, AlertNoAlert
	}

	chain, alert := verifyPeerChain(state.Config, cert.CertificateList)
	if alert != AlertNoAlert {
		return nil, nil, alert
	}

	state.hsCtx.appendTranscript(hm)
	return serverStateWaitCertVerify{
		Config:    state.Config,
		hsCtx:     state.hsCtx,
		authType:  state.authType,
		params:    state.params,
		secret:    state.secret,
		peerCerts: chain,
	}, nil, AlertNoAlert
}

type serverStateWaitCertVerify struct {
	Config    *Config
	hsCtx     *HandshakeContext
	authType  CertAuthType
	params    CipherSuiteParams
	secret    []byte
	peerCerts []*x509.Certificate
}

var _ HandshakeState = serverStateWaitCertVerify{}

func (state serverStateWaitCertVerify) State() State { return StateServerWaitCertVerify }

func (state serverStateWaitCertVerify) Next(hr handshakeMessageReader) (HandshakeState, []HandshakeAction, Alert) {
	hm, alert := hr.ReadMessage()
	if alert != AlertNoAlert {
		return nil, nil, alert
	}
	if hm.msgType != HandshakeTypeCertificateVerify {
		logf(logTypeHandshake, "[ServerStateWaitCV] Unexpected message type %v", hm.msgType)
		return nil, nil, AlertUnexpectedMessage
	}

	cv := new(certificateVerifyBody)
	if _, err := cv.Unmarshal(hm.body); err != nil {
		return nil, nil, AlertDecodeError
	}
	if err := verifyTranscriptSignature(state.peerCerts[0], state.params.Hash, state.hsCtx.transcript, cv.Signature); err != nil {
		logf(logTypeHandshake, "[ServerStateWaitCV] Client signature failed: %v", err)
		return nil, nil, AlertDecryptError
	}

	state.hsCtx.appendTranscript(hm)
	return serverStateWaitFinished{
		Config:       state.Config,
		hsCtx:        state.hsCtx,
		authType:     state.authType,
		params:       state.params,
		secret:       state.secret,
		peerCerts:    state.peerCerts,
		certVerified: true,
	}, nil, AlertNoAlert
}

type serverStateWaitFinished struct {
	Config       *Config
	hsCtx        *HandshakeContext
	authType     CertAuthType
	params       CipherSuiteParams
	secret       []byte
	peerCerts    []*x509.Certificate
	certVerified bool
}

var _ HandshakeState = serverStateWaitFinished{}

func (state serverStateWaitFinished) State() State { return StateServerWaitFinished }

func (state serverStateWaitFinished) Next(hr handshakeMessageReader) (HandshakeState, []HandshakeAction, Alert) {
	hm, alert := hr.ReadMessage()
	if alert != AlertNoAlert {
		return nil, nil, alert
	}
	if hm.msgType != HandshakeTypeFinished {
		logf(logTypeHandshake, "[ServerStateWaitFinished] Unexpected message type %v", hm.msgType)
		return nil, nil, AlertUnexpectedMessage
	}

	fin := new(finishedBody)
	if _, err := fin.Unmarshal(hm.body); err != nil {
		return nil, nil, AlertDecodeError
	}
	expected := computeVerifyData(state.params, state.secret, labelClientFinished, state.hsCtx.transcript)
	if !hmac.Equal(expected, fin.VerifyData) {
		logf(logTypeHandshake, "[ServerStateWaitFinished] Client Finished verification failed")
		return nil, nil, AlertDecryptError
	}
	state.hsCtx.appendTranscript(hm)

	logf(logTypeHandshake, "[ServerStateWaitFinished] Handshake complete, clientAuth=%v", state.certVerified)
	return stateConnected{
		Params: ConnectionParameters{
			CipherSuite:      state.params.Suite,
			UsingClientAuth:  state.certVerified,
			PeerCertificates: state.peerCerts,
		},
		isClient: false,
	}, nil, AlertNoAlert
}
