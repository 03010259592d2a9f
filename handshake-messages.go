package seam

import (
	"fmt"
)

// HandshakeMessage is one complete protocol message: a type octet, a 24-bit
// body length, and the body.
type HandshakeMessage struct {
	msgType HandshakeType
	body    []byte
}

func (hm *HandshakeMessage) Marshal() []byte {
	out := make([]byte, handshakeHeaderLen+len(hm.body))
	out[0] = byte(hm.msgType)
	out[1] = byte(len(hm.body) >> 16)
	out[2] = byte(len(hm.body) >> 8)
	out[3] = byte(len(hm.body))
	copy(out[handshakeHeaderLen:], hm.body)
	return out
}

type handshakeMessageBody interface {
	Type() HandshakeType
	Marshal() ([]byte, error)
	Unmarshal(data []byte) (int, error)
}

func handshakeMessageFromBody(body handshakeMessageBody) (*HandshakeMessage, error) {
	data, err := body.Marshal()
	if err != nil {
		return nil, err
	}
	return &HandshakeMessage{msgType: body.Type(), body: data}, nil
}

func (hm *HandshakeMessage) ToBody() (handshakeMessageBody, error) {
	var body handshakeMessageBody
	switch hm.msgType {
	case HandshakeTypeClientHello:
		body = new(clientHelloBody)
	case HandshakeTypeServerHello:
		body = new(serverHelloBody)
	case HandshakeTypeCertificate:
		body = new(certificateBody)
	case HandshakeTypeCertificateRequest:
		body = new(certificateRequestBody)
	case HandshakeTypeCertificateVerify:
		body = new(certificateVerifyBody)
	case HandshakeTypeFinished:
		body = new(finishedBody)
	default:
		return nil, fmt.Errorf("unsupported handshake message type %v", hm.msgType)
	}

	read, err := body.Unmarshal(hm.body)
	if err != nil {
		return nil, err
	}
	if read < len(hm.body) {
		return nil, fmt.Errorf("trailing garbage in %v body", hm.msgType)
	}
	return body, nil
}

//	struct {
//	    uint16 version;
//	    opaque random[32];
//	    CipherSuite cipher_suites<1..255>;
//	} ClientHello;
type clientHelloBody struct {
	Version      uint16
	Random       [randomLen]byte
	CipherSuites []CipherSuite
}

func (ch clientHelloBody) Type() HandshakeType {
	return HandshakeTypeClientHello
}

func (ch clientHelloBody) Marshal() ([]byte, error) {
	if len(ch.CipherSuites) == 0 || len(ch.CipherSuites) > maxCipherSuites {
		return nil, fmt.Errorf("invalid cipher suite count %d", len(ch.CipherSuites))
	}

	out := make([]byte, 0, 2+randomLen+1+2*len(ch.CipherSuites))
	out = append(out, byte(ch.Version>>8), byte(ch.Version))
	out = append(out, ch.Random[:]...)
	out = append(out, byte(len(ch.CipherSuites)))
	for _, suite := range ch.CipherSuites {
		out = append(out, byte(suite>>8), byte(suite))
	}
	return out, nil
}

func (ch *clientHelloBody) Unmarshal(data []byte) (int, error) {
	if len(data) < 2+randomLen+1 {
		return 0, fmt.Errorf("ClientHello too short")
	}
	ch.Version = uint16(data[0])<<8 | uint16(data[1])
	copy(ch.Random[:], data[2:2+randomLen])

	cursor := 2 + randomLen
	count := int(data[cursor])
	cursor++
	if count == 0 {
		return 0, fmt.Errorf("ClientHello offers no cipher suites")
	}
	if len(data[cursor:]) < 2*count {
		return 0, fmt.Errorf("ClientHello cipher suite list truncated")
	}

	ch.CipherSuites = make([]CipherSuite, count)
	for i := 0; i < count; i++ {
		ch.CipherSuites[i] = CipherSuite(uint16(data[cursor])<<8 | uint16(data[cursor+1]))
		cursor += 2
	}
	return cursor, nil
}

//	struct {
//	    uint16 version;
//	    opaque random[32];
//	    CipherSuite cipher_suite;
//	} ServerHello;
type serverHelloBody struct {
	Version     uint16
	Random      [randomLen]byte
	CipherSuite CipherSuite
}

func (sh serverHelloBody) Type() HandshakeType {
	return HandshakeTypeServerHello
}

func (sh serverHelloBody) Marshal() ([]byte, error) {
	out := make([]byte, 0, 2+randomLen+2)
	out = append(out, byte(sh.Version>>8), byte(sh.Version))
	out = append(out, sh.Random[:]...)
	out = append(out, byte(sh.CipherSuite>>8), byte(sh.CipherSuite))
	return out, nil
}

func (sh *serverHelloBody) Unmarshal(data []byte) (int, error) {
	if len(data) < 2+randomLen+2 {
		return 0, fmt.Errorf("ServerHello too short")
	}
	sh.Version = uint16(data[0])<<8 | uint16(data[1])
	copy(sh.Random[:], data[2:2+randomLen])
	cursor := 2 + randomLen
	sh.CipherSuite = CipherSuite(uint16(data[cursor])<<8 | uint16(data[cursor+1]))
	return cursor + 2, nil
}

//	struct {
//	    opaque certificate_list<0..255>;  // each entry a 24-bit-length DER blob
//	} Certificate;
//
// An empty list is legal: a client answering an optional certificate request
// with no credential sends zero entries.
type certificateBody struct {
	CertificateList [][]byte
}

func (c certificateBody) Type() HandshakeType {
	return HandshakeTypeCertificate
}

func (c certificateBody) Marshal() ([]byte, error) {
	if len(c.CertificateList) > maxCertificateChainLen {
		return nil, fmt.Errorf("certificate chain too long")
	}

	out := []byte{byte(len(c.CertificateList))}
	for _, der := range c.CertificateList {
		if len(der) == 0 || len(der) >= 1<<24 {
			return nil, fmt.Errorf("invalid certificate entry length %d", len(der))
		}
		out = append(out, byte(len(der)>>16), byte(len(der)>>8), byte(len(der)))
		out = append(out, der...)
	}
	return out, nil
}

func (c *certificateBody) Unmarshal(data []byte) (int, error) {
	if len(data) < 1 {
		return 0, fmt.Errorf("Certificate too short")
	}
	count := int(data[0])
	cursor := 1

	c.CertificateList = make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		if len(data[cursor:]) < 3 {
			return 0, fmt.Errorf("Certificate entry header truncated")
		}
		entryLen := int(data[cursor])<<16 | int(data[cursor+1])<<8 | int(data[cursor+2])
		cursor += 3
		if len(data[cursor:]) < entryLen {
			return 0, fmt.Errorf("Certificate entry truncated")
		}
		entry := make([]byte, entryLen)
		copy(entry, data[cursor:cursor+entryLen])
		c.CertificateList = append(c.CertificateList, entry)
		cursor += entryLen
	}
	return cursor, nil
}

// CertificateRequest carries no parameters; its presence alone tells the
// client a certificate is expected.
type certificateRequestBody struct{}

func (certificateRequestBody) Type() HandshakeType {
	return HandshakeTypeCertificateRequest
}

func (certificateRequestBody) Marshal() ([]byte, error) {
	return []byte{}, nil
}

func (certificateRequestBody) Unmarshal(data []byte) (int, error) {
	return 0, nil
}

//	struct {
//	    opaque signature<0..2^16-1>;
//	} CertificateVerify;
type certificateVerifyBody struct {
	Signature []byte
}

func (cv certificateVerifyBody) Type() HandshakeType {
	return HandshakeTypeCertificateVerify
}

func (cv certificateVerifyBody) Marshal() ([]byte, error) {
	if len(cv.Signature) == 0 || len(cv.Signature) >= 1<<16 {
		return nil, fmt.Errorf("invalid signature length %d", len(cv.Signature))
	}
	out := make([]byte, 0, 2+len(cv.Signature))
	out = append(out, byte(len(cv.Signature)>>8), byte(len(cv.Signature)))
	out = append(out, cv.Signature...)
	return out, nil
}

func (cv *certificateVerifyBody) Unmarshal(data []byte) (int, error) {
	if len(data) < 2 {
		return 0, fmt.Errorf("CertificateVerify too short")
	}
	sigLen := int(data[0])<<8 | int(data[1])
	if len(data[2:]) < sigLen {
		return 0, fmt.Errorf("CertificateVerify signature truncated")
	}
	cv.Signature = make([]byte, sigLen)
	copy(cv.Signature, data[2:2+sigLen])
	return 2 + sigLen, nil
}

//	struct {
//	    opaque verify_data<1..255>;
//	} Finished;
type finishedBody struct {
	VerifyData []byte
}

func (f finishedBody) Type() HandshakeType {
	return HandshakeTypeFinished
}

func (f finishedBody) Marshal() ([]byte, error) {
	if len(f.VerifyData) == 0 || len(f.VerifyData) > 255 {
		return nil, fmt.Errorf("invalid verify data length %d", len(f.VerifyData))
	}
	out := make([]byte, 0, 1+len(f.VerifyData))
	out = append(out, byte(len(f.VerifyData)))
	out = append(out, f.VerifyData...)
	return out, nil
}

func (f *finishedBody) Unmarshal(data []byte) (int, error) {
	if len(data) < 1 {
		return 0, fmt.Errorf("Finished too short")
	}
	vdLen := int(data[0])
	if vdLen == 0 || len(data[1:]) < vdLen {
		return 0, fmt.Errorf("Finished verify data truncated")
	}
	f.VerifyData = make([]byte, vdLen)
	copy(f.VerifyData, data[1:1+vdLen])
	return 1 + vdLen, nil
}
