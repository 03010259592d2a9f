package seam

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	labelClientFinished = "client finished"
	labelServerFinished = "server finished"
)

func hkdfExtract(hash crypto.Hash, salt, input []byte) []byte {
	return hkdf.Extract(hash.New, input, salt)
}

func hkdfExpandLabel(hash crypto.Hash, secret []byte, label string, hashValue []byte, outLen int) []byte {
	info := make([]byte, 0, 4+len(label)+len(hashValue))
	info = append(info, byte(outLen>>8), byte(outLen))
	info = append(info, byte(len(label)))
	info = append(info, label...)
	info = append(info, byte(len(hashValue)))
	info = append(info, hashValue...)

	out := make([]byte, outLen)
	reader := hkdf.Expand(hash.New, secret, info)
	if _, err := io.ReadFull(reader, out); err != nil {
		// Only reachable if outLen exceeds the HKDF output limit, which our
		// fixed hash sizes never do.
		panic(err)
	}

	logf(logTypeCrypto, "HKDF-Expand-Label: label=[%s] out=[%d]", label, outLen)
	return out
}

// handshakeSecret derives the shared working secret for a session from the
// two hello randoms.  The asymmetric exchange that would feed real key
// material into this step belongs to the crypto provider, outside this layer.
func handshakeSecret(params CipherSuiteParams, clientRandom, serverRandom []byte) []byte {
	return hkdfExtract(params.Hash, clientRandom, serverRandom)
}

func transcriptDigest(hash crypto.Hash, transcript []byte) []byte {
	h := hash.New()
	h.Write(transcript)
	return h.Sum(nil)
}

// computeVerifyData derives the Finished payload for one direction over the
// transcript so far.
func computeVerifyData(params CipherSuiteParams, secret []byte, label string, transcript []byte) []byte {
	digest := transcriptDigest(params.Hash, transcript)
	return hkdfExpandLabel(params.Hash, secret, label, digest, params.Hash.Size())
}

// signTranscript produces a signature over the transcript digest with the
// sender's certificate key.  ECDSA yields ASN.1 DER, RSA yields PKCS#1 v1.5,
// both via the crypto.Signer contract.
func signTranscript(signer crypto.Signer, hash crypto.Hash, transcript []byte) ([]byte, error) {
	digest := transcriptDigest(hash, transcript)
	return signer.Sign(rand.Reader, digest, hash)
}

// verifyTranscriptSignature checks a CertificateVerify signature against the
// presented leaf certificate.
func verifyTranscriptSignature(cert *x509.Certificate, hash crypto.Hash, transcript, sig []byte) error {
	digest := transcriptDigest(hash, transcript)

	switch pub := cert.PublicKey.(type) {
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(pub, digest, sig) {
			return errors.New("ECDSA verification failed")
		}
		return nil
	case *rsa.PublicKey:
		return rsa.VerifyPKCS1v15(pub, hash, digest, sig)
	default:
		return errors.New("unsupported public key type")
	}
}
