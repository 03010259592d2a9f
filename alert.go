package seam

import "fmt"

// Alert is the engine's protocol-level error taxonomy.  Alert values are
// returned by state transitions and implement error so they can travel
// through ordinary error returns.  AlertWouldBlock is special: it is a
// transient suspension signal, never a failure.
type Alert uint8

const (
	AlertCloseNotify          Alert = 0
	AlertUnexpectedMessage    Alert = 10
	AlertHandshakeFailure     Alert = 40
	AlertBadCertificate       Alert = 42
	AlertIllegalParameter     Alert = 47
	AlertDecodeError          Alert = 50
	AlertDecryptError         Alert = 51
	AlertProtocolVersion      Alert = 70
	AlertInsufficientSecurity Alert = 71
	AlertInternalError        Alert = 80
	AlertCertificateRequired  Alert = 116
	AlertWouldBlock           Alert = 254
	AlertNoAlert              Alert = 255
)

func (a Alert) String() string {
	switch a {
	case AlertCloseNotify:
		return "close notify"
	case AlertUnexpectedMessage:
		return "unexpected message"
	case AlertHandshakeFailure:
		return "handshake failure"
	case AlertBadCertificate:
		return "bad certificate"
	case AlertIllegalParameter:
		return "illegal parameter"
	case AlertDecodeError:
		return "error decoding message"
	case AlertDecryptError:
		return "error decrypting message"
	case AlertProtocolVersion:
		return "protocol version not supported"
	case AlertInsufficientSecurity:
		return "insufficient security level"
	case AlertInternalError:
		return "internal error"
	case AlertCertificateRequired:
		return "certificate required"
	case AlertWouldBlock:
		return "would have blocked"
	case AlertNoAlert:
		return "no alert"
	default:
		return fmt.Sprintf("alert(%d)", uint8(a))
	}
}

func (a Alert) Error() string {
	return a.String()
}

// IOError wraps a non-would-block failure reported by a transport callback.
// It is fatal to the connection but is not retried by the engine; only
// would-block conditions are retried, and by the caller.
type IOError struct {
	Op  string // "recv" or "send"
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("seam: transport %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}
