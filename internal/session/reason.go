package session

// Reason why a connection was torn down.
type Reason int

const (
	ReasonExpected      Reason = iota // orderly shutdown by either side
	ReasonUnexpected                  // stream lost or protocol violation
	ReasonBadSignature                // inbound message failed verification
	ReasonSecurityError               // peer reported our message failed verification
)

func (r Reason) String() string {
	switch r {
	case ReasonExpected:
		return "expected"
	case ReasonUnexpected:
		return "unexpected"
	case ReasonBadSignature:
		return "bad_signature"
	case ReasonSecurityError:
		return "security_error"
	}
	return "unknown"
}
