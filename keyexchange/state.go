package keyexchange

// State is the key lifecycle of one user in one conversation.
//
//	NoKey -> Generating -> AwaitingServerAck -> Verified
//	AwaitingServerAck -> Failed -> Generating (manual retry)
//	Unconfirmed -> Verified | Failed (server check of a stored key)
type State string

const (
	StateNoKey             State = "no_key"
	StateGenerating        State = "generating"
	StateAwaitingServerAck State = "awaiting_server_ack"
	StateVerified          State = "verified"
	StateFailed            State = "failed"

	// StateUnconfirmed is a key verified by an earlier process that the
	// server has not confirmed again since this process started.
	StateUnconfirmed State = "unconfirmed"
)

// Busy reports whether an exchange is running.
func (s State) Busy() bool {
	return s == StateGenerating || s == StateAwaitingServerAck
}

func validTransition(from, to State) bool {
	switch to {
	case StateGenerating:
		return from == StateNoKey || from == StateFailed || from == StateVerified || from == StateUnconfirmed
	case StateAwaitingServerAck:
		return from != StateAwaitingServerAck
	case StateVerified:
		return from == StateAwaitingServerAck || from == StateFailed || from == StateVerified || from == StateUnconfirmed
	case StateFailed:
		return from != StateNoKey
	default:
		return false
	}
}
