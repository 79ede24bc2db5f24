package socket

import "encoding/json"

// Kind identifies the payload type of a socket message.
type Kind string

// Message kinds carried on the TaskFolk realtime channel.
const (
	KindDomainMessage Kind = "domain_message"
	KindJobUpdate     Kind = "job_update"
	KindBookingUpdate Kind = "booking_update"
	KindNotification  Kind = "notification"
	KindTyping        Kind = "typing"
	KindReadReceipt   Kind = "read_receipt"
	KindPing          Kind = "ping"
	KindPong          Kind = "pong"
)

// Message is the JSON envelope on the wire, both directions.
type Message struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
	SentAt  int64           `json:"sent_at"`
}

// State is the connection lifecycle state.
type State int

const (
	// StateDisconnected means no transport and nothing in flight.
	StateDisconnected State = iota

	// StateConnecting means a dial is in progress.
	StateConnecting

	// StateConnected means the transport is open but the session is not
	// yet usable. With credentials carried in the handshake this state
	// is passed through, never dwelt in.
	StateConnected

	// StateAuthenticated means the session is live and sends go out
	// immediately.
	StateAuthenticated

	// StateClosing means a clean shutdown is in progress.
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateClosing:
		return "closing"
	default:
		return "disconnected"
	}
}

// StateEvent describes one lifecycle transition. Err is set when the
// transition was caused by a failure, such as a dial error or a dropped
// connection.
type StateEvent struct {
	Old State
	New State
	Err error
}
