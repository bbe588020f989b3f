package call

// Signaler sends advisory call-control messages to a peer's inbox. The chat
// manager satisfies it; this package never touches the transport directly.
type Signaler interface {
	SendCallSignal(peer, typ string) error
}

// EngineState is what the external call engine reports about its own call.
type EngineState string

const (
	EngineIdle    EngineState = "idle"
	EngineRinging EngineState = "ringing"
	EngineActive  EngineState = "active"
)

// Engine is the external telephony engine. It does the real call setup and
// media; call-control messages on the broker are hints layered on top.
type Engine interface {
	PlaceCall(peer string) error
	AcceptCall(ref string) error
	Hangup() error
	State() EngineState
}

// AudioRouter switches the device audio path in and out of call mode.
type AudioRouter interface {
	StartCallAudio()
	StopCallAudio()
}

type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseOutgoingRinging Phase = "outgoing_ringing"
	PhaseIncomingRinging Phase = "incoming_ringing"
	PhaseActive          Phase = "active"
)

type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
)

// Hints are informational; they never change the phase.
const (
	HintIncomingRequest = "incoming_request" // peer sent CALL_REQUEST
	HintRemoteAccepted  = "remote_accepted"  // peer sent CALL_ACCEPT
)

type Event struct {
	Type  string `json:"type"` // "phase" or "hint"
	Hint  string `json:"hint,omitempty"`
	Peer  string `json:"peer,omitempty"`
	State State  `json:"state"`
}
