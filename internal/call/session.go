package call

import "time"

// Session is the single call being tracked. It exists only while the phase
// is not idle.
type Session struct {
	PeerID    string
	Direction Direction
	Phase     Phase
	CallRef   string // engine handle, known for incoming calls and once the engine accepts
	StartedAt time.Time

	// engineSeen is set once the engine has reported this call as ringing
	// or active, so a later idle report means the call is over rather than
	// not yet started.
	engineSeen bool
}

// State is the read-only view handed to observers.
type State struct {
	Phase     Phase     `json:"phase"`
	PeerID    string    `json:"peer_id,omitempty"`
	Direction Direction `json:"direction,omitempty"`
	CallRef   string    `json:"call_ref,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
}

func (s *Session) state() State {
	if s == nil {
		return State{Phase: PhaseIdle}
	}
	return State{
		Phase:     s.Phase,
		PeerID:    s.PeerID,
		Direction: s.Direction,
		CallRef:   s.CallRef,
		StartedAt: s.StartedAt,
	}
}
