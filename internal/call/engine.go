package call

import "sync"

// NullEngine stands in for a telephony engine when none is attached. It
// tracks the state a real engine would report but carries no media.
type NullEngine struct {
	mu    sync.Mutex
	state EngineState
	peer  string
}

func NewNullEngine() *NullEngine {
	return &NullEngine{state: EngineIdle}
}

func (e *NullEngine) PlaceCall(peer string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = EngineRinging
	e.peer = peer
	log.Debugf("null engine: placing call to %s", peer)
	return nil
}

func (e *NullEngine) AcceptCall(ref string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = EngineActive
	log.Debugf("null engine: accepted %s", ref)
	return nil
}

func (e *NullEngine) Hangup() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = EngineIdle
	e.peer = ""
	return nil
}

func (e *NullEngine) State() EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// NopAudio leaves the audio path alone.
type NopAudio struct{}

func (NopAudio) StartCallAudio() {}
func (NopAudio) StopCallAudio()  {}
