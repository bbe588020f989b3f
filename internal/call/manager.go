// Package call tracks the single voice call of this device. The external call
// engine does the real work; this package keeps the phase, drives the engine
// from user actions and sends advisory call-control messages to the peer.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/fieldlink/internal/config"
	"github.com/petervdpas/fieldlink/internal/proto"
)

var log = logging.Logger("call")

var (
	ErrBusy   = errors.New("a call is already in progress")
	ErrNoCall = errors.New("no call in a phase that allows this")
)

// Manager owns the call session and bridges user actions, inbox signals and
// engine callbacks to it.
type Manager struct {
	sig    Signaler
	engine Engine
	audio  AudioRouter
	now    func() time.Time

	mu   sync.Mutex
	sess *Session
	gen  uint64 // bumped for every new session

	// engineMu orders engine commands against session starts, so a hangup
	// dispatched for one call never lands on the next.
	engineMu   sync.Mutex
	dispatched sync.WaitGroup

	listenerMu sync.RWMutex
	listeners  []chan Event
}

func New(sig Signaler, engine Engine, audio AudioRouter) *Manager {
	if audio == nil {
		audio = NopAudio{}
	}
	return &Manager{sig: sig, engine: engine, audio: audio, now: time.Now}
}

// State returns the current call state; Phase is idle when there is no call.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess.state()
}

// ── Local actions ────────────────────────────────────────────────────────────

// StartOutgoingCall sends CALL_REQUEST to peer and asks the engine to place
// the call. Only valid while idle.
func (m *Manager) StartOutgoingCall(peer string) error {
	if err := config.ValidateIdentity(peer); err != nil {
		return err
	}

	m.engineMu.Lock()
	defer m.engineMu.Unlock()

	m.mu.Lock()
	if m.sess != nil {
		st := m.sess.state()
		m.mu.Unlock()
		log.Warnf("start call to %s ignored: already %s with %s", peer, st.Phase, st.PeerID)
		return ErrBusy
	}
	m.begin(&Session{PeerID: peer, Direction: Outgoing, Phase: PhaseOutgoingRinging, StartedAt: m.now()})
	st := m.sess.state()
	m.mu.Unlock()
	m.emitPhase(st)

	m.signal(peer, proto.CallRequest)

	if err := m.engine.PlaceCall(peer); err != nil {
		log.Errorf("engine could not place call to %s: %v", peer, err)
		m.endSession(peer)
		return fmt.Errorf("place call: %w", err)
	}
	log.Infof("calling %s", peer)
	return nil
}

// AcceptIncomingCall answers the ringing incoming call using the engine
// reference recorded when it arrived.
func (m *Manager) AcceptIncomingCall() error {
	m.engineMu.Lock()
	defer m.engineMu.Unlock()

	m.mu.Lock()
	if m.sess == nil || m.sess.Phase != PhaseIncomingRinging || m.sess.CallRef == "" {
		st := m.sess.state()
		m.mu.Unlock()
		log.Warnf("accept ignored: phase %s, no incoming call on record", st.Phase)
		return ErrNoCall
	}
	m.sess.Phase = PhaseActive
	peer, ref := m.sess.PeerID, m.sess.CallRef
	st := m.sess.state()
	m.mu.Unlock()
	m.emitPhase(st)

	m.signal(peer, proto.CallAccept)
	m.audio.StartCallAudio()

	if err := m.engine.AcceptCall(ref); err != nil {
		log.Errorf("engine could not accept call %s from %s: %v", ref, peer, err)
		m.endSession(peer)
		return fmt.Errorf("accept call: %w", err)
	}
	log.Infof("in call with %s", peer)
	return nil
}

// RejectCall declines the ringing incoming call. Only CALL_REJECT is sent;
// the engine releases the call through its own no-answer path.
func (m *Manager) RejectCall() error {
	m.mu.Lock()
	if m.sess == nil || m.sess.Phase != PhaseIncomingRinging {
		st := m.sess.state()
		m.mu.Unlock()
		log.Warnf("reject ignored: phase %s", st.Phase)
		return ErrNoCall
	}
	peer := m.sess.PeerID
	m.mu.Unlock()

	m.signal(peer, proto.CallReject)
	m.endSession(peer)
	log.Infof("rejected call from %s", peer)
	return nil
}

// EndCall hangs up an active call, or cancels an outgoing one still ringing.
func (m *Manager) EndCall() error {
	m.mu.Lock()
	if m.sess == nil || (m.sess.Phase != PhaseActive && m.sess.Phase != PhaseOutgoingRinging) {
		st := m.sess.state()
		m.mu.Unlock()
		log.Warnf("end ignored: phase %s", st.Phase)
		return ErrNoCall
	}
	peer := m.sess.PeerID
	m.mu.Unlock()

	m.signal(peer, proto.CallEnd)
	m.engineMu.Lock()
	err := m.engine.Hangup()
	m.engineMu.Unlock()
	if err != nil {
		log.Warnf("engine hangup: %v", err)
	}
	m.endSession(peer)
	log.Infof("ended call with %s", peer)
	return nil
}

// ── Inbox signals ────────────────────────────────────────────────────────────

// HandleSignal applies a call-control message from a peer's inbox delivery.
// It runs on the transport delivery goroutine, so engine calls are
// dispatched rather than made inline.
func (m *Manager) HandleSignal(s proto.CallSignal) {
	m.mu.Lock()
	cur := m.sess.state()
	gen := m.gen
	m.mu.Unlock()
	matches := cur.Phase != PhaseIdle && cur.PeerID == s.From

	switch s.Type {
	case proto.CallEnd:
		if cur.Phase != PhaseIdle && !matches {
			log.Debugf("CALL_END from %s ignored: in call with %s", s.From, cur.PeerID)
			return
		}
		log.Infof("%s ended the call", s.From)
		m.endSession(s.From)
		m.dispatched.Add(1)
		go func() {
			defer m.dispatched.Done()
			m.hangupIfCurrent(gen)
		}()

	case proto.CallReject:
		if !matches {
			log.Debugf("CALL_REJECT from %s ignored", s.From)
			return
		}
		log.Infof("%s rejected the call", s.From)
		m.endSession(s.From)

	case proto.CallAccept:
		if matches && cur.Phase == PhaseOutgoingRinging {
			m.emit(Event{Type: "hint", Hint: HintRemoteAccepted, Peer: s.From, State: cur})
		}

	case proto.CallRequest:
		if cur.Phase == PhaseIdle {
			m.emit(Event{Type: "hint", Hint: HintIncomingRequest, Peer: s.From, State: cur})
		}
	}
}

// ── Engine callbacks ─────────────────────────────────────────────────────────

// OnEngineIncoming records an incoming call announced by the engine.
func (m *Manager) OnEngineIncoming(peer, ref string) {
	m.mu.Lock()
	if m.sess != nil {
		st := m.sess.state()
		m.mu.Unlock()
		log.Warnf("incoming call from %s while %s with %s", peer, st.Phase, st.PeerID)
		return
	}
	m.begin(&Session{
		PeerID:     peer,
		Direction:  Incoming,
		Phase:      PhaseIncomingRinging,
		CallRef:    ref,
		StartedAt:  m.now(),
		engineSeen: true,
	})
	st := m.sess.state()
	m.mu.Unlock()
	log.Infof("incoming call from %s", peer)
	m.emitPhase(st)
}

// OnEngineAccepted moves a ringing outgoing call to active.
func (m *Manager) OnEngineAccepted(ref string) {
	m.mu.Lock()
	if m.sess == nil || m.sess.Phase != PhaseOutgoingRinging {
		m.mu.Unlock()
		return
	}
	m.sess.Phase = PhaseActive
	m.sess.CallRef = ref
	m.sess.engineSeen = true
	st := m.sess.state()
	m.mu.Unlock()

	m.audio.StartCallAudio()
	m.emitPhase(st)
}

func (m *Manager) OnEngineRejected() { m.endAny("rejected") }

func (m *Manager) OnEngineHangup() { m.endAny("hung up") }

func (m *Manager) endAny(why string) {
	m.mu.Lock()
	if m.sess == nil {
		m.mu.Unlock()
		return
	}
	peer := m.sess.PeerID
	m.mu.Unlock()
	log.Infof("engine %s call with %s", why, peer)
	m.endSession(peer)
}

// Run polls the engine and reconciles the phase with it until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.reconcile()
		}
	}
}

func (m *Manager) reconcile() {
	es := m.engine.State()

	m.mu.Lock()
	if m.sess == nil {
		m.mu.Unlock()
		return
	}
	switch es {
	case EngineRinging:
		m.sess.engineSeen = true
		m.mu.Unlock()
	case EngineActive:
		m.sess.engineSeen = true
		if m.sess.Phase != PhaseOutgoingRinging {
			m.mu.Unlock()
			return
		}
		m.sess.Phase = PhaseActive
		st := m.sess.state()
		m.mu.Unlock()
		m.audio.StartCallAudio()
		m.emitPhase(st)
	case EngineIdle:
		if !m.sess.engineSeen {
			m.mu.Unlock()
			return
		}
		peer := m.sess.PeerID
		m.mu.Unlock()
		log.Infof("engine reports no call; closing call with %s", peer)
		m.endSession(peer)
	default:
		m.mu.Unlock()
	}
}

// ── Internals ────────────────────────────────────────────────────────────────

// begin installs sess as the tracked call. m.mu must be held.
func (m *Manager) begin(sess *Session) {
	m.sess = sess
	m.gen++
}

// hangupIfCurrent hangs up the engine unless a session newer than gen has
// started since the hangup was requested.
func (m *Manager) hangupIfCurrent(gen uint64) {
	m.engineMu.Lock()
	defer m.engineMu.Unlock()

	m.mu.Lock()
	stale := m.gen != gen
	m.mu.Unlock()
	if stale {
		log.Debugf("engine hangup after remote end skipped: a newer call started")
		return
	}
	if err := m.engine.Hangup(); err != nil {
		log.Debugf("engine hangup after remote end: %v", err)
	}
}

// endSession returns to idle if the tracked call is still with peer.
func (m *Manager) endSession(peer string) {
	m.mu.Lock()
	if m.sess == nil || m.sess.PeerID != peer {
		m.mu.Unlock()
		return
	}
	wasActive := m.sess.Phase == PhaseActive
	m.sess = nil
	m.mu.Unlock()

	if wasActive {
		m.audio.StopCallAudio()
	}
	m.emitPhase(State{Phase: PhaseIdle})
}

func (m *Manager) signal(peer, typ string) {
	if err := m.sig.SendCallSignal(peer, typ); err != nil {
		log.Debugf("advisory %s to %s not sent: %v", typ, peer, err)
	}
}

func (m *Manager) emitPhase(st State) {
	m.emit(Event{Type: "phase", Peer: st.PeerID, State: st})
}

// Subscribe returns a channel of phase changes and hints.
func (m *Manager) Subscribe() <-chan Event {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	ch := make(chan Event, 16)
	m.listeners = append(m.listeners, ch)
	return ch
}

func (m *Manager) Unsubscribe(ch <-chan Event) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	for i, l := range m.listeners {
		if l == ch {
			close(l)
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			return
		}
	}
}

func (m *Manager) emit(evt Event) {
	m.listenerMu.RLock()
	defer m.listenerMu.RUnlock()
	for _, l := range m.listeners {
		select {
		case l <- evt:
		default:
		}
	}
}

// Close hangs up any call in progress and closes all listeners.
func (m *Manager) Close() {
	m.mu.Lock()
	active := m.sess != nil && m.sess.Phase != PhaseIncomingRinging
	m.mu.Unlock()
	if active {
		if err := m.EndCall(); err != nil {
			log.Debugf("end call on close: %v", err)
		}
	}
	m.dispatched.Wait()

	m.listenerMu.Lock()
	for _, l := range m.listeners {
		close(l)
	}
	m.listeners = nil
	m.listenerMu.Unlock()
}
