// Package transport owns the single broker connection. Every state-changing
// operation runs on one worker goroutine, so connect, disconnect, reconnect
// and identity changes never interleave.
package transport

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/fieldlink/internal/config"
	"github.com/petervdpas/fieldlink/internal/proto"
)

var log = logging.Logger("transport")

// ErrNotConnected is returned by senders that need a live connection.
var ErrNotConnected = errors.New("not connected to broker")

type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateError      State = "error"
)

// Route selects which subscribed topic a handler receives.
type Route int

const (
	RouteBroadcast Route = iota
	RouteInbox
)

type Options struct {
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
	// Quiescence is the pause between disconnect and the next connect.
	Quiescence time.Duration
	// AnnounceWait lets an identity-change announcement flush before the
	// old client goes away.
	AnnounceWait time.Duration
}

func DefaultOptions() Options {
	return Options{
		ConnectTimeout: 10 * time.Second,
		KeepAlive:      60 * time.Second,
		Quiescence:     500 * time.Millisecond,
		AnnounceWait:   200 * time.Millisecond,
	}
}

// OptionsFromConfig maps the broker section of the settings file.
func OptionsFromConfig(b config.Broker) Options {
	o := DefaultOptions()
	o.ConnectTimeout = time.Duration(b.ConnectTimeoutSec) * time.Second
	o.KeepAlive = time.Duration(b.KeepAliveSec) * time.Second
	o.Quiescence = time.Duration(b.QuiescenceMs) * time.Millisecond
	return o
}

type liveConn struct {
	client   Client
	identity string
	inbox    string
}

type op struct {
	fn   func()
	done chan struct{}
}

type routeSub struct {
	id int
	fn func([]byte)
}

type Session struct {
	dial Dialer
	opts Options

	ops       chan op
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu          sync.RWMutex
	conn        *liveConn
	identity    string
	endpoint    config.Endpoint
	hasEndpoint bool

	stateMu   sync.Mutex
	state     atomic.Value // State
	listeners map[chan State]struct{}

	routeMu sync.RWMutex
	routes  map[Route][]routeSub
	nextSub int
}

// New creates an idle session. identity is the device id used until the
// first Connect or ChangeIdentity.
func New(dial Dialer, opts Options, identity string) *Session {
	s := &Session{
		dial:      dial,
		opts:      opts,
		ops:       make(chan op, 16),
		closed:    make(chan struct{}),
		identity:  identity,
		listeners: make(map[chan State]struct{}),
		routes:    make(map[Route][]routeSub),
	}
	s.state.Store(StateIdle)
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *Session) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.closed:
			for {
				select {
				case o := <-s.ops:
					close(o.done)
				default:
					return
				}
			}
		case o := <-s.ops:
			s.exec(o)
		}
	}
}

func (s *Session) exec(o op) {
	defer close(o.done)
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("transport operation panicked: %v", r)
			s.setState(StateError)
		}
	}()
	o.fn()
}

func (s *Session) enqueue(fn func()) <-chan struct{} {
	o := op{fn: fn, done: make(chan struct{})}
	select {
	case s.ops <- o:
	case <-s.closed:
		close(o.done)
	}
	return o.done
}

func (s *Session) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-s.closed:
	}
}

// ── Queries ──────────────────────────────────────────────────────────────────

func (s *Session) State() State { return s.state.Load().(State) }

func (s *Session) Connected() bool { return s.State() == StateConnected }

func (s *Session) Identity() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// Endpoint returns the last endpoint a connect was attempted with.
func (s *Session) Endpoint() (config.Endpoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endpoint, s.hasEndpoint
}

func (s *Session) current() *liveConn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

// ── Operations ───────────────────────────────────────────────────────────────

// Connect replaces any live connection with a new one for identity at ep.
// The returned channel closes when the attempt has finished; State tells
// how it went.
func (s *Session) Connect(ep config.Endpoint, identity string) <-chan struct{} {
	return s.enqueue(func() { s.doConnect(ep, identity) })
}

// Disconnect tears the connection down. It never fails; the session always
// ends idle.
func (s *Session) Disconnect() <-chan struct{} {
	return s.enqueue(s.doDisconnect)
}

// Reconnect disconnects, waits out the quiescence pause and connects to ep
// with the current identity.
func (s *Session) Reconnect(ep config.Endpoint) <-chan struct{} {
	return s.enqueue(func() {
		s.doDisconnect()
		s.sleep(s.opts.Quiescence)
		s.doConnect(ep, s.Identity())
	})
}

// ChangeIdentity announces the swap on the broadcast topic (when connected),
// reconnects under newID and resubscribes to the new inbox. With no known
// endpoint it only records the new identity.
func (s *Session) ChangeIdentity(newID string) (<-chan struct{}, error) {
	if err := config.ValidateIdentity(newID); err != nil {
		return nil, err
	}
	return s.enqueue(func() { s.doChangeIdentity(newID) }), nil
}

// Publish sends payload on the live connection. It returns false, and the
// message is dropped, when the session is not connected.
func (s *Session) Publish(topic string, qos byte, payload []byte, done func(error)) bool {
	lc := s.current()
	if lc == nil || !s.Connected() {
		log.Debugf("publish to %s dropped: %v", topic, ErrNotConnected)
		return false
	}
	lc.client.Publish(topic, qos, payload, done)
	return true
}

// Close disconnects and stops the worker. Operations queued behind it are
// discarded.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		<-s.enqueue(s.doDisconnect)
		close(s.closed)
		s.wg.Wait()

		s.stateMu.Lock()
		for ch := range s.listeners {
			close(ch)
		}
		s.listeners = map[chan State]struct{}{}
		s.stateMu.Unlock()
	})
}

// ── Worker-side implementations ─────────────────────────────────────────────

func (s *Session) doConnect(ep config.Endpoint, identity string) {
	if s.current() != nil {
		s.doDisconnect()
	}
	if err := ep.Validate(); err != nil {
		log.Errorf("connect: %v", err)
		s.setState(StateError)
		return
	}
	if err := config.ValidateIdentity(identity); err != nil {
		log.Errorf("connect: %v", err)
		s.setState(StateError)
		return
	}

	s.mu.Lock()
	s.identity = identity
	s.endpoint = ep
	s.hasEndpoint = true
	s.mu.Unlock()

	s.setState(StateConnecting)

	lc := &liveConn{identity: identity, inbox: proto.InboxTopic(identity)}
	lc.client = s.dial(ClientOptions{
		Endpoint:       ep,
		ClientID:       identity,
		ConnectTimeout: s.opts.ConnectTimeout,
		KeepAlive:      s.opts.KeepAlive,
		OnConnectionLost: func(err error) {
			go s.enqueue(func() { s.handleLost(lc, err) })
		},
	})

	if err := lc.client.Connect(); err != nil {
		log.Errorf("connect to %s as %s: %v", ep, identity, err)
		s.setState(StateError)
		return
	}

	subs := []struct {
		topic string
		route Route
	}{
		{proto.BroadcastTopic, RouteBroadcast},
		{lc.inbox, RouteInbox},
	}
	for _, sub := range subs {
		route := sub.route
		if err := lc.client.Subscribe(sub.topic, proto.DefaultQoS, func(p []byte) { s.dispatch(route, p) }); err != nil {
			log.Errorf("subscribe %s: %v", sub.topic, err)
			lc.client.Disconnect(0)
			s.setState(StateError)
			return
		}
	}

	s.mu.Lock()
	s.conn = lc
	s.mu.Unlock()
	s.setState(StateConnected)
	log.Infof("connected to %s as %s", ep, identity)
}

func (s *Session) doDisconnect() {
	s.mu.Lock()
	lc := s.conn
	s.conn = nil
	s.mu.Unlock()

	if lc != nil {
		s.teardown(lc)
	}
	s.setState(StateIdle)
}

func (s *Session) teardown(lc *liveConn) {
	defer func() {
		if r := recover(); r != nil {
			log.Warnf("disconnect %s: %v", lc.identity, r)
		}
	}()
	if !lc.client.IsConnected() {
		return
	}
	if err := lc.client.Unsubscribe(proto.BroadcastTopic, lc.inbox); err != nil {
		log.Warnf("unsubscribe %s: %v", lc.identity, err)
	}
	lc.client.Disconnect(250 * time.Millisecond)
	log.Infof("disconnected %s", lc.identity)
}

func (s *Session) doChangeIdentity(newID string) {
	old := s.Identity()
	if old == newID {
		return
	}

	if lc := s.current(); lc != nil && s.Connected() {
		payload, err := json.Marshal(proto.NewIdentityChange(old, newID))
		if err == nil {
			lc.client.Publish(proto.BroadcastTopic, proto.DefaultQoS, payload, func(err error) {
				if err != nil {
					log.Warnf("identity announcement %s -> %s: %v", old, newID, err)
				}
			})
			s.sleep(s.opts.AnnounceWait)
		}
	}

	s.doDisconnect()

	s.mu.Lock()
	s.identity = newID
	ep, ok := s.endpoint, s.hasEndpoint
	s.mu.Unlock()

	if !ok {
		log.Infof("identity set to %s, no broker configured yet", newID)
		return
	}
	s.sleep(s.opts.Quiescence)
	s.doConnect(ep, newID)
}

func (s *Session) handleLost(lc *liveConn, err error) {
	if s.current() != lc {
		return
	}
	log.Warnf("connection lost (%s): %v", lc.identity, err)
	s.setState(StateError)
}

// ── State listeners ──────────────────────────────────────────────────────────

func (s *Session) setState(st State) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.State() == st {
		return
	}
	s.state.Store(st)
	for ch := range s.listeners {
		select {
		case ch <- st:
		default:
		}
	}
}

// Subscribe returns a channel of state transitions and a cancel function.
func (s *Session) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 16)
	s.stateMu.Lock()
	s.listeners[ch] = struct{}{}
	s.stateMu.Unlock()

	cancel := func() {
		s.stateMu.Lock()
		if _, ok := s.listeners[ch]; ok {
			delete(s.listeners, ch)
			close(ch)
		}
		s.stateMu.Unlock()
	}
	return ch, cancel
}

// ── Topic routing ────────────────────────────────────────────────────────────

// SubscribeTopic registers fn for every payload arriving on route. Handlers
// run on the client's delivery goroutine and must not block.
func (s *Session) SubscribeTopic(route Route, fn func(payload []byte)) func() {
	s.routeMu.Lock()
	s.nextSub++
	id := s.nextSub
	s.routes[route] = append(s.routes[route], routeSub{id: id, fn: fn})
	s.routeMu.Unlock()

	return func() {
		s.routeMu.Lock()
		defer s.routeMu.Unlock()
		subs := s.routes[route]
		for i, sub := range subs {
			if sub.id == id {
				s.routes[route] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

func (s *Session) dispatch(route Route, payload []byte) {
	s.routeMu.RLock()
	subs := append([]routeSub(nil), s.routes[route]...)
	s.routeMu.RUnlock()

	for _, sub := range subs {
		s.deliver(sub.fn, payload)
	}
}

func (s *Session) deliver(fn func([]byte), payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("message handler panicked: %v", r)
		}
	}()
	fn(payload)
}
