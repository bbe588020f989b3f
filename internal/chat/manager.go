// Package chat classifies inbox payloads into conversation items and
// call-control signals, and sends text, attachment announcements and call
// signals to other devices' inboxes.
package chat

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/fieldlink/internal/config"
	"github.com/petervdpas/fieldlink/internal/proto"
	"github.com/petervdpas/fieldlink/internal/transport"
	"github.com/petervdpas/fieldlink/internal/util"
)

var log = logging.Logger("chat")

// DefaultBufferSize is the number of items kept per conversation.
const DefaultBufferSize = 500

// Publisher is the part of the transport session the inbox uses.
type Publisher interface {
	Publish(topic string, qos byte, payload []byte, done func(error)) bool
	Identity() string
	Connected() bool
}

// SignalHandler receives call-control messages. It runs on the transport's
// delivery goroutine and must not block.
type SignalHandler func(proto.CallSignal)

type Event struct {
	Type string `json:"type"` // "item" for a new item, "update" for a delivery change
	Item Item   `json:"item"`
}

// Manager holds one bounded item list per peer.
type Manager struct {
	pub      Publisher
	capacity int
	now      func() time.Time

	mu        sync.RWMutex
	convs     map[string]*util.RingBuffer[Item]
	index     map[string]string // item id -> peer
	listeners []chan Event
	onSignal  SignalHandler
}

func New(pub Publisher, bufferSize int) *Manager {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Manager{
		pub:      pub,
		capacity: bufferSize,
		now:      time.Now,
		convs:    map[string]*util.RingBuffer[Item]{},
		index:    map[string]string{},
	}
}

// SetSignalHandler registers the receiver of call-control messages.
func (m *Manager) SetSignalHandler(fn SignalHandler) {
	m.mu.Lock()
	m.onSignal = fn
	m.mu.Unlock()
}

// OnInboxMessage classifies one payload from this device's inbox topic.
// Anything malformed, and anything claiming to come from this device, is
// dropped without an event.
func (m *Manager) OnInboxMessage(payload []byte) {
	self := m.pub.Identity()

	var msg proto.InboxMsg
	if err := json.Unmarshal(payload, &msg); err == nil && msg.Type != "" {
		switch {
		case proto.IsCallSignal(msg.Type):
			if msg.From == "" || msg.From == self {
				return
			}
			m.mu.RLock()
			h := m.onSignal
			m.mu.RUnlock()
			if h != nil {
				h(proto.CallSignal{Type: msg.Type, From: msg.From, To: msg.To})
			}
			return

		case msg.Type == proto.TypeAttachment:
			if msg.Sender == "" || msg.Filename == "" || msg.DownloadURL == "" || msg.Sender == self {
				return
			}
			it := newAttachment(msg.Sender, msg.Sender, msg.Filename, msg.FileID, msg.DownloadURL, msg.Timestamp)
			match := it.sameAnnouncement
			if it.Timestamp == 0 {
				it.Timestamp = m.now().UnixMilli()
				match = it.sameID
			}
			if m.add(it, match) {
				log.Infof("attachment %s from %s", it.Filename, it.From)
			}
			return
		}
	}

	sender, body, ok := proto.ParseText(string(payload))
	if !ok || !proto.ValidIdentity(sender) || sender == self {
		return
	}
	// The text format carries no timestamp, so there is nothing to tell a
	// redelivery from a repeated line.
	it := newText(sender, sender, body, m.now().UnixMilli())
	m.add(it, it.sameID)
}

// SendText publishes "<self>: <body>" to the peer's inbox and records the
// item right away as pending. It fails with transport.ErrNotConnected, and
// records nothing, when the session is down.
func (m *Manager) SendText(peer, body string) (Item, error) {
	if err := config.ValidateIdentity(peer); err != nil {
		return Item{}, err
	}
	if !m.pub.Connected() {
		return Item{}, transport.ErrNotConnected
	}
	self := m.pub.Identity()
	it := newText(peer, self, body, m.now().UnixMilli())
	it.Local = true
	it.Delivery = DeliveryPending
	m.add(it, it.sameID)

	payload := []byte(proto.FormatText(self, body))
	if !m.pub.Publish(proto.InboxTopic(peer), proto.DefaultQoS, payload, m.deliveryDone(it.ID)) {
		m.setDelivery(it.ID, DeliveryFailed)
		return it, transport.ErrNotConnected
	}
	return it, nil
}

// SendAttachmentAnnouncement tells peer where to fetch an uploaded file and
// records a local attachment item.
func (m *Manager) SendAttachmentAnnouncement(peer, filename, fileID, url string) (Item, error) {
	if err := config.ValidateIdentity(peer); err != nil {
		return Item{}, err
	}
	if !m.pub.Connected() {
		return Item{}, transport.ErrNotConnected
	}
	it := newAttachment(peer, m.pub.Identity(), filename, fileID, url, m.now().UnixMilli())
	it.Local = true
	it.Delivery = DeliveryPending
	m.add(it, it.sameID)
	return it, m.announce(it)
}

// BeginAttachment records a pending local attachment of the file at path
// before its upload starts, so a failed upload stays visible.
func (m *Manager) BeginAttachment(peer, path string) Item {
	it := newAttachment(peer, m.pub.Identity(), filepath.Base(path), "", "", m.now().UnixMilli())
	it.Local = true
	it.Delivery = DeliveryPending
	it.SourcePath = path
	m.add(it, it.sameID)
	return it
}

// CompleteAttachment fills in the upload result for a pending item and
// announces it to the peer.
func (m *Manager) CompleteAttachment(id string, res proto.UploadResponse) error {
	it, ok := m.update(id, func(it Item) Item {
		if res.Filename != "" {
			it.Filename = res.Filename
		}
		it.FileID = res.FileID
		it.DownloadURL = res.DownloadURL
		return it
	})
	if !ok {
		return fmt.Errorf("attachment %s not found", id)
	}
	return m.announce(it)
}

// FailAttachment marks a local attachment as failed.
func (m *Manager) FailAttachment(id string) {
	m.setDelivery(id, DeliveryFailed)
}

// RetryAttachment moves a failed local attachment back to pending.
func (m *Manager) RetryAttachment(id string) (Item, bool) {
	it, ok := m.Get(id)
	if !ok || !it.Local || it.Kind != KindAttachment || it.Delivery != DeliveryFailed {
		return Item{}, false
	}
	return m.setDelivery(id, DeliveryPending)
}

func (m *Manager) announce(it Item) error {
	msg := proto.NewAttachment(it.From, it.Filename, it.FileID, it.DownloadURL, it.Timestamp)
	payload, err := json.Marshal(msg)
	if err != nil {
		m.setDelivery(it.ID, DeliveryFailed)
		return err
	}
	if !m.pub.Publish(proto.InboxTopic(it.Peer), proto.DefaultQoS, payload, m.deliveryDone(it.ID)) {
		m.setDelivery(it.ID, DeliveryFailed)
		return transport.ErrNotConnected
	}
	return nil
}

// SendCallSignal publishes {type, from, to} to peer's inbox.
func (m *Manager) SendCallSignal(peer, typ string) error {
	payload, err := json.Marshal(proto.NewCallSignal(typ, m.pub.Identity(), peer))
	if err != nil {
		return err
	}
	if !m.pub.Publish(proto.InboxTopic(peer), proto.DefaultQoS, payload, nil) {
		return transport.ErrNotConnected
	}
	return nil
}

func (m *Manager) deliveryDone(id string) func(error) {
	return func(err error) {
		if err != nil {
			log.Warnf("delivery of %s failed: %v", id, err)
			m.setDelivery(id, DeliveryFailed)
			return
		}
		m.setDelivery(id, DeliveryDelivered)
	}
}

// ── Reads ────────────────────────────────────────────────────────────────────

// Conversation returns the items exchanged with peer, oldest first.
func (m *Manager) Conversation(peer string) []Item {
	m.mu.RLock()
	rb := m.convs[peer]
	m.mu.RUnlock()
	if rb == nil {
		return []Item{}
	}
	return rb.Snapshot()
}

// Items returns every item of every conversation ordered by timestamp.
func (m *Manager) Items() []Item {
	m.mu.RLock()
	bufs := make([]*util.RingBuffer[Item], 0, len(m.convs))
	for _, rb := range m.convs {
		bufs = append(bufs, rb)
	}
	m.mu.RUnlock()

	var out []Item
	for _, rb := range bufs {
		out = append(out, rb.Snapshot()...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

// Peers lists every peer with at least one item.
func (m *Manager) Peers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.convs))
	for p := range m.convs {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) Get(id string) (Item, bool) {
	m.mu.RLock()
	peer, ok := m.index[id]
	rb := m.convs[peer]
	m.mu.RUnlock()
	if !ok || rb == nil {
		return Item{}, false
	}
	for _, it := range rb.Snapshot() {
		if it.ID == id {
			return it, true
		}
	}
	return Item{}, false
}

// Restore loads persisted items without emitting events. Items whose id is
// already held are skipped.
func (m *Manager) Restore(items []Item) {
	for _, it := range items {
		m.push(it, it.sameID)
	}
}

// ── Internals ────────────────────────────────────────────────────────────────

// push stores it unless match finds a held item, and keeps the id index in
// step with what the conversation still holds.
func (m *Manager) push(it Item, match func(Item) bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rb, ok := m.convs[it.Peer]
	if !ok {
		rb = util.NewRingBuffer[Item](m.capacity)
		m.convs[it.Peer] = rb
	}
	added, evicted, dropped := rb.PushUnless(it, match)
	if !added {
		return false
	}
	if dropped {
		delete(m.index, evicted.ID)
	}
	m.index[it.ID] = it.Peer
	return true
}

// add stores it and notifies listeners. Duplicates are dropped.
func (m *Manager) add(it Item, match func(Item) bool) bool {
	if !m.push(it, match) {
		log.Debugf("duplicate item from %s at %d dropped", it.From, it.Timestamp)
		return false
	}
	m.notifyListeners(Event{Type: "item", Item: it})
	return true
}

func (m *Manager) update(id string, fn func(Item) Item) (Item, bool) {
	m.mu.RLock()
	peer, ok := m.index[id]
	rb := m.convs[peer]
	m.mu.RUnlock()
	if !ok || rb == nil {
		return Item{}, false
	}
	it, ok := rb.Update(func(it Item) bool { return it.ID == id }, fn)
	if !ok {
		return Item{}, false
	}
	m.notifyListeners(Event{Type: "update", Item: it})
	return it, true
}

func (m *Manager) setDelivery(id string, d Delivery) (Item, bool) {
	return m.update(id, func(it Item) Item {
		it.Delivery = d
		return it
	})
}

// Subscribe returns a channel that receives new items and delivery updates.
func (m *Manager) Subscribe() <-chan Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan Event, 64)
	m.listeners = append(m.listeners, ch)
	return ch
}

func (m *Manager) Unsubscribe(ch <-chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, l := range m.listeners {
		if l == ch {
			close(l)
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			return
		}
	}
}

func (m *Manager) notifyListeners(evt Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, l := range m.listeners {
		select {
		case l <- evt:
		default:
		}
	}
}

func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.listeners {
		close(l)
	}
	m.listeners = nil
}
