// Package presence tracks the last known location of every device seen on
// the broadcast topic and derives online/offline status from recency.
package presence

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/fieldlink/internal/proto"
)

var log = logging.Logger("presence")

// DefaultOnlineWindow is how long after its last fix a device counts as online.
const DefaultOnlineWindow = 5 * time.Minute

type Status string

const (
	Online  Status = "online"
	Offline Status = "offline"
)

type DeviceLocation struct {
	DeviceID     string    `json:"device_id"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	FixTimestamp string    `json:"fix_timestamp"`
	LastSeenAt   time.Time `json:"last_seen_at"`
}

type Event struct {
	Type     string          `json:"type"` // "update" or "remove"
	DeviceID string          `json:"device_id"`
	Device   *DeviceLocation `json:"device,omitempty"`
}

// Publisher is the part of the transport session the registry uses.
type Publisher interface {
	Publish(topic string, qos byte, payload []byte, done func(error)) bool
	Identity() string
}

type Registry struct {
	pub    Publisher
	window time.Duration
	now    func() time.Time

	// devices is replaced wholesale on every change; readers load it without
	// locking.
	devices atomic.Pointer[map[string]DeviceLocation]

	mu        sync.Mutex
	listeners []chan Event
}

func NewRegistry(pub Publisher, window time.Duration) *Registry {
	if window <= 0 {
		window = DefaultOnlineWindow
	}
	r := &Registry{pub: pub, window: window, now: time.Now}
	empty := map[string]DeviceLocation{}
	r.devices.Store(&empty)
	return r
}

// OnBroadcastMessage applies one payload from the broadcast topic.
func (r *Registry) OnBroadcastMessage(payload []byte) {
	var msg proto.BroadcastMsg
	if err := json.Unmarshal(payload, &msg); err != nil {
		return
	}

	if msg.Type == proto.TypeDeviceIDChanged {
		if msg.OldID == "" || msg.NewID == "" {
			return
		}
		log.Infof("device %s is now %s", msg.OldID, msg.NewID)
		r.Remove(msg.OldID)
		return
	}

	if !msg.IsLocation() {
		return
	}
	if msg.SenderID == r.pub.Identity() {
		return
	}
	r.upsert(DeviceLocation{
		DeviceID:     msg.SenderID,
		Latitude:     *msg.Latitude,
		Longitude:    *msg.Longitude,
		FixTimestamp: string(msg.Timestamp),
		LastSeenAt:   r.now(),
	})
}

// PublishOwnLocation broadcasts this device's fix. It reports false when the
// session is not connected and nothing was sent.
func (r *Registry) PublishOwnLocation(lat, lon float64, ts string) bool {
	payload, err := json.Marshal(proto.NewLocation(r.pub.Identity(), lat, lon, ts))
	if err != nil {
		return false
	}
	return r.pub.Publish(proto.BroadcastTopic, proto.DefaultQoS, payload, nil)
}

func (r *Registry) StatusOf(id string) Status {
	d, ok := r.Get(id)
	if !ok {
		return Offline
	}
	if r.now().Sub(d.LastSeenAt) < r.window {
		return Online
	}
	return Offline
}

func (r *Registry) Get(id string) (DeviceLocation, bool) {
	d, ok := (*r.devices.Load())[id]
	return d, ok
}

// Snapshot returns the current mapping. The map must not be modified.
func (r *Registry) Snapshot() map[string]DeviceLocation {
	return *r.devices.Load()
}

// Seed restores cached entries without overwriting anything already known.
func (r *Registry) Seed(devices []DeviceLocation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := *r.devices.Load()
	next := make(map[string]DeviceLocation, len(cur)+len(devices))
	for k, v := range cur {
		next[k] = v
	}
	var added []DeviceLocation
	for _, d := range devices {
		if _, ok := next[d.DeviceID]; ok || d.DeviceID == "" {
			continue
		}
		next[d.DeviceID] = d
		added = append(added, d)
	}
	r.devices.Store(&next)
	for i := range added {
		r.notifyListeners(Event{Type: "update", DeviceID: added[i].DeviceID, Device: &added[i]})
	}
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := *r.devices.Load()
	if _, ok := cur[id]; !ok {
		return
	}
	next := make(map[string]DeviceLocation, len(cur))
	for k, v := range cur {
		if k != id {
			next[k] = v
		}
	}
	r.devices.Store(&next)
	r.notifyListeners(Event{Type: "remove", DeviceID: id})
}

func (r *Registry) upsert(d DeviceLocation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := *r.devices.Load()
	next := make(map[string]DeviceLocation, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[d.DeviceID] = d
	r.devices.Store(&next)
	r.notifyListeners(Event{Type: "update", DeviceID: d.DeviceID, Device: &d})
}

func (r *Registry) Subscribe() chan Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan Event, 64)
	r.listeners = append(r.listeners, ch)
	return ch
}

func (r *Registry) Unsubscribe(ch chan Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, l := range r.listeners {
		if l == ch {
			close(l)
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			return
		}
	}
}

func (r *Registry) notifyListeners(evt Event) {
	for _, ch := range r.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
