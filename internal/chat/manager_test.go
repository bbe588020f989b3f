package chat

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/fieldlink/internal/config"
	"github.com/petervdpas/fieldlink/internal/proto"
	"github.com/petervdpas/fieldlink/internal/transport"
)

type sent struct {
	topic   string
	qos     byte
	payload string
}

type fakePub struct {
	mu        sync.Mutex
	id        string
	connected bool
	result    error // passed to done callbacks
	out       []sent
}

func (p *fakePub) Publish(topic string, qos byte, payload []byte, done func(error)) bool {
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return false
	}
	p.out = append(p.out, sent{topic, qos, string(payload)})
	res := p.result
	p.mu.Unlock()
	if done != nil {
		done(res)
	}
	return true
}

func (p *fakePub) Identity() string { return p.id }
func (p *fakePub) Connected() bool  { return p.connected }

func newTestManager() (*Manager, *fakePub) {
	pub := &fakePub{id: "Rover1", connected: true}
	m := New(pub, 0)
	m.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }
	return m, pub
}

func TestReceiveText(t *testing.T) {
	m, _ := newTestManager()
	m.OnInboxMessage([]byte("Rover2: see you at the ridge: 10 min"))

	items := m.Conversation("Rover2")
	require.Len(t, items, 1)
	assert.Equal(t, KindText, items[0].Kind)
	assert.Equal(t, "Rover2", items[0].From)
	assert.Equal(t, "see you at the ridge: 10 min", items[0].Body)
	assert.False(t, items[0].Local)
	assert.Empty(t, items[0].Delivery)
}

func TestTextInSameMillisecondKept(t *testing.T) {
	m, _ := newTestManager()
	ch := m.Subscribe()
	defer m.Unsubscribe(ch)

	m.OnInboxMessage([]byte("Rover2: hello"))
	m.OnInboxMessage([]byte("Rover2: hello"))
	m.OnInboxMessage([]byte("Rover2: moving out"))

	items := m.Conversation("Rover2")
	require.Len(t, items, 3)
	assert.Equal(t, items[0].Timestamp, items[2].Timestamp)
	assert.Equal(t, "moving out", items[2].Body)
	assert.Len(t, ch, 3)
}

func TestDuplicateAttachmentDropped(t *testing.T) {
	m, _ := newTestManager()
	p := `{"type":"attachment","sender":"Rover2","filename":"map.png","file_id":"f1","download_url":"http://h/f1","timestamp":42}`
	m.OnInboxMessage([]byte(p))
	m.OnInboxMessage([]byte(p))

	items := m.Conversation("Rover2")
	require.Len(t, items, 1)
	assert.Equal(t, KindAttachment, items[0].Kind)
	assert.Equal(t, "map.png", items[0].Filename)
	assert.Equal(t, "f1", items[0].FileID)
	assert.Equal(t, int64(42), items[0].Timestamp)
}

func TestAttachmentWithoutTimestampNotDeduplicated(t *testing.T) {
	m, _ := newTestManager()
	p := `{"type":"attachment","sender":"Rover2","filename":"map.png","download_url":"http://h/f1"}`
	m.OnInboxMessage([]byte(p))
	m.OnInboxMessage([]byte(`{"type":"attachment","sender":"Rover2","filename":"log.txt","download_url":"http://h/f2"}`))

	items := m.Conversation("Rover2")
	require.Len(t, items, 2)
	assert.Equal(t, "log.txt", items[1].Filename)
}

func TestSelfEchoDropped(t *testing.T) {
	m, _ := newTestManager()
	var signals []proto.CallSignal
	m.SetSignalHandler(func(s proto.CallSignal) { signals = append(signals, s) })

	m.OnInboxMessage([]byte("Rover1: talking to myself"))
	m.OnInboxMessage([]byte(`{"type":"attachment","sender":"Rover1","filename":"a","download_url":"http://h/a"}`))
	m.OnInboxMessage([]byte(`{"type":"CALL_REQUEST","from":"Rover1","to":"Rover2"}`))

	assert.Empty(t, m.Items())
	assert.Empty(t, signals)
}

func TestMalformedDropped(t *testing.T) {
	m, _ := newTestManager()
	for _, p := range []string{
		"no colon here",
		": blank sender",
		"bad sender!: body",
		`{"type":"attachment","sender":"Rover2","filename":"a"}`,
		`{"type":"CALL_END","to":"Rover1"}`,
		`{"type":"mystery","from":"Rover2"}`,
	} {
		m.OnInboxMessage([]byte(p))
	}
	assert.Empty(t, m.Items())
}

func TestCallSignalsForwarded(t *testing.T) {
	m, _ := newTestManager()
	var got []proto.CallSignal
	m.SetSignalHandler(func(s proto.CallSignal) { got = append(got, s) })

	for _, typ := range []string{proto.CallRequest, proto.CallAccept, proto.CallReject, proto.CallEnd} {
		b, _ := json.Marshal(proto.NewCallSignal(typ, "Rover2", "Rover1"))
		m.OnInboxMessage(b)
	}

	require.Len(t, got, 4)
	assert.Equal(t, proto.CallRequest, got[0].Type)
	assert.Equal(t, "Rover2", got[3].From)
	assert.Empty(t, m.Items(), "call signals never become chat items")
}

func TestConversationsArePartitioned(t *testing.T) {
	m, _ := newTestManager()
	m.OnInboxMessage([]byte("Rover2: a"))
	m.OnInboxMessage([]byte("Rover3: b"))

	assert.Len(t, m.Conversation("Rover2"), 1)
	assert.Len(t, m.Conversation("Rover3"), 1)
	assert.Equal(t, "a", m.Conversation("Rover2")[0].Body)
	assert.Equal(t, []string{"Rover2", "Rover3"}, m.Peers())
}

func TestSendText(t *testing.T) {
	m, pub := newTestManager()

	it, err := m.SendText("Rover2", "hello")
	require.NoError(t, err)

	require.Len(t, pub.out, 1)
	assert.Equal(t, "Rover2/inbox", pub.out[0].topic)
	assert.Equal(t, byte(1), pub.out[0].qos)
	assert.Equal(t, "Rover1: hello", pub.out[0].payload)

	items := m.Conversation("Rover2")
	require.Len(t, items, 1)
	assert.Equal(t, it.ID, items[0].ID)
	assert.True(t, items[0].Local)
	assert.Equal(t, "Rover1", items[0].From)
	assert.Equal(t, "hello", items[0].Body)
	assert.Equal(t, DeliveryDelivered, items[0].Delivery)
}

func TestSendTextTwiceInSameMillisecond(t *testing.T) {
	m, pub := newTestManager()

	first, err := m.SendText("Rover2", "first")
	require.NoError(t, err)
	second, err := m.SendText("Rover2", "second")
	require.NoError(t, err)

	assert.Len(t, pub.out, 2)
	items := m.Conversation("Rover2")
	require.Len(t, items, 2)
	assert.Equal(t, first.ID, items[0].ID)
	assert.Equal(t, second.ID, items[1].ID)
	assert.Equal(t, "second", items[1].Body)
	assert.Equal(t, DeliveryDelivered, items[1].Delivery)
}

func TestSendTextDeliveryFailure(t *testing.T) {
	m, pub := newTestManager()
	pub.result = errors.New("broker nack")

	it, err := m.SendText("Rover2", "hello")
	require.NoError(t, err)

	got, ok := m.Get(it.ID)
	require.True(t, ok)
	assert.Equal(t, DeliveryFailed, got.Delivery)
}

func TestSendTextWhileDisconnected(t *testing.T) {
	m, pub := newTestManager()
	pub.connected = false

	_, err := m.SendText("Rover2", "hello")
	assert.ErrorIs(t, err, transport.ErrNotConnected)
	assert.Empty(t, pub.out)
	assert.Empty(t, m.Items())
}

func TestSendTextInvalidPeer(t *testing.T) {
	m, _ := newTestManager()
	_, err := m.SendText("no such/peer", "x")
	assert.ErrorIs(t, err, config.ErrInvalidIdentity)
}

func TestSendAttachmentAnnouncement(t *testing.T) {
	m, pub := newTestManager()

	it, err := m.SendAttachmentAnnouncement("Rover2", "map.png", "f1", "http://h/f1")
	require.NoError(t, err)
	assert.Equal(t, DeliveryPending, it.Delivery)

	require.Len(t, pub.out, 1)
	assert.Equal(t, "Rover2/inbox", pub.out[0].topic)
	var msg proto.InboxMsg
	require.NoError(t, json.Unmarshal([]byte(pub.out[0].payload), &msg))
	assert.Equal(t, proto.TypeAttachment, msg.Type)
	assert.Equal(t, "Rover1", msg.Sender)
	assert.Equal(t, "map.png", msg.Filename)
	assert.Equal(t, "f1", msg.FileID)
	assert.Equal(t, "http://h/f1", msg.DownloadURL)

	got, _ := m.Get(it.ID)
	assert.Equal(t, DeliveryDelivered, got.Delivery)
}

func TestAttachmentLifecycle(t *testing.T) {
	m, pub := newTestManager()
	ch := m.Subscribe()
	defer m.Unsubscribe(ch)

	it := m.BeginAttachment("Rover2", "/data/report.pdf")
	assert.Equal(t, DeliveryPending, it.Delivery)
	assert.Equal(t, "report.pdf", it.Filename)
	assert.Equal(t, "/data/report.pdf", it.SourcePath)
	assert.Empty(t, pub.out)

	m.FailAttachment(it.ID)
	got, _ := m.Get(it.ID)
	assert.Equal(t, DeliveryFailed, got.Delivery)

	retried, ok := m.RetryAttachment(it.ID)
	require.True(t, ok)
	assert.Equal(t, DeliveryPending, retried.Delivery)

	_, ok = m.RetryAttachment(it.ID)
	assert.False(t, ok, "only failed items can be retried")

	require.NoError(t, m.CompleteAttachment(it.ID, proto.UploadResponse{
		Filename: "report.pdf", FileID: "f9", DownloadURL: "http://h/f9",
	}))
	got, _ = m.Get(it.ID)
	assert.Equal(t, "f9", got.FileID)
	assert.Equal(t, DeliveryDelivered, got.Delivery)
	require.Len(t, pub.out, 1)

	assert.Equal(t, "item", (<-ch).Type)
	for len(ch) > 0 {
		assert.Equal(t, "update", (<-ch).Type)
	}
}

func TestConcurrentAttachmentsInSameMillisecond(t *testing.T) {
	m, pub := newTestManager()

	a := m.BeginAttachment("Rover2", "/data/a.png")
	b := m.BeginAttachment("Rover2", "/data/b.png")
	require.Len(t, m.Conversation("Rover2"), 2)

	require.NoError(t, m.CompleteAttachment(b.ID, proto.UploadResponse{FileID: "fb", DownloadURL: "http://h/fb"}))
	require.NoError(t, m.CompleteAttachment(a.ID, proto.UploadResponse{FileID: "fa", DownloadURL: "http://h/fa"}))

	assert.Len(t, pub.out, 2)
	got, _ := m.Get(b.ID)
	assert.Equal(t, "fb", got.FileID)
	assert.Equal(t, DeliveryDelivered, got.Delivery)
}

func TestCompleteAttachmentWhileDisconnected(t *testing.T) {
	m, pub := newTestManager()
	it := m.BeginAttachment("Rover2", "a.txt")
	pub.connected = false

	err := m.CompleteAttachment(it.ID, proto.UploadResponse{FileID: "f", DownloadURL: "http://h/f"})
	assert.ErrorIs(t, err, transport.ErrNotConnected)
	got, _ := m.Get(it.ID)
	assert.Equal(t, DeliveryFailed, got.Delivery)
}

func TestSendCallSignal(t *testing.T) {
	m, pub := newTestManager()
	require.NoError(t, m.SendCallSignal("Rover2", proto.CallRequest))

	var msg proto.CallSignal
	require.NoError(t, json.Unmarshal([]byte(pub.out[0].payload), &msg))
	assert.Equal(t, proto.CallSignal{Type: proto.CallRequest, From: "Rover1", To: "Rover2"}, msg)

	pub.connected = false
	assert.ErrorIs(t, m.SendCallSignal("Rover2", proto.CallEnd), transport.ErrNotConnected)
}

func TestRestoreSkipsHeldIDs(t *testing.T) {
	m, _ := newTestManager()
	m.OnInboxMessage([]byte("Rover2: live"))
	live := m.Conversation("Rover2")[0]

	m.Restore([]Item{
		{ID: "old-1", Peer: "Rover2", From: "Rover2", Kind: KindText, Body: "earlier", Timestamp: 1},
		{ID: live.ID, Peer: "Rover2", From: "Rover2", Kind: KindText, Body: "live", Timestamp: live.Timestamp},
		{ID: "old-1", Peer: "Rover2", From: "Rover2", Kind: KindText, Body: "earlier", Timestamp: 1},
	})

	assert.Len(t, m.Conversation("Rover2"), 2)
	items := m.Items()
	assert.Equal(t, "earlier", items[0].Body)
}

func TestBufferIsBounded(t *testing.T) {
	pub := &fakePub{id: "Rover1", connected: true}
	m := New(pub, 3)
	var ts int64
	m.now = func() time.Time { ts++; return time.UnixMilli(ts) }

	var ids []string
	for i := 0; i < 5; i++ {
		m.OnInboxMessage([]byte("Rover2: x"))
		conv := m.Conversation("Rover2")
		ids = append(ids, conv[len(conv)-1].ID)
	}
	assert.Len(t, m.Conversation("Rover2"), 3)

	_, ok := m.Get(ids[0])
	assert.False(t, ok)
	m.mu.RLock()
	assert.Len(t, m.index, 3, "evicted items leave the id index")
	m.mu.RUnlock()
	_, ok = m.Get(ids[4])
	assert.True(t, ok)
}
