package viewer

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/fieldlink/internal/attach"
	"github.com/petervdpas/fieldlink/internal/call"
	"github.com/petervdpas/fieldlink/internal/chat"
	"github.com/petervdpas/fieldlink/internal/config"
	"github.com/petervdpas/fieldlink/internal/presence"
	"github.com/petervdpas/fieldlink/internal/transport"
)

// fakeLink stands in for the transport session on both its read and its
// publish side.
type fakeLink struct {
	mu    sync.Mutex
	state transport.State
	out   []string
	subs  []chan transport.State
}

func (l *fakeLink) Publish(topic string, _ byte, payload []byte, done func(error)) bool {
	l.mu.Lock()
	if l.state != transport.StateConnected {
		l.mu.Unlock()
		return false
	}
	l.out = append(l.out, topic+" "+string(payload))
	l.mu.Unlock()
	if done != nil {
		done(nil)
	}
	return true
}

func (l *fakeLink) Identity() string { return "Rover1" }

func (l *fakeLink) Connected() bool { return l.State() == transport.StateConnected }

func (l *fakeLink) State() transport.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *fakeLink) setState(st transport.State) {
	l.mu.Lock()
	l.state = st
	l.mu.Unlock()
}

func (l *fakeLink) Endpoint() (config.Endpoint, bool) {
	return config.Endpoint{Scheme: "tcp", Host: "10.0.0.5", Port: 1883}, true
}

func (l *fakeLink) Subscribe() (<-chan transport.State, func()) {
	ch := make(chan transport.State, 8)
	l.mu.Lock()
	l.subs = append(l.subs, ch)
	l.mu.Unlock()
	return ch, func() {}
}

func (l *fakeLink) published() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.out...)
}

type fakeUploader struct {
	path, peer string
}

func (u *fakeUploader) Upload(path, peer string) (chat.Item, error) {
	if err := config.ValidateIdentity(peer); err != nil {
		return chat.Item{}, err
	}
	u.path, u.peer = path, peer
	return chat.Item{ID: "up1", Peer: peer, Kind: chat.KindAttachment, Delivery: chat.DeliveryPending}, nil
}

func (u *fakeUploader) Retry(id string) (chat.Item, error) {
	return chat.Item{}, attach.ErrUnknownUpload
}

type fakeDownloader struct{ url, name string }

func (d *fakeDownloader) Download(_ context.Context, url, filename string) (string, error) {
	d.url, d.name = url, filename
	return "/data/attachments/" + filename, nil
}

type fakeSettings struct {
	cfg config.Config
}

func (s *fakeSettings) Current() config.Config { return s.cfg }

func (s *fakeSettings) UpdateBroker(b config.Broker) error {
	if _, err := b.Endpoint(); err != nil {
		return err
	}
	s.cfg.Broker = b
	return nil
}

func (s *fakeSettings) UpdateIdentity(id string) error {
	s.cfg.Identity.DeviceID = id
	return nil
}

type fixture struct {
	srv      *httptest.Server
	hub      *Hub
	link     *fakeLink
	v        Viewer
	up       *fakeUploader
	down     *fakeDownloader
	settings *fakeSettings
	fixes    chan presence.Fix
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	link := &fakeLink{state: transport.StateConnected}
	inbox := chat.New(link, 0)
	f := &fixture{
		hub:      NewHub(),
		link:     link,
		up:       &fakeUploader{},
		down:     &fakeDownloader{},
		settings: &fakeSettings{cfg: config.Default()},
		fixes:    make(chan presence.Fix, 1),
	}
	f.settings.cfg.Broker.Username = "field"
	f.settings.cfg.Broker.Password = "secret"
	f.v = Viewer{
		Link:      link,
		Presence:  presence.NewRegistry(link, presence.DefaultOnlineWindow),
		Chat:      inbox,
		Calls:     call.New(inbox, call.NewNullEngine(), nil),
		Uploads:   f.up,
		Downloads: f.down,
		Settings:  f.settings,
		Logs:      NewLogBuffer(10),
		Fixes:     f.fixes,
	}
	f.srv = httptest.NewServer(localOnly(newRouter(f.v, f.hub)))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, b
}

func TestState(t *testing.T) {
	f := newFixture(t)
	f.link.setState(transport.StateError)

	resp, body := f.do(t, http.MethodGet, "/api/state", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got fullState
	require.NoError(t, json.Unmarshal(body, &got))
	require.NotNil(t, got.Link)
	assert.Equal(t, transport.StateError, got.Link.State)
	assert.Equal(t, offlineNotice, got.Link.Notice)
	assert.Equal(t, "tcp://10.0.0.5:1883", got.Link.Endpoint)
	require.NotNil(t, got.Call)
	assert.Equal(t, call.PhaseIdle, got.Call.Phase)
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
}

func TestDevices(t *testing.T) {
	f := newFixture(t)
	f.v.Presence.OnBroadcastMessage([]byte(`{"sender_id":"Rover3","latitude":1,"longitude":2,"timestamp":"T"}`))
	f.v.Presence.OnBroadcastMessage([]byte(`{"sender_id":"Rover2","latitude":12.9,"longitude":77.6,"timestamp":"T1"}`))

	_, body := f.do(t, http.MethodGet, "/api/devices", "")
	var got []deviceView
	require.NoError(t, json.Unmarshal(body, &got))
	require.Len(t, got, 2)
	assert.Equal(t, "Rover2", got[0].DeviceID)
	assert.Equal(t, 12.9, got[0].Latitude)
	assert.Equal(t, presence.Online, got[0].Status)
}

func TestSendAndReadChat(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/chat/Rover2", `{"body":"hello"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, []string{"Rover2/inbox Rover1: hello"}, f.link.published())

	_, body = f.do(t, http.MethodGet, "/api/chat/Rover2", "")
	var items []chat.Item
	require.NoError(t, json.Unmarshal(body, &items))
	require.Len(t, items, 1)
	assert.True(t, items[0].Local)
	assert.Equal(t, chat.DeliveryDelivered, items[0].Delivery)

	_, body = f.do(t, http.MethodGet, "/api/chat", "")
	assert.JSONEq(t, `["Rover2"]`, string(body))
}

func TestSendChatErrors(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/api/chat/Rover2", `{"body":"  "}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/chat/a.b", `{"body":"x"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/chat/Rover2", `{"text":"x"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "unknown fields are rejected")

	f.link.setState(transport.StateIdle)
	resp, _ = f.do(t, http.MethodPost, "/api/chat/Rover2", `{"body":"x"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Empty(t, f.v.Chat.Conversation("Rover2"))
}

func TestCallActions(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/call/start", `{"peer":"Rover2"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var st call.State
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, call.PhaseOutgoingRinging, st.Phase)
	assert.Equal(t, "Rover2", st.PeerID)

	resp, _ = f.do(t, http.MethodPost, "/api/call/start", `{"peer":"Rover3"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/call/accept", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = f.do(t, http.MethodPost, "/api/call/end", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, call.PhaseIdle, st.Phase)

	resp, _ = f.do(t, http.MethodPost, "/api/call/transfer", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	out := f.link.published()
	require.Len(t, out, 2)
	assert.Contains(t, out[0], `"type":"CALL_REQUEST"`)
	assert.Contains(t, out[1], `"type":"CALL_END"`)
}

func TestAttachRoutes(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/api/attach/Rover2", `{"path":"/tmp/map.png"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "/tmp/map.png", f.up.path)
	assert.Equal(t, "Rover2", f.up.peer)

	resp, _ = f.do(t, http.MethodPost, "/api/attach/Rover2", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/attach/retry/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDownload(t *testing.T) {
	f := newFixture(t)
	f.v.Chat.Restore([]chat.Item{
		{ID: "a1", Peer: "Rover2", From: "Rover2", Kind: chat.KindAttachment, Filename: "map.png", DownloadURL: "http://files/f1", Timestamp: 1},
		{ID: "t1", Peer: "Rover2", From: "Rover2", Kind: chat.KindText, Body: "hi", Timestamp: 2},
	})

	resp, body := f.do(t, http.MethodPost, "/api/download/a1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"path":"/data/attachments/map.png"}`, string(body))
	assert.Equal(t, "http://files/f1", f.down.url)

	resp, _ = f.do(t, http.MethodPost, "/api/download/t1", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPostLocation(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/api/location", `{"lat":12.9,"lon":77.6,"time":"2026-03-01T12:00:00Z"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	fix := <-f.fixes
	assert.Equal(t, 12.9, fix.Lat)
	assert.Equal(t, 77.6, fix.Lon)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), fix.Time.UTC())

	for _, body := range []string{`{"lat":1}`, `{"lat":91,"lon":0}`, `{"lat":1,"lon":2,"time":"yesterday"}`} {
		resp, _ = f.do(t, http.MethodPost, "/api/location", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}
}

func TestSettings(t *testing.T) {
	f := newFixture(t)

	_, body := f.do(t, http.MethodGet, "/api/settings", "")
	assert.NotContains(t, string(body), "secret")
	assert.Contains(t, string(body), `"has_password":true`)

	resp, _ := f.do(t, http.MethodPost, "/api/settings/broker", `{"uri":"ssl://broker.example:8883"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	b := f.settings.cfg.Broker
	assert.Equal(t, "ssl://broker.example:8883", b.URI)
	assert.Equal(t, "field", b.Username, "credentials not in the request are kept")
	assert.Equal(t, "secret", b.Password)

	resp, _ = f.do(t, http.MethodPost, "/api/settings/broker", `{"uri":"http://nope:1883"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/settings/identity", `{"device_id":"Rover9"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Rover9", f.settings.cfg.Identity.DeviceID)

	resp, _ = f.do(t, http.MethodPost, "/api/settings/identity", `{"device_id":"has space"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLogs(t *testing.T) {
	f := newFixture(t)
	f.v.Logs.Write([]byte("first line\nsecond "))
	f.v.Logs.Write([]byte("half\n\n"))

	_, body := f.do(t, http.MethodGet, "/api/logs", "")
	var entries []LogEntry
	require.NoError(t, json.Unmarshal(body, &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "first line", entries[0].Msg)
	assert.Equal(t, "second half", entries[1].Msg)
}

func TestLogBufferBounded(t *testing.T) {
	b := NewLogBuffer(2)
	ch, cancel := b.Subscribe()
	defer cancel()

	b.Write([]byte("a\nb\nc\n"))
	snap := b.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "b", snap[0].Msg)
	assert.Equal(t, "c", snap[1].Msg)
	assert.Equal(t, "a", (<-ch).Msg)
}

func TestRemoteRequestsRefused(t *testing.T) {
	f := newFixture(t)
	h := localOnly(newRouter(f.v, f.hub))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/state", nil)
	req.RemoteAddr = "192.0.2.10:5555"
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestEventsStream(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.hub.pump(ctx, f.v)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var hello struct {
		Source string    `json:"source"`
		Data   fullState `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "state", hello.Source)
	require.NotNil(t, hello.Data.Link)
	assert.Equal(t, "Rover1", hello.Data.Link.Identity)

	f.v.Chat.OnInboxMessage([]byte("Rover2: are you there"))

	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)
	var env struct {
		Source string     `json:"source"`
		Data   chat.Event `json:"data"`
	}
	require.NoError(t, json.Unmarshal(frame, &env))
	assert.Equal(t, "chat", env.Source)
	assert.Equal(t, "item", env.Data.Type)
	assert.Equal(t, "are you there", env.Data.Item.Body)
}

func TestHubDropsForSlowClient(t *testing.T) {
	h := NewHub()
	c := h.register()
	for i := 0; i < cap(c.send)+10; i++ {
		h.Broadcast("log", i)
	}
	assert.Len(t, c.send, cap(c.send))

	h.unregister(c)
	assert.Equal(t, 0, h.Clients())

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(Envelope{Source: "log", Data: 1}))
	assert.JSONEq(t, `{"source":"log","data":1}`, buf.String())
}
