// Package proto holds the broker wire format shared by every component:
// topic names, JSON payload shapes and the plain-text chat framing.
package proto

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"
)

const (
	// BroadcastTopic carries location fixes and identity-change announcements
	// from every device.
	BroadcastTopic = "gps/location"

	inboxSuffix = "/inbox"

	// DefaultQoS is used for every publish and subscription.
	DefaultQoS byte = 1
)

// InboxTopic returns the point-to-point topic owned by deviceID.
func InboxTopic(deviceID string) string { return deviceID + inboxSuffix }

var identityRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,50}$`)

// ValidIdentity reports whether id can be used as a client id and inbox name.
func ValidIdentity(id string) bool { return identityRe.MatchString(id) }

// ── Broadcast topic ──────────────────────────────────────────────────────────

const TypeDeviceIDChanged = "device_id_changed"

// BroadcastMsg is either a location fix or, when Type is
// TypeDeviceIDChanged, an identity-change announcement.
type BroadcastMsg struct {
	Type string `json:"type,omitempty"`

	OldID string `json:"old_id,omitempty"`
	NewID string `json:"new_id,omitempty"`

	SenderID  string     `json:"sender_id,omitempty"`
	Latitude  *float64   `json:"latitude,omitempty"`
	Longitude *float64   `json:"longitude,omitempty"`
	Timestamp FlexString `json:"timestamp,omitempty"`
}

// IsLocation reports whether every field required of a location fix is set.
func (m BroadcastMsg) IsLocation() bool {
	return m.SenderID != "" && m.Latitude != nil && m.Longitude != nil && m.Timestamp != ""
}

// NewLocation builds a location fix for publishing.
func NewLocation(senderID string, lat, lon float64, ts string) BroadcastMsg {
	return BroadcastMsg{
		SenderID:  senderID,
		Latitude:  &lat,
		Longitude: &lon,
		Timestamp: FlexString(ts),
	}
}

// NewIdentityChange builds the announcement published before an identity swap.
func NewIdentityChange(oldID, newID string) BroadcastMsg {
	return BroadcastMsg{Type: TypeDeviceIDChanged, OldID: oldID, NewID: newID}
}

// FlexString decodes from a JSON string or number. Fix timestamps arrive in
// both forms depending on the publishing device.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}

// FixTime formats t the way location fixes carry their timestamp.
func FixTime(t time.Time) string { return t.Format("2006-01-02 15:04:05") }

// ── Inbox topic ──────────────────────────────────────────────────────────────

const (
	TypeAttachment = "attachment"

	CallRequest = "CALL_REQUEST"
	CallAccept  = "CALL_ACCEPT"
	CallReject  = "CALL_REJECT"
	CallEnd     = "CALL_END"
)

// IsCallSignal reports whether t is one of the call-control message types.
func IsCallSignal(t string) bool {
	switch t {
	case CallRequest, CallAccept, CallReject, CallEnd:
		return true
	}
	return false
}

// InboxMsg is the structured form of an inbox payload: either attachment
// metadata or a call-control signal.
type InboxMsg struct {
	Type string `json:"type"`

	// attachment
	Sender      string `json:"sender,omitempty"`
	Filename    string `json:"filename,omitempty"`
	FileID      string `json:"file_id,omitempty"`
	DownloadURL string `json:"download_url,omitempty"`
	Timestamp   int64  `json:"timestamp,omitempty"` // unix ms, optional

	// call signal
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

// CallSignal is a parsed call-control message.
type CallSignal struct {
	Type string `json:"type"`
	From string `json:"from"`
	To   string `json:"to"`
}

// NewCallSignal builds a call-control payload.
func NewCallSignal(typ, from, to string) InboxMsg {
	return InboxMsg{Type: typ, From: from, To: to}
}

// NewAttachment builds attachment metadata for a peer's inbox.
func NewAttachment(sender, filename, fileID, downloadURL string, ts int64) InboxMsg {
	return InboxMsg{
		Type:        TypeAttachment,
		Sender:      sender,
		Filename:    filename,
		FileID:      fileID,
		DownloadURL: downloadURL,
		Timestamp:   ts,
	}
}

// FormatText frames a chat line as "<sender>: <body>".
func FormatText(sender, body string) string { return sender + ": " + body }

// ParseText splits a plain-text chat line at the first colon. ok is false
// when there is no colon or the sender part is blank.
func ParseText(payload string) (sender, body string, ok bool) {
	i := strings.IndexByte(payload, ':')
	if i < 0 {
		return "", "", false
	}
	sender = strings.TrimSpace(payload[:i])
	body = strings.TrimSpace(payload[i+1:])
	if sender == "" {
		return "", "", false
	}
	return sender, body, true
}

// ── Attachment HTTP endpoint ─────────────────────────────────────────────────

// UploadResponse is the JSON body returned by POST /upload.
type UploadResponse struct {
	Filename    string `json:"filename"`
	FileID      string `json:"file_id"`
	DownloadURL string `json:"download_url"`
}
