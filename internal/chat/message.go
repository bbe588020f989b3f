package chat

import (
	"time"

	"github.com/google/uuid"
)

// Kind tells text items from attachment items.
type Kind string

const (
	KindText       Kind = "text"
	KindAttachment Kind = "attachment"
)

// Delivery tracks a local-origin item. Received items carry no delivery state.
type Delivery string

const (
	DeliveryPending   Delivery = "pending"
	DeliveryDelivered Delivery = "delivered"
	DeliveryFailed    Delivery = "failed"
)

// Item is one entry of a conversation.
type Item struct {
	ID    string `json:"id"`
	Peer  string `json:"peer"`  // conversation the item belongs to
	From  string `json:"from"`  // sender device id
	Local bool   `json:"local"` // sent by this device
	Kind  Kind   `json:"kind"`

	Body string `json:"body,omitempty"`

	Filename    string `json:"filename,omitempty"`
	FileID      string `json:"file_id,omitempty"`
	DownloadURL string `json:"download_url,omitempty"`

	Timestamp int64    `json:"timestamp"` // unix milliseconds
	Delivery  Delivery `json:"delivery,omitempty"`

	// SourcePath is the local file behind an outgoing attachment.
	SourcePath string `json:"source_path,omitempty"`
}

func newText(peer, from, body string, ts int64) Item {
	return Item{
		ID:        uuid.NewString(),
		Peer:      peer,
		From:      from,
		Kind:      KindText,
		Body:      body,
		Timestamp: ts,
	}
}

func newAttachment(peer, from, filename, fileID, url string, ts int64) Item {
	return Item{
		ID:          uuid.NewString(),
		Peer:        peer,
		From:        from,
		Kind:        KindAttachment,
		Filename:    filename,
		FileID:      fileID,
		DownloadURL: url,
		Timestamp:   ts,
	}
}

// Time returns the item timestamp as a time.Time.
func (it Item) Time() time.Time { return time.UnixMilli(it.Timestamp) }

func (it Item) sameID(other Item) bool {
	return it.ID == other.ID
}

// sameAnnouncement matches a received attachment carrying the same sender and
// sender-assigned timestamp.
func (it Item) sameAnnouncement(other Item) bool {
	return it.ID == other.ID ||
		(!other.Local && other.Kind == KindAttachment && it.From == other.From && it.Timestamp == other.Timestamp)
}
