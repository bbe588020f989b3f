package app

import (
	"context"

	"github.com/petervdpas/fieldlink/internal/chat"
	"github.com/petervdpas/fieldlink/internal/presence"
	"github.com/petervdpas/fieldlink/internal/storage"
)

func cachedDevice(d presence.DeviceLocation) storage.CachedDevice {
	return storage.CachedDevice{
		DeviceID:     d.DeviceID,
		Latitude:     d.Latitude,
		Longitude:    d.Longitude,
		FixTimestamp: d.FixTimestamp,
		LastSeenAt:   d.LastSeenAt,
	}
}

func deviceLocation(c storage.CachedDevice) presence.DeviceLocation {
	return presence.DeviceLocation{
		DeviceID:     c.DeviceID,
		Latitude:     c.Latitude,
		Longitude:    c.Longitude,
		FixTimestamp: c.FixTimestamp,
		LastSeenAt:   c.LastSeenAt,
	}
}

func storedMessage(it chat.Item) storage.StoredMessage {
	return storage.StoredMessage{
		ID:          it.ID,
		Peer:        it.Peer,
		Sender:      it.From,
		Local:       it.Local,
		Kind:        string(it.Kind),
		Body:        it.Body,
		Filename:    it.Filename,
		FileID:      it.FileID,
		DownloadURL: it.DownloadURL,
		Timestamp:   it.Timestamp,
		Delivery:    string(it.Delivery),
		SourcePath:  it.SourcePath,
	}
}

func chatItem(m storage.StoredMessage) chat.Item {
	it := chat.Item{
		ID:          m.ID,
		Peer:        m.Peer,
		From:        m.Sender,
		Local:       m.Local,
		Kind:        chat.Kind(m.Kind),
		Body:        m.Body,
		Filename:    m.Filename,
		FileID:      m.FileID,
		DownloadURL: m.DownloadURL,
		Timestamp:   m.Timestamp,
		Delivery:    chat.Delivery(m.Delivery),
		SourcePath:  m.SourcePath,
	}
	// Nothing is in flight after a restart; failed items can be retried.
	if it.Delivery == chat.DeliveryPending {
		it.Delivery = chat.DeliveryFailed
	}
	return it
}

// restore loads the device cache and the recent message log into memory.
func restore(db *storage.DB, reg *presence.Registry, inbox *chat.Manager, perPeer int) {
	devices, err := db.ListCachedDevices()
	if err != nil {
		log.Warnf("device cache: %v", err)
	}
	locs := make([]presence.DeviceLocation, 0, len(devices))
	for _, c := range devices {
		locs = append(locs, deviceLocation(c))
	}
	reg.Seed(locs)

	msgs, err := db.RecentMessages(perPeer)
	if err != nil {
		log.Warnf("message log: %v", err)
	}
	items := make([]chat.Item, 0, len(msgs))
	for _, m := range msgs {
		items = append(items, chatItem(m))
	}
	inbox.Restore(items)
	log.Infof("restored %d devices and %d messages", len(locs), len(items))
}

// persistPresence mirrors registry changes into the device cache.
func persistPresence(ctx context.Context, db *storage.DB, reg *presence.Registry) {
	ch := reg.Subscribe()
	defer reg.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			var err error
			switch evt.Type {
			case "update":
				if evt.Device != nil {
					err = db.UpsertCachedDevice(cachedDevice(*evt.Device))
				}
			case "remove":
				err = db.DeleteCachedDevice(evt.DeviceID)
			}
			if err != nil {
				log.Warnf("device cache %s %s: %v", evt.Type, evt.DeviceID, err)
			}
		}
	}
}

// persistChat appends new items to the message log and records delivery
// changes of local ones.
func persistChat(ctx context.Context, db *storage.DB, inbox *chat.Manager) {
	ch := inbox.Subscribe()
	defer inbox.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			var err error
			switch evt.Type {
			case "item":
				_, err = db.InsertMessage(storedMessage(evt.Item))
			case "update":
				err = db.UpdateMessage(storedMessage(evt.Item))
			}
			if err != nil {
				log.Warnf("message log %s: %v", evt.Item.ID, err)
			}
		}
	}
}
