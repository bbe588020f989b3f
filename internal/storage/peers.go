package storage

import "time"

// CachedDevice is the persisted last known fix of a device. It survives the
// device going offline and is removed only when the device announces a new
// identity.
type CachedDevice struct {
	DeviceID     string
	Latitude     float64
	Longitude    float64
	FixTimestamp string
	LastSeenAt   time.Time
}

// UpsertCachedDevice stores or replaces the cached fix for a device.
func (d *DB) UpsertCachedDevice(c CachedDevice) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO _device_cache (device_id, latitude, longitude, fix_timestamp, last_seen_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			latitude      = excluded.latitude,
			longitude     = excluded.longitude,
			fix_timestamp = excluded.fix_timestamp,
			last_seen_at  = excluded.last_seen_at`,
		c.DeviceID, c.Latitude, c.Longitude, c.FixTimestamp, c.LastSeenAt.UnixMilli(),
	)
	return err
}

// GetCachedDevice returns the cached fix for a device, or false if unknown.
func (d *DB) GetCachedDevice(id string) (CachedDevice, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var c CachedDevice
	var seen int64
	err := d.db.QueryRow(`
		SELECT device_id, latitude, longitude, fix_timestamp, last_seen_at
		FROM _device_cache WHERE device_id = ?`, id).
		Scan(&c.DeviceID, &c.Latitude, &c.Longitude, &c.FixTimestamp, &seen)
	if err != nil {
		return CachedDevice{}, false
	}
	c.LastSeenAt = time.UnixMilli(seen)
	return c, true
}

// ListCachedDevices returns every cached device, most recently seen first.
func (d *DB) ListCachedDevices() ([]CachedDevice, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT device_id, latitude, longitude, fix_timestamp, last_seen_at
		FROM _device_cache ORDER BY last_seen_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CachedDevice
	for rows.Next() {
		var c CachedDevice
		var seen int64
		if err := rows.Scan(&c.DeviceID, &c.Latitude, &c.Longitude, &c.FixTimestamp, &seen); err != nil {
			return nil, err
		}
		c.LastSeenAt = time.UnixMilli(seen)
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteCachedDevice forgets a device.
func (d *DB) DeleteCachedDevice(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`DELETE FROM _device_cache WHERE device_id = ?`, id)
	return err
}
