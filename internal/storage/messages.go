package storage

// StoredMessage is one persisted conversation item.
type StoredMessage struct {
	ID          string
	Peer        string
	Sender      string
	Local       bool
	Kind        string
	Body        string
	Filename    string
	FileID      string
	DownloadURL string
	Timestamp   int64 // unix ms
	Delivery    string
	SourcePath  string // local file of an outgoing attachment
}

// InsertMessage appends m to the log. A message whose id is already on
// record is left as is; the return value reports whether a row was written.
func (d *DB) InsertMessage(m StoredMessage) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.Exec(`
		INSERT OR IGNORE INTO _messages
			(id, peer, sender, local, kind, body, filename, file_id, download_url, ts, delivery)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Peer, m.Sender, boolInt(m.Local), m.Kind, m.Body,
		m.Filename, m.FileID, m.DownloadURL, m.Timestamp, m.Delivery,
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpdateMessage rewrites the mutable fields of a local item: delivery state
// and upload result.
func (d *DB) UpdateMessage(m StoredMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		UPDATE _messages SET
			filename     = ?,
			file_id      = ?,
			download_url = ?,
			delivery     = ?
		WHERE id = ?`,
		m.Filename, m.FileID, m.DownloadURL, m.Delivery, m.ID,
	)
	return err
}

// RecentMessages returns up to perPeer newest messages of every
// conversation, oldest first.
func (d *DB) RecentMessages(perPeer int) ([]StoredMessage, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT id, peer, sender, local, kind, body, filename, file_id, download_url, ts, delivery, source_path
		FROM (
			SELECT *, rowid AS seq, ROW_NUMBER() OVER (PARTITION BY peer ORDER BY ts DESC, rowid DESC) AS rn
			FROM _messages
		)
		WHERE rn <= ?
		ORDER BY ts ASC, seq ASC`, perPeer)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// ListMessages returns the conversation with peer, oldest first.
func (d *DB) ListMessages(peer string) ([]StoredMessage, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT id, peer, sender, local, kind, body, filename, file_id, download_url, ts, delivery, source_path
		FROM _messages WHERE peer = ? ORDER BY ts ASC, rowid ASC`, peer)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanMessages(rows rowScanner) ([]StoredMessage, error) {
	var out []StoredMessage
	for rows.Next() {
		var m StoredMessage
		var local int
		if err := rows.Scan(&m.ID, &m.Peer, &m.Sender, &local, &m.Kind, &m.Body,
			&m.Filename, &m.FileID, &m.DownloadURL, &m.Timestamp, &m.Delivery, &m.SourcePath); err != nil {
			return nil, err
		}
		m.Local = local != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
