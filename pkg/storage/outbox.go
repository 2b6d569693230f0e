package storage

import (
	"fmt"
	"time"
)

// ===== OFFLINE OUTBOX =====

// QueuedMessage is one message waiting for its peer to come back online.
type QueuedMessage struct {
	ID        int64
	PeerIP    string
	Content   string
	WantAck   bool
	CreatedAt time.Time
}

// QueueOffline stores a message for a peer that is currently offline.
func (s *Store) QueueOffline(ip, content string, wantAck bool) error {
	sealed, err := aesEncrypt([]byte(content), s.key)
	if err != nil {
		return fmt.Errorf("failed to encrypt queued message: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO outbox (peer_ip, content, want_ack, created_at) VALUES (?, ?, ?, ?)`,
		ip, sealed, boolToInt(wantAck), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to queue offline message: %w", err)
	}
	return nil
}

// TakeOffline removes and returns every queued message for a peer, oldest
// first. Removal and read happen in one transaction so a crash cannot
// deliver the same message twice.
func (s *Store) TakeOffline(ip string) ([]QueuedMessage, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		`SELECT id, peer_ip, content, want_ack, created_at FROM outbox WHERE peer_ip = ? ORDER BY created_at ASC, id ASC`,
		ip,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}

	var out []QueuedMessage
	for rows.Next() {
		var m QueuedMessage
		var sealed []byte
		var wantAck int
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.PeerIP, &sealed, &wantAck, &createdAt); err != nil {
			rows.Close()
			return nil, err
		}

		plain, err := aesDecrypt(sealed, s.key)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to decrypt queued message %d: %w", m.ID, err)
		}
		m.Content = string(plain)
		m.WantAck = wantAck != 0
		m.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(out) > 0 {
		if _, err := tx.Exec(`DELETE FROM outbox WHERE peer_ip = ?`, ip); err != nil {
			return nil, fmt.Errorf("failed to drain outbox: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

// OutboxCount returns the number of queued messages across all peers.
func (s *Store) OutboxCount() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM outbox`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
