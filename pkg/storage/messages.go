package storage

import (
	"fmt"
	"time"
)

// ===== MESSAGE OPERATIONS =====

// StoredMessage is one row of message history.
type StoredMessage struct {
	ID         int64
	PeerIP     string
	PacketID   uint64
	Content    string
	IsOutgoing bool
	Acked      bool
	CreatedAt  time.Time
}

// SaveMessage stores a message, encrypting its content at rest.
func (s *Store) SaveMessage(msg *StoredMessage) error {
	sealed, err := aesEncrypt([]byte(msg.Content), s.key)
	if err != nil {
		return fmt.Errorf("failed to encrypt content: %w", err)
	}

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO messages (peer_ip, packet_id, content, is_outgoing, acked, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	result, err := s.db.Exec(query,
		msg.PeerIP,
		msg.PacketID,
		sealed,
		boolToInt(msg.IsOutgoing),
		boolToInt(msg.Acked),
		msg.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}

	msg.ID, err = result.LastInsertId()
	return err
}

// MessagesByPeer returns up to limit messages with a peer, oldest first.
func (s *Store) MessagesByPeer(ip string, limit int) ([]StoredMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, peer_ip, packet_id, content, is_outgoing, acked, created_at
		FROM messages WHERE peer_ip = ? ORDER BY created_at ASC, id ASC LIMIT ?
	`

	rows, err := s.db.Query(query, ip, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []StoredMessage
	for rows.Next() {
		var m StoredMessage
		var sealed []byte
		var outgoing, acked int
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.PeerIP, &m.PacketID, &sealed, &outgoing, &acked, &createdAt); err != nil {
			return nil, err
		}

		plain, err := aesDecrypt(sealed, s.key)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt message %d: %w", m.ID, err)
		}
		m.Content = string(plain)
		m.IsOutgoing = outgoing != 0
		m.Acked = acked != 0
		m.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkAcked flags outgoing messages to a peer that carry the acknowledged
// packet id. Advisory only; an ack that matches nothing is not an error.
func (s *Store) MarkAcked(ip string, packetID uint64) error {
	_, err := s.db.Exec(
		`UPDATE messages SET acked = 1 WHERE peer_ip = ? AND packet_id = ? AND is_outgoing = 1`,
		ip, packetID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark ack: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
