package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/lantalk/lantalk-node/pkg/presence"
)

// ===== PEER OPERATIONS =====

// UpsertPeer writes one peer record, replacing any previous row for the
// same IP. The in-memory directory pushes records here so the UI can show
// known peers across restarts.
func (s *Store) UpsertPeer(p presence.PeerRecord) error {
	query := `
		INSERT INTO peers (ip, port, username, hostname, nickname, last_seen)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(ip) DO UPDATE SET
			port = excluded.port,
			username = excluded.username,
			hostname = excluded.hostname,
			last_seen = excluded.last_seen
	`
	// Nickname is deliberately not overwritten on conflict: it is a local
	// display override, not wire data.
	_, err := s.db.Exec(query, p.IP, p.Port, p.Username, p.Hostname, p.Nickname, p.LastSeen.Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert peer %s: %w", p.IP, err)
	}
	return nil
}

// FindPeerByIP retrieves one stored peer record.
func (s *Store) FindPeerByIP(ip string) (presence.PeerRecord, error) {
	query := `SELECT ip, port, username, hostname, nickname, last_seen FROM peers WHERE ip = ?`

	var p presence.PeerRecord
	var lastSeen int64
	err := s.db.QueryRow(query, ip).Scan(&p.IP, &p.Port, &p.Username, &p.Hostname, &p.Nickname, &lastSeen)
	if err == sql.ErrNoRows {
		return presence.PeerRecord{}, ErrNotFound
	}
	if err != nil {
		return presence.PeerRecord{}, fmt.Errorf("failed to find peer %s: %w", ip, err)
	}
	p.LastSeen = time.Unix(lastSeen, 0)
	return p, nil
}

// FindOnlinePeers returns stored peers whose last_seen falls within the
// timeout, newest first.
func (s *Store) FindOnlinePeers(timeout time.Duration) ([]presence.PeerRecord, error) {
	cutoff := time.Now().Add(-timeout).Unix()
	query := `
		SELECT ip, port, username, hostname, nickname, last_seen
		FROM peers WHERE last_seen > ? ORDER BY last_seen DESC
	`

	rows, err := s.db.Query(query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query online peers: %w", err)
	}
	defer rows.Close()

	var out []presence.PeerRecord
	for rows.Next() {
		var p presence.PeerRecord
		var lastSeen int64
		if err := rows.Scan(&p.IP, &p.Port, &p.Username, &p.Hostname, &p.Nickname, &lastSeen); err != nil {
			return nil, err
		}
		p.LastSeen = time.Unix(lastSeen, 0)
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetNickname stores the local display override for a peer.
func (s *Store) SetNickname(ip, nickname string) error {
	res, err := s.db.Exec(`UPDATE peers SET nickname = ? WHERE ip = ?`, nickname, ip)
	if err != nil {
		return fmt.Errorf("failed to set nickname for %s: %w", ip, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeletePeer removes a peer row. Administrative, mirrors the directory's
// Remove.
func (s *Store) DeletePeer(ip string) error {
	_, err := s.db.Exec(`DELETE FROM peers WHERE ip = ?`, ip)
	if err != nil {
		return fmt.Errorf("failed to delete peer %s: %w", ip, err)
	}
	return nil
}
