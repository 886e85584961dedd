package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// UpsertPeer inserts a discovered peer or refreshes its address and last-seen time.
func (s *Store) UpsertPeer(peer Peer) error {
	peer.DeviceID = strings.TrimSpace(peer.DeviceID)
	if peer.DeviceID == "" {
		return errors.New("device_id is required")
	}
	if peer.Address == "" {
		return errors.New("address is required")
	}
	if peer.Port <= 0 || peer.Port > 65535 {
		return fmt.Errorf("invalid peer port %d", peer.Port)
	}
	if peer.DeviceName == "" {
		peer.DeviceName = peer.DeviceID
	}
	if peer.LastSeen == 0 {
		peer.LastSeen = nowUnixMilli()
	}
	if peer.FirstSeen == 0 {
		peer.FirstSeen = peer.LastSeen
	}

	_, err := s.db.Exec(
		`INSERT INTO peers (
			device_id,
			device_name,
			address,
			port,
			platform,
			transfer_folder,
			first_seen,
			last_seen
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			device_name = excluded.device_name,
			address = excluded.address,
			port = excluded.port,
			platform = excluded.platform,
			transfer_folder = excluded.transfer_folder,
			last_seen = MAX(peers.last_seen, excluded.last_seen)`,
		peer.DeviceID,
		peer.DeviceName,
		peer.Address,
		peer.Port,
		peer.Platform,
		peer.TransferFolder,
		peer.FirstSeen,
		peer.LastSeen,
	)
	if err != nil {
		return fmt.Errorf("upsert peer %q: %w", peer.DeviceID, err)
	}
	return nil
}

// GetPeer fetches a peer by device ID.
func (s *Store) GetPeer(deviceID string) (*Peer, error) {
	row := s.db.QueryRow(
		`SELECT
			device_id,
			device_name,
			address,
			port,
			platform,
			transfer_folder,
			first_seen,
			last_seen
		FROM peers
		WHERE device_id = ?`,
		deviceID,
	)

	var peer Peer
	if err := row.Scan(
		&peer.DeviceID,
		&peer.DeviceName,
		&peer.Address,
		&peer.Port,
		&peer.Platform,
		&peer.TransferFolder,
		&peer.FirstSeen,
		&peer.LastSeen,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get peer %q: %w", deviceID, err)
	}
	return &peer, nil
}

// ListPeers returns peers seen since the given time, most recent first. A
// zero since returns every known peer.
func (s *Store) ListPeers(since time.Time) ([]Peer, error) {
	var cutoff int64
	if !since.IsZero() {
		cutoff = since.UnixMilli()
	}

	rows, err := s.db.Query(
		`SELECT
			device_id,
			device_name,
			address,
			port,
			platform,
			transfer_folder,
			first_seen,
			last_seen
		FROM peers
		WHERE last_seen >= ?
		ORDER BY last_seen DESC, device_id`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()

	var peers []Peer
	for rows.Next() {
		var peer Peer
		if err := rows.Scan(
			&peer.DeviceID,
			&peer.DeviceName,
			&peer.Address,
			&peer.Port,
			&peer.Platform,
			&peer.TransferFolder,
			&peer.FirstSeen,
			&peer.LastSeen,
		); err != nil {
			return nil, fmt.Errorf("scan peer row: %w", err)
		}
		peers = append(peers, peer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peer rows: %w", err)
	}
	return peers, nil
}

// RemovePeer deletes a peer row.
func (s *Store) RemovePeer(deviceID string) error {
	res, err := s.db.Exec(`DELETE FROM peers WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("remove peer %q: %w", deviceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove peer %q rows affected: %w", deviceID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
