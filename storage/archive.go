package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"peerdrop/protocol"
	"peerdrop/requests"
	"peerdrop/transfers"
)

const defaultListLimit = 100

// RecordRequest stores the latest state of req for the given run.
func (s *Store) RecordRequest(sessionID string, req requests.Request) error {
	if sessionID == "" {
		return errors.New("session_id is required")
	}
	if req.ID <= 0 {
		return fmt.Errorf("invalid request id %d", req.ID)
	}

	_, err := s.db.Exec(
		`INSERT INTO requests (
			session_id,
			id,
			timestamp,
			type,
			status,
			direction,
			remote_address,
			remote_name,
			body,
			error,
			updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, id) DO UPDATE SET
			status = excluded.status,
			body = excluded.body,
			error = excluded.error,
			updated_at = excluded.updated_at`,
		sessionID,
		req.ID,
		req.Timestamp.UnixMilli(),
		req.Type.String(),
		string(req.Status),
		string(req.Direction),
		req.Remote.Address(),
		req.Remote.Name,
		nullString(requestBody(req.Message)),
		nullString(optionalString(req.Error)),
		nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record request %s/%d: %w", sessionID, req.ID, err)
	}
	return nil
}

// requestBody extracts the human readable part of a message, if any.
func requestBody(msg protocol.Message) *string {
	switch m := msg.(type) {
	case *protocol.ChatMessage:
		return &m.Text
	case *protocol.FolderMessage:
		return optionalString(m.Folder)
	case *protocol.FileListResponseMessage:
		return optionalString(m.Folder)
	case *protocol.InboundFileTransferRequestMessage:
		return optionalString(m.FileName)
	case *protocol.OutboundFileTransferRequestMessage:
		return optionalString(m.FileName)
	case *protocol.ServerInfoResponseMessage:
		return optionalString(m.Name)
	default:
		return nil
	}
}

// RecordTransfer stores the latest state of t for the given run.
func (s *Store) RecordTransfer(sessionID string, t transfers.FileTransfer) error {
	if sessionID == "" {
		return errors.New("session_id is required")
	}
	if t.ID <= 0 {
		return fmt.Errorf("invalid transfer id %d", t.ID)
	}

	bytesTransferred := t.TotalBytesReceived
	if t.Direction == transfers.Outbound {
		bytesTransferred = t.CurrentBytesSent
	}
	requestedAt := t.RequestedAt
	if requestedAt.IsZero() {
		requestedAt = time.Now()
	}

	_, err := s.db.Exec(
		`INSERT INTO file_transfers (
			session_id,
			id,
			direction,
			initiator,
			status,
			file_name,
			file_size,
			file_type,
			local_folder,
			remote_folder,
			remote_address,
			bytes_transferred,
			percent_complete,
			retry_counter,
			retry_limit,
			lockout_expires_at,
			response_code,
			remote_transfer_id,
			error_message,
			requested_at,
			started_at,
			completed_at,
			updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, id) DO UPDATE SET
			status = excluded.status,
			file_size = excluded.file_size,
			file_type = excluded.file_type,
			local_folder = excluded.local_folder,
			remote_folder = excluded.remote_folder,
			bytes_transferred = excluded.bytes_transferred,
			percent_complete = excluded.percent_complete,
			retry_counter = excluded.retry_counter,
			retry_limit = excluded.retry_limit,
			lockout_expires_at = excluded.lockout_expires_at,
			response_code = excluded.response_code,
			remote_transfer_id = excluded.remote_transfer_id,
			error_message = excluded.error_message,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at`,
		sessionID,
		t.ID,
		string(t.Direction),
		string(t.Initiator),
		string(t.Status),
		t.FileName,
		t.FileSize,
		nullString(optionalString(t.FileType)),
		t.LocalFolder,
		t.RemoteFolder,
		t.RemoteServer.Address(),
		bytesTransferred,
		t.PercentComplete,
		t.RetryCounter,
		t.RemoteServerRetryLimit,
		nullInt64(optionalTime(t.RetryLockoutExpireTime)),
		t.TransferResponseCode,
		t.RemoteServerTransferID,
		nullString(optionalString(t.ErrorMessage)),
		requestedAt.UnixMilli(),
		nullInt64(optionalTime(t.StartedAt)),
		nullInt64(optionalTime(t.CompletedAt)),
		nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record transfer %s/%d: %w", sessionID, t.ID, err)
	}
	return nil
}

// GetRequest fetches one archived request.
func (s *Store) GetRequest(sessionID string, id int) (*RequestRecord, error) {
	row := s.db.QueryRow(
		`SELECT `+requestColumns+`
		FROM requests
		WHERE session_id = ? AND id = ?`,
		sessionID,
		id,
	)
	record, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get request %s/%d: %w", sessionID, id, err)
	}
	return record, nil
}

// ListRequests returns archived requests newest first. A non-empty sessionID
// restricts the result to one run; limit <= 0 uses a default.
func (s *Store) ListRequests(sessionID string, limit int) ([]RequestRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.Query(
		`SELECT `+requestColumns+`
		FROM requests
		WHERE (? = '' OR session_id = ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`,
		sessionID,
		sessionID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	var out []RequestRecord
	for rows.Next() {
		record, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request row: %w", err)
		}
		out = append(out, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate request rows: %w", err)
	}
	return out, nil
}

// GetTransfer fetches one archived transfer.
func (s *Store) GetTransfer(sessionID string, id int) (*TransferRecord, error) {
	row := s.db.QueryRow(
		`SELECT `+transferColumns+`
		FROM file_transfers
		WHERE session_id = ? AND id = ?`,
		sessionID,
		id,
	)
	record, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer %s/%d: %w", sessionID, id, err)
	}
	return record, nil
}

// ListTransfers returns archived transfers newest first. A non-empty sessionID
// restricts the result to one run; limit <= 0 uses a default.
func (s *Store) ListTransfers(sessionID string, limit int) ([]TransferRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.Query(
		`SELECT `+transferColumns+`
		FROM file_transfers
		WHERE (? = '' OR session_id = ?)
		ORDER BY requested_at DESC, id DESC
		LIMIT ?`,
		sessionID,
		sessionID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	var out []TransferRecord
	for rows.Next() {
		record, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		out = append(out, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}
	return out, nil
}

// PruneHistory deletes requests and transfers last updated before cutoff.
func (s *Store) PruneHistory(cutoff time.Time) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin prune transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var total int64
	for _, table := range []string{"requests", "file_transfers"} {
		res, err := tx.Exec("DELETE FROM "+table+" WHERE updated_at < ?", cutoff.UnixMilli())
		if err != nil {
			return 0, fmt.Errorf("prune %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("prune %s rows affected: %w", table, err)
		}
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune transaction: %w", err)
	}
	return total, nil
}

const requestColumns = `
	session_id,
	id,
	timestamp,
	type,
	status,
	direction,
	remote_address,
	remote_name,
	body,
	error,
	updated_at`

const transferColumns = `
	session_id,
	id,
	direction,
	initiator,
	status,
	file_name,
	file_size,
	file_type,
	local_folder,
	remote_folder,
	remote_address,
	bytes_transferred,
	percent_complete,
	retry_counter,
	retry_limit,
	lockout_expires_at,
	response_code,
	remote_transfer_id,
	error_message,
	requested_at,
	started_at,
	completed_at,
	updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*RequestRecord, error) {
	var (
		record  RequestRecord
		body    sql.NullString
		message sql.NullString
	)
	if err := row.Scan(
		&record.SessionID,
		&record.ID,
		&record.Timestamp,
		&record.Type,
		&record.Status,
		&record.Direction,
		&record.RemoteAddress,
		&record.RemoteName,
		&body,
		&message,
		&record.UpdatedAt,
	); err != nil {
		return nil, err
	}
	record.Body = stringPtr(body)
	record.Error = stringPtr(message)
	return &record, nil
}

func scanTransfer(row rowScanner) (*TransferRecord, error) {
	var (
		record      TransferRecord
		fileType    sql.NullString
		lockout     sql.NullInt64
		errMessage  sql.NullString
		startedAt   sql.NullInt64
		completedAt sql.NullInt64
	)
	if err := row.Scan(
		&record.SessionID,
		&record.ID,
		&record.Direction,
		&record.Initiator,
		&record.Status,
		&record.FileName,
		&record.FileSize,
		&fileType,
		&record.LocalFolder,
		&record.RemoteFolder,
		&record.RemoteAddress,
		&record.BytesTransferred,
		&record.PercentComplete,
		&record.RetryCounter,
		&record.RetryLimit,
		&lockout,
		&record.ResponseCode,
		&record.RemoteTransferID,
		&errMessage,
		&record.RequestedAt,
		&startedAt,
		&completedAt,
		&record.UpdatedAt,
	); err != nil {
		return nil, err
	}
	record.FileType = stringPtr(fileType)
	record.LockoutExpiresAt = int64Ptr(lockout)
	record.ErrorMessage = stringPtr(errMessage)
	record.StartedAt = int64Ptr(startedAt)
	record.CompletedAt = int64Ptr(completedAt)
	return &record, nil
}
