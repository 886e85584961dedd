package storage

import (
	"database/sql"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

// RequestRecord is the SQLite representation of one archived request.
type RequestRecord struct {
	SessionID     string
	ID            int
	Timestamp     int64
	Type          string
	Status        string
	Direction     string
	RemoteAddress string
	RemoteName    string
	Body          *string
	Error         *string
	UpdatedAt     int64
}

// TransferRecord is the SQLite representation of one archived file transfer.
type TransferRecord struct {
	SessionID        string
	ID               int
	Direction        string
	Initiator        string
	Status           string
	FileName         string
	FileSize         int64
	FileType         *string
	LocalFolder      string
	RemoteFolder     string
	RemoteAddress    string
	BytesTransferred int64
	PercentComplete  float64
	RetryCounter     int
	RetryLimit       int
	LockoutExpiresAt *int64
	ResponseCode     int64
	RemoteTransferID int
	ErrorMessage     *string
	RequestedAt      int64
	StartedAt        *int64
	CompletedAt      *int64
	UpdatedAt        int64
}

// Peer is a node seen on the LAN by discovery.
type Peer struct {
	DeviceID       string
	DeviceName     string
	Address        string
	Port           int
	Platform       string
	TransferFolder string
	FirstSeen      int64
	LastSeen       int64
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

// optionalString maps "" to NULL.
func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// optionalTime maps the zero time to NULL and anything else to unix millis.
func optionalTime(t time.Time) *int64 {
	if t.IsZero() {
		return nil
	}
	v := t.UnixMilli()
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
