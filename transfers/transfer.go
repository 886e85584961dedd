package transfers

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"peerdrop/models"
)

// Status is the position of a FileTransfer in its state machine.
type Status string

const (
	StatusPending            Status = "pending"
	StatusAccepted           Status = "accepted"
	StatusInProgress         Status = "in_progress"
	StatusTransferComplete   Status = "transfer_complete"
	StatusConfirmedComplete  Status = "confirmed_complete"
	StatusStalled            Status = "stalled"
	StatusCancelled          Status = "cancelled"
	StatusError              Status = "error"
	StatusRejected           Status = "rejected"
	StatusRetryLimitExceeded Status = "retry_limit_exceeded"
)

// Settled reports whether no further progress happens without a retry or a
// new offer.
func (s Status) Settled() bool {
	switch s {
	case StatusConfirmedComplete, StatusStalled, StatusCancelled, StatusError, StatusRejected, StatusRetryLimitExceeded:
		return true
	default:
		return false
	}
}

// Direction is relative to this node.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Initiator records which node asked for the transfer.
type Initiator string

const (
	InitiatorSelf         Initiator = "self"
	InitiatorRemoteServer Initiator = "remote_server"
)

var (
	// ErrTransferNotFound indicates no transfer matches an ID or correlation code.
	ErrTransferNotFound = errors.New("transfers: transfer not found")
	// ErrInvalidTransition indicates the transfer is not in a state that allows the operation.
	ErrInvalidTransition = errors.New("transfers: invalid status transition")
	// ErrIDAlreadySet indicates an attempt to assign a second ID.
	ErrIDAlreadySet = errors.New("transfers: id already assigned")
	// ErrFileAlreadyExists indicates the destination already holds a file with that name.
	ErrFileAlreadyExists = errors.New("transfers: file already exists at destination")
	// ErrTransferStalled indicates the receiver reported a stall while bytes were being sent.
	ErrTransferStalled = errors.New("transfers: receiver reported transfer stalled")
	// ErrTransferIntegrity indicates fewer bytes arrived than the declared size.
	ErrTransferIntegrity = errors.New("transfers: received byte count short of file size")
	// ErrRetryLimitExceeded indicates the retry limit was reached and a lockout began.
	ErrRetryLimitExceeded = errors.New("transfers: retry limit exceeded")
	// ErrRetryLockout indicates a retry was attempted before the lockout expired.
	ErrRetryLockout = errors.New("transfers: retry locked out")
)

// TransferIntegrityError reports a receive that ended short of the declared size.
type TransferIntegrityError struct {
	Expected int64
	Received int64
}

func (e *TransferIntegrityError) Error() string {
	return fmt.Sprintf("transfers: received %d of %d bytes", e.Received, e.Expected)
}

func (e *TransferIntegrityError) Unwrap() error {
	return ErrTransferIntegrity
}

// ResourceContentionError reports a destination write that kept failing.
type ResourceContentionError struct {
	Path     string
	Attempts int
	Err      error
}

func (e *ResourceContentionError) Error() string {
	return fmt.Sprintf("transfers: write %q failed after %d attempts: %v", e.Path, e.Attempts, e.Err)
}

func (e *ResourceContentionError) Unwrap() error {
	return e.Err
}

// Clock supplies the current time; tests inject a fixed one.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// FileTransfer is one file moving in either direction.
type FileTransfer struct {
	ID        int
	Direction Direction
	Initiator Initiator
	Status    Status

	FileName     string
	FileSize     int64
	FileType     string
	LocalFolder  string
	RemoteFolder string
	RemoteServer models.ServerInfo

	TotalBytesReceived int64
	BytesRemaining     int64
	CurrentBytesSent   int64
	PercentComplete    float64

	RetryCounter           int
	RemoteServerRetryLimit int
	RetryLockoutExpireTime time.Time

	TransferResponseCode        int64
	RemoteServerTransferID      int
	OutboundFileTransferStalled bool
	ErrorMessage                string

	RequestedAt    time.Time
	StartedAt      time.Time
	CompletedAt    time.Time
	LastProgressAt time.Time

	reportedPercent float64
}

// SetID assigns the ID exactly once.
func (t *FileTransfer) SetID(id int) error {
	if t.ID != 0 {
		return fmt.Errorf("%w: transfer %d", ErrIDAlreadySet, t.ID)
	}
	if id <= 0 {
		return fmt.Errorf("transfers: invalid id %d", id)
	}
	t.ID = id
	return nil
}

// LocalFilePath is where the file is read from or written to on this node.
func (t *FileTransfer) LocalFilePath() string {
	return filepath.Join(t.LocalFolder, t.FileName)
}

// RemoteFilePath is the file location on the peer.
func (t *FileTransfer) RemoteFilePath() string {
	return filepath.Join(t.RemoteFolder, t.FileName)
}

// BytesTransferred returns the direction-appropriate byte counter.
func (t *FileTransfer) BytesTransferred() int64 {
	if t.Direction == Inbound {
		return t.TotalBytesReceived
	}
	return t.CurrentBytesSent
}

// LockedOut reports whether retries are refused at now.
func (t *FileTransfer) LockedOut(now time.Time) bool {
	return t.Status == StatusRetryLimitExceeded && now.Before(t.RetryLockoutExpireTime)
}

func (t *FileTransfer) resetProgress() {
	t.TotalBytesReceived = 0
	t.CurrentBytesSent = 0
	t.BytesRemaining = t.FileSize
	t.PercentComplete = 0
	t.reportedPercent = 0
	t.OutboundFileTransferStalled = false
	t.ErrorMessage = ""
	t.StartedAt = time.Time{}
	t.CompletedAt = time.Time{}
}

// markComplete settles progress. An empty file never reports any bytes, so
// the percentage is set here rather than left to the progress callback.
func (t *FileTransfer) markComplete(now time.Time) {
	t.BytesRemaining = 0
	t.PercentComplete = 1
	t.CompletedAt = now
}

func (t *FileTransfer) String() string {
	return fmt.Sprintf("transfer %d %s %q [%s]", t.ID, t.Direction, t.FileName, t.Status)
}
