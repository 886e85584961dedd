package transfers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"

	"peerdrop/events"
	"peerdrop/models"
	"peerdrop/protocol"
)

const (
	// DefaultRetryLimit is how many stalled attempts a transfer gets.
	DefaultRetryLimit = 3
	// DefaultRetryLockout is how long retries are refused after the limit.
	DefaultRetryLockout = 10 * time.Minute
	// DefaultUpdateInterval is the minimum progress change between events.
	DefaultUpdateInterval = 0.0025
)

// Options configures a Handler.
type Options struct {
	Behavior       Behavior
	Store          *Store
	Clock          Clock
	Events         events.Publisher
	Logger         logrus.FieldLogger
	DefaultFolder  string
	RetryLimit     int
	RetryLockout   time.Duration
	UpdateInterval float64
}

// Handler drives the transfer state machine and owns its bookkeeping.
type Handler struct {
	behavior       Behavior
	store          *Store
	clock          Clock
	events         events.Publisher
	logger         logrus.FieldLogger
	defaultFolder  string
	retryLimit     int
	retryLockout   time.Duration
	updateInterval float64

	codeMu   sync.Mutex
	lastCode int64
}

// NewHandler fills option defaults.
func NewHandler(options Options) (*Handler, error) {
	if options.Behavior == nil {
		return nil, errors.New("transfers: behavior is required")
	}
	if options.Store == nil {
		options.Store = NewStore()
	}
	if options.Clock == nil {
		options.Clock = SystemClock{}
	}
	if options.Events == nil {
		options.Events = events.Discard
	}
	if options.Logger == nil {
		options.Logger = logrus.StandardLogger()
	}
	if options.RetryLimit <= 0 {
		options.RetryLimit = DefaultRetryLimit
	}
	if options.RetryLockout <= 0 {
		options.RetryLockout = DefaultRetryLockout
	}
	if options.UpdateInterval < 0 {
		options.UpdateInterval = 0
	}
	if options.UpdateInterval == 0 {
		options.UpdateInterval = DefaultUpdateInterval
	}

	return &Handler{
		behavior:       options.Behavior,
		store:          options.Store,
		clock:          options.Clock,
		events:         options.Events,
		logger:         options.Logger,
		defaultFolder:  options.DefaultFolder,
		retryLimit:     options.RetryLimit,
		retryLockout:   options.RetryLockout,
		updateInterval: options.UpdateInterval,
	}, nil
}

// Store exposes the transfer views.
func (h *Handler) Store() *Store {
	return h.store
}

// RetryLimit is the limit this node enforces on its outbound transfers.
func (h *Handler) RetryLimit() int {
	return h.retryLimit
}

func (h *Handler) log(t FileTransfer) *logrus.Entry {
	return h.logger.WithFields(logrus.Fields{
		"transfer_id": t.ID,
		"direction":   string(t.Direction),
		"file":        t.FileName,
		"status":      string(t.Status),
	})
}

func (h *Handler) publish(kind events.Kind, t FileTransfer, err error) {
	remote := t.RemoteServer
	h.events.Publish(events.Event{
		Kind:       kind,
		Time:       h.clock.Now(),
		TransferID: t.ID,
		Remote:     &remote,
		Text:       t.FileName,
		Folder:     t.LocalFolder,
		Progress:   t.PercentComplete,
		Bytes:      t.BytesTransferred(),
		Err:        err,
	})
}

func (h *Handler) nextResponseCode() int64 {
	h.codeMu.Lock()
	defer h.codeMu.Unlock()

	code := h.clock.Now().UnixNano()
	if code <= h.lastCode {
		code = h.lastCode + 1
	}
	h.lastCode = code
	return code
}

// InitializeFileTransfer assigns an ID and records t as Pending. Outbound
// transfers get a correlation code, this node's retry limit and a detected
// MIME type when those are unset.
func (h *Handler) InitializeFileTransfer(t FileTransfer) (FileTransfer, error) {
	t.ID = 0
	t.RequestedAt = h.clock.Now()
	t.resetProgress()
	if t.RetryCounter <= 0 {
		t.RetryCounter = 1
	}
	if t.Direction == Outbound {
		if t.TransferResponseCode == 0 {
			t.TransferResponseCode = h.nextResponseCode()
		}
		if t.RemoteServerRetryLimit <= 0 {
			t.RemoteServerRetryLimit = h.retryLimit
		}
		if t.FileType == "" {
			if mtype, err := mimetype.DetectFile(t.LocalFilePath()); err == nil {
				t.FileType = mtype.String()
			}
		}
	}

	stored, err := h.store.Add(t)
	if err != nil {
		return FileTransfer{}, err
	}
	h.log(stored).Debug("file transfer initialized")
	return stored, nil
}

// PrepareOutboundFileTransfer stats localPath and initializes an outbound
// transfer for it.
func (h *Handler) PrepareOutboundFileTransfer(localPath string, remote models.ServerInfo, remoteFolder string, initiator Initiator, remoteTransferID int) (FileTransfer, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return FileTransfer{}, fmt.Errorf("stat %q: %w", localPath, err)
	}
	if !info.Mode().IsRegular() {
		return FileTransfer{}, fmt.Errorf("transfers: %q is not a regular file", localPath)
	}

	return h.InitializeFileTransfer(FileTransfer{
		Direction:              Outbound,
		Initiator:              initiator,
		FileName:               info.Name(),
		FileSize:               info.Size(),
		LocalFolder:            filepath.Dir(localPath),
		RemoteFolder:           remoteFolder,
		RemoteServer:           remote,
		RemoteServerTransferID: remoteTransferID,
	})
}

// HandleInboundFileTransferRequest records a file offered by a peer. The
// offer either answers a GetFile this node made (msg.TransferID), repeats a
// known offer after a retry (same response code), or is new. An existing file
// of the same name at the destination rejects the offer with
// ErrFileAlreadyExists.
func (h *Handler) HandleInboundFileTransferRequest(msg *protocol.InboundFileTransferRequestMessage, remote models.ServerInfo) (FileTransfer, error) {
	fill := func(t *FileTransfer) {
		t.FileName = msg.FileName
		t.FileSize = msg.FileSize
		t.RemoteFolder = msg.RemoteFolder
		t.RemoteServer = remote
		t.TransferResponseCode = msg.ResponseCode
		t.RetryCounter = int(msg.RetryCounter)
		t.RemoteServerRetryLimit = int(msg.RetryLimit)
		if msg.LocalFolder != "" {
			t.LocalFolder = msg.LocalFolder
		}
		if t.LocalFolder == "" {
			t.LocalFolder = h.defaultFolder
		}
		t.resetProgress()
	}

	var (
		t   FileTransfer
		err error
	)
	switch existing, lookupErr := h.store.ByResponseCode(Inbound, msg.ResponseCode); {
	case msg.TransferID > 0:
		t, err = h.store.Update(int(msg.TransferID), func(t *FileTransfer) error {
			if t.Direction != Inbound || t.Initiator != InitiatorSelf || t.Status != StatusPending {
				return fmt.Errorf("%w: transfer %d is %s %s", ErrInvalidTransition, t.ID, t.Direction, t.Status)
			}
			fill(t)
			return nil
		})
	case lookupErr == nil:
		t, err = h.store.Update(existing.ID, func(t *FileTransfer) error {
			switch t.Status {
			case StatusPending, StatusStalled, StatusCancelled, StatusError, StatusRetryLimitExceeded:
			default:
				return fmt.Errorf("%w: retry offer for transfer %d in %s", ErrInvalidTransition, t.ID, t.Status)
			}
			fill(t)
			t.Status = StatusPending
			return nil
		})
	default:
		t, err = h.store.Add(FileTransfer{
			Direction:   Inbound,
			Initiator:   InitiatorRemoteServer,
			RequestedAt: h.clock.Now(),
		})
		if err == nil {
			t, err = h.store.Update(t.ID, func(t *FileTransfer) error {
				fill(t)
				return nil
			})
		}
	}
	if err != nil {
		return t, err
	}

	if _, statErr := os.Stat(t.LocalFilePath()); statErr == nil {
		t, _ = h.store.Update(t.ID, func(t *FileTransfer) error {
			if t.Status == StatusPending {
				t.Status = StatusRejected
				t.ErrorMessage = ErrFileAlreadyExists.Error()
			}
			return nil
		})
		h.log(t).Info("inbound file transfer rejected, file exists")
		h.publish(events.FileTransferRejected, t, ErrFileAlreadyExists)
		return t, fmt.Errorf("%w: %s", ErrFileAlreadyExists, t.LocalFilePath())
	}

	h.log(t).WithField("size", t.FileSize).Info("inbound file transfer requested")
	h.publish(events.InboundFileTransferRequested, t, nil)
	return t, nil
}

// AcceptInboundFileTransfer moves a pending inbound transfer through Accepted
// to InProgress and receives its bytes from r.
func (h *Handler) AcceptInboundFileTransfer(ctx context.Context, id int, r io.Reader, unread []byte) (FileTransfer, error) {
	t, err := h.store.Update(id, func(t *FileTransfer) error {
		if t.Direction != Inbound {
			return fmt.Errorf("%w: transfer %d is outbound", ErrInvalidTransition, t.ID)
		}
		return acceptPending(t)
	})
	if err != nil {
		return t, err
	}
	h.publish(events.FileTransferAccepted, t, nil)

	return h.execute(ctx, id, func(job *Job) (int64, error) {
		return h.behavior.ReceiveFile(ctx, r, job, unread)
	})
}

// HandleOutboundFileTransferAccepted starts sending the file the peer
// accepted. code is the correlation code this node generated.
func (h *Handler) HandleOutboundFileTransferAccepted(ctx context.Context, code int64, remoteTransferID int, w io.Writer) (FileTransfer, error) {
	existing, err := h.store.ByResponseCode(Outbound, code)
	if err != nil {
		return FileTransfer{}, err
	}

	t, err := h.store.Update(existing.ID, func(t *FileTransfer) error {
		if err := acceptPending(t); err != nil {
			return err
		}
		if remoteTransferID > 0 {
			t.RemoteServerTransferID = remoteTransferID
		}
		return nil
	})
	if err != nil {
		return t, err
	}
	h.publish(events.FileTransferAccepted, t, nil)

	return h.execute(ctx, t.ID, func(job *Job) (int64, error) {
		return h.behavior.SendFile(ctx, w, job)
	})
}

func acceptPending(t *FileTransfer) error {
	switch t.Status {
	case StatusPending:
		t.Status = StatusAccepted
		return nil
	case StatusAccepted:
		return nil
	default:
		return fmt.Errorf("%w: cannot accept transfer %d in %s", ErrInvalidTransition, t.ID, t.Status)
	}
}

func (h *Handler) execute(ctx context.Context, id int, move func(*Job) (int64, error)) (FileTransfer, error) {
	now := h.clock.Now()
	t, err := h.store.Update(id, func(t *FileTransfer) error {
		if t.Status != StatusAccepted {
			return fmt.Errorf("%w: cannot start transfer %d in %s", ErrInvalidTransition, t.ID, t.Status)
		}
		t.resetProgress()
		t.Status = StatusInProgress
		t.StartedAt = now
		t.LastProgressAt = now
		return nil
	})
	if err != nil {
		return t, err
	}
	h.log(t).WithField("size", t.FileSize).Info("file transfer started")
	h.publish(events.FileTransferStarted, t, nil)

	job := &Job{
		TransferID: id,
		Path:       t.LocalFilePath(),
		Size:       t.FileSize,
		report:     func(done int64) { h.reportProgress(id, done) },
		stalled: func() bool {
			current, err := h.store.Get(id)
			return err == nil && current.OutboundFileTransferStalled
		},
	}

	moved, moveErr := move(job)
	return h.finish(id, moved, moveErr)
}

func (h *Handler) reportProgress(id int, done int64) {
	publish := false
	t, err := h.store.Update(id, func(t *FileTransfer) error {
		if t.Direction == Inbound {
			t.TotalBytesReceived = done
		} else {
			t.CurrentBytesSent = done
		}
		t.BytesRemaining = t.FileSize - done
		if t.FileSize > 0 {
			t.PercentComplete = float64(done) / float64(t.FileSize)
		} else {
			t.PercentComplete = 1
		}
		t.LastProgressAt = h.clock.Now()

		delta := t.PercentComplete - t.reportedPercent
		if delta > h.updateInterval || (t.PercentComplete >= 1 && t.reportedPercent < 1) {
			t.reportedPercent = t.PercentComplete
			publish = true
		}
		return nil
	})
	if err == nil && publish {
		h.publish(events.FileTransferProgress, t, nil)
	}
}

func (h *Handler) finish(id int, moved int64, moveErr error) (FileTransfer, error) {
	now := h.clock.Now()
	var status Status
	changed := false
	t, err := h.store.Update(id, func(t *FileTransfer) error {
		// A stall notice or confirmation may already have moved it on.
		if t.Status != StatusInProgress {
			return nil
		}
		changed = true
		status = outcome(t.Direction, moveErr)
		t.Status = status
		if moveErr != nil {
			t.ErrorMessage = moveErr.Error()
		}
		if status == StatusConfirmedComplete || status == StatusTransferComplete {
			t.markComplete(now)
		}
		return nil
	})
	if err != nil {
		return t, err
	}
	if !changed {
		h.log(t).WithField("bytes", moved).Debug("file transfer already settled")
		return t, moveErr
	}

	entry := h.log(t).WithField("bytes", moved)
	switch status {
	case StatusConfirmedComplete, StatusTransferComplete:
		entry.Info("file transfer complete")
		h.publish(events.FileTransferCompleted, t, nil)
	case StatusStalled:
		entry.WithError(moveErr).Warn("file transfer stalled")
		h.publish(events.FileTransferStalled, t, moveErr)
	case StatusCancelled:
		entry.WithError(moveErr).Warn("file transfer cancelled")
		h.publish(events.FileTransferCancelled, t, moveErr)
	case StatusError:
		entry.WithError(moveErr).Error("file transfer failed")
		h.publish(events.FileTransferFailed, t, moveErr)
	}
	return t, moveErr
}

func outcome(direction Direction, err error) Status {
	switch {
	case err == nil && direction == Inbound:
		return StatusConfirmedComplete
	case err == nil:
		return StatusTransferComplete
	case errors.Is(err, ErrTransferIntegrity):
		return StatusStalled
	case errors.Is(err, ErrTransferStalled),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return StatusCancelled
	default:
		return StatusError
	}
}

// FailFileTransfer moves a transfer that has not settled to Error. It is used
// when a message the transfer depends on could not be delivered.
func (h *Handler) FailFileTransfer(id int, cause error) (FileTransfer, error) {
	changed := false
	t, err := h.store.Update(id, func(t *FileTransfer) error {
		switch t.Status {
		case StatusPending, StatusAccepted, StatusInProgress, StatusTransferComplete:
			t.Status = StatusError
			if cause != nil {
				t.ErrorMessage = cause.Error()
			}
			changed = true
		}
		return nil
	})
	if err == nil && changed {
		h.log(t).WithError(cause).Warn("file transfer failed")
		h.publish(events.FileTransferFailed, t, cause)
	}
	return t, err
}

// RejectPendingFileTransfer moves a pending transfer to Rejected. Rejecting
// an already rejected transfer is a no-op.
func (h *Handler) RejectPendingFileTransfer(id int) (FileTransfer, error) {
	changed := false
	t, err := h.store.Update(id, func(t *FileTransfer) error {
		switch t.Status {
		case StatusRejected:
			return nil
		case StatusPending:
			t.Status = StatusRejected
			changed = true
			return nil
		default:
			return fmt.Errorf("%w: cannot reject transfer %d in %s", ErrInvalidTransition, t.ID, t.Status)
		}
	})
	if err == nil && changed {
		h.log(t).Info("file transfer rejected")
		h.publish(events.FileTransferRejected, t, nil)
	}
	return t, err
}

// RejectInboundFileTransfer declines a file offered by a peer.
func (h *Handler) RejectInboundFileTransfer(id int) (FileTransfer, error) {
	t, err := h.store.Get(id)
	if err != nil {
		return t, err
	}
	if t.Direction != Inbound {
		return t, fmt.Errorf("%w: transfer %d is outbound", ErrInvalidTransition, id)
	}
	return h.RejectPendingFileTransfer(id)
}

// HandleFileTransferRejected records the peer declining an outbound offer.
func (h *Handler) HandleFileTransferRejected(code int64) (FileTransfer, error) {
	t, err := h.store.ByResponseCode(Outbound, code)
	if err != nil {
		return t, err
	}
	return h.RejectPendingFileTransfer(t.ID)
}

// HandleRequestedFileNotFound fails a GetFile the peer could not serve.
func (h *Handler) HandleRequestedFileNotFound(id int) (FileTransfer, error) {
	changed := false
	t, err := h.store.Update(id, func(t *FileTransfer) error {
		switch {
		case t.Status == StatusError:
			return nil
		case t.Direction != Inbound || t.Status != StatusPending:
			return fmt.Errorf("%w: transfer %d is %s %s", ErrInvalidTransition, t.ID, t.Direction, t.Status)
		}
		t.Status = StatusError
		t.ErrorMessage = "requested file not found on remote server"
		changed = true
		return nil
	})
	if err == nil && changed {
		h.log(t).Warn("requested file not found")
		h.publish(events.RequestedFileNotFound, t, nil)
	}
	return t, err
}

// HandleFileTransferStalled raises the stall flag on an outbound transfer.
// A running sender sees it at its next chunk boundary; otherwise the
// transfer moves straight to Stalled.
func (h *Handler) HandleFileTransferStalled(code int64) (FileTransfer, error) {
	existing, err := h.store.ByResponseCode(Outbound, code)
	if err != nil {
		return existing, err
	}

	changed := false
	t, err := h.store.Update(existing.ID, func(t *FileTransfer) error {
		switch t.Status {
		case StatusConfirmedComplete, StatusRejected, StatusRetryLimitExceeded, StatusStalled, StatusCancelled:
			return nil
		case StatusInProgress:
			changed = !t.OutboundFileTransferStalled
			t.OutboundFileTransferStalled = true
		default:
			t.OutboundFileTransferStalled = true
			t.Status = StatusStalled
			changed = true
		}
		return nil
	})
	if err == nil && changed {
		h.log(t).Warn("receiver reported file transfer stalled")
		h.publish(events.FileTransferStalled, t, ErrTransferStalled)
	}
	return t, err
}

// StallInboundFileTransfer marks an inbound transfer Stalled. It is a no-op
// when the transfer is already stalled.
func (h *Handler) StallInboundFileTransfer(id int) (FileTransfer, error) {
	changed := false
	t, err := h.store.Update(id, func(t *FileTransfer) error {
		if t.Direction != Inbound {
			return fmt.Errorf("%w: transfer %d is outbound", ErrInvalidTransition, t.ID)
		}
		switch t.Status {
		case StatusStalled:
			return nil
		case StatusAccepted, StatusInProgress:
			t.Status = StatusStalled
			t.ErrorMessage = ErrTransferStalled.Error()
			changed = true
			return nil
		default:
			return fmt.Errorf("%w: cannot stall transfer %d in %s", ErrInvalidTransition, t.ID, t.Status)
		}
	})
	if err == nil && changed {
		h.log(t).Warn("inbound file transfer stalled")
		h.publish(events.FileTransferStalled, t, nil)
	}
	return t, err
}

// HandleFileTransferComplete records the receiver confirming every byte.
func (h *Handler) HandleFileTransferComplete(code int64) (FileTransfer, error) {
	existing, err := h.store.ByResponseCode(Outbound, code)
	if err != nil {
		return existing, err
	}

	changed := false
	t, err := h.store.Update(existing.ID, func(t *FileTransfer) error {
		switch t.Status {
		case StatusConfirmedComplete:
			return nil
		case StatusTransferComplete, StatusInProgress:
			t.Status = StatusConfirmedComplete
			t.markComplete(h.clock.Now())
			changed = true
			return nil
		default:
			return fmt.Errorf("%w: cannot confirm transfer %d in %s", ErrInvalidTransition, t.ID, t.Status)
		}
	})
	if err == nil && changed {
		h.log(t).Info("receiver confirmed file transfer")
		h.publish(events.FileTransferCompleted, t, nil)
	}
	return t, err
}

// RetryStalledInboundFileTransfer applies the retry policy to an inbound
// transfer before this node asks the sender to try again.
func (h *Handler) RetryStalledInboundFileTransfer(id int) (FileTransfer, error) {
	t, err := h.store.Get(id)
	if err != nil {
		return t, err
	}
	if t.Direction != Inbound {
		return t, fmt.Errorf("%w: transfer %d is outbound", ErrInvalidTransition, id)
	}
	return h.retry(id)
}

// HandleRetryOutboundFileTransfer applies the retry policy to an outbound
// transfer the receiver asked to resend.
func (h *Handler) HandleRetryOutboundFileTransfer(code int64, remoteTransferID int) (FileTransfer, error) {
	existing, err := h.store.ByResponseCode(Outbound, code)
	if err != nil {
		return existing, err
	}
	if remoteTransferID > 0 {
		_, _ = h.store.Update(existing.ID, func(t *FileTransfer) error {
			t.RemoteServerTransferID = remoteTransferID
			return nil
		})
	}
	return h.retry(existing.ID)
}

// retry enforces the limit and lockout. A stalled transfer below the limit
// bumps RetryCounter and returns to Pending; at the limit it becomes
// RetryLimitExceeded and is locked out. Once the lockout expires a retry
// starts over with RetryCounter = 1.
func (h *Handler) retry(id int) (FileTransfer, error) {
	now := h.clock.Now()
	var policyErr error
	t, err := h.store.Update(id, func(t *FileTransfer) error {
		limit := t.RemoteServerRetryLimit
		if limit <= 0 {
			limit = h.retryLimit
		}

		switch t.Status {
		case StatusRetryLimitExceeded:
			if now.Before(t.RetryLockoutExpireTime) {
				policyErr = fmt.Errorf("%w: transfer %d until %s", ErrRetryLockout, t.ID, t.RetryLockoutExpireTime.Format(time.RFC3339))
				return nil
			}
			t.RetryCounter = 1
		case StatusStalled, StatusCancelled, StatusError:
			if t.RetryCounter >= limit {
				t.Status = StatusRetryLimitExceeded
				t.RetryLockoutExpireTime = now.Add(h.retryLockout)
				policyErr = fmt.Errorf("%w: transfer %d after %d attempts", ErrRetryLimitExceeded, t.ID, t.RetryCounter)
				return nil
			}
			t.RetryCounter++
		default:
			return fmt.Errorf("%w: cannot retry transfer %d in %s", ErrInvalidTransition, t.ID, t.Status)
		}

		t.resetProgress()
		t.RetryLockoutExpireTime = time.Time{}
		t.Status = StatusPending
		return nil
	})
	if err != nil {
		return t, err
	}

	switch {
	case errors.Is(policyErr, ErrRetryLimitExceeded):
		h.log(t).WithField("lockout_until", t.RetryLockoutExpireTime).Warn("file transfer retry limit exceeded")
		h.publish(events.RetryLimitExceeded, t, policyErr)
	case policyErr != nil:
		h.log(t).Debug("file transfer retry refused during lockout")
	default:
		h.log(t).WithField("attempt", t.RetryCounter).Info("file transfer retry scheduled")
		h.publish(events.FileTransferStatusChanged, t, nil)
	}
	return t, policyErr
}

// HandleRetryLimitExceeded records the sender refusing further retries.
func (h *Handler) HandleRetryLimitExceeded(msg *protocol.RetryLimitExceededMessage) (FileTransfer, error) {
	t, err := h.store.Update(int(msg.RemoteTransferID), func(t *FileTransfer) error {
		if t.Direction != Inbound {
			return fmt.Errorf("%w: transfer %d is outbound", ErrInvalidTransition, t.ID)
		}
		t.Status = StatusRetryLimitExceeded
		t.RetryLockoutExpireTime = msg.LockoutExpireTime()
		if msg.RetryLimit > 0 {
			t.RemoteServerRetryLimit = int(msg.RetryLimit)
		}
		return nil
	})
	if err != nil {
		return t, err
	}
	h.log(t).WithField("lockout_until", t.RetryLockoutExpireTime).Warn("sender refused retry")
	h.publish(events.RetryLimitExceeded, t, ErrRetryLimitExceeded)
	return t, nil
}
