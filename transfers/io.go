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

	"github.com/cenkalti/backoff"

	"peerdrop/network"
)

const (
	// DefaultBufferSize is the chunk size for file I/O.
	DefaultBufferSize = 256 * 1024
	// DefaultStallTimeout is how long a receive waits for the next byte.
	DefaultStallTimeout = 10 * time.Second
	// DefaultWriteAttempts bounds retries of one destination write.
	DefaultWriteAttempts = 5
	// DefaultWriteRetryDelay is the pause between write attempts.
	DefaultWriteRetryDelay = 200 * time.Millisecond
)

// Job is the unit of work handed to a Behavior. Report and Stalled connect
// the byte loop back to the transfer's bookkeeping.
type Job struct {
	TransferID int
	Path       string
	Size       int64

	report  func(done int64)
	stalled func() bool
}

// Report records the running byte count.
func (j *Job) Report(done int64) {
	if j.report != nil {
		j.report(done)
	}
}

// Stalled reports whether the peer has signalled a stall.
func (j *Job) Stalled() bool {
	return j.stalled != nil && j.stalled()
}

// Behavior moves file bytes for a transfer that is already in progress.
type Behavior interface {
	SendFile(ctx context.Context, w io.Writer, job *Job) (int64, error)
	ReceiveFile(ctx context.Context, r io.Reader, job *Job, unread []byte) (int64, error)
}

// Engine is the production Behavior.
type Engine struct {
	*FileSender
	*FileReceiver
}

// NewEngine pairs a sender and a receiver.
func NewEngine(sender *FileSender, receiver *FileReceiver) *Engine {
	return &Engine{FileSender: sender, FileReceiver: receiver}
}

type writeDeadliner interface {
	SetWriteDeadline(time.Time) error
}

type readDeadliner interface {
	SetReadDeadline(time.Time) error
}

// FileSender streams a local file in fixed-size chunks.
type FileSender struct {
	BufferSize  int
	SendTimeout time.Duration
}

func (s *FileSender) bufferSize() int {
	if s.BufferSize <= 0 {
		return DefaultBufferSize
	}
	return s.BufferSize
}

// SendFile writes job.Size bytes of job.Path to w in chunks of
// min(BufferSize, remaining). After every chunk it checks for a stall notice
// and for cancellation; both end the loop without touching the socket again.
func (s *FileSender) SendFile(ctx context.Context, w io.Writer, job *Job) (int64, error) {
	file, err := os.Open(job.Path)
	if err != nil {
		return 0, fmt.Errorf("open %q: %w", job.Path, err)
	}
	defer file.Close()

	chunk := make([]byte, s.bufferSize())
	deadliner, hasDeadline := w.(writeDeadliner)
	if hasDeadline && s.SendTimeout > 0 {
		defer func() {
			_ = deadliner.SetWriteDeadline(time.Time{})
		}()
	}

	var sent int64
	remaining := job.Size
	for remaining > 0 {
		n := int64(len(chunk))
		if remaining < n {
			n = remaining
		}
		if _, err := io.ReadFull(file, chunk[:n]); err != nil {
			return sent, fmt.Errorf("read %q at offset %d: %w", job.Path, sent, err)
		}

		if hasDeadline && s.SendTimeout > 0 {
			if err := deadliner.SetWriteDeadline(time.Now().Add(s.SendTimeout)); err != nil {
				return sent, &network.TransportError{Op: "send", Err: err}
			}
		}
		if _, err := w.Write(chunk[:n]); err != nil {
			return sent, &network.TransportError{Op: "send", Err: err}
		}

		remaining -= n
		sent += n
		job.Report(sent)

		if job.Stalled() {
			return sent, ErrTransferStalled
		}
		if err := ctx.Err(); err != nil {
			return sent, err
		}
	}

	return sent, nil
}

// FileReceiver writes an incoming byte stream to disk.
type FileReceiver struct {
	BufferSize      int
	StallTimeout    time.Duration
	WriteAttempts   int
	WriteRetryDelay time.Duration

	// fileMu serializes destination writes independently of any list lock.
	fileMu sync.Mutex
}

func (r *FileReceiver) bufferSize() int {
	if r.BufferSize <= 0 {
		return DefaultBufferSize
	}
	return r.BufferSize
}

func (r *FileReceiver) stallTimeout() time.Duration {
	if r.StallTimeout <= 0 {
		return DefaultStallTimeout
	}
	return r.StallTimeout
}

// ReceiveFile writes unread first, then reads until job.Size bytes arrived,
// the peer closes its side, a read waits longer than StallTimeout, or ctx is
// cancelled. A short total returns *TransferIntegrityError; the partial file
// stays on disk.
func (r *FileReceiver) ReceiveFile(ctx context.Context, conn io.Reader, job *Job, unread []byte) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(job.Path), 0o755); err != nil {
		return 0, fmt.Errorf("create destination folder: %w", err)
	}
	file, err := os.OpenFile(job.Path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open %q: %w", job.Path, err)
	}
	defer file.Close()

	var total int64
	if len(unread) > 0 {
		if int64(len(unread)) > job.Size {
			unread = unread[:job.Size]
		}
		if err := r.write(file, job.Path, unread); err != nil {
			return 0, err
		}
		total = int64(len(unread))
		job.Report(total)
	}

	deadliner, hasDeadline := conn.(readDeadliner)
	if hasDeadline {
		stop := context.AfterFunc(ctx, func() {
			_ = deadliner.SetReadDeadline(time.Now())
		})
		defer stop()
		defer func() {
			_ = deadliner.SetReadDeadline(time.Time{})
		}()
	}

	buf := make([]byte, r.bufferSize())
	for total < job.Size {
		if hasDeadline {
			if err := deadliner.SetReadDeadline(time.Now().Add(r.stallTimeout())); err != nil {
				return total, &network.TransportError{Op: "receive", Err: err}
			}
		}
		// The deadline must be armed before this check; a later cancel then
		// lands on the pending read.
		if err := ctx.Err(); err != nil {
			return total, err
		}

		want := int64(len(buf))
		if left := job.Size - total; left < want {
			want = left
		}
		n, readErr := conn.Read(buf[:want])
		if n > 0 {
			if err := r.write(file, job.Path, buf[:n]); err != nil {
				return total, err
			}
			total += int64(n)
			job.Report(total)
		}

		if readErr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return total, ctxErr
			}
			if errors.Is(readErr, io.EOF) || isTimeout(readErr) {
				break
			}
			return total, &network.TransportError{Op: "receive", Err: readErr}
		}
		if n == 0 {
			break
		}
	}

	if total < job.Size {
		return total, &TransferIntegrityError{Expected: job.Size, Received: total}
	}
	return total, nil
}

func (r *FileReceiver) write(w io.Writer, path string, p []byte) error {
	r.fileMu.Lock()
	defer r.fileMu.Unlock()

	attempts := r.WriteAttempts
	if attempts <= 0 {
		attempts = DefaultWriteAttempts
	}
	delay := r.WriteRetryDelay
	if delay <= 0 {
		delay = DefaultWriteRetryDelay
	}

	if err := WriteWithRetry(w, p, attempts, delay); err != nil {
		return &ResourceContentionError{Path: path, Attempts: attempts, Err: err}
	}
	return nil
}

// WriteWithRetry writes all of p, retrying failed or short writes up to
// attempts times in total with a constant delay between tries. Bytes already
// written are not written again.
func WriteWithRetry(w io.Writer, p []byte, attempts int, delay time.Duration) error {
	if attempts <= 0 {
		attempts = 1
	}

	written := 0
	operation := func() error {
		n, err := w.Write(p[written:])
		written += n
		if err != nil {
			return err
		}
		if written < len(p) {
			return io.ErrShortWrite
		}
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(attempts-1))
	return backoff.Retry(operation, policy)
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var timeout interface{ Timeout() bool }
	return errors.As(err, &timeout) && timeout.Timeout()
}
