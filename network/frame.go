package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"
)

const (
	// MaxFrameSize is the maximum accepted request frame size (10 MB).
	MaxFrameSize = 10 * 1024 * 1024
	// DefaultDialTimeout bounds each TCP connect.
	DefaultDialTimeout = 5 * time.Second
	// DefaultSendTimeout bounds each write of a request frame.
	DefaultSendTimeout = 10 * time.Second
	// DefaultReceiveTimeout bounds reading one request frame.
	DefaultReceiveTimeout = 10 * time.Second
	// DefaultReadBufferSize is the size of each socket read while framing.
	DefaultReadBufferSize = 8 * 1024
)

var (
	// ErrFrameTooLarge indicates a frame header above MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrEmptyFrame indicates a zero-length frame.
	ErrEmptyFrame = errors.New("network: empty frame")
)

// TransportError reports a failed dial, send or receive.
type TransportError struct {
	Op   string
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("network: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("network: %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the failure was a deadline expiry.
func (e *TransportError) Timeout() bool {
	var netErr net.Error
	if errors.As(e.Err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(e.Err, os.ErrDeadlineExceeded)
}

// WriteFrame writes a 4-byte little-endian length followed by payload.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	frame := make([]byte, 4, 4+len(payload))
	binary.LittleEndian.PutUint32(frame, uint32(len(payload)))
	frame = append(frame, payload...)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame with reads of up to bufferSize bytes. A read may
// run past the end of the frame; those bytes are returned as unread and belong
// to whatever the peer sent next on the stream.
func ReadFrame(r io.Reader, bufferSize int) (payload, unread []byte, err error) {
	if bufferSize <= 0 {
		bufferSize = DefaultReadBufferSize
	}

	chunk := make([]byte, bufferSize)
	buf := make([]byte, 0, bufferSize)
	length := -1
	var readErr error

	for {
		if length < 0 && len(buf) >= 4 {
			n := binary.LittleEndian.Uint32(buf[:4])
			if n > MaxFrameSize {
				return nil, nil, ErrFrameTooLarge
			}
			if n == 0 {
				return nil, nil, ErrEmptyFrame
			}
			length = int(n)
		}
		if length >= 0 && len(buf) >= 4+length {
			break
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) && len(buf) > 0 {
				readErr = io.ErrUnexpectedEOF
			}
			return nil, nil, fmt.Errorf("read frame: %w", readErr)
		}

		n, err := r.Read(chunk)
		buf = append(buf, chunk[:n]...)
		readErr = err
	}

	end := 4 + length
	payload = buf[4:end]
	if len(buf) > end {
		unread = append([]byte(nil), buf[end:]...)
	}
	return payload, unread, nil
}
