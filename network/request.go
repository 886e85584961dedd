package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"peerdrop/protocol"
)

// Received is one decoded request plus any bytes read past its frame.
type Received struct {
	Message    protocol.Message
	Unread     []byte
	RemoteAddr net.Addr
}

// RemoteIP returns the IP the connection arrived from.
func (r *Received) RemoteIP() string {
	if r == nil || r.RemoteAddr == nil {
		return ""
	}
	if tcp, ok := r.RemoteAddr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr.String())
	if err != nil {
		return ""
	}
	return host
}

// RequestReceiver reads one length-prefixed request off a connection.
type RequestReceiver struct {
	BufferSize int
	Timeout    time.Duration
}

// Receive reads and decodes a single request. Transport failures come back
// as *TransportError and undecodable payloads as *protocol.ProtocolError.
func (r RequestReceiver) Receive(ctx context.Context, conn net.Conn) (*Received, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultReceiveTimeout
	}
	addr := conn.RemoteAddr()

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, &TransportError{Op: "receive", Addr: addrString(addr), Err: err}
	}
	defer func() {
		_ = conn.SetReadDeadline(time.Time{})
	}()
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	payload, unread, err := ReadFrame(conn, r.BufferSize)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, ErrFrameTooLarge) || errors.Is(err, ErrEmptyFrame) {
			return nil, err
		}
		return nil, &TransportError{Op: "receive", Addr: addrString(addr), Err: err}
	}

	msg, err := protocol.Decode(payload)
	if err != nil {
		return nil, err
	}

	return &Received{Message: msg, Unread: unread, RemoteAddr: addr}, nil
}

// RequestSender dials a peer and writes one request frame.
type RequestSender struct {
	DialTimeout time.Duration
	SendTimeout time.Duration
}

// KeepsConnectionOpen reports whether the socket stays open after sending t.
// The peer streams file bytes back on the connection that carried the accept.
func KeepsConnectionOpen(t protocol.RequestType) bool {
	return t == protocol.FileTransferAccepted
}

// Send encodes msg and delivers it to address. For FileTransferAccepted the
// open connection is returned and owned by the caller; otherwise it is closed
// and the returned conn is nil.
func (s RequestSender) Send(ctx context.Context, address string, msg protocol.Message) (net.Conn, error) {
	dialTimeout := s.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	sendTimeout := s.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}

	payload := protocol.Encode(msg)

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, &TransportError{Op: "dial", Addr: address, Err: err}
	}

	if err := conn.SetWriteDeadline(time.Now().Add(sendTimeout)); err != nil {
		_ = conn.Close()
		return nil, &TransportError{Op: "send", Addr: address, Err: err}
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetWriteDeadline(time.Now())
	})
	err = WriteFrame(conn, payload)
	stop()
	if err != nil {
		_ = conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &TransportError{Op: "send", Addr: address, Err: err}
	}

	if !KeepsConnectionOpen(msg.Type()) {
		if err := conn.Close(); err != nil {
			return nil, &TransportError{Op: "close", Addr: address, Err: err}
		}
		return nil, nil
	}

	if err := conn.SetWriteDeadline(time.Time{}); err != nil {
		_ = conn.Close()
		return nil, &TransportError{Op: "send", Addr: address, Err: fmt.Errorf("clear deadline: %w", err)}
	}
	return conn, nil
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
