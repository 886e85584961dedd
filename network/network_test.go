package network

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/nettest"

	"peerdrop/protocol"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := protocol.Encode(&protocol.ChatMessage{Text: "hi"})

	var buffer bytes.Buffer
	require.NoError(t, WriteFrame(&buffer, payload))
	assert.Equal(t, uint32(len(payload)), binary.LittleEndian.Uint32(buffer.Bytes()[:4]))

	got, unread, err := ReadFrame(&buffer, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Empty(t, unread)
}

func TestReadFrameReturnsSurplusAsUnread(t *testing.T) {
	payload := protocol.Encode(&protocol.TransferResponseMessage{Kind: protocol.FileTransferAccepted, ResponseCode: 5})
	fileBytes := []byte("first chunk of file data")

	var buffer bytes.Buffer
	require.NoError(t, WriteFrame(&buffer, payload))
	buffer.Write(fileBytes)

	got, unread, err := ReadFrame(&buffer, 4096)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, fileBytes, unread)
}

func TestReadFrameHandlesSplitReads(t *testing.T) {
	payload := protocol.Encode(&protocol.ChatMessage{Text: "split across many reads"})

	var buffer bytes.Buffer
	require.NoError(t, WriteFrame(&buffer, payload))
	buffer.WriteString("xyz")

	got, unread, err := ReadFrame(iotest.OneByteReader(&buffer), 3)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	// One-byte reads never overrun the frame.
	assert.Empty(t, unread)
}

func TestReadFrameSmallBufferStillCollectsOverrun(t *testing.T) {
	payload := []byte{byte(protocol.ShutdownServerCommand), 0, 0, 0, 0, 0, 0, 0, 0}

	var buffer bytes.Buffer
	require.NoError(t, WriteFrame(&buffer, payload))
	buffer.WriteString("ab")

	// 13 bytes of frame read in chunks of 5 leaves 2 surplus bytes in the last read.
	got, unread, err := ReadFrame(&buffer, 5)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, []byte("ab"), unread)
}

func TestReadFrameErrors(t *testing.T) {
	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, MaxFrameSize+1)
	_, _, err := ReadFrame(bytes.NewReader(header), 0)
	require.ErrorIs(t, err, ErrFrameTooLarge)

	_, _, err = ReadFrame(bytes.NewReader([]byte{0, 0, 0, 0}), 0)
	require.ErrorIs(t, err, ErrEmptyFrame)

	_, _, err = ReadFrame(bytes.NewReader([]byte{10, 0, 0, 0, 1, 2}), 0)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, _, err = ReadFrame(bytes.NewReader(nil), 0)
	require.ErrorIs(t, err, io.EOF)
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	var buffer bytes.Buffer
	err := WriteFrame(&buffer, make([]byte, MaxFrameSize+1))
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestSendAndReceiveClosesConnection(t *testing.T) {
	listener, err := nettest.NewLocalListener("tcp")
	require.NoError(t, err)
	defer listener.Close()

	received := make(chan *Received, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		msg, err := RequestReceiver{Timeout: time.Second}.Receive(context.Background(), conn)
		if err == nil {
			received <- msg
		}
		close(received)
	}()

	msg := &protocol.ChatMessage{Origin: protocol.Origin{IP: "127.0.0.1", Port: 1}, Text: "ping"}
	conn, err := RequestSender{}.Send(context.Background(), listener.Addr().String(), msg)
	require.NoError(t, err)
	assert.Nil(t, conn)

	select {
	case got := <-received:
		require.NotNil(t, got)
		assert.Equal(t, msg, got.Message)
		assert.Equal(t, "127.0.0.1", got.RemoteIP())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for request")
	}
}

func TestSendAcceptedKeepsConnectionOpen(t *testing.T) {
	listener, err := nettest.NewLocalListener("tcp")
	require.NoError(t, err)
	defer listener.Close()

	streamed := []byte("file bytes follow the accept")
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if _, err := (RequestReceiver{}).Receive(context.Background(), conn); err != nil {
			return
		}
		_, _ = conn.Write(streamed)
	}()

	accept := &protocol.TransferResponseMessage{Kind: protocol.FileTransferAccepted, ResponseCode: 1}
	conn, err := RequestSender{}.Send(context.Background(), listener.Addr().String(), accept)
	require.NoError(t, err)
	require.NotNil(t, conn)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	got, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, streamed, got)
}

func TestReceiveReportsProtocolError(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		_ = WriteFrame(client, []byte{200, 1, 2, 3})
	}()

	_, err := RequestReceiver{Timeout: time.Second}.Receive(context.Background(), server)
	require.ErrorIs(t, err, protocol.ErrUnknownRequestType)
}

func TestReceiveTimeoutIsTransportError(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	_, err := RequestReceiver{Timeout: 30 * time.Millisecond}.Receive(context.Background(), server)
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.True(t, transportErr.Timeout())
}

func TestReceiveObservesContextCancellation(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := RequestReceiver{Timeout: 5 * time.Second}.Receive(ctx, server)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSendDialFailureIsTransportError(t *testing.T) {
	listener, err := nettest.NewLocalListener("tcp")
	require.NoError(t, err)
	address := listener.Addr().String()
	require.NoError(t, listener.Close())

	_, err = RequestSender{DialTimeout: 500 * time.Millisecond}.Send(context.Background(), address, &protocol.ShutdownServerCommandMessage{})
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, "dial", transportErr.Op)
}

func TestListenerDeliversConnections(t *testing.T) {
	l, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	require.NotZero(t, l.Port())

	conn, err := net.DialTimeout("tcp", l.Addr().String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	select {
	case accepted := <-l.Conns():
		require.NotNil(t, accepted)
		_ = accepted.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("no connection delivered")
	}

	require.NoError(t, l.Close())
	_, open := <-l.Conns()
	assert.False(t, open)
	assert.NoError(t, l.Close())
}

func TestTransportErrorUnwraps(t *testing.T) {
	base := errors.New("boom")
	err := &TransportError{Op: "send", Addr: "x", Err: base}
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "network: send x: boom", err.Error())
	assert.False(t, err.Timeout())
}
