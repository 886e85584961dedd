package transfers

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerdrop/events"
	"peerdrop/models"
	"peerdrop/protocol"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(event events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) kinds(kind events.Kind) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, event := range p.events {
		if event.Kind == kind {
			out = append(out, event)
		}
	}
	return out
}

// stallingBehavior reports every receive as short.
type stallingBehavior struct{}

func (stallingBehavior) SendFile(context.Context, io.Writer, *Job) (int64, error) {
	return 0, errors.New("not used")
}

func (stallingBehavior) ReceiveFile(_ context.Context, _ io.Reader, job *Job, _ []byte) (int64, error) {
	return 0, &TransferIntegrityError{Expected: job.Size, Received: 0}
}

type countingWriter struct {
	bytes.Buffer
	writes int
	onSend func(n int)
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.writes++
	n, err := w.Buffer.Write(p)
	if w.onSend != nil {
		w.onSend(w.writes)
	}
	return n, err
}

type flakyWriter struct {
	failures int
	calls    int
	buf      bytes.Buffer
}

func (w *flakyWriter) Write(p []byte) (int, error) {
	w.calls++
	if w.calls <= w.failures {
		return 0, errors.New("sharing violation")
	}
	return w.buf.Write(p)
}

func newTestHandler(t *testing.T, behavior Behavior, folder string) (*Handler, *fakeClock, *recordingPublisher) {
	t.Helper()
	clock := newFakeClock()
	pub := &recordingPublisher{}
	h, err := NewHandler(Options{
		Behavior:      behavior,
		Clock:         clock,
		Events:        pub,
		DefaultFolder: folder,
		RetryLockout:  5 * time.Minute,
	})
	require.NoError(t, err)
	return h, clock, pub
}

func testEngine() *Engine {
	return NewEngine(
		&FileSender{BufferSize: 1024},
		&FileReceiver{BufferSize: 1024, StallTimeout: 100 * time.Millisecond, WriteRetryDelay: time.Millisecond},
	)
}

func peer() models.ServerInfo {
	return models.ServerInfo{SessionIP: "10.0.0.2", Port: 8022, Name: "peer"}
}

func offer(code int64, name string, size int64) *protocol.InboundFileTransferRequestMessage {
	return &protocol.InboundFileTransferRequestMessage{
		ResponseCode: code,
		RetryCounter: 1,
		RetryLimit:   3,
		FileName:     name,
		RemoteFolder: "/remote",
		FileSize:     size,
		RemoteIP:     "10.0.0.2",
		RemotePort:   8022,
	}
}

func writeFile(t *testing.T, dir, name string, size int) string {
	t.Helper()
	data := bytes.Repeat([]byte("peerdrop!"), size/9+1)[:size]
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestNewHandlerRequiresBehavior(t *testing.T) {
	_, err := NewHandler(Options{})
	require.Error(t, err)
}

func TestInboundOfferRejectIsIdempotent(t *testing.T) {
	h, _, pub := newTestHandler(t, stallingBehavior{}, t.TempDir())

	offered, err := h.HandleInboundFileTransferRequest(offer(42, "a.txt", 10), peer())
	require.NoError(t, err)
	assert.Equal(t, StatusPending, offered.Status)
	assert.Equal(t, InitiatorRemoteServer, offered.Initiator)
	require.Len(t, pub.kinds(events.InboundFileTransferRequested), 1)

	_, err = h.RejectInboundFileTransfer(offered.ID)
	require.NoError(t, err)
	again, err := h.RejectInboundFileTransfer(offered.ID)
	require.NoError(t, err)

	assert.Equal(t, StatusRejected, again.Status)
	assert.Len(t, h.Store().Rejected(), 1)
	assert.Empty(t, h.Store().Pending())
	assert.Len(t, pub.kinds(events.FileTransferRejected), 1)
}

func TestInboundOfferRejectedWhenFileExists(t *testing.T) {
	folder := t.TempDir()
	writeFile(t, folder, "exists.bin", 4)
	h, _, _ := newTestHandler(t, stallingBehavior{}, folder)

	got, err := h.HandleInboundFileTransferRequest(offer(7, "exists.bin", 4), peer())
	require.ErrorIs(t, err, ErrFileAlreadyExists)
	assert.Equal(t, StatusRejected, got.Status)
	assert.Len(t, h.Store().Rejected(), 1)
}

func TestInboundOfferFillsRequestedTransfer(t *testing.T) {
	folder := t.TempDir()
	h, _, _ := newTestHandler(t, stallingBehavior{}, folder)

	requested, err := h.InitializeFileTransfer(FileTransfer{
		Direction:    Inbound,
		Initiator:    InitiatorSelf,
		FileName:     "report.pdf",
		RemoteFolder: "/remote",
		LocalFolder:  folder,
	})
	require.NoError(t, err)

	msg := offer(99, "report.pdf", 2048)
	msg.TransferID = int32(requested.ID)
	filled, err := h.HandleInboundFileTransferRequest(msg, peer())
	require.NoError(t, err)

	assert.Equal(t, requested.ID, filled.ID)
	assert.Equal(t, InitiatorSelf, filled.Initiator)
	assert.Equal(t, int64(2048), filled.FileSize)
	assert.Equal(t, int64(99), filled.TransferResponseCode)
	assert.Len(t, h.Store().All(), 1)
}

func TestRetryLimitLockoutAndExpiry(t *testing.T) {
	h, clock, pub := newTestHandler(t, stallingBehavior{}, t.TempDir())

	offered, err := h.HandleInboundFileTransferRequest(offer(5, "big.iso", 100), peer())
	require.NoError(t, err)
	id := offered.ID

	for attempt := 1; attempt <= 3; attempt++ {
		got, err := h.AcceptInboundFileTransfer(context.Background(), id, bytes.NewReader(nil), nil)
		require.ErrorIs(t, err, ErrTransferIntegrity)
		require.Equal(t, StatusStalled, got.Status)
		require.Equal(t, attempt, got.RetryCounter)

		got, err = h.RetryStalledInboundFileTransfer(id)
		if attempt < 3 {
			require.NoError(t, err)
			assert.Equal(t, StatusPending, got.Status)
			assert.Equal(t, attempt+1, got.RetryCounter)
			continue
		}
		require.ErrorIs(t, err, ErrRetryLimitExceeded)
		assert.Equal(t, StatusRetryLimitExceeded, got.Status)
		assert.Equal(t, clock.Now().Add(5*time.Minute), got.RetryLockoutExpireTime)
	}
	require.Len(t, pub.kinds(events.RetryLimitExceeded), 1)

	clock.Advance(4 * time.Minute)
	got, err := h.RetryStalledInboundFileTransfer(id)
	require.ErrorIs(t, err, ErrRetryLockout)
	assert.True(t, got.LockedOut(clock.Now()))
	assert.Len(t, h.Store().Stalled(), 1)

	clock.Advance(2 * time.Minute)
	got, err = h.RetryStalledInboundFileTransfer(id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCounter)
	assert.True(t, got.RetryLockoutExpireTime.IsZero())
}

func TestOutboundRetryUsesOwnLimit(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.txt", 10)
	h, _, _ := newTestHandler(t, stallingBehavior{}, dir)

	out, err := h.PrepareOutboundFileTransfer(path, peer(), "/incoming", InitiatorSelf, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultRetryLimit, out.RemoteServerRetryLimit)
	assert.Equal(t, 1, out.RetryCounter)

	_, err = h.HandleFileTransferStalled(out.TransferResponseCode)
	require.NoError(t, err)

	got, err := h.HandleRetryOutboundFileTransfer(out.TransferResponseCode, 12)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RetryCounter)
	assert.Equal(t, 12, got.RemoteServerTransferID)
	assert.False(t, got.OutboundFileTransferStalled)

	_, err = h.HandleRetryOutboundFileTransfer(out.TransferResponseCode, 12)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestHandleRetryLimitExceededLocksInbound(t *testing.T) {
	h, clock, _ := newTestHandler(t, stallingBehavior{}, t.TempDir())
	offered, err := h.HandleInboundFileTransferRequest(offer(3, "f", 1), peer())
	require.NoError(t, err)

	expire := clock.Now().Add(time.Hour)
	got, err := h.HandleRetryLimitExceeded(&protocol.RetryLimitExceededMessage{
		RemoteTransferID:      int32(offered.ID),
		RetryLimit:            2,
		LockoutExpireUnixNano: expire.UnixNano(),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusRetryLimitExceeded, got.Status)
	assert.Equal(t, 2, got.RemoteServerRetryLimit)
	assert.True(t, got.RetryLockoutExpireTime.Equal(expire))
}

func TestSendFileWritesCeilChunks(t *testing.T) {
	dir := t.TempDir()
	size := 10*1024 + 1
	path := writeFile(t, dir, "chunks.bin", size)

	sender := &FileSender{BufferSize: 1024}
	w := &countingWriter{}
	var reports []int64
	job := &Job{Path: path, Size: int64(size), report: func(done int64) { reports = append(reports, done) }}

	sent, err := sender.SendFile(context.Background(), w, job)
	require.NoError(t, err)
	assert.Equal(t, int64(size), sent)
	assert.Equal(t, 11, w.writes)
	assert.Len(t, reports, 11)
	assert.Equal(t, int64(size), reports[len(reports)-1])

	want, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, want, w.Bytes())
}

func TestReceiveFileWritesUnreadFirst(t *testing.T) {
	dir := t.TempDir()
	payload := []byte("unread-prefix|streamed-remainder")
	receiver := &FileReceiver{BufferSize: 4}
	job := &Job{Path: filepath.Join(dir, "nested", "out.txt"), Size: int64(len(payload))}

	got, err := receiver.ReceiveFile(context.Background(), bytes.NewReader(payload[14:]), job, payload[:14])
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), got)

	written, err := os.ReadFile(job.Path)
	require.NoError(t, err)
	assert.Equal(t, payload, written)
}

func TestReceiveFileTimesOutOnSilentPeer(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		_, _ = client.Write([]byte("abc"))
	}()

	receiver := &FileReceiver{StallTimeout: 50 * time.Millisecond}
	job := &Job{Path: filepath.Join(t.TempDir(), "partial.bin"), Size: 10}

	got, err := receiver.ReceiveFile(context.Background(), server, job, nil)
	var integrity *TransferIntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.Equal(t, int64(3), got)
	assert.Equal(t, int64(10), integrity.Expected)
	assert.Equal(t, int64(3), integrity.Received)
}

func TestShortStreamStallsInboundTransfer(t *testing.T) {
	folder := t.TempDir()
	h, _, pub := newTestHandler(t, testEngine(), folder)

	offered, err := h.HandleInboundFileTransferRequest(offer(11, "short.bin", 64), peer())
	require.NoError(t, err)

	got, err := h.AcceptInboundFileTransfer(context.Background(), offered.ID, bytes.NewReader(make([]byte, 40)), nil)
	require.ErrorIs(t, err, ErrTransferIntegrity)
	assert.Equal(t, StatusStalled, got.Status)
	assert.Equal(t, int64(40), got.TotalBytesReceived)
	assert.Len(t, h.Store().Stalled(), 1)
	assert.Len(t, pub.kinds(events.FileTransferStalled), 1)
}

func TestInboundTransferCompletes(t *testing.T) {
	folder := t.TempDir()
	h, _, pub := newTestHandler(t, testEngine(), folder)
	payload := bytes.Repeat([]byte{0xAB}, 3000)

	offered, err := h.HandleInboundFileTransferRequest(offer(12, "ok.bin", int64(len(payload))), peer())
	require.NoError(t, err)

	got, err := h.AcceptInboundFileTransfer(context.Background(), offered.ID, bytes.NewReader(payload), nil)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmedComplete, got.Status)
	assert.Equal(t, int64(len(payload)), got.TotalBytesReceived)
	assert.Equal(t, int64(0), got.BytesRemaining)
	assert.Equal(t, 1.0, got.PercentComplete)
	assert.Len(t, h.Store().Received(), 1)
	assert.Len(t, pub.kinds(events.FileTransferCompleted), 1)

	written, err := os.ReadFile(filepath.Join(folder, "ok.bin"))
	require.NoError(t, err)
	assert.Equal(t, payload, written)
}

func TestOutboundTransferCompletesAndIsConfirmed(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "notes.txt", 5000)
	h, _, _ := newTestHandler(t, testEngine(), dir)

	out, err := h.PrepareOutboundFileTransfer(path, peer(), "/incoming", InitiatorSelf, 0)
	require.NoError(t, err)
	assert.Contains(t, out.FileType, "text/plain")
	assert.NotZero(t, out.TransferResponseCode)

	var buf bytes.Buffer
	got, err := h.HandleOutboundFileTransferAccepted(context.Background(), out.TransferResponseCode, 4, &buf)
	require.NoError(t, err)
	assert.Equal(t, StatusTransferComplete, got.Status)
	assert.Equal(t, 4, got.RemoteServerTransferID)
	assert.Equal(t, 5000, buf.Len())
	assert.Len(t, h.Store().Sent(), 1)

	got, err = h.HandleFileTransferComplete(out.TransferResponseCode)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmedComplete, got.Status)
	assert.Len(t, h.Store().Sent(), 1)
}

func TestEmptyFileCompletesAtFullProgress(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.txt")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	sender, _, _ := newTestHandler(t, testEngine(), dir)

	out, err := sender.PrepareOutboundFileTransfer(path, peer(), "", InitiatorSelf, 0)
	require.NoError(t, err)
	var buf bytes.Buffer
	_, err = sender.HandleOutboundFileTransferAccepted(context.Background(), out.TransferResponseCode, 1, &buf)
	require.NoError(t, err)
	sent, err := sender.HandleFileTransferComplete(out.TransferResponseCode)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmedComplete, sent.Status)
	assert.Equal(t, 1.0, sent.PercentComplete)
	assert.Zero(t, buf.Len())

	receiver, _, _ := newTestHandler(t, testEngine(), t.TempDir())
	offered, err := receiver.HandleInboundFileTransferRequest(offer(21, "empty.txt", 0), peer())
	require.NoError(t, err)
	got, err := receiver.AcceptInboundFileTransfer(context.Background(), offered.ID, bytes.NewReader(nil), nil)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmedComplete, got.Status)
	assert.Equal(t, 1.0, got.PercentComplete)
	assert.Zero(t, got.BytesRemaining)
}

func TestStallNoticeCancelsSender(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "big.bin", 8*1024)
	h, _, _ := newTestHandler(t, testEngine(), dir)

	out, err := h.PrepareOutboundFileTransfer(path, peer(), "", InitiatorSelf, 0)
	require.NoError(t, err)

	w := &countingWriter{}
	w.onSend = func(n int) {
		if n == 2 {
			_, _ = h.HandleFileTransferStalled(out.TransferResponseCode)
		}
	}

	got, err := h.HandleOutboundFileTransferAccepted(context.Background(), out.TransferResponseCode, 0, w)
	require.ErrorIs(t, err, ErrTransferStalled)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.True(t, got.OutboundFileTransferStalled)
	assert.Equal(t, 2, w.writes)
	assert.Len(t, h.Store().Failed(), 1)
}

func TestProgressEventsAreThrottled(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "p.bin", 10*1024)
	pub := &recordingPublisher{}
	h, err := NewHandler(Options{
		Behavior:       testEngine(),
		Events:         pub,
		UpdateInterval: 0.5,
	})
	require.NoError(t, err)

	out, err := h.PrepareOutboundFileTransfer(path, peer(), "", InitiatorSelf, 0)
	require.NoError(t, err)
	_, err = h.HandleOutboundFileTransferAccepted(context.Background(), out.TransferResponseCode, 0, &bytes.Buffer{})
	require.NoError(t, err)

	progress := pub.kinds(events.FileTransferProgress)
	require.Len(t, progress, 2)
	assert.InDelta(t, 0.6, progress[0].Progress, 1e-9)
	assert.Equal(t, 1.0, progress[1].Progress)
}

func TestResponseCodesAreUnique(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.txt", 3)
	h, _, _ := newTestHandler(t, stallingBehavior{}, dir)

	first, err := h.PrepareOutboundFileTransfer(path, peer(), "", InitiatorSelf, 0)
	require.NoError(t, err)
	second, err := h.PrepareOutboundFileTransfer(path, peer(), "", InitiatorSelf, 0)
	require.NoError(t, err)
	assert.NotEqual(t, first.TransferResponseCode, second.TransferResponseCode)
}

func TestRequestedFileNotFoundFailsTransfer(t *testing.T) {
	h, _, _ := newTestHandler(t, stallingBehavior{}, t.TempDir())
	requested, err := h.InitializeFileTransfer(FileTransfer{Direction: Inbound, Initiator: InitiatorSelf, FileName: "gone"})
	require.NoError(t, err)

	got, err := h.HandleRequestedFileNotFound(requested.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.Status)
	assert.Len(t, h.Store().Failed(), 1)
}

func TestWriteWithRetry(t *testing.T) {
	w := &flakyWriter{failures: 2}
	require.NoError(t, WriteWithRetry(w, []byte("data"), 3, time.Millisecond))
	assert.Equal(t, "data", w.buf.String())
	assert.Equal(t, 3, w.calls)
}

func TestReceiverWriteExhaustionIsResourceContention(t *testing.T) {
	receiver := &FileReceiver{WriteAttempts: 3, WriteRetryDelay: time.Millisecond}
	w := &flakyWriter{failures: 10}

	err := receiver.write(w, "/tmp/locked", []byte("x"))
	var contention *ResourceContentionError
	require.ErrorAs(t, err, &contention)
	assert.Equal(t, 3, contention.Attempts)
	assert.Equal(t, 3, w.calls)
}

func TestStoreViewsPartitionByStatus(t *testing.T) {
	store := NewStore()
	a, err := store.Add(FileTransfer{Direction: Inbound})
	require.NoError(t, err)
	b, err := store.Add(FileTransfer{Direction: Outbound})
	require.NoError(t, err)

	_, err = store.Update(b.ID, func(t *FileTransfer) error {
		t.Status = StatusTransferComplete
		return nil
	})
	require.NoError(t, err)

	assert.Len(t, store.Pending(), 1)
	assert.Equal(t, a.ID, store.Pending()[0].ID)
	assert.Len(t, store.Sent(), 1)
	assert.Empty(t, store.Received())

	_, err = store.Get(42)
	require.ErrorIs(t, err, ErrTransferNotFound)

	dup := a
	_, err = store.Add(dup)
	require.ErrorIs(t, err, ErrIDAlreadySet)
}

func TestStatusSettled(t *testing.T) {
	for _, status := range []Status{StatusPending, StatusAccepted, StatusInProgress, StatusTransferComplete} {
		assert.False(t, status.Settled(), status)
	}
	for _, status := range []Status{StatusConfirmedComplete, StatusStalled, StatusCancelled, StatusError, StatusRejected, StatusRetryLimitExceeded} {
		assert.True(t, status.Settled(), status)
	}
}

type cancelOnWrite struct {
	bytes.Buffer
	cancel context.CancelFunc
}

func (w *cancelOnWrite) Write(p []byte) (int, error) {
	w.cancel()
	return w.Buffer.Write(p)
}

func TestContextCancelStopsSender(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "large.bin", 8*1024)
	h, _, pub := newTestHandler(t, testEngine(), dir)

	out, err := h.PrepareOutboundFileTransfer(path, peer(), "", InitiatorSelf, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := &cancelOnWrite{cancel: cancel}

	got, err := h.HandleOutboundFileTransferAccepted(ctx, out.TransferResponseCode, 1, w)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, 1024, w.Len())
	assert.Len(t, pub.kinds(events.FileTransferCancelled), 1)
}

func TestContextCancelStopsReceiver(t *testing.T) {
	folder := t.TempDir()
	engine := NewEngine(
		&FileSender{BufferSize: 1024},
		&FileReceiver{BufferSize: 1024, StallTimeout: time.Minute},
	)
	h, _, pub := newTestHandler(t, engine, folder)

	offered, err := h.HandleInboundFileTransferRequest(offer(31, "slow.bin", 1000), peer())
	require.NoError(t, err)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_, _ = client.Write(make([]byte, 10))
		cancel()
	}()

	got, err := h.AcceptInboundFileTransfer(ctx, offered.ID, server, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, int64(10), got.TotalBytesReceived)
	assert.Len(t, pub.kinds(events.FileTransferCancelled), 1)
}
