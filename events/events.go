package events

import (
	"sync"
	"time"

	"peerdrop/models"
)

// Kind identifies what happened.
type Kind string

const (
	ServerStarted                Kind = "server_started"
	ServerStopped                Kind = "server_stopped"
	ConnectionAccepted           Kind = "connection_accepted"
	RequestReceived              Kind = "request_received"
	RequestQueued                Kind = "request_queued"
	RequestProcessed             Kind = "request_processed"
	RequestSent                  Kind = "request_sent"
	RequestFailed                Kind = "request_failed"
	TextMessageReceived          Kind = "text_message_received"
	ServerInfoReceived           Kind = "server_info_received"
	FileListReceived             Kind = "file_list_received"
	FolderEmpty                  Kind = "folder_empty"
	FolderNotFound               Kind = "folder_not_found"
	InboundFileTransferRequested Kind = "inbound_file_transfer_requested"
	FileTransferAccepted         Kind = "file_transfer_accepted"
	FileTransferRejected         Kind = "file_transfer_rejected"
	FileTransferStarted          Kind = "file_transfer_started"
	FileTransferProgress         Kind = "file_transfer_progress"
	FileTransferStalled          Kind = "file_transfer_stalled"
	FileTransferCompleted        Kind = "file_transfer_completed"
	FileTransferCancelled        Kind = "file_transfer_cancelled"
	FileTransferFailed           Kind = "file_transfer_failed"
	FileTransferStatusChanged    Kind = "file_transfer_status_changed"
	PartialFileDeleted           Kind = "partial_file_deleted"
	RetryLimitExceeded           Kind = "retry_limit_exceeded"
	RequestedFileNotFound        Kind = "requested_file_not_found"
	ShutdownRequested            Kind = "shutdown_requested"
	Error                        Kind = "error"
)

// Event is one notification. Remote is a private copy owned by the receiver.
type Event struct {
	Kind       Kind
	Time       time.Time
	RequestID  int
	TransferID int
	Remote     *models.ServerInfo
	Text       string
	Folder     string
	Files      models.FileInfoList
	Progress   float64
	Bytes      int64
	Err        error
}

// Publisher accepts events.
type Publisher interface {
	Publish(Event)
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

type subscriber struct {
	ch   chan Event
	done chan struct{}
	once sync.Once
}

// Bus fans events out to subscribers in publish order. Publish blocks until
// every current subscriber has room, so a slow consumer slows the producer
// instead of losing events.
type Bus struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool

	publishMu sync.Mutex
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers a consumer. The returned cancel func unsubscribes and
// closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 0 {
		buffer = 0
	}
	sub := &subscriber{
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	return sub.ch, func() { b.unsubscribe(sub) }
}

func (b *Bus) unsubscribe(sub *subscriber) {
	sub.once.Do(func() {
		close(sub.done)

		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()

		// Wait out an in-flight Publish before closing the channel.
		b.publishMu.Lock()
		close(sub.ch)
		b.publishMu.Unlock()
	})
}

// Publish delivers e to every subscriber. It never holds the subscriber
// registry lock while sending.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	b.mu.Lock()
	targets := make([]*subscriber, 0, len(b.subs))
	for sub := range b.subs {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		event := e
		event.Remote = e.Remote.Clone()
		select {
		case sub.ch <- event:
		case <-sub.done:
		}
	}
}

// Close unsubscribes everyone.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	subs := make([]*subscriber, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		b.unsubscribe(sub)
	}
}
