// Package server composes the codec, dispatcher and transfer engine into one
// peer node that both listens for and sends requests.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"peerdrop/events"
	"peerdrop/models"
	"peerdrop/network"
	"peerdrop/protocol"
	"peerdrop/requests"
	"peerdrop/transfers"
)

const (
	defaultListenAddress = "0.0.0.0:0"
	defaultEventBuffer   = 256
	minWatchdogInterval  = 10 * time.Millisecond
)

var (
	// ErrTransferActive indicates another transfer already holds the node.
	ErrTransferActive = errors.New("server: a file transfer is already in progress")
	// ErrAlreadyRunning indicates Run was called twice.
	ErrAlreadyRunning = errors.New("server: already running")
)

// Archive persists request and transfer snapshots as they change.
type Archive interface {
	RecordRequest(sessionID string, req requests.Request) error
	RecordTransfer(sessionID string, t transfers.FileTransfer) error
}

// Options configures a Server. Zero values fall back to package defaults.
type Options struct {
	Name           string
	ListenAddress  string
	LocalIP        string
	PublicIP       string
	TransferFolder string

	BufferSize     int
	DialTimeout    time.Duration
	SendTimeout    time.Duration
	ReceiveTimeout time.Duration
	StallTimeout   time.Duration

	TransferUpdateInterval float64
	RetryLimit             int
	RetryLockout           time.Duration
	FileWriteAttempts      int
	FileWriteRetryDelay    time.Duration

	// AutoAccept receives offered files without waiting for
	// AcceptInboundFileTransfer.
	AutoAccept bool
	SessionID  string

	Archive  Archive
	Behavior transfers.Behavior
	Clock    transfers.Clock
	Logger   logrus.FieldLogger
}

// Server is one peer node.
type Server struct {
	options Options
	logger  logrus.FieldLogger
	clock   transfers.Clock

	bus       *events.Bus
	requests  *requests.Handler
	transfers *transfers.Handler
	receiver  network.RequestReceiver
	sender    network.RequestSender

	infoMu   sync.RWMutex
	info     models.ServerInfo
	listener *network.Listener

	archived           <-chan events.Event
	unsubscribeArchive func()

	activeMu     sync.Mutex
	activeID     int
	activeCancel context.CancelFunc

	running  bool
	runMu    sync.Mutex
	stopped  chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	conns    sync.WaitGroup
}

// New validates options and builds an idle server. Call Listen or Run to
// bind the socket.
func New(options Options) (*Server, error) {
	if options.ListenAddress == "" {
		options.ListenAddress = defaultListenAddress
	}
	if options.LocalIP == "" {
		options.LocalIP = network.LocalIPv4()
	}
	if options.BufferSize <= 0 {
		options.BufferSize = transfers.DefaultBufferSize
	}
	if options.DialTimeout <= 0 {
		options.DialTimeout = network.DefaultDialTimeout
	}
	if options.SendTimeout <= 0 {
		options.SendTimeout = network.DefaultSendTimeout
	}
	if options.ReceiveTimeout <= 0 {
		options.ReceiveTimeout = network.DefaultReceiveTimeout
	}
	if options.StallTimeout <= 0 {
		options.StallTimeout = transfers.DefaultStallTimeout
	}
	if options.SessionID == "" {
		options.SessionID = uuid.NewString()
	}
	if options.Clock == nil {
		options.Clock = transfers.SystemClock{}
	}
	if options.Logger == nil {
		options.Logger = logrus.StandardLogger()
	}
	if options.Behavior == nil {
		options.Behavior = transfers.NewEngine(
			&transfers.FileSender{BufferSize: options.BufferSize, SendTimeout: options.SendTimeout},
			&transfers.FileReceiver{
				BufferSize:      options.BufferSize,
				StallTimeout:    options.StallTimeout,
				WriteAttempts:   options.FileWriteAttempts,
				WriteRetryDelay: options.FileWriteRetryDelay,
			},
		)
	}

	logger := options.Logger.WithField("component", "server")
	s := &Server{
		options:  options,
		logger:   logger,
		clock:    options.Clock,
		bus:      events.NewBus(),
		receiver: network.RequestReceiver{BufferSize: options.BufferSize, Timeout: options.ReceiveTimeout},
		sender:   network.RequestSender{DialTimeout: options.DialTimeout, SendTimeout: options.SendTimeout},
		info: models.ServerInfo{
			LocalIP:        options.LocalIP,
			PublicIP:       options.PublicIP,
			Platform:       models.LocalPlatform(),
			TransferFolder: options.TransferFolder,
			Name:           options.Name,
		},
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}

	transferHandler, err := transfers.NewHandler(transfers.Options{
		Behavior:       options.Behavior,
		Clock:          options.Clock,
		Events:         s.bus,
		Logger:         options.Logger.WithField("component", "transfers"),
		DefaultFolder:  options.TransferFolder,
		RetryLimit:     options.RetryLimit,
		RetryLockout:   options.RetryLockout,
		UpdateInterval: options.TransferUpdateInterval,
	})
	if err != nil {
		return nil, err
	}
	s.transfers = transferHandler

	requestHandler, err := requests.NewHandler(requests.HandlerOptions{
		Routes: s.routes(),
		Events: s.bus,
		Logger: options.Logger.WithField("component", "requests"),
	})
	if err != nil {
		return nil, err
	}
	s.requests = requestHandler

	// Subscribed up front so nothing published before Run is lost.
	if options.Archive != nil {
		s.archived, s.unsubscribeArchive = s.bus.Subscribe(defaultEventBuffer)
	}

	return s, nil
}

// Listen binds the listening socket so Info reports the real port. Run calls
// it when needed.
func (s *Server) Listen() error {
	s.infoMu.Lock()
	defer s.infoMu.Unlock()

	if s.listener != nil {
		return nil
	}
	listener, err := network.Listen(s.options.ListenAddress)
	if err != nil {
		return err
	}
	s.listener = listener
	s.info.Port = listener.Port()
	return nil
}

// Info returns this node's ServerInfo.
func (s *Server) Info() models.ServerInfo {
	s.infoMu.RLock()
	defer s.infoMu.RUnlock()
	return s.info
}

// Address returns the host:port peers should dial.
func (s *Server) Address() string {
	return s.Info().Address()
}

// SessionID identifies this run in the archive.
func (s *Server) SessionID() string {
	return s.options.SessionID
}

// Events subscribes to the event stream. Consumers must keep reading or
// call the returned cancel func; a stalled consumer slows the server.
func (s *Server) Events(buffer int) (<-chan events.Event, func()) {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	return s.bus.Subscribe(buffer)
}

// Transfers exposes the transfer views.
func (s *Server) Transfers() *transfers.Store {
	return s.transfers.Store()
}

// Requests exposes the request views.
func (s *Server) Requests() *requests.Store {
	return s.requests.Store()
}

// Done is closed once Run has returned.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Run accepts connections until ctx is cancelled or the server is stopped.
func (s *Server) Run(ctx context.Context) error {
	s.runMu.Lock()
	if s.running {
		s.runMu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.runMu.Unlock()
	defer close(s.done)

	if err := s.Listen(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	if s.archived != nil {
		g.Go(func() error {
			defer s.unsubscribeArchive()
			s.archive(gctx, s.archived)
			return nil
		})
	}
	g.Go(func() error {
		return s.acceptLoop(gctx)
	})
	g.Go(func() error {
		s.watchStalls(gctx)
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-s.stopped:
		}
		cancel()
		return s.listener.Close()
	})

	info := s.Info()
	s.logger.WithFields(logrus.Fields{
		"address": info.Address(),
		"session": s.options.SessionID,
	}).Info("server started")
	s.bus.Publish(events.Event{Kind: events.ServerStarted, Time: s.clock.Now(), Remote: &info})

	err := g.Wait()
	s.conns.Wait()

	s.logger.Info("server stopped")
	s.bus.Publish(events.Event{Kind: events.ServerStopped, Time: s.clock.Now(), Remote: &info})
	s.bus.Close()

	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

// Stop ends Run without waiting for it.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopped)
	})
}

// Shutdown asks the run loop to stop by sending itself a shutdown command,
// then waits for Run to return or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.runMu.Lock()
	running := s.running
	s.runMu.Unlock()
	if !running {
		s.Stop()
		return nil
	}

	if err := s.SendShutdownCommand(ctx, s.loopbackAddress()); err != nil {
		s.logger.WithError(err).Debug("shutdown command not delivered, stopping directly")
	}
	s.Stop()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) loopbackAddress() string {
	return net.JoinHostPort("127.0.0.1", fmt.Sprint(s.Info().Port))
}

func (s *Server) acceptLoop(ctx context.Context) error {
	conns := s.listener.Conns()
	errs := s.listener.Errors()
	for {
		select {
		case conn, ok := <-conns:
			if !ok {
				return nil
			}
			s.conns.Add(1)
			go func() {
				defer s.conns.Done()
				s.handleConn(ctx, conn)
			}()
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			s.logger.WithError(err).Warn("accept failed")
			s.publishError(err)
		case <-ctx.Done():
			return nil
		case <-s.stopped:
			return nil
		}
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	log := s.logger.WithField("remote_addr", conn.RemoteAddr().String())

	received, err := s.receiver.Receive(ctx, conn)
	if err != nil {
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		log.WithError(err).Warn("request could not be received")
		s.publishError(err)
		return
	}

	ip, port := received.Message.Source()
	remote := models.ServerInfo{SessionIP: received.RemoteIP(), LocalIP: ip, Port: port}
	if remote.SessionIP == "" {
		remote.SessionIP = ip
	}
	s.bus.Publish(events.Event{Kind: events.ConnectionAccepted, Time: s.clock.Now(), Remote: &remote})

	req := requests.NewInbound(received.Message, s.Info(), remote)
	if network.KeepsConnectionOpen(req.Type) {
		req.Conn = conn
	} else {
		_ = conn.Close()
	}

	if _, err := s.requests.Handle(ctx, req); err != nil {
		log.WithError(err).WithField("type", req.Type.String()).Debug("request handling failed")
	}
}

// send delivers msg to remote and records it as an outbound request.
func (s *Server) send(ctx context.Context, remote models.ServerInfo, msg protocol.Message) (net.Conn, error) {
	req := requests.NewOutbound(msg, s.Info(), remote)
	id, err := s.requests.TrackOutbound(req)
	if err != nil {
		return nil, err
	}

	conn, err := s.sender.Send(ctx, remote.Address(), msg)
	s.requests.FinishOutbound(id, err)
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"request_id": id,
			"type":       msg.Type().String(),
			"remote":     remote.Address(),
		}).Warn("request not delivered")
		return nil, err
	}
	return conn, nil
}

func (s *Server) origin() protocol.Origin {
	return protocol.NewOrigin(s.Info())
}

func (s *Server) publishError(err error) {
	s.bus.Publish(events.Event{Kind: events.Error, Time: s.clock.Now(), Err: err})
}

func (s *Server) setActive(id int, cancel context.CancelFunc) {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	s.activeID = id
	s.activeCancel = cancel
}

func (s *Server) clearActive(id int) {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	if s.activeID == id {
		s.activeID = 0
		s.activeCancel = nil
	}
}

// cancelActive stops the running receive for id, reporting whether one was
// running.
func (s *Server) cancelActive(id int) bool {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	if s.activeID != id || s.activeCancel == nil {
		return false
	}
	s.activeCancel()
	return true
}

func (s *Server) archive(ctx context.Context, stream <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopped:
			return
		case event, ok := <-stream:
			if !ok {
				return
			}
			s.archiveEvent(event)
		}
	}
}

func (s *Server) archiveEvent(event events.Event) {
	archive := s.options.Archive
	if event.RequestID > 0 {
		if req, err := s.requests.Store().Get(event.RequestID); err == nil {
			if err := archive.RecordRequest(s.options.SessionID, req); err != nil {
				s.logger.WithError(err).WithField("request_id", req.ID).Warn("archive request failed")
			}
		}
	}
	if event.TransferID > 0 {
		if t, err := s.transfers.Store().Get(event.TransferID); err == nil {
			if err := archive.RecordTransfer(s.options.SessionID, t); err != nil {
				s.logger.WithError(err).WithField("transfer_id", t.ID).Warn("archive transfer failed")
			}
		}
	}
}
