package requests

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"peerdrop/events"
	"peerdrop/protocol"
)

// Route handles one request type.
type Route struct {
	Handle func(ctx context.Context, req *Request) error
	// Immediate routes run even while a transfer is active. Stall notices
	// must reach the sender mid-transfer, so they cannot wait in the queue.
	Immediate bool
}

// Routes is the static type -> handler table.
type Routes map[protocol.RequestType]Route

// Missing returns every defined request type without a handler.
func (r Routes) Missing() []protocol.RequestType {
	var missing []protocol.RequestType
	for _, typ := range protocol.AllRequestTypes() {
		if route, ok := r[typ]; !ok || route.Handle == nil {
			missing = append(missing, typ)
		}
	}
	return missing
}

// HandlerOptions configures a Handler.
type HandlerOptions struct {
	Routes Routes
	Store  *Store
	Events events.Publisher
	Logger logrus.FieldLogger
}

type queuedRequest struct {
	ctx context.Context
	req *Request
}

// Handler assigns request IDs, dispatches through the route table and holds
// new work back while a file transfer is running.
type Handler struct {
	store  *Store
	routes Routes
	events events.Publisher
	logger logrus.FieldLogger

	mu             sync.Mutex
	transferActive bool
	draining       bool
	queue          []queuedRequest
}

// NewHandler validates that every request type has a route.
func NewHandler(options HandlerOptions) (*Handler, error) {
	if missing := options.Routes.Missing(); len(missing) > 0 {
		return nil, fmt.Errorf("requests: missing routes for %v", missing)
	}
	if options.Store == nil {
		options.Store = NewStore()
	}
	if options.Events == nil {
		options.Events = events.Discard
	}
	if options.Logger == nil {
		options.Logger = logrus.StandardLogger()
	}

	return &Handler{
		store:  options.Store,
		routes: options.Routes,
		events: options.Events,
		logger: options.Logger,
	}, nil
}

// Store exposes the request archive.
func (h *Handler) Store() *Store {
	return h.store
}

// Handle records an inbound request and either dispatches it now or queues
// it behind the active transfer. Queued requests run in arrival order.
func (h *Handler) Handle(ctx context.Context, req *Request) (int, error) {
	route := h.routes[req.Type]

	// The ID and the queue position are taken together so the queue stays in
	// ID order when requests race.
	h.mu.Lock()
	id, err := h.store.Add(req)
	if err != nil {
		h.mu.Unlock()
		return 0, err
	}
	queued := !route.Immediate && (h.transferActive || h.draining || len(h.queue) > 0)
	depth := 0
	if queued {
		h.queue = append(h.queue, queuedRequest{ctx: ctx, req: req})
		depth = len(h.queue)
	}
	h.mu.Unlock()

	h.events.Publish(events.Event{Kind: events.RequestReceived, RequestID: id, Remote: &req.Remote})
	if queued {
		h.logger.WithFields(logrus.Fields{
			"request_id": id,
			"type":       req.Type.String(),
			"queue":      depth,
		}).Debug("request queued behind active transfer")
		h.events.Publish(events.Event{Kind: events.RequestQueued, RequestID: id, Remote: &req.Remote})
		return id, nil
	}

	return id, h.dispatch(ctx, req)
}

// BeginTransfer marks a transfer as running. It returns false when one
// already is.
func (h *Handler) BeginTransfer() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.transferActive {
		return false
	}
	h.transferActive = true
	return true
}

// EndTransfer clears the running transfer and drains queued requests in
// order until the queue is empty or another transfer starts.
func (h *Handler) EndTransfer() {
	h.mu.Lock()
	h.transferActive = false
	if h.draining {
		h.mu.Unlock()
		return
	}
	h.draining = true
	h.mu.Unlock()

	for {
		h.mu.Lock()
		if h.transferActive || len(h.queue) == 0 {
			h.draining = false
			h.mu.Unlock()
			return
		}
		next := h.queue[0]
		h.queue[0] = queuedRequest{}
		h.queue = h.queue[1:]
		h.mu.Unlock()

		_ = h.dispatch(next.ctx, next.req)
	}
}

// TransferActive reports whether a transfer is running.
func (h *Handler) TransferActive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.transferActive
}

// QueueLength returns the number of deferred requests.
func (h *Handler) QueueLength() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queue)
}

func (h *Handler) dispatch(ctx context.Context, req *Request) error {
	log := h.logger.WithFields(logrus.Fields{
		"request_id": req.ID,
		"type":       req.Type.String(),
		"remote":     req.Remote.Address(),
	})

	if _, err := h.store.Transition(req.ID, StatusInProgress, ""); err != nil {
		log.WithError(err).Warn("request could not start")
		return err
	}

	route, ok := h.routes[req.Type]
	err := ErrNoRoute
	if ok && route.Handle != nil {
		err = route.Handle(ctx, req)
	}
	if err != nil {
		if errors.Is(err, ErrNoRoute) {
			err = fmt.Errorf("%w: %s", ErrNoRoute, req.Type)
		}
		_, _ = h.store.Transition(req.ID, StatusError, err.Error())
		log.WithError(err).Warn("request failed")
		h.events.Publish(events.Event{Kind: events.RequestFailed, RequestID: req.ID, Remote: &req.Remote, Err: err})
		return err
	}

	_, _ = h.store.Transition(req.ID, StatusProcessed, "")
	log.Debug("request processed")
	h.events.Publish(events.Event{Kind: events.RequestProcessed, RequestID: req.ID, Remote: &req.Remote})
	return nil
}

// TrackOutbound records a request this node is about to send and marks it
// in progress.
func (h *Handler) TrackOutbound(req *Request) (int, error) {
	id, err := h.store.Add(req)
	if err != nil {
		return 0, err
	}
	if _, err := h.store.Transition(id, StatusInProgress, ""); err != nil {
		return id, err
	}
	return id, nil
}

// FinishOutbound records the result of sending a tracked request.
func (h *Handler) FinishOutbound(id int, sendErr error) {
	req, err := h.store.Get(id)
	if err != nil {
		return
	}
	if sendErr != nil {
		_, _ = h.store.Transition(id, StatusError, sendErr.Error())
		h.events.Publish(events.Event{Kind: events.RequestFailed, RequestID: id, Remote: &req.Remote, Err: sendErr})
		return
	}
	_, _ = h.store.Transition(id, StatusSent, "")
	h.events.Publish(events.Event{Kind: events.RequestSent, RequestID: id, Remote: &req.Remote})
}
