package requests

import (
	"fmt"
	"sort"
	"sync"
)

// Store keeps every request ever seen, keyed by ID. Status lives on the
// request; the lists callers see are filtered views.
type Store struct {
	mu     sync.Mutex
	nextID int
	items  map[int]*Request
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{items: make(map[int]*Request)}
}

// Add assigns the next ID and records req as Pending.
func (s *Store) Add(req *Request) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := req.SetID(s.nextID + 1); err != nil {
		return 0, err
	}
	s.nextID++
	req.Status = StatusPending
	s.items[req.ID] = req
	return req.ID, nil
}

// Transition moves a request to status to. Repeating a transition that already
// happened is a no-op and reports changed == false.
func (s *Store) Transition(id int, to Status, errMsg string) (changed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.items[id]
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrRequestNotFound, id)
	}
	if req.Status == to {
		return false, nil
	}
	if !canTransition(req.Status, to) {
		return false, fmt.Errorf("%w: request %d %s -> %s", ErrInvalidTransition, id, req.Status, to)
	}
	req.Status = to
	if errMsg != "" {
		req.Error = errMsg
	}
	return true, nil
}

// Get returns a snapshot of one request.
func (s *Store) Get(id int) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.items[id]
	if !ok {
		return Request{}, fmt.Errorf("%w: %d", ErrRequestNotFound, id)
	}
	return req.Snapshot(), nil
}

func (s *Store) filter(keep func(*Request) bool) []Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Request, 0)
	for _, req := range s.items {
		if keep(req) {
			out = append(out, req.Snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) withStatus(status Status) []Request {
	return s.filter(func(r *Request) bool { return r.Status == status })
}

// All returns every request ordered by ID.
func (s *Store) All() []Request {
	return s.filter(func(*Request) bool { return true })
}

// Pending returns requests waiting to be processed or sent.
func (s *Store) Pending() []Request { return s.withStatus(StatusPending) }

// InProgress returns requests currently being handled.
func (s *Store) InProgress() []Request { return s.withStatus(StatusInProgress) }

// Processed returns inbound requests that were handled successfully.
func (s *Store) Processed() []Request { return s.withStatus(StatusProcessed) }

// Sent returns outbound requests delivered to their peer.
func (s *Store) Sent() []Request { return s.withStatus(StatusSent) }

// Failed returns requests that ended in error.
func (s *Store) Failed() []Request { return s.withStatus(StatusError) }
