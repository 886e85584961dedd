package transfers

import (
	"fmt"
	"sort"
	"sync"
)

// Store owns every FileTransfer, keyed by ID, behind one mutex. The pending,
// in-progress, received, sent, rejected, stalled and failed lists are
// status filters over it, so a transfer is always in exactly one of them.
type Store struct {
	mu     sync.Mutex
	nextID int
	items  map[int]*FileTransfer
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{items: make(map[int]*FileTransfer)}
}

// Add assigns the next ID and records t as Pending.
func (s *Store) Add(t FileTransfer) (FileTransfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := t.SetID(s.nextID + 1); err != nil {
		return FileTransfer{}, err
	}
	s.nextID++
	t.Status = StatusPending
	stored := t
	s.items[t.ID] = &stored
	return stored, nil
}

// Get returns a copy of one transfer.
func (s *Store) Get(id int) (FileTransfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.items[id]
	if !ok {
		return FileTransfer{}, fmt.Errorf("%w: id %d", ErrTransferNotFound, id)
	}
	return *t, nil
}

// Update runs fn on the stored transfer under the lock and returns a copy
// of the result. fn must check preconditions before mutating; its error is
// returned as is and any changes it made are kept.
func (s *Store) Update(id int, fn func(*FileTransfer) error) (FileTransfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.items[id]
	if !ok {
		return FileTransfer{}, fmt.Errorf("%w: id %d", ErrTransferNotFound, id)
	}
	err := fn(t)
	return *t, err
}

// Find returns the lowest-ID transfer matching keep.
func (s *Store) Find(keep func(*FileTransfer) bool) (FileTransfer, bool) {
	matches := s.filter(keep)
	if len(matches) == 0 {
		return FileTransfer{}, false
	}
	return matches[0], true
}

// ByResponseCode finds a transfer by direction and correlation code.
func (s *Store) ByResponseCode(direction Direction, code int64) (FileTransfer, error) {
	t, ok := s.Find(func(t *FileTransfer) bool {
		return t.Direction == direction && t.TransferResponseCode == code
	})
	if !ok {
		return FileTransfer{}, fmt.Errorf("%w: %s response code %d", ErrTransferNotFound, direction, code)
	}
	return t, nil
}

func (s *Store) filter(keep func(*FileTransfer) bool) []FileTransfer {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]FileTransfer, 0)
	for _, t := range s.items {
		if keep(t) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) withStatus(statuses ...Status) []FileTransfer {
	return s.filter(func(t *FileTransfer) bool {
		for _, status := range statuses {
			if t.Status == status {
				return true
			}
		}
		return false
	})
}

// All returns every transfer ordered by ID.
func (s *Store) All() []FileTransfer {
	return s.filter(func(*FileTransfer) bool { return true })
}

// Pending returns transfers waiting for a decision.
func (s *Store) Pending() []FileTransfer { return s.withStatus(StatusPending) }

// InProgress returns accepted transfers and those moving bytes.
func (s *Store) InProgress() []FileTransfer {
	return s.withStatus(StatusAccepted, StatusInProgress)
}

// Received returns inbound transfers that completed.
func (s *Store) Received() []FileTransfer {
	return s.filter(func(t *FileTransfer) bool {
		return t.Direction == Inbound && t.Status == StatusConfirmedComplete
	})
}

// Sent returns outbound transfers whose bytes were all written.
func (s *Store) Sent() []FileTransfer {
	return s.filter(func(t *FileTransfer) bool {
		return t.Direction == Outbound &&
			(t.Status == StatusTransferComplete || t.Status == StatusConfirmedComplete)
	})
}

// Rejected returns transfers declined by either side.
func (s *Store) Rejected() []FileTransfer { return s.withStatus(StatusRejected) }

// Stalled returns stalled transfers, including those locked out of retries.
func (s *Store) Stalled() []FileTransfer {
	return s.withStatus(StatusStalled, StatusRetryLimitExceeded)
}

// Failed returns cancelled and errored transfers.
func (s *Store) Failed() []FileTransfer { return s.withStatus(StatusError, StatusCancelled) }

// Active returns the transfer currently moving bytes, if any.
func (s *Store) Active() (FileTransfer, bool) {
	return s.Find(func(t *FileTransfer) bool { return t.Status == StatusInProgress })
}

// ByRemoteID finds a transfer by the ID the peer assigned to it.
func (s *Store) ByRemoteID(remoteID int) (FileTransfer, error) {
	t, ok := s.Find(func(t *FileTransfer) bool {
		return remoteID > 0 && t.RemoteServerTransferID == remoteID
	})
	if !ok {
		return FileTransfer{}, fmt.Errorf("%w: remote id %d", ErrTransferNotFound, remoteID)
	}
	return t, nil
}
