package requests

import (
	"errors"
	"fmt"
	"net"
	"time"

	"peerdrop/models"
	"peerdrop/protocol"
)

// Status is the lifecycle position of a Request.
type Status string

const (
	StatusNoData     Status = "no_data"
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusProcessed  Status = "processed"
	StatusSent       Status = "sent"
	StatusError      Status = "error"
)

// Direction says whether a request was received or sent by this node.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

var (
	// ErrIDAlreadySet indicates an attempt to assign a second ID.
	ErrIDAlreadySet = errors.New("requests: id already assigned")
	// ErrRequestNotFound indicates no request matches the given ID.
	ErrRequestNotFound = errors.New("requests: request not found")
	// ErrInvalidTransition indicates a status change the lifecycle does not allow.
	ErrInvalidTransition = errors.New("requests: invalid status transition")
	// ErrNoRoute indicates the dispatch table has no handler for a type.
	ErrNoRoute = errors.New("requests: no route for request type")
)

// Request is one protocol message moving through this node.
type Request struct {
	ID        int
	Timestamp time.Time
	Type      protocol.RequestType
	Status    Status
	Direction Direction
	Local     models.ServerInfo
	Remote    models.ServerInfo
	Message   protocol.Message
	Error     string

	// Conn is set only for requests that hand their connection over to the
	// transfer engine. The peer writes nothing after such a request until it
	// is answered, so no bytes are left over from the request frame.
	Conn net.Conn
}

// NewInbound wraps a decoded message received from remote.
func NewInbound(msg protocol.Message, local, remote models.ServerInfo) *Request {
	return &Request{
		Timestamp: time.Now(),
		Type:      msg.Type(),
		Status:    StatusNoData,
		Direction: Inbound,
		Local:     local,
		Remote:    remote,
		Message:   msg,
	}
}

// NewOutbound wraps a message this node is about to send to remote.
func NewOutbound(msg protocol.Message, local, remote models.ServerInfo) *Request {
	r := NewInbound(msg, local, remote)
	r.Direction = Outbound
	return r
}

// SetID assigns the ID exactly once.
func (r *Request) SetID(id int) error {
	if r.ID != 0 {
		return fmt.Errorf("%w: request %d", ErrIDAlreadySet, r.ID)
	}
	if id <= 0 {
		return fmt.Errorf("requests: invalid id %d", id)
	}
	r.ID = id
	return nil
}

// Snapshot returns a copy that does not share the connection.
func (r *Request) Snapshot() Request {
	out := *r
	out.Conn = nil
	return out
}

func (r *Request) String() string {
	return fmt.Sprintf("request %d %s %s [%s]", r.ID, r.Direction, r.Type, r.Status)
}

var transitions = map[Status][]Status{
	StatusNoData:     {StatusPending},
	StatusPending:    {StatusInProgress, StatusError},
	StatusInProgress: {StatusProcessed, StatusSent, StatusError},
}

func canTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
