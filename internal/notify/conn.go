package notify

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrConnClosed is returned when sending to a connection whose
	// transport has been shut down.
	ErrConnClosed = errors.New("connection closed")
	// ErrQueueFull is returned when a connection's outbound queue is
	// saturated; the dispatcher treats this as a slow consumer and
	// evicts the connection.
	ErrQueueFull = errors.New("send queue full")
)

// Connection types declared by clients at connect time.
const (
	ConnTypeUser      = "user"
	ConnTypeScan      = "scan"
	ConnTypeDashboard = "dashboard"
	ConnTypeAdmin     = "admin"
)

// ValidConnType reports whether t names a supported connection type.
func ValidConnType(t string) bool {
	switch t {
	case ConnTypeUser, ConnTypeScan, ConnTypeDashboard, ConnTypeAdmin:
		return true
	}
	return false
}

// Transport is the read/write surface of one client socket. A transport
// is exclusively owned by its connection: all writes go through the
// connection's writer goroutine and nothing else may touch the socket.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// ConnOptions carries the attributes supplied at connect time.
type ConnOptions struct {
	PrincipalID string
	JobID       string
	ConnType    string // defaults to ConnTypeUser
	Groups      []string
	RemoteAddr  string
	QueueSize   int
}

// Conn is one live client connection. Its identity and indexes are owned
// by the registry; its transport is owned by the connection itself.
type Conn struct {
	id          string
	principalID string
	jobID       string
	connType    string
	remoteAddr  string
	connectedAt time.Time

	transport Transport
	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// sessionOwned is set when a session takes over the lifecycle.
	// Eviction then only closes the transport; the session's exit path
	// owns the unregister and the user_left broadcast.
	sessionOwned atomic.Bool

	// groups is guarded by the owning registry's mutex.
	groups map[string]struct{}
}

// NewConn creates a connection with a fresh process-unique ID.
func NewConn(transport Transport, opts ConnOptions) *Conn {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.ConnType == "" {
		opts.ConnType = ConnTypeUser
	}
	groups := make(map[string]struct{}, len(opts.Groups))
	for _, g := range opts.Groups {
		if g != "" {
			groups[g] = struct{}{}
		}
	}
	return &Conn{
		id:          uuid.NewString(),
		principalID: opts.PrincipalID,
		jobID:       opts.JobID,
		connType:    opts.ConnType,
		remoteAddr:  opts.RemoteAddr,
		connectedAt: time.Now(),
		transport:   transport,
		out:         make(chan []byte, opts.QueueSize),
		done:        make(chan struct{}),
		groups:      groups,
	}
}

// ID returns the process-unique connection ID.
func (c *Conn) ID() string { return c.id }

// PrincipalID returns the authenticated principal, or "" for anonymous
// connections.
func (c *Conn) PrincipalID() string { return c.principalID }

// JobID returns the job this connection is attached to, or "".
func (c *Conn) JobID() string { return c.jobID }

// ConnType returns the connection type declared at connect time.
func (c *Conn) ConnType() string { return c.connType }

// send queues a serialized frame for the writer goroutine without
// blocking. It fails when the connection is closed or the queue is full.
func (c *Conn) send(frame []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.out <- frame:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrQueueFull
	}
}

// close shuts the connection down. Safe to call from any goroutine and
// idempotent; the underlying transport close unblocks a pending read.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.transport.Close()
	})
}

// closed reports whether close has been initiated.
func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// writePump drains the outbound queue onto the transport. It runs as the
// connection's single writer goroutine and exits when the connection
// closes or a write fails; a failed write closes the connection so the
// read loop observes it.
func (c *Conn) writePump() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.out:
			if err := c.transport.WriteMessage(frame); err != nil {
				c.close()
				return
			}
		}
	}
}
