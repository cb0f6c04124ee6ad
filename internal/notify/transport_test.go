package notify

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/threatscope/threatscope/internal/common/config"
)

// fakeTransport is an in-memory Transport. Tests feed client frames via
// push and observe server frames via frames.
type fakeTransport struct {
	in   chan []byte
	done chan struct{}
	once sync.Once

	mu       sync.Mutex
	written  [][]byte
	writeErr error
	stalled  bool
	deadline time.Time
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:   make(chan []byte, 16),
		done: make(chan struct{}),
	}
}

func (t *fakeTransport) push(frame []byte) {
	t.in <- frame
}

func (t *fakeTransport) ReadMessage() ([]byte, error) {
	t.mu.Lock()
	deadline := t.deadline
	t.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case frame := <-t.in:
		return frame, nil
	case <-t.done:
		return nil, io.EOF
	case <-timeout:
		return nil, os.ErrDeadlineExceeded
	}
}

func (t *fakeTransport) WriteMessage(data []byte) error {
	t.mu.Lock()
	stalled := t.stalled
	t.mu.Unlock()
	if stalled {
		<-t.done
		return io.EOF
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.writeErr != nil {
		return t.writeErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	t.written = append(t.written, cp)
	return nil
}

func (t *fakeTransport) SetReadDeadline(deadline time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deadline = deadline
	return nil
}

func (t *fakeTransport) Close() error {
	t.once.Do(func() { close(t.done) })
	return nil
}

func (t *fakeTransport) failWrites(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeErr = err
}

// stallWrites makes subsequent writes block until the transport closes,
// simulating a consumer that stops draining its socket.
func (t *fakeTransport) stallWrites() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stalled = true
}

// frames returns the decoded type field of every frame written so far.
func (t *fakeTransport) frames() []map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]map[string]any, 0, len(t.written))
	for _, raw := range t.written {
		var m map[string]any
		if json.Unmarshal(raw, &m) == nil {
			out = append(out, m)
		}
	}
	return out
}

func (t *fakeTransport) hasFrameOfType(frameType string) bool {
	for _, f := range t.frames() {
		if f["type"] == frameType {
			return true
		}
	}
	return false
}

var errWriteBroken = errors.New("broken pipe")

func testWSConfig() *config.WebSocketConfig {
	return &config.WebSocketConfig{
		KeepaliveTimeout:     time.Minute,
		WriteTimeout:         time.Second,
		MaxMalformedFrames:   3,
		MaxConnsPerPrincipal: 4,
		MaxGroupsPerConn:     8,
		SendQueueSize:        32,
	}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(zap.NewNop(), testWSConfig())
}

func newTestConn(opts ConnOptions) (*Conn, *fakeTransport) {
	transport := newFakeTransport()
	if opts.QueueSize == 0 {
		opts.QueueSize = 32
	}
	return NewConn(transport, opts), transport
}

// checkInvariants asserts that every secondary index entry refers to a
// live connection with the matching attribute and that every connection
// attribute is indexed.
func checkInvariants(t *testing.T, r *Registry) {
	t.Helper()
	r.mu.RLock()
	defer r.mu.RUnlock()

	for p, ids := range r.byPrincipal {
		for id := range ids {
			c, ok := r.conns[id]
			if !ok || c.principalID != p {
				t.Fatalf("byPrincipal[%s] holds stale id %s", p, id)
			}
		}
	}
	for j, ids := range r.byJob {
		for id := range ids {
			c, ok := r.conns[id]
			if !ok || c.jobID != j {
				t.Fatalf("byJob[%s] holds stale id %s", j, id)
			}
		}
	}
	for g, ids := range r.byGroup {
		for id := range ids {
			c, ok := r.conns[id]
			if !ok {
				t.Fatalf("byGroup[%s] holds stale id %s", g, id)
			}
			if _, held := c.groups[g]; !held {
				t.Fatalf("byGroup[%s] holds id %s which does not hold the group", g, id)
			}
		}
	}
	for id, c := range r.conns {
		if c.principalID != "" {
			if _, ok := r.byPrincipal[c.principalID][id]; !ok {
				t.Fatalf("connection %s missing from byPrincipal[%s]", id, c.principalID)
			}
		}
		if c.jobID != "" {
			if _, ok := r.byJob[c.jobID][id]; !ok {
				t.Fatalf("connection %s missing from byJob[%s]", id, c.jobID)
			}
		}
		for g := range c.groups {
			if _, ok := r.byGroup[g][id]; !ok {
				t.Fatalf("connection %s missing from byGroup[%s]", id, g)
			}
		}
	}
}
