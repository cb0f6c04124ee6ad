package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *Registry) {
	t.Helper()
	r := newTestRegistry(t)
	return NewDispatcher(zap.NewNop(), r, nil), r
}

func register(t *testing.T, r *Registry, opts ConnOptions) (*Conn, *fakeTransport) {
	t.Helper()
	c, transport := newTestConn(opts)
	require.NoError(t, r.Register(c))
	return c, transport
}

func TestSendToConnection(t *testing.T) {
	d, r := newTestDispatcher(t)
	c, _ := register(t, r, ConnOptions{})

	n := NewNotification(KindSystemAlert, map[string]any{"severity": "high"})
	results := d.Send(context.Background(), ToConnection(c.ID()), n)

	assert.Equal(t, map[string]bool{c.ID(): true}, results)

	// The queued frame is the serialized envelope
	frame := <-c.out
	assert.Contains(t, string(frame), `"type":"system_alert"`)
	assert.Contains(t, string(frame), n.MessageID)
}

func TestSendToPrincipalHitsAllUserConnections(t *testing.T) {
	d, r := newTestDispatcher(t)
	a, _ := register(t, r, ConnOptions{PrincipalID: "u1"})
	b, _ := register(t, r, ConnOptions{PrincipalID: "u1"})
	register(t, r, ConnOptions{PrincipalID: "u2"})

	results := d.Send(context.Background(), ToPrincipal("u1"), NewNotification(KindSystemAlert, nil))
	assert.Equal(t, map[string]bool{a.ID(): true, b.ID(): true}, results)
}

func TestBroadcastWithExclusion(t *testing.T) {
	d, r := newTestDispatcher(t)
	a, _ := register(t, r, ConnOptions{})
	b, _ := register(t, r, ConnOptions{})
	c, _ := register(t, r, ConnOptions{})

	results := d.Send(context.Background(), Broadcast(),
		NewNotification(KindUserJoined, nil), WithExclude(a.ID()))

	assert.Equal(t, map[string]bool{b.ID(): true, c.ID(): true}, results)
	assert.NotContains(t, results, a.ID())
}

func TestSendIsolationUnderFailure(t *testing.T) {
	d, r := newTestDispatcher(t)
	a, _ := register(t, r, ConnOptions{})
	b, _ := register(t, r, ConnOptions{})
	c, _ := register(t, r, ConnOptions{})

	// B's transport is already gone
	b.close()

	results := d.Send(context.Background(), Broadcast(), NewNotification(KindSystemAlert, nil))
	assert.Equal(t, map[string]bool{a.ID(): true, b.ID(): false, c.ID(): true}, results)

	// B gets evicted asynchronously
	require.Eventually(t, func() bool {
		return r.Count() == 2
	}, time.Second, 10*time.Millisecond)
	checkInvariants(t, r)
}

func TestSendSlowConsumerEvicted(t *testing.T) {
	d, r := newTestDispatcher(t)
	slow, _ := register(t, r, ConnOptions{QueueSize: 1})
	require.NoError(t, slow.send([]byte("fill")))

	results := d.Send(context.Background(), ToConnection(slow.ID()), NewNotification(KindSystemAlert, nil))
	assert.False(t, results[slow.ID()])

	require.Eventually(t, func() bool {
		return r.Count() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestSendGroupAfterDisconnect(t *testing.T) {
	d, r := newTestDispatcher(t)
	x, _ := register(t, r, ConnOptions{Groups: []string{"alerts"}})
	y, _ := register(t, r, ConnOptions{Groups: []string{"alerts"}})

	results := d.Send(context.Background(), ToGroup("alerts"), NewNotification(KindSystemAlert, nil))
	assert.Equal(t, map[string]bool{x.ID(): true, y.ID(): true}, results)

	if removed := r.Unregister(x.ID()); removed != nil {
		removed.close()
	}

	results = d.Send(context.Background(), ToGroup("alerts"), NewNotification(KindSystemAlert, nil))
	assert.Equal(t, map[string]bool{y.ID(): true}, results)
}

func TestSendCancelledContext(t *testing.T) {
	d, r := newTestDispatcher(t)
	register(t, r, ConnOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results := d.Send(ctx, Broadcast(), NewNotification(KindSystemAlert, nil))
	assert.Empty(t, results)
}

func TestScanEvents(t *testing.T) {
	d, r := newTestDispatcher(t)
	events := NewScanEvents(d)

	jobConn, _ := register(t, r, ConnOptions{JobID: "scan-42"})
	threatConn, _ := register(t, r, ConnOptions{Groups: []string{ThreatGroup}})

	t.Run("job events address job connections only", func(t *testing.T) {
		results := events.ScanProgress(context.Background(), "scan-42", 50, "halfway")
		assert.Equal(t, map[string]bool{jobConn.ID(): true}, results)

		frame := <-jobConn.out
		assert.Contains(t, string(frame), `"scan_progress"`)
		assert.Contains(t, string(frame), `"job_id":"scan-42"`)
	})

	t.Run("threat events address the threat group", func(t *testing.T) {
		results := events.ThreatDetected(context.Background(), map[string]any{"risk": 9})
		assert.Equal(t, map[string]bool{threatConn.ID(): true}, results)
	})

	t.Run("no subscribers yields empty result", func(t *testing.T) {
		assert.Empty(t, events.ScanCompleted(context.Background(), "other-job", nil))
	})

	t.Run("caller data is not mutated", func(t *testing.T) {
		data := map[string]any{"target": "10.0.0.1"}
		events.ScanStarted(context.Background(), "scan-42", data)
		assert.NotContains(t, data, "job_id")
		assert.Equal(t, map[string]any{"target": "10.0.0.1"}, data)
	})
}
