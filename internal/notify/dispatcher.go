package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/threatscope/threatscope/pkg/metrics"
)

// SendOption customizes a single dispatch.
type SendOption func(*sendOptions)

type sendOptions struct {
	exclude map[string]struct{}
}

// WithExclude removes the given connection IDs from the resolved target
// set, e.g. so a broadcast does not echo a join event back to its own
// connection.
func WithExclude(ids ...string) SendOption {
	return func(o *sendOptions) {
		if o.exclude == nil {
			o.exclude = make(map[string]struct{}, len(ids))
		}
		for _, id := range ids {
			o.exclude[id] = struct{}{}
		}
	}
}

// Dispatcher resolves addressing targets against the registry and
// delivers notifications to the resolved connections. Delivery is
// best-effort, at-most-once per currently-connected target.
type Dispatcher struct {
	logger   *zap.Logger
	registry *Registry
	metrics  *metrics.Metrics
}

// NewDispatcher creates a dispatcher bound to a registry. metrics may be
// nil.
func NewDispatcher(logger *zap.Logger, registry *Registry, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		logger:   logger.Named("notify.dispatcher"),
		registry: registry,
		metrics:  m,
	}
}

// Send serializes the notification once, resolves the target set once
// (a consistent snapshot), and attempts delivery to every resolved
// connection. The result maps each attempted connection ID to delivery
// success. One connection's failure never aborts the rest; failed
// connections are evicted asynchronously.
func (d *Dispatcher) Send(ctx context.Context, target Target, n *Notification, opts ...SendOption) map[string]bool {
	var options sendOptions
	for _, opt := range opts {
		opt(&options)
	}

	results := make(map[string]bool)
	if ctx.Err() != nil {
		return results
	}

	payload, err := n.MarshalWire()
	if err != nil {
		d.logger.Error("failed to serialize notification",
			zap.String("kind", string(n.Kind)),
			zap.Error(err))
		return results
	}

	start := time.Now()
	conns := d.registry.Resolve(target)
	for _, c := range conns {
		if _, skip := options.exclude[c.id]; skip {
			continue
		}
		err := c.send(payload)
		results[c.id] = err == nil
		d.metrics.NotificationSent(string(n.Kind), err == nil)
		if err != nil {
			d.logger.Warn("send failed, evicting connection",
				zap.String("connection_id", c.id),
				zap.String("kind", string(n.Kind)),
				zap.Error(err))
			d.evict(c)
		}
	}
	d.metrics.ObserveDispatch(string(target.Mode), time.Since(start).Seconds())

	return results
}

// evict closes one connection without blocking the dispatch loop it was
// detected from. Closing the transport unblocks the owning session's
// read loop, whose exit path performs the unregister and the user_left
// broadcast. Connections registered without a session are unregistered
// directly.
func (d *Dispatcher) evict(c *Conn) {
	go func() {
		c.close()
		if !c.sessionOwned.Load() {
			d.registry.Unregister(c.id)
		}
	}()
}
