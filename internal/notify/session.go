package notify

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/threatscope/threatscope/internal/common/config"
)

// State is the lifecycle state of one session.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// errTooManyMalformedFrames closes the session once the configured
// malformed-frame threshold is exceeded.
var errTooManyMalformedFrames = errors.New("too many malformed frames")

// Session drives one connection through register, serve, and
// unregister. Any error inside the receive loop is scoped to this
// session; it never touches other sessions or registry consistency.
type Session struct {
	logger     *zap.Logger
	registry   *Registry
	dispatcher *Dispatcher
	conn       *Conn
	cfg        *config.WebSocketConfig

	state     atomic.Int32
	malformed int
}

// NewSession creates a session for an accepted, authenticated
// connection. The caller has already resolved the principal (or allowed
// the connection through anonymously).
func NewSession(logger *zap.Logger, registry *Registry, dispatcher *Dispatcher, conn *Conn, cfg *config.WebSocketConfig) *Session {
	s := &Session{
		logger: logger.Named("notify.session").With(
			zap.String("connection_id", conn.id),
			zap.String("principal_id", conn.principalID)),
		registry:   registry,
		dispatcher: dispatcher,
		conn:       conn,
		cfg:        cfg,
	}
	s.state.Store(int32(StateAuthenticating))
	return s
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Run registers the connection and serves its receive loop until the
// client disconnects, the context is cancelled, or a fatal protocol or
// transport error occurs. Unregister runs exactly once on every exit
// path. A registration failure closes the transport and returns the
// error; the connection is never registered in that case.
func (s *Session) Run(ctx context.Context) error {
	s.conn.sessionOwned.Store(true)
	if err := s.registry.Register(s.conn); err != nil {
		s.conn.close()
		s.state.Store(int32(StateClosed))
		return fmt.Errorf("register connection: %w", err)
	}
	s.state.Store(int32(StateActive))
	defer s.shutdown(ctx)

	go s.conn.writePump()

	// Cancellation from the handler closes the transport, which
	// unblocks the read loop below.
	go func() {
		select {
		case <-ctx.Done():
			s.conn.close()
		case <-s.conn.done:
		}
	}()

	s.sendConnected()
	if s.conn.principalID != "" {
		s.dispatcher.Send(ctx, Broadcast(),
			NewNotification(KindUserJoined, map[string]any{
				"user_id":       s.conn.principalID,
				"connection_id": s.conn.id,
			}),
			WithExclude(s.conn.id))
	}

	for {
		_ = s.conn.transport.SetReadDeadline(time.Now().Add(s.cfg.KeepaliveTimeout))
		raw, err := s.conn.transport.ReadMessage()
		if err != nil {
			// Disconnect, keepalive expiry, or closed transport.
			s.logger.Debug("read loop ended", zap.Error(err))
			return nil
		}
		if err := s.handleFrame(raw); err != nil {
			s.logger.Warn("closing session", zap.Error(err))
			return err
		}
	}
}

// handleFrame processes one inbound control frame. Protocol errors are
// answered with an error frame and tolerated up to the configured
// threshold; registry races and group-cap rejections are answered
// without closing.
func (s *Session) handleFrame(raw []byte) error {
	frame, err := parseClientFrame(raw)
	if err != nil {
		s.malformed++
		s.logger.Debug("malformed frame",
			zap.Int("count", s.malformed),
			zap.Error(err))
		_ = s.conn.send(marshalError(err.Error()))
		if s.malformed > s.cfg.MaxMalformedFrames {
			return errTooManyMalformedFrames
		}
		return nil
	}

	switch frame.Type {
	case frameTypePing:
		_ = s.conn.send(marshalPong(time.Now()))
	case frameTypeSubscribe:
		return s.updateGroups(frame.Groups, nil)
	case frameTypeUnsubscribe:
		return s.updateGroups(nil, frame.Groups)
	}
	return nil
}

// updateGroups applies a subscribe or unsubscribe and answers with the
// resulting full group set.
func (s *Session) updateGroups(add, remove []string) error {
	groups, err := s.registry.UpdateGroups(s.conn.id, add, remove)
	switch {
	case errors.Is(err, ErrNotFound):
		// Lost a race with eviction; the session is already dead.
		return fmt.Errorf("update groups: %w", err)
	case errors.Is(err, ErrGroupLimit):
		_ = s.conn.send(marshalError("group limit reached"))
		return nil
	case err != nil:
		_ = s.conn.send(marshalError("subscription update failed"))
		return nil
	}
	_ = s.conn.send(marshalSubscriptionUpdated(groups))
	return nil
}

// sendConnected delivers the connected notification to the session's
// own connection.
func (s *Session) sendConnected() {
	n := NewNotification(KindConnected, map[string]any{"connection_id": s.conn.id})
	payload, err := n.MarshalWire()
	if err != nil {
		return
	}
	_ = s.conn.send(payload)
}

// shutdown unregisters the connection, closes the transport, and
// broadcasts a best-effort user_left for authenticated sessions. It
// runs exactly once, on every Run exit path.
func (s *Session) shutdown(ctx context.Context) {
	s.state.Store(int32(StateClosing))
	removed := s.registry.Unregister(s.conn.id)
	s.conn.close()

	if removed != nil && removed.principalID != "" {
		// Failures are ignored: the audience is whoever is still here.
		s.dispatcher.Send(context.WithoutCancel(ctx), Broadcast(),
			NewNotification(KindUserLeft, map[string]any{
				"user_id":       removed.principalID,
				"connection_id": removed.id,
			}),
			WithExclude(removed.id))
	}
	s.state.Store(int32(StateClosed))
	s.logger.Info("session closed")
}
