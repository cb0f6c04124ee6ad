package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/threatscope/threatscope/internal/apiserver/database"
	"github.com/threatscope/threatscope/internal/auth/jwt"
	"github.com/threatscope/threatscope/internal/common/config"
	"github.com/threatscope/threatscope/internal/notify"
	"github.com/threatscope/threatscope/internal/security/ratelimit"
	"github.com/threatscope/threatscope/pkg/metrics"
)

// WebSocketHandler upgrades client connections, authenticates them, and
// hands them to the session lifecycle.
type WebSocketHandler struct {
	logger     *zap.Logger
	registry   *notify.Registry
	dispatcher *notify.Dispatcher
	jwtService *jwt.Service
	limiter    ratelimit.Limiter
	db         database.Database
	cfg        *config.WebSocketConfig
	metrics    *metrics.Metrics
	upgrader   websocket.Upgrader
}

// NewWebSocketHandler creates the websocket endpoint handler. limiter,
// db, and metrics may be nil.
func NewWebSocketHandler(
	logger *zap.Logger,
	registry *notify.Registry,
	dispatcher *notify.Dispatcher,
	jwtService *jwt.Service,
	limiter ratelimit.Limiter,
	db database.Database,
	cfg *config.WebSocketConfig,
	m *metrics.Metrics,
) *WebSocketHandler {
	return &WebSocketHandler{
		logger:     logger.Named("handler.websocket"),
		registry:   registry,
		dispatcher: dispatcher,
		jwtService: jwtService,
		limiter:    limiter,
		db:         db,
		cfg:        cfg,
		metrics:    m,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: cfg.HandshakeTimeout,
			CheckOrigin:      originChecker(cfg.AllowedOrigins),
		},
	}
}

// Handle serves one websocket connection for its whole lifetime.
// Credential, job_id, and groups arrive as query parameters on the
// handshake request.
func (h *WebSocketHandler) Handle(c *gin.Context) {
	remoteAddr := c.ClientIP()

	if h.limiter != nil {
		allowed, err := h.limiter.Allow(c.Request.Context(), remoteAddr)
		if err != nil {
			h.logger.Warn("rate limiter unavailable, allowing handshake", zap.Error(err))
		} else if !allowed {
			h.metrics.ConnOpened("rate_limited")
			h.audit(&database.AuditRecord{Action: database.ActionRateLimited, RemoteAddr: remoteAddr})
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connection attempts"})
			return
		}
	}

	connType := c.DefaultQuery("connection_type", notify.ConnTypeUser)
	if !notify.ValidConnType(connType) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid connection_type: " + connType})
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	principalID, ok := h.authenticate(c, ws, remoteAddr)
	if !ok {
		return
	}

	conn := notify.NewConn(newWSTransport(ws, h.cfg.WriteTimeout), notify.ConnOptions{
		PrincipalID: principalID,
		JobID:       c.Query("job_id"),
		ConnType:    connType,
		Groups:      splitGroups(c.Query("groups")),
		RemoteAddr:  remoteAddr,
		QueueSize:   h.cfg.SendQueueSize,
	})

	h.metrics.ConnOpened("accepted")
	defer h.metrics.ConnClosed()
	h.audit(&database.AuditRecord{
		Action:       database.ActionConnected,
		ConnectionID: conn.ID(),
		PrincipalID:  principalID,
		JobID:        conn.JobID(),
		RemoteAddr:   remoteAddr,
	})

	session := notify.NewSession(h.logger, h.registry, h.dispatcher, conn, h.cfg)
	if err := session.Run(c.Request.Context()); err != nil {
		h.logger.Warn("session ended with error",
			zap.String("connection_id", conn.ID()),
			zap.Error(err))
	}

	h.audit(&database.AuditRecord{
		Action:       database.ActionDisconnected,
		ConnectionID: conn.ID(),
		PrincipalID:  principalID,
		JobID:        conn.JobID(),
		RemoteAddr:   remoteAddr,
	})
}

// authenticate resolves the optional token query parameter to a
// principal. Failures close the already-upgraded socket with a policy
// violation; the connection is never registered.
func (h *WebSocketHandler) authenticate(c *gin.Context, ws *websocket.Conn, remoteAddr string) (string, bool) {
	token := c.Query("token")
	if token == "" {
		if h.cfg.RequireAuth {
			h.metrics.ConnOpened("auth_failed")
			h.audit(&database.AuditRecord{Action: database.ActionAuthFailed, RemoteAddr: remoteAddr, Detail: "credential required"})
			closePolicyViolation(ws, "authentication required")
			return "", false
		}
		return "", true
	}

	claims, err := h.jwtService.ValidateToken(token)
	if err != nil {
		h.logger.Info("websocket authentication failed",
			zap.String("remote_addr", remoteAddr),
			zap.Error(err))
		h.metrics.ConnOpened("auth_failed")
		h.audit(&database.AuditRecord{Action: database.ActionAuthFailed, RemoteAddr: remoteAddr, Detail: err.Error()})
		closePolicyViolation(ws, "authentication failed")
		return "", false
	}
	return claims.UserID, true
}

// audit persists a record best-effort; audit failures never affect the
// connection.
func (h *WebSocketHandler) audit(record *database.AuditRecord) {
	if h.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.db.SaveAuditRecord(ctx, record); err != nil {
		h.logger.Warn("failed to save audit record",
			zap.String("action", record.Action),
			zap.Error(err))
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		set[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

func splitGroups(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if g := strings.TrimSpace(p); g != "" {
			out = append(out, g)
		}
	}
	return out
}

func closePolicyViolation(ws *websocket.Conn, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), deadline)
	_ = ws.Close()
}

// wsTransport adapts a gorilla websocket connection to the transport
// interface owned by one connection.
type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

var _ notify.Transport = (*wsTransport)(nil)

func newWSTransport(conn *websocket.Conn, writeTimeout time.Duration) *wsTransport {
	return &wsTransport{conn: conn, writeTimeout: writeTimeout}
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) WriteMessage(data []byte) error {
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) SetReadDeadline(deadline time.Time) error {
	return t.conn.SetReadDeadline(deadline)
}

func (t *wsTransport) Close() error {
	deadline := time.Now().Add(time.Second)
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return t.conn.Close()
}
