package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/threatscope/threatscope/internal/apiserver/database"
	"github.com/threatscope/threatscope/internal/apiserver/middleware"
	"github.com/threatscope/threatscope/internal/notify"
)

// NotifyHandler exposes the producer dispatch API and administrative
// introspection over the connection registry.
type NotifyHandler struct {
	logger     *zap.Logger
	registry   *notify.Registry
	dispatcher *notify.Dispatcher
	db         database.Database
}

// NewNotifyHandler creates the notification API handler. db may be nil.
func NewNotifyHandler(logger *zap.Logger, registry *notify.Registry, dispatcher *notify.Dispatcher, db database.Database) *NotifyHandler {
	return &NotifyHandler{
		logger:     logger.Named("handler.notify"),
		registry:   registry,
		dispatcher: dispatcher,
		db:         db,
	}
}

type dispatchRequest struct {
	TargetMode string         `json:"target_mode" binding:"required"`
	TargetID   string         `json:"target_id"`
	Kind       string         `json:"kind" binding:"required"`
	Data       map[string]any `json:"data"`
	Exclude    []string       `json:"exclude"`
}

// Dispatch sends a notification to the addressed connections and
// returns the per-connection delivery results.
func (h *NotifyHandler) Dispatch(c *gin.Context) {
	var req dispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !notify.ValidTargetMode(req.TargetMode) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid target_mode: " + req.TargetMode})
		return
	}
	mode := notify.TargetMode(req.TargetMode)
	if mode != notify.TargetBroadcast && req.TargetID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "target_id is required for mode " + req.TargetMode})
		return
	}

	n := notify.NewNotification(notify.Kind(req.Kind), req.Data)
	results := h.dispatcher.Send(c.Request.Context(),
		notify.Target{Mode: mode, ID: req.TargetID}, n,
		notify.WithExclude(req.Exclude...))

	delivered := 0
	for _, ok := range results {
		if ok {
			delivered++
		}
	}

	h.auditDispatch(c, &req, delivered, len(results)-delivered)
	c.JSON(http.StatusOK, gin.H{
		"message_id": n.MessageID,
		"results":    results,
		"delivered":  delivered,
		"failed":     len(results) - delivered,
	})
}

// ListConnections returns the live connection set, filterable by
// principal, job, or group. Read-only operational visibility.
func (h *NotifyHandler) ListConnections(c *gin.Context) {
	infos := h.registry.List(notify.ListFilter{
		PrincipalID: c.Query("principal_id"),
		JobID:       c.Query("job_id"),
		ConnType:    c.Query("connection_type"),
		Group:       c.Query("group"),
	})
	c.JSON(http.StatusOK, gin.H{
		"count":       len(infos),
		"connections": infos,
	})
}

// ListAudit returns persisted audit records, newest first.
func (h *NotifyHandler) ListAudit(c *gin.Context) {
	if h.db == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit store not configured"})
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "50"))
	records, total, err := h.db.ListAuditRecords(c.Request.Context(), database.AuditFilter{
		Action:      c.Query("action"),
		PrincipalID: c.Query("principal_id"),
		JobID:       c.Query("job_id"),
		Page:        page,
		PageSize:    pageSize,
	})
	if err != nil {
		h.logger.Error("failed to list audit records", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query audit records"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"total":   total,
		"records": records,
	})
}

// auditDispatch records who dispatched what, best-effort.
func (h *NotifyHandler) auditDispatch(c *gin.Context, req *dispatchRequest, delivered, failed int) {
	if h.db == nil {
		return
	}

	principalID := ""
	if claims := middleware.ClaimsFromContext(c); claims != nil {
		principalID = claims.UserID
	}
	detail, _ := json.Marshal(gin.H{
		"target_mode": req.TargetMode,
		"target_id":   req.TargetID,
		"kind":        req.Kind,
		"delivered":   delivered,
		"failed":      failed,
	})

	record := &database.AuditRecord{
		Action:      database.ActionDispatch,
		PrincipalID: principalID,
		Detail:      string(detail),
	}
	if req.TargetMode == string(notify.TargetJob) {
		record.JobID = req.TargetID
	}
	if err := h.db.SaveAuditRecord(c.Request.Context(), record); err != nil {
		h.logger.Warn("failed to save dispatch audit record", zap.Error(err))
	}
}
