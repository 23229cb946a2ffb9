// Package adminhttp exposes the runtime's administrative HTTP surface:
// plugin listing, a reload trigger, a tool-call dispatch endpoint, the
// current placeholder table, and a long-poll for the plugins-reloaded
// signal.
package adminhttp

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/mywar5/VCPToolBox/internal/dispatch"
	"github.com/mywar5/VCPToolBox/internal/manifest"
	"github.com/mywar5/VCPToolBox/internal/pluginlog"
	"github.com/mywar5/VCPToolBox/internal/preprocess"
	"github.com/mywar5/VCPToolBox/internal/staticrefresh"
)

// ErrorResponse is the uniform JSON shape returned on handler failures.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// Handler wires the admin surface to the runtime components it reports
// on and drives.
type Handler struct {
	store      *manifest.Store
	dispatcher *dispatch.Dispatcher
	refresher  *staticrefresh.Refresher
	pipeline   *preprocess.Pipeline
	reloaded   *reloadSignal
	eventWait  time.Duration
	log        zerolog.Logger
}

// New constructs a Handler. eventWait bounds how long GET /events blocks
// before returning an empty response to the caller.
func New(store *manifest.Store, dispatcher *dispatch.Dispatcher, refresher *staticrefresh.Refresher, pipeline *preprocess.Pipeline, eventWait time.Duration) *Handler {
	return &Handler{
		store:      store,
		dispatcher: dispatcher,
		refresher:  refresher,
		pipeline:   pipeline,
		reloaded:   newReloadSignal(),
		eventWait:  eventWait,
		log:        pluginlog.WithComponent("adminhttp"),
	}
}

// NotifyReloaded wakes every long-polling /events caller. cmd/vcprd
// calls this whenever a manifest.Store reload (hot-reload watcher or
// POST /reload) completes successfully.
func (h *Handler) NotifyReloaded() { h.reloaded.Broadcast() }

// RegisterRoutes mounts the admin surface under the given group.
func (h *Handler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/plugins", h.ListPlugins)
	router.POST("/reload", h.Reload)
	router.POST("/tools/:name/invoke", h.InvokeTool)
	router.GET("/placeholders", h.ListPlaceholders)
	router.GET("/events", h.Events)
}

// PluginSummary is the external representation of one manifest entry.
type PluginSummary struct {
	Name          string `json:"name"`
	DisplayName   string `json:"displayName,omitempty"`
	PluginType    string `json:"pluginType"`
	IsDistributed bool   `json:"isDistributed"`
	ServerID      string `json:"serverId,omitempty"`
}

// ListPlugins handles GET /plugins: the full current manifest set.
func (h *Handler) ListPlugins(c *gin.Context) {
	all := h.store.All()
	out := make([]PluginSummary, 0, len(all))
	for _, m := range all {
		out = append(out, PluginSummary{
			Name:          m.Name,
			DisplayName:   m.DisplayName,
			PluginType:    string(m.PluginType),
			IsDistributed: m.IsDistributed,
			ServerID:      m.ServerID,
		})
	}
	c.JSON(http.StatusOK, gin.H{"plugins": out})
}

// Reload handles POST /reload: re-scans the plugin root, reconciles the
// preprocessor order, and wakes any /events long-pollers.
func (h *Handler) Reload(c *gin.Context) {
	if err := h.store.Reload(); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "reload_failed", Message: err.Error()})
		return
	}
	if h.pipeline != nil {
		if err := h.pipeline.Reconcile(); err != nil {
			h.log.Warn().Err(err).Msg("preprocessor order reconciliation failed after reload")
		}
	}
	h.reloaded.Broadcast()
	c.JSON(http.StatusOK, gin.H{"status": "reloaded"})
}

// invokeRequest is the POST /tools/:name/invoke body.
type invokeRequest struct {
	Args   interface{} `json:"args"`
	Origin string      `json:"origin"`
	Maid   string      `json:"maid"`
}

// InvokeTool handles POST /tools/:name/invoke: dispatches a tool call
// through the shared dispatcher and returns its normalized result or
// error verbatim (the dispatcher's error message is already a JSON
// envelope).
func (h *Handler) InvokeTool(c *gin.Context) {
	name := c.Param("name")
	var req invokeRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: err.Error()})
			return
		}
	}
	if req.Origin == "" {
		req.Origin = c.ClientIP()
	}

	result, err := h.dispatcher.Dispatch(c.Request.Context(), name, req.Args, req.Origin, req.Maid)
	if err != nil {
		c.Data(http.StatusBadGateway, "application/json", []byte(err.Error()))
		return
	}
	c.JSON(http.StatusOK, result)
}

// ListPlaceholders handles GET /placeholders: the current static
// refresher table, including staleness sentinels.
func (h *Handler) ListPlaceholders(c *gin.Context) {
	if h.refresher == nil {
		c.JSON(http.StatusOK, gin.H{"placeholders": map[string]string{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"placeholders": h.refresher.All()})
}

// Events handles GET /events: long-polls for the next plugins-reloaded
// signal, returning 204 if none arrives within eventWait so the caller
// can reconnect rather than hang indefinitely.
func (h *Handler) Events(c *gin.Context) {
	_, ch := h.reloaded.subscribe()
	select {
	case <-ch:
		c.JSON(http.StatusOK, gin.H{"event": "plugins-reloaded"})
	case <-time.After(h.eventWait):
		c.Status(http.StatusNoContent)
	case <-c.Request.Context().Done():
	}
}
