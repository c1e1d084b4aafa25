package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/modelgate/modelgate/internal/infrastructure/persistence"
	"github.com/modelgate/modelgate/internal/infrastructure/routing"
)

// AdminHandler serves the operational surface: backend state, the active
// routing table, and the enable/disable switch.
type AdminHandler struct {
	registry *routing.Registry
	holder   *routing.Holder
	log      *persistence.RequestLog // optional
	logger   *zap.Logger
}

// NewAdminHandler creates the handler. log may be nil when request
// persistence is disabled.
func NewAdminHandler(registry *routing.Registry, holder *routing.Holder, log *persistence.RequestLog, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{registry: registry, holder: holder, log: log, logger: logger}
}

// ListBackends handles GET /admin/backends.
func (h *AdminHandler) ListBackends(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"backends": h.registry.Snapshot(),
	})
}

// routeView is the serialized form of one category route.
type routeView struct {
	Strategy  string   `json:"strategy"`
	StickyTTL string   `json:"sticky_ttl,omitempty"`
	Pipelines []string `json:"pipelines"`
}

// ShowRouting handles GET /admin/routing.
func (h *AdminHandler) ShowRouting(c *gin.Context) {
	table := h.holder.Load()
	routes := make(map[string]routeView, len(table.Categories))
	for cat, r := range table.Categories {
		view := routeView{Strategy: string(r.Strategy)}
		if r.StickyTTL > 0 {
			view.StickyTTL = r.StickyTTL.String()
		}
		for _, e := range r.Entries {
			view.Pipelines = append(view.Pipelines, e.ID)
		}
		routes[string(cat)] = view
	}
	c.JSON(http.StatusOK, gin.H{
		"default_category": table.DefaultCategory,
		"built_at":         table.BuiltAt,
		"routes":           routes,
	})
}

// SetBackendEnabled handles POST /admin/backends/:id/enable and /disable.
func (h *AdminHandler) SetBackendEnabled(enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if !h.registry.SetEnabled(id, enabled) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown pipeline " + id})
			return
		}
		c.JSON(http.StatusOK, gin.H{"pipeline": id, "enabled": enabled})
	}
}

// RecentRequests handles GET /admin/requests.
func (h *AdminHandler) RecentRequests(c *gin.Context) {
	if h.log == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "request persistence is disabled"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	records, err := h.log.Recent(limit)
	if err != nil {
		h.logger.Error("Failed to load request log", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "request log unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": records})
}
