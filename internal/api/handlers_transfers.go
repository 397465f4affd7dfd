package api

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/transferd/transferd/internal/manager"
)

// TransferHandlers serves the routes of one manager.
type TransferHandlers struct {
	manager *manager.Manager
}

func newTransferHandlers(m *manager.Manager) *TransferHandlers {
	return &TransferHandlers{manager: m}
}

// RegisterRoutes registers the transfer routes on g.
func (h *TransferHandlers) RegisterRoutes(g *echo.Group) {
	g.GET("", h.List)
	g.POST("", h.Create)
	g.GET("/queue", h.Queue)
	g.GET("/settings", h.GetDefaults)
	g.PUT("/settings", h.SetDefaults)
	g.GET("/:id", h.Get)
	g.DELETE("/:id", h.Remove)
	g.POST("/:id/:action", h.Command)
	g.PUT("/:id/settings", h.Configure)
}

// List returns every known transfer.
// GET /api/v1/{kind}
func (h *TransferHandlers) List(c echo.Context) error {
	list, err := h.manager.List(c.Request().Context())
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, list)
}

// Create queues a new transfer.
// POST /api/v1/{kind}
func (h *TransferHandlers) Create(c echo.Context) error {
	var req manager.Request
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	info, err := h.manager.Create(c.Request().Context(), req)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusCreated, info)
}

// Queue describes the queue.
// GET /api/v1/{kind}/queue
func (h *TransferHandlers) Queue(c echo.Context) error {
	q, err := h.manager.Queue(c.Request().Context())
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, q)
}

// GetDefaults returns the defaults for new transfers.
// GET /api/v1/{kind}/settings
func (h *TransferHandlers) GetDefaults(c echo.Context) error {
	d, err := h.manager.Defaults(c.Request().Context())
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, d)
}

// SetDefaults updates the defaults and every held transfer.
// PUT /api/v1/{kind}/settings
func (h *TransferHandlers) SetDefaults(c echo.Context) error {
	var s manager.Settings
	if err := c.Bind(&s); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	d, err := h.manager.SetDefaults(c.Request().Context(), s)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, d)
}

// Get returns one transfer.
// GET /api/v1/{kind}/:id
func (h *TransferHandlers) Get(c echo.Context) error {
	info, err := h.manager.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, info)
}

// Remove drops a transfer from the queue.
// DELETE /api/v1/{kind}/:id
func (h *TransferHandlers) Remove(c echo.Context) error {
	if err := h.manager.Remove(c.Request().Context(), c.Param("id")); err != nil {
		return errorResponse(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Command runs start, pause, resume or cancel.
// POST /api/v1/{kind}/:id/{start|pause|resume|cancel}
func (h *TransferHandlers) Command(c echo.Context) error {
	var op func(context.Context, string) error
	switch c.Param("action") {
	case "start":
		op = h.manager.Start
	case "pause":
		op = h.manager.Pause
	case "resume":
		op = h.manager.Resume
	case "cancel":
		op = h.manager.Cancel
	default:
		return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown action " + c.Param("action")})
	}

	ctx := c.Request().Context()
	id := c.Param("id")
	if err := op(ctx, id); err != nil {
		return errorResponse(c, err)
	}
	info, err := h.manager.Get(ctx, id)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, info)
}

// Configure changes the settings of one transfer.
// PUT /api/v1/{kind}/:id/settings
func (h *TransferHandlers) Configure(c echo.Context) error {
	var s manager.Settings
	if err := c.Bind(&s); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	info, err := h.manager.Configure(c.Request().Context(), c.Param("id"), s)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, info)
}
