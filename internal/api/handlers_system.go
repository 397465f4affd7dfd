package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/transferd/transferd/internal/health"
	"github.com/transferd/transferd/internal/network"
	"github.com/transferd/transferd/internal/progress"
)

// NetworkState is the body of the network routes.
type NetworkState struct {
	Class network.Class `json:"class"`
}

func (s *Server) getNetwork(c echo.Context) error {
	if s.network == nil {
		return c.JSON(http.StatusOK, NetworkState{Class: network.ClassUnknown})
	}
	return c.JSON(http.StatusOK, NetworkState{Class: s.network.Class()})
}

// setNetwork pins the connectivity class until cleared.
func (s *Server) setNetwork(c echo.Context) error {
	if s.network == nil {
		return c.JSON(http.StatusNotImplemented, map[string]string{"error": "network control unavailable"})
	}

	var body struct {
		Class string `json:"class"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	class, err := network.ParseClass(body.Class)
	if err != nil {
		return errorResponse(c, err)
	}

	s.network.Pin(class)
	s.logger.Info().Stringer("class", class).Msg("Network class overridden")
	return c.JSON(http.StatusOK, NetworkState{Class: s.network.Class()})
}

func (s *Server) clearNetwork(c echo.Context) error {
	if s.network == nil {
		return c.JSON(http.StatusNotImplemented, map[string]string{"error": "network control unavailable"})
	}
	s.network.Unpin()
	return c.JSON(http.StatusOK, NetworkState{Class: s.network.Class()})
}

func (s *Server) listProgress(c echo.Context) error {
	if s.progress == nil {
		return c.JSON(http.StatusOK, []progress.Activity{})
	}
	return c.JSON(http.StatusOK, s.progress.All())
}

// GET /api/v1/health/checks
func (s *Server) healthChecks(c echo.Context) error {
	if s.health == nil {
		return c.JSON(http.StatusOK, &health.HealthResponse{})
	}
	return c.JSON(http.StatusOK, s.health.GetAll())
}

// GET /api/v1/tasks
func (s *Server) listTasks(c echo.Context) error {
	if s.scheduler == nil {
		return c.JSON(http.StatusOK, []any{})
	}
	return c.JSON(http.StatusOK, s.scheduler.ListTasks())
}

// GET /api/v1/tasks/:id
func (s *Server) getTask(c echo.Context) error {
	if s.scheduler == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "scheduler unavailable"})
	}
	task, err := s.scheduler.GetTask(c.Param("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, task)
}

// POST /api/v1/tasks/:id/run
func (s *Server) runTask(c echo.Context) error {
	if s.scheduler == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "scheduler unavailable"})
	}
	id := c.Param("id")
	if err := s.scheduler.RunNow(id); err != nil {
		return errorResponse(c, err)
	}
	task, err := s.scheduler.GetTask(id)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, task)
}

// GET /api/v1/logs?limit=n
func (s *Server) getLogs(c echo.Context) error {
	if s.logs == nil {
		return c.JSON(http.StatusOK, []any{})
	}
	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid limit"})
		}
		limit = n
	}
	return c.JSON(http.StatusOK, s.logs.Recent(limit))
}
