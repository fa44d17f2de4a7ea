package server

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/teslashibe/go-waterwatch/internal/log"
	"github.com/teslashibe/go-waterwatch/pkg/camera"
	"github.com/teslashibe/go-waterwatch/pkg/store"
)

func errorJSON(c *fiber.Ctx, code int, err error) error {
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

// handleCreateCamera stores a new camera record
func (s *Server) handleCreateCamera(c *fiber.Ctx) error {
	var in store.NewCamera
	if err := c.BodyParser(&in); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, err)
	}
	if err := in.Validate(); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, err)
	}

	cam, err := s.deps.Store.Create(c.UserContext(), in)
	if err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, err)
	}
	log.Info("camera created", "camera_id", cam.ID, "name", cam.Name)
	return c.Status(fiber.StatusCreated).JSON(cam)
}

// handleListCameras returns every camera record
func (s *Server) handleListCameras(c *fiber.Ctx) error {
	cams, err := s.deps.Store.List(c.UserContext())
	if err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, err)
	}
	if cams == nil {
		cams = []*store.Camera{}
	}
	return c.JSON(fiber.Map{
		"cameras": cams,
		"count":   len(cams),
	})
}

func (s *Server) handleGetCamera(c *fiber.Ctx) error {
	cam, err := s.deps.Store.FetchConfig(c.UserContext(), c.Params("id"))
	if err != nil {
		return storeError(c, err)
	}
	return c.JSON(cam)
}

// handleDeleteCamera stops any live session for the camera, then deletes it
func (s *Server) handleDeleteCamera(c *fiber.Ctx) error {
	id := c.Params("id")
	s.deps.Registry.Stop(id)

	if err := s.deps.Store.Delete(c.UserContext(), id); err != nil {
		return storeError(c, err)
	}
	log.Info("camera deleted", "camera_id", id)
	return c.JSON(fiber.Map{"status": "deleted", "id": id})
}

func storeError(c *fiber.Ctx, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return errorJSON(c, fiber.StatusNotFound, err)
	}
	return errorJSON(c, fiber.StatusInternalServerError, err)
}

// handleListSessions reports the live sessions
func (s *Server) handleListSessions(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"sessions": s.deps.Registry.List(),
		"count":    s.deps.Registry.Len(),
	})
}

// handleStopSession ends a live session from outside its connection
func (s *Server) handleStopSession(c *fiber.Ctx) error {
	id := c.Params("id")
	if !s.deps.Registry.Stop(id) {
		return errorJSON(c, fiber.StatusNotFound, errors.New("no active session for camera"))
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "stopping", "id": id})
}

func (s *Server) handleGetCapture(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"config":       s.deps.Capture.GetConfig(),
		"revision":     s.deps.Capture.Revision(),
		"capabilities": camera.Capabilities(),
	})
}

// handleUpdateCapture applies a partial capture update; a "preset" key
// selects a preset before the other fields apply.
func (s *Server) handleUpdateCapture(c *fiber.Ctx) error {
	var u camera.Update
	if err := c.BodyParser(&u); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, err)
	}
	cfg, err := s.deps.Capture.Apply(u)
	if err != nil {
		return errorJSON(c, fiber.StatusBadRequest, err)
	}
	return c.JSON(cfg)
}

func (s *Server) handlePresets(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"presets": camera.Presets(),
		"names":   camera.PresetNames(),
	})
}

// handleHealth reports liveness plus device and session counts
func (s *Server) handleHealth(c *fiber.Ctx) error {
	health := fiber.Map{
		"status":   "ok",
		"version":  s.cfg.Version,
		"uptime":   time.Since(s.started).Round(time.Second).String(),
		"sessions": s.deps.Registry.Len(),
	}
	if s.deps.Acquirer != nil {
		health["devices"] = s.deps.Acquirer.Candidates()
		health["claimed"] = s.deps.Acquirer.Claimed()
	}
	return c.JSON(health)
}

func (s *Server) handleBanner(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"name":      s.cfg.AppName,
		"version":   s.cfg.Version,
		"websocket": "/api/ws/water-level/:id",
		"api":       []string{"/api/cameras", "/api/sessions", "/api/capture", "/health", "/metrics"},
	})
}
