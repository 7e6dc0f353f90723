package handler

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/loka-go-api/internal/service"
)

// StreamHandler upgrades clients to a websocket that receives live
// activity events for one drive.
type StreamHandler struct {
	events service.ActivityEventService
	logger zerolog.Logger
}

// NewStreamHandler constructs the handler instance.
func NewStreamHandler(events service.ActivityEventService, logger zerolog.Logger) *StreamHandler {
	return &StreamHandler{
		events: events,
		logger: logger.With().Str("component", "stream_handler").Logger(),
	}
}

// Register binds the stream routes under the provided router group.
func (h *StreamHandler) Register(router fiber.Router) {
	router.Use("/drives/:driveID/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	router.Get("/drives/:driveID/ws", websocket.New(h.handleConnection))
}

func (h *StreamHandler) handleConnection(conn *websocket.Conn) {
	driveID := streamDriveID(conn)
	if driveID == 0 {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(fiber.StatusBadRequest, "drive id required"))
		_ = conn.Close()
		return
	}

	events, cleanup := h.events.Subscribe(driveID)
	defer cleanup()

	h.logger.Info().Uint("drive_id", driveID).Msg("activity stream connected")
	defer h.logger.Info().Uint("drive_id", driveID).Msg("activity stream disconnected")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			// Reads are discarded; they only detect client disconnect.
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}

func streamDriveID(conn *websocket.Conn) uint {
	parsed, err := strconv.ParseUint(conn.Params("driveID"), 10, 64)
	if err != nil {
		return 0
	}
	return uint(parsed)
}
