package handler

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-lrs/internal/service"
)

const streamPingInterval = 30 * time.Second

// StatementStreamHandler pushes statement.stored events to websocket clients.
type StatementStreamHandler struct {
	events service.StatementEvents
	logger zerolog.Logger
}

// NewStatementStreamHandler builds a stream handler instance.
func NewStatementStreamHandler(events service.StatementEvents, logger zerolog.Logger) *StatementStreamHandler {
	return &StatementStreamHandler{
		events: events,
		logger: logger.With().Str("component", "statement_stream_handler").Logger(),
	}
}

// Register binds the stream route under the provided router group.
func (h *StatementStreamHandler) Register(router fiber.Router) {
	router.Use("/stream", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	router.Get("/stream", websocket.New(h.handleConnection))
}

func (h *StatementStreamHandler) handleConnection(conn *websocket.Conn) {
	verb := strings.TrimSpace(conn.Query("verb"))
	events, cancel := h.events.Subscribe(verb)
	defer cancel()

	h.logger.Debug().Str("verb", verb).Msg("statement stream connected")
	defer h.logger.Debug().Str("verb", verb).Msg("statement stream disconnected")

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				h.logger.Debug().Err(err).Msg("failed to write statement event")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}
