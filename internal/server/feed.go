package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/carryzone/carrymap/internal/pins"
)

const (
	feedWriteTimeout = 10 * time.Second
	feedPingInterval = 30 * time.Second
)

var feedUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Agents connect from outside any browser origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleFeed upgrades the request to a websocket and streams committed pin
// mutations until the client disconnects.
func (h *httpHandler) handleFeed(c *gin.Context) {
	conn, err := feedUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("feed upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close() //nolint:errcheck

	ctx := c.Request.Context()
	events, cleanup := h.dispatcher.Subscribe(ctx)
	defer cleanup()

	// Drain client frames so close frames are processed.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(feedPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-readerDone:
			return
		case <-ping.C:
			deadline := time.Now().Add(feedWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case event, open := <-events:
			if !open {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout)) //nolint:errcheck
			if err := conn.WriteJSON(feedPayloadFromEvent(event)); err != nil {
				h.logger.Debug("feed write failed", zap.Error(err))
				return
			}
		}
	}
}

func feedPayloadFromEvent(event pins.ChangeEvent) changeFeedPayload {
	payload := changeFeedPayload{
		Event: string(event.Kind),
		PinID: event.PinID,
	}
	if event.Pin != nil {
		converted := payloadFromPin(*event.Pin)
		payload.Pin = &converted
	}
	return payload
}
