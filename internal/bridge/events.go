package bridge

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mantonx/plughost/sdk/scope"
)

// EventHello is the first message on every UI socket.
const EventHello = "hello"

// handleEvents mounts one UI. Every plugin event is forwarded to the socket
// until the browser goes away.
func (b *Bridge) handleEvents(c *gin.Context) {
	conn, err := b.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	session := uuid.NewString()
	logger := b.logger.With("session", session)

	sock := b.scope.AddManagedWebSocket(conn)
	listener := b.scope.AddManagedEventListener(b.events, scope.AnyEvent, func(ev scope.Event) {
		if err := sock.WriteJSON(ev); err != nil && err != websocket.ErrCloseSent {
			logger.Debug("failed to forward event", "event", ev.Name, "error", err)
		}
	}, scope.ListenerOptions{})

	defer func() {
		// unmount: drop this socket only, never the whole scope
		b.scope.RemoveManagedEventListener(listener)
		_ = sock.Close()
		logger.Debug("ui unmounted")
	}()

	err = sock.WriteJSON(scope.Event{Name: EventHello, Payload: map[string]interface{}{
		"session": session,
		"state":   b.machine.State().String(),
		"time":    time.Now().UTC(),
	}})
	if err != nil {
		logger.Debug("failed to greet ui", "error", err)
		return
	}
	logger.Debug("ui mounted")

	for {
		if _, _, err := sock.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !b.scope.ShuttingDown() {
				logger.Debug("ui socket read failed", "error", err)
			}
			return
		}
	}
}
