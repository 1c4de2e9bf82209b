package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/face-verify/internal/controller"
	"github.com/example/face-verify/internal/face"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 << 10,
	WriteBufferSize: 4 << 10,
	// Origin policy is enforced by the CORS middleware and the JWT check.
	CheckOrigin: func(*http.Request) bool { return true },
}

type sessionsKey struct{}

// WithSessionContext returns parent carrying sessions. Live sessions started
// under it end when sessions is done. Hijacked websocket connections are not
// tracked by http.Server.Shutdown, so servers install this as BaseContext.
func WithSessionContext(parent, sessions context.Context) context.Context {
	return context.WithValue(parent, sessionsKey{}, sessions)
}

type liveMessage struct {
	Type    string            `json:"type"`
	Match   *controller.Match `json:"match,omitempty"`
	Error   string            `json:"error,omitempty"`
	Failure face.Failure      `json:"failure,omitempty"`
}

// live streams binary frames from the client into controller.Live and
// writes one JSON message per accepted frame. Frames that arrive while a
// match is running are dropped.
func (h *api) live(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(MaxUploadSize)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	if sessions, ok := c.Request.Context().Value(sessionsKey{}).(context.Context); ok {
		stop := context.AfterFunc(sessions, cancel)
		defer stop()
	}

	frames := make(chan []byte)
	go func() {
		defer close(frames)
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					h.logger.Debug("live read ended", zap.Error(err))
				}
				return
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			select {
			case frames <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	err = h.ctrl.Live(ctx, frames, func(m *controller.Match, err error) {
		msg := liveMessage{Type: "match", Match: m}
		if err != nil {
			msg = liveMessage{Type: "error", Error: err.Error()}
			if !errors.Is(err, controller.ErrNotReady) && !errors.Is(err, controller.ErrSuperseded) {
				msg.Failure = face.Classify(err)
			}
		}
		if werr := conn.WriteJSON(msg); werr != nil {
			h.logger.Debug("live write failed", zap.Error(werr))
			cancel()
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Warn("live session ended", zap.Error(err))
	}
}
