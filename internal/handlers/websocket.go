package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"jetpredict-app/internal/countdown"
	"jetpredict-app/internal/logger"
	"jetpredict-app/internal/middleware"
)

var (
	watchInterval = time.Second
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = pongWait * 9 / 10 // must stay below pongWait
)

// WatchCountdown streams the classified board of a prediction every second
// until every slot has passed or the client goes away
func (h *Handler) WatchCountdown(w http.ResponseWriter, r *http.Request) {
	u, _ := middleware.UserFrom(r.Context())
	p, err := h.Predictions.Get(r.Context(), u.ID, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Get().Warn("failed to upgrade connection", zap.Error(err))
		return
	}
	defer conn.Close()

	log := logger.Get().With(zap.String("user_id", u.ID), zap.String("prediction_id", p.ID))
	log.Debug("countdown stream opened")

	wait := pongWait
	conn.SetReadDeadline(time.Now().Add(wait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wait))
	})
	closed := make(chan struct{})
	go monitorConnection(conn, closed)

	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	// push reports whether the stream is finished
	push := func() bool {
		now := h.now().In(h.Predictions.Location())
		elapsed := countdown.Elapsed(p, now)
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(map[string]interface{}{
			"board":   countdown.Board(p, now),
			"elapsed": elapsed,
		}); err != nil {
			log.Debug("countdown stream write failed", zap.Error(err))
			return true
		}
		if elapsed {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "all slots passed"),
				time.Now().Add(writeWait))
			return true
		}
		return false
	}

	if push() {
		return
	}
	for {
		select {
		case <-closed:
			log.Debug("countdown stream closed by client")
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Debug("countdown stream ping failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if push() {
				return
			}
		}
	}
}

// monitorConnection drains client frames so close and pong are processed. The
// read deadline only moves when a pong arrives.
func monitorConnection(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Get().Debug("unexpected websocket close", zap.Error(err))
			}
			return
		}
	}
}
