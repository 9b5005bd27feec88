package web

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"telegram-forwarder/internal/infra/logger"
)

// wsWriteTimeout ограничивает запись одного события в сокет: зависший клиент
// не должен держать горутину стрима.
const wsWriteTimeout = 5 * time.Second

// handleEvents стримит события шины клиенту по WebSocket. Отстающий клиент
// отбрасывается самой шиной (его канал закрывается), стрим завершается
// нормальным закрытием сокета.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		logger.Warnf("web: websocket accept: %v", err)
		return
	}
	defer conn.CloseNow()

	ch, cancel := s.events.Subscribe()
	defer cancel()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case ev, ok := <-ch:
			if !ok {
				_ = conn.Close(websocket.StatusTryAgainLater, "event backlog overflow")
				return
			}
			wctx, wcancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(wctx, conn, ev)
			wcancel()
			if err != nil {
				logger.Debugf("web: websocket client gone: %v", err)
				return
			}
		}
	}
}
