package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/3leaps/dbrelay/pkg/jobregistry"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// StreamEvents upgrades to a websocket and sends the job record on every
// change, starting with its current state. The stream ends after the job
// reaches a terminal status.
func (h *JobsHandler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	t, jobID, err := jobRef(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	uid, _ := identity(r)

	// Subscribe before reading the current state so no change is missed.
	sub := h.hub.Subscribe(jobregistry.Key(uid, jobID))
	defer sub.Close()

	current, err := h.engine.GetJob(t, uid, jobID)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("Websocket upgrade failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	// Drain client frames so close and pong are processed.
	gone := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(rec jobregistry.Record) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		if err := conn.WriteJSON(rec); err != nil {
			h.logger.Debug("Websocket write failed", zap.String("key", rec.Key()), zap.Error(err))
			return false
		}
		return true
	}
	closeNormal := func() {
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"))
	}

	if !send(current) {
		return
	}
	if current.Status.Terminal() {
		closeNormal()
		return
	}

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()
	for {
		select {
		case rec, ok := <-sub.C():
			if !ok {
				return
			}
			if rec.Type != t {
				continue
			}
			if !send(rec) {
				return
			}
			if rec.Status.Terminal() {
				closeNormal()
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}
