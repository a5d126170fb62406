package server

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/guardcam/protection-server/internal/logger"
	"github.com/guardcam/protection-server/internal/protect"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Viewers connect from whatever host serves the dashboard.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsEnvelope is the discriminated message the websocket stream carries:
// type "frame" with a base64 JPEG, or type "alert" with the alert event.
type wsEnvelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type wsAlertData struct {
	Timestamp    float64               `json:"timestamp"`
	Disturbances []protect.Disturbance `json:"disturbances"`
}

// handleWS serves the combined frame+alert stream over one websocket. The
// connection gets its own subscriptions on both broadcasters; the writer
// goroutine is the only one touching the socket for writes, and a read
// pump exists solely to notice the peer going away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("Server", "Websocket upgrade failed: %v", err)
		return
	}

	frameID, frames := s.frames.Subscribe()
	alertID, alerts := s.alerts.Subscribe()

	s.stats.WSClients.Add(1)
	logger.Info("Server", "Websocket client #%d connected from %s", frameID, r.RemoteAddr)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer func() {
		s.frames.Unsubscribe(frameID)
		s.alerts.Unsubscribe(alertID)
		s.stats.WSClients.Add(^uint64(0))
		conn.Close()
		logger.Info("Server", "Websocket client #%d disconnected", frameID)
	}()

	for {
		var envelope wsEnvelope
		select {
		case <-done:
			return
		case frame, open := <-frames:
			if !open {
				return
			}
			envelope = wsEnvelope{
				Type: "frame",
				Data: base64.StdEncoding.EncodeToString(frame),
			}
		case event, open := <-alerts:
			if !open {
				return
			}
			envelope = wsEnvelope{
				Type: "alert",
				Data: wsAlertData{
					Timestamp:    float64(event.Timestamp.UnixNano()) / float64(time.Second),
					Disturbances: event.Disturbances,
				},
			}
		}

		payload, err := json.Marshal(envelope)
		if err != nil {
			logger.Error("Server", "Failed to encode websocket envelope: %v", err)
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}
