// Package server exposes the protection engine over HTTP: the control
// surface (arm, disarm, rate, status, alert history), the detector intake,
// and the viewer stream as websocket and MJPEG.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/guardcam/protection-server/internal/broadcast"
	"github.com/guardcam/protection-server/internal/history"
	"github.com/guardcam/protection-server/internal/ingest"
	"github.com/guardcam/protection-server/internal/logger"
	"github.com/guardcam/protection-server/internal/metrics"
	"github.com/guardcam/protection-server/internal/monitor"
	"github.com/guardcam/protection-server/internal/protect"
)

// Server serves the protection engine's HTTP endpoints.
type Server struct {
	cfg     Config
	monitor *monitor.Monitor
	mailbox *ingest.Mailbox
	frames  *broadcast.FrameBroadcaster
	alerts  *broadcast.AlertBroadcaster
	archive *history.Store // may be nil
	stats   *metrics.Metrics
}

// New returns a configured server over pre-wired engine components.
func New(cfg Config, mon *monitor.Monitor, mailbox *ingest.Mailbox, frames *broadcast.FrameBroadcaster, alerts *broadcast.AlertBroadcaster, archive *history.Store, stats *metrics.Metrics) *Server {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}
	return &Server{
		cfg:     cfg,
		monitor: mon,
		mailbox: mailbox,
		frames:  frames,
		alerts:  alerts,
		archive: archive,
		stats:   stats,
	}
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/api/ingest", s.handleIngest)
	mux.HandleFunc("/api/protection/activate", s.handleActivate)
	mux.HandleFunc("/api/protection/deactivate", s.handleDeactivate)
	mux.HandleFunc("/api/rate", s.handleRate)
	mux.HandleFunc("/api/trigger/simulate", s.handleSimulateTrigger)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/alerts", s.handleAlerts)
	mux.HandleFunc("/stream", s.handleMJPEG)
	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("/metrics", s.stats.Handler())

	return mux
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

// handleIngest accepts one (frame, detections) pair from the detector
// pipeline.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var payload ingest.Payload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.stats.IngestErrors.Add(1)
		writeJSONWithStatus(w, map[string]any{"error": "invalid ingest payload"}, http.StatusBadRequest)
		return
	}
	frame, detections, err := payload.Decode()
	if err != nil {
		s.stats.IngestErrors.Add(1)
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}

	s.mailbox.Put(frame, detections)
	s.stats.FramesIngested.Add(1)
	writeJSON(w, map[string]any{"accepted": true, "detections": len(detections)})
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.armAndRespond(w)
}

// handleSimulateTrigger is the HTTP stand-in for a physical RFID arm
// signal; it takes the same path as the real trigger.
func (s *Server) handleSimulateTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	logger.Info("Server", "Simulated trigger received")
	s.armAndRespond(w)
}

func (s *Server) armAndRespond(w http.ResponseWriter) {
	res, err := s.monitor.Arm(time.Now())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, protect.ErrNoObjectsDetected) {
			status = http.StatusBadRequest
		}
		writeJSONWithStatus(w, map[string]any{
			"success": false,
			"message": err.Error(),
		}, status)
		return
	}
	writeJSON(w, map[string]any{
		"success":      true,
		"object_count": res.ObjectCount,
		"session_id":   res.SessionID,
	})
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.monitor.Disarm()
	writeJSON(w, map[string]any{"success": true})
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		Rate int `json:"rate"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "invalid rate payload"}, http.StatusBadRequest)
		return
	}
	if err := s.monitor.SetRate(body.Rate); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{"success": true, "rate": body.Rate})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"protection_active": s.monitor.Armed(),
		"evaluation_rate":   s.monitor.Rate(),
		"evaluations_run":   s.stats.EvaluationsRun.Load(),
		"alerts_emitted":    s.stats.AlertsEmitted.Load(),
		"frames_ingested":   s.stats.FramesIngested.Load(),
		"subscribers": map[string]any{
			"ws_frames": s.frames.Count(),
			"alerts":    s.alerts.Count(),
		},
		"timestamp": float64(time.Now().Unix()),
	}
	if view, ok := s.monitor.Snapshot(); ok {
		payload["session"] = map[string]any{
			"id":           view.ID,
			"started_at":   float64(view.StartedAt.Unix()),
			"object_count": view.ObjectCount,
			"labels":       view.Labels,
			"alert_count":  len(view.Alerts),
		}
	}
	writeJSON(w, payload)
}

// handleAlerts serves the alert history read: the SQLite archive when
// configured, otherwise the active session's in-memory window.
func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSONWithStatus(w, map[string]any{"error": fmt.Sprintf("invalid limit %q", v)}, http.StatusBadRequest)
			return
		}
		limit = n
	}

	if s.archive != nil {
		records, err := s.archive.Recent(limit)
		if err != nil {
			logger.Error("Server", "Alert archive query failed: %v", err)
			writeJSONWithStatus(w, map[string]any{"error": "alert archive unavailable"}, http.StatusInternalServerError)
			return
		}
		if records == nil {
			records = []history.Record{}
		}
		writeJSON(w, map[string]any{"alerts": records})
		return
	}

	alerts := []protect.AlertEvent{}
	if view, ok := s.monitor.Snapshot(); ok {
		alerts = view.Alerts
		if len(alerts) > limit {
			alerts = alerts[len(alerts)-limit:]
		}
	}
	writeJSON(w, map[string]any{"alerts": alerts})
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":%q}`, err.Error())
	}
}

const indexHTML = `<!DOCTYPE html>
<html>
<head><title>Protection Monitor</title></head>
<body>
<h1>Protection Monitor</h1>
<img src="/stream" width="640" alt="live stream">
<p>
<button onclick="fetch('/api/protection/activate',{method:'POST'}).then(r=>r.json()).then(j=>status.innerText=JSON.stringify(j))">Activate</button>
<button onclick="fetch('/api/protection/deactivate',{method:'POST'}).then(()=>status.innerText='deactivated')">Deactivate</button>
</p>
<pre id="status"></pre>
<script>
setInterval(()=>fetch('/api/status').then(r=>r.json()).then(j=>{status.innerText=JSON.stringify(j,null,2)}),3000);
</script>
</body>
</html>
`
