package server

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/guardcam/protection-server/internal/broadcast"
	"github.com/guardcam/protection-server/internal/geometry"
	"github.com/guardcam/protection-server/internal/ingest"
	"github.com/guardcam/protection-server/internal/metrics"
	"github.com/guardcam/protection-server/internal/monitor"
	"github.com/guardcam/protection-server/internal/protect"
)

type testEnv struct {
	server  *Server
	mailbox *ingest.Mailbox
	monitor *monitor.Monitor
	frames  *broadcast.FrameBroadcaster
	alerts  *broadcast.AlertBroadcaster
	stats   *metrics.Metrics
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := DefaultConfig()
	cfg.ArchivePath = ""

	guard := protect.NewGuard(cfg.EngineConfig())
	mailbox := ingest.NewMailbox()
	frames := broadcast.NewFrameBroadcaster(cfg.FrameQueueSize)
	alerts := broadcast.NewAlertBroadcaster(cfg.AlertQueueSize)
	stats := metrics.New()

	mon, err := monitor.New(guard, mailbox, frames, alerts, nil, stats, cfg.EvaluationRate)
	if err != nil {
		t.Fatalf("monitor.New failed: %v", err)
	}

	return &testEnv{
		server:  New(cfg, mon, mailbox, frames, alerts, nil, stats),
		mailbox: mailbox,
		monitor: mon,
		frames:  frames,
		alerts:  alerts,
		stats:   stats,
	}
}

func (e *testEnv) putSample(labels ...string) {
	detections := make([]protect.Detection, 0, len(labels))
	for i, label := range labels {
		x := float64(i) * 20
		detections = append(detections, protect.Detection{
			Label:      label,
			Confidence: 0.9,
			BBox:       geometry.NewBox(x, 0, x+10, 10),
		})
	}
	e.mailbox.Put(ingest.Frame{JPEG: []byte("not-a-real-jpeg"), Width: 640, Height: 480}, detections)
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode response body: %v", err)
	}
	return body
}

func TestStatusWhenIdle(t *testing.T) {
	env := newTestEnv(t)
	handler := env.server.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["protection_active"] != false {
		t.Errorf("Expected protection_active=false, got %v", body["protection_active"])
	}
	if body["evaluation_rate"] != float64(monitor.DefaultRate) {
		t.Errorf("Expected evaluation_rate=%d, got %v", monitor.DefaultRate, body["evaluation_rate"])
	}
	if _, ok := body["session"]; ok {
		t.Error("Idle status must not include a session block")
	}
}

func TestActivateWithoutDetections(t *testing.T) {
	env := newTestEnv(t)
	handler := env.server.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/protection/activate", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 when nothing is in view, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["success"] != false {
		t.Errorf("Expected success=false, got %v", body["success"])
	}
}

func TestActivateAndStatus(t *testing.T) {
	env := newTestEnv(t)
	handler := env.server.Handler()
	env.putSample("vase", "laptop")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/protection/activate", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["object_count"] != float64(2) {
		t.Errorf("Expected object_count=2, got %v", body["object_count"])
	}
	if body["session_id"] == "" {
		t.Error("Expected a session_id")
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	status := decodeBody(t, rec)
	if status["protection_active"] != true {
		t.Errorf("Expected protection_active=true, got %v", status["protection_active"])
	}
	session, ok := status["session"].(map[string]any)
	if !ok {
		t.Fatal("Expected a session block in armed status")
	}
	if session["object_count"] != float64(2) {
		t.Errorf("Expected session object_count=2, got %v", session["object_count"])
	}
}

func TestDeactivate(t *testing.T) {
	env := newTestEnv(t)
	handler := env.server.Handler()
	env.putSample("vase")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/protection/activate", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Activate failed: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/protection/deactivate", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if env.monitor.Armed() {
		t.Error("Monitor still armed after deactivate")
	}
}

func TestSimulatedTriggerArms(t *testing.T) {
	env := newTestEnv(t)
	handler := env.server.Handler()
	env.putSample("vase")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/trigger/simulate", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !env.monitor.Armed() {
		t.Error("Simulated trigger did not arm")
	}
}

func TestIngest(t *testing.T) {
	env := newTestEnv(t)
	handler := env.server.Handler()

	payload := ingest.EncodePayload(
		ingest.Frame{JPEG: []byte("frame-bytes"), Width: 640, Height: 480},
		[]protect.Detection{{Label: "vase", Confidence: 0.8, BBox: geometry.NewBox(0, 0, 10, 10)}},
	)
	raw, _ := json.Marshal(payload)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/ingest", bytes.NewReader(raw)))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["detections"] != float64(1) {
		t.Errorf("Expected detections=1, got %v", body["detections"])
	}

	sample, ok := env.mailbox.Latest()
	if !ok {
		t.Fatal("Mailbox empty after ingest")
	}
	if string(sample.Frame.JPEG) != "frame-bytes" {
		t.Errorf("Mailbox holds wrong frame: %q", sample.Frame.JPEG)
	}
	if env.stats.FramesIngested.Load() != 1 {
		t.Errorf("Expected FramesIngested=1, got %d", env.stats.FramesIngested.Load())
	}
}

func TestIngestRejectsBadPayload(t *testing.T) {
	env := newTestEnv(t)
	handler := env.server.Handler()

	cases := []string{
		`not json`,
		`{"frame":"","detections":[]}`,
		`{"frame":"!!!not-base64!!!","detections":[]}`,
	}
	for _, body := range cases {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/ingest", strings.NewReader(body)))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("Payload %q: expected 400, got %d", body, rec.Code)
		}
	}
	if env.stats.IngestErrors.Load() != uint64(len(cases)) {
		t.Errorf("Expected IngestErrors=%d, got %d", len(cases), env.stats.IngestErrors.Load())
	}
}

func TestRateEndpoint(t *testing.T) {
	env := newTestEnv(t)
	handler := env.server.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/rate", strings.NewReader(`{"rate":30}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if env.monitor.Rate() != 30 {
		t.Errorf("Expected rate 30, got %d", env.monitor.Rate())
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/rate", strings.NewReader(`{"rate":0}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for out-of-range rate, got %d", rec.Code)
	}
	if env.monitor.Rate() != 30 {
		t.Errorf("Rejected rate must not apply, got %d", env.monitor.Rate())
	}
}

func TestAlertsWithoutArchive(t *testing.T) {
	env := newTestEnv(t)
	handler := env.server.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/alerts", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	alerts, ok := body["alerts"].([]any)
	if !ok {
		t.Fatalf("Expected an alerts array, got %T", body["alerts"])
	}
	if len(alerts) != 0 {
		t.Errorf("Expected no alerts, got %d", len(alerts))
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/alerts?limit=bogus", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for a bad limit, got %d", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	handler := env.server.Handler()

	paths := []string{
		"/api/ingest",
		"/api/protection/activate",
		"/api/protection/deactivate",
		"/api/rate",
		"/api/trigger/simulate",
	}
	for _, path := range paths {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("GET %s: expected 405, got %d", path, rec.Code)
		}
	}
}

func TestWebsocketFrameAndAlert(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Websocket dial failed: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.frames.Count() == 0 || env.alerts.Count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Websocket handler never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	env.frames.Publish([]byte("jpeg-frame"))
	env.alerts.Publish(protect.AlertEvent{
		Timestamp: time.Unix(1700000000, 0),
		Disturbances: []protect.Disturbance{
			{Item: "vase", MovementScore: 0.5},
		},
	})

	sawFrame, sawAlert := false, false
	for i := 0; i < 2; i++ {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("Websocket read failed: %v", err)
		}
		var envelope struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(raw, &envelope); err != nil {
			t.Fatalf("Bad envelope: %v", err)
		}
		switch envelope.Type {
		case "frame":
			var data string
			if err := json.Unmarshal(envelope.Data, &data); err != nil {
				t.Fatalf("Bad frame data: %v", err)
			}
			decoded, err := base64.StdEncoding.DecodeString(data)
			if err != nil {
				t.Fatalf("Frame data not base64: %v", err)
			}
			if string(decoded) != "jpeg-frame" {
				t.Errorf("Wrong frame payload: %q", decoded)
			}
			sawFrame = true
		case "alert":
			var data struct {
				Timestamp    float64               `json:"timestamp"`
				Disturbances []protect.Disturbance `json:"disturbances"`
			}
			if err := json.Unmarshal(envelope.Data, &data); err != nil {
				t.Fatalf("Bad alert data: %v", err)
			}
			if data.Timestamp != 1700000000 {
				t.Errorf("Wrong alert timestamp: %v", data.Timestamp)
			}
			if len(data.Disturbances) != 1 || data.Disturbances[0].Item != "vase" {
				t.Errorf("Wrong disturbances: %+v", data.Disturbances)
			}
			sawAlert = true
		default:
			t.Errorf("Unexpected envelope type %q", envelope.Type)
		}
	}
	if !sawFrame || !sawAlert {
		t.Errorf("Expected one frame and one alert, got frame=%v alert=%v", sawFrame, sawAlert)
	}
}

func TestMJPEGStream(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/stream")
	if err != nil {
		t.Fatalf("Stream request failed: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "multipart/x-mixed-replace") {
		t.Fatalf("Wrong content type: %s", ct)
	}

	// The placeholder frame arrives before any published frame.
	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("Failed to read stream: %v", err)
	}
	if !strings.Contains(line, mjpegBoundary) {
		t.Errorf("Expected boundary line, got %q", line)
	}
	line, err = reader.ReadString('\n')
	if err != nil {
		t.Fatalf("Failed to read stream: %v", err)
	}
	if !strings.Contains(line, "image/jpeg") {
		t.Errorf("Expected JPEG part header, got %q", line)
	}
}

func TestIndexServed(t *testing.T) {
	env := newTestEnv(t)
	handler := env.server.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Protection Monitor") {
		t.Error("Index page missing title")
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown path, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	handler := env.server.Handler()
	env.stats.FramesIngested.Add(3)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "protection_frames_ingested_total 3") {
		t.Error("Metrics output missing ingest counter")
	}
}
