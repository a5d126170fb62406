package protect

import (
	"errors"
	"sync"
	"time"

	"github.com/guardcam/protection-server/internal/logger"
)

// ErrNoObjectsDetected is returned by Arm when the current frame holds no
// usable detections; the guard stays idle.
var ErrNoObjectsDetected = errors.New("no objects detected to protect")

// Guard owns the armed/disarmed lifecycle and is the single owner of the
// active session. Every read or mutation of protection state goes through
// it; one mutex serializes arm, disarm and frame evaluation so a frame is
// always evaluated against a complete, unchanging baseline.
type Guard struct {
	cfg Config

	mu      sync.Mutex
	session *Session
}

// NewGuard returns an idle guard. Zero-valued config fields fall back to
// the engine defaults.
func NewGuard(cfg Config) *Guard {
	return &Guard{cfg: cfg.withDefaults()}
}

// Arm snapshots the given detections into a new protection session and
// transitions to armed. Arming while already armed replaces the prior
// session wholesale, discarding its alert history.
func (g *Guard) Arm(detections []Detection, now time.Time) (ArmResult, error) {
	usable := sanitize(detections)
	if len(usable) == 0 {
		return ArmResult{}, ErrNoObjectsDetected
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.session != nil {
		logger.Info("Guard", "Re-arming: replacing session %s (%d objects, %d alerts discarded)",
			g.session.ID, len(g.session.Objects), len(g.session.history))
	}
	g.session = newSession(usable, g.cfg.HistoryCapacity, now)
	logger.Info("Guard", "Armed session %s protecting %d objects", g.session.ID, len(g.session.Objects))

	return ArmResult{SessionID: g.session.ID, ObjectCount: len(g.session.Objects)}, nil
}

// Disarm transitions to idle and clears the session. No-op when already idle.
func (g *Guard) Disarm() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.session == nil {
		return
	}
	logger.Info("Guard", "Disarmed session %s", g.session.ID)
	g.session = nil
}

// Armed reports whether a session is active.
func (g *Guard) Armed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.session != nil
}

// Evaluate runs one frame through the disturbance engine and the alert
// manager as a single atomic step. It returns the emitted alert, or nil
// when the guard is idle or nothing new was found. A disarm issued while a
// frame is in flight takes effect on the next call.
func (g *Guard) Evaluate(detections []Detection, now time.Time) *AlertEvent {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.session == nil {
		return nil
	}
	classifications := classifyFrame(g.session, detections, g.cfg)
	return processAlerts(g.session, classifications, g.cfg, now)
}

// SessionView is a read-only copy of the active session for status readers.
type SessionView struct {
	ID          string       `json:"id"`
	StartedAt   time.Time    `json:"started_at"`
	ObjectCount int          `json:"object_count"`
	Labels      []string     `json:"labels"`
	Alerts      []AlertEvent `json:"alerts"`
}

// Snapshot returns a copy of the current session state, or ok=false when
// idle.
func (g *Guard) Snapshot() (SessionView, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.session == nil {
		return SessionView{}, false
	}
	return SessionView{
		ID:          g.session.ID,
		StartedAt:   g.session.StartedAt,
		ObjectCount: len(g.session.Objects),
		Labels:      g.session.Labels(),
		Alerts:      g.session.History(),
	}, true
}

// Baseline returns a copy of the protected objects, or nil when idle. Used
// by the overlay renderer to draw baseline boxes.
func (g *Guard) Baseline() []ProtectedObject {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.session == nil {
		return nil
	}
	out := make([]ProtectedObject, len(g.session.Objects))
	copy(out, g.session.Objects)
	return out
}
