package protect

import (
	"time"

	"github.com/google/uuid"
)

// lastReport remembers what was last surfaced for one protected object, so
// an unchanged disturbance does not re-alert every frame.
type lastReport struct {
	status Status
	score  float64
}

// Session is the unit of protection lifecycle: created on arm, destroyed on
// disarm or replaced on re-arm. The set of protected objects is fixed for
// the session's lifetime. A Session is not safe for concurrent use on its
// own; the Guard serializes all access.
type Session struct {
	ID        string
	StartedAt time.Time

	Objects []ProtectedObject

	// missingStreaks counts consecutive frames without a match, indexed the
	// same as Objects (several objects may share a label, so the index is
	// the key, not the label).
	missingStreaks []int
	lastReports    []*lastReport

	history         []AlertEvent
	historyCapacity int
}

// newSession snapshots the given detections into a fresh baseline.
func newSession(detections []Detection, historyCapacity int, now time.Time) *Session {
	objects := make([]ProtectedObject, 0, len(detections))
	for _, det := range detections {
		objects = append(objects, ProtectedObject{
			Label:        det.Label,
			BaselineBBox: det.BBox,
		})
	}
	return &Session{
		ID:              uuid.NewString(),
		StartedAt:       now,
		Objects:         objects,
		missingStreaks:  make([]int, len(objects)),
		lastReports:     make([]*lastReport, len(objects)),
		history:         make([]AlertEvent, 0, historyCapacity),
		historyCapacity: historyCapacity,
	}
}

// appendHistory records an emitted alert, evicting the oldest entry once
// capacity is reached.
func (s *Session) appendHistory(event AlertEvent) {
	s.history = append(s.history, event)
	if len(s.history) > s.historyCapacity {
		s.history = s.history[len(s.history)-s.historyCapacity:]
	}
}

// History returns a copy of the session's alert history, oldest first.
func (s *Session) History() []AlertEvent {
	out := make([]AlertEvent, len(s.history))
	copy(out, s.history)
	return out
}

// Labels returns the protected labels in baseline order, duplicates kept.
func (s *Session) Labels() []string {
	labels := make([]string, len(s.Objects))
	for i, obj := range s.Objects {
		labels[i] = obj.Label
	}
	return labels
}
