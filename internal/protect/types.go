// Package protect implements the protection monitoring engine: baseline
// capture at arm time, per-frame disturbance classification against that
// baseline, alert deduplication, and the armed/disarmed lifecycle that owns
// all of it.
package protect

import (
	"time"

	"github.com/guardcam/protection-server/internal/geometry"
)

// Detection is one detector result for a single frame. Detections are
// consumed by the engine for that frame and never retained.
type Detection struct {
	Label      string       `json:"label"`
	Confidence float64      `json:"confidence"`
	BBox       geometry.Box `json:"bbox"`
}

// ProtectedObject is the baseline recorded for one detected object at arm
// time. It is immutable; re-arming replaces the whole set.
type ProtectedObject struct {
	Label        string       `json:"label"`
	BaselineBBox geometry.Box `json:"baseline_bbox"`
	// BaselineCrop optionally holds a JPEG crop of the object taken from the
	// arming frame, for the viewer UI. May be nil.
	BaselineCrop []byte `json:"-"`
}

// Status classifies one protected object for one frame.
type Status int

const (
	// StatusIntact means the object sits where the baseline recorded it,
	// or is absent but still within the missing-debounce window.
	StatusIntact Status = iota
	// StatusMoved means the object was matched but its overlap with the
	// baseline dropped below the movement threshold.
	StatusMoved
	// StatusMissing means the object was absent for at least the debounce
	// number of consecutive frames.
	StatusMissing
)

func (s Status) String() string {
	switch s {
	case StatusIntact:
		return "intact"
	case StatusMoved:
		return "moved"
	case StatusMissing:
		return "missing"
	default:
		return "unknown"
	}
}

// Disturbance describes one protected object that left the intact state
// during a frame evaluation.
type Disturbance struct {
	Item          string        `json:"item"`
	MovementScore float64       `json:"movement_score"`
	Missing       bool          `json:"missing"`
	OriginalBBox  geometry.Box  `json:"original_bbox"`
	CurrentBBox   *geometry.Box `json:"current_bbox,omitempty"`
}

// AlertEvent groups every disturbance surfaced by a single frame evaluation.
// Immutable once created.
type AlertEvent struct {
	Timestamp    time.Time     `json:"timestamp"`
	Disturbances []Disturbance `json:"disturbances"`
}

// ArmResult reports a successful arm call.
type ArmResult struct {
	SessionID   string `json:"session_id"`
	ObjectCount int    `json:"object_count"`
}
