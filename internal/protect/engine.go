package protect

import (
	"sort"

	"github.com/guardcam/protection-server/internal/geometry"
	"github.com/guardcam/protection-server/internal/logger"
)

// Config holds the tunables of the disturbance engine and alert manager.
type Config struct {
	// MovementThreshold is the movement score (1 - IoU against baseline)
	// above which a matched object counts as moved.
	MovementThreshold float64
	// MissingDebounce is the number of consecutive frames an object must be
	// absent before it is classified missing. Suppresses single-frame
	// detector dropouts.
	MissingDebounce int
	// MovementEpsilon is the minimum movement-score increase over the last
	// reported value for a still-moving object to alert again.
	MovementEpsilon float64
	// HistoryCapacity bounds the in-memory alert history kept per session.
	HistoryCapacity int
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MovementThreshold: 0.1,
		MissingDebounce:   3,
		MovementEpsilon:   0.05,
		HistoryCapacity:   10,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MovementThreshold <= 0 {
		c.MovementThreshold = d.MovementThreshold
	}
	if c.MissingDebounce <= 0 {
		c.MissingDebounce = d.MissingDebounce
	}
	if c.MovementEpsilon <= 0 {
		c.MovementEpsilon = d.MovementEpsilon
	}
	if c.HistoryCapacity <= 0 {
		c.HistoryCapacity = d.HistoryCapacity
	}
	return c
}

// classification is the per-frame outcome for one protected object.
type classification struct {
	status Status
	score  float64
	match  *Detection
}

// candidate pairs one protected object with one detection for the greedy
// assignment pass.
type candidate struct {
	objectIdx    int
	detectionIdx int
	iou          float64
}

// classifyFrame resolves the status of every protected object against one
// frame's detections. The returned slice is indexed like session.Objects.
// It advances the session's missing-streak counters and must run under the
// Guard's lock.
func classifyFrame(session *Session, detections []Detection, cfg Config) []classification {
	detections = sanitize(detections)
	assigned := assignMatches(session.Objects, detections)

	out := make([]classification, len(session.Objects))
	for i, obj := range session.Objects {
		if di := assigned[i]; di >= 0 {
			det := detections[di]
			session.missingStreaks[i] = 0
			score := 1 - geometry.IoU(obj.BaselineBBox, det.BBox)
			status := StatusIntact
			if score > cfg.MovementThreshold {
				status = StatusMoved
			}
			out[i] = classification{status: status, score: score, match: &det}
			continue
		}

		session.missingStreaks[i]++
		if session.missingStreaks[i] >= cfg.MissingDebounce {
			out[i] = classification{status: StatusMissing, score: 1.0}
		} else {
			// Absent but inside the debounce window: still treated as intact.
			out[i] = classification{status: StatusIntact}
		}
	}
	return out
}

// disturbance converts a non-intact classification into the reportable form.
func (c classification) disturbance(obj ProtectedObject) Disturbance {
	d := Disturbance{
		Item:          obj.Label,
		MovementScore: c.score,
		OriginalBBox:  obj.BaselineBBox,
	}
	switch c.status {
	case StatusMoved:
		current := c.match.BBox
		d.CurrentBBox = &current
	case StatusMissing:
		d.Missing = true
		d.MovementScore = 1.0
	}
	return d
}

// evaluate classifies one frame and returns a disturbance for every object
// that is moved or missing. History and dedup are handled separately by
// processAlerts.
func evaluate(session *Session, detections []Detection, cfg Config) []Disturbance {
	var disturbances []Disturbance
	for i, cls := range classifyFrame(session, detections, cfg) {
		if cls.status == StatusIntact {
			continue
		}
		disturbances = append(disturbances, cls.disturbance(session.Objects[i]))
	}
	return disturbances
}

// sanitize drops detections the engine cannot evaluate: empty labels or
// boxes that collapse to zero area after corner normalization.
func sanitize(detections []Detection) []Detection {
	out := detections[:0:0]
	for _, det := range detections {
		if det.Label == "" {
			logger.Warn("Engine", "Dropping detection with empty label (bbox=%v)", det.BBox)
			continue
		}
		if det.BBox.Empty() {
			logger.Warn("Engine", "Dropping degenerate detection for %q", det.Label)
			continue
		}
		out = append(out, det)
	}
	return out
}

// assignMatches pairs protected objects with same-label detections,
// one-to-one, greedily by descending IoU against the baseline. Ties break on
// higher confidence, then detection input order. Returns, per object index,
// the index of the claimed detection or -1.
func assignMatches(objects []ProtectedObject, detections []Detection) []int {
	candidates := make([]candidate, 0, len(objects))
	for oi, obj := range objects {
		for di, det := range detections {
			if det.Label != obj.Label {
				continue
			}
			iou := geometry.IoU(obj.BaselineBBox, det.BBox)
			if iou <= 0 {
				// Zero overlap never claims a baseline; a same-label object
				// across the room does not count as this one having moved.
				continue
			}
			candidates = append(candidates, candidate{objectIdx: oi, detectionIdx: di, iou: iou})
		}
	}

	sort.SliceStable(candidates, func(a, b int) bool {
		ca, cb := candidates[a], candidates[b]
		if ca.iou != cb.iou {
			return ca.iou > cb.iou
		}
		confA := detections[ca.detectionIdx].Confidence
		confB := detections[cb.detectionIdx].Confidence
		if confA != confB {
			return confA > confB
		}
		return ca.detectionIdx < cb.detectionIdx
	})

	assigned := make([]int, len(objects))
	for i := range assigned {
		assigned[i] = -1
	}
	detectionTaken := make([]bool, len(detections))
	for _, c := range candidates {
		if assigned[c.objectIdx] != -1 || detectionTaken[c.detectionIdx] {
			continue
		}
		assigned[c.objectIdx] = c.detectionIdx
		detectionTaken[c.detectionIdx] = true
	}
	return assigned
}
