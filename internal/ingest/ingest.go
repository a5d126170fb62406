// Package ingest receives (frame, detections) pairs from the external
// detector pipeline and hands the most recent one to the evaluation loop.
// Delivery is latest-wins: the loop only ever wants the newest pair, and a
// pair it never got around to is simply superseded.
package ingest

import (
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/guardcam/protection-server/internal/geometry"
	"github.com/guardcam/protection-server/internal/protect"
)

// Frame is one decoded-and-re-encoded camera frame as delivered by the
// detector pipeline.
type Frame struct {
	JPEG       []byte
	Width      int
	Height     int
	CapturedAt time.Time
}

// Sample pairs a frame with the detections the detector found in it.
type Sample struct {
	Frame      Frame
	Detections []protect.Detection
	// Sequence increases with every Put; the evaluation loop uses it to
	// tell a fresh pair from one it has already evaluated.
	Sequence uint64
}

// Mailbox is a single-slot, latest-wins buffer between the detector intake
// and the evaluation loop.
type Mailbox struct {
	mu     sync.Mutex
	latest *Sample
	seq    uint64
}

// NewMailbox returns an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{}
}

// Put stores a new pair, superseding any unread one.
func (m *Mailbox) Put(frame Frame, detections []protect.Detection) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	m.latest = &Sample{Frame: frame, Detections: detections, Sequence: m.seq}
}

// Latest returns the newest pair, or ok=false when nothing has arrived yet.
// The mailbox is not drained; callers compare Sequence to skip re-reads.
func (m *Mailbox) Latest() (Sample, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.latest == nil {
		return Sample{}, false
	}
	return *m.latest, true
}

// Payload is the JSON body the detector POSTs to the intake endpoint.
type Payload struct {
	Frame      string             `json:"frame"` // base64 JPEG
	Width      int                `json:"width"`
	Height     int                `json:"height"`
	CapturedAt float64            `json:"captured_at,omitempty"` // unix seconds
	Detections []DetectionPayload `json:"detections"`
}

// DetectionPayload is one detector result on the wire.
type DetectionPayload struct {
	Label      string     `json:"label"`
	Confidence float64    `json:"confidence"`
	BBox       [4]float64 `json:"bbox"` // x1, y1, x2, y2
}

// Decode validates the payload and converts it to engine types. An empty or
// undecodable frame is an error; malformed individual detections are passed
// through (the engine drops them with a diagnostic).
func (p Payload) Decode() (Frame, []protect.Detection, error) {
	if p.Frame == "" {
		return Frame{}, nil, fmt.Errorf("payload has no frame data")
	}
	jpegData, err := base64.StdEncoding.DecodeString(p.Frame)
	if err != nil {
		return Frame{}, nil, fmt.Errorf("decode frame: %w", err)
	}

	capturedAt := time.Now()
	if p.CapturedAt > 0 {
		sec := int64(p.CapturedAt)
		nsec := int64((p.CapturedAt - float64(sec)) * float64(time.Second))
		capturedAt = time.Unix(sec, nsec)
	}

	frame := Frame{
		JPEG:       jpegData,
		Width:      p.Width,
		Height:     p.Height,
		CapturedAt: capturedAt,
	}

	detections := make([]protect.Detection, 0, len(p.Detections))
	for _, d := range p.Detections {
		detections = append(detections, protect.Detection{
			Label:      d.Label,
			Confidence: d.Confidence,
			BBox:       geometry.NewBox(d.BBox[0], d.BBox[1], d.BBox[2], d.BBox[3]),
		})
	}
	return frame, detections, nil
}

// EncodePayload builds the wire form of a pair, used by the detector
// simulator and tests.
func EncodePayload(frame Frame, detections []protect.Detection) Payload {
	p := Payload{
		Frame:      base64.StdEncoding.EncodeToString(frame.JPEG),
		Width:      frame.Width,
		Height:     frame.Height,
		Detections: make([]DetectionPayload, 0, len(detections)),
	}
	if !frame.CapturedAt.IsZero() {
		p.CapturedAt = float64(frame.CapturedAt.UnixNano()) / float64(time.Second)
	}
	for _, d := range detections {
		p.Detections = append(p.Detections, DetectionPayload{
			Label:      d.Label,
			Confidence: d.Confidence,
			BBox:       [4]float64{d.BBox.X1, d.BBox.Y1, d.BBox.X2, d.BBox.Y2},
		})
	}
	return p
}
