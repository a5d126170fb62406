// Package monitor drives the protection pipeline: a single producer loop
// that pulls the freshest (frame, detections) pair from the intake mailbox,
// runs it through the guard, and fans the results out to stream
// subscribers. Nothing in this loop ever waits on subscriber I/O.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/guardcam/protection-server/internal/broadcast"
	"github.com/guardcam/protection-server/internal/history"
	"github.com/guardcam/protection-server/internal/ingest"
	"github.com/guardcam/protection-server/internal/logger"
	"github.com/guardcam/protection-server/internal/metrics"
	"github.com/guardcam/protection-server/internal/overlay"
	"github.com/guardcam/protection-server/internal/protect"
)

const (
	// MinRate and MaxRate bound the evaluation cadence in frames/second.
	MinRate = 1
	MaxRate = 60
	// DefaultRate is the startup evaluation cadence.
	DefaultRate = 10
)

// Monitor owns the evaluation loop and is the single caller of the guard's
// Evaluate. Arm/disarm are routed through it so the metrics gauges stay in
// step with the guard.
type Monitor struct {
	guard   *protect.Guard
	mailbox *ingest.Mailbox
	frames  *broadcast.FrameBroadcaster
	alerts  *broadcast.AlertBroadcaster
	archive *history.Store // may be nil
	stats   *metrics.Metrics

	mu      sync.Mutex
	rate    int
	lastSeq uint64

	rateCh chan time.Duration
}

// New wires a Monitor. archive may be nil to disable persistence.
func New(guard *protect.Guard, mailbox *ingest.Mailbox, frames *broadcast.FrameBroadcaster, alerts *broadcast.AlertBroadcaster, archive *history.Store, stats *metrics.Metrics, rate int) (*Monitor, error) {
	if rate == 0 {
		rate = DefaultRate
	}
	if rate < MinRate || rate > MaxRate {
		return nil, fmt.Errorf("evaluation rate %d out of range [%d, %d]", rate, MinRate, MaxRate)
	}
	return &Monitor{
		guard:   guard,
		mailbox: mailbox,
		frames:  frames,
		alerts:  alerts,
		archive: archive,
		stats:   stats,
		rate:    rate,
		rateCh:  make(chan time.Duration, 1),
	}, nil
}

// Run executes the evaluation loop until ctx is cancelled. Each tick is one
// atomic evaluate-and-publish cycle; a tick with no fresh detector pair is
// skipped and logged, never treated as an error.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval())
	defer ticker.Stop()

	logger.Info("Monitor", "Evaluation loop running at %d fps", m.Rate())
	for {
		select {
		case <-ctx.Done():
			logger.Info("Monitor", "Evaluation loop stopped: %v", ctx.Err())
			return
		case d := <-m.rateCh:
			ticker.Reset(d)
		case <-ticker.C:
			m.tick(time.Now())
		}
	}
}

// SetRate adjusts the evaluation cadence without a restart.
func (m *Monitor) SetRate(rate int) error {
	if rate < MinRate || rate > MaxRate {
		return fmt.Errorf("evaluation rate %d out of range [%d, %d]", rate, MinRate, MaxRate)
	}

	m.mu.Lock()
	m.rate = rate
	m.mu.Unlock()

	// Replace any pending reset so the loop always applies the newest rate.
	select {
	case <-m.rateCh:
	default:
	}
	m.rateCh <- time.Second / time.Duration(rate)

	logger.Info("Monitor", "Evaluation rate set to %d fps", rate)
	return nil
}

// Rate returns the current evaluation cadence.
func (m *Monitor) Rate() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rate
}

func (m *Monitor) interval() time.Duration {
	return time.Second / time.Duration(m.Rate())
}

// Arm snapshots the current detector output into a new protection session.
// Every arm path (HTTP, RFID trigger, simulated trigger) lands here.
func (m *Monitor) Arm(now time.Time) (protect.ArmResult, error) {
	sample, ok := m.mailbox.Latest()
	if !ok {
		return protect.ArmResult{}, protect.ErrNoObjectsDetected
	}
	res, err := m.guard.Arm(sample.Detections, now)
	if err != nil {
		return protect.ArmResult{}, err
	}
	m.stats.SetArmed(true, res.ObjectCount)
	return res, nil
}

// Disarm clears the active session.
func (m *Monitor) Disarm() {
	m.guard.Disarm()
	m.stats.SetArmed(false, 0)
}

// Armed reports whether a protection session is active.
func (m *Monitor) Armed() bool {
	return m.guard.Armed()
}

// Snapshot returns a read-only view of the active session for status
// readers, or ok=false when idle.
func (m *Monitor) Snapshot() (protect.SessionView, bool) {
	return m.guard.Snapshot()
}

// tick runs one evaluation cycle against the newest mailbox sample.
func (m *Monitor) tick(now time.Time) {
	sample, ok := m.mailbox.Latest()
	if !ok {
		m.stats.TicksSkipped.Add(1)
		logger.Debug("Monitor", "Tick skipped: no detector pair yet")
		return
	}

	m.mu.Lock()
	stale := sample.Sequence == m.lastSeq
	if !stale {
		m.lastSeq = sample.Sequence
	}
	m.mu.Unlock()
	if stale {
		m.stats.TicksSkipped.Add(1)
		logger.Debug("Monitor", "Tick skipped: detector pair %d already evaluated", sample.Sequence)
		return
	}

	event := m.guard.Evaluate(sample.Detections, now)
	m.stats.EvaluationsRun.Add(1)

	disturbed := make(map[string]bool)
	if event != nil {
		for _, d := range event.Disturbances {
			disturbed[d.Item] = true
		}
	}

	frame := sample.Frame.JPEG
	if annotated, err := overlay.Annotate(frame, sample.Detections, m.guard.Baseline(), disturbed); err == nil {
		frame = annotated
	} else {
		logger.Debug("Monitor", "Frame annotation failed, streaming raw frame: %v", err)
	}

	m.frames.Publish(frame)
	m.stats.FramesBroadcast.Add(1)
	m.stats.FramesDropped.Store(m.frames.Dropped())

	if event != nil {
		m.stats.DisturbancesFound.Add(uint64(len(event.Disturbances)))
		m.stats.AlertsEmitted.Add(1)
		logger.Info("Monitor", "Alert: %d disturbance(s) at %s", len(event.Disturbances), event.Timestamp.Format(time.RFC3339))
		m.alerts.Publish(*event)
		m.archiveAlert(*event)
	}

	m.stats.ObserveTick(now)
}

func (m *Monitor) archiveAlert(event protect.AlertEvent) {
	if m.archive == nil {
		return
	}
	sessionID := ""
	if view, ok := m.guard.Snapshot(); ok {
		sessionID = view.ID
	}
	if err := m.archive.Append(sessionID, event); err != nil {
		logger.Error("Monitor", "Failed to archive alert: %v", err)
	}
}
