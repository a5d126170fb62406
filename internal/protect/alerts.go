package protect

import "time"

// processAlerts applies the dedup policy to one frame's classifications and,
// if anything genuinely new remains, produces an AlertEvent and appends it
// to the session history. Runs under the Guard's lock.
//
// A disturbance is "new" when the object's classification changed since the
// last report, or when a still-moving object's movement score rose by more
// than MovementEpsilon. Objects that returned to intact have their report
// state cleared so a later disturbance alerts again.
func processAlerts(session *Session, classifications []classification, cfg Config, now time.Time) *AlertEvent {
	var fresh []Disturbance
	for i, cls := range classifications {
		if cls.status == StatusIntact {
			session.lastReports[i] = nil
			continue
		}

		prev := session.lastReports[i]
		switch {
		case prev == nil:
			// First report for this object since it was last intact.
		case prev.status != cls.status:
			// Moved -> missing (or back) is a state change worth surfacing.
		case cls.status == StatusMoved && cls.score > prev.score+cfg.MovementEpsilon:
			// Still moving, but materially further from the baseline.
		default:
			continue
		}

		session.lastReports[i] = &lastReport{status: cls.status, score: cls.score}
		fresh = append(fresh, cls.disturbance(session.Objects[i]))
	}

	if len(fresh) == 0 {
		return nil
	}

	event := AlertEvent{Timestamp: now, Disturbances: fresh}
	session.appendHistory(event)
	return &event
}
