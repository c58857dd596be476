package users

import "time"

// MaxDeferredWait is the cap on how long max_wait will ever report
// (spec.md §4.E: "capped at 10 s").
const MaxDeferredWait = 10 * time.Second

// PendingWork names a lazy-mode user slot whose next pending qmem query
// is eligible for an immediate response right now, and how many such
// responses the caller's loop should release before moving on (spec.md
// §4.E "budget").
type PendingWork struct {
	SlotID int
	Budget int
}

// MaxWait scans every lazy-mode active user (spec.md §4.E): for each,
// checks whether its oldest pending query is eligible for an immediate
// response under any of the five eligibility rules, and if so includes it
// in the returned work list with a send budget. For non-eligible users it
// tracks the minimum remaining time until their oldest pending query's
// DNS timeout deadline. Non-lazy users are skipped entirely: their
// queries are answered immediately at append time by the session layer
// and never contribute to the returned deadline.
func (t *Table) MaxWait(now time.Time) (work []PendingWork, wait time.Duration, waitSlotID int, hasWait bool) {
	wait = MaxDeferredWait
	waitSlotID = -1

	for _, s := range t.slots {
		if s.State == Free || !s.Lazy {
			continue
		}
		numPending := s.Qmem.NumPending()
		if numPending == 0 {
			continue
		}

		eligible := s.Outgoing.HasSendingEligible() ||
			s.NextUpstreamAck >= 0 ||
			s.SendPingNext ||
			numPending > s.Outgoing.WindowSize()

		receivedAt, hasDeadline := s.Qmem.OldestPendingReceivedAt()
		var remaining time.Duration
		if hasDeadline {
			deadline := receivedAt.Add(s.DNSTimeout)
			remaining = deadline.Sub(now)
			if remaining <= 0 {
				eligible = true
			}
		}

		if eligible {
			budget := s.Outgoing.WindowSize()
			if excess := numPending - s.Outgoing.WindowSize(); excess > budget {
				budget = excess
			}
			if budget < 1 {
				budget = 1
			}
			work = append(work, PendingWork{SlotID: s.ID, Budget: budget})
			continue
		}

		if hasDeadline && remaining < wait {
			wait = remaining
			waitSlotID = s.ID
			hasWait = true
		}
	}

	if wait < 0 {
		wait = 0
	}
	return work, wait, waitSlotID, hasWait
}
