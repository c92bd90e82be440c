package raffle

import "fmt"

// RequestLedger binds at most one outstanding randomness request to the
// raffle. Besides the pending id it keeps only the last fulfilled one, so a
// late duplicate delivery is reported as such; its size does not grow with
// the number of rounds. Coordinators hand out increasing ids, and any id
// that is neither pending nor the last fulfilled one is rejected as foreign.
type RequestLedger struct {
	pending       RequestID
	lastFulfilled RequestID
}

func newRequestLedger() RequestLedger {
	return RequestLedger{}
}

// Pending returns the outstanding request, if any.
func (l *RequestLedger) Pending() (RequestID, bool) {
	return l.pending, l.pending != 0
}

// CanIssue reports whether id may become the pending request.
func (l *RequestLedger) CanIssue(id RequestID) error {
	if id == 0 {
		return fmt.Errorf("coordinator returned an empty request id")
	}
	if l.pending != 0 {
		return fmt.Errorf("request %s already in flight", l.pending)
	}
	if id == l.lastFulfilled {
		return fmt.Errorf("coordinator reused request id %s", id)
	}
	return nil
}

// Issue records id as the pending request.
func (l *RequestLedger) Issue(id RequestID) error {
	if err := l.CanIssue(id); err != nil {
		return err
	}
	l.pending = id
	return nil
}

// Validate accepts id only if it is the pending request.
func (l *RequestLedger) Validate(id RequestID) error {
	if l.pending != 0 && id == l.pending {
		return nil
	}
	if id != 0 && id == l.lastFulfilled {
		return fmt.Errorf("%w: request %s already fulfilled", ErrUnknownRequest, id)
	}
	return fmt.Errorf("%w: request %s was not issued by this raffle", ErrUnknownRequest, id)
}

// Consume marks the pending request fulfilled and clears it.
func (l *RequestLedger) Consume(id RequestID) error {
	if err := l.Validate(id); err != nil {
		return err
	}
	l.lastFulfilled = id
	l.pending = 0
	return nil
}
