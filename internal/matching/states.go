package matching

import (
	"fmt"
	"slices"
)

// RequestStatus is the lifecycle state of a BloodRequest.
type RequestStatus string

const (
	RequestPending   RequestStatus = "PENDING"
	RequestMatched   RequestStatus = "MATCHED"
	RequestFulfilled RequestStatus = "FULFILLED"
	RequestCancelled RequestStatus = "CANCELLED"
)

// MatchStatus is the lifecycle state of a MatchRecord.
type MatchStatus string

const (
	MatchNotified  MatchStatus = "NOTIFIED"
	MatchClaimed   MatchStatus = "CLAIMED"
	MatchConfirmed MatchStatus = "CONFIRMED"
)

// requestTransitions lists every legal request move. Anything absent is rejected.
var requestTransitions = map[RequestStatus][]RequestStatus{
	RequestPending: {RequestMatched, RequestCancelled},
	RequestMatched: {RequestFulfilled},
}

// matchTransitions allows confirming straight from NOTIFIED; claiming first is optional.
var matchTransitions = map[MatchStatus][]MatchStatus{
	MatchNotified: {MatchClaimed, MatchConfirmed},
	MatchClaimed:  {MatchConfirmed},
}

// Valid reports whether s is a known request status.
func (s RequestStatus) Valid() bool {
	switch s {
	case RequestPending, RequestMatched, RequestFulfilled, RequestCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s RequestStatus) Terminal() bool {
	return s == RequestFulfilled || s == RequestCancelled
}

// CanTransition reports whether s -> to is a legal move.
func (s RequestStatus) CanTransition(to RequestStatus) bool {
	return slices.Contains(requestTransitions[s], to)
}

// Valid reports whether s is a known match status.
func (s MatchStatus) Valid() bool {
	switch s {
	case MatchNotified, MatchClaimed, MatchConfirmed:
		return true
	}
	return false
}

// Active reports whether the match still binds its donor (not yet confirmed).
func (s MatchStatus) Active() bool {
	return s == MatchNotified || s == MatchClaimed
}

// CanTransition reports whether s -> to is a legal move.
func (s MatchStatus) CanTransition(to MatchStatus) bool {
	return slices.Contains(matchTransitions[s], to)
}

func transitionRequest(r *BloodRequest, to RequestStatus) error {
	if !r.Status.CanTransition(to) {
		return fmt.Errorf("%w: request %s is %s, cannot move to %s", ErrConflict, r.ID, r.Status, to)
	}
	r.Status = to
	return nil
}

func transitionMatch(m *MatchRecord, to MatchStatus) error {
	if !m.Status.CanTransition(to) {
		return fmt.Errorf("%w: match %s is %s, cannot move to %s", ErrConflict, m.ID, m.Status, to)
	}
	m.Status = to
	return nil
}
