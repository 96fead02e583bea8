package matching

import (
	"errors"
	"testing"
)

func TestRequestTransitions(t *testing.T) {
	legal := map[[2]RequestStatus]bool{
		{RequestPending, RequestMatched}:   true,
		{RequestPending, RequestCancelled}: true,
		{RequestMatched, RequestFulfilled}: true,
	}
	all := []RequestStatus{RequestPending, RequestMatched, RequestFulfilled, RequestCancelled}
	for _, from := range all {
		for _, to := range all {
			if got := from.CanTransition(to); got != legal[[2]RequestStatus{from, to}] {
				t.Fatalf("%s -> %s: got %v", from, to, got)
			}
		}
	}
}

func TestMatchTransitionsNeverGoBackwards(t *testing.T) {
	legal := map[[2]MatchStatus]bool{
		{MatchNotified, MatchClaimed}:   true,
		{MatchNotified, MatchConfirmed}: true,
		{MatchClaimed, MatchConfirmed}:  true,
	}
	all := []MatchStatus{MatchNotified, MatchClaimed, MatchConfirmed}
	for _, from := range all {
		for _, to := range all {
			if got := from.CanTransition(to); got != legal[[2]MatchStatus{from, to}] {
				t.Fatalf("%s -> %s: got %v", from, to, got)
			}
		}
	}
}

func TestTransitionRejectsWithConflict(t *testing.T) {
	r := BloodRequest{ID: "r1", Status: RequestFulfilled}
	if err := transitionRequest(&r, RequestCancelled); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if r.Status != RequestFulfilled {
		t.Fatalf("status changed on rejected transition: %s", r.Status)
	}

	m := MatchRecord{ID: "m1", Status: MatchConfirmed}
	if err := transitionMatch(&m, MatchClaimed); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestTerminalAndActive(t *testing.T) {
	if RequestPending.Terminal() || RequestMatched.Terminal() {
		t.Fatal("pending and matched are not terminal")
	}
	if !RequestFulfilled.Terminal() || !RequestCancelled.Terminal() {
		t.Fatal("fulfilled and cancelled are terminal")
	}
	if !MatchNotified.Active() || !MatchClaimed.Active() || MatchConfirmed.Active() {
		t.Fatal("unexpected Active result")
	}
}
