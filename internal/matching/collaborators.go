package matching

import (
	"context"
	"time"
)

// Notifier delivers the "you have been matched" message to a donor. One
// call is one attempt; a non-nil error means nothing was delivered.
type Notifier interface {
	NotifyMatch(ctx context.Context, donor User, req BloodRequest) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, donor User, req BloodRequest) error

func (f NotifierFunc) NotifyMatch(ctx context.Context, donor User, req BloodRequest) error {
	return f(ctx, donor, req)
}

// AuditSink receives operational events. It must not block and its
// failures are its own.
type AuditSink interface {
	Record(ctx context.Context, eventType, description, actorUserID string)
}

// NotificationFailure is what the operator needs to follow up on a match
// whose donor could not be told.
type NotificationFailure struct {
	MatchID   string    `json:"match_id"`
	RequestID string    `json:"request_id"`
	DonorID   string    `json:"donor_id"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error"`
	FailedAt  time.Time `json:"failed_at"`
}

// FailureRecorder keeps failed notifications for later retry.
type FailureRecorder interface {
	RecordFailure(ctx context.Context, f NotificationFailure) error
	// Resolve drops the entry for matchID once delivery succeeds.
	Resolve(ctx context.Context, matchID string) error
}

// ReceiptArchive stores a copy of each confirmed donation outside the
// primary store.
type ReceiptArchive interface {
	PutReceipt(ctx context.Context, d DonationRecord) error
}

// Event is a state change published to live subscribers.
type Event struct {
	Type      string    `json:"type"`
	RequestID string    `json:"request_id,omitempty"`
	MatchID   string    `json:"match_id,omitempty"`
	DonorID   string    `json:"donor_id,omitempty"`
	Status    string    `json:"status,omitempty"`
	At        time.Time `json:"at"`
}

// EventPublisher fans events out. Publish must not block.
type EventPublisher interface {
	Publish(e Event)
}

// Event types.
const (
	EventRequestSubmitted    = "request.submitted"
	EventRequestMatched      = "request.matched"
	EventRequestNoCandidate  = "request.no_candidate"
	EventRequestCancelled    = "request.cancelled"
	EventRequestFulfilled    = "request.fulfilled"
	EventMatchClaimed        = "match.claimed"
	EventNotificationSent    = "notification.sent"
	EventNotificationFailed  = "notification.failed"
	EventDonationVerified    = "donation.verified"
	EventAvailabilityChanged = "donor.availability"
	EventUserRegistered      = "user.registered"
)
