package matching

import (
	"context"
	"time"

	"bloodnet.org/internal/bloodtype"
)

// UserStore persists users and owns the donor availability flag.
type UserStore interface {
	CreateUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, id string) (User, error)
	// FindAvailableDonors returns available donors whose blood type is in
	// types, excluding excludeUserID, earliest-registered first. Inside a
	// transaction the returned rows are reserved until commit, and a store
	// that locks rows may return only the first unreserved donor.
	FindAvailableDonors(ctx context.Context, types []bloodtype.Type, excludeUserID string) ([]User, error)
	SetAvailable(ctx context.Context, userID string, available bool, at time.Time) error
}

// RequestFilter narrows ListRequests. Zero fields match everything.
type RequestFilter struct {
	RequesterID string
	Status      RequestStatus
}

// RequestStore persists blood requests. GetRequest inside a transaction
// locks the row until commit.
type RequestStore interface {
	CreateRequest(ctx context.Context, r BloodRequest) error
	GetRequest(ctx context.Context, id string) (BloodRequest, error)
	UpdateRequest(ctx context.Context, r BloodRequest) error
	ListRequests(ctx context.Context, f RequestFilter) ([]BloodRequest, error)
}

// MatchFilter narrows ListMatches. Zero fields match everything.
type MatchFilter struct {
	DonorID string
	Status  MatchStatus
}

// MatchStore persists match records. A request has at most one match.
// GetMatch and MatchForRequest inside a transaction lock the row until commit.
type MatchStore interface {
	CreateMatch(ctx context.Context, m MatchRecord) error
	GetMatch(ctx context.Context, id string) (MatchRecord, error)
	MatchForRequest(ctx context.Context, requestID string) (MatchRecord, error)
	UpdateMatch(ctx context.Context, m MatchRecord) error
	// RecordNotification stores the outcome of one delivery attempt. It
	// bumps the attempt counter and writes only the notification fields;
	// status is left as committed. errMsg is ignored when sent is true.
	RecordNotification(ctx context.Context, matchID string, sent bool, errMsg string, at time.Time) (MatchRecord, error)
	ListMatches(ctx context.Context, f MatchFilter) ([]MatchRecord, error)
	// CountActiveMatches counts NOTIFIED or CLAIMED matches bound to donorID.
	CountActiveMatches(ctx context.Context, donorID string) (int, error)
}

// DonationStore persists immutable donation records.
type DonationStore interface {
	CreateDonation(ctx context.Context, d DonationRecord) error
	GetDonation(ctx context.Context, id string) (DonationRecord, error)
	ListDonations(ctx context.Context, donorID string) ([]DonationRecord, error)
}

// InventoryStore keeps one running quantity per blood type.
type InventoryStore interface {
	// IncrementInventory adds qty to the entry for t, creating it when
	// absent, and returns the new entry. The read-add-write is atomic.
	IncrementInventory(ctx context.Context, t bloodtype.Type, qty int, at time.Time) (InventoryEntry, error)
	GetInventory(ctx context.Context, t bloodtype.Type) (InventoryEntry, error)
	ListInventory(ctx context.Context) ([]InventoryEntry, error)
}

// Store is the persistence boundary of the engine. WithTx runs fn as one
// atomic unit: every store call made with the ctx passed to fn joins the
// unit, and any error from fn discards all of its writes.
type Store interface {
	UserStore
	RequestStore
	MatchStore
	DonationStore
	InventoryStore

	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	Ping(ctx context.Context) error
}
