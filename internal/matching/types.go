package matching

import (
	"slices"
	"strings"
	"time"

	"bloodnet.org/internal/bloodtype"
	"bloodnet.org/internal/ids"
)

// Role tags a user. A user may hold several.
type Role string

const (
	RoleDonor     Role = "donor"
	RoleRecipient Role = "recipient"
	RoleHospital  Role = "hospital"
	RoleAdmin     Role = "admin"
)

// ParseRole accepts the bare role name or the ROLE_ prefixed form.
func ParseRole(raw string) (Role, bool) {
	switch Role(normalizeRole(raw)) {
	case RoleDonor:
		return RoleDonor, true
	case RoleRecipient:
		return RoleRecipient, true
	case RoleHospital:
		return RoleHospital, true
	case RoleAdmin:
		return RoleAdmin, true
	}
	return "", false
}

func normalizeRole(raw string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(raw)), "role_")
}

// Urgency is recorded on a request for reporting. Selection ignores it.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// Valid reports whether u is a known urgency level.
func (u Urgency) Valid() bool {
	switch u {
	case UrgencyLow, UrgencyMedium, UrgencyHigh, UrgencyCritical:
		return true
	}
	return false
}

// User is a role-tagged account. Donors carry a blood type, an availability
// flag and the registration time used to order candidates.
type User struct {
	ID           string         `json:"id"`
	Username     string         `json:"username"`
	FullName     string         `json:"full_name,omitempty"`
	Email        string         `json:"email,omitempty"`
	Roles        []Role         `json:"roles"`
	BloodType    bloodtype.Type `json:"blood_type,omitempty"`
	Available    bool           `json:"available"`
	RegisteredAt *time.Time     `json:"registered_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// HasRole reports whether the user carries r.
func (u User) HasRole(r Role) bool { return slices.Contains(u.Roles, r) }

// BloodRequest is a demand for units of one blood type.
type BloodRequest struct {
	ID                  string         `json:"id"`
	RequesterID         string         `json:"requester_id"`
	BloodType           bloodtype.Type `json:"blood_type"`
	Quantity            int            `json:"quantity"`
	Urgency             Urgency        `json:"urgency"`
	HospitalName        string         `json:"hospital_name,omitempty"`
	HospitalLatitude    *float64       `json:"hospital_latitude,omitempty"`
	HospitalLongitude   *float64       `json:"hospital_longitude,omitempty"`
	LocationDescription string         `json:"location_description,omitempty"`
	Status              RequestStatus  `json:"status"`
	MatchedDonorID      *string        `json:"matched_donor_id,omitempty"`
	MatchedAt           *time.Time     `json:"matched_at,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// MatchRecord binds one request to one donor.
type MatchRecord struct {
	ID                    string      `json:"id"`
	RequestID             string      `json:"request_id"`
	DonorID               string      `json:"donor_id"`
	Status                MatchStatus `json:"status"`
	NotificationSent      bool        `json:"notification_sent"`
	NotificationSentAt    *time.Time  `json:"notification_sent_at,omitempty"`
	NotificationAttempts  int         `json:"notification_attempts"`
	LastNotificationError string      `json:"last_notification_error,omitempty"`
	CreatedAt             time.Time   `json:"created_at"`
	UpdatedAt             time.Time   `json:"updated_at"`
}

// DonationRecord is immutable evidence that units were transferred.
type DonationRecord struct {
	ID        string         `json:"id"`
	DonorID   string         `json:"donor_id"`
	RequestID string         `json:"request_id,omitempty"`
	BloodType bloodtype.Type `json:"blood_type"`
	Quantity  int            `json:"quantity"`
	DonatedAt time.Time      `json:"donated_at"`
}

// InventoryEntry is the current stock of one blood type.
type InventoryEntry struct {
	BloodType bloodtype.Type `json:"blood_type"`
	Quantity  int            `json:"quantity"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Actor is the caller of an operation as established by the transport layer.
type Actor struct {
	UserID string
	Roles  []Role
}

// Is reports whether the actor carries r.
func (a Actor) Is(r Role) bool { return slices.Contains(a.Roles, r) }

// Outcome classifies a match attempt.
type Outcome string

const (
	OutcomeMatched     Outcome = "matched"
	OutcomeNoCandidate Outcome = "no_candidate"
	// OutcomeSkipped means the request was not PENDING; nothing changed.
	OutcomeSkipped Outcome = "skipped"
)

// MatchOutcome reports what a match attempt did. NotificationError is set
// when the match was committed but the donor could not be notified.
type MatchOutcome struct {
	Outcome           Outcome      `json:"outcome"`
	Request           BloodRequest `json:"request"`
	Match             *MatchRecord `json:"match,omitempty"`
	NotificationError error        `json:"-"`
}

func newRequestID() string  { return ids.NewWithPrefix(ids.PrefixRequest) }
func newMatchID() string    { return ids.NewWithPrefix(ids.PrefixMatch) }
func newDonationID() string { return ids.NewWithPrefix(ids.PrefixDonation) }

// NewUserID returns a fresh user identifier.
func NewUserID() string { return ids.NewWithPrefix(ids.PrefixUser) }
