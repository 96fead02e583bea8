package matching

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"bloodnet.org/internal/bloodtype"
	"bloodnet.org/internal/obs"
)

// DefaultNotifyTimeout bounds a single notification attempt.
const DefaultNotifyTimeout = 5 * time.Second

// Service is the fulfillment orchestrator. It owns every write to request,
// match, donation and inventory state and to the donor availability flag.
type Service struct {
	store         Store
	notifier      Notifier
	audit         AuditSink
	failures      FailureRecorder
	receipts      ReceiptArchive
	events        EventPublisher
	now           func() time.Time
	notifyTimeout time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithNotifier sets how matched donors are told. The default drops messages.
func WithNotifier(n Notifier) Option { return func(s *Service) { s.notifier = n } }

// WithAuditSink receives one record per state change.
func WithAuditSink(a AuditSink) Option { return func(s *Service) { s.audit = a } }

// WithFailureRecorder keeps failed notifications for operator follow-up.
func WithFailureRecorder(f FailureRecorder) Option { return func(s *Service) { s.failures = f } }

// WithReceiptArchive copies each confirmed donation to r after commit.
func WithReceiptArchive(r ReceiptArchive) Option { return func(s *Service) { s.receipts = r } }

// WithEvents publishes lifecycle events after each commit.
func WithEvents(p EventPublisher) Option { return func(s *Service) { s.events = p } }

// WithClock replaces the UTC wall clock, mostly for tests.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithNotifyTimeout overrides DefaultNotifyTimeout. Non-positive values are ignored.
func WithNotifyTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.notifyTimeout = d
		}
	}
}

// NewService wires the orchestrator over store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:         store,
		now:           func() time.Time { return time.Now().UTC() },
		notifyTimeout: DefaultNotifyTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.notifier == nil {
		s.notifier = NotifierFunc(func(context.Context, User, BloodRequest) error { return nil })
	}
	return s
}

// Store exposes the underlying store for health checks.
func (s *Service) Store() Store { return s.store }

// SubmitInput carries a new blood request as entered by the requester.
type SubmitInput struct {
	BloodType           string   `json:"blood_type"`
	Quantity            int      `json:"quantity"`
	Urgency             string   `json:"urgency"`
	HospitalName        string   `json:"hospital_name"`
	HospitalLatitude    *float64 `json:"hospital_latitude"`
	HospitalLongitude   *float64 `json:"hospital_longitude"`
	LocationDescription string   `json:"location_description"`
}

func (in SubmitInput) validate() (bloodtype.Type, Urgency, error) {
	bt, err := bloodtype.Parse(in.BloodType)
	if err != nil {
		return "", "", fmt.Errorf("%w: blood type %q: %v", ErrValidation, in.BloodType, err)
	}
	if in.Quantity <= 0 {
		return "", "", fmt.Errorf("%w: quantity must be positive", ErrValidation)
	}
	urgency := Urgency(strings.ToLower(strings.TrimSpace(in.Urgency)))
	if urgency == "" {
		urgency = UrgencyMedium
	}
	if !urgency.Valid() {
		return "", "", fmt.Errorf("%w: urgency %q", ErrValidation, in.Urgency)
	}
	if (in.HospitalLatitude == nil) != (in.HospitalLongitude == nil) {
		return "", "", fmt.Errorf("%w: hospital latitude and longitude go together", ErrValidation)
	}
	if in.HospitalLatitude != nil {
		lat, lon := *in.HospitalLatitude, *in.HospitalLongitude
		if math.IsNaN(lat) || math.IsNaN(lon) || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
			return "", "", fmt.Errorf("%w: hospital coordinates out of range", ErrValidation)
		}
	}
	return bt, urgency, nil
}

// SubmitRequest records a PENDING request for requester and immediately
// attempts to match it.
func (s *Service) SubmitRequest(ctx context.Context, in SubmitInput, requester Actor) (MatchOutcome, error) {
	if requester.UserID == "" || !(requester.Is(RoleRecipient) || requester.Is(RoleHospital) || requester.Is(RoleAdmin)) {
		return MatchOutcome{}, fmt.Errorf("%w: only recipients, hospitals and admins submit requests", ErrPermission)
	}
	bt, urgency, err := in.validate()
	if err != nil {
		return MatchOutcome{}, err
	}
	if _, err := s.store.GetUser(ctx, requester.UserID); err != nil {
		return MatchOutcome{}, err
	}

	now := s.now()
	req := BloodRequest{
		ID:                  newRequestID(),
		RequesterID:         requester.UserID,
		BloodType:           bt,
		Quantity:            in.Quantity,
		Urgency:             urgency,
		HospitalName:        strings.TrimSpace(in.HospitalName),
		HospitalLatitude:    in.HospitalLatitude,
		HospitalLongitude:   in.HospitalLongitude,
		LocationDescription: strings.TrimSpace(in.LocationDescription),
		Status:              RequestPending,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.store.CreateRequest(ctx, req); err != nil {
		return MatchOutcome{}, err
	}
	s.record(ctx, EventRequestSubmitted, fmt.Sprintf("request %s submitted for %d unit(s) of %s", req.ID, req.Quantity, req.BloodType), requester.UserID)
	s.publish(Event{Type: EventRequestSubmitted, RequestID: req.ID, Status: string(req.Status), At: now})

	return s.MatchRequest(ctx, req.ID)
}

// MatchRequest tries to bind a donor to a PENDING request. Selection and the
// commit of request, match and donor availability form one atomic unit, so
// two concurrent attempts can never take the same donor. Notification runs
// after the commit and cannot undo it.
func (s *Service) MatchRequest(ctx context.Context, requestID string) (MatchOutcome, error) {
	var (
		out   MatchOutcome
		donor User
	)
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		req, err := s.store.GetRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if req.Status != RequestPending {
			out = MatchOutcome{Outcome: OutcomeSkipped, Request: req}
			return nil
		}
		out = MatchOutcome{Outcome: OutcomeNoCandidate, Request: req}

		types := bloodtype.CompatibleDonors(req.BloodType)
		if len(types) == 0 {
			return nil
		}
		candidates, err := s.store.FindAvailableDonors(ctx, types, req.RequesterID)
		if err != nil {
			return err
		}
		chosen, ok := SelectDonor(candidates, req)
		if !ok {
			return nil
		}

		now := s.now()
		if err := transitionRequest(&req, RequestMatched); err != nil {
			return err
		}
		donorID := chosen.ID
		req.MatchedDonorID = &donorID
		req.MatchedAt = &now
		req.UpdatedAt = now
		if err := s.store.UpdateRequest(ctx, req); err != nil {
			return err
		}
		match := MatchRecord{
			ID:        newMatchID(),
			RequestID: req.ID,
			DonorID:   donorID,
			Status:    MatchNotified,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.store.CreateMatch(ctx, match); err != nil {
			return err
		}
		if err := s.store.SetAvailable(ctx, donorID, false, now); err != nil {
			return err
		}
		chosen.Available = false
		donor = chosen
		out = MatchOutcome{Outcome: OutcomeMatched, Request: req, Match: &match}
		return nil
	})
	if err != nil {
		return MatchOutcome{}, err
	}

	obs.RecordMatchAttempt(string(out.Outcome))
	req := out.Request
	switch out.Outcome {
	case OutcomeSkipped:
		return out, nil
	case OutcomeNoCandidate:
		s.record(ctx, EventRequestNoCandidate, fmt.Sprintf("no available donors for request %s (%s)", req.ID, req.BloodType), req.RequesterID)
		s.publish(Event{Type: EventRequestNoCandidate, RequestID: req.ID, Status: string(req.Status), At: s.now()})
		return out, nil
	}

	s.record(ctx, EventRequestMatched, fmt.Sprintf("request %s matched to donor %s", req.ID, donor.Username), req.RequesterID)
	s.publish(Event{Type: EventRequestMatched, RequestID: req.ID, MatchID: out.Match.ID, DonorID: donor.ID, Status: string(req.Status), At: *req.MatchedAt})

	match, notifyErr := s.deliver(ctx, *out.Match, donor, req)
	out.Match = &match
	out.NotificationError = notifyErr
	return out, nil
}

// deliver makes one bounded notification attempt and records its outcome on
// the match. It never returns a store error; those are logged.
func (s *Service) deliver(ctx context.Context, match MatchRecord, donor User, req BloodRequest) (MatchRecord, error) {
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.notifyTimeout)
	notifyErr := s.notifier.NotifyMatch(nctx, donor, req)
	cancel()

	now := s.now()
	errMsg := ""
	if notifyErr != nil {
		errMsg = notifyErr.Error()
	}
	updated, err := s.store.RecordNotification(context.WithoutCancel(ctx), match.ID, notifyErr == nil, errMsg, now)
	if err == nil {
		match = updated
	} else {
		obs.LogJSON("error", "match notification outcome not saved", map[string]any{
			"match_id": match.ID,
			"error":    err.Error(),
		})
	}

	if notifyErr == nil {
		obs.RecordNotification("sent")
		s.record(ctx, EventNotificationSent, fmt.Sprintf("donor %s notified for request %s", donor.Username, req.ID), req.RequesterID)
		s.publish(Event{Type: EventNotificationSent, RequestID: req.ID, MatchID: match.ID, DonorID: donor.ID, Status: string(match.Status), At: now})
		if s.failures != nil {
			if err := s.failures.Resolve(context.WithoutCancel(ctx), match.ID); err != nil {
				obs.LogJSON("warn", "outbox resolve failed", map[string]any{"match_id": match.ID, "error": err.Error()})
			}
		}
		return match, nil
	}

	obs.RecordNotification("failed")
	s.record(ctx, EventNotificationFailed, fmt.Sprintf("failed to notify donor %s for request %s: %v", donor.Username, req.ID, notifyErr), req.RequesterID)
	s.publish(Event{Type: EventNotificationFailed, RequestID: req.ID, MatchID: match.ID, DonorID: donor.ID, Status: string(match.Status), At: now})
	if s.failures != nil {
		f := NotificationFailure{
			MatchID:   match.ID,
			RequestID: req.ID,
			DonorID:   donor.ID,
			Attempts:  match.NotificationAttempts,
			Error:     notifyErr.Error(),
			FailedAt:  now,
		}
		if err := s.failures.RecordFailure(context.WithoutCancel(ctx), f); err != nil {
			obs.LogJSON("error", "outbox write failed", map[string]any{"match_id": match.ID, "error": err.Error()})
		}
	}
	return match, fmt.Errorf("notify donor %s: %w", donor.ID, notifyErr)
}

// RetryNotification makes another delivery attempt for a match whose donor
// has not been told yet.
func (s *Service) RetryNotification(ctx context.Context, matchID string, caller Actor) (MatchRecord, error) {
	if !caller.Is(RoleAdmin) {
		return MatchRecord{}, fmt.Errorf("%w: only admins retry notifications", ErrPermission)
	}
	match, err := s.store.GetMatch(ctx, matchID)
	if err != nil {
		return MatchRecord{}, err
	}
	if !match.Status.Active() {
		return MatchRecord{}, fmt.Errorf("%w: match %s is %s", ErrConflict, match.ID, match.Status)
	}
	if match.NotificationSent {
		return MatchRecord{}, fmt.Errorf("%w: match %s already notified", ErrConflict, match.ID)
	}
	req, err := s.store.GetRequest(ctx, match.RequestID)
	if err != nil {
		return MatchRecord{}, err
	}
	donor, err := s.store.GetUser(ctx, match.DonorID)
	if err != nil {
		return MatchRecord{}, err
	}
	return s.deliver(ctx, match, donor, req)
}

// ClaimMatch lets the matched donor accept the match before donating.
func (s *Service) ClaimMatch(ctx context.Context, requestID string, donor Actor) (MatchRecord, error) {
	var match MatchRecord
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		req, err := s.store.GetRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if req.MatchedDonorID == nil || *req.MatchedDonorID != donor.UserID {
			return fmt.Errorf("%w: %s is not the matched donor of request %s", ErrPermission, donor.UserID, req.ID)
		}
		if req.Status != RequestMatched {
			return fmt.Errorf("%w: request %s is %s", ErrConflict, req.ID, req.Status)
		}
		m, err := s.store.MatchForRequest(ctx, req.ID)
		if err != nil {
			return err
		}
		if err := transitionMatch(&m, MatchClaimed); err != nil {
			return err
		}
		m.UpdatedAt = s.now()
		if err := s.store.UpdateMatch(ctx, m); err != nil {
			return err
		}
		match = m
		return nil
	})
	if err != nil {
		return MatchRecord{}, err
	}
	s.record(ctx, EventMatchClaimed, fmt.Sprintf("donor %s claimed request %s", donor.UserID, requestID), donor.UserID)
	s.publish(Event{Type: EventMatchClaimed, RequestID: requestID, MatchID: match.ID, DonorID: match.DonorID, Status: string(match.Status), At: match.UpdatedAt})
	return match, nil
}

// ConfirmDonation closes out a MATCHED request: it writes the donation
// record, adds the units to inventory, fulfills the request, confirms the
// match and leaves the donor unavailable, all in one atomic unit.
func (s *Service) ConfirmDonation(ctx context.Context, requestID string, donor Actor) (DonationRecord, error) {
	var (
		donation DonationRecord
		entry    InventoryEntry
		match    MatchRecord
	)
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		req, err := s.store.GetRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if req.MatchedDonorID == nil || *req.MatchedDonorID != donor.UserID {
			return fmt.Errorf("%w: %s is not the matched donor of request %s", ErrPermission, donor.UserID, req.ID)
		}
		if err := transitionRequest(&req, RequestFulfilled); err != nil {
			return err
		}
		m, err := s.store.MatchForRequest(ctx, req.ID)
		if err != nil {
			return err
		}
		if err := transitionMatch(&m, MatchConfirmed); err != nil {
			return err
		}

		now := s.now()
		donation = DonationRecord{
			ID:        newDonationID(),
			DonorID:   donor.UserID,
			RequestID: req.ID,
			BloodType: req.BloodType,
			Quantity:  req.Quantity,
			DonatedAt: now,
		}
		if err := s.store.CreateDonation(ctx, donation); err != nil {
			return err
		}
		if entry, err = s.store.IncrementInventory(ctx, req.BloodType, req.Quantity, now); err != nil {
			return err
		}
		req.UpdatedAt = now
		if err := s.store.UpdateRequest(ctx, req); err != nil {
			return err
		}
		m.UpdatedAt = now
		if err := s.store.UpdateMatch(ctx, m); err != nil {
			return err
		}
		match = m
		return s.store.SetAvailable(ctx, donor.UserID, false, now)
	})
	if err != nil {
		return DonationRecord{}, err
	}

	obs.RecordDonation()
	obs.SetInventoryUnits(string(entry.BloodType), entry.Quantity)
	s.record(ctx, EventRequestFulfilled, fmt.Sprintf("donor %s confirmed donation %s for request %s", donor.UserID, donation.ID, requestID), donor.UserID)
	s.publish(Event{Type: EventRequestFulfilled, RequestID: requestID, MatchID: match.ID, DonorID: donor.UserID, Status: string(RequestFulfilled), At: donation.DonatedAt})
	if s.receipts != nil {
		if err := s.receipts.PutReceipt(context.WithoutCancel(ctx), donation); err != nil {
			obs.LogJSON("warn", "donation receipt not archived", map[string]any{"donation_id": donation.ID, "error": err.Error()})
		}
	}
	return donation, nil
}

// CancelRequest cancels a PENDING request on behalf of its requester or an admin.
func (s *Service) CancelRequest(ctx context.Context, requestID string, caller Actor) (BloodRequest, error) {
	var out BloodRequest
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		req, err := s.store.GetRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if req.RequesterID != caller.UserID && !caller.Is(RoleAdmin) {
			return fmt.Errorf("%w: only the requester or an admin may cancel request %s", ErrPermission, req.ID)
		}
		if err := transitionRequest(&req, RequestCancelled); err != nil {
			return err
		}
		req.UpdatedAt = s.now()
		if err := s.store.UpdateRequest(ctx, req); err != nil {
			return err
		}
		out = req
		return nil
	})
	if err != nil {
		return BloodRequest{}, err
	}
	s.record(ctx, EventRequestCancelled, fmt.Sprintf("request %s cancelled by %s", out.ID, caller.UserID), caller.UserID)
	s.publish(Event{Type: EventRequestCancelled, RequestID: out.ID, Status: string(out.Status), At: out.UpdatedAt})
	return out, nil
}

// VerifyDonation adds a recorded donation to inventory again, for manual or
// delayed reconciliation. Request and match state are not touched.
func (s *Service) VerifyDonation(ctx context.Context, donationID string, caller Actor) (InventoryEntry, error) {
	if !caller.Is(RoleHospital) && !caller.Is(RoleAdmin) {
		return InventoryEntry{}, fmt.Errorf("%w: only hospitals and admins verify donations", ErrPermission)
	}
	var entry InventoryEntry
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		d, err := s.store.GetDonation(ctx, donationID)
		if err != nil {
			return err
		}
		entry, err = s.store.IncrementInventory(ctx, d.BloodType, d.Quantity, s.now())
		return err
	})
	if err != nil {
		return InventoryEntry{}, err
	}
	obs.SetInventoryUnits(string(entry.BloodType), entry.Quantity)
	s.record(ctx, EventDonationVerified, fmt.Sprintf("donation %s verified, %s stock now %d", donationID, entry.BloodType, entry.Quantity), caller.UserID)
	return entry, nil
}

// SetAvailability flips a donor's availability flag. The change is refused
// while the donor is bound to an unconfirmed match.
func (s *Service) SetAvailability(ctx context.Context, donorID string, available bool, caller Actor) (User, error) {
	if caller.UserID != donorID && !caller.Is(RoleAdmin) {
		return User{}, fmt.Errorf("%w: cannot change availability of %s", ErrPermission, donorID)
	}
	var out User
	changed := false
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		u, err := s.store.GetUser(ctx, donorID)
		if err != nil {
			return err
		}
		if !u.HasRole(RoleDonor) {
			return fmt.Errorf("%w: user %s is not a donor", ErrValidation, donorID)
		}
		if u.Available == available {
			out = u
			return nil
		}
		active, err := s.store.CountActiveMatches(ctx, donorID)
		if err != nil {
			return err
		}
		if active > 0 {
			return fmt.Errorf("%w: donor %s has %d match(es) in flight", ErrConflict, donorID, active)
		}
		now := s.now()
		if err := s.store.SetAvailable(ctx, donorID, available, now); err != nil {
			return err
		}
		u.Available = available
		u.UpdatedAt = now
		out = u
		changed = true
		return nil
	})
	if err != nil {
		return User{}, err
	}
	if changed {
		s.record(ctx, EventAvailabilityChanged, fmt.Sprintf("donor %s available=%t", donorID, available), caller.UserID)
		s.publish(Event{Type: EventAvailabilityChanged, DonorID: donorID, At: out.UpdatedAt})
	}
	return out, nil
}

// RegisterInput describes a user created by an admin.
type RegisterInput struct {
	ID        string   `json:"id,omitempty"`
	Username  string   `json:"username"`
	FullName  string   `json:"full_name"`
	Email     string   `json:"email"`
	Roles     []string `json:"roles"`
	BloodType string   `json:"blood_type"`
	Available bool     `json:"available"`
}

// RegisterUser seeds a user into the store. Donors get a registration
// timestamp, which orders them for selection.
func (s *Service) RegisterUser(ctx context.Context, in RegisterInput, caller Actor) (User, error) {
	if !caller.Is(RoleAdmin) {
		return User{}, fmt.Errorf("%w: only admins register users", ErrPermission)
	}
	return s.registerUser(ctx, in, caller.UserID)
}

// Bootstrap registers a user without an acting admin. It is meant for
// seeding from configuration at startup.
func (s *Service) Bootstrap(ctx context.Context, in RegisterInput) (User, error) {
	u, err := s.registerUser(ctx, in, "")
	if errors.Is(err, ErrConflict) && in.ID != "" {
		return s.store.GetUser(ctx, in.ID)
	}
	return u, err
}

func (s *Service) registerUser(ctx context.Context, in RegisterInput, actorID string) (User, error) {
	username := strings.TrimSpace(in.Username)
	if username == "" {
		return User{}, fmt.Errorf("%w: username is required", ErrValidation)
	}
	if len(in.Roles) == 0 {
		return User{}, fmt.Errorf("%w: at least one role is required", ErrValidation)
	}
	roles := make([]Role, 0, len(in.Roles))
	for _, raw := range in.Roles {
		r, ok := ParseRole(raw)
		if !ok {
			return User{}, fmt.Errorf("%w: role %q", ErrValidation, raw)
		}
		roles = append(roles, r)
	}
	now := s.now()
	u := User{
		ID:        strings.TrimSpace(in.ID),
		Username:  username,
		FullName:  strings.TrimSpace(in.FullName),
		Email:     strings.TrimSpace(in.Email),
		Roles:     roles,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if u.ID == "" {
		u.ID = NewUserID()
	}
	if strings.TrimSpace(in.BloodType) != "" {
		bt, err := bloodtype.Parse(in.BloodType)
		if err != nil {
			return User{}, fmt.Errorf("%w: blood type %q", ErrValidation, in.BloodType)
		}
		u.BloodType = bt
	}
	if u.HasRole(RoleDonor) {
		if u.BloodType == "" {
			return User{}, fmt.Errorf("%w: donors need a blood type", ErrValidation)
		}
		u.Available = in.Available
		u.RegisteredAt = &now
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return User{}, err
	}
	s.record(ctx, EventUserRegistered, fmt.Sprintf("user %s registered with roles %v", u.Username, u.Roles), actorID)
	return u, nil
}

// --- reads ---

// GetUser returns a user or ErrNotFound.
func (s *Service) GetUser(ctx context.Context, id string) (User, error) {
	return s.store.GetUser(ctx, id)
}

// GetRequest returns a request or ErrNotFound.
func (s *Service) GetRequest(ctx context.Context, id string) (BloodRequest, error) {
	return s.store.GetRequest(ctx, id)
}

// ListRequests returns requests matching f.
func (s *Service) ListRequests(ctx context.Context, f RequestFilter) ([]BloodRequest, error) {
	return s.store.ListRequests(ctx, f)
}

// GetMatch returns a match or ErrNotFound.
func (s *Service) GetMatch(ctx context.Context, id string) (MatchRecord, error) {
	return s.store.GetMatch(ctx, id)
}

// ListMatches returns matches matching f.
func (s *Service) ListMatches(ctx context.Context, f MatchFilter) ([]MatchRecord, error) {
	return s.store.ListMatches(ctx, f)
}

// DonationHistory lists a donor's donations, newest first.
func (s *Service) DonationHistory(ctx context.Context, donorID string) ([]DonationRecord, error) {
	return s.store.ListDonations(ctx, donorID)
}

// GetInventory returns the stock for t, or ErrNotFound before its first donation.
func (s *Service) GetInventory(ctx context.Context, t bloodtype.Type) (InventoryEntry, error) {
	return s.store.GetInventory(ctx, t)
}

// ListInventory returns stock in blood type order.
func (s *Service) ListInventory(ctx context.Context) ([]InventoryEntry, error) {
	return s.store.ListInventory(ctx)
}

func (s *Service) record(ctx context.Context, eventType, description, actorUserID string) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, eventType, description, actorUserID)
}

func (s *Service) publish(e Event) {
	if s.events == nil {
		return
	}
	s.events.Publish(e)
}
