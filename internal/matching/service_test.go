package matching

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"bloodnet.org/internal/bloodtype"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type auditEntry struct {
	eventType, description, actor string
}

type auditRecorder struct {
	mu      sync.Mutex
	entries []auditEntry
}

func (a *auditRecorder) Record(_ context.Context, eventType, description, actorUserID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, auditEntry{eventType, description, actorUserID})
}

func (a *auditRecorder) count(eventType string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, e := range a.entries {
		if e.eventType == eventType {
			n++
		}
	}
	return n
}

type fakeFailures struct {
	mu       sync.Mutex
	recorded []NotificationFailure
	resolved []string
}

func (f *fakeFailures) RecordFailure(_ context.Context, nf NotificationFailure) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, nf)
	return nil
}

func (f *fakeFailures) Resolve(_ context.Context, matchID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved = append(f.resolved, matchID)
	return nil
}

type fakeReceipts struct {
	mu   sync.Mutex
	puts []DonationRecord
}

func (f *fakeReceipts) PutReceipt(_ context.Context, d DonationRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, d)
	return nil
}

type fixture struct {
	svc      *Service
	store    *Memory
	audit    *auditRecorder
	failures *fakeFailures
	receipts *fakeReceipts
	notifyFn func(ctx context.Context, donor User, req BloodRequest) error
	notified []string
	mu       sync.Mutex
}

var admin = Actor{UserID: "admin", Roles: []Role{RoleAdmin}}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:    NewMemory(),
		audit:    &auditRecorder{},
		failures: &fakeFailures{},
		receipts: &fakeReceipts{},
	}
	clock := &stepClock{now: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
	notifier := NotifierFunc(func(ctx context.Context, donor User, req BloodRequest) error {
		f.mu.Lock()
		fn := f.notifyFn
		f.notified = append(f.notified, donor.ID)
		f.mu.Unlock()
		if fn != nil {
			return fn(ctx, donor, req)
		}
		return nil
	})
	base := []Option{
		WithClock(clock.Now),
		WithNotifier(notifier),
		WithAuditSink(f.audit),
		WithFailureRecorder(f.failures),
		WithReceiptArchive(f.receipts),
	}
	f.svc = NewService(f.store, append(base, opts...)...)
	return f
}

func (f *fixture) setNotify(fn func(ctx context.Context, donor User, req BloodRequest) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifyFn = fn
}

func (f *fixture) donor(t *testing.T, name string, bt bloodtype.Type, available bool) User {
	t.Helper()
	u, err := f.svc.RegisterUser(context.Background(), RegisterInput{
		ID: name, Username: name, Roles: []string{"donor"}, BloodType: string(bt), Available: available,
	}, admin)
	if err != nil {
		t.Fatalf("register donor %s: %v", name, err)
	}
	return u
}

func (f *fixture) recipient(t *testing.T, name string) Actor {
	t.Helper()
	u, err := f.svc.RegisterUser(context.Background(), RegisterInput{
		ID: name, Username: name, Roles: []string{"ROLE_RECIPIENT"},
	}, admin)
	if err != nil {
		t.Fatalf("register recipient %s: %v", name, err)
	}
	return Actor{UserID: u.ID, Roles: u.Roles}
}

func asDonor(u User) Actor { return Actor{UserID: u.ID, Roles: []Role{RoleDonor}} }

func checkMatchedInvariant(t *testing.T, r BloodRequest) {
	t.Helper()
	switch r.Status {
	case RequestMatched, RequestFulfilled:
		if r.MatchedDonorID == nil || r.MatchedAt == nil {
			t.Fatalf("request %s is %s without matched donor/time", r.ID, r.Status)
		}
	default:
		if r.MatchedDonorID != nil || r.MatchedAt != nil {
			t.Fatalf("request %s is %s but carries a match", r.ID, r.Status)
		}
	}
}

func TestSubmitMatchesEarliestAvailableDonor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	available := f.donor(t, "alice", bloodtype.APos, true)
	f.donor(t, "bob", bloodtype.APos, false)
	rec := f.recipient(t, "rita")

	out, err := f.svc.SubmitRequest(ctx, SubmitInput{BloodType: "A+", Quantity: 1, HospitalName: "General"}, rec)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Outcome != OutcomeMatched {
		t.Fatalf("outcome = %s, want matched", out.Outcome)
	}
	if out.Request.Status != RequestMatched || *out.Request.MatchedDonorID != available.ID {
		t.Fatalf("unexpected request %+v", out.Request)
	}
	if out.Match == nil || out.Match.Status != MatchNotified || out.Match.DonorID != available.ID {
		t.Fatalf("unexpected match %+v", out.Match)
	}
	if !out.Match.NotificationSent || out.Match.NotificationSentAt == nil || out.Match.NotificationAttempts != 1 {
		t.Fatalf("notification not recorded: %+v", out.Match)
	}
	checkMatchedInvariant(t, out.Request)

	u, _ := f.svc.GetUser(ctx, available.ID)
	if u.Available {
		t.Fatal("matched donor must be unavailable right after commit")
	}
	if f.audit.count(EventRequestMatched) != 1 || f.audit.count(EventRequestSubmitted) != 1 {
		t.Fatalf("audit trail incomplete: %+v", f.audit.entries)
	}
}

func TestConfirmDonationFulfills(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.donor(t, "alice", bloodtype.APos, true)
	rec := f.recipient(t, "rita")

	out, err := f.svc.SubmitRequest(ctx, SubmitInput{BloodType: "A+", Quantity: 1}, rec)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	donation, err := f.svc.ConfirmDonation(ctx, out.Request.ID, asDonor(d))
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if donation.BloodType != bloodtype.APos || donation.Quantity != 1 || donation.DonorID != d.ID {
		t.Fatalf("unexpected donation %+v", donation)
	}

	req, _ := f.svc.GetRequest(ctx, out.Request.ID)
	if req.Status != RequestFulfilled {
		t.Fatalf("request status %s, want FULFILLED", req.Status)
	}
	checkMatchedInvariant(t, req)
	m, _ := f.svc.GetMatch(ctx, out.Match.ID)
	if m.Status != MatchConfirmed {
		t.Fatalf("match status %s, want CONFIRMED", m.Status)
	}
	u, _ := f.svc.GetUser(ctx, d.ID)
	if u.Available {
		t.Fatal("donor must stay unavailable after donating")
	}
	if len(f.receipts.puts) != 1 || f.receipts.puts[0].ID != donation.ID {
		t.Fatalf("receipt not archived: %+v", f.receipts.puts)
	}
	history, _ := f.svc.DonationHistory(ctx, d.ID)
	if len(history) != 1 {
		t.Fatalf("history = %d entries", len(history))
	}
}

// A donor may confirm straight from NOTIFIED; claiming first is optional.
func TestConfirmWithoutClaimIsAllowed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d1 := f.donor(t, "alice", bloodtype.ONeg, true)
	d2 := f.donor(t, "bob", bloodtype.ONeg, true)
	rec := f.recipient(t, "rita")

	direct, _ := f.svc.SubmitRequest(ctx, SubmitInput{BloodType: "O-", Quantity: 1}, rec)
	if _, err := f.svc.ConfirmDonation(ctx, direct.Request.ID, asDonor(d1)); err != nil {
		t.Fatalf("confirm from NOTIFIED: %v", err)
	}

	claimed, _ := f.svc.SubmitRequest(ctx, SubmitInput{BloodType: "O-", Quantity: 1}, rec)
	m, err := f.svc.ClaimMatch(ctx, claimed.Request.ID, asDonor(d2))
	if err != nil || m.Status != MatchClaimed {
		t.Fatalf("claim: %+v %v", m, err)
	}
	if _, err := f.svc.ClaimMatch(ctx, claimed.Request.ID, asDonor(d2)); !errors.Is(err, ErrConflict) {
		t.Fatalf("second claim: expected conflict, got %v", err)
	}
	if _, err := f.svc.ConfirmDonation(ctx, claimed.Request.ID, asDonor(d2)); err != nil {
		t.Fatalf("confirm from CLAIMED: %v", err)
	}
}

func TestClaimAndConfirmByOtherDonorDenied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.donor(t, "alice", bloodtype.ONeg, true)
	other := f.donor(t, "mallory", bloodtype.ABPos, true)
	rec := f.recipient(t, "rita")

	out, _ := f.svc.SubmitRequest(ctx, SubmitInput{BloodType: "O-", Quantity: 1}, rec)
	if _, err := f.svc.ClaimMatch(ctx, out.Request.ID, asDonor(other)); !errors.Is(err, ErrPermission) {
		t.Fatalf("claim: expected permission error, got %v", err)
	}
	if _, err := f.svc.ConfirmDonation(ctx, out.Request.ID, asDonor(other)); !errors.Is(err, ErrPermission) {
		t.Fatalf("confirm: expected permission error, got %v", err)
	}
	req, _ := f.svc.GetRequest(ctx, out.Request.ID)
	if req.Status != RequestMatched {
		t.Fatalf("rejected confirm changed state to %s", req.Status)
	}
}

func TestConfirmTwiceConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.donor(t, "alice", bloodtype.BPos, true)
	rec := f.recipient(t, "rita")

	out, _ := f.svc.SubmitRequest(ctx, SubmitInput{BloodType: "B+", Quantity: 2}, rec)
	if _, err := f.svc.ConfirmDonation(ctx, out.Request.ID, asDonor(d)); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, err := f.svc.ConfirmDonation(ctx, out.Request.ID, asDonor(d)); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	inv, _ := f.svc.GetInventory(ctx, bloodtype.BPos)
	if inv.Quantity != 2 {
		t.Fatalf("rejected confirm touched inventory: %d", inv.Quantity)
	}
}

func TestInventoryAccumulates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d1 := f.donor(t, "alice", bloodtype.OPos, true)
	d2 := f.donor(t, "bob", bloodtype.OPos, true)
	rec := f.recipient(t, "rita")

	if _, err := f.svc.GetInventory(ctx, bloodtype.OPos); !errors.Is(err, ErrNotFound) {
		t.Fatalf("inventory should start absent, got %v", err)
	}

	first, _ := f.svc.SubmitRequest(ctx, SubmitInput{BloodType: "O+", Quantity: 2}, rec)
	if _, err := f.svc.ConfirmDonation(ctx, first.Request.ID, asDonor(d1)); err != nil {
		t.Fatalf("confirm 1: %v", err)
	}
	inv, _ := f.svc.GetInventory(ctx, bloodtype.OPos)
	if inv.Quantity != 2 {
		t.Fatalf("after first confirm quantity=%d, want 2", inv.Quantity)
	}

	second, _ := f.svc.SubmitRequest(ctx, SubmitInput{BloodType: "O+", Quantity: 3}, rec)
	if *second.Request.MatchedDonorID != d2.ID {
		t.Fatalf("second request should go to bob, got %v", *second.Request.MatchedDonorID)
	}
	if _, err := f.svc.ConfirmDonation(ctx, second.Request.ID, asDonor(d2)); err != nil {
		t.Fatalf("confirm 2: %v", err)
	}
	inv, _ = f.svc.GetInventory(ctx, bloodtype.OPos)
	if inv.Quantity != 5 {
		t.Fatalf("after second confirm quantity=%d, want 5", inv.Quantity)
	}
}

func TestMatchRequestIsIdempotentOnceMatched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.donor(t, "alice", bloodtype.ABNeg, true)
	f.donor(t, "bob", bloodtype.ABNeg, true)
	rec := f.recipient(t, "rita")

	out, _ := f.svc.SubmitRequest(ctx, SubmitInput{BloodType: "AB-", Quantity: 1}, rec)
	before := f.store.Export()

	again, err := f.svc.MatchRequest(ctx, out.Request.ID)
	if err != nil {
		t.Fatalf("rematch: %v", err)
	}
	if again.Outcome != OutcomeSkipped {
		t.Fatalf("outcome %s, want skipped", again.Outcome)
	}
	after := f.store.Export()
	if len(after.Matches) != len(before.Matches) {
		t.Fatalf("second match created a record")
	}
	if after.Users["bob"].Available != before.Users["bob"].Available {
		t.Fatal("second match touched another donor")
	}
	if after.Requests[out.Request.ID].UpdatedAt != before.Requests[out.Request.ID].UpdatedAt {
		t.Fatal("second match rewrote the request")
	}
}

func TestNoCandidateLeavesRequestPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.donor(t, "alice", bloodtype.APos, true)
	rec := f.recipient(t, "rita")

	out, err := f.svc.SubmitRequest(ctx, SubmitInput{BloodType: "O-", Quantity: 1}, rec)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Outcome != OutcomeNoCandidate || out.Request.Status != RequestPending {
		t.Fatalf("unexpected outcome %+v", out)
	}
	checkMatchedInvariant(t, out.Request)
	if f.audit.count(EventRequestNoCandidate) != 1 {
		t.Fatal("no-candidate outcome not audited")
	}

	// a later compatible donor plus an explicit trigger matches it
	late := f.donor(t, "oscar", bloodtype.ONeg, true)
	again, err := f.svc.MatchRequest(ctx, out.Request.ID)
	if err != nil || again.Outcome != OutcomeMatched || again.Match.DonorID != late.ID {
		t.Fatalf("rematch: %+v %v", again, err)
	}
}

func TestRequesterIsNeverSelected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u, err := f.svc.RegisterUser(ctx, RegisterInput{
		ID: "dual", Username: "dual", Roles: []string{"donor", "recipient"}, BloodType: "A+", Available: true,
	}, admin)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	out, err := f.svc.SubmitRequest(ctx, SubmitInput{BloodType: "A+", Quantity: 1}, Actor{UserID: u.ID, Roles: u.Roles})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Outcome != OutcomeNoCandidate {
		t.Fatalf("requester matched to self: %+v", out)
	}
}

func TestCancelOnlyWhilePending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.donor(t, "alice", bloodtype.APos, true)
	rec := f.recipient(t, "rita")
	stranger := f.recipient(t, "sam")

	pending, _ := f.svc.SubmitRequest(ctx, SubmitInput{BloodType: "B-", Quantity: 1}, rec)
	if _, err := f.svc.CancelRequest(ctx, pending.Request.ID, stranger); !errors.Is(err, ErrPermission) {
		t.Fatalf("stranger cancel: expected permission error, got %v", err)
	}
	cancelled, err := f.svc.CancelRequest(ctx, pending.Request.ID, rec)
	if err != nil || cancelled.Status != RequestCancelled {
		t.Fatalf("cancel: %+v %v", cancelled, err)
	}
	checkMatchedInvariant(t, cancelled)
	if _, err := f.svc.CancelRequest(ctx, pending.Request.ID, admin); !errors.Is(err, ErrConflict) {
		t.Fatalf("cancel twice: expected conflict, got %v", err)
	}
	if again, _ := f.svc.MatchRequest(ctx, pending.Request.ID); again.Outcome != OutcomeSkipped {
		t.Fatalf("cancelled request must not be matched, got %s", again.Outcome)
	}

	matched, _ := f.svc.SubmitRequest(ctx, SubmitInput{BloodType: "A+", Quantity: 1}, rec)
	if _, err := f.svc.CancelRequest(ctx, matched.Request.ID, admin); !errors.Is(err, ErrConflict) {
		t.Fatalf("cancel matched: expected conflict, got %v", err)
	}
	req, _ := f.svc.GetRequest(ctx, matched.Request.ID)
	if req.Status != RequestMatched {
		t.Fatalf("status %s after rejected cancel", req.Status)
	}
}

func TestNotificationFailureKeepsMatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.donor(t, "alice", bloodtype.APos, true)
	rec := f.recipient(t, "rita")
	boom := errors.New("smtp down")
	f.setNotify(func(context.Context, User, BloodRequest) error { return boom })

	out, err := f.svc.SubmitRequest(ctx, SubmitInput{BloodType: "A+", Quantity: 1}, rec)
	if err != nil {
		t.Fatalf("notification failure must not fail the operation: %v", err)
	}
	if !errors.Is(out.NotificationError, boom) {
		t.Fatalf("NotificationError = %v", out.NotificationError)
	}
	if out.Request.Status != RequestMatched || out.Match.Status != MatchNotified {
		t.Fatalf("match was unwound: %+v %+v", out.Request, out.Match)
	}
	if out.Match.NotificationSent || out.Match.NotificationAttempts != 1 || out.Match.LastNotificationError == "" {
		t.Fatalf("failure not recorded on match: %+v", out.Match)
	}
	if len(f.failures.recorded) != 1 || f.failures.recorded[0].MatchID != out.Match.ID {
		t.Fatalf("failure not sent to outbox: %+v", f.failures.recorded)
	}
	if f.audit.count(EventNotificationFailed) != 1 {
		t.Fatal("failure not audited")
	}
	u, _ := f.svc.GetUser(ctx, d.ID)
	if u.Available {
		t.Fatal("donor must not be double-bookable after a failed notification")
	}

	f.setNotify(nil)
	m, err := f.svc.RetryNotification(ctx, out.Match.ID, admin)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !m.NotificationSent || m.NotificationAttempts != 2 || m.LastNotificationError != "" {
		t.Fatalf("retry not recorded: %+v", m)
	}
	if len(f.failures.resolved) != 1 || f.failures.resolved[0] != out.Match.ID {
		t.Fatalf("outbox entry not resolved: %+v", f.failures.resolved)
	}
	if _, err := f.svc.RetryNotification(ctx, out.Match.ID, admin); !errors.Is(err, ErrConflict) {
		t.Fatalf("retry after success: expected conflict, got %v", err)
	}
}

func TestNotificationIsTimeBounded(t *testing.T) {
	f := newFixture(t, WithNotifyTimeout(20*time.Millisecond))
	ctx := context.Background()
	f.donor(t, "alice", bloodtype.APos, true)
	rec := f.recipient(t, "rita")
	f.setNotify(func(ctx context.Context, _ User, _ BloodRequest) error {
		<-ctx.Done()
		return ctx.Err()
	})

	start := time.Now()
	out, err := f.svc.SubmitRequest(ctx, SubmitInput{BloodType: "A+", Quantity: 1}, rec)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("slow notifier stalled matching")
	}
	if !errors.Is(out.NotificationError, context.DeadlineExceeded) {
		t.Fatalf("NotificationError = %v", out.NotificationError)
	}
	if out.Request.Status != RequestMatched {
		t.Fatalf("status %s", out.Request.Status)
	}
}

func TestConcurrentMatchingNeverDoubleBooks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.recipient(t, "rita")

	const requests = 12
	ids := make([]string, 0, requests)
	for i := 0; i < requests; i++ {
		out, err := f.svc.SubmitRequest(ctx, SubmitInput{BloodType: "AB+", Quantity: 1}, rec)
		if err != nil || out.Outcome != OutcomeNoCandidate {
			t.Fatalf("seed request %d: %+v %v", i, out, err)
		}
		ids = append(ids, out.Request.ID)
	}
	const donors = 4
	for i := 0; i < donors; i++ {
		f.donor(t, fmt.Sprintf("d%d", i), bloodtype.All[i], true)
	}

	var wg sync.WaitGroup
	outcomes := make([]MatchOutcome, requests)
	errs := make([]error, requests)
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			outcomes[i], errs[i] = f.svc.MatchRequest(ctx, id)
		}(i, id)
	}
	wg.Wait()

	seen := map[string]bool{}
	matched := 0
	for i, out := range outcomes {
		if errs[i] != nil {
			t.Fatalf("match %d: %v", i, errs[i])
		}
		switch out.Outcome {
		case OutcomeMatched:
			matched++
			if seen[out.Match.DonorID] {
				t.Fatalf("donor %s booked twice", out.Match.DonorID)
			}
			seen[out.Match.DonorID] = true
		case OutcomeNoCandidate:
			if out.Request.Status != RequestPending {
				t.Fatalf("unmatched request left in %s", out.Request.Status)
			}
		default:
			t.Fatalf("unexpected outcome %s", out.Outcome)
		}
	}
	if matched != donors {
		t.Fatalf("matched %d requests, want %d", matched, donors)
	}

	active := map[string]int{}
	ms, _ := f.svc.ListMatches(ctx, MatchFilter{})
	for _, m := range ms {
		active[m.DonorID]++
	}
	for donor, n := range active {
		if n > 1 {
			t.Fatalf("donor %s has %d matches", donor, n)
		}
	}
	reqs, _ := f.svc.ListRequests(ctx, RequestFilter{})
	for _, r := range reqs {
		checkMatchedInvariant(t, r)
	}
}

func TestVerifyDonationTouchesOnlyInventory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.donor(t, "alice", bloodtype.ANeg, true)
	rec := f.recipient(t, "rita")
	hospital := Actor{UserID: "h1", Roles: []Role{RoleHospital}}

	out, _ := f.svc.SubmitRequest(ctx, SubmitInput{BloodType: "A-", Quantity: 2}, rec)
	donation, err := f.svc.ConfirmDonation(ctx, out.Request.ID, asDonor(d))
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}

	if _, err := f.svc.VerifyDonation(ctx, donation.ID, asDonor(d)); !errors.Is(err, ErrPermission) {
		t.Fatalf("donor verify: expected permission error, got %v", err)
	}
	if _, err := f.svc.VerifyDonation(ctx, "don_missing", hospital); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	entry, err := f.svc.VerifyDonation(ctx, donation.ID, hospital)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if entry.Quantity != 4 {
		t.Fatalf("quantity=%d, want 4", entry.Quantity)
	}
	req, _ := f.svc.GetRequest(ctx, out.Request.ID)
	if req.Status != RequestFulfilled {
		t.Fatalf("verify changed request status to %s", req.Status)
	}
}

func TestSetAvailabilityRefusedDuringMatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.donor(t, "alice", bloodtype.APos, true)
	rec := f.recipient(t, "rita")

	out, _ := f.svc.SubmitRequest(ctx, SubmitInput{BloodType: "A+", Quantity: 1}, rec)
	if _, err := f.svc.SetAvailability(ctx, d.ID, true, asDonor(d)); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict while matched, got %v", err)
	}
	if _, err := f.svc.SetAvailability(ctx, d.ID, true, Actor{UserID: "someone", Roles: []Role{RoleDonor}}); !errors.Is(err, ErrPermission) {
		t.Fatalf("expected permission error, got %v", err)
	}
	if _, err := f.svc.ConfirmDonation(ctx, out.Request.ID, asDonor(d)); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	u, err := f.svc.SetAvailability(ctx, d.ID, true, asDonor(d))
	if err != nil || !u.Available {
		t.Fatalf("toggle after donation: %+v %v", u, err)
	}
	if f.audit.count(EventAvailabilityChanged) != 1 {
		t.Fatal("availability change not audited")
	}
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.recipient(t, "rita")
	lat := 12.5

	cases := []SubmitInput{
		{BloodType: "C+", Quantity: 1},
		{BloodType: "A+", Quantity: 0},
		{BloodType: "A+", Quantity: 1, Urgency: "whenever"},
		{BloodType: "A+", Quantity: 1, HospitalLatitude: &lat},
	}
	for i, in := range cases {
		if _, err := f.svc.SubmitRequest(ctx, in, rec); !errors.Is(err, ErrValidation) {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}
	reqs, _ := f.svc.ListRequests(ctx, RequestFilter{})
	if len(reqs) != 0 {
		t.Fatalf("invalid input persisted %d requests", len(reqs))
	}

	donorOnly := Actor{UserID: "x", Roles: []Role{RoleDonor}}
	if _, err := f.svc.SubmitRequest(ctx, SubmitInput{BloodType: "A+", Quantity: 1}, donorOnly); !errors.Is(err, ErrPermission) {
		t.Fatalf("expected permission error, got %v", err)
	}
}

func TestRegisterUserValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.RegisterUser(ctx, RegisterInput{Username: "x", Roles: []string{"donor"}}, admin); !errors.Is(err, ErrValidation) {
		t.Fatalf("donor without blood type: %v", err)
	}
	if _, err := f.svc.RegisterUser(ctx, RegisterInput{Username: "x", Roles: []string{"pilot"}}, admin); !errors.Is(err, ErrValidation) {
		t.Fatalf("unknown role: %v", err)
	}
	if _, err := f.svc.RegisterUser(ctx, RegisterInput{Username: "x", Roles: []string{"recipient"}}, Actor{UserID: "y"}); !errors.Is(err, ErrPermission) {
		t.Fatalf("non-admin register: %v", err)
	}
	if _, err := f.svc.RegisterUser(ctx, RegisterInput{Username: "x", Roles: []string{"recipient"}}, admin); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := f.svc.RegisterUser(ctx, RegisterInput{Username: "X", Roles: []string{"recipient"}}, admin); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate username: %v", err)
	}
}

func TestNotificationOutcomeKeepsLaterStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.donor(t, "quick", bloodtype.ONeg, true)
	rec := f.recipient(t, "rosa")

	// The donor confirms while the message is still in flight.
	f.setNotify(func(_ context.Context, donor User, req BloodRequest) error {
		_, err := f.svc.ConfirmDonation(context.Background(), req.ID, asDonor(donor))
		return err
	})
	out, err := f.svc.SubmitRequest(ctx, SubmitInput{BloodType: "O-", Quantity: 1}, rec)
	if err != nil || out.NotificationError != nil {
		t.Fatalf("submit: %v / %v", err, out.NotificationError)
	}
	if out.Match.Status != MatchConfirmed || !out.Match.NotificationSent || out.Match.NotificationAttempts != 1 {
		t.Fatalf("notification outcome rewound the match: %+v", out.Match)
	}
	stored, err := f.store.MatchForRequest(ctx, out.Request.ID)
	if err != nil || stored.Status != MatchConfirmed {
		t.Fatalf("stored match: %+v %v", stored, err)
	}
	req, _ := f.store.GetRequest(ctx, out.Request.ID)
	if req.Status != RequestFulfilled || *req.MatchedDonorID != d.ID {
		t.Fatalf("request: %+v", req)
	}
}
