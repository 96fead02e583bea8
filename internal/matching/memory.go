package matching

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"bloodnet.org/internal/bloodtype"
)

// Snapshot is the full serialisable state of a Memory store.
type Snapshot struct {
	Users     map[string]User                   `json:"users"`
	Requests  map[string]BloodRequest           `json:"requests"`
	Matches   map[string]MatchRecord            `json:"matches"`
	Donations map[string]DonationRecord         `json:"donations"`
	Inventory map[bloodtype.Type]InventoryEntry `json:"inventory"`
}

func newSnapshot() Snapshot {
	return Snapshot{
		Users:     map[string]User{},
		Requests:  map[string]BloodRequest{},
		Matches:   map[string]MatchRecord{},
		Donations: map[string]DonationRecord{},
		Inventory: map[bloodtype.Type]InventoryEntry{},
	}
}

func (s Snapshot) clone() Snapshot {
	out := Snapshot{
		Users:     maps.Clone(s.Users),
		Requests:  maps.Clone(s.Requests),
		Matches:   maps.Clone(s.Matches),
		Donations: maps.Clone(s.Donations),
		Inventory: maps.Clone(s.Inventory),
	}
	// maps.Clone keeps nil for nil input.
	if out.Users == nil {
		out.Users = map[string]User{}
	}
	if out.Requests == nil {
		out.Requests = map[string]BloodRequest{}
	}
	if out.Matches == nil {
		out.Matches = map[string]MatchRecord{}
	}
	if out.Donations == nil {
		out.Donations = map[string]DonationRecord{}
	}
	if out.Inventory == nil {
		out.Inventory = map[bloodtype.Type]InventoryEntry{}
	}
	return out
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithCommitHook installs fn to run with the new state before each commit is
// published. An error from fn aborts the commit.
func WithCommitHook(fn func(Snapshot) error) MemoryOption {
	return func(m *Memory) { m.onCommit = fn }
}

// Memory implements Store in process. Every atomic unit runs behind one
// writer mutex against a private copy of the state, which replaces the
// shared state only when the unit succeeds.
type Memory struct {
	mu       sync.RWMutex
	state    Snapshot
	onCommit func(Snapshot) error
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{state: newSnapshot()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type memTxKey struct{}

type memTx struct {
	owner *Memory
	state *Snapshot
}

func (m *Memory) txState(ctx context.Context) (*Snapshot, bool) {
	tx, ok := ctx.Value(memTxKey{}).(*memTx)
	if !ok || tx.owner != m {
		return nil, false
	}
	return tx.state, true
}

// WithTx runs fn as one atomic unit. Nested calls join the outer unit.
func (m *Memory) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := m.txState(ctx); ok {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.state.clone()
	if err := fn(context.WithValue(ctx, memTxKey{}, &memTx{owner: m, state: &work})); err != nil {
		return err
	}
	if m.onCommit != nil {
		if err := m.onCommit(work.clone()); err != nil {
			return fmt.Errorf("commit hook: %w", err)
		}
	}
	m.state = work
	return nil
}

func (m *Memory) read(ctx context.Context, fn func(st *Snapshot) error) error {
	if st, ok := m.txState(ctx); ok {
		return fn(st)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&m.state)
}

func (m *Memory) write(ctx context.Context, fn func(st *Snapshot) error) error {
	return m.WithTx(ctx, func(ctx context.Context) error {
		st, _ := m.txState(ctx)
		return fn(st)
	})
}

// Export returns a copy of the committed state.
func (m *Memory) Export() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.clone()
}

// Import replaces the committed state wholesale. The commit hook is not run.
func (m *Memory) Import(s Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s.clone()
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

// --- users ---

func (m *Memory) CreateUser(ctx context.Context, u User) error {
	return m.write(ctx, func(st *Snapshot) error {
		if _, ok := st.Users[u.ID]; ok {
			return fmt.Errorf("%w: user %s already exists", ErrConflict, u.ID)
		}
		for _, existing := range st.Users {
			if strings.EqualFold(existing.Username, u.Username) {
				return fmt.Errorf("%w: username %q taken", ErrConflict, u.Username)
			}
		}
		u.Roles = slices.Clone(u.Roles)
		st.Users[u.ID] = u
		return nil
	})
}

func (m *Memory) GetUser(ctx context.Context, id string) (User, error) {
	var out User
	err := m.read(ctx, func(st *Snapshot) error {
		u, ok := st.Users[id]
		if !ok {
			return fmt.Errorf("%w: user %s", ErrNotFound, id)
		}
		out = u
		out.Roles = slices.Clone(u.Roles)
		return nil
	})
	return out, err
}

func (m *Memory) FindAvailableDonors(ctx context.Context, types []bloodtype.Type, excludeUserID string) ([]User, error) {
	var out []User
	err := m.read(ctx, func(st *Snapshot) error {
		for _, u := range st.Users {
			if !u.HasRole(RoleDonor) || !u.Available || u.RegisteredAt == nil {
				continue
			}
			if u.ID == excludeUserID || !slices.Contains(types, u.BloodType) {
				continue
			}
			u.Roles = slices.Clone(u.Roles)
			out = append(out, u)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].RegisteredAt, out[j].RegisteredAt
		if !a.Equal(*b) {
			return a.Before(*b)
		}
		return out[i].ID < out[j].ID
	})
	return out, err
}

func (m *Memory) SetAvailable(ctx context.Context, userID string, available bool, at time.Time) error {
	return m.write(ctx, func(st *Snapshot) error {
		u, ok := st.Users[userID]
		if !ok {
			return fmt.Errorf("%w: user %s", ErrNotFound, userID)
		}
		u.Available = available
		u.UpdatedAt = at
		st.Users[userID] = u
		return nil
	})
}

// --- requests ---

func (m *Memory) CreateRequest(ctx context.Context, r BloodRequest) error {
	return m.write(ctx, func(st *Snapshot) error {
		if _, ok := st.Requests[r.ID]; ok {
			return fmt.Errorf("%w: request %s already exists", ErrConflict, r.ID)
		}
		st.Requests[r.ID] = r
		return nil
	})
}

func (m *Memory) GetRequest(ctx context.Context, id string) (BloodRequest, error) {
	var out BloodRequest
	err := m.read(ctx, func(st *Snapshot) error {
		r, ok := st.Requests[id]
		if !ok {
			return fmt.Errorf("%w: request %s", ErrNotFound, id)
		}
		out = r
		return nil
	})
	return out, err
}

func (m *Memory) UpdateRequest(ctx context.Context, r BloodRequest) error {
	return m.write(ctx, func(st *Snapshot) error {
		if _, ok := st.Requests[r.ID]; !ok {
			return fmt.Errorf("%w: request %s", ErrNotFound, r.ID)
		}
		st.Requests[r.ID] = r
		return nil
	})
}

func (m *Memory) ListRequests(ctx context.Context, f RequestFilter) ([]BloodRequest, error) {
	var out []BloodRequest
	err := m.read(ctx, func(st *Snapshot) error {
		for _, r := range st.Requests {
			if f.RequesterID != "" && r.RequesterID != f.RequesterID {
				continue
			}
			if f.Status != "" && r.Status != f.Status {
				continue
			}
			out = append(out, r)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

// --- matches ---

func (m *Memory) CreateMatch(ctx context.Context, rec MatchRecord) error {
	return m.write(ctx, func(st *Snapshot) error {
		if _, ok := st.Matches[rec.ID]; ok {
			return fmt.Errorf("%w: match %s already exists", ErrConflict, rec.ID)
		}
		for _, existing := range st.Matches {
			if existing.RequestID == rec.RequestID {
				return fmt.Errorf("%w: request %s already has match %s", ErrConflict, rec.RequestID, existing.ID)
			}
		}
		st.Matches[rec.ID] = rec
		return nil
	})
}

func (m *Memory) GetMatch(ctx context.Context, id string) (MatchRecord, error) {
	var out MatchRecord
	err := m.read(ctx, func(st *Snapshot) error {
		rec, ok := st.Matches[id]
		if !ok {
			return fmt.Errorf("%w: match %s", ErrNotFound, id)
		}
		out = rec
		return nil
	})
	return out, err
}

func (m *Memory) MatchForRequest(ctx context.Context, requestID string) (MatchRecord, error) {
	var out MatchRecord
	err := m.read(ctx, func(st *Snapshot) error {
		for _, rec := range st.Matches {
			if rec.RequestID == requestID {
				out = rec
				return nil
			}
		}
		return fmt.Errorf("%w: match for request %s", ErrNotFound, requestID)
	})
	return out, err
}

func (m *Memory) UpdateMatch(ctx context.Context, rec MatchRecord) error {
	return m.write(ctx, func(st *Snapshot) error {
		if _, ok := st.Matches[rec.ID]; !ok {
			return fmt.Errorf("%w: match %s", ErrNotFound, rec.ID)
		}
		st.Matches[rec.ID] = rec
		return nil
	})
}

func (m *Memory) RecordNotification(ctx context.Context, matchID string, sent bool, errMsg string, at time.Time) (MatchRecord, error) {
	var out MatchRecord
	err := m.write(ctx, func(st *Snapshot) error {
		rec, ok := st.Matches[matchID]
		if !ok {
			return fmt.Errorf("%w: match %s", ErrNotFound, matchID)
		}
		rec.NotificationAttempts++
		if sent {
			rec.NotificationSent = true
			rec.NotificationSentAt = &at
			rec.LastNotificationError = ""
		} else {
			rec.LastNotificationError = errMsg
		}
		rec.UpdatedAt = at
		st.Matches[matchID] = rec
		out = rec
		return nil
	})
	return out, err
}

func (m *Memory) ListMatches(ctx context.Context, f MatchFilter) ([]MatchRecord, error) {
	var out []MatchRecord
	err := m.read(ctx, func(st *Snapshot) error {
		for _, rec := range st.Matches {
			if f.DonorID != "" && rec.DonorID != f.DonorID {
				continue
			}
			if f.Status != "" && rec.Status != f.Status {
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

func (m *Memory) CountActiveMatches(ctx context.Context, donorID string) (int, error) {
	n := 0
	err := m.read(ctx, func(st *Snapshot) error {
		for _, rec := range st.Matches {
			if rec.DonorID == donorID && rec.Status.Active() {
				n++
			}
		}
		return nil
	})
	return n, err
}

// --- donations ---

func (m *Memory) CreateDonation(ctx context.Context, d DonationRecord) error {
	return m.write(ctx, func(st *Snapshot) error {
		if _, ok := st.Donations[d.ID]; ok {
			return fmt.Errorf("%w: donation %s already exists", ErrConflict, d.ID)
		}
		st.Donations[d.ID] = d
		return nil
	})
}

func (m *Memory) GetDonation(ctx context.Context, id string) (DonationRecord, error) {
	var out DonationRecord
	err := m.read(ctx, func(st *Snapshot) error {
		d, ok := st.Donations[id]
		if !ok {
			return fmt.Errorf("%w: donation %s", ErrNotFound, id)
		}
		out = d
		return nil
	})
	return out, err
}

func (m *Memory) ListDonations(ctx context.Context, donorID string) ([]DonationRecord, error) {
	var out []DonationRecord
	err := m.read(ctx, func(st *Snapshot) error {
		for _, d := range st.Donations {
			if donorID == "" || d.DonorID == donorID {
				out = append(out, d)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DonatedAt.Equal(out[j].DonatedAt) {
			return out[i].DonatedAt.After(out[j].DonatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, err
}

// --- inventory ---

func (m *Memory) IncrementInventory(ctx context.Context, t bloodtype.Type, qty int, at time.Time) (InventoryEntry, error) {
	var out InventoryEntry
	err := m.write(ctx, func(st *Snapshot) error {
		e := st.Inventory[t]
		e.BloodType = t
		e.Quantity += qty
		if e.Quantity < 0 {
			return fmt.Errorf("%w: inventory for %s would go negative", ErrConflict, t)
		}
		e.UpdatedAt = at
		st.Inventory[t] = e
		out = e
		return nil
	})
	return out, err
}

func (m *Memory) GetInventory(ctx context.Context, t bloodtype.Type) (InventoryEntry, error) {
	var out InventoryEntry
	err := m.read(ctx, func(st *Snapshot) error {
		e, ok := st.Inventory[t]
		if !ok {
			return fmt.Errorf("%w: inventory for %s", ErrNotFound, t)
		}
		out = e
		return nil
	})
	return out, err
}

func (m *Memory) ListInventory(ctx context.Context) ([]InventoryEntry, error) {
	var out []InventoryEntry
	err := m.read(ctx, func(st *Snapshot) error {
		for _, e := range st.Inventory {
			out = append(out, e)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		return slices.Index(bloodtype.All, out[i].BloodType) < slices.Index(bloodtype.All, out[j].BloodType)
	})
	return out, err
}
