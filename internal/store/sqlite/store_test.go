package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"bloodnet.org/internal/bloodtype"
	"bloodnet.org/internal/matching"
)

func TestStateSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "bloodnet.db")
	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	donor := matching.User{ID: "usr_d", Username: "dora", Roles: []matching.Role{matching.RoleDonor},
		BloodType: bloodtype.ONeg, Available: true, RegisteredAt: &now, CreatedAt: now, UpdatedAt: now}
	if err := store.CreateUser(ctx, donor); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if _, err := store.IncrementInventory(ctx, bloodtype.ONeg, 3, now); err != nil {
		t.Fatalf("IncrementInventory: %v", err)
	}
	if err := store.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := NewStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.GetUser(ctx, "usr_d")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if got.BloodType != bloodtype.ONeg || !got.Available || got.RegisteredAt == nil || !got.RegisteredAt.Equal(now) {
		t.Fatalf("unexpected user %+v", got)
	}
	inv, err := reopened.GetInventory(ctx, bloodtype.ONeg)
	if err != nil || inv.Quantity != 3 {
		t.Fatalf("inventory = %+v, %v", inv, err)
	}
}

func TestFailedUnitIsNotPersisted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bloodnet.db")
	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	ctx := context.Background()
	now := time.Now().UTC()
	boom := errors.New("boom")

	err = store.WithTx(ctx, func(ctx context.Context) error {
		if _, err := store.IncrementInventory(ctx, bloodtype.APos, 4, now); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	_ = store.Close()

	reopened, err := NewStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if _, err := reopened.GetInventory(ctx, bloodtype.APos); !errors.Is(err, matching.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestServiceRunsOnSQLite(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "bloodnet.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()
	ctx := context.Background()
	svc := matching.NewService(store)

	if _, err := svc.Bootstrap(ctx, matching.RegisterInput{ID: "usr_d", Username: "dora", Roles: []string{"donor"}, BloodType: "O-", Available: true}); err != nil {
		t.Fatalf("Bootstrap donor: %v", err)
	}
	if _, err := svc.Bootstrap(ctx, matching.RegisterInput{ID: "usr_r", Username: "rita", Roles: []string{"recipient"}}); err != nil {
		t.Fatalf("Bootstrap recipient: %v", err)
	}
	out, err := svc.SubmitRequest(ctx, matching.SubmitInput{BloodType: "AB+", Quantity: 1}, matching.Actor{UserID: "usr_r", Roles: []matching.Role{matching.RoleRecipient}})
	if err != nil {
		t.Fatalf("SubmitRequest: %v", err)
	}
	if out.Outcome != matching.OutcomeMatched || out.Request.MatchedDonorID == nil || *out.Request.MatchedDonorID != "usr_d" {
		t.Fatalf("unexpected outcome %+v", out)
	}
}
