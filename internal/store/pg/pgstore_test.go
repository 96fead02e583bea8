package pg

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"bloodnet.org/internal/bloodtype"
	"bloodnet.org/internal/matching"
)

var userCols = []string{"id", "username", "full_name", "email", "roles", "blood_type", "available", "registered_at", "created_at", "updated_at"}

var requestCols = []string{"id", "requester_id", "blood_type", "quantity", "urgency", "hospital_name", "hospital_latitude",
	"hospital_longitude", "location_description", "status", "matched_donor_id", "matched_at", "created_at", "updated_at"}

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("expectations: %v", err)
		}
		db.Close()
	})
	return New(db), mock
}

func TestWithTxLocksRequestAndDonor(t *testing.T) {
	store, mock := newMock(t)
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("from blood_requests where id=$1 for update")).
		WithArgs("req_1").
		WillReturnRows(sqlmock.NewRows(requestCols).AddRow(
			"req_1", "usr_r", "A+", 2, "high", "City", nil, nil, "", "PENDING", nil, nil, now, now))
	mock.ExpectQuery(regexp.QuoteMeta("limit 1\n\t\tfor update skip locked")).
		WithArgs("usr_r", "O-", "O+", "A-", "A+").
		WillReturnRows(sqlmock.NewRows(userCols).AddRow(
			"usr_d", "dora", "", "", "donor", "O-", true, now.Add(-time.Hour), now, now))
	mock.ExpectCommit()

	var donors []matching.User
	err := store.WithTx(context.Background(), func(ctx context.Context) error {
		req, err := store.GetRequest(ctx, "req_1")
		if err != nil {
			return err
		}
		if req.Status != matching.RequestPending || req.MatchedDonorID != nil || req.HospitalLatitude != nil {
			t.Fatalf("unexpected request %+v", req)
		}
		donors, err = store.FindAvailableDonors(ctx, bloodtype.CompatibleDonors(req.BloodType), req.RequesterID)
		return err
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}
	if len(donors) != 1 || donors[0].ID != "usr_d" || !donors[0].HasRole(matching.RoleDonor) || donors[0].RegisteredAt == nil {
		t.Fatalf("unexpected donors %+v", donors)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	store, mock := newMock(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := store.WithTx(context.Background(), func(ctx context.Context) error {
		return store.WithTx(ctx, func(context.Context) error { return boom })
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestCreateUserMapsUniqueViolation(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectExec("insert into users").
		WithArgs("usr_1", "dora", "", "", "donor,admin", "O-", true, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	err := store.CreateUser(context.Background(), matching.User{
		ID: "usr_1", Username: "dora", Roles: []matching.Role{matching.RoleDonor, matching.RoleAdmin},
		BloodType: bloodtype.ONeg, Available: true, RegisteredAt: &now, CreatedAt: now, UpdatedAt: now,
	})
	if !errors.Is(err, matching.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestGetRequestNotFound(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery("from blood_requests where id").WithArgs("req_x").WillReturnRows(sqlmock.NewRows(requestCols))

	if _, err := store.GetRequest(context.Background(), "req_x"); !errors.Is(err, matching.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestFindAvailableDonorsOutsideTxReturnsAll(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()
	mock.ExpectQuery("order by registered_at asc, id asc").
		WithArgs("", "O-").
		WillReturnRows(sqlmock.NewRows(userCols).
			AddRow("usr_a", "a", "", "", "donor", "O-", true, now, now, now).
			AddRow("usr_b", "b", "", "", "donor,recipient", "O-", true, now, now, now))

	donors, err := store.FindAvailableDonors(context.Background(), []bloodtype.Type{bloodtype.ONeg}, "")
	if err != nil {
		t.Fatalf("FindAvailableDonors: %v", err)
	}
	if len(donors) != 2 || len(donors[1].Roles) != 2 {
		t.Fatalf("unexpected donors %+v", donors)
	}

	none, err := store.FindAvailableDonors(context.Background(), nil, "")
	if err != nil || none != nil {
		t.Fatalf("expected no query for empty type list, got %v %v", none, err)
	}
}

func TestIncrementInventoryUpserts(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("set quantity = inventory.quantity + excluded.quantity")).
		WithArgs("AB+", 3, now).
		WillReturnRows(sqlmock.NewRows([]string{"blood_type", "quantity", "updated_at"}).AddRow("AB+", 5, now))

	e, err := store.IncrementInventory(context.Background(), bloodtype.ABPos, 3, now)
	if err != nil {
		t.Fatalf("IncrementInventory: %v", err)
	}
	if e.BloodType != bloodtype.ABPos || e.Quantity != 5 {
		t.Fatalf("unexpected entry %+v", e)
	}

	mock.ExpectQuery("insert into inventory").
		WillReturnError(&pgconn.PgError{Code: pgErrCheckViolation, ConstraintName: "inventory_quantity_check"})
	if _, err := store.IncrementInventory(context.Background(), bloodtype.ABPos, -10, now); !errors.Is(err, matching.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestUpdateMatchMissingRow(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec("update matches").WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.UpdateMatch(context.Background(), matching.MatchRecord{ID: "mat_x", Status: matching.MatchClaimed})
	if !errors.Is(err, matching.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListInventoryFollowsTypeOrder(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()
	mock.ExpectQuery("select blood_type, quantity, updated_at from inventory").
		WillReturnRows(sqlmock.NewRows([]string{"blood_type", "quantity", "updated_at"}).
			AddRow("AB+", 1, now).
			AddRow("O-", 4, now))

	list, err := store.ListInventory(context.Background())
	if err != nil {
		t.Fatalf("ListInventory: %v", err)
	}
	if len(list) != 2 || list[0].BloodType != bloodtype.ONeg || list[1].BloodType != bloodtype.ABPos {
		t.Fatalf("unexpected order %+v", list)
	}
}

func TestCountActiveMatches(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery("select count").WithArgs("usr_d", "NOTIFIED", "CLAIMED").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	n, err := store.CountActiveMatches(context.Background(), "usr_d")
	if err != nil || n != 1 {
		t.Fatalf("CountActiveMatches = %d, %v", n, err)
	}
}

var matchCols = []string{"id", "request_id", "donor_id", "status", "notification_sent", "notification_sent_at",
	"notification_attempts", "last_notification_error", "created_at", "updated_at"}

func TestRecordNotificationWritesOnlyDeliveryColumns(t *testing.T) {
	store, mock := newMock(t)
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("set notification_attempts = notification_attempts + 1")).
		WithArgs("mat_1", true, "", now).
		WillReturnRows(sqlmock.NewRows(matchCols).AddRow(
			"mat_1", "req_1", "usr_d", "CONFIRMED", true, now, 2, "", now.Add(-time.Hour), now))

	m, err := store.RecordNotification(context.Background(), "mat_1", true, "stale error", now)
	if err != nil {
		t.Fatalf("RecordNotification: %v", err)
	}
	if m.Status != matching.MatchConfirmed || !m.NotificationSent || m.NotificationAttempts != 2 {
		t.Fatalf("unexpected match %+v", m)
	}
}

func TestRecordNotificationMissingRow(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery("update matches").WillReturnRows(sqlmock.NewRows(matchCols))

	_, err := store.RecordNotification(context.Background(), "mat_x", false, "down", time.Now())
	if !errors.Is(err, matching.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMatchReadsLockInsideTx(t *testing.T) {
	store, mock := newMock(t)
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	row := func() *sqlmock.Rows {
		return sqlmock.NewRows(matchCols).AddRow("mat_1", "req_1", "usr_d", "NOTIFIED", false, nil, 1, "", now, now)
	}

	mock.ExpectQuery(regexp.QuoteMeta("from matches where id=$1")+"$").WithArgs("mat_1").WillReturnRows(row())
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("from matches where id=$1 for update")).WithArgs("mat_1").WillReturnRows(row())
	mock.ExpectQuery(regexp.QuoteMeta("from matches where request_id=$1 for update")).WithArgs("req_1").WillReturnRows(row())
	mock.ExpectCommit()

	if _, err := store.GetMatch(context.Background(), "mat_1"); err != nil {
		t.Fatalf("GetMatch: %v", err)
	}
	err := store.WithTx(context.Background(), func(ctx context.Context) error {
		if _, err := store.GetMatch(ctx, "mat_1"); err != nil {
			return err
		}
		_, err := store.MatchForRequest(ctx, "req_1")
		return err
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}
}

// A confirmation that commits while the notifier is running must survive the
// delivery bookkeeping that follows it.
func TestRetryNotificationKeepsConcurrentConfirmation(t *testing.T) {
	store, mock := newMock(t)
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("from matches where id=$1")).WithArgs("mat_1").
		WillReturnRows(sqlmock.NewRows(matchCols).AddRow(
			"mat_1", "req_1", "usr_d", "NOTIFIED", false, nil, 1, "smtp down", now, now))
	mock.ExpectQuery(regexp.QuoteMeta("from blood_requests where id=$1")).WithArgs("req_1").
		WillReturnRows(sqlmock.NewRows(requestCols).AddRow(
			"req_1", "usr_r", "O-", 1, "high", "City", nil, nil, "", "MATCHED", "usr_d", now, now, now))
	mock.ExpectQuery(regexp.QuoteMeta("from users where id=$1")).WithArgs("usr_d").
		WillReturnRows(sqlmock.NewRows(userCols).AddRow(
			"usr_d", "dora", "", "", "donor", "O-", false, now, now, now))
	mock.ExpectQuery(regexp.QuoteMeta("set notification_attempts = notification_attempts + 1")).
		WithArgs("mat_1", true, "", now).
		WillReturnRows(sqlmock.NewRows(matchCols).AddRow(
			"mat_1", "req_1", "usr_d", "CONFIRMED", true, now, 2, "", now, now))

	svc := matching.NewService(store, matching.WithClock(func() time.Time { return now }))
	m, err := svc.RetryNotification(context.Background(), "mat_1", matching.Actor{UserID: "admin", Roles: []matching.Role{matching.RoleAdmin}})
	if err != nil {
		t.Fatalf("RetryNotification: %v", err)
	}
	if m.Status != matching.MatchConfirmed || !m.NotificationSent {
		t.Fatalf("delivery rewound the match: %+v", m)
	}
}
