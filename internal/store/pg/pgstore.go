package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"bloodnet.org/internal/bloodtype"
	"bloodnet.org/internal/matching"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
	pgErrCheckViolation      = "23514"
)

// Store is the PostgreSQL implementation of matching.Store.
type Store struct {
	db *sql.DB
}

var _ matching.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

type txKey struct{}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func txFrom(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*sql.Tx)
	return tx, ok && tx != nil
}

func (s *Store) q(ctx context.Context) querier {
	if tx, ok := txFrom(ctx); ok {
		return tx
	}
	return s.db
}

// WithTx runs fn in one read-committed transaction. Nested calls join the
// outer transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := txFrom(ctx); ok {
		return fn(ctx)
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	return tx.Commit()
}

// --- users ---

const userColumns = `id, username, full_name, email, roles, blood_type, available, registered_at, created_at, updated_at`

func (s *Store) CreateUser(ctx context.Context, u matching.User) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		insert into users (`+userColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, u.ID, u.Username, u.FullName, u.Email, joinRoles(u.Roles), string(u.BloodType), u.Available,
		nullTime(u.RegisteredAt), u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return mapError(err, "user "+u.ID)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id string) (matching.User, error) {
	row := s.q(ctx).QueryRowContext(ctx, `select `+userColumns+` from users where id=$1`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return matching.User{}, fmt.Errorf("%w: user %s", matching.ErrNotFound, id)
	}
	return u, err
}

// FindAvailableDonors orders by registration time. Inside a transaction it
// locks and returns only the first donor no concurrent transaction holds, so
// two simultaneous matches never pick the same donor and neither starves.
func (s *Store) FindAvailableDonors(ctx context.Context, types []bloodtype.Type, excludeUserID string) ([]matching.User, error) {
	if len(types) == 0 {
		return nil, nil
	}
	args := []any{excludeUserID}
	holders := make([]string, 0, len(types))
	for _, t := range types {
		args = append(args, string(t))
		holders = append(holders, fmt.Sprintf("$%d", len(args)))
	}
	query := `
		select ` + userColumns + `
		from users
		where available
		  and registered_at is not null
		  and (',' || roles || ',') like '%,donor,%'
		  and id <> $1
		  and blood_type in (` + strings.Join(holders, ",") + `)
		order by registered_at asc, id asc`
	if _, ok := txFrom(ctx); ok {
		query += `
		limit 1
		for update skip locked`
	}

	rows, err := s.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []matching.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) SetAvailable(ctx context.Context, userID string, available bool, at time.Time) error {
	res, err := s.q(ctx).ExecContext(ctx, `update users set available=$2, updated_at=$3 where id=$1`, userID, available, at)
	if err != nil {
		return err
	}
	return expectOne(res, "user "+userID)
}

// --- requests ---

const requestColumns = `id, requester_id, blood_type, quantity, urgency, hospital_name, hospital_latitude,
	hospital_longitude, location_description, status, matched_donor_id, matched_at, created_at, updated_at`

func (s *Store) CreateRequest(ctx context.Context, r matching.BloodRequest) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		insert into blood_requests (`+requestColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, r.ID, r.RequesterID, string(r.BloodType), r.Quantity, string(r.Urgency), r.HospitalName,
		nullFloat(r.HospitalLatitude), nullFloat(r.HospitalLongitude), r.LocationDescription, string(r.Status),
		nullString(r.MatchedDonorID), nullTime(r.MatchedAt), r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return mapError(err, "request "+r.ID)
	}
	return nil
}

// GetRequest locks the row when called inside a transaction.
func (s *Store) GetRequest(ctx context.Context, id string) (matching.BloodRequest, error) {
	query := `select ` + requestColumns + ` from blood_requests where id=$1`
	if _, ok := txFrom(ctx); ok {
		query += ` for update`
	}
	r, err := scanRequest(s.q(ctx).QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return matching.BloodRequest{}, fmt.Errorf("%w: request %s", matching.ErrNotFound, id)
	}
	return r, err
}

func (s *Store) UpdateRequest(ctx context.Context, r matching.BloodRequest) error {
	res, err := s.q(ctx).ExecContext(ctx, `
		update blood_requests
		set status=$2, matched_donor_id=$3, matched_at=$4, updated_at=$5
		where id=$1
	`, r.ID, string(r.Status), nullString(r.MatchedDonorID), nullTime(r.MatchedAt), r.UpdatedAt)
	if err != nil {
		return mapError(err, "request "+r.ID)
	}
	return expectOne(res, "request "+r.ID)
}

func (s *Store) ListRequests(ctx context.Context, f matching.RequestFilter) ([]matching.BloodRequest, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		select `+requestColumns+`
		from blood_requests
		where ($1 = '' or requester_id = $1) and ($2 = '' or status = $2)
		order by id asc
	`, f.RequesterID, string(f.Status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []matching.BloodRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- matches ---

const matchColumns = `id, request_id, donor_id, status, notification_sent, notification_sent_at,
	notification_attempts, last_notification_error, created_at, updated_at`

func (s *Store) CreateMatch(ctx context.Context, m matching.MatchRecord) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		insert into matches (`+matchColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, m.ID, m.RequestID, m.DonorID, string(m.Status), m.NotificationSent, nullTime(m.NotificationSentAt),
		m.NotificationAttempts, m.LastNotificationError, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return mapError(err, "match for request "+m.RequestID)
	}
	return nil
}

func (s *Store) GetMatch(ctx context.Context, id string) (matching.MatchRecord, error) {
	query := `select ` + matchColumns + ` from matches where id=$1`
	if _, ok := txFrom(ctx); ok {
		query += ` for update`
	}
	m, err := scanMatch(s.q(ctx).QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return matching.MatchRecord{}, fmt.Errorf("%w: match %s", matching.ErrNotFound, id)
	}
	return m, err
}

func (s *Store) MatchForRequest(ctx context.Context, requestID string) (matching.MatchRecord, error) {
	query := `select ` + matchColumns + ` from matches where request_id=$1`
	if _, ok := txFrom(ctx); ok {
		query += ` for update`
	}
	m, err := scanMatch(s.q(ctx).QueryRowContext(ctx, query, requestID))
	if errors.Is(err, sql.ErrNoRows) {
		return matching.MatchRecord{}, fmt.Errorf("%w: match for request %s", matching.ErrNotFound, requestID)
	}
	return m, err
}

func (s *Store) UpdateMatch(ctx context.Context, m matching.MatchRecord) error {
	res, err := s.q(ctx).ExecContext(ctx, `
		update matches
		set status=$2, notification_sent=$3, notification_sent_at=$4, notification_attempts=$5,
		    last_notification_error=$6, updated_at=$7
		where id=$1
	`, m.ID, string(m.Status), m.NotificationSent, nullTime(m.NotificationSentAt), m.NotificationAttempts,
		m.LastNotificationError, m.UpdatedAt)
	if err != nil {
		return err
	}
	return expectOne(res, "match "+m.ID)
}

// RecordNotification is a single statement so it never rewrites a status
// committed by a concurrent claim or confirmation.
func (s *Store) RecordNotification(ctx context.Context, matchID string, sent bool, errMsg string, at time.Time) (matching.MatchRecord, error) {
	if sent {
		errMsg = ""
	}
	m, err := scanMatch(s.q(ctx).QueryRowContext(ctx, `
		update matches
		set notification_attempts = notification_attempts + 1,
		    notification_sent = notification_sent or $2,
		    notification_sent_at = case when $2 then $4 else notification_sent_at end,
		    last_notification_error = $3,
		    updated_at = $4
		where id=$1
		returning `+matchColumns, matchID, sent, errMsg, at))
	if errors.Is(err, sql.ErrNoRows) {
		return matching.MatchRecord{}, fmt.Errorf("%w: match %s", matching.ErrNotFound, matchID)
	}
	return m, err
}

func (s *Store) ListMatches(ctx context.Context, f matching.MatchFilter) ([]matching.MatchRecord, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		select `+matchColumns+`
		from matches
		where ($1 = '' or donor_id = $1) and ($2 = '' or status = $2)
		order by id asc
	`, f.DonorID, string(f.Status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []matching.MatchRecord
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) CountActiveMatches(ctx context.Context, donorID string) (int, error) {
	var n int
	err := s.q(ctx).QueryRowContext(ctx, `
		select count(*) from matches where donor_id=$1 and status in ($2, $3)
	`, donorID, string(matching.MatchNotified), string(matching.MatchClaimed)).Scan(&n)
	return n, err
}

// --- donations ---

const donationColumns = `id, donor_id, request_id, blood_type, quantity, donated_at`

func (s *Store) CreateDonation(ctx context.Context, d matching.DonationRecord) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		insert into donations (`+donationColumns+`) values ($1,$2,$3,$4,$5,$6)
	`, d.ID, d.DonorID, nullIfEmpty(d.RequestID), string(d.BloodType), d.Quantity, d.DonatedAt)
	if err != nil {
		return mapError(err, "donation "+d.ID)
	}
	return nil
}

func (s *Store) GetDonation(ctx context.Context, id string) (matching.DonationRecord, error) {
	d, err := scanDonation(s.q(ctx).QueryRowContext(ctx, `select `+donationColumns+` from donations where id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return matching.DonationRecord{}, fmt.Errorf("%w: donation %s", matching.ErrNotFound, id)
	}
	return d, err
}

func (s *Store) ListDonations(ctx context.Context, donorID string) ([]matching.DonationRecord, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		select `+donationColumns+`
		from donations
		where ($1 = '' or donor_id = $1)
		order by donated_at desc, id desc
	`, donorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []matching.DonationRecord
	for rows.Next() {
		d, err := scanDonation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// --- inventory ---

// IncrementInventory is a single upsert so concurrent increments never lose
// an update.
func (s *Store) IncrementInventory(ctx context.Context, t bloodtype.Type, qty int, at time.Time) (matching.InventoryEntry, error) {
	var (
		e  matching.InventoryEntry
		bt string
	)
	err := s.q(ctx).QueryRowContext(ctx, `
		insert into inventory (blood_type, quantity, updated_at)
		values ($1, $2, $3)
		on conflict (blood_type) do update
		set quantity = inventory.quantity + excluded.quantity, updated_at = excluded.updated_at
		returning blood_type, quantity, updated_at
	`, string(t), qty, at).Scan(&bt, &e.Quantity, &e.UpdatedAt)
	if err != nil {
		return matching.InventoryEntry{}, mapError(err, "inventory for "+string(t))
	}
	e.BloodType = bloodtype.Type(bt)
	return e, nil
}

func (s *Store) GetInventory(ctx context.Context, t bloodtype.Type) (matching.InventoryEntry, error) {
	var (
		e  matching.InventoryEntry
		bt string
	)
	err := s.q(ctx).QueryRowContext(ctx, `
		select blood_type, quantity, updated_at from inventory where blood_type=$1
	`, string(t)).Scan(&bt, &e.Quantity, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return matching.InventoryEntry{}, fmt.Errorf("%w: inventory for %s", matching.ErrNotFound, t)
	}
	if err != nil {
		return matching.InventoryEntry{}, err
	}
	e.BloodType = bloodtype.Type(bt)
	return e, nil
}

func (s *Store) ListInventory(ctx context.Context) ([]matching.InventoryEntry, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `select blood_type, quantity, updated_at from inventory`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byType := map[bloodtype.Type]matching.InventoryEntry{}
	for rows.Next() {
		var (
			e  matching.InventoryEntry
			bt string
		)
		if err := rows.Scan(&bt, &e.Quantity, &e.UpdatedAt); err != nil {
			return nil, err
		}
		e.BloodType = bloodtype.Type(bt)
		byType[e.BloodType] = e
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	var out []matching.InventoryEntry
	for _, t := range bloodtype.All {
		if e, ok := byType[t]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}
