package pg

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"bloodnet.org/internal/bloodtype"
	"bloodnet.org/internal/matching"
)

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (matching.User, error) {
	var (
		u          matching.User
		roles      string
		bt         string
		registered sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.Username, &u.FullName, &u.Email, &roles, &bt, &u.Available,
		&registered, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return matching.User{}, err
	}
	u.Roles = splitRoles(roles)
	u.BloodType = bloodtype.Type(bt)
	u.RegisteredAt = timePtr(registered)
	return u, nil
}

func scanRequest(row scanner) (matching.BloodRequest, error) {
	var (
		r               matching.BloodRequest
		bt, urg, status string
		lat, lon        sql.NullFloat64
		donor           sql.NullString
		matchedAt       sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.RequesterID, &bt, &r.Quantity, &urg, &r.HospitalName, &lat, &lon,
		&r.LocationDescription, &status, &donor, &matchedAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return matching.BloodRequest{}, err
	}
	r.BloodType = bloodtype.Type(bt)
	r.Urgency = matching.Urgency(urg)
	r.Status = matching.RequestStatus(status)
	if lat.Valid {
		r.HospitalLatitude = &lat.Float64
	}
	if lon.Valid {
		r.HospitalLongitude = &lon.Float64
	}
	if donor.Valid {
		r.MatchedDonorID = &donor.String
	}
	r.MatchedAt = timePtr(matchedAt)
	return r, nil
}

func scanMatch(row scanner) (matching.MatchRecord, error) {
	var (
		m      matching.MatchRecord
		status string
		sentAt sql.NullTime
	)
	if err := row.Scan(&m.ID, &m.RequestID, &m.DonorID, &status, &m.NotificationSent, &sentAt,
		&m.NotificationAttempts, &m.LastNotificationError, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return matching.MatchRecord{}, err
	}
	m.Status = matching.MatchStatus(status)
	m.NotificationSentAt = timePtr(sentAt)
	return m, nil
}

func scanDonation(row scanner) (matching.DonationRecord, error) {
	var (
		d   matching.DonationRecord
		req sql.NullString
		bt  string
	)
	if err := row.Scan(&d.ID, &d.DonorID, &req, &bt, &d.Quantity, &d.DonatedAt); err != nil {
		return matching.DonationRecord{}, err
	}
	d.RequestID = req.String
	d.BloodType = bloodtype.Type(bt)
	return d, nil
}

// Roles live in one comma-separated column.
func joinRoles(roles []matching.Role) string {
	parts := make([]string, len(roles))
	for i, r := range roles {
		parts[i] = string(r)
	}
	return strings.Join(parts, ",")
}

func splitRoles(raw string) []matching.Role {
	var out []matching.Role
	for _, part := range strings.Split(raw, ",") {
		if r, ok := matching.ParseRole(part); ok {
			out = append(out, r)
		}
	}
	return out
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func expectOne(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", matching.ErrNotFound, what)
	}
	return nil
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

// mapError turns constraint violations into engine errors.
func mapError(err error, what string) error {
	pgErr, ok := maybePgError(err)
	if !ok {
		return err
	}
	switch pgErr.Code {
	case pgErrUniqueViolation:
		return fmt.Errorf("%w: %s already exists", matching.ErrConflict, what)
	case pgErrCheckViolation:
		return fmt.Errorf("%w: %s violates %s", matching.ErrConflict, what, pgErr.ConstraintName)
	case pgErrForeignKeyViolation:
		return fmt.Errorf("%w: %s references a missing row", matching.ErrNotFound, what)
	}
	return err
}
