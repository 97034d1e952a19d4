package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

// pqUniqueViolation is the SQLSTATE of a unique constraint failure.
const pqUniqueViolation = "23505"

func duplicateKey(err error, kind, id string) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
		return fmt.Errorf("%w: %s %s", ErrAlreadyExists, kind, id)
	}
	return err
}

const bookingColumns = `id, rider_id, driver_id, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
	scheduled_start, duration_min, car_preference, car_id, status, user_price, driver_earnings,
	actual_start, actual_end, created_at, updated_at`

func (p *PostgresStore) CreateBooking(ctx context.Context, b *models.Booking) error {
	err := p.db.QueryRowContext(ctx, `INSERT INTO bookings (id, rider_id, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
		scheduled_start, duration_min, car_preference, car_id, status, user_price, driver_earnings)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING created_at, updated_at`,
		b.ID, b.RiderID, b.Pickup.Lat, b.Pickup.Lon, b.Dropoff.Lat, b.Dropoff.Lon,
		b.ScheduledStart, b.DurationMin, string(b.CarPreference), b.CarID, string(b.Status),
		b.UserPrice, b.DriverEarnings,
	).Scan(&b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create booking: %w", duplicateKey(err, "booking", b.ID))
	}
	return nil
}

func (p *PostgresStore) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
	b, err := scanBooking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBookingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get booking: %w", err)
	}
	return b, nil
}

func (p *PostgresStore) ListDue(ctx context.Context, status models.BookingStatus, until time.Time) ([]*models.Booking, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+bookingColumns+` FROM bookings
		WHERE status = $1 AND scheduled_start <= $2
		ORDER BY scheduled_start ASC, id ASC`, string(status), until)
	if err != nil {
		return nil, fmt.Errorf("list due bookings: %w", err)
	}
	defer rows.Close()

	var out []*models.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("scan booking: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (p *PostgresStore) TransitionBooking(ctx context.Context, id string, from models.BookingStatus, u BookingUpdate) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE bookings SET
			status = $1,
			driver_id = COALESCE($2, driver_id),
			car_id = COALESCE($3, car_id),
			user_price = COALESCE($4, user_price),
			driver_earnings = COALESCE($5, driver_earnings),
			actual_start = COALESCE($6, actual_start),
			actual_end = COALESCE($7, actual_end),
			updated_at = now()
		WHERE id = $8 AND status = $9`,
		string(u.To), u.DriverID, u.CarID, u.UserPrice, u.DriverEarnings, u.ActualStart, u.ActualEnd,
		id, string(from),
	)
	if err != nil {
		return false, fmt.Errorf("transition booking: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM bookings WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrBookingNotFound
	}
	return false, nil
}

const driverColumns = `id, name, lat, lon, rating, online, conn_id, availability, cars, main_car, version, updated_at`

// dbSlot is the JSONB shape of a slot; minutes keep range queries numeric.
type dbSlot struct {
	Day   int `json:"day"`
	Start int `json:"start_min"`
	End   int `json:"end_min"`
}

func (p *PostgresStore) CreateDriver(ctx context.Context, d *models.Driver) error {
	avail, err := encodeSlots(d.Availability)
	if err != nil {
		return err
	}
	err = p.db.QueryRowContext(ctx, `INSERT INTO drivers (id, name, lat, lon, rating, availability, cars, main_car)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING updated_at`,
		d.ID, d.Name, d.Loc.Lat, d.Loc.Lon, d.Rating, avail, pq.Array(nonNilStrings(d.Cars)), d.MainCar,
	).Scan(&d.Updated)
	if err != nil {
		return fmt.Errorf("create driver: %w", duplicateKey(err, "driver", d.ID))
	}
	return nil
}

func (p *PostgresStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id = $1`, id)
	d, err := scanDriver(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDriverNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get driver: %w", err)
	}
	return d, nil
}

func (p *PostgresStore) ListCandidates(ctx context.Context, day, start, end int, onlineOnly bool) ([]*models.Driver, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+driverColumns+` FROM drivers d
		WHERE ($4 = FALSE OR d.online)
		  AND EXISTS (
			SELECT 1 FROM jsonb_to_recordset(d.availability) AS s(day INT, start_min INT, end_min INT)
			WHERE s.day = $1 AND s.start_min <= $2 AND s.end_min >= $3
		  )
		ORDER BY d.rating DESC, d.id ASC`, day, start, end, onlineOnly)
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	defer rows.Close()

	var out []*models.Driver
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, fmt.Errorf("scan driver: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) MarkOnline(ctx context.Context, id, connID string) error {
	return p.execDriver(ctx, `UPDATE drivers SET online = TRUE, conn_id = $2, updated_at = now() WHERE id = $1`, id, connID)
}

func (p *PostgresStore) MarkOffline(ctx context.Context, id, connID string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE drivers SET online = FALSE, conn_id = '', updated_at = now()
		WHERE id = $1 AND conn_id = $2`, id, connID)
	return err
}

func (p *PostgresStore) UpdateLocation(ctx context.Context, id string, loc models.Coord) error {
	return p.execDriver(ctx, `UPDATE drivers SET lat = $2, lon = $3, updated_at = now() WHERE id = $1`, id, loc.Lat, loc.Lon)
}

func (p *PostgresStore) ReplaceAvailability(ctx context.Context, id string, version int, slots []models.Slot) (bool, error) {
	avail, err := encodeSlots(slots)
	if err != nil {
		return false, err
	}
	res, err := p.db.ExecContext(ctx, `UPDATE drivers SET availability = $3, version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $2`, id, version, avail)
	if err != nil {
		return false, fmt.Errorf("replace availability: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := p.GetDriver(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (p *PostgresStore) execDriver(ctx context.Context, query string, args ...any) error {
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDriverNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBooking(s scanner) (*models.Booking, error) {
	var (
		b                      models.Booking
		driverID, carID        sql.NullString
		actualStart, actualEnd sql.NullTime
		carPref, status        string
	)
	err := s.Scan(&b.ID, &b.RiderID, &driverID, &b.Pickup.Lat, &b.Pickup.Lon, &b.Dropoff.Lat, &b.Dropoff.Lon,
		&b.ScheduledStart, &b.DurationMin, &carPref, &carID, &status, &b.UserPrice, &b.DriverEarnings,
		&actualStart, &actualEnd, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	b.CarPreference = models.CarPreference(carPref)
	b.Status = models.BookingStatus(status)
	b.DriverID = nullString(driverID)
	b.CarID = nullString(carID)
	b.ActualStart = nullTime(actualStart)
	b.ActualEnd = nullTime(actualEnd)
	return &b, nil
}

func scanDriver(s scanner) (*models.Driver, error) {
	var (
		d       models.Driver
		avail   []byte
		mainCar sql.NullString
	)
	err := s.Scan(&d.ID, &d.Name, &d.Loc.Lat, &d.Loc.Lon, &d.Rating, &d.Online, &d.ConnID,
		&avail, pq.Array(&d.Cars), &mainCar, &d.Version, &d.Updated)
	if err != nil {
		return nil, err
	}
	if d.Availability, err = decodeSlots(avail); err != nil {
		return nil, err
	}
	d.MainCar = nullString(mainCar)
	return &d, nil
}

func encodeSlots(slots []models.Slot) (string, error) {
	rows := make([]dbSlot, len(slots))
	for i, s := range slots {
		rows[i] = dbSlot{Day: s.Day, Start: s.Start, End: s.End}
	}
	b, err := json.Marshal(rows)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func decodeSlots(b []byte) ([]models.Slot, error) {
	var rows []dbSlot
	if err := json.Unmarshal(b, &rows); err != nil {
		return nil, fmt.Errorf("decode availability: %w", err)
	}
	out := make([]models.Slot, len(rows))
	for i, r := range rows {
		out[i] = models.Slot{Day: r.Day, Start: r.Start, End: r.End}
	}
	return out, nil
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

var _ Store = (*PostgresStore)(nil)
