package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/example/spotkeeper/internal/spot/domain"
)

//go:embed schema.sql
var schemaSQL string

// DefaultTopicPrefix is prepended to the event type to form the outbox topic.
const DefaultTopicPrefix = "parking.spots."

// PostgresStore keeps spots, bookings and parkings in Postgres and writes spot
// events to the outbox table inside the same transaction.
type PostgresStore struct {
	db          *sql.DB
	topicPrefix string
}

// NewPostgresStore wraps an open database handle (pgx stdlib driver).
func NewPostgresStore(db *sql.DB, topicPrefix string) *PostgresStore {
	if topicPrefix == "" {
		topicPrefix = DefaultTopicPrefix
	}
	return &PostgresStore{db: db, topicPrefix: topicPrefix}
}

// Migrate creates the tables when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return classify("migrate", err)
	}
	return nil
}

// Update runs fn in a read-committed transaction; entity reads take row locks.
func (s *PostgresStore) Update(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return classify("begin tx", err)
	}
	tx := &pgTx{tx: sqlTx, topicPrefix: s.topicPrefix}
	if err := fn(ctx, tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return classify("commit", err)
	}
	return nil
}

// ExpiredBookings lists open bookings with expiry at or before now.
func (s *PostgresStore) ExpiredBookings(ctx context.Context, now time.Time, limit int) ([]domain.Booking, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+bookingColumns+` FROM bookings
WHERE status = 'active' AND arrived_at IS NULL AND expiry_time <= $1
ORDER BY expiry_time, id LIMIT $2`, now, limit)
	if err != nil {
		return nil, classify("select expired bookings", err)
	}
	defer rows.Close()
	var out []domain.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, classify("scan booking", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate bookings", err)
	}
	return out, nil
}

// GetBooking reads a booking without locking it.
func (s *PostgresStore) GetBooking(ctx context.Context, id string) (domain.Booking, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
	b, err := scanBooking(row)
	if err != nil {
		return domain.Booking{}, classify("booking "+id, err)
	}
	return b, nil
}

// GetSpot reads a spot without locking it.
func (s *PostgresStore) GetSpot(ctx context.Context, key domain.SpotKey) (domain.Spot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+spotColumns+` FROM spots WHERE parking_id = $1 AND spot_id = $2`, key.ParkingID, key.SpotID)
	rec, err := scanSpot(row)
	if err != nil {
		return domain.Spot{}, classify("spot "+key.String(), err)
	}
	return rec.Spot()
}

// SeedParking inserts or replaces a parking aggregate.
func (s *PostgresStore) SeedParking(ctx context.Context, p domain.Parking) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO parkings (id, capacity, available, version) VALUES ($1, $2, $3, 1)
ON CONFLICT (id) DO UPDATE SET capacity = EXCLUDED.capacity, available = EXCLUDED.available`, p.ID, p.Capacity, p.Available)
	return classify("seed parking", err)
}

// SeedSpot inserts or replaces a spot record.
func (s *PostgresStore) SeedSpot(ctx context.Context, rec domain.SpotRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO spots (parking_id, spot_id, status, booking_id, expected_arrival, deadline_arrival, arrived_at, ignore_mirror_updates, last_action, synced_from_mirror, version)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1)
ON CONFLICT (parking_id, spot_id) DO UPDATE SET status = EXCLUDED.status, booking_id = EXCLUDED.booking_id,
expected_arrival = EXCLUDED.expected_arrival, deadline_arrival = EXCLUDED.deadline_arrival, arrived_at = EXCLUDED.arrived_at,
ignore_mirror_updates = EXCLUDED.ignore_mirror_updates, last_action = EXCLUDED.last_action`,
		rec.ParkingID, rec.SpotID, string(rec.Status), rec.BookingID, rec.ExpectedArrival, rec.DeadlineArrival, rec.ArrivedAt,
		rec.IgnoreMirrorUpdates, string(rec.LastAction), rec.SyncedFromMirror)
	return classify("seed spot", err)
}

// SeedBooking inserts a booking.
func (s *PostgresStore) SeedBooking(ctx context.Context, b domain.Booking) error {
	return s.Update(ctx, func(ctx context.Context, tx domain.Tx) error {
		return tx.CreateBooking(ctx, b)
	})
}

const spotColumns = `parking_id, spot_id, status, booking_id, expected_arrival, deadline_arrival, arrived_at,
ignore_mirror_updates, last_action, synced_from_mirror, updated_at, version`

const bookingColumns = `id, parking_id, spot_id, user_id, status, cancel_reason, expiry_time, arrived_at, cancelled_at, created_at, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSpot(row rowScanner) (domain.SpotRecord, error) {
	var (
		rec                         domain.SpotRecord
		status, lastAction          string
		bookingID                   sql.NullString
		expected, deadline, arrived sql.NullTime
	)
	if err := row.Scan(&rec.ParkingID, &rec.SpotID, &status, &bookingID, &expected, &deadline, &arrived,
		&rec.IgnoreMirrorUpdates, &lastAction, &rec.SyncedFromMirror, &rec.UpdatedAt, &rec.Version); err != nil {
		return domain.SpotRecord{}, err
	}
	rec.Status = domain.SpotStatus(status)
	rec.LastAction = domain.Action(lastAction)
	if bookingID.Valid {
		rec.BookingID = &bookingID.String
	}
	rec.ExpectedArrival = nullTime(expected)
	rec.DeadlineArrival = nullTime(deadline)
	rec.ArrivedAt = nullTime(arrived)
	return rec, nil
}

func scanBooking(row rowScanner) (domain.Booking, error) {
	var (
		b                  domain.Booking
		status, reason     string
		arrived, cancelled sql.NullTime
	)
	if err := row.Scan(&b.ID, &b.ParkingID, &b.SpotID, &b.UserID, &status, &reason, &b.ExpiryTime,
		&arrived, &cancelled, &b.CreatedAt, &b.Version); err != nil {
		return domain.Booking{}, err
	}
	b.Status = domain.BookingStatus(status)
	b.CancelReason = domain.CancelReason(reason)
	b.ArrivedAt = nullTime(arrived)
	b.CancelledAt = nullTime(cancelled)
	return b, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

type pgTx struct {
	tx          *sql.Tx
	topicPrefix string
	savepoints  int
}

func (t *pgTx) Spot(ctx context.Context, key domain.SpotKey) (domain.Spot, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+spotColumns+` FROM spots WHERE parking_id = $1 AND spot_id = $2 FOR UPDATE`, key.ParkingID, key.SpotID)
	rec, err := scanSpot(row)
	if err != nil {
		return domain.Spot{}, classify("spot "+key.String(), err)
	}
	return rec.Spot()
}

func (t *pgTx) Booking(ctx context.Context, id string) (domain.Booking, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1 FOR UPDATE`, id)
	b, err := scanBooking(row)
	if err != nil {
		return domain.Booking{}, classify("booking "+id, err)
	}
	return b, nil
}

func (t *pgTx) Parking(ctx context.Context, id string) (domain.Parking, error) {
	var p domain.Parking
	row := t.tx.QueryRowContext(ctx, `SELECT id, capacity, available, updated_at, version FROM parkings WHERE id = $1 FOR UPDATE`, id)
	if err := row.Scan(&p.ID, &p.Capacity, &p.Available, &p.UpdatedAt, &p.Version); err != nil {
		return domain.Parking{}, classify("parking "+id, err)
	}
	return p, nil
}

func (t *pgTx) SaveSpot(ctx context.Context, spot domain.Spot) error {
	if err := spot.Validate(); err != nil {
		return err
	}
	rec := spot.Record()
	res, err := t.tx.ExecContext(ctx, `UPDATE spots SET status = $3, booking_id = $4, expected_arrival = $5, deadline_arrival = $6,
arrived_at = $7, ignore_mirror_updates = $8, last_action = $9, synced_from_mirror = $10, updated_at = $11, version = version + 1
WHERE parking_id = $1 AND spot_id = $2 AND version = $12`,
		rec.ParkingID, rec.SpotID, string(rec.Status), rec.BookingID, rec.ExpectedArrival, rec.DeadlineArrival, rec.ArrivedAt,
		rec.IgnoreMirrorUpdates, string(rec.LastAction), rec.SyncedFromMirror, updatedAt(rec.UpdatedAt), rec.Version)
	if err != nil {
		return classify("update spot "+spot.Key.String(), err)
	}
	return expectOneRow(res, "spot "+spot.Key.String())
}

func (t *pgTx) SaveBooking(ctx context.Context, b domain.Booking) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE bookings SET status = $2, cancel_reason = $3, arrived_at = $4, cancelled_at = $5, version = version + 1
WHERE id = $1 AND version = $6`,
		b.ID, string(b.Status), string(b.CancelReason), b.ArrivedAt, b.CancelledAt, b.Version)
	if err != nil {
		return classify("update booking "+b.ID, err)
	}
	return expectOneRow(res, "booking "+b.ID)
}

func (t *pgTx) SaveParking(ctx context.Context, p domain.Parking) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE parkings SET available = $2, updated_at = $3, version = version + 1 WHERE id = $1 AND version = $4`,
		p.ID, p.Available, updatedAt(p.UpdatedAt), p.Version)
	if err != nil {
		return classify("update parking "+p.ID, err)
	}
	return expectOneRow(res, "parking "+p.ID)
}

func (t *pgTx) CreateBooking(ctx context.Context, b domain.Booking) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO bookings (id, parking_id, spot_id, user_id, status, cancel_reason, expiry_time, arrived_at, cancelled_at, created_at, version)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1)`,
		b.ID, b.ParkingID, b.SpotID, b.UserID, string(b.Status), string(b.CancelReason), b.ExpiryTime, b.ArrivedAt, b.CancelledAt, updatedAt(b.CreatedAt))
	if err != nil {
		return classify("insert booking "+b.ID, err)
	}
	return nil
}

func (t *pgTx) AppendEvent(ctx context.Context, event domain.SpotEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, `INSERT INTO outbox (topic, payload, published) VALUES ($1, $2, false)`, t.topicPrefix+string(event.Type), payload); err != nil {
		return classify("insert outbox", err)
	}
	return nil
}

// Isolate wraps fn in a savepoint so a failing entry only discards its own writes.
func (t *pgTx) Isolate(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	t.savepoints++
	name := fmt.Sprintf("entry_%d", t.savepoints)
	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return classify("savepoint", err)
	}
	if err := fn(ctx, t); err != nil {
		if _, rbErr := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return errors.Join(err, classify("rollback to savepoint", rbErr))
		}
		return err
	}
	if _, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return classify("release savepoint", err)
	}
	return nil
}

func expectOneRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return classify(what, err)
	}
	if n != 1 {
		return fmt.Errorf("%s changed concurrently: %w", what, domain.ErrPreconditionFailed)
	}
	return nil
}

func updatedAt(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

// classify maps driver errors onto the domain taxonomy.
func classify(what string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, domain.ErrNotFound)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", what, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%s: %w: %w", what, domain.ErrPreconditionFailed, err)
		case "23505":
			return fmt.Errorf("%s: %w: %w", what, domain.ErrPreconditionFailed, err)
		case "23514":
			return fmt.Errorf("%s: %w: %w", what, domain.ErrInvariantViolation, err)
		}
	}
	return fmt.Errorf("%s: %w: %w", what, domain.ErrStoreUnavailable, err)
}
