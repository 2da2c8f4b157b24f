package storage

import (
	"database/sql"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/domain"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/models"

	"github.com/google/uuid"
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
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

const rideColumns = `id, customer_id, driver_id, vehicle, pickup_address, pickup_lat, pickup_lon,
	drop_address, drop_lat, drop_lon, distance_m, fare, otp, status, payment_ref, created_at, updated_at`

func (p *PostgresStore) Create(r *models.Ride) error {
	r.ID = uuid.NewString()
	r.OTP = fare.GenerateOTP()
	r.Status = models.StatusSearching
	r.CreatedAt = time.Now()
	r.UpdatedAt = r.CreatedAt
	_, err := p.db.Exec(`INSERT INTO rides(`+rideColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		r.ID, r.CustomerID, r.DriverID, r.Vehicle, r.Pickup.Address, r.Pickup.Lat, r.Pickup.Lon,
		r.Drop.Address, r.Drop.Lat, r.Drop.Lon, r.DistanceMeters, r.Fare, r.OTP, r.Status, r.PaymentRef,
		r.CreatedAt, r.UpdatedAt)
	return err
}

func (p *PostgresStore) FindByID(id string) (*models.Ride, error) {
	return scanRide(p.db.QueryRow(`SELECT `+rideColumns+` FROM rides WHERE id=$1`, id))
}

func (p *PostgresStore) Update(r *models.Ride) error {
	r.UpdatedAt = time.Now()
	res, err := p.db.Exec(`UPDATE rides SET driver_id=$1, status=$2, payment_ref=$3, updated_at=$4 WHERE id=$5`,
		r.DriverID, r.Status, r.PaymentRef, r.UpdatedAt, r.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFoundf("ride %s", r.ID)
	}
	return nil
}

func (p *PostgresStore) Transition(id string, from, to models.Status, mutate func(*models.Ride)) (*models.Ride, error) {
	if !models.CanTransition(from, to) {
		return nil, domain.Validationf("illegal transition %s -> %s", from, to)
	}
	tx, err := p.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	r, err := scanRide(tx.QueryRow(`SELECT `+rideColumns+` FROM rides WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if r.Status != from {
		return nil, domain.Conflictf("ride %s is %s, not %s", id, r.Status, from)
	}
	r.Status = to
	r.UpdatedAt = time.Now()
	if mutate != nil {
		mutate(r)
	}
	if _, err := tx.Exec(`UPDATE rides SET driver_id=$1, status=$2, payment_ref=$3, updated_at=$4 WHERE id=$5`,
		r.DriverID, r.Status, r.PaymentRef, r.UpdatedAt, r.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return r, nil
}

func (p *PostgresStore) ListByParticipant(userID string, status models.Status) ([]*models.Ride, error) {
	q := `SELECT ` + rideColumns + ` FROM rides WHERE (customer_id=$1 OR driver_id=$1)`
	args := []any{userID}
	if status != "" {
		q += ` AND status=$2`
		args = append(args, status)
	}
	q += ` ORDER BY created_at DESC`
	rows, err := p.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*models.Ride, 0)
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Delete(id string) error {
	_, err := p.db.Exec(`DELETE FROM rides WHERE id=$1`, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner) (*models.Ride, error) {
	var r models.Ride
	var driverID, paymentRef sql.NullString
	err := row.Scan(&r.ID, &r.CustomerID, &driverID, &r.Vehicle, &r.Pickup.Address, &r.Pickup.Lat, &r.Pickup.Lon,
		&r.Drop.Address, &r.Drop.Lat, &r.Drop.Lon, &r.DistanceMeters, &r.Fare, &r.OTP, &r.Status, &paymentRef,
		&r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.NotFoundf("ride")
	}
	if err != nil {
		return nil, err
	}
	r.DriverID = driverID.String
	r.PaymentRef = paymentRef.String
	return &r, nil
}
