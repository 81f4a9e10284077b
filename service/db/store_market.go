package db

import (
	"context"
	"time"

	"github.com/brojonat/transops/service/fleet"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ReturnLoad is cargo a fleet owner offers for an empty return journey.
type ReturnLoad struct {
	ID           string
	FleetOwnerID string
	Origin       string
	Destination  string
	CargoType    *string
	Weight       *float64
	OfferedPrice float64
	PickupDate   *string
	Status       fleet.LoadStatus
	BookedBy     *string
	CreatedAt    time.Time
	BookedAt     *time.Time
}

// CreateReturnLoadParams contains the parameters for posting a return load.
type CreateReturnLoadParams struct {
	FleetOwnerID string
	Origin       string
	Destination  string
	CargoType    *string
	Weight       *float64
	OfferedPrice float64
	PickupDate   *string
}

// DriverPerformance is the running record of a driver's completed work.
type DriverPerformance struct {
	DriverID              string
	TotalTrips            int32
	TotalDistance         float64
	AverageFuelEfficiency float64
	SafetyScore           float64
	RewardPoints          int32
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

const returnLoadColumns = `id, fleet_owner_id, origin, destination, cargo_type, weight, offered_price,
	pickup_date, status, booked_by, created_at, booked_at`

const performanceColumns = `driver_id, total_trips, total_distance, average_fuel_efficiency,
	safety_score, reward_points, created_at, updated_at`

// CreateReturnLoad posts an available return load.
func (s *Store) CreateReturnLoad(ctx context.Context, params CreateReturnLoadParams) (*ReturnLoad, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO return_loads (id, fleet_owner_id, origin, destination, cargo_type, weight, offered_price, pickup_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+returnLoadColumns,
		uuid.NewString(), params.FleetOwnerID, params.Origin, params.Destination,
		params.CargoType, params.Weight, params.OfferedPrice, params.PickupDate,
	)
	return scanReturnLoad(row)
}

// GetReturnLoad retrieves a return load by id.
func (s *Store) GetReturnLoad(ctx context.Context, id string) (*ReturnLoad, error) {
	return scanReturnLoad(s.pool.QueryRow(ctx, `SELECT `+returnLoadColumns+` FROM return_loads WHERE id = $1`, id))
}

// ListAvailableReturnLoads returns every load still open for booking,
// newest first.
func (s *Store) ListAvailableReturnLoads(ctx context.Context) ([]*ReturnLoad, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+returnLoadColumns+` FROM return_loads
		WHERE status = 'available'
		ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var loads []*ReturnLoad
	for rows.Next() {
		l, err := scanReturnLoad(rows)
		if err != nil {
			return nil, err
		}
		loads = append(loads, l)
	}
	return loads, rows.Err()
}

// BookReturnLoad books an available load for a fleet owner. The row is
// locked so two owners racing for the same load cannot both book it.
func (s *Store) BookReturnLoad(ctx context.Context, loadID, fleetOwnerID string) (*ReturnLoad, error) {
	var load *ReturnLoad
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		current, err := scanReturnLoad(tx.QueryRow(ctx, `
			SELECT `+returnLoadColumns+` FROM return_loads
			WHERE id = $1 FOR UPDATE`, loadID))
		if err != nil {
			return err
		}
		if err := fleet.ValidateBooking(current.Status, current.FleetOwnerID, fleetOwnerID); err != nil {
			return err
		}

		load, err = scanReturnLoad(tx.QueryRow(ctx, `
			UPDATE return_loads
			SET status = 'booked', booked_by = $2, booked_at = NOW()
			WHERE id = $1
			RETURNING `+returnLoadColumns,
			loadID, fleetOwnerID,
		))
		return err
	})
	if err != nil {
		return nil, err
	}
	return load, nil
}

// GetDriverPerformance retrieves a driver's performance record.
func (s *Store) GetDriverPerformance(ctx context.Context, driverID string) (*DriverPerformance, error) {
	var p DriverPerformance
	err := s.pool.QueryRow(ctx, `SELECT `+performanceColumns+` FROM driver_performance WHERE driver_id = $1`, driverID).Scan(
		&p.DriverID, &p.TotalTrips, &p.TotalDistance, &p.AverageFuelEfficiency,
		&p.SafetyScore, &p.RewardPoints, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func scanReturnLoad(row pgx.Row) (*ReturnLoad, error) {
	var l ReturnLoad
	var status string
	err := row.Scan(
		&l.ID, &l.FleetOwnerID, &l.Origin, &l.Destination, &l.CargoType, &l.Weight, &l.OfferedPrice,
		&l.PickupDate, &status, &l.BookedBy, &l.CreatedAt, &l.BookedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	l.Status = fleet.LoadStatus(status)
	return &l, nil
}
