package db

import (
	"context"
	"fmt"
	"time"

	"github.com/brojonat/transops/service/fleet"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Vehicle is a truck registered to a fleet owner.
type Vehicle struct {
	ID                 string
	FleetOwnerID       string
	RegistrationNumber string
	VehicleType        string
	Capacity           *float64
	Model              *string
	Status             fleet.VehicleStatus
	CreatedAt          time.Time
}

// CreateVehicleParams contains the parameters for creating a vehicle.
type CreateVehicleParams struct {
	FleetOwnerID       string
	RegistrationNumber string
	VehicleType        string
	Capacity           *float64
	Model              *string
}

// Trip is a journey assigned to one driver and one vehicle.
type Trip struct {
	ID                string
	FleetOwnerID      string
	DriverID          string
	VehicleID         string
	Origin            string
	Destination       string
	CargoDetails      *string
	EstimatedDistance *float64
	Status            fleet.TripStatus
	TotalExpenses     float64
	AIRouteSuggestion *string
	CreatedAt         time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
}

// CreateTripParams contains the parameters for creating a trip.
type CreateTripParams struct {
	FleetOwnerID      string
	DriverID          string
	VehicleID         string
	Origin            string
	Destination       string
	CargoDetails      *string
	EstimatedDistance *float64
	AIRouteSuggestion *string
}

// Expense is a wallet debit logged against a trip.
type Expense struct {
	ID          string
	TripID      string
	DriverID    string
	Category    fleet.Category
	Amount      float64
	Description *string
	Location    *string
	Status      string
	CreatedAt   time.Time
}

// CreateExpenseParams contains the parameters for logging an expense.
type CreateExpenseParams struct {
	TripID      string
	DriverID    string
	Category    fleet.Category
	Amount      float64
	Description *string
	Location    *string
}

// OwnerStats is the dashboard summary for a fleet owner.
type OwnerStats struct {
	TotalTrips    int64
	TotalExpenses float64
	ActiveTrips   int64
	TotalVehicles int64
	TotalDrivers  int64
}

// DriverStats is the dashboard summary for a driver.
type DriverStats struct {
	TotalTrips    int64
	TotalExpenses float64
	WalletBalance float64
}

const vehicleColumns = `id, fleet_owner_id, registration_number, vehicle_type, capacity, model, status, created_at`

const tripColumns = `id, fleet_owner_id, driver_id, vehicle_id, origin, destination, cargo_details,
	estimated_distance, status, total_expenses, ai_route_suggestion, created_at, started_at, completed_at`

const expenseColumns = `id, trip_id, driver_id, category, amount, description, location, status, created_at`

const aliasedExpenseColumns = `e.id, e.trip_id, e.driver_id, e.category, e.amount, e.description, e.location, e.status, e.created_at`

// CreateVehicle registers a vehicle for a fleet owner.
func (s *Store) CreateVehicle(ctx context.Context, params CreateVehicleParams) (*Vehicle, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO vehicles (id, fleet_owner_id, registration_number, vehicle_type, capacity, model)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+vehicleColumns,
		uuid.NewString(), params.FleetOwnerID, params.RegistrationNumber, params.VehicleType, params.Capacity, params.Model,
	)
	v, err := scanVehicle(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateVehicle
		}
		return nil, err
	}
	return v, nil
}

// GetVehicle retrieves a vehicle by id.
func (s *Store) GetVehicle(ctx context.Context, id string) (*Vehicle, error) {
	return scanVehicle(s.pool.QueryRow(ctx, `SELECT `+vehicleColumns+` FROM vehicles WHERE id = $1`, id))
}

// ListVehicles returns the vehicles of a fleet owner, newest first.
func (s *Store) ListVehicles(ctx context.Context, fleetOwnerID string) ([]*Vehicle, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+vehicleColumns+` FROM vehicles
		WHERE fleet_owner_id = $1
		ORDER BY created_at DESC`, fleetOwnerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var vehicles []*Vehicle
	for rows.Next() {
		v, err := scanVehicle(rows)
		if err != nil {
			return nil, err
		}
		vehicles = append(vehicles, v)
	}
	return vehicles, rows.Err()
}

// CreateTrip creates a planned trip. The driver must belong to the owner's
// fleet and the vehicle must be owned by the owner.
func (s *Store) CreateTrip(ctx context.Context, params CreateTripParams) (*Trip, error) {
	var trip *Trip
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var ok bool
		err := tx.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM users WHERE id = $1 AND role = 'driver' AND fleet_owner_id = $2)`,
			params.DriverID, params.FleetOwnerID).Scan(&ok)
		if err != nil {
			return fmt.Errorf("failed to check driver: %w", err)
		}
		if !ok {
			return ErrDriverNotInFleet
		}

		err = tx.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM vehicles WHERE id = $1 AND fleet_owner_id = $2)`,
			params.VehicleID, params.FleetOwnerID).Scan(&ok)
		if err != nil {
			return fmt.Errorf("failed to check vehicle: %w", err)
		}
		if !ok {
			return ErrVehicleNotInFleet
		}

		row := tx.QueryRow(ctx, `
			INSERT INTO trips (id, fleet_owner_id, driver_id, vehicle_id, origin, destination,
				cargo_details, estimated_distance, ai_route_suggestion)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING `+tripColumns,
			uuid.NewString(), params.FleetOwnerID, params.DriverID, params.VehicleID, params.Origin, params.Destination,
			params.CargoDetails, params.EstimatedDistance, params.AIRouteSuggestion,
		)
		trip, err = scanTrip(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return trip, nil
}

// GetTrip retrieves a trip by id.
func (s *Store) GetTrip(ctx context.Context, id string) (*Trip, error) {
	return scanTrip(s.pool.QueryRow(ctx, `SELECT `+tripColumns+` FROM trips WHERE id = $1`, id))
}

// ListTripsForUser returns the trips visible to a user: a fleet owner sees
// the trips they created, a driver sees the trips assigned to them.
func (s *Store) ListTripsForUser(ctx context.Context, userID string, role fleet.Role) ([]*Trip, error) {
	column := "fleet_owner_id"
	if role == fleet.RoleDriver {
		column = "driver_id"
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+tripColumns+` FROM trips
		WHERE `+column+` = $1
		ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trips []*Trip
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		trips = append(trips, t)
	}
	return trips, rows.Err()
}

// UpdateTripStatus moves a trip to a new status, stamping started_at when it
// goes on the road and completed_at when it finishes. Completing a trip adds
// it and its estimated distance to the driver's performance record.
func (s *Store) UpdateTripStatus(ctx context.Context, tripID string, to fleet.TripStatus) (*Trip, error) {
	var trip *Trip
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		current, err := scanTrip(tx.QueryRow(ctx, `SELECT `+tripColumns+` FROM trips WHERE id = $1 FOR UPDATE`, tripID))
		if err != nil {
			return err
		}
		if err := fleet.ValidateTransition(current.Status, to); err != nil {
			return err
		}

		row := tx.QueryRow(ctx, `
			UPDATE trips
			SET status = $2,
				started_at = CASE WHEN $2::text = 'in_progress' THEN NOW() ELSE started_at END,
				completed_at = CASE WHEN $2::text = 'completed' THEN NOW() ELSE completed_at END
			WHERE id = $1
			RETURNING `+tripColumns,
			tripID, string(to),
		)
		trip, err = scanTrip(row)
		if err != nil {
			return err
		}

		if to == fleet.TripCompleted {
			_, err = tx.Exec(ctx, `
				INSERT INTO driver_performance (driver_id, total_trips, total_distance)
				VALUES ($1, 1, COALESCE($2::double precision, 0))
				ON CONFLICT (driver_id) DO UPDATE
				SET total_trips = driver_performance.total_trips + 1,
					total_distance = driver_performance.total_distance + EXCLUDED.total_distance,
					updated_at = NOW()`,
				trip.DriverID, trip.EstimatedDistance,
			)
			if err != nil {
				return fmt.Errorf("failed to update driver performance: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return trip, nil
}

// CreateExpense logs an expense against a trip assigned to the driver. The
// wallet row is locked, the category limit and balance are checked, and the
// balance and trip total are adjusted in the same transaction. A rejected
// expense leaves everything unchanged.
func (s *Store) CreateExpense(ctx context.Context, params CreateExpenseParams) (*Expense, error) {
	var expense *Expense
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var assigned bool
		err := tx.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM trips WHERE id = $1 AND driver_id = $2)`,
			params.TripID, params.DriverID).Scan(&assigned)
		if err != nil {
			return fmt.Errorf("failed to check trip: %w", err)
		}
		if !assigned {
			return ErrNotFound
		}

		wallet, err := scanWallet(tx.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE driver_id = $1 FOR UPDATE`, params.DriverID))
		if err != nil {
			return err
		}

		if err := fleet.CheckExpense(wallet.Balance, wallet.Limits, params.Category, params.Amount); err != nil {
			return err
		}

		row := tx.QueryRow(ctx, `
			INSERT INTO expenses (id, trip_id, driver_id, category, amount, description, location)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING `+expenseColumns,
			uuid.NewString(), params.TripID, params.DriverID, string(params.Category), params.Amount, params.Description, params.Location,
		)
		expense, err = scanExpense(row)
		if err != nil {
			return fmt.Errorf("failed to insert expense: %w", err)
		}

		if _, err := tx.Exec(ctx, `UPDATE wallets SET balance = balance - $2, updated_at = NOW() WHERE driver_id = $1`, params.DriverID, params.Amount); err != nil {
			return fmt.Errorf("failed to debit wallet: %w", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE trips SET total_expenses = total_expenses + $2 WHERE id = $1`, params.TripID, params.Amount); err != nil {
			return fmt.Errorf("failed to update trip total: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return expense, nil
}

// ListExpensesForUser returns the expenses visible to a user, optionally
// narrowed to one trip. Drivers see their own expenses; fleet owners see
// expenses logged on their trips.
func (s *Store) ListExpensesForUser(ctx context.Context, userID string, role fleet.Role, tripID string) ([]*Expense, error) {
	query := `SELECT ` + aliasedExpenseColumns + ` FROM expenses e `
	if role == fleet.RoleDriver {
		query += `WHERE e.driver_id = $1`
	} else {
		query += `JOIN trips t ON t.id = e.trip_id WHERE t.fleet_owner_id = $1`
	}
	args := []interface{}{userID}
	if tripID != "" {
		query += ` AND e.trip_id = $2`
		args = append(args, tripID)
	}
	query += ` ORDER BY e.created_at DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var expenses []*Expense
	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			return nil, err
		}
		expenses = append(expenses, e)
	}
	return expenses, rows.Err()
}

// GetOwnerStats summarises a fleet owner's trips, spend, vehicles and drivers.
func (s *Store) GetOwnerStats(ctx context.Context, fleetOwnerID string) (*OwnerStats, error) {
	var st OwnerStats
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM trips WHERE fleet_owner_id = $1),
			(SELECT COALESCE(SUM(total_expenses), 0) FROM trips WHERE fleet_owner_id = $1),
			(SELECT COUNT(*) FROM trips WHERE fleet_owner_id = $1 AND status = 'in_progress'),
			(SELECT COUNT(*) FROM vehicles WHERE fleet_owner_id = $1),
			(SELECT COUNT(*) FROM users WHERE fleet_owner_id = $1 AND role = 'driver')`,
		fleetOwnerID,
	).Scan(&st.TotalTrips, &st.TotalExpenses, &st.ActiveTrips, &st.TotalVehicles, &st.TotalDrivers)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// GetDriverStats summarises a driver's trips, spend and wallet balance.
func (s *Store) GetDriverStats(ctx context.Context, driverID string) (*DriverStats, error) {
	var st DriverStats
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM trips WHERE driver_id = $1),
			(SELECT COALESCE(SUM(amount), 0) FROM expenses WHERE driver_id = $1),
			(SELECT COALESCE(MAX(balance), 0) FROM wallets WHERE driver_id = $1)`,
		driverID,
	).Scan(&st.TotalTrips, &st.TotalExpenses, &st.WalletBalance)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func scanVehicle(row pgx.Row) (*Vehicle, error) {
	var v Vehicle
	var status string
	err := row.Scan(&v.ID, &v.FleetOwnerID, &v.RegistrationNumber, &v.VehicleType, &v.Capacity, &v.Model, &status, &v.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	v.Status = fleet.VehicleStatus(status)
	return &v, nil
}

func scanTrip(row pgx.Row) (*Trip, error) {
	var t Trip
	var status string
	err := row.Scan(
		&t.ID, &t.FleetOwnerID, &t.DriverID, &t.VehicleID, &t.Origin, &t.Destination, &t.CargoDetails,
		&t.EstimatedDistance, &status, &t.TotalExpenses, &t.AIRouteSuggestion, &t.CreatedAt, &t.StartedAt, &t.CompletedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	t.Status = fleet.TripStatus(status)
	return &t, nil
}

func scanExpense(row pgx.Row) (*Expense, error) {
	var e Expense
	var category string
	err := row.Scan(&e.ID, &e.TripID, &e.DriverID, &category, &e.Amount, &e.Description, &e.Location, &e.Status, &e.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	e.Category = fleet.Category(category)
	return &e, nil
}
