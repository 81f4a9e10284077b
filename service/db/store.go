package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/transops/service/fleet"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")

	// ErrWalletNotFound is returned when a driver has no wallet to credit.
	// It is distinct from ErrNotFound so callers do not mistake it for an
	// unknown record.
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrEmailTaken is returned when registering an email that already exists.
	ErrEmailTaken = errors.New("email already registered")

	// ErrInvalidFleetOwner is returned when a driver references an account
	// that is not a fleet owner.
	ErrInvalidFleetOwner = errors.New("invalid fleet owner id")

	// ErrDriverNotInFleet is returned when an owner references a driver
	// outside their fleet.
	ErrDriverNotInFleet = errors.New("driver does not belong to this fleet")

	// ErrVehicleNotInFleet is returned when an owner references a vehicle
	// they do not own.
	ErrVehicleNotInFleet = errors.New("vehicle does not belong to this fleet")

	// ErrDuplicateVehicle is returned when a registration number is reused
	// within one fleet.
	ErrDuplicateVehicle = errors.New("vehicle already registered")
)

// uniqueViolation is the PostgreSQL SQLSTATE for unique constraint failures.
const uniqueViolation = "23505"

// Store provides database operations for the service.
// All queries are plain SQL against the schema in migrations/.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store with the given database connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// User is an account. Drivers may belong to a fleet owner.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	Name         string
	Role         fleet.Role
	Phone        *string
	FleetOwnerID *string
	CreatedAt    time.Time
}

// CreateUserParams contains the parameters for creating a user.
type CreateUserParams struct {
	Email        string
	PasswordHash string
	Name         string
	Role         fleet.Role
	Phone        *string
	FleetOwnerID *string
}

// Wallet is a driver's expense wallet.
type Wallet struct {
	ID        string
	DriverID  string
	Balance   float64
	Limits    fleet.Limits
	CreatedAt time.Time
	UpdatedAt time.Time
}

const userColumns = `id, email, password_hash, name, role, phone, fleet_owner_id, created_at`

const walletColumns = `id, driver_id, balance, fuel_limit, toll_limit, food_limit, lodging_limit, repair_limit, created_at, updated_at`

// CreateUser inserts a user. Drivers get a wallet with a zero balance and
// zero limits, and an empty performance record, in the same transaction.
func (s *Store) CreateUser(ctx context.Context, params CreateUserParams) (*User, error) {
	var user *User
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if params.Role == fleet.RoleDriver && params.FleetOwnerID != nil {
			var role string
			err := tx.QueryRow(ctx, `SELECT role FROM users WHERE id = $1`, *params.FleetOwnerID).Scan(&role)
			if errors.Is(err, pgx.ErrNoRows) || (err == nil && fleet.Role(role) != fleet.RoleFleetOwner) {
				return ErrInvalidFleetOwner
			}
			if err != nil {
				return fmt.Errorf("failed to look up fleet owner: %w", err)
			}
		}

		row := tx.QueryRow(ctx, `
			INSERT INTO users (id, email, password_hash, name, role, phone, fleet_owner_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING `+userColumns,
			uuid.NewString(), params.Email, params.PasswordHash, params.Name, string(params.Role), params.Phone, params.FleetOwnerID,
		)
		u, err := scanUser(row)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrEmailTaken
			}
			return fmt.Errorf("failed to insert user: %w", err)
		}

		if u.Role == fleet.RoleDriver {
			if _, err := tx.Exec(ctx, `INSERT INTO wallets (id, driver_id) VALUES ($1, $2)`, uuid.NewString(), u.ID); err != nil {
				return fmt.Errorf("failed to create wallet: %w", err)
			}
			if _, err := tx.Exec(ctx, `INSERT INTO driver_performance (driver_id) VALUES ($1)`, u.ID); err != nil {
				return fmt.Errorf("failed to create performance record: %w", err)
			}
		}

		user = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// GetUserByEmail retrieves a user by email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
	return scanUser(row)
}

// GetUserByID retrieves a user by id.
func (s *Store) GetUserByID(ctx context.Context, id string) (*User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

// ListDrivers returns the drivers of a fleet owner, newest first.
func (s *Store) ListDrivers(ctx context.Context, fleetOwnerID string) ([]*User, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE fleet_owner_id = $1 AND role = 'driver'
		ORDER BY created_at DESC`, fleetOwnerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// GetWalletByDriver retrieves the wallet of a driver.
func (s *Store) GetWalletByDriver(ctx context.Context, driverID string) (*Wallet, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE driver_id = $1`, driverID)
	return scanWallet(row)
}

// UpdateWalletLimits applies a partial limits update to a driver's wallet.
func (s *Store) UpdateWalletLimits(ctx context.Context, driverID string, update fleet.LimitsUpdate) (*Wallet, error) {
	var wallet *Wallet
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		current, err := scanWallet(tx.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE driver_id = $1 FOR UPDATE`, driverID))
		if err != nil {
			return err
		}

		limits, err := update.Apply(current.Limits)
		if err != nil {
			return err
		}

		row := tx.QueryRow(ctx, `
			UPDATE wallets
			SET fuel_limit = $2, toll_limit = $3, food_limit = $4, lodging_limit = $5, repair_limit = $6, updated_at = NOW()
			WHERE driver_id = $1
			RETURNING `+walletColumns,
			driverID, limits.Fuel, limits.Toll, limits.Food, limits.Lodging, limits.Repair,
		)
		wallet, err = scanWallet(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return wallet, nil
}

func scanUser(row pgx.Row) (*User, error) {
	var u User
	var role string
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Name, &role, &u.Phone, &u.FleetOwnerID, &u.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	u.Role = fleet.Role(role)
	return &u, nil
}

func scanWallet(row pgx.Row) (*Wallet, error) {
	var w Wallet
	err := row.Scan(
		&w.ID, &w.DriverID, &w.Balance,
		&w.Limits.Fuel, &w.Limits.Toll, &w.Limits.Food, &w.Limits.Lodging, &w.Limits.Repair,
		&w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	return &w, nil
}

// notFound maps pgx.ErrNoRows to ErrNotFound and passes other errors through.
func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
