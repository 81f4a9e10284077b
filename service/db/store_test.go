package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/brojonat/transops/service/fleet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func createOwner(t *testing.T, store *TestStore, email string) *User {
	t.Helper()
	u, err := store.CreateUser(context.Background(), CreateUserParams{
		Email:        email,
		PasswordHash: "hash",
		Name:         "Owner",
		Role:         fleet.RoleFleetOwner,
	})
	require.NoError(t, err)
	return u
}

func createDriver(t *testing.T, store *TestStore, email string, ownerID string) *User {
	t.Helper()
	u, err := store.CreateUser(context.Background(), CreateUserParams{
		Email:        email,
		PasswordHash: "hash",
		Name:         "Driver",
		Role:         fleet.RoleDriver,
		FleetOwnerID: strPtr(ownerID),
	})
	require.NoError(t, err)
	return u
}

func TestCreateUser(t *testing.T) {
	SkipIfNoTestDB(t)

	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	ctx := context.Background()

	owner := createOwner(t, store, "owner@example.com")
	assert.Equal(t, fleet.RoleFleetOwner, owner.Role)
	assert.Nil(t, owner.FleetOwnerID)
	assert.WithinDuration(t, time.Now(), owner.CreatedAt, 5*time.Second)

	t.Run("owner has no wallet", func(t *testing.T) {
		_, err := store.GetWalletByDriver(ctx, owner.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("driver gets an empty wallet", func(t *testing.T) {
		driver := createDriver(t, store, "driver@example.com", owner.ID)
		require.NotNil(t, driver.FleetOwnerID)
		assert.Equal(t, owner.ID, *driver.FleetOwnerID)

		wallet, err := store.GetWalletByDriver(ctx, driver.ID)
		require.NoError(t, err)
		assert.Equal(t, 0.0, wallet.Balance)
		assert.Equal(t, fleet.Limits{}, wallet.Limits)
	})

	t.Run("duplicate email", func(t *testing.T) {
		_, err := store.CreateUser(ctx, CreateUserParams{
			Email: "owner@example.com", PasswordHash: "x", Name: "Again", Role: fleet.RoleFleetOwner,
		})
		assert.ErrorIs(t, err, ErrEmailTaken)
	})

	t.Run("driver referencing a driver", func(t *testing.T) {
		other := createDriver(t, store, "other@example.com", owner.ID)
		_, err := store.CreateUser(ctx, CreateUserParams{
			Email: "bad@example.com", PasswordHash: "x", Name: "Bad", Role: fleet.RoleDriver, FleetOwnerID: strPtr(other.ID),
		})
		assert.ErrorIs(t, err, ErrInvalidFleetOwner)

		_, err = store.GetUserByEmail(ctx, "bad@example.com")
		assert.ErrorIs(t, err, ErrNotFound, "rejected registration must not leave a row")
	})

	t.Run("driver referencing nobody", func(t *testing.T) {
		_, err := store.CreateUser(ctx, CreateUserParams{
			Email: "ghost@example.com", PasswordHash: "x", Name: "Ghost", Role: fleet.RoleDriver, FleetOwnerID: strPtr("missing"),
		})
		assert.ErrorIs(t, err, ErrInvalidFleetOwner)
	})

	t.Run("lookups", func(t *testing.T) {
		byEmail, err := store.GetUserByEmail(ctx, "owner@example.com")
		require.NoError(t, err)
		byID, err := store.GetUserByID(ctx, owner.ID)
		require.NoError(t, err)
		assert.Equal(t, byEmail.ID, byID.ID)
		assert.Equal(t, "hash", byID.PasswordHash)

		drivers, err := store.ListDrivers(ctx, owner.ID)
		require.NoError(t, err)
		assert.Len(t, drivers, 2)
	})
}

func TestUpdateWalletLimits(t *testing.T) {
	SkipIfNoTestDB(t)

	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	ctx := context.Background()
	owner := createOwner(t, store, "owner@example.com")
	driver := createDriver(t, store, "driver@example.com", owner.ID)

	fuel, toll := 500.0, 150.0
	wallet, err := store.UpdateWalletLimits(ctx, driver.ID, fleet.LimitsUpdate{Fuel: &fuel, Toll: &toll})
	require.NoError(t, err)
	assert.Equal(t, 500.0, wallet.Limits.Fuel)
	assert.Equal(t, 150.0, wallet.Limits.Toll)
	assert.Equal(t, 0.0, wallet.Limits.Food)

	neg := -1.0
	_, err = store.UpdateWalletLimits(ctx, driver.ID, fleet.LimitsUpdate{Food: &neg})
	assert.ErrorIs(t, err, fleet.ErrNegativeLimit)

	_, err = store.UpdateWalletLimits(ctx, "missing", fleet.LimitsUpdate{Fuel: &fuel})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTripLifecycle(t *testing.T) {
	SkipIfNoTestDB(t)

	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	ctx := context.Background()
	owner := createOwner(t, store, "owner@example.com")
	driver := createDriver(t, store, "driver@example.com", owner.ID)
	rival := createOwner(t, store, "rival@example.com")

	vehicle, err := store.CreateVehicle(ctx, CreateVehicleParams{
		FleetOwnerID: owner.ID, RegistrationNumber: "MH12AB1234", VehicleType: "truck",
	})
	require.NoError(t, err)
	assert.Equal(t, fleet.VehicleAvailable, vehicle.Status)

	_, err = store.CreateVehicle(ctx, CreateVehicleParams{
		FleetOwnerID: owner.ID, RegistrationNumber: "MH12AB1234", VehicleType: "truck",
	})
	assert.ErrorIs(t, err, ErrDuplicateVehicle)

	t.Run("foreign driver rejected", func(t *testing.T) {
		_, err := store.CreateTrip(ctx, CreateTripParams{
			FleetOwnerID: rival.ID, DriverID: driver.ID, VehicleID: vehicle.ID, Origin: "Pune", Destination: "Mumbai",
		})
		assert.ErrorIs(t, err, ErrDriverNotInFleet)
	})

	distance := 150.0
	trip, err := store.CreateTrip(ctx, CreateTripParams{
		FleetOwnerID: owner.ID, DriverID: driver.ID, VehicleID: vehicle.ID,
		Origin: "Pune", Destination: "Mumbai", CargoDetails: strPtr("steel"), EstimatedDistance: &distance,
	})
	require.NoError(t, err)
	assert.Equal(t, fleet.TripPlanned, trip.Status)
	assert.Nil(t, trip.StartedAt)

	ownerTrips, err := store.ListTripsForUser(ctx, owner.ID, fleet.RoleFleetOwner)
	require.NoError(t, err)
	assert.Len(t, ownerTrips, 1)
	driverTrips, err := store.ListTripsForUser(ctx, driver.ID, fleet.RoleDriver)
	require.NoError(t, err)
	assert.Len(t, driverTrips, 1)
	rivalTrips, err := store.ListTripsForUser(ctx, rival.ID, fleet.RoleFleetOwner)
	require.NoError(t, err)
	assert.Empty(t, rivalTrips)

	_, err = store.UpdateTripStatus(ctx, trip.ID, fleet.TripCompleted)
	assert.ErrorIs(t, err, fleet.ErrInvalidTransition)

	started, err := store.UpdateTripStatus(ctx, trip.ID, fleet.TripInProgress)
	require.NoError(t, err)
	require.NotNil(t, started.StartedAt)
	assert.Nil(t, started.CompletedAt)

	stats, err := store.GetOwnerStats(ctx, owner.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.ActiveTrips)
	assert.Equal(t, int64(1), stats.TotalVehicles)
	assert.Equal(t, int64(1), stats.TotalDrivers)

	perf, err := store.GetDriverPerformance(ctx, driver.ID)
	require.NoError(t, err)
	assert.Equal(t, int32(0), perf.TotalTrips)

	done, err := store.UpdateTripStatus(ctx, trip.ID, fleet.TripCompleted)
	require.NoError(t, err)
	require.NotNil(t, done.CompletedAt)

	perf, err = store.GetDriverPerformance(ctx, driver.ID)
	require.NoError(t, err)
	assert.Equal(t, int32(1), perf.TotalTrips)
	assert.Equal(t, 150.0, perf.TotalDistance)

	_, err = store.UpdateTripStatus(ctx, "missing", fleet.TripInProgress)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateExpense(t *testing.T) {
	SkipIfNoTestDB(t)

	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	ctx := context.Background()
	owner := createOwner(t, store, "owner@example.com")
	driver := createDriver(t, store, "driver@example.com", owner.ID)
	other := createDriver(t, store, "other@example.com", owner.ID)

	vehicle, err := store.CreateVehicle(ctx, CreateVehicleParams{
		FleetOwnerID: owner.ID, RegistrationNumber: "KA01XY9999", VehicleType: "truck",
	})
	require.NoError(t, err)
	trip, err := store.CreateTrip(ctx, CreateTripParams{
		FleetOwnerID: owner.ID, DriverID: driver.ID, VehicleID: vehicle.ID, Origin: "Bengaluru", Destination: "Chennai",
	})
	require.NoError(t, err)

	store.MustExec(t, `UPDATE wallets SET balance = 1000, fuel_limit = 600, toll_limit = 100 WHERE driver_id = $1`, driver.ID)

	balance := func() float64 {
		w, err := store.GetWalletByDriver(ctx, driver.ID)
		require.NoError(t, err)
		return w.Balance
	}

	t.Run("accepted expense debits wallet and trip", func(t *testing.T) {
		exp, err := store.CreateExpense(ctx, CreateExpenseParams{
			TripID: trip.ID, DriverID: driver.ID, Category: fleet.CategoryFuel, Amount: 400, Location: strPtr("NH48"),
		})
		require.NoError(t, err)
		assert.Equal(t, "approved", exp.Status)
		assert.Equal(t, 600.0, balance())

		updated, err := store.GetTrip(ctx, trip.ID)
		require.NoError(t, err)
		assert.Equal(t, 400.0, updated.TotalExpenses)
	})

	t.Run("above limit leaves balance unchanged", func(t *testing.T) {
		_, err := store.CreateExpense(ctx, CreateExpenseParams{
			TripID: trip.ID, DriverID: driver.ID, Category: fleet.CategoryToll, Amount: 150,
		})
		var limitErr *fleet.LimitError
		require.True(t, errors.As(err, &limitErr))
		assert.Equal(t, fleet.CategoryToll, limitErr.Category)
		assert.Equal(t, 600.0, balance())
	})

	t.Run("above balance leaves balance unchanged", func(t *testing.T) {
		store.MustExec(t, `UPDATE wallets SET balance = 50 WHERE driver_id = $1`, driver.ID)
		_, err := store.CreateExpense(ctx, CreateExpenseParams{
			TripID: trip.ID, DriverID: driver.ID, Category: fleet.CategoryFuel, Amount: 80,
		})
		assert.ErrorIs(t, err, fleet.ErrInsufficientBalance)
		assert.Equal(t, 50.0, balance())
	})

	t.Run("trip not assigned to driver", func(t *testing.T) {
		_, err := store.CreateExpense(ctx, CreateExpenseParams{
			TripID: trip.ID, DriverID: other.ID, Category: fleet.CategoryFuel, Amount: 1,
		})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("visibility", func(t *testing.T) {
		mine, err := store.ListExpensesForUser(ctx, driver.ID, fleet.RoleDriver, "")
		require.NoError(t, err)
		assert.Len(t, mine, 1)

		owners, err := store.ListExpensesForUser(ctx, owner.ID, fleet.RoleFleetOwner, trip.ID)
		require.NoError(t, err)
		assert.Len(t, owners, 1)

		others, err := store.ListExpensesForUser(ctx, other.ID, fleet.RoleDriver, "")
		require.NoError(t, err)
		assert.Empty(t, others)

		stats, err := store.GetDriverStats(ctx, driver.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.TotalTrips)
		assert.Equal(t, 400.0, stats.TotalExpenses)
		assert.Equal(t, 50.0, stats.WalletBalance)
	})
}
