package server

import (
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strings"

	"github.com/brojonat/transops/service/auth"
	"github.com/brojonat/transops/service/db"
	"github.com/brojonat/transops/service/fleet"
	"github.com/brojonat/transops/service/metrics"
	"github.com/brojonat/transops/service/routing"
)

type createVehicleRequest struct {
	RegistrationNumber string   `json:"registration_number"`
	VehicleType        string   `json:"vehicle_type"`
	Capacity           *float64 `json:"capacity,omitempty"`
	Model              *string  `json:"model,omitempty"`
}

func handleCreateVehicle(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := claimsOrUnauthorized(w, r)
		if !ok {
			return
		}
		if claims.Role != fleet.RoleFleetOwner {
			writeError(w, "Only fleet owners can add vehicles", http.StatusForbidden)
			return
		}

		var req createVehicleRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := requireField("registration_number", req.RegistrationNumber); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := requireField("vehicle_type", req.VehicleType); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Capacity != nil && *req.Capacity < 0 {
			writeError(w, "capacity cannot be negative", http.StatusBadRequest)
			return
		}

		vehicle, err := store.CreateVehicle(r.Context(), db.CreateVehicleParams{
			FleetOwnerID:       claims.UserID,
			RegistrationNumber: strings.ToUpper(strings.TrimSpace(req.RegistrationNumber)),
			VehicleType:        strings.TrimSpace(req.VehicleType),
			Capacity:           req.Capacity,
			Model:              req.Model,
		})
		if errors.Is(err, db.ErrDuplicateVehicle) {
			writeError(w, "Vehicle already registered", http.StatusConflict)
			return
		}
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to create vehicle", "fleet_owner_id", claims.UserID, "error", err)
			writeError(w, "failed to create vehicle", http.StatusInternalServerError)
			return
		}

		logger.InfoContext(r.Context(), "vehicle created",
			"vehicle_id", vehicle.ID,
			"fleet_owner_id", claims.UserID,
		)
		writeJSON(w, vehicleToResponse(vehicle), http.StatusCreated)
	})
}

func handleListVehicles(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := claimsOrUnauthorized(w, r)
		if !ok {
			return
		}
		if claims.Role != fleet.RoleFleetOwner {
			writeError(w, "Only fleet owners can view vehicles", http.StatusForbidden)
			return
		}
		vehicles, err := store.ListVehicles(r.Context(), claims.UserID)
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to list vehicles", "fleet_owner_id", claims.UserID, "error", err)
			writeError(w, "failed to list vehicles", http.StatusInternalServerError)
			return
		}
		writeJSON(w, mapSlice(vehicles, vehicleToResponse), http.StatusOK)
	})
}

func handleListDrivers(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := claimsOrUnauthorized(w, r)
		if !ok {
			return
		}
		if claims.Role != fleet.RoleFleetOwner {
			writeError(w, "Only fleet owners can view drivers", http.StatusForbidden)
			return
		}
		drivers, err := store.ListDrivers(r.Context(), claims.UserID)
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to list drivers", "fleet_owner_id", claims.UserID, "error", err)
			writeError(w, "failed to list drivers", http.StatusInternalServerError)
			return
		}
		writeJSON(w, mapSlice(drivers, userToResponse), http.StatusOK)
	})
}

type createTripRequest struct {
	DriverID          string   `json:"driver_id"`
	VehicleID         string   `json:"vehicle_id"`
	Origin            string   `json:"origin"`
	Destination       string   `json:"destination"`
	CargoDetails      *string  `json:"cargo_details,omitempty"`
	EstimatedDistance *float64 `json:"estimated_distance,omitempty"`
	// OptimizeRoute asks the route optimizer for a suggestion when set.
	OptimizeRoute bool `json:"optimize_route,omitempty"`
}

func (r *createTripRequest) validate() error {
	for _, f := range []struct{ name, value string }{
		{"driver_id", r.DriverID},
		{"vehicle_id", r.VehicleID},
		{"origin", r.Origin},
		{"destination", r.Destination},
	} {
		if err := requireField(f.name, f.value); err != nil {
			return err
		}
	}
	if r.EstimatedDistance != nil && *r.EstimatedDistance < 0 {
		return errorf("estimated_distance cannot be negative")
	}
	return nil
}

func handleCreateTrip(store Store, router RouteOptimizer, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := claimsOrUnauthorized(w, r)
		if !ok {
			return
		}
		if claims.Role != fleet.RoleFleetOwner {
			writeError(w, "Only fleet owners can create trips", http.StatusForbidden)
			return
		}

		var req createTripRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := req.validate(); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		params := db.CreateTripParams{
			FleetOwnerID:      claims.UserID,
			DriverID:          req.DriverID,
			VehicleID:         req.VehicleID,
			Origin:            strings.TrimSpace(req.Origin),
			Destination:       strings.TrimSpace(req.Destination),
			CargoDetails:      req.CargoDetails,
			EstimatedDistance: req.EstimatedDistance,
		}

		// A failed suggestion never blocks trip creation.
		if req.OptimizeRoute && router != nil {
			params.AIRouteSuggestion = suggestRoute(r, store, router, claims.UserID, params, logger)
		}

		trip, err := store.CreateTrip(r.Context(), params)
		switch {
		case errors.Is(err, db.ErrDriverNotInFleet):
			writeError(w, "Driver does not belong to your fleet", http.StatusBadRequest)
			return
		case errors.Is(err, db.ErrVehicleNotInFleet):
			writeError(w, "Vehicle does not belong to your fleet", http.StatusBadRequest)
			return
		case err != nil:
			logger.ErrorContext(r.Context(), "failed to create trip", "fleet_owner_id", claims.UserID, "error", err)
			writeError(w, "failed to create trip", http.StatusInternalServerError)
			return
		}

		logger.InfoContext(r.Context(), "trip created",
			"trip_id", trip.ID,
			"driver_id", trip.DriverID,
			"vehicle_id", trip.VehicleID,
		)
		writeJSON(w, tripToResponse(trip), http.StatusCreated)
	})
}

// suggestRoute asks the optimizer for a route using the trip's vehicle type.
// It returns nil when the vehicle is not the caller's or the call fails.
func suggestRoute(r *http.Request, store Store, router RouteOptimizer, ownerID string, params db.CreateTripParams, logger *slog.Logger) *string {
	vehicle, err := store.GetVehicle(r.Context(), params.VehicleID)
	if err != nil || vehicle.FleetOwnerID != ownerID {
		return nil
	}
	req := routing.Request{
		Origin:      params.Origin,
		Destination: params.Destination,
		VehicleType: vehicle.VehicleType,
	}
	if params.CargoDetails != nil {
		req.CargoDetails = *params.CargoDetails
	}
	s, err := router.Optimize(r.Context(), req)
	if err != nil {
		logger.WarnContext(r.Context(), "route suggestion failed", "vehicle_id", vehicle.ID, "error", err)
		return nil
	}
	return &s.RouteSuggestion
}

func handleListTrips(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := claimsOrUnauthorized(w, r)
		if !ok {
			return
		}
		trips, err := store.ListTripsForUser(r.Context(), claims.UserID, claims.Role)
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to list trips", "user_id", claims.UserID, "error", err)
			writeError(w, "failed to list trips", http.StatusInternalServerError)
			return
		}
		writeJSON(w, mapSlice(trips, tripToResponse), http.StatusOK)
	})
}

// participantTrip loads a trip the caller owns or drives. Trips of other
// fleets are reported as not found. It writes the error response itself.
func participantTrip(w http.ResponseWriter, r *http.Request, store Store, claims *auth.Claims, logger *slog.Logger) (*db.Trip, bool) {
	tripID := r.PathValue("trip_id")
	trip, err := store.GetTrip(r.Context(), tripID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		logger.ErrorContext(r.Context(), "failed to get trip", "trip_id", tripID, "error", err)
		writeError(w, "failed to get trip", http.StatusInternalServerError)
		return nil, false
	}
	if err != nil || (trip.FleetOwnerID != claims.UserID && trip.DriverID != claims.UserID) {
		writeError(w, "Trip not found", http.StatusNotFound)
		return nil, false
	}
	return trip, true
}

func handleGetTrip(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := claimsOrUnauthorized(w, r)
		if !ok {
			return
		}
		trip, ok := participantTrip(w, r, store, claims, logger)
		if !ok {
			return
		}
		writeJSON(w, tripToResponse(trip), http.StatusOK)
	})
}

type tripStatusRequest struct {
	Status string `json:"status"`
}

func handleUpdateTripStatus(store Store, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := claimsOrUnauthorized(w, r)
		if !ok {
			return
		}

		var req tripStatusRequest
		if r.ContentLength != 0 && r.Body != nil && r.Body != http.NoBody {
			if !decodeJSON(w, r, &req) {
				return
			}
		}
		if req.Status == "" {
			req.Status = r.URL.Query().Get("status")
		}
		status, err := fleet.ParseTripStatus(req.Status)
		if err != nil {
			writeError(w, "status must be one of: planned, in_progress, completed, cancelled", http.StatusBadRequest)
			return
		}

		trip, ok := participantTrip(w, r, store, claims, logger)
		if !ok {
			return
		}

		updated, err := store.UpdateTripStatus(r.Context(), trip.ID, status)
		switch {
		case errors.Is(err, fleet.ErrInvalidTransition):
			writeError(w, "Cannot change trip from "+string(trip.Status)+" to "+string(status), http.StatusConflict)
			return
		case errors.Is(err, db.ErrNotFound):
			writeError(w, "Trip not found", http.StatusNotFound)
			return
		case err != nil:
			logger.ErrorContext(r.Context(), "failed to update trip status", "trip_id", trip.ID, "error", err)
			writeError(w, "failed to update trip status", http.StatusInternalServerError)
			return
		}

		m.RecordTripStatus(string(status))
		logger.InfoContext(r.Context(), "trip status updated",
			"trip_id", trip.ID,
			"from", trip.Status,
			"to", status,
			"user_id", claims.UserID,
		)
		writeJSON(w, tripToResponse(updated), http.StatusOK)
	})
}

type createExpenseRequest struct {
	TripID      string  `json:"trip_id"`
	Category    string  `json:"category"`
	Amount      float64 `json:"amount"`
	Description *string `json:"description,omitempty"`
	Location    *string `json:"location,omitempty"`
}

func handleCreateExpense(store Store, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := claimsOrUnauthorized(w, r)
		if !ok {
			return
		}
		if claims.Role != fleet.RoleDriver {
			writeError(w, "Only drivers can log expenses", http.StatusForbidden)
			return
		}

		var req createExpenseRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := requireField("trip_id", req.TripID); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		category, err := fleet.ParseCategory(req.Category)
		if err != nil {
			writeError(w, "category must be one of: fuel, toll, food, lodging, repair", http.StatusBadRequest)
			return
		}
		if req.Amount <= 0 || math.IsNaN(req.Amount) || math.IsInf(req.Amount, 0) {
			writeError(w, "amount must be positive", http.StatusBadRequest)
			return
		}

		expense, err := store.CreateExpense(r.Context(), db.CreateExpenseParams{
			TripID:      req.TripID,
			DriverID:    claims.UserID,
			Category:    category,
			Amount:      req.Amount,
			Description: req.Description,
			Location:    req.Location,
		})
		var limitErr *fleet.LimitError
		switch {
		case errors.As(err, &limitErr):
			m.RecordExpense(string(category), "limit_exceeded")
			writeError(w, "Expense exceeds "+string(limitErr.Category)+" limit", http.StatusBadRequest)
			return
		case errors.Is(err, fleet.ErrInsufficientBalance):
			m.RecordExpense(string(category), "insufficient_balance")
			writeError(w, "Insufficient wallet balance", http.StatusBadRequest)
			return
		case errors.Is(err, fleet.ErrInvalidAmount):
			writeError(w, "amount must be positive", http.StatusBadRequest)
			return
		case errors.Is(err, db.ErrNotFound):
			writeError(w, "Trip not found", http.StatusNotFound)
			return
		case err != nil:
			m.RecordExpense(string(category), "error")
			logger.ErrorContext(r.Context(), "failed to create expense", "trip_id", req.TripID, "error", err)
			writeError(w, "failed to create expense", http.StatusInternalServerError)
			return
		}

		m.RecordExpense(string(category), "approved")
		logger.InfoContext(r.Context(), "expense logged",
			"expense_id", expense.ID,
			"trip_id", expense.TripID,
			"category", expense.Category,
			"amount", expense.Amount,
		)
		writeJSON(w, expenseToResponse(expense), http.StatusCreated)
	})
}

func handleListExpenses(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := claimsOrUnauthorized(w, r)
		if !ok {
			return
		}
		tripID := r.URL.Query().Get("trip_id")
		expenses, err := store.ListExpensesForUser(r.Context(), claims.UserID, claims.Role, tripID)
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to list expenses", "user_id", claims.UserID, "error", err)
			writeError(w, "failed to list expenses", http.StatusInternalServerError)
			return
		}
		writeJSON(w, mapSlice(expenses, expenseToResponse), http.StatusOK)
	})
}

type ownerStatsResponse struct {
	TotalTrips    int64   `json:"total_trips"`
	TotalExpenses float64 `json:"total_expenses"`
	ActiveTrips   int64   `json:"active_trips"`
	TotalVehicles int64   `json:"total_vehicles"`
	TotalDrivers  int64   `json:"total_drivers"`
}

type driverStatsResponse struct {
	TotalTrips    int64   `json:"total_trips"`
	TotalExpenses float64 `json:"total_expenses"`
	WalletBalance float64 `json:"wallet_balance"`
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func handleDashboardStats(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := claimsOrUnauthorized(w, r)
		if !ok {
			return
		}

		if claims.Role == fleet.RoleFleetOwner {
			stats, err := store.GetOwnerStats(r.Context(), claims.UserID)
			if err != nil {
				logger.ErrorContext(r.Context(), "failed to get owner stats", "user_id", claims.UserID, "error", err)
				writeError(w, "failed to get stats", http.StatusInternalServerError)
				return
			}
			writeJSON(w, ownerStatsResponse{
				TotalTrips:    stats.TotalTrips,
				TotalExpenses: round2(stats.TotalExpenses),
				ActiveTrips:   stats.ActiveTrips,
				TotalVehicles: stats.TotalVehicles,
				TotalDrivers:  stats.TotalDrivers,
			}, http.StatusOK)
			return
		}

		stats, err := store.GetDriverStats(r.Context(), claims.UserID)
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to get driver stats", "user_id", claims.UserID, "error", err)
			writeError(w, "failed to get stats", http.StatusInternalServerError)
			return
		}
		writeJSON(w, driverStatsResponse{
			TotalTrips:    stats.TotalTrips,
			TotalExpenses: round2(stats.TotalExpenses),
			WalletBalance: round2(stats.WalletBalance),
		}, http.StatusOK)
	})
}

func handleRouteOptimize(router RouteOptimizer, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := claimsOrUnauthorized(w, r); !ok {
			return
		}
		if router == nil {
			writeError(w, "AI service not configured", http.StatusServiceUnavailable)
			return
		}

		var req routing.Request
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := req.Validate(); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		suggestion, err := router.Optimize(r.Context(), req)
		if err != nil {
			logger.ErrorContext(r.Context(), "route optimization failed", "error", err)
			writeError(w, "AI service error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, suggestion, http.StatusOK)
	})
}
