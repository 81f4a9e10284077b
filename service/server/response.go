package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/brojonat/transops/service/auth"
	"github.com/brojonat/transops/service/db"
	"github.com/brojonat/transops/service/fleet"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB
	maxWebhookBodySize = 65536
	maxFieldLength     = 500
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// decodeJSON decodes a size-limited JSON request body into v and writes the
// error response itself when decoding fails.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, "request body too large: maximum size is 1MB", http.StatusBadRequest)
			return false
		}
		writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

// claimsOrUnauthorized returns the authenticated caller, writing a 401 when
// the request did not pass through auth.RequireAuth.
func claimsOrUnauthorized(w http.ResponseWriter, r *http.Request) (*auth.Claims, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, "Not authenticated", http.StatusUnauthorized)
		return nil, false
	}
	return claims, true
}

// requireField validates a required free-text field.
func requireField(name, value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return errorf("%s is required", name)
	}
	if len(value) > maxFieldLength {
		return errorf("%s too long: maximum length is %d characters", name, maxFieldLength)
	}
	return nil
}

// errorf is a helper to format error strings.
func errorf(format string, args ...interface{}) error {
	return &validationError{msg: strings.TrimSpace(fmt.Sprintf(format, args...))}
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}

// userResponse is the JSON response format for a user. The password hash is
// never included.
type userResponse struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	Role         string    `json:"role"`
	Phone        *string   `json:"phone,omitempty"`
	FleetOwnerID *string   `json:"fleet_owner_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func userToResponse(u *db.User) userResponse {
	return userResponse{
		ID:           u.ID,
		Email:        u.Email,
		Name:         u.Name,
		Role:         string(u.Role),
		Phone:        u.Phone,
		FleetOwnerID: u.FleetOwnerID,
		CreatedAt:    u.CreatedAt,
	}
}

// walletResponse is the JSON response format for a wallet.
type walletResponse struct {
	ID       string  `json:"id"`
	DriverID string  `json:"driver_id"`
	Balance  float64 `json:"balance"`
	fleet.Limits
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func walletToResponse(w *db.Wallet) walletResponse {
	return walletResponse{
		ID:        w.ID,
		DriverID:  w.DriverID,
		Balance:   w.Balance,
		Limits:    w.Limits,
		CreatedAt: w.CreatedAt,
		UpdatedAt: w.UpdatedAt,
	}
}

// vehicleResponse is the JSON response format for a vehicle.
type vehicleResponse struct {
	ID                 string    `json:"id"`
	FleetOwnerID       string    `json:"fleet_owner_id"`
	RegistrationNumber string    `json:"registration_number"`
	VehicleType        string    `json:"vehicle_type"`
	Capacity           *float64  `json:"capacity,omitempty"`
	Model              *string   `json:"model,omitempty"`
	Status             string    `json:"status"`
	CreatedAt          time.Time `json:"created_at"`
}

func vehicleToResponse(v *db.Vehicle) vehicleResponse {
	return vehicleResponse{
		ID:                 v.ID,
		FleetOwnerID:       v.FleetOwnerID,
		RegistrationNumber: v.RegistrationNumber,
		VehicleType:        v.VehicleType,
		Capacity:           v.Capacity,
		Model:              v.Model,
		Status:             string(v.Status),
		CreatedAt:          v.CreatedAt,
	}
}

// returnLoadResponse is the JSON response format for a return load.
type returnLoadResponse struct {
	ID           string     `json:"id"`
	FleetOwnerID string     `json:"fleet_owner_id"`
	Origin       string     `json:"origin"`
	Destination  string     `json:"destination"`
	CargoType    *string    `json:"cargo_type,omitempty"`
	Weight       *float64   `json:"weight,omitempty"`
	OfferedPrice float64    `json:"offered_price"`
	PickupDate   *string    `json:"pickup_date,omitempty"`
	Status       string     `json:"status"`
	BookedBy     *string    `json:"booked_by,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	BookedAt     *time.Time `json:"booked_at,omitempty"`
}

func returnLoadToResponse(l *db.ReturnLoad) returnLoadResponse {
	return returnLoadResponse{
		ID:           l.ID,
		FleetOwnerID: l.FleetOwnerID,
		Origin:       l.Origin,
		Destination:  l.Destination,
		CargoType:    l.CargoType,
		Weight:       l.Weight,
		OfferedPrice: l.OfferedPrice,
		PickupDate:   l.PickupDate,
		Status:       string(l.Status),
		BookedBy:     l.BookedBy,
		CreatedAt:    l.CreatedAt,
		BookedAt:     l.BookedAt,
	}
}

type performanceResponse struct {
	DriverID              string    `json:"driver_id"`
	TotalTrips            int32     `json:"total_trips"`
	TotalDistance         float64   `json:"total_distance"`
	AverageFuelEfficiency float64   `json:"average_fuel_efficiency"`
	SafetyScore           float64   `json:"safety_score"`
	RewardPoints          int32     `json:"reward_points"`
	UpdatedAt             time.Time `json:"updated_at"`
}

func performanceToResponse(p *db.DriverPerformance) performanceResponse {
	return performanceResponse{
		DriverID:              p.DriverID,
		TotalTrips:            p.TotalTrips,
		TotalDistance:         p.TotalDistance,
		AverageFuelEfficiency: p.AverageFuelEfficiency,
		SafetyScore:           p.SafetyScore,
		RewardPoints:          p.RewardPoints,
		UpdatedAt:             p.UpdatedAt,
	}
}

// tripResponse is the JSON response format for a trip.
type tripResponse struct {
	ID                string     `json:"id"`
	FleetOwnerID      string     `json:"fleet_owner_id"`
	DriverID          string     `json:"driver_id"`
	VehicleID         string     `json:"vehicle_id"`
	Origin            string     `json:"origin"`
	Destination       string     `json:"destination"`
	CargoDetails      *string    `json:"cargo_details,omitempty"`
	EstimatedDistance *float64   `json:"estimated_distance,omitempty"`
	Status            string     `json:"status"`
	TotalExpenses     float64    `json:"total_expenses"`
	AIRouteSuggestion *string    `json:"ai_route_suggestion,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

func tripToResponse(t *db.Trip) tripResponse {
	return tripResponse{
		ID:                t.ID,
		FleetOwnerID:      t.FleetOwnerID,
		DriverID:          t.DriverID,
		VehicleID:         t.VehicleID,
		Origin:            t.Origin,
		Destination:       t.Destination,
		CargoDetails:      t.CargoDetails,
		EstimatedDistance: t.EstimatedDistance,
		Status:            string(t.Status),
		TotalExpenses:     t.TotalExpenses,
		AIRouteSuggestion: t.AIRouteSuggestion,
		CreatedAt:         t.CreatedAt,
		StartedAt:         t.StartedAt,
		CompletedAt:       t.CompletedAt,
	}
}

// expenseResponse is the JSON response format for an expense.
type expenseResponse struct {
	ID          string    `json:"id"`
	TripID      string    `json:"trip_id"`
	DriverID    string    `json:"driver_id"`
	Category    string    `json:"category"`
	Amount      float64   `json:"amount"`
	Description *string   `json:"description,omitempty"`
	Location    *string   `json:"location,omitempty"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

func expenseToResponse(e *db.Expense) expenseResponse {
	return expenseResponse{
		ID:          e.ID,
		TripID:      e.TripID,
		DriverID:    e.DriverID,
		Category:    string(e.Category),
		Amount:      e.Amount,
		Description: e.Description,
		Location:    e.Location,
		Status:      e.Status,
		CreatedAt:   e.CreatedAt,
	}
}

// paymentResponse is the JSON response format for a payment transaction.
// It is the payload the confirmation poller classifies.
type paymentResponse struct {
	ID             string            `json:"id"`
	SessionID      string            `json:"session_id"`
	Amount         float64           `json:"amount"`
	Currency       string            `json:"currency"`
	Package        string            `json:"package"`
	CreditDriverID *string           `json:"credit_driver_id,omitempty"`
	PaymentStatus  string            `json:"payment_status"`
	Status         string            `json:"status"`
	Credited       bool              `json:"credited"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

func paymentToResponse(p *db.PaymentTransaction) paymentResponse {
	return paymentResponse{
		ID:             p.ID,
		SessionID:      p.SessionID,
		Amount:         p.Amount,
		Currency:       p.Currency,
		Package:        p.Package,
		CreditDriverID: p.CreditDriverID,
		PaymentStatus:  p.PaymentStatus,
		Status:         p.Status,
		Credited:       p.Credited,
		Metadata:       p.Metadata,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
}

// mapSlice converts a slice of domain values to response values.
func mapSlice[T any, R any](in []T, fn func(T) R) []R {
	out := make([]R, len(in))
	for i, v := range in {
		out[i] = fn(v)
	}
	return out
}
