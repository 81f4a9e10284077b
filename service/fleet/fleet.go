// Package fleet holds the business rules shared by the store and the HTTP
// layer: roles, expense categories and their wallet limits, the trip and
// vehicle status vocabularies, and return load booking.
package fleet

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRole          = errors.New("invalid role")
	ErrInvalidCategory      = errors.New("invalid expense category")
	ErrInvalidAmount        = errors.New("amount must be positive")
	ErrNegativeLimit        = errors.New("limits cannot be negative")
	ErrLimitExceeded        = errors.New("expense exceeds category limit")
	ErrInsufficientBalance  = errors.New("insufficient wallet balance")
	ErrInvalidTripStatus    = errors.New("invalid trip status")
	ErrInvalidTransition    = errors.New("invalid trip status transition")
	ErrInvalidVehicleStatus = errors.New("invalid vehicle status")
	ErrLoadUnavailable      = errors.New("return load is no longer available")
	ErrOwnLoad              = errors.New("cannot book own return load")
)

// Role is an account role.
type Role string

const (
	RoleFleetOwner Role = "fleet_owner"
	RoleDriver     Role = "driver"
)

// ParseRole validates a role string.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleFleetOwner, RoleDriver:
		return r, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
}

// Category is an expense category. Each one has its own wallet limit.
type Category string

const (
	CategoryFuel    Category = "fuel"
	CategoryToll    Category = "toll"
	CategoryFood    Category = "food"
	CategoryLodging Category = "lodging"
	CategoryRepair  Category = "repair"
)

// Categories lists every expense category.
var Categories = []Category{CategoryFuel, CategoryToll, CategoryFood, CategoryLodging, CategoryRepair}

// ParseCategory validates an expense category.
func ParseCategory(s string) (Category, error) {
	for _, c := range Categories {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidCategory, s)
}

// Limits are the per-expense ceilings configured on a driver's wallet.
// A zero limit blocks the category.
type Limits struct {
	Fuel    float64 `json:"fuel_limit"`
	Toll    float64 `json:"toll_limit"`
	Food    float64 `json:"food_limit"`
	Lodging float64 `json:"lodging_limit"`
	Repair  float64 `json:"repair_limit"`
}

// For returns the limit for a category.
func (l Limits) For(c Category) float64 {
	switch c {
	case CategoryFuel:
		return l.Fuel
	case CategoryToll:
		return l.Toll
	case CategoryFood:
		return l.Food
	case CategoryLodging:
		return l.Lodging
	case CategoryRepair:
		return l.Repair
	}
	return 0
}

// LimitsUpdate is a partial update; nil fields are left unchanged.
type LimitsUpdate struct {
	Fuel    *float64 `json:"fuel_limit,omitempty"`
	Toll    *float64 `json:"toll_limit,omitempty"`
	Food    *float64 `json:"food_limit,omitempty"`
	Lodging *float64 `json:"lodging_limit,omitempty"`
	Repair  *float64 `json:"repair_limit,omitempty"`
}

// Empty reports whether the update changes nothing.
func (u LimitsUpdate) Empty() bool {
	return u.Fuel == nil && u.Toll == nil && u.Food == nil && u.Lodging == nil && u.Repair == nil
}

// Apply returns l with the update applied.
func (u LimitsUpdate) Apply(l Limits) (Limits, error) {
	for _, v := range []*float64{u.Fuel, u.Toll, u.Food, u.Lodging, u.Repair} {
		if v != nil && *v < 0 {
			return l, ErrNegativeLimit
		}
	}
	if u.Fuel != nil {
		l.Fuel = *u.Fuel
	}
	if u.Toll != nil {
		l.Toll = *u.Toll
	}
	if u.Food != nil {
		l.Food = *u.Food
	}
	if u.Lodging != nil {
		l.Lodging = *u.Lodging
	}
	if u.Repair != nil {
		l.Repair = *u.Repair
	}
	return l, nil
}

// LimitError reports an expense above its category limit.
type LimitError struct {
	Category Category
	Limit    float64
	Amount   float64
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("expense exceeds %s limit", e.Category)
}

// Is makes errors.Is(err, ErrLimitExceeded) match.
func (e *LimitError) Is(target error) bool {
	return target == ErrLimitExceeded
}

// CheckExpense decides whether a wallet can pay an expense. The category
// limit is checked before the balance.
func CheckExpense(balance float64, limits Limits, c Category, amount float64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if limit := limits.For(c); amount > limit {
		return &LimitError{Category: c, Limit: limit, Amount: amount}
	}
	if balance < amount {
		return ErrInsufficientBalance
	}
	return nil
}

// TripStatus is the lifecycle state of a trip.
type TripStatus string

const (
	TripPlanned    TripStatus = "planned"
	TripInProgress TripStatus = "in_progress"
	TripCompleted  TripStatus = "completed"
	TripCancelled  TripStatus = "cancelled"
)

var tripTransitions = map[TripStatus][]TripStatus{
	TripPlanned:    {TripInProgress, TripCancelled},
	TripInProgress: {TripCompleted, TripCancelled},
}

// ParseTripStatus validates a trip status string.
func ParseTripStatus(s string) (TripStatus, error) {
	switch t := TripStatus(s); t {
	case TripPlanned, TripInProgress, TripCompleted, TripCancelled:
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTripStatus, s)
}

// ValidateTransition checks a trip status change against the allowed table.
func ValidateTransition(from, to TripStatus) error {
	for _, next := range tripTransitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Active reports whether the trip is on the road.
func (t TripStatus) Active() bool {
	return t == TripInProgress
}

// VehicleStatus is the availability of a vehicle.
type VehicleStatus string

const (
	VehicleAvailable   VehicleStatus = "available"
	VehicleInUse       VehicleStatus = "in_use"
	VehicleMaintenance VehicleStatus = "maintenance"
)

// ParseVehicleStatus validates a vehicle status string.
func ParseVehicleStatus(s string) (VehicleStatus, error) {
	switch v := VehicleStatus(s); v {
	case VehicleAvailable, VehicleInUse, VehicleMaintenance:
		return v, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidVehicleStatus, s)
}

// LoadStatus is the marketplace state of a return load.
type LoadStatus string

const (
	LoadAvailable LoadStatus = "available"
	LoadBooked    LoadStatus = "booked"
	LoadCompleted LoadStatus = "completed"
)

// ValidateBooking checks that bookerID may book a load posted by ownerID.
// Only available loads can be booked, and never by the fleet that posted them.
func ValidateBooking(status LoadStatus, ownerID, bookerID string) error {
	if status != LoadAvailable {
		return fmt.Errorf("%w: %s", ErrLoadUnavailable, status)
	}
	if ownerID == bookerID {
		return ErrOwnLoad
	}
	return nil
}
