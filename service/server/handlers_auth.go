package server

import (
	"errors"
	"log/slog"
	"net/http"
	"net/mail"
	"strconv"
	"strings"

	"github.com/brojonat/transops/service/auth"
	"github.com/brojonat/transops/service/db"
	"github.com/brojonat/transops/service/fleet"
)

const minPasswordLength = 6

type registerRequest struct {
	Email        string  `json:"email"`
	Password     string  `json:"password"`
	Name         string  `json:"name"`
	Role         string  `json:"role"`
	Phone        *string `json:"phone,omitempty"`
	FleetOwnerID *string `json:"fleet_owner_id,omitempty"`
}

func (r *registerRequest) validate() (fleet.Role, error) {
	r.Email = strings.ToLower(strings.TrimSpace(r.Email))
	if _, err := mail.ParseAddress(r.Email); err != nil {
		return "", errorf("invalid email address")
	}
	if len(r.Password) < minPasswordLength {
		return "", errorf("password must be at least %d characters", minPasswordLength)
	}
	if err := requireField("name", r.Name); err != nil {
		return "", err
	}
	role, err := fleet.ParseRole(r.Role)
	if err != nil {
		return "", errorf("role must be one of: fleet_owner, driver")
	}
	if r.FleetOwnerID != nil && strings.TrimSpace(*r.FleetOwnerID) == "" {
		r.FleetOwnerID = nil
	}
	if role != fleet.RoleDriver {
		r.FleetOwnerID = nil
	}
	return role, nil
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Token string       `json:"token"`
	User  userResponse `json:"user"`
}

func handleRegister(store Store, tokens *auth.Manager, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req registerRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		role, err := req.validate()
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		hash, err := auth.HashPassword(req.Password)
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to hash password", "error", err)
			writeError(w, "failed to register user", http.StatusInternalServerError)
			return
		}

		user, err := store.CreateUser(r.Context(), db.CreateUserParams{
			Email:        req.Email,
			PasswordHash: hash,
			Name:         strings.TrimSpace(req.Name),
			Role:         role,
			Phone:        req.Phone,
			FleetOwnerID: req.FleetOwnerID,
		})
		switch {
		case errors.Is(err, db.ErrEmailTaken):
			writeError(w, "Email already registered", http.StatusBadRequest)
			return
		case errors.Is(err, db.ErrInvalidFleetOwner):
			writeError(w, "Invalid Fleet Owner ID", http.StatusBadRequest)
			return
		case err != nil:
			logger.ErrorContext(r.Context(), "failed to create user", "error", err)
			writeError(w, "failed to register user", http.StatusInternalServerError)
			return
		}

		token, err := tokens.Issue(user.ID, user.Email, user.Role)
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to issue token", "user_id", user.ID, "error", err)
			writeError(w, "failed to register user", http.StatusInternalServerError)
			return
		}

		logger.InfoContext(r.Context(), "user registered",
			"user_id", user.ID,
			"role", user.Role,
		)
		writeJSON(w, authResponse{Token: token, User: userToResponse(user)}, http.StatusOK)
	})
}

func handleLogin(store Store, tokens *auth.Manager, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		user, err := store.GetUserByEmail(r.Context(), strings.ToLower(strings.TrimSpace(req.Email)))
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, "Invalid credentials", http.StatusUnauthorized)
			return
		}
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to look up user", "error", err)
			writeError(w, "failed to log in", http.StatusInternalServerError)
			return
		}
		if err := auth.CheckPassword(user.PasswordHash, req.Password); err != nil {
			writeError(w, "Invalid credentials", http.StatusUnauthorized)
			return
		}

		token, err := tokens.Issue(user.ID, user.Email, user.Role)
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to issue token", "user_id", user.ID, "error", err)
			writeError(w, "failed to log in", http.StatusInternalServerError)
			return
		}

		writeJSON(w, authResponse{Token: token, User: userToResponse(user)}, http.StatusOK)
	})
}

func handleMe(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := claimsOrUnauthorized(w, r)
		if !ok {
			return
		}
		user, err := store.GetUserByID(r.Context(), claims.UserID)
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, "User not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to get user", "user_id", claims.UserID, "error", err)
			writeError(w, "failed to get user", http.StatusInternalServerError)
			return
		}
		writeJSON(w, userToResponse(user), http.StatusOK)
	})
}

func handleGetWallet(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := claimsOrUnauthorized(w, r)
		if !ok {
			return
		}
		if claims.Role != fleet.RoleDriver {
			writeError(w, "Only drivers have wallets", http.StatusForbidden)
			return
		}
		wallet, err := store.GetWalletByDriver(r.Context(), claims.UserID)
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, "Wallet not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to get wallet", "driver_id", claims.UserID, "error", err)
			writeError(w, "failed to get wallet", http.StatusInternalServerError)
			return
		}
		writeJSON(w, walletToResponse(wallet), http.StatusOK)
	})
}

// limitParams are the query parameters accepted in place of a JSON body.
var limitParams = []string{"fuel_limit", "toll_limit", "food_limit", "lodging_limit", "repair_limit"}

func handleUpdateWalletLimits(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := claimsOrUnauthorized(w, r)
		if !ok {
			return
		}
		if claims.Role != fleet.RoleFleetOwner {
			writeError(w, "Only fleet owners can update limits", http.StatusForbidden)
			return
		}

		driverID := r.PathValue("driver_id")
		driver, err := store.GetUserByID(r.Context(), driverID)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			logger.ErrorContext(r.Context(), "failed to get driver", "driver_id", driverID, "error", err)
			writeError(w, "failed to update limits", http.StatusInternalServerError)
			return
		}
		if err != nil || driver.Role != fleet.RoleDriver || driver.FleetOwnerID == nil || *driver.FleetOwnerID != claims.UserID {
			writeError(w, "Driver not found", http.StatusNotFound)
			return
		}

		update, err := limitsFromRequest(w, r)
		if err != nil {
			return
		}
		if update.Empty() {
			writeError(w, "at least one limit is required", http.StatusBadRequest)
			return
		}

		wallet, err := store.UpdateWalletLimits(r.Context(), driverID, update)
		switch {
		case errors.Is(err, fleet.ErrNegativeLimit):
			writeError(w, "Limits cannot be negative", http.StatusBadRequest)
			return
		case errors.Is(err, db.ErrNotFound):
			writeError(w, "Wallet not found", http.StatusNotFound)
			return
		case err != nil:
			logger.ErrorContext(r.Context(), "failed to update limits", "driver_id", driverID, "error", err)
			writeError(w, "failed to update limits", http.StatusInternalServerError)
			return
		}

		logger.InfoContext(r.Context(), "wallet limits updated",
			"driver_id", driverID,
			"fleet_owner_id", claims.UserID,
		)
		writeJSON(w, walletToResponse(wallet), http.StatusOK)
	})
}

// limitsFromRequest reads a limits update from the JSON body or, when there
// is no body, from query parameters. It writes the error response itself.
func limitsFromRequest(w http.ResponseWriter, r *http.Request) (fleet.LimitsUpdate, error) {
	var update fleet.LimitsUpdate
	if r.ContentLength != 0 && r.Body != nil && r.Body != http.NoBody {
		if !decodeJSON(w, r, &update) {
			return update, errors.New("invalid body")
		}
		return update, nil
	}

	q := r.URL.Query()
	fields := []**float64{&update.Fuel, &update.Toll, &update.Food, &update.Lodging, &update.Repair}
	for i, name := range limitParams {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			writeError(w, "invalid "+name+": must be a number", http.StatusBadRequest)
			return update, err
		}
		*fields[i] = &v
	}
	return update, nil
}
