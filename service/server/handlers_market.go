package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/brojonat/transops/service/db"
	"github.com/brojonat/transops/service/fleet"
	"github.com/brojonat/transops/service/metrics"
)

type createReturnLoadRequest struct {
	Origin       string   `json:"origin"`
	Destination  string   `json:"destination"`
	CargoType    *string  `json:"cargo_type,omitempty"`
	Weight       *float64 `json:"weight,omitempty"`
	OfferedPrice float64  `json:"offered_price"`
	PickupDate   *string  `json:"pickup_date,omitempty"`
}

func (r *createReturnLoadRequest) validate() error {
	if err := requireField("origin", r.Origin); err != nil {
		return err
	}
	if err := requireField("destination", r.Destination); err != nil {
		return err
	}
	if r.OfferedPrice <= 0 {
		return errorf("offered_price must be positive")
	}
	if r.Weight != nil && *r.Weight < 0 {
		return errorf("weight cannot be negative")
	}
	return nil
}

func handleCreateReturnLoad(store Store, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := claimsOrUnauthorized(w, r)
		if !ok {
			return
		}
		if claims.Role != fleet.RoleFleetOwner {
			writeError(w, "Only fleet owners can post return loads", http.StatusForbidden)
			return
		}

		var req createReturnLoadRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := req.validate(); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		load, err := store.CreateReturnLoad(r.Context(), db.CreateReturnLoadParams{
			FleetOwnerID: claims.UserID,
			Origin:       strings.TrimSpace(req.Origin),
			Destination:  strings.TrimSpace(req.Destination),
			CargoType:    req.CargoType,
			Weight:       req.Weight,
			OfferedPrice: req.OfferedPrice,
			PickupDate:   req.PickupDate,
		})
		if err != nil {
			m.RecordReturnLoad("posted", "error")
			logger.ErrorContext(r.Context(), "failed to create return load", "fleet_owner_id", claims.UserID, "error", err)
			writeError(w, "failed to create return load", http.StatusInternalServerError)
			return
		}

		m.RecordReturnLoad("posted", "ok")
		logger.InfoContext(r.Context(), "return load posted",
			"load_id", load.ID,
			"fleet_owner_id", claims.UserID,
		)
		writeJSON(w, returnLoadToResponse(load), http.StatusCreated)
	})
}

func handleListReturnLoads(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := claimsOrUnauthorized(w, r); !ok {
			return
		}
		loads, err := store.ListAvailableReturnLoads(r.Context())
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to list return loads", "error", err)
			writeError(w, "failed to list return loads", http.StatusInternalServerError)
			return
		}
		writeJSON(w, mapSlice(loads, returnLoadToResponse), http.StatusOK)
	})
}

func handleBookReturnLoad(store Store, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := claimsOrUnauthorized(w, r)
		if !ok {
			return
		}
		if claims.Role != fleet.RoleFleetOwner {
			writeError(w, "Only fleet owners can book loads", http.StatusForbidden)
			return
		}

		loadID := r.PathValue("load_id")
		load, err := store.BookReturnLoad(r.Context(), loadID, claims.UserID)
		switch {
		case errors.Is(err, db.ErrNotFound):
			writeError(w, "Return load not found", http.StatusNotFound)
			return
		case errors.Is(err, fleet.ErrLoadUnavailable):
			m.RecordReturnLoad("booked", "unavailable")
			writeError(w, "Return load is no longer available", http.StatusConflict)
			return
		case errors.Is(err, fleet.ErrOwnLoad):
			m.RecordReturnLoad("booked", "own_load")
			writeError(w, "Cannot book your own return load", http.StatusBadRequest)
			return
		case err != nil:
			m.RecordReturnLoad("booked", "error")
			logger.ErrorContext(r.Context(), "failed to book return load", "load_id", loadID, "error", err)
			writeError(w, "failed to book return load", http.StatusInternalServerError)
			return
		}

		m.RecordReturnLoad("booked", "ok")
		logger.InfoContext(r.Context(), "return load booked",
			"load_id", load.ID,
			"posted_by", load.FleetOwnerID,
			"booked_by", claims.UserID,
		)
		writeJSON(w, returnLoadToResponse(load), http.StatusOK)
	})
}

// handleDriverPerformance serves a driver's performance record to the driver
// and to their fleet owner. Anyone else gets a 404.
func handleDriverPerformance(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := claimsOrUnauthorized(w, r)
		if !ok {
			return
		}

		driverID := r.PathValue("driver_id")
		if driverID != claims.UserID {
			driver, err := store.GetUserByID(r.Context(), driverID)
			if err != nil && !errors.Is(err, db.ErrNotFound) {
				logger.ErrorContext(r.Context(), "failed to get driver", "driver_id", driverID, "error", err)
				writeError(w, "failed to get performance", http.StatusInternalServerError)
				return
			}
			if err != nil || driver.FleetOwnerID == nil || *driver.FleetOwnerID != claims.UserID {
				writeError(w, "Performance record not found", http.StatusNotFound)
				return
			}
		}

		perf, err := store.GetDriverPerformance(r.Context(), driverID)
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, "Performance record not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to get performance", "driver_id", driverID, "error", err)
			writeError(w, "failed to get performance", http.StatusInternalServerError)
			return
		}
		writeJSON(w, performanceToResponse(perf), http.StatusOK)
	})
}
