package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/brojonat/transops/service/db"
	"github.com/brojonat/transops/service/payments"
	"github.com/brojonat/transops/service/temporal"
)

const (
	defaultTransactionLimit = 20
	maxTransactionLimit     = 100
)

type checkoutRequest struct {
	Package  string `json:"package"`
	DriverID string `json:"driver_id,omitempty"`
}

type checkoutResponse struct {
	URL        string `json:"url"`
	SessionID  string `json:"session_id"`
	WorkflowID string `json:"workflow_id,omitempty"`
}

// requestOrigin is the base URL the checkout redirects back to: the browser's
// Origin header when present, otherwise the URL this request was sent to.
func requestOrigin(r *http.Request) string {
	if origin := r.Header.Get("Origin"); origin != "" {
		return strings.TrimRight(origin, "/")
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	return scheme + "://" + r.Host
}

func handleCheckout(svc Payments, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := claimsOrUnauthorized(w, r)
		if !ok {
			return
		}

		var req checkoutRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		payer := payments.Payer{UserID: claims.UserID, Role: claims.Role}
		result, err := svc.Checkout(r.Context(), payer, strings.TrimSpace(req.Package), strings.TrimSpace(req.DriverID), requestOrigin(r))
		switch {
		case errors.Is(err, payments.ErrUnknownPackage):
			writeError(w, "Invalid package", http.StatusBadRequest)
			return
		case errors.Is(err, payments.ErrForbiddenDriver):
			writeError(w, "Driver is not in your fleet", http.StatusForbidden)
			return
		case err != nil:
			logger.ErrorContext(r.Context(), "failed to create checkout",
				"user_id", claims.UserID,
				"package", req.Package,
				"error", err,
			)
			writeError(w, "failed to create checkout session", http.StatusInternalServerError)
			return
		}

		writeJSON(w, checkoutResponse{
			URL:        result.URL,
			SessionID:  result.SessionID,
			WorkflowID: result.WorkflowID,
		}, http.StatusOK)
	})
}

// handlePaymentStatus serves the payload the confirmation poller classifies.
func handlePaymentStatus(svc Payments, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := claimsOrUnauthorized(w, r)
		if !ok {
			return
		}

		sessionID := r.PathValue("session_id")
		txn, err := svc.Status(r.Context(), claims.UserID, sessionID)
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, "Transaction not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to get payment status",
				"session_id", sessionID,
				"error", err,
			)
			writeError(w, "failed to get payment status", http.StatusInternalServerError)
			return
		}
		writeJSON(w, paymentToResponse(txn), http.StatusOK)
	})
}

func handleListPayments(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := claimsOrUnauthorized(w, r)
		if !ok {
			return
		}

		limit := defaultTransactionLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				writeError(w, "invalid limit: must be a positive integer", http.StatusBadRequest)
				return
			}
			limit = min(n, maxTransactionLimit)
		}

		txns, err := store.ListPaymentTransactions(r.Context(), claims.UserID, int32(limit))
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to list payments", "user_id", claims.UserID, "error", err)
			writeError(w, "failed to list payments", http.StatusInternalServerError)
			return
		}
		writeJSON(w, mapSlice(txns, paymentToResponse), http.StatusOK)
	})
}

func handleGetConfirmation(store Store, confirmations Confirmations, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := claimsOrUnauthorized(w, r)
		if !ok {
			return
		}
		if confirmations == nil {
			writeError(w, "Payment confirmation workflows are not configured", http.StatusServiceUnavailable)
			return
		}

		sessionID := r.PathValue("session_id")
		if _, err := store.GetPaymentTransactionForUser(r.Context(), sessionID, claims.UserID); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				writeError(w, "Transaction not found", http.StatusNotFound)
				return
			}
			logger.ErrorContext(r.Context(), "failed to get transaction", "session_id", sessionID, "error", err)
			writeError(w, "failed to get confirmation", http.StatusInternalServerError)
			return
		}

		c, err := confirmations.DescribeConfirmation(r.Context(), sessionID)
		if errors.Is(err, temporal.ErrConfirmationNotFound) {
			writeError(w, "Confirmation not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to describe confirmation", "session_id", sessionID, "error", err)
			writeError(w, "failed to get confirmation", http.StatusInternalServerError)
			return
		}
		writeJSON(w, c, http.StatusOK)
	})
}

type webhookResponse struct {
	Received bool   `json:"received"`
	Event    string `json:"event,omitempty"`
	Applied  bool   `json:"applied"`
}

// handleStripeWebhook is unauthenticated; the Stripe-Signature header
// authenticates the payload.
func handleStripeWebhook(svc Payments, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
		payload, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, "request body too large", http.StatusBadRequest)
			return
		}

		result, err := svc.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature"))
		if errors.Is(err, payments.ErrInvalidSignature) {
			logger.WarnContext(r.Context(), "rejected webhook with invalid signature")
			writeError(w, "Invalid signature", http.StatusBadRequest)
			return
		}
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to handle webhook", "error", err)
			writeError(w, "failed to handle webhook", http.StatusInternalServerError)
			return
		}

		logger.InfoContext(r.Context(), "webhook handled",
			"event_type", result.EventType,
			"session_id", result.SessionID,
			"applied", result.Applied,
		)
		writeJSON(w, webhookResponse{
			Received: true,
			Event:    result.EventType,
			Applied:  result.Applied,
		}, http.StatusOK)
	})
}
