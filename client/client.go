package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// PaymentStatus is the payload returned by the payment-status endpoint.
// Only PaymentStatus and Status drive the confirmation decision; the rest is
// carried for display.
type PaymentStatus struct {
	ID            string    `json:"id,omitempty"`
	SessionID     string    `json:"session_id"`
	Amount        float64   `json:"amount"`
	Currency      string    `json:"currency,omitempty"`
	Package       string    `json:"package,omitempty"`
	PaymentStatus string    `json:"payment_status"`
	Status        string    `json:"status"`
	Credited      bool      `json:"credited"`
	UpdatedAt     time.Time `json:"updated_at,omitempty"`
}

// CheckoutSession is returned when a top-up checkout is created.
type CheckoutSession struct {
	URL        string `json:"url"`
	SessionID  string `json:"session_id"`
	WorkflowID string `json:"workflow_id,omitempty"` // empty when durable confirmation is off
}

// User is the public view of an account.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	Role         string    `json:"role"`
	Phone        *string   `json:"phone,omitempty"`
	FleetOwnerID *string   `json:"fleet_owner_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// AuthResponse is returned by login and register.
type AuthResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// Wallet is a driver's wallet with per-category spending limits.
type Wallet struct {
	ID           string    `json:"id"`
	DriverID     string    `json:"driver_id"`
	Balance      float64   `json:"balance"`
	FuelLimit    float64   `json:"fuel_limit"`
	TollLimit    float64   `json:"toll_limit"`
	FoodLimit    float64   `json:"food_limit"`
	LodgingLimit float64   `json:"lodging_limit"`
	RepairLimit  float64   `json:"repair_limit"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// WorkflowConfirmation describes the server-side durable confirmation for a session.
type WorkflowConfirmation struct {
	WorkflowID string `json:"workflow_id"`
	SessionID  string `json:"session_id"`
	Running    bool   `json:"running"`
	Status     string `json:"status,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Attempts   int    `json:"attempts,omitempty"`
	Error      string `json:"error,omitempty"`
}

// APIError is returned for any non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Message)
}

// Client is the HTTP client for the TransOps API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new TransOps API client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

// WithToken returns a copy of the client that sends the given bearer token.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

// Login exchanges credentials for a bearer token.
func (c *Client) Login(ctx context.Context, email, password string) (*AuthResponse, error) {
	var out AuthResponse
	body := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", body, http.StatusOK, &out); err != nil {
		return nil, err
	}
	c.logger.Debug("logged in", "user_id", out.User.ID, "role", out.User.Role)
	return &out, nil
}

// GetPaymentStatus fetches the current status of a checkout session.
// It satisfies StatusFetcher.
func (c *Client) GetPaymentStatus(ctx context.Context, sessionID string) (*PaymentStatus, error) {
	var out PaymentStatus
	path := "/api/payments/status/" + url.PathEscape(sessionID)
	if err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	if out.SessionID == "" {
		out.SessionID = sessionID
	}
	c.logger.Debug("payment status fetched",
		"session_id", sessionID,
		"payment_status", out.PaymentStatus,
		"status", out.Status,
	)
	return &out, nil
}

// CreateCheckout starts a wallet top-up checkout for a package.
// driverID is optional and only meaningful for fleet owners topping up a driver.
func (c *Client) CreateCheckout(ctx context.Context, pkg, driverID string) (*CheckoutSession, error) {
	body := map[string]string{"package": pkg}
	if driverID != "" {
		body["driver_id"] = driverID
	}
	var out CheckoutSession
	if err := c.do(ctx, http.MethodPost, "/api/payments/checkout", body, http.StatusOK, &out); err != nil {
		return nil, err
	}
	c.logger.Debug("checkout created", "session_id", out.SessionID, "package", pkg)
	return &out, nil
}

// GetConfirmation describes the server-side confirmation workflow for a session.
func (c *Client) GetConfirmation(ctx context.Context, sessionID string) (*WorkflowConfirmation, error) {
	var out WorkflowConfirmation
	path := "/api/payments/confirmations/" + url.PathEscape(sessionID)
	if err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetWallet returns the calling driver's wallet.
func (c *Client) GetWallet(ctx context.Context) (*Wallet, error) {
	var out Wallet
	if err := c.do(ctx, http.MethodGet, "/api/wallet", nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health checks the server's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, http.StatusOK, nil)
}

func (c *Client) do(ctx context.Context, method, path string, reqBody interface{}, wantStatus int, out interface{}) error {
	var body io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		return c.parseErrorResponse(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return &APIError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(body))}
	}

	return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
}
