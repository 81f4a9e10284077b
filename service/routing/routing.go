// Package routing asks an OpenAI-compatible chat completions endpoint for a
// route suggestion between two places.
package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/brojonat/transops/service/metrics"
	"github.com/itchyny/gojq"
)

const (
	defaultBaseURL    = "https://api.openai.com/v1"
	defaultModel      = "gpt-4o-mini"
	defaultResponseJQ = ".choices[0].message.content"
	maxRetries        = 3
	initialRetryDelay = 1 * time.Second
	maxResponseBytes  = 1 << 20
)

const systemMessage = "You are an AI route optimization expert for Indian road transport. " +
	"Provide practical route suggestions, estimated costs, and fuel efficiency tips."

var (
	// ErrInvalidRequest is returned when a required request field is missing.
	ErrInvalidRequest = errors.New("invalid route request")

	// ErrEmptyAnswer is returned when the response expression yields no text.
	ErrEmptyAnswer = errors.New("model returned no route suggestion")
)

// Request describes the trip to optimize.
type Request struct {
	Origin       string `json:"origin"`
	Destination  string `json:"destination"`
	VehicleType  string `json:"vehicle_type"`
	CargoDetails string `json:"cargo_details,omitempty"`
}

// Validate checks that the required fields are present.
func (r Request) Validate() error {
	var missing []string
	if strings.TrimSpace(r.Origin) == "" {
		missing = append(missing, "origin")
	}
	if strings.TrimSpace(r.Destination) == "" {
		missing = append(missing, "destination")
	}
	if strings.TrimSpace(r.VehicleType) == "" {
		missing = append(missing, "vehicle_type")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s required", ErrInvalidRequest, strings.Join(missing, ", "))
	}
	return nil
}

// Suggestion is the model's answer.
type Suggestion struct {
	RouteSuggestion string    `json:"route_suggestion"`
	Timestamp       time.Time `json:"timestamp"`
}

// Config configures an Optimizer.
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	ResponseJQ string
	Timeout    time.Duration
}

// Optimizer calls the chat completions endpoint.
type Optimizer struct {
	apiKey     string
	endpoint   string
	model      string
	answer     *gojq.Code
	client     *http.Client
	retryDelay time.Duration
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// New creates an Optimizer. The response expression is compiled up front so a
// bad LLM_RESPONSE_JQ fails at startup.
func New(cfg Config, m *metrics.Metrics, logger *slog.Logger) (*Optimizer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.ResponseJQ == "" {
		cfg.ResponseJQ = defaultResponseJQ
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	query, err := gojq.Parse(cfg.ResponseJQ)
	if err != nil {
		return nil, fmt.Errorf("invalid response expression %q: %w", cfg.ResponseJQ, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("failed to compile response expression %q: %w", cfg.ResponseJQ, err)
	}

	return &Optimizer{
		apiKey:     cfg.APIKey,
		endpoint:   strings.TrimRight(cfg.BaseURL, "/") + "/chat/completions",
		model:      cfg.Model,
		answer:     code,
		client:     &http.Client{Timeout: cfg.Timeout},
		retryDelay: initialRetryDelay,
		metrics:    m,
		logger:     logger.With("component", "route_optimizer"),
		now:        time.Now,
	}, nil
}

// BuildPrompt renders the user prompt for a request.
func BuildPrompt(r Request) string {
	cargo := r.CargoDetails
	if strings.TrimSpace(cargo) == "" {
		cargo = "Standard cargo"
	}

	var b strings.Builder
	b.WriteString("Optimize route for:\n")
	fmt.Fprintf(&b, "Origin: %s\n", r.Origin)
	fmt.Fprintf(&b, "Destination: %s\n", r.Destination)
	fmt.Fprintf(&b, "Vehicle: %s\n", r.VehicleType)
	fmt.Fprintf(&b, "Cargo: %s\n\n", cargo)
	b.WriteString("Provide:\n")
	b.WriteString("1. Recommended route with major stops\n")
	b.WriteString("2. Estimated fuel cost (in INR)\n")
	b.WriteString("3. Estimated toll costs\n")
	b.WriteString("4. Total estimated distance\n")
	b.WriteString("5. Tips for fuel efficiency\n\n")
	b.WriteString("Keep response concise and practical.")
	return b.String()
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// Optimize asks the model for a route suggestion. Rate limits and server
// errors are retried with exponential backoff; other failures are returned
// immediately.
func (o *Optimizer) Optimize(ctx context.Context, req Request) (_ *Suggestion, err error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() {
		o.metrics.RecordLLMCall(o.model, err, time.Since(start).Seconds())
	}()

	body, err := json.Marshal(chatRequest{
		Model: o.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemMessage},
			{Role: "user", Content: BuildPrompt(req)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(math.Pow(2, float64(attempt-1))) * o.retryDelay
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		respBody, retry, err := o.send(ctx, body)
		if err != nil {
			lastErr = err
			if retry {
				o.logger.WarnContext(ctx, "route optimizer call failed, retrying", "attempt", attempt+1, "error", err)
				continue
			}
			return nil, err
		}

		text, err := o.extract(ctx, respBody)
		if err != nil {
			return nil, err
		}

		o.logger.DebugContext(ctx, "route suggestion received",
			"origin", req.Origin,
			"destination", req.Destination,
			"chars", len(text),
		)
		return &Suggestion{RouteSuggestion: text, Timestamp: o.now().UTC()}, nil
	}

	return nil, fmt.Errorf("max retries (%d) exceeded: %w", maxRetries, lastErr)
}

// send performs one HTTP call and reports whether a failure is retryable.
func (o *Optimizer) send(ctx context.Context, body []byte) ([]byte, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, true, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, true, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Message != "" {
			err = fmt.Errorf("LLM API error (%d): %s", resp.StatusCode, apiErr.Error.Message)
		} else {
			err = fmt.Errorf("LLM API error (%d): %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		}
		retry := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, retry, err
	}

	return respBody, false, nil
}

// extract runs the response expression over the decoded body and returns the
// first string it yields.
func (o *Optimizer) extract(ctx context.Context, respBody []byte) (string, error) {
	var doc interface{}
	if err := json.Unmarshal(respBody, &doc); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	iter := o.answer.RunWithContext(ctx, doc)
	for {
		v, ok := iter.Next()
		if !ok {
			return "", ErrEmptyAnswer
		}
		if err, ok := v.(error); ok {
			return "", fmt.Errorf("failed to extract answer: %w", err)
		}
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s), nil
		}
	}
}
