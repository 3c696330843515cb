package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	defaultRequestTimeout      = 30 * time.Second
	defaultPollInterval        = 5 * time.Second
	defaultPollBudget          = 12 * time.Minute
	defaultAttempts            = 3
	defaultRetryBackoff        = 10 * time.Second
	defaultSyncFallbackTimeout = 10 * time.Minute
)

var (
	// ErrPollBudgetExceeded is returned when a task did not settle within the
	// polling budget; the attempt is retried or falls back to synchronous mode.
	ErrPollBudgetExceeded = errors.New("agent task polling budget exceeded")

	// ErrAttemptsExhausted is returned when every dispatch attempt failed.
	ErrAttemptsExhausted = errors.New("agent dispatch attempts exhausted")
)

// Config holds the tunables of the webhook client. The zero value of any
// field falls back to the documented default.
type Config struct {
	Endpoint            string
	RequestTimeout      time.Duration
	PollInterval        time.Duration
	PollBudget          time.Duration
	Attempts            int
	RetryBackoff        time.Duration
	SyncFallbackTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}

	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}

	if c.PollBudget <= 0 {
		c.PollBudget = defaultPollBudget
	}

	if c.Attempts <= 0 {
		c.Attempts = defaultAttempts
	}

	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaultRetryBackoff
	}

	if c.SyncFallbackTimeout <= 0 {
		c.SyncFallbackTimeout = defaultSyncFallbackTimeout
	}

	return c
}

// Client dispatches step payloads to the execution agent. It prefers the
// asynchronous task protocol and degrades to a single long synchronous call
// on the last attempt.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a webhook client for the given agent endpoint.
func NewClient(config Config, logger *slog.Logger) *Client {
	return &Client{
		config:     config.withDefaults(),
		httpClient: &http.Client{},
		logger:     logger.With("module", "agent_client"),
	}
}

// Dispatch sends one step payload and recovers its result, retrying transient
// failures with an increasing backoff. An agent-reported business failure is
// returned as a Result with Failed set, not as an error.
func (c *Client) Dispatch(ctx context.Context, payload StepPayload) (*Result, error) {
	logger := c.logger.With(
		"execution_id", payload.ExecutionID,
		"step_number", payload.StepNumber,
	)

	var lastErr error

	for attempt := 1; attempt <= c.config.Attempts; attempt++ {
		if attempt > 1 {
			backoff := time.Duration(attempt-1) * c.config.RetryBackoff

			logger.InfoContext(ctx, "Retrying agent dispatch",
				"attempt", attempt, "backoff", backoff, "last_error", lastErr)

			if err := sleepContext(ctx, backoff); err != nil {
				return nil, err
			}
		}

		if attempt == c.config.Attempts {
			// Last chance: a single synchronous call with a long timeout.
			result, err := c.dispatchSync(ctx, payload, logger)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrAttemptsExhausted, err)
			}

			return result, nil
		}

		result, err := c.dispatchAsync(ctx, payload, logger)
		if err == nil {
			return result, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
	}

	return nil, fmt.Errorf("%w: %w", ErrAttemptsExhausted, lastErr)
}

// dispatchAsync posts the payload requesting asynchronous processing. A body
// without a task id is treated as the synchronous result immediately.
func (c *Client) dispatchAsync(ctx context.Context, payload StepPayload, logger *slog.Logger) (*Result, error) {
	payload.Async = true
	payload.ReturnTaskID = true

	body, err := c.post(ctx, payload, c.config.RequestTimeout)
	if err != nil {
		return nil, err
	}

	taskID, ok := TaskID(body)
	if !ok {
		result := ParseResult(body)

		return &result, nil
	}

	logger.InfoContext(ctx, "Agent accepted task, polling for completion", "task_id", taskID)

	return c.pollTask(ctx, taskID, logger)
}

// dispatchSync posts the payload without the async flags and returns the body
// as the result directly.
func (c *Client) dispatchSync(ctx context.Context, payload StepPayload, logger *slog.Logger) (*Result, error) {
	payload.Async = false
	payload.ReturnTaskID = false

	logger.InfoContext(ctx, "Falling back to synchronous agent call",
		"timeout", c.config.SyncFallbackTimeout)

	body, err := c.post(ctx, payload, c.config.SyncFallbackTimeout)
	if err != nil {
		return nil, err
	}

	result := ParseResult(body)

	return &result, nil
}

// pollTask polls the task status sub-resource until the task settles or the
// polling budget runs out. Transport errors during polling are transient and
// stay inside the loop.
func (c *Client) pollTask(ctx context.Context, taskID string, logger *slog.Logger) (*Result, error) {
	deadline := time.Now().Add(c.config.PollBudget)

	for time.Now().Before(deadline) {
		if err := sleepContext(ctx, c.config.PollInterval); err != nil {
			return nil, err
		}

		body, err := c.get(ctx, c.config.Endpoint+"/status/"+taskID)
		if err != nil {
			logger.WarnContext(ctx, "Task status poll failed, will retry", "task_id", taskID, "error", err)

			continue
		}

		state := parsePollState(body)

		switch state.Status {
		case "completed":
			result := state.Result

			return &result, nil
		case "failed":
			result := state.Result
			result.Failed = true

			if result.Output == "" {
				result.Output = state.Error
			}

			return &result, nil
		default:
			// running / pending / anything else: keep polling.
		}
	}

	return nil, ErrPollBudgetExceeded
}

func (c *Client) post(ctx context.Context, payload StepPayload, timeout time.Duration) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal step payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create agent request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	return c.do(ctx, req)
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create status request: %w", err)
	}

	return c.do(ctx, req)
}

func (c *Client) do(ctx context.Context, req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent request failed: %w", err)
	}

	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.ErrorContext(ctx, "failed to close response body", "error", closeErr)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read agent response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("agent returned status %d: %s", resp.StatusCode, string(body))
	}

	return body, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
