package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultMaxAttempts  = 3
	defaultInitialDelay = 300 * time.Millisecond

	// Response bodies are captured for error reporting, capped so a
	// misbehaving vendor cannot blow up logs or slot rows.
	maxErrorBody = 2 << 10
)

// SyncFailedError is returned once every attempt against the calendar vendor
// has been exhausted. StatusCode is 0 when the last attempt failed below the
// HTTP layer (connection refused, timeout).
type SyncFailedError struct {
	Operation  string
	StatusCode int
	Body       string
	Attempts   int
}

func (e *SyncFailedError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("calendar %s failed after %d attempts: %s", e.Operation, e.Attempts, e.Body)
	}
	return fmt.Sprintf("calendar %s failed after %d attempts: status %d: %s", e.Operation, e.Attempts, e.StatusCode, e.Body)
}

// Client talks to the external calendar vendor. Every operation retries
// transient failures with a doubling delay before giving up.
type Client struct {
	baseURL      string
	token        string
	httpClient   *http.Client
	logger       *slog.Logger
	maxAttempts  int
	initialDelay time.Duration

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

func WithMaxAttempts(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

func WithInitialDelay(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.initialDelay = d
		}
	}
}

func NewClient(baseURL, token string, logger *slog.Logger, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		token:        token,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		logger:       logger,
		maxAttempts:  defaultMaxAttempts,
		initialDelay: defaultInitialDelay,
		sleep:        sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// wireEvent is the vendor payload. Instants go out as UTC RFC3339; the
// timezone rides along as an opaque hint.
type wireEvent struct {
	Title     string   `json:"title"`
	Details   string   `json:"details,omitempty"`
	StartUTC  string   `json:"start_utc"`
	EndUTC    string   `json:"end_utc"`
	Timezone  string   `json:"timezone,omitempty"`
	Attendees []string `json:"attendees,omitempty"`
	Reminders []int    `json:"reminder_minutes,omitempty"`
}

func toWire(ev Event) wireEvent {
	return wireEvent{
		Title:     ev.Title,
		Details:   ev.Description,
		StartUTC:  ev.Start.UTC().Format(time.RFC3339),
		EndUTC:    ev.End.UTC().Format(time.RFC3339),
		Timezone:  ev.Timezone,
		Attendees: ev.Attendees,
		Reminders: ev.ReminderMinutes,
	}
}

// CreateEvent creates an event and returns the vendor event id.
func (c *Client) CreateEvent(ctx context.Context, ev Event) (string, error) {
	body, err := json.Marshal(toWire(ev))
	if err != nil {
		return "", fmt.Errorf("encode event: %w", err)
	}
	respBody, err := c.do(ctx, "create", http.MethodPost, c.baseURL+"/events", body)
	if err != nil {
		return "", err
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("decode create response: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("create response missing event id")
	}
	return out.ID, nil
}

func (c *Client) UpdateEvent(ctx context.Context, eventID string, ev Event) error {
	body, err := json.Marshal(toWire(ev))
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = c.do(ctx, "update", http.MethodPut, c.eventURL(eventID), body)
	return err
}

func (c *Client) DeleteEvent(ctx context.Context, eventID string) error {
	_, err := c.do(ctx, "delete", http.MethodDelete, c.eventURL(eventID), nil)
	return err
}

func (c *Client) eventURL(eventID string) string {
	return c.baseURL + "/events/" + url.PathEscape(eventID)
}

func (c *Client) do(ctx context.Context, op, method, reqURL string, body []byte) ([]byte, error) {
	delay := c.initialDelay
	var lastStatus int
	var lastBody string

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
			delay *= 2
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastStatus = 0
			lastBody = err.Error()
			c.logger.Warn("calendar request error", "op", op, "attempt", attempt, "err", err)
			continue
		}

		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return respBody, nil
		}
		// Deleting an event the vendor no longer has is a success.
		if method == http.MethodDelete && resp.StatusCode == http.StatusNotFound {
			return respBody, nil
		}

		lastStatus = resp.StatusCode
		lastBody = string(respBody)
		c.logger.Warn("calendar request rejected", "op", op, "attempt", attempt, "status", resp.StatusCode)
	}

	return nil, &SyncFailedError{
		Operation:  op,
		StatusCode: lastStatus,
		Body:       lastBody,
		Attempts:   c.maxAttempts,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
