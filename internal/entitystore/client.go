// Package entitystore talks to the remote OData-oriented data platform that
// owns the business records. Entities are created via collection-level POSTs
// and linked through foreign-key bindings supplied at creation time; the
// platform offers no multi-record transactions, which is why the sequencer
// exists.
package entitystore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"enrolld/internal/platform/config"
	"enrolld/pkg/platform/circuit"
	"enrolld/pkg/platform/sentinel"
)

// Client issues create and delete calls against the remote platform. A
// circuit breaker short-circuits calls while the platform is unreachable so
// a flapping dependency does not hold every request for a full timeout.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	breaker *circuit.Breaker
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithHTTPClient overrides the HTTP client. Test hook.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New creates a Client from configuration.
func New(cfg config.EntityStoreConfig, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: circuit.New("entity-store", circuit.WithFailureThreshold(5), circuit.WithSuccessThreshold(2)),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Create POSTs a new entity to the collection. Bindings associate the record
// to already-created parents at creation time, e.g.
// {"person": "/persons(123)"} becomes "person@odata.bind". Returns the
// platform-assigned entity id.
func (c *Client) Create(ctx context.Context, collection string, payload map[string]any, bindings map[string]string) (string, error) {
	if c.breaker.IsOpen() {
		return "", fmt.Errorf("create %s: circuit open: %w", collection, sentinel.ErrUnavailable)
	}

	body := make(map[string]any, len(payload)+len(bindings))
	for k, v := range payload {
		body[k] = v
	}
	for field, ref := range bindings {
		body[field+"@odata.bind"] = ref
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", collection, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+collection, bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.recordFailure(collection, err)
		return "", fmt.Errorf("create %s: %w: %v", collection, sentinel.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		c.recordFailure(collection, fmt.Errorf("status %d", resp.StatusCode))
		return "", fmt.Errorf("create %s: upstream %d: %w", collection, resp.StatusCode, sentinel.ErrUnavailable)
	case resp.StatusCode >= 400:
		c.breaker.RecordSuccess() // the platform answered; the payload was the problem
		detail := readErrorDetail(resp.Body)
		return "", fmt.Errorf("create %s rejected with %d: %s", collection, resp.StatusCode, detail)
	}

	c.breaker.RecordSuccess()

	// Prefer the OData-EntityId header; fall back to an id field in the body.
	if loc := resp.Header.Get("OData-EntityId"); loc != "" {
		return parseEntityID(loc), nil
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil || created.ID == "" {
		return "", fmt.Errorf("create %s: response carried no entity id", collection)
	}
	return created.ID, nil
}

// Delete removes an entity. Used only for compensation; a 404 is treated as
// already-deleted success so retried rollbacks stay idempotent.
func (c *Client) Delete(ctx context.Context, collection, id string) error {
	if c.breaker.IsOpen() {
		return fmt.Errorf("delete %s(%s): circuit open: %w", collection, id, sentinel.ErrUnavailable)
	}

	url := fmt.Sprintf("%s/%s(%s)", c.baseURL, collection, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.recordFailure(collection, err)
		return fmt.Errorf("delete %s(%s): %w: %v", collection, id, sentinel.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		c.recordFailure(collection, fmt.Errorf("status %d", resp.StatusCode))
		return fmt.Errorf("delete %s(%s): upstream %d: %w", collection, id, resp.StatusCode, sentinel.ErrUnavailable)
	case resp.StatusCode == http.StatusNotFound:
		c.breaker.RecordSuccess()
		return nil
	case resp.StatusCode >= 400:
		c.breaker.RecordSuccess()
		return fmt.Errorf("delete %s(%s) rejected with %d", collection, id, resp.StatusCode)
	}
	c.breaker.RecordSuccess()
	return nil
}

func (c *Client) recordFailure(collection string, err error) {
	_, change := c.breaker.RecordFailure()
	if change.Opened {
		c.logger.Warn("entity store circuit opened",
			"collection", collection,
			"error", err.Error(),
		)
	}
}

func readErrorDetail(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, 512))
	detail := strings.TrimSpace(string(raw))
	if detail == "" {
		return "no detail"
	}
	return detail
}

// parseEntityID extracts the key from an OData entity URL such as
// https://host/api/persons(42) or /persons(42).
func parseEntityID(entityURL string) string {
	open := strings.LastIndexByte(entityURL, '(')
	close_ := strings.LastIndexByte(entityURL, ')')
	if open >= 0 && close_ > open {
		return entityURL[open+1 : close_]
	}
	return entityURL
}
