package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"

	"mesh_mapper/internal/logging"
)

// DefaultBaseURL is the FAA UAS declaration of compliance service.
const DefaultBaseURL = "https://uasdoc.faa.gov"

const (
	primePath = "/listdocs"
	queryPath = "/api/v1/serialNumbers"

	userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:137.0) Gecko/20100101 Firefox/137.0"

	maxResponseBytes = 4 << 20
)

// ClientConfig configures the FAA registry client.
type ClientConfig struct {
	BaseURL        string
	Timeout        time.Duration // overall budget for one Query, retries included
	MaxAttempts    int
	InitialBackoff time.Duration
}

// DefaultClientConfig returns the production settings.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BaseURL:        DefaultBaseURL,
		Timeout:        30 * time.Second,
		MaxAttempts:    3,
		InitialBackoff: 2 * time.Second,
	}
}

// StatusError is returned for a non-200 registry response.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("registry responded %s", e.Status)
}

// Client queries the registry. Every query runs in a fresh cookie session
// primed by a homepage request.
type Client struct {
	cfg       ClientConfig
	transport http.RoundTripper
	logger    *slog.Logger
}

// NewClient creates a registry client.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	def := DefaultClientConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	return &Client{
		cfg:       cfg,
		transport: http.DefaultTransport,
		logger:    logging.OrDiscard(logger).With("component", "registry"),
	}
}

func (c *Client) session() (*http.Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	return &http.Client{Transport: c.transport, Jar: jar}, nil
}

func (c *Client) newRequest(ctx context.Context, rawURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")
	req.Header.Set("Referer", c.cfg.BaseURL+primePath)
	req.Header.Set("client", "external")
	return req, nil
}

// prime requests the homepage to collect session cookies. Failures are
// logged; the query is attempted regardless.
func (c *Client) prime(ctx context.Context, hc *http.Client) {
	req, err := c.newRequest(ctx, c.cfg.BaseURL+primePath)
	if err != nil {
		c.logger.Warn("build cookie request", "error", err)
		return
	}
	resp, err := hc.Do(req)
	if err != nil {
		c.logger.Warn("refresh registry cookie", "error", err)
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	_ = resp.Body.Close()
	c.logger.Debug("registry homepage", "status", resp.StatusCode)
}

func (c *Client) queryURL(remoteID string) string {
	q := url.Values{}
	q.Set("itemsPerPage", "8")
	q.Set("pageIndex", "0")
	q.Set("orderBy[0]", "updatedAt")
	q.Set("orderBy[1]", "DESC")
	q.Set("findBy", "serialNumber")
	q.Set("serialNumber", remoteID)
	return c.cfg.BaseURL + queryPath + "?" + q.Encode()
}

// Query looks up a remote id. 5xx responses and transport errors are retried
// with exponential backoff inside the configured timeout.
func (c *Client) Query(ctx context.Context, remoteID string) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	hc, err := c.session()
	if err != nil {
		return nil, err
	}
	c.prime(ctx, hc)

	target := c.queryURL(remoteID)
	op := func() (json.RawMessage, error) {
		req, err := c.newRequest(ctx, target)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		resp, err := hc.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			return nil, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
		}
		if resp.StatusCode != http.StatusOK {
			return nil, backoff.Permanent(&StatusError{StatusCode: resp.StatusCode, Status: resp.Status})
		}
		body = bytes.TrimSpace(body)
		if !json.Valid(body) {
			return nil, backoff.Permanent(fmt.Errorf("registry returned invalid JSON (%d bytes)", len(body)))
		}
		return json.RawMessage(body), nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.cfg.InitialBackoff
	eb.Multiplier = 2
	eb.RandomizationFactor = 0

	payload, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(c.cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, d time.Duration) {
			c.logger.Debug("registry query retry", "remote_id", remoteID, "error", err, "backoff", d)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("query registry for %s: %w", remoteID, err)
	}
	return payload, nil
}

// HasRecords reports whether a registry payload carries at least one item.
func HasRecords(payload json.RawMessage) bool {
	var body struct {
		Data struct {
			Items []json.RawMessage `json:"items"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return false
	}
	return len(body.Data.Items) > 0
}
