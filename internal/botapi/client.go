// Package botapi is the HTTP client for the quota-constrained bot REST API.
// It never does its own queueing or retrying — the dispatch governor owns all
// of that. This package's job is the wire call, the two auth flows, and
// turning the remote rate-limit signal into a typed error.
package botapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// maxResponseBytes caps response bodies to prevent OOM from a misbehaving remote.
const maxResponseBytes = 1 << 20 // 1 MB

// AuthFlow selects how a call authenticates against the remote service.
type AuthFlow string

const (
	// FlowBot authenticates with the bot identity token embedded in the URL path.
	FlowBot AuthFlow = "bot"
	// FlowWebhook authenticates with the account/webhook bearer token. Default.
	FlowWebhook AuthFlow = "webhook"
)

// RateLimitError is the remote service's explicit rate-limit signal.
// The governor treats it as a cooldown trigger, never as a retryable failure.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("remote rate limit, retry after %s", e.RetryAfter)
}

// APIError is a non-rate-limit error reported by the remote service itself
// (as opposed to a transport failure reaching it).
type APIError struct {
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Description)
}

// Config configures the client.
type Config struct {
	BaseURL      string
	BotToken     string            // Bot identity token (FlowBot).
	WebhookToken string            // Account/webhook bearer token (FlowWebhook).
	Namespaces   map[string]string // Method namespace → flow ("bot"/"webhook").
	Timeout      time.Duration     // Per-call HTTP timeout. 0 = 30s.
}

// Client calls named remote methods with structured params.
// Safe for concurrent use.
type Client struct {
	baseURL      string
	botToken     string
	webhookToken string
	namespaces   map[string]AuthFlow
	httpClient   *http.Client
	logger       *slog.Logger
}

// NewClient creates a remote API client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	flows := make(map[string]AuthFlow, len(cfg.Namespaces))
	for ns, flow := range cfg.Namespaces {
		flows[ns] = AuthFlow(flow)
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		botToken:     cfg.BotToken,
		webhookToken: cfg.WebhookToken,
		namespaces:   flows,
		httpClient:   &http.Client{Timeout: timeout},
		logger:       logger,
	}
}

// envelope is the remote service's response wrapper.
type envelope struct {
	OK          bool           `json:"ok"`
	Result      map[string]any `json:"result"`
	ErrorCode   int            `json:"error_code"`
	Description string         `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// Call invokes one named method with structured params and returns the
// result payload. A rate-limit condition — HTTP 429 or an error envelope
// carrying retry_after — comes back as *RateLimitError.
func (c *Client) Call(ctx context.Context, method string, params map[string]any) (map[string]any, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encoding params for %s: %w", method, err)
	}

	flow := c.flowFor(method)
	url := c.urlFor(flow, method)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request for %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if flow == FlowWebhook && c.webhookToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.webhookToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response for %s: %w", method, err)
	}

	var env envelope
	if len(raw) > 0 {
		// A non-JSON body on an error status is still a transport error below;
		// decode failures on 2xx are reported as such.
		if jsonErr := json.Unmarshal(raw, &env); jsonErr != nil && resp.StatusCode == http.StatusOK {
			return nil, fmt.Errorf("decoding response for %s: %w", method, jsonErr)
		}
	}

	// Rate-limit signal: distinguished transport status or envelope code.
	if resp.StatusCode == http.StatusTooManyRequests || env.ErrorCode == http.StatusTooManyRequests {
		retryAfter := time.Duration(env.Parameters.RetryAfter) * time.Second
		c.logger.Warn("remote rate limit signalled",
			slog.String("method", method),
			slog.Duration("retry_after", retryAfter),
		)
		return nil, &RateLimitError{RetryAfter: retryAfter}
	}

	if resp.StatusCode != http.StatusOK {
		// Status text only — the raw body may carry remote internals.
		return nil, fmt.Errorf("calling %s: remote returned status %d", method, resp.StatusCode)
	}

	if !env.OK {
		return nil, &APIError{Code: env.ErrorCode, Description: env.Description}
	}
	return env.Result, nil
}

// flowFor resolves the auth flow from the method's namespace (the segment
// before the first dot). Unmapped namespaces use the webhook flow.
func (c *Client) flowFor(method string) AuthFlow {
	ns := method
	if i := strings.IndexByte(method, '.'); i > 0 {
		ns = method[:i]
	}
	if flow, ok := c.namespaces[ns]; ok {
		return flow
	}
	return FlowWebhook
}

func (c *Client) urlFor(flow AuthFlow, method string) string {
	if flow == FlowBot {
		return c.baseURL + "/bot" + c.botToken + "/" + method
	}
	return c.baseURL + "/" + method
}
