package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/felo/autoreply/internal/db"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Error types for AI service calls.
var (
	ErrEmptyResponse = errors.New("ai service returned an empty response_text")
	ErrServerFail    = errors.New("ai service error")
	ErrRejected      = errors.New("ai service rejected the request")
)

// DefaultFallbackText is sent when an email has no text left after cleaning.
const DefaultFallbackText = "We received your message but could not find any text in it. Could you send it again?"

// HTTPDoer abstracts HTTP client operations for dependency inversion.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config configures Client.
type Config struct {
	URL          string
	APIKey       string
	Timeout      time.Duration
	MaxTries     uint
	FallbackText string
}

// Client calls the external AI service over HTTP.
type Client struct {
	url        string
	apiKey     string
	httpClient HTTPDoer
	maxTries   uint
	fallback   string
	newBackOff func() backoff.BackOff
	now        func() time.Time
	logger     *slog.Logger
}

// NewHTTPClient returns an http.Client with a traced transport.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   timeout,
	}
}

// NewClient creates a Client. A nil httpClient gets NewHTTPClient(cfg.Timeout).
func NewClient(cfg Config, httpClient HTTPDoer, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = NewHTTPClient(cfg.Timeout)
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 3
	}
	if cfg.FallbackText == "" {
		cfg.FallbackText = DefaultFallbackText
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:        cfg.URL,
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
		maxTries:   cfg.MaxTries,
		fallback:   cfg.FallbackText,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			return b
		},
		now:    time.Now,
		logger: logger,
	}
}

// Reply asks the AI service for a reply to email. Emails with no text left
// after cleaning get the fallback reply without calling the service.
func (c *Client) Reply(ctx context.Context, email *db.Email) (*Response, error) {
	req := NewRequest(email)
	if req.Text == "" {
		c.logger.InfoContext(ctx, "no text after cleaning, using fallback reply",
			slog.String("email_id", email.ID))
		return c.FallbackResponse(email.Content), nil
	}

	start := c.now()
	resp, err := c.post(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.ResponseText == "" {
		return nil, fmt.Errorf("email %s: %w", email.ID, ErrEmptyResponse)
	}
	if resp.Prompt == "" {
		resp.Prompt = email.Content
	}
	if resp.ProcessingTimeMS == 0 {
		resp.ProcessingTimeMS = c.now().Sub(start).Milliseconds()
	}
	return resp, nil
}

// FallbackResponse is the canned reply for emails without usable text.
func (c *Client) FallbackResponse(prompt string) *Response {
	return &Response{
		ResponseText: c.fallback,
		RagDocs:      []string{},
		Prompt:       prompt,
		CompletionID: uuid.NewString(),
	}
}

func (c *Client) post(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode ai request: %w", err)
	}

	attempt := 0
	op := func() (*Response, error) {
		attempt++
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to build ai request: %w", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		httpResp, err := c.httpClient.Do(httpReq)
		if err != nil {
			c.logger.WarnContext(ctx, "ai request failed",
				slog.Int("attempt", attempt), slog.String("error", err.Error()))
			return nil, err
		}
		defer httpResp.Body.Close()

		switch {
		case httpResp.StatusCode == http.StatusTooManyRequests:
			if secs, err := strconv.Atoi(httpResp.Header.Get("Retry-After")); err == nil && secs > 0 {
				return nil, backoff.RetryAfter(secs)
			}
			return nil, fmt.Errorf("%w: status %d", ErrServerFail, httpResp.StatusCode)
		case httpResp.StatusCode >= 500:
			c.logger.WarnContext(ctx, "ai service error",
				slog.Int("attempt", attempt), slog.Int("status", httpResp.StatusCode))
			return nil, fmt.Errorf("%w: status %d", ErrServerFail, httpResp.StatusCode)
		case httpResp.StatusCode >= 300:
			snippet, _ := io.ReadAll(io.LimitReader(httpResp.Body, 512))
			return nil, backoff.Permanent(fmt.Errorf("%w: status %d: %s", ErrRejected, httpResp.StatusCode, snippet))
		}

		var resp Response
		if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to decode ai response: %w", err))
		}
		return &resp, nil
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(c.maxTries),
	)
}
