package updater

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ekaya-inc/ekaya-insights/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-insights/pkg/config"
	"github.com/ekaya-inc/ekaya-insights/pkg/logging"
	"github.com/ekaya-inc/ekaya-insights/pkg/metrics"
	"github.com/ekaya-inc/ekaya-insights/pkg/retry"
)

// DefaultTimeout is the maximum time to wait for the upstream API.
const DefaultTimeout = 30 * time.Second

// IdempotencyHeader carries the idempotency token of an update.
const IdempotencyHeader = "Idempotency-Key"

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 4096

// StatusError is a non-2xx response from the upstream API.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, e.Body)
}

// IsRetryable reports whether the status is transient. Requests the upstream
// refuses on their content (400, 404, 409, 422 and other 4xx) are permanent;
// throttling, timeouts, auth failures and 5xx are retried.
func (e *StatusError) IsRetryable() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests,
		http.StatusUnauthorized, http.StatusForbidden:
		return true
	}
	return e.StatusCode >= 500
}

var _ retry.RetryableError = (*StatusError)(nil)

// HTTPUpdater applies updates by POSTing them to the upstream product API.
// Calls are rate limited and go through a circuit breaker; an open circuit
// fails fast with a retryable error.
type HTTPUpdater struct {
	endpoint   string
	token      string
	userAgent  string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	logger     *zap.Logger
}

// NewHTTPUpdater creates an HTTPUpdater from configuration.
func NewHTTPUpdater(cfg config.UpdaterConfig, logger *zap.Logger) (*HTTPUpdater, error) {
	endpoint, err := buildURL(cfg.BaseURL, "updates")
	if err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}

	logger = logger.Named("updater")
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "updater",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// A rejected update proves the upstream is healthy.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, apperrors.ErrNonRetryableApply)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.UpdaterBreakerState.Set(float64(to))
			logger.Warn("Updater circuit breaker changed state",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &HTTPUpdater{
		endpoint:   endpoint,
		token:      cfg.Token,
		userAgent:  cfg.UserAgent,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, 1),
		breaker:    breaker,
		logger:     logger,
	}, nil
}

var _ Updater = (*HTTPUpdater)(nil)

// Apply sends one update.
func (u *HTTPUpdater) Apply(ctx context.Context, req UpdateRequest) error {
	if err := u.limiter.Wait(ctx); err != nil {
		return Retryable(fmt.Errorf("rate limiter: %w", err))
	}

	_, err := u.breaker.Execute(func() (interface{}, error) {
		return nil, u.post(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Retryable(fmt.Errorf("circuit breaker is open: %w", err))
	}
	return err
}

func (u *HTTPUpdater) post(ctx context.Context, req UpdateRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return NonRetryable(fmt.Errorf("failed to encode update: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint, bytes.NewReader(payload))
	if err != nil {
		return NonRetryable(fmt.Errorf("failed to create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set(IdempotencyHeader, req.IdempotencyToken)
	if u.userAgent != "" {
		httpReq.Header.Set("User-Agent", u.userAgent)
	}
	if u.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+u.token)
	}

	resp, err := u.httpClient.Do(httpReq)
	if err != nil {
		return Retryable(fmt.Errorf("failed to call updater: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		u.logger.Debug("Update applied",
			zap.String("insight_id", req.InsightID.String()),
			zap.String("target_id", req.TargetID),
			zap.Int("status", resp.StatusCode))
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	statusErr := &StatusError{StatusCode: resp.StatusCode, Body: string(body)}

	u.logger.Warn("Updater returned error",
		zap.String("insight_id", req.InsightID.String()),
		zap.Int("status", resp.StatusCode),
		zap.String("body", logging.SanitizeMessage(statusErr.Body)))

	if retry.IsRetryable(statusErr) {
		return Retryable(statusErr)
	}
	return NonRetryable(statusErr)
}

// buildURL constructs a URL by parsing the base and joining path segments.
func buildURL(baseURL string, pathSegments ...string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid updater base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid updater base URL %q: scheme and host are required", baseURL)
	}

	segments := append([]string{u.Path}, pathSegments...)
	u.Path = path.Join(segments...)

	return u.String(), nil
}
