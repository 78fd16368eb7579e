// Package profileapi talks to the user-profile endpoints that back context
// restore and write-back.
package profileapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/tenantsync/internal/restore"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var ErrUnauthorized = errors.New("unauthorized")

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) HTTPStatus() int {
	return e.StatusCode
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrUnauthorized && e.StatusCode == http.StatusUnauthorized
}

type ClientOptions struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	// RequestsPerSecond caps outgoing requests; zero disables the limiter.
	RequestsPerSecond float64
	Burst             int
	MaxRetries        int
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration

	mu    sync.RWMutex
	token string
}

func NewClient(opts ClientOptions) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		limiter:    limiter,
		maxRetries: maxRetries,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
		token:      strings.TrimSpace(opts.Token),
	}
}

// SetToken swaps the bearer token, e.g. after a refresh.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = strings.TrimSpace(token)
	c.mu.Unlock()
}

func (c *Client) currentToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

type lastContextPayload struct {
	OrgID     *int64  `json:"orgId"`
	CompanyID *int64  `json:"companyId"`
	UpdatedAt *string `json:"updatedAt"`
}

type profilePayload struct {
	LastContext *lastContextPayload `json:"lastContext"`
}

// FetchRemoteContext reads the profile's last-used context. A missing or
// unusable context yields nil without error.
func (c *Client) FetchRemoteContext(ctx context.Context) (*restore.Candidate, error) {
	var profile profilePayload
	if err := c.doJSON(ctx, http.MethodGet, "/users/me", nil, &profile, true); err != nil {
		return nil, err
	}
	last := profile.LastContext
	if last == nil || last.OrgID == nil || *last.OrgID <= 0 {
		return nil, nil
	}
	candidate := &restore.Candidate{
		Selection: restore.Selection{OrgID: *last.OrgID, CompanyID: last.CompanyID},
		Source:    restore.SourceRemote,
	}
	if last.UpdatedAt != nil {
		if ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(*last.UpdatedAt)); err == nil {
			candidate.UpdatedAt = ts
		}
	}
	return candidate, nil
}

func (c *Client) ValidateContext(ctx context.Context, selection restore.Selection) (restore.Validation, error) {
	q := url.Values{}
	q.Set("orgId", strconv.FormatInt(selection.OrgID, 10))
	if selection.CompanyID != nil {
		q.Set("companyId", strconv.FormatInt(*selection.CompanyID, 10))
	}
	var validation restore.Validation
	if err := c.doJSON(ctx, http.MethodGet, "/users/me/validate-context?"+q.Encode(), nil, &validation, true); err != nil {
		return restore.Validation{}, err
	}
	return validation, nil
}

func (c *Client) FetchSuggestion(ctx context.Context) (*restore.Selection, error) {
	var payload struct {
		OrgID     *int64 `json:"orgId"`
		CompanyID *int64 `json:"companyId"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/users/me/context-suggestion", nil, &payload, true); err != nil {
		return nil, err
	}
	if payload.OrgID == nil || *payload.OrgID <= 0 {
		return nil, nil
	}
	return &restore.Selection{OrgID: *payload.OrgID, CompanyID: payload.CompanyID}, nil
}

// PatchLastContext records the active context on the profile. Rate limiting
// is reported to the caller rather than retried.
func (c *Client) PatchLastContext(ctx context.Context, orgID int64, companyID *int64) error {
	body := map[string]any{
		"orgId":     orgID,
		"companyId": companyID,
	}
	return c.doJSON(ctx, http.MethodPatch, "/users/me/last-context", body, nil, false)
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body any, out any, retryThrottled bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if token := c.currentToken(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() == nil && attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(bytes.TrimSpace(payloadBytes)) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		retryable := resp.StatusCode >= 500 && resp.StatusCode <= 599
		if resp.StatusCode == http.StatusTooManyRequests {
			retryable = retryThrottled
		}
		if retryable && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		if errPayload.Message == "" {
			errPayload.Message = http.StatusText(resp.StatusCode)
		}
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func correlationID() string {
	return "tenantsync-" + uuid.NewString()
}
