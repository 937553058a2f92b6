// Package broker implements domain.BrokerClient over the account's futures
// broker REST + websocket API. It is the engine's sole adapter for the
// external wire protocol; every other package depends on domain.BrokerClient
// so it can be faked in tests (spec.md §4.1).
//
// Request signing and retry are grounded on the teacher's Tradernet SDK
// client (internal/clients/tradernet/sdk/client.go): HMAC-signed requests
// over a serialized worker queue, JSON bodies, classified errors.
package broker

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/overrangefutures/engine/internal/domain"
)

const (
	retryAttempts  = 3
	retryBaseDelay = 750 * time.Millisecond
	retryFactor    = 2
)

// Client is a REST + websocket adapter implementing domain.BrokerClient.
type Client struct {
	baseURL    string
	wsURL      string
	apiKey     string
	apiSecret  string
	httpClient *http.Client
	log        zerolog.Logger

	contractCache   map[string]string  // symbol -> contractID, populated by ResolveContract
	pointValueCache map[string]float64 // symbol -> point value, populated alongside contractCache
	quotes          *quoteStream

	authMu sync.Mutex
	creds  domain.Credentials
}

// New builds an unauthenticated Client; call Authenticate before use.
// wsURL is the quote-stream endpoint (spec.md's QuoteStreamURL config item).
func New(baseURL, wsURL string, log zerolog.Logger) *Client {
	return &Client{
		baseURL:         baseURL,
		wsURL:           wsURL,
		httpClient:      &http.Client{Timeout: 30 * time.Second},
		log:             log.With().Str("component", "broker").Logger(),
		contractCache:   make(map[string]string),
		pointValueCache: make(map[string]float64),
	}
}

// Close tears down the quote websocket, if one was ever opened.
func (c *Client) Close() error {
	if c.quotes != nil {
		c.quotes.stop()
	}
	return nil
}

var _ domain.BrokerClient = (*Client)(nil)

func (c *Client) Authenticate(ctx context.Context, creds domain.Credentials) error {
	c.authMu.Lock()
	c.creds = creds
	c.apiKey = creds.APIKey
	c.apiSecret = creds.APISecret
	c.authMu.Unlock()
	if creds.APIKey == "" || creds.APISecret == "" {
		return fmt.Errorf("broker: %w: empty credentials", domain.ErrAuthExpired)
	}
	// Validate the credentials against a cheap endpoint up front so callers
	// fail fast at startup instead of on the first order submission.
	_, err := c.call(ctx, http.MethodGet, "/api/v1/accounts", nil)
	return err
}

// call performs one signed request, refreshing the session once on an
// auth-expired rejection and retrying, per spec.md §4.1/§7 ("auth-expired:
// refreshed once, retry").
func (c *Client) call(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	raw, err := c.callWithRetry(ctx, method, path, body)
	if err == nil || !isAuthExpired(err) {
		return raw, err
	}
	if refreshErr := c.refreshAuth(ctx); refreshErr != nil {
		return nil, err
	}
	return c.callWithRetry(ctx, method, path, body)
}

// refreshAuth re-authenticates against the broker, serialized with authMu so
// concurrent 401s from in-flight requests collapse into a single refresh
// instead of a thundering herd of re-auth calls (spec.md §5).
func (c *Client) refreshAuth(ctx context.Context) error {
	c.authMu.Lock()
	defer c.authMu.Unlock()

	creds := c.creds
	if creds.APIKey == "" || creds.APISecret == "" {
		return fmt.Errorf("broker: %w: no credentials to refresh", domain.ErrAuthExpired)
	}
	c.apiKey = creds.APIKey
	c.apiSecret = creds.APISecret

	_, err := c.callWithRetry(ctx, http.MethodGet, "/api/v1/accounts", nil)
	return err
}

func isAuthExpired(err error) bool {
	be, ok := err.(*domain.BrokerError)
	return ok && be.Kind == domain.KindAuthExpired
}

// callWithRetry performs one signed request with the engine's retry policy: 3
// attempts, jittered exponential backoff starting at 750ms (spec.md §7).
// Retries only apply to errors classified as transient or rate-limited;
// rejections, not-found, and auth-expired responses return immediately (the
// auth-expired case is handled one layer up, by call).
func (c *Client) callWithRetry(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			delay := backoff(attempt)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		raw, err := c.doOnce(ctx, method, path, body)
		if err == nil {
			return raw, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func backoff(attempt int) time.Duration {
	d := retryBaseDelay * time.Duration(pow(retryFactor, attempt-1))
	jitter := time.Duration(rand.Int63n(int64(d)/2 + 1))
	return d + jitter
}

func pow(base, exp int) int {
	r := 1
	for i := 0; i < exp; i++ {
		r *= base
	}
	return r
}

func isRetryable(err error) bool {
	be, ok := err.(*domain.BrokerError)
	if !ok {
		return true // unclassified transport error: assume transient
	}
	return be.Kind == domain.KindTransient || be.Kind == domain.KindRateLimited
}

func (c *Client) doOnce(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("broker: marshal request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("broker: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	c.authMu.Lock()
	apiKey, apiSecret := c.apiKey, c.apiSecret
	c.authMu.Unlock()

	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set("X-Api-Key", apiKey)
	req.Header.Set("X-Api-Timestamp", timestamp)
	req.Header.Set("X-Api-Signature", sign(apiSecret, string(payload)+timestamp))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &domain.BrokerError{Kind: domain.KindTransient, Reason: err.Error(), Wrapped: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domain.BrokerError{Kind: domain.KindTransient, Reason: err.Error(), Wrapped: err}
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return respBody, nil
	case http.StatusUnauthorized:
		return nil, &domain.BrokerError{Kind: domain.KindAuthExpired, Reason: string(respBody)}
	case http.StatusTooManyRequests:
		return nil, &domain.BrokerError{Kind: domain.KindRateLimited, Reason: string(respBody)}
	case http.StatusNotFound:
		return nil, &domain.BrokerError{Kind: domain.KindNotFound, Reason: string(respBody)}
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return nil, &domain.BrokerError{Kind: domain.KindTransient, Reason: string(respBody)}
	default:
		return nil, &domain.BrokerError{Kind: domain.KindRejected, Reason: string(respBody)}
	}
}

func sign(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}
