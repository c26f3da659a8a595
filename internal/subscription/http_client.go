package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"
)

// HTTPClient reads tiers from the subscription service over HTTP. Calls run
// behind a circuit breaker so a struggling subscription service cannot stall
// every multiplier resolution; when the breaker is open the client fails
// fast with ErrUnavailable and the resolver falls back to the default
// multiplier.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

func NewHTTPClient(baseURL string) *HTTPClient {
	settings := gobreaker.Settings{
		Name:        "subscription",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}

	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 3 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

type tierResponse struct {
	Tier string `json:"tier"`
}

func (c *HTTPClient) CurrentTier(ctx context.Context, userID string) (Tier, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetchTier(ctx, userID)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return "", ErrUnavailable
		}
		return "", err
	}
	return result.(Tier), nil
}

func (c *HTTPClient) fetchTier(ctx context.Context, userID string) (Tier, error) {
	reqURL := fmt.Sprintf("%s/v1/subscriptions/%s/tier", c.baseURL, url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("subscription api error (status %d): %s", resp.StatusCode, string(body))
	}

	var tr tierResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", err
	}
	if tr.Tier == "" {
		return "", fmt.Errorf("subscription api returned empty tier for user %s", userID)
	}

	return Tier(tr.Tier), nil
}
