package colony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"colony-experiment/gatekeeper/internal/metrics"
)

var (
	// ErrUnavailable covers transport failures, timeouts and 5xx responses.
	// Transient: callers may retry on a later evaluation.
	ErrUnavailable = errors.New("colony: oracle unavailable")
	// ErrBadResponse covers well-delivered but malformed oracle replies.
	ErrBadResponse = errors.New("colony: malformed oracle response")
)

// Client wraps the external colony reputation oracle. One network call per
// operation; retries, caching and rate limiting are layered above it.
type Client struct {
	BaseURL string
	Client  *http.Client
	Metrics *metrics.MetricsRegistry
}

// NewClient creates an oracle client with a request timeout.
func NewClient(baseURL string, timeout time.Duration, reg *metrics.MetricsRegistry) *Client {
	return &Client{
		BaseURL: baseURL,
		Client: &http.Client{
			Timeout: timeout,
		},
		Metrics: reg,
	}
}

type reputationResponse struct {
	Reputation string `json:"reputation"`
}

type colonyInfoResponse struct {
	Name        string `json:"name"`
	DomainCount uint64 `json:"domainCount"`
}

// ResolveReputation fetches the reputation score of a wallet in a colony
// domain. The score is an unsigned integer; no fractional reputation.
func (c *Client) ResolveReputation(ctx context.Context, colony string, domain uint64, wallet string) (uint64, error) {
	endpoint := fmt.Sprintf("/reputation/%s/%d/%s", colony, domain, wallet)

	start := time.Now()
	var resp reputationResponse
	err := c.doGET(ctx, endpoint, &resp)
	if c.Metrics != nil {
		c.Metrics.OracleCallsTotal.WithLabelValues(colony).Inc()
		c.Metrics.OracleCallDuration.WithLabelValues(colony).Observe(time.Since(start).Seconds())
		if err != nil {
			c.Metrics.OracleErrorsTotal.WithLabelValues(colony, errKind(err)).Inc()
		}
	}
	if err != nil {
		return 0, err
	}

	value, err := strconv.ParseUint(resp.Reputation, 10, 64)
	if err != nil {
		if c.Metrics != nil {
			c.Metrics.OracleErrorsTotal.WithLabelValues(colony, "bad_response").Inc()
		}
		return 0, fmt.Errorf("%w: reputation %q is not an unsigned integer", ErrBadResponse, resp.Reputation)
	}
	return value, nil
}

// ColonyName resolves the display name of a colony, used to annotate gate
// listings for administrators.
func (c *Client) ColonyName(ctx context.Context, colony string) (string, error) {
	var resp colonyInfoResponse
	if err := c.doGET(ctx, "/colony/"+colony, &resp); err != nil {
		return "", err
	}
	if resp.Name == "" {
		return "", fmt.Errorf("%w: empty colony name", ErrBadResponse)
	}
	return resp.Name, nil
}

// DomainCount resolves how many domains a colony has, used to validate the
// domain id when an administrator adds a gate.
func (c *Client) DomainCount(ctx context.Context, colony string) (uint64, error) {
	var resp colonyInfoResponse
	if err := c.doGET(ctx, "/colony/"+colony, &resp); err != nil {
		return 0, err
	}
	if resp.DomainCount == 0 {
		return 0, fmt.Errorf("%w: colony reports zero domains", ErrBadResponse)
	}
	return resp.DomainCount, nil
}

func (c *Client) doGET(ctx context.Context, endpoint string, result interface{}) error {
	url := c.BaseURL + endpoint
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: oracle returned %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%w: oracle returned %d", ErrBadResponse, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	return nil
}

func errKind(err error) string {
	if errors.Is(err, ErrUnavailable) {
		return "unavailable"
	}
	return "bad_response"
}
