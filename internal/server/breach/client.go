// Package breach queries the Have I Been Pwned v3 API for breaches that
// include an account email. Results are advisory only.
package breach

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/duckpass/duckpass/internal/common"
	"github.com/duckpass/duckpass/internal/server/models"
)

const maxBody = 4 << 20

type Config struct {
	BaseURL   string
	APIKey    string
	UserAgent string
	Timeout   time.Duration
}

type Client struct {
	cfg  Config
	http *http.Client
}

func NewClient(cfg Config, hc *http.Client) *Client {
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, http: hc}
}

// LookupBreaches returns the breaches containing email. An account unknown
// to the service yields an empty list. Any other failure wraps
// common.ErrUpstreamUnavailable.
func (c *Client) LookupBreaches(ctx context.Context, email string) ([]models.BreachSummary, error) {
	endpoint := c.cfg.BaseURL + "/breachedaccount/" + url.PathEscape(email) + "?truncateResponse=false"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrUpstreamUnavailable, err)
	}
	req.Header.Set("hibp-api-key", c.cfg.APIKey)
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return []models.BreachSummary{}, nil
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
		return nil, fmt.Errorf("%w: status %d", common.ErrUpstreamUnavailable, resp.StatusCode)
	}

	var breaches []models.BreachSummary
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&breaches); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", common.ErrUpstreamUnavailable, err)
	}
	if breaches == nil {
		breaches = []models.BreachSummary{}
	}
	return breaches, nil
}
