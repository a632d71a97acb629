// Package positions talks to the borrower position service on behalf of the
// stability pool: it answers whether a depositor owns a position, credits
// redirected collateral and reports pending liquidations.
package positions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"stabilitypool/crypto"
	"stabilitypool/native/stability"
)

// ErrRejected wraps a 4xx answer from the position service.
var ErrRejected = errors.New("positions: request rejected")

// Client implements the engine's position collaborator and monitor over HTTP.
// Every call is bounded by the configured timeout on top of the caller's
// context.
type Client struct {
	base    *url.URL
	http    *http.Client
	timeout time.Duration
}

// New constructs a client for the service rooted at endpoint.
func New(endpoint string, timeout time.Duration, httpClient *http.Client) (*Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("positions: endpoint required")
	}
	base, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("positions: parse endpoint: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("positions: unsupported scheme %q", base.Scheme)
	}
	if httpClient == nil {
		httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{base: base, http: httpClient, timeout: timeout}, nil
}

type positionResponse struct {
	Active bool `json:"active"`
}

type collateralRequest struct {
	Amount string `json:"amount"`
}

type healthResponse struct {
	Undercollateralized bool `json:"undercollateralized"`
}

// HasPosition reports whether owner holds an open position. A 404 is a
// definite "no".
func (c *Client) HasPosition(ctx context.Context, owner crypto.Address) (bool, error) {
	var out positionResponse
	status, err := c.do(ctx, http.MethodGet, "/v1/positions/"+url.PathEscape(owner.String()), nil, &out)
	if status == http.StatusNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return out.Active, nil
}

// AddCollateral credits amount (raw 18-decimal units) to owner's position.
// Only a 4xx answer is reported as a refusal; transport failures and 5xx
// leave the outcome unknown.
func (c *Client) AddCollateral(ctx context.Context, owner crypto.Address, amount *uint256.Int) error {
	if amount == nil {
		amount = new(uint256.Int)
	}
	body := collateralRequest{Amount: amount.Dec()}
	_, err := c.do(ctx, http.MethodPost, "/v1/positions/"+url.PathEscape(owner.String())+"/collateral", body, nil)
	if errors.Is(err, ErrRejected) {
		return fmt.Errorf("%w: %w", stability.ErrCollateralRefused, err)
	}
	return err
}

// HasUndercollateralizedPositions asks the service whether any position is
// currently liquidatable.
func (c *Client) HasUndercollateralizedPositions(ctx context.Context) (bool, error) {
	var out healthResponse
	if _, err := c.do(ctx, http.MethodGet, "/v1/system/health", nil, &out); err != nil {
		return false, err
	}
	return out.Undercollateralized, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	target := c.base.JoinPath(path)
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("positions: encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return 0, fmt.Errorf("positions: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("positions: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		detail := strings.TrimSpace(string(msg))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return resp.StatusCode, fmt.Errorf("%w: %s %s: %d %s", ErrRejected, method, path, resp.StatusCode, detail)
		}
		return resp.StatusCode, fmt.Errorf("positions: %s %s: %d %s", method, path, resp.StatusCode, detail)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("positions: decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
