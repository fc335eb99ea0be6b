package eligibility

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/holiman/uint256"
)

const defaultRemoteTimeout = 5 * time.Second

// RemoteStrategy queries an external strategy service:
//
//	GET <url>?address=<addr>&height=<n>  ->  {"balance":"<base-10 integer>"}
type RemoteStrategy struct {
	endpoint *url.URL
	timeout  time.Duration
	client   *http.Client
}

// NewRemoteStrategy validates rawURL as an http(s) base URL. A zero timeout
// uses the package default and a nil client gets its own.
func NewRemoteStrategy(rawURL string, timeout time.Duration, client *http.Client) (*RemoteStrategy, error) {
	endpoint, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("eligibility: strategy url: %w", err)
	}
	if endpoint.Scheme != "http" && endpoint.Scheme != "https" {
		return nil, fmt.Errorf("eligibility: strategy url %q must be http or https", rawURL)
	}
	if timeout <= 0 {
		timeout = defaultRemoteTimeout
	}
	if client == nil {
		client = &http.Client{}
	}
	return &RemoteStrategy{endpoint: endpoint, timeout: timeout, client: client}, nil
}

type balanceResponse struct {
	Balance json.RawMessage `json:"balance"`
}

func (s *RemoteStrategy) BalanceAt(ctx context.Context, address string, height uint64) (*uint256.Int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	target := *s.endpoint
	query := target.Query()
	query.Set("address", address)
	query.Set("height", strconv.FormatUint(height, 10))
	target.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("eligibility: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: strategy returned %d", ErrUpstreamUnavailable, resp.StatusCode)
	}

	var payload balanceResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&payload); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || reqCtx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
		}
		return nil, fmt.Errorf("%w: decode balance: %v", ErrUpstreamUnavailable, err)
	}
	return parseBalance(payload.Balance)
}

// parseBalance accepts a decimal string or a JSON integer.
func parseBalance(raw json.RawMessage) (*uint256.Int, error) {
	text := strings.TrimSpace(string(raw))
	if unquoted, err := strconv.Unquote(text); err == nil {
		text = strings.TrimSpace(unquoted)
	}
	if text == "" || text == "null" {
		return nil, fmt.Errorf("%w: balance missing", ErrUpstreamUnavailable)
	}
	balance, err := uint256.FromDecimal(text)
	if err != nil {
		return nil, fmt.Errorf("%w: balance %q is not a non-negative integer", ErrUpstreamUnavailable, text)
	}
	return balance, nil
}
