package riot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/riotwarden/riotwarden/config"
	"github.com/riotwarden/riotwarden/ratelimit"
	"github.com/rs/zerolog"
)

const (
	authHeader          = "X-Riot-Token"
	retryAfterHeader    = "Retry-After"
	limitTypeHeader     = "X-Rate-Limit-Type"
	cloudflareRangeLow  = 520
	cloudflareRangeHigh = 527
)

// Client executes governed requests against the upstream. It holds the
// credential and logger; the HTTP client and store are supplied per call so
// many goroutines can share them.
type Client struct {
	cfg *config.Config
	log zerolog.Logger
}

// New returns a Client for the given configuration. Pass zerolog.Nop() to
// keep the library silent.
func New(cfg *config.Config, log zerolog.Logger) *Client {
	return &Client{cfg: cfg, log: log}
}

// Execute performs one governed GET against the upstream: classify the URL,
// sweep the four admissions, issue the request, and either return the JSON
// body or absorb the failure into the matching error. A nil body with a nil
// error means the upstream had no content for the request (204, or the
// MATCH policy 403 for an unsupported game mode).
func (c *Client) Execute(ctx context.Context, endpoint string, httpClient *http.Client, rdb redis.UniversalClient) (json.RawMessage, error) {
	fp, err := ratelimit.Classify(endpoint)
	if err != nil {
		return nil, err
	}

	secondsLimit, secondsWindow, minutesLimit, minutesWindow := c.cfg.AppRate()
	app := ratelimit.NewApplicationLimiter(fp, rdb, ratelimit.AppWindows{
		SecondsLimit:  secondsLimit,
		SecondsWindow: secondsWindow,
		MinutesLimit:  minutesLimit,
		MinutesWindow: minutesWindow,
	})
	method := ratelimit.NewMethodLimiter(fp, rdb)
	service := ratelimit.NewServiceLimiter(fp, rdb)
	unspecified := ratelimit.NewUnspecifiedLimiter(fp, rdb)

	// Any denial short-circuits the sweep.
	if err := app.Admit(ctx); err != nil {
		return nil, err
	}
	if err := method.Admit(ctx); err != nil {
		return nil, err
	}
	if err := service.Admit(ctx); err != nil {
		return nil, err
	}
	if err := unspecified.Admit(ctx); err != nil {
		return nil, err
	}
	c.log.Debug().Str("endpoint", endpoint).Msg("rate limit checks passed")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", endpoint, err)
	}
	req.Header.Set(authHeader, c.cfg.RiotAPIKey)

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ratelimit.NetworkError{Kind: ratelimit.NetworkHTTP, Endpoint: endpoint, Err: err}
	}

	switch status := resp.StatusCode; {
	case status == http.StatusOK:
		if !json.Valid(body) {
			return nil, fmt.Errorf("upstream returned an undecodable body for %s", endpoint)
		}
		return json.RawMessage(body), nil

	case status == http.StatusNoContent:
		return nil, nil

	case status == http.StatusForbidden && fp.Service == ratelimit.ServiceMatch:
		// The upstream serves 403 for match data of game modes it has
		// chosen not to support.
		c.log.Debug().Str("endpoint", endpoint).Msg("403 for unsupported match data")
		return nil, nil

	case status == http.StatusTooManyRequests:
		return nil, c.absorbCooldown(ctx, resp, body, app, method, service, unspecified)

	case status == http.StatusBadGateway || status == http.StatusServiceUnavailable || status == http.StatusGatewayTimeout:
		return nil, &ratelimit.NetworkError{Kind: ratelimit.NetworkGateway, Status: status, Endpoint: endpoint}

	case status >= cloudflareRangeLow && status <= cloudflareRangeHigh:
		return nil, &ratelimit.NetworkError{Kind: ratelimit.NetworkCloudflare, Status: status, Endpoint: endpoint}

	default:
		bodyStr := string(body)
		if !json.Valid(body) {
			bodyStr = "upstream returned a body that is not valid JSON"
		}
		return nil, &ratelimit.APIError{
			Status:   status,
			Router:   fp.Router,
			Service:  fp.Service,
			Method:   fp.Method,
			Endpoint: endpoint,
			Body:     bodyStr,
			Context:  &ratelimit.OffendingContext{Headers: resp.Header, Body: string(body)},
		}
	}
}

// absorbCooldown records an upstream cooldown response with the arbiter the
// classification header names. Every absorb returns the matching cooldown
// error, so this never yields success.
func (c *Client) absorbCooldown(
	ctx context.Context,
	resp *http.Response,
	body []byte,
	app *ratelimit.ApplicationLimiter,
	method *ratelimit.MethodLimiter,
	service *ratelimit.ServiceLimiter,
	unspecified *ratelimit.UnspecifiedLimiter,
) error {
	// The +1 covers the store's integer-second expiry resolution: a retry
	// issued at exactly retry-after can observe a not-yet-expired key.
	retryAfter := ratelimit.DefaultCooldownSeconds
	if v := resp.Header.Get(retryAfterHeader); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			retryAfter = n
		}
	}
	retryAfter++

	limitType := resp.Header.Get(limitTypeHeader)
	octx := &ratelimit.OffendingContext{Headers: resp.Header, Body: string(body)}
	c.log.Debug().
		Str("limit_type", limitType).
		Int("retry_after", retryAfter).
		Msg("inbound cooldown response")

	switch limitType {
	case "application":
		return app.Absorb(ctx, retryAfter, octx)
	case "method":
		return method.Absorb(ctx, retryAfter, octx)
	case "service":
		return service.Absorb(ctx, octx)
	default:
		// Missing or unknown classification header: block the whole
		// router to stay respectful.
		return unspecified.Absorb(ctx, retryAfter, octx)
	}
}

func classifyTransport(endpoint string, err error) *ratelimit.NetworkError {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &ratelimit.NetworkError{Kind: ratelimit.NetworkTimeout, Endpoint: endpoint, Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &ratelimit.NetworkError{Kind: ratelimit.NetworkConnection, Endpoint: endpoint, Err: err}
	}
	return &ratelimit.NetworkError{Kind: ratelimit.NetworkHTTP, Endpoint: endpoint, Err: err}
}
