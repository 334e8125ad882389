package riot

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/riotwarden/riotwarden/config"
	"github.com/riotwarden/riotwarden/ratelimit"
)

// Retry is for background workloads only: a cooldown wait can run for
// minutes, which no interactive caller wants on top of processing time.
// Foreground users should call Execute directly and handle the error.

const (
	// DefaultAttempts bounds the total cooldown failures per call.
	DefaultAttempts = 3
	// DefaultNetworkTolerance bounds the total network failures per
	// call. Some of this is unavoidable on long-running jobs.
	DefaultNetworkTolerance = 5

	backoffBaseSeconds = 1.0
	backoffCapSeconds  = 20.0
)

// RetryOptions overrides the per-call failure budgets. Zero fields keep the
// defaults; a budget of 1 disables retries for that failure kind.
type RetryOptions struct {
	Attempts         int
	NetworkTolerance int
}

// sleep is a hook so tests can observe waits without serving them.
var sleep = func(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ExecuteWithRetry wraps Execute with two independent failure budgets.
// Cooldown errors sleep retry_after + 1 seconds and consume the cooldown
// budget; network faults sleep a full-jitter exponential backoff and
// consume the network budget; everything else surfaces immediately. The
// extra second guarantees the store's integer-second key expiry has elapsed
// before the re-issued admission, which would otherwise be denied with a
// zero retry-after and burn the budget in a tight loop.
func (c *Client) ExecuteWithRetry(ctx context.Context, endpoint string, httpClient *http.Client, rdb redis.UniversalClient, opts *RetryOptions) (json.RawMessage, error) {
	attempts := DefaultAttempts
	tolerance := DefaultNetworkTolerance
	if opts != nil {
		if opts.Attempts != 0 {
			attempts = opts.Attempts
		}
		if opts.NetworkTolerance != 0 {
			tolerance = opts.NetworkTolerance
		}
	}
	if attempts < 1 {
		return nil, &config.InvalidConfigError{Name: "attempts", Reason: "must be >= 1; use 1 to disable retries"}
	}
	if tolerance < 1 {
		return nil, &config.InvalidConfigError{Name: "network_tolerance", Reason: "must be >= 1; use 1 to disable retries"}
	}

	var cooldownFailures, networkFailures int

	// Not bounded by a total attempt count: the loop ends when one budget
	// is exhausted, the call succeeds, or a non-retryable error occurs.
	for {
		body, err := c.Execute(ctx, endpoint, httpClient, rdb)
		if err == nil {
			return body, nil
		}

		var cooldown ratelimit.CooldownError
		var network *ratelimit.NetworkError
		switch {
		case errors.As(err, &cooldown):
			cooldownFailures++
			if cooldownFailures >= attempts {
				return nil, err
			}
			wait := time.Duration(cooldown.Cooldown()+1) * time.Second
			c.log.Debug().
				Err(err).
				Int("retry_after", cooldown.Cooldown()).
				Dur("sleep", wait).
				Int("cooldown_failures", cooldownFailures).
				Int("attempts", attempts).
				Msg("cooldown; sleeping before retry")
			if serr := sleep(ctx, wait); serr != nil {
				return nil, serr
			}

		case errors.As(err, &network):
			networkFailures++
			if networkFailures >= tolerance {
				return nil, err
			}
			wait := jitterBackoff(networkFailures)
			c.log.Debug().
				Err(err).
				Dur("sleep", wait).
				Int("network_failures", networkFailures).
				Int("network_tolerance", tolerance).
				Msg("network fault; backing off before retry")
			if serr := sleep(ctx, wait); serr != nil {
				return nil, serr
			}

		default:
			return nil, err
		}
	}
}

// jitterBackoff draws a full-jitter exponential backoff for the k-th
// (1-based) network failure: uniform over [0, min(cap, base*2^(k-1))).
func jitterBackoff(failure int) time.Duration {
	ceiling := math.Min(backoffCapSeconds, backoffBaseSeconds*math.Pow(2, float64(failure-1)))
	return time.Duration(rand.Float64() * ceiling * float64(time.Second))
}
