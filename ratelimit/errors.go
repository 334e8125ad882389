package ratelimit

import (
	"fmt"
	"net/http"
)

// Enforcement distinguishes who issued a cooldown.
type Enforcement string

const (
	// EnforcementInternal means our own arbiter denied the request before
	// it was sent upstream.
	EnforcementInternal Enforcement = "internal"
	// EnforcementExternal means the upstream actually returned a cooldown
	// response that our counters failed to prevent.
	EnforcementExternal Enforcement = "external"
)

// OffendingContext carries the upstream response that triggered an
// externally enforced cooldown or an API error.
type OffendingContext struct {
	Headers http.Header `json:"headers"`
	Body    string      `json:"body"`
}

// CooldownError is implemented by all four cooldown kinds. Cooldown reports
// how many seconds the caller should wait before trying again.
type CooldownError interface {
	error
	Cooldown() int
}

// ApplicationCooldownError reports a credential-wide cooldown for a router.
type ApplicationCooldownError struct {
	RetryAfter    int               `json:"retry_after"`
	SecondsKey    string            `json:"seconds_key"`
	SecondsCount  int               `json:"seconds_count,omitempty"`
	SecondsLimit  int               `json:"seconds_limit"`
	SecondsWindow int               `json:"seconds_window"`
	MinutesKey    string            `json:"minutes_key"`
	MinutesCount  int               `json:"minutes_count,omitempty"`
	MinutesLimit  int               `json:"minutes_limit"`
	MinutesWindow int               `json:"minutes_window"`
	Enforcement   Enforcement       `json:"enforcement"`
	Router        string            `json:"router"`
	Endpoint      string            `json:"endpoint"`
	Reason        string            `json:"reason"`
	Context       *OffendingContext `json:"offending_context,omitempty"`
}

func (e *ApplicationCooldownError) Error() string {
	return fmt.Sprintf("application cooldown on %s (%s): retry after %ds: %s",
		e.Router, e.Enforcement, e.RetryAfter, e.Reason)
}

func (e *ApplicationCooldownError) Cooldown() int { return e.RetryAfter }

// MethodCooldownError reports a per-method cooldown for a router. Window
// fields are zero and key fields empty for a dimension the method does not
// police.
type MethodCooldownError struct {
	RetryAfter    int               `json:"retry_after"`
	Method        string            `json:"method"`
	SecondsKey    string            `json:"seconds_key,omitempty"`
	SecondsCount  int               `json:"seconds_count,omitempty"`
	SecondsLimit  int               `json:"seconds_limit,omitempty"`
	SecondsWindow int               `json:"seconds_window,omitempty"`
	MinutesKey    string            `json:"minutes_key,omitempty"`
	MinutesCount  int               `json:"minutes_count,omitempty"`
	MinutesLimit  int               `json:"minutes_limit,omitempty"`
	MinutesWindow int               `json:"minutes_window,omitempty"`
	Enforcement   Enforcement       `json:"enforcement"`
	Router        string            `json:"router"`
	Endpoint      string            `json:"endpoint"`
	Reason        string            `json:"reason"`
	Context       *OffendingContext `json:"offending_context,omitempty"`
}

func (e *MethodCooldownError) Error() string {
	return fmt.Sprintf("method cooldown for %s on %s (%s): retry after %ds: %s",
		e.Method, e.Router, e.Enforcement, e.RetryAfter, e.Reason)
}

func (e *MethodCooldownError) Cooldown() int { return e.RetryAfter }

// ServiceCooldownError reports a service-wide cooldown for a router. The
// upstream supplies no retry hint for these, so RetryAfter is always the
// fixed service block duration.
type ServiceCooldownError struct {
	RetryAfter  int               `json:"retry_after"`
	Service     string            `json:"service"`
	Enforcement Enforcement       `json:"enforcement"`
	Router      string            `json:"router"`
	Endpoint    string            `json:"endpoint"`
	Context     *OffendingContext `json:"offending_context,omitempty"`
}

func (e *ServiceCooldownError) Error() string {
	return fmt.Sprintf("service cooldown for %s on %s (%s): retry after %ds",
		e.Service, e.Router, e.Enforcement, e.RetryAfter)
}

func (e *ServiceCooldownError) Cooldown() int { return e.RetryAfter }

// UnspecifiedCooldownError covers the degraded case in which the upstream
// returned a cooldown response without a classification header. Service and
// method are carried for diagnostics only.
type UnspecifiedCooldownError struct {
	RetryAfter  int               `json:"retry_after"`
	Service     string            `json:"service"`
	Method      string            `json:"method"`
	Enforcement Enforcement       `json:"enforcement"`
	Router      string            `json:"router"`
	Endpoint    string            `json:"endpoint"`
	Context     *OffendingContext `json:"offending_context,omitempty"`
}

func (e *UnspecifiedCooldownError) Error() string {
	return fmt.Sprintf("unspecified cooldown on %s (%s): retry after %ds",
		e.Router, e.Enforcement, e.RetryAfter)
}

func (e *UnspecifiedCooldownError) Cooldown() int { return e.RetryAfter }

// NetworkKind identifies the transport-level failure mode.
type NetworkKind string

const (
	NetworkTimeout    NetworkKind = "timeout"
	NetworkConnection NetworkKind = "connection"
	NetworkHTTP       NetworkKind = "http_error"
	NetworkGateway    NetworkKind = "gateway"
	NetworkCloudflare NetworkKind = "cloudflare"
)

// NetworkError wraps a transport failure or an infrastructure-edge status
// (gateway, Cloudflare). These are transient and safe to retry.
type NetworkError struct {
	Kind     NetworkKind `json:"kind"`
	Status   int         `json:"status,omitempty"`
	Endpoint string      `json:"endpoint"`
	Err      error       `json:"-"`
}

func (e *NetworkError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("network fault (%s) for %s: %v", e.Kind, e.Endpoint, e.Err)
	}
	return fmt.Sprintf("network fault (%s) for %s: status %d", e.Kind, e.Endpoint, e.Status)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// APIError reports a non-cooldown, non-success response from the upstream:
// 4xx other than 429 and 5xx other than the network-classified statuses.
// Never retried.
type APIError struct {
	Status   int               `json:"status"`
	Router   string            `json:"router"`
	Service  string            `json:"service"`
	Method   string            `json:"method"`
	Endpoint string            `json:"endpoint"`
	Body     string            `json:"body"`
	Context  *OffendingContext `json:"offending_context,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream API error %d for %s %s on %s", e.Status, e.Service, e.Method, e.Router)
}

// UnknownServiceError means no service could be determined from the URL path.
type UnknownServiceError struct {
	Endpoint string `json:"endpoint"`
}

func (e *UnknownServiceError) Error() string {
	return fmt.Sprintf("no service could be determined for %s", e.Endpoint)
}

// UnknownMethodError means the path matched no method of its service.
type UnknownMethodError struct {
	Endpoint string `json:"endpoint"`
	Service  string `json:"service"`
}

func (e *UnknownMethodError) Error() string {
	return fmt.Sprintf("no method of service %s matches %s", e.Service, e.Endpoint)
}

// UnknownRouterError means the router could not be determined from the URL
// host, or the method carries no limits for it and no default entry.
type UnknownRouterError struct {
	Endpoint string `json:"endpoint"`
	Router   string `json:"router,omitempty"`
	Method   string `json:"method,omitempty"`
}

func (e *UnknownRouterError) Error() string {
	if e.Router == "" {
		return fmt.Sprintf("no router could be determined for %s", e.Endpoint)
	}
	return fmt.Sprintf("no limits for router %q in method %s", e.Router, e.Method)
}

// InvalidQuotaError means a fingerprint polices neither window. This is a
// programming error in the quota catalog, not a runtime condition.
type InvalidQuotaError struct {
	Endpoint string `json:"endpoint"`
	Method   string `json:"method"`
}

func (e *InvalidQuotaError) Error() string {
	return fmt.Sprintf("method %s has neither a seconds nor a minutes window", e.Method)
}
