package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultCooldownSeconds is assumed when the upstream returns a
	// cooldown response without a usable retry hint.
	DefaultCooldownSeconds = 68
	// ServiceBlockSeconds is the fixed service-cooldown duration; the
	// upstream never supplies a retry hint for service-level cooldowns.
	ServiceBlockSeconds = 68

	windowSeconds = "seconds"
	windowMinutes = "minutes"
)

func appUsageKey(router, windowType string) string {
	return fmt.Sprintf("app:%s:%s", router, windowType)
}

func appBlockKey(router string) string {
	return "app-block:" + router
}

func methodUsageKey(router, method, windowType string) string {
	return fmt.Sprintf("meth:%s:%s:%s", router, method, windowType)
}

func methodBlockKey(router, method string) string {
	return fmt.Sprintf("meth-block:%s:%s", router, method)
}

func serviceBlockKey(router, service string) string {
	return fmt.Sprintf("svc-block:%s:%s", router, service)
}

func unspecifiedBlockKey(router string) string {
	return "unspec-block:" + router
}

// Admission decisions must be atomic across every cooperating process, so
// each one is a single server-side script over the keys it reads and
// writes. go-redis registers each script by content once and invokes it by
// SHA afterwards.

// appAdmitScript checks the blocking key and both usage counters, then
// increments the counters, creating them with the window expiry on first
// use.
var appAdmitScript = redis.NewScript(`
-- Keys: [seconds_key, minutes_key, blocking_key]
-- Args: [seconds_limit, minutes_limit, seconds_window, minutes_window]
local seconds_key = KEYS[1]
local minutes_key = KEYS[2]
local blocking_key = KEYS[3]

local seconds_limit = tonumber(ARGV[1])
local minutes_limit = tonumber(ARGV[2])
local seconds_window = tonumber(ARGV[3])
local minutes_window = tonumber(ARGV[4])

local is_blocked = redis.call('EXISTS', blocking_key)
if is_blocked == 1 then
    local block_ttl = redis.call('TTL', blocking_key)
    return {0, block_ttl, 0, 0, "blocking_key"}
end

local seconds_count = tonumber(redis.call('GET', seconds_key) or "0")
local minutes_count = tonumber(redis.call('GET', minutes_key) or "0")

if seconds_count >= seconds_limit then
    local seconds_ttl = redis.call('TTL', seconds_key)
    return {0, seconds_ttl, seconds_count, minutes_count, "seconds"}
end

if minutes_count >= minutes_limit then
    local minutes_ttl = redis.call('TTL', minutes_key)
    return {0, minutes_ttl, seconds_count, minutes_count, "minutes"}
end

local seconds_exists = redis.call('EXISTS', seconds_key)
redis.call('INCR', seconds_key)
if seconds_exists == 0 then
    redis.call('EXPIRE', seconds_key, seconds_window)
end

local minutes_exists = redis.call('EXISTS', minutes_key)
redis.call('INCR', minutes_key)
if minutes_exists == 0 then
    redis.call('EXPIRE', minutes_key, minutes_window)
end

return {1, 0, seconds_count + 1, minutes_count + 1, "allowed"}
`)

// methodAdmitScript is the same check-and-increment with per-dimension
// presence flags, since a method may police only one window.
var methodAdmitScript = redis.NewScript(`
-- Keys: [seconds_key, minutes_key, blocking_key]
-- Args: [seconds_limit, minutes_limit, seconds_window, minutes_window, has_seconds, has_minutes]
local seconds_key = KEYS[1]
local minutes_key = KEYS[2]
local blocking_key = KEYS[3]

local seconds_limit = tonumber(ARGV[1])
local minutes_limit = tonumber(ARGV[2])
local seconds_window = tonumber(ARGV[3])
local minutes_window = tonumber(ARGV[4])
local has_seconds = tonumber(ARGV[5])
local has_minutes = tonumber(ARGV[6])

local block_exists = redis.call('EXISTS', blocking_key)
if block_exists == 1 then
    local block_ttl = redis.call('TTL', blocking_key)
    return {0, block_ttl, 0, 0, "blocking_key"}
end

local seconds_count = 0
if has_seconds == 1 then
    seconds_count = tonumber(redis.call('GET', seconds_key) or "0")
    if seconds_count >= seconds_limit then
        local seconds_ttl = redis.call('TTL', seconds_key)
        return {0, seconds_ttl, seconds_count, 0, "seconds"}
    end
end

local minutes_count = 0
if has_minutes == 1 then
    minutes_count = tonumber(redis.call('GET', minutes_key) or "0")
    if minutes_count >= minutes_limit then
        local minutes_ttl = redis.call('TTL', minutes_key)
        return {0, minutes_ttl, seconds_count, minutes_count, "minutes"}
    end
end

if has_seconds == 1 then
    local seconds_exists = redis.call('EXISTS', seconds_key)
    redis.call('INCR', seconds_key)
    if seconds_exists == 0 then
        redis.call('EXPIRE', seconds_key, seconds_window)
    end
    seconds_count = seconds_count + 1
end

if has_minutes == 1 then
    local minutes_exists = redis.call('EXISTS', minutes_key)
    redis.call('INCR', minutes_key)
    if minutes_exists == 0 then
        redis.call('EXPIRE', minutes_key, minutes_window)
    end
    minutes_count = minutes_count + 1
end

return {1, 0, seconds_count, minutes_count, "allowed"}
`)

// extendBlockScript writes a cooldown marker, extending it only when the
// new cooldown outlasts the current TTL. A marker's TTL never shrinks.
var extendBlockScript = redis.NewScript(`
local blocking_key = KEYS[1]
local retry_after = tonumber(ARGV[1])

local exists = redis.call('EXISTS', blocking_key)
local current_ttl = 0
if exists == 1 then
    current_ttl = redis.call('TTL', blocking_key)
end

if exists == 0 or retry_after > current_ttl then
    redis.call('SET', blocking_key, 1, 'EX', retry_after)
end

return {exists, current_ttl}
`)

type admission struct {
	allowed      bool
	retryAfter   int
	secondsCount int
	minutesCount int
	reason       string
}

func parseAdmission(res []interface{}) (admission, error) {
	if len(res) != 5 {
		return admission{}, fmt.Errorf("unexpected admission reply of length %d", len(res))
	}
	allowed, ok1 := asInt(res[0])
	retryAfter, ok2 := asInt(res[1])
	secondsCount, ok3 := asInt(res[2])
	minutesCount, ok4 := asInt(res[3])
	reason, ok5 := res[4].(string)
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
		return admission{}, fmt.Errorf("unexpected admission reply shape: %v", res)
	}
	return admission{
		allowed:      allowed == 1,
		retryAfter:   retryAfter,
		secondsCount: secondsCount,
		minutesCount: minutesCount,
		reason:       reason,
	}, nil
}

func parseExtension(res []interface{}) (existed bool, currentTTL int, err error) {
	if len(res) != 2 {
		return false, 0, fmt.Errorf("unexpected extension reply of length %d", len(res))
	}
	e, ok1 := asInt(res[0])
	ttl, ok2 := asInt(res[1])
	if !ok1 || !ok2 {
		return false, 0, fmt.Errorf("unexpected extension reply shape: %v", res)
	}
	return e == 1, ttl, nil
}

func asInt(v interface{}) (int, bool) {
	n, ok := v.(int64)
	return int(n), ok
}

// floorRetryAfter keeps internally reported waits at one second minimum; a
// key observed mid-expiry can report a zero TTL.
func floorRetryAfter(v int) int {
	if v < 1 {
		return 1
	}
	return v
}

func violationReason(reason string) string {
	return fmt.Sprintf("the %q key count/limit/existence was violated", reason)
}

const inboundReason = "inbound cooldown response experienced; internal counters did not prevent it"

// AppWindows configures the credential-wide application windows.
type AppWindows struct {
	SecondsLimit  int
	SecondsWindow int
	MinutesLimit  int
	MinutesWindow int
}

// ApplicationLimiter polices the credential-wide seconds and minutes
// windows for one router.
type ApplicationLimiter struct {
	rdb      redis.UniversalClient
	endpoint string
	router   string
	windows  AppWindows

	secondsKey string
	minutesKey string
	blockKey   string
}

func NewApplicationLimiter(fp *Fingerprint, rdb redis.UniversalClient, windows AppWindows) *ApplicationLimiter {
	return &ApplicationLimiter{
		rdb:        rdb,
		endpoint:   fp.Endpoint,
		router:     fp.Router,
		windows:    windows,
		secondsKey: appUsageKey(fp.Router, windowSeconds),
		minutesKey: appUsageKey(fp.Router, windowMinutes),
		blockKey:   appBlockKey(fp.Router),
	}
}

// Admit atomically checks both windows and the blocking key, incrementing
// the counters when the request is allowed.
func (l *ApplicationLimiter) Admit(ctx context.Context) error {
	res, err := appAdmitScript.Run(ctx, l.rdb,
		[]string{l.secondsKey, l.minutesKey, l.blockKey},
		l.windows.SecondsLimit, l.windows.MinutesLimit,
		l.windows.SecondsWindow, l.windows.MinutesWindow,
	).Slice()
	if err != nil {
		return fmt.Errorf("application admission script: %w", err)
	}
	verdict, err := parseAdmission(res)
	if err != nil {
		return fmt.Errorf("application admission script: %w", err)
	}
	if verdict.allowed {
		return nil
	}
	return &ApplicationCooldownError{
		RetryAfter:    floorRetryAfter(verdict.retryAfter),
		SecondsKey:    l.secondsKey,
		SecondsCount:  verdict.secondsCount,
		SecondsLimit:  l.windows.SecondsLimit,
		SecondsWindow: l.windows.SecondsWindow,
		MinutesKey:    l.minutesKey,
		MinutesCount:  verdict.minutesCount,
		MinutesLimit:  l.windows.MinutesLimit,
		MinutesWindow: l.windows.MinutesWindow,
		Enforcement:   EnforcementInternal,
		Router:        l.router,
		Endpoint:      l.endpoint,
		Reason:        violationReason(verdict.reason),
	}
}

// Absorb records an upstream-issued application cooldown and always returns
// the matching error so the incident is surfaced. The surfaced retry-after
// is the longest pending cooldown.
func (l *ApplicationLimiter) Absorb(ctx context.Context, retryAfter int, octx *OffendingContext) error {
	if retryAfter <= 0 {
		retryAfter = DefaultCooldownSeconds
	}
	res, err := extendBlockScript.Run(ctx, l.rdb, []string{l.blockKey}, retryAfter).Slice()
	if err != nil {
		return fmt.Errorf("application cooldown script: %w", err)
	}
	existed, currentTTL, err := parseExtension(res)
	if err != nil {
		return fmt.Errorf("application cooldown script: %w", err)
	}
	effective := retryAfter
	if existed && currentTTL > effective {
		effective = currentTTL
	}
	return &ApplicationCooldownError{
		RetryAfter:    effective,
		SecondsKey:    l.secondsKey,
		SecondsLimit:  l.windows.SecondsLimit,
		SecondsWindow: l.windows.SecondsWindow,
		MinutesKey:    l.minutesKey,
		MinutesLimit:  l.windows.MinutesLimit,
		MinutesWindow: l.windows.MinutesWindow,
		Enforcement:   EnforcementExternal,
		Router:        l.router,
		Endpoint:      l.endpoint,
		Reason:        inboundReason,
		Context:       octx,
	}
}

// MethodLimiter polices one upstream method's windows for one router.
// Either window may be absent.
type MethodLimiter struct {
	rdb      redis.UniversalClient
	endpoint string
	router   string
	method   string
	seconds  *WindowLimit
	minutes  *WindowLimit

	secondsKey string
	minutesKey string
	blockKey   string
}

func NewMethodLimiter(fp *Fingerprint, rdb redis.UniversalClient) *MethodLimiter {
	l := &MethodLimiter{
		rdb:      rdb,
		endpoint: fp.Endpoint,
		router:   fp.Router,
		method:   fp.Method,
		seconds:  fp.Seconds,
		minutes:  fp.Minutes,
		blockKey: methodBlockKey(fp.Router, fp.Method),
	}
	if fp.Seconds != nil {
		l.secondsKey = methodUsageKey(fp.Router, fp.Method, windowSeconds)
	}
	if fp.Minutes != nil {
		l.minutesKey = methodUsageKey(fp.Router, fp.Method, windowMinutes)
	}
	return l
}

func (l *MethodLimiter) Admit(ctx context.Context) error {
	if l.seconds == nil && l.minutes == nil {
		return &InvalidQuotaError{Endpoint: l.endpoint, Method: l.method}
	}

	var secondsLimit, secondsWindow, minutesLimit, minutesWindow, hasSeconds, hasMinutes int
	if l.seconds != nil {
		secondsLimit, secondsWindow, hasSeconds = l.seconds.Limit, l.seconds.Window, 1
	}
	if l.minutes != nil {
		minutesLimit, minutesWindow, hasMinutes = l.minutes.Limit, l.minutes.Window, 1
	}

	res, err := methodAdmitScript.Run(ctx, l.rdb,
		[]string{l.secondsKey, l.minutesKey, l.blockKey},
		secondsLimit, minutesLimit, secondsWindow, minutesWindow, hasSeconds, hasMinutes,
	).Slice()
	if err != nil {
		return fmt.Errorf("method admission script: %w", err)
	}
	verdict, err := parseAdmission(res)
	if err != nil {
		return fmt.Errorf("method admission script: %w", err)
	}
	if verdict.allowed {
		return nil
	}
	e := &MethodCooldownError{
		RetryAfter:  floorRetryAfter(verdict.retryAfter),
		Method:      l.method,
		SecondsKey:  l.secondsKey,
		MinutesKey:  l.minutesKey,
		Enforcement: EnforcementInternal,
		Router:      l.router,
		Endpoint:    l.endpoint,
		Reason:      violationReason(verdict.reason),
	}
	if l.seconds != nil {
		e.SecondsCount = verdict.secondsCount
		e.SecondsLimit = l.seconds.Limit
		e.SecondsWindow = l.seconds.Window
	}
	if l.minutes != nil {
		e.MinutesCount = verdict.minutesCount
		e.MinutesLimit = l.minutes.Limit
		e.MinutesWindow = l.minutes.Window
	}
	return e
}

// Absorb records an upstream-issued method cooldown; see
// ApplicationLimiter.Absorb.
func (l *MethodLimiter) Absorb(ctx context.Context, retryAfter int, octx *OffendingContext) error {
	if retryAfter <= 0 {
		retryAfter = DefaultCooldownSeconds
	}
	res, err := extendBlockScript.Run(ctx, l.rdb, []string{l.blockKey}, retryAfter).Slice()
	if err != nil {
		return fmt.Errorf("method cooldown script: %w", err)
	}
	existed, currentTTL, err := parseExtension(res)
	if err != nil {
		return fmt.Errorf("method cooldown script: %w", err)
	}
	effective := retryAfter
	if existed && currentTTL > effective {
		effective = currentTTL
	}
	e := &MethodCooldownError{
		RetryAfter:  effective,
		Method:      l.method,
		SecondsKey:  l.secondsKey,
		MinutesKey:  l.minutesKey,
		Enforcement: EnforcementExternal,
		Router:      l.router,
		Endpoint:    l.endpoint,
		Reason:      inboundReason,
		Context:     octx,
	}
	if l.seconds != nil {
		e.SecondsLimit = l.seconds.Limit
		e.SecondsWindow = l.seconds.Window
	}
	if l.minutes != nil {
		e.MinutesLimit = l.minutes.Limit
		e.MinutesWindow = l.minutes.Window
	}
	return e
}

// ServiceLimiter is cooldown-only: it has no usage counters and denies
// admission only while a service block marker exists.
type ServiceLimiter struct {
	rdb      redis.UniversalClient
	endpoint string
	router   string
	service  string
	key      string
}

func NewServiceLimiter(fp *Fingerprint, rdb redis.UniversalClient) *ServiceLimiter {
	return &ServiceLimiter{
		rdb:      rdb,
		endpoint: fp.Endpoint,
		router:   fp.Router,
		service:  fp.Service,
		key:      serviceBlockKey(fp.Router, fp.Service),
	}
}

func (l *ServiceLimiter) Admit(ctx context.Context) error {
	n, err := l.rdb.Exists(ctx, l.key).Result()
	if err != nil {
		return fmt.Errorf("service cooldown probe: %w", err)
	}
	if n == 0 {
		return nil
	}
	return &ServiceCooldownError{
		RetryAfter:  ServiceBlockSeconds,
		Service:     l.service,
		Enforcement: EnforcementInternal,
		Router:      l.router,
		Endpoint:    l.endpoint,
	}
}

// Absorb writes the fixed-length service block with create-if-absent
// semantics; an existing marker's TTL is never shortened.
func (l *ServiceLimiter) Absorb(ctx context.Context, octx *OffendingContext) error {
	if err := l.rdb.SetNX(ctx, l.key, 1, ServiceBlockSeconds*time.Second).Err(); err != nil {
		return fmt.Errorf("service cooldown write: %w", err)
	}
	return &ServiceCooldownError{
		RetryAfter:  ServiceBlockSeconds,
		Service:     l.service,
		Enforcement: EnforcementExternal,
		Router:      l.router,
		Endpoint:    l.endpoint,
		Context:     octx,
	}
}

// UnspecifiedLimiter covers cooldown responses the upstream failed to
// classify. It blocks the whole router until the marker expires.
type UnspecifiedLimiter struct {
	rdb      redis.UniversalClient
	endpoint string
	router   string
	service  string
	method   string
	key      string
}

func NewUnspecifiedLimiter(fp *Fingerprint, rdb redis.UniversalClient) *UnspecifiedLimiter {
	return &UnspecifiedLimiter{
		rdb:      rdb,
		endpoint: fp.Endpoint,
		router:   fp.Router,
		service:  fp.Service,
		method:   fp.Method,
		key:      unspecifiedBlockKey(fp.Router),
	}
}

func (l *UnspecifiedLimiter) Admit(ctx context.Context) error {
	pipe := l.rdb.Pipeline()
	existsCmd := pipe.Exists(ctx, l.key)
	ttlCmd := pipe.TTL(ctx, l.key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("unspecified cooldown probe: %w", err)
	}
	if existsCmd.Val() == 0 {
		return nil
	}
	remaining := floorRetryAfter(int(ttlCmd.Val() / time.Second))
	return &UnspecifiedCooldownError{
		RetryAfter:  remaining,
		Service:     l.service,
		Method:      l.method,
		Enforcement: EnforcementInternal,
		Router:      l.router,
		Endpoint:    l.endpoint,
	}
}

// Absorb writes the router-wide marker with create-if-absent semantics.
func (l *UnspecifiedLimiter) Absorb(ctx context.Context, retryAfter int, octx *OffendingContext) error {
	if retryAfter <= 0 {
		retryAfter = DefaultCooldownSeconds
	}
	if err := l.rdb.SetNX(ctx, l.key, 1, time.Duration(retryAfter)*time.Second).Err(); err != nil {
		return fmt.Errorf("unspecified cooldown write: %w", err)
	}
	return &UnspecifiedCooldownError{
		RetryAfter:  retryAfter,
		Service:     l.service,
		Method:      l.method,
		Enforcement: EnforcementExternal,
		Router:      l.router,
		Endpoint:    l.endpoint,
		Context:     octx,
	}
}
