package ratelimit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testStore(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func mustClassify(t *testing.T, url string) *Fingerprint {
	t.Helper()
	fp, err := Classify(url)
	if err != nil {
		t.Fatalf("Classify(%s) failed: %v", url, err)
	}
	return fp
}

var testAppWindows = AppWindows{SecondsLimit: 5, SecondsWindow: 10, MinutesLimit: 100, MinutesWindow: 120}

func TestApplicationAdmitCreatesCounters(t *testing.T) {
	mr, rdb := testStore(t)
	fp := mustClassify(t, "https://na1.api.riotgames.com/lol/summoner/v4/summoners/by-puuid/abc")
	l := NewApplicationLimiter(fp, rdb, testAppWindows)

	if err := l.Admit(context.Background()); err != nil {
		t.Fatalf("expected admission, got %v", err)
	}
	if got, _ := mr.Get("app:na1:seconds"); got != "1" {
		t.Fatalf("expected seconds counter 1, got %q", got)
	}
	if got, _ := mr.Get("app:na1:minutes"); got != "1" {
		t.Fatalf("expected minutes counter 1, got %q", got)
	}
	if ttl := mr.TTL("app:na1:seconds"); ttl != 10*time.Second {
		t.Fatalf("expected seconds TTL 10s, got %v", ttl)
	}
	if ttl := mr.TTL("app:na1:minutes"); ttl != 120*time.Second {
		t.Fatalf("expected minutes TTL 120s, got %v", ttl)
	}
}

func TestApplicationAdmitDeniesAtSecondsLimit(t *testing.T) {
	mr, rdb := testStore(t)
	fp := mustClassify(t, "https://na1.api.riotgames.com/lol/summoner/v4/summoners/by-puuid/abc")
	l := NewApplicationLimiter(fp, rdb, AppWindows{SecondsLimit: 500, SecondsWindow: 10, MinutesLimit: 30000, MinutesWindow: 600})

	mr.Set("app:na1:seconds", "500")
	mr.SetTTL("app:na1:seconds", 7*time.Second)

	err := l.Admit(context.Background())
	var cooldown *ApplicationCooldownError
	if !errors.As(err, &cooldown) {
		t.Fatalf("expected ApplicationCooldownError, got %v", err)
	}
	if cooldown.Enforcement != EnforcementInternal {
		t.Fatalf("expected internal enforcement, got %s", cooldown.Enforcement)
	}
	if cooldown.RetryAfter != 7 {
		t.Fatalf("expected retry_after 7, got %d", cooldown.RetryAfter)
	}
	if !strings.Contains(cooldown.Reason, "seconds") {
		t.Fatalf("expected reason to mention seconds, got %q", cooldown.Reason)
	}
	if got, _ := mr.Get("app:na1:seconds"); got != "500" {
		t.Fatalf("denied admission must not increment, got %q", got)
	}
}

func TestApplicationAdmitDeniesWhileBlocked(t *testing.T) {
	mr, rdb := testStore(t)
	fp := mustClassify(t, "https://na1.api.riotgames.com/lol/summoner/v4/summoners/by-puuid/abc")
	l := NewApplicationLimiter(fp, rdb, testAppWindows)

	mr.Set("app-block:na1", "1")
	mr.SetTTL("app-block:na1", 30*time.Second)

	err := l.Admit(context.Background())
	var cooldown *ApplicationCooldownError
	if !errors.As(err, &cooldown) {
		t.Fatalf("expected ApplicationCooldownError, got %v", err)
	}
	if cooldown.RetryAfter != 30 {
		t.Fatalf("expected retry_after 30, got %d", cooldown.RetryAfter)
	}
	if !strings.Contains(cooldown.Reason, "blocking_key") {
		t.Fatalf("expected reason to mention blocking_key, got %q", cooldown.Reason)
	}
}

func TestApplicationCounterResurrection(t *testing.T) {
	mr, rdb := testStore(t)
	fp := mustClassify(t, "https://na1.api.riotgames.com/lol/summoner/v4/summoners/by-puuid/abc")
	l := NewApplicationLimiter(fp, rdb, AppWindows{SecondsLimit: 5, SecondsWindow: 2, MinutesLimit: 100, MinutesWindow: 120})

	ctx := context.Background()
	if err := l.Admit(ctx); err != nil {
		t.Fatalf("admit failed: %v", err)
	}
	if err := l.Admit(ctx); err != nil {
		t.Fatalf("admit failed: %v", err)
	}
	if got, _ := mr.Get("app:na1:seconds"); got != "2" {
		t.Fatalf("expected counter 2, got %q", got)
	}

	mr.FastForward(3 * time.Second)
	if mr.Exists("app:na1:seconds") {
		t.Fatal("expected seconds counter to expire")
	}

	if err := l.Admit(ctx); err != nil {
		t.Fatalf("admit after expiry failed: %v", err)
	}
	if got, _ := mr.Get("app:na1:seconds"); got != "1" {
		t.Fatalf("expected resurrected counter 1, got %q", got)
	}
	if ttl := mr.TTL("app:na1:seconds"); ttl != 2*time.Second {
		t.Fatalf("expected full window TTL 2s, got %v", ttl)
	}
}

func TestApplicationAbsorbExtendsMonotonically(t *testing.T) {
	mr, rdb := testStore(t)
	fp := mustClassify(t, "https://na1.api.riotgames.com/lol/summoner/v4/summoners/by-puuid/abc")
	l := NewApplicationLimiter(fp, rdb, testAppWindows)
	ctx := context.Background()

	err := l.Absorb(ctx, 30, nil)
	var cooldown *ApplicationCooldownError
	if !errors.As(err, &cooldown) {
		t.Fatalf("expected ApplicationCooldownError, got %v", err)
	}
	if cooldown.RetryAfter != 30 || cooldown.Enforcement != EnforcementExternal {
		t.Fatalf("expected external retry_after 30, got %+v", cooldown)
	}
	if ttl := mr.TTL("app-block:na1"); ttl != 30*time.Second {
		t.Fatalf("expected block TTL 30s, got %v", ttl)
	}

	// A shorter cooldown must not shrink the marker; the caller still
	// waits for the longest pending cooldown.
	err = l.Absorb(ctx, 10, nil)
	if !errors.As(err, &cooldown) {
		t.Fatalf("expected ApplicationCooldownError, got %v", err)
	}
	if cooldown.RetryAfter != 30 {
		t.Fatalf("expected effective retry_after 30, got %d", cooldown.RetryAfter)
	}
	if ttl := mr.TTL("app-block:na1"); ttl != 30*time.Second {
		t.Fatalf("expected block TTL to stay 30s, got %v", ttl)
	}

	err = l.Absorb(ctx, 60, nil)
	if !errors.As(err, &cooldown) {
		t.Fatalf("expected ApplicationCooldownError, got %v", err)
	}
	if cooldown.RetryAfter != 60 {
		t.Fatalf("expected effective retry_after 60, got %d", cooldown.RetryAfter)
	}
	if ttl := mr.TTL("app-block:na1"); ttl != 60*time.Second {
		t.Fatalf("expected block TTL 60s, got %v", ttl)
	}
}

func TestApplicationAbsorbDefaultsRetryAfter(t *testing.T) {
	mr, rdb := testStore(t)
	fp := mustClassify(t, "https://na1.api.riotgames.com/lol/summoner/v4/summoners/by-puuid/abc")
	l := NewApplicationLimiter(fp, rdb, testAppWindows)

	err := l.Absorb(context.Background(), 0, nil)
	var cooldown *ApplicationCooldownError
	if !errors.As(err, &cooldown) {
		t.Fatalf("expected ApplicationCooldownError, got %v", err)
	}
	if cooldown.RetryAfter != DefaultCooldownSeconds {
		t.Fatalf("expected retry_after %d, got %d", DefaultCooldownSeconds, cooldown.RetryAfter)
	}
	if ttl := mr.TTL("app-block:na1"); ttl != DefaultCooldownSeconds*time.Second {
		t.Fatalf("expected block TTL %ds, got %v", DefaultCooldownSeconds, ttl)
	}
}

func TestMethodAdmitPolicesOnlyPresentWindows(t *testing.T) {
	mr, rdb := testStore(t)
	fp := mustClassify(t, "https://kr.api.riotgames.com/lol/match/v5/matches/KR_1")
	l := NewMethodLimiter(fp, rdb)

	if err := l.Admit(context.Background()); err != nil {
		t.Fatalf("expected admission, got %v", err)
	}
	if got, _ := mr.Get("meth:kr:/lol/match/v5/matches:seconds"); got != "1" {
		t.Fatalf("expected seconds counter 1, got %q", got)
	}
	if ttl := mr.TTL("meth:kr:/lol/match/v5/matches:seconds"); ttl != 10*time.Second {
		t.Fatalf("expected TTL 10s, got %v", ttl)
	}
	if mr.Exists("meth:kr:/lol/match/v5/matches:minutes") {
		t.Fatal("minutes counter must not exist for a seconds-only method")
	}
}

func TestMethodAdmitDeniesAtLimit(t *testing.T) {
	mr, rdb := testStore(t)
	// challenger leagues: 30 per 10s and 500 per 600s.
	fp := mustClassify(t, "https://na1.api.riotgames.com/lol/league/v4/challengerleagues/by-queue/RANKED_SOLO_5x5")
	l := NewMethodLimiter(fp, rdb)

	key := "meth:na1:/lol/league/v4/challengerleagues/by-queue:seconds"
	mr.Set(key, "30")
	mr.SetTTL(key, 4*time.Second)

	err := l.Admit(context.Background())
	var cooldown *MethodCooldownError
	if !errors.As(err, &cooldown) {
		t.Fatalf("expected MethodCooldownError, got %v", err)
	}
	if cooldown.RetryAfter != 4 || cooldown.Enforcement != EnforcementInternal {
		t.Fatalf("expected internal retry_after 4, got %+v", cooldown)
	}
	if cooldown.Method != "/lol/league/v4/challengerleagues/by-queue" {
		t.Fatalf("unexpected method %s", cooldown.Method)
	}
	if cooldown.SecondsCount != 30 || cooldown.SecondsLimit != 30 {
		t.Fatalf("expected count/limit 30/30, got %d/%d", cooldown.SecondsCount, cooldown.SecondsLimit)
	}
}

func TestMethodAdmitRejectsWindowlessFingerprint(t *testing.T) {
	_, rdb := testStore(t)
	fp := &Fingerprint{
		Endpoint: "https://na1.api.riotgames.com/x",
		Router:   "na1",
		Service:  ServiceSummoner,
		Method:   "/broken",
	}
	l := NewMethodLimiter(fp, rdb)

	err := l.Admit(context.Background())
	var invalid *InvalidQuotaError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidQuotaError, got %v", err)
	}
}

func TestMethodAbsorbWritesBlock(t *testing.T) {
	mr, rdb := testStore(t)
	fp := mustClassify(t, "https://kr.api.riotgames.com/lol/match/v5/matches/KR_1")
	l := NewMethodLimiter(fp, rdb)

	octx := &OffendingContext{Body: `{"status":{"status_code":429}}`}
	err := l.Absorb(context.Background(), 31, octx)
	var cooldown *MethodCooldownError
	if !errors.As(err, &cooldown) {
		t.Fatalf("expected MethodCooldownError, got %v", err)
	}
	if cooldown.RetryAfter != 31 || cooldown.Enforcement != EnforcementExternal {
		t.Fatalf("expected external retry_after 31, got %+v", cooldown)
	}
	if cooldown.Context == nil {
		t.Fatal("expected offending context to be carried")
	}
	if ttl := mr.TTL("meth-block:kr:/lol/match/v5/matches"); ttl != 31*time.Second {
		t.Fatalf("expected block TTL 31s, got %v", ttl)
	}
}

func TestServiceLimiterFixedBlock(t *testing.T) {
	mr, rdb := testStore(t)
	fp := mustClassify(t, "https://europe.api.riotgames.com/lol/match/v5/matches/EUW1_77")
	l := NewServiceLimiter(fp, rdb)
	ctx := context.Background()

	if err := l.Admit(ctx); err != nil {
		t.Fatalf("expected admission with no marker, got %v", err)
	}

	err := l.Absorb(ctx, nil)
	var cooldown *ServiceCooldownError
	if !errors.As(err, &cooldown) {
		t.Fatalf("expected ServiceCooldownError, got %v", err)
	}
	if cooldown.RetryAfter != ServiceBlockSeconds || cooldown.Enforcement != EnforcementExternal {
		t.Fatalf("expected external retry_after %d, got %+v", ServiceBlockSeconds, cooldown)
	}
	if ttl := mr.TTL("svc-block:europe:MATCH-V5"); ttl != ServiceBlockSeconds*time.Second {
		t.Fatalf("expected block TTL %ds, got %v", ServiceBlockSeconds, ttl)
	}

	err = l.Admit(ctx)
	if !errors.As(err, &cooldown) {
		t.Fatalf("expected denial while blocked, got %v", err)
	}
	if cooldown.Enforcement != EnforcementInternal || cooldown.RetryAfter != ServiceBlockSeconds {
		t.Fatalf("expected internal retry_after %d, got %+v", ServiceBlockSeconds, cooldown)
	}
}

func TestServiceAbsorbNeverShortensMarker(t *testing.T) {
	mr, rdb := testStore(t)
	fp := mustClassify(t, "https://europe.api.riotgames.com/lol/match/v5/matches/EUW1_77")
	l := NewServiceLimiter(fp, rdb)

	mr.Set("svc-block:europe:MATCH-V5", "1")
	mr.SetTTL("svc-block:europe:MATCH-V5", 50*time.Second)

	if err := l.Absorb(context.Background(), nil); err == nil {
		t.Fatal("absorb must always surface the cooldown")
	}
	if ttl := mr.TTL("svc-block:europe:MATCH-V5"); ttl != 50*time.Second {
		t.Fatalf("create-if-absent write must leave the marker alone, got TTL %v", ttl)
	}
}

func TestUnspecifiedLimiter(t *testing.T) {
	mr, rdb := testStore(t)
	fp := mustClassify(t, "https://kr.api.riotgames.com/lol/match/v5/matches/KR_1")
	l := NewUnspecifiedLimiter(fp, rdb)
	ctx := context.Background()

	if err := l.Admit(ctx); err != nil {
		t.Fatalf("expected admission with no marker, got %v", err)
	}

	err := l.Absorb(ctx, 25, nil)
	var cooldown *UnspecifiedCooldownError
	if !errors.As(err, &cooldown) {
		t.Fatalf("expected UnspecifiedCooldownError, got %v", err)
	}
	if cooldown.RetryAfter != 25 || cooldown.Enforcement != EnforcementExternal {
		t.Fatalf("expected external retry_after 25, got %+v", cooldown)
	}
	if ttl := mr.TTL("unspec-block:kr"); ttl != 25*time.Second {
		t.Fatalf("expected marker TTL 25s, got %v", ttl)
	}

	err = l.Admit(ctx)
	if !errors.As(err, &cooldown) {
		t.Fatalf("expected denial while blocked, got %v", err)
	}
	if cooldown.RetryAfter != 25 {
		t.Fatalf("expected denial retry_after 25, got %d", cooldown.RetryAfter)
	}
	if cooldown.Service != ServiceMatch || cooldown.Method != "/lol/match/v5/matches" {
		t.Fatalf("expected diagnostics for the classified method, got %+v", cooldown)
	}
}

func TestUnspecifiedDenialFloorsRetryAfter(t *testing.T) {
	mr, rdb := testStore(t)
	fp := mustClassify(t, "https://kr.api.riotgames.com/lol/match/v5/matches/KR_1")
	l := NewUnspecifiedLimiter(fp, rdb)

	mr.Set("unspec-block:kr", "1")
	mr.SetTTL("unspec-block:kr", 500*time.Millisecond)

	err := l.Admit(context.Background())
	var cooldown *UnspecifiedCooldownError
	if !errors.As(err, &cooldown) {
		t.Fatalf("expected UnspecifiedCooldownError, got %v", err)
	}
	if cooldown.RetryAfter != 1 {
		t.Fatalf("expected floored retry_after 1, got %d", cooldown.RetryAfter)
	}
}

func TestUnspecifiedAbsorbDefaultsRetryAfter(t *testing.T) {
	mr, rdb := testStore(t)
	fp := mustClassify(t, "https://kr.api.riotgames.com/lol/match/v5/matches/KR_1")
	l := NewUnspecifiedLimiter(fp, rdb)

	err := l.Absorb(context.Background(), 0, nil)
	var cooldown *UnspecifiedCooldownError
	if !errors.As(err, &cooldown) {
		t.Fatalf("expected UnspecifiedCooldownError, got %v", err)
	}
	if cooldown.RetryAfter != DefaultCooldownSeconds {
		t.Fatalf("expected retry_after %d, got %d", DefaultCooldownSeconds, cooldown.RetryAfter)
	}
	if ttl := mr.TTL("unspec-block:kr"); ttl != DefaultCooldownSeconds*time.Second {
		t.Fatalf("expected marker TTL %ds, got %v", DefaultCooldownSeconds, ttl)
	}
}

func TestApplicationAdmitAtomicUnderContention(t *testing.T) {
	mr, rdb := testStore(t)
	fp := mustClassify(t, "https://na1.api.riotgames.com/lol/summoner/v4/summoners/by-puuid/abc")
	l := NewApplicationLimiter(fp, rdb, testAppWindows)

	const workers = 25
	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Admit(context.Background()); err == nil {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := admitted.Load(); got != int64(testAppWindows.SecondsLimit) {
		t.Fatalf("expected exactly %d admissions, got %d", testAppWindows.SecondsLimit, got)
	}
	if v, _ := mr.Get("app:na1:seconds"); v != "5" {
		t.Fatalf("expected counter 5, got %q", v)
	}
}
