package ratelimit

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
)

func TestRenderApplicationCooldown(t *testing.T) {
	err := &ApplicationCooldownError{
		RetryAfter:    31,
		SecondsKey:    "app:na1:seconds",
		SecondsLimit:  500,
		SecondsWindow: 10,
		MinutesKey:    "app:na1:minutes",
		MinutesLimit:  30000,
		MinutesWindow: 600,
		Enforcement:   EnforcementExternal,
		Router:        "na1",
		Endpoint:      "https://na1.api.riotgames.com/lol/summoner/v4/summoners/by-puuid/abc",
		Reason:        "inbound cooldown response experienced",
		Context: &OffendingContext{
			Headers: http.Header{
				"Retry-After":       []string{"30"},
				"X-Rate-Limit-Type": []string{"application"},
			},
			Body: `{"status":{"message":"Rate limit exceeded","status_code":429}}`,
		},
	}

	out := Render(err)
	for _, want := range []string{
		"ApplicationCooldownExceeded:",
		"retry_after: 31",
		"enforcement: external",
		"router: na1",
		"Retry-After: 30",
		"X-Rate-Limit-Type: application",
		"N/A - upstream headers source of truth",
		"offending_context:",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected rendering to contain %q:\n%s", want, out)
		}
	}
	if !strings.HasPrefix(out, "\x1b[31m") || !strings.HasSuffix(out, "\x1b[0m") {
		t.Fatal("expected colorized rendering")
	}
}

func TestRenderWrapsAndCapsBody(t *testing.T) {
	err := &ServiceCooldownError{
		RetryAfter:  68,
		Service:     ServiceMatch,
		Enforcement: EnforcementExternal,
		Router:      "americas",
		Endpoint:    "https://americas.api.riotgames.com/lol/match/v5/matches/NA1_1",
		Context: &OffendingContext{
			Headers: http.Header{},
			Body:    strings.Repeat("x", 100*40),
		},
	}

	out := Render(err)
	lines := strings.Split(out, "\n")
	var bodyLines []string
	inBody := false
	for _, ln := range lines {
		if strings.Contains(ln, "Body:") {
			inBody = true
			continue
		}
		if inBody {
			bodyLines = append(bodyLines, ln)
		}
	}
	// 30 wrapped lines plus the truncation marker.
	if len(bodyLines) != 31 {
		t.Fatalf("expected 31 body lines, got %d", len(bodyLines))
	}
	if !strings.Contains(bodyLines[30], "truncated") {
		t.Fatalf("expected truncation marker, got %q", bodyLines[30])
	}
	for _, ln := range bodyLines[:30] {
		if len(strings.TrimSpace(ln)) > 100 {
			t.Fatalf("body line exceeds wrap width: %d chars", len(strings.TrimSpace(ln)))
		}
	}
}

func TestRenderFallsBackToErrorString(t *testing.T) {
	err := &UnknownServiceError{Endpoint: "https://na1.api.riotgames.com/unknown"}
	if got := Render(err); got != err.Error() {
		t.Fatalf("expected fallback to Error(), got %q", got)
	}
}

func TestCooldownErrorsMarshal(t *testing.T) {
	err := &MethodCooldownError{
		RetryAfter:   4,
		Method:       "/lol/league/v4/challengerleagues/by-queue",
		SecondsKey:   "meth:na1:/lol/league/v4/challengerleagues/by-queue:seconds",
		SecondsCount: 30,
		SecondsLimit: 30,
		Enforcement:  EnforcementInternal,
		Router:       "na1",
		Endpoint:     "https://na1.api.riotgames.com/lol/league/v4/challengerleagues/by-queue/RANKED_SOLO_5x5",
		Reason:       "the \"seconds\" key count/limit/existence was violated",
	}

	raw, merr := json.Marshal(err)
	if merr != nil {
		t.Fatalf("marshal failed: %v", merr)
	}
	var decoded map[string]interface{}
	if uerr := json.Unmarshal(raw, &decoded); uerr != nil {
		t.Fatalf("unmarshal failed: %v", uerr)
	}
	if decoded["retry_after"].(float64) != 4 {
		t.Fatalf("expected retry_after 4, got %v", decoded["retry_after"])
	}
	if decoded["enforcement"] != "internal" {
		t.Fatalf("expected internal enforcement, got %v", decoded["enforcement"])
	}
	if _, ok := decoded["minutes_limit"]; ok {
		t.Fatal("absent minutes window must be omitted from JSON")
	}
	if _, ok := decoded["offending_context"]; ok {
		t.Fatal("internal denial must not carry offending context")
	}
}
