package ratelimit

import (
	"fmt"
	"sort"
	"strings"
)

const (
	ansiRed   = "\x1b[31m"
	ansiReset = "\x1b[0m"

	bodyWrapWidth = 100
	bodyMaxLines  = 30
)

// Render yields an operator-readable multiline rendering of a governor
// error, colorized for terminals. Network faults and unknown error types fall
// back to their Error string.
func Render(err error) string {
	switch e := err.(type) {
	case *ApplicationCooldownError:
		lines := []string{
			"ApplicationCooldownExceeded:",
			fmt.Sprintf("  retry_after: %d", e.RetryAfter),
			fmt.Sprintf("  seconds_key: %s", e.SecondsKey),
			fmt.Sprintf("  seconds_count: %s", countOrUpstream(e.SecondsCount)),
			fmt.Sprintf("  seconds_limit: %d", e.SecondsLimit),
			fmt.Sprintf("  seconds_window: %d seconds", e.SecondsWindow),
			fmt.Sprintf("  minutes_key: %s", e.MinutesKey),
			fmt.Sprintf("  minutes_count: %s", countOrUpstream(e.MinutesCount)),
			fmt.Sprintf("  minutes_limit: %d", e.MinutesLimit),
			fmt.Sprintf("  minutes_window: %d seconds", e.MinutesWindow),
			fmt.Sprintf("  enforcement: %s", e.Enforcement),
			fmt.Sprintf("  router: %s", e.Router),
			fmt.Sprintf("  endpoint: %s", e.Endpoint),
			fmt.Sprintf("  reason: %s", e.Reason),
		}
		return paint(append(lines, contextLines(e.Context)...))
	case *MethodCooldownError:
		lines := []string{
			"MethodCooldownExceeded:",
			fmt.Sprintf("  retry_after: %d", e.RetryAfter),
			fmt.Sprintf("  method: %s", e.Method),
			fmt.Sprintf("  seconds_key: %s", e.SecondsKey),
			fmt.Sprintf("  seconds_count: %s", countOrUpstream(e.SecondsCount)),
			fmt.Sprintf("  seconds_limit: %d", e.SecondsLimit),
			fmt.Sprintf("  seconds_window: %d seconds", e.SecondsWindow),
			fmt.Sprintf("  minutes_key: %s", e.MinutesKey),
			fmt.Sprintf("  minutes_count: %s", countOrUpstream(e.MinutesCount)),
			fmt.Sprintf("  minutes_limit: %d", e.MinutesLimit),
			fmt.Sprintf("  minutes_window: %d seconds", e.MinutesWindow),
			fmt.Sprintf("  enforcement: %s", e.Enforcement),
			fmt.Sprintf("  router: %s", e.Router),
			fmt.Sprintf("  endpoint: %s", e.Endpoint),
			fmt.Sprintf("  reason: %s", e.Reason),
		}
		return paint(append(lines, contextLines(e.Context)...))
	case *ServiceCooldownError:
		lines := []string{
			"ServiceCooldownExceeded:",
			fmt.Sprintf("  retry_after: %d", e.RetryAfter),
			fmt.Sprintf("  service: %s", e.Service),
			fmt.Sprintf("  enforcement: %s", e.Enforcement),
			fmt.Sprintf("  router: %s", e.Router),
			fmt.Sprintf("  endpoint: %s", e.Endpoint),
		}
		return paint(append(lines, contextLines(e.Context)...))
	case *UnspecifiedCooldownError:
		lines := []string{
			"UnspecifiedCooldownExceeded:",
			fmt.Sprintf("  retry_after: %d", e.RetryAfter),
			fmt.Sprintf("  service: %s", e.Service),
			fmt.Sprintf("  method: %s", e.Method),
			fmt.Sprintf("  enforcement: %s", e.Enforcement),
			fmt.Sprintf("  router: %s", e.Router),
			fmt.Sprintf("  endpoint: %s", e.Endpoint),
		}
		return paint(append(lines, contextLines(e.Context)...))
	case *APIError:
		lines := []string{
			"UpstreamAPIError:",
			fmt.Sprintf("  status: %d", e.Status),
			fmt.Sprintf("  router: %s", e.Router),
			fmt.Sprintf("  service: %s", e.Service),
			fmt.Sprintf("  method: %s", e.Method),
			fmt.Sprintf("  endpoint: %s", e.Endpoint),
			fmt.Sprintf("  body: %s", e.Body),
		}
		return paint(append(lines, contextLines(e.Context)...))
	case *NetworkError:
		return err.Error()
	}
	return err.Error()
}

func paint(lines []string) string {
	return ansiRed + strings.Join(lines, "\n") + ansiReset
}

// Internal denials know the observed counts; external ones defer to the
// upstream's headers.
func countOrUpstream(count int) string {
	if count == 0 {
		return "N/A - upstream headers source of truth"
	}
	return fmt.Sprintf("%d", count)
}

// contextLines pretty-prints an offending response: headers one key per
// line, body wrapped at 100 characters and capped at 30 lines.
func contextLines(octx *OffendingContext) []string {
	if octx == nil {
		return nil
	}
	lines := []string{"  offending_context:", "    Headers:"}

	keys := make([]string, 0, len(octx.Headers))
	for k := range octx.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("      %s: %s", k, strings.Join(octx.Headers[k], ", ")))
	}

	lines = append(lines, "    Body:")
	wrapped := wrap(octx.Body, bodyWrapWidth)
	if len(wrapped) > bodyMaxLines {
		wrapped = wrapped[:bodyMaxLines]
		wrapped = append(wrapped, "... (truncated)")
	}
	for _, ln := range wrapped {
		lines = append(lines, "      "+ln)
	}
	return lines
}

func wrap(s string, width int) []string {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return nil
	}
	var out []string
	for len(s) > width {
		out = append(out, s[:width])
		s = s[width:]
	}
	return append(out, s)
}
