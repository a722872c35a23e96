package ratelimit

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Response headers carrying rate-limit state.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderResetAfter = "X-RateLimit-Reset-After"
	HeaderBucket     = "X-RateLimit-Bucket"
	HeaderGlobal     = "X-RateLimit-Global"
	HeaderScope      = "X-RateLimit-Scope"
	HeaderRetryAfter = "Retry-After"
)

// Scopes reported in X-RateLimit-Scope on 429 responses.
const (
	ScopeUser   = "user"
	ScopeGlobal = "global"
	ScopeShared = "shared"
)

// Headers is the parsed rate-limit information of one response.
type Headers struct {
	Bucket     string
	Limit      int
	Remaining  int
	ResetAt    time.Time // Absolute time the window replenishes
	HasLimits  bool      // Limit, Remaining and a reset were all present
	Global     bool
	Scope      string
	RetryAfter time.Duration // Only meaningful on 429
}

// tooManyRequestsBody is the JSON body of a 429.
type tooManyRequestsBody struct {
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retry_after"`
	Global     bool    `json:"global"`
}

// ParseHeaders extracts rate-limit state from a response. The body is only
// inspected for 429 responses, where it may carry a more precise retry_after
// than the Retry-After header.
func ParseHeaders(status int, h http.Header, body []byte, now time.Time) Headers {
	out := Headers{
		Bucket: strings.TrimSpace(h.Get(HeaderBucket)),
		Scope:  strings.ToLower(strings.TrimSpace(h.Get(HeaderScope))),
		Global: strings.EqualFold(h.Get(HeaderGlobal), "true"),
	}

	limit, okLimit := parseInt(h.Get(HeaderLimit))
	remaining, okRemaining := parseInt(h.Get(HeaderRemaining))
	resetAt, okReset := parseReset(h, now)
	if okLimit && okRemaining && okReset {
		out.Limit = limit
		out.Remaining = remaining
		out.ResetAt = resetAt
		out.HasLimits = true
	}

	if status != http.StatusTooManyRequests {
		return out
	}

	if secs, ok := parseSeconds(h.Get(HeaderRetryAfter)); ok {
		out.RetryAfter = secs
	}
	var b tooManyRequestsBody
	if len(body) > 0 && json.Unmarshal(body, &b) == nil {
		if b.RetryAfter > 0 {
			out.RetryAfter = floatSeconds(b.RetryAfter)
		}
		if b.Global {
			out.Global = true
		}
	}
	if out.RetryAfter == 0 && okReset {
		out.RetryAfter = resetAt.Sub(now)
	}
	if out.Scope == ScopeGlobal {
		out.Global = true
	}
	if out.RetryAfter < 0 {
		out.RetryAfter = 0
	}

	return out
}

// parseReset prefers the relative Reset-After header, which does not depend
// on clock agreement with the server.
func parseReset(h http.Header, now time.Time) (time.Time, bool) {
	if d, ok := parseSeconds(h.Get(HeaderResetAfter)); ok {
		return now.Add(d), true
	}
	v := strings.TrimSpace(h.Get(HeaderReset))
	if v == "" {
		return time.Time{}, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return time.Time{}, false
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)), true
}

func parseInt(v string) (int, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func parseSeconds(v string) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return 0, false
	}
	return floatSeconds(f), true
}

func floatSeconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
