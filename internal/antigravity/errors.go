package antigravity

import (
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/qyb/claude-relay-service/internal/jsonx"
)

// Reason classifies a backend failure into the buckets the retry machinery
// distinguishes between.
type Reason int

const (
	ReasonUnknown Reason = iota
	ReasonQuotaExhausted
	ReasonRateLimitExceeded
	ReasonCapacityExhausted
	ReasonModelUnavailable
	ReasonServerError
	ReasonSchemaRejected
	ReasonSignatureRejected
)

func (r Reason) String() string {
	switch r {
	case ReasonQuotaExhausted:
		return "QUOTA_EXHAUSTED"
	case ReasonRateLimitExceeded:
		return "RATE_LIMIT_EXCEEDED"
	case ReasonCapacityExhausted:
		return "MODEL_CAPACITY_EXHAUSTED"
	case ReasonModelUnavailable:
		return "MODEL_UNAVAILABLE"
	case ReasonServerError:
		return "SERVER_ERROR"
	case ReasonSchemaRejected:
		return "SCHEMA_REJECTED"
	case ReasonSignatureRejected:
		return "SIGNATURE_REJECTED"
	default:
		return "UNKNOWN"
	}
}

// Default backoffs by reason when the backend advertises no delay.
const (
	defaultQuotaExhaustedDelay = time.Hour
	defaultRateLimitDelay      = 30 * time.Second
	defaultServerErrorDelay    = 20 * time.Second
	defaultUnknownDelay        = 60 * time.Second
	minRetryDelay              = 2 * time.Second

	jitterFactor = 0.2
)

// Classification is the pure-function result of sniffing an error body.
type Classification struct {
	StatusCode int
	Reason     Reason
	RetryDelay time.Duration
	Message    string
}

// RetryDelayMs is RetryDelay in whole milliseconds.
func (c Classification) RetryDelayMs() int64 {
	return c.RetryDelay.Milliseconds()
}

// rpcError mirrors the Google RPC error body shape.
type rpcError struct {
	Error struct {
		Code    int    `json:"code"`
		Status  string `json:"status"`
		Message string `json:"message"`
		Details []struct {
			Type       string `json:"@type"`
			Reason     string `json:"reason"`
			RetryDelay string `json:"retryDelay"`
			Metadata   struct {
				Reason          string `json:"reason"`
				QuotaResetDelay string `json:"quotaResetDelay"`
				Model           string `json:"model"`
			} `json:"metadata"`
		} `json:"details"`
	} `json:"error"`
}

// Classify parses a backend error body into a reason and a retry delay. It
// never fails; unparseable bodies fall back to text sniffing.
func Classify(statusCode int, body []byte) Classification {
	c := Classification{StatusCode: statusCode}

	var parsed rpcError
	if err := jsonx.SafeUnmarshal(body, &parsed); err == nil {
		c.Message = parsed.Error.Message
		for _, d := range parsed.Error.Details {
			reason := d.Reason
			if reason == "" {
				reason = d.Metadata.Reason
			}
			switch reason {
			case "QUOTA_EXHAUSTED":
				c.Reason = ReasonQuotaExhausted
			case "RATE_LIMIT_EXCEEDED":
				c.Reason = ReasonRateLimitExceeded
			case "MODEL_CAPACITY_EXHAUSTED":
				c.Reason = ReasonCapacityExhausted
			}
			if strings.Contains(d.Type, "RetryInfo") && d.RetryDelay != "" {
				if delay := parseDurationString(d.RetryDelay); delay > 0 && c.RetryDelay == 0 {
					c.RetryDelay = delay
				}
			}
			if d.Metadata.QuotaResetDelay != "" && c.RetryDelay == 0 {
				c.RetryDelay = parseDurationString(d.Metadata.QuotaResetDelay)
			}
		}
	}

	if c.Reason == ReasonUnknown {
		c.Reason = sniffReason(statusCode, string(body))
	}
	return c
}

func sniffReason(statusCode int, body string) Reason {
	lower := strings.ToLower(body)
	switch {
	case statusCode >= 500:
		return ReasonServerError
	case statusCode == 400 && isSignatureRejectionText(lower):
		return ReasonSignatureRejected
	case statusCode == 400 && isSchemaRejectionText(lower):
		return ReasonSchemaRejected
	case isModelUnavailableText(lower):
		return ReasonModelUnavailable
	case statusCode != 429:
		return ReasonUnknown
	case strings.Contains(lower, "no capacity"), strings.Contains(lower, "capacity"):
		return ReasonCapacityExhausted
	case strings.Contains(lower, "quota"), strings.Contains(lower, "exhausted"):
		return ReasonQuotaExhausted
	case strings.Contains(lower, "rate limit"), strings.Contains(lower, "too many requests"):
		return ReasonRateLimitExceeded
	default:
		return ReasonUnknown
	}
}

func isModelUnavailableText(lower string) bool {
	return strings.Contains(lower, "model is unavailable") ||
		strings.Contains(lower, "model unavailable") ||
		strings.Contains(lower, "model not found") ||
		strings.Contains(lower, "is not found")
}

func isSchemaRejectionText(lower string) bool {
	return strings.Contains(lower, "invalid json payload") ||
		strings.Contains(lower, "unknown name") ||
		strings.Contains(lower, "function_declarations") ||
		strings.Contains(lower, "tool_use") ||
		strings.Contains(lower, "tool_result")
}

func isSignatureRejectionText(lower string) bool {
	return strings.Contains(lower, "thought_signature") ||
		strings.Contains(lower, "thoughtsignature") ||
		strings.Contains(lower, "signature verification") ||
		strings.Contains(lower, "must start with thinking")
}

// DefaultDelay maps a reason onto its fallback backoff.
func (r Reason) DefaultDelay() time.Duration {
	switch r {
	case ReasonQuotaExhausted:
		return defaultQuotaExhaustedDelay
	case ReasonRateLimitExceeded:
		return defaultRateLimitDelay
	case ReasonServerError:
		return defaultServerErrorDelay
	default:
		return defaultUnknownDelay
	}
}

// EffectiveDelay returns the advertised delay, or the reason default, with
// the safety floor applied.
func (c Classification) EffectiveDelay() time.Duration {
	delay := c.RetryDelay
	if delay == 0 {
		delay = c.Reason.DefaultDelay()
	}
	if delay < minRetryDelay {
		delay = minRetryDelay
	}
	return delay
}

// ApplyJitter spreads retries by ±20% to avoid thundering-herd wakeups.
func ApplyJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return delay
	}
	jitter := (rand.Float64()*2 - 1) * float64(delay) * jitterFactor
	result := time.Duration(float64(delay) + jitter)
	if result < time.Millisecond {
		result = time.Millisecond
	}
	return result
}

// parseDurationString accepts the backend's duration spellings: "0.85s",
// "373ms", "2m30s", or a bare number of seconds.
func parseDurationString(s string) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return 0
}
