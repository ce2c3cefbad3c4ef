package powersave

import "time"

// TokenBucket paces suspend/resume transitions to a configured per-minute
// rate without ever blocking a cycle: a token is spent per transition and
// refilled on a fixed period derived from the rate, so a burst of eligible
// nodes still drains at the configured pace across cycles.
//
// No ecosystem rate-limiter fit this: the bucket's capacity and refill
// period are derived from operator-facing "nodes per minute" config using
// the exact formulas below, not golang.org/x/time/rate's token/sec model
// (see DESIGN.md).
type TokenBucket struct {
	maxTokens      int64
	refillCount    int64
	refillPeriodMs int64
	lastPeriod     int64
	tokens         int64
}

// NewTokenBucket builds a bucket for a rate expressed in nodes per minute.
// effectiveMaxInterval bounds how large a single burst may be: capacity is
// the number of nodes the rate could process across that interval, floored
// at 1 so a misconfigured rate never wedges the controller entirely.
func NewTokenBucket(ratePerMinute int, effectiveMaxInterval time.Duration) *TokenBucket {
	if ratePerMinute <= 0 {
		ratePerMinute = 1
	}
	maxTokens := int64(ratePerMinute) * int64(effectiveMaxInterval/time.Second) / 60
	if maxTokens < 1 {
		maxTokens = 1
	}
	return &TokenBucket{
		maxTokens:      maxTokens,
		refillCount:    1,
		refillPeriodMs: 60000 / int64(ratePerMinute),
		tokens:         maxTokens,
	}
}

// Refill adds one refillCount token for every refillPeriodMs elapsed since
// the last refill, saturating at maxTokens.
func (b *TokenBucket) Refill(now time.Time) {
	nowPeriod := now.UnixMilli() / b.refillPeriodMs
	if nowPeriod <= b.lastPeriod {
		return
	}
	b.tokens += (nowPeriod - b.lastPeriod) * b.refillCount
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	b.lastPeriod = nowPeriod
}

// Spend consumes one token if available, reporting whether it did.
func (b *TokenBucket) Spend() bool {
	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

// Tokens returns the current balance, for metrics reporting.
func (b *TokenBucket) Tokens() int64 { return b.tokens }
