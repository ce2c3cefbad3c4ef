package powersave

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTokenBucketCapacityFormula(t *testing.T) {
	b := NewTokenBucket(60, 2*time.Minute)
	require.Equal(t, int64(120), b.maxTokens)
	require.Equal(t, int64(120), b.tokens, "bucket starts full")
	require.Equal(t, int64(1000), b.refillPeriodMs)
}

func TestNewTokenBucketFloorsAtOneToken(t *testing.T) {
	b := NewTokenBucket(1, time.Second)
	assert.Equal(t, int64(1), b.maxTokens)
}

func TestSpendDrainsThenRefuses(t *testing.T) {
	b := NewTokenBucket(60, time.Second)
	require.Equal(t, int64(1), b.maxTokens)
	assert.True(t, b.Spend())
	assert.False(t, b.Spend(), "second spend in the same period must be refused")
}

func TestRefillAddsTokensAfterPeriodElapses(t *testing.T) {
	b := NewTokenBucket(60, time.Second)
	start := time.UnixMilli(0)
	b.lastPeriod = start.UnixMilli() / b.refillPeriodMs
	b.tokens = 0

	b.Refill(start.Add(500 * time.Millisecond))
	assert.Equal(t, int64(0), b.Tokens(), "half a period must not refill yet")

	b.Refill(start.Add(2 * time.Second))
	assert.Equal(t, int64(1), b.Tokens(), "capacity of 1 caps the refill")
}
