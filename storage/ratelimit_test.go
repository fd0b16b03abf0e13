package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testPolicy = RateLimitPolicy{Limit: 3, Window: time.Hour, Cooldown: 30 * time.Minute}

func TestStepRateLimitFresh(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := RateLimitCounter{UserID: "u"}

	res, mutated := StepRateLimit(&c, false, now, testPolicy)
	require.True(t, mutated)
	require.True(t, res.Allowed)
	require.Equal(t, 1, c.AnnounceCount)
	require.True(t, now.Equal(c.LastCheckedAt))
	require.Nil(t, c.CooldownUntil)
}

func TestStepRateLimitLockout(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := RateLimitCounter{UserID: "u"}
	found := false

	for i := 0; i < testPolicy.Limit; i++ {
		res, _ := StepRateLimit(&c, found, now.Add(time.Duration(i)*time.Second), testPolicy)
		require.True(t, res.Allowed, "announce %d should be allowed", i+1)
		found = true
	}
	require.Equal(t, testPolicy.Limit, c.AnnounceCount)

	over := now.Add(10 * time.Second)
	res, mutated := StepRateLimit(&c, true, over, testPolicy)
	require.True(t, mutated)
	require.False(t, res.Allowed)
	require.Equal(t, testPolicy.Cooldown, res.RetryAfter)
	require.NotNil(t, c.CooldownUntil)
	require.True(t, over.Add(testPolicy.Cooldown).Equal(*c.CooldownUntil))
	require.Equal(t, CooldownReason(testPolicy), c.Reason)

	// Announces during the cooldown are rejected without mutation.
	during := over.Add(10 * time.Minute)
	before := c
	res, mutated = StepRateLimit(&c, true, during, testPolicy)
	require.False(t, mutated)
	require.False(t, res.Allowed)
	require.Equal(t, 20*time.Minute, res.RetryAfter)
	require.Equal(t, before, c)
	require.Equal(t, testPolicy.Limit, c.AnnounceCount)
}

func TestStepRateLimitCooldownExpiredWithinWindow(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := RateLimitCounter{
		UserID:        "u",
		LastCheckedAt: now,
		AnnounceCount: testPolicy.Limit,
		CooldownUntil: TimePtr(now.Add(testPolicy.Cooldown)),
	}

	// The cooldown is over but the window is not: the user is still over
	// the limit and enters a new cooldown.
	later := now.Add(testPolicy.Cooldown + time.Minute)
	res, mutated := StepRateLimit(&c, true, later, testPolicy)
	require.True(t, mutated)
	require.False(t, res.Allowed)
	require.True(t, later.Add(testPolicy.Cooldown).Equal(*c.CooldownUntil))
}

func TestStepRateLimitWindowReset(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := RateLimitCounter{
		UserID:        "u",
		LastCheckedAt: now,
		AnnounceCount: testPolicy.Limit,
		CooldownUntil: TimePtr(now.Add(testPolicy.Cooldown)),
		Reason:        "over",
	}

	later := now.Add(testPolicy.Window + time.Second)
	res, mutated := StepRateLimit(&c, true, later, testPolicy)
	require.True(t, mutated)
	require.True(t, res.Allowed)
	require.Equal(t, 1, c.AnnounceCount)
	require.Nil(t, c.CooldownUntil)
	require.Empty(t, c.Reason)
	require.True(t, later.Equal(c.LastCheckedAt))
}
