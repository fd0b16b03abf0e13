package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chihaya/privtracker/bittorrent"
	"github.com/chihaya/privtracker/config"
	"github.com/chihaya/privtracker/storage/memory"
)

func TestCheck(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	s, err := memory.New(memory.Config{})
	require.Nil(t, err)
	defer func() { s.Stop().Wait() }()

	cfg := config.Default()
	cfg.AnnounceRateLimit = 3
	cfg.AnnounceRateWindow = time.Hour
	cfg.AnnounceCooldown = 30 * time.Minute

	c := NewCheck(s)
	require.True(t, c.Stateful())
	require.True(t, c.Enabled(&cfg))

	announce := func(at time.Time) (bool, string, time.Duration) {
		d, err := c.Check(ctx, &cfg, &bittorrent.AnnounceParams{UserID: "u", Timestamp: at})
		require.Nil(t, err)
		return d.Rejected, d.Reason, d.RetryAfter
	}

	for i := 0; i < 3; i++ {
		rejected, _, _ := announce(now.Add(time.Duration(i) * time.Minute))
		require.False(t, rejected)
	}

	rejected, reason, retry := announce(now.Add(3 * time.Minute))
	require.True(t, rejected)
	require.Equal(t, "Rate limit exceeded. Try again in 1800 seconds.", reason)
	require.Equal(t, 30*time.Minute, retry)

	// Further attempts do not extend the cooldown.
	rejected, reason, retry = announce(now.Add(13*time.Minute + 500*time.Millisecond))
	require.True(t, rejected)
	require.Equal(t, "Rate limit exceeded. Try again in 1200 seconds.", reason)
	require.Equal(t, 20*time.Minute-500*time.Millisecond, retry)

	counter, err := s.RateLimitCounter(ctx, "u")
	require.Nil(t, err)
	require.Equal(t, 3, counter.AnnounceCount)

	// The window has expired once the cooldown is over.
	rejected, _, _ = announce(now.Add(2 * time.Hour))
	require.False(t, rejected)

	counter, err = s.RateLimitCounter(ctx, "u")
	require.Nil(t, err)
	require.Equal(t, 1, counter.AnnounceCount)
	require.Nil(t, counter.CooldownUntil)
}

func TestMissingUser(t *testing.T) {
	s, err := memory.New(memory.Config{})
	require.Nil(t, err)
	defer func() { s.Stop().Wait() }()

	cfg := config.Default()
	d, err := NewCheck(s).Check(context.Background(), &cfg, &bittorrent.AnnounceParams{})
	require.Nil(t, err)
	require.False(t, d.Rejected)
}

func TestDisabled(t *testing.T) {
	cfg := config.Default()
	cfg.AnnounceRateLimit = -1
	require.False(t, NewCheck(nil).Enabled(&cfg))
}
