package middleware

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chihaya/privtracker/bittorrent"
	"github.com/chihaya/privtracker/config"
	"github.com/chihaya/privtracker/storage"
)

type fakeCheck struct {
	name     string
	enabled  bool
	stateful bool
	decision Decision
	err      error
	calls    int
}

func (c *fakeCheck) Name() string { return c.name }

func (c *fakeCheck) Enabled(*config.TrackerConfig) bool { return c.enabled }

func (c *fakeCheck) Stateful() bool { return c.stateful }

func (c *fakeCheck) Check(context.Context, *config.TrackerConfig, *bittorrent.AnnounceParams) (Decision, error) {
	c.calls++
	return c.decision, c.err
}

func TestNewPipelineOrdering(t *testing.T) {
	stateless := &fakeCheck{name: "stateless"}
	stateful := &fakeCheck{name: "stateful", stateful: true}

	_, err := NewPipeline(stateless, stateful)
	require.Nil(t, err)

	_, err = NewPipeline(stateful, stateless)
	require.NotNil(t, err)

	_, err = NewPipeline()
	require.Nil(t, err)
}

func TestPipelineRun(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	p := &bittorrent.AnnounceParams{UserID: "u"}

	t.Run("accepts when every check passes", func(t *testing.T) {
		a := &fakeCheck{name: "a", enabled: true}
		b := &fakeCheck{name: "b", enabled: true}
		pl, err := NewPipeline(a, b)
		require.Nil(t, err)

		d, err := pl.Run(ctx, &cfg, p)
		require.Nil(t, err)
		require.Equal(t, Accept, d)
		require.Equal(t, 1, a.calls)
		require.Equal(t, 1, b.calls)
	})

	t.Run("short-circuits on the first rejection", func(t *testing.T) {
		a := &fakeCheck{name: "a", enabled: true, decision: Reject("first")}
		b := &fakeCheck{name: "b", enabled: true, decision: Reject("second")}
		pl, err := NewPipeline(a, b)
		require.Nil(t, err)

		d, err := pl.Run(ctx, &cfg, p)
		require.Nil(t, err)
		require.True(t, d.Rejected)
		require.Equal(t, "first", d.Reason)
		require.Equal(t, 0, b.calls)
	})

	t.Run("skips disabled checks", func(t *testing.T) {
		a := &fakeCheck{name: "a", decision: Reject("disabled")}
		b := &fakeCheck{name: "b", enabled: true}
		pl, err := NewPipeline(a, b)
		require.Nil(t, err)

		d, err := pl.Run(ctx, &cfg, p)
		require.Nil(t, err)
		require.False(t, d.Rejected)
		require.Equal(t, 0, a.calls)
	})

	t.Run("stateful check never sees rejected announces", func(t *testing.T) {
		a := &fakeCheck{name: "a", enabled: true, decision: Reject("no")}
		limiter := &fakeCheck{name: "limiter", enabled: true, stateful: true}
		pl, err := NewPipeline(a, limiter)
		require.Nil(t, err)

		_, err = pl.Run(ctx, &cfg, p)
		require.Nil(t, err)
		require.Equal(t, 0, limiter.calls)
	})

	t.Run("propagates errors", func(t *testing.T) {
		failure := errors.New("store down")
		a := &fakeCheck{name: "a", enabled: true, err: failure}
		b := &fakeCheck{name: "b", enabled: true}
		pl, err := NewPipeline(a, b)
		require.Nil(t, err)

		_, err = pl.Run(ctx, &cfg, p)
		require.Equal(t, failure, err)
		require.Equal(t, 0, b.calls)
	})
}

func TestDecisionErr(t *testing.T) {
	require.Nil(t, Accept.Err())
	require.Equal(t, bittorrent.ClientError("nope"), Reject("nope").Err())
}

func TestCeilSeconds(t *testing.T) {
	require.Equal(t, int64(0), CeilSeconds(0))
	require.Equal(t, int64(0), CeilSeconds(-1))
	require.Equal(t, int64(1), CeilSeconds(1))
	require.Equal(t, int64(1), CeilSeconds(1000000000))
	require.Equal(t, int64(2), CeilSeconds(1000000001))
}

func TestNewUnknownDriver(t *testing.T) {
	_, err := New("does not exist", storage.Stores{})
	require.Equal(t, ErrDriverDoesNotExist, err)
}
