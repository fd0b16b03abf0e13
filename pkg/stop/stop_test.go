package stop

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type closer struct{ err error }

func (c closer) Close() error { return c.err }

func TestDoneDropsNilErrors(t *testing.T) {
	c := make(Channel)
	go c.Done(nil)
	require.Empty(t, Result(c.Result()).Wait())

	boom := errors.New("boom")
	c = make(Channel)
	go c.Done(nil, boom)
	require.Equal(t, []error{boom}, Result(c.Result()).Wait())
}

func TestGroupCollectsErrors(t *testing.T) {
	boom := errors.New("boom")

	g := NewGroup()
	g.AddFunc("clean", CloserFunc(closer{}))
	g.Add("failing", CloserFunc(closer{boom}))
	require.Equal(t, 2, g.Len())

	errs := g.Stop().Wait()
	require.Len(t, errs, 1)
	require.Equal(t, "failing: boom", errs[0].Error())
	require.True(t, errors.Is(errs[0], boom))
}

func TestGroupCleanStop(t *testing.T) {
	g := NewGroup()
	g.AddFunc("clean", CloserFunc(closer{}))
	require.Empty(t, g.Stop().Wait())

	require.Empty(t, NewGroup().Stop().Wait())
}

func TestSequenceOrder(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string, err error) Func {
		return func() Result {
			c := make(Channel)
			go func() {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				c.Done(err)
			}()
			return c.Result()
		}
	}

	boom := errors.New("boom")
	first := NewGroup()
	first.AddFunc("api", record("api", boom))
	second := NewGroup()
	second.AddFunc("store", record("store", nil))

	errs := Sequence(first, second).Wait()
	require.Len(t, errs, 1)
	require.Equal(t, []string{"api", "store"}, order)
}
