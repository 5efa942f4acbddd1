package feed_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anchorwatch/anchorwatch/internal/feed"
)

func TestValue_GetBeforeSet(t *testing.T) {
	f := feed.New[int]()
	_, ok := f.Get()
	assert.False(t, ok)

	f.Set(3)
	v, ok := f.Get()
	assert.True(t, ok)
	assert.Equal(t, 3, v)
}

func TestValue_SubscribeReceivesLatest(t *testing.T) {
	f := feed.NewWith("a")
	ch, cancel := f.Subscribe()
	defer cancel()

	select {
	case v := <-ch:
		t.Fatalf("unexpected replay of %q", v)
	default:
	}

	f.Set("b")
	f.Set("c")
	f.Set("d")

	assert.Equal(t, "d", <-ch, "slow subscriber sees the newest value")
	select {
	case v := <-ch:
		t.Fatalf("unexpected extra value %q", v)
	default:
	}
}

func TestValue_CancelClosesChannel(t *testing.T) {
	f := feed.New[int]()
	ch, cancel := f.Subscribe()
	require.Equal(t, 1, f.Subscribers())

	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, f.Subscribers())

	f.Set(1)
}

func TestValue_FanOut(t *testing.T) {
	f := feed.New[int]()
	a, cancelA := f.Subscribe()
	b, cancelB := f.Subscribe()
	defer cancelA()
	defer cancelB()

	f.Set(42)
	assert.Equal(t, 42, <-a)
	assert.Equal(t, 42, <-b)
}
