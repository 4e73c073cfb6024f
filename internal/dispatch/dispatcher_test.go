package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meridian/internal/common"
	"meridian/internal/queue"
)

func testTrade(seq uint64) common.Trade {
	return common.Trade{
		ID:       fmt.Sprintf("T%d", seq),
		Seq:      seq,
		Symbol:   "AAPL",
		Price:    common.MustPrice("10"),
		Quantity: common.MustQuantity("1"),
	}
}

func TestSync_RegistrationOrderAndIsolation(t *testing.T) {
	d, err := New(Sync, 0, Drop)
	require.NoError(t, err)

	var mu sync.Mutex
	var calls []string
	record := func(name string) ObserverFunc {
		return func(common.Trade) error {
			mu.Lock()
			calls = append(calls, name)
			mu.Unlock()
			return nil
		}
	}

	d.Register(record("first"))
	d.Register(ObserverFunc(func(common.Trade) error { panic("boom") }))
	d.Register(ObserverFunc(func(common.Trade) error { return errors.New("nope") }))
	d.Register(record("last"))
	assert.Equal(t, 4, d.Observers())

	require.NoError(t, d.Publish(context.Background(), testTrade(1)))
	require.NoError(t, d.Publish(context.Background(), testTrade(2)))

	assert.Equal(t, []string{"first", "last", "first", "last"}, calls)
	assert.Equal(t, uint64(4), d.Failures())
	assert.Equal(t, uint64(2), d.Delivered())
}

func TestAsync_DeliversInOrderAndDrainsOnStop(t *testing.T) {
	d, err := New(Async, 8, Block)
	require.NoError(t, err)
	c := &Collector{}
	d.Register(c)

	// Slow observer to make the queue back up.
	d.Register(ObserverFunc(func(common.Trade) error {
		time.Sleep(100 * time.Microsecond)
		return nil
	}))

	d.Start()
	for i := uint64(1); i <= 100; i++ {
		require.NoError(t, d.Publish(context.Background(), testTrade(i)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Stop(ctx))

	trades := c.Trades()
	require.Len(t, trades, 100)
	for i, tr := range trades {
		assert.Equal(t, uint64(i+1), tr.Seq)
	}
	assert.Zero(t, d.Pending())
	assert.Zero(t, d.Dropped())
}

func TestAsync_PublishWhenStopped(t *testing.T) {
	d, err := New(Async, 4, Drop)
	require.NoError(t, err)
	assert.ErrorIs(t, d.Publish(context.Background(), testTrade(1)), ErrStopped)
	assert.Equal(t, uint64(1), d.Dropped())

	// Stop before Start is a no-op.
	assert.NoError(t, d.Stop(context.Background()))
}

func TestAsync_FullQueueDropsByDefault(t *testing.T) {
	d, err := New(Async, 1, Drop)
	require.NoError(t, err)

	block := make(chan struct{})
	d.Register(ObserverFunc(func(common.Trade) error {
		<-block
		return nil
	}))
	d.Start()

	// One trade held by the observer, one filling the queue.
	require.NoError(t, d.Publish(context.Background(), testTrade(1)))
	require.Eventually(t, func() bool { return d.Pending() == 0 }, time.Second, time.Millisecond)
	require.NoError(t, d.Publish(context.Background(), testTrade(2)))

	// Returns at once even with no deadline.
	done := make(chan error, 1)
	go func() { done <- d.Publish(context.Background(), testTrade(3)) }()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, queue.ErrQueueFull)
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a full queue")
	}
	assert.Equal(t, uint64(1), d.Dropped())

	close(block)
	require.NoError(t, d.Stop(context.Background()))
	assert.Equal(t, uint64(2), d.Delivered())
}

func TestAsync_BlockWaitsUntilCancelled(t *testing.T) {
	d, err := New(Async, 1, Block)
	require.NoError(t, err)

	block := make(chan struct{})
	d.Register(ObserverFunc(func(common.Trade) error {
		<-block
		return nil
	}))
	d.Start()
	defer func() {
		close(block)
		_ = d.Stop(context.Background())
	}()

	// One trade held by the observer, one filling the queue.
	require.NoError(t, d.Publish(context.Background(), testTrade(1)))
	require.Eventually(t, func() bool { return d.Pending() == 0 }, time.Second, time.Millisecond)
	require.NoError(t, d.Publish(context.Background(), testTrade(2)))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Publish(ctx, testTrade(3)), context.DeadlineExceeded)
	assert.Equal(t, uint64(1), d.Dropped())
}

func TestAsync_Restart(t *testing.T) {
	d, err := New(Async, 4, Drop)
	require.NoError(t, err)
	c := &Collector{}
	d.Register(c)

	for round := 0; round < 2; round++ {
		d.Start()
		require.NoError(t, d.Publish(context.Background(), testTrade(uint64(round))))
		require.NoError(t, d.Stop(context.Background()))
	}
	assert.Equal(t, 2, c.Len())
}

func TestForwarder_DropsWhenFull(t *testing.T) {
	f := NewForwarder(1)
	require.NoError(t, f.OnTrade(testTrade(1)))
	require.NoError(t, f.OnTrade(testTrade(2)))
	assert.Equal(t, uint64(1), f.Dropped())
	assert.Equal(t, uint64(1), (<-f.C()).Seq)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, Async, m)
	m, err = ParseMode("sync")
	require.NoError(t, err)
	assert.Equal(t, Sync, m)
	_, err = ParseMode("bogus")
	assert.Error(t, err)

	o, err := ParseOverflow("")
	require.NoError(t, err)
	assert.Equal(t, Drop, o)
	o, err = ParseOverflow("block")
	require.NoError(t, err)
	assert.Equal(t, Block, o)
	_, err = ParseOverflow("spill")
	assert.Error(t, err)
}

func TestLogObserver(t *testing.T) {
	assert.NoError(t, LogObserver{}.OnTrade(testTrade(1)))
}
