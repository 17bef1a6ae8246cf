package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandRoundTrip(t *testing.T) {
	b := New(4)
	defer b.Close()

	ch, cancel := b.SubscribeCommands("bot-1")
	defer cancel()

	require.NoError(t, b.PublishCommand("bot-1", Command{Disable: true}))

	select {
	case cmd := <-ch:
		assert.True(t, cmd.Disable)
	default:
		t.Fatal("expected the command to be delivered")
	}
}

func TestPublishWithoutSubscribers(t *testing.T) {
	b := New(4)
	defer b.Close()

	err := b.PublishCommand("nobody", Command{Disable: true})
	assert.ErrorIs(t, err, ErrNoSubscribers,
		"a stop-send to a dead worker must surface as ErrNoSubscribers")

	// Broadcast swallows the empty-topic case: a fleet with no workers is
	// not an error.
	assert.NoError(t, b.Broadcast(Command{Disable: true}))
}

func TestSubscriberScoping(t *testing.T) {
	b := New(4)
	defer b.Close()

	ch1, cancel1 := b.SubscribeCommands("bot-1")
	defer cancel1()
	ch2, cancel2 := b.SubscribeCommands("bot-2")
	defer cancel2()

	require.NoError(t, b.PublishCommand("bot-1", Command{Disable: true}))

	assert.Len(t, ch1, 1)
	assert.Len(t, ch2, 0, "commands must not leak across bot topics")
}

// TestFullTopicDropsMessage pins the at-most-once contract: a publish to a
// full topic loses the message instead of blocking the publisher.
func TestFullTopicDropsMessage(t *testing.T) {
	b := New(1)
	defer b.Close()

	ch, cancel := b.SubscribePrices("bitmex", "XBTUSD")
	defer cancel()

	b.PublishPrice("bitmex", "XBTUSD", PriceTick{Price: 100, Timestamp: time.Now()})
	b.PublishPrice("bitmex", "XBTUSD", PriceTick{Price: 101, Timestamp: time.Now()})
	b.PublishPrice("bitmex", "XBTUSD", PriceTick{Price: 102, Timestamp: time.Now()})

	first := <-ch
	assert.Equal(t, float64(100), first.Price)

	select {
	case tick := <-ch:
		t.Fatalf("expected overflow ticks to be dropped, got %v", tick)
	default:
	}
}

func TestBroadcastReachesAllSubscribers(t *testing.T) {
	b := New(4)
	defer b.Close()

	ch1, cancel1 := b.SubscribeBroadcast()
	defer cancel1()
	ch2, cancel2 := b.SubscribeBroadcast()
	defer cancel2()

	require.NoError(t, b.Broadcast(Command{Disable: true}))

	assert.Len(t, ch1, 1)
	assert.Len(t, ch2, 1)
}

func TestUnsubscribeIdempotent(t *testing.T) {
	b := New(4)
	defer b.Close()

	_, cancel := b.SubscribeCommands("bot-1")
	cancel()
	cancel() // second cancel must not panic or close twice

	err := b.PublishCommand("bot-1", Command{Disable: true})
	assert.ErrorIs(t, err, ErrNoSubscribers)
}

func TestStatusFanOut(t *testing.T) {
	b := New(4)
	defer b.Close()

	botCh, cancelBot := b.SubscribeStatus("bot-1")
	defer cancelBot()
	allCh, cancelAll := b.SubscribeAllStatus()
	defer cancelAll()

	b.PublishStatus("bot-1", StatusEvent{Type: StatusBot})

	assert.Len(t, botCh, 1, "bot-scoped viewers receive the event")
	assert.Len(t, allCh, 1, "the firehose receives the event")
}

func TestEventQueueDropsWhenFull(t *testing.T) {
	b := New(1)
	defer b.Close()

	require.NoError(t, b.PublishEvent(WorkerEvent{BotID: "bot-1", Kind: EventStatus}))
	assert.Error(t, b.PublishEvent(WorkerEvent{BotID: "bot-1", Kind: EventStatus}),
		"a full event queue drops instead of blocking")
}

func TestCloseIdempotent(t *testing.T) {
	b := New(4)
	ch, cancel := b.SubscribeCommands("bot-1")
	defer cancel()

	b.Close()
	b.Close()

	_, open := <-ch
	assert.False(t, open, "subscriber channels are closed on bus close")

	err := b.PublishCommand("bot-1", Command{Disable: true})
	assert.ErrorIs(t, err, ErrBusClosed)

	err = b.PublishEvent(WorkerEvent{BotID: "bot-1"})
	assert.ErrorIs(t, err, ErrBusClosed)
}
