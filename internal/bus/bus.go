// Package bus is the in-process control bus connecting the coordinator, the
// workers and the market data feeds. Topics are bounded; publishing never
// blocks. A message published to a full topic is dropped: delivery is
// at-most-once and convergence relies on the coordinator's reconcile tick,
// not on the bus.
package bus

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"bitmex-fleet-bot-go/internal/models"
)

var (
	ErrNoSubscribers = errors.New("no subscribers on topic")
	ErrBusClosed     = errors.New("bus closed")
)

// Command is a coordinator/viewer→worker control message. Disable routes to
// the worker's stop path on both the bot-scoped and the broadcast topic.
type Command struct {
	Disable bool `json:"disable"`
}

// PriceTick is a market price observation on a price topic.
type PriceTick struct {
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// EventKind tags a worker→coordinator event.
type EventKind int

const (
	// EventStatus events are forwarded verbatim to viewers of the bot.
	EventStatus EventKind = iota + 1
	// EventNotify events are dispatched to the owner's notifier if enabled.
	EventNotify
)

// StatusType names the mutation a status event describes.
type StatusType string

const (
	StatusBot      StatusType = "bot"
	StatusOrder    StatusType = "order"
	StatusAccount  StatusType = "account"
	StatusPosition StatusType = "position"
	StatusSession  StatusType = "session"
)

// StatusEvent is a snapshot of one store mutation, published so viewers can
// render a consistent live timeline of intermediate states.
type StatusEvent struct {
	Type    StatusType `json:"type"`
	Payload any        `json:"payload"`
}

// Notice asks the coordinator to notify the bot owner.
type Notice struct {
	AccountID  string  `json:"account_id"`
	BotID      string  `json:"bot_id"`
	Price      float64 `json:"price"`
	Liquidated bool    `json:"liquidated"`
	Reason     string  `json:"reason"`
}

// WorkerEvent is the tagged union a worker publishes to the coordinator.
// Exactly one of Status/Notice is set, matching Kind.
type WorkerEvent struct {
	BotID  string
	Kind   EventKind
	Status *StatusEvent
	Notice *Notice
}

// PriceTopic builds the topic key for price ticks of a pair on an exchange.
func PriceTopic(exchange, pair string) string {
	return fmt.Sprintf("ticker:%s:%s", exchange, pair)
}

const broadcastTopic = "broadcast"

// registry is a set of keyed topics carrying one payload type.
type registry[T any] struct {
	mu     sync.RWMutex
	subs   map[string]map[int]chan T
	nextID int
	buffer int
	closed bool
}

func newRegistry[T any](buffer int) *registry[T] {
	return &registry[T]{subs: make(map[string]map[int]chan T), buffer: buffer}
}

func (r *registry[T]) subscribe(key string) (<-chan T, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan T, r.buffer)
	if r.closed {
		close(ch)
		return ch, func() {}
	}
	if r.subs[key] == nil {
		r.subs[key] = make(map[int]chan T)
	}
	id := r.nextID
	r.nextID++
	r.subs[key][id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if subs, ok := r.subs[key]; ok {
				if c, ok := subs[id]; ok {
					delete(subs, id)
					close(c)
				}
				if len(subs) == 0 {
					delete(r.subs, key)
				}
			}
		})
	}
	return ch, cancel
}

// publish delivers v to every subscriber of key without blocking. Slow
// subscribers lose the message.
func (r *registry[T]) publish(key string, v T) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return ErrBusClosed
	}
	subs := r.subs[key]
	if len(subs) == 0 {
		return ErrNoSubscribers
	}
	for _, ch := range subs {
		select {
		case ch <- v:
		default:
		}
	}
	return nil
}

func (r *registry[T]) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for key, subs := range r.subs {
		for id, ch := range subs {
			delete(subs, id)
			close(ch)
		}
		delete(r.subs, key)
	}
}

// Bus bundles the command topics, the price topics, the viewer status topics
// and the worker→coordinator event queue.
type Bus struct {
	commands *registry[Command]
	prices   *registry[PriceTick]
	status   *registry[StatusEvent]

	events    chan WorkerEvent
	closeOnce sync.Once
	closed    chan struct{}
}

// New allocates a bus whose topics hold at most buffer messages each.
func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 1
	}
	return &Bus{
		commands: newRegistry[Command](buffer),
		prices:   newRegistry[PriceTick](buffer),
		status:   newRegistry[StatusEvent](buffer),
		events:   make(chan WorkerEvent, buffer),
		closed:   make(chan struct{}),
	}
}

// SubscribeCommands attaches to the bot-scoped command topic.
func (b *Bus) SubscribeCommands(botID string) (<-chan Command, func()) {
	return b.commands.subscribe(botID)
}

// SubscribeBroadcast attaches to the fleet-wide broadcast topic.
func (b *Bus) SubscribeBroadcast() (<-chan Command, func()) {
	return b.commands.subscribe(broadcastTopic)
}

// PublishCommand sends a command to one bot's topic. ErrNoSubscribers means
// no live worker is attached, which the coordinator uses as its crash signal.
func (b *Bus) PublishCommand(botID string, cmd Command) error {
	return b.commands.publish(botID, cmd)
}

// Broadcast sends a command to every broadcast subscriber.
func (b *Bus) Broadcast(cmd Command) error {
	err := b.commands.publish(broadcastTopic, cmd)
	if errors.Is(err, ErrNoSubscribers) {
		return nil
	}
	return err
}

// SubscribePrices attaches to the price topic for exchange+pair.
func (b *Bus) SubscribePrices(exchange, pair string) (<-chan PriceTick, func()) {
	return b.prices.subscribe(PriceTopic(exchange, pair))
}

// PublishPrice publishes a tick. Ticks with no subscribers are discarded.
func (b *Bus) PublishPrice(exchange, pair string, tick PriceTick) {
	_ = b.prices.publish(PriceTopic(exchange, pair), tick)
}

// SubscribeStatus attaches a viewer to one bot's status topic.
func (b *Bus) SubscribeStatus(botID string) (<-chan StatusEvent, func()) {
	return b.status.subscribe(botID)
}

// SubscribeAllStatus attaches a viewer to the status firehose.
func (b *Bus) SubscribeAllStatus() (<-chan StatusEvent, func()) {
	return b.status.subscribe(broadcastTopic)
}

// PublishStatus fans a status event out to the bot's viewers and to the
// firehose. Called by the coordinator's relay, not by workers.
func (b *Bus) PublishStatus(botID string, ev StatusEvent) {
	_ = b.status.publish(botID, ev)
	_ = b.status.publish(broadcastTopic, ev)
}

// PublishEvent enqueues a worker event for the coordinator. Events are
// dropped when the queue is full or the bus is closed.
func (b *Bus) PublishEvent(ev WorkerEvent) error {
	select {
	case <-b.closed:
		return ErrBusClosed
	default:
	}
	select {
	case b.events <- ev:
		return nil
	default:
		return fmt.Errorf("event queue full, dropping %v event for bot %s", ev.Kind, ev.BotID)
	}
}

// Events is the worker→coordinator event queue.
func (b *Bus) Events() <-chan WorkerEvent {
	return b.events
}

// Close tears down every topic. Idempotent.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		close(b.closed)
		b.commands.close()
		b.prices.close()
		b.status.close()
	})
}

// BotStatus is a convenience constructor for the most common status event.
func BotStatus(bot *models.Bot) StatusEvent {
	return StatusEvent{Type: StatusBot, Payload: bot}
}
