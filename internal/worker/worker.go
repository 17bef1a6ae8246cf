// Package worker runs one bot: it turns price ticks into strategy signals,
// signals into exchange orders and exchange events into persisted state.
// Exactly one worker exists per bot at a time, enforced by the coordinator's
// tracking map, never by the worker itself.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"bitmex-fleet-bot-go/internal/bus"
	"bitmex-fleet-bot-go/internal/exchange"
	"bitmex-fleet-bot-go/internal/logger"
	"bitmex-fleet-bot-go/internal/models"
	"bitmex-fleet-bot-go/internal/store"
	"bitmex-fleet-bot-go/internal/strategy"

	"github.com/shopspring/decimal"
)

// State is the worker lifecycle state, kept for logging and tests.
type State int32

const (
	StateInit State = iota + 1
	StateSubscribed
	StateIdle
	StateOrderInFlight
	StateStopping
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateSubscribed:
		return "SUBSCRIBED"
	case StateIdle:
		return "IDLE"
	case StateOrderInFlight:
		return "ORDER_IN_FLIGHT"
	case StateStopping:
		return "STOPPING"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

const opTimeout = 15 * time.Second

func opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), opTimeout)
}

// Options inject the exchange adapter constructors. Zero value uses the live
// adapters; tests swap in mocks.
type Options struct {
	NewTrader func(exchangeName, pair string, creds exchange.Credentials) (exchange.Trader, error)
	NewEvents func(exchangeName, pair string, creds exchange.Credentials) (exchange.MarketEvents, error)
}

func (o Options) withDefaults() Options {
	if o.NewTrader == nil {
		o.NewTrader = exchange.NewTrader
	}
	if o.NewEvents == nil {
		o.NewEvents = exchange.NewMarketEvents
	}
	return o
}

// Worker is the per-bot trading engine.
type Worker struct {
	botID string
	st    store.Store
	bus   *bus.Bus
	opts  Options

	mu       sync.Mutex
	bot      *models.Bot
	account  *models.Account
	position *models.Position

	trader exchange.Trader
	events exchange.MarketEvents
	strat  strategy.Strategy

	// inFlight is the only serialization primitive of the engine: at most
	// one order pipeline run at a time. Signals arriving while it is set are
	// dropped, not queued; the next tick re-evaluates from current state.
	inFlight atomic.Bool
	state    atomic.Int32

	cmdCh       <-chan bus.Command
	broadcastCh <-chan bus.Command
	priceCh     <-chan bus.PriceTick
	cancels     []func()

	stopOnce sync.Once
	done     chan struct{}
}

// Spawn builds a worker for botID and starts its loop.
func Spawn(botID string, st store.Store, b *bus.Bus, opts Options) *Worker {
	w := &Worker{
		botID: botID,
		st:    st,
		bus:   b,
		opts:  opts.withDefaults(),
		done:  make(chan struct{}),
	}
	go w.Run()
	return w
}

// Run initializes the worker and pumps its loop until stopped. A failed init
// still routes through stopBot so the bot never stays active with no worker
// behind it.
func (w *Worker) Run() {
	if err := w.init(); err != nil {
		logger.S().Errorf("bot %s: init failed: %v", w.botID, err)
		w.stopBot("init failure")
		return
	}
	w.loop()
}

// State reports the current lifecycle state.
func (w *Worker) State() State {
	return State(w.state.Load())
}

// Done is closed once the worker has fully terminated.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) init() error {
	w.state.Store(int32(StateInit))

	bot, err := w.st.Bots().Get(w.botID)
	if err != nil {
		return fmt.Errorf("failed to load bot: %w", err)
	}
	if bot == nil {
		return fmt.Errorf("bot %s not found", w.botID)
	}
	account, err := w.st.Accounts().Get(bot.AccountID)
	if err != nil {
		return fmt.Errorf("failed to load account: %w", err)
	}
	if account == nil {
		return fmt.Errorf("account %s not found", bot.AccountID)
	}
	w.bot = bot
	w.account = account

	creds := exchange.Credentials{
		APIKey:    account.APIKey,
		APISecret: account.APISecret,
		Testnet:   account.Testnet,
	}
	trader, err := w.opts.NewTrader(account.Exchange, bot.Pair, creds)
	if err != nil {
		return err
	}
	w.trader = trader

	ctx, cancel := opCtx()
	defer cancel()
	if err := trader.SetLeverage(ctx, bot.Leverage, bot.Pair); err != nil {
		return fmt.Errorf("failed to set leverage on %s: %w", bot.Pair, err)
	}

	strat, err := strategy.New(bot.Strategy, strategy.Handlers{
		OnBuy:                w.onBuySignal,
		OnSell:               w.onSellSignal,
		OnLiquidated:         w.onLiquidatedSignal,
		OnPriceTargetReached: w.onPriceTargetSignal,
	})
	if err != nil {
		return err
	}
	w.strat = strat

	// Subscribe before flipping active: once the store shows the bot active,
	// a reconcile tick may probe or stop it through the command topic.
	cmdCh, cancelCmd := w.bus.SubscribeCommands(bot.ID)
	broadcastCh, cancelBroadcast := w.bus.SubscribeBroadcast()
	priceCh, cancelPrice := w.bus.SubscribePrices(account.Exchange, bot.Pair)
	w.cmdCh, w.broadcastCh, w.priceCh = cmdCh, broadcastCh, priceCh
	w.cancels = []func(){cancelCmd, cancelBroadcast, cancelPrice}

	bot, err = w.st.Bots().Update(bot.ID, func(b *models.Bot) error {
		b.Active = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mark bot active: %w", err)
	}
	w.bot = bot

	// Crash recovery: pick up the open position of a previous run, if any.
	position, err := w.st.Positions().FindOpen(bot.ID, bot.SessionID)
	if err != nil {
		return fmt.Errorf("failed to recover open position: %w", err)
	}
	w.position = position
	if position != nil {
		logger.S().Infof("bot %s: recovered open position %s", bot.ID, position.ID)
	}

	events, err := w.opts.NewEvents(account.Exchange, bot.Pair, creds)
	if err != nil {
		return err
	}
	w.events = events
	events.SetOrderListener(w.onOrderUpdate)
	events.SetPositionListener(w.onPositionUpdate)

	w.publishStatus(bus.BotStatus(bot))
	w.state.Store(int32(StateSubscribed))
	logger.S().Infof("bot %s: worker started on %s %s (%s, %dx)",
		bot.ID, account.Exchange, bot.Pair, bot.Mode, bot.Leverage)
	return nil
}

func (w *Worker) loop() {
	w.state.Store(int32(StateIdle))
	for {
		select {
		case <-w.done:
			return
		case cmd, ok := <-w.cmdCh:
			if !ok {
				w.stopBot("command channel closed")
				return
			}
			if cmd.Disable {
				w.stopBot("stop command")
				return
			}
		case cmd, ok := <-w.broadcastCh:
			if !ok {
				w.stopBot("broadcast channel closed")
				return
			}
			if cmd.Disable {
				w.stopBot("fleet stop")
				return
			}
		case tick, ok := <-w.priceCh:
			if !ok {
				w.stopBot("price channel closed")
				return
			}
			w.onPriceTick(tick)
			select {
			case <-w.done:
				return
			default:
			}
		}
	}
}

// onPriceTick forwards the tick to the strategy against a snapshot of the
// bot. The strategy's only effect on the engine is through the four signal
// callbacks.
func (w *Worker) onPriceTick(tick bus.PriceTick) {
	w.mu.Lock()
	w.bot.LastPrice = tick.Price
	botCopy := *w.bot
	hasPosition := w.position != nil
	w.mu.Unlock()

	w.strat.Evaluate(tick.Price, tick.Timestamp, &botCopy, hasPosition)
}

func (w *Worker) onBuySignal(price float64, ts time.Time) {
	w.mu.Lock()
	hasPosition := w.position != nil
	w.mu.Unlock()
	if hasPosition {
		logger.S().Debugf("bot %s: buy signal with open position ignored", w.botID)
		return
	}
	w.runGuarded("buy", price, ts, true)
}

func (w *Worker) onSellSignal(price float64, ts time.Time) {
	w.mu.Lock()
	hasPosition := w.position != nil
	w.mu.Unlock()
	if !hasPosition {
		logger.S().Debugf("bot %s: sell signal with no open position ignored", w.botID)
		return
	}
	w.runGuarded("sell", price, ts, false)
}

// runGuarded runs the order pipeline under the in-flight guard. The guard is
// cleared on every exit path.
func (w *Worker) runGuarded(signal string, price float64, ts time.Time, opening bool) {
	if !w.inFlight.CompareAndSwap(false, true) {
		logger.S().Warnf("bot %s: %s signal at %.2f dropped, order already in flight",
			w.botID, signal, price)
		return
	}
	w.state.Store(int32(StateOrderInFlight))
	defer func() {
		w.inFlight.Store(false)
		w.state.Store(int32(StateIdle))
	}()

	if err := w.runPipeline(price, ts, opening); err != nil {
		if models.FailureKindOf(err) == models.FailureLiquidityRejected {
			logger.S().Infof("bot %s: %s at %.2f skipped: %v", w.botID, signal, price, err)
			return
		}
		logger.S().Errorf("bot %s: %s pipeline failed: %v", w.botID, signal, err)
	}
}

func (w *Worker) onLiquidatedSignal(price float64, ts time.Time) {
	w.mu.Lock()
	pos := w.position
	bot := w.bot
	w.mu.Unlock()
	if pos == nil || w.inFlight.Load() {
		return
	}
	logger.S().Warnf("bot %s: liquidation at %.2f", w.botID, price)

	updated, err := w.st.Positions().Update(pos.ID, func(p *models.Position) error {
		p.IsOpen = false
		p.Liquidated = true
		p.ExitPrice = price
		p.EndedAt = ts
		return nil
	})
	if err != nil {
		logger.S().Errorf("bot %s: failed to record liquidation on position %s: %v", w.botID, pos.ID, err)
	} else {
		w.publishStatus(bus.StatusEvent{Type: bus.StatusPosition, Payload: updated})
	}

	liquidatedBot, err := w.st.Bots().Update(w.botID, func(b *models.Bot) error {
		b.Liquidated = true
		b.PositionOpen = false
		return nil
	})
	if err != nil {
		logger.S().Errorf("bot %s: failed to mark bot liquidated: %v", w.botID, err)
	} else {
		w.mu.Lock()
		w.bot = liquidatedBot
		w.mu.Unlock()
		w.publishStatus(bus.BotStatus(liquidatedBot))
	}

	w.mu.Lock()
	w.position = nil
	w.mu.Unlock()

	w.publishNotice(bus.Notice{
		AccountID:  bot.AccountID,
		BotID:      w.botID,
		Price:      price,
		Liquidated: true,
		Reason:     "liquidated",
	})
	w.stopBot("liquidated")
}

func (w *Worker) onPriceTargetSignal(price float64, ts time.Time) {
	w.mu.Lock()
	hasPosition := w.position != nil
	bot := w.bot
	w.mu.Unlock()
	if hasPosition || w.inFlight.Load() {
		return
	}
	logger.S().Infof("bot %s: target price %.2f reached", w.botID, price)

	updatedBot, err := w.st.Bots().Update(w.botID, func(b *models.Bot) error {
		b.PriceTargetReached = true
		return nil
	})
	if err != nil {
		logger.S().Errorf("bot %s: failed to mark target reached: %v", w.botID, err)
	} else {
		w.mu.Lock()
		w.bot = updatedBot
		w.mu.Unlock()
		w.publishStatus(bus.BotStatus(updatedBot))
	}

	w.publishNotice(bus.Notice{
		AccountID:  bot.AccountID,
		BotID:      w.botID,
		Price:      price,
		Liquidated: false,
		Reason:     "target price",
	})
	w.stopBot("target price reached")
}

// onOrderUpdate persists fill progress reported by the private order stream.
func (w *Worker) onOrderUpdate(u models.OrderUpdate) {
	order, err := w.st.Orders().FindByExchangeID(u.ExchangeOrderID, u.Pair)
	if err != nil {
		logger.S().Errorf("bot %s: failed to look up order %s: %v", w.botID, u.ExchangeOrderID, err)
		return
	}
	if order == nil {
		return
	}
	updated, err := w.st.Orders().Update(order.ID, func(o *models.Order) error {
		o.Status = u.Status
		o.TotalQuantity = u.TotalQuantity
		o.FilledQuantity = u.FilledQuantity
		o.RemainQuantity = u.RemainQuantity
		return nil
	})
	if err != nil {
		logger.S().Errorf("bot %s: failed to persist order update %s: %v", w.botID, order.ID, err)
		return
	}
	w.publishStatus(bus.StatusEvent{Type: bus.StatusOrder, Payload: updated})
}

// onPositionUpdate diffs the incoming fields against the last-known local
// position and persists only when something changed, so a noisy feed does not
// turn into redundant writes. An open→closed transition folds the last
// unrealized PnL into the bot's realized accumulator and drops the local
// reference.
func (w *Worker) onPositionUpdate(u models.PositionUpdate) {
	// An in-flight pipeline owns the position; the stream re-reports current
	// state on its next update once the pipeline's writes have landed.
	if w.inFlight.Load() {
		return
	}
	w.mu.Lock()
	pos := w.position
	w.mu.Unlock()
	if pos == nil || u.Pair != pos.Pair {
		return
	}

	closing := pos.IsOpen && !u.IsOpen
	changed := closing ||
		!u.Margin.Equal(pos.Margin) ||
		u.Size != pos.Size ||
		(u.LiquidationPrice > 0 && u.LiquidationPrice != pos.LiquidationPrice) ||
		(u.BankruptPrice > 0 && u.BankruptPrice != pos.BankruptPrice) ||
		!u.UnrealizedPnl.Equal(pos.UnrealizedPnl)
	if !changed {
		return
	}

	updated, err := w.st.Positions().Update(pos.ID, func(p *models.Position) error {
		if !u.Margin.Equal(p.Margin) {
			p.Margin = u.Margin
		}
		if u.Size != p.Size {
			p.Size = u.Size
		}
		if u.LiquidationPrice > 0 {
			p.LiquidationPrice = u.LiquidationPrice
		}
		if u.BankruptPrice > 0 {
			p.BankruptPrice = u.BankruptPrice
		}
		if !u.UnrealizedPnl.Equal(p.UnrealizedPnl) {
			p.UnrealizedPnl = u.UnrealizedPnl
		}
		if closing {
			p.IsOpen = false
			p.RealizedPnl = p.RealizedPnl.Add(u.RealizedPnl)
		}
		return nil
	})
	if err != nil {
		logger.S().Errorf("bot %s: failed to persist position update %s: %v", w.botID, pos.ID, err)
		return
	}
	w.publishStatus(bus.StatusEvent{Type: bus.StatusPosition, Payload: updated})

	if !closing {
		w.mu.Lock()
		w.position = updated
		if u.LiquidationPrice > 0 {
			w.bot.LiquidationPrice = u.LiquidationPrice
		}
		w.mu.Unlock()
		return
	}

	// Closed: fold the last unrealized PnL into the bot's realized total.
	lastUnrealized := pos.UnrealizedPnl
	if !u.UnrealizedPnl.IsZero() {
		lastUnrealized = u.UnrealizedPnl
	}
	foldedBot, err := w.st.Bots().Update(w.botID, func(b *models.Bot) error {
		b.RealizedPnl = b.RealizedPnl.Add(lastUnrealized)
		b.UnrealizedPnl = decimal.Zero
		b.PositionOpen = false
		return nil
	})
	if err != nil {
		logger.S().Errorf("bot %s: failed to fold realized pnl: %v", w.botID, err)
	} else {
		w.mu.Lock()
		w.bot = foldedBot
		w.mu.Unlock()
		w.publishStatus(bus.BotStatus(foldedBot))
	}

	w.mu.Lock()
	w.position = nil
	w.mu.Unlock()
}

// stopBot tears the worker down. It is reached from the stop command, from
// liquidation, from the price target and from a failed init; every path may
// race another, so the whole body runs exactly once.
func (w *Worker) stopBot(reason string) {
	w.stopOnce.Do(func() {
		w.state.Store(int32(StateStopping))
		logger.S().Infof("bot %s: stopping: %s", w.botID, reason)

		inactiveBot, err := w.st.Bots().Update(w.botID, func(b *models.Bot) error {
			b.Active = false
			return nil
		})
		if err != nil {
			logger.S().Errorf("bot %s: failed to mark inactive: %v", w.botID, err)
		} else {
			w.mu.Lock()
			w.bot = inactiveBot
			w.mu.Unlock()
		}

		w.mu.Lock()
		pos := w.position
		bot := w.bot
		w.mu.Unlock()

		// Force-close a leftover position, but never on a multi-leg session:
		// the position is shared with other legs still running.
		if pos != nil && bot != nil && w.trader != nil {
			multiLeg := false
			if bot.SessionID != "" {
				if sess, err := w.st.Sessions().Get(bot.SessionID); err == nil && sess != nil {
					multiLeg = sess.MultiLeg
				}
			}
			if !multiLeg {
				ctx, cancel := opCtx()
				if err := w.trader.CloseOpenPositions(ctx, bot.Pair); err != nil {
					logger.S().Errorf("bot %s: failed to force-close position: %v", w.botID, err)
				}
				cancel()
			}
		}

		if w.events != nil {
			w.events.Exit()
		}
		for _, cancel := range w.cancels {
			cancel()
		}
		if bot != nil {
			w.publishStatus(bus.BotStatus(bot))
		}

		close(w.done)
		w.state.Store(int32(StateTerminated))
		logger.S().Infof("bot %s: worker terminated", w.botID)
	})
}

func (w *Worker) publishStatus(ev bus.StatusEvent) {
	err := w.bus.PublishEvent(bus.WorkerEvent{
		BotID:  w.botID,
		Kind:   bus.EventStatus,
		Status: &ev,
	})
	if err != nil {
		logger.S().Debugf("bot %s: status event dropped: %v", w.botID, err)
	}
}

func (w *Worker) publishNotice(n bus.Notice) {
	err := w.bus.PublishEvent(bus.WorkerEvent{
		BotID:  w.botID,
		Kind:   bus.EventNotify,
		Notice: &n,
	})
	if err != nil {
		logger.S().Warnf("bot %s: notify event dropped: %v", w.botID, err)
	}
}
