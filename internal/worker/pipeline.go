package worker

import (
	"errors"
	"fmt"
	"time"

	"bitmex-fleet-bot-go/internal/bus"
	"bitmex-fleet-bot-go/internal/exchange"
	"bitmex-fleet-bot-go/internal/logger"
	"bitmex-fleet-bot-go/internal/models"

	"github.com/shopspring/decimal"
)

// execErr tags an exchange failure with the execution kind unless the error
// already carries a kind (auth rejections from the adapter, for one).
func execErr(err error) error {
	var pe *models.PipelineError
	if errors.As(err, &pe) {
		return err
	}
	return models.NewPipelineError(models.FailureExecution, err)
}

func persistErr(err error) error {
	return models.NewPipelineError(models.FailurePersistence, err)
}

// runPipeline executes one buy/sell signal end to end: size, check liquidity,
// place the market order, then persist the order, bot, account, position and
// session mutations, emitting a status event after each so viewers see the
// same intermediate states the store went through. Mutations already
// committed before a failure stay committed; the next tick re-evaluates from
// whatever state exists.
func (w *Worker) runPipeline(price float64, ts time.Time, opening bool) error {
	w.mu.Lock()
	bot := *w.bot
	account := *w.account
	w.mu.Unlock()

	// 1. Resolve the order side: a short account sells to open and buys to
	// close; a long account mirrors.
	var side models.Side
	if account.Type == models.Short {
		side = models.Sell
		if bot.PositionOpen {
			side = models.Buy
		}
	} else {
		side = models.Buy
		if bot.PositionOpen {
			side = models.Sell
		}
	}

	ctx, cancel := opCtx()
	defer cancel()

	// 2. Snapshot the pre-order balance; fees fall out of the delta later.
	preBalance, err := w.trader.GetBalance(ctx)
	if err != nil {
		return execErr(fmt.Errorf("pre-order balance: %w", err))
	}

	// 3. Size the order. Closing reuses the prior order's amount so the full
	// position is closed; opening sizes from the leveraged balance.
	var amount int64
	var margin decimal.Decimal
	if bot.PositionOpen {
		if bot.PrevOrderID == "" {
			return execErr(fmt.Errorf("position open but no prior order recorded"))
		}
		prev, err := w.st.Orders().Get(bot.PrevOrderID)
		if err != nil {
			return persistErr(fmt.Errorf("failed to load prior order %s: %w", bot.PrevOrderID, err))
		}
		if prev == nil {
			return execErr(fmt.Errorf("prior order %s not found", bot.PrevOrderID))
		}
		// Close what actually filled, not what was requested.
		amount = prev.Amount
		if prev.FilledQuantity > 0 {
			amount = int64(prev.FilledQuantity)
		}
	} else {
		amount, margin = openOrderSize(bot.Balance, bot.Leverage, price)
	}
	if amount <= 0 {
		return execErr(fmt.Errorf("computed non-positive order amount %d", amount))
	}

	// 4. Liquidity check against the side of the book the order consumes.
	book, err := w.trader.GetOrderbook(ctx, bot.Pair, bot.OrderbookDepth)
	if err != nil {
		return execErr(fmt.Errorf("orderbook fetch: %w", err))
	}
	if !hasLiquidity(book, side, float64(amount), price, bot.MarketThreshold) {
		return models.NewPipelineError(models.FailureLiquidityRejected,
			fmt.Errorf("book cannot absorb %d contracts within %.2f of %.2f", amount, bot.MarketThreshold, price))
	}

	// 5. Project the liquidation price to stage on the bot. The position
	// stream reports the authoritative value once the exchange has it.
	liquidation, bankrupt := exchange.ProjectLiquidation(price, bot.Leverage, bot.Mode.Direction())

	// 6. Place the market order.
	exec, err := w.trader.CreateMarketOrder(ctx, side, amount)
	if err != nil {
		return execErr(fmt.Errorf("market order: %w", err))
	}
	logger.S().Infof("bot %s: %s %d @ %.2f executed as %s", bot.ID, side, amount, price, exec.ExchangeOrderID)

	// 7. Fees from the balance delta around the order.
	postBalance, err := w.trader.GetBalance(ctx)
	if err != nil {
		return execErr(fmt.Errorf("post-order balance: %w", err))
	}
	fees := calculateFees(preBalance, postBalance, bot.Leverage, bot.FeeType, bot.PositionOpen)

	// 8+9. Persist each mutation and emit its status event.
	var orderSequence int64
	if bot.SessionID != "" {
		session, err := w.st.Sessions().Get(bot.SessionID)
		if err != nil {
			return persistErr(fmt.Errorf("failed to load session %s: %w", bot.SessionID, err))
		}
		if session != nil {
			orderSequence = session.OrderSequence
		}
	}

	order := &models.Order{
		UserID:          bot.UserID,
		BotID:           bot.ID,
		ConfigID:        bot.ConfigID,
		SessionID:       bot.SessionID,
		AccountID:       bot.AccountID,
		ExchangeOrderID: exec.ExchangeOrderID,
		Side:            side,
		Price:           price,
		Amount:          amount,
		Cost:            margin,
		Fees:            fees,
		Status:          exec.Status,
		BotMode:         bot.Mode,
		Leverage:        bot.Leverage,
		FeeType:         bot.FeeType,
		IsExit:          !opening,
		TotalQuantity:   float64(amount),
		FilledQuantity:  exec.Filled,
		RemainQuantity:  exec.Remaining,
		AveragePrice:    exec.AveragePrice,
		Exchange:        bot.Exchange,
		Symbol:          bot.Symbol,
		Pair:            bot.Pair,
		OrderSequence:   orderSequence,
		Timestamp:       ts,
	}
	if err := w.st.Orders().Put(order); err != nil {
		return persistErr(fmt.Errorf("failed to persist order: %w", err))
	}
	w.publishStatus(bus.StatusEvent{Type: bus.StatusOrder, Payload: order})

	// The wallet moves by the filled amount at the fill price, deleveraged; a
	// partial fill debits only the bought contracts. A placement response
	// without fill data falls back to the request.
	filled := exec.Filled
	if filled <= 0 {
		filled = float64(amount)
	}
	avg := exec.AveragePrice
	if avg <= 0 {
		avg = price
	}
	balanceDelta := decimal.NewFromFloat(filled).
		Div(decimal.NewFromFloat(avg)).
		Div(decimal.NewFromInt(int64(bot.Leverage)))

	updatedBot, err := w.st.Bots().Update(bot.ID, func(b *models.Bot) error {
		if opening {
			b.Balance = b.Balance.Sub(balanceDelta)
			b.EntryPrice = price
		} else {
			b.Balance = b.Balance.Add(balanceDelta)
		}
		b.LastPrice = price
		b.LiquidationPrice = liquidation
		b.PositionOpen = opening
		b.PrevOrderID = order.ID
		return nil
	})
	if err != nil {
		return persistErr(fmt.Errorf("failed to persist bot: %w", err))
	}
	w.mu.Lock()
	w.bot = updatedBot
	w.mu.Unlock()
	w.publishStatus(bus.BotStatus(updatedBot))

	updatedAccount, err := w.st.Accounts().Update(account.ID, func(a *models.Account) error {
		a.Balance = postBalance
		return nil
	})
	if err != nil {
		return persistErr(fmt.Errorf("failed to persist account: %w", err))
	}
	w.mu.Lock()
	w.account = updatedAccount
	w.mu.Unlock()
	w.publishStatus(bus.StatusEvent{Type: bus.StatusAccount, Payload: updatedAccount})

	if opening {
		position := &models.Position{
			UserID:           bot.UserID,
			BotID:            bot.ID,
			ConfigID:         bot.ConfigID,
			SessionID:        bot.SessionID,
			AccountID:        bot.AccountID,
			BuyOrderID:       order.ID,
			IsOpen:           true,
			Side:             bot.Mode.Direction(),
			EntryPrice:       price,
			Margin:           margin,
			Size:             filled,
			LiquidationPrice: liquidation,
			BankruptPrice:    bankrupt,
			Exchange:         bot.Exchange,
			Symbol:           bot.Symbol,
			Pair:             bot.Pair,
			Leverage:         bot.Leverage,
			StartedAt:        ts,
		}
		if err := w.st.Positions().Put(position); err != nil {
			return persistErr(fmt.Errorf("failed to persist position: %w", err))
		}
		w.mu.Lock()
		w.position = position
		w.mu.Unlock()
		w.publishStatus(bus.StatusEvent{Type: bus.StatusPosition, Payload: position})
	} else {
		w.mu.Lock()
		pos := w.position
		w.mu.Unlock()
		if pos != nil {
			closedPosition, err := w.st.Positions().Update(pos.ID, func(p *models.Position) error {
				p.SellOrderID = order.ID
				p.ExitPrice = price
				p.EndedAt = ts
				return nil
			})
			if err != nil {
				return persistErr(fmt.Errorf("failed to persist position exit: %w", err))
			}
			w.mu.Lock()
			w.position = closedPosition
			w.mu.Unlock()
			w.publishStatus(bus.StatusEvent{Type: bus.StatusPosition, Payload: closedPosition})
		}
	}

	if bot.SessionID != "" {
		updatedSession, err := w.st.Sessions().Update(bot.SessionID, func(s *models.Session) error {
			s.OrderSequence++
			if opening {
				s.PositionSequence++
				// Entry price is recorded only for the session's first open.
				if s.PositionSequence == 1 {
					if s.ActualEntryPrice == nil {
						s.ActualEntryPrice = make(map[models.Mode]float64)
					}
					s.ActualEntryPrice[bot.Mode] = price
				}
			} else {
				if s.ExitPrice == nil {
					s.ExitPrice = make(map[models.Mode]float64)
				}
				s.ExitPrice[bot.Mode] = price
			}
			return nil
		})
		if err != nil {
			return persistErr(fmt.Errorf("failed to persist session: %w", err))
		}
		w.publishStatus(bus.StatusEvent{Type: bus.StatusSession, Payload: updatedSession})
	}

	return nil
}
