// Package strategy turns price ticks into trade signals. A strategy never
// talks to the exchange: it calls back into the worker through Handlers and
// the worker decides what, if anything, to execute.
package strategy

import (
	"fmt"
	"time"

	"bitmex-fleet-bot-go/internal/models"
)

// Handlers are the worker callbacks a strategy fires. Buy and sell are raw
// signals; the worker maps them onto order sides from the account direction
// and the position state. Nil handlers are skipped.
type Handlers struct {
	OnBuy                func(price float64, ts time.Time)
	OnSell               func(price float64, ts time.Time)
	OnLiquidated         func(price float64, ts time.Time)
	OnPriceTargetReached func(price float64, ts time.Time)
}

// Strategy evaluates one price tick against the bot's current state. Evaluate
// is always called from the worker's own loop, never concurrently.
type Strategy interface {
	Name() string
	Evaluate(price float64, ts time.Time, bot *models.Bot, hasPosition bool)
}

type factory func(h Handlers) Strategy

var registry = map[string]factory{
	"sholo": newSholo,
}

// New builds a registered strategy wired to the worker's handlers.
func New(name string, h Handlers) (Strategy, error) {
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown strategy: %s", name)
	}
	return f(h), nil
}

// sholo is a one-shot threshold strategy. It opens when price crosses the
// entry trigger, closes when it crosses the exit trigger and retires the bot
// when the target price is reached. Liquidation fires on the bot's projected
// liquidation price so the worker can stop before the exchange margin-calls
// the whole account.
type sholo struct {
	h Handlers
}

func newSholo(h Handlers) Strategy {
	return &sholo{h: h}
}

func (s *sholo) Name() string { return "sholo" }

func (s *sholo) Evaluate(price float64, ts time.Time, bot *models.Bot, hasPosition bool) {
	long := bot.Mode.IsLong()

	if hasPosition && bot.LiquidationPrice > 0 {
		liquidated := (long && price <= bot.LiquidationPrice) ||
			(!long && price >= bot.LiquidationPrice)
		if liquidated {
			if s.h.OnLiquidated != nil {
				s.h.OnLiquidated(price, ts)
			}
			return
		}
	}

	if !hasPosition {
		// The target retires the bot; it only applies between positions.
		if bot.TargetPrice > 0 {
			reached := (long && price >= bot.TargetPrice) ||
				(!long && price <= bot.TargetPrice)
			if reached {
				if s.h.OnPriceTargetReached != nil {
					s.h.OnPriceTargetReached(price, ts)
				}
				return
			}
		}
		trigger := (long && price <= bot.EntryTrigger) ||
			(!long && price >= bot.EntryTrigger)
		if trigger && s.h.OnBuy != nil {
			s.h.OnBuy(price, ts)
		}
		return
	}

	trigger := (long && price >= bot.ExitTrigger) ||
		(!long && price <= bot.ExitTrigger)
	if trigger && s.h.OnSell != nil {
		s.h.OnSell(price, ts)
	}
}
