// Package viewer renders a live fleet table from the status event firehose.
package viewer

import (
	"os"
	"sort"
	"sync"
	"time"

	"bitmex-fleet-bot-go/internal/bus"
	"bitmex-fleet-bot-go/internal/models"

	"github.com/jedib0t/go-pretty/v6/table"
)

// Console keeps the last seen bot snapshot per id and reprints the fleet
// table on a fixed interval. It only consumes bot-typed status events; order
// and position events carry ids the table does not show.
type Console struct {
	b       *bus.Bus
	refresh time.Duration

	mu   sync.Mutex
	bots map[string]models.Bot

	stopOnce sync.Once
	done     chan struct{}
}

func NewConsole(b *bus.Bus, refresh time.Duration) *Console {
	if refresh <= 0 {
		refresh = 10 * time.Second
	}
	return &Console{
		b:       b,
		refresh: refresh,
		bots:    make(map[string]models.Bot),
		done:    make(chan struct{}),
	}
}

// Start subscribes to the firehose and begins rendering.
func (c *Console) Start() {
	ch, cancel := c.b.SubscribeAllStatus()
	go func() {
		defer cancel()
		ticker := time.NewTicker(c.refresh)
		defer ticker.Stop()
		for {
			select {
			case <-c.done:
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				c.ingest(ev)
			case <-ticker.C:
				c.render()
			}
		}
	}()
}

// Stop halts rendering. Idempotent.
func (c *Console) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
	})
}

func (c *Console) ingest(ev bus.StatusEvent) {
	if ev.Type != bus.StatusBot {
		return
	}
	var bot models.Bot
	switch p := ev.Payload.(type) {
	case *models.Bot:
		bot = *p
	case models.Bot:
		bot = p
	default:
		return
	}
	if bot.ID == "" {
		return
	}
	c.mu.Lock()
	c.bots[bot.ID] = bot
	c.mu.Unlock()
}

func (c *Console) render() {
	c.mu.Lock()
	bots := make([]models.Bot, 0, len(c.bots))
	for _, b := range c.bots {
		bots = append(bots, b)
	}
	c.mu.Unlock()
	if len(bots) == 0 {
		return
	}
	sort.Slice(bots, func(i, j int) bool { return bots[i].ID < bots[j].ID })

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Bot", "Pair", "Mode", "Active", "Pos", "Balance", "Last", "Liq", "Realized PnL"})
	for _, b := range bots {
		t.AppendRow(table.Row{
			b.ID,
			b.Pair,
			b.Mode,
			b.Active,
			b.PositionOpen,
			b.Balance.StringFixed(8),
			b.LastPrice,
			b.LiquidationPrice,
			b.RealizedPnl.StringFixed(8),
		})
	}
	t.Render()
}
