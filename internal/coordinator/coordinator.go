// Package coordinator reconciles the persisted fleet against the set of live
// workers and relays worker events to viewers and notifiers. It is built
// once at process start with its dependencies injected; nothing here is a
// package-level singleton.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"bitmex-fleet-bot-go/internal/bus"
	"bitmex-fleet-bot-go/internal/logger"
	"bitmex-fleet-bot-go/internal/notifier"
	"bitmex-fleet-bot-go/internal/store"
	"bitmex-fleet-bot-go/internal/worker"
)

// DefaultReconcileInterval is the fleet reconcile tick.
const DefaultReconcileInterval = 15 * time.Second

// SpawnFunc starts a worker for a bot. Injected so tests can count spawns
// without real workers.
type SpawnFunc func(botID string)

// Coordinator owns the tracking map: membership in it, not the bot's active
// flag, is the spawn guard.
type Coordinator struct {
	st       store.Store
	bus      *bus.Bus
	notify   notifier.Notifier
	interval time.Duration
	spawn    SpawnFunc

	mu      sync.Mutex
	tracked map[string]struct{}

	reconcileMu sync.Mutex

	shutdownOnce sync.Once
	done         chan struct{}
	wg           sync.WaitGroup
}

// New builds a coordinator. A nil spawn uses the real worker engine; a zero
// interval uses the default tick.
func New(st store.Store, b *bus.Bus, n notifier.Notifier, interval time.Duration, spawn SpawnFunc) *Coordinator {
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	c := &Coordinator{
		st:       st,
		bus:      b,
		notify:   n,
		interval: interval,
		spawn:    spawn,
		tracked:  make(map[string]struct{}),
		done:     make(chan struct{}),
	}
	if c.spawn == nil {
		c.spawn = func(botID string) {
			worker.Spawn(botID, st, b, worker.Options{})
		}
	}
	return c
}

// Start launches the reconcile loop and the event relay.
func (c *Coordinator) Start() {
	c.wg.Add(2)
	go c.reconcileLoop()
	go c.relayLoop()
}

func (c *Coordinator) reconcileLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Reconcile()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.Reconcile()
		}
	}
}

// Reconcile runs one tick: spawn enabled-but-inactive bots, stop
// disabled-but-active ones, and sweep tracked entries whose worker is gone.
// Ticks never overlap.
func (c *Coordinator) Reconcile() {
	c.reconcileMu.Lock()
	defer c.reconcileMu.Unlock()

	bots, err := c.st.Bots().All()
	if err != nil {
		logger.S().Errorf("reconcile: failed to load bots: %v", err)
		return
	}

	for i := range bots {
		bot := &bots[i]
		isTracked := c.isTracked(bot.ID)

		switch {
		case bot.Enabled && !bot.Active && !isTracked:
			logger.S().Infof("reconcile: starting bot %s", bot.ID)
			c.track(bot.ID)
			c.spawn(bot.ID)
		case !bot.Enabled && bot.Active:
			logger.S().Infof("reconcile: stopping bot %s", bot.ID)
			c.stopWorker(bot.ID)
		case bot.Enabled && bot.Active && !isTracked:
			// Active in the store with nothing tracking it: the process was
			// restarted or the worker died silently. Probe the command topic
			// and respawn if nobody answers.
			c.probeWorker(bot.ID)
		case isTracked && !bot.Active && !bot.Enabled:
			// Worker finished on its own; probe so a dead entry is swept and
			// a silently crashed worker is caught.
			c.probeWorker(bot.ID)
		}
	}
}

func (c *Coordinator) isTracked(botID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.tracked[botID]
	return ok
}

func (c *Coordinator) track(botID string) {
	c.mu.Lock()
	c.tracked[botID] = struct{}{}
	c.mu.Unlock()
}

func (c *Coordinator) untrack(botID string) {
	c.mu.Lock()
	delete(c.tracked, botID)
	c.mu.Unlock()
}

// TrackedCount reports how many workers the coordinator believes are live.
func (c *Coordinator) TrackedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tracked)
}

// stopWorker sends a stop command. A failed send means the worker is already
// dead and routes into the crash-recovery decision.
func (c *Coordinator) stopWorker(botID string) {
	err := c.bus.PublishCommand(botID, bus.Command{Disable: true})
	if err == nil {
		c.untrack(botID)
		return
	}
	if errors.Is(err, bus.ErrNoSubscribers) {
		c.recoverCrashed(botID)
		return
	}
	logger.S().Errorf("failed to send stop to bot %s: %v", botID, err)
}

// probeWorker checks that a worker is still attached to its command topic
// without telling it to do anything.
func (c *Coordinator) probeWorker(botID string) {
	err := c.bus.PublishCommand(botID, bus.Command{})
	if errors.Is(err, bus.ErrNoSubscribers) {
		c.recoverCrashed(botID)
	}
}

// recoverCrashed decides what to do about a worker that died without being
// stopped: respawn it from persisted state unless the bot's run is over
// (liquidated or target price reached).
func (c *Coordinator) recoverCrashed(botID string) {
	bot, err := c.st.Bots().Get(botID)
	if err != nil {
		logger.S().Errorf("crash recovery: failed to reload bot %s: %v", botID, err)
		return
	}
	if bot == nil {
		c.untrack(botID)
		return
	}
	if bot.Liquidated || bot.PriceTargetReached {
		logger.S().Infof("crash recovery: bot %s is done (liquidated=%v, target=%v), dropping",
			botID, bot.Liquidated, bot.PriceTargetReached)
		c.untrack(botID)
		return
	}
	logger.S().Warnf("crash recovery: respawning bot %s", botID)
	c.track(botID)
	c.spawn(botID)
}

// relayLoop forwards worker events: status events go to the bot's viewers,
// notify events go to the owner's notifier if enabled.
func (c *Coordinator) relayLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-c.bus.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case bus.EventStatus:
				if ev.Status != nil {
					c.bus.PublishStatus(ev.BotID, *ev.Status)
				}
			case bus.EventNotify:
				if ev.Notice != nil {
					c.dispatchNotice(ev.BotID, *ev.Notice)
				}
			}
		}
	}
}

func (c *Coordinator) dispatchNotice(botID string, n bus.Notice) {
	bot, err := c.st.Bots().Get(botID)
	if err != nil || bot == nil {
		logger.S().Errorf("notify: failed to load bot %s: %v", botID, err)
		return
	}
	user, err := c.st.Users().Get(bot.UserID)
	if err != nil {
		logger.S().Errorf("notify: failed to load user %s: %v", bot.UserID, err)
		return
	}
	if user == nil || !user.NotificationEnabled || len(user.NotificationRecipients) == 0 {
		return
	}

	subject, body := notifier.RenderNotice(n)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.notify.Send(ctx, user.NotificationRecipients, subject, body); err != nil {
		logger.S().Errorf("notify: failed to send for bot %s: %v", botID, err)
	}
}

// RestartBot stops a bot's worker and untracks it so the next reconcile tick
// respawns it from persisted state.
func (c *Coordinator) RestartBot(botID string) {
	if !c.isTracked(botID) {
		return
	}
	if err := c.bus.PublishCommand(botID, bus.Command{Disable: true}); err != nil {
		logger.S().Warnf("restart: stop send to bot %s failed: %v", botID, err)
	}
	c.untrack(botID)
}

// KillSwitch stops and untracks every worker without shutting the
// coordinator down; the next tick starts from an empty fleet.
func (c *Coordinator) KillSwitch() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.tracked))
	for id := range c.tracked {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	logger.S().Warnf("kill switch: stopping %d workers", len(ids))
	for _, id := range ids {
		if err := c.bus.PublishCommand(id, bus.Command{Disable: true}); err != nil {
			logger.S().Warnf("kill switch: stop send to bot %s failed: %v", id, err)
		}
		c.untrack(id)
	}
}

// Shutdown broadcasts an inactive status for every tracked bot to viewers,
// then stops every worker synchronously. Runs once; later calls return
// immediately.
func (c *Coordinator) Shutdown() {
	c.shutdownOnce.Do(func() {
		c.mu.Lock()
		ids := make([]string, 0, len(c.tracked))
		for id := range c.tracked {
			ids = append(ids, id)
		}
		c.mu.Unlock()

		logger.S().Infof("shutting down, stopping %d workers", len(ids))
		for _, id := range ids {
			bot, err := c.st.Bots().Get(id)
			if err != nil || bot == nil {
				continue
			}
			inactive := *bot
			inactive.Active = false
			c.bus.PublishStatus(id, bus.BotStatus(&inactive))
		}
		for _, id := range ids {
			if err := c.bus.PublishCommand(id, bus.Command{Disable: true}); err != nil {
				logger.S().Warnf("shutdown: stop send to bot %s failed: %v", id, err)
			}
			c.untrack(id)
		}

		close(c.done)
		c.wg.Wait()
	})
}
