package coordinator

import (
	"sync"
	"testing"
	"time"

	"bitmex-fleet-bot-go/internal/bus"
	"bitmex-fleet-bot-go/internal/models"
	"bitmex-fleet-bot-go/internal/notifier"
	"bitmex-fleet-bot-go/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// spawnRecorder counts spawn calls per bot without starting real workers.
type spawnRecorder struct {
	sync.Mutex
	spawned []string
}

func (r *spawnRecorder) spawn(botID string) {
	r.Lock()
	defer r.Unlock()
	r.spawned = append(r.spawned, botID)
}

func (r *spawnRecorder) calls() []string {
	r.Lock()
	defer r.Unlock()
	out := make([]string, len(r.spawned))
	copy(out, r.spawned)
	return out
}

func newTestCoordinator(t *testing.T) (*Coordinator, *spawnRecorder, store.Store, *bus.Bus) {
	t.Helper()

	st, err := store.NewBadgerStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	b := bus.New(64)
	t.Cleanup(b.Close)

	rec := &spawnRecorder{}
	c := New(st, b, notifier.NewLog(), time.Hour, rec.spawn)
	return c, rec, st, b
}

func seedBot(t *testing.T, st store.Store, enabled, active bool) *models.Bot {
	t.Helper()
	bot := &models.Bot{
		Exchange: "bitmex",
		Pair:     "XBTUSD",
		Mode:     "l1",
		Enabled:  enabled,
		Active:   active,
	}
	require.NoError(t, st.Bots().Put(bot))
	return bot
}

// TestReconcileSpawnsAndStopsInOneTick covers the reference scenario: one
// enabled-but-inactive bot and one disabled-but-active bot in the same tick.
func TestReconcileSpawnsAndStopsInOneTick(t *testing.T) {
	c, rec, st, b := newTestCoordinator(t)

	toStart := seedBot(t, st, true, false)
	toStop := seedBot(t, st, false, true)

	// A fake worker sits on the second bot's command topic.
	cmdCh, cancel := b.SubscribeCommands(toStop.ID)
	defer cancel()

	c.Reconcile()

	assert.Equal(t, []string{toStart.ID}, rec.calls(), "only the enabled inactive bot is spawned")
	assert.True(t, c.isTracked(toStart.ID))

	select {
	case cmd := <-cmdCh:
		assert.True(t, cmd.Disable, "the active disabled bot receives a stop command")
	default:
		t.Fatal("expected a stop command for the disabled bot")
	}
}

func TestReconcileNeverDoubleSpawns(t *testing.T) {
	c, rec, st, _ := newTestCoordinator(t)
	bot := seedBot(t, st, true, false)

	c.Reconcile()
	// The fake spawn never marks the bot active; tracking membership alone
	// must prevent a second spawn.
	c.Reconcile()
	c.Reconcile()

	assert.Equal(t, []string{bot.ID}, rec.calls(), "tracking map is the spawn guard")
	assert.Equal(t, 1, c.TrackedCount())
}

// TestCrashRecoveryRespawns: a stop-send that finds no subscriber means the
// worker died; the bot is reloaded and respawned because its run is not over.
func TestCrashRecoveryRespawns(t *testing.T) {
	c, rec, st, _ := newTestCoordinator(t)
	bot := seedBot(t, st, true, false)

	c.Reconcile()
	require.Equal(t, []string{bot.ID}, rec.calls())

	// The worker "ran" (bot active) and then died; the user disabled it.
	_, err := st.Bots().Update(bot.ID, func(b *models.Bot) error {
		b.Active = true
		b.Enabled = false
		return nil
	})
	require.NoError(t, err)

	c.Reconcile()

	assert.Equal(t, []string{bot.ID, bot.ID}, rec.calls(),
		"a crashed bot that is neither liquidated nor done is respawned")
	assert.True(t, c.isTracked(bot.ID))
}

func TestCrashRecoveryDropsFinishedBot(t *testing.T) {
	c, rec, st, _ := newTestCoordinator(t)
	bot := seedBot(t, st, true, false)

	c.Reconcile()
	require.Len(t, rec.calls(), 1)

	_, err := st.Bots().Update(bot.ID, func(b *models.Bot) error {
		b.Active = true
		b.Enabled = false
		b.Liquidated = true
		return nil
	})
	require.NoError(t, err)

	c.Reconcile()

	assert.Len(t, rec.calls(), 1, "a liquidated bot is never respawned")
	assert.False(t, c.isTracked(bot.ID), "the liquidated bot is dropped from tracking")
}

// TestReconcileAdoptsOrphanedActiveBot covers a process restart: running bots
// are still active in the store but the tracking map is empty. The tick must
// probe and respawn them rather than leave them active with no worker.
func TestReconcileAdoptsOrphanedActiveBot(t *testing.T) {
	c, rec, st, _ := newTestCoordinator(t)
	bot := seedBot(t, st, true, true)

	c.Reconcile()

	assert.Equal(t, []string{bot.ID}, rec.calls(),
		"an active bot with no worker behind it is respawned")
	assert.True(t, c.isTracked(bot.ID))

	c.Reconcile()
	assert.Len(t, rec.calls(), 1, "the adopted bot is tracked, not respawned again")
}

func TestReconcileLeavesLiveUntrackedWorkerAlone(t *testing.T) {
	c, rec, st, b := newTestCoordinator(t)
	bot := seedBot(t, st, true, true)

	// A live worker answers the probe on the command topic.
	cmdCh, cancel := b.SubscribeCommands(bot.ID)
	defer cancel()

	c.Reconcile()

	assert.Empty(t, rec.calls(), "a live worker must not be duplicated")
	select {
	case cmd := <-cmdCh:
		assert.False(t, cmd.Disable, "the probe must not stop the worker")
	default:
		t.Fatal("expected a probe on the command topic")
	}
}

func TestShutdownBroadcastsInactiveAndStops(t *testing.T) {
	c, rec, st, b := newTestCoordinator(t)
	bot := seedBot(t, st, true, false)

	c.Reconcile()
	require.Equal(t, []string{bot.ID}, rec.calls())

	statusCh, cancelStatus := b.SubscribeAllStatus()
	defer cancelStatus()
	cmdCh, cancelCmd := b.SubscribeCommands(bot.ID)
	defer cancelCmd()

	c.Shutdown()
	c.Shutdown() // must be idempotent

	select {
	case ev := <-statusCh:
		require.Equal(t, bus.StatusBot, ev.Type)
		snapshot, ok := ev.Payload.(*models.Bot)
		require.True(t, ok)
		assert.False(t, snapshot.Active, "viewers see the bot as inactive before it stops")
	default:
		t.Fatal("expected an inactive status broadcast")
	}

	select {
	case cmd := <-cmdCh:
		assert.True(t, cmd.Disable)
	default:
		t.Fatal("expected a stop command during shutdown")
	}

	assert.Equal(t, 0, c.TrackedCount())
}

func TestEventRelayForwardsStatus(t *testing.T) {
	c, _, st, b := newTestCoordinator(t)
	bot := seedBot(t, st, true, false)

	c.Start()
	defer c.Shutdown()

	statusCh, cancel := b.SubscribeStatus(bot.ID)
	defer cancel()

	ev := bus.BotStatus(bot)
	require.NoError(t, b.PublishEvent(bus.WorkerEvent{
		BotID:  bot.ID,
		Kind:   bus.EventStatus,
		Status: &ev,
	}))

	select {
	case got := <-statusCh:
		assert.Equal(t, bus.StatusBot, got.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("status event was not relayed to the bot's viewers")
	}
}

func TestRestartBotUntracksForNextTick(t *testing.T) {
	c, rec, st, b := newTestCoordinator(t)
	bot := seedBot(t, st, true, false)

	c.Reconcile()
	require.Len(t, rec.calls(), 1)

	cmdCh, cancel := b.SubscribeCommands(bot.ID)
	defer cancel()

	c.RestartBot(bot.ID)

	select {
	case cmd := <-cmdCh:
		assert.True(t, cmd.Disable)
	default:
		t.Fatal("expected a stop command on restart")
	}
	assert.False(t, c.isTracked(bot.ID))

	c.Reconcile()
	assert.Len(t, rec.calls(), 2, "the next tick respawns a restarted bot")
}

func TestKillSwitchStopsEverything(t *testing.T) {
	c, rec, st, _ := newTestCoordinator(t)
	seedBot(t, st, true, false)
	seedBot(t, st, true, false)

	c.Reconcile()
	require.Len(t, rec.calls(), 2)

	c.KillSwitch()

	assert.Equal(t, 0, c.TrackedCount())
}
