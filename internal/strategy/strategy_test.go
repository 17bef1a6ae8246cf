package strategy

import (
	"testing"
	"time"

	"bitmex-fleet-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type signalLog struct {
	buys, sells, liquidations, targets int
}

func newRecorder() (*signalLog, Handlers) {
	log := &signalLog{}
	return log, Handlers{
		OnBuy:                func(float64, time.Time) { log.buys++ },
		OnSell:               func(float64, time.Time) { log.sells++ },
		OnLiquidated:         func(float64, time.Time) { log.liquidations++ },
		OnPriceTargetReached: func(float64, time.Time) { log.targets++ },
	}
}

func longBot() *models.Bot {
	return &models.Bot{
		Mode:         "l1",
		EntryTrigger: 19000,
		ExitTrigger:  21000,
		TargetPrice:  25000,
	}
}

func TestUnknownStrategy(t *testing.T) {
	_, err := New("martingale", Handlers{})
	assert.Error(t, err)
}

func TestSholoLongEntryAndExit(t *testing.T) {
	log, h := newRecorder()
	s, err := New("sholo", h)
	require.NoError(t, err)

	now := time.Now()
	bot := longBot()

	s.Evaluate(19500, now, bot, false) // above entry, no signal
	assert.Equal(t, 0, log.buys)

	s.Evaluate(19000, now, bot, false) // at entry
	assert.Equal(t, 1, log.buys)

	s.Evaluate(20500, now, bot, true) // below exit, holding
	assert.Equal(t, 0, log.sells)

	s.Evaluate(21000, now, bot, true) // at exit
	assert.Equal(t, 1, log.sells)
}

func TestSholoShortMirrors(t *testing.T) {
	log, h := newRecorder()
	s, err := New("sholo", h)
	require.NoError(t, err)

	now := time.Now()
	bot := &models.Bot{
		Mode:         "s1",
		EntryTrigger: 21000,
		ExitTrigger:  19000,
		TargetPrice:  15000,
	}

	s.Evaluate(21000, now, bot, false) // price rose to entry
	assert.Equal(t, 1, log.buys)

	s.Evaluate(19000, now, bot, true) // price fell to exit
	assert.Equal(t, 1, log.sells)
}

func TestSholoLiquidationWinsOverExit(t *testing.T) {
	log, h := newRecorder()
	s, err := New("sholo", h)
	require.NoError(t, err)

	bot := longBot()
	bot.LiquidationPrice = 18000

	s.Evaluate(17900, time.Now(), bot, true)

	assert.Equal(t, 1, log.liquidations)
	assert.Equal(t, 0, log.sells, "a liquidated position emits no exit signal")
}

func TestSholoTargetOnlyWithoutPosition(t *testing.T) {
	log, h := newRecorder()
	s, err := New("sholo", h)
	require.NoError(t, err)

	bot := longBot()
	now := time.Now()

	s.Evaluate(25000, now, bot, false)
	assert.Equal(t, 1, log.targets)
	assert.Equal(t, 0, log.buys, "the target retires the bot instead of re-entering")
}
