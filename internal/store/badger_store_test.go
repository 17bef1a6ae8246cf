package store

import (
	"testing"

	"bitmex-fleet-bot-go/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	st, err := NewBadgerStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestBotRoundTrip(t *testing.T) {
	st := newTestStore(t)

	bot := &models.Bot{
		Exchange: "bitmex",
		Pair:     "XBTUSD",
		Mode:     "l1",
		Leverage: 10,
		Balance:  decimal.NewFromFloat(0.01),
		Enabled:  true,
	}
	require.NoError(t, st.Bots().Put(bot))
	assert.NotEmpty(t, bot.ID, "Put assigns an id to a new document")

	loaded, err := st.Bots().Get(bot.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, bot.Pair, loaded.Pair)
	assert.True(t, loaded.Balance.Equal(bot.Balance))
}

func TestGetMissingReturnsNil(t *testing.T) {
	st := newTestStore(t)

	bot, err := st.Bots().Get("no-such-id")
	require.NoError(t, err, "a missing document is not an error")
	assert.Nil(t, bot)

	account, err := st.Accounts().Get("no-such-id")
	require.NoError(t, err)
	assert.Nil(t, account)
}

func TestUpdateMutatesInPlace(t *testing.T) {
	st := newTestStore(t)

	bot := &models.Bot{Pair: "XBTUSD", Enabled: true}
	require.NoError(t, st.Bots().Put(bot))

	updated, err := st.Bots().Update(bot.ID, func(b *models.Bot) error {
		b.Active = true
		b.LastPrice = 20000
		return nil
	})
	require.NoError(t, err)
	assert.True(t, updated.Active)

	reloaded, err := st.Bots().Get(bot.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.Active)
	assert.Equal(t, float64(20000), reloaded.LastPrice)
}

func TestUpdateMissingFails(t *testing.T) {
	st := newTestStore(t)

	_, err := st.Bots().Update("no-such-id", func(b *models.Bot) error {
		b.Active = true
		return nil
	})
	assert.Error(t, err)
}

func TestBotsAll(t *testing.T) {
	st := newTestStore(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, st.Bots().Put(&models.Bot{Pair: "XBTUSD"}))
	}
	// Documents in other collections must not bleed into the scan.
	require.NoError(t, st.Accounts().Put(&models.Account{Exchange: "bitmex"}))

	bots, err := st.Bots().All()
	require.NoError(t, err)
	assert.Len(t, bots, 3)
}

func TestUniqueIDs(t *testing.T) {
	st := newTestStore(t)

	seen := make(map[string]struct{})
	for i := 0; i < 50; i++ {
		bot := &models.Bot{Pair: "XBTUSD"}
		require.NoError(t, st.Bots().Put(bot))
		_, dup := seen[bot.ID]
		require.False(t, dup, "id %q assigned twice", bot.ID)
		seen[bot.ID] = struct{}{}
	}
}

func TestFindOpenPosition(t *testing.T) {
	st := newTestStore(t)

	open := &models.Position{BotID: "b1", SessionID: "s1", IsOpen: true}
	closed := &models.Position{BotID: "b1", SessionID: "s1", IsOpen: false}
	liquidated := &models.Position{BotID: "b1", SessionID: "s1", IsOpen: true, Liquidated: true}
	otherSession := &models.Position{BotID: "b1", SessionID: "s2", IsOpen: true}
	for _, p := range []*models.Position{open, closed, liquidated, otherSession} {
		require.NoError(t, st.Positions().Put(p))
	}

	found, err := st.Positions().FindOpen("b1", "s1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, open.ID, found.ID)

	none, err := st.Positions().FindOpen("b2", "s1")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestFindOrderByExchangeID(t *testing.T) {
	st := newTestStore(t)

	order := &models.Order{ExchangeOrderID: "exch-1", Pair: "XBTUSD", Side: models.Buy}
	require.NoError(t, st.Orders().Put(order))
	require.NoError(t, st.Orders().Put(&models.Order{ExchangeOrderID: "exch-1", Pair: "ETHUSD"}))

	found, err := st.Orders().FindByExchangeID("exch-1", "XBTUSD")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, order.ID, found.ID)

	none, err := st.Orders().FindByExchangeID("exch-9", "XBTUSD")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestSessionSequencesPersist(t *testing.T) {
	st := newTestStore(t)

	session := &models.Session{}
	require.NoError(t, st.Sessions().Put(session))

	for i := 0; i < 3; i++ {
		_, err := st.Sessions().Update(session.ID, func(s *models.Session) error {
			s.OrderSequence++
			return nil
		})
		require.NoError(t, err)
	}

	loaded, err := st.Sessions().Get(session.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), loaded.OrderSequence)
}
