package kraken

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charleschow/kraken-stream/market"
)

func priceTicker(symbol string, price float64) market.Ticker {
	return market.Ticker{Symbol: symbol, Last: price, Bid: price - 0.5, Ask: price + 0.5}
}

func volumeTicker(symbol string, volume float64) market.Ticker {
	return market.Ticker{Symbol: symbol, Last: 50000.0, Volume24h: volume}
}

func spreadTicker(bid, ask float64) market.Ticker {
	return market.Ticker{Symbol: "BTC/USD", Bid: bid, Ask: ask, Last: (bid + ask) / 2}
}

func TestPriceAlertAboveThreshold(t *testing.T) {
	a := NewPriceAlert(PriceAlertConfig{Symbol: "BTC/USD", Above: 50000})

	assert.False(t, a.Check(priceTicker("BTC/USD", 49000)))
	assert.True(t, a.Check(priceTicker("BTC/USD", 51000)))
	// latched after first fire
	assert.False(t, a.Check(priceTicker("BTC/USD", 52000)))
	assert.Equal(t, 1, a.FireCount())
}

func TestPriceAlertBelowThreshold(t *testing.T) {
	a := NewPriceAlert(PriceAlertConfig{Symbol: "BTC/USD", Below: 40000})

	assert.False(t, a.Check(priceTicker("BTC/USD", 45000)))
	assert.True(t, a.Check(priceTicker("BTC/USD", 39000)))
}

func TestPriceAlertResetAllowsRetrigger(t *testing.T) {
	a := NewPriceAlert(PriceAlertConfig{Symbol: "BTC/USD", Above: 50000})

	require.True(t, a.Check(priceTicker("BTC/USD", 51000)))
	require.False(t, a.Check(priceTicker("BTC/USD", 52000)))

	a.Reset()

	assert.True(t, a.Check(priceTicker("BTC/USD", 53000)))
}

func TestPriceAlertRecurring(t *testing.T) {
	a := NewPriceAlert(PriceAlertConfig{Symbol: "BTC/USD", Above: 50000, Recurring: true})

	assert.True(t, a.Check(priceTicker("BTC/USD", 51000)))
	assert.True(t, a.HasFired())
	assert.Equal(t, 1, a.FireCount())

	assert.True(t, a.Check(priceTicker("BTC/USD", 52000)))
	assert.Equal(t, 2, a.FireCount())

	assert.True(t, a.Check(priceTicker("BTC/USD", 53000)))
	assert.Equal(t, 3, a.FireCount())
}

func TestPriceAlertCooldown(t *testing.T) {
	a := NewPriceAlert(PriceAlertConfig{
		Symbol:    "BTC/USD",
		Above:     50000,
		Recurring: true,
		Cooldown:  100 * time.Millisecond,
	})

	assert.True(t, a.Check(priceTicker("BTC/USD", 51000)))
	// immediately after: still cooling down
	assert.False(t, a.Check(priceTicker("BTC/USD", 52000)))

	time.Sleep(150 * time.Millisecond)

	assert.True(t, a.Check(priceTicker("BTC/USD", 53000)))
	assert.Equal(t, 2, a.FireCount())
}

func TestPriceAlertMessageIncludesPriorPrice(t *testing.T) {
	a := NewPriceAlert(PriceAlertConfig{Symbol: "BTC/USD", Above: 50000})

	require.True(t, a.Check(priceTicker("BTC/USD", 51000)))
	msg := a.LastMessage()
	assert.Contains(t, msg, "Price above")

	a.Reset()
	a.Check(priceTicker("BTC/USD", 49000)) // banks a prior price
	require.True(t, a.Check(priceTicker("BTC/USD", 51000)))
	msg = a.LastMessage()
	assert.Contains(t, msg, "was $49000.00")
	assert.Contains(t, msg, "change +2000.00")
}

func TestPriceAlertIgnoresOtherSymbols(t *testing.T) {
	a := NewPriceAlert(PriceAlertConfig{Symbol: "BTC/USD", Above: 50000})

	assert.Equal(t, []string{"BTC/USD"}, a.Symbols())
	assert.False(t, a.Check(priceTicker("ETH/USD", 99999)))
}

func TestVolumeSpikeRequiresEnoughSamples(t *testing.T) {
	a := NewVolumeSpike(VolumeSpikeConfig{Symbols: []string{"BTC/USD"}, Multiplier: 2, Lookback: 10})

	for i := 0; i < 4; i++ {
		assert.False(t, a.Check(volumeTicker("BTC/USD", 100)))
	}

	// a spike with only 4 of the 5 required samples banked stays quiet
	assert.False(t, a.Check(volumeTicker("BTC/USD", 1000)))
}

func TestVolumeSpikeDetectsSpike(t *testing.T) {
	a := NewVolumeSpike(VolumeSpikeConfig{Symbols: []string{"BTC/USD"}, Multiplier: 2, Lookback: 10})

	for i := 0; i < 10; i++ {
		require.False(t, a.Check(volumeTicker("BTC/USD", 100)))
	}

	assert.True(t, a.Check(volumeTicker("BTC/USD", 300)))
	assert.Equal(t, 1, a.FireCount())
}

func TestVolumeSpikeNormalVolumeStaysQuiet(t *testing.T) {
	a := NewVolumeSpike(VolumeSpikeConfig{Symbols: []string{"BTC/USD"}, Multiplier: 2, Lookback: 10})

	for i := 0; i < 10; i++ {
		a.Check(volumeTicker("BTC/USD", 100))
	}

	assert.False(t, a.Check(volumeTicker("BTC/USD", 150)))
}

func TestVolumeSpikePerSymbolHistory(t *testing.T) {
	a := NewVolumeSpike(VolumeSpikeConfig{Symbols: []string{"BTC/USD", "ETH/USD"}, Multiplier: 2, Lookback: 5})

	for i := 0; i < 5; i++ {
		a.Check(volumeTicker("BTC/USD", 100))
		a.Check(volumeTicker("ETH/USD", 50))
	}

	assert.True(t, a.Check(volumeTicker("BTC/USD", 250)))
	assert.True(t, a.Check(volumeTicker("ETH/USD", 120)))
}

func TestVolumeSpikeIgnoresForeignSymbols(t *testing.T) {
	a := NewVolumeSpike(VolumeSpikeConfig{Symbols: []string{"BTC/USD"}, Multiplier: 2, Lookback: 5})

	for i := 0; i < 5; i++ {
		a.Check(volumeTicker("BTC/USD", 100))
	}

	assert.False(t, a.Check(volumeTicker("ETH/USD", 100000)))
}

func TestSpreadAlertTooWide(t *testing.T) {
	a := NewSpreadAlert(SpreadAlertConfig{Symbol: "BTC/USD", MaxSpread: 10})

	assert.False(t, a.Check(spreadTicker(50000, 50005)))
	assert.True(t, a.Check(spreadTicker(50000, 50015)))
	assert.Contains(t, a.LastMessage(), "widened")
}

func TestSpreadAlertTooNarrow(t *testing.T) {
	a := NewSpreadAlert(SpreadAlertConfig{Symbol: "BTC/USD", MinSpread: 1})

	assert.False(t, a.Check(spreadTicker(50000, 50005)))
	assert.True(t, a.Check(spreadTicker(50000, 50000.5)))
	assert.Contains(t, a.LastMessage(), "narrowed")
}

func TestStrategyEngineDispatch(t *testing.T) {
	c := WithConfig(NewConfig().OfflineMode(true).UseQueue(false).Build())

	var alerts []market.Alert
	id := c.AddAlert(
		NewPriceAlert(PriceAlertConfig{Symbol: "BTC/USD", Above: 50000}),
		func(a market.Alert) { alerts = append(alerts, a) },
	)
	require.NoError(t, c.Run())
	defer c.Stop()

	assert.Equal(t, 1, c.AlertCount())
	assert.True(t, c.IsAlertEnabled(id))

	replay := c.Replay()
	replay.InjectTicker(priceTicker("BTC/USD", 49000))
	replay.InjectTicker(priceTicker("BTC/USD", 51000))
	replay.InjectTicker(priceTicker("BTC/USD", 52000))

	require.Len(t, alerts, 1)
	assert.Equal(t, "PriceAlert", alerts[0].StrategyName)
	assert.Equal(t, "BTC/USD", alerts[0].Symbol)
	assert.Equal(t, 51000.0, alerts[0].Price)
	assert.Equal(t, int64(1), c.GetMetrics().AlertsTriggered)
}

func TestStrategyEngineDisableAndRemove(t *testing.T) {
	c := WithConfig(NewConfig().OfflineMode(true).UseQueue(false).Build())
	require.NoError(t, c.Run())
	defer c.Stop()

	fired := 0
	id := c.AddAlert(
		NewPriceAlert(PriceAlertConfig{Symbol: "BTC/USD", Above: 50000, Recurring: true}),
		func(market.Alert) { fired++ },
	)

	replay := c.Replay()
	replay.InjectTicker(priceTicker("BTC/USD", 51000))
	require.Equal(t, 1, fired)

	c.DisableAlert(id)
	assert.False(t, c.IsAlertEnabled(id))
	replay.InjectTicker(priceTicker("BTC/USD", 52000))
	assert.Equal(t, 1, fired)

	c.EnableAlert(id)
	replay.InjectTicker(priceTicker("BTC/USD", 53000))
	assert.Equal(t, 2, fired)

	c.RemoveAlert(id)
	assert.Equal(t, 0, c.AlertCount())
	replay.InjectTicker(priceTicker("BTC/USD", 54000))
	assert.Equal(t, 2, fired)
}

func TestStrategyCallbackPanicIsContained(t *testing.T) {
	c := WithConfig(NewConfig().OfflineMode(true).UseQueue(false).Build())
	require.NoError(t, c.Run())
	defer c.Stop()

	var errs []*Error
	c.OnError(func(e *Error) { errs = append(errs, e) })

	tickerSeen := 0
	c.OnTicker(func(market.Ticker) { tickerSeen++ })

	c.AddAlert(
		NewPriceAlert(PriceAlertConfig{Symbol: "BTC/USD", Above: 50000, Recurring: true}),
		func(market.Alert) { panic("user callback exploded") },
	)

	replay := c.Replay()
	replay.InjectTicker(priceTicker("BTC/USD", 51000))
	replay.InjectTicker(priceTicker("BTC/USD", 52000))

	// pipeline survived and kept delivering
	assert.Equal(t, 2, tickerSeen)
	require.NotEmpty(t, errs)
	assert.Equal(t, ErrCallback, errs[0].Kind)
}

func TestGetAlertsSortedByID(t *testing.T) {
	c := WithConfig(NewConfig().OfflineMode(true).UseQueue(false).Build())

	id1 := c.AddAlert(NewPriceAlert(PriceAlertConfig{Symbol: "BTC/USD", Above: 1}), nil)
	id2 := c.AddAlert(NewVolumeSpike(VolumeSpikeConfig{Symbols: []string{"BTC/USD"}}), nil)

	alerts := c.GetAlerts()
	require.Len(t, alerts, 2)
	assert.Equal(t, AlertInfo{ID: id1, Name: "PriceAlert"}, alerts[0])
	assert.Equal(t, AlertInfo{ID: id2, Name: "VolumeSpike"}, alerts[1])
}
