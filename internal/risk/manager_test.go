package risk

import (
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/edgeexec/internal/domain"
	"github.com/betbot/edgeexec/internal/ports"
	"github.com/betbot/edgeexec/pkg/config"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingAlerter struct {
	mu     sync.Mutex
	titles []string
}

func (a *recordingAlerter) Alert(level ports.AlertLevel, title, message string, fields map[string]any) {
	a.mu.Lock()
	a.titles = append(a.titles, string(level)+":"+title)
	a.mu.Unlock()
}

func (a *recordingAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.titles)
}

func newTestManager(t *testing.T, mutate func(*config.Risk)) (*Manager, *fakeClock, *recordingAlerter) {
	t.Helper()
	cfg := config.DefaultRisk()
	cfg.Cooldown = config.Duration{}
	if mutate != nil {
		mutate(&cfg)
	}
	clk := &fakeClock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	al := &recordingAlerter{}
	return NewManager(cfg, al, WithClock(clk.Now)), clk, al
}

func goodSignal() domain.Signal {
	return domain.Signal{
		ID:           "sig-1",
		Direction:    domain.DirectionBuyYes,
		TokenID:      "tok-yes",
		EntryPrice:   0.50,
		SizeUSD:      10,
		ModelProb:    0.60,
		LiquidityUSD: 500,
		ExpiresInSec: 600,
		Market:       "btc-15m",
	}
}

func TestBankrollConservation(t *testing.T) {
	m, _, _ := newTestManager(t, nil)

	require.NoError(t, m.OpenPosition(OpenRequest{ID: "a", Size: 10}))
	require.NoError(t, m.OpenPosition(OpenRequest{ID: "b", Size: 20}))
	assert.InDelta(t, 970.0, m.Bankroll(), 1e-9)

	credit, err := m.ClosePosition("a", 2)
	require.NoError(t, err)
	assert.InDelta(t, 12.0, credit, 1e-9)
	assert.InDelta(t, 982.0, m.Bankroll(), 1e-9)

	require.NoError(t, m.ApplyPartialClose("b", PartialClose{RealizedNotional: 5, RealizedPnL: 0.5}))
	assert.InDelta(t, 987.5, m.Bankroll(), 1e-9)

	st := m.State()
	require.Len(t, st.OpenPositions, 1)
	assert.InDelta(t, 15.0, st.OpenPositions[0].Size, 1e-9)

	_, err = m.ClosePosition("b", -1)
	require.NoError(t, err)
	assert.InDelta(t, 1001.5, m.Bankroll(), 1e-9)

	st = m.State()
	assert.InDelta(t, 1.5, st.DailyPnL, 1e-9)
	assert.Equal(t, 2, st.DailyTrades)
	assert.Empty(t, st.OpenPositions)
}

func TestLedgerMutatorErrors(t *testing.T) {
	m, _, _ := newTestManager(t, nil)

	require.ErrorIs(t, m.OpenPosition(OpenRequest{ID: "x", Size: 0}), ErrInvalidSize)
	require.NoError(t, m.OpenPosition(OpenRequest{ID: "x", Size: 5}))
	require.ErrorIs(t, m.OpenPosition(OpenRequest{ID: "x", Size: 5}), ErrDuplicatePosition)

	_, err := m.ClosePosition("missing", 1)
	require.ErrorIs(t, err, ErrUnknownPosition)
	require.ErrorIs(t, m.ApplyPartialClose("missing", PartialClose{RealizedNotional: 1}), ErrUnknownPosition)

	// 重复平仓不能二次入账
	_, err = m.ClosePosition("x", 0)
	require.NoError(t, err)
	_, err = m.ClosePosition("x", 0)
	require.ErrorIs(t, err, ErrUnknownPosition)
	assert.InDelta(t, 1000.0, m.Bankroll(), 1e-9)
}

func TestApplyPartialClose_ConcurrentNoLostUpdates(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	require.NoError(t, m.OpenPosition(OpenRequest{ID: "p", Size: 100}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.ApplyPartialClose("p", PartialClose{RealizedNotional: 1, RealizedPnL: 0.1})
		}()
	}
	wg.Wait()

	st := m.State()
	require.Len(t, st.OpenPositions, 1)
	assert.InDelta(t, 50.0, st.OpenPositions[0].Size, 1e-9)
	assert.InDelta(t, 955.0, st.Bankroll, 1e-9)
}

func TestCanTrade_CooldownAtomicity(t *testing.T) {
	m, clk, _ := newTestManager(t, func(c *config.Risk) {
		c.Cooldown = config.Duration{Duration: 30 * time.Second}
	})

	first := m.CanTrade(goodSignal(), 1)
	require.True(t, first.Allowed, "reasons: %v", first.Reasons)
	reserved := m.State().LastTradeAt
	assert.Equal(t, clk.Now(), reserved)

	clk.Advance(time.Second)
	second := m.CanTrade(goodSignal(), 1)
	require.False(t, second.Allowed)
	require.Len(t, second.Reasons, 1)
	assert.True(t, strings.HasPrefix(second.Reasons[0], "cooldown"))
	assert.Equal(t, reserved, m.State().LastTradeAt)

	clk.Advance(30 * time.Second)
	assert.True(t, m.CanTrade(goodSignal(), 1).Allowed)
}

func TestCanTrade_CooldownConcurrent(t *testing.T) {
	m, _, _ := newTestManager(t, func(c *config.Risk) {
		c.Cooldown = config.Duration{Duration: time.Minute}
	})

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.CanTrade(goodSignal(), 1).Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), allowed.Load())
}

func TestCanTrade_LiquidityScaling(t *testing.T) {
	m, _, _ := newTestManager(t, nil)

	t.Run("scaled to threshold", func(t *testing.T) {
		sig := goodSignal()
		sig.SizeUSD = 20
		sig.LiquidityUSD = 20
		d := m.CanTrade(sig, 1)
		require.True(t, d.Allowed, "reasons: %v", d.Reasons)
		assert.True(t, d.Scaled)
		assert.Equal(t, 15.0, d.Signal.SizeUSD)
		assert.Equal(t, 20.0, sig.SizeUSD, "original signal must stay untouched")
	})

	t.Run("blocked below floor", func(t *testing.T) {
		sig := goodSignal()
		sig.SizeUSD = 5.5
		sig.LiquidityUSD = 6
		d := m.CanTrade(sig, 1)
		require.False(t, d.Allowed)
		require.Len(t, d.Reasons, 1)
		assert.Contains(t, d.Reasons[0], "liquidity")
	})

	t.Run("within limit untouched", func(t *testing.T) {
		sig := goodSignal()
		d := m.CanTrade(sig, 1)
		require.True(t, d.Allowed)
		assert.False(t, d.Scaled)
		assert.Equal(t, sig.SizeUSD, d.Signal.SizeUSD)
	})
}

func TestCanTrade_AccumulatesAllReasons(t *testing.T) {
	m, _, _ := newTestManager(t, func(c *config.Risk) {
		c.MaxOpenPositions = 1
	})
	require.NoError(t, m.OpenPosition(OpenRequest{ID: "busy", Size: 10}))

	sig := goodSignal()
	sig.ModelProb = 0.50
	sig.LiquidityUSD = 2

	d := m.CanTrade(sig, 0.1)
	require.False(t, d.Allowed)
	joined := strings.Join(d.Reasons, " | ")
	assert.Contains(t, joined, "max open positions")
	assert.Contains(t, joined, "edge")
	assert.Contains(t, joined, "fill probability")
	assert.Contains(t, joined, "liquidity")
	assert.Len(t, d.Reasons, 4)
	assert.True(t, m.State().LastTradeAt.IsZero())
}

func TestCanTrade_EdgeBelowFeeCurve(t *testing.T) {
	m, _, _ := newTestManager(t, nil)

	sig := goodSignal()
	// cost at 0.5 = 0.005 + 0.5*0.25*0.0625 ≈ 0.0128
	sig.ModelProb = 0.51
	assert.False(t, m.CanTrade(sig, 1).Allowed)

	sig.ModelProb = 0.52
	assert.True(t, m.CanTrade(sig, 1).Allowed)
}

func TestCanTrade_DailyLossFromIntradayHigh(t *testing.T) {
	m, _, _ := newTestManager(t, func(c *config.Risk) {
		c.DailyLossLimit = 50
		c.MaxDrawdown = 0
	})

	// 先盈利 40，日内高点升至 1040
	require.NoError(t, m.OpenPosition(OpenRequest{ID: "w", Size: 40}))
	_, err := m.ClosePosition("w", 40)
	require.NoError(t, err)
	assert.InDelta(t, 1040.0, m.State().DailyHigh, 1e-9)

	// 再亏损 60：较日初仍为 -20，但较日内高点 -60 > 50
	require.NoError(t, m.OpenPosition(OpenRequest{ID: "l", Size: 60}))
	_, err = m.ClosePosition("l", -60)
	require.NoError(t, err)

	d := m.CanTrade(goodSignal(), 1)
	require.False(t, d.Allowed)
	assert.Contains(t, d.Reasons[0], "daily loss limit")
}

func TestCanTrade_DrawdownKillSwitchSticky(t *testing.T) {
	m, _, al := newTestManager(t, func(c *config.Risk) {
		c.DailyLossLimit = 0
	})

	require.NoError(t, m.OpenPosition(OpenRequest{ID: "big", Size: 300}))
	// 持仓按成本计入权益，开仓本身不算回撤
	assert.True(t, m.CanTrade(goodSignal(), 1).Allowed)

	_, err := m.ClosePosition("big", -300)
	require.NoError(t, err)

	d := m.CanTrade(goodSignal(), 1)
	require.False(t, d.Allowed)
	assert.Contains(t, strings.Join(d.Reasons, " "), "max drawdown")
	active, _ := m.KillSwitchActive()
	require.True(t, active)
	assert.Equal(t, 1, al.count())

	// 第二次调用直接短路，不再评估其他条件
	bad := goodSignal()
	bad.ModelProb = 0
	d2 := m.CanTrade(bad, 0)
	require.False(t, d2.Allowed)
	require.Len(t, d2.Reasons, 1)
	assert.True(t, strings.HasPrefix(d2.Reasons[0], "kill switch"))
	assert.Equal(t, 1, al.count())

	m.Resume()
	assert.True(t, m.CanTrade(goodSignal(), 1).Allowed)
}

func TestManualHaltAndConsecutiveErrors(t *testing.T) {
	m, _, _ := newTestManager(t, func(c *config.Risk) {
		c.MaxConsecutiveErrors = 3
	})

	m.RecordExecutionError(assert.AnError)
	m.RecordExecutionError(assert.AnError)
	m.RecordExecutionSuccess()
	m.RecordExecutionError(assert.AnError)
	m.RecordExecutionError(assert.AnError)
	active, _ := m.KillSwitchActive()
	assert.False(t, active)

	m.RecordExecutionError(assert.AnError)
	active, reason := m.KillSwitchActive()
	assert.True(t, active)
	assert.Contains(t, reason, "3")

	m.Resume()
	m.Halt("operator")
	_, reason = m.KillSwitchActive()
	assert.Equal(t, "operator", reason)
}

func TestRestoreState_ResetsPeak(t *testing.T) {
	m, clk, _ := newTestManager(t, nil)
	require.NoError(t, m.OpenPosition(OpenRequest{ID: "keep", Market: "eth-15m", TokenID: "t1", Size: 25}))
	require.NoError(t, m.OpenPosition(OpenRequest{ID: "loss", Size: 200}))
	_, err := m.ClosePosition("loss", -200)
	require.NoError(t, err)
	snap := m.Snapshot()

	restored := NewManager(config.DefaultRisk(), nil, WithClock(clk.Now))
	restored.RestoreState(snap)

	st := restored.State()
	assert.InDelta(t, 775.0, st.Bankroll, 1e-9)
	assert.InDelta(t, 800.0, st.Equity, 1e-9)
	assert.InDelta(t, 800.0, st.PeakEquity, 1e-9)
	assert.Zero(t, st.Drawdown)
	assert.Equal(t, 2, st.DailyTrades)
	require.Len(t, st.OpenPositions, 1)
	assert.Equal(t, "keep", st.OpenPositions[0].ID)
	assert.Equal(t, "eth-15m", st.OpenPositions[0].Market)

	// 恢复后的账本可以正常平仓
	_, err = restored.ClosePosition("keep", 5)
	require.NoError(t, err)
	assert.InDelta(t, 805.0, restored.Bankroll(), 1e-9)
}

func TestRestoreState_OtherDayResetsDailyCounters(t *testing.T) {
	m, clk, _ := newTestManager(t, nil)
	require.NoError(t, m.OpenPosition(OpenRequest{ID: "a", Size: 10}))
	snap := m.Snapshot()

	clk.Advance(24 * time.Hour)
	restored := NewManager(config.DefaultRisk(), nil, WithClock(clk.Now))
	restored.RestoreState(snap)
	assert.Zero(t, restored.State().DailyTrades)
}

func TestDayRollAtUTCMidnight(t *testing.T) {
	m, clk, _ := newTestManager(t, nil)
	require.NoError(t, m.OpenPosition(OpenRequest{ID: "a", Size: 10}))
	_, err := m.ClosePosition("a", 3)
	require.NoError(t, err)
	require.Equal(t, 1, m.State().DailyTrades)

	clk.Advance(12 * time.Hour)
	st := m.State()
	assert.Zero(t, st.DailyTrades)
	assert.Zero(t, st.DailyPnL)
	assert.InDelta(t, 1003.0, st.DailyHigh, 1e-9)
}

func TestFeeFraction(t *testing.T) {
	assert.InDelta(t, 0.25*0.0625, FeeFraction(0.5, 0.25, 2), 1e-12)
	assert.Less(t, FeeFraction(0.9, 0.25, 2), FeeFraction(0.5, 0.25, 2))
	assert.Zero(t, FeeFraction(0, 0.25, 2))
	assert.Zero(t, FeeFraction(1, 0.25, 2))
	assert.InDelta(t, 0.5*0.25*0.0625, FeePerShare(0.5, 0.25, 2), 1e-12)
}
