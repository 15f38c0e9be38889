package risk

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/edgeexec/internal/domain"
)

var (
	ErrDuplicatePosition = errors.New("position already registered")
	ErrUnknownPosition   = errors.New("position not found")
	ErrInvalidSize       = errors.New("position size must be positive")
)

// OpenRequest 开仓登记参数
type OpenRequest struct {
	ID      string
	Market  string
	TokenID string
	Size    float64
}

// PartialClose 部分平仓的已实现部分
type PartialClose struct {
	RealizedNotional float64
	RealizedPnL      float64
}

// State 账本只读视图
type State struct {
	Bankroll      float64        `json:"bankroll"`
	Equity        float64        `json:"equity"`
	PeakEquity    float64        `json:"peak_equity"`
	Drawdown      float64        `json:"drawdown"`
	DailyPnL      float64        `json:"daily_pnl"`
	DailyHigh     float64        `json:"daily_high"`
	DailyTrades   int            `json:"daily_trades"`
	LastTradeAt   time.Time      `json:"last_trade_at"`
	KillSwitch    bool           `json:"kill_switch"`
	KillReason    string         `json:"kill_reason,omitempty"`
	OpenPositions []PositionView `json:"open_positions"`
}

// PositionView 仓位只读视图
type PositionView struct {
	ID       string    `json:"id"`
	Market   string    `json:"market"`
	TokenID  string    `json:"token_id"`
	Size     float64   `json:"size"`
	OpenedAt time.Time `json:"opened_at"`
}

// OpenPosition 扣减现金并登记仓位，日内交易计数 +1。
func (m *Manager) OpenPosition(req OpenRequest) error {
	if req.Size <= 0 {
		return fmt.Errorf("open %s: %w", req.ID, ErrInvalidSize)
	}
	size := decimal.NewFromFloat(req.Size)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDayLocked(m.now())

	if _, ok := m.positions[req.ID]; ok {
		return fmt.Errorf("open %s: %w", req.ID, ErrDuplicatePosition)
	}
	m.bankroll = m.bankroll.Sub(size)
	m.positions[req.ID] = &position{
		market:   req.Market,
		tokenID:  req.TokenID,
		size:     size,
		openedAt: m.now(),
	}
	m.dailyTrades++

	log.WithField("position", req.ID).Infof("📒 开仓登记: size=%s bankroll=%s open=%d",
		size.StringFixed(2), m.bankroll.StringFixed(2), len(m.positions))
	return nil
}

// ClosePosition 返还剩余仓位资金 + pnl，滚动日内统计并移除仓位。
// 返回本次计入现金的金额。
func (m *Manager) ClosePosition(id string, pnl float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDayLocked(m.now())

	pos, ok := m.positions[id]
	if !ok {
		return 0, fmt.Errorf("close %s: %w", id, ErrUnknownPosition)
	}
	p := decimal.NewFromFloat(pnl)
	credit := pos.size.Add(p)
	m.bankroll = m.bankroll.Add(credit)
	m.dailyPnL = m.dailyPnL.Add(p)
	delete(m.positions, id)
	m.rollWatermarksLocked()

	log.WithField("position", id).Infof("📒 平仓: returned=%s pnl=%s bankroll=%s",
		pos.size.StringFixed(2), p.StringFixed(4), m.bankroll.StringFixed(2))
	c, _ := credit.Float64()
	return c, nil
}

// ApplyPartialClose 部分平仓记账：现金增加 notional + pnl，仓位规模减少 notional。
func (m *Manager) ApplyPartialClose(id string, pc PartialClose) error {
	if pc.RealizedNotional < 0 {
		return fmt.Errorf("partial close %s: negative notional", id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDayLocked(m.now())

	pos, ok := m.positions[id]
	if !ok {
		return fmt.Errorf("partial close %s: %w", id, ErrUnknownPosition)
	}
	notional := decimal.NewFromFloat(pc.RealizedNotional)
	if notional.GreaterThan(pos.size) {
		notional = pos.size
	}
	p := decimal.NewFromFloat(pc.RealizedPnL)
	m.bankroll = m.bankroll.Add(notional).Add(p)
	pos.size = pos.size.Sub(notional)
	m.dailyPnL = m.dailyPnL.Add(p)
	m.rollWatermarksLocked()

	log.WithField("position", id).Infof("📒 部分平仓: notional=%s pnl=%s remaining=%s bankroll=%s",
		notional.StringFixed(2), p.StringFixed(4), pos.size.StringFixed(2), m.bankroll.StringFixed(2))
	return nil
}

// HasPosition 仓位是否仍在账本中
func (m *Manager) HasPosition(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.positions[id]
	return ok
}

// Bankroll 当前现金
func (m *Manager) Bankroll() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, _ := m.bankroll.Float64()
	return f
}

// State 返回账本只读视图
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDayLocked(m.now())

	equity := m.equityLocked()
	st := State{
		DailyTrades: m.dailyTrades,
		LastTradeAt: m.lastTradeAt,
	}
	st.Bankroll, _ = m.bankroll.Float64()
	st.Equity, _ = equity.Float64()
	st.PeakEquity, _ = m.peak.Float64()
	st.DailyPnL, _ = m.dailyPnL.Float64()
	st.DailyHigh, _ = m.dailyHigh.Float64()
	if m.peak.IsPositive() {
		st.Drawdown, _ = m.peak.Sub(equity).Div(m.peak).Float64()
	}
	st.KillSwitch, st.KillReason = m.kill.Active()
	for id, pos := range m.positions {
		sz, _ := pos.size.Float64()
		st.OpenPositions = append(st.OpenPositions, PositionView{
			ID: id, Market: pos.market, TokenID: pos.tokenID, Size: sz, OpenedAt: pos.openedAt,
		})
	}
	sort.Slice(st.OpenPositions, func(i, j int) bool {
		return st.OpenPositions[i].OpenedAt.Before(st.OpenPositions[j].OpenedAt)
	})
	return st
}

// Snapshot 导出可持久化的账本状态
func (m *Manager) Snapshot() domain.LedgerSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := domain.LedgerSnapshot{
		Bankroll:      m.bankroll,
		DailyPnL:      m.dailyPnL,
		DailyHigh:     m.dailyHigh,
		DailyTrades:   m.dailyTrades,
		DayKey:        m.dayKey,
		LastTradeAt:   m.lastTradeAt,
		OpenPositions: make([]domain.PositionSnapshot, 0, len(m.positions)),
	}
	snap.KillSwitch, snap.KillReason = m.kill.Active()
	for id, pos := range m.positions {
		snap.OpenPositions = append(snap.OpenPositions, domain.PositionSnapshot{
			ID: id, Market: pos.market, TokenID: pos.tokenID, Size: pos.size, OpenedAt: pos.openedAt,
		})
	}
	sort.Slice(snap.OpenPositions, func(i, j int) bool {
		return snap.OpenPositions[i].ID < snap.OpenPositions[j].ID
	})
	return snap
}

// RestoreState 从快照恢复现金、日内计数和持仓。
// 峰值不恢复：重置为恢复后的权益，每次进程启动都有完整的回撤缓冲。
func (m *Manager) RestoreState(snap domain.LedgerSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.bankroll = snap.Bankroll
	m.positions = make(map[string]*position, len(snap.OpenPositions))
	for _, p := range snap.OpenPositions {
		m.positions[p.ID] = &position{market: p.Market, tokenID: p.TokenID, size: p.Size, openedAt: p.OpenedAt}
	}
	m.lastTradeAt = snap.LastTradeAt

	now := m.now()
	equity := m.equityLocked()
	if snap.DayKey == dayKey(now) {
		m.dayKey = snap.DayKey
		m.dailyPnL = snap.DailyPnL
		m.dailyTrades = snap.DailyTrades
		m.dailyHigh = decimal.Max(snap.DailyHigh, equity)
	} else {
		m.dayKey = dayKey(now)
		m.dailyPnL = decimal.Zero
		m.dailyTrades = 0
		m.dailyHigh = equity
	}
	m.peak = equity

	if snap.KillSwitch {
		m.kill.Halt(snap.KillReason)
	}
	log.Infof("♻️ 账本已恢复: bankroll=%s equity=%s positions=%d daily_trades=%d",
		m.bankroll.StringFixed(2), equity.StringFixed(2), len(m.positions), m.dailyTrades)
}

// equityLocked 现金 + 持仓成本。调用方持有 m.mu。
func (m *Manager) equityLocked() decimal.Decimal {
	eq := m.bankroll
	for _, pos := range m.positions {
		eq = eq.Add(pos.size)
	}
	return eq
}

func (m *Manager) rollWatermarksLocked() {
	eq := m.equityLocked()
	if eq.GreaterThan(m.peak) {
		m.peak = eq
	}
	if eq.GreaterThan(m.dailyHigh) {
		m.dailyHigh = eq
	}
}

// rollDayLocked UTC 跨日时重置日内统计
func (m *Manager) rollDayLocked(now time.Time) {
	k := dayKey(now)
	if k == m.dayKey {
		return
	}
	m.dayKey = k
	m.dailyPnL = decimal.Zero
	m.dailyTrades = 0
	m.dailyHigh = m.equityLocked()
	log.Infof("📅 新交易日 %s: 日内统计已重置", k)
}
