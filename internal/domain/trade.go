package domain

import (
	"time"
)

// TradeStatus 仓位生命周期
type TradeStatus string

const (
	TradeStatusOpen    TradeStatus = "OPEN"
	TradeStatusClosing TradeStatus = "CLOSING"
	TradeStatusClosed  TradeStatus = "CLOSED"
)

// ExitReason 平仓原因
type ExitReason string

const (
	ExitMaxHoldTime    ExitReason = "MAX_HOLD_TIME"
	ExitProfitTarget   ExitReason = "PROFIT_TARGET"
	ExitStopLoss       ExitReason = "STOP_LOSS"
	ExitEdgeCollapsed  ExitReason = "EDGE_COLLAPSED"
	ExitHardTimeout    ExitReason = "HARD_TIMEOUT"
	ExitCancelAll      ExitReason = "CANCEL_ALL"
	ExitMarketRotation ExitReason = "MARKET_ROTATION"
)

// Trade 持仓（ID = 入场订单 ID）
//
// 约束：TokenQty * EntryPrice == Size（过渡中除外）；InitialSize 创建后不变。
type Trade struct {
	ID            string      `json:"id"`
	Signal        Signal      `json:"signal"`
	Direction     Direction   `json:"direction"`
	TokenID       string      `json:"token_id"`
	Market        string      `json:"market"`
	EntryPrice    float64     `json:"entry_price"` // 实际成交均价
	TokenQty      float64     `json:"token_qty"`
	Size          float64     `json:"size"`
	InitialSize   float64     `json:"initial_size"`
	Status        TradeStatus `json:"status"`
	OpenedAt      time.Time   `json:"opened_at"`
	RealizedPnL   float64     `json:"realized_pnl"` // 部分平仓累计
	MarkPrice     float64     `json:"mark_price"`
	UnrealizedPnL float64     `json:"unrealized_pnl"`
	EntryStyle    OrderStyle  `json:"entry_style"`
	EntrySource   FillSource  `json:"entry_source"`
}

// NewTrade 由确认成交的入场订单创建持仓
func NewTrade(orderID string, sig Signal, qty, avgPrice float64, style OrderStyle, src FillSource, now time.Time) *Trade {
	size := qty * avgPrice
	return &Trade{
		ID:          orderID,
		Signal:      sig,
		Direction:   sig.Direction,
		TokenID:     sig.TokenID,
		Market:      sig.Market,
		EntryPrice:  avgPrice,
		TokenQty:    qty,
		Size:        size,
		InitialSize: size,
		Status:      TradeStatusOpen,
		OpenedAt:    now,
		MarkPrice:   avgPrice,
		EntryStyle:  style,
		EntrySource: src,
	}
}

// Mark 用最新中间价更新估值
func (t *Trade) Mark(mid float64) {
	if mid <= 0 {
		return
	}
	t.MarkPrice = mid
	t.UnrealizedPnL = (mid - t.EntryPrice) * t.TokenQty
}

// ReduceBy 部分平仓后缩减持仓，返回释放的成本（按入场价计）
func (t *Trade) ReduceBy(qty float64) float64 {
	if qty <= 0 {
		return 0
	}
	if qty > t.TokenQty {
		qty = t.TokenQty
	}
	t.TokenQty -= qty
	if t.TokenQty < 1e-9 {
		t.TokenQty = 0
	}
	t.Size = t.TokenQty * t.EntryPrice
	t.UnrealizedPnL = (t.MarkPrice - t.EntryPrice) * t.TokenQty
	return qty * t.EntryPrice
}

// Age 持仓时长
func (t *Trade) Age(now time.Time) time.Duration {
	return now.Sub(t.OpenedAt)
}

// Clone 拷贝一份用于对外展示/持久化
func (t *Trade) Clone() Trade {
	return *t
}

// ClosedTrade 已平仓记录
type ClosedTrade struct {
	Trade
	ExitPrice float64    `json:"exit_price"`
	FinalPnL  float64    `json:"final_pnl"` // 最后一次平仓部分的盈亏
	TotalPnL  float64    `json:"total_pnl"` // 部分平仓 + 最终平仓
	Reason    ExitReason `json:"reason"`
	Estimated bool       `json:"estimated"` // 按标记价强制结算，未经交易所确认
	ClosedAt  time.Time  `json:"closed_at"`
}
