package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionSnapshot 账本中单个仓位的持久化形式
type PositionSnapshot struct {
	ID       string          `json:"id"`
	Market   string          `json:"market"`
	TokenID  string          `json:"token_id"`
	Size     decimal.Decimal `json:"size"`
	OpenedAt time.Time       `json:"opened_at"`
}

// LedgerSnapshot 风控账本快照
type LedgerSnapshot struct {
	Bankroll      decimal.Decimal    `json:"bankroll"`
	DailyPnL      decimal.Decimal    `json:"daily_pnl"`
	DailyHigh     decimal.Decimal    `json:"daily_high"`
	DailyTrades   int                `json:"daily_trades"`
	DayKey        string             `json:"day_key"`
	LastTradeAt   time.Time          `json:"last_trade_at"`
	KillSwitch    bool               `json:"kill_switch"`
	KillReason    string             `json:"kill_reason,omitempty"`
	OpenPositions []PositionSnapshot `json:"open_positions"`
}

// StateSnapshot 崩溃恢复快照：账本 + 执行器持有的仓位
type StateSnapshot struct {
	Version int            `json:"version"`
	SavedAt time.Time      `json:"saved_at"`
	Ledger  LedgerSnapshot `json:"ledger"`
	Trades  []Trade        `json:"trades"`
}
