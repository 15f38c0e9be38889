package domain

import "time"

// AuditEvent 审计事件类型
type AuditEvent string

const (
	AuditOpen         AuditEvent = "open"
	AuditPartialClose AuditEvent = "partial_close"
	AuditClose        AuditEvent = "close"
)

// AuditRecord 追加写入的审计记录（写入后不再修改）
type AuditRecord struct {
	ID         string     `json:"id"`
	Event      AuditEvent `json:"event"`
	TradeID    string     `json:"trade_id"`
	Market     string     `json:"market"`
	TokenID    string     `json:"token_id"`
	Direction  Direction  `json:"direction"`
	EntryPrice float64    `json:"entry_price"`
	ExitPrice  float64    `json:"exit_price,omitempty"`
	Qty        float64    `json:"qty"`
	Notional   float64    `json:"notional"`
	PnL        float64    `json:"pnl"`
	Reason     string     `json:"reason,omitempty"`
	Estimated  bool       `json:"estimated,omitempty"`
	Source     string     `json:"source,omitempty"`
	OpenedAt   time.Time  `json:"opened_at"`
	At         time.Time  `json:"at"`
}
