package domain

import (
	"time"
)

// Side 订单方向
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType 订单类型
type OrderType string

const (
	OrderTypeGTC OrderType = "GTC" // 挂单（maker）
	OrderTypeFAK OrderType = "FAK" // 吃单：能成交多少成交多少，剩余撤销
	OrderTypeFOK OrderType = "FOK"
)

// OrderStyle 入场方式
type OrderStyle string

const (
	OrderStyleMaker OrderStyle = "maker"
	OrderStyleTaker OrderStyle = "taker"
)

// OrderStatus 规范化后的订单状态
type OrderStatus string

const (
	OrderStatusOpen      OrderStatus = "OPEN"
	OrderStatusMatched   OrderStatus = "MATCHED"
	OrderStatusPartial   OrderStatus = "PARTIAL"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusUnknown   OrderStatus = "UNKNOWN"
)

// IsTerminal MATCHED/CANCELLED 为终态
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusMatched || s == OrderStatusCancelled
}

// OrderRequest 下单请求
type OrderRequest struct {
	TokenID   string
	Side      Side
	Price     float64
	Size      float64 // token 数量
	OrderType OrderType
}

// Notional 请求金额（USDC）
func (r OrderRequest) Notional() float64 {
	return r.Price * r.Size
}

// Order 交易所返回的订单
type Order struct {
	ID        string      `json:"id"`
	TokenID   string      `json:"token_id"`
	Side      Side        `json:"side"`
	Price     float64     `json:"price"`
	Size      float64     `json:"size"`
	Status    OrderStatus `json:"status"`
	OrderType OrderType   `json:"order_type"`
	CreatedAt time.Time   `json:"created_at"`
}

// OrderState 订单状态查询结果（已经过防御性解析）
//
// Has* 为 false 表示交易所没有返回该字段或无法解析，业务层不得猜测。
type OrderState struct {
	OrderID     string
	Status      OrderStatus
	RawStatus   string
	Size        float64
	HasSize     bool
	Filled      float64
	HasFilled   bool
	AvgPrice    float64
	HasAvgPrice bool
}
