package domain

import "time"

// BookSnapshot 订单簿快照（顶部）
type BookSnapshot struct {
	TokenID   string    `json:"token_id"`
	Mid       float64   `json:"mid"`
	BestBid   float64   `json:"best_bid"`
	BestAsk   float64   `json:"best_ask"`
	BidDepth  float64   `json:"bid_depth"` // USDC
	AskDepth  float64   `json:"ask_depth"` // USDC
	Timestamp time.Time `json:"timestamp"`
}

// Spread 买卖价差；任一侧缺失时返回 0
func (b BookSnapshot) Spread() float64 {
	if b.BestBid <= 0 || b.BestAsk <= 0 || b.BestAsk < b.BestBid {
		return 0
	}
	return b.BestAsk - b.BestBid
}

// MidPrice 优先使用 Mid，否则由 bid/ask 推出
func (b BookSnapshot) MidPrice() float64 {
	if b.Mid > 0 {
		return b.Mid
	}
	if b.BestBid > 0 && b.BestAsk > 0 {
		return (b.BestBid + b.BestAsk) / 2
	}
	return 0
}
