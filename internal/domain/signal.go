package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Direction 信号方向
type Direction string

const (
	DirectionBuyYes Direction = "BUY_YES"
	DirectionBuyNo  Direction = "BUY_NO"
)

// Signal 交易信号（发出后不可变；风控缩量时返回副本）
type Signal struct {
	ID           string    `json:"id"`
	Direction    Direction `json:"direction"`
	TokenID      string    `json:"token_id"`
	EntryPrice   float64   `json:"entry_price"`    // 期望入场价格（0-1）
	SizeUSD      float64   `json:"size_usd"`       // 期望下注金额（USDC）
	ModelProb    float64   `json:"model_prob"`     // 模型估计的该 token 兑付概率（即目标价格）
	LiquidityUSD float64   `json:"liquidity_usd"`  // 可用盘口深度估计（USDC）
	Spread       float64   `json:"spread"`         // 信号产生时观测到的买卖价差（可选）
	ExpiresInSec float64   `json:"expires_in_sec"` // 距离合约到期的秒数
	Market       string    `json:"market"`         // 市场标签（资产+周期），例如 btc-updown-15m-1765985400
	CreatedAt    time.Time `json:"created_at"`
}

// Edge 模型概率与报价之间的差值
func (s Signal) Edge() float64 {
	return s.ModelProb - s.EntryPrice
}

// TimeToExpiry 距离到期的时长
func (s Signal) TimeToExpiry() time.Duration {
	return time.Duration(s.ExpiresInSec * float64(time.Second))
}

// WithSize 返回调整金额后的副本
func (s Signal) WithSize(sizeUSD float64) Signal {
	s.SizeUSD = sizeUSD
	return s
}

// Validate 基础字段校验（不涉及风控）
func (s Signal) Validate() error {
	if strings.TrimSpace(s.TokenID) == "" {
		return fmt.Errorf("signal %s: token_id 为空", s.ID)
	}
	if s.Direction != DirectionBuyYes && s.Direction != DirectionBuyNo {
		return fmt.Errorf("signal %s: 未知方向 %q", s.ID, s.Direction)
	}
	if !(s.EntryPrice > 0 && s.EntryPrice < 1) {
		return fmt.Errorf("signal %s: entry_price 超出 (0,1): %v", s.ID, s.EntryPrice)
	}
	if !(s.SizeUSD > 0) || math.IsInf(s.SizeUSD, 0) {
		return fmt.Errorf("signal %s: size_usd 非法: %v", s.ID, s.SizeUSD)
	}
	if s.ModelProb < 0 || s.ModelProb > 1 {
		return fmt.Errorf("signal %s: model_prob 超出 [0,1]: %v", s.ID, s.ModelProb)
	}
	return nil
}
