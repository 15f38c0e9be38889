package exchange

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/betbot/edgeexec/internal/domain"
)

// 交易所返回的订单/事件字段形态不固定（字符串或数字、多种字段名）。
// 这里统一解析为固定结构，业务层只看到 domain 类型。

// NormalizeStatus 订单状态归一化（大小写不敏感，"filled" 视为 MATCHED）
func NormalizeStatus(raw string) domain.OrderStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "matched", "filled", "mined", "confirmed":
		return domain.OrderStatusMatched
	case "live", "open", "unmatched", "delayed", "placement":
		return domain.OrderStatusOpen
	case "partial", "partially_filled", "partially-filled", "partiallyfilled":
		return domain.OrderStatusPartial
	case "canceled", "cancelled", "killed", "expired", "cancellation", "canceled_market_resolved":
		return domain.OrderStatusCancelled
	default:
		return domain.OrderStatusUnknown
	}
}

// ToFillStatus 将订单状态映射为成交状态
func ToFillStatus(s domain.OrderStatus) (domain.FillStatus, bool) {
	switch s {
	case domain.OrderStatusMatched:
		return domain.FillMatched, true
	case domain.OrderStatusPartial:
		return domain.FillPartial, true
	case domain.OrderStatusCancelled:
		return domain.FillCancelled, true
	default:
		return "", false
	}
}

// ParseOrderState 解析 GET /data/order 的响应。
//
// 成交量优先取 size_matched；否则由 size - remaining 推出；无法确定时 HasFilled=false。
func ParseOrderState(raw map[string]any) domain.OrderState {
	st := domain.OrderState{
		OrderID: firstString(raw, "id", "order_id", "orderID", "orderId"),
	}
	st.RawStatus = firstString(raw, "status", "state")
	st.Status = NormalizeStatus(st.RawStatus)

	st.Size, st.HasSize = firstNumber(raw, "original_size", "size", "originalSize")

	if filled, ok := firstNumber(raw, "size_matched", "filled_size", "sizeMatched", "filledSize"); ok {
		st.Filled, st.HasFilled = filled, true
	} else if st.HasSize {
		if remaining, ok := firstNumber(raw, "remaining_size", "remainingSize", "makerAmount", "maker_amount"); ok {
			st.Filled, st.HasFilled = st.Size-remaining, true
		}
	}

	st.AvgPrice, st.HasAvgPrice = firstNumber(raw, "avg_price", "avgPrice", "average_price", "price")
	if st.HasAvgPrice && st.AvgPrice <= 0 {
		st.AvgPrice, st.HasAvgPrice = 0, false
	}
	return st
}

// ParseFillEvent 解析用户频道的 order 消息。
//
// 返回 ok=false 表示该消息不是成交相关事件（例如新挂单 PLACEMENT）。
func ParseFillEvent(msg map[string]any) (domain.FillEvent, bool) {
	ev := domain.FillEvent{
		OrderID: firstString(msg, "id", "order_id", "orderID", "orderId"),
	}
	if ev.OrderID == "" {
		return ev, false
	}

	size, hasSize := firstNumber(msg, "original_size", "size", "originalSize")
	if matched, ok := firstNumber(msg, "size_matched", "filled_size", "sizeMatched", "filledSize"); ok {
		ev.FilledQty, ev.HasFilledQty = matched, true
	} else if hasSize {
		if remaining, ok := firstNumber(msg, "remaining_size", "remainingSize"); ok {
			ev.FilledQty, ev.HasFilledQty = size-remaining, true
		}
	}
	ev.AvgPrice, ev.HasAvgPrice = firstNumber(msg, "avg_price", "avgPrice", "price")
	if ev.HasAvgPrice && ev.AvgPrice <= 0 {
		ev.AvgPrice, ev.HasAvgPrice = 0, false
	}

	kind := strings.ToUpper(firstString(msg, "type"))
	switch kind {
	case "PLACEMENT":
		return ev, false
	case "CANCELLATION":
		ev.Status = domain.FillCancelled
		return ev, true
	case "UPDATE":
		switch {
		case ev.HasFilledQty && hasSize && ev.FilledQty >= size:
			ev.Status = domain.FillMatched
		case ev.HasFilledQty && ev.FilledQty > 0:
			ev.Status = domain.FillPartial
		default:
			return ev, false
		}
		return ev, true
	}

	fs, ok := ToFillStatus(NormalizeStatus(firstString(msg, "status")))
	if !ok {
		return ev, false
	}
	ev.Status = fs
	return ev, true
}

// BookDepthLevels 深度统计使用的档位数
const BookDepthLevels = 5

type bookLevel struct {
	price float64
	size  float64
}

// ParseBook 解析 /book 响应或 market 频道的 book 消息
func ParseBook(tokenID string, raw map[string]any, now time.Time) domain.BookSnapshot {
	bids := parseLevels(raw["bids"])
	asks := parseLevels(raw["asks"])
	if len(bids) == 0 {
		bids = parseLevels(raw["buys"])
	}
	if len(asks) == 0 {
		asks = parseLevels(raw["sells"])
	}
	sort.Slice(bids, func(i, j int) bool { return bids[i].price > bids[j].price })
	sort.Slice(asks, func(i, j int) bool { return asks[i].price < asks[j].price })

	b := domain.BookSnapshot{TokenID: tokenID, Timestamp: now}
	if id := firstString(raw, "asset_id", "token_id"); id != "" {
		b.TokenID = id
	}
	if len(bids) > 0 {
		b.BestBid = bids[0].price
	}
	if len(asks) > 0 {
		b.BestAsk = asks[0].price
	}
	b.BidDepth = depthUSD(bids)
	b.AskDepth = depthUSD(asks)
	b.Mid = b.MidPrice()
	if ts, ok := firstNumber(raw, "timestamp"); ok && ts > 0 {
		if ts > 1e12 {
			b.Timestamp = time.UnixMilli(int64(ts))
		} else {
			b.Timestamp = time.Unix(int64(ts), 0)
		}
	}
	return b
}

func parseLevels(v any) []bookLevel {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]bookLevel, 0, len(arr))
	for _, it := range arr {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		p, okP := firstNumber(m, "price")
		sz, okS := firstNumber(m, "size")
		if !okP || !okS || p <= 0 || sz <= 0 {
			continue
		}
		out = append(out, bookLevel{price: p, size: sz})
	}
	return out
}

func depthUSD(levels []bookLevel) float64 {
	var sum float64
	for i, l := range levels {
		if i >= BookDepthLevels {
			break
		}
		sum += l.price * l.size
	}
	return sum
}

// ParseNumber 字符串或数字 -> float64；空串、NaN、Inf 视为缺失
func ParseNumber(v any) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case nil:
		return 0, false
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case json.Number:
		p, err := t.Float64()
		if err != nil {
			return 0, false
		}
		f = p
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, false
		}
		p, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		f = p
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func firstNumber(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := ParseNumber(v); ok {
				return f, true
			}
		}
	}
	return 0, false
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case json.Number:
			return v.String()
		}
	}
	return ""
}
