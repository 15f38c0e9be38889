package execution

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/betbot/edgeexec/internal/domain"
	"github.com/betbot/edgeexec/internal/metrics"
	"github.com/betbot/edgeexec/internal/ports"
)

// waitForFill 把推送通道和 REST 查询的成交信息归并为一个确定结果。
// 成交量一律裁剪到 [0, requested]；超时并不代表订单已撤销，撤单由调用方负责。
func (e *Executor) waitForFill(ctx context.Context, orderID string, requested, price float64, timeout time.Duration) domain.FillResult {
	start := time.Now()
	if e.fills != nil {
		ev, err := e.fills.WaitForFillEvent(ctx, orderID, timeout)
		switch {
		case err == nil:
			metrics.FillWait.WithLabelValues("push").Observe(time.Since(start).Seconds())
			return e.fromPushEvent(ctx, orderID, requested, price, ev)
		case errors.Is(err, ports.ErrNoPushChannel):
			log.WithField("order", orderID).Debug("推送通道未连接，使用 REST 轮询")
		default:
			log.WithError(err).WithField("order", orderID).Warn("⚠️ 等待成交推送失败，改用 REST 轮询")
			if timeout -= time.Since(start); timeout < 0 {
				timeout = 0
			}
		}
	}
	r := e.pollFill(ctx, orderID, requested, price, timeout)
	metrics.FillWait.WithLabelValues("poll").Observe(time.Since(start).Seconds())
	return r
}

func (e *Executor) fromPushEvent(ctx context.Context, orderID string, requested, price float64, ev domain.FillEvent) domain.FillResult {
	avg := price
	if ev.HasAvgPrice && ev.AvgPrice > 0 {
		avg = ev.AvgPrice
	}
	switch ev.Status {
	case domain.FillMatched:
		// 数量缺失或为 0 的 MATCHED 不可信，用 REST 复核一次
		if !ev.HasFilledQty || !(ev.FilledQty > 0) {
			return e.reconcile(ctx, orderID, requested, price)
		}
		q := clampQty(ev.FilledQty, requested)
		return domain.FillResult{Status: classifyQty(q, requested), FilledQty: q, AvgPrice: avg, Source: domain.FillSourceWS}
	case domain.FillCancelled:
		if !ev.HasFilledQty {
			return e.reconcile(ctx, orderID, requested, price)
		}
		q := clampQty(ev.FilledQty, requested)
		if q > 0 {
			return domain.FillResult{Status: domain.FillPartial, FilledQty: q, AvgPrice: avg, Source: domain.FillSourceWS}
		}
		return domain.FillResult{Status: domain.FillCancelled, AvgPrice: avg, Source: domain.FillSourceWS}
	default:
		// 推送超时：最后用 REST 查一次，捕获等待结束后才落地的成交
		st, err := e.getOrder(ctx, orderID)
		if err != nil {
			return domain.FillResult{Status: domain.FillTimeout, AvgPrice: price, Source: domain.FillSourceWS}
		}
		return fromOrderState(st, requested, price, domain.FillSourceRESTFinal)
	}
}

// reconcile 推送结果缺少可用数量时的唯一一次 REST 复核；仍无法确定则返回 UNKNOWN_MATCHED_QTY
func (e *Executor) reconcile(ctx context.Context, orderID string, requested, price float64) domain.FillResult {
	metrics.ReconcileRuns.Add(1)
	st, err := e.getOrder(ctx, orderID)
	if err != nil {
		return domain.FillResult{Status: domain.FillUnknownMatchedQty, AvgPrice: price, Source: domain.FillSourceRESTReconcile}
	}
	r := fromOrderState(st, requested, price, domain.FillSourceRESTReconcile)
	if r.Status == domain.FillTimeout {
		r.Status = domain.FillUnknownMatchedQty
	}
	log.WithField("order", orderID).Warnf("⚠️ 推送数量缺失，REST 复核: status=%s raw=%s filled=%.4f", r.Status, st.RawStatus, r.FilledQty)
	return r
}

// pollFill 无推送通道时按 FillPoll 轮询，直到终态或超时；超时后再查最后一次
func (e *Executor) pollFill(ctx context.Context, orderID string, requested, price float64, timeout time.Duration) domain.FillResult {
	poll := e.cfg.FillPoll.D()
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)

	for {
		if st, err := e.getOrder(ctx, orderID); err == nil && st.Status.IsTerminal() {
			return fromOrderState(st, requested, price, domain.FillSourceREST)
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		wait := poll
		if remaining < wait {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			remaining = 0
		case <-timer.C:
		}
		if remaining <= 0 {
			break
		}
	}

	st, err := e.getOrder(ctx, orderID)
	if err != nil {
		return domain.FillResult{Status: domain.FillTimeout, AvgPrice: price, Source: domain.FillSourceRESTFinal}
	}
	return fromOrderState(st, requested, price, domain.FillSourceRESTFinal)
}

// fromOrderState 把规范化后的订单状态映射为成交结果；缺失的字段不做猜测
func fromOrderState(st *domain.OrderState, requested, price float64, src domain.FillSource) domain.FillResult {
	avg := price
	if st.HasAvgPrice && st.AvgPrice > 0 {
		avg = st.AvgPrice
	}
	filled := 0.0
	if st.HasFilled {
		filled = clampQty(st.Filled, requested)
	}
	r := domain.FillResult{FilledQty: filled, AvgPrice: avg, Source: src}

	switch st.Status {
	case domain.OrderStatusMatched:
		if !st.HasFilled || filled <= 0 {
			r.Status = domain.FillUnknownMatchedQty
			return r
		}
		r.Status = classifyQty(filled, requested)
	case domain.OrderStatusCancelled:
		switch {
		case !st.HasFilled:
			r.Status = domain.FillUnknownMatchedQty
		case filled > 0:
			r.Status = domain.FillPartial
		default:
			r.Status = domain.FillCancelled
		}
	default:
		if filled > 0 {
			r.Status = domain.FillPartial
		} else {
			r.Status = domain.FillTimeout
		}
	}
	return r
}

func classifyQty(filled, requested float64) domain.FillStatus {
	if filled >= requested-1e-6 {
		return domain.FillMatched
	}
	return domain.FillPartial
}

// clampQty 交易所报告的成交量（可能为负或超过请求量）裁剪到 [0, requested]
func clampQty(q, requested float64) float64 {
	if math.IsNaN(q) || q < 0 {
		return 0
	}
	if requested < 0 {
		requested = 0
	}
	if q > requested {
		return requested
	}
	return q
}
