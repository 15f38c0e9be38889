package execution

import (
	"context"
	"math"

	"github.com/betbot/edgeexec/internal/domain"
	"github.com/betbot/edgeexec/internal/metrics"
	"github.com/betbot/edgeexec/internal/ports"
	"github.com/betbot/edgeexec/internal/risk"
)

// exitPosition 卖出剩余持仓。并发调用安全：只有把状态从 OPEN 改为 CLOSING 的调用者会下单。
// 返回 true 表示仓位已结算。
func (e *Executor) exitPosition(ctx context.Context, id string, reason domain.ExitReason) bool {
	e.mu.Lock()
	ts, ok := e.trades[id]
	if !ok || ts.trade.Status != domain.TradeStatusOpen {
		e.mu.Unlock()
		return false
	}
	// 必须在任何外部可见动作之前置为 CLOSING
	ts.trade.Status = domain.TradeStatusClosing
	qty := ts.trade.TokenQty
	tokenID := ts.trade.TokenID
	price := exitPrice(ts)
	l := e.tradeLog(ts.trade)
	e.mu.Unlock()

	if qty < priceTick {
		return e.finalize(id, price, reason, false)
	}

	l.Infof("🚪 出场: reason=%s qty=%.2f price=%.2f", reason, qty, price)
	order, err := e.place(ctx, domain.OrderRequest{
		TokenID:   tokenID,
		Side:      domain.SideSell,
		Price:     price,
		Size:      qty,
		OrderType: domain.OrderTypeFAK,
	}, "exit")
	if err != nil {
		e.revertOpen(id)
		return false
	}

	fr := e.waitForFill(ctx, order.ID, qty, price, e.cfg.FillTimeout.D())
	switch fr.Status {
	case domain.FillMatched:
		e.risk.RecordExecutionSuccess()
		return e.finalize(id, fr.AvgPrice, reason, false)
	case domain.FillPartial:
		fr = e.settleRemainder(ctx, order.ID, qty, price, fr)
		if fr.Status == domain.FillMatched {
			return e.finalize(id, fr.AvgPrice, reason, false)
		}
		return e.applyPartialExit(id, fr, reason)
	case domain.FillUnknownMatchedQty:
		if err := e.cancelOrder(ctx, order.ID); err != nil {
			l.WithError(err).Warn("⚠️ 出场单撤销失败")
		}
		e.alert(ports.AlertWarning, "ambiguous exit fill", "exit fill quantity could not be determined; will retry", map[string]any{
			"trade": id, "order": order.ID,
		})
		e.revertOpen(id)
		return false
	}

	// 未确认：撤单后复查，仍无成交则交给下一个监控周期重试
	fr = e.settleRemainder(ctx, order.ID, qty, price, fr)
	switch {
	case fr.Status == domain.FillMatched:
		return e.finalize(id, fr.AvgPrice, reason, false)
	case fr.HasFill():
		return e.applyPartialExit(id, fr, reason)
	}
	metrics.UnconfirmedExits.Add(1)
	l.Warnf("⚠️ 出场未确认 (status=%s)，下个周期重试", fr.Status)
	e.revertOpen(id)
	return false
}

// applyPartialExit 部分卖出：通过账本记账，缩减持仓并恢复 OPEN；卖完则直接结算
func (e *Executor) applyPartialExit(id string, fr domain.FillResult, reason domain.ExitReason) bool {
	e.mu.Lock()
	ts, ok := e.trades[id]
	if !ok {
		e.mu.Unlock()
		return false
	}
	t := ts.trade
	filled := math.Min(fr.FilledQty, t.TokenQty)
	pnl := (fr.AvgPrice - t.EntryPrice) * filled
	notional := filled * t.EntryPrice

	if err := e.risk.ApplyPartialClose(id, risk.PartialClose{RealizedNotional: notional, RealizedPnL: pnl}); err != nil {
		t.Status = domain.TradeStatusOpen
		e.mu.Unlock()
		log.WithError(err).WithField("trade", id).Error("❌ 部分平仓记账失败")
		return false
	}
	t.ReduceBy(filled)
	t.RealizedPnL += pnl
	exhausted := t.TokenQty < priceTick
	if !exhausted {
		t.Status = domain.TradeStatusOpen
	}
	e.stats.Partials++
	rec := domain.AuditRecord{
		Event:      domain.AuditPartialClose,
		TradeID:    t.ID,
		Market:     t.Market,
		TokenID:    t.TokenID,
		Direction:  t.Direction,
		EntryPrice: t.EntryPrice,
		ExitPrice:  fr.AvgPrice,
		Qty:        filled,
		Notional:   notional,
		PnL:        pnl,
		Reason:     string(reason),
		Source:     string(fr.Source),
		OpenedAt:   t.OpenedAt,
		At:         e.now().UTC(),
	}
	remaining := t.TokenQty
	l := e.tradeLog(t)
	e.mu.Unlock()

	e.appendAudit(rec)
	l.Infof("✂️ 部分出场: filled=%.2f price=%.4f pnl=%+.4f remaining=%.2f", filled, fr.AvgPrice, pnl, remaining)
	if exhausted {
		return e.finalize(id, fr.AvgPrice, reason, false)
	}
	e.saveState()
	return false
}

func (e *Executor) revertOpen(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ts, ok := e.trades[id]; ok && ts.trade.Status == domain.TradeStatusClosing {
		ts.trade.Status = domain.TradeStatusOpen
	}
}

// finalize 唯一的结算路径：标记 CLOSED、账本平仓、移出跟踪、写历史与审计。每笔仓位只会成功一次。
func (e *Executor) finalize(id string, exitPx float64, reason domain.ExitReason, estimated bool) bool {
	e.mu.Lock()
	ts, ok := e.trades[id]
	if !ok || ts.trade.Status == domain.TradeStatusClosed {
		e.mu.Unlock()
		return false
	}
	t := ts.trade
	finalPnL := (exitPx - t.EntryPrice) * t.TokenQty
	if _, err := e.risk.ClosePosition(id, finalPnL); err != nil {
		// 账本里已经没有该仓位：仍然结束跟踪，绝不重复记账
		log.WithError(err).WithField("trade", id).Error("❌ 账本平仓失败")
		e.alert(ports.AlertCritical, "ledger close failed", err.Error(), map[string]any{"trade": id})
	}
	t.Status = domain.TradeStatusClosed
	delete(e.trades, id)
	if set := e.byToken[t.TokenID]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(e.byToken, t.TokenID)
		}
	}

	now := e.now().UTC()
	closed := domain.ClosedTrade{
		Trade:     *t,
		ExitPrice: exitPx,
		FinalPnL:  finalPnL,
		TotalPnL:  t.RealizedPnL + finalPnL,
		Reason:    reason,
		Estimated: estimated,
		ClosedAt:  now,
	}
	e.pushHistoryLocked(closed, ts.checkpoints)
	e.stats.Closed++
	e.stats.TotalPnL += closed.TotalPnL
	e.stats.ByReason[reason]++
	if closed.TotalPnL >= 0 {
		e.stats.Wins++
	} else {
		e.stats.Losses++
	}
	if estimated {
		e.stats.Estimated++
	}
	l := e.tradeLog(t)
	e.mu.Unlock()

	ts.halt()
	e.releaseSubscription(closed.TokenID)

	e.appendAudit(domain.AuditRecord{
		Event:      domain.AuditClose,
		TradeID:    closed.ID,
		Market:     closed.Market,
		TokenID:    closed.TokenID,
		Direction:  closed.Direction,
		EntryPrice: closed.EntryPrice,
		ExitPrice:  exitPx,
		Qty:        closed.TokenQty,
		Notional:   closed.Size,
		PnL:        closed.TotalPnL,
		Reason:     string(reason),
		Estimated:  estimated,
		OpenedAt:   closed.OpenedAt,
		At:         now,
	})
	metrics.Exits.WithLabelValues(string(reason)).Inc()
	metrics.ObservePnL(closed.TotalPnL)
	if estimated {
		metrics.EstimatedCloses.Add(1)
	}
	e.saveState()

	l.Infof("🏁 平仓: reason=%s exit=%.4f final=%+.4f total=%+.4f estimated=%v",
		reason, exitPx, finalPnL, closed.TotalPnL, estimated)
	return true
}

func (e *Executor) pushHistoryLocked(c domain.ClosedTrade, cps []Checkpoint) {
	e.history = append(e.history, c)
	if len(cps) > 0 {
		e.checkpoints[c.ID] = cps
	}
	if over := len(e.history) - e.cfg.HistoryLimit; over > 0 {
		for _, old := range e.history[:over] {
			delete(e.checkpoints, old.ID)
		}
		e.history = append([]domain.ClosedTrade(nil), e.history[over:]...)
	}
}

// forceClose 不经交易所确认，按标记价结算（estimated=true）
func (e *Executor) forceClose(id string, reason domain.ExitReason, raiseAlert bool) bool {
	e.mu.Lock()
	ts, ok := e.trades[id]
	if !ok {
		e.mu.Unlock()
		return false
	}
	mark := ts.trade.MarkPrice
	if mark <= 0 {
		mark = ts.trade.EntryPrice
	}
	qty := ts.trade.TokenQty
	market := ts.trade.Market
	e.mu.Unlock()

	if !e.finalize(id, mark, reason, true) {
		return false
	}
	log.WithField("trade", id).Errorf("🧯 强制估算平仓: reason=%s mark=%.4f qty=%.2f", reason, mark, qty)
	if raiseAlert {
		e.alert(ports.AlertCritical, "forced estimated close",
			"exit could not be confirmed before the hard deadline; position closed in the ledger at mark price",
			map[string]any{"trade": id, "market": market, "mark": mark, "qty": qty, "reason": string(reason)})
	}
	return true
}

// CancelAll 撤销交易所全部挂单，并按标记价估算结算所有持仓（停机时使用）
func (e *Executor) CancelAll(ctx context.Context) (int, error) {
	err := e.ex.CancelAll(ctx)
	if err != nil {
		log.WithError(err).Error("❌ 交易所撤销全部订单失败")
	}
	n := 0
	for _, id := range e.tradeIDs(func(*domain.Trade) bool { return true }) {
		if e.forceClose(id, domain.ExitCancelAll, false) {
			n++
		}
	}
	if n > 0 {
		e.alert(ports.AlertWarning, "cancel all", "all open trades force-closed at mark price", map[string]any{"count": n})
	}
	return n, err
}

// CancelByMarket 只结算指定市场标签的持仓，其它市场不受影响（合约轮换时使用）
func (e *Executor) CancelByMarket(ctx context.Context, label string) int {
	n := 0
	for _, id := range e.tradeIDs(func(t *domain.Trade) bool { return t.Market == label }) {
		if ctx.Err() != nil {
			break
		}
		if e.forceClose(id, domain.ExitMarketRotation, false) {
			n++
		}
	}
	if n > 0 {
		log.WithField("market", label).Infof("🔄 市场轮换，已结算 %d 笔持仓", n)
	}
	return n
}

func (e *Executor) tradeIDs(match func(*domain.Trade) bool) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.trades))
	for id, ts := range e.trades {
		if match(ts.trade) {
			ids = append(ids, id)
		}
	}
	return ids
}

// exitPrice 有买一时按买一卖出，否则按标记价
func exitPrice(ts *tradeState) float64 {
	p := ts.trade.MarkPrice
	if ts.lastBook.BestBid > 0 {
		p = ts.lastBook.BestBid
	}
	if p <= 0 {
		p = ts.trade.EntryPrice
	}
	return clampPrice(round2(p))
}
