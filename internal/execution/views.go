package execution

import (
	"sort"

	"github.com/betbot/edgeexec/internal/domain"
	"github.com/betbot/edgeexec/internal/ports"
)

// Restore 从快照恢复持仓监控。账本中不存在的仓位会被跳过，避免凭空建仓。
func (e *Executor) Restore(trades []domain.Trade) int {
	known := make(map[string]bool, len(trades))
	n := 0
	for i := range trades {
		t := trades[i]
		if t.Status == domain.TradeStatusClosed || t.TokenQty <= 0 {
			continue
		}
		if !e.risk.HasPosition(t.ID) {
			log.WithField("trade", t.ID).Warn("⚠️ 快照中的持仓不在账本里，跳过恢复")
			continue
		}
		e.mu.Lock()
		_, dup := e.trades[t.ID]
		e.mu.Unlock()
		if dup {
			known[t.ID] = true
			continue
		}
		// CLOSING 中途崩溃的仓位恢复为 OPEN，由监控重新出场
		t.Status = domain.TradeStatusOpen
		e.tradeLog(&t).Infof("♻️ 恢复持仓: qty=%.2f entry=%.4f opened=%s", t.TokenQty, t.EntryPrice, t.OpenedAt.Format("15:04:05"))
		e.track(&t)
		known[t.ID] = true
		n++
	}

	for _, p := range e.risk.State().OpenPositions {
		if !known[p.ID] {
			log.WithField("position", p.ID).Error("❌ 账本持仓没有对应的执行器记录，需要人工处理")
			e.alert(ports.AlertCritical, "orphan ledger position",
				"ledger holds a position the executor cannot manage", map[string]any{"position": p.ID, "market": p.Market, "size": p.Size})
		}
	}
	if n > 0 {
		e.saveState()
	}
	return n
}

// OpenTrades 按开仓时间排序的持仓副本
func (e *Executor) OpenTrades() []domain.Trade {
	e.mu.Lock()
	out := make([]domain.Trade, 0, len(e.trades))
	for _, ts := range e.trades {
		out = append(out, ts.trade.Clone())
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// History 最近的已平仓记录，最新的在最后；limit<=0 返回全部
func (e *Executor) History(limit int) []domain.ClosedTrade {
	e.mu.Lock()
	defer e.mu.Unlock()
	h := e.history
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	return append([]domain.ClosedTrade(nil), h...)
}

func (e *Executor) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	s.ByReason = make(map[domain.ExitReason]int, len(e.stats.ByReason))
	for k, v := range e.stats.ByReason {
		s.ByReason[k] = v
	}
	s.OpenTrades = len(e.trades)
	return s
}

// Checkpoints 持仓或近期平仓记录的价格检查点
func (e *Executor) Checkpoints(tradeID string) []Checkpoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ts, ok := e.trades[tradeID]; ok {
		return append([]Checkpoint(nil), ts.checkpoints...)
	}
	return append([]Checkpoint(nil), e.checkpoints[tradeID]...)
}
