package execution

import (
	"time"

	"github.com/betbot/edgeexec/internal/domain"
)

// track 登记仓位、订阅行情并启动该仓位的监控协程
func (e *Executor) track(trade *domain.Trade) {
	ts := &tradeState{trade: trade, stop: make(chan struct{})}

	e.mu.Lock()
	e.trades[trade.ID] = ts
	set := e.byToken[trade.TokenID]
	if set == nil {
		set = make(map[string]struct{})
		e.byToken[trade.TokenID] = set
	}
	set[trade.ID] = struct{}{}
	e.mu.Unlock()

	e.ensureSubscribed(trade.TokenID)

	if e.closed() {
		return
	}
	e.wg.Add(1)
	go e.monitor(ts)
}

func (e *Executor) ensureSubscribed(tokenID string) {
	if e.books == nil {
		return
	}
	e.subMu.Lock()
	defer e.subMu.Unlock()
	if _, ok := e.subs[tokenID]; ok {
		return
	}
	cancel, err := e.books.SubscribeBook(tokenID, e.OnBookUpdate)
	if err != nil {
		// 订阅失败时由安全轮询兜底
		log.WithError(err).WithField("token", tokenID).Warn("⚠️ 订阅盘口失败，依赖 REST 安全轮询")
		return
	}
	e.subs[tokenID] = cancel
}

// releaseSubscription token 上已没有仓位时取消订阅
func (e *Executor) releaseSubscription(tokenID string) {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	e.mu.Lock()
	stillUsed := len(e.byToken[tokenID]) > 0
	e.mu.Unlock()
	if stillUsed {
		return
	}
	if cancel, ok := e.subs[tokenID]; ok {
		delete(e.subs, tokenID)
		cancel()
	}
}

// monitor 每笔仓位一个协程：安全轮询、硬超时和价格检查点，finalize 时随 stop 一起退出
func (e *Executor) monitor(ts *tradeState) {
	defer e.wg.Done()

	e.mu.Lock()
	id := ts.trade.ID
	openedAt := ts.trade.OpenedAt
	e.mu.Unlock()

	safetyPoll := e.cfg.SafetyPoll.D()
	if safetyPoll <= 0 {
		safetyPoll = 500 * time.Millisecond
	}
	safety := time.NewTicker(safetyPoll)
	defer safety.Stop()

	hardDeadline := openedAt.Add(e.cfg.MaxHold.D() + e.cfg.SafetyBuffer.D())
	hard := time.NewTimer(nonNegative(hardDeadline.Sub(e.now())))
	defer hard.Stop()

	cpIdx := 0
	cpTimer := time.NewTimer(nonNegative(openedAt.Add(checkpointOffsets[0]).Sub(e.now())))
	defer cpTimer.Stop()

	for {
		select {
		case <-ts.stop:
			return
		case <-e.ctx.Done():
			return
		case <-safety.C:
			e.safetyCheck(ts)
		case <-hard.C:
			e.hardTimeout(id)
			return
		case <-cpTimer.C:
			e.recordCheckpoint(ts, checkpointOffsets[cpIdx])
			cpIdx++
			if cpIdx < len(checkpointOffsets) {
				cpTimer.Reset(nonNegative(openedAt.Add(checkpointOffsets[cpIdx]).Sub(e.now())))
			}
		}
	}
}

// OnBookUpdate 盘口推送入口：立即按新中间价评估该 token 上所有仓位的出场条件。
// 出场涉及网络调用，放到独立协程，避免阻塞行情读取。
func (e *Executor) OnBookUpdate(book domain.BookSnapshot) {
	now := e.now()
	var exits []exitIntent

	e.mu.Lock()
	for id := range e.byToken[book.TokenID] {
		ts := e.trades[id]
		if ts == nil {
			continue
		}
		applyBookLocked(ts, book, now)
		if reason, ok := e.exitReasonLocked(ts, now); ok {
			exits = append(exits, exitIntent{id: id, reason: reason})
		}
	}
	e.mu.Unlock()

	for _, x := range exits {
		if e.closed() {
			return
		}
		e.wg.Add(1)
		go func(x exitIntent) {
			defer e.wg.Done()
			e.exitPosition(e.ctx, x.id, x.reason)
		}(x)
	}
}

type exitIntent struct {
	id     string
	reason domain.ExitReason
}

// safetyCheck 推送行情超过 BookStaleAfter 未更新时主动拉取盘口，再评估出场
func (e *Executor) safetyCheck(ts *tradeState) {
	now := e.now()
	e.mu.Lock()
	if ts.trade.Status != domain.TradeStatusOpen {
		e.mu.Unlock()
		return
	}
	id, tokenID := ts.trade.ID, ts.trade.TokenID
	stale := ts.lastBookAt.IsZero() || now.Sub(ts.lastBookAt) > e.cfg.BookStaleAfter.D()
	e.mu.Unlock()

	if stale {
		if book, ok := e.fetchBook(e.ctx, tokenID); ok {
			if book.TokenID == "" {
				book.TokenID = tokenID
			}
			now = e.now()
			e.mu.Lock()
			applyBookLocked(ts, book, now)
			e.mu.Unlock()
		}
	}

	e.mu.Lock()
	reason, ok := e.exitReasonLocked(ts, now)
	e.mu.Unlock()
	if ok {
		e.exitPosition(e.ctx, id, reason)
	}
}

func applyBookLocked(ts *tradeState, book domain.BookSnapshot, now time.Time) {
	mid := book.MidPrice()
	if mid <= 0 {
		return
	}
	ts.trade.Mark(mid)
	ts.marked = true
	ts.lastBook = book
	ts.lastBookAt = now
}

// exitReasonLocked 出场条件：持仓超时、止盈、止损、价格收敛到模型目标价
func (e *Executor) exitReasonLocked(ts *tradeState, now time.Time) (domain.ExitReason, bool) {
	t := ts.trade
	if t.Status != domain.TradeStatusOpen {
		return "", false
	}
	if e.cfg.MaxHold.D() > 0 && t.Age(now) >= e.cfg.MaxHold.D() {
		return domain.ExitMaxHoldTime, true
	}
	if !ts.marked || t.Size <= 0 {
		return "", false
	}
	if e.cfg.ProfitTarget > 0 && t.UnrealizedPnL >= e.cfg.ProfitTarget*t.Size-qtyEps {
		return domain.ExitProfitTarget, true
	}
	if e.cfg.StopLoss > 0 && t.UnrealizedPnL <= -e.cfg.StopLoss*t.Size+qtyEps {
		return domain.ExitStopLoss, true
	}
	if e.cfg.EdgeCollapseBand > 0 && abs(t.MarkPrice-t.Signal.ModelProb) <= e.cfg.EdgeCollapseBand+qtyEps {
		return domain.ExitEdgeCollapsed, true
	}
	return "", false
}

// recordCheckpoint 仅用于离线分析，不影响出场决策
func (e *Executor) recordCheckpoint(ts *tradeState, after time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !ts.marked {
		return
	}
	cp := Checkpoint{
		After: after,
		Mid:   ts.trade.MarkPrice,
		Move:  ts.trade.MarkPrice - ts.trade.EntryPrice,
		At:    e.now().UTC(),
	}
	ts.checkpoints = append(ts.checkpoints, cp)
	e.tradeLog(ts.trade).Debugf("📍 检查点 +%s: mid=%.4f move=%+.4f", after, cp.Mid, cp.Move)
}

// hardTimeout 强制出场；仍无法确认时按标记价在账本中估算平仓并告警
func (e *Executor) hardTimeout(id string) {
	e.mu.Lock()
	ts, ok := e.trades[id]
	e.mu.Unlock()
	if !ok {
		return
	}
	e.tradeLog(ts.trade).Warn("⏰ 持仓达到硬超时，强制出场")

	// 其他路径正在出场时给它一个成交确认周期
	deadline := time.Now().Add(e.cfg.FillTimeout.D() + time.Second)
	for {
		if e.exitPosition(e.ctx, id, domain.ExitHardTimeout) {
			return
		}
		status, tracked := e.tradeStatus(id)
		if !tracked {
			return
		}
		if status != domain.TradeStatusClosing || time.Now().After(deadline) || e.closed() {
			break
		}
		select {
		case <-e.ctx.Done():
		case <-time.After(e.pollInterval()):
		}
	}
	if e.closed() {
		// 进程退出中：仓位留在快照里，重启后恢复监控
		return
	}
	e.forceClose(id, domain.ExitHardTimeout, true)
}

func (e *Executor) tradeStatus(id string) (domain.TradeStatus, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ts, ok := e.trades[id]
	if !ok {
		return "", false
	}
	return ts.trade.Status, true
}

func (e *Executor) pollInterval() time.Duration {
	if d := e.cfg.FillPoll.D(); d > 0 {
		return d
	}
	return 500 * time.Millisecond
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
