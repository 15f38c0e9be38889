package execution

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/edgeexec/internal/domain"
	"github.com/betbot/edgeexec/internal/metrics"
	"github.com/betbot/edgeexec/internal/ports"
	"github.com/betbot/edgeexec/internal/risk"
)

// Execute 入场：选择挂单或吃单，确认成交后登记账本并开始监控。
//
// 部分成交按实际成交量开仓；无成交返回 ErrNotFilled；数量无法确定返回 ErrAmbiguousFill。
// 两种失败都不会改动账本。
func (e *Executor) Execute(ctx context.Context, sig domain.Signal) (Result, error) {
	if e.closed() {
		return Result{}, ErrClosed
	}
	if err := sig.Validate(); err != nil {
		return Result{}, err
	}
	release, err := e.inflight.Acquire(sig.TokenID)
	if err != nil {
		metrics.DuplicateInFlight.Add(1)
		return Result{}, fmt.Errorf("token %s: %w", sig.TokenID, err)
	}
	defer release()

	l := log.WithFields(logrus.Fields{"signal": sig.ID, "market": sig.Market, "token": sig.TokenID})

	book, hasBook := e.fetchBook(ctx, sig.TokenID)
	res, err := e.enter(ctx, sig, book, hasBook, l)
	if res.Fill.Status != "" {
		metrics.FillOutcomes.WithLabelValues(string(res.Fill.Status)).Inc()
	}
	if err != nil {
		return res, err
	}

	trade, err := e.openTrade(sig, res, l)
	if err != nil {
		return res, err
	}
	res.Trade = trade
	return res, nil
}

func (e *Executor) enter(ctx context.Context, sig domain.Signal, book domain.BookSnapshot, hasBook bool, l *logrus.Entry) (Result, error) {
	if e.useMaker(sig, book, hasBook) {
		res, done, err := e.makerEntry(ctx, sig, book, l)
		if err != nil || done {
			return res, err
		}
		l.Info("↪️ 挂单未成交，改为吃单")
	}
	return e.takerEntry(ctx, sig, l)
}

// useMaker 价差足够宽且距离到期足够远时挂单
func (e *Executor) useMaker(sig domain.Signal, book domain.BookSnapshot, hasBook bool) bool {
	if !hasBook || book.BestBid <= 0 {
		return false
	}
	spread := book.Spread()
	if spread <= 0 {
		spread = sig.Spread
	}
	return spread+qtyEps >= e.cfg.MakerMinSpread && sig.TimeToExpiry() > e.cfg.MakerMinTimeToExpiry.D()
}

// makerPrice 买一上方一个 tick，严格位于价差内且不高于信号价格；无法满足时返回 0
func makerPrice(book domain.BookSnapshot, sig domain.Signal) float64 {
	p := round2(book.BestBid + priceTick)
	if limit := round2(sig.EntryPrice); p > limit {
		p = limit
	}
	if book.BestAsk > 0 && p >= book.BestAsk-qtyEps {
		return 0
	}
	return clampPrice(p)
}

// makerEntry done=false 表示应继续走吃单
func (e *Executor) makerEntry(ctx context.Context, sig domain.Signal, book domain.BookSnapshot, l *logrus.Entry) (Result, bool, error) {
	price := makerPrice(book, sig)
	res := Result{Style: domain.OrderStyleMaker}
	for attempt := 0; ; attempt++ {
		if price <= 0 {
			return res, false, nil
		}
		qty := floor2(sig.SizeUSD / price)
		if qty < e.minOrderSize() {
			return res, false, nil
		}
		order, err := e.place(ctx, domain.OrderRequest{
			TokenID:   sig.TokenID,
			Side:      domain.SideBuy,
			Price:     price,
			Size:      qty,
			OrderType: domain.OrderTypeGTC,
		}, "maker")
		if err != nil {
			return res, true, err
		}
		res.OrderID = order.ID
		res.Fill = e.waitForFill(ctx, order.ID, qty, price, e.cfg.MakerFillTimeout.D())

		switch res.Fill.Status {
		case domain.FillMatched:
			return res, true, nil
		case domain.FillPartial:
			res.Fill = e.settleRemainder(ctx, order.ID, qty, price, res.Fill)
			return res, true, nil
		case domain.FillUnknownMatchedQty:
			return res, true, e.failClosed(ctx, sig, order.ID, l)
		}

		// 无成交：撤掉旧单再复查一次，撤单前的瞬间可能有成交
		res.Fill = e.settleRemainder(ctx, order.ID, qty, price, res.Fill)
		if res.Fill.HasFill() {
			return res, true, nil
		}
		if res.Fill.Status == domain.FillUnknownMatchedQty {
			return res, true, e.failClosed(ctx, sig, order.ID, l)
		}
		if attempt >= e.cfg.MaxReprices {
			return res, false, nil
		}
		next, ok := e.reprice(ctx, sig, price)
		if !ok {
			return res, false, nil
		}
		l.Infof("🔁 挂单改价 %.2f -> %.2f (第 %d 次)", price, next, attempt+1)
		price = next
	}
}

// reprice 基于最新盘口向吃单方向移动一个步长；不能再改善时返回 false
func (e *Executor) reprice(ctx context.Context, sig domain.Signal, price float64) (float64, bool) {
	book, ok := e.fetchBook(ctx, sig.TokenID)
	if !ok {
		return 0, false
	}
	step := e.cfg.RepriceStep
	if step <= 0 {
		step = priceTick
	}
	next := round2(price + step)
	if book.BestAsk > 0 && next >= book.BestAsk-qtyEps {
		next = round2(book.BestAsk - priceTick)
	}
	if next <= price+qtyEps || next >= sig.EntryPrice-qtyEps {
		return 0, false
	}
	return clampPrice(next), true
}

func (e *Executor) takerEntry(ctx context.Context, sig domain.Signal, l *logrus.Entry) (Result, error) {
	price := clampPrice(round2(sig.EntryPrice))
	qty := floor2(sig.SizeUSD / price)
	res := Result{Style: domain.OrderStyleTaker}
	if qty < e.minOrderSize() {
		return res, fmt.Errorf("%.2f tokens: %w", qty, ErrOrderTooSmall)
	}
	order, err := e.place(ctx, domain.OrderRequest{
		TokenID:   sig.TokenID,
		Side:      domain.SideBuy,
		Price:     price,
		Size:      qty,
		OrderType: domain.OrderTypeFAK,
	}, "taker")
	if err != nil {
		return res, err
	}
	res.OrderID = order.ID
	res.Fill = e.waitForFill(ctx, order.ID, qty, price, e.cfg.FillTimeout.D())

	switch res.Fill.Status {
	case domain.FillMatched:
		return res, nil
	case domain.FillPartial:
		res.Fill = e.settleRemainder(ctx, order.ID, qty, price, res.Fill)
		return res, nil
	case domain.FillUnknownMatchedQty:
		return res, e.failClosed(ctx, sig, order.ID, l)
	}

	res.Fill = e.settleRemainder(ctx, order.ID, qty, price, res.Fill)
	if res.Fill.HasFill() {
		return res, nil
	}
	if res.Fill.Status == domain.FillUnknownMatchedQty {
		return res, e.failClosed(ctx, sig, order.ID, l)
	}
	l.Infof("⏹️ 入场未成交: status=%s", res.Fill.Status)
	return res, ErrNotFilled
}

// settleRemainder 撤掉未成交部分后复查一次，取两次观察中较大的成交量
func (e *Executor) settleRemainder(ctx context.Context, orderID string, requested, price float64, prev domain.FillResult) domain.FillResult {
	if err := e.cancelOrder(ctx, orderID); err != nil {
		log.WithError(err).WithField("order", orderID).Warn("⚠️ 撤销剩余部分失败")
	}
	st, err := e.getOrder(ctx, orderID)
	if err != nil {
		return prev
	}
	after := fromOrderState(st, requested, price, domain.FillSourceRESTFinal)
	switch {
	case after.FilledQty > prev.FilledQty+qtyEps:
		after.Status = classifyQty(after.FilledQty, requested)
		return after
	case prev.HasFill():
		return prev
	case after.Status == domain.FillCancelled || after.Status == domain.FillUnknownMatchedQty:
		return after
	default:
		return prev
	}
}

// failClosed 成交数量无法确定：撤单、告警、不动账本
func (e *Executor) failClosed(ctx context.Context, sig domain.Signal, orderID string, l *logrus.Entry) error {
	if err := e.cancelOrder(ctx, orderID); err != nil {
		l.WithError(err).Warn("⚠️ 数量不明订单撤销失败")
	}
	l.WithField("order", orderID).Error("🛑 成交数量无法确定，放弃入场")
	e.alert(ports.AlertCritical, "ambiguous fill", "entry fill quantity could not be determined; order cancelled, no position opened", map[string]any{
		"order":  orderID,
		"signal": sig.ID,
		"market": sig.Market,
		"token":  sig.TokenID,
	})
	e.risk.RecordExecutionError(ErrAmbiguousFill)
	return fmt.Errorf("order %s: %w", orderID, ErrAmbiguousFill)
}

func (e *Executor) openTrade(sig domain.Signal, res Result, l *logrus.Entry) (*domain.Trade, error) {
	fr := res.Fill
	trade := domain.NewTrade(res.OrderID, sig, fr.FilledQty, fr.AvgPrice, res.Style, fr.Source, e.now())
	if err := e.risk.OpenPosition(risk.OpenRequest{
		ID:      trade.ID,
		Market:  trade.Market,
		TokenID: trade.TokenID,
		Size:    trade.Size,
	}); err != nil {
		// 交易所已成交但账本拒绝登记：需要人工处理
		l.WithError(err).Error("❌ 账本登记失败")
		e.alert(ports.AlertCritical, "ledger open failed", err.Error(), map[string]any{"order": trade.ID, "qty": trade.TokenQty})
		e.risk.RecordExecutionError(err)
		return nil, err
	}
	e.risk.RecordExecutionSuccess()

	// track 之后仓位由监控协程并发修改，先取副本
	c := trade.Clone()
	rec := domain.AuditRecord{
		Event:      domain.AuditOpen,
		TradeID:    c.ID,
		Market:     c.Market,
		TokenID:    c.TokenID,
		Direction:  c.Direction,
		EntryPrice: c.EntryPrice,
		Qty:        c.TokenQty,
		Notional:   c.Size,
		Source:     string(fr.Source),
		OpenedAt:   c.OpenedAt,
		At:         c.OpenedAt,
	}
	e.track(trade)
	e.appendAudit(rec)
	e.saveState()

	l.WithField("trade", c.ID).Infof("✅ 开仓: style=%s status=%s qty=%.2f price=%.4f size=%.2f source=%s",
		res.Style, fr.Status, c.TokenQty, c.EntryPrice, c.Size, fr.Source)
	return &c, nil
}

func (e *Executor) place(ctx context.Context, req domain.OrderRequest, kind string) (*domain.Order, error) {
	start := time.Now()
	order, err := e.ex.PlaceOrder(ctx, req)
	latency := time.Since(start)
	metrics.PlaceLatency.Observe(latency.Seconds())
	if err != nil {
		log.WithError(err).WithFields(logrus.Fields{"token": req.TokenID, "kind": kind}).Error("❌ 下单失败")
		e.risk.RecordExecutionError(err)
		return nil, err
	}
	metrics.OrdersPlaced.WithLabelValues(kind, string(req.Side)).Inc()
	log.WithFields(logrus.Fields{"order": order.ID, "kind": kind}).Infof("📤 下单: %s %.2f @ %.2f %s latency=%s",
		req.Side, req.Size, req.Price, req.OrderType, latency.Round(time.Millisecond))
	return order, nil
}

func (e *Executor) cancelOrder(ctx context.Context, orderID string) error {
	cctx, cancel := context.WithTimeout(detach(ctx), 5*time.Second)
	defer cancel()
	return e.ex.CancelOrder(cctx, orderID)
}

func (e *Executor) getOrder(ctx context.Context, orderID string) (*domain.OrderState, error) {
	cctx, cancel := context.WithTimeout(detach(ctx), 5*time.Second)
	defer cancel()
	st, err := e.ex.GetOrder(cctx, orderID)
	if err != nil {
		metrics.ReconcileErrors.Add(1)
		log.WithError(err).WithField("order", orderID).Warn("⚠️ 查询订单状态失败")
		return nil, err
	}
	return st, nil
}

func (e *Executor) fetchBook(ctx context.Context, tokenID string) (domain.BookSnapshot, bool) {
	cctx, cancel := context.WithTimeout(detach(ctx), 3*time.Second)
	defer cancel()
	b, err := e.ex.FetchOrderbook(cctx, tokenID)
	if err != nil || b == nil {
		log.WithError(err).WithField("token", tokenID).Debug("获取盘口失败")
		return domain.BookSnapshot{}, false
	}
	return *b, true
}

func (e *Executor) minOrderSize() float64 {
	if e.cfg.MinOrderSize > 0 {
		return e.cfg.MinOrderSize
	}
	return 1
}

// detach 撤单/复查不能因为调用方 ctx 被取消而跳过
func detach(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return context.WithoutCancel(ctx)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func floor2(v float64) float64 {
	return math.Floor(v*100+qtyEps) / 100
}

func clampPrice(p float64) float64 {
	return math.Min(maxPrice, math.Max(minPrice, p))
}
