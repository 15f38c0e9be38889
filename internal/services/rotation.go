package services

import (
	"context"
	"time"

	"github.com/betbot/edgeexec/internal/domain"
)

// PositionBook 轮换检查需要的执行器能力
type PositionBook interface {
	OpenTrades() []domain.Trade
	CancelByMarket(ctx context.Context, label string) int
}

// RotationWatcher 合约周期结束后结算该市场标签下仍未平掉的持仓。
// 到期时间取开仓信号的 ExpiresInSec（相对开仓时间）。
type RotationWatcher struct {
	book PositionBook
	poll time.Duration
	now  func() time.Time
}

func NewRotationWatcher(book PositionBook, poll time.Duration) *RotationWatcher {
	if poll <= 0 {
		poll = time.Second
	}
	return &RotationWatcher{book: book, poll: poll, now: time.Now}
}

// Run 周期检查直到 ctx 结束
func (w *RotationWatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.checkAndRotate(ctx)
		}
	}
}

// checkAndRotate 返回本轮结算的持仓数
func (w *RotationWatcher) checkAndRotate(ctx context.Context) int {
	now := w.now()
	expired := make(map[string]struct{})
	for _, t := range w.book.OpenTrades() {
		if t.Market == "" || t.Signal.ExpiresInSec <= 0 {
			continue
		}
		if !now.Before(t.OpenedAt.Add(t.Signal.TimeToExpiry())) {
			expired[t.Market] = struct{}{}
		}
	}

	n := 0
	for label := range expired {
		log.WithField("market", label).Info("⏭️ 市场周期结束，结算剩余持仓")
		n += w.book.CancelByMarket(ctx, label)
	}
	return n
}
