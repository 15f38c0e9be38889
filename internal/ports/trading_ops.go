package ports

import (
	"context"
	"errors"
	"time"

	"github.com/betbot/edgeexec/internal/domain"
)

// Small capability interfaces shared across layers (execution/exchange/services).

// ErrNoPushChannel 推送通道未连接；调用方应改用 REST 轮询。
var ErrNoPushChannel = errors.New("push channel not connected")

type OrderPlacer interface {
	PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.Order, error)
}

type OrderCanceler interface {
	CancelOrder(ctx context.Context, orderID string) error
	CancelAll(ctx context.Context) error
}

type OrderStatusGetter interface {
	// GetOrder returns the normalized order state; absent fields are flagged, never guessed.
	GetOrder(ctx context.Context, orderID string) (*domain.OrderState, error)
}

type BookFetcher interface {
	FetchOrderbook(ctx context.Context, tokenID string) (*domain.BookSnapshot, error)
}

// Exchange is the venue contract the executor depends on.
type Exchange interface {
	OrderPlacer
	OrderCanceler
	OrderStatusGetter
	BookFetcher
}

// FillEventSource is the optional push-based fill confirmation channel.
type FillEventSource interface {
	// WaitForFillEvent blocks until a fill/cancel event for orderID arrives or timeout elapses
	// (Status=TIMEOUT). Returns ErrNoPushChannel immediately when disconnected.
	WaitForFillEvent(ctx context.Context, orderID string, timeout time.Duration) (domain.FillEvent, error)
}
