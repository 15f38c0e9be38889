package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/betbot/edgeexec/internal/domain"
	"github.com/betbot/edgeexec/internal/ports"
)

var (
	ErrNoBook        = errors.New("no book for token")
	ErrOrderNotFound = errors.New("order not found")
)

// PaperFill 模拟成交结果
type PaperFill struct {
	Status   domain.OrderStatus
	Filled   float64
	AvgPrice float64
}

// FillRule 自定义撮合规则（测试/回放用）
type FillRule func(req domain.OrderRequest, book domain.BookSnapshot, hasBook bool) PaperFill

type paperOrder struct {
	req    domain.OrderRequest
	status domain.OrderStatus
	filled float64
	avg    float64
}

// PaperExchange 纸交易撮合：行情可来自真实 BookFetcher，成交在本地模拟。
//
// 默认规则：可立即成交（买价 >= 卖一 / 卖价 <= 买一，或没有行情）按请求价全部成交；
// 否则 GTC 挂单等待后续行情穿价，FAK/FOK 直接撤销。
type PaperExchange struct {
	upstream ports.BookFetcher
	rule     FillRule

	mu     sync.Mutex
	orders map[string]*paperOrder
	books  map[string]domain.BookSnapshot
}

func NewPaperExchange(upstream ports.BookFetcher) *PaperExchange {
	return &PaperExchange{
		upstream: upstream,
		orders:   make(map[string]*paperOrder),
		books:    make(map[string]domain.BookSnapshot),
	}
}

// SetFillRule 替换默认撮合规则
func (p *PaperExchange) SetFillRule(rule FillRule) {
	p.mu.Lock()
	p.rule = rule
	p.mu.Unlock()
}

// SetBook 更新行情，并检查挂单是否被穿价
func (p *PaperExchange) SetBook(b domain.BookSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.books[b.TokenID] = b
	for id, o := range p.orders {
		if o.status != domain.OrderStatusOpen || o.req.TokenID != b.TokenID {
			continue
		}
		if marketable(o.req, b, true) {
			o.status = domain.OrderStatusMatched
			o.filled = o.req.Size
			o.avg = o.req.Price
			log.WithField("order", id).Debug("📄 纸交易挂单被穿价成交")
		}
	}
}

func (p *PaperExchange) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.Order, error) {
	if req.Size <= 0 || req.Price <= 0 || req.Price >= 1 {
		return nil, fmt.Errorf("paper: invalid order %.4f @ %.4f", req.Size, req.Price)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	book, hasBook := p.books[req.TokenID]
	var fill PaperFill
	if p.rule != nil {
		fill = p.rule(req, book, hasBook)
	} else {
		fill = defaultFill(req, book, hasBook)
	}
	if fill.Filled > 0 && fill.AvgPrice <= 0 {
		fill.AvgPrice = req.Price
	}

	id := uuid.NewString()
	p.orders[id] = &paperOrder{req: req, status: fill.Status, filled: fill.Filled, avg: fill.AvgPrice}
	log.WithFields(logrus.Fields{"order": id, "token": req.TokenID, "side": req.Side}).
		Infof("📄 纸交易下单: %.2f @ %.2f -> %s", req.Size, req.Price, fill.Status)

	return &domain.Order{
		ID:        id,
		TokenID:   req.TokenID,
		Side:      req.Side,
		Price:     req.Price,
		Size:      req.Size,
		Status:    fill.Status,
		OrderType: req.OrderType,
		CreatedAt: time.Now(),
	}, nil
}

func defaultFill(req domain.OrderRequest, book domain.BookSnapshot, hasBook bool) PaperFill {
	if !hasBook || marketable(req, book, false) {
		return PaperFill{Status: domain.OrderStatusMatched, Filled: req.Size, AvgPrice: req.Price}
	}
	if req.OrderType == domain.OrderTypeGTC {
		return PaperFill{Status: domain.OrderStatusOpen}
	}
	return PaperFill{Status: domain.OrderStatusCancelled}
}

func marketable(req domain.OrderRequest, b domain.BookSnapshot, strict bool) bool {
	switch req.Side {
	case domain.SideBuy:
		if b.BestAsk <= 0 {
			return !strict
		}
		return req.Price >= b.BestAsk
	case domain.SideSell:
		if b.BestBid <= 0 {
			return !strict
		}
		return req.Price <= b.BestBid
	}
	return false
}

func (p *PaperExchange) CancelOrder(ctx context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return nil
	}
	if o.status == domain.OrderStatusOpen || o.status == domain.OrderStatusPartial {
		o.status = domain.OrderStatusCancelled
	}
	return nil
}

func (p *PaperExchange) CancelAll(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, o := range p.orders {
		if o.status == domain.OrderStatusOpen || o.status == domain.OrderStatusPartial {
			o.status = domain.OrderStatusCancelled
		}
	}
	return nil
}

func (p *PaperExchange) GetOrder(ctx context.Context, orderID string) (*domain.OrderState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("paper get %s: %w", orderID, ErrOrderNotFound)
	}
	return &domain.OrderState{
		OrderID:     orderID,
		Status:      o.status,
		RawStatus:   string(o.status),
		Size:        o.req.Size,
		HasSize:     true,
		Filled:      o.filled,
		HasFilled:   true,
		AvgPrice:    o.avg,
		HasAvgPrice: o.avg > 0,
	}, nil
}

// FetchOrderbook 优先使用上游真实行情（并缓存用于撮合），否则返回本地设置的行情
func (p *PaperExchange) FetchOrderbook(ctx context.Context, tokenID string) (*domain.BookSnapshot, error) {
	if p.upstream != nil {
		b, err := p.upstream.FetchOrderbook(ctx, tokenID)
		if err == nil {
			p.SetBook(*b)
			return b, nil
		}
		log.WithError(err).WithField("token", tokenID).Debug("上游行情获取失败，使用本地缓存")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.books[tokenID]
	if !ok {
		return nil, fmt.Errorf("paper book %s: %w", tokenID, ErrNoBook)
	}
	return &b, nil
}
