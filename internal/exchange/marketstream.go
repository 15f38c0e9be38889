package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/betbot/edgeexec/internal/domain"
	"github.com/betbot/edgeexec/internal/ports"
)

// MarketStream 市场频道：按 token 分发订单簿更新。
//
// 所有消息在读循环中串行分发，同一 token 的更新保持到达顺序。
type MarketStream struct {
	url    string
	dialer websocket.Dialer

	connected atomic.Bool
	connMu    sync.Mutex
	conn      *websocket.Conn

	mu     sync.Mutex
	subs   map[string]map[uint64]ports.BookHandler
	books  map[string]domain.BookSnapshot
	nextID uint64

	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration
	pingInterval      time.Duration
	now               func() time.Time
}

func NewMarketStream(url string) *MarketStream {
	return &MarketStream{
		url:               url,
		dialer:            websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		subs:              make(map[string]map[uint64]ports.BookHandler),
		books:             make(map[string]domain.BookSnapshot),
		reconnectDelay:    defaultReconnectDelay,
		maxReconnectDelay: defaultMaxReconnectDelay,
		pingInterval:      defaultPingInterval,
		now:               time.Now,
	}
}

// Connected 是否已连接
func (s *MarketStream) Connected() bool {
	return s.connected.Load()
}

// SubscribeBook 订阅 token 的订单簿更新；返回的 cancel 可重复调用
func (s *MarketStream) SubscribeBook(tokenID string, handler ports.BookHandler) (func(), error) {
	if tokenID == "" || handler == nil {
		return nil, fmt.Errorf("subscribe book: token and handler required")
	}
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	hs, existed := s.subs[tokenID]
	if !existed {
		hs = make(map[uint64]ports.BookHandler)
		s.subs[tokenID] = hs
	}
	hs[id] = handler
	s.mu.Unlock()

	if !existed {
		if err := s.send(map[string]any{"assets_ids": []string{tokenID}, "operation": "subscribe"}); err != nil {
			// 未连接时由下一次连接的全量订阅补上
			log.WithError(err).WithField("token", tokenID).Debug("订阅暂缓（未连接）")
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if hs, ok := s.subs[tokenID]; ok {
				delete(hs, id)
				if len(hs) == 0 {
					delete(s.subs, tokenID)
					delete(s.books, tokenID)
					go func() {
						_ = s.send(map[string]any{"assets_ids": []string{tokenID}, "operation": "unsubscribe"})
					}()
				}
			}
		})
	}, nil
}

// Run 连接并保持读取，断线重连后重新订阅全部 token
func (s *MarketStream) Run(ctx context.Context) error {
	attempts := 0
	for {
		err := s.session(ctx)
		if s.connected.Swap(false) {
			attempts = 0
		}
		if ctx.Err() != nil {
			return nil
		}
		attempts++
		delay := s.reconnectDelay * time.Duration(attempts)
		if delay > s.maxReconnectDelay {
			delay = s.maxReconnectDelay
		}
		log.WithError(err).Warnf("🔌 市场频道断开，%v 后重连 (尝试 %d)", delay, attempts)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func (s *MarketStream) session(ctx context.Context) error {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial market ws: %w", err)
	}
	defer conn.Close()

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	defer func() {
		s.connMu.Lock()
		s.conn = nil
		s.connMu.Unlock()
	}()

	if err := s.send(map[string]any{"assets_ids": s.tokens(), "type": "market"}); err != nil {
		return fmt.Errorf("subscribe market ws: %w", err)
	}
	s.connected.Store(true)
	log.Info("✅ 市场频道已连接")

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.pingLoop(sessCtx)
	go func() {
		<-sessCtx.Done()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read market ws: %w", err)
		}
		s.handleMessage(data)
	}
}

func (s *MarketStream) pingLoop(ctx context.Context) {
	t := time.NewTicker(s.pingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.connMu.Lock()
			conn := s.conn
			var err error
			if conn != nil {
				err = conn.WriteMessage(websocket.TextMessage, []byte("PING"))
			}
			s.connMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *MarketStream) send(v any) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return ports.ErrNoPushChannel
	}
	return s.conn.WriteJSON(v)
}

func (s *MarketStream) tokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.subs))
	for t := range s.subs {
		out = append(out, t)
	}
	return out
}

func (s *MarketStream) handleMessage(data []byte) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return
	}
	var msgs []map[string]any
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &msgs); err != nil {
			return
		}
	} else {
		var m map[string]any
		if err := json.Unmarshal(trimmed, &m); err != nil {
			return
		}
		msgs = append(msgs, m)
	}

	for _, m := range msgs {
		switch firstString(m, "event_type") {
		case "book":
			b := ParseBook("", m, s.now())
			if b.TokenID != "" {
				s.publish(b)
			}
		case "price_change":
			s.applyPriceChanges(m)
		}
	}
}

// applyPriceChanges price_change 消息只携带最优价，在上一份快照基础上更新
func (s *MarketStream) applyPriceChanges(m map[string]any) {
	changes, _ := m["price_changes"].([]any)
	if len(changes) == 0 {
		changes = []any{m}
	}
	for _, c := range changes {
		cm, ok := c.(map[string]any)
		if !ok {
			continue
		}
		token := firstString(cm, "asset_id")
		if token == "" {
			token = firstString(m, "asset_id")
		}
		if token == "" {
			continue
		}
		s.mu.Lock()
		b, ok := s.books[token]
		s.mu.Unlock()
		if !ok {
			b = domain.BookSnapshot{TokenID: token}
		}
		if bid, ok := firstNumber(cm, "best_bid"); ok && bid > 0 {
			b.BestBid = bid
		}
		if ask, ok := firstNumber(cm, "best_ask"); ok && ask > 0 {
			b.BestAsk = ask
		}
		b.Mid = 0
		b.Mid = b.MidPrice()
		b.Timestamp = s.now()
		s.publish(b)
	}
}

func (s *MarketStream) publish(b domain.BookSnapshot) {
	s.mu.Lock()
	hs := s.subs[b.TokenID]
	if hs == nil {
		s.mu.Unlock()
		return
	}
	s.books[b.TokenID] = b
	handlers := make([]ports.BookHandler, 0, len(hs))
	for _, h := range hs {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(b)
	}
}
