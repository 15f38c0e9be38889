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

const (
	defaultReconnectDelay    = 2 * time.Second
	defaultMaxReconnectDelay = 30 * time.Second
	defaultPingInterval      = 10 * time.Second
	recentEventTTL           = time.Minute
)

type recentEvent struct {
	ev  domain.FillEvent
	exp time.Time
}

// UserStream 用户频道（需要 L2 凭证）。只把终态事件（MATCHED/CANCELLED）交给等待方；
// 在等待方注册之前到达的终态事件缓存一段时间，避免下单返回前成交的竞态。
type UserStream struct {
	url    string
	creds  Credentials
	dialer websocket.Dialer

	connected atomic.Bool
	connMu    sync.Mutex
	conn      *websocket.Conn

	mu      sync.Mutex
	waiters map[string][]chan domain.FillEvent
	recent  map[string]recentEvent

	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration
	pingInterval      time.Duration
	now               func() time.Time
}

func NewUserStream(url string, creds Credentials) *UserStream {
	return &UserStream{
		url:               url,
		creds:             creds,
		dialer:            websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		waiters:           make(map[string][]chan domain.FillEvent),
		recent:            make(map[string]recentEvent),
		reconnectDelay:    defaultReconnectDelay,
		maxReconnectDelay: defaultMaxReconnectDelay,
		pingInterval:      defaultPingInterval,
		now:               time.Now,
	}
}

// Connected 推送通道是否可用
func (s *UserStream) Connected() bool {
	return s.connected.Load()
}

// Run 连接并保持读取，断线后按递增延迟重连，直到 ctx 结束
func (s *UserStream) Run(ctx context.Context) error {
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
		log.WithError(err).Warnf("🔌 用户频道断开，%v 后重连 (尝试 %d)", delay, attempts)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func (s *UserStream) session(ctx context.Context) error {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial user ws: %w", err)
	}
	defer conn.Close()

	sub := map[string]any{
		"auth": map[string]string{
			"apiKey":     s.creds.APIKey,
			"secret":     s.creds.Secret,
			"passphrase": s.creds.Passphrase,
		},
		"type":    "user",
		"markets": []string{},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe user ws: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	s.connected.Store(true)
	log.Info("✅ 用户频道已连接")

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.pingLoop(sessCtx, conn)
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
			return fmt.Errorf("read user ws: %w", err)
		}
		s.handleMessage(data)
	}
}

func (s *UserStream) pingLoop(ctx context.Context, conn *websocket.Conn) {
	t := time.NewTicker(s.pingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.connMu.Lock()
			err := conn.WriteMessage(websocket.TextMessage, []byte("PING"))
			s.connMu.Unlock()
			if err != nil {
				log.WithError(err).Debug("PING 发送失败")
				return
			}
		}
	}
}

func (s *UserStream) handleMessage(data []byte) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return
	}
	var msgs []map[string]any
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &msgs); err != nil {
			log.WithError(err).Debug("解析用户消息失败")
			return
		}
	} else {
		var m map[string]any
		if err := json.Unmarshal(trimmed, &m); err != nil {
			log.WithError(err).Debug("解析用户消息失败")
			return
		}
		msgs = append(msgs, m)
	}
	for _, m := range msgs {
		if et := firstString(m, "event_type"); et != "" && et != "order" {
			continue
		}
		if ev, ok := ParseFillEvent(m); ok {
			s.deliver(ev)
		}
	}
}

func (s *UserStream) deliver(ev domain.FillEvent) {
	if ev.Status != domain.FillMatched && ev.Status != domain.FillCancelled {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, r := range s.recent {
		if now.After(r.exp) {
			delete(s.recent, id)
		}
	}
	ws := s.waiters[ev.OrderID]
	delete(s.waiters, ev.OrderID)
	if len(ws) == 0 {
		s.recent[ev.OrderID] = recentEvent{ev: ev, exp: now.Add(recentEventTTL)}
		return
	}
	for _, ch := range ws {
		ch <- ev
	}
}

// WaitForFillEvent 等待订单的终态事件；超时返回 Status=TIMEOUT。
func (s *UserStream) WaitForFillEvent(ctx context.Context, orderID string, timeout time.Duration) (domain.FillEvent, error) {
	if !s.Connected() {
		return domain.FillEvent{}, ports.ErrNoPushChannel
	}

	ch := make(chan domain.FillEvent, 1)
	s.mu.Lock()
	if r, ok := s.recent[orderID]; ok {
		delete(s.recent, orderID)
		s.mu.Unlock()
		return r.ev, nil
	}
	s.waiters[orderID] = append(s.waiters[orderID], ch)
	s.mu.Unlock()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case ev := <-ch:
		return ev, nil
	case <-t.C:
		s.removeWaiter(orderID, ch)
		select {
		case ev := <-ch:
			return ev, nil
		default:
		}
		return domain.FillEvent{OrderID: orderID, Status: domain.FillTimeout}, nil
	case <-ctx.Done():
		s.removeWaiter(orderID, ch)
		return domain.FillEvent{}, ctx.Err()
	}
}

func (s *UserStream) removeWaiter(orderID string, ch chan domain.FillEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws := s.waiters[orderID]
	for i, w := range ws {
		if w == ch {
			ws = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(ws) == 0 {
		delete(s.waiters, orderID)
	} else {
		s.waiters[orderID] = ws
	}
}
