package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/edgeexec/internal/domain"
	"github.com/betbot/edgeexec/internal/exchange"
	"github.com/betbot/edgeexec/internal/ports"
	"github.com/betbot/edgeexec/internal/risk"
	"github.com/betbot/edgeexec/pkg/config"
)

// ---- fakes ----

var errNoBook = errors.New("no book")

// scriptedExchange 每个订单一段状态脚本：GetOrder 依次弹出，最后一个状态保持不变
type scriptedExchange struct {
	mu        sync.Mutex
	seq       int
	placed    []domain.OrderRequest
	ids       []string
	scripts   map[string][]domain.OrderState
	cancelled map[string]bool
	cancels   []string
	cancelAll int
	books     map[string]domain.BookSnapshot
	placeErr  error
	placeGate chan struct{}

	// onPlace 为新订单生成脚本；n 为下单序号（从 0 开始）
	onPlace func(n int, req domain.OrderRequest) []domain.OrderState
	// onCancel 非空时撤单后用它替换该订单的脚本
	onCancel func(id string) []domain.OrderState
}

func newScriptedExchange() *scriptedExchange {
	return &scriptedExchange{
		scripts:   make(map[string][]domain.OrderState),
		cancelled: make(map[string]bool),
		books:     make(map[string]domain.BookSnapshot),
		onPlace:   fillMarketable,
	}
}

// fillMarketable GTC 挂单永不成交，其它订单按请求价全部成交
func fillMarketable(_ int, req domain.OrderRequest) []domain.OrderState {
	if req.OrderType == domain.OrderTypeGTC {
		return nil
	}
	return []domain.OrderState{orderState(domain.OrderStatusMatched, req.Size, req.Size, req.Price)}
}

func orderState(status domain.OrderStatus, size, filled, avg float64) domain.OrderState {
	return domain.OrderState{
		Status:      status,
		RawStatus:   string(status),
		Size:        size,
		HasSize:     true,
		Filled:      filled,
		HasFilled:   true,
		AvgPrice:    avg,
		HasAvgPrice: avg > 0,
	}
}

func (f *scriptedExchange) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.Order, error) {
	if f.placeGate != nil {
		select {
		case <-f.placeGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return nil, f.placeErr
	}
	f.seq++
	id := fmt.Sprintf("o%d", f.seq)
	f.scripts[id] = f.onPlace(len(f.placed), req)
	f.placed = append(f.placed, req)
	f.ids = append(f.ids, id)
	return &domain.Order{ID: id, TokenID: req.TokenID, Side: req.Side, Price: req.Price, Size: req.Size, Status: domain.OrderStatusOpen, OrderType: req.OrderType}, nil
}

func (f *scriptedExchange) CancelOrder(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled[id] = true
	f.cancels = append(f.cancels, id)
	if f.onCancel != nil {
		f.scripts[id] = f.onCancel(id)
	}
	return nil
}

func (f *scriptedExchange) CancelAll(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelAll++
	return nil
}

func (f *scriptedExchange) GetOrder(_ context.Context, id string) (*domain.OrderState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	script := f.scripts[id]
	var st domain.OrderState
	switch len(script) {
	case 0:
		st = orderState(domain.OrderStatusOpen, 0, 0, 0)
	case 1:
		st = script[0]
	default:
		st = script[0]
		f.scripts[id] = script[1:]
	}
	st.OrderID = id
	if f.cancelled[id] && !st.Status.IsTerminal() {
		st.Status = domain.OrderStatusCancelled
	}
	return &st, nil
}

func (f *scriptedExchange) FetchOrderbook(_ context.Context, tokenID string) (*domain.BookSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.books[tokenID]
	if !ok {
		return nil, errNoBook
	}
	return &b, nil
}

func (f *scriptedExchange) setBook(b domain.BookSnapshot) {
	f.mu.Lock()
	f.books[b.TokenID] = b
	f.mu.Unlock()
}

func (f *scriptedExchange) placedRequests() []domain.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.OrderRequest(nil), f.placed...)
}

func (f *scriptedExchange) cancelledIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancels...)
}

type fakeFills struct {
	fn func(orderID string) (domain.FillEvent, error)
}

func (f *fakeFills) WaitForFillEvent(_ context.Context, orderID string, _ time.Duration) (domain.FillEvent, error) {
	return f.fn(orderID)
}

type fakeFeed struct {
	mu        sync.Mutex
	handlers  map[string]ports.BookHandler
	cancelled map[string]int
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{handlers: make(map[string]ports.BookHandler), cancelled: make(map[string]int)}
}

func (f *fakeFeed) SubscribeBook(tokenID string, h ports.BookHandler) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[tokenID] = h
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers, tokenID)
		f.cancelled[tokenID]++
	}, nil
}

func (f *fakeFeed) push(b domain.BookSnapshot) {
	f.mu.Lock()
	h := f.handlers[b.TokenID]
	f.mu.Unlock()
	if h != nil {
		h(b)
	}
}

func (f *fakeFeed) cancelCount(tokenID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled[tokenID]
}

type memAudit struct {
	mu   sync.Mutex
	recs []domain.AuditRecord
}

func (m *memAudit) Append(_ context.Context, r domain.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, r)
	return nil
}

func (m *memAudit) Close() error { return nil }

func (m *memAudit) count(ev domain.AuditEvent) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.recs {
		if r.Event == ev {
			n++
		}
	}
	return n
}

type memStore struct {
	mu    sync.Mutex
	saves int
	last  domain.StateSnapshot
}

func (s *memStore) SaveState(snap domain.StateSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	s.last = snap
}

func (s *memStore) LoadState() (*domain.StateSnapshot, error) { return nil, nil }

func (s *memStore) FlushStateWrites(time.Duration) bool { return true }

type memAlerter struct {
	mu     sync.Mutex
	titles []string
}

func (a *memAlerter) Alert(_ ports.AlertLevel, title, _ string, _ map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.titles = append(a.titles, title)
}

func (a *memAlerter) has(title string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, t := range a.titles {
		if t == title {
			return true
		}
	}
	return false
}

// ---- helpers ----

type harness struct {
	e     *Executor
	ex    *scriptedExchange
	risk  *risk.Manager
	audit *memAudit
	store *memStore
	alert *memAlerter
	feed  *fakeFeed
}

func testExecConfig() config.Execution {
	return config.Execution{
		FillPoll:             config.D(5 * time.Millisecond),
		FillTimeout:          config.D(60 * time.Millisecond),
		MakerFillTimeout:     config.D(30 * time.Millisecond),
		MakerMinSpread:       0.03,
		MakerMinTimeToExpiry: config.D(120 * time.Second),
		MaxReprices:          2,
		RepriceStep:          0.01,
		MaxHold:              config.D(time.Hour),
		SafetyBuffer:         config.D(time.Minute),
		SafetyPoll:           config.D(10 * time.Millisecond),
		BookStaleAfter:       config.D(400 * time.Millisecond),
		ProfitTarget:         0.20,
		StopLoss:             0.15,
		EdgeCollapseBand:     0.02,
		HistoryLimit:         50,
		MinOrderSize:         1,
	}
}

type harnessOpt func(*config.Execution, *Deps)

func withFills(fn func(orderID string) (domain.FillEvent, error)) harnessOpt {
	return func(_ *config.Execution, d *Deps) { d.Fills = &fakeFills{fn: fn} }
}

func newHarness(t *testing.T, opts ...harnessOpt) *harness {
	t.Helper()
	h := &harness{
		ex:    newScriptedExchange(),
		audit: &memAudit{},
		store: &memStore{},
		alert: &memAlerter{},
		feed:  newFakeFeed(),
	}
	h.risk = risk.NewManager(config.Risk{InitialBankroll: 1000, MaxOpenPositions: 10}, h.alert)
	cfg := testExecConfig()
	deps := Deps{
		Exchange: h.ex,
		Books:    h.feed,
		Risk:     h.risk,
		Store:    h.store,
		Audit:    h.audit,
		Alerter:  h.alert,
	}
	for _, o := range opts {
		o(&cfg, &deps)
	}
	h.e = New(cfg, deps)
	t.Cleanup(h.e.Close)
	return h
}

func testSignal(id, token, market string) domain.Signal {
	return domain.Signal{
		ID:           id,
		Direction:    domain.DirectionBuyYes,
		TokenID:      token,
		EntryPrice:   0.50,
		SizeUSD:      5,
		ModelProb:    0.60,
		LiquidityUSD: 500,
		ExpiresInSec: 600,
		Market:       market,
	}
}

func (h *harness) open(t *testing.T, sig domain.Signal) *domain.Trade {
	t.Helper()
	res, err := h.e.Execute(context.Background(), sig)
	require.NoError(t, err)
	require.NotNil(t, res.Trade)
	return res.Trade
}

// ---- entry ----

func TestExecute_TakerMatched(t *testing.T) {
	h := newHarness(t)
	tr := h.open(t, testSignal("s1", "tok", "BTC-15m"))

	assert.Equal(t, domain.OrderStyleTaker, tr.EntryStyle)
	assert.Equal(t, domain.FillSourceREST, tr.EntrySource)
	assert.InDelta(t, 10, tr.TokenQty, 1e-9)
	assert.InDelta(t, 5, tr.Size, 1e-9)
	assert.InDelta(t, 5, tr.InitialSize, 1e-9)
	assert.InDelta(t, 995, h.risk.Bankroll(), 1e-9)
	assert.True(t, h.risk.HasPosition(tr.ID))
	assert.Equal(t, 1, h.audit.count(domain.AuditOpen))

	placed := h.ex.placedRequests()
	require.Len(t, placed, 1)
	assert.Equal(t, domain.OrderTypeFAK, placed[0].OrderType)
	assert.InDelta(t, 0.50, placed[0].Price, 1e-9)
}

func TestExecute_PartialEntryOpensFilledQtyOnly(t *testing.T) {
	h := newHarness(t)
	// 请求 10，交易所报 CANCELED 且剩余 5
	raw := exchange.ParseOrderState(map[string]any{
		"status":         "CANCELED",
		"original_size":  "10",
		"remaining_size": "5",
		"price":          "0.5",
	})
	h.ex.onPlace = func(int, domain.OrderRequest) []domain.OrderState { return []domain.OrderState{raw} }

	res, err := h.e.Execute(context.Background(), testSignal("s1", "tok", "BTC-15m"))
	require.NoError(t, err)
	require.NotNil(t, res.Trade)

	assert.Equal(t, domain.FillPartial, res.Fill.Status)
	assert.InDelta(t, 5, res.Trade.TokenQty, 1e-9)
	assert.InDelta(t, 2.5, res.Trade.Size, 1e-9)
	assert.Contains(t, h.ex.cancelledIDs(), res.OrderID, "unfilled remainder must be cancelled")

	st := h.risk.State()
	require.Len(t, st.OpenPositions, 1)
	assert.InDelta(t, 2.5, st.OpenPositions[0].Size, 1e-9)
	assert.InDelta(t, 997.5, st.Bankroll, 1e-9)
}

func TestExecute_OverFillClampedToRequested(t *testing.T) {
	h := newHarness(t)
	h.ex.onPlace = func(_ int, req domain.OrderRequest) []domain.OrderState {
		return []domain.OrderState{orderState(domain.OrderStatusMatched, req.Size, req.Size+4, req.Price)}
	}
	tr := h.open(t, testSignal("s1", "tok", "BTC-15m"))
	assert.InDelta(t, 10, tr.TokenQty, 1e-9)
	assert.InDelta(t, 995, h.risk.Bankroll(), 1e-9)
}

func TestExecute_NoFillLeavesLedgerUntouched(t *testing.T) {
	h := newHarness(t)
	h.ex.onPlace = func(int, domain.OrderRequest) []domain.OrderState { return nil }

	res, err := h.e.Execute(context.Background(), testSignal("s1", "tok", "BTC-15m"))
	require.ErrorIs(t, err, ErrNotFilled)
	assert.Nil(t, res.Trade)
	assert.Equal(t, domain.FillCancelled, res.Fill.Status)
	assert.Contains(t, h.ex.cancelledIDs(), res.OrderID)
	assert.InDelta(t, 1000, h.risk.Bankroll(), 1e-9)
	assert.Empty(t, h.risk.State().OpenPositions)
	assert.Equal(t, 0, h.audit.count(domain.AuditOpen))
}

func TestExecute_LateFillFoundAfterCancel(t *testing.T) {
	h := newHarness(t)
	// 等待期间一直是 OPEN，撤单后的复查发现成交了 4
	h.ex.onPlace = func(int, domain.OrderRequest) []domain.OrderState { return nil }
	h.ex.onCancel = func(string) []domain.OrderState {
		return []domain.OrderState{orderState(domain.OrderStatusCancelled, 10, 4, 0.5)}
	}

	res, err := h.e.Execute(context.Background(), testSignal("s1", "tok", "BTC-15m"))
	require.NoError(t, err)
	require.NotNil(t, res.Trade)
	assert.Equal(t, domain.FillPartial, res.Fill.Status)
	assert.Equal(t, domain.FillSourceRESTFinal, res.Fill.Source)
	assert.InDelta(t, 4, res.Trade.TokenQty, 1e-9)
	assert.InDelta(t, 998, h.risk.Bankroll(), 1e-9)
}

func TestExecute_UnknownQuantityFailsClosed(t *testing.T) {
	h := newHarness(t, withFills(func(id string) (domain.FillEvent, error) {
		return domain.FillEvent{OrderID: id, Status: domain.FillMatched}, nil
	}))
	h.ex.onPlace = func(_ int, req domain.OrderRequest) []domain.OrderState {
		return []domain.OrderState{{Status: domain.OrderStatusMatched, RawStatus: "MATCHED", Size: req.Size, HasSize: true}}
	}

	res, err := h.e.Execute(context.Background(), testSignal("s1", "tok", "BTC-15m"))
	require.ErrorIs(t, err, ErrAmbiguousFill)
	assert.Nil(t, res.Trade)
	assert.Equal(t, domain.FillUnknownMatchedQty, res.Fill.Status)
	assert.Contains(t, h.ex.cancelledIDs(), res.OrderID)
	assert.True(t, h.alert.has("ambiguous fill"))
	assert.InDelta(t, 1000, h.risk.Bankroll(), 1e-9)
	assert.Empty(t, h.risk.State().OpenPositions)
}

func TestExecute_PushZeroQtyReconcilesViaREST(t *testing.T) {
	h := newHarness(t, withFills(func(id string) (domain.FillEvent, error) {
		return domain.FillEvent{OrderID: id, Status: domain.FillMatched, FilledQty: 0, HasFilledQty: true}, nil
	}))
	tr := h.open(t, testSignal("s1", "tok", "BTC-15m"))
	assert.Equal(t, domain.FillSourceRESTReconcile, tr.EntrySource)
	assert.InDelta(t, 10, tr.TokenQty, 1e-9)
}

func TestExecute_PushMatchedTrustedWithQty(t *testing.T) {
	h := newHarness(t, withFills(func(id string) (domain.FillEvent, error) {
		return domain.FillEvent{OrderID: id, Status: domain.FillMatched, FilledQty: 25, HasFilledQty: true, AvgPrice: 0.49, HasAvgPrice: true}, nil
	}))
	tr := h.open(t, testSignal("s1", "tok", "BTC-15m"))
	assert.Equal(t, domain.FillSourceWS, tr.EntrySource)
	assert.InDelta(t, 10, tr.TokenQty, 1e-9, "push quantity is clamped too")
	assert.InDelta(t, 0.49, tr.EntryPrice, 1e-9)
}

func TestExecute_PushTimeoutDoesFinalRESTCheck(t *testing.T) {
	h := newHarness(t, withFills(func(id string) (domain.FillEvent, error) {
		return domain.FillEvent{OrderID: id, Status: domain.FillTimeout}, nil
	}))
	tr := h.open(t, testSignal("s1", "tok", "BTC-15m"))
	assert.Equal(t, domain.FillSourceRESTFinal, tr.EntrySource)
}

func TestExecute_NoPushChannelFallsBackToPolling(t *testing.T) {
	h := newHarness(t, withFills(func(string) (domain.FillEvent, error) {
		return domain.FillEvent{}, ports.ErrNoPushChannel
	}))
	tr := h.open(t, testSignal("s1", "tok", "BTC-15m"))
	assert.Equal(t, domain.FillSourceREST, tr.EntrySource)
}

func TestExecute_MakerRepricesThenFallsBackToTaker(t *testing.T) {
	h := newHarness(t)
	h.ex.setBook(domain.BookSnapshot{TokenID: "tok", BestBid: 0.40, BestAsk: 0.50, Timestamp: time.Now()})
	sig := testSignal("s1", "tok", "BTC-15m")
	sig.EntryPrice = 0.48

	res, err := h.e.Execute(context.Background(), sig)
	require.NoError(t, err)
	require.NotNil(t, res.Trade)
	assert.Equal(t, domain.OrderStyleTaker, res.Style)

	placed := h.ex.placedRequests()
	require.Len(t, placed, 4)
	for i, want := range []float64{0.41, 0.42, 0.43} {
		assert.Equal(t, domain.OrderTypeGTC, placed[i].OrderType)
		assert.InDelta(t, want, placed[i].Price, 1e-9)
	}
	assert.Equal(t, domain.OrderTypeFAK, placed[3].OrderType)
	assert.InDelta(t, 0.48, placed[3].Price, 1e-9)

	cancelled := h.ex.cancelledIDs()
	for _, id := range []string{"o1", "o2", "o3"} {
		assert.Contains(t, cancelled, id, "stale maker order %s must be cancelled before reprice", id)
	}
}

func TestExecute_MakerFilled(t *testing.T) {
	h := newHarness(t)
	h.ex.setBook(domain.BookSnapshot{TokenID: "tok", BestBid: 0.40, BestAsk: 0.50})
	h.ex.onPlace = func(_ int, req domain.OrderRequest) []domain.OrderState {
		return []domain.OrderState{orderState(domain.OrderStatusMatched, req.Size, req.Size, req.Price)}
	}
	sig := testSignal("s1", "tok", "BTC-15m")
	sig.EntryPrice = 0.48

	res, err := h.e.Execute(context.Background(), sig)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStyleMaker, res.Style)
	assert.InDelta(t, 0.41, res.Trade.EntryPrice, 1e-9)
	assert.InDelta(t, math.Floor(5/0.41*100)/100, res.Trade.TokenQty, 1e-9)
}

func TestExecute_NarrowSpreadOrNearExpiryTakes(t *testing.T) {
	h := newHarness(t)
	h.ex.setBook(domain.BookSnapshot{TokenID: "tok", BestBid: 0.40, BestAsk: 0.50})
	sig := testSignal("s1", "tok", "BTC-15m")
	sig.EntryPrice = 0.48
	sig.ExpiresInSec = 60

	res, err := h.e.Execute(context.Background(), sig)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStyleTaker, res.Style)
	assert.Len(t, h.ex.placedRequests(), 1)
}

func TestExecute_DuplicateInFlightPerToken(t *testing.T) {
	h := newHarness(t)
	h.ex.placeGate = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := h.e.Execute(context.Background(), testSignal("s1", "tok", "BTC-15m"))
		done <- err
	}()
	require.Eventually(t, func() bool { return h.e.inflight.Len() == 1 }, time.Second, 2*time.Millisecond)

	_, err := h.e.Execute(context.Background(), testSignal("s2", "tok", "BTC-15m"))
	assert.ErrorIs(t, err, ErrDuplicateInFlight)

	close(h.ex.placeGate)
	require.NoError(t, <-done)
}

func TestExecute_PlaceErrorCountsTowardKillSwitch(t *testing.T) {
	h := newHarness(t)
	h.risk = risk.NewManager(config.Risk{InitialBankroll: 1000, MaxOpenPositions: 10, MaxConsecutiveErrors: 2}, h.alert)
	h.e.risk = h.risk
	h.ex.placeErr = errors.New("boom")

	for i := 0; i < 2; i++ {
		_, err := h.e.Execute(context.Background(), testSignal(fmt.Sprintf("s%d", i), fmt.Sprintf("tok%d", i), "BTC-15m"))
		require.Error(t, err)
	}
	active, _ := h.risk.KillSwitchActive()
	assert.True(t, active)
}

// ---- exit ----

func TestExit_PartialThenRemainder(t *testing.T) {
	h := newHarness(t)
	sells := 0
	h.ex.onPlace = func(_ int, req domain.OrderRequest) []domain.OrderState {
		if req.Side == domain.SideBuy {
			return []domain.OrderState{orderState(domain.OrderStatusMatched, req.Size, req.Size, req.Price)}
		}
		sells++
		if sells == 1 {
			return []domain.OrderState{orderState(domain.OrderStatusCancelled, req.Size, 4, 0.60)}
		}
		return []domain.OrderState{orderState(domain.OrderStatusMatched, req.Size, req.Size, 0.55)}
	}
	tr := h.open(t, testSignal("s1", "tok", "BTC-15m"))

	closed := h.e.exitPosition(context.Background(), tr.ID, domain.ExitProfitTarget)
	assert.False(t, closed)
	open := h.e.OpenTrades()
	require.Len(t, open, 1)
	assert.Equal(t, domain.TradeStatusOpen, open[0].Status)
	assert.InDelta(t, 6, open[0].TokenQty, 1e-9)
	assert.InDelta(t, 3, open[0].Size, 1e-9)
	assert.InDelta(t, 5, open[0].InitialSize, 1e-9)
	assert.InDelta(t, 0.4, open[0].RealizedPnL, 1e-9)
	assert.InDelta(t, 997.4, h.risk.Bankroll(), 1e-9)

	assert.True(t, h.e.exitPosition(context.Background(), tr.ID, domain.ExitProfitTarget))
	placed := h.ex.placedRequests()
	require.Len(t, placed, 3)
	assert.InDelta(t, 6, placed[2].Size, 1e-9, "second sell sized from remaining tokens")

	hist := h.e.History(0)
	require.Len(t, hist, 1)
	assert.InDelta(t, 0.3, hist[0].FinalPnL, 1e-9)
	assert.InDelta(t, 0.7, hist[0].TotalPnL, 1e-9)
	assert.InDelta(t, 1000.7, h.risk.Bankroll(), 1e-9)
	assert.Equal(t, 1, h.audit.count(domain.AuditPartialClose))
	assert.Equal(t, 1, h.audit.count(domain.AuditClose))
}

func TestExit_UnconfirmedRevertsToOpen(t *testing.T) {
	h := newHarness(t)
	h.ex.onPlace = func(_ int, req domain.OrderRequest) []domain.OrderState {
		if req.Side == domain.SideBuy {
			return []domain.OrderState{orderState(domain.OrderStatusMatched, req.Size, req.Size, req.Price)}
		}
		return nil
	}
	tr := h.open(t, testSignal("s1", "tok", "BTC-15m"))

	assert.False(t, h.e.exitPosition(context.Background(), tr.ID, domain.ExitStopLoss))
	open := h.e.OpenTrades()
	require.Len(t, open, 1)
	assert.Equal(t, domain.TradeStatusOpen, open[0].Status)
	assert.InDelta(t, 995, h.risk.Bankroll(), 1e-9)
	assert.Empty(t, h.e.History(0))
}

func TestFinalize_Idempotent(t *testing.T) {
	h := newHarness(t)
	tr := h.open(t, testSignal("s1", "tok", "BTC-15m"))

	assert.True(t, h.e.finalize(tr.ID, 0.55, domain.ExitEdgeCollapsed, false))
	assert.False(t, h.e.finalize(tr.ID, 0.55, domain.ExitEdgeCollapsed, false))
	assert.False(t, h.e.exitPosition(context.Background(), tr.ID, domain.ExitEdgeCollapsed))

	assert.Len(t, h.e.History(0), 1)
	st := h.e.Stats()
	assert.Equal(t, 1, st.Closed)
	assert.InDelta(t, 0.5, st.TotalPnL, 1e-9)
	assert.Equal(t, 1, h.audit.count(domain.AuditClose))
	assert.InDelta(t, 1000.5, h.risk.Bankroll(), 1e-9)
}

func TestExit_ConcurrentTriggersFinalizeOnce(t *testing.T) {
	h := newHarness(t)
	tr := h.open(t, testSignal("s1", "tok", "BTC-15m"))

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			h.e.exitPosition(context.Background(), tr.ID, domain.ExitProfitTarget)
		}()
		go func() {
			defer wg.Done()
			<-start
			h.e.forceClose(tr.ID, domain.ExitHardTimeout, true)
		}()
	}
	close(start)
	wg.Wait()

	assert.Len(t, h.e.History(0), 1)
	assert.Equal(t, 1, h.audit.count(domain.AuditClose))
	assert.Equal(t, 1, h.e.Stats().Closed)
	assert.Empty(t, h.risk.State().OpenPositions)
	// 没有行情时按入场价结算，盈亏为 0
	assert.InDelta(t, 1000, h.risk.Bankroll(), 1e-9)
}

func TestOnBookUpdate_ProfitTargetExitCleansRouting(t *testing.T) {
	h := newHarness(t)
	tr := h.open(t, testSignal("s1", "tok", "BTC-15m"))
	sig := tr.Signal
	require.Equal(t, 0.60, sig.ModelProb)

	h.feed.push(domain.BookSnapshot{TokenID: "tok", BestBid: 0.62, BestAsk: 0.64})

	require.Eventually(t, func() bool { return len(h.e.History(0)) == 1 }, 2*time.Second, 5*time.Millisecond)
	c := h.e.History(0)[0]
	assert.Equal(t, domain.ExitProfitTarget, c.Reason)
	assert.InDelta(t, 0.62, c.ExitPrice, 1e-9)
	assert.InDelta(t, 1.2, c.TotalPnL, 1e-9)
	assert.InDelta(t, 1001.2, h.risk.Bankroll(), 1e-9)

	require.Eventually(t, func() bool { return h.feed.cancelCount("tok") == 1 }, time.Second, 5*time.Millisecond)
	h.e.mu.Lock()
	assert.Empty(t, h.e.byToken)
	assert.Empty(t, h.e.trades)
	h.e.mu.Unlock()
}

func TestOnBookUpdate_EdgeCollapsedAndStopLoss(t *testing.T) {
	h := newHarness(t)
	up := h.open(t, testSignal("s1", "tok-a", "BTC-15m"))
	down := h.open(t, testSignal("s2", "tok-b", "ETH-15m"))

	// 0.59 距目标价 0.60 在 2 美分内，收益 0.9 未达止盈 1.0
	h.feed.push(domain.BookSnapshot{TokenID: "tok-a", BestBid: 0.58, BestAsk: 0.60})
	// 0.42：亏损 0.8 >= 0.15*5
	h.feed.push(domain.BookSnapshot{TokenID: "tok-b", BestBid: 0.41, BestAsk: 0.43})

	require.Eventually(t, func() bool { return len(h.e.History(0)) == 2 }, 2*time.Second, 5*time.Millisecond)
	reasons := map[string]domain.ExitReason{}
	for _, c := range h.e.History(0) {
		reasons[c.ID] = c.Reason
	}
	assert.Equal(t, domain.ExitEdgeCollapsed, reasons[up.ID])
	assert.Equal(t, domain.ExitStopLoss, reasons[down.ID])
}

func TestHardTimeout_ForcesEstimatedClose(t *testing.T) {
	h := newHarness(t, func(c *config.Execution, _ *Deps) {
		c.MaxHold = config.D(30 * time.Millisecond)
		c.SafetyBuffer = config.D(20 * time.Millisecond)
		c.FillTimeout = config.D(40 * time.Millisecond)
	})
	h.ex.onPlace = func(_ int, req domain.OrderRequest) []domain.OrderState {
		if req.Side == domain.SideBuy {
			return []domain.OrderState{orderState(domain.OrderStatusMatched, req.Size, req.Size, req.Price)}
		}
		return nil // 出场单永远不成交
	}
	h.open(t, testSignal("s1", "tok", "BTC-15m"))

	require.Eventually(t, func() bool { return len(h.e.History(0)) == 1 }, 5*time.Second, 10*time.Millisecond)
	c := h.e.History(0)[0]
	assert.Equal(t, domain.ExitHardTimeout, c.Reason)
	assert.True(t, c.Estimated)
	assert.True(t, h.alert.has("forced estimated close"))
	assert.Empty(t, h.risk.State().OpenPositions)
	assert.InDelta(t, 1000, h.risk.Bankroll(), 1e-9)
}

func TestSafetyPoll_UsesRESTBookWhenFeedSilent(t *testing.T) {
	h := newHarness(t)
	tr := h.open(t, testSignal("s1", "tok", "BTC-15m"))
	h.ex.setBook(domain.BookSnapshot{TokenID: "tok", BestBid: 0.64, BestAsk: 0.66})

	require.Eventually(t, func() bool { return len(h.e.History(0)) == 1 }, 2*time.Second, 5*time.Millisecond)
	c := h.e.History(0)[0]
	assert.Equal(t, tr.ID, c.ID)
	assert.Equal(t, domain.ExitProfitTarget, c.Reason)
}

// ---- emergency ops / restore ----

func TestCancelByMarket_OnlyMatchingLabel(t *testing.T) {
	h := newHarness(t)
	a := h.open(t, testSignal("s1", "tok-a", "BTC-15m-1"))
	b := h.open(t, testSignal("s2", "tok-b", "ETH-15m-1"))

	n := h.e.CancelByMarket(context.Background(), "BTC-15m-1")
	assert.Equal(t, 1, n)

	open := h.e.OpenTrades()
	require.Len(t, open, 1)
	assert.Equal(t, b.ID, open[0].ID)
	hist := h.e.History(0)
	require.Len(t, hist, 1)
	assert.Equal(t, a.ID, hist[0].ID)
	assert.Equal(t, domain.ExitMarketRotation, hist[0].Reason)
	assert.True(t, hist[0].Estimated)
	assert.True(t, h.risk.HasPosition(b.ID))
}

func TestCancelAll_ForceClosesEverything(t *testing.T) {
	h := newHarness(t)
	h.open(t, testSignal("s1", "tok-a", "BTC-15m"))
	h.open(t, testSignal("s2", "tok-b", "ETH-15m"))

	n, err := h.e.CancelAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, h.ex.cancelAll)
	assert.Empty(t, h.e.OpenTrades())
	assert.Empty(t, h.risk.State().OpenPositions)
	assert.Equal(t, 2, h.e.Stats().Estimated)
	assert.True(t, h.alert.has("cancel all"))
}

func TestRestore_ReArmsKnownTradesOnly(t *testing.T) {
	h := newHarness(t)
	opened := time.Now().Add(-time.Minute)
	h.risk.RestoreState(domain.LedgerSnapshot{
		Bankroll: decimal.NewFromInt(990),
		OpenPositions: []domain.PositionSnapshot{
			{ID: "t1", Market: "BTC-15m", TokenID: "tok", Size: decimal.NewFromInt(5), OpenedAt: opened},
			{ID: "t3", Market: "SOL-15m", TokenID: "tok-c", Size: decimal.NewFromInt(5), OpenedAt: opened},
		},
	})

	t1 := domain.NewTrade("t1", testSignal("s1", "tok", "BTC-15m"), 10, 0.5, domain.OrderStyleTaker, domain.FillSourceREST, opened)
	t1.Status = domain.TradeStatusClosing
	t2 := domain.NewTrade("t2", testSignal("s2", "tok-b", "ETH-15m"), 10, 0.5, domain.OrderStyleTaker, domain.FillSourceREST, opened)

	n := h.e.Restore([]domain.Trade{*t1, *t2})
	assert.Equal(t, 1, n)

	open := h.e.OpenTrades()
	require.Len(t, open, 1)
	assert.Equal(t, "t1", open[0].ID)
	assert.Equal(t, domain.TradeStatusOpen, open[0].Status)
	assert.True(t, h.alert.has("orphan ledger position"))
}

func TestSaveStateAfterEveryChange(t *testing.T) {
	h := newHarness(t)
	tr := h.open(t, testSignal("s1", "tok", "BTC-15m"))

	h.store.mu.Lock()
	afterOpen := h.store.saves
	require.Len(t, h.store.last.Trades, 1)
	assert.Len(t, h.store.last.Ledger.OpenPositions, 1)
	h.store.mu.Unlock()
	assert.GreaterOrEqual(t, afterOpen, 1)

	require.True(t, h.e.finalize(tr.ID, 0.5, domain.ExitMaxHoldTime, false))
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	assert.Greater(t, h.store.saves, afterOpen)
	assert.Empty(t, h.store.last.Trades)
	assert.Empty(t, h.store.last.Ledger.OpenPositions)
}

// ---- pure helpers ----

func TestClampQty(t *testing.T) {
	cases := []struct {
		name      string
		q, req    float64
		wantValue float64
	}{
		{"within", 4, 10, 4},
		{"negative", -3, 10, 0},
		{"overfill", 12, 10, 10},
		{"nan", math.NaN(), 10, 0},
		{"zero request", 5, 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.wantValue, clampQty(tc.q, tc.req))
		})
	}
}

func TestFromOrderState(t *testing.T) {
	cases := []struct {
		name   string
		st     domain.OrderState
		status domain.FillStatus
		filled float64
	}{
		{"matched full", orderState(domain.OrderStatusMatched, 10, 10, 0.5), domain.FillMatched, 10},
		{"matched short is partial", orderState(domain.OrderStatusMatched, 10, 6, 0.5), domain.FillPartial, 6},
		{"matched without qty", domain.OrderState{Status: domain.OrderStatusMatched}, domain.FillUnknownMatchedQty, 0},
		{"cancelled with fill", orderState(domain.OrderStatusCancelled, 10, 5, 0.5), domain.FillPartial, 5},
		{"cancelled zero", orderState(domain.OrderStatusCancelled, 10, 0, 0), domain.FillCancelled, 0},
		{"cancelled without qty", domain.OrderState{Status: domain.OrderStatusCancelled}, domain.FillUnknownMatchedQty, 0},
		{"open partial", orderState(domain.OrderStatusOpen, 10, 3, 0.5), domain.FillPartial, 3},
		{"open nothing", orderState(domain.OrderStatusOpen, 10, 0, 0), domain.FillTimeout, 0},
		{"negative remaining", orderState(domain.OrderStatusMatched, 10, 15, 0.5), domain.FillMatched, 10},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := tc.st
			r := fromOrderState(&st, 10, 0.5, domain.FillSourceREST)
			assert.Equal(t, tc.status, r.Status)
			assert.InDelta(t, tc.filled, r.FilledQty, 1e-9)
		})
	}
}

func TestMakerPrice(t *testing.T) {
	sig := testSignal("s", "tok", "m")
	sig.EntryPrice = 0.48
	assert.InDelta(t, 0.41, makerPrice(domain.BookSnapshot{BestBid: 0.40, BestAsk: 0.50}, sig), 1e-9)
	// 买一上方一个 tick 已经触及卖一：无法挂单
	assert.Equal(t, 0.0, makerPrice(domain.BookSnapshot{BestBid: 0.47, BestAsk: 0.48}, sig))
	// 不高于信号价格
	sig.EntryPrice = 0.42
	assert.InDelta(t, 0.42, makerPrice(domain.BookSnapshot{BestBid: 0.45, BestAsk: 0.50}, sig), 1e-9)
}
