package execution

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/edgeexec/internal/domain"
	"github.com/betbot/edgeexec/internal/metrics"
	"github.com/betbot/edgeexec/internal/ports"
	"github.com/betbot/edgeexec/internal/risk"
	"github.com/betbot/edgeexec/pkg/config"
)

var log = logrus.WithField("component", "executor")

var (
	// ErrNotFilled 入场超时或被撤销且没有任何成交，账本未变动
	ErrNotFilled = errors.New("entry not filled")
	// ErrAmbiguousFill 无法确定成交数量，已撤单并告警，账本未变动
	ErrAmbiguousFill = errors.New("ambiguous fill quantity")
	// ErrOrderTooSmall 按金额折算的 token 数量低于最小下单量
	ErrOrderTooSmall = errors.New("order size below minimum")
	// ErrClosed 执行器已关闭
	ErrClosed = errors.New("executor closed")
)

const (
	minPrice  = 0.01
	maxPrice  = 0.99
	priceTick = 0.01
	qtyEps    = 1e-9
)

// checkpointOffsets 开仓后记录价格偏移的时间点（逆向选择分析用）
var checkpointOffsets = []time.Duration{5 * time.Second, 15 * time.Second, 30 * time.Second}

// Deps 执行器依赖；Fills/Books/Store/Audit/Alerter 可为空
type Deps struct {
	Exchange ports.Exchange
	Fills    ports.FillEventSource
	Books    ports.BookFeed
	Risk     *risk.Manager
	Store    ports.StateStore
	Audit    ports.AuditSink
	Alerter  ports.Alerter
}

// Result 一次入场的结果（失败时 Trade 为空，Fill 仍然有效）
type Result struct {
	Trade   *domain.Trade
	Fill    domain.FillResult
	Style   domain.OrderStyle
	OrderID string
}

// Checkpoint 开仓后某一时刻的价格偏移
type Checkpoint struct {
	After time.Duration `json:"after"`
	Mid   float64       `json:"mid"`
	Move  float64       `json:"move"` // mid - entry
	At    time.Time     `json:"at"`
}

// Stats 已平仓统计
type Stats struct {
	Closed     int                       `json:"closed"`
	Wins       int                       `json:"wins"`
	Losses     int                       `json:"losses"`
	Estimated  int                       `json:"estimated"`
	Partials   int                       `json:"partials"`
	TotalPnL   float64                   `json:"total_pnl"`
	ByReason   map[domain.ExitReason]int `json:"by_reason"`
	OpenTrades int                       `json:"open_trades"`
}

// tradeState 执行器持有的单笔仓位；除 stop 外的字段由 Executor.mu 保护
type tradeState struct {
	trade       *domain.Trade
	marked      bool // 是否收到过真实行情
	lastBook    domain.BookSnapshot
	lastBookAt  time.Time
	checkpoints []Checkpoint

	stop     chan struct{}
	stopOnce sync.Once
}

func (ts *tradeState) halt() {
	ts.stopOnce.Do(func() { close(ts.stop) })
}

// Executor 订单状态机：入场确认、持仓监控、出场与结算
type Executor struct {
	cfg      config.Execution
	ex       ports.Exchange
	fills    ports.FillEventSource
	books    ports.BookFeed
	risk     *risk.Manager
	store    ports.StateStore
	audit    ports.AuditSink
	alerter  ports.Alerter
	inflight *InFlightDeduper
	now      func() time.Time

	mu          sync.Mutex
	trades      map[string]*tradeState
	byToken     map[string]map[string]struct{}
	history     []domain.ClosedTrade
	checkpoints map[string][]Checkpoint
	stats       Stats

	subMu sync.Mutex
	subs  map[string]func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option 执行器选项
type Option func(*Executor)

// WithClock 注入时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

func New(cfg config.Execution, deps Deps, opts ...Option) *Executor {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		cfg:         cfg,
		ex:          deps.Exchange,
		fills:       deps.Fills,
		books:       deps.Books,
		risk:        deps.Risk,
		store:       deps.Store,
		audit:       deps.Audit,
		alerter:     deps.Alerter,
		now:         time.Now,
		trades:      make(map[string]*tradeState),
		byToken:     make(map[string]map[string]struct{}),
		checkpoints: make(map[string][]Checkpoint),
		stats:       Stats{ByReason: make(map[domain.ExitReason]int)},
		subs:        make(map[string]func()),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cfg.HistoryLimit <= 0 {
		e.cfg.HistoryLimit = 500
	}
	// 一次入场最长耗时：每轮挂单等待 + 最后的吃单等待
	maxEntry := time.Duration(e.cfg.MaxReprices+1)*e.cfg.MakerFillTimeout.D() + e.cfg.FillTimeout.D() + 30*time.Second
	e.inflight = NewInFlightDeduper(maxEntry, 16)
	return e
}

// Close 停止所有监控协程。未平仓位保留在账本和快照中，下次启动时恢复。
func (e *Executor) Close() {
	e.cancel()
	e.wg.Wait()

	e.subMu.Lock()
	for token, cancel := range e.subs {
		cancel()
		delete(e.subs, token)
	}
	e.subMu.Unlock()
}

func (e *Executor) closed() bool {
	return e.ctx.Err() != nil
}

func (e *Executor) tradeLog(t *domain.Trade) *logrus.Entry {
	return log.WithFields(logrus.Fields{"trade": t.ID, "market": t.Market})
}

func (e *Executor) alert(level ports.AlertLevel, title, msg string, fields map[string]any) {
	if e.alerter == nil {
		return
	}
	e.alerter.Alert(level, title, msg, fields)
}

func (e *Executor) appendAudit(rec domain.AuditRecord) {
	if e.audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.audit.Append(ctx, rec); err != nil {
		log.WithError(err).WithField("trade", rec.TradeID).Error("❌ 审计记录写入失败")
	}
}

// saveState 快照 = 账本 + 执行器持有的仓位；StateStore 负责合并与落盘
func (e *Executor) saveState() {
	if e.store == nil {
		return
	}
	trades := e.OpenTrades()
	snap := domain.StateSnapshot{
		SavedAt: e.now().UTC(),
		Ledger:  e.risk.Snapshot(),
		Trades:  trades,
	}
	e.store.SaveState(snap)
	metrics.SnapshotSaves.Add(1)
	metrics.OpenPositions.Set(float64(len(trades)))
	st := e.risk.State()
	metrics.Equity.Set(st.Equity)
	metrics.SetKillSwitch(st.KillSwitch)
}
