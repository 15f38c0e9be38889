package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/edgeexec/internal/domain"
	"github.com/betbot/edgeexec/internal/ports"
	"github.com/betbot/edgeexec/pkg/config"
)

var log = logrus.WithField("component", "risk_manager")

// Decision canTrade 的结果。Signal 可能已被流动性规则缩量。
type Decision struct {
	Allowed bool
	Reasons []string
	Signal  domain.Signal
	Scaled  bool
}

// Err 拒绝时返回包含全部原因的错误。
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return fmt.Errorf("risk rejected: %v", d.Reasons)
}

// Option 构造选项
type Option func(*Manager)

// WithClock 注入时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// Manager 风控账本：现金、持仓集合、日内/回撤统计和 kill-switch。
//
// 所有资金变动只能经过 OpenPosition / ClosePosition / ApplyPartialClose。
// 同一把锁覆盖 CanTrade 的完整评估，冷却时间戳的预留与检查不可分割。
type Manager struct {
	cfg     config.Risk
	alerter ports.Alerter
	kill    *KillSwitch
	now     func() time.Time

	mu          sync.Mutex
	bankroll    decimal.Decimal
	peak        decimal.Decimal
	dailyHigh   decimal.Decimal
	dailyPnL    decimal.Decimal
	dailyTrades int
	dayKey      string
	lastTradeAt time.Time
	positions   map[string]*position
}

type position struct {
	market   string
	tokenID  string
	size     decimal.Decimal
	openedAt time.Time
}

func NewManager(cfg config.Risk, alerter ports.Alerter, opts ...Option) *Manager {
	m := &Manager{
		cfg:       cfg,
		alerter:   alerter,
		kill:      NewKillSwitch(cfg.MaxConsecutiveErrors),
		now:       time.Now,
		positions: make(map[string]*position),
	}
	for _, o := range opts {
		o(m)
	}
	initial := decimal.NewFromFloat(cfg.InitialBankroll)
	m.bankroll = initial
	m.peak = initial
	m.dailyHigh = initial
	m.dayKey = dayKey(m.now())
	return m
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// CanTrade 依次评估全部风控规则，累计所有违规原因。
// 仅当全部通过时，在同一次调用内预留冷却时间戳。
func (m *Manager) CanTrade(sig domain.Signal, fillProb float64) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.rollDayLocked(now)

	if active, reason := m.kill.Active(); active {
		return Decision{Reasons: []string{"kill switch: " + reason}, Signal: sig}
	}

	var reasons []string
	out := sig
	scaled := false

	if cd := m.cfg.Cooldown.D(); cd > 0 && !m.lastTradeAt.IsZero() {
		if elapsed := now.Sub(m.lastTradeAt); elapsed < cd {
			reasons = append(reasons, fmt.Sprintf("cooldown: %s remaining", (cd - elapsed).Round(time.Millisecond)))
		}
	}

	if m.cfg.MaxOpenPositions > 0 && len(m.positions) >= m.cfg.MaxOpenPositions {
		reasons = append(reasons, fmt.Sprintf("max open positions: %d/%d", len(m.positions), m.cfg.MaxOpenPositions))
	}

	minBankroll := decimal.NewFromFloat(m.cfg.MinBankroll)
	if m.cfg.MinBankroll > 0 && m.bankroll.LessThan(minBankroll) {
		reasons = append(reasons, fmt.Sprintf("bankroll %s below floor %s", m.bankroll.StringFixed(2), minBankroll.StringFixed(2)))
	}

	equity := m.equityLocked()
	if m.cfg.DailyLossLimit > 0 {
		drop := m.dailyHigh.Sub(equity)
		if drop.GreaterThan(decimal.NewFromFloat(m.cfg.DailyLossLimit)) {
			reasons = append(reasons, fmt.Sprintf("daily loss limit: %s below today's high %s", drop.StringFixed(2), m.dailyHigh.StringFixed(2)))
		}
	}

	if m.cfg.MaxDrawdown > 0 && m.peak.IsPositive() {
		dd, _ := m.peak.Sub(equity).Div(m.peak).Float64()
		if dd >= m.cfg.MaxDrawdown {
			reason := fmt.Sprintf("max drawdown %.2f%% >= %.2f%%", dd*100, m.cfg.MaxDrawdown*100)
			if m.kill.Halt(reason) {
				log.Errorf("🛑 回撤触发 kill-switch: %s", reason)
				m.alert(ports.AlertCritical, "kill switch activated", reason, map[string]any{
					"peak":   m.peak.StringFixed(2),
					"equity": equity.StringFixed(2),
				})
			}
			reasons = append(reasons, reason)
		}
	}

	cost := m.cfg.Slippage + FeePerShare(sig.EntryPrice, m.cfg.FeeRate, m.cfg.FeeExponent)
	if edge := sig.Edge(); edge < cost {
		reasons = append(reasons, fmt.Sprintf("edge %.4f below cost %.4f", edge, cost))
	}

	if fillProb < m.cfg.MinFillProbability {
		reasons = append(reasons, fmt.Sprintf("fill probability %.2f below %.2f", fillProb, m.cfg.MinFillProbability))
	}

	if m.cfg.LiquidityFraction > 0 {
		limit := decimal.NewFromFloat(sig.LiquidityUSD).Mul(decimal.NewFromFloat(m.cfg.LiquidityFraction))
		if limit.LessThan(decimal.NewFromFloat(m.cfg.MinLiquidityUSD)) {
			reasons = append(reasons, fmt.Sprintf("liquidity: %s usable below floor %.2f", limit.StringFixed(2), m.cfg.MinLiquidityUSD))
		} else if decimal.NewFromFloat(sig.SizeUSD).GreaterThan(limit) {
			capped, _ := limit.RoundDown(2).Float64()
			out = sig.WithSize(capped)
			scaled = true
		}
	}

	if len(reasons) > 0 {
		log.WithField("signal", sig.ID).Debugf("风控拒绝: %v", reasons)
		return Decision{Reasons: reasons, Signal: sig}
	}

	m.lastTradeAt = now
	if scaled {
		log.WithField("signal", sig.ID).Infof("📉 流动性缩量: %.2f -> %.2f", sig.SizeUSD, out.SizeUSD)
	}
	return Decision{Allowed: true, Signal: out, Scaled: scaled}
}

// Halt 人工触发 kill-switch
func (m *Manager) Halt(reason string) {
	if reason == "" {
		reason = "manual"
	}
	if m.kill.Halt(reason) {
		log.Warnf("🛑 kill-switch 已激活: %s", reason)
		m.alert(ports.AlertCritical, "kill switch activated", reason, nil)
	}
}

// Resume 人工恢复交易；峰值重置为当前权益，避免恢复后立即再次触发。
func (m *Manager) Resume() {
	m.mu.Lock()
	m.peak = m.equityLocked()
	m.mu.Unlock()
	m.kill.Resume()
	log.Info("✅ kill-switch 已解除")
	m.alert(ports.AlertInfo, "kill switch cleared", "trading resumed", nil)
}

// KillSwitchActive 返回 kill-switch 状态
func (m *Manager) KillSwitchActive() (bool, string) {
	return m.kill.Active()
}

// RecordExecutionError 记录一次关键执行错误；连续错误达到上限时熔断。
func (m *Manager) RecordExecutionError(err error) {
	if m.kill.OnError() {
		_, reason := m.kill.Active()
		log.Errorf("🛑 连续执行错误触发 kill-switch: %s (last=%v)", reason, err)
		m.alert(ports.AlertCritical, "kill switch activated", reason, map[string]any{"error": fmt.Sprint(err)})
	}
}

// RecordExecutionSuccess 清空连续错误计数
func (m *Manager) RecordExecutionSuccess() {
	m.kill.OnSuccess()
}

func (m *Manager) alert(level ports.AlertLevel, title, msg string, fields map[string]any) {
	if m.alerter == nil {
		return
	}
	m.alerter.Alert(level, title, msg, fields)
}
