package services

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/betbot/edgeexec/internal/domain"
	"github.com/betbot/edgeexec/internal/execution"
	"github.com/betbot/edgeexec/internal/fill"
	"github.com/betbot/edgeexec/internal/metrics"
	"github.com/betbot/edgeexec/internal/risk"
)

var log = logrus.WithField("component", "pipeline")

// SignalExecutor 入场执行
type SignalExecutor interface {
	Execute(ctx context.Context, sig domain.Signal) (execution.Result, error)
}

// Outcome 单个信号的处理结果
type Outcome struct {
	SignalID string
	Accepted bool     // 通过风控并提交了执行
	Reasons  []string // 风控拒绝原因
	Scaled   bool
	FillProb float64
	Result   execution.Result
	Err      error
}

// Opened 是否成功开仓
func (o Outcome) Opened() bool {
	return o.Err == nil && o.Result.Trade != nil
}

// Pipeline 信号处理链：成交率 -> 风控 -> 执行 -> 成交率回写
type Pipeline struct {
	tracker *fill.Tracker
	risk    *risk.Manager
	exec    SignalExecutor
}

func NewPipeline(tracker *fill.Tracker, rm *risk.Manager, exec SignalExecutor) *Pipeline {
	return &Pipeline{tracker: tracker, risk: rm, exec: exec}
}

// Handle 处理一个信号。风控按缩量后的信号执行；有确定成交状态的尝试都会计入成交率统计。
func (p *Pipeline) Handle(ctx context.Context, sig domain.Signal) Outcome {
	out := Outcome{SignalID: sig.ID}
	l := log.WithFields(logrus.Fields{"signal": sig.ID, "market": sig.Market})

	if err := sig.Validate(); err != nil {
		metrics.SignalsMalformed.Add(1)
		l.WithError(err).Warn("⚠️ 信号字段非法，丢弃")
		out.Err = err
		return out
	}

	out.FillProb = p.tracker.FillProbability(sig)
	d := p.risk.CanTrade(sig, out.FillProb)
	if !d.Allowed {
		for _, r := range d.Reasons {
			metrics.ObserveRejection(r)
		}
		out.Reasons = d.Reasons
		out.Err = d.Err()
		l.Infof("🚫 风控拒绝: %s", strings.Join(d.Reasons, "; "))
		return out
	}
	out.Accepted = true
	out.Scaled = d.Scaled
	if d.Scaled {
		l.Infof("📉 按流动性缩量: %.2f -> %.2f USDC", sig.SizeUSD, d.Signal.SizeUSD)
	}

	res, err := p.exec.Execute(ctx, d.Signal)
	out.Result = res
	out.Err = err
	if res.Fill.Status != "" {
		p.tracker.Record(d.Signal, res.Fill.Status)
	}
	if err != nil {
		l.WithError(err).Warnf("⚠️ 入场失败: fill=%s", res.Fill.Status)
	}
	return out
}
