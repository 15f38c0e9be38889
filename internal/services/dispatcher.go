package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/betbot/edgeexec/internal/domain"
	"github.com/betbot/edgeexec/internal/execution"
)

// ErrDispatcherStopped 调度器已停止接收信号
var ErrDispatcherStopped = errors.New("dispatcher stopped")

// Handler 处理单个信号
type Handler interface {
	Handle(ctx context.Context, sig domain.Signal) Outcome
}

// Ticket 提交后的回执，可等待处理结果
type Ticket struct {
	SignalID string
	ResultC  <-chan Outcome
}

// Dispatcher 信号队列：提交方只入队，每个信号在独立 goroutine 中处理，
// 同一信号 ID 在处理期间重复提交会被拒绝。
type Dispatcher struct {
	handler  Handler
	inFlight *execution.InFlightDeduper
	reqC     chan queuedSignal

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

type queuedSignal struct {
	sig     domain.Signal
	ctx     context.Context
	release func()
	result  chan Outcome
}

func NewDispatcher(h Handler, queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Dispatcher{
		handler:  h,
		inFlight: execution.NewInFlightDeduper(10*time.Minute, 16),
		reqC:     make(chan queuedSignal, queueSize),
	}
}

// Run 消费队列直到 ctx 结束，然后等待正在处理的信号完成
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			d.Stop()
			d.drain()
			return nil
		case q := <-d.reqC:
			d.wg.Add(1)
			go d.process(q)
		}
	}
}

// Submit 入队一个信号
func (d *Dispatcher) Submit(ctx context.Context, sig domain.Signal) (*Ticket, error) {
	if sig.ID == "" {
		return nil, fmt.Errorf("signal id 不能为空")
	}
	d.mu.Lock()
	stopped := d.stopped
	d.mu.Unlock()
	if stopped {
		return nil, ErrDispatcherStopped
	}

	release, err := d.inFlight.Acquire(sig.ID)
	if err != nil {
		return nil, fmt.Errorf("signal %s: %w", sig.ID, err)
	}

	resultC := make(chan Outcome, 1)
	q := queuedSignal{sig: sig, ctx: ctx, release: release, result: resultC}
	select {
	case d.reqC <- q:
		return &Ticket{SignalID: sig.ID, ResultC: resultC}, nil
	case <-ctx.Done():
		release()
		return nil, ctx.Err()
	}
}

// Stop 停止接收新信号；已入队的信号不再执行
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
}

// Pending 队列中尚未开始处理的信号数
func (d *Dispatcher) Pending() int {
	return len(d.reqC)
}

func (d *Dispatcher) drain() {
	for {
		select {
		case q := <-d.reqC:
			q.release()
			q.result <- Outcome{SignalID: q.sig.ID, Err: ErrDispatcherStopped}
		default:
			return
		}
	}
}

func (d *Dispatcher) process(q queuedSignal) {
	defer d.wg.Done()
	defer q.release()

	out := d.handler.Handle(q.ctx, q.sig)
	select {
	case q.result <- out:
	default:
	}
}
