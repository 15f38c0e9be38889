package shutdown

import (
	"context"
	"sync"
	"time"

	"github.com/betbot/edgeexec/pkg/logger"
)

// Handler 关闭处理函数
type Handler func(ctx context.Context) error

type step struct {
	name    string
	handler Handler
}

// Manager 优雅关闭管理器：按注册顺序依次执行（先停输入，再处理持仓，最后落盘）
type Manager struct {
	mu    sync.Mutex
	steps []step
	once  sync.Once
}

// NewManager 创建新的关闭管理器
func NewManager() *Manager {
	return &Manager{}
}

// OnShutdown 注册关闭回调
func (m *Manager) OnShutdown(name string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, step{name: name, handler: handler})
}

// Shutdown 执行所有关闭回调（阻塞调用，只执行一次）。
// 某一步失败不影响后续步骤；ctx 超时后剩余步骤仍会执行，但拿到的是已取消的 ctx。
func (m *Manager) Shutdown(ctx context.Context) {
	m.once.Do(func() {
		m.mu.Lock()
		steps := append([]step(nil), m.steps...)
		m.mu.Unlock()

		if len(steps) == 0 {
			logger.Info("没有注册的关闭回调")
			return
		}
		logger.Infof("开始优雅关闭，共 %d 步", len(steps))

		for _, s := range steps {
			start := time.Now()
			if err := s.handler(ctx); err != nil {
				logger.Errorf("❌ 关闭步骤 %s 失败: %v", s.name, err)
				continue
			}
			logger.Infof("✅ 关闭步骤 %s 完成 (%s)", s.name, time.Since(start).Round(time.Millisecond))
		}
		if err := ctx.Err(); err != nil {
			logger.Warnf("关闭超时: %v", err)
		}
	})
}
