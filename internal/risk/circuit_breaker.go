package risk

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrKillSwitch 表示 kill-switch 已激活，禁止继续开仓。
var ErrKillSwitch = fmt.Errorf("kill switch active")

// KillSwitch 粘性熔断开关：一旦触发，只能人工 Resume。
//
// 说明：
//   - 快路径（Active）只读原子变量；
//   - 触发原因低频更新，用互斥锁保护；
//   - 连续执行错误达到上限时自动触发（上限 <= 0 表示关闭）。
type KillSwitch struct {
	halted atomic.Bool

	consecutiveErrors    atomic.Int64
	maxConsecutiveErrors int64

	mu     sync.Mutex
	reason string
}

func NewKillSwitch(maxConsecutiveErrors int) *KillSwitch {
	return &KillSwitch{maxConsecutiveErrors: int64(maxConsecutiveErrors)}
}

// Halt 触发熔断；已触发时保留第一次的原因。返回是否为本次新触发。
func (k *KillSwitch) Halt(reason string) bool {
	if k == nil {
		return false
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.halted.Load() {
		return false
	}
	k.reason = reason
	k.halted.Store(true)
	return true
}

// Resume 人工恢复（同时清空连续错误计数）。
func (k *KillSwitch) Resume() {
	if k == nil {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.halted.Store(false)
	k.reason = ""
	k.consecutiveErrors.Store(0)
}

// Active 返回是否已熔断及原因。
func (k *KillSwitch) Active() (bool, string) {
	if k == nil || !k.halted.Load() {
		return false, ""
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return true, k.reason
}

// OnSuccess 关键执行成功后清空连续错误计数。
func (k *KillSwitch) OnSuccess() {
	if k == nil {
		return
	}
	k.consecutiveErrors.Store(0)
}

// OnError 累计连续错误；达到上限时触发熔断并返回 true。
func (k *KillSwitch) OnError() bool {
	if k == nil {
		return false
	}
	n := k.consecutiveErrors.Add(1)
	if k.maxConsecutiveErrors > 0 && n >= k.maxConsecutiveErrors {
		return k.Halt(fmt.Sprintf("连续执行错误 %d 次", n))
	}
	return false
}
