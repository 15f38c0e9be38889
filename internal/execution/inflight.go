package execution

import (
	"errors"
	"hash/fnv"
	"sync"
	"time"
)

// ErrDuplicateInFlight 同一 token 的入场仍在进行中
var ErrDuplicateInFlight = errors.New("duplicate in-flight")

// InFlightDeduper 按 key（token）串行化入场：持有期间同 key 的第二次请求直接拒绝。
//
// 令牌由调用方显式释放；staleAfter 只用于回收异常未释放的令牌，
// 应大于一次完整入场（挂单改价 + 吃单确认）的最长耗时。
type InFlightDeduper struct {
	staleAfter time.Duration
	now        func() time.Time
	shards     []inFlightShard
}

type inFlightShard struct {
	mu sync.Mutex
	m  map[string]time.Time // key -> acquiredAt
}

func NewInFlightDeduper(staleAfter time.Duration, shardCount int) *InFlightDeduper {
	if staleAfter <= 0 {
		staleAfter = time.Minute
	}
	if shardCount <= 0 {
		shardCount = 16
	}
	shards := make([]inFlightShard, shardCount)
	for i := range shards {
		shards[i].m = make(map[string]time.Time)
	}
	return &InFlightDeduper{staleAfter: staleAfter, now: time.Now, shards: shards}
}

// Acquire 获取 key 的令牌，返回释放函数（可重复调用）
func (d *InFlightDeduper) Acquire(key string) (release func(), err error) {
	if d == nil || key == "" {
		return func() {}, nil
	}
	now := d.now()
	sh := d.shard(key)
	sh.mu.Lock()
	if at, ok := sh.m[key]; ok && now.Sub(at) < d.staleAfter {
		sh.mu.Unlock()
		return nil, ErrDuplicateInFlight
	}
	sh.m[key] = now
	sh.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			sh.mu.Lock()
			if sh.m[key].Equal(now) {
				delete(sh.m, key)
			}
			sh.mu.Unlock()
		})
	}, nil
}

// Len 当前持有的令牌数（含过期未回收的）
func (d *InFlightDeduper) Len() int {
	if d == nil {
		return 0
	}
	n := 0
	for i := range d.shards {
		d.shards[i].mu.Lock()
		n += len(d.shards[i].m)
		d.shards[i].mu.Unlock()
	}
	return n
}

func (d *InFlightDeduper) shard(key string) *inFlightShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &d.shards[h.Sum32()%uint32(len(d.shards))]
}
