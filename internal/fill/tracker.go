// Package fill 统计不同盘口微观结构下的实际成交率。
package fill

import (
	"fmt"
	"sync"

	"github.com/betbot/edgeexec/internal/domain"
)

const (
	// 样本不足时默认可成交，避免冷启动阻塞交易
	minObservations = 10

	narrowSpread = 0.02
	mediumSpread = 0.05

	thinDepthUSD = 50.0
	okDepthUSD   = 200.0
)

// SpreadBucket 价差分桶
type SpreadBucket string

const (
	SpreadNarrow SpreadBucket = "narrow"
	SpreadMedium SpreadBucket = "medium"
	SpreadWide   SpreadBucket = "wide"
)

// DepthBucket 深度分桶
type DepthBucket string

const (
	DepthThin DepthBucket = "thin"
	DepthOK   DepthBucket = "ok"
	DepthDeep DepthBucket = "deep"
)

// BucketKey (spread, depth) 组合
type BucketKey struct {
	Spread SpreadBucket
	Depth  DepthBucket
}

func (k BucketKey) String() string {
	return fmt.Sprintf("%s/%s", k.Spread, k.Depth)
}

// BucketStats 单个分桶的计数
type BucketStats struct {
	Filled int `json:"filled"`
	Total  int `json:"total"`
}

// Tracker 成交率统计器（纯内存，无外部 IO）
type Tracker struct {
	mu      sync.Mutex
	buckets map[BucketKey]*BucketStats
}

func NewTracker() *Tracker {
	return &Tracker{buckets: make(map[BucketKey]*BucketStats)}
}

// Classify 根据信号的价差和深度分桶
func Classify(sig domain.Signal) BucketKey {
	k := BucketKey{Spread: SpreadWide, Depth: DepthDeep}
	switch {
	case sig.Spread < narrowSpread:
		k.Spread = SpreadNarrow
	case sig.Spread < mediumSpread:
		k.Spread = SpreadMedium
	}
	switch {
	case sig.LiquidityUSD < thinDepthUSD:
		k.Depth = DepthThin
	case sig.LiquidityUSD < okDepthUSD:
		k.Depth = DepthOK
	}
	return k
}

// Record 记录一次入场结果；PARTIAL 与 MATCHED 都计为成交。
func (t *Tracker) Record(sig domain.Signal, status domain.FillStatus) {
	k := Classify(sig)
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.buckets[k]
	if !ok {
		st = &BucketStats{}
		t.buckets[k] = st
	}
	st.Total++
	if status == domain.FillMatched || status == domain.FillPartial {
		st.Filled++
	}
}

// FillProbability 返回该信号所在分桶的经验成交率
func (t *Tracker) FillProbability(sig domain.Signal) float64 {
	k := Classify(sig)
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.buckets[k]
	if !ok || st.Total < minObservations {
		return 1.0
	}
	return float64(st.Filled) / float64(st.Total)
}

// Stats 返回所有分桶的拷贝
func (t *Tracker) Stats() map[string]BucketStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]BucketStats, len(t.buckets))
	for k, v := range t.buckets {
		out[k.String()] = *v
	}
	return out
}
