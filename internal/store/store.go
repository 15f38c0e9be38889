package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/edgeexec/internal/domain"
	"github.com/betbot/edgeexec/pkg/config"
	"github.com/betbot/edgeexec/pkg/persistence"
)

var log = logrus.WithField("component", "state_store")

// ErrNotExists 尚未保存过任何快照
var ErrNotExists = persistence.ErrNotExists

// snapshotVersion 快照格式版本
const snapshotVersion = 1

// Backend 持久化后端：一次 Write 必须是原子替换
type Backend interface {
	Write(data []byte) error
	Read() ([]byte, error)
	Close() error
}

// AsyncStore 合并写入的快照存储。
// SaveState 只记录最新快照并唤醒写协程；写协程每次只落盘最新的一份。
type AsyncStore struct {
	backend Backend

	mu       sync.Mutex
	pending  *domain.StateSnapshot
	writing  bool
	closed   bool
	lastErr  error
	writes   int64
	coalesce int64

	kick chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// Open 按配置打开后端并启动写协程
func Open(cfg config.Store) (*AsyncStore, error) {
	var (
		b   Backend
		err error
	)
	switch cfg.Backend {
	case "", "file":
		b, err = NewFileBackend(cfg.Path)
	case "badger":
		b, err = NewBadgerBackend(BadgerOptions{
			Path:          cfg.Path,
			EncryptionKey: cfg.EncryptionKey,
			HistoryTTL:    cfg.HistoryTTL.D(),
		})
	default:
		return nil, fmt.Errorf("未知的 store backend: %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return New(b), nil
}

// New 包装一个后端
func New(backend Backend) *AsyncStore {
	s := &AsyncStore{
		backend: backend,
		kick:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

// SaveState 不阻塞；连续调用只保留最后一份快照
func (s *AsyncStore) SaveState(snap domain.StateSnapshot) {
	snap.Version = snapshotVersion
	if snap.SavedAt.IsZero() {
		snap.SavedAt = time.Now().UTC()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		log.Warn("⚠️ store 已关闭，丢弃快照")
		return
	}
	if s.pending != nil {
		s.coalesce++
	}
	s.pending = &snap
	s.mu.Unlock()

	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// LoadState 读取最近一次快照；从未保存过时返回 (nil, nil)
func (s *AsyncStore) LoadState() (*domain.StateSnapshot, error) {
	raw, err := s.backend.Read()
	if err != nil {
		if errors.Is(err, ErrNotExists) {
			return nil, nil
		}
		return nil, fmt.Errorf("读取快照失败: %w", err)
	}
	var snap domain.StateSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("解析快照失败: %w", err)
	}
	if snap.Version > snapshotVersion {
		return nil, fmt.Errorf("快照版本 %d 高于支持的版本 %d", snap.Version, snapshotVersion)
	}
	return &snap, nil
}

// FlushStateWrites 等待挂起的快照写完；超时返回 false
func (s *AsyncStore) FlushStateWrites(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		s.mu.Lock()
		idle := s.pending == nil && !s.writing
		s.mu.Unlock()
		if idle {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// LastError 最近一次写入失败（成功写入后清空）
func (s *AsyncStore) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Stats 写入次数与被合并掉的快照数
func (s *AsyncStore) Stats() (writes, coalesced int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes, s.coalesce
}

// Close 尝试落盘挂起快照后关闭后端
func (s *AsyncStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()
	return s.backend.Close()
}

func (s *AsyncStore) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.kick:
			s.drain()
		case <-s.done:
			s.drain()
			return
		}
	}
}

func (s *AsyncStore) drain() {
	for {
		s.mu.Lock()
		snap := s.pending
		s.pending = nil
		s.writing = snap != nil
		s.mu.Unlock()
		if snap == nil {
			return
		}

		err := s.write(snap)

		s.mu.Lock()
		s.writing = false
		s.lastErr = err
		if err == nil {
			s.writes++
		}
		s.mu.Unlock()
		if err != nil {
			log.WithError(err).Error("❌ 快照写入失败")
		}
	}
}

func (s *AsyncStore) write(snap *domain.StateSnapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化快照失败: %w", err)
	}
	return s.backend.Write(data)
}
