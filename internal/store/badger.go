package store

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

var (
	latestKey     = []byte("state/latest")
	historyPrefix = "state/history/"
)

// BadgerOptions badger 后端参数
type BadgerOptions struct {
	Path string
	// EncryptionKey 32 字节（hex 或 base64）；为空时不加密
	EncryptionKey string
	// HistoryTTL >0 时每次写入额外保留一份带过期时间的历史快照
	HistoryTTL time.Duration
}

// BadgerBackend 快照保存在 badger 中，单个事务内同时写最新值和历史值
type BadgerBackend struct {
	db         *badger.DB
	historyTTL time.Duration
	now        func() time.Time
}

func NewBadgerBackend(opts BadgerOptions) (*BadgerBackend, error) {
	if strings.TrimSpace(opts.Path) == "" {
		return nil, errors.New("store: badger path is required")
	}
	key, err := ParseKey(opts.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("store: encryption key: %w", err)
	}
	bopts := badger.DefaultOptions(opts.Path).WithLogger(nil)
	if len(key) > 0 {
		// 加密模式下 badger 要求 index cache
		bopts = bopts.WithEncryptionKey(key).WithIndexCacheSize(32 << 20)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, err
	}
	return &BadgerBackend{db: db, historyTTL: opts.HistoryTTL, now: time.Now}, nil
}

func (b *BadgerBackend) Write(data []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(latestKey, data); err != nil {
			return err
		}
		if b.historyTTL <= 0 {
			return nil
		}
		k := fmt.Sprintf("%s%020d", historyPrefix, b.now().UnixNano())
		return txn.SetEntry(badger.NewEntry([]byte(k), data).WithTTL(b.historyTTL))
	})
}

func (b *BadgerBackend) Read() ([]byte, error) {
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(latestKey)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotExists
			}
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// History 按时间倒序返回未过期的历史快照，最多 limit 份
func (b *BadgerBackend) History(limit int) ([][]byte, error) {
	var out [][]byte
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(historyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		// 反向迭代需要从前缀的最大值开始 seek
		seek := append([]byte(historyPrefix), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(opts.Prefix); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			v, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			out = append(out, v)
		}
		return nil
	})
	return out, err
}

func (b *BadgerBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

// ParseKey 解析 32 字节密钥（hex 或 base64）；输入为空返回 nil
func ParseKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if b, err := hex.DecodeString(strings.TrimPrefix(raw, "0x")); err == nil {
		if len(b) != 32 {
			return nil, fmt.Errorf("decoded key length must be 32, got %d", len(b))
		}
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(raw); err == nil {
		if len(b) != 32 {
			return nil, fmt.Errorf("decoded key length must be 32, got %d", len(b))
		}
		return b, nil
	}
	return nil, errors.New("key must be base64(32 bytes) or hex(32 bytes)")
}
