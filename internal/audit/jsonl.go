package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/betbot/edgeexec/internal/domain"
)

var errClosed = errors.New("audit sink closed")

// JSONLSink 每条记录一行 JSON，追加写并 fsync
type JSONLSink struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

func OpenJSONL(path string) (*JSONLSink, error) {
	if path == "" {
		path = "data/audit.jsonl"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	log.Infof("📝 审计日志: %s", path)
	return &JSONLSink{path: path, f: f}, nil
}

func (s *JSONLSink) Append(_ context.Context, rec domain.AuditRecord) error {
	rec = prepare(rec)
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errClosed
	}
	if _, err := s.f.Write(line); err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return s.f.Sync()
}

func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// ReadJSONL 读取全部审计记录，末尾的半行（崩溃残留）被忽略
func ReadJSONL(path string) ([]domain.AuditRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []domain.AuditRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		var rec domain.AuditRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			log.WithError(err).Warn("⚠️ 跳过无法解析的审计行")
			continue
		}
		out = append(out, rec)
	}
	return out, sc.Err()
}
