package store

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/betbot/edgeexec/pkg/persistence"
)

const stateFileName = "state.json"

// FileBackend 单个 JSON 文件，临时文件 + rename 原子替换
type FileBackend struct {
	path string
}

// NewFileBackend dir 为目录；以 .json 结尾时视为文件路径
func NewFileBackend(dir string) (*FileBackend, error) {
	if strings.TrimSpace(dir) == "" {
		dir = "data/state"
	}
	p := dir
	if !strings.HasSuffix(dir, ".json") {
		p = filepath.Join(dir, stateFileName)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, err
	}
	return &FileBackend{path: p}, nil
}

func (b *FileBackend) Path() string { return b.path }

func (b *FileBackend) Write(data []byte) error {
	return persistence.WriteFileAtomic(b.path, data, 0o600)
}

func (b *FileBackend) Read() ([]byte, error) {
	return persistence.ReadFile(b.path)
}

func (b *FileBackend) Close() error { return nil }
