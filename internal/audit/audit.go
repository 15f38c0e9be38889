package audit

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/betbot/edgeexec/internal/domain"
	"github.com/betbot/edgeexec/internal/ports"
	"github.com/betbot/edgeexec/pkg/config"
)

var log = logrus.WithField("component", "audit")

// Open 按配置返回审计 sink
func Open(cfg config.Audit) (ports.AuditSink, error) {
	switch cfg.Backend {
	case "", "jsonl":
		return OpenJSONL(cfg.Path)
	case "sqlite":
		return OpenSQLite(cfg.Path)
	default:
		return nil, fmt.Errorf("未知的 audit backend: %q", cfg.Backend)
	}
}

// prepare 补齐记录 id 与时间戳；记录本身不再被修改
func prepare(rec domain.AuditRecord) domain.AuditRecord {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}
	return rec
}
