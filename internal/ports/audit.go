package ports

import (
	"context"

	"github.com/betbot/edgeexec/internal/domain"
)

// AuditSink appends self-contained audit records; prior records are never mutated.
type AuditSink interface {
	Append(ctx context.Context, rec domain.AuditRecord) error
	Close() error
}
