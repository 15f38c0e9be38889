package ports

import (
	"time"

	"github.com/betbot/edgeexec/internal/domain"
)

// BookHandler receives book updates for one token (serial delivery per token).
type BookHandler func(book domain.BookSnapshot)

// BookFeed delivers push book updates.
//
// NOTE: per-token ordering is preserved; there is no global ordering across tokens.
type BookFeed interface {
	SubscribeBook(tokenID string, handler BookHandler) (cancel func(), err error)
}

// StateStore persists crash-recovery snapshots.
type StateStore interface {
	// SaveState never blocks; rapid successive calls coalesce to the latest snapshot.
	SaveState(snap domain.StateSnapshot)
	// LoadState returns (nil, nil) when nothing was saved yet.
	LoadState() (*domain.StateSnapshot, error)
	// FlushStateWrites drains a pending save; false on timeout.
	FlushStateWrites(timeout time.Duration) bool
}

// AlertLevel 告警级别
type AlertLevel string

const (
	AlertInfo     AlertLevel = "info"
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// Alerter delivers operator alerts (delivery transport is out of process scope).
type Alerter interface {
	Alert(level AlertLevel, title, message string, fields map[string]any)
}
