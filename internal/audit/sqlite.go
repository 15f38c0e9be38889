package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/betbot/edgeexec/internal/domain"
)

// SQLiteSink 审计记录写入 SQLite 表，只有 INSERT
type SQLiteSink struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteSink, error) {
	if path == "" {
		path = "data/audit.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite：单连接更稳定
	db.SetMaxIdleConns(1)

	s := &SQLiteSink{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Infof("📝 审计数据库: %s", path)
	return s, nil
}

func (s *SQLiteSink) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`
CREATE TABLE IF NOT EXISTS audit_records (
  id TEXT PRIMARY KEY,
  event TEXT NOT NULL,
  trade_id TEXT NOT NULL,
  market TEXT NOT NULL,
  token_id TEXT NOT NULL,
  direction TEXT NOT NULL,
  entry_price REAL NOT NULL,
  exit_price REAL NOT NULL DEFAULT 0,
  qty REAL NOT NULL,
  notional REAL NOT NULL,
  pnl REAL NOT NULL DEFAULT 0,
  reason TEXT,
  estimated INTEGER NOT NULL DEFAULT 0,
  source TEXT,
  opened_at TEXT NOT NULL,
  at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_trade ON audit_records(trade_id, at);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteSink) Append(ctx context.Context, rec domain.AuditRecord) error {
	rec = prepare(rec)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO audit_records (id, event, trade_id, market, token_id, direction, entry_price, exit_price, qty, notional, pnl, reason, estimated, source, opened_at, at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
`, rec.ID, string(rec.Event), rec.TradeID, rec.Market, rec.TokenID, string(rec.Direction),
		rec.EntryPrice, rec.ExitPrice, rec.Qty, rec.Notional, rec.PnL, rec.Reason,
		boolToInt(rec.Estimated), rec.Source,
		rec.OpenedAt.UTC().Format(time.RFC3339Nano), rec.At.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

// ListByTrade 按时间顺序返回某笔交易的全部审计记录
func (s *SQLiteSink) ListByTrade(ctx context.Context, tradeID string) ([]domain.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, event, trade_id, market, token_id, direction, entry_price, exit_price, qty, notional, pnl, reason, estimated, source, opened_at, at
FROM audit_records
WHERE trade_id = ?
ORDER BY at ASC
`, tradeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AuditRecord
	for rows.Next() {
		var (
			rec                domain.AuditRecord
			event, direction   string
			reason, source     sql.NullString
			estimated          int
			openedAt, recorded string
		)
		if err := rows.Scan(&rec.ID, &event, &rec.TradeID, &rec.Market, &rec.TokenID, &direction,
			&rec.EntryPrice, &rec.ExitPrice, &rec.Qty, &rec.Notional, &rec.PnL, &reason,
			&estimated, &source, &openedAt, &recorded); err != nil {
			return nil, err
		}
		rec.Event = domain.AuditEvent(event)
		rec.Direction = domain.Direction(direction)
		rec.Reason = reason.String
		rec.Source = source.String
		rec.Estimated = estimated != 0
		rec.OpenedAt, _ = time.Parse(time.RFC3339Nano, openedAt)
		rec.At, _ = time.Parse(time.RFC3339Nano, recorded)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteSink) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
