// Status-сервис демона: KV-строки в таблице daemon_status. Демон пишет их
// каждый тик главного цикла, команда daemon status читает их без обращения к
// живому процессу.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"telegram-syncd/internal/infra/clock"
)

// Ключи таблицы daemon_status.
const (
	StatusKeyState             = "state"
	StatusKeyStartedAt         = "started_at"
	StatusKeyConnectedAccounts = "connected_accounts"
	StatusKeyMessagesSynced    = "messages_synced"
	StatusKeyPendingJobs       = "pending_jobs"
	StatusKeyRunningJobs       = "running_jobs"
	StatusKeyLastUpdate        = "last_update"
)

// Значения ключа state.
const (
	StatusStateRunning = "running"
	StatusStateStopped = "stopped"
)

// StatusService пишет и читает KV-heartbeat демона.
type StatusService struct {
	db  *sql.DB
	clk clock.Clock
}

// NewStatusService собирает сервис поверх cache.db.
func NewStatusService(db *sql.DB, clk clock.Clock) *StatusService {
	if clk == nil {
		clk = clock.System{}
	}
	return &StatusService{db: db, clk: clk}
}

// Set записывает одно значение.
func (s *StatusService) Set(ctx context.Context, key, value string) error {
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO daemon_status (key, value, updated_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, s.clk.Now().UnixMilli()); err != nil {
		return fmt.Errorf("set status %s: %w", key, err)
	}
	return nil
}

// SetInt записывает числовое значение.
func (s *StatusService) SetInt(ctx context.Context, key string, value int64) error {
	return s.Set(ctx, key, strconv.FormatInt(value, 10))
}

// Get возвращает значение ключа ("" — ключа нет).
func (s *StatusService) Get(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM daemon_status WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get status %s: %w", key, err)
	}
	return v, nil
}

// Snapshot возвращает все строки статуса одной картой.
func (s *StatusService) Snapshot(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM daemon_status`)
	if err != nil {
		return nil, fmt.Errorf("read status: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}
