// Package ratelimit — учёт вызовов Telegram API и flood-wait. Счётчики живут
// в cache.db: минутные окна по методам (rate_windows) плюс журнал вызовов
// (api_activity). FLOOD_WAIT_<N> от сервера превращается в запись
// flood_wait_until; пока она не истекла, обёртка клиента отказывает вызовам
// метода типизированной RATE_LIMITED без похода в сеть. Переживает рестарт
// демона: лимиты читаются из базы, а не из памяти.
package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"telegram-syncd/internal/infra/clock"
)

// windowSize — ширина окна агрегации вызовов.
const windowSize = 60 // секунд

// Limiter — БД-лимитер вызовов API. Безопасен для конкурентного использования.
type Limiter struct {
	db  *sql.DB
	clk clock.Clock
}

// New собирает лимитер поверх cache.db. clk == nil означает системные часы.
func New(db *sql.DB, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.System{}
	}
	return &Limiter{db: db, clk: clk}
}

// windowStart возвращает начало минутного окна для момента t.
func windowStart(t time.Time) int64 {
	return t.Unix() / windowSize * windowSize
}

// RecordCall инкрементирует счётчик метода в текущем минутном окне.
func (l *Limiter) RecordCall(ctx context.Context, method string) error {
	if _, err := l.db.ExecContext(ctx, `
INSERT INTO rate_windows (method, window_start, call_count)
VALUES (?, ?, 1)
ON CONFLICT(method, window_start) DO UPDATE SET call_count = call_count + 1`,
		method, windowStart(l.clk.Now())); err != nil {
		return fmt.Errorf("record call %s: %w", method, err)
	}
	return nil
}

// GetCallCount возвращает сумму вызовов за последние minutes минут.
// Пустой method считает по всем методам сразу.
func (l *Limiter) GetCallCount(ctx context.Context, method string, minutes int) (int64, error) {
	if minutes <= 0 {
		minutes = 1
	}
	since := windowStart(l.clk.Now()) - int64((minutes-1)*windowSize)

	query := `SELECT COALESCE(SUM(call_count), 0) FROM rate_windows WHERE window_start >= ?`
	args := []any{since}
	if method != "" {
		query += ` AND method = ?`
		args = append(args, method)
	}
	var n int64
	if err := l.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("get call count: %w", err)
	}
	return n, nil
}

// SetFloodWait фиксирует flood-wait метода: блокировка до now+waitSeconds.
func (l *Limiter) SetFloodWait(ctx context.Context, method string, waitSeconds int) error {
	now := l.clk.Now()
	until := now.Unix() + int64(waitSeconds)
	if _, err := l.db.ExecContext(ctx, `
INSERT INTO rate_windows (method, window_start, call_count, flood_wait_until)
VALUES (?, ?, 0, ?)
ON CONFLICT(method, window_start) DO UPDATE SET
	flood_wait_until = MAX(COALESCE(flood_wait_until, 0), excluded.flood_wait_until)`,
		method, windowStart(now), until); err != nil {
		return fmt.Errorf("set flood wait %s: %w", method, err)
	}
	return nil
}

// GetFloodWait возвращает момент окончания непросроченного flood-wait метода
// (unix s) или 0, если блокировки нет.
func (l *Limiter) GetFloodWait(ctx context.Context, method string) (int64, error) {
	var until sql.NullInt64
	err := l.db.QueryRowContext(ctx, `
SELECT MAX(flood_wait_until) FROM rate_windows
WHERE method = ? AND flood_wait_until IS NOT NULL AND flood_wait_until > ?`,
		method, l.clk.Now().Unix()).Scan(&until)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get flood wait %s: %w", method, err)
	}
	return until.Int64, nil
}

// IsBlocked сообщает, заблокирован ли метод действующим flood-wait.
func (l *Limiter) IsBlocked(ctx context.Context, method string) (bool, error) {
	until, err := l.GetFloodWait(ctx, method)
	if err != nil {
		return false, err
	}
	return until > 0, nil
}

// GetWaitTime возвращает, сколько секунд осталось до разблокировки метода.
func (l *Limiter) GetWaitTime(ctx context.Context, method string) (int, error) {
	until, err := l.GetFloodWait(ctx, method)
	if err != nil || until == 0 {
		return 0, err
	}
	remaining := until - l.clk.Now().Unix()
	if remaining < 0 {
		remaining = 0
	}
	return int(remaining), nil
}

// ClearExpiredFloodWaits обнуляет истёкшие flood-wait.
func (l *Limiter) ClearExpiredFloodWaits(ctx context.Context) (int64, error) {
	res, err := l.db.ExecContext(ctx, `
UPDATE rate_windows SET flood_wait_until = NULL
WHERE flood_wait_until IS NOT NULL AND flood_wait_until <= ?`, l.clk.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("clear expired flood waits: %w", err)
	}
	return res.RowsAffected()
}

// PruneOldWindows удаляет окна старше часа без действующего flood-wait.
func (l *Limiter) PruneOldWindows(ctx context.Context) (int64, error) {
	now := l.clk.Now()
	cutoff := windowStart(now) - 3600
	res, err := l.db.ExecContext(ctx, `
DELETE FROM rate_windows
WHERE window_start < ?
	AND (flood_wait_until IS NULL OR flood_wait_until <= ?)`, cutoff, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("prune rate windows: %w", err)
	}
	return res.RowsAffected()
}

// Status — сводка лимитера для status-сервиса.
type Status struct {
	CallsLastMinute int64
	CallsLastHour   int64
	ActiveWaits     []MethodWait
}

// MethodWait — действующий flood-wait одного метода.
type MethodWait struct {
	Method string
	Until  int64 // unix s
}

// GetStatus собирает текущую картину лимитов.
func (l *Limiter) GetStatus(ctx context.Context) (*Status, error) {
	var st Status
	var err error
	if st.CallsLastMinute, err = l.GetCallCount(ctx, "", 1); err != nil {
		return nil, err
	}
	if st.CallsLastHour, err = l.GetCallCount(ctx, "", 60); err != nil {
		return nil, err
	}

	rows, err := l.db.QueryContext(ctx, `
SELECT method, MAX(flood_wait_until) FROM rate_windows
WHERE flood_wait_until IS NOT NULL AND flood_wait_until > ?
GROUP BY method ORDER BY method`, l.clk.Now().Unix())
	if err != nil {
		return nil, fmt.Errorf("list flood waits: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var w MethodWait
		if err := rows.Scan(&w.Method, &w.Until); err != nil {
			return nil, err
		}
		st.ActiveWaits = append(st.ActiveWaits, w)
	}
	return &st, rows.Err()
}

// Activity — журнал вызовов API (таблица api_activity).
type Activity struct {
	db  *sql.DB
	clk clock.Clock
}

// NewActivity собирает журнал поверх cache.db.
func NewActivity(db *sql.DB, clk clock.Clock) *Activity {
	if clk == nil {
		clk = clock.System{}
	}
	return &Activity{db: db, clk: clk}
}

// NewContextID выдаёт корреляционный id для связывания записей журнала.
func NewContextID() string {
	return uuid.NewString()
}

// Record пишет одну запись журнала. errorCode пустой при успехе.
func (a *Activity) Record(ctx context.Context, method string, success bool, errorCode string, responseMS int64, contextID string) error {
	successInt := 0
	if success {
		successInt = 1
	}
	var code any
	if errorCode != "" {
		code = errorCode
	}
	var cid any
	if contextID != "" {
		cid = contextID
	}
	if _, err := a.db.ExecContext(ctx, `
INSERT INTO api_activity (timestamp, method, success, error_code, response_ms, context)
VALUES (?, ?, ?, ?, ?, ?)`,
		a.clk.Now().UnixMilli(), method, successInt, code, responseMS, cid); err != nil {
		return fmt.Errorf("record activity %s: %w", method, err)
	}
	return nil
}

// Prune удаляет записи журнала старше age.
func (a *Activity) Prune(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := a.clk.Now().UnixMilli() - age.Milliseconds()
	res, err := a.db.ExecContext(ctx, `DELETE FROM api_activity WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune activity: %w", err)
	}
	return res.RowsAffected()
}
