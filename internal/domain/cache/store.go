// Package cache — типизированные сервисы поверх локальных SQLite-баз движка.
// Store объединяет пять сервисов: Accounts (data.db), Users, Chats, Messages и
// Sync (cache.db). Все записи идут через подготовленные выражения database/sql;
// время берётся из инжектируемых часов, чтобы staleness и TTL были проверяемы
// в тестах. Сервисы безопасны для конкурентного использования: сериализацию
// обеспечивает SQLite в WAL-режиме.
package cache

import (
	"context"
	"database/sql"
	"fmt"

	"telegram-syncd/internal/infra/clock"
)

// Source обозначает происхождение данных, возвращённых читателю: кэш или живой API.
type Source string

const (
	// SourceCache — данные пришли из локального кэша.
	SourceCache Source = "cache"
	// SourceAPI — данные получены от живого API (кэш промахнулся или протух).
	SourceAPI Source = "api"
)

// Store — корень сервисов кэша. Создаётся один раз на процесс.
type Store struct {
	data  *sql.DB
	cache *sql.DB
	clk   clock.Clock

	Accounts *Accounts
	Users    *Users
	Chats    *Chats
	Messages *Messages
	Sync     *SyncState
}

// New собирает Store поверх открытых баз. clk == nil означает системные часы.
func New(dataDB, cacheDB *sql.DB, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.System{}
	}
	s := &Store{data: dataDB, cache: cacheDB, clk: clk}
	s.Accounts = &Accounts{db: dataDB, clk: clk}
	s.Users = &Users{db: cacheDB, clk: clk}
	s.Chats = &Chats{db: cacheDB, clk: clk}
	s.Messages = &Messages{db: cacheDB, clk: clk}
	s.Sync = &SyncState{db: cacheDB, clk: clk}
	return s
}

// CacheDB отдаёт низкоуровневый handle cache.db (для rate-limiter и SQL-команды).
func (s *Store) CacheDB() *sql.DB { return s.cache }

// WithTx выполняет fn в одной транзакции cache.db. Коммит только при nil-ошибке;
// любой сбой приводит к откату. Используется sync-воркером, чтобы курсоры никогда
// не уезжали вперёд незаписанных сообщений.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.cache.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// dbtx — общий срез *sql.DB / *sql.Tx, позволяющий сервисам работать и вне,
// и внутри транзакции.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// nowMS возвращает текущее время часов в миллисекундах эпохи.
func nowMS(clk clock.Clock) int64 {
	return clk.Now().UnixMilli()
}

// nullStr превращает пустую строку в NULL: уникальные индексы по username
// не должны видеть пустые значения.
func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// nullI64 превращает нулевое значение в NULL для опциональных числовых колонок.
func nullI64(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

// boolInt кодирует bool в 0/1 для SQLite.
func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// IsStale реализует общий предикат протухания: fetched_at отсутствует либо
// старше ttl относительно «сейчас» (всё в миллисекундах).
func IsStale(fetchedAt, nowMS, ttlMS int64) bool {
	return fetchedAt == 0 || nowMS-fetchedAt > ttlMS
}
