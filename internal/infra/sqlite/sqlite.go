// Package sqlite — открытие локальных баз движка и применение схемы.
// Движок держит две базы в каталоге данных:
//   - data.db — только таблица аккаунтов;
//   - cache.db — кэш пиров/сообщений, sync-state, rate-limit, журнал API и
//     heartbeat демона, плюс FTS5-индекс message_search с триггерами.
//
// Обе базы открываются в WAL-режиме с busy_timeout, что даёт безопасный
// многописательный доступ из параллельных воркеров демона.
//
// Сборка требует тега sqlite_fts5 (см. Makefile): mattn/go-sqlite3 без него
// не включает модуль FTS5, и применение схемы cache.db падает на
// CREATE VIRTUAL TABLE message_search.
package sqlite

import (
	"database/sql"
	"fmt"
	"net/url"

	"telegram-syncd/internal/infra/storage"

	_ "github.com/mattn/go-sqlite3" // драйвер sqlite3
)

// Open открывает базу по пути path, создавая каталог при необходимости.
// WAL + busy_timeout обязательны: демон пишет из нескольких горутин.
func Open(path string) (*sql.DB, error) {
	if err := storage.EnsureDir(path); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=1", url.PathEscape(path))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	return db, nil
}

// OpenData открывает data.db и применяет схему аккаунтов.
func OpenData(path string) (*sql.DB, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(dataSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply data schema: %w", err)
	}
	return db, nil
}

// OpenCache открывает cache.db и применяет схему кэша вместе с FTS-триггерами.
func OpenCache(path string) (*sql.DB, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(cacheSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply cache schema: %w", err)
	}
	return db, nil
}

// OpenMemory открывает чистую in-memory базу с полной схемой кэша. Для тестов.
func OpenMemory() (*sql.DB, error) {
	db, err := sql.Open("sqlite3", "file::memory:?_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("open memory sqlite: %w", err)
	}
	// Одно соединение: каждая conn к :memory: видит собственную пустую базу,
	// поэтому пул ограничен единственным соединением на весь тест.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(cacheSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply cache schema: %w", err)
	}
	if _, err := db.Exec(dataSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply data schema: %w", err)
	}
	return db, nil
}

// dataSchema — схема data.db. Только аккаунты: всё остальное живёт в cache.db,
// чтобы удаление кэша не трогало учётные записи.
const dataSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	phone       TEXT,
	user_id     TEXT,
	username    TEXT,
	label       TEXT,
	is_active   INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_accounts_user_id ON accounts(user_id);
`

// cacheSchema — полная схема cache.db. Сообщения вечные (без TTL, удаления
// мягкие); пиры ограничены TTL по fetched_at; FTS5-индекс message_search
// поддерживается триггерами в ногу со вставками и правками текста.
const cacheSchema = `
CREATE TABLE IF NOT EXISTS users_cache (
	user_id     TEXT PRIMARY KEY,
	username    TEXT COLLATE NOCASE,
	first_name  TEXT,
	last_name   TEXT,
	phone       TEXT,
	access_hash TEXT,
	is_contact  INTEGER NOT NULL DEFAULT 0,
	is_bot      INTEGER NOT NULL DEFAULT 0,
	is_premium  INTEGER NOT NULL DEFAULT 0,
	fetched_at  INTEGER,
	raw_json    TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_users_username ON users_cache(username) WHERE username IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_users_phone ON users_cache(phone) WHERE phone IS NOT NULL;

CREATE TABLE IF NOT EXISTS chats_cache (
	chat_id         TEXT PRIMARY KEY,
	type            TEXT NOT NULL,
	title           TEXT,
	username        TEXT COLLATE NOCASE,
	member_count    INTEGER,
	access_hash     TEXT,
	is_creator      INTEGER NOT NULL DEFAULT 0,
	is_admin        INTEGER NOT NULL DEFAULT 0,
	last_message_id INTEGER,
	last_message_at INTEGER,
	fetched_at      INTEGER
);
CREATE INDEX IF NOT EXISTS idx_chats_last_message_at ON chats_cache(last_message_at DESC);
CREATE INDEX IF NOT EXISTS idx_chats_username ON chats_cache(username) WHERE username IS NOT NULL;

CREATE TABLE IF NOT EXISTS messages_cache (
	chat_id         TEXT NOT NULL,
	message_id      INTEGER NOT NULL,
	from_id         TEXT,
	reply_to_id     INTEGER,
	forward_from_id TEXT,
	text            TEXT,
	message_type    TEXT NOT NULL DEFAULT 'text',
	has_media       INTEGER NOT NULL DEFAULT 0,
	is_outgoing     INTEGER NOT NULL DEFAULT 0,
	is_edited       INTEGER NOT NULL DEFAULT 0,
	is_pinned       INTEGER NOT NULL DEFAULT 0,
	is_deleted      INTEGER NOT NULL DEFAULT 0,
	edit_date       INTEGER,
	date            INTEGER,
	fetched_at      INTEGER,
	raw_json        TEXT,
	PRIMARY KEY (chat_id, message_id)
);
CREATE INDEX IF NOT EXISTS idx_messages_date ON messages_cache(date DESC);
CREATE INDEX IF NOT EXISTS idx_messages_from ON messages_cache(from_id);

CREATE VIRTUAL TABLE IF NOT EXISTS message_search USING fts5(
	text,
	content='messages_cache',
	content_rowid='rowid'
);

CREATE TRIGGER IF NOT EXISTS messages_cache_ai AFTER INSERT ON messages_cache BEGIN
	INSERT INTO message_search(rowid, text) VALUES (new.rowid, new.text);
END;
CREATE TRIGGER IF NOT EXISTS messages_cache_ad AFTER DELETE ON messages_cache BEGIN
	INSERT INTO message_search(message_search, rowid, text) VALUES ('delete', old.rowid, old.text);
END;
CREATE TRIGGER IF NOT EXISTS messages_cache_au AFTER UPDATE OF text ON messages_cache BEGIN
	INSERT INTO message_search(message_search, rowid, text) VALUES ('delete', old.rowid, old.text);
	INSERT INTO message_search(rowid, text) VALUES (new.rowid, new.text);
END;

CREATE TABLE IF NOT EXISTS chat_sync_state (
	chat_id            TEXT PRIMARY KEY,
	chat_type          TEXT,
	member_count       INTEGER,
	forward_cursor     INTEGER,
	backward_cursor    INTEGER,
	sync_priority      INTEGER NOT NULL DEFAULT 2,
	sync_enabled       INTEGER NOT NULL DEFAULT 1,
	history_complete   INTEGER NOT NULL DEFAULT 0,
	total_messages     INTEGER,
	synced_messages    INTEGER NOT NULL DEFAULT 0,
	last_forward_sync  INTEGER,
	last_backward_sync INTEGER
);

CREATE TABLE IF NOT EXISTS sync_state (
	entity    TEXT PRIMARY KEY,
	cursor    TEXT,
	synced_at INTEGER
);

CREATE TABLE IF NOT EXISTS sync_jobs (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	chat_id          TEXT NOT NULL,
	job_type         TEXT NOT NULL,
	priority         INTEGER NOT NULL DEFAULT 2,
	status           TEXT NOT NULL DEFAULT 'pending',
	cursor_start     INTEGER,
	cursor_end       INTEGER,
	messages_fetched INTEGER NOT NULL DEFAULT 0,
	error_message    TEXT,
	created_at       INTEGER NOT NULL,
	started_at       INTEGER,
	completed_at     INTEGER
);
CREATE INDEX IF NOT EXISTS idx_sync_jobs_pending ON sync_jobs(status, priority, created_at);
CREATE INDEX IF NOT EXISTS idx_sync_jobs_chat ON sync_jobs(chat_id, job_type, status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_sync_jobs_pending_pair
	ON sync_jobs(chat_id, job_type) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS rate_windows (
	method           TEXT NOT NULL,
	window_start     INTEGER NOT NULL,
	call_count       INTEGER NOT NULL DEFAULT 0,
	flood_wait_until INTEGER,
	PRIMARY KEY (method, window_start)
);

CREATE TABLE IF NOT EXISTS api_activity (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp   INTEGER NOT NULL,
	method      TEXT NOT NULL,
	success     INTEGER NOT NULL,
	error_code  TEXT,
	response_ms INTEGER,
	context     TEXT
);
CREATE INDEX IF NOT EXISTS idx_api_activity_ts ON api_activity(timestamp);

CREATE TABLE IF NOT EXISTS daemon_status (
	key        TEXT PRIMARY KEY,
	value      TEXT,
	updated_at INTEGER NOT NULL
);
`
