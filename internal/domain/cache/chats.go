// Сервис кэша чатов. Помимо CRUD-поверхности пиров здесь живут листинг с
// сортировкой по последнему сообщению и подстрочный поиск по title/username
// с приоритетом точных совпадений. last_message_* обновляется realtime-хэндлерами
// и sync-воркером наперегонки — побеждает больший message_id.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"telegram-syncd/internal/infra/clock"
)

// Типы чатов — закрытое множество.
const (
	ChatTypePrivate    = "private"
	ChatTypeGroup      = "group"
	ChatTypeSupergroup = "supergroup"
	ChatTypeChannel    = "channel"
)

// Chat — кэшированная запись чата любого типа.
type Chat struct {
	ChatID        string
	Type          string
	Title         string
	Username      string
	MemberCount   int64
	AccessHash    string
	IsCreator     bool
	IsAdmin       bool
	LastMessageID int64
	LastMessageAt int64
	FetchedAt     int64
}

// Chats — сервис таблицы chats_cache.
type Chats struct {
	db  *sql.DB
	clk clock.Clock
}

// ListOptions управляет выборкой List.
type ListOptions struct {
	Type    string // фильтр по типу; пустая строка — все
	Limit   int
	Offset  int
	OrderBy string // last_message_at (по умолчанию) | title
}

// defaultSearchLimit — лимит поиска чатов по умолчанию.
const defaultSearchLimit = 20

const chatColumns = `chat_id, type, title, username, member_count, access_hash,
	is_creator, is_admin, last_message_id, last_message_at, fetched_at`

// scanChat читает одну строку chats_cache.
func scanChat(row interface{ Scan(...any) error }) (*Chat, error) {
	var c Chat
	var title, username, accessHash sql.NullString
	var memberCount, lastMessageID, lastMessageAt, fetchedAt sql.NullInt64
	var isCreator, isAdmin int
	if err := row.Scan(&c.ChatID, &c.Type, &title, &username, &memberCount, &accessHash,
		&isCreator, &isAdmin, &lastMessageID, &lastMessageAt, &fetchedAt); err != nil {
		return nil, err
	}
	c.Title = title.String
	c.Username = username.String
	c.MemberCount = memberCount.Int64
	c.AccessHash = accessHash.String
	c.IsCreator = isCreator != 0
	c.IsAdmin = isAdmin != 0
	c.LastMessageID = lastMessageID.Int64
	c.LastMessageAt = lastMessageAt.Int64
	c.FetchedAt = fetchedAt.Int64
	return &c, nil
}

const upsertChatSQL = `
INSERT INTO chats_cache (` + chatColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(chat_id) DO UPDATE SET
	type            = excluded.type,
	title           = excluded.title,
	username        = excluded.username,
	member_count    = excluded.member_count,
	access_hash     = excluded.access_hash,
	is_creator      = excluded.is_creator,
	is_admin        = excluded.is_admin,
	last_message_id = MAX(COALESCE(chats_cache.last_message_id, 0), COALESCE(excluded.last_message_id, 0)),
	last_message_at = MAX(COALESCE(chats_cache.last_message_at, 0), COALESCE(excluded.last_message_at, 0)),
	fetched_at      = excluded.fetched_at
WHERE excluded.fetched_at IS NULL
	OR chats_cache.fetched_at IS NULL
	OR excluded.fetched_at >= chats_cache.fetched_at`

// upsertArgs собирает аргументы вставки.
func (c *Chat) upsertArgs(clk clock.Clock) []any {
	fetched := c.FetchedAt
	if fetched == 0 {
		fetched = nowMS(clk)
	}
	return []any{
		c.ChatID,
		c.Type,
		nullStr(c.Title),
		nullStr(NormalizeUsername(c.Username)),
		nullI64(c.MemberCount),
		nullStr(c.AccessHash),
		boolInt(c.IsCreator),
		boolInt(c.IsAdmin),
		nullI64(c.LastMessageID),
		nullI64(c.LastMessageAt),
		fetched,
	}
}

// Upsert вставляет или освежает чат; last_message_* движется только вперёд.
func (s *Chats) Upsert(ctx context.Context, c Chat) error {
	if _, err := s.db.ExecContext(ctx, upsertChatSQL, c.upsertArgs(s.clk)...); err != nil {
		return fmt.Errorf("upsert chat %s: %w", c.ChatID, err)
	}
	return nil
}

// UpsertMany вставляет пачку чатов в одной транзакции.
func (s *Chats) UpsertMany(ctx context.Context, chats []Chat) error {
	if len(chats) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, upsertChatSQL)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for i := range chats {
		if _, err := stmt.ExecContext(ctx, chats[i].upsertArgs(s.clk)...); err != nil {
			return fmt.Errorf("upsert chat %s: %w", chats[i].ChatID, err)
		}
	}
	return tx.Commit()
}

// GetByID возвращает чат или nil при промахе.
func (s *Chats) GetByID(ctx context.Context, chatID string) (*Chat, error) {
	c, err := scanChat(s.db.QueryRowContext(ctx,
		`SELECT `+chatColumns+` FROM chats_cache WHERE chat_id = ?`, chatID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get chat %s: %w", chatID, err)
	}
	return c, nil
}

// GetByUsername ищет чат по нику без учёта регистра.
func (s *Chats) GetByUsername(ctx context.Context, username string) (*Chat, error) {
	c, err := scanChat(s.db.QueryRowContext(ctx,
		`SELECT `+chatColumns+` FROM chats_cache WHERE username = ? COLLATE NOCASE`,
		NormalizeUsername(username)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get chat by username %s: %w", username, err)
	}
	return c, nil
}

// List возвращает чаты по фильтру/сортировке. По умолчанию — последние активные
// сверху (last_message_at DESC).
func (s *Chats) List(ctx context.Context, opts ListOptions) ([]Chat, error) {
	query := `SELECT ` + chatColumns + ` FROM chats_cache`
	var args []any
	if opts.Type != "" {
		query += ` WHERE type = ?`
		args = append(args, opts.Type)
	}
	switch opts.OrderBy {
	case "title":
		query += ` ORDER BY title COLLATE NOCASE ASC`
	default:
		query += ` ORDER BY last_message_at DESC`
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var out []Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// Search ищет чаты подстрокой по title и username без учёта регистра.
// Точные совпадения username, затем title, ранжируются первыми.
func (s *Chats) Search(ctx context.Context, q string, limit int) ([]Chat, error) {
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	needle := NormalizeUsername(q)
	like := "%" + escapeLike(needle) + "%"
	rows, err := s.db.QueryContext(ctx, `
SELECT `+chatColumns+` FROM chats_cache
WHERE title LIKE ? ESCAPE '\' COLLATE NOCASE
   OR username LIKE ? ESCAPE '\' COLLATE NOCASE
ORDER BY
	CASE
		WHEN username = ? COLLATE NOCASE THEN 0
		WHEN title = ? COLLATE NOCASE THEN 1
		ELSE 2
	END,
	last_message_at DESC
LIMIT ?`, like, like, needle, needle, limit)
	if err != nil {
		return nil, fmt.Errorf("search chats: %w", err)
	}
	defer rows.Close()

	var out []Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// TouchLastMessage продвигает last_message_* чата вперёд (монотонно).
func (s *Chats) TouchLastMessage(ctx context.Context, chatID string, messageID, messageAt int64) error {
	if _, err := s.db.ExecContext(ctx, `
UPDATE chats_cache SET
	last_message_id = MAX(COALESCE(last_message_id, 0), ?),
	last_message_at = MAX(COALESCE(last_message_at, 0), ?)
WHERE chat_id = ?`, messageID, messageAt, chatID); err != nil {
		return fmt.Errorf("touch last message %s: %w", chatID, err)
	}
	return nil
}

// GetStale возвращает чаты, протухшие относительно ttl.
func (s *Chats) GetStale(ctx context.Context, ttl time.Duration) ([]Chat, error) {
	cutoff := nowMS(s.clk) - ttl.Milliseconds()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chatColumns+` FROM chats_cache WHERE fetched_at IS NULL OR fetched_at < ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("get stale chats: %w", err)
	}
	defer rows.Close()

	var out []Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// Delete удаляет чат по id.
func (s *Chats) Delete(ctx context.Context, chatID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chats_cache WHERE chat_id = ?`, chatID); err != nil {
		return fmt.Errorf("delete chat %s: %w", chatID, err)
	}
	return nil
}

// Prune удаляет чаты старше age и возвращает количество удалённых.
func (s *Chats) Prune(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := nowMS(s.clk) - age.Milliseconds()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM chats_cache WHERE fetched_at IS NOT NULL AND fetched_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune chats: %w", err)
	}
	return res.RowsAffected()
}

// Count возвращает количество закэшированных чатов.
func (s *Chats) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chats_cache`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count chats: %w", err)
	}
	return n, nil
}

// escapeLike экранирует спецсимволы LIKE (%, _, \) в пользовательском вводе.
func escapeLike(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '%' || r == '_' || r == '\\' {
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(out)
}
