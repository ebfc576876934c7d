// Сервис кэша сообщений. Сообщения вечные: TTL нет, удаления мягкие
// (is_deleted=1), и этот флаг никогда не откатывается назад. Правки принимаются
// только с edit_date не старше текущего, поэтому backfill-копия, пришедшая после
// realtime-правки, не затирает новый текст. Полнотекстовый индекс message_search
// поддерживают триггеры схемы; здесь только запросы к нему.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"telegram-syncd/internal/infra/clock"
)

// Типы содержимого сообщения — закрытое множество из таблицы разрешения §медиа.
const (
	MessageTypeText      = "text"
	MessageTypePhoto     = "photo"
	MessageTypeVideo     = "video"
	MessageTypeDocument  = "document"
	MessageTypeSticker   = "sticker"
	MessageTypeVoice     = "voice"
	MessageTypeAudio     = "audio"
	MessageTypeVideoNote = "video_note"
	MessageTypeAnimation = "animation"
	MessageTypePoll      = "poll"
	MessageTypeContact   = "contact"
	MessageTypeLocation  = "location"
	MessageTypeVenue     = "venue"
	MessageTypeGame      = "game"
	MessageTypeInvoice   = "invoice"
	MessageTypeWebpage   = "webpage"
	MessageTypeDice      = "dice"
	MessageTypeService   = "service"
	MessageTypeUnknown   = "unknown"
	MessageTypeMedia     = "media"
)

// Message — кэшированное сообщение с составным ключом (chat_id, message_id).
type Message struct {
	ChatID        string
	MessageID     int64
	FromID        string
	ReplyToID     int64
	ForwardFromID string
	Text          string
	MessageType   string
	HasMedia      bool
	IsOutgoing    bool
	IsEdited      bool
	IsPinned      bool
	IsDeleted     bool
	EditDate      int64
	Date          int64
	FetchedAt     int64
	RawJSON       string
}

// Messages — сервис таблицы messages_cache и FTS-индекса message_search.
type Messages struct {
	db  *sql.DB
	clk clock.Clock
}

// SearchParams — фильтры полнотекстового поиска сообщений.
type SearchParams struct {
	Query          string
	ChatID         string // знаковый id чата; пустая строка — любой чат
	ChatUsername   string
	FromID         string
	SenderUsername string
	IncludeDeleted bool
	Limit          int
}

// SearchResult — сообщение с отображаемыми полями из кэшей чатов и пользователей.
type SearchResult struct {
	Message
	ChatTitle      string
	ChatUsername   string
	SenderName     string
	SenderUsername string
}

const messageColumns = `chat_id, message_id, from_id, reply_to_id, forward_from_id, text,
	message_type, has_media, is_outgoing, is_edited, is_pinned, is_deleted,
	edit_date, date, fetched_at, raw_json`

// scanMessage читает одну строку messages_cache.
func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	var fromID, forwardFromID, text, rawJSON sql.NullString
	var replyToID, editDate, date, fetchedAt sql.NullInt64
	var hasMedia, isOutgoing, isEdited, isPinned, isDeleted int
	if err := row.Scan(&m.ChatID, &m.MessageID, &fromID, &replyToID, &forwardFromID, &text,
		&m.MessageType, &hasMedia, &isOutgoing, &isEdited, &isPinned, &isDeleted,
		&editDate, &date, &fetchedAt, &rawJSON); err != nil {
		return nil, err
	}
	m.FromID = fromID.String
	m.ReplyToID = replyToID.Int64
	m.ForwardFromID = forwardFromID.String
	m.Text = text.String
	m.HasMedia = hasMedia != 0
	m.IsOutgoing = isOutgoing != 0
	m.IsEdited = isEdited != 0
	m.IsPinned = isPinned != 0
	m.IsDeleted = isDeleted != 0
	m.EditDate = editDate.Int64
	m.Date = date.Int64
	m.FetchedAt = fetchedAt.Int64
	m.RawJSON = rawJSON.String
	return &m, nil
}

// upsertMessageSQL — идемпотентная вставка с монотонными слияниями:
// is_deleted/is_edited не откатываются, edit_date движется только вперёд,
// и текст затирается только не более старой копией.
const upsertMessageSQL = `
INSERT INTO messages_cache (` + messageColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(chat_id, message_id) DO UPDATE SET
	from_id         = excluded.from_id,
	reply_to_id     = excluded.reply_to_id,
	forward_from_id = excluded.forward_from_id,
	text            = CASE
		WHEN messages_cache.edit_date IS NOT NULL
			AND (excluded.edit_date IS NULL OR excluded.edit_date < messages_cache.edit_date)
		THEN messages_cache.text
		ELSE excluded.text
	END,
	message_type = excluded.message_type,
	has_media    = excluded.has_media,
	is_outgoing  = excluded.is_outgoing,
	is_edited    = MAX(messages_cache.is_edited, excluded.is_edited),
	is_pinned    = excluded.is_pinned,
	is_deleted   = MAX(messages_cache.is_deleted, excluded.is_deleted),
	edit_date    = CASE
		WHEN excluded.edit_date IS NULL THEN messages_cache.edit_date
		WHEN messages_cache.edit_date IS NULL OR excluded.edit_date > messages_cache.edit_date
		THEN excluded.edit_date
		ELSE messages_cache.edit_date
	END,
	date       = excluded.date,
	fetched_at = excluded.fetched_at,
	raw_json   = excluded.raw_json`

// upsertArgs собирает аргументы вставки.
func (m *Message) upsertArgs(clk clock.Clock) []any {
	fetched := m.FetchedAt
	if fetched == 0 {
		fetched = nowMS(clk)
	}
	msgType := m.MessageType
	if msgType == "" {
		msgType = MessageTypeText
	}
	return []any{
		m.ChatID,
		m.MessageID,
		nullStr(m.FromID),
		nullI64(m.ReplyToID),
		nullStr(m.ForwardFromID),
		nullStr(m.Text),
		msgType,
		boolInt(m.HasMedia),
		boolInt(m.IsOutgoing),
		boolInt(m.IsEdited),
		boolInt(m.IsPinned),
		boolInt(m.IsDeleted),
		nullI64(m.EditDate),
		nullI64(m.Date),
		fetched,
		nullStr(m.RawJSON),
	}
}

// Upsert вставляет или освежает одно сообщение.
func (s *Messages) Upsert(ctx context.Context, m Message) error {
	return upsertMessageIn(ctx, s.db, s.clk, m)
}

// UpsertMany вставляет пачку сообщений в одной транзакции.
func (s *Messages) UpsertMany(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := UpsertMessagesIn(ctx, tx, s.clk, msgs); err != nil {
		return err
	}
	return tx.Commit()
}

// UpsertMessagesIn вставляет сообщения через переданный executor (обычно *sql.Tx).
// Sync-воркер использует его, чтобы держать сообщения и курсоры в одной транзакции.
func UpsertMessagesIn(ctx context.Context, q dbtx, clk clock.Clock, msgs []Message) error {
	for i := range msgs {
		if err := upsertMessageIn(ctx, q, clk, msgs[i]); err != nil {
			return err
		}
	}
	return nil
}

func upsertMessageIn(ctx context.Context, q dbtx, clk clock.Clock, m Message) error {
	if _, err := q.ExecContext(ctx, upsertMessageSQL, m.upsertArgs(clk)...); err != nil {
		return fmt.Errorf("upsert message %s/%d: %w", m.ChatID, m.MessageID, err)
	}
	return nil
}

// Get возвращает сообщение или nil при промахе.
func (s *Messages) Get(ctx context.Context, chatID string, messageID int64) (*Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages_cache WHERE chat_id = ? AND message_id = ?`,
		chatID, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message %s/%d: %w", chatID, messageID, err)
	}
	return m, nil
}

// MarkDeleted мягко удаляет сообщения: is_deleted=1, строка остаётся.
// Возвращает число затронутых строк.
func (s *Messages) MarkDeleted(ctx context.Context, chatID string, messageIDs []int64) (int64, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(messageIDs)), ",")
	args := make([]any, 0, len(messageIDs)+1)
	args = append(args, chatID)
	for _, id := range messageIDs {
		args = append(args, id)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages_cache SET is_deleted = 1 WHERE chat_id = ? AND message_id IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return 0, fmt.Errorf("mark deleted in %s: %w", chatID, err)
	}
	return res.RowsAffected()
}

// MarkEdited патчит text/edit_date/is_edited. Правка со старым edit_date
// игнорируется: принимаются только edit_date >= текущего.
func (s *Messages) MarkEdited(ctx context.Context, chatID string, messageID int64, newText string, editDate int64) error {
	if _, err := s.db.ExecContext(ctx, `
UPDATE messages_cache SET
	text      = ?,
	edit_date = ?,
	is_edited = 1
WHERE chat_id = ? AND message_id = ?
	AND (edit_date IS NULL OR edit_date <= ?)`,
		nullStr(newText), editDate, chatID, messageID, editDate); err != nil {
		return fmt.Errorf("mark edited %s/%d: %w", chatID, messageID, err)
	}
	return nil
}

// Search выполняет полнотекстовый поиск по message_search с фильтрами и джойном
// кэшей чатов/пользователей для отображаемых полей. Сортировка: date DESC.
func (s *Messages) Search(ctx context.Context, p SearchParams) ([]SearchResult, error) {
	if strings.TrimSpace(p.Query) == "" {
		return nil, fmt.Errorf("search query is empty")
	}
	limit := p.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	query := `
SELECT ` + prefixColumns("m", messageColumns) + `,
	c.title, c.username, TRIM(COALESCE(u.first_name, '') || ' ' || COALESCE(u.last_name, '')), u.username
FROM message_search fts
JOIN messages_cache m ON m.rowid = fts.rowid
LEFT JOIN chats_cache c ON c.chat_id = m.chat_id
LEFT JOIN users_cache u ON u.user_id = m.from_id
WHERE message_search MATCH ?`
	args := []any{p.Query}

	if !p.IncludeDeleted {
		query += ` AND m.is_deleted = 0`
	}
	if p.ChatID != "" {
		query += ` AND m.chat_id = ?`
		args = append(args, p.ChatID)
	}
	if p.ChatUsername != "" {
		query += ` AND c.username = ? COLLATE NOCASE`
		args = append(args, NormalizeUsername(p.ChatUsername))
	}
	if p.FromID != "" {
		query += ` AND m.from_id = ?`
		args = append(args, p.FromID)
	}
	if p.SenderUsername != "" {
		query += ` AND u.username = ? COLLATE NOCASE`
		args = append(args, NormalizeUsername(p.SenderUsername))
	}
	query += ` ORDER BY m.date DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var r SearchResult
		var fromID, forwardFromID, text, rawJSON sql.NullString
		var replyToID, editDate, date, fetchedAt sql.NullInt64
		var hasMedia, isOutgoing, isEdited, isPinned, isDeleted int
		var chatTitle, chatUsername, senderName, senderUsername sql.NullString
		if err := rows.Scan(&r.ChatID, &r.MessageID, &fromID, &replyToID, &forwardFromID, &text,
			&r.MessageType, &hasMedia, &isOutgoing, &isEdited, &isPinned, &isDeleted,
			&editDate, &date, &fetchedAt, &rawJSON,
			&chatTitle, &chatUsername, &senderName, &senderUsername); err != nil {
			return nil, err
		}
		r.FromID = fromID.String
		r.ReplyToID = replyToID.Int64
		r.ForwardFromID = forwardFromID.String
		r.Text = text.String
		r.HasMedia = hasMedia != 0
		r.IsOutgoing = isOutgoing != 0
		r.IsEdited = isEdited != 0
		r.IsPinned = isPinned != 0
		r.IsDeleted = isDeleted != 0
		r.EditDate = editDate.Int64
		r.Date = date.Int64
		r.FetchedAt = fetchedAt.Int64
		r.RawJSON = rawJSON.String
		r.ChatTitle = chatTitle.String
		r.ChatUsername = chatUsername.String
		r.SenderName = senderName.String
		r.SenderUsername = senderUsername.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountByChat возвращает число незатёртых сообщений чата.
func (s *Messages) CountByChat(ctx context.Context, chatID string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages_cache WHERE chat_id = ? AND is_deleted = 0`, chatID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages %s: %w", chatID, err)
	}
	return n, nil
}

// Count возвращает общее число строк в кэше сообщений.
func (s *Messages) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages_cache`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// prefixColumns добавляет алиас таблицы к каждому имени в списке колонок.
func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
