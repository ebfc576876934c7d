// Сервис состояния синхронизации. Две таблицы: chat_sync_state хранит курсоры
// и прогресс истории по каждому чату, sync_state — курсоры сущностей
// (contacts, dialogs). Курсоры двигаются только внутри транзакции вместе с
// сообщениями страницы: см. ApplyPageIn и Store.WithTx.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"telegram-syncd/internal/infra/clock"
)

// Сущности таблицы sync_state.
const (
	EntityContacts = "contacts"
	EntityDialogs  = "dialogs"
)

// Диапазон приоритетов синхронизации: 0 — высший, 4 — низший.
const (
	PriorityHighest = 0
	PriorityDefault = 2
	PriorityLowest  = 4
)

// ChatSyncState — строка chat_sync_state: курсоры и прогресс одного чата.
type ChatSyncState struct {
	ChatID           string
	ChatType         string
	MemberCount      int64
	ForwardCursor    int64 // максимальный виденный message_id; 0 — не синкался
	BackwardCursor   int64 // минимальный виденный message_id; 0 — не синкался
	SyncPriority     int
	SyncEnabled      bool
	HistoryComplete  bool
	TotalMessages    int64
	SyncedMessages   int64
	LastForwardSync  int64
	LastBackwardSync int64
}

// SyncState — сервис таблиц chat_sync_state и sync_state.
type SyncState struct {
	db  *sql.DB
	clk clock.Clock
}

const chatSyncColumns = `chat_id, chat_type, member_count, forward_cursor, backward_cursor,
	sync_priority, sync_enabled, history_complete, total_messages, synced_messages,
	last_forward_sync, last_backward_sync`

// scanChatSync читает одну строку chat_sync_state.
func scanChatSync(row interface{ Scan(...any) error }) (*ChatSyncState, error) {
	var st ChatSyncState
	var memberCount, forwardCursor, backwardCursor sql.NullInt64
	var totalMessages, syncedMessages, lastForward, lastBackward sql.NullInt64
	var syncEnabled, historyComplete int
	if err := row.Scan(&st.ChatID, &st.ChatType, &memberCount, &forwardCursor, &backwardCursor,
		&st.SyncPriority, &syncEnabled, &historyComplete, &totalMessages, &syncedMessages,
		&lastForward, &lastBackward); err != nil {
		return nil, err
	}
	st.MemberCount = memberCount.Int64
	st.ForwardCursor = forwardCursor.Int64
	st.BackwardCursor = backwardCursor.Int64
	st.SyncEnabled = syncEnabled != 0
	st.HistoryComplete = historyComplete != 0
	st.TotalMessages = totalMessages.Int64
	st.SyncedMessages = syncedMessages.Int64
	st.LastForwardSync = lastForward.Int64
	st.LastBackwardSync = lastBackward.Int64
	return &st, nil
}

// Get возвращает состояние чата или nil, если чат ещё не зарегистрирован.
func (s *SyncState) Get(ctx context.Context, chatID string) (*ChatSyncState, error) {
	return getChatSyncIn(ctx, s.db, chatID)
}

func getChatSyncIn(ctx context.Context, q dbtx, chatID string) (*ChatSyncState, error) {
	st, err := scanChatSync(q.QueryRowContext(ctx,
		`SELECT `+chatSyncColumns+` FROM chat_sync_state WHERE chat_id = ?`, chatID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sync state %s: %w", chatID, err)
	}
	return st, nil
}

// Register создаёт строку состояния для чата, если её ещё нет, и обновляет
// тип/численность. Курсоры и прогресс при конфликте не трогаются.
func (s *SyncState) Register(ctx context.Context, chatID, chatType string, memberCount int64, priority int) error {
	if priority < PriorityHighest || priority > PriorityLowest {
		priority = PriorityDefault
	}
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO chat_sync_state (chat_id, chat_type, member_count, sync_priority)
VALUES (?, ?, ?, ?)
ON CONFLICT(chat_id) DO UPDATE SET
	chat_type    = excluded.chat_type,
	member_count = excluded.member_count`,
		chatID, chatType, nullI64(memberCount), priority); err != nil {
		return fmt.Errorf("register chat %s: %w", chatID, err)
	}
	return nil
}

// SetEnabled включает или выключает синхронизацию чата.
func (s *SyncState) SetEnabled(ctx context.Context, chatID string, enabled bool) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE chat_sync_state SET sync_enabled = ? WHERE chat_id = ?`,
		boolInt(enabled), chatID); err != nil {
		return fmt.Errorf("set sync enabled %s: %w", chatID, err)
	}
	return nil
}

// SetPriority задаёт приоритет чата (0 — высший).
func (s *SyncState) SetPriority(ctx context.Context, chatID string, priority int) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE chat_sync_state SET sync_priority = ? WHERE chat_id = ?`,
		priority, chatID); err != nil {
		return fmt.Errorf("set sync priority %s: %w", chatID, err)
	}
	return nil
}

// SetTotalMessages фиксирует известный размер истории (из dialog.top_message
// или messages.count API).
func (s *SyncState) SetTotalMessages(ctx context.Context, chatID string, total int64) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE chat_sync_state SET total_messages = ? WHERE chat_id = ?`,
		total, chatID); err != nil {
		return fmt.Errorf("set total messages %s: %w", chatID, err)
	}
	return nil
}

// EnabledChats возвращает все чаты с включённой синхронизацией, приоритетные
// первыми.
func (s *SyncState) EnabledChats(ctx context.Context) ([]ChatSyncState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chatSyncColumns+` FROM chat_sync_state WHERE sync_enabled = 1
		 ORDER BY sync_priority ASC, chat_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list enabled chats: %w", err)
	}
	defer rows.Close()

	var out []ChatSyncState
	for rows.Next() {
		st, err := scanChatSync(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

// PageDirection — направление страницы истории, применяемой к курсорам.
type PageDirection int

const (
	// PageForward — догоняющая страница: новые сообщения, курсор forward_cursor.
	PageForward PageDirection = iota
	// PageBackward — страница backfill: история вглубь, курсор backward_cursor.
	PageBackward
)

// ApplyPageIn применяет одну страницу истории к курсорам чата внутри переданной
// транзакции. forward_cursor только растёт, backward_cursor только убывает;
// повторная доставка той же страницы курсоры не портит. Пустая страница
// (minID == 0) курсоры не трогает: MIN(backward_cursor, 0) обнулил бы
// backward_cursor и потерял прогресс backfill. complete выставляет
// history_complete (короткая или пустая backward-страница).
func ApplyPageIn(ctx context.Context, q dbtx, clk clock.Clock, chatID string, dir PageDirection, minID, maxID int64, fetched int, complete bool) error {
	set := `
	synced_messages = COALESCE(synced_messages, 0) + ?`
	args := []any{fetched}
	if minID > 0 {
		set += `,
	forward_cursor = MAX(COALESCE(forward_cursor, 0), ?),
	backward_cursor = CASE
		WHEN COALESCE(backward_cursor, 0) = 0 THEN ?
		ELSE MIN(backward_cursor, ?)
	END`
		args = append(args, maxID, minID, minID)
	}
	switch dir {
	case PageForward:
		set += `,
	last_forward_sync = ?`
	case PageBackward:
		set += `,
	last_backward_sync = ?`
		if complete {
			set += `,
	history_complete = 1`
		}
	default:
		return fmt.Errorf("unknown page direction %d", dir)
	}
	args = append(args, nowMS(clk), chatID)
	if _, err := q.ExecContext(ctx, `
UPDATE chat_sync_state SET`+set+`
WHERE chat_id = ?`, args...); err != nil {
		return fmt.Errorf("apply page %s: %w", chatID, err)
	}
	return nil
}

// TouchForwardCursor продвигает forward_cursor вперёд из realtime-хэндлера.
// Чат без строки состояния молча пропускается: его заведёт ближайший цикл
// обнаружения диалогов.
func (s *SyncState) TouchForwardCursor(ctx context.Context, chatID string, messageID int64) error {
	if _, err := s.db.ExecContext(ctx, `
UPDATE chat_sync_state SET
	forward_cursor    = MAX(COALESCE(forward_cursor, 0), ?),
	last_forward_sync = ?
WHERE chat_id = ?`, messageID, nowMS(s.clk), chatID); err != nil {
		return fmt.Errorf("touch forward cursor %s: %w", chatID, err)
	}
	return nil
}

// GetCursor возвращает курсор сущности из sync_state ("" — курсора нет).
func (s *SyncState) GetCursor(ctx context.Context, entity string) (string, error) {
	var cursor sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT cursor FROM sync_state WHERE entity = ?`, entity).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get cursor %s: %w", entity, err)
	}
	return cursor.String, nil
}

// SetCursor записывает курсор сущности вместе с отметкой времени.
func (s *SyncState) SetCursor(ctx context.Context, entity, cursor string) error {
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO sync_state (entity, cursor, synced_at) VALUES (?, ?, ?)
ON CONFLICT(entity) DO UPDATE SET cursor = excluded.cursor, synced_at = excluded.synced_at`,
		entity, nullStr(cursor), nowMS(s.clk)); err != nil {
		return fmt.Errorf("set cursor %s: %w", entity, err)
	}
	return nil
}

// Progress агрегирует прогресс синхронизации по всем включённым чатам.
type Progress struct {
	Chats          int
	Complete       int
	TotalMessages  int64
	SyncedMessages int64
}

// GetProgress возвращает сводку прогресса для status-сервиса.
func (s *SyncState) GetProgress(ctx context.Context) (*Progress, error) {
	var p Progress
	if err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*),
	COALESCE(SUM(history_complete), 0),
	COALESCE(SUM(COALESCE(total_messages, 0)), 0),
	COALESCE(SUM(COALESCE(synced_messages, 0)), 0)
FROM chat_sync_state WHERE sync_enabled = 1`).Scan(
		&p.Chats, &p.Complete, &p.TotalMessages, &p.SyncedMessages); err != nil {
		return nil, fmt.Errorf("get sync progress: %w", err)
	}
	return &p, nil
}
