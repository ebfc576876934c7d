// Реестр схемы cache.db для read-only SQL-поверхности. Внешний потребитель
// (команда sql и инструменты поверх неё) получает отсюда описания таблиц:
// имя, назначение, первичный ключ, колонки с семантикой и enum-значениями,
// индексы и TTL. Реестр рукописный и обязан совпадать с DDL в infra/sqlite.
package cache

import "time"

// Column описывает одну колонку таблицы.
type Column struct {
	Name        string
	Type        string // тип SQLite
	Semantic    string // человекочитаемая семантика значения
	Enum        []string
	Description string
}

// Index описывает один индекс таблицы.
type Index struct {
	Name        string
	Columns     []string
	Unique      bool
	Description string
}

// Table описывает одну таблицу cache.db.
type Table struct {
	Name        string
	Description string
	PrimaryKey  []string
	Columns     []Column
	Indexes     []Index
	TTL         time.Duration // 0 — записи не протухают
}

// Registry возвращает описание всех таблиц cache.db, доступных SQL-команде.
func Registry() []Table {
	return []Table{
		{
			Name:        "users_cache",
			Description: "кэш пользователей Telegram; освежается при каждом контакте с API",
			PrimaryKey:  []string{"user_id"},
			TTL:         7 * 24 * time.Hour,
			Columns: []Column{
				{Name: "user_id", Type: "TEXT", Semantic: "telegram user id", Description: "числовой id пользователя строкой"},
				{Name: "username", Type: "TEXT", Semantic: "username без @", Description: "ник; сравнение без учёта регистра"},
				{Name: "first_name", Type: "TEXT", Semantic: "имя"},
				{Name: "last_name", Type: "TEXT", Semantic: "фамилия"},
				{Name: "phone", Type: "TEXT", Semantic: "телефон, только цифры"},
				{Name: "access_hash", Type: "TEXT", Semantic: "mtproto access hash", Description: "нужен для построения InputPeer"},
				{Name: "is_contact", Type: "INTEGER", Semantic: "bool 0/1"},
				{Name: "is_bot", Type: "INTEGER", Semantic: "bool 0/1"},
				{Name: "is_premium", Type: "INTEGER", Semantic: "bool 0/1"},
				{Name: "fetched_at", Type: "INTEGER", Semantic: "unix ms", Description: "момент последнего обновления из API"},
				{Name: "raw_json", Type: "TEXT", Semantic: "json", Description: "сырой объект пользователя"},
			},
			Indexes: []Index{
				{Name: "idx_users_cache_username", Columns: []string{"username"}, Unique: true, Description: "частичный: только непустые ники"},
				{Name: "idx_users_cache_phone", Columns: []string{"phone"}},
			},
		},
		{
			Name:        "chats_cache",
			Description: "кэш чатов всех типов; last_message_* движется только вперёд",
			PrimaryKey:  []string{"chat_id"},
			TTL:         24 * time.Hour,
			Columns: []Column{
				{Name: "chat_id", Type: "TEXT", Semantic: "знаковый канонический id", Description: "user>0, группа<0, канал -100xxxxxxxxxx"},
				{Name: "type", Type: "TEXT", Semantic: "тип чата", Enum: []string{ChatTypePrivate, ChatTypeGroup, ChatTypeSupergroup, ChatTypeChannel}},
				{Name: "title", Type: "TEXT", Semantic: "заголовок"},
				{Name: "username", Type: "TEXT", Semantic: "username без @"},
				{Name: "member_count", Type: "INTEGER", Semantic: "число участников"},
				{Name: "access_hash", Type: "TEXT", Semantic: "mtproto access hash"},
				{Name: "is_creator", Type: "INTEGER", Semantic: "bool 0/1"},
				{Name: "is_admin", Type: "INTEGER", Semantic: "bool 0/1"},
				{Name: "last_message_id", Type: "INTEGER", Semantic: "message id", Description: "максимальный виденный id сообщения"},
				{Name: "last_message_at", Type: "INTEGER", Semantic: "unix ms"},
				{Name: "fetched_at", Type: "INTEGER", Semantic: "unix ms"},
			},
		},
		{
			Name:        "messages_cache",
			Description: "кэш сообщений; вечный, удаления мягкие (is_deleted=1)",
			PrimaryKey:  []string{"chat_id", "message_id"},
			Columns: []Column{
				{Name: "chat_id", Type: "TEXT", Semantic: "знаковый канонический id чата"},
				{Name: "message_id", Type: "INTEGER", Semantic: "message id внутри чата"},
				{Name: "from_id", Type: "TEXT", Semantic: "id отправителя"},
				{Name: "reply_to_id", Type: "INTEGER", Semantic: "message id ответа"},
				{Name: "forward_from_id", Type: "TEXT", Semantic: "id источника форварда"},
				{Name: "text", Type: "TEXT", Semantic: "текст или подпись"},
				{Name: "message_type", Type: "TEXT", Semantic: "тип содержимого", Enum: []string{
					MessageTypeText, MessageTypePhoto, MessageTypeVideo, MessageTypeDocument,
					MessageTypeSticker, MessageTypeVoice, MessageTypeAudio, MessageTypeVideoNote,
					MessageTypeAnimation, MessageTypePoll, MessageTypeContact, MessageTypeLocation,
					MessageTypeVenue, MessageTypeGame, MessageTypeInvoice, MessageTypeWebpage,
					MessageTypeDice, MessageTypeService, MessageTypeMedia, MessageTypeUnknown,
				}},
				{Name: "has_media", Type: "INTEGER", Semantic: "bool 0/1"},
				{Name: "is_outgoing", Type: "INTEGER", Semantic: "bool 0/1"},
				{Name: "is_edited", Type: "INTEGER", Semantic: "bool 0/1", Description: "не откатывается назад"},
				{Name: "is_pinned", Type: "INTEGER", Semantic: "bool 0/1"},
				{Name: "is_deleted", Type: "INTEGER", Semantic: "bool 0/1", Description: "мягкое удаление; не откатывается назад"},
				{Name: "edit_date", Type: "INTEGER", Semantic: "unix s", Description: "дата последней правки; только растёт"},
				{Name: "date", Type: "INTEGER", Semantic: "unix s"},
				{Name: "fetched_at", Type: "INTEGER", Semantic: "unix ms"},
				{Name: "raw_json", Type: "TEXT", Semantic: "json"},
			},
		},
		{
			Name:        "message_search",
			Description: "FTS5-индекс по messages_cache.text (external content); запрос через MATCH",
			PrimaryKey:  []string{"rowid"},
			Columns: []Column{
				{Name: "text", Type: "TEXT", Semantic: "индексируемый текст сообщения"},
			},
		},
		{
			Name:        "chat_sync_state",
			Description: "курсоры и прогресс синхронизации истории по каждому чату",
			PrimaryKey:  []string{"chat_id"},
			Columns: []Column{
				{Name: "chat_id", Type: "TEXT", Semantic: "знаковый канонический id чата"},
				{Name: "chat_type", Type: "TEXT", Semantic: "тип чата", Enum: []string{ChatTypePrivate, ChatTypeGroup, ChatTypeSupergroup, ChatTypeChannel}},
				{Name: "member_count", Type: "INTEGER", Semantic: "число участников"},
				{Name: "forward_cursor", Type: "INTEGER", Semantic: "message id", Description: "максимальный синхронизированный id; только растёт"},
				{Name: "backward_cursor", Type: "INTEGER", Semantic: "message id", Description: "минимальный синхронизированный id; только убывает"},
				{Name: "sync_priority", Type: "INTEGER", Semantic: "приоритет, 1 — высший"},
				{Name: "sync_enabled", Type: "INTEGER", Semantic: "bool 0/1"},
				{Name: "history_complete", Type: "INTEGER", Semantic: "bool 0/1", Description: "backfill дошёл до начала истории"},
				{Name: "total_messages", Type: "INTEGER", Semantic: "известный размер истории"},
				{Name: "synced_messages", Type: "INTEGER", Semantic: "сколько уже синхронизировано"},
				{Name: "last_forward_sync", Type: "INTEGER", Semantic: "unix ms"},
				{Name: "last_backward_sync", Type: "INTEGER", Semantic: "unix ms"},
			},
		},
		{
			Name:        "sync_state",
			Description: "курсоры сущностей верхнего уровня (contacts, dialogs)",
			PrimaryKey:  []string{"entity"},
			Columns: []Column{
				{Name: "entity", Type: "TEXT", Semantic: "имя сущности", Enum: []string{EntityContacts, EntityDialogs}},
				{Name: "cursor", Type: "TEXT", Semantic: "непрозрачный курсор"},
				{Name: "synced_at", Type: "INTEGER", Semantic: "unix ms"},
			},
		},
		{
			Name:        "sync_jobs",
			Description: "приоритетная очередь заданий синхронизации",
			PrimaryKey:  []string{"id"},
			Columns: []Column{
				{Name: "id", Type: "INTEGER", Semantic: "автоинкремент"},
				{Name: "chat_id", Type: "TEXT", Semantic: "знаковый канонический id чата"},
				{Name: "job_type", Type: "TEXT", Semantic: "тип задания", Enum: []string{"initial_load", "forward_catchup", "backward_history", "full_sync"}},
				{Name: "priority", Type: "INTEGER", Semantic: "приоритет, 1 — высший"},
				{Name: "status", Type: "TEXT", Semantic: "статус", Enum: []string{"pending", "running", "completed", "failed"}},
				{Name: "cursor_start", Type: "INTEGER", Semantic: "message id на старте"},
				{Name: "cursor_end", Type: "INTEGER", Semantic: "message id на финише"},
				{Name: "messages_fetched", Type: "INTEGER", Semantic: "сообщений выкачано заданием"},
				{Name: "error_message", Type: "TEXT", Semantic: "текст ошибки при status=failed"},
				{Name: "created_at", Type: "INTEGER", Semantic: "unix ms"},
				{Name: "started_at", Type: "INTEGER", Semantic: "unix ms"},
				{Name: "completed_at", Type: "INTEGER", Semantic: "unix ms"},
			},
			Indexes: []Index{
				{Name: "idx_sync_jobs_queue", Columns: []string{"status", "priority", "created_at"}, Description: "порядок выдачи очереди"},
				{Name: "idx_sync_jobs_chat", Columns: []string{"chat_id", "job_type", "status"}, Description: "guard от дубликатов pending"},
			},
		},
		{
			Name:        "rate_windows",
			Description: "минутные окна вызовов API и flood-wait по методам",
			PrimaryKey:  []string{"method", "window_start"},
			TTL:         time.Hour,
			Columns: []Column{
				{Name: "method", Type: "TEXT", Semantic: "имя метода API"},
				{Name: "window_start", Type: "INTEGER", Semantic: "unix s, кратно 60"},
				{Name: "call_count", Type: "INTEGER", Semantic: "вызовов в окне"},
				{Name: "flood_wait_until", Type: "INTEGER", Semantic: "unix s", Description: "метод заблокирован до этого момента"},
			},
		},
		{
			Name:        "api_activity",
			Description: "журнал вызовов API для диагностики",
			PrimaryKey:  []string{"id"},
			TTL:         7 * 24 * time.Hour,
			Columns: []Column{
				{Name: "id", Type: "INTEGER", Semantic: "автоинкремент"},
				{Name: "timestamp", Type: "INTEGER", Semantic: "unix ms"},
				{Name: "method", Type: "TEXT", Semantic: "имя метода API"},
				{Name: "success", Type: "INTEGER", Semantic: "bool 0/1"},
				{Name: "error_code", Type: "TEXT", Semantic: "код ошибки Telegram"},
				{Name: "response_ms", Type: "INTEGER", Semantic: "латентность, мс"},
				{Name: "context", Type: "TEXT", Semantic: "uuid корреляции"},
			},
			Indexes: []Index{
				{Name: "idx_api_activity_ts", Columns: []string{"timestamp"}},
			},
		},
		{
			Name:        "daemon_status",
			Description: "KV-heartbeat демона; читается командой daemon status",
			PrimaryKey:  []string{"key"},
			Columns: []Column{
				{Name: "key", Type: "TEXT", Semantic: "имя показателя", Enum: []string{
					"state", "started_at", "connected_accounts", "messages_synced",
					"pending_jobs", "running_jobs", "last_update",
				}},
				{Name: "value", Type: "TEXT", Semantic: "значение строкой"},
				{Name: "updated_at", Type: "INTEGER", Semantic: "unix ms"},
			},
		},
	}
}

// RegistryTable возвращает описание таблицы по имени или nil.
func RegistryTable(name string) *Table {
	for _, t := range Registry() {
		if t.Name == name {
			return &t
		}
	}
	return nil
}
