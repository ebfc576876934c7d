// Realtime-хэндлеры апдейтов Telegram. Каждый апдейт превращается в запись
// кэша: новое сообщение — upsert плюс продвижение last_message_* и
// forward_cursor, правка — патч текста с монотонным edit_date, удаление —
// мягкое is_deleted=1. Хэндлеры неблокирующие: ошибки логируются и
// проглатываются, чтобы один кривой апдейт не уронил цикл апдейтов.
package telegram

import (
	"context"

	"github.com/gotd/td/tg"

	"telegram-syncd/internal/domain/cache"
	"telegram-syncd/internal/domain/syncer"
	"telegram-syncd/internal/domain/tgutil"
	"telegram-syncd/internal/infra/concurrency"
	"telegram-syncd/internal/infra/logger"
	"telegram-syncd/internal/support/debug"
)

// Handlers связывает диспетчер апдейтов с кэшем одного аккаунта.
type Handlers struct {
	store *cache.Store
	dup   *concurrency.Deduplicator

	// onActivity дёргается при каждом полезном апдейте; супервизор обновляет
	// по нему отметку lastActivity.
	onActivity func()
}

// NewHandlers собирает хэндлеры и регистрирует их в диспетчере клиента.
func NewHandlers(store *cache.Store, dup *concurrency.Deduplicator, onActivity func()) *Handlers {
	return &Handlers{store: store, dup: dup, onActivity: onActivity}
}

// Register подписывает хэндлеры на события диспетчера.
func (h *Handlers) Register(d *tg.UpdateDispatcher) {
	d.OnNewMessage(h.OnNewMessage)
	d.OnNewChannelMessage(h.OnNewChannelMessage)
	d.OnEditMessage(h.OnEditMessage)
	d.OnEditChannelMessage(h.OnEditChannelMessage)
	d.OnDeleteMessages(h.OnDeleteMessages)
	d.OnDeleteChannelMessages(h.OnDeleteChannelMessages)
}

// OnNewMessage обрабатывает входящее личное или групповое сообщение.
func (h *Handlers) OnNewMessage(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
	h.handleNew(ctx, e, u.Message)
	return nil
}

// OnNewChannelMessage обрабатывает сообщение канала или супергруппы.
func (h *Handlers) OnNewChannelMessage(ctx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
	h.handleNew(ctx, e, u.Message)
	return nil
}

// OnEditMessage патчит текст и дату правки личного/группового сообщения.
func (h *Handlers) OnEditMessage(ctx context.Context, e tg.Entities, u *tg.UpdateEditMessage) error {
	h.handleEdit(ctx, e, u.Message)
	return nil
}

// OnEditChannelMessage патчит правку сообщения канала.
func (h *Handlers) OnEditChannelMessage(ctx context.Context, e tg.Entities, u *tg.UpdateEditChannelMessage) error {
	h.handleEdit(ctx, e, u.Message)
	return nil
}

// OnDeleteMessages — удаление в личке/базовой группе. Апдейт не несёт chat_id,
// восстановить принадлежность сообщений нечем: событие сбрасывается с
// debug-логом и не ретраится.
func (h *Handlers) OnDeleteMessages(_ context.Context, _ tg.Entities, u *tg.UpdateDeleteMessages) error {
	logger.Debugf("updates: delete without chat id dropped (%d messages)", len(u.Messages))
	return nil
}

// OnDeleteChannelMessages мягко удаляет сообщения канала.
func (h *Handlers) OnDeleteChannelMessages(ctx context.Context, _ tg.Entities, u *tg.UpdateDeleteChannelMessages) error {
	chatID := tgutil.Str(tgutil.CanonicalChannel(u.ChannelID))
	ids := make([]int64, 0, len(u.Messages))
	for _, id := range u.Messages {
		ids = append(ids, int64(id))
	}
	n, err := h.store.Messages.MarkDeleted(ctx, chatID, ids)
	if err != nil {
		logger.Errorf("updates: mark deleted in %s: %v", chatID, err)
		return nil
	}
	logger.Debugf("updates: %d messages soft-deleted in %s", n, chatID)
	h.touch()
	return nil
}

// handleNew — общий путь нового сообщения из любого типа чата.
func (h *Handlers) handleNew(ctx context.Context, e tg.Entities, raw tg.MessageClass) {
	msg, ok := raw.(*tg.Message)
	if !ok {
		// Сервисные сообщения тоже кэшируем, без last_message-продвижения.
		if svc, isSvc := raw.(*tg.MessageService); isSvc {
			chatID := tgutil.Str(tgutil.Canonical(svc.PeerID))
			if m, parsed := syncer.ParseMessage(chatID, raw); parsed {
				if err := h.store.Messages.Upsert(ctx, m); err != nil {
					logger.Errorf("updates: upsert service message: %v", err)
				}
			}
		}
		return
	}

	chatCanonical := tgutil.Canonical(msg.PeerID)
	chatID := tgutil.Str(chatCanonical)
	if h.dup.Seen(chatCanonical, msg.ID, msg.EditDate) {
		return
	}
	debug.PrintMessage("new", msg)

	h.storeEntities(ctx, e)

	m, parsed := syncer.ParseMessage(chatID, msg)
	if !parsed {
		return
	}
	if err := h.store.Messages.Upsert(ctx, m); err != nil {
		logger.Errorf("updates: upsert message %s/%d: %v", chatID, msg.ID, err)
		return
	}
	if err := h.store.Chats.TouchLastMessage(ctx, chatID, m.MessageID, m.Date*1000); err != nil {
		logger.Errorf("updates: touch last message %s: %v", chatID, err)
	}
	if err := h.store.Sync.TouchForwardCursor(ctx, chatID, m.MessageID); err != nil {
		logger.Errorf("updates: touch forward cursor %s: %v", chatID, err)
	}
	h.touch()
}

// handleEdit — общий путь правки из любого типа чата.
func (h *Handlers) handleEdit(ctx context.Context, e tg.Entities, raw tg.MessageClass) {
	msg, ok := raw.(*tg.Message)
	if !ok {
		return
	}

	chatCanonical := tgutil.Canonical(msg.PeerID)
	chatID := tgutil.Str(chatCanonical)
	if h.dup.Seen(chatCanonical, msg.ID, msg.EditDate) {
		return
	}
	debug.PrintMessage("edit", msg)

	h.storeEntities(ctx, e)

	if err := h.store.Messages.MarkEdited(ctx, chatID, int64(msg.ID), msg.Message, int64(msg.EditDate)); err != nil {
		logger.Errorf("updates: mark edited %s/%d: %v", chatID, msg.ID, err)
		return
	}
	h.touch()
}

// storeEntities опортунистически складывает пиров апдейта в кэш. Ошибки не
// фатальны: недостающие записи догонит sync-воркер.
func (h *Handlers) storeEntities(ctx context.Context, e tg.Entities) {
	var users []cache.User
	for _, u := range e.Users {
		if parsed, ok := syncer.ParseUser(u); ok {
			users = append(users, parsed)
		}
	}
	if len(users) > 0 {
		if err := h.store.Users.UpsertMany(ctx, users); err != nil {
			logger.Debugf("updates: upsert users: %v", err)
		}
	}

	var chats []cache.Chat
	for _, c := range e.Chats {
		if parsed, ok := syncer.ParseChat(c); ok {
			chats = append(chats, parsed)
		}
	}
	for _, c := range e.Channels {
		if parsed, ok := syncer.ParseChat(c); ok {
			chats = append(chats, parsed)
		}
	}
	if len(chats) > 0 {
		if err := h.store.Chats.UpsertMany(ctx, chats); err != nil {
			logger.Debugf("updates: upsert chats: %v", err)
		}
	}
}

func (h *Handlers) touch() {
	if h.onActivity != nil {
		h.onActivity()
	}
}
