// Разбор сырых объектов Telegram в строки кэша. Тип содержимого сообщения
// определяется фиксированной таблицей по media; большие числовые id в raw_json
// кодируются десятичными строками, чтобы потребители без int64 их не теряли.
package syncer

import (
	"encoding/json"
	"strconv"

	"github.com/gotd/td/tg"

	"telegram-syncd/internal/domain/cache"
	"telegram-syncd/internal/domain/tgutil"
	"telegram-syncd/internal/infra/logger"
)

// ParseMessage превращает tg.MessageClass в строку кэша. Возвращает false для
// сообщений, которым в кэше делать нечего (messageEmpty).
func ParseMessage(chatID string, raw tg.MessageClass) (cache.Message, bool) {
	switch m := raw.(type) {
	case *tg.Message:
		return parseRegular(chatID, m), true
	case *tg.MessageService:
		return parseService(chatID, m), true
	default:
		return cache.Message{}, false
	}
}

func parseRegular(chatID string, m *tg.Message) cache.Message {
	msgType, hasMedia := resolveMediaType(m.Media)

	out := cache.Message{
		ChatID:      chatID,
		MessageID:   int64(m.ID),
		Text:        m.Message,
		MessageType: msgType,
		HasMedia:    hasMedia,
		IsOutgoing:  m.Out,
		IsPinned:    m.Pinned,
		Date:        int64(m.Date),
	}
	if from, ok := m.GetFromID(); ok {
		out.FromID = tgutil.Str(tgutil.Canonical(from))
	}
	if reply, ok := m.GetReplyTo(); ok {
		if h, isMsg := reply.(*tg.MessageReplyHeader); isMsg {
			out.ReplyToID = int64(h.ReplyToMsgID)
		}
	}
	if fwd, ok := m.GetFwdFrom(); ok {
		if from, hasFrom := fwd.GetFromID(); hasFrom {
			out.ForwardFromID = tgutil.Str(tgutil.Canonical(from))
		}
	}
	if edit, ok := m.GetEditDate(); ok {
		out.EditDate = int64(edit)
		out.IsEdited = true
	}
	out.RawJSON = rawMessageJSON(&out)
	return out
}

func parseService(chatID string, m *tg.MessageService) cache.Message {
	out := cache.Message{
		ChatID:      chatID,
		MessageID:   int64(m.ID),
		MessageType: cache.MessageTypeService,
		IsOutgoing:  m.Out,
		Date:        int64(m.Date),
	}
	if from, ok := m.GetFromID(); ok {
		out.FromID = tgutil.Str(tgutil.Canonical(from))
	}
	out.RawJSON = rawMessageJSON(&out)
	return out
}

// resolveMediaType — фиксированная таблица media → message_type.
func resolveMediaType(media tg.MessageMediaClass) (string, bool) {
	if media == nil {
		return cache.MessageTypeText, false
	}
	switch m := media.(type) {
	case *tg.MessageMediaEmpty:
		return cache.MessageTypeText, false
	case *tg.MessageMediaPhoto:
		return cache.MessageTypePhoto, true
	case *tg.MessageMediaDocument:
		return resolveDocumentType(m), true
	case *tg.MessageMediaContact:
		return cache.MessageTypeContact, true
	case *tg.MessageMediaGeo:
		return cache.MessageTypeLocation, true
	case *tg.MessageMediaGeoLive:
		return cache.MessageTypeLocation, true
	case *tg.MessageMediaVenue:
		return cache.MessageTypeVenue, true
	case *tg.MessageMediaGame:
		return cache.MessageTypeGame, true
	case *tg.MessageMediaInvoice:
		return cache.MessageTypeInvoice, true
	case *tg.MessageMediaWebPage:
		return cache.MessageTypeWebpage, true
	case *tg.MessageMediaDice:
		return cache.MessageTypeDice, true
	case *tg.MessageMediaPoll:
		return cache.MessageTypePoll, true
	default:
		return cache.MessageTypeMedia, true
	}
}

// resolveDocumentType уточняет тип документа по его атрибутам.
func resolveDocumentType(m *tg.MessageMediaDocument) string {
	docClass, ok := m.GetDocument()
	if !ok {
		return cache.MessageTypeDocument
	}
	doc, ok := docClass.AsNotEmpty()
	if !ok {
		return cache.MessageTypeDocument
	}
	animated := false
	for _, attr := range doc.Attributes {
		switch a := attr.(type) {
		case *tg.DocumentAttributeSticker:
			return cache.MessageTypeSticker
		case *tg.DocumentAttributeAudio:
			if a.Voice {
				return cache.MessageTypeVoice
			}
			return cache.MessageTypeAudio
		case *tg.DocumentAttributeVideo:
			if a.RoundMessage {
				return cache.MessageTypeVideoNote
			}
			if !animated {
				return cache.MessageTypeVideo
			}
		case *tg.DocumentAttributeAnimated:
			animated = true
		}
	}
	if animated {
		return cache.MessageTypeAnimation
	}
	return cache.MessageTypeDocument
}

// rawMessageJSON собирает компактный сырой объект; id — десятичные строки.
func rawMessageJSON(m *cache.Message) string {
	raw := map[string]any{
		"chat_id":    m.ChatID,
		"message_id": strconv.FormatInt(m.MessageID, 10),
		"type":       m.MessageType,
		"date":       m.Date,
	}
	if m.FromID != "" {
		raw["from_id"] = m.FromID
	}
	if m.ReplyToID != 0 {
		raw["reply_to_id"] = strconv.FormatInt(m.ReplyToID, 10)
	}
	if m.ForwardFromID != "" {
		raw["forward_from_id"] = m.ForwardFromID
	}
	if m.EditDate != 0 {
		raw["edit_date"] = m.EditDate
	}
	b, err := json.Marshal(raw)
	if err != nil {
		logger.Debugf("syncer: raw json for %s/%d: %v", m.ChatID, m.MessageID, err)
		return ""
	}
	return string(b)
}

// ParseUser превращает tg.UserClass в строку кэша пользователей.
func ParseUser(raw tg.UserClass) (cache.User, bool) {
	u, ok := raw.AsNotEmpty()
	if !ok {
		return cache.User{}, false
	}
	out := cache.User{
		UserID:    tgutil.Str(tgutil.CanonicalUser(u.ID)),
		Username:  u.Username,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Phone:     u.Phone,
		IsContact: u.Contact,
		IsBot:     u.Bot,
		IsPremium: u.Premium,
	}
	if hash, hasHash := u.GetAccessHash(); hasHash {
		out.AccessHash = strconv.FormatInt(hash, 10)
	}
	if b, err := json.Marshal(map[string]any{
		"id":         out.UserID,
		"username":   u.Username,
		"first_name": u.FirstName,
		"last_name":  u.LastName,
		"bot":        u.Bot,
	}); err == nil {
		out.RawJSON = string(b)
	}
	return out, true
}

// ParseChat превращает tg.ChatClass в строку кэша чатов.
func ParseChat(raw tg.ChatClass) (cache.Chat, bool) {
	switch c := raw.(type) {
	case *tg.Chat:
		_, isAdmin := c.GetAdminRights()
		return cache.Chat{
			ChatID:      tgutil.Str(tgutil.CanonicalChat(c.ID)),
			Type:        cache.ChatTypeGroup,
			Title:       c.Title,
			MemberCount: int64(c.ParticipantsCount),
			IsCreator:   c.Creator,
			IsAdmin:     isAdmin,
		}, true
	case *tg.Channel:
		chatType := cache.ChatTypeChannel
		if c.Megagroup {
			chatType = cache.ChatTypeSupergroup
		}
		_, isAdmin := c.GetAdminRights()
		out := cache.Chat{
			ChatID:    tgutil.Str(tgutil.CanonicalChannel(c.ID)),
			Type:      chatType,
			Title:     c.Title,
			Username:  c.Username,
			IsCreator: c.Creator,
			IsAdmin:   isAdmin,
		}
		if count, ok := c.GetParticipantsCount(); ok {
			out.MemberCount = int64(count)
		}
		if hash, ok := c.GetAccessHash(); ok {
			out.AccessHash = strconv.FormatInt(hash, 10)
		}
		return out, true
	default:
		return cache.Chat{}, false
	}
}

// ChatFromUser строит запись «личного» чата из записи пользователя.
func ChatFromUser(u cache.User) cache.Chat {
	title := u.FirstName
	if u.LastName != "" {
		if title != "" {
			title += " "
		}
		title += u.LastName
	}
	return cache.Chat{
		ChatID:     u.UserID,
		Type:       cache.ChatTypePrivate,
		Title:      title,
		Username:   u.Username,
		AccessHash: u.AccessHash,
	}
}
