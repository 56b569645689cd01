package subscription

import (
	"github.com/rs/zerolog"

	"github.com/4xmen/chatsync/internal/models"
	"github.com/4xmen/chatsync/internal/remote"
)

// chatIDsFromIndex reads userChats/{uid}: a map of push key to chat id, or a
// plain list. Order follows the keys; duplicates are dropped.
func chatIDsFromIndex(value any) []string {
	var raw []any
	switch v := value.(type) {
	case map[string]any:
		for _, k := range remote.Children(v) {
			raw = append(raw, v[k])
		}
	case []any:
		raw = v
	}

	ids := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, r := range raw {
		id, ok := r.(string)
		if !ok || id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

// decodeMessages turns messages/{chatId} into a list in key order. Malformed
// entries are skipped.
func decodeMessages(chatID string, value any, logger zerolog.Logger) []models.Message {
	m, ok := value.(map[string]any)
	if !ok {
		return nil
	}
	out := make([]models.Message, 0, len(m))
	for _, key := range remote.Children(m) {
		var msg models.Message
		if err := remote.Decode(m[key], &msg); err != nil {
			logger.Warn().Err(err).Str("chat_id", chatID).Str("message_id", key).Msg("skipping malformed message")
			continue
		}
		kind, err := models.ParseMessageKind(string(msg.Type))
		if err != nil {
			logger.Debug().Err(err).Str("message_id", key).Msg("treating message as normal")
			kind = models.KindNormal
		}
		if kind == models.KindNormal {
			msg.Type = ""
		} else {
			msg.Type = kind
		}
		msg.MessageID = key
		msg.ChatID = chatID
		out = append(out, msg)
	}
	return out
}

// decodeStarred reads userStarredMessages/{uid}/{chatId}/{messageId}.
func decodeStarred(value any, logger zerolog.Logger) []models.StarredMessage {
	byChat, ok := value.(map[string]any)
	if !ok {
		return nil
	}
	var out []models.StarredMessage
	for _, chatID := range remote.Children(byChat) {
		byMessage, ok := byChat[chatID].(map[string]any)
		if !ok {
			continue
		}
		for _, messageID := range remote.Children(byMessage) {
			var star models.StarredMessage
			if err := remote.Decode(byMessage[messageID], &star); err != nil {
				logger.Warn().Err(err).Str("chat_id", chatID).Str("message_id", messageID).Msg("skipping malformed star")
				continue
			}
			star.ChatID = chatID
			star.MessageID = messageID
			out = append(out, star)
		}
	}
	return out
}
