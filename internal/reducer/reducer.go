// Package reducer applies remote changes and local optimistic actions to store
// snapshots. Reduce never mutates its input and never fails.
package reducer

import (
	"github.com/4xmen/chatsync/internal/models"
	"github.com/4xmen/chatsync/internal/store"
)

func Reduce(s *store.Snapshot, ev Event) *store.Snapshot {
	switch e := ev.(type) {
	case UserFetched:
		if e.User.UserID == "" {
			return s
		}
		return s.WithUser(e.User)
	case ChatUpserted:
		if e.Chat.ChatID == "" {
			return s
		}
		return s.WithChat(e.Chat)
	case ChatIndexReplaced:
		return s.WithChatIndex(e.ChatIDs)
	case MessagesReplaced:
		return replaceMessages(s, e)
	case StarredReplaced:
		return s.WithStarred(e.Set)
	case OptimisticMessageAdded:
		return addOptimistic(s, e)
	case OptimisticMessageConfirmed:
		return confirmOptimistic(s, e)
	case OptimisticMessageFailed:
		return failOptimistic(s, e)
	case StarToggled:
		if e.Starred {
			return s.WithStar(e.Star)
		}
		return s.WithoutStar(e.Star.Key())
	case FailureDismissed:
		return s.WithoutFailure(e.TempID)
	case SessionCleared:
		return s.Cleared()
	default:
		return s
	}
}

// replaceMessages installs the remote list and re-merges local entries the remote
// value does not know about yet.
func replaceMessages(s *store.Snapshot, e MessagesReplaced) *store.Snapshot {
	next := s
	list := make([]models.Message, 0, len(e.Messages))
	seen := make(map[string]struct{}, len(e.Messages))
	echoed := make(map[string]struct{})

	for _, m := range e.Messages {
		if m.MessageID == "" {
			continue
		}
		if _, dup := seen[m.MessageID]; dup {
			continue
		}
		seen[m.MessageID] = struct{}{}
		if m.ClientID != "" {
			echoed[m.ClientID] = struct{}{}
		}
		m.TempID = ""
		m.Pending = false
		list = append(list, m)
	}

	for _, entry := range s.ConfirmedIn(e.ChatID) {
		if _, ok := seen[entry.Message.MessageID]; ok {
			next = next.WithoutConfirmed(entry.Message.MessageID)
			continue
		}
		list = append(list, entry.Message)
	}

	for _, entry := range s.PendingIn(e.ChatID) {
		if _, ok := echoed[entry.Message.TempID]; ok {
			// the write landed before its acknowledgement reached us
			next = next.WithoutPending(entry.Message.TempID)
			continue
		}
		list = append(list, entry.Message)
	}

	// a write reported as failed (timed out) that landed after all
	for clientID := range echoed {
		next = next.WithoutFailure(clientID)
	}

	return next.WithMessages(e.ChatID, list)
}

func addOptimistic(s *store.Snapshot, e OptimisticMessageAdded) *store.Snapshot {
	if e.TempID == "" || e.Message.ChatID == "" {
		return s
	}
	if _, ok := s.Pending(e.TempID); ok {
		return s
	}

	m := e.Message
	m.MessageID = ""
	m.TempID = e.TempID
	m.Pending = true
	if m.ClientID == "" {
		m.ClientID = e.TempID
	}

	for _, existing := range s.Messages(m.ChatID) {
		if existing.ClientID == e.TempID {
			return s
		}
	}

	next := s.WithPending(e.TempID, m)
	return next.WithMessages(m.ChatID, append(s.Messages(m.ChatID), m))
}

func confirmOptimistic(s *store.Snapshot, e OptimisticMessageConfirmed) *store.Snapshot {
	entry, ok := s.Pending(e.TempID)
	if !ok || e.RealID == "" {
		return s
	}
	chatID := entry.Message.ChatID
	next := s.WithoutPending(e.TempID)

	confirmed := entry.Message
	confirmed.MessageID = e.RealID
	confirmed.TempID = ""
	confirmed.Pending = false

	current := s.Messages(chatID)
	alreadyListed := false
	for _, m := range current {
		if !m.Pending && m.MessageID == e.RealID {
			alreadyListed = true
			break
		}
	}

	list := make([]models.Message, 0, len(current))
	for _, m := range current {
		if m.Pending && m.TempID == e.TempID {
			if !alreadyListed {
				list = append(list, confirmed)
			}
			continue
		}
		list = append(list, m)
	}

	if !alreadyListed {
		next = next.WithConfirmed(e.RealID, store.LedgerEntry{Message: confirmed, Seq: entry.Seq})
	}
	return next.WithMessages(chatID, list)
}

func failOptimistic(s *store.Snapshot, e OptimisticMessageFailed) *store.Snapshot {
	entry, ok := s.Pending(e.TempID)
	if !ok {
		return s
	}
	chatID := entry.Message.ChatID

	current := s.Messages(chatID)
	list := make([]models.Message, 0, len(current))
	for _, m := range current {
		if m.Pending && m.TempID == e.TempID {
			continue
		}
		list = append(list, m)
	}

	reason := "message failed to send"
	if e.Err != nil {
		reason = e.Err.Error()
	}

	return s.WithoutPending(e.TempID).
		WithMessages(chatID, list).
		WithFailure(store.SendFailure{
			TempID:   e.TempID,
			ChatID:   chatID,
			Text:     entry.Message.Text,
			ImageURL: entry.Message.ImageURL,
			Error:    reason,
			FailedAt: e.At,
		})
}
