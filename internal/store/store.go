// Package store holds the client's normalized view of users, chats, messages and
// starred messages. Readers take immutable snapshots; writers go through Apply.
package store

import (
	"sync"

	"github.com/4xmen/chatsync/internal/models"
)

type Store struct {
	mu      sync.RWMutex
	current *Snapshot
}

func New() *Store {
	return &Store{current: Empty()}
}

// Snapshot returns the current immutable state.
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Apply swaps in the snapshot produced by fn. fn must not retain or mutate its
// argument; a nil result keeps the current snapshot.
func (s *Store) Apply(fn func(*Snapshot) *Snapshot) *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if next := fn(s.current); next != nil {
		s.current = next
	}
	return s.current
}

func (s *Store) GetUser(id string) (models.User, bool) {
	return s.Snapshot().User(id)
}

func (s *Store) GetChat(id string) (models.Chat, bool) {
	return s.Snapshot().Chat(id)
}

func (s *Store) GetMessages(chatID string) []models.Message {
	return s.Snapshot().Messages(chatID)
}

func (s *Store) GetStarred() []models.StarredMessage {
	return s.Snapshot().Starred()
}

func (s *Store) ApplyUserUpsert(u models.User) *Snapshot {
	return s.Apply(func(cur *Snapshot) *Snapshot { return cur.WithUser(u) })
}

func (s *Store) ApplyChatUpsert(c models.Chat) *Snapshot {
	return s.Apply(func(cur *Snapshot) *Snapshot { return cur.WithChat(c) })
}

func (s *Store) ApplyMessagesReplace(chatID string, messages []models.Message) *Snapshot {
	return s.Apply(func(cur *Snapshot) *Snapshot { return cur.WithMessages(chatID, messages) })
}

func (s *Store) ApplyStarredReplace(set []models.StarredMessage) *Snapshot {
	return s.Apply(func(cur *Snapshot) *Snapshot { return cur.WithStarred(set) })
}
