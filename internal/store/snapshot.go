package store

import (
	"slices"
	"sort"
	"time"

	"github.com/4xmen/chatsync/internal/models"
)

type ChatListState int

const (
	ChatListLoading ChatListState = iota
	ChatListEmpty
	ChatListReady
)

func (s ChatListState) String() string {
	switch s {
	case ChatListLoading:
		return "loading"
	case ChatListEmpty:
		return "empty"
	case ChatListReady:
		return "ready"
	default:
		return "unknown"
	}
}

// SendFailure is the marker left behind when an optimistic message could not be
// written. It stays until the UI dismisses it.
type SendFailure struct {
	TempID   string    `json:"tempId"`
	ChatID   string    `json:"chatId"`
	Text     string    `json:"text,omitempty"`
	ImageURL string    `json:"imageUrl,omitempty"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failedAt"`
}

// LedgerEntry is an optimistic message together with the order it was added in.
type LedgerEntry struct {
	Message models.Message
	Seq     uint64
}

// Snapshot is an immutable view of every table. The With* methods return a new
// snapshot and copy only the table they touch.
type Snapshot struct {
	version     uint64
	seq         uint64
	users       map[string]models.User
	chats       map[string]models.Chat
	chatIndex   []string
	indexLoaded bool
	messages    map[string][]models.Message
	starred     map[models.StarKey]models.StarredMessage

	// tempId -> unconfirmed optimistic message
	pending map[string]LedgerEntry
	// realId -> confirmed message not yet seen in an authoritative list
	confirmed map[string]LedgerEntry
	failures  map[string]SendFailure
}

func Empty() *Snapshot {
	return &Snapshot{}
}

func (s *Snapshot) Version() uint64 {
	return s.version
}

func (s *Snapshot) User(id string) (models.User, bool) {
	u, ok := s.users[id]
	return u, ok
}

func (s *Snapshot) Chat(id string) (models.Chat, bool) {
	c, ok := s.chats[id]
	return c, ok
}

// Messages returns the chat's messages ordered by sentAt.
func (s *Snapshot) Messages(chatID string) []models.Message {
	return slices.Clone(s.messages[chatID])
}

// ResolveReply looks up a reply target inside the same chat. A missing target is
// reported with ok=false and is not an error.
func (s *Snapshot) ResolveReply(chatID, messageID string) (models.Message, bool) {
	for _, m := range s.messages[chatID] {
		if m.MessageID == messageID {
			return m, true
		}
	}
	return models.Message{}, false
}

// Starred returns every starred message, oldest star first.
func (s *Snapshot) Starred() []models.StarredMessage {
	out := make([]models.StarredMessage, 0, len(s.starred))
	for _, star := range s.starred {
		out = append(out, star)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StarredAt.Equal(out[j].StarredAt) {
			if out[i].ChatID == out[j].ChatID {
				return out[i].MessageID < out[j].MessageID
			}
			return out[i].ChatID < out[j].ChatID
		}
		return out[i].StarredAt.Before(out[j].StarredAt)
	})
	return out
}

func (s *Snapshot) StarredIn(chatID string) []models.StarredMessage {
	var out []models.StarredMessage
	for _, star := range s.Starred() {
		if star.ChatID == chatID {
			out = append(out, star)
		}
	}
	return out
}

func (s *Snapshot) IsStarred(chatID, messageID string) bool {
	_, ok := s.starred[models.StarKey{ChatID: chatID, MessageID: messageID}]
	return ok
}

func (s *Snapshot) StarredMessage(chatID, messageID string) (models.StarredMessage, bool) {
	star, ok := s.starred[models.StarKey{ChatID: chatID, MessageID: messageID}]
	return star, ok
}

// ChatList returns the indexed chats whose metadata has arrived, most recently
// updated first.
func (s *Snapshot) ChatList() ([]models.Chat, ChatListState) {
	if !s.indexLoaded {
		return nil, ChatListLoading
	}
	if len(s.chatIndex) == 0 {
		return nil, ChatListEmpty
	}

	chats := make([]models.Chat, 0, len(s.chatIndex))
	for _, id := range s.chatIndex {
		if c, ok := s.chats[id]; ok {
			chats = append(chats, c)
		}
	}
	sort.SliceStable(chats, func(i, j int) bool {
		return chats[i].UpdatedAt.After(chats[j].UpdatedAt)
	})
	return chats, ChatListReady
}

func (s *Snapshot) ChatIndex() []string {
	return slices.Clone(s.chatIndex)
}

func (s *Snapshot) Pending(tempID string) (LedgerEntry, bool) {
	e, ok := s.pending[tempID]
	return e, ok
}

// PendingIn returns the unconfirmed optimistic messages of a chat in the order they
// were added.
func (s *Snapshot) PendingIn(chatID string) []LedgerEntry {
	return ledgerIn(s.pending, chatID)
}

func (s *Snapshot) PendingCount() int {
	return len(s.pending)
}

func (s *Snapshot) Confirmed(realID string) (LedgerEntry, bool) {
	e, ok := s.confirmed[realID]
	return e, ok
}

func (s *Snapshot) ConfirmedIn(chatID string) []LedgerEntry {
	return ledgerIn(s.confirmed, chatID)
}

func (s *Snapshot) Failures() []SendFailure {
	out := make([]SendFailure, 0, len(s.failures))
	for _, f := range s.failures {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FailedAt.Before(out[j].FailedAt) })
	return out
}

func (s *Snapshot) WithUser(u models.User) *Snapshot {
	c := s.clone()
	c.users = cloneMap(s.users)
	c.users[u.UserID] = u
	return c
}

func (s *Snapshot) WithChat(chat models.Chat) *Snapshot {
	c := s.clone()
	c.chats = cloneMap(s.chats)
	chat.Users = slices.Clone(chat.Users)
	c.chats[chat.ChatID] = chat
	return c
}

func (s *Snapshot) WithChatIndex(ids []string) *Snapshot {
	c := s.clone()
	c.chatIndex = slices.Clone(ids)
	c.indexLoaded = true
	return c
}

// WithMessages replaces a chat's list. The list is stored sorted by sentAt; equal
// timestamps keep the order they were given in.
func (s *Snapshot) WithMessages(chatID string, list []models.Message) *Snapshot {
	c := s.clone()
	c.messages = cloneMap(s.messages)
	sorted := slices.Clone(list)
	for i := range sorted {
		sorted[i].ChatID = chatID
	}
	slices.SortStableFunc(sorted, func(a, b models.Message) int {
		return a.SentAt.Compare(b.SentAt)
	})
	c.messages[chatID] = sorted
	return c
}

func (s *Snapshot) WithStarred(set []models.StarredMessage) *Snapshot {
	c := s.clone()
	c.starred = make(map[models.StarKey]models.StarredMessage, len(set))
	for _, star := range set {
		c.starred[star.Key()] = star
	}
	return c
}

func (s *Snapshot) WithStar(star models.StarredMessage) *Snapshot {
	c := s.clone()
	c.starred = cloneMap(s.starred)
	c.starred[star.Key()] = star
	return c
}

func (s *Snapshot) WithoutStar(key models.StarKey) *Snapshot {
	if _, ok := s.starred[key]; !ok {
		return s
	}
	c := s.clone()
	c.starred = cloneMap(s.starred)
	delete(c.starred, key)
	return c
}

// WithPending records an optimistic message under its tempId.
func (s *Snapshot) WithPending(tempID string, m models.Message) *Snapshot {
	c := s.clone()
	c.seq++
	c.pending = cloneMap(s.pending)
	c.pending[tempID] = LedgerEntry{Message: m, Seq: c.seq}
	return c
}

func (s *Snapshot) WithoutPending(tempID string) *Snapshot {
	if _, ok := s.pending[tempID]; !ok {
		return s
	}
	c := s.clone()
	c.pending = cloneMap(s.pending)
	delete(c.pending, tempID)
	return c
}

func (s *Snapshot) WithConfirmed(realID string, e LedgerEntry) *Snapshot {
	c := s.clone()
	c.confirmed = cloneMap(s.confirmed)
	c.confirmed[realID] = e
	return c
}

func (s *Snapshot) WithoutConfirmed(realID string) *Snapshot {
	if _, ok := s.confirmed[realID]; !ok {
		return s
	}
	c := s.clone()
	c.confirmed = cloneMap(s.confirmed)
	delete(c.confirmed, realID)
	return c
}

func (s *Snapshot) WithFailure(f SendFailure) *Snapshot {
	c := s.clone()
	c.failures = cloneMap(s.failures)
	c.failures[f.TempID] = f
	return c
}

func (s *Snapshot) WithoutFailure(tempID string) *Snapshot {
	if _, ok := s.failures[tempID]; !ok {
		return s
	}
	c := s.clone()
	c.failures = cloneMap(s.failures)
	delete(c.failures, tempID)
	return c
}

// Cleared returns an empty snapshot whose version still moves forward, so
// observers never see the version go backwards after a logout.
func (s *Snapshot) Cleared() *Snapshot {
	return &Snapshot{version: s.version + 1}
}

func (s *Snapshot) clone() *Snapshot {
	c := *s
	c.version++
	return &c
}

func ledgerIn(ledger map[string]LedgerEntry, chatID string) []LedgerEntry {
	var out []LedgerEntry
	for _, e := range ledger {
		if e.Message.ChatID == chatID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
