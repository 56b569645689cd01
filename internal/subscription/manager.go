// Package subscription keeps the remote listeners of a session: the chat index,
// the starred index, and metadata plus messages of every discovered chat.
package subscription

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/4xmen/chatsync/internal/apperrors"
	"github.com/4xmen/chatsync/internal/metrics"
	"github.com/4xmen/chatsync/internal/models"
	"github.com/4xmen/chatsync/internal/reducer"
	"github.com/4xmen/chatsync/internal/remote"
)

var ErrNoUser = errors.New("subscription: empty user id")

type Kind int

const (
	KindChatIndex Kind = iota
	KindStarred
	KindChat
	KindMessages
)

func (k Kind) String() string {
	switch k {
	case KindChatIndex:
		return "chat_index"
	case KindStarred:
		return "starred"
	case KindChat:
		return "chat"
	case KindMessages:
		return "messages"
	default:
		return "unknown"
	}
}

type State int

const (
	Unsubscribed State = iota
	Subscribing
	Active
)

func (s State) String() string {
	switch s {
	case Unsubscribed:
		return "unsubscribed"
	case Subscribing:
		return "subscribing"
	case Active:
		return "active"
	default:
		return "unknown"
	}
}

// Status describes one subscription.
type Status struct {
	Path   string `json:"path"`
	Kind   string `json:"kind"`
	State  string `json:"state"`
	Error  string `json:"error,omitempty"`
	ChatID string `json:"chatId,omitempty"`
}

type entry struct {
	path   string
	kind   Kind
	chatID string
	state  State
	handle remote.Handle
	err    error
}

type Manager struct {
	remote     remote.Store
	dispatcher reducer.Dispatcher
	logger     zerolog.Logger

	// mu also serializes dispatches so that nothing from an old epoch is queued
	// after Teardown returns.
	mu           sync.Mutex
	epoch        uint64
	userID       string
	entries      map[string]*entry
	knownChats   map[string]struct{}
	fetchedUsers map[string]struct{}
	ctx          context.Context
	cancel       context.CancelFunc
}

func New(store remote.Store, dispatcher reducer.Dispatcher, logger zerolog.Logger) *Manager {
	return &Manager{
		remote:       store,
		dispatcher:   dispatcher,
		logger:       logger.With().Str("component", "subscription").Logger(),
		entries:      make(map[string]*entry),
		knownChats:   make(map[string]struct{}),
		fetchedUsers: make(map[string]struct{}),
	}
}

// Start subscribes to the user's chat index and starred index. A running session
// is torn down first.
func (m *Manager) Start(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrNoUser
	}
	m.Teardown()

	m.mu.Lock()
	m.epoch++
	epoch := m.epoch
	m.userID = userID
	m.ctx, m.cancel = context.WithCancel(context.WithoutCancel(ctx))
	m.mu.Unlock()

	m.logger.Info().Str("user_id", userID).Msg("starting subscriptions")
	m.subscribe(epoch, remote.UserChatsPath(userID), KindChatIndex, "")
	m.subscribe(epoch, remote.StarredPath(userID), KindStarred, "")
	return nil
}

// Teardown cancels every subscription. It is safe to call at any time, any number
// of times.
func (m *Manager) Teardown() {
	m.mu.Lock()
	m.epoch++
	var handles []remote.Handle
	for _, e := range m.entries {
		if e.state == Active {
			metrics.ActiveSubscriptions.Dec()
		}
		if e.state != Unsubscribed && e.handle != 0 {
			handles = append(handles, e.handle)
		}
		e.state = Unsubscribed
	}
	m.entries = make(map[string]*entry)
	m.knownChats = make(map[string]struct{})
	m.fetchedUsers = make(map[string]struct{})
	userID := m.userID
	m.userID = ""
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.mu.Unlock()

	for _, h := range handles {
		m.remote.Unsubscribe(h)
	}
	if userID != "" {
		m.logger.Info().Str("user_id", userID).Int("subscriptions", len(handles)).Msg("subscriptions torn down")
	}
}

// Retry re-subscribes every subscription that ended with an error and returns how
// many were restarted.
func (m *Manager) Retry(ctx context.Context) int {
	m.mu.Lock()
	epoch := m.epoch
	var failed []*entry
	for _, e := range m.entries {
		if e.state == Unsubscribed && e.err != nil {
			failed = append(failed, e)
		}
	}
	m.mu.Unlock()

	for _, e := range failed {
		m.logger.Info().Str("path", e.path).Msg("retrying subscription")
		m.subscribe(epoch, e.path, e.kind, e.chatID)
	}
	return len(failed)
}

// States reports every subscription of the current session ordered by path.
func (m *Manager) States() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.entries))
	for _, e := range m.entries {
		st := Status{Path: e.path, Kind: e.kind.String(), State: e.state.String(), ChatID: e.chatID}
		if e.err != nil {
			st.Error = e.err.Error()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func (m *Manager) subscribe(epoch uint64, path string, kind Kind, chatID string) {
	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		return
	}
	if existing, ok := m.entries[path]; ok && existing.state != Unsubscribed {
		m.mu.Unlock()
		return
	}
	e := &entry{path: path, kind: kind, chatID: chatID, state: Subscribing}
	m.entries[path] = e
	m.mu.Unlock()

	h, err := m.remote.Subscribe(path, func(value any, err error) {
		m.deliver(epoch, e, value, err)
	})

	m.mu.Lock()
	if epoch != m.epoch || m.entries[path] != e || e.state != Subscribing {
		// torn down, or failed by its first callback, while subscribing
		m.mu.Unlock()
		if err == nil {
			m.remote.Unsubscribe(h)
		}
		return
	}
	if err != nil {
		e.state = Unsubscribed
		e.err = &apperrors.SubscriptionError{Path: path, Err: err}
		m.mu.Unlock()
		m.recordError(e)
		return
	}
	e.handle = h
	e.state = Active
	metrics.ActiveSubscriptions.Inc()
	m.mu.Unlock()
}

// live reports whether a callback for e may still reach the reducer. Caller
// holds mu.
func (m *Manager) live(epoch uint64, e *entry) bool {
	return epoch == m.epoch && m.entries[e.path] == e && e.state != Unsubscribed
}

func (m *Manager) deliver(epoch uint64, e *entry, value any, err error) {
	if err != nil {
		m.fail(epoch, e, err)
		return
	}

	switch e.kind {
	case KindChatIndex:
		ids := chatIDsFromIndex(value)
		if !m.dispatchIfLive(epoch, e, reducer.ChatIndexReplaced{ChatIDs: ids}) {
			return
		}
		for _, id := range ids {
			m.discoverChat(epoch, id)
		}

	case KindStarred:
		m.dispatchIfLive(epoch, e, reducer.StarredReplaced{Set: decodeStarred(value, m.logger)})

	case KindChat:
		if value == nil {
			return
		}
		var chat models.Chat
		if err := remote.Decode(value, &chat); err != nil {
			m.logger.Warn().Err(err).Str("chat_id", e.chatID).Msg("ignoring malformed chat")
			return
		}
		chat.ChatID = e.chatID

		m.mu.Lock()
		if !m.live(epoch, e) {
			m.mu.Unlock()
			metrics.DroppedCallbacks.Inc()
			return
		}
		if !chat.HasMember(m.userID) {
			m.mu.Unlock()
			m.logger.Debug().Str("chat_id", e.chatID).Msg("ignoring chat without session user")
			return
		}
		m.dispatcher.Dispatch(reducer.ChatUpserted{Chat: chat})
		m.mu.Unlock()

		for _, uid := range chat.Users {
			m.fetchUser(epoch, uid)
		}

	case KindMessages:
		m.dispatchIfLive(epoch, e, reducer.MessagesReplaced{
			ChatID:   e.chatID,
			Messages: decodeMessages(e.chatID, value, m.logger),
		})
	}
}

func (m *Manager) dispatchIfLive(epoch uint64, e *entry, ev reducer.Event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.live(epoch, e) {
		metrics.DroppedCallbacks.Inc()
		return false
	}
	m.dispatcher.Dispatch(ev)
	return true
}

func (m *Manager) fail(epoch uint64, e *entry, err error) {
	m.mu.Lock()
	if !m.live(epoch, e) {
		m.mu.Unlock()
		metrics.DroppedCallbacks.Inc()
		return
	}
	if e.state == Active {
		metrics.ActiveSubscriptions.Dec()
	}
	e.state = Unsubscribed
	e.err = &apperrors.SubscriptionError{Path: e.path, Err: err}
	h := e.handle
	m.mu.Unlock()

	if h != 0 {
		m.remote.Unsubscribe(h)
	}
	m.recordError(e)
}

func (m *Manager) recordError(e *entry) {
	metrics.SubscriptionErrors.WithLabelValues(e.kind.String()).Inc()
	m.logger.Error().Err(e.err).Str("path", e.path).Msg("subscription failed")
}

func (m *Manager) discoverChat(epoch uint64, chatID string) {
	if !remote.ValidKey(chatID) {
		m.logger.Warn().Str("chat_id", chatID).Msg("ignoring invalid chat id in index")
		return
	}
	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		return
	}
	if _, ok := m.knownChats[chatID]; ok {
		m.mu.Unlock()
		return
	}
	m.knownChats[chatID] = struct{}{}
	m.mu.Unlock()

	m.subscribe(epoch, remote.ChatPath(chatID), KindChat, chatID)
	m.subscribe(epoch, remote.MessagesPath(chatID), KindMessages, chatID)
}

// fetchUser reads a chat member once per session.
func (m *Manager) fetchUser(epoch uint64, userID string) {
	if !remote.ValidKey(userID) {
		return
	}
	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		return
	}
	if _, ok := m.fetchedUsers[userID]; ok {
		m.mu.Unlock()
		return
	}
	m.fetchedUsers[userID] = struct{}{}
	ctx := m.ctx
	m.mu.Unlock()

	go func() {
		value, err := m.remote.ReadOnce(ctx, remote.UserPath(userID))
		if err != nil {
			m.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to fetch user")
			m.mu.Lock()
			if epoch == m.epoch {
				// let the next chat update try again
				delete(m.fetchedUsers, userID)
			}
			m.mu.Unlock()
			return
		}
		if value == nil {
			return
		}
		user := models.User{}
		if err := remote.Decode(value, &user); err != nil {
			m.logger.Warn().Err(err).Str("user_id", userID).Msg("ignoring malformed user")
			return
		}
		user.UserID = userID

		m.mu.Lock()
		defer m.mu.Unlock()
		if epoch != m.epoch {
			metrics.DroppedCallbacks.Inc()
			return
		}
		m.dispatcher.Dispatch(reducer.UserFetched{User: user})
	}()
}
