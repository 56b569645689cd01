package reducer

import (
	"time"

	"github.com/4xmen/chatsync/internal/models"
)

// Event is a remote change or a local action applied to the entity store.
type Event interface {
	Name() string
}

// Dispatcher accepts events for the single event loop that owns the store.
type Dispatcher interface {
	Dispatch(Event)
}

type UserFetched struct {
	User models.User
}

type ChatUpserted struct {
	Chat models.Chat
}

// ChatIndexReplaced carries the authoritative list of chat ids for the session user.
type ChatIndexReplaced struct {
	ChatIDs []string
}

type MessagesReplaced struct {
	ChatID   string
	Messages []models.Message
}

type StarredReplaced struct {
	Set []models.StarredMessage
}

type OptimisticMessageAdded struct {
	TempID  string
	Message models.Message
}

type OptimisticMessageConfirmed struct {
	TempID string
	RealID string
}

type OptimisticMessageFailed struct {
	TempID string
	Err    error
	At     time.Time
}

// StarToggled is a local star or unstar, and also its rollback.
type StarToggled struct {
	Star    models.StarredMessage
	Starred bool
}

type FailureDismissed struct {
	TempID string
}

// SessionCleared drops everything on logout.
type SessionCleared struct{}

func (UserFetched) Name() string                { return "user_fetched" }
func (ChatUpserted) Name() string               { return "chat_upserted" }
func (ChatIndexReplaced) Name() string          { return "chat_index_replaced" }
func (MessagesReplaced) Name() string           { return "messages_replaced" }
func (StarredReplaced) Name() string            { return "starred_replaced" }
func (OptimisticMessageAdded) Name() string     { return "optimistic_message_added" }
func (OptimisticMessageConfirmed) Name() string { return "optimistic_message_confirmed" }
func (OptimisticMessageFailed) Name() string    { return "optimistic_message_failed" }
func (StarToggled) Name() string                { return "star_toggled" }
func (FailureDismissed) Name() string           { return "failure_dismissed" }
func (SessionCleared) Name() string             { return "session_cleared" }
