// Package coordinator turns user actions into remote writes. Message sends and
// star toggles are applied optimistically and reconciled when the write returns;
// chat and profile edits go straight to the remote store.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/4xmen/chatsync/internal/apperrors"
	"github.com/4xmen/chatsync/internal/media"
	"github.com/4xmen/chatsync/internal/metrics"
	"github.com/4xmen/chatsync/internal/models"
	"github.com/4xmen/chatsync/internal/reducer"
	"github.com/4xmen/chatsync/internal/remote"
	"github.com/4xmen/chatsync/internal/store"
)

// TempIDPrefix marks ids of messages that exist only locally.
const TempIDPrefix = "local-"

const imageMessageText = "Sent an image"

type Uploader interface {
	Upload(ctx context.Context, ownerID string, img media.Image) (string, error)
}

// Syncer waits until every event dispatched so far has been applied.
type Syncer interface {
	Sync(ctx context.Context) error
}

type Deps struct {
	Remote     remote.Store
	Dispatcher reducer.Dispatcher
	Store      *store.Store
	// Syncer, when set, is awaited before star decisions read the store.
	Syncer   Syncer
	Uploader Uploader
	Logger     zerolog.Logger
	// WriteTimeout bounds each remote write. Zero means no bound.
	WriteTimeout time.Duration
}

// GroupFields turns a new chat into a group chat.
type GroupFields struct {
	ChatName  string
	ChatImage string
}

// ChatUpdate holds the chat fields to change. Nil fields are left alone.
type ChatUpdate struct {
	ChatName  *string
	ChatImage *string
}

// ProfileUpdate holds the user fields to change. Nil fields are left alone.
type ProfileUpdate struct {
	FirstName      *string
	LastName       *string
	About          *string
	ProfilePicture *string
}

type Coordinator struct {
	deps   Deps
	logger zerolog.Logger
	now    func() time.Time

	// starMu orders star toggles so each one sees the outcome of the last.
	starMu sync.Mutex
}

func New(deps Deps) *Coordinator {
	return &Coordinator{
		deps:   deps,
		logger: deps.Logger.With().Str("component", "coordinator").Logger(),
		now:    time.Now,
	}
}

// CreateChat stores a new chat and adds it to every member's chat index.
func (c *Coordinator) CreateChat(ctx context.Context, creatorID string, participantIDs []string, group *GroupFields) (string, error) {
	if !remote.ValidKey(creatorID) {
		return "", apperrors.NewValidation("createdBy", "is not a valid user id")
	}

	users := []string{creatorID}
	for _, id := range participantIDs {
		if !remote.ValidKey(id) {
			return "", apperrors.NewValidation("users", fmt.Sprintf("contains invalid user id %q", id))
		}
		if !slices.Contains(users, id) {
			users = append(users, id)
		}
	}
	if len(users) < 2 {
		return "", apperrors.NewValidation("users", "must not be empty")
	}

	now := c.now().UTC()
	chat := models.Chat{
		Users:     users,
		CreatedBy: creatorID,
		CreatedAt: now,
		UpdatedBy: creatorID,
		UpdatedAt: now,
	}
	if group != nil {
		name := strings.TrimSpace(group.ChatName)
		if name == "" {
			return "", apperrors.NewValidation("chatName", "is required for group chats")
		}
		chat.IsGroupChat = true
		chat.ChatName = name
		chat.ChatImage = group.ChatImage
	}

	var chatID string
	err := c.await(ctx, "create_chat", func(ctx context.Context) error {
		key, err := c.deps.Remote.Push(ctx, remote.ChatsCollection, chat)
		chatID = key
		return err
	})
	if err != nil {
		return "", apperrors.NewRemoteWrite("create_chat", remote.ChatsCollection, err)
	}

	for i, uid := range users {
		path := remote.UserChatsPath(uid)
		err := c.await(ctx, "index_chat", func(ctx context.Context) error {
			_, err := c.deps.Remote.Push(ctx, path, chatID)
			return err
		})
		if err != nil {
			// the chat exists but members from i on will not see it
			c.logger.Warn().Err(err).
				Str("chat_id", chatID).
				Strs("indexed", users[:i]).
				Strs("unindexed", users[i:]).
				Msg("chat created but not indexed for every member")
			return chatID, apperrors.NewRemoteWrite("index_chat", path, err)
		}
	}

	c.logger.Info().Str("chat_id", chatID).Int("members", len(users)).Bool("group", chat.IsGroupChat).Msg("chat created")
	return chatID, nil
}

// SendTextMessage shows the message immediately as pending and settles it once
// the remote push returns.
func (c *Coordinator) SendTextMessage(ctx context.Context, chatID, senderID, text, replyTo string) (models.Message, error) {
	if strings.TrimSpace(text) == "" {
		return models.Message{}, apperrors.NewValidation("text", "must not be blank")
	}
	if err := validateSend(chatID, senderID, replyTo); err != nil {
		return models.Message{}, err
	}
	return c.send(ctx, models.Message{ChatID: chatID, SentBy: senderID, Text: text, ReplyTo: replyTo}, text)
}

// SendImageMessage uploads img first. Nothing is shown locally unless the upload
// succeeds.
func (c *Coordinator) SendImageMessage(ctx context.Context, chatID, senderID string, img media.Image, replyTo string) (models.Message, error) {
	if err := validateSend(chatID, senderID, replyTo); err != nil {
		return models.Message{}, err
	}
	if c.deps.Uploader == nil {
		return models.Message{}, apperrors.NewRemoteWrite("upload", "", errors.New("no uploader configured"))
	}

	var url string
	err := c.await(ctx, "upload", func(ctx context.Context) error {
		u, err := c.deps.Uploader.Upload(ctx, senderID, img)
		url = u
		return err
	})
	if err != nil {
		if apperrors.IsValidation(err) {
			return models.Message{}, err
		}
		return models.Message{}, apperrors.NewRemoteWrite("upload", "", err)
	}

	return c.send(ctx, models.Message{ChatID: chatID, SentBy: senderID, ImageURL: url, ReplyTo: replyTo}, imageMessageText)
}

func validateSend(chatID, senderID, replyTo string) error {
	if !remote.ValidKey(chatID) {
		return apperrors.NewValidation("chatId", "is not a valid chat id")
	}
	if !remote.ValidKey(senderID) {
		return apperrors.NewValidation("sentBy", "is not a valid user id")
	}
	if replyTo != "" && !remote.ValidKey(replyTo) {
		return apperrors.NewValidation("replyTo", "is not a valid message id")
	}
	return nil
}

func (c *Coordinator) send(ctx context.Context, msg models.Message, latestText string) (models.Message, error) {
	tempID := TempIDPrefix + uuid.NewString()
	msg.SentAt = c.now().UTC()
	msg.ClientID = tempID

	c.deps.Dispatcher.Dispatch(reducer.OptimisticMessageAdded{TempID: tempID, Message: msg})

	path := remote.MessagesPath(msg.ChatID)
	var messageID string
	err := c.await(ctx, "send_message", func(ctx context.Context) error {
		key, err := c.deps.Remote.Push(ctx, path, msg)
		messageID = key
		return err
	})
	if err != nil {
		c.deps.Dispatcher.Dispatch(reducer.OptimisticMessageFailed{TempID: tempID, Err: err, At: c.now().UTC()})
		c.logger.Warn().Err(err).Str("chat_id", msg.ChatID).Str("temp_id", tempID).Msg("message failed to send")
		return models.Message{}, apperrors.NewRemoteWrite("send_message", path, err)
	}

	c.deps.Dispatcher.Dispatch(reducer.OptimisticMessageConfirmed{TempID: tempID, RealID: messageID})

	// The message itself is stored; a stale chat preview is only worth a warning.
	if err := c.touchChat(ctx, msg.ChatID, msg.SentBy, map[string]any{"latestMessageText": latestText}); err != nil {
		c.logger.Warn().Err(err).Str("chat_id", msg.ChatID).Msg("failed to update chat preview")
	}

	msg.MessageID = messageID
	return msg, nil
}

// postInfo stores a membership notice. Notices are not shown optimistically.
func (c *Coordinator) postInfo(ctx context.Context, chatID, senderID, text string) error {
	msg := models.Message{SentBy: senderID, SentAt: c.now().UTC(), Text: text, Type: models.KindInfo}
	path := remote.MessagesPath(chatID)
	err := c.await(ctx, "send_message", func(ctx context.Context) error {
		_, err := c.deps.Remote.Push(ctx, path, msg)
		return err
	})
	if err != nil {
		return apperrors.NewRemoteWrite("send_message", path, err)
	}
	if err := c.touchChat(ctx, chatID, senderID, map[string]any{"latestMessageText": text}); err != nil {
		c.logger.Warn().Err(err).Str("chat_id", chatID).Msg("failed to update chat preview")
	}
	return nil
}

func (c *Coordinator) touchChat(ctx context.Context, chatID, userID string, fields map[string]any) error {
	fields["updatedAt"] = c.now().UTC()
	fields["updatedBy"] = userID
	path := remote.ChatPath(chatID)
	err := c.await(ctx, "update_chat", func(ctx context.Context) error {
		return c.deps.Remote.Update(ctx, path, fields)
	})
	if err != nil {
		return apperrors.NewRemoteWrite("update_chat", path, err)
	}
	return nil
}

func (c *Coordinator) StarMessage(ctx context.Context, userID, chatID, messageID string) error {
	if err := validateStar(userID, chatID, messageID); err != nil {
		return err
	}
	c.starMu.Lock()
	defer c.starMu.Unlock()

	snap, err := c.settled(ctx)
	if err != nil {
		return err
	}
	return c.star(ctx, snap, userID, chatID, messageID)
}

func (c *Coordinator) UnstarMessage(ctx context.Context, userID, chatID, messageID string) error {
	if err := validateStar(userID, chatID, messageID); err != nil {
		return err
	}
	c.starMu.Lock()
	defer c.starMu.Unlock()

	snap, err := c.settled(ctx)
	if err != nil {
		return err
	}
	return c.unstar(ctx, snap, userID, chatID, messageID)
}

// ToggleStar flips the star on a message and reports whether it is now starred.
func (c *Coordinator) ToggleStar(ctx context.Context, userID, chatID, messageID string) (bool, error) {
	if err := validateStar(userID, chatID, messageID); err != nil {
		return false, err
	}
	c.starMu.Lock()
	defer c.starMu.Unlock()

	snap, err := c.settled(ctx)
	if err != nil {
		return false, err
	}
	if snap.IsStarred(chatID, messageID) {
		if err := c.unstar(ctx, snap, userID, chatID, messageID); err != nil {
			return true, err
		}
		return false, nil
	}
	if err := c.star(ctx, snap, userID, chatID, messageID); err != nil {
		return false, err
	}
	return true, nil
}

// settled returns a snapshot that includes every event dispatched before the call.
func (c *Coordinator) settled(ctx context.Context) (*store.Snapshot, error) {
	if c.deps.Syncer != nil {
		if err := c.deps.Syncer.Sync(ctx); err != nil {
			return nil, fmt.Errorf("failed to sync store: %w", err)
		}
	}
	return c.deps.Store.Snapshot(), nil
}

func (c *Coordinator) star(ctx context.Context, snap *store.Snapshot, userID, chatID, messageID string) error {
	if snap.IsStarred(chatID, messageID) {
		return nil
	}

	star := models.StarredMessage{ChatID: chatID, MessageID: messageID, StarredAt: c.now().UTC()}
	c.deps.Dispatcher.Dispatch(reducer.StarToggled{Star: star, Starred: true})

	path := remote.StarPath(userID, chatID, messageID)
	err := c.await(ctx, "star", func(ctx context.Context) error {
		return c.deps.Remote.Write(ctx, path, star)
	})
	if err != nil {
		c.deps.Dispatcher.Dispatch(reducer.StarToggled{Star: star, Starred: false})
		return apperrors.NewRemoteWrite("star", path, err)
	}
	return nil
}

func (c *Coordinator) unstar(ctx context.Context, snap *store.Snapshot, userID, chatID, messageID string) error {
	star, ok := snap.StarredMessage(chatID, messageID)
	if !ok {
		return nil
	}

	c.deps.Dispatcher.Dispatch(reducer.StarToggled{Star: star, Starred: false})

	path := remote.StarPath(userID, chatID, messageID)
	err := c.await(ctx, "unstar", func(ctx context.Context) error {
		return c.deps.Remote.Remove(ctx, path)
	})
	if err != nil {
		c.deps.Dispatcher.Dispatch(reducer.StarToggled{Star: star, Starred: true})
		return apperrors.NewRemoteWrite("unstar", path, err)
	}
	return nil
}

func validateStar(userID, chatID, messageID string) error {
	switch {
	case !remote.ValidKey(userID):
		return apperrors.NewValidation("userId", "is not a valid user id")
	case !remote.ValidKey(chatID):
		return apperrors.NewValidation("chatId", "is not a valid chat id")
	case !remote.ValidKey(messageID) || strings.HasPrefix(messageID, TempIDPrefix):
		return apperrors.NewValidation("messageId", "is not a valid message id")
	}
	return nil
}

func (c *Coordinator) UpdateChatData(ctx context.Context, chatID, userID string, update ChatUpdate) error {
	if !remote.ValidKey(chatID) {
		return apperrors.NewValidation("chatId", "is not a valid chat id")
	}
	fields := map[string]any{}
	if update.ChatName != nil {
		name := strings.TrimSpace(*update.ChatName)
		if name == "" {
			return apperrors.NewValidation("chatName", "must not be blank")
		}
		fields["chatName"] = name
	}
	if update.ChatImage != nil {
		fields["chatImage"] = *update.ChatImage
	}
	if len(fields) == 0 {
		return apperrors.NewValidation("chat", "nothing to update")
	}
	return c.touchChat(ctx, chatID, userID, fields)
}

// AddUsersToChat appends users that are not members yet and posts a notice.
// Unknown users and users already in the chat are skipped.
func (c *Coordinator) AddUsersToChat(ctx context.Context, actorID, chatID string, userIDs []string) error {
	chat, err := c.loadChat(ctx, chatID)
	if err != nil {
		return err
	}
	actor, err := c.loadUser(ctx, actorID)
	if err != nil {
		return err
	}

	var added []models.User
	for _, id := range userIDs {
		if id == actorID || chat.HasMember(id) || slices.ContainsFunc(added, func(u models.User) bool { return u.UserID == id }) {
			continue
		}
		u, err := c.loadUser(ctx, id)
		if err != nil {
			c.logger.Debug().Err(err).Str("user_id", id).Msg("skipping unknown user")
			continue
		}
		added = append(added, u)
	}
	if len(added) == 0 {
		return nil
	}

	users := slices.Clone(chat.Users)
	for _, u := range added {
		users = append(users, u.UserID)
		path := remote.UserChatsPath(u.UserID)
		err := c.await(ctx, "index_chat", func(ctx context.Context) error {
			_, err := c.deps.Remote.Push(ctx, path, chatID)
			return err
		})
		if err != nil {
			return apperrors.NewRemoteWrite("index_chat", path, err)
		}
	}
	if err := c.touchChat(ctx, chatID, actorID, map[string]any{"users": users}); err != nil {
		return err
	}

	last := added[len(added)-1]
	more := ""
	if len(added) > 1 {
		more = fmt.Sprintf("and %d others ", len(added)-1)
	}
	return c.postInfo(ctx, chatID, actorID, fmt.Sprintf("%s added %s %sto the chat", actor.FullName(), last.FullName(), more))
}

// RemoveUserFromChat drops userID from the chat and from that user's chat
// index. Removing yourself is leaving.
func (c *Coordinator) RemoveUserFromChat(ctx context.Context, actorID, chatID, userID string) error {
	chat, err := c.loadChat(ctx, chatID)
	if err != nil {
		return err
	}
	if !chat.HasMember(userID) {
		return nil
	}
	users := slices.DeleteFunc(slices.Clone(chat.Users), func(id string) bool { return id == userID })
	if len(users) == 0 {
		return apperrors.NewValidation("users", "a chat must keep at least one member")
	}

	actor, err := c.loadUser(ctx, actorID)
	if err != nil {
		return err
	}
	if err := c.touchChat(ctx, chatID, actorID, map[string]any{"users": users}); err != nil {
		return err
	}

	indexPath := remote.UserChatsPath(userID)
	var index any
	err = c.await(ctx, "read_index", func(ctx context.Context) error {
		v, err := c.deps.Remote.ReadOnce(ctx, indexPath)
		index = v
		return err
	})
	if err != nil {
		return apperrors.NewRemoteWrite("read_index", indexPath, err)
	}
	if m, ok := index.(map[string]any); ok {
		for _, key := range remote.Children(m) {
			if id, _ := m[key].(string); id != chatID {
				continue
			}
			path := indexPath + "/" + key
			err := c.await(ctx, "unindex_chat", func(ctx context.Context) error {
				return c.deps.Remote.Remove(ctx, path)
			})
			if err != nil {
				return apperrors.NewRemoteWrite("unindex_chat", path, err)
			}
			break
		}
	}

	text := fmt.Sprintf("%s left the chat", actor.FirstName)
	if userID != actorID {
		removed, err := c.loadUser(ctx, userID)
		name := userID
		if err == nil {
			name = removed.FirstName
		}
		text = fmt.Sprintf("%s removed %s from the chat", actor.FirstName, name)
	}
	return c.postInfo(ctx, chatID, actorID, text)
}

// UpdateSignedInUserData writes profile changes, keeping the search key in step
// with the name, and refreshes the local copy of the user.
func (c *Coordinator) UpdateSignedInUserData(ctx context.Context, userID string, update ProfileUpdate) (models.User, error) {
	if !remote.ValidKey(userID) {
		return models.User{}, apperrors.NewValidation("userId", "is not a valid user id")
	}
	fields := map[string]any{}
	for name, v := range map[string]*string{"firstName": update.FirstName, "lastName": update.LastName} {
		if v == nil {
			continue
		}
		if strings.TrimSpace(*v) == "" {
			return models.User{}, apperrors.NewValidation(name, "must not be blank")
		}
		fields[name] = strings.TrimSpace(*v)
	}
	if update.About != nil {
		fields["about"] = *update.About
	}
	if update.ProfilePicture != nil {
		fields["profilePicture"] = *update.ProfilePicture
	}
	if len(fields) == 0 {
		return models.User{}, apperrors.NewValidation("user", "nothing to update")
	}

	if update.FirstName != nil || update.LastName != nil {
		current, err := c.loadUser(ctx, userID)
		if err != nil {
			return models.User{}, err
		}
		first, last := current.FirstName, current.LastName
		if update.FirstName != nil {
			first = fields["firstName"].(string)
		}
		if update.LastName != nil {
			last = fields["lastName"].(string)
		}
		fields["firstLast"] = models.SearchKey(first, last)
	}

	path := remote.UserPath(userID)
	err := c.await(ctx, "update_user", func(ctx context.Context) error {
		return c.deps.Remote.Update(ctx, path, fields)
	})
	if err != nil {
		return models.User{}, apperrors.NewRemoteWrite("update_user", path, err)
	}

	user, err := c.readUser(ctx, userID)
	if err != nil {
		return models.User{}, err
	}
	c.deps.Dispatcher.Dispatch(reducer.UserFetched{User: user})
	return user, nil
}

// SearchUsers returns users whose search key starts with query, ordered by it.
func (c *Coordinator) SearchUsers(ctx context.Context, query string) ([]models.User, error) {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return []models.User{}, nil
	}

	v, err := c.deps.Remote.ReadOnce(ctx, remote.UsersCollection)
	if err != nil {
		return nil, fmt.Errorf("failed to read users: %w", err)
	}
	all, _ := v.(map[string]any)

	results := []models.User{}
	for _, id := range remote.Children(all) {
		var u models.User
		if err := remote.Decode(all[id], &u); err != nil {
			continue
		}
		u.UserID = id
		key := u.FirstLast
		if key == "" {
			key = models.SearchKey(u.FirstName, u.LastName)
		}
		if strings.HasPrefix(key, query) {
			u.PushTokens = nil
			results = append(results, u)
		}
	}
	slices.SortStableFunc(results, func(a, b models.User) int {
		return strings.Compare(models.SearchKey(a.FirstName, a.LastName), models.SearchKey(b.FirstName, b.LastName))
	})
	return results, nil
}

// DismissFailure clears the failure marker left by a failed send.
func (c *Coordinator) DismissFailure(tempID string) {
	c.deps.Dispatcher.Dispatch(reducer.FailureDismissed{TempID: tempID})
}

func (c *Coordinator) loadChat(ctx context.Context, chatID string) (models.Chat, error) {
	if !remote.ValidKey(chatID) {
		return models.Chat{}, apperrors.NewValidation("chatId", "is not a valid chat id")
	}
	if chat, ok := c.deps.Store.GetChat(chatID); ok {
		return chat, nil
	}
	v, err := c.deps.Remote.ReadOnce(ctx, remote.ChatPath(chatID))
	if err != nil {
		return models.Chat{}, fmt.Errorf("failed to read chat: %w", err)
	}
	if v == nil {
		return models.Chat{}, apperrors.NewValidation("chatId", "does not exist")
	}
	var chat models.Chat
	if err := remote.Decode(v, &chat); err != nil {
		return models.Chat{}, err
	}
	chat.ChatID = chatID
	return chat, nil
}

func (c *Coordinator) loadUser(ctx context.Context, userID string) (models.User, error) {
	if !remote.ValidKey(userID) {
		return models.User{}, apperrors.NewValidation("userId", "is not a valid user id")
	}
	if u, ok := c.deps.Store.GetUser(userID); ok {
		return u, nil
	}
	u, err := c.readUser(ctx, userID)
	if err != nil {
		return models.User{}, err
	}
	if u.FirstName == "" && u.LastName == "" && u.Email == "" {
		return models.User{}, apperrors.NewValidation("userId", "does not exist")
	}
	return u, nil
}

func (c *Coordinator) readUser(ctx context.Context, userID string) (models.User, error) {
	v, err := c.deps.Remote.ReadOnce(ctx, remote.UserPath(userID))
	if err != nil {
		return models.User{}, fmt.Errorf("failed to read user: %w", err)
	}
	user := models.User{}
	if v != nil {
		if err := remote.Decode(v, &user); err != nil {
			return models.User{}, err
		}
	}
	user.UserID = userID
	return user, nil
}

// await runs fn under the write timeout. When the timeout wins, fn keeps running
// in the background and its result is discarded.
func (c *Coordinator) await(ctx context.Context, op string, fn func(context.Context) error) error {
	start := time.Now()
	if c.deps.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.deps.WriteTimeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	result := "ok"
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		result = "timeout"
	case err != nil:
		result = "error"
	}
	metrics.Writes.WithLabelValues(op, result).Inc()
	metrics.WriteLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	return err
}
