package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/4xmen/chatsync/internal/coordinator"
	"github.com/4xmen/chatsync/internal/media"
	"github.com/4xmen/chatsync/internal/models"
	"github.com/4xmen/chatsync/internal/store"
	"github.com/4xmen/chatsync/internal/subscription"
)

// Syncer waits until every event queued so far has reached the store.
type Syncer interface {
	Sync(ctx context.Context) error
}

type ChatHandler struct {
	coord    *coordinator.Coordinator
	store    *store.Store
	syncer   Syncer
	subs     *subscription.Manager
	uploader *media.Uploader
	logger   zerolog.Logger
}

func NewChatHandler(coord *coordinator.Coordinator, st *store.Store, syncer Syncer, subs *subscription.Manager, uploader *media.Uploader, logger zerolog.Logger) *ChatHandler {
	return &ChatHandler{
		coord:    coord,
		store:    st,
		syncer:   syncer,
		subs:     subs,
		uploader: uploader,
		logger:   logger.With().Str("component", "handlers").Logger(),
	}
}

type ChatView struct {
	ChatID            string        `json:"chat_id"`
	IsGroupChat       bool          `json:"is_group_chat"`
	Title             string        `json:"title"`
	ChatImage         string        `json:"chat_image,omitempty"`
	Users             []models.User `json:"users"`
	LatestMessageText string        `json:"latest_message_text,omitempty"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

type ReplyView struct {
	MessageID string `json:"message_id"`
	Found     bool   `json:"found"`
	Text      string `json:"text,omitempty"`
	ImageURL  string `json:"image_url,omitempty"`
	SentBy    string `json:"sent_by,omitempty"`
}

type MessageView struct {
	ID         string     `json:"id"`
	TempID     string     `json:"temp_id,omitempty"`
	ChatID     string     `json:"chat_id"`
	Kind       string     `json:"kind"`
	SentBy     string     `json:"sent_by"`
	SenderName string     `json:"sender_name,omitempty"`
	SentAt     time.Time  `json:"sent_at"`
	Text       string     `json:"text,omitempty"`
	ImageURL   string     `json:"image_url,omitempty"`
	ReplyTo    *ReplyView `json:"reply_to,omitempty"`
	Pending    bool       `json:"pending"`
	Starred    bool       `json:"starred"`
}

// StaleHeader is set when a response was built before queued events reached
// the store.
const StaleHeader = "X-Store-Stale"

// snapshot returns the store after pending events are applied, so a client
// reads its own writes. If that wait fails the current snapshot is served and
// marked stale.
func (h *ChatHandler) snapshot(c *gin.Context) *store.Snapshot {
	if h.syncer != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()
		if err := h.syncer.Sync(ctx); err != nil {
			c.Header(StaleHeader, "true")
			h.logger.Warn().Err(err).Str("path", c.Request.URL.Path).Msg("failed to sync store before read")
		}
	}
	return h.store.Snapshot()
}

func chatView(snap *store.Snapshot, chat models.Chat, viewerID string) ChatView {
	view := ChatView{
		ChatID:            chat.ChatID,
		IsGroupChat:       chat.IsGroupChat,
		Title:             chat.ChatName,
		ChatImage:         chat.ChatImage,
		Users:             []models.User{},
		LatestMessageText: chat.LatestMessageText,
		UpdatedAt:         chat.UpdatedAt,
	}
	for _, id := range chat.Users {
		u, ok := snap.User(id)
		if !ok {
			u = models.User{UserID: id}
		}
		u.PushTokens = nil
		view.Users = append(view.Users, u)
		// a one-to-one chat is titled after the other member
		if !chat.IsGroupChat && id != viewerID && view.Title == "" {
			view.Title = u.FullName()
			if view.ChatImage == "" {
				view.ChatImage = u.ProfilePicture
			}
		}
	}
	return view
}

func messageView(snap *store.Snapshot, m models.Message) MessageView {
	view := MessageView{
		ID:       m.Key(),
		TempID:   m.TempID,
		ChatID:   m.ChatID,
		SentBy:   m.SentBy,
		SentAt:   m.SentAt,
		Text:     m.Text,
		ImageURL: m.ImageURL,
		Pending:  m.Pending,
	}
	if u, ok := snap.User(m.SentBy); ok {
		view.SenderName = u.FullName()
	}
	if m.MessageID != "" {
		view.Starred = snap.IsStarred(m.ChatID, m.MessageID)
	}

	switch kind := m.DisplayKind(); kind {
	case models.KindReply:
		view.Kind = string(kind)
		reply := &ReplyView{MessageID: m.ReplyTo}
		if target, ok := snap.ResolveReply(m.ChatID, m.ReplyTo); ok {
			reply.Found = true
			reply.Text = target.Text
			reply.ImageURL = target.ImageURL
			reply.SentBy = target.SentBy
		}
		view.ReplyTo = reply
	case models.KindNormal, models.KindInfo, models.KindSystem, models.KindError:
		view.Kind = string(kind)
	}
	return view
}

// member returns the chat when the current user belongs to it.
func (h *ChatHandler) member(c *gin.Context, snap *store.Snapshot) (models.Chat, bool) {
	chat, ok := snap.Chat(c.Param("id"))
	if !ok {
		abortWithError(c, http.StatusNotFound, "chat not found")
		return models.Chat{}, false
	}
	if !chat.HasMember(c.GetString("user_id")) {
		abortWithError(c, http.StatusForbidden, "not a member of this chat")
		return models.Chat{}, false
	}
	return chat, true
}

// ListChats returns the chat list ordered by last update
func (h *ChatHandler) ListChats(c *gin.Context) {
	userID := c.GetString("user_id")
	snap := h.snapshot(c)

	chats, state := snap.ChatList()
	views := make([]ChatView, 0, len(chats))
	for _, chat := range chats {
		views = append(views, chatView(snap, chat, userID))
	}

	c.JSON(http.StatusOK, gin.H{"state": state.String(), "chats": views})
}

type CreateChatRequest struct {
	ParticipantIDs []string `json:"participant_ids"`
	GroupName      *string  `json:"group_name"`
	GroupImage     string   `json:"group_image"`
}

func (h *ChatHandler) CreateChat(c *gin.Context) {
	var req CreateChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid request")
		return
	}

	var group *coordinator.GroupFields
	if req.GroupName != nil {
		group = &coordinator.GroupFields{ChatName: *req.GroupName, ChatImage: req.GroupImage}
	}

	chatID, err := h.coord.CreateChat(c.Request.Context(), c.GetString("user_id"), req.ParticipantIDs, group)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"chat_id": chatID})
}

// GetChat returns chat metadata, its messages and send failures
func (h *ChatHandler) GetChat(c *gin.Context) {
	snap := h.snapshot(c)
	chat, ok := h.member(c, snap)
	if !ok {
		return
	}

	messages := []MessageView{}
	for _, m := range snap.Messages(chat.ChatID) {
		messages = append(messages, messageView(snap, m))
	}
	failures := []store.SendFailure{}
	for _, f := range snap.Failures() {
		if f.ChatID == chat.ChatID {
			failures = append(failures, f)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"chat":     chatView(snap, chat, c.GetString("user_id")),
		"messages": messages,
		"failures": failures,
	})
}

type UpdateChatRequest struct {
	ChatName  *string `json:"chat_name"`
	ChatImage *string `json:"chat_image"`
}

func (h *ChatHandler) UpdateChat(c *gin.Context) {
	var req UpdateChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid request")
		return
	}
	chat, ok := h.member(c, h.snapshot(c))
	if !ok {
		return
	}

	update := coordinator.ChatUpdate{ChatName: req.ChatName, ChatImage: req.ChatImage}
	if err := h.coord.UpdateChatData(c.Request.Context(), chat.ChatID, c.GetString("user_id"), update); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type AddUsersRequest struct {
	UserIDs []string `json:"user_ids" binding:"required"`
}

func (h *ChatHandler) AddUsers(c *gin.Context) {
	var req AddUsersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid request")
		return
	}
	chat, ok := h.member(c, h.snapshot(c))
	if !ok {
		return
	}

	if err := h.coord.AddUsersToChat(c.Request.Context(), c.GetString("user_id"), chat.ChatID, req.UserIDs); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RemoveUser removes a member; removing yourself leaves the chat
func (h *ChatHandler) RemoveUser(c *gin.Context) {
	chat, ok := h.member(c, h.snapshot(c))
	if !ok {
		return
	}

	if err := h.coord.RemoveUserFromChat(c.Request.Context(), c.GetString("user_id"), chat.ChatID, c.Param("userId")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type SendMessageRequest struct {
	Text    string `json:"text"`
	ReplyTo string `json:"reply_to"`
}

func (h *ChatHandler) SendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid request")
		return
	}
	chat, ok := h.member(c, h.snapshot(c))
	if !ok {
		return
	}

	msg, err := h.coord.SendTextMessage(c.Request.Context(), chat.ChatID, c.GetString("user_id"), req.Text, req.ReplyTo)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, messageView(h.store.Snapshot(), msg))
}

// SendImage uploads the multipart "file" and posts it as an image message
func (h *ChatHandler) SendImage(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		abortWithError(c, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	chat, ok := h.member(c, h.snapshot(c))
	if !ok {
		return
	}

	img := media.Image{
		FileName:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        file,
	}
	msg, err := h.coord.SendImageMessage(c.Request.Context(), chat.ChatID, c.GetString("user_id"), img, c.PostForm("reply_to"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, messageView(h.store.Snapshot(), msg))
}

// ToggleStar stars or unstars a message for the current user
func (h *ChatHandler) ToggleStar(c *gin.Context) {
	chat, ok := h.member(c, h.snapshot(c))
	if !ok {
		return
	}

	starred, err := h.coord.ToggleStar(c.Request.Context(), c.GetString("user_id"), chat.ChatID, c.Param("messageId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"starred": starred})
}

// Starred lists starred messages in the order they were starred, with their
// content when it is loaded
func (h *ChatHandler) Starred(c *gin.Context) {
	snap := h.snapshot(c)

	type starredView struct {
		models.StarredMessage
		Message *MessageView `json:"message,omitempty"`
	}
	views := []starredView{}
	for _, star := range snap.Starred() {
		view := starredView{StarredMessage: star}
		if m, ok := snap.ResolveReply(star.ChatID, star.MessageID); ok {
			mv := messageView(snap, m)
			view.Message = &mv
		}
		views = append(views, view)
	}
	c.JSON(http.StatusOK, gin.H{"starred": views})
}

func (h *ChatHandler) DismissFailure(c *gin.Context) {
	h.coord.DismissFailure(c.Param("tempId"))
	c.Status(http.StatusNoContent)
}

func (h *ChatHandler) SearchUsers(c *gin.Context) {
	users, err := h.coord.SearchUsers(c.Request.Context(), c.Query("q"))
	if err != nil {
		c.Error(err)
		abortWithError(c, http.StatusInternalServerError, "failed to search users")
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

func (h *ChatHandler) GetMyProfile(c *gin.Context) {
	snap := h.snapshot(c)
	user, ok := snap.User(c.GetString("user_id"))
	if !ok {
		abortWithError(c, http.StatusNotFound, "not found")
		return
	}
	user.PushTokens = nil
	c.JSON(http.StatusOK, user)
}

type UpdateProfileRequest struct {
	FirstName      *string `json:"first_name"`
	LastName       *string `json:"last_name"`
	About          *string `json:"about"`
	ProfilePicture *string `json:"profile_picture"`
}

func (h *ChatHandler) UpdateProfile(c *gin.Context) {
	var req UpdateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid request")
		return
	}

	user, err := h.coord.UpdateSignedInUserData(c.Request.Context(), c.GetString("user_id"), coordinator.ProfileUpdate{
		FirstName:      req.FirstName,
		LastName:       req.LastName,
		About:          req.About,
		ProfilePicture: req.ProfilePicture,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	user.PushTokens = nil
	c.JSON(http.StatusOK, user)
}

// Subscriptions reports the state of every live subscription
func (h *ChatHandler) Subscriptions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"subscriptions": h.subs.States()})
}

// RetrySubscriptions re-subscribes everything that failed
func (h *ChatHandler) RetrySubscriptions(c *gin.Context) {
	n := h.subs.Retry(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"retried": n})
}

// ServeFile serves an uploaded image
func (h *ChatHandler) ServeFile(c *gin.Context) {
	path, contentType, err := h.uploader.Path(c.Request.Context(), c.Param("name"))
	if errors.Is(err, media.ErrNotFound) {
		abortWithError(c, http.StatusNotFound, "file not found")
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	if contentType != "" {
		c.Header("Content-Type", contentType)
	}
	c.Header("Cache-Control", "public, max-age=31536000, immutable")
	c.File(path)
}
