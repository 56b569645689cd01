package models

import (
	"fmt"
	"strings"
	"time"
)

type User struct {
	UserID         string            `json:"userId"`
	FirstName      string            `json:"firstName"`
	LastName       string            `json:"lastName"`
	FirstLast      string            `json:"firstLast,omitempty"`
	Email          string            `json:"email"`
	About          string            `json:"about,omitempty"`
	ProfilePicture string            `json:"profilePicture,omitempty"`
	PushTokens     map[string]string `json:"pushTokens,omitempty"`
	SignUpDate     string            `json:"signUpDate,omitempty"`
}

// FullName returns "First Last" trimmed of missing parts.
func (u User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// SearchKey builds the lowercase firstLast field stored with every user.
func SearchKey(firstName, lastName string) string {
	return strings.ToLower(strings.TrimSpace(firstName + " " + lastName))
}

type Chat struct {
	ChatID            string    `json:"-"`
	IsGroupChat       bool      `json:"isGroupChat"`
	ChatName          string    `json:"chatName,omitempty"`
	ChatImage         string    `json:"chatImage,omitempty"`
	Users             []string  `json:"users"`
	LatestMessageText string    `json:"latestMessageText,omitempty"`
	CreatedBy         string    `json:"createdBy,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedBy         string    `json:"updatedBy,omitempty"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// HasMember reports whether userID is one of the chat's users.
func (c Chat) HasMember(userID string) bool {
	for _, id := range c.Users {
		if id == userID {
			return true
		}
	}
	return false
}

type MessageKind string

const (
	KindNormal MessageKind = "normal"
	KindSystem MessageKind = "system"
	KindError  MessageKind = "error"
	KindInfo   MessageKind = "info"
	KindReply  MessageKind = "reply"
)

// ParseMessageKind maps the stored "type" field to a kind. An empty string is a
// normal message; the remote store never persists system, error or reply.
func ParseMessageKind(s string) (MessageKind, error) {
	switch MessageKind(s) {
	case "", KindNormal:
		return KindNormal, nil
	case KindInfo:
		return KindInfo, nil
	case KindSystem, KindError, KindReply:
		return "", fmt.Errorf("message kind %q is local only", s)
	default:
		return "", fmt.Errorf("unknown message kind %q", s)
	}
}

// Persisted reports whether messages of this kind are written to the remote store.
func (k MessageKind) Persisted() bool {
	switch k {
	case KindNormal, KindInfo:
		return true
	case KindSystem, KindError, KindReply:
		return false
	default:
		return false
	}
}

type Message struct {
	MessageID string      `json:"-"`
	ChatID    string      `json:"-"`
	SentBy    string      `json:"sentBy"`
	SentAt    time.Time   `json:"sentAt"`
	Text      string      `json:"text,omitempty"`
	ImageURL  string      `json:"imageUrl,omitempty"`
	Type      MessageKind `json:"type,omitempty"`
	ReplyTo   string      `json:"replyTo,omitempty"`
	ClientID  string      `json:"clientId,omitempty"`

	// Local-only optimistic state.
	TempID  string `json:"-"`
	Pending bool   `json:"-"`
}

// Key returns the id the message is addressed by locally: the remote id once
// assigned, the tempId while pending.
func (m Message) Key() string {
	if m.MessageID != "" {
		return m.MessageID
	}
	return m.TempID
}

// DisplayKind is the kind a UI renders the message as.
func (m Message) DisplayKind() MessageKind {
	switch m.Type {
	case KindInfo, KindSystem, KindError:
		return m.Type
	case "", KindNormal, KindReply:
		if m.ReplyTo != "" {
			return KindReply
		}
		return KindNormal
	default:
		return KindNormal
	}
}

type StarKey struct {
	ChatID    string
	MessageID string
}

type StarredMessage struct {
	ChatID    string    `json:"chatId"`
	MessageID string    `json:"messageId"`
	StarredAt time.Time `json:"starredAt"`
}

func (s StarredMessage) Key() StarKey {
	return StarKey{ChatID: s.ChatID, MessageID: s.MessageID}
}

// SessionRecord is the credential blob persisted locally between runs.
type SessionRecord struct {
	Token      string `json:"token"`
	UserID     string `json:"userId"`
	ExpiryDate string `json:"expiryDate"`
}

// Expiry parses ExpiryDate as ISO-8601.
func (r SessionRecord) Expiry() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, r.ExpiryDate)
}

// Credentials are returned by the auth provider on sign-up and sign-in.
type Credentials struct {
	UID    string    `json:"uid"`
	Token  string    `json:"token"`
	Expiry time.Time `json:"expiry"`
}
