// Package remote defines the realtime document store the sync core talks to and
// the path layout it uses.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	ErrInvalidPath = errors.New("invalid path")
	ErrClosed      = errors.New("remote store closed")
)

// ChangeFunc receives the full value at a subscribed path each time it changes.
// A nil value means nothing is stored there. A non-nil err ends the subscription.
type ChangeFunc func(value any, err error)

type Handle uint64

// Store is the remote realtime document store. Values are JSON-shaped: maps with
// string keys, slices, strings, float64, bool and nil.
type Store interface {
	Subscribe(path string, onChange ChangeFunc) (Handle, error)
	Unsubscribe(h Handle)
	ReadOnce(ctx context.Context, path string) (any, error)
	Write(ctx context.Context, path string, value any) error
	// Update merges partial into the value at path. Keys may be relative paths.
	Update(ctx context.Context, path string, partial map[string]any) error
	// Push stores value under a new time-ordered key and returns the key.
	Push(ctx context.Context, path string, value any) (string, error)
	Remove(ctx context.Context, path string) error
}

func UserPath(userID string) string           { return "users/" + userID }
func UserPushTokensPath(userID string) string { return "users/" + userID + "/pushTokens" }
func UserChatsPath(userID string) string      { return "userChats/" + userID }
func ChatPath(chatID string) string           { return "chats/" + chatID }
func MessagesPath(chatID string) string       { return "messages/" + chatID }
func MessagePath(chatID, messageID string) string {
	return "messages/" + chatID + "/" + messageID
}
func StarredPath(userID string) string { return "userStarredMessages/" + userID }
func StarPath(userID, chatID, messageID string) string {
	return "userStarredMessages/" + userID + "/" + chatID + "/" + messageID
}

const (
	UsersCollection = "users"
	ChatsCollection = "chats"
)

// ValidKey reports whether s can be used as a single path segment.
func ValidKey(s string) bool {
	return s != "" && !strings.ContainsAny(s, ".#$[]/")
}

// Split validates a slash separated path and returns its segments.
func Split(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	segs := strings.Split(path, "/")
	for _, s := range segs {
		if !ValidKey(s) {
			return nil, fmt.Errorf("%w: bad segment %q in %q", ErrInvalidPath, s, path)
		}
	}
	return segs, nil
}

// Encode converts v to its JSON-shaped form.
func Encode(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}
	return out, nil
}

// Decode fills out from a JSON-shaped value.
func Decode(value any, out any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to decode value: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode value: %w", err)
	}
	return nil
}

// Children returns the keys of a map value in ascending order. Push keys sort in
// creation order.
func Children(value any) []string {
	m, ok := value.(map[string]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
