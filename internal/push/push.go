package push

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/4xmen/chatsync/internal/remote"
)

// Registry keeps this device's notification token in the signed-in user's
// pushTokens map. Delivery itself is done by the hosted platform.
type Registry struct {
	store  remote.Store
	token  string
	logger zerolog.Logger
}

// NewRegistry creates a token registry. Returns nil if the device has no token;
// all methods are no-ops on a nil Registry.
func NewRegistry(store remote.Store, deviceToken string, logger zerolog.Logger) *Registry {
	if deviceToken == "" {
		return nil
	}
	return &Registry{
		store:  store,
		token:  deviceToken,
		logger: logger.With().Str("component", "push").Logger(),
	}
}

// Token returns the device token, or "" on a nil Registry.
func (r *Registry) Token() string {
	if r == nil {
		return ""
	}
	return r.token
}

// Register adds the device token to the user's tokens unless it is already there.
// The stored map is rewritten with keys 0..n-1.
func (r *Registry) Register(ctx context.Context, userID string) error {
	if r == nil {
		return nil
	}
	path := remote.UserPushTokensPath(userID)

	current, err := r.read(ctx, path)
	if err != nil {
		return err
	}

	tokens := make([]string, 0, len(current)+1)
	for _, t := range current {
		if t.value == r.token {
			r.logger.Debug().Str("user_id", userID).Msg("push token already registered")
			return nil
		}
		tokens = appendUnique(tokens, t.value)
	}
	tokens = append(tokens, r.token)

	rewritten := make(map[string]any, len(tokens))
	for i, t := range tokens {
		rewritten[strconv.Itoa(i)] = t
	}
	if err := r.store.Write(ctx, path, rewritten); err != nil {
		return fmt.Errorf("failed to register push token: %w", err)
	}
	r.logger.Info().Str("user_id", userID).Int("tokens", len(tokens)).Msg("push token registered")
	return nil
}

// Unregister removes every entry holding the device token.
func (r *Registry) Unregister(ctx context.Context, userID string) error {
	if r == nil {
		return nil
	}
	path := remote.UserPushTokensPath(userID)

	current, err := r.read(ctx, path)
	if err != nil {
		return err
	}
	for _, t := range current {
		if t.value != r.token {
			continue
		}
		if err := r.store.Remove(ctx, path+"/"+t.key); err != nil {
			return fmt.Errorf("failed to remove push token: %w", err)
		}
	}
	return nil
}

type storedToken struct {
	key   string
	value string
}

// read returns the stored tokens in key order.
func (r *Registry) read(ctx context.Context, path string) ([]storedToken, error) {
	v, err := r.store.ReadOnce(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read push tokens: %w", err)
	}
	m, _ := v.(map[string]any)
	var out []storedToken
	for _, k := range remote.Children(v) {
		s, ok := m[k].(string)
		if !ok || s == "" {
			continue
		}
		out = append(out, storedToken{key: k, value: s})
	}
	return out, nil
}

func appendUnique(list []string, s string) []string {
	for _, existing := range list {
		if existing == s {
			return list
		}
	}
	return append(list, s)
}
