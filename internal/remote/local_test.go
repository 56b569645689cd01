package remote

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	values []any
	errs   []error
	signal chan struct{}
}

func newRecorder() *recorder {
	return &recorder{signal: make(chan struct{}, 100)}
}

func (r *recorder) onChange(v any, err error) {
	r.mu.Lock()
	if err != nil {
		r.errs = append(r.errs, err)
	} else {
		r.values = append(r.values, v)
	}
	r.mu.Unlock()
	r.signal <- struct{}{}
}

func (r *recorder) waitFor(t *testing.T, n int) []any {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		r.mu.Lock()
		got := len(r.values) + len(r.errs)
		values := append([]any(nil), r.values...)
		r.mu.Unlock()
		if got >= n {
			return values
		}
		select {
		case <-r.signal:
		case <-deadline:
			t.Fatalf("timed out waiting for %d deliveries, got %d", n, got)
		}
	}
}

func TestSplitRejectsBadSegments(t *testing.T) {
	tests := []struct {
		path  string
		valid bool
	}{
		{"users/u1", true},
		{"userStarredMessages/u1/c1/m1", true},
		{"", false},
		{"users//u1", false},
		{"users/u1/", false},
		{"users/u.1", false},
		{"users/u#1", false},
		{"users/$u", false},
		{"users/[u]", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			_, err := Split(tt.path)
			if tt.valid {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, ErrInvalidPath)
			}
		})
	}
}

func TestSubscribeDeliversCurrentValueThenChanges(t *testing.T) {
	s := NewLocalStore(zerolog.Nop())
	ctx := context.Background()
	require.NoError(t, s.Write(ctx, "users/u1", map[string]any{"firstName": "Ada"}))

	rec := newRecorder()
	_, err := s.Subscribe("users/u1", rec.onChange)
	require.NoError(t, err)

	require.NoError(t, s.Update(ctx, "users/u1", map[string]any{"lastName": "Lovelace"}))
	values := rec.waitFor(t, 2)

	require.Equal(t, map[string]any{"firstName": "Ada"}, values[0])
	require.Equal(t, map[string]any{"firstName": "Ada", "lastName": "Lovelace"}, values[1])
}

func TestSubscribeMissingPathDeliversNil(t *testing.T) {
	s := NewLocalStore(zerolog.Nop())
	rec := newRecorder()
	_, err := s.Subscribe("userChats/u1", rec.onChange)
	require.NoError(t, err)

	values := rec.waitFor(t, 1)
	require.Nil(t, values[0])
}

func TestUnchangedValueIsNotRedelivered(t *testing.T) {
	s := NewLocalStore(zerolog.Nop())
	ctx := context.Background()
	rec := newRecorder()
	_, err := s.Subscribe("chats/c1", rec.onChange)
	require.NoError(t, err)

	require.NoError(t, s.Write(ctx, "chats/c1", map[string]any{"chatName": "x"}))
	require.NoError(t, s.Write(ctx, "chats/c1", map[string]any{"chatName": "x"}))
	require.NoError(t, s.Write(ctx, "chats/c2", map[string]any{"chatName": "y"}))
	require.NoError(t, s.Write(ctx, "chats/c1", map[string]any{"chatName": "z"}))

	values := rec.waitFor(t, 3)
	time.Sleep(20 * time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.values, 3)
	require.Equal(t, map[string]any{"chatName": "z"}, values[2])
}

func TestDescendantWriteNotifiesAncestor(t *testing.T) {
	s := NewLocalStore(zerolog.Nop())
	ctx := context.Background()
	rec := newRecorder()
	_, err := s.Subscribe("messages/c1", rec.onChange)
	require.NoError(t, err)

	key, err := s.Push(ctx, "messages/c1", map[string]any{"text": "hi"})
	require.NoError(t, err)

	values := rec.waitFor(t, 2)
	require.Equal(t, map[string]any{key: map[string]any{"text": "hi"}}, values[1])
}

func TestPushKeysAreOrdered(t *testing.T) {
	s := NewLocalStore(zerolog.Nop())
	ctx := context.Background()

	var keys []string
	for i := 0; i < 20; i++ {
		k, err := s.Push(ctx, "messages/c1", map[string]any{"n": i})
		require.NoError(t, err)
		keys = append(keys, k)
	}

	v, err := s.ReadOnce(ctx, "messages/c1")
	require.NoError(t, err)
	require.Equal(t, keys, Children(v))
}

func TestMultiPathUpdate(t *testing.T) {
	s := NewLocalStore(zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, "", map[string]any{
		"userChats/u1/k1": "c1",
		"userChats/u2/k1": "c1",
	}))

	v, err := s.ReadOnce(ctx, "userChats/u2")
	require.NoError(t, err)
	require.Equal(t, map[string]any{"k1": "c1"}, v)

	err = s.Update(ctx, "", map[string]any{"users": "nope"})
	require.ErrorIs(t, err, ErrInvalidPath)
}

func TestWriteRejectsCollectionOverwrite(t *testing.T) {
	s := NewLocalStore(zerolog.Nop())
	err := s.Write(context.Background(), "users", map[string]any{})
	require.ErrorIs(t, err, ErrInvalidPath)
	require.ErrorIs(t, s.Remove(context.Background(), "chats"), ErrInvalidPath)
}

func TestRemoveAndEmptyNodesCollapse(t *testing.T) {
	s := NewLocalStore(zerolog.Nop())
	ctx := context.Background()
	require.NoError(t, s.Write(ctx, "userStarredMessages/u1/c1/m1", map[string]any{"messageId": "m1"}))

	require.NoError(t, s.Remove(ctx, "userStarredMessages/u1/c1/m1"))

	v, err := s.ReadOnce(ctx, "userStarredMessages/u1")
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestReadOnceReturnsCopy(t *testing.T) {
	s := NewLocalStore(zerolog.Nop())
	ctx := context.Background()
	require.NoError(t, s.Write(ctx, "users/u1", map[string]any{"firstName": "Ada"}))

	v, err := s.ReadOnce(ctx, "users/u1")
	require.NoError(t, err)
	v.(map[string]any)["firstName"] = "mutated"

	again, err := s.ReadOnce(ctx, "users/u1")
	require.NoError(t, err)
	require.Equal(t, "Ada", again.(map[string]any)["firstName"])
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	s := NewLocalStore(zerolog.Nop())
	ctx := context.Background()
	rec := newRecorder()
	h, err := s.Subscribe("chats/c1", rec.onChange)
	require.NoError(t, err)
	rec.waitFor(t, 1)

	s.Unsubscribe(h)
	s.Unsubscribe(h)
	require.NoError(t, s.Write(ctx, "chats/c1", map[string]any{"chatName": "x"}))

	time.Sleep(20 * time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.values, 1)
}

func TestCloseEndsSubscriptions(t *testing.T) {
	s := NewLocalStore(zerolog.Nop())
	rec := newRecorder()
	_, err := s.Subscribe("chats/c1", rec.onChange)
	require.NoError(t, err)

	s.Close()
	rec.waitFor(t, 2)

	rec.mu.Lock()
	require.Len(t, rec.errs, 1)
	require.ErrorIs(t, rec.errs[0], ErrClosed)
	rec.mu.Unlock()

	require.ErrorIs(t, s.Write(context.Background(), "chats/c1", map[string]any{"a": 1}), ErrClosed)
	_, err = s.Subscribe("chats/c1", rec.onChange)
	require.ErrorIs(t, err, ErrClosed)
}

func TestCancelledContextRejectsWrite(t *testing.T) {
	s := NewLocalStore(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, s.Write(ctx, "chats/c1", map[string]any{"a": 1}), context.Canceled)
}

type memBackend struct {
	mu      sync.Mutex
	docs    map[string][]byte
	failKey string
}

func newMemBackend() *memBackend {
	return &memBackend{docs: make(map[string][]byte)}
}

func (b *memBackend) LoadAll(ctx context.Context) ([]Document, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Document
	for k, data := range b.docs {
		col, key, _ := cutPath(k)
		out = append(out, Document{Collection: col, Key: key, Data: data})
	}
	return out, nil
}

func (b *memBackend) SaveDocument(ctx context.Context, doc Document) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if doc.Collection+"/"+doc.Key == b.failKey {
		return errors.New("disk full")
	}
	b.docs[doc.Collection+"/"+doc.Key] = doc.Data
	return nil
}

func (b *memBackend) DeleteDocument(ctx context.Context, collection, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.docs, collection+"/"+key)
	return nil
}

func cutPath(p string) (string, string, bool) {
	for i := 0; i < len(p); i++ {
		if p[i] == '/' {
			return p[:i], p[i+1:], true
		}
	}
	return p, "", false
}

func TestBackendPersistsAndReloads(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()

	s, err := OpenLocalStore(ctx, backend, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Write(ctx, "users/u1", map[string]any{"firstName": "Ada"}))
	require.NoError(t, s.Update(ctx, "users/u1", map[string]any{"pushTokens/0": "tok"}))
	require.NoError(t, s.Write(ctx, "chats/c1", map[string]any{"chatName": "x"}))
	require.NoError(t, s.Remove(ctx, "chats/c1"))

	reopened, err := OpenLocalStore(ctx, backend, zerolog.Nop())
	require.NoError(t, err)
	v, err := reopened.ReadOnce(ctx, "users/u1")
	require.NoError(t, err)
	require.Equal(t, map[string]any{"firstName": "Ada", "pushTokens": map[string]any{"0": "tok"}}, v)

	v, err = reopened.ReadOnce(ctx, "chats/c1")
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestBackendFailureLeavesTreeUntouched(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	s, err := OpenLocalStore(ctx, backend, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Write(ctx, "users/u1", map[string]any{"firstName": "Ada"}))

	backend.failKey = "users/u2"
	err = s.Update(ctx, "", map[string]any{
		"users/u1/about": "hello",
		"users/u2/about": "world",
	})
	require.Error(t, err)

	v, err := s.ReadOnce(ctx, "users/u1")
	require.NoError(t, err)
	require.Equal(t, map[string]any{"firstName": "Ada"}, v)
	require.JSONEq(t, `{"firstName":"Ada"}`, string(backend.docs["users/u1"]))
}
