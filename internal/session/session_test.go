package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/4xmen/chatsync/internal/apperrors"
	"github.com/4xmen/chatsync/internal/models"
	"github.com/4xmen/chatsync/internal/reducer"
	"github.com/4xmen/chatsync/internal/remote"
)

type fakeProvider struct {
	mu      sync.Mutex
	ttl     time.Duration
	err     error
	revoked []string
	issued  int
	// revokeGate, when set, holds Revoke until it is closed.
	revokeGate chan struct{}
}

func (p *fakeProvider) creds(uid string) (models.Credentials, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return models.Credentials{}, p.err
	}
	p.issued++
	return models.Credentials{UID: uid, Token: uid + "-token-" + time.Now().Format(time.RFC3339Nano), Expiry: time.Now().Add(p.ttl)}, nil
}

func (p *fakeProvider) CreateAccount(ctx context.Context, email, password string) (models.Credentials, error) {
	return p.creds("new-user")
}

func (p *fakeProvider) SignIn(ctx context.Context, email, password string) (models.Credentials, error) {
	return p.creds("u1")
}

func (p *fakeProvider) Revoke(ctx context.Context, token string) error {
	p.mu.Lock()
	p.revoked = append(p.revoked, token)
	gate := p.revokeGate
	p.mu.Unlock()

	if gate != nil {
		<-gate
	}
	return errors.New("network down")
}

// Verify accepts "<uid>-token-<suffix>" tokens that were not revoked.
func (p *fakeProvider) Verify(ctx context.Context, token string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.revoked {
		if r == token {
			return "", apperrors.NewProvider(apperrors.CodeInvalidToken, errors.New("token revoked"))
		}
	}
	uid, _, ok := strings.Cut(token, "-token-")
	if !ok || uid == "" {
		return "", apperrors.NewProvider(apperrors.CodeInvalidToken, errors.New("malformed token"))
	}
	return uid, nil
}

type fakePersister struct {
	mu     sync.Mutex
	rec    models.SessionRecord
	ok     bool
	clears int
}

func (p *fakePersister) Save(ctx context.Context, rec models.SessionRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rec, p.ok = rec, true
	return nil
}

func (p *fakePersister) Load(ctx context.Context) (models.SessionRecord, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rec, p.ok, nil
}

func (p *fakePersister) Clear(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rec, p.ok = models.SessionRecord{}, false
	p.clears++
	return nil
}

type fakeSubscriber struct {
	starts    atomic.Int32
	teardowns atomic.Int32
	lastUser  atomic.Value
}

func (s *fakeSubscriber) Start(ctx context.Context, userID string) error {
	s.starts.Add(1)
	s.lastUser.Store(userID)
	return nil
}

func (s *fakeSubscriber) Teardown() { s.teardowns.Add(1) }

type fakeTokens struct {
	registered   atomic.Int32
	unregistered atomic.Int32
}

func (t *fakeTokens) Register(ctx context.Context, userID string) error {
	t.registered.Add(1)
	return nil
}

func (t *fakeTokens) Unregister(ctx context.Context, userID string) error {
	t.unregistered.Add(1)
	return errors.New("offline")
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []reducer.Event
}

func (d *recordingDispatcher) Dispatch(ev reducer.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
}

func (d *recordingDispatcher) count(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, ev := range d.events {
		if ev.Name() == name {
			n++
		}
	}
	return n
}

type harness struct {
	m          *Manager
	provider   *fakeProvider
	persister  *fakePersister
	subscriber *fakeSubscriber
	tokens     *fakeTokens
	dispatcher *recordingDispatcher
	remote     *remote.LocalStore
}

func newHarness(ttl time.Duration) *harness {
	h := &harness{
		provider:   &fakeProvider{ttl: ttl},
		persister:  &fakePersister{},
		subscriber: &fakeSubscriber{},
		tokens:     &fakeTokens{},
		dispatcher: &recordingDispatcher{},
		remote:     remote.NewLocalStore(zerolog.Nop()),
	}
	h.m = New(Deps{
		Provider:   h.provider,
		Remote:     h.remote,
		Persister:  h.persister,
		Subscriber: h.subscriber,
		Tokens:     h.tokens,
		Dispatcher: h.dispatcher,
		Logger:     zerolog.Nop(),
	})
	return h
}

func TestSignUpWritesUserAndStartsSession(t *testing.T) {
	h := newHarness(time.Hour)
	ctx := context.Background()

	user, err := h.m.SignUp(ctx, "Ada", "Lovelace", "Ada@Example.com", "secret1")
	require.NoError(t, err)
	require.Equal(t, "ada lovelace", user.FirstLast)
	require.Equal(t, StateSignedIn, h.m.State())
	require.Equal(t, "new-user", h.m.UserID())

	v, err := h.remote.ReadOnce(ctx, remote.UserPath("new-user"))
	require.NoError(t, err)
	var stored models.User
	require.NoError(t, remote.Decode(v, &stored))
	require.Equal(t, "Ada", stored.FirstName)
	require.Equal(t, "ada@example.com", stored.Email)

	require.True(t, h.persister.ok)
	require.Equal(t, "new-user", h.persister.rec.UserID)
	require.EqualValues(t, 1, h.subscriber.starts.Load())
	require.EqualValues(t, 1, h.tokens.registered.Load())
	require.Equal(t, 1, h.dispatcher.count("user_fetched"))
}

func TestSignUpValidation(t *testing.T) {
	h := newHarness(time.Hour)

	_, err := h.m.SignUp(context.Background(), " ", "Lovelace", "a@b.c", "secret1")
	require.True(t, apperrors.IsValidation(err))
	require.Equal(t, StateSignedOut, h.m.State())
	require.Zero(t, h.provider.issued)
}

func TestSignInFailureMapsMessage(t *testing.T) {
	h := newHarness(time.Hour)
	h.provider.err = apperrors.NewProvider(apperrors.CodeWrongPassword, nil)

	_, err := h.m.SignIn(context.Background(), "a@b.c", "nope")
	var authErr *apperrors.AuthError
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, apperrors.MessageWrongCredentials, authErr.Message)
	require.Equal(t, StateSignedOut, h.m.State())
	require.Zero(t, h.subscriber.starts.Load())
}

func TestSignInReadsUser(t *testing.T) {
	h := newHarness(time.Hour)
	ctx := context.Background()
	require.NoError(t, h.remote.Write(ctx, remote.UserPath("u1"), models.User{UserID: "u1", FirstName: "Grace", Email: "g@example.com"}))

	user, err := h.m.SignIn(ctx, "g@example.com", "secret1")
	require.NoError(t, err)
	require.Equal(t, "Grace", user.FirstName)
}

func TestExpiryTimerLogsOutExactlyOnce(t *testing.T) {
	h := newHarness(50 * time.Millisecond)

	_, err := h.m.SignIn(context.Background(), "a@b.c", "secret1")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.m.State() == StateSignedOut }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	require.EqualValues(t, 1, h.subscriber.teardowns.Load())
	require.Equal(t, 1, h.persister.clears)
	require.EqualValues(t, 1, h.tokens.unregistered.Load())
	require.Len(t, h.provider.revoked, 1)
	require.Equal(t, 1, h.dispatcher.count("session_cleared"))
	require.False(t, h.persister.ok)
}

func TestNewSessionCancelsPreviousTimer(t *testing.T) {
	h := newHarness(80 * time.Millisecond)
	ctx := context.Background()

	_, err := h.m.SignIn(ctx, "a@b.c", "secret1")
	require.NoError(t, err)

	h.provider.mu.Lock()
	h.provider.ttl = time.Hour
	h.provider.mu.Unlock()
	_, err = h.m.SignIn(ctx, "a@b.c", "secret1")
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)
	require.Equal(t, StateSignedIn, h.m.State())
	// only the logout performed when the second session replaced the first
	require.EqualValues(t, 1, h.subscriber.teardowns.Load())
	require.EqualValues(t, 2, h.subscriber.starts.Load())
}

func TestManualLogoutIsIdempotentAndCancelsTimer(t *testing.T) {
	h := newHarness(60 * time.Millisecond)
	ctx := context.Background()

	_, err := h.m.SignIn(ctx, "a@b.c", "secret1")
	require.NoError(t, err)

	require.NoError(t, h.m.Logout(ctx))
	require.NoError(t, h.m.Logout(ctx))
	time.Sleep(150 * time.Millisecond)

	require.Equal(t, StateSignedOut, h.m.State())
	require.EqualValues(t, 1, h.subscriber.teardowns.Load())
	require.Equal(t, 1, h.dispatcher.count("session_cleared"))
}

func TestRestore(t *testing.T) {
	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339Nano)
	past := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339Nano)

	tests := []struct {
		name     string
		rec      *models.SessionRecord
		restored bool
	}{
		{"missing", nil, false},
		{"expired", &models.SessionRecord{Token: "u1-token-a", UserID: "u1", ExpiryDate: past}, false},
		{"malformed expiry", &models.SessionRecord{Token: "u1-token-a", UserID: "u1", ExpiryDate: "tomorrow"}, false},
		{"missing token", &models.SessionRecord{UserID: "u1", ExpiryDate: future}, false},
		{"missing user", &models.SessionRecord{Token: "u1-token-a", ExpiryDate: future}, false},
		{"token for another user", &models.SessionRecord{Token: "u9-token-a", UserID: "u1", ExpiryDate: future}, false},
		{"valid", &models.SessionRecord{Token: "u1-token-a", UserID: "u1", ExpiryDate: future}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(time.Hour)
			if tt.rec != nil {
				h.persister.rec, h.persister.ok = *tt.rec, true
			}

			restored, err := h.m.Restore(context.Background())
			require.NoError(t, err)
			require.Equal(t, tt.restored, restored)
			if tt.restored {
				require.Equal(t, StateSignedIn, h.m.State())
				require.Equal(t, "u1", h.m.UserID())
				require.EqualValues(t, 1, h.subscriber.starts.Load())
			} else {
				require.Equal(t, StateSignedOut, h.m.State())
				require.Zero(t, h.subscriber.starts.Load())
			}
		})
	}
}

func TestAuthorize(t *testing.T) {
	h := newHarness(time.Hour)
	ctx := context.Background()

	_, err := h.m.Authorize(ctx, "anything")
	require.True(t, apperrors.IsAuth(err))

	_, err = h.m.SignIn(ctx, "a@b.c", "secret1")
	require.NoError(t, err)
	token := h.persister.rec.Token

	uid, err := h.m.Authorize(ctx, token)
	require.NoError(t, err)
	require.Equal(t, "u1", uid)

	_, err = h.m.Authorize(ctx, "wrong")
	require.True(t, apperrors.IsAuth(err))
}

func TestAuthorizeRejectsRevokedToken(t *testing.T) {
	h := newHarness(time.Hour)
	ctx := context.Background()

	_, err := h.m.SignIn(ctx, "a@b.c", "secret1")
	require.NoError(t, err)
	token := h.persister.rec.Token

	// revoked elsewhere while this session still holds it
	h.provider.mu.Lock()
	h.provider.revoked = append(h.provider.revoked, token)
	h.provider.mu.Unlock()

	_, err = h.m.Authorize(ctx, token)
	var authErr *apperrors.AuthError
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, apperrors.CodeInvalidToken, authErr.Code)
}

func TestRestoreClearsRevokedRecord(t *testing.T) {
	h := newHarness(time.Hour)
	h.persister.rec = models.SessionRecord{Token: "u1-token-a", UserID: "u1", ExpiryDate: time.Now().Add(time.Hour).UTC().Format(time.RFC3339Nano)}
	h.persister.ok = true
	h.provider.revoked = []string{"u1-token-a"}

	restored, err := h.m.Restore(context.Background())
	require.NoError(t, err)
	require.False(t, restored)
	require.False(t, h.persister.ok)
	require.Equal(t, StateSignedOut, h.m.State())
}

func TestSignInWaitsForInFlightLogout(t *testing.T) {
	h := newHarness(time.Hour)
	ctx := context.Background()

	_, err := h.m.SignIn(ctx, "a@b.c", "secret1")
	require.NoError(t, err)

	gate := make(chan struct{})
	h.provider.mu.Lock()
	h.provider.revokeGate = gate
	h.provider.mu.Unlock()

	logoutDone := make(chan struct{})
	go func() {
		defer close(logoutDone)
		h.m.Logout(ctx)
	}()
	require.Eventually(t, func() bool { return h.m.State() == StateExpiring }, time.Second, time.Millisecond)

	signInDone := make(chan error, 1)
	go func() {
		_, err := h.m.SignIn(ctx, "a@b.c", "secret1")
		signInDone <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, StateExpiring, h.m.State())
	require.EqualValues(t, 1, h.subscriber.starts.Load())

	h.provider.mu.Lock()
	h.provider.revokeGate = nil
	h.provider.mu.Unlock()
	close(gate)

	<-logoutDone
	select {
	case err := <-signInDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sign-in did not finish")
	}

	require.Equal(t, StateSignedIn, h.m.State())
	require.Equal(t, "u1", h.m.UserID())
	h.persister.mu.Lock()
	require.True(t, h.persister.ok)
	require.Equal(t, "u1", h.persister.rec.UserID)
	h.persister.mu.Unlock()
	require.EqualValues(t, 1, h.subscriber.teardowns.Load())
	require.EqualValues(t, 2, h.subscriber.starts.Load())
	require.Equal(t, 1, h.dispatcher.count("session_cleared"))
}
