// Package session owns sign-up, sign-in, cold-start restore and the single
// expiry timer that ends a session.
package session

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/4xmen/chatsync/internal/apperrors"
	"github.com/4xmen/chatsync/internal/metrics"
	"github.com/4xmen/chatsync/internal/models"
	"github.com/4xmen/chatsync/internal/reducer"
	"github.com/4xmen/chatsync/internal/remote"
)

type State int

const (
	StateSignedOut State = iota
	StateAuthenticating
	StateSignedIn
	StateExpiring
)

func (s State) String() string {
	switch s {
	case StateSignedOut:
		return "signed_out"
	case StateAuthenticating:
		return "authenticating"
	case StateSignedIn:
		return "signed_in"
	case StateExpiring:
		return "expiring"
	default:
		return "unknown"
	}
}

// Provider is the hosted auth service.
type Provider interface {
	CreateAccount(ctx context.Context, email, password string) (models.Credentials, error)
	SignIn(ctx context.Context, email, password string) (models.Credentials, error)
	Revoke(ctx context.Context, token string) error
	// Verify checks signature, expiry and revocation and returns the token's user.
	Verify(ctx context.Context, token string) (string, error)
}

// Persister stores the session record between runs.
type Persister interface {
	Save(ctx context.Context, rec models.SessionRecord) error
	Load(ctx context.Context) (models.SessionRecord, bool, error)
	Clear(ctx context.Context) error
}

type Subscriber interface {
	Start(ctx context.Context, userID string) error
	Teardown()
}

type TokenRegistry interface {
	Register(ctx context.Context, userID string) error
	Unregister(ctx context.Context, userID string) error
}

type Deps struct {
	Provider   Provider
	Remote     remote.Store
	Persister  Persister
	Subscriber Subscriber
	Tokens     TokenRegistry
	Dispatcher reducer.Dispatcher
	Logger     zerolog.Logger
	// CleanupTimeout bounds the best-effort network calls of a timer driven logout.
	CleanupTimeout time.Duration
}

type Manager struct {
	deps   Deps
	logger zerolog.Logger
	now    func() time.Time

	// op serializes sign-up, sign-in, restore, logout and expiry end to end.
	op sync.Mutex

	mu    sync.Mutex
	state State
	creds models.Credentials
	timer *time.Timer
	gen   uint64
}

func New(deps Deps) *Manager {
	if deps.CleanupTimeout <= 0 {
		deps.CleanupTimeout = 10 * time.Second
	}
	return &Manager{
		deps:   deps,
		logger: deps.Logger.With().Str("component", "session").Logger(),
		now:    time.Now,
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// UserID returns the signed-in user, or "" when signed out.
func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateSignedIn {
		return ""
	}
	return m.creds.UID
}

func (m *Manager) Expiry() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds.Expiry
}

// Credentials returns the current session's credentials while signed in.
func (m *Manager) Credentials() (models.Credentials, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateSignedIn {
		return models.Credentials{}, false
	}
	return m.creds, true
}

func (m *Manager) SignUp(ctx context.Context, firstName, lastName, email, password string) (models.User, error) {
	firstName = strings.TrimSpace(firstName)
	lastName = strings.TrimSpace(lastName)
	if firstName == "" {
		return models.User{}, apperrors.NewValidation("firstName", "is required")
	}
	if lastName == "" {
		return models.User{}, apperrors.NewValidation("lastName", "is required")
	}

	m.op.Lock()
	defer m.op.Unlock()
	m.begin(ctx)

	creds, err := m.deps.Provider.CreateAccount(ctx, email, password)
	if err != nil {
		m.abort()
		return models.User{}, apperrors.MapAuth(err)
	}

	user := models.User{
		UserID:     creds.UID,
		FirstName:  firstName,
		LastName:   lastName,
		FirstLast:  models.SearchKey(firstName, lastName),
		Email:      strings.ToLower(strings.TrimSpace(email)),
		SignUpDate: m.now().UTC().Format(time.RFC3339Nano),
	}
	if err := m.deps.Remote.Write(ctx, remote.UserPath(creds.UID), user); err != nil {
		m.abort()
		return models.User{}, apperrors.MapAuth(apperrors.NewProvider(apperrors.CodeInternal, fmt.Errorf("failed to write user: %w", err)))
	}

	m.establish(ctx, creds, user)
	metrics.Sessions.WithLabelValues("signup").Inc()
	return user, nil
}

func (m *Manager) SignIn(ctx context.Context, email, password string) (models.User, error) {
	m.op.Lock()
	defer m.op.Unlock()
	m.begin(ctx)

	creds, err := m.deps.Provider.SignIn(ctx, email, password)
	if err != nil {
		m.abort()
		return models.User{}, apperrors.MapAuth(err)
	}

	user, err := m.readUser(ctx, creds.UID)
	if err != nil {
		m.abort()
		return models.User{}, apperrors.MapAuth(apperrors.NewProvider(apperrors.CodeInternal, err))
	}
	if user.Email == "" {
		user.Email = strings.ToLower(strings.TrimSpace(email))
	}

	m.establish(ctx, creds, user)
	metrics.Sessions.WithLabelValues("signin").Inc()
	return user, nil
}

// Restore resumes a persisted session on cold start. It reports whether a session
// was resumed; unusable records leave the manager signed out.
func (m *Manager) Restore(ctx context.Context) (bool, error) {
	m.op.Lock()
	defer m.op.Unlock()

	rec, ok, err := m.deps.Persister.Load(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to load session record: %w", err)
	}
	if !ok {
		return false, nil
	}
	if rec.Token == "" || rec.UserID == "" {
		m.logger.Info().Msg("persisted session incomplete")
		return false, nil
	}
	expiry, err := rec.Expiry()
	if err != nil {
		m.logger.Warn().Err(err).Msg("persisted session has malformed expiry")
		return false, nil
	}
	if !expiry.After(m.now()) {
		m.logger.Info().Time("expiry", expiry).Msg("persisted session expired")
		if err := m.deps.Persister.Clear(ctx); err != nil {
			m.logger.Warn().Err(err).Msg("failed to clear expired session record")
		}
		return false, nil
	}
	uid, err := m.deps.Provider.Verify(ctx, rec.Token)
	if err != nil || uid != rec.UserID {
		m.logger.Info().Err(err).Str("user_id", rec.UserID).Msg("persisted session token rejected")
		if err := m.deps.Persister.Clear(ctx); err != nil {
			m.logger.Warn().Err(err).Msg("failed to clear rejected session record")
		}
		return false, nil
	}

	m.begin(ctx)
	user, err := m.readUser(ctx, rec.UserID)
	if err != nil {
		// the cached session is still valid; the profile arrives with the next read
		m.logger.Warn().Err(err).Str("user_id", rec.UserID).Msg("failed to read user on restore")
		user = models.User{UserID: rec.UserID}
	}

	m.establish(ctx, models.Credentials{UID: rec.UserID, Token: rec.Token, Expiry: expiry}, user)
	metrics.Sessions.WithLabelValues("restore").Inc()
	return true, nil
}

// Authorize checks a bridge bearer token against the current session and the
// provider, so a token that was revoked or has expired is refused.
func (m *Manager) Authorize(ctx context.Context, token string) (string, error) {
	m.mu.Lock()
	if m.state != StateSignedIn {
		m.mu.Unlock()
		return "", apperrors.MapAuth(apperrors.NewProvider(apperrors.CodeSessionRequired, nil))
	}
	current := m.creds
	m.mu.Unlock()

	if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(current.Token)) != 1 {
		return "", apperrors.MapAuth(apperrors.NewProvider(apperrors.CodeInvalidToken, nil))
	}
	uid, err := m.deps.Provider.Verify(ctx, token)
	if err != nil {
		return "", apperrors.MapAuth(err)
	}
	if uid != current.UID {
		return "", apperrors.MapAuth(apperrors.NewProvider(apperrors.CodeInvalidToken, nil))
	}
	return uid, nil
}

// Logout ends the session. Calling it while signed out does nothing.
func (m *Manager) Logout(ctx context.Context) error {
	m.op.Lock()
	defer m.op.Unlock()
	m.logout(ctx)
	return nil
}

// logout ends the current session if there is one. Caller holds op.
func (m *Manager) logout(ctx context.Context) {
	creds, ok := m.beginLogout(0, false)
	if !ok {
		return
	}
	m.finishLogout(ctx, creds)
	metrics.Sessions.WithLabelValues("logout").Inc()
}

// Stop cancels the expiry timer without ending the session, for shutdown.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// begin moves to Authenticating, ending any current session first. Caller
// holds op.
func (m *Manager) begin(ctx context.Context) {
	m.logout(ctx)
	m.mu.Lock()
	m.state = StateAuthenticating
	m.mu.Unlock()
}

func (m *Manager) abort() {
	m.mu.Lock()
	if m.state == StateAuthenticating {
		m.state = StateSignedOut
	}
	m.mu.Unlock()
}

func (m *Manager) establish(ctx context.Context, creds models.Credentials, user models.User) {
	m.deps.Dispatcher.Dispatch(reducer.UserFetched{User: user})

	rec := models.SessionRecord{
		Token:      creds.Token,
		UserID:     creds.UID,
		ExpiryDate: creds.Expiry.UTC().Format(time.RFC3339Nano),
	}
	if err := m.deps.Persister.Save(ctx, rec); err != nil {
		m.logger.Warn().Err(err).Msg("failed to persist session record")
	}
	if err := m.deps.Tokens.Register(ctx, creds.UID); err != nil {
		m.logger.Warn().Err(err).Str("user_id", creds.UID).Msg("failed to register push token")
	}

	m.mu.Lock()
	m.state = StateSignedIn
	m.creds = creds
	m.schedule(creds.Expiry)
	m.mu.Unlock()

	if err := m.deps.Subscriber.Start(ctx, creds.UID); err != nil {
		m.logger.Error().Err(err).Str("user_id", creds.UID).Msg("failed to start subscriptions")
	}
	m.logger.Info().Str("user_id", creds.UID).Time("expiry", creds.Expiry).Msg("session started")
}

// schedule replaces the expiry timer. Caller holds mu.
func (m *Manager) schedule(expiry time.Time) {
	m.gen++
	gen := m.gen
	if m.timer != nil {
		m.timer.Stop()
	}
	d := expiry.Sub(m.now())
	if d < 0 {
		d = 0
	}
	m.timer = time.AfterFunc(d, func() { m.expire(gen) })
}

func (m *Manager) expire(gen uint64) {
	m.op.Lock()
	defer m.op.Unlock()

	creds, ok := m.beginLogout(gen, true)
	if !ok {
		return
	}
	m.logger.Info().Str("user_id", creds.UID).Msg("session expired")

	ctx, cancel := context.WithTimeout(context.Background(), m.deps.CleanupTimeout)
	defer cancel()
	m.finishLogout(ctx, creds)
	metrics.Sessions.WithLabelValues("expired").Inc()
}

func (m *Manager) beginLogout(gen uint64, fromTimer bool) (models.Credentials, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateSignedIn {
		return models.Credentials{}, false
	}
	if fromTimer && gen != m.gen {
		return models.Credentials{}, false
	}
	m.state = StateExpiring
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	return m.creds, true
}

// finishLogout runs the cleanup steps. Network failures are logged and skipped.
func (m *Manager) finishLogout(ctx context.Context, creds models.Credentials) {
	if err := m.deps.Tokens.Unregister(ctx, creds.UID); err != nil {
		m.logger.Warn().Err(err).Msg("failed to remove push token")
	}
	if err := m.deps.Provider.Revoke(ctx, creds.Token); err != nil {
		m.logger.Warn().Err(err).Msg("failed to revoke token")
	}
	if err := m.deps.Persister.Clear(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("failed to clear session record")
	}

	m.deps.Subscriber.Teardown()
	m.deps.Dispatcher.Dispatch(reducer.SessionCleared{})

	m.mu.Lock()
	m.state = StateSignedOut
	m.creds = models.Credentials{}
	m.mu.Unlock()

	m.logger.Info().Str("user_id", creds.UID).Msg("signed out")
}

func (m *Manager) readUser(ctx context.Context, uid string) (models.User, error) {
	v, err := m.deps.Remote.ReadOnce(ctx, remote.UserPath(uid))
	if err != nil {
		return models.User{}, fmt.Errorf("failed to read user: %w", err)
	}
	user := models.User{UserID: uid}
	if v != nil {
		if err := remote.Decode(v, &user); err != nil {
			return models.User{}, err
		}
		user.UserID = uid
	}
	return user, nil
}
