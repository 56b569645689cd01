package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/4xmen/chatsync/internal/apperrors"
	"github.com/4xmen/chatsync/internal/models"
)

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// Service is the email/password auth provider. Accounts live in sqlite, sessions
// are HS256 tokens whose id can be revoked.
type Service struct {
	db        *sql.DB
	jwtSecret string
	tokenTTL  time.Duration
	now       func() time.Time
}

type Claims struct {
	UserID string `json:"uid"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

func New(db *sql.DB, jwtSecret string) *Service {
	return NewWithTokenTTL(db, jwtSecret, 24*time.Hour)
}

func NewWithTokenTTL(db *sql.DB, jwtSecret string, tokenTTL time.Duration) *Service {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}

	return &Service{
		db:        db,
		jwtSecret: jwtSecret,
		tokenTTL:  tokenTTL,
		now:       time.Now,
	}
}

func (s *Service) CreateAccount(ctx context.Context, email, password string) (models.Credentials, error) {
	email = normalizeEmail(email)
	if !emailPattern.MatchString(email) {
		return models.Credentials{}, apperrors.NewProvider(apperrors.CodeInvalidEmail, nil)
	}
	if len(password) < 6 {
		return models.Credentials{}, apperrors.NewProvider(apperrors.CodeWeakPassword, errors.New("password must be at least 6 characters"))
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return models.Credentials{}, apperrors.NewProvider(apperrors.CodeInternal, fmt.Errorf("failed to hash password: %w", err))
	}

	uid := uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO accounts (uid, email, password_hash) VALUES (?, ?, ?)",
		uid, email, string(hash),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return models.Credentials{}, apperrors.NewProvider(apperrors.CodeEmailInUse, nil)
		}
		return models.Credentials{}, apperrors.NewProvider(apperrors.CodeInternal, fmt.Errorf("failed to create account: %w", err))
	}

	return s.issue(uid, email)
}

func (s *Service) SignIn(ctx context.Context, email, password string) (models.Credentials, error) {
	email = normalizeEmail(email)

	var uid, passwordHash string
	err := s.db.QueryRowContext(ctx,
		"SELECT uid, password_hash FROM accounts WHERE email = ?",
		email,
	).Scan(&uid, &passwordHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Credentials{}, apperrors.NewProvider(apperrors.CodeUserNotFound, nil)
		}
		return models.Credentials{}, apperrors.NewProvider(apperrors.CodeInternal, fmt.Errorf("failed to query account: %w", err))
	}

	if err := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(password)); err != nil {
		return models.Credentials{}, apperrors.NewProvider(apperrors.CodeWrongPassword, nil)
	}

	return s.issue(uid, email)
}

func (s *Service) issue(uid, email string) (models.Credentials, error) {
	expiry := s.now().Add(s.tokenTTL)
	token, err := s.GenerateToken(uid, email, expiry)
	if err != nil {
		return models.Credentials{}, apperrors.NewProvider(apperrors.CodeInternal, err)
	}
	return models.Credentials{UID: uid, Token: token, Expiry: expiry}, nil
}

func (s *Service) GenerateToken(uid, email string, expiry time.Time) (string, error) {
	claims := Claims{
		UserID: uid,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   uid,
			ExpiresAt: jwt.NewNumericDate(expiry),
			IssuedAt:  jwt.NewNumericDate(s.now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(s.jwtSecret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return tokenString, nil
}

func (s *Service) parse(tokenString string, opts ...jwt.ParserOption) (*Claims, error) {
	claims := &Claims{}
	opts = append(opts, jwt.WithTimeFunc(s.now))
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// ValidateToken checks signature, expiry and revocation.
func (s *Service) ValidateToken(ctx context.Context, tokenString string) (*Claims, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return nil, apperrors.NewProvider(apperrors.CodeInvalidToken, err)
	}

	var revoked bool
	err = s.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM revoked_tokens WHERE token_id = ?)", claims.ID).Scan(&revoked)
	if err != nil {
		return nil, apperrors.NewProvider(apperrors.CodeInternal, fmt.Errorf("failed to query revocations: %w", err))
	}
	if revoked {
		return nil, apperrors.NewProvider(apperrors.CodeInvalidToken, errors.New("token revoked"))
	}

	return claims, nil
}

// Revoke invalidates a token before its expiry. Expired or foreign tokens are
// ignored.
func (s *Service) Revoke(ctx context.Context, tokenString string) error {
	claims, err := s.parse(tokenString)
	if err != nil {
		return nil
	}
	if claims.ID == "" || claims.ExpiresAt == nil {
		return nil
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO revoked_tokens (token_id, expires_at) VALUES (?, ?)",
		claims.ID, claims.ExpiresAt.Time.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return nil
}

// PurgeRevoked drops revocations of tokens that have expired anyway.
func (s *Service) PurgeRevoked(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM revoked_tokens WHERE expires_at < ?", s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge revoked tokens: %w", err)
	}
	return result.RowsAffected()
}

// Verify validates a token and returns the user it was issued to.
func (s *Service) Verify(ctx context.Context, tokenString string) (string, error) {
	claims, err := s.ValidateToken(ctx, tokenString)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
