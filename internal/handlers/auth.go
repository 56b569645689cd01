package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/4xmen/chatsync/internal/models"
	"github.com/4xmen/chatsync/internal/session"
)

type AuthHandler struct {
	sessions *session.Manager
}

func NewAuthHandler(sessions *session.Manager) *AuthHandler {
	return &AuthHandler{sessions: sessions}
}

type SignUpRequest struct {
	FirstName string `json:"first_name" binding:"required"`
	LastName  string `json:"last_name" binding:"required"`
	Email     string `json:"email" binding:"required"`
	Password  string `json:"password" binding:"required"`
}

type SignInRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type AuthResponse struct {
	Token     string      `json:"token"`
	UserID    string      `json:"user_id"`
	ExpiresAt time.Time   `json:"expires_at"`
	User      models.User `json:"user"`
}

// SignUp creates an account and starts a session for it
func (h *AuthHandler) SignUp(c *gin.Context) {
	var req SignUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid request")
		return
	}

	user, err := h.sessions.SignUp(c.Request.Context(), req.FirstName, req.LastName, req.Email, req.Password)
	if err != nil {
		respondError(c, err)
		return
	}

	h.respondSession(c, http.StatusCreated, user)
}

// SignIn authenticates and replaces any current session
func (h *AuthHandler) SignIn(c *gin.Context) {
	var req SignInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid request")
		return
	}

	user, err := h.sessions.SignIn(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		respondError(c, err)
		return
	}

	h.respondSession(c, http.StatusOK, user)
}

func (h *AuthHandler) respondSession(c *gin.Context, status int, user models.User) {
	creds, ok := h.sessions.Credentials()
	if !ok {
		// the session ended between sign-in and this response
		abortWithError(c, http.StatusUnauthorized, "You are not signed in")
		return
	}
	user.PushTokens = nil
	c.JSON(status, AuthResponse{
		Token:     creds.Token,
		UserID:    creds.UID,
		ExpiresAt: creds.Expiry,
		User:      user,
	})
}

func (h *AuthHandler) Logout(c *gin.Context) {
	if err := h.sessions.Logout(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": session.StateSignedOut.String()})
}

// Session reports the session state without requiring a token
func (h *AuthHandler) Session(c *gin.Context) {
	resp := gin.H{"state": h.sessions.State().String()}
	if creds, ok := h.sessions.Credentials(); ok {
		resp["user_id"] = creds.UID
		resp["expires_at"] = creds.Expiry
	}
	c.JSON(http.StatusOK, resp)
}

// AuthMiddleware admits requests carrying the current session's token
func (h *AuthHandler) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ""
		if authHeader := c.GetHeader("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
			token = strings.TrimPrefix(authHeader, "Bearer ")
		}

		// WebSocket clients cannot set headers
		if token == "" {
			token = c.Query("token")
		}

		if token == "" {
			abortWithError(c, http.StatusUnauthorized, "missing authorization token")
			return
		}

		userID, err := h.sessions.Authorize(c.Request.Context(), token)
		if err != nil {
			respondError(c, err)
			c.Abort()
			return
		}

		c.Set("user_id", userID)
		c.Next()
	}
}
