package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kingrea/batchline/internal/record"
)

var (
	// ErrNoSession is returned when nobody is logged in.
	ErrNoSession = errors.New("session: not logged in")
	// ErrExpired is returned for a saved session whose token has run out.
	ErrExpired = errors.New("session: expired")
)

// User is the signed-in account.
type User struct {
	ID       string      `json:"id,omitempty"`
	LoginID  string      `json:"login_id"`
	FullName string      `json:"full_name"`
	Email    string      `json:"email"`
	Language string      `json:"language"`
	Timezone string      `json:"timezone,omitempty"`
	Role     record.Role `json:"role"`
}

// Session is created at login and destroyed at logout. It is passed
// explicitly to everything that acts on the user's behalf.
type Session struct {
	AccessToken string    `json:"token"`
	User        User      `json:"user"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
}

// New builds a session from a login token and the user the backend
// returned. Missing user details (role, id) are read from the token claims;
// the token signature is the backend's business and is not checked here.
func New(token string, user User, now time.Time) (Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Session{}, fmt.Errorf("session: token is required")
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Session{}, fmt.Errorf("session: read token claims: %w", err)
	}
	if user.Role == "" {
		if raw, ok := claims["role"].(string); ok {
			user.Role = record.Role(raw)
		}
	}
	role, err := record.ParseRole(string(user.Role))
	if err != nil {
		return Session{}, fmt.Errorf("session: %w", err)
	}
	user.Role = role
	if user.ID == "" {
		if id, ok := claims["userId"].(string); ok {
			user.ID = id
		} else if sub, err := claims.GetSubject(); err == nil {
			user.ID = sub
		}
	}
	if user.Email == "" {
		if email, ok := claims["email"].(string); ok {
			user.Email = email
		}
	}
	if strings.TrimSpace(user.Language) == "" {
		user.Language = record.DefaultLanguage
	}
	s := Session{AccessToken: token, User: user, IssuedAt: now.UTC()}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		s.ExpiresAt = exp.Time.UTC()
	}
	return s, nil
}

// Token returns the bearer token for backend requests.
func (s Session) Token() string {
	return s.AccessToken
}

// Role returns the acting role.
func (s Session) Role() record.Role {
	return s.User.Role
}

// Language returns the user's preferred instruction language.
func (s Session) Language() string {
	return s.User.Language
}

// DisplayName is the name stamped on sign-offs and comments.
func (s Session) DisplayName() string {
	if name := strings.TrimSpace(s.User.FullName); name != "" {
		return name
	}
	return s.User.LoginID
}

// Valid reports whether the session carries a token that has not expired.
func (s Session) Valid(now time.Time) bool {
	if s.AccessToken == "" {
		return false
	}
	return s.ExpiresAt.IsZero() || now.Before(s.ExpiresAt)
}
