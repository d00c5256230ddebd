package backendstub

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims is the payload of tokens issued at login.
type Claims struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
	Email  string `json:"email"`
	Name   string `json:"name"`
	jwt.RegisteredClaims
}

const claimsKey = "backendstub.claims"

type loginRequest struct {
	LoginID  string `json:"loginId" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type emailRequest struct {
	Email string `json:"email" validate:"required,email"`
}

func (s *Stub) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock().UTC()
}

func (s *Stub) issueToken(u User) (string, error) {
	now := s.now()
	claims := Claims{
		UserID: u.UserID,
		Role:   string(u.Role),
		Email:  u.Email,
		Name:   u.FullName,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   u.LoginID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.settings.TokenTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.settings.Secret))
	if err != nil {
		return "", fmt.Errorf("backendstub: sign token: %w", err)
	}
	return signed, nil
}

// Token logs a seeded user in without going through HTTP.
func (s *Stub) Token(loginID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[loginID]
	if !ok {
		return "", fmt.Errorf("backendstub: unknown user %q", loginID)
	}
	s.seen[u.Email] = s.now()
	return s.issueToken(u)
}

// ExpireSession forgets the user's activity so the next inactivity check
// fails.
func (s *Stub) ExpireSession(email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.seen, email)
}

func (s *Stub) login(c *gin.Context) {
	var req loginRequest
	if !s.bind(c, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[req.LoginID]
	if !ok || u.Password != req.Password {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Invalid login ID or password"})
		return
	}
	token, err := s.issueToken(u)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}
	s.seen[u.Email] = s.now()
	c.JSON(http.StatusOK, gin.H{
		"token": token,
		"user": gin.H{
			"loginId":   u.LoginID,
			"full_name": u.FullName,
			"role":      string(u.Role),
			"language":  u.Language,
			"timezone":  "UTC",
			"email":     u.Email,
			"status":    "active",
		},
	})
}

func (s *Stub) logout(c *gin.Context) {
	var req emailRequest
	if !s.bind(c, &req) {
		return
	}
	s.ExpireSession(req.Email)
	c.JSON(http.StatusOK, gin.H{"message": "Logged out"})
}

func (s *Stub) checkInactivity(c *gin.Context) {
	var req emailRequest
	if !s.bind(c, &req) {
		return
	}
	s.mu.Lock()
	last, ok := s.seen[req.Email]
	expired := !ok || s.now().Sub(last) > s.settings.SessionIdle
	s.mu.Unlock()
	if expired {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Session expired due to inactivity"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Session active"})
}

func (s *Stub) authenticate(c *gin.Context) {
	auth := c.GetHeader("Authorization")
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "missing bearer token"})
		return
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(strings.TrimSpace(parts[1]), claims,
		func(*jwt.Token) (any, error) { return []byte(s.settings.Secret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "invalid token"})
		return
	}
	s.mu.Lock()
	if _, active := s.seen[claims.Email]; active {
		s.seen[claims.Email] = s.now()
	}
	s.mu.Unlock()
	c.Set(claimsKey, claims)
	c.Next()
}
