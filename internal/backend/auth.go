package backend

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// LoginUser is the user profile returned at login.
type LoginUser struct {
	LoginID  string
	FullName string
	Role     string
	Language string
	Timezone string
	Email    string
	Status   string
}

// LoginResult carries the issued token and profile.
type LoginResult struct {
	Token string
	User  LoginUser
}

type loginRequest struct {
	LoginID  string `json:"loginId"`
	Password string `json:"password"`
}

type emailRequest struct {
	Email string `json:"email"`
}

// Login exchanges credentials for a token.
func (c *Client) Login(ctx context.Context, loginID, password string) (LoginResult, error) {
	const op = "Login"
	data, err := c.doJSON(ctx, op, http.MethodPost, c.endpoint("users", "login"), loginRequest{
		LoginID:  strings.TrimSpace(loginID),
		Password: password,
	})
	if err != nil {
		return LoginResult{}, err
	}
	token := gjson.GetBytes(data, "token").String()
	if token == "" {
		return LoginResult{}, shapeError(op, "token missing from login response")
	}
	user := gjson.GetBytes(data, "user")
	return LoginResult{
		Token: token,
		User: LoginUser{
			LoginID:  user.Get("loginId").String(),
			FullName: user.Get("full_name").String(),
			Role:     user.Get("role").String(),
			Language: user.Get("language").String(),
			Timezone: user.Get("timezone").String(),
			Email:    user.Get("email").String(),
			Status:   user.Get("status").String(),
		},
	}, nil
}

// Logout ends the backend session for email.
func (c *Client) Logout(ctx context.Context, email string) error {
	return c.do(ctx, "Logout", http.MethodPost, c.endpoint("users", "logout"), emailRequest{Email: email}, nil)
}

// CheckInactivity reports whether the backend still considers the session
// active. A 401 answer is not an error: it means the session expired.
func (c *Client) CheckInactivity(ctx context.Context, email string) (bool, error) {
	err := c.do(ctx, "CheckInactivity", http.MethodPost, c.endpoint("auth", "check-inactivity"), emailRequest{Email: email}, nil)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrUnauthorized):
		return false, nil
	default:
		return false, err
	}
}
