package session

import (
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"medchat/internal/chat"
)

// Claims is what the client reads out of its own access token. The signature
// is not checked here; the backend does that on every request.
type Claims struct {
	UserID    string
	Username  string
	Role      chat.Role
	ExpiresAt time.Time
}

// Expired reports whether the token is past its exp claim. Tokens without
// exp never expire client-side.
func (c Claims) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

type tokenClaims struct {
	ID       any    `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// ParseClaims inspects an access token without verifying it.
func ParseClaims(token string) (Claims, error) {
	tc := &tokenClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, tc); err != nil {
		return Claims{}, fmt.Errorf("parse token claims: %w", err)
	}

	c := Claims{Username: tc.Username}
	switch id := tc.ID.(type) {
	case string:
		c.UserID = id
	case float64:
		c.UserID = strconv.FormatInt(int64(id), 10)
	}
	if c.UserID == "" {
		c.UserID = tc.Subject
	}
	if role, ok := chat.ParseRole(tc.Role); ok {
		c.Role = role
	}
	if tc.ExpiresAt != nil {
		c.ExpiresAt = tc.ExpiresAt.Time
	}
	return c, nil
}
