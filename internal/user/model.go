package user

import (
	"errors"

	"medchat/internal/chat"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrUserExists         = errors.New("username already taken")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

type User struct {
	ID       int       `json:"id"`
	Username string    `json:"username"`
	Password string    `json:"-"`
	Role     chat.Role `json:"role"`
}

type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type RegisterResponse struct {
	ID       int       `json:"id"`
	Username string    `json:"username"`
	Role     chat.Role `json:"role"`
}

type LoginResponse struct {
	AccessToken string    `json:"access_token"`
	ID          int       `json:"id"`
	Username    string    `json:"username"`
	Role        chat.Role `json:"role"`
}
