package user

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"medchat/internal/chat"
	"medchat/internal/middleware"
)

const (
	tokenIssuer = "medchat"
	tokenTTL    = 24 * time.Hour
)

type Service struct {
	repo      Repository
	jwtSecret string
	now       func() time.Time
}

type Claims struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

func NewService(repo Repository, secret string) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: secret,
		now:       time.Now,
	}
}

func parseRole(s string) (chat.Role, bool) {
	if strings.TrimSpace(s) == "" {
		return chat.RolePatient, true
	}
	return chat.ParseRole(s)
}

func (s *Service) Register(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error) {
	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" {
		return nil, errors.New("username and password are required")
	}
	role, ok := parseRole(req.Role)
	if !ok {
		return nil, fmt.Errorf("unknown role %q", req.Role)
	}

	hashedPwd, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.MinCost)
	if err != nil {
		return nil, err
	}

	u := &User{
		Username: username,
		Password: string(hashedPwd),
		Role:     role,
	}

	if _, err := s.repo.CreateUser(ctx, u); err != nil {
		return nil, err
	}

	return &RegisterResponse{ID: u.ID, Username: u.Username, Role: u.Role}, nil
}

func (s *Service) Login(ctx context.Context, req *RegisterRequest) (*LoginResponse, error) {
	u, err := s.repo.GetUserByUsername(ctx, strings.TrimSpace(req.Username))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		ID:       u.ID,
		Username: u.Username,
		Role:     string(u.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   fmt.Sprint(u.ID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	})

	ss, err := token.SignedString([]byte(s.jwtSecret))
	if err != nil {
		return nil, err
	}

	return &LoginResponse{
		AccessToken: ss,
		ID:          u.ID,
		Username:    u.Username,
		Role:        u.Role,
	}, nil
}

// ValidateToken implements middleware.TokenValidator.
func (s *Service) ValidateToken(tokenString string) (middleware.Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.jwtSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return middleware.Identity{}, err
	}
	if !token.Valid {
		return middleware.Identity{}, errors.New("invalid token")
	}

	role, ok := parseRole(claims.Role)
	if !ok {
		return middleware.Identity{}, fmt.Errorf("unknown role %q", claims.Role)
	}
	return middleware.Identity{UserID: claims.ID, Username: claims.Username, Role: role}, nil
}

func (s *Service) GetUser(ctx context.Context, id int) (*User, error) {
	return s.repo.GetUserByID(ctx, id)
}

func (s *Service) SearchUsers(ctx context.Context, query string) ([]User, error) {
	return s.repo.SearchUsers(ctx, query)
}
