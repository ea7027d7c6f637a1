package user

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
)

type Repository interface {
	CreateUser(ctx context.Context, user *User) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	GetUserByID(ctx context.Context, id int) (*User, error)
	SearchUsers(ctx context.Context, query string) ([]User, error)
}

const searchLimit = 10

type SQLRepository struct {
	db *sql.DB
}

func NewSQLRepository(db *sql.DB) *SQLRepository {
	return &SQLRepository{db: db}
}

func (r *SQLRepository) CreateUser(ctx context.Context, user *User) (*User, error) {
	var id int
	query := "INSERT INTO users (username, password, role) VALUES ($1, $2, $3) RETURNING id"

	err := r.db.QueryRowContext(ctx, query, user.Username, user.Password, string(user.Role)).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrUserExists
		}
		return nil, err
	}

	user.ID = id
	return user, nil
}

func (r *SQLRepository) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	query := "SELECT id, username, password, role FROM users WHERE username = $1"
	return r.scanOne(r.db.QueryRowContext(ctx, query, username))
}

func (r *SQLRepository) GetUserByID(ctx context.Context, id int) (*User, error) {
	query := "SELECT id, username, password, role FROM users WHERE id = $1"
	return r.scanOne(r.db.QueryRowContext(ctx, query, id))
}

func (r *SQLRepository) scanOne(row *sql.Row) (*User, error) {
	u := &User{}
	var role string
	if err := row.Scan(&u.ID, &u.Username, &u.Password, &role); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	u.Role, _ = parseRole(role)
	return u, nil
}

func (r *SQLRepository) SearchUsers(ctx context.Context, query string) ([]User, error) {
	q := `SELECT id, username, role FROM users WHERE username ILIKE $1 ORDER BY username LIMIT $2`
	rows, err := r.db.QueryContext(ctx, q, "%"+query+"%", searchLimit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []User{}
	for rows.Next() {
		var u User
		var role string
		if err := rows.Scan(&u.ID, &u.Username, &role); err != nil {
			return nil, err
		}
		u.Role, _ = parseRole(role)
		users = append(users, u)
	}
	return users, rows.Err()
}

// MemoryRepository backs the development server when no database is
// configured.
type MemoryRepository struct {
	mu     sync.RWMutex
	nextID int
	byID   map[int]*User
	byName map[string]*User
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:   make(map[int]*User),
		byName: make(map[string]*User),
	}
}

func (r *MemoryRepository) CreateUser(_ context.Context, user *User) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[user.Username]; ok {
		return nil, ErrUserExists
	}
	r.nextID++
	stored := *user
	stored.ID = r.nextID
	r.byID[stored.ID] = &stored
	r.byName[stored.Username] = &stored
	user.ID = stored.ID
	return user, nil
}

func (r *MemoryRepository) GetUserByUsername(_ context.Context, username string) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byName[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *MemoryRepository) GetUserByID(_ context.Context, id int) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byID[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *MemoryRepository) SearchUsers(_ context.Context, query string) ([]User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q := strings.ToLower(query)
	users := []User{}
	for _, u := range r.byName {
		if strings.Contains(strings.ToLower(u.Username), q) {
			users = append(users, User{ID: u.ID, Username: u.Username, Role: u.Role})
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	if len(users) > searchLimit {
		users = users[:searchLimit]
	}
	return users, nil
}
