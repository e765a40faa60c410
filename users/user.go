package users

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

var ErrNotFound = errors.New("user not found")

// User is the public view of a row in the users table. The password hash is
// never selected, so it cannot leak through this type.
type User struct {
	ID       string   `json:"id"`
	Email    string   `json:"email"`
	FullName string   `json:"fullName"`
	IsActive bool     `json:"isActive"`
	Roles    []string `json:"roles"`
}

// DisplayName is the name shown to other connected users.
func (u User) DisplayName() string {
	if name := strings.TrimSpace(u.FullName); name != "" {
		return name
	}
	return u.Email
}

const selectUserByID = `SELECT id::text, email, full_name, is_active, roles FROM users WHERE id::text = $1`

// PostgresDirectory resolves users from the shop database.
type PostgresDirectory struct {
	pool *pgxpool.Pool
}

// NewPostgresDirectory connects to databaseURL and checks the connection.
func NewPostgresDirectory(ctx context.Context, databaseURL string) (*PostgresDirectory, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "unable to connect to database")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "database ping failed")
	}
	return &PostgresDirectory{pool: pool}, nil
}

// Lookup returns the user with the given id or ErrNotFound.
func (d *PostgresDirectory) Lookup(ctx context.Context, id string) (User, error) {
	var u User
	err := d.pool.QueryRow(ctx, selectUserByID, id).Scan(&u.ID, &u.Email, &u.FullName, &u.IsActive, &u.Roles)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, errors.Wrapf(err, "lookup user %s", id)
	}
	return u, nil
}

func (d *PostgresDirectory) Close() {
	d.pool.Close()
}
