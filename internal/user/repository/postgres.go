package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"

	"downloadgate/internal/user"
)

var ErrEmailTaken = errors.New("email already registered")

type PostgresUserRepository struct {
	db *sql.DB
}

func NewPostgresUserRepository(db *sql.DB) *PostgresUserRepository {
	return &PostgresUserRepository{db: db}
}

func (r *PostgresUserRepository) Create(ctx context.Context, u *user.User) error {
	query := `INSERT INTO users (email, password, role, purchase_count, created_at)
		VALUES ($1, $2, $3, $4, NOW()) RETURNING id, created_at`

	err := r.db.QueryRowContext(ctx, query, u.Email, u.Password, u.Role, u.PurchaseCount).Scan(&u.ID, &u.CreatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrEmailTaken
	}
	return err
}

func (r *PostgresUserRepository) GetByEmail(ctx context.Context, email string) (*user.User, error) {
	return r.get(ctx, `SELECT id, email, password, role, purchase_count, created_at FROM users WHERE email = $1`, email)
}

func (r *PostgresUserRepository) GetByID(ctx context.Context, id int64) (*user.User, error) {
	return r.get(ctx, `SELECT id, email, password, role, purchase_count, created_at FROM users WHERE id = $1`, id)
}

func (r *PostgresUserRepository) get(ctx context.Context, query string, arg any) (*user.User, error) {
	u := &user.User{}
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&u.ID,
		&u.Email,
		&u.Password,
		&u.Role,
		&u.PurchaseCount,
		&u.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, user.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}
