package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrPrincipalNotFound signals that the principal does not exist.
	ErrPrincipalNotFound = errors.New("auth: principal not found")
	// ErrDuplicateEmail signals that the email is already registered.
	ErrDuplicateEmail = errors.New("auth: email already exists")
)

// Repository handles data access for authentication.
type Repository interface {
	CreatePrincipal(ctx context.Context, params CreatePrincipalParams) (Principal, error)
	GetPrincipalByEmail(ctx context.Context, email string) (Principal, error)
	GetPrincipalByID(ctx context.Context, id string) (Principal, error)
}

// CreatePrincipalParams contains write parameters for creating principals.
type CreatePrincipalParams struct {
	Email        string
	FullName     string
	PasswordHash string
	Role         Role
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed auth repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// CreatePrincipal inserts a new principal with a hashed password.
func (r *PGRepository) CreatePrincipal(ctx context.Context, params CreatePrincipalParams) (Principal, error) {
	const insertSQL = `
		INSERT INTO principals (email, full_name, password_hash, role)
		VALUES ($1, $2, $3, $4)
		RETURNING id::text, email, full_name, password_hash, role, created_at, updated_at
	`

	principal, err := scanPrincipal(r.pool.QueryRow(ctx, insertSQL, params.Email, params.FullName, params.PasswordHash, params.Role))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Principal{}, ErrDuplicateEmail
		}
		return Principal{}, fmt.Errorf("auth: create principal: %w", err)
	}

	return principal, nil
}

// GetPrincipalByEmail retrieves a principal by email address.
func (r *PGRepository) GetPrincipalByEmail(ctx context.Context, email string) (Principal, error) {
	const selectSQL = `
		SELECT id::text, email, full_name, password_hash, role, created_at, updated_at
		FROM principals
		WHERE email = $1
	`

	principal, err := scanPrincipal(r.pool.QueryRow(ctx, selectSQL, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Principal{}, ErrPrincipalNotFound
		}
		return Principal{}, fmt.Errorf("auth: get principal by email: %w", err)
	}

	return principal, nil
}

// GetPrincipalByID retrieves a principal by ID.
func (r *PGRepository) GetPrincipalByID(ctx context.Context, id string) (Principal, error) {
	const selectSQL = `
		SELECT id::text, email, full_name, password_hash, role, created_at, updated_at
		FROM principals
		WHERE id = $1
	`

	principal, err := scanPrincipal(r.pool.QueryRow(ctx, selectSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Principal{}, ErrPrincipalNotFound
		}
		return Principal{}, fmt.Errorf("auth: get principal by id: %w", err)
	}

	return principal, nil
}

func scanPrincipal(row pgx.Row) (Principal, error) {
	var p Principal
	err := row.Scan(
		&p.ID,
		&p.Email,
		&p.FullName,
		&p.PasswordHash,
		&p.Role,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return Principal{}, err
	}
	return p, nil
}
