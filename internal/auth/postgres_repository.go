package auth

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Column order matches the User and RefreshToken field order for RowToAddrOfStructByPos.
const (
	insertUserSQL = `INSERT INTO users (id, anonymous, created_at, updated_at) VALUES ($1, $2, $3, $4)`
	selectUserSQL = `SELECT id, anonymous, created_at, updated_at FROM users WHERE id = $1 AND deleted_at IS NULL`

	insertRefreshSQL = `INSERT INTO refresh_tokens (id, token_hash, user_id, expires_at, created_at, revoked_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	selectRefreshSQL = `SELECT id, token_hash, user_id, expires_at, created_at, revoked_at
		FROM refresh_tokens WHERE token_hash = $1`
	revokeRefreshSQL    = `UPDATE refresh_tokens SET revoked_at = $1 WHERE token_hash = $2 AND revoked_at IS NULL`
	revokeAllRefreshSQL = `UPDATE refresh_tokens SET revoked_at = $1 WHERE user_id = $2 AND revoked_at IS NULL`
)

// uniqueViolation is the Postgres SQLSTATE for a duplicate key.
const uniqueViolation = "23505"

// PostgresUserRepository stores identities in the users table.
type PostgresUserRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresUserRepository(pool *pgxpool.Pool) *PostgresUserRepository {
	return &PostgresUserRepository{pool: pool}
}

func (r *PostgresUserRepository) Create(ctx context.Context, user *User) error {
	_, err := r.pool.Exec(ctx, insertUserSQL, user.ID, user.Anonymous, user.CreatedAt, user.UpdatedAt)
	return err
}

// FindByID ignores soft-deleted users.
func (r *PostgresUserRepository) FindByID(ctx context.Context, id string) (*User, error) {
	rows, _ := r.pool.Query(ctx, selectUserSQL, id)
	user, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByPos[User])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	return user, err
}

// PostgresRefreshTokenRepository stores refresh token hashes in refresh_tokens.
type PostgresRefreshTokenRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRefreshTokenRepository(pool *pgxpool.Pool) *PostgresRefreshTokenRepository {
	return &PostgresRefreshTokenRepository{pool: pool}
}

// Create stores token. A hash collision surfaces as ErrInvalidRefreshToken.
func (r *PostgresRefreshTokenRepository) Create(ctx context.Context, token *RefreshToken) error {
	_, err := r.pool.Exec(ctx, insertRefreshSQL,
		token.ID, token.TokenHash, token.UserID, token.ExpiresAt, token.CreatedAt, token.RevokedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrInvalidRefreshToken
	}
	return err
}

func (r *PostgresRefreshTokenRepository) FindByHash(ctx context.Context, hash string) (*RefreshToken, error) {
	rows, _ := r.pool.Query(ctx, selectRefreshSQL, hash)
	token, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByPos[RefreshToken])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInvalidRefreshToken
	}
	return token, err
}

// Revoke reports whether this call revoked the token; a second revocation returns false.
func (r *PostgresRefreshTokenRepository) Revoke(ctx context.Context, hash string, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, revokeRefreshSQL, at, hash)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresRefreshTokenRepository) RevokeAllForUser(ctx context.Context, userID string, at time.Time) error {
	_, err := r.pool.Exec(ctx, revokeAllRefreshSQL, at, userID)
	return err
}

var (
	_ UserRepository         = (*PostgresUserRepository)(nil)
	_ RefreshTokenRepository = (*PostgresRefreshTokenRepository)(nil)
)
