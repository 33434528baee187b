package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists idempotency tokens. The (tenant, token) uniqueness
// constraint is the only concurrency guard on creation.
type Repository interface {
	// Get returns ErrTokenNotFound when no record exists.
	Get(ctx context.Context, tenantID, token string) (*Token, error)

	// Create returns ErrTokenExists when (tenant, token) is taken.
	Create(ctx context.Context, t *Token) error

	// CountActiveByUser counts unexpired tokens the user created after since.
	CountActiveByUser(ctx context.Context, tenantID, userID string, since, now time.Time) (int, error)

	// FindCompletedByHash returns an unexpired COMPLETED token of the user
	// with the given request hash, or ErrTokenNotFound.
	FindCompletedByHash(ctx context.Context, tenantID, userID, hash string, now time.Time) (*Token, error)

	// Transition applies u only if the current status is one of from.
	// It returns ErrTokenNotFound or ErrInvalidTokenState otherwise.
	Transition(ctx context.Context, tenantID, token string, from []Status, u Update) (*Token, error)

	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

const uniqueViolation = "23505"

const tokenColumns = `tenant_id, token, user_id, request_hash, status, COALESCE(order_id, ''),
	response, COALESCE(error_message, ''), created_at, updated_at, expires_at`

type PostgresRepository struct {
	db *pgxpool.Pool
}

func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func scanToken(row pgx.Row) (*Token, error) {
	var t Token
	var status string
	var response []byte
	err := row.Scan(&t.TenantID, &t.Token, &t.UserID, &t.RequestHash, &status, &t.OrderID,
		&response, &t.ErrorMessage, &t.CreatedAt, &t.UpdatedAt, &t.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Status = Status(status)
	if len(response) > 0 {
		t.Response = response
	}
	return &t, nil
}

func (r *PostgresRepository) Get(ctx context.Context, tenantID, token string) (*Token, error) {
	t, err := scanToken(r.db.QueryRow(ctx, `
		SELECT `+tokenColumns+`
		FROM idempotency_tokens WHERE tenant_id = $1 AND token = $2
	`, tenantID, token))
	if err != nil && !errors.Is(err, ErrTokenNotFound) {
		return nil, fmt.Errorf("get idempotency token: %w", err)
	}
	return t, err
}

func (r *PostgresRepository) Create(ctx context.Context, t *Token) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO idempotency_tokens
			(tenant_id, token, user_id, request_hash, status, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, t.TenantID, t.Token, t.UserID, t.RequestHash, string(t.Status), t.CreatedAt, t.UpdatedAt, t.ExpiresAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrTokenExists
	}
	if err != nil {
		return fmt.Errorf("create idempotency token: %w", err)
	}
	return nil
}

func (r *PostgresRepository) CountActiveByUser(ctx context.Context, tenantID, userID string, since, now time.Time) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM idempotency_tokens
		WHERE tenant_id = $1 AND user_id = $2 AND created_at > $3 AND expires_at > $4
	`, tenantID, userID, since, now).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active idempotency tokens: %w", err)
	}
	return n, nil
}

func (r *PostgresRepository) FindCompletedByHash(ctx context.Context, tenantID, userID, hash string, now time.Time) (*Token, error) {
	t, err := scanToken(r.db.QueryRow(ctx, `
		SELECT `+tokenColumns+`
		FROM idempotency_tokens
		WHERE tenant_id = $1 AND user_id = $2 AND request_hash = $3
		  AND status = $4 AND expires_at > $5
		ORDER BY created_at DESC
		LIMIT 1
	`, tenantID, userID, hash, string(StatusCompleted), now))
	if err != nil && !errors.Is(err, ErrTokenNotFound) {
		return nil, fmt.Errorf("find completed idempotency token: %w", err)
	}
	return t, err
}

func (r *PostgresRepository) Transition(ctx context.Context, tenantID, token string, from []Status, u Update) (*Token, error) {
	fromStrings := make([]string, len(from))
	for i, s := range from {
		fromStrings[i] = string(s)
	}
	var response []byte
	if len(u.Response) > 0 {
		response = u.Response
	}

	t, err := scanToken(r.db.QueryRow(ctx, `
		UPDATE idempotency_tokens
		SET status = $3,
		    order_id = COALESCE(NULLIF($4, ''), order_id),
		    response = COALESCE($5::jsonb, response),
		    error_message = NULLIF($6, ''),
		    updated_at = NOW()
		WHERE tenant_id = $1 AND token = $2 AND status = ANY($7)
		RETURNING `+tokenColumns,
		tenantID, token, string(u.Status), u.OrderID, response, u.ErrorMessage, fromStrings))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, ErrTokenNotFound) {
		return nil, fmt.Errorf("transition idempotency token: %w", err)
	}

	if _, getErr := r.Get(ctx, tenantID, token); getErr != nil {
		return nil, getErr
	}
	return nil, ErrInvalidTokenState
}

func (r *PostgresRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM idempotency_tokens WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}
