package user

import (
	"context"
	"errors"

	"PPChat/tools/errs"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const accountSchema = `
CREATE TABLE IF NOT EXISTS accounts (
    user_id    TEXT PRIMARY KEY,
    status     INTEGER NOT NULL DEFAULT 0,
    pwd_epoch  BIGINT  NOT NULL DEFAULT 0,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

type PgAccountStore struct {
	pool *pgxpool.Pool
}

func NewPgAccountStore(pool *pgxpool.Pool) *PgAccountStore {
	return &PgAccountStore{pool: pool}
}

func (s *PgAccountStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, accountSchema); err != nil {
		return errs.ErrInfra.WrapMsg("ensure account schema", "err", err)
	}
	return nil
}

func (s *PgAccountStore) Get(ctx context.Context, userID string) (*Account, error) {
	a := Account{UserID: userID}
	err := s.pool.QueryRow(ctx, `SELECT status, pwd_epoch FROM accounts WHERE user_id = $1`, userID).
		Scan(&a.Status, &a.PwdEpoch)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound.WrapMsg("account not found", "userId", userID)
	}
	if err != nil {
		return nil, errs.ErrInfra.WrapMsg("load account", "userId", userID, "err", err)
	}
	return &a, nil
}

// Upsert 管理端/种子数据
func (s *PgAccountStore) Upsert(ctx context.Context, a Account) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO accounts (user_id, status, pwd_epoch) VALUES ($1, $2, $3)
ON CONFLICT (user_id) DO UPDATE SET status = EXCLUDED.status,
    pwd_epoch = GREATEST(accounts.pwd_epoch, EXCLUDED.pwd_epoch), updated_at = now()`,
		a.UserID, a.Status, a.PwdEpoch)
	if err != nil {
		return errs.ErrInfra.WrapMsg("upsert account", "userId", a.UserID, "err", err)
	}
	return nil
}
