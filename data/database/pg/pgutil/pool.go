package pgutil

import (
	"context"
	"errors"
	"time"

	"PPChat/tools/errs"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Config struct {
	DSN      string
	MaxConns int32
}

// NewPool 建池并 ping
func NewPool(ctx context.Context, c Config) (*pgxpool.Pool, error) {
	if c.DSN == "" {
		return nil, errs.ErrInvalidArgument.WrapMsg("postgres dsn is required")
	}
	pc, err := pgxpool.ParseConfig(c.DSN)
	if err != nil {
		return nil, errs.ErrInvalidArgument.WrapMsg("parse postgres dsn", "err", err)
	}
	if c.MaxConns > 0 {
		pc.MaxConns = c.MaxConns
	}
	pc.MaxConnIdleTime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, errs.ErrInfra.WrapMsg("open postgres pool", "err", err)
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, errs.ErrInfra.WrapMsg("ping postgres", "err", err)
	}
	return pool, nil
}

// InTx 事务内执行；fn 返回错误则回滚
func InTx(ctx context.Context, pool *pgxpool.Pool, fn func(tx pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return errs.ErrInfra.WrapMsg("begin tx", "err", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// IsUniqueViolation 23505
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
