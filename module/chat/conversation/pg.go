package conversation

import (
	"context"
	"errors"
	"time"

	"PPChat/data/database/pg/pgutil"
	chatmodel "PPChat/module/chat/model"
	"PPChat/tools/errs"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
    id          TEXT PRIMARY KEY,
    kind        SMALLINT    NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS conversation_members (
    conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    user_id         TEXT NOT NULL,
    joined_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (conversation_id, user_id)
);
CREATE INDEX IF NOT EXISTS idx_conversation_members_user ON conversation_members(user_id);
`

const getConversationSQL = `
SELECT c.id, c.kind, c.created_at,
       COALESCE(array_agg(m.user_id ORDER BY m.joined_at) FILTER (WHERE m.user_id IS NOT NULL), '{}')
FROM conversations c
LEFT JOIN conversation_members m ON m.conversation_id = c.id
WHERE c.id = $1
GROUP BY c.id`

// PgDirectory conversations + conversation_members
type PgDirectory struct {
	pool *pgxpool.Pool
}

func NewPgDirectory(pool *pgxpool.Pool) *PgDirectory {
	return &PgDirectory{pool: pool}
}

func (d *PgDirectory) EnsureSchema(ctx context.Context) error {
	if _, err := d.pool.Exec(ctx, schema); err != nil {
		return errs.ErrInfra.WrapMsg("ensure conversation schema", "err", err)
	}
	return nil
}

func (d *PgDirectory) Get(ctx context.Context, conversationID string) (*chatmodel.Conversation, error) {
	var (
		c    chatmodel.Conversation
		kind int16
	)
	err := d.pool.QueryRow(ctx, getConversationSQL, conversationID).Scan(&c.ID, &kind, &c.CreatedAt, &c.MemberIDs)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound.WrapMsg("conversation not found", "conversationId", conversationID)
	}
	if err != nil {
		return nil, errs.ErrInfra.WrapMsg("load conversation", "conversationId", conversationID, "err", err)
	}
	c.Type = chatmodel.ConversationType(kind)
	return &c, nil
}

// Create 种子数据/管理端用；已存在返回 errs.ErrConflict
func (d *PgDirectory) Create(ctx context.Context, c chatmodel.Conversation) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	err := pgutil.InTx(ctx, d.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO conversations (id, kind, created_at) VALUES ($1, $2, $3)`,
			c.ID, int16(c.Type), c.CreatedAt); err != nil {
			return err
		}
		batch := &pgx.Batch{}
		for _, uid := range c.MemberIDs {
			batch.Queue(`INSERT INTO conversation_members (conversation_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, c.ID, uid)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if pgutil.IsUniqueViolation(err) {
		return errs.ErrConflict.WrapMsg("conversation exists", "conversationId", c.ID)
	}
	if err != nil {
		return errs.ErrInfra.WrapMsg("create conversation", "conversationId", c.ID, "err", err)
	}
	return nil
}
