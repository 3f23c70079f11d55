package mongoutil

import (
	"context"
	"time"

	"PPChat/tools/errs"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

// Config 消息库连接参数；Uri 优先，否则由 Address 拼出
type Config struct {
	Uri         string
	Address     []string
	Database    string
	Username    string
	Password    string
	AuthSource  string
	MaxPoolSize int
	MaxRetry    int
}

// 将 Config 应用到 ClientOptions
func applyConfigToOptions(cfg *Config) (*options.ClientOptions, error) {
	var opts *options.ClientOptions
	switch {
	case cfg.Uri != "":
		opts = options.Client().ApplyURI(cfg.Uri)
	case len(cfg.Address) > 0:
		opts = options.Client().SetHosts(cfg.Address)
	default:
		return nil, errs.New("mongo uri or address is required")
	}
	opts.SetMaxPoolSize(uint64(cfg.MaxPoolSize))
	opts.SetServerSelectionTimeout(5 * time.Second)
	opts.SetAppName("ppchat-gateway")
	// 先落库再回 ack：写入要求多数派确认，主节点切换时驱动自动重试一次
	opts.SetWriteConcern(writeconcern.Majority())
	opts.SetRetryWrites(true)
	opts.SetReadPreference(readpref.Primary())

	// 单独给了用户名密码时覆盖 URI 里的认证
	if cfg.Username != "" {
		opts.SetAuth(options.Credential{
			Username:   cfg.Username,
			Password:   cfg.Password,
			AuthSource: cfg.AuthSource,
		})
	}
	return opts, nil
}

type Client struct {
	cli *mongo.Client
	db  *mongo.Database
}

func (c *Client) GetDB() *mongo.Database { return c.db }

func (c *Client) Close(ctx context.Context) error {
	return c.cli.Disconnect(ctx)
}

// NewMongoDB 建连并 ping，失败按 MaxRetry 退避重试
func NewMongoDB(ctx context.Context, config *Config) (*Client, error) {
	if err := config.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	opts, err := applyConfigToOptions(config)
	if err != nil {
		return nil, err
	}
	var cli *mongo.Client
	for i := 0; i < config.MaxRetry; i++ {
		cli, err = connectMongo(ctx, opts)
		if err == nil || !shouldRetry(ctx, err) {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(backoff(i)):
		}
	}
	if err != nil {
		return nil, errs.ErrInfra.WrapMsg("failed to connect to MongoDB", "database", config.Database, "err", err)
	}
	return &Client{cli: cli, db: cli.Database(config.Database)}, nil
}

func connectMongo(ctx context.Context, opts *options.ClientOptions) (*mongo.Client, error) {
	cli, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := cli.Ping(ctx, nil); err != nil {
		_ = cli.Disconnect(ctx)
		return nil, err
	}
	return cli, nil
}

// backoff 500ms 起步翻倍，封顶 4s
func backoff(attempt int) time.Duration {
	if attempt >= 3 {
		return 4 * time.Second
	}
	return 500 * time.Millisecond << attempt
}
