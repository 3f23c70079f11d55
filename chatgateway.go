package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"PPChat/data/database/mgo/mongoutil"
	"PPChat/data/database/pg/pgutil"
	"PPChat/global/config"
	"PPChat/logger"
	"PPChat/middleware"
	midsec "PPChat/middleware/security"
	"PPChat/module/chat/conversation"
	"PPChat/module/chat/delivery"
	"PPChat/module/chat/message"
	"PPChat/module/user"
	"PPChat/service/bus"
	"PPChat/service/chat"
	"PPChat/service/chat/handlers"
	"PPChat/service/kafka"
	"PPChat/service/nacos"
	"PPChat/service/storage"
	redisx "PPChat/service/storage/redis"
	"PPChat/tools/errs"
	"PPChat/tools/ids"
	"PPChat/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		logger.Error("chatgateway exited", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:          "chatgateway",
		Short:        "PPChat real-time gateway",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "yaml config file, defaults to $PPCHAT_CONFIG")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "run the websocket gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), cfgPath)
		},
	}

	var (
		uid, did string
		epoch    int64
		ttl      time.Duration
	)
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "issue an access token for local testing",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(config.Path(cfgPath), nil)
			if err != nil {
				return err
			}
			opts := jwtOptions(cfg.JWT)
			if ttl > 0 {
				opts.TTL = ttl
			}
			tok, exp, err := security.Generate(opts, uid, did, epoch)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			cmd.PrintErrln("expires", exp.Format(time.RFC3339))
			return nil
		},
	}
	tokenCmd.Flags().StringVar(&uid, "user", "", "user id")
	tokenCmd.Flags().StringVar(&did, "device", "", "device id")
	tokenCmd.Flags().Int64Var(&epoch, "epoch", 0, "password epoch")
	tokenCmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("user")

	root.AddCommand(serveCmd, tokenCmd)
	root.RunE = serveCmd.RunE
	return root
}

func jwtOptions(c config.JWTConfig) security.Options {
	opts := security.DefaultOptions([]byte(c.Secret))
	if c.Alg != "" {
		opts.Alg = c.Alg
	}
	if c.TokenType != "" {
		opts.TokenType = c.TokenType
	}
	return opts
}

// closers 逆序关闭
type closers []func()

func (c *closers) add(f func()) { *c = append(*c, f) }

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func serve(ctx context.Context, cfgPath string) error {
	path := config.Path(cfgPath)
	cfg, err := config.Load(path, nacos.SourceFactory)
	if err != nil {
		return err
	}
	logger.Init(cfg.Log.Level)
	defer logger.Sync()
	nodeNum := ids.NodeIDFromName(cfg.Node.ID)
	ids.SetNodeID(nodeNum)
	logger.Info("chatgateway starting", zap.String("node", cfg.Node.ID), zap.Int64("snowflakeNode", nodeNum))

	var cleanup closers
	defer func() { cleanup.run() }()

	rdb, err := redisx.NewClient(ctx, redisx.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err != nil {
		return err
	}
	cleanup.add(func() { _ = rdb.Close() })

	store, err := openStore(ctx, cfg, &cleanup)
	if err != nil {
		return err
	}
	dir, accounts, err := openDirectory(ctx, cfg, &cleanup)
	if err != nil {
		return err
	}

	verifier, err := security.NewVerifier(jwtOptions(cfg.JWT))
	if err != nil {
		return errs.ErrInvalidArgument.WrapMsg("jwt config", "err", err.Error())
	}

	b, err := bus.Open(cfg.Bus, rdb, cfg.Redis.KeyPrefix, cfg.Node.ID, nil)
	if err != nil {
		return err
	}
	cleanup.add(func() { _ = b.Close() })

	var analytics chat.Analytics = chat.NoopAnalytics{}
	if cfg.Kafka.Enabled {
		pub, err := kafka.NewAsyncProducer(kafka.Config{
			Brokers:             cfg.Kafka.Brokers,
			Topic:               cfg.Kafka.Topic,
			ProducerRetries:     cfg.Kafka.Retries,
			ProducerCompression: cfg.Kafka.Compression,
			EnsureTopic:         true,
		})
		if err != nil {
			return err
		}
		ka := chat.NewKafkaAnalytics(pub)
		cleanup.add(func() { _ = ka.Close() })
		analytics = ka
	}

	hs := health.NewServer()
	registry := storage.NewConnRegistry(rdb, storage.RegistryConfig{
		KeyPrefix: cfg.Redis.KeyPrefix,
		TTL:       cfg.Gateway.ConnTTL,
		ReapBatch: cfg.Gateway.ReapBatch,
	})
	presence := storage.NewPresence(rdb, storage.PresenceConfig{
		KeyPrefix: cfg.Redis.KeyPrefix,
		TTL:       cfg.Gateway.PresenceTTL,
	})
	hub := chat.NewHub()
	auth := chat.NewAuthenticator(verifier, accounts)
	disp := chat.NewDispatcher()

	deps := chat.Deps{
		Hub:        hub,
		Registry:   registry,
		Presence:   presence,
		Bus:        b,
		Auth:       auth,
		Dispatcher: disp,
		Limiter: chat.NewRateLimiter(rdb, chat.RateLimitConfig{
			KeyPrefix: cfg.Redis.KeyPrefix,
			Events:    cfg.Gateway.RateLimit.Events,
			Window:    cfg.Gateway.RateLimit.Window,
		}),
		Analytics: analytics,
		Health:    hs,
	}

	var naming *nacos.Registry
	if cfg.Nacos.Enabled {
		cli, err := nacos.NewNamingClient(cfg.Nacos)
		if err != nil {
			return err
		}
		naming = nacos.NewRegistry(cli, cfg.Nacos.ServiceName, cfg.Node.IP, portOf(cfg.Node.HTTPAddr), cfg.Node.ID)
		cleanup.add(naming.Close)
		deps.Naming = naming
	}

	gw := chat.NewGateway(chat.GatewayConfig{
		NodeID:            cfg.Node.ID,
		AllowedOrigins:    cfg.Gateway.AllowedOrigins,
		AuthTimeout:       cfg.Gateway.AuthTimeout,
		HeartbeatInterval: cfg.Gateway.HeartbeatInterval,
		DrainTimeout:      cfg.Gateway.DrainTimeout,
		SendBuffer:        cfg.Gateway.SendBuffer,
		MaxMessageSize:    cfg.Gateway.MaxMessageSize,
	}, deps)
	pusher := chat.NewPusher(cfg.Node.ID, hub, registry, b)
	coord := delivery.NewCoordinator(store, dir, pusher, delivery.Config{NodeID: nodeNum})
	handlers.Register(disp, gw, coord)
	if err := gw.Start(pusher); err != nil {
		return err
	}

	// ---- http ----
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	chain := middleware.NewChain()
	chain.Add("cors", middleware.CORS(middleware.NewOriginList(cfg.Gateway.AllowedOrigins)))

	r := gin.New()
	r.Use(middleware.Recovery(), middleware.AccessLog(), chain.Handler())
	r.GET("/healthz", func(c *gin.Context) {
		if gw.Draining() {
			c.JSON(http.StatusServiceUnavailable, errs.ToWire(errs.ErrServerDraining))
			return
		}
		c.JSON(http.StatusOK, gw.Stats())
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", gw.ServeWS)
	coord.Routes(middleware.NewRouter(r, midsec.Middleware(auth, nil)))

	admin := r.Group("/admin", midsec.AdminToken(cfg.Admin.Token))
	admin.POST("/maintenance", gw.HandleMaintenance)
	admin.GET("/stats", gw.HandleStats)
	if naming != nil {
		admin.GET("/nodes", func(c *gin.Context) {
			peers, err := naming.Peers(c.Request.Context())
			if err != nil {
				middleware.Abort(c, err)
				return
			}
			c.JSON(http.StatusOK, peers)
		})
	}
	httpSrv := &http.Server{Addr: cfg.Node.HTTPAddr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	// ---- grpc health ----
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	lis, err := net.Listen("tcp", cfg.Node.GRPCAddr)
	if err != nil {
		return errs.WrapMsg(err, "grpc listen", "addr", cfg.Node.GRPCAddr)
	}

	if cfg.Nacos.Enabled {
		if err := watchConfig(path, cfg.Nacos, chain, &cleanup); err != nil {
			logger.Warn("nacos config watch disabled", zap.Error(err))
		}
	}

	if naming != nil {
		if err := naming.Register(ctx); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return registry.RunReaper(gctx, cfg.Gateway.ReapInterval) })
	g.Go(func() error { return presence.RunCleanup(gctx, cfg.Gateway.ReapInterval, gw.OnPresenceExpired) })
	g.Go(func() error {
		logger.Info("grpc health listening", zap.String("addr", cfg.Node.GRPCAddr))
		return gs.Serve(lis)
	})
	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", cfg.Node.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errs.WrapMsg(err, "http serve", "addr", cfg.Node.HTTPAddr)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		// 下线顺序：摘流量通知客户端 -> 等连接走完 -> 关 http/grpc
		dctx, cancel := context.WithTimeout(context.Background(), cfg.Gateway.DrainTimeout+5*time.Second)
		defer cancel()
		forced := gw.Drain(dctx)
		logger.Info("gateway drained", zap.Int("forced", forced))
		if err := httpSrv.Shutdown(dctx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
		gs.GracefulStop()
		return nil
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.AppConfig, cleanup *closers) (message.Store, error) {
	if cfg.Store.Driver != "mongo" {
		logger.Warn("using in-memory message store")
		return message.NewMemStore(), nil
	}
	mc, err := mongoutil.NewMongoDB(ctx, &mongoutil.Config{
		Uri:         cfg.Mongo.URI,
		Database:    cfg.Mongo.Database,
		Username:    cfg.Mongo.Username,
		Password:    cfg.Mongo.Password,
		AuthSource:  cfg.Mongo.AuthSource,
		MaxPoolSize: cfg.Mongo.MaxPoolSize,
		MaxRetry:    cfg.Mongo.MaxRetry,
	})
	if err != nil {
		return nil, err
	}
	cleanup.add(func() {
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mc.Close(cctx)
	})
	ms := message.NewMongoStore(mc.GetDB())
	if err := ms.EnsureIndexes(ctx); err != nil {
		return nil, err
	}
	return ms, nil
}

func openDirectory(ctx context.Context, cfg *config.AppConfig, cleanup *closers) (conversation.Directory, user.AccountStore, error) {
	if cfg.Directory.Driver != "postgres" {
		logger.Warn("using in-memory conversation directory and account store")
		return conversation.NewMemDirectory(), user.NewMemAccountStore(), nil
	}
	pool, err := pgutil.NewPool(ctx, pgutil.Config{DSN: cfg.Postgres.DSN, MaxConns: cfg.Postgres.MaxConns})
	if err != nil {
		return nil, nil, err
	}
	cleanup.add(pool.Close)
	dir := conversation.NewPgDirectory(pool)
	if err := dir.EnsureSchema(ctx); err != nil {
		return nil, nil, err
	}
	accounts := user.NewPgAccountStore(pool)
	if err := accounts.EnsureSchema(ctx); err != nil {
		return nil, nil, err
	}
	return dir, accounts, nil
}

// watchConfig nacos 变更时热更新日志级别和 http 跨域白名单；ws 的 Origin 白名单需要重启
func watchConfig(path string, nc config.NacosConfig, chain *middleware.Chain, cleanup *closers) error {
	cli, err := nacos.NewConfigClient(nc)
	if err != nil {
		return err
	}
	src := nacos.NewConfigSource(cli)
	cleanup.add(src.Close)
	factory := func(config.NacosConfig) (config.Source, error) { return src, nil }
	return src.Watch(nc.DataID, nc.Group, func(string) {
		next, err := config.Load(path, factory)
		if err != nil {
			logger.Warn("reload config rejected", zap.Error(err))
			return
		}
		logger.Init(next.Log.Level)
		chain.Add("cors", middleware.CORS(middleware.NewOriginList(next.Gateway.AllowedOrigins)))
		logger.Info("config reloaded", zap.String("logLevel", logger.Level()))
	})
}

func portOf(addr string) uint64 {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, _ := strconv.ParseUint(p, 10, 64)
	return n
}
