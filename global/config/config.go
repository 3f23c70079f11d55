package config

import (
	"os"
	"strings"

	"PPChat/logger"
	"PPChat/tools"
	"PPChat/tools/decode"
	"PPChat/tools/errs"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Source 远端配置源（nacos 配置中心）
type Source interface {
	GetConfig(dataID, group string) (string, error)
}

// SourceFactory 本地配置解出 nacos 段之后才能创建远端源
type SourceFactory func(NacosConfig) (Source, error)

// Load 配置叠加顺序：默认值 < yaml 文件 < nacos < 环境变量
func Load(path string, remote SourceFactory) (*AppConfig, error) {
	cfg := Default()

	fileMap, err := readYAMLFile(path)
	if err != nil {
		return nil, err
	}
	if err := decode.Into(fileMap, &cfg); err != nil {
		return nil, errs.WrapMsg(err, "decode config file", "path", path)
	}
	applyEnv(&cfg)

	if cfg.Nacos.Enabled && remote != nil {
		src, err := remote(cfg.Nacos)
		if err != nil {
			return nil, errs.WrapMsg(err, "create nacos config source")
		}
		content, err := src.GetConfig(cfg.Nacos.DataID, cfg.Nacos.Group)
		if err != nil {
			return nil, errs.WrapMsg(err, "fetch nacos config", "dataId", cfg.Nacos.DataID)
		}
		remoteMap, err := parseYAML([]byte(content))
		if err != nil {
			return nil, errs.WrapMsg(err, "parse nacos config", "dataId", cfg.Nacos.DataID)
		}
		// 重新从默认值开始叠加，保证 nacos 只覆盖它声明了的 key
		cfg = Default()
		if err := decode.Into(decode.Merge(fileMap, remoteMap), &cfg); err != nil {
			return nil, errs.WrapMsg(err, "decode nacos config")
		}
		applyEnv(&cfg)
		logger.Info("config merged from nacos", zap.String("dataId", cfg.Nacos.DataID))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Path -config 参数优先，其次 PPCHAT_CONFIG
func Path(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return tools.GetEnv("PPCHAT_CONFIG", "")
}

func readYAMLFile(path string) (map[string]any, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.WrapMsg(err, "read config file", "path", path)
	}
	return parseYAML(b)
}

func parseYAML(b []byte) (map[string]any, error) {
	m := map[string]any{}
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, errs.Wrap(err)
	}
	return m, nil
}

func applyEnv(c *AppConfig) {
	c.Node.ID = tools.GetEnv("PPCHAT_NODE_ID", c.Node.ID)
	c.Node.HTTPAddr = tools.GetEnv("PPCHAT_HTTP_ADDR", c.Node.HTTPAddr)
	c.Node.GRPCAddr = tools.GetEnv("PPCHAT_GRPC_ADDR", c.Node.GRPCAddr)
	c.Node.IP = tools.GetEnv("PPCHAT_NODE_IP", c.Node.IP)
	c.Log.Level = tools.GetEnv("PPCHAT_LOG_LEVEL", c.Log.Level)

	c.Redis.Addr = tools.GetEnv("PPCHAT_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = tools.GetEnv("PPCHAT_REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = tools.GetEnvInt("PPCHAT_REDIS_DB", c.Redis.DB)

	c.Mongo.URI = tools.GetEnv("PPCHAT_MONGO_URI", c.Mongo.URI)
	c.Postgres.DSN = tools.GetEnv("PPCHAT_POSTGRES_DSN", c.Postgres.DSN)
	c.Store.Driver = tools.GetEnv("PPCHAT_STORE_DRIVER", c.Store.Driver)
	c.Directory.Driver = tools.GetEnv("PPCHAT_DIRECTORY_DRIVER", c.Directory.Driver)

	c.Bus.Driver = tools.GetEnv("PPCHAT_BUS_DRIVER", c.Bus.Driver)
	c.Bus.Nats.Servers = tools.GetEnvList("PPCHAT_NATS_SERVERS", c.Bus.Nats.Servers)

	c.Kafka.Enabled = tools.GetEnvBool("PPCHAT_KAFKA_ENABLED", c.Kafka.Enabled)
	c.Kafka.Brokers = tools.GetEnvList("PPCHAT_KAFKA_BROKERS", c.Kafka.Brokers)

	c.JWT.Secret = tools.GetEnv("PPCHAT_JWT_SECRET", c.JWT.Secret)
	c.Gateway.AllowedOrigins = tools.GetEnvList("PPCHAT_ALLOWED_ORIGINS", c.Gateway.AllowedOrigins)
	c.Gateway.DrainTimeout = tools.GetEnvDuration("PPCHAT_DRAIN_TIMEOUT", c.Gateway.DrainTimeout)

	c.Nacos.Enabled = tools.GetEnvBool("PPCHAT_NACOS_ENABLED", c.Nacos.Enabled)
	c.Nacos.Addr = tools.GetEnv("PPCHAT_NACOS_ADDR", c.Nacos.Addr)
	c.Admin.Token = tools.GetEnv("PPCHAT_ADMIN_TOKEN", c.Admin.Token)
}

func (c *AppConfig) Validate() error {
	var problems []string
	if c.Node.ID == "" {
		problems = append(problems, "node.id is required")
	}
	if c.JWT.Secret == "" {
		problems = append(problems, "jwt.secret is required")
	}
	if c.Gateway.ConnTTL <= c.Gateway.HeartbeatInterval {
		problems = append(problems, "gateway.connTTL must exceed gateway.heartbeatInterval")
	}
	if c.Gateway.PresenceTTL <= c.Gateway.HeartbeatInterval {
		problems = append(problems, "gateway.presenceTTL must exceed gateway.heartbeatInterval")
	}
	switch c.Bus.Driver {
	case "nats", "redis", "memory":
	default:
		problems = append(problems, "bus.driver must be nats|redis|memory")
	}
	switch c.Store.Driver {
	case "mongo", "memory":
	default:
		problems = append(problems, "store.driver must be mongo|memory")
	}
	switch c.Directory.Driver {
	case "postgres", "memory":
	default:
		problems = append(problems, "directory.driver must be postgres|memory")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		problems = append(problems, "kafka.brokers is required when kafka.enabled")
	}
	if len(problems) > 0 {
		return errs.ErrInvalidArgument.WrapMsg("config: " + strings.Join(problems, "; "))
	}
	return nil
}
