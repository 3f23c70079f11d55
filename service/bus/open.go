package bus

import (
	"time"

	"PPChat/global/config"
	"PPChat/logger"
	"PPChat/tools/errs"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Open 按配置组装传输层与去重存储；memory 驱动只用于单进程
func Open(conf config.BusConfig, rdb redis.UniversalClient, keyPrefix, nodeID string, hub *MemHub) (*Bus, error) {
	var (
		t   Transport
		err error
	)
	switch conf.Driver {
	case "nats", "":
		mode := Core
		if conf.Nats.JetStream {
			mode = JetStreamPush
		}
		t, err = NewNatsTransport(NatsConfig{
			Servers:       conf.Nats.Servers,
			Name:          "ppchat-" + nodeID,
			User:          conf.Nats.User,
			Password:      conf.Nats.Password,
			SubjectPrefix: conf.Nats.SubjectPrefix,
			Mode:          mode,
			ReconnectWait: conf.Nats.ReconnectWait,
			Timeout:       conf.Nats.Timeout,
		})
		if err != nil {
			return nil, errs.ErrInfra.WrapMsg("connect nats", "servers", conf.Nats.Servers, "err", err)
		}
	case "redis":
		if rdb == nil {
			return nil, errs.ErrInvalidArgument.WrapMsg("redis bus without redis client")
		}
		t = NewRedisTransport(rdb, keyPrefix)
	case "memory":
		if hub == nil {
			hub = NewMemHub()
		}
		t = hub.Transport()
	default:
		return nil, errs.ErrInvalidArgument.WrapMsg("unknown bus driver", "driver", conf.Driver)
	}

	ttl := conf.DedupTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	var store IdemStore
	if conf.Idem == "redis" && rdb != nil {
		store = NewRedisIdem(rdb, keyPrefix, nodeID)
	} else {
		store = NewMemIdem(ttl)
	}
	logger.Info("bus ready", zap.String("driver", conf.Driver), zap.String("idem", conf.Idem), zap.String("node", nodeID))
	return New(t, nodeID, RecoverMiddleware(), LogMiddleware(), DedupMiddleware(store, ttl)), nil
}
