package kafka

import (
	"strings"
	"time"

	"PPChat/tools/errs"

	"github.com/Shopify/sarama"
)

func BuildBaseConfig(c Config) *sarama.Config {
	c.norm()
	cfg := sarama.NewConfig()
	cfg.Version = c.KafkaVersion

	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = c.ProducerRetries
	cfg.Producer.Partitioner = sarama.NewHashPartitioner // key = userId，同一用户的事件有序
	switch strings.ToLower(c.ProducerCompression) {
	case "snappy":
		cfg.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		cfg.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		cfg.Producer.Compression = sarama.CompressionZSTD
	default:
		cfg.Producer.Compression = sarama.CompressionNone
	}

	cfg.Net.DialTimeout = 10 * time.Second
	cfg.Net.ReadTimeout = 30 * time.Second
	cfg.Net.WriteTimeout = 30 * time.Second
	return cfg
}

// NewAsyncProducer 连接集群；EnsureTopic 打开时先建 topic
func NewAsyncProducer(c Config) (*AsyncPublisher, error) {
	c.norm()
	if len(c.Brokers) == 0 {
		return nil, errs.ErrInvalidArgument.WrapMsg("kafka brokers missing")
	}
	if c.Topic == "" {
		return nil, errs.ErrInvalidArgument.WrapMsg("kafka topic missing")
	}
	client, err := sarama.NewClient(c.Brokers, BuildBaseConfig(c))
	if err != nil {
		return nil, errs.ErrInfra.WrapMsg("kafka client", "brokers", strings.Join(c.Brokers, ","), "err", err)
	}
	if c.EnsureTopic {
		admin, err := sarama.NewClusterAdminFromClient(client)
		if err != nil {
			_ = client.Close()
			return nil, errs.ErrInfra.WrapMsg("kafka admin", "err", err)
		}
		err = EnsureTopics(admin, []string{c.Topic}, c)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
	}
	p, err := sarama.NewAsyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, errs.ErrInfra.WrapMsg("kafka producer", "err", err)
	}
	return NewAsyncPublisher(p, c.Topic, client), nil
}
