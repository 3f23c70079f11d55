package kafka

import "github.com/Shopify/sarama"

// Config 生产者配置；网关只写分析事件，不消费
type Config struct {
	Brokers             []string
	Topic               string
	PartitionsPerTopic  int32
	ReplicationFactor   int16
	ProducerRetries     int
	ProducerCompression string // none/snappy/lz4/zstd
	KafkaVersion        sarama.KafkaVersion
	EnsureTopic         bool
}

func (c *Config) norm() {
	if c.ProducerRetries <= 0 {
		c.ProducerRetries = 1
	}
	if c.PartitionsPerTopic <= 0 {
		c.PartitionsPerTopic = 8
	}
	if c.ReplicationFactor <= 0 {
		c.ReplicationFactor = 1
	}
	if c.KafkaVersion == (sarama.KafkaVersion{}) {
		c.KafkaVersion = sarama.V2_1_0_0
	}
}
