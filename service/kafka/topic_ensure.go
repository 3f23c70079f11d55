package kafka

import (
	"errors"
	"fmt"

	"github.com/Shopify/sarama"
	"github.com/golang/glog"
)

// EnsureTopics 不存在就创建；已存在且分区数不够时扩分区（只能增不能减）
func EnsureTopics(admin sarama.ClusterAdmin, topics []string, c Config) error {
	c.norm()
	for _, t := range topics {
		descs, err := admin.DescribeTopics([]string{t})
		if err != nil {
			return fmt.Errorf("describe topic %s: %w", t, err)
		}
		exists := len(descs) == 1 && errors.Is(descs[0].Err, sarama.ErrNoError)

		minISR := "1"
		if c.ReplicationFactor >= 3 {
			minISR = "2"
		}

		if !exists {
			td := &sarama.TopicDetail{
				NumPartitions:     c.PartitionsPerTopic,
				ReplicationFactor: c.ReplicationFactor,
				ConfigEntries: map[string]*string{
					"cleanup.policy":                 strPtr("delete"),
					"min.insync.replicas":            strPtr(minISR),
					"unclean.leader.election.enable": strPtr("false"),
					"compression.type":               strPtr("producer"),
				},
			}
			if err := admin.CreateTopic(t, td, false); err != nil {
				var te *sarama.TopicError
				if (errors.As(err, &te) && te.Err == sarama.ErrTopicAlreadyExists) || errors.Is(err, sarama.ErrTopicAlreadyExists) {
					glog.Infof("[Topic] exists (race): %s", t)
					continue
				}
				return fmt.Errorf("create topic %s: %w", t, err)
			}
			glog.Infof("[Topic] created: %s (partitions=%d, rf=%d)", t, c.PartitionsPerTopic, c.ReplicationFactor)
			continue
		}

		curParts := int32(len(descs[0].Partitions))
		if c.PartitionsPerTopic > curParts {
			if err := admin.CreatePartitions(t, c.PartitionsPerTopic, nil, false); err != nil {
				return fmt.Errorf("expand partitions %s from %d to %d: %w", t, curParts, c.PartitionsPerTopic, err)
			}
			glog.Infof("[Topic] partitions expanded: %s (%d -> %d)", t, curParts, c.PartitionsPerTopic)
		}
	}
	return nil
}

func strPtr(s string) *string { return &s }
