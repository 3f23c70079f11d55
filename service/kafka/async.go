package kafka

import (
	"context"
	"io"
	"sync"

	"PPChat/tools/errs"

	"github.com/Shopify/sarama"
	"github.com/golang/glog"
)

// AsyncPublisher 异步发送，结果只记日志
type AsyncPublisher struct {
	prod   sarama.AsyncProducer
	topic  string
	closer io.Closer // 自建 client 时一起关

	wg   sync.WaitGroup
	once sync.Once
}

func NewAsyncPublisher(p sarama.AsyncProducer, topic string, closer io.Closer) *AsyncPublisher {
	ap := &AsyncPublisher{prod: p, topic: topic, closer: closer}
	ap.wg.Add(2)
	go func() {
		defer ap.wg.Done()
		for msg := range p.Successes() {
			glog.V(2).Infof("kafka sent topic=%s partition=%d offset=%d", msg.Topic, msg.Partition, msg.Offset)
		}
	}()
	go func() {
		defer ap.wg.Done()
		for err := range p.Errors() {
			glog.Warningf("kafka send failed topic=%s err=%v", ap.topic, err.Err)
		}
	}()
	return ap
}

func (p *AsyncPublisher) Topic() string { return p.topic }

// Publish 入队即返回；ctx 到期时放弃入队
func (p *AsyncPublisher) Publish(ctx context.Context, key string, value []byte) error {
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}
	select {
	case p.prod.Input() <- msg:
		return nil
	case <-ctx.Done():
		return errs.ErrInfra.WrapMsg("kafka enqueue", "topic", p.topic, "err", ctx.Err())
	}
}

// Close 刷完在途消息再退出
func (p *AsyncPublisher) Close() error {
	var err error
	p.once.Do(func() {
		p.prod.AsyncClose()
		p.wg.Wait()
		if p.closer != nil {
			err = p.closer.Close()
		}
	})
	return err
}
