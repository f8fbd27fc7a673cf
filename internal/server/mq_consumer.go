package server

import (
	"context"
	"encoding/json"

	"credit-service/internal/biz"
	"credit-service/internal/conf"

	"github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/consumer"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/go-kratos/kratos/v2/log"
)

// MQConsumerServer 消费计费处理器投递的支付事件
type MQConsumerServer struct {
	c       rocketmq.PushConsumer
	uc      *biz.CreditUseCase
	conf    *conf.Bootstrap
	log     *log.Helper
	enabled bool
}

// NewMQConsumerServer 创建 RocketMQ 消费者
func NewMQConsumerServer(c *conf.Bootstrap, uc *biz.CreditUseCase, logger log.Logger) *MQConsumerServer {
	if c.Data == nil || c.Data.Rocketmq == nil || !c.Data.Rocketmq.Enabled {
		return &MQConsumerServer{enabled: false}
	}

	r, err := rocketmq.NewPushConsumer(
		consumer.WithNsResolver(primitive.NewPassthroughResolver(c.Data.Rocketmq.NameServers)),
		consumer.WithGroupName(c.Data.Rocketmq.GroupName),
		consumer.WithRetry(int(c.Data.Rocketmq.RetryTimes)),
	)
	if err != nil {
		log.NewHelper(logger).Errorf("init consumer error: %v", err)
		return &MQConsumerServer{enabled: false}
	}

	return &MQConsumerServer{
		c:       r,
		uc:      uc,
		conf:    c,
		log:     log.NewHelper(logger),
		enabled: true,
	}
}

// Start 启动消费者
func (s *MQConsumerServer) Start(ctx context.Context) error {
	if !s.enabled || s.c == nil {
		return nil
	}

	s.log.Infof("Starting MQConsumerServer, topic: %s", s.conf.Data.Rocketmq.Topic)

	err := s.c.Subscribe(s.conf.Data.Rocketmq.Topic, consumer.MessageSelector{}, s.handler)
	if err != nil {
		// 不返回错误，避免开发环境没有 MQ 时拖垮整个应用启动
		s.log.Errorf("Failed to subscribe to topic %s: %v", s.conf.Data.Rocketmq.Topic, err)
		return nil
	}

	if err := s.c.Start(); err != nil {
		s.log.Errorf("Failed to start RocketMQ consumer: %v", err)
		return nil
	}
	return nil
}

// Stop 停止消费者
func (s *MQConsumerServer) Stop(ctx context.Context) error {
	if !s.enabled || s.c == nil {
		return nil
	}
	s.log.Info("Stopping MQConsumerServer")
	return s.c.Shutdown()
}

// handler 逐条处理支付事件（HandlePaymentEvent 按 payment_id 幂等，重投安全）
func (s *MQConsumerServer) handler(ctx context.Context, msgs ...*primitive.MessageExt) (consumer.ConsumeResult, error) {
	for _, msg := range msgs {
		var event biz.PaymentEvent
		if err := json.Unmarshal(msg.Body, &event); err != nil {
			// 坏消息重投也不会变好，记日志后丢弃
			s.log.Errorf("Unmarshal message failed: %v, body: %s", err, string(msg.Body))
			continue
		}

		if err := s.uc.HandlePaymentEvent(ctx, &event); err != nil {
			s.log.Errorf("HandlePaymentEvent failed: payment_id=%s: %v", event.PaymentID, err)
			return consumer.ConsumeRetryLater, nil
		}
	}
	return consumer.ConsumeSuccess, nil
}
