package engine

import (
	"context"
	"time"

	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"

	"darkpool.com/pkg/broker"
	"darkpool.com/pkg/logger"
)

// Sink 事件下游：消息中间件、WebSocket、审计库、时序库
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev Event) error
}

// Publisher 从总线取事件依次投递给每个 sink；单个 sink 失败只记日志
type Publisher struct {
	bus     *ChanBus
	sinks   []Sink
	timeout time.Duration
}

func NewPublisher(bus *ChanBus, timeout time.Duration, sinks ...Sink) *Publisher {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Publisher{bus: bus, sinks: sinks, timeout: timeout}
}

func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			p.drain()
			return nil
		case ev := <-p.bus.C():
			p.deliver(ctx, ev)
		}
	}
}

// drain 退出前把总线里剩下的事件送完
func (p *Publisher) drain() {
	ctx := context.Background()
	for {
		select {
		case ev := <-p.bus.C():
			p.deliver(ctx, ev)
		default:
			return
		}
	}
}

func (p *Publisher) deliver(ctx context.Context, ev Event) {
	for _, s := range p.sinks {
		dctx, cancel := context.WithTimeout(ctx, p.timeout)
		err := s.Deliver(dctx, ev)
		cancel()
		if err != nil {
			logger.Warn(logger.WithBatch(ctx, ev.BatchID), "event delivery failed",
				zap.String("sink", s.Name()),
				zap.String("type", string(ev.Type)),
				zap.Uint64("seq", ev.Seq),
				zap.Error(err),
			)
		}
	}
}

// BrokerSink 按 topic 发到消息中间件，topic 形如 "darkpool:matches"
type BrokerSink struct {
	b      broker.Broker
	prefix string
}

func NewBrokerSink(b broker.Broker, prefix string) *BrokerSink {
	if prefix == "" {
		prefix = "darkpool"
	}
	return &BrokerSink{b: b, prefix: prefix}
}

func (s *BrokerSink) Name() string { return "broker" }

func (s *BrokerSink) Topic(topic string) string { return s.prefix + ":" + topic }

func (s *BrokerSink) Deliver(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.b.Publish(ctx, s.Topic(ev.Topic()), payload)
}
