package pipeline

import (
	"context"
	"sync"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"

	"icecrystal/internal/config"
	"icecrystal/internal/domain"
)

// Delivery is one bus message with its acknowledgement handles. Exactly one
// of Ack or Nack must be called once processing settles; the bus redelivers
// anything nacked or left unacknowledged past its deadline.
type Delivery struct {
	ID    string
	Topic string
	Body  []byte
	Ack   func()
	Nack  func()
}

// Producer pulls from the configured subscriptions and fans deliveries into
// a single channel for the processor pool. Push subscriptions feed the same
// channel through Inject, so downstream code never knows the difference.
type Producer struct {
	client *pubsub.Client
	subs   []config.SubscriptionConfig
	pcfg   config.PipelineConfig
	out    chan Delivery
	log    *zerolog.Logger
}

func NewProducer(client *pubsub.Client, bus config.BusConfig, pcfg config.PipelineConfig, logger *zerolog.Logger) *Producer {
	prodLog := logger.With().Str("component", "Producer").Logger()
	return &Producer{
		client: client,
		subs:   bus.Subscriptions,
		pcfg:   pcfg,
		out:    make(chan Delivery, pcfg.MaxDemand),
		log:    &prodLog,
	}
}

// Deliveries is the stream consumed by the processor pool.
func (p *Producer) Deliveries() <-chan Delivery { return p.out }

// Run blocks until ctx ends or a subscription fails terminally. One receive
// loop per subscription; pubsub's own flow control enforces max demand.
func (p *Producer) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	errc := make(chan error, len(p.subs))
	for _, sc := range p.subs {
		sub := p.client.Subscription(sc.QueueGroup)
		sub.ReceiveSettings.NumGoroutines = p.pcfg.Producers
		sub.ReceiveSettings.MaxOutstandingMessages = p.pcfg.MaxDemand

		wg.Add(1)
		go func(sc config.SubscriptionConfig, sub *pubsub.Subscription) {
			defer wg.Done()
			p.log.Info().Str("topic", sc.Subject).Str("subscription", sc.QueueGroup).Msg("subscribed")
			err := sub.Receive(ctx, func(mctx context.Context, msg *pubsub.Message) {
				p.emit(mctx, Delivery{
					ID:    msg.ID,
					Topic: sc.Subject,
					Body:  msg.Data,
					Ack:   msg.Ack,
					Nack:  msg.Nack,
				})
			})
			if err != nil && ctx.Err() == nil {
				p.log.Error().Err(err).Str("subscription", sc.QueueGroup).Msg("receive loop exited")
				errc <- err
			}
		}(sc, sub)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		<-done
		return ctx.Err()
	case err := <-errc:
		return err
	case <-done:
		return nil
	}
}

// Inject places an externally sourced delivery (a push-subscription HTTP
// call) onto the stream. The caller's ack handles are honored like any
// pulled message's.
func (p *Producer) Inject(ctx context.Context, d Delivery) error {
	select {
	case p.out <- d:
		return nil
	case <-ctx.Done():
		return domain.ErrRouteTimeout
	}
}

func (p *Producer) emit(ctx context.Context, d Delivery) {
	select {
	case p.out <- d:
	case <-ctx.Done():
		d.Nack()
	}
}
