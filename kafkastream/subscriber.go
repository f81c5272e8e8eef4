package kafkastream

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/IBM/sarama"
	"github.com/code19m/errx"

	"github.com/docpipe/qwatch/logger"
	"github.com/docpipe/qwatch/meta"
	"github.com/docpipe/qwatch/monitor"
)

// Subscriber opens Kafka-backed metrics subscriptions.
type Subscriber struct {
	cfg Config
	log logger.Logger
}

// NewSubscriber creates a Subscriber. The connection is established per
// subscription, not here, so a broker outage at startup does not prevent the
// monitor from running on polling alone.
func NewSubscriber(cfg Config) *Subscriber {
	return &Subscriber{
		cfg: cfg,
		log: logger.Named("kafkastream"),
	}
}

// Subscribe joins the consumer group and starts the consume loop. The
// returned subscription delivers decoded metrics until the stream fails or is
// closed.
func (s *Subscriber) Subscribe(ctx context.Context) (monitor.Subscription, error) {
	saramaCfg, err := s.cfg.getSaramaConfig(meta.GetServiceName())
	if err != nil {
		return nil, errx.Wrap(err)
	}

	group, err := sarama.NewConsumerGroup(strings.Split(s.cfg.Brokers, ","), s.cfg.GroupID, saramaCfg)
	if err != nil {
		return nil, errx.Wrap(err)
	}

	sub := &subscription{
		group: group,
		log:   s.log,
		ch:    make(chan monitor.QueueMetrics, s.cfg.Buffer),
		done:  make(chan struct{}),
	}
	go sub.run(ctx, s.cfg.Topic)

	return sub, nil
}

// subscription is a live consumer-group session feeding decoded snapshots to
// the monitor.
type subscription struct {
	group sarama.ConsumerGroup
	log   logger.Logger
	ch    chan monitor.QueueMetrics
	done  chan struct{}

	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

// run is the main consume loop, re-entered after every rebalance.
func (s *subscription) run(ctx context.Context, topic string) {
	defer close(s.ch)

	for {
		err := s.group.Consume(ctx, []string{topic}, s)
		if err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			s.setErr(errx.Wrap(err))
			_ = s.Close()
			return
		}
		if ctx.Err() != nil {
			s.setErr(ctx.Err())
			_ = s.Close()
			return
		}
		s.log.Info("[kafkastream] rebalancing occurred, waiting for new messages")
	}
}

// Snapshots implements monitor.Subscription.
func (s *subscription) Snapshots() <-chan monitor.QueueMetrics { return s.ch }

// Err implements monitor.Subscription.
func (s *subscription) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close implements monitor.Subscription. Safe to call more than once.
func (s *subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.group.Close()
	})
	if err != nil {
		return errx.Wrap(err)
	}
	return nil
}

func (s *subscription) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Setup implements sarama.ConsumerGroupHandler contract.
func (s *subscription) Setup(_ sarama.ConsumerGroupSession) error { return nil }

// Cleanup implements sarama.ConsumerGroupHandler contract.
func (s *subscription) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim must start a consumer loop of ConsumerGroupClaim's Messages().
func (s *subscription) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	// NOTE:
	// Do not move the code below to a goroutine.
	// ConsumeClaim itself is called within a goroutine.
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			qm, err := DecodeSnapshot(message.Value)
			if err != nil {
				// One malformed message must not kill the stream; the
				// monitor's stale-discard handles ordering anyway.
				s.log.With(
					"topic", message.Topic,
					"partition", message.Partition,
					"offset", message.Offset,
					"error", err.Error(),
				).Warn("[kafkastream] dropping undecodable metrics message")
			} else {
				select {
				case s.ch <- qm:
				case <-s.done:
					return nil
				case <-session.Context().Done():
					return nil
				}
			}

			session.MarkMessage(message, "")

		case <-s.done:
			return nil

		// Should return when session.Context() is done, otherwise sarama
		// raises ErrRebalanceInProgress on rebalance.
		case <-session.Context().Done():
			return nil
		}
	}
}
