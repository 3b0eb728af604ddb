package aggregator

import (
	"context"
	"errors"
	"fmt"

	"github.com/avast/retry-go"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// AMQPConfig represents the config of the Subscriber
type AMQPConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Tag      string `yaml:"tag"`
	Exchange string `yaml:"exchange"`
	DSN      string `yaml:"dsn"`
	TLS      bool   `yaml:"tls"`
}

// Ingester applies reading batches
type Ingester interface {
	Ingest(ctx context.Context, source string, batch Batch) (IngestResult, error)
}

// Subscriber consumes reading batches from an AMQP topic exchange
type Subscriber struct {
	config     AMQPConfig
	topics     []string
	tag        string
	ingester   Ingester
	policy     CountPolicy
	metrics    *Metrics
	logger     *zap.SugaredLogger
	connection *amqp.Connection
	channel    *amqp.Channel
	queue      *amqp.Queue
}

// Connect with the configured AMQP broker
func (s *Subscriber) dial() error {
	var err error

	if s.config.TLS {
		s.connection, err = amqp.DialTLS(s.config.DSN, nil)
	} else {
		s.connection, err = amqp.Dial(s.config.DSN)
	}
	if err != nil {
		return fmt.Errorf("Subscriber: %v", err)
	}

	s.logger.Info("Subscriber: connection established")

	return nil
}

// Get a Channel for the deliveries
func (s *Subscriber) getChannel() error {
	var err error

	s.channel, err = s.connection.Channel()
	if err != nil {
		s.logger.Warnf("Subscriber: %s", err)

		return fmt.Errorf("Subscriber: failed to get Channel")
	}

	s.logger.Debug("Subscriber: got Channel")

	return nil
}

// Close the Channel of a previous setup attempt. A Channel stays open on
// the connection after a failed declare or bind.
func (s *Subscriber) closeChannel() {
	if s.channel == nil {
		return
	}

	if err := s.channel.Close(); err != nil {
		s.logger.Debugf("Subscriber: closing Channel: %s", err)
	}

	s.channel = nil
	s.queue = nil
}

// Declare a non-durable Queue for the deliveries
func (s *Subscriber) declareQueue() (*amqp.Queue, error) {
	queueName := fmt.Sprintf("device-reading-aggregator-%s", s.tag)
	s.logger.Debugf("Subscriber: declaring Queue %v", queueName)

	queue, err := s.channel.QueueDeclare(
		queueName,
		false, // durable
		true,  // autoDelete
		false, // exclusive
		false, // noWait
		nil,   // arguments
	)
	if err != nil {
		s.logger.Warnf("Subscriber: %s", err)

		return nil, fmt.Errorf("Subscriber: failed to declare Queue")
	}

	s.logger.Debug("Subscriber: declared Queue")

	return &queue, nil
}

// Bind the Queue to the configured topics
func (s *Subscriber) bindQueue() error {
	if s.queue == nil {
		return fmt.Errorf("Subscriber: Queue not declared")
	}

	for _, topic := range s.topics {
		s.logger.Debugf("Subscriber: binding topic to Exchange (key: %q)", topic)

		err := s.channel.QueueBind(
			s.queue.Name,      // name
			topic,             // key
			s.config.Exchange, // exchange
			false,             // noWait
			nil,               // arguments
		)
		if err != nil {
			s.logger.Warnf("Subscriber: %s", err)

			return fmt.Errorf("Subscriber: failed to bind Queue")
		}
	}

	return nil
}

// Delete the declared Queue if there a no more consumers
func (s *Subscriber) deleteQueue() error {
	if s.queue == nil || s.channel == nil {
		return nil
	}

	_, err := s.channel.QueueDelete(s.queue.Name, true, false, false)
	if err != nil {
		s.logger.Warnf("Subscriber: %s", err)

		return fmt.Errorf("Subscriber: failed to delete Queue")
	}

	return nil
}

// Subscribe to the topics defined in the config
func (s *Subscriber) Subscribe() (<-chan amqp.Delivery, error) {
	err := s.dial()
	if err != nil {
		return nil, err
	}

	err = retry.Do(
		func() error {
			s.closeChannel()

			err := s.getChannel()
			if err != nil {
				return err
			}

			s.queue, err = s.declareQueue()
			if err != nil {
				return err
			}

			return s.bindQueue()
		},
	)
	if err != nil {
		return nil, err
	}

	deliveries, err := s.channel.Consume(
		s.queue.Name, // queue
		s.tag,        // consumer
		false,        // autoAck
		false,        // exclusive
		false,        // noLocal
		false,        // noWait
		nil,          // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("Subscriber: failed to consume: %v", err)
	}

	return deliveries, nil
}

// Run consumes deliveries until ctx is cancelled or the broker closes the channel
func (s *Subscriber) Run(ctx context.Context) error {
	deliveries, err := s.Subscribe()
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case delivery, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}

				return fmt.Errorf("Subscriber: delivery channel closed")
			}

			s.handleDelivery(ctx, delivery)
		}
	}
}

// Handles the given delivery: ack when applied, reject when invalid and
// requeue on unexpected failures
func (s *Subscriber) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	logger := s.logger.With("routing_key", delivery.RoutingKey)

	batch, err := s.decode(delivery)
	if err != nil {
		s.metrics.RejectedBatches.WithLabelValues(SourceAMQP).Inc()
		logger.Warnw("rejecting delivery", "error", err)

		if err := delivery.Reject(false); err != nil {
			logger.Errorw("reject failed", "error", err)
		}

		return
	}

	result, err := s.ingester.Ingest(ctx, SourceAMQP, batch)
	switch {
	case errors.Is(err, ErrValidation):
		s.metrics.RejectedBatches.WithLabelValues(SourceAMQP).Inc()
		logger.Warnw("rejecting delivery", "error", err)

		err = delivery.Reject(false)
	case err != nil:
		logger.Errorw("ingest failed, requeueing", "error", err)

		err = delivery.Nack(false, true)
	default:
		logger.Debugw("ingested delivery", "device_id", batch.DeviceID, "added", result.Added, "ignored", result.Ignored)

		err = delivery.Ack(false)
	}
	if err != nil {
		logger.Errorw("acknowledgement failed", "error", err)
	}
}

func (s *Subscriber) decode(delivery amqp.Delivery) (Batch, error) {
	deviceID, err := NewTopic(delivery.RoutingKey).GetDeviceID()
	if err != nil {
		return Batch{}, err
	}

	batch, err := DecodeBatch(delivery.Body, s.policy)
	if err != nil {
		return Batch{}, err
	}

	if batch.DeviceID != "" && batch.DeviceID != deviceID {
		return Batch{}, fmt.Errorf("Subscriber: body id %q does not match routing key device %q", batch.DeviceID, deviceID)
	}
	batch.DeviceID = deviceID

	return batch, nil
}

// Shutdown the Subscriber
func (s *Subscriber) Shutdown() error {
	s.logger.Info("Subscriber: shutting down")

	if s.connection == nil {
		s.logger.Info("Subscriber: shutdown OK")

		return nil
	}

	err := s.deleteQueue()
	if err != nil {
		return err
	}

	if err := s.connection.Close(); err != nil {
		return fmt.Errorf("AMQP connection close error: %s", err)
	}

	s.logger.Info("Subscriber: shutdown OK")

	return nil
}

// NewSubscriber creates a new Subscriber
func NewSubscriber(config AMQPConfig, topics []string, ingester Ingester, policy CountPolicy, metrics *Metrics, logger *zap.SugaredLogger) *Subscriber {
	return &Subscriber{
		config:   config,
		topics:   topics,
		tag:      config.Tag,
		ingester: ingester,
		policy:   policy,
		metrics:  metrics,
		logger:   logger,
	}
}
