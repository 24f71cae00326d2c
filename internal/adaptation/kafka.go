package adaptation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/xkilldash9x/netguise/api/schemas"
	"github.com/xkilldash9x/netguise/internal/config"
)

// KafkaPublisher forwards adaptation events to a broker topic for external
// orchestrators. It is an optional bus subscriber; delivery is best-effort
// and failures are logged, never surfaced to the controller.
type KafkaPublisher struct {
	producer sarama.AsyncProducer
	topic    string
	log      *zap.Logger
	wg       sync.WaitGroup
}

// NewKafkaPublisher connects an async producer to the configured brokers.
func NewKafkaPublisher(cfg config.KafkaConfig, logger *zap.Logger) (*KafkaPublisher, error) {
	sc := sarama.NewConfig()
	sc.Producer.RequiredAcks = sarama.WaitForLocal
	sc.Producer.Return.Successes = false
	sc.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("connecting kafka producer: %w", err)
	}

	p := &KafkaPublisher{
		producer: producer,
		topic:    cfg.Topic,
		log:      logger.Named("kafka_publisher"),
	}
	p.wg.Add(1)
	go p.drainErrors()
	return p, nil
}

// Run consumes events until the channel closes or the context is cancelled.
func (p *KafkaPublisher) Run(ctx context.Context, events <-chan schemas.AdaptationEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			p.publish(event)
		}
	}
}

func (p *KafkaPublisher) publish(event schemas.AdaptationEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		p.log.Error("Failed to encode adaptation event", zap.Error(err))
		return
	}
	p.producer.Input() <- &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.SessionID),
		Value: sarama.ByteEncoder(payload),
	}
}

func (p *KafkaPublisher) drainErrors() {
	defer p.wg.Done()
	for perr := range p.producer.Errors() {
		p.log.Warn("Kafka delivery failed",
			zap.String("topic", perr.Msg.Topic),
			zap.Error(perr.Err))
	}
}

// Close flushes pending messages and stops the error drain.
func (p *KafkaPublisher) Close() error {
	err := p.producer.Close()
	p.wg.Wait()
	return err
}
