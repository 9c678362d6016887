package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// MessageKind says how a raw message is parsed.
type MessageKind uint8

const (
	KindRequest MessageKind = iota
	KindFeedUpdate
)

func (k MessageKind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindFeedUpdate:
		return "feed"
	default:
		return "unknown"
	}
}

// RawMessage is a message from NATS that the ingest service has not parsed
// yet. Ack after the controller decided on it, Nak to have it redelivered.
type RawMessage struct {
	Subject   string
	Kind      MessageKind
	Data      []byte
	Timestamp time.Time
	AckFunc   func()
	NakFunc   func()
}

// SubjectConfig maps a NATS subject to a consumer.
type SubjectConfig struct {
	Subject      string
	Kind         MessageKind
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the instruction and oracle feed subjects.
// Instructions are published to percolator.ix.<slab>; feed updates to
// percolator.oracle.<feed>.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "percolator.ix.>", Kind: KindRequest, ConsumerName: "percolator-ix", StreamName: "PERCOLATOR_IX"},
		{Subject: "percolator.oracle.>", Kind: KindFeedUpdate, ConsumerName: "percolator-oracle", StreamName: "PERCOLATOR_ORACLE"},
	}
}

// NATSSubscriber subscribes to JetStream subjects and feeds raw messages
// to the ingest service.
type NATSSubscriber struct {
	js        jetstream.JetStream
	rawChan   chan<- RawMessage
	consumers []jetstream.ConsumeContext
	log       zerolog.Logger
}

func NewNATSSubscriber(js jetstream.JetStream, rawChan chan<- RawMessage, log zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:      js,
		rawChan: rawChan,
		log:     log,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		kind := cfg.Kind
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawMessage{
				Subject:   msg.Subject(),
				Kind:      kind,
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
			}

			select {
			case ns.rawChan <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.log.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the inbound JetStream streams if they don't exist.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      "PERCOLATOR_IX",
			Subjects:  []string{"percolator.ix.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			// only the latest value per feed matters
			Name:              "PERCOLATOR_ORACLE",
			Subjects:          []string{"percolator.oracle.>"},
			Storage:           jetstream.FileStorage,
			Retention:         jetstream.LimitsPolicy,
			MaxMsgsPerSubject: 1,
			MaxAge:            time.Hour,
			Replicas:          1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.log.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("percolator"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
