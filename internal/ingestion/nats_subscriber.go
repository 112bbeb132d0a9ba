package ingestion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// SignatureHeader carries the caller's signature over the raw message body.
const SignatureHeader = "Cover-Signature"

// NATSSubscriber subscribes to JetStream subjects and hands raw messages to
// the ingestion loop. NATS is the high-throughput surface used by oracle
// relays and keepers; interactive callers use the HTTP/gRPC API.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

// RawEvent is a message whose command type and chain are resolved but whose
// body is still unparsed.
type RawEvent struct {
	Subject   string
	Chain     string
	Kind      string
	EventType string
	Data      []byte
	Signature string
	Timestamp time.Time
	AckFunc   func() // ACK once the command was applied or permanently rejected
	NakFunc   func() // NAK on transient failure (will be redelivered)
}

// SubjectConfig maps a subject filter to a durable consumer. An empty
// EventType means the type is the last subject token.
type SubjectConfig struct {
	Subject      string
	Chain        string
	Kind         string
	EventType    string
	ConsumerName string
	StreamName   string
}

// StreamName is the inbound stream of one deployment.
func StreamName(chainName string) string {
	return "COVER_" + strings.ToUpper(chainName)
}

// DefaultSubjects returns the inbound subjects of one deployment:
//
//	cover.<chain>.oracle.reports      ResolveClaim from oracle relays
//	cover.<chain>.upkeep              PerformUpkeep from external keepers
//	cover.<chain>.commands.<Type>     any command, typed by subject
func DefaultSubjects(chainName string) []SubjectConfig {
	prefix := "cover." + chainName
	stream := StreamName(chainName)
	return []SubjectConfig{
		{Subject: prefix + ".oracle.reports", Chain: chainName, Kind: "oracle", EventType: "ResolveClaim", ConsumerName: "coverd-" + chainName + "-oracle", StreamName: stream},
		{Subject: prefix + ".upkeep", Chain: chainName, Kind: "upkeep", EventType: "PerformUpkeep", ConsumerName: "coverd-" + chainName + "-upkeep", StreamName: stream},
		{Subject: prefix + ".commands.>", Chain: chainName, Kind: "command", ConsumerName: "coverd-" + chainName + "-commands", StreamName: stream},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		logger:    logger,
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

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:   msg.Subject(),
				Chain:     cfg.Chain,
				Kind:      cfg.Kind,
				EventType: cfg.EventType,
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { _ = msg.Ack() },
				NakFunc:   func() { _ = msg.Nak() },
			}
			if raw.EventType == "" {
				raw.EventType = lastToken(msg.Subject())
			}
			if h := msg.Headers(); h != nil {
				raw.Signature = h.Get(SignatureHeader)
			}

			select {
			case ns.eventChan <- raw:
			case <-ctx.Done():
				_ = msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

func lastToken(subject string) string {
	if i := strings.LastIndexByte(subject, '.'); i >= 0 {
		return subject[i+1:]
	}
	return subject
}

// EnsureStreams creates the inbound stream of every deployment.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, chains []string, logger zerolog.Logger) error {
	for _, c := range chains {
		cfg := jetstream.StreamConfig{
			Name:      StreamName(c),
			Subjects:  []string{"cover." + c + ".oracle.>", "cover." + c + ".upkeep", "cover." + c + ".commands.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		}
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("coverd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
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
