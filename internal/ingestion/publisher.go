package ingestion

import (
	"CoverLedger/internal/core"
	"CoverLedger/internal/observability"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// OutboundStream holds every domain event of every deployment.
const OutboundStream = "COVER_EVENTS"

// OutboundPublisher publishes applied commands to NATS for downstream
// consumers. Subjects follow cover.<chain>.events.<event_type>.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// PublishableEvent is the outbound wire form of one applied command.
type PublishableEvent struct {
	Chain          string          `json:"chain"`
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Caller         string          `json:"caller"`
	Payload        json.RawMessage `json:"payload"`
	CoverageID     string          `json:"coverage_id,omitempty"`
	ClaimID        string          `json:"claim_id,omitempty"`
	ClaimStatus    string          `json:"claim_status,omitempty"`
	Expired        []string        `json:"expired,omitempty"`
	StateHash      string          `json:"state_hash"`
	BlockTime      time.Time       `json:"block_time"`
}

// NewPublishableEvent flattens an engine output for publishing.
func NewPublishableEvent(out core.CoreOutput) PublishableEvent {
	env := out.Envelope
	pe := PublishableEvent{
		Chain:          env.Chain,
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Caller:         env.Caller,
		Payload:        json.RawMessage(env.Payload),
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		BlockTime:      env.Timestamp,
	}
	if r := out.Result; r != nil {
		pe.CoverageID = r.CoverageID
		pe.ClaimID = r.ClaimID
		if r.ClaimID != "" {
			pe.ClaimStatus = r.ClaimStatus.String()
		}
		pe.Expired = r.Expired
	}
	return pe
}

// Subject is where the event is published.
func (pe PublishableEvent) Subject() string {
	return fmt.Sprintf("cover.%s.events.%s", pe.Chain, pe.EventType)
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run starts the outbound publisher loop. Replayed outputs were published
// before the restart and are skipped.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			if out.Replayed || out.Envelope == nil {
				continue
			}

			evt := NewPublishableEvent(out)
			if err := op.publish(ctx, evt); err != nil {
				// Non-fatal: downstream consumers can read the event log directly
				op.logger.Warn().Str("chain", evt.Chain).Int64("sequence", evt.Sequence).Err(err).Msg("outbound publish failed")
				if op.metrics != nil {
					op.metrics.PublishDrops.Inc()
				}
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	// Msg id lets JetStream drop a republish of the same sequence
	_, err = op.js.Publish(ctx, evt.Subject(), data,
		jetstream.WithMsgID(fmt.Sprintf("%s-%d", evt.Chain, evt.Sequence)))
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       OutboundStream,
		Subjects:   []string{"cover.*.events.>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Str("stream", OutboundStream).Msg("ensured outbound stream")
	return nil
}
