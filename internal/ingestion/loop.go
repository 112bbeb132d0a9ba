package ingestion

import (
	"CoverLedger/internal/core"
	"CoverLedger/internal/errs"
	"CoverLedger/internal/observability"
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Loop drains NATS messages into the processors. A message is acked once
// its command was applied or permanently rejected; transient failures are
// nacked so JetStream redelivers them (up to MaxDeliver).
type Loop struct {
	svc     *IngestService
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewLoop(svc *IngestService, metrics *observability.Metrics, logger zerolog.Logger) *Loop {
	return &Loop{svc: svc, metrics: metrics, logger: logger}
}

func (l *Loop) Run(ctx context.Context, rawChan <-chan RawEvent) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-rawChan:
			if !ok {
				return nil
			}
			l.Handle(ctx, raw)
		}
	}
}

// Handle processes one message and settles it.
func (l *Loop) Handle(ctx context.Context, raw RawEvent) {
	evt, result, err := l.svc.SubmitRaw(ctx, raw.Chain, raw.EventType, raw.Data, raw.Signature)

	switch {
	case err == nil:
		l.record(raw, "applied")
		if l.metrics != nil {
			l.metrics.IngestToApply.WithLabelValues(raw.Chain, raw.EventType).Observe(time.Since(raw.Timestamp).Seconds())
		}
		l.logger.Debug().Str("subject", raw.Subject).Int64("sequence", result.Sequence).Msg("command applied")
		raw.AckFunc()

	case evt == nil:
		// Never parsed: redelivery cannot help
		l.record(raw, "malformed")
		l.logger.Warn().Str("subject", raw.Subject).Err(err).Msg("unparseable message")
		raw.AckFunc()

	case errors.Is(err, core.ErrProcessorStopped), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		l.record(raw, "retry")
		raw.NakFunc()

	case errs.KindOf(err) == errs.KindUnknown, errs.KindOf(err).Retryable():
		l.record(raw, "retry")
		l.logger.Warn().
			Str("subject", raw.Subject).
			Str("idempotency_key", evt.IdempotencyKey()).
			Err(err).
			Msg("command failed, will be redelivered")
		raw.NakFunc()

	default:
		l.record(raw, "rejected")
		l.logger.Info().
			Str("subject", raw.Subject).
			Str("idempotency_key", evt.IdempotencyKey()).
			Str("code", errs.CodeOf(err)).
			Err(err).
			Msg("command rejected")
		raw.AckFunc()
	}
}

func (l *Loop) record(raw RawEvent, result string) {
	if l.metrics != nil {
		l.metrics.IngestMessages.WithLabelValues(raw.Chain, raw.Kind, result).Inc()
	}
}
