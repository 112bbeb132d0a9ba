package core

import (
	"CoverLedger/internal/errs"
	"CoverLedger/internal/event"
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// ErrProcessorStopped is returned to callers whose request arrives after Run exited.
var ErrProcessorStopped = errors.New("processor stopped")

// Processor owns an Engine and serializes every access to it on one
// goroutine. Concurrent callers queue on the request channel; two commands
// against the same coverage can never interleave.
type Processor struct {
	engine *Engine
	reqs   chan request
	done   chan struct{}
	logger zerolog.Logger
}

type request struct {
	evt   event.Event
	fn    func(*Engine) error
	reply chan response
}

type response struct {
	result *Result
	err    error
}

func NewProcessor(engine *Engine, queueSize int, logger zerolog.Logger) *Processor {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Processor{
		engine: engine,
		reqs:   make(chan request, queueSize),
		done:   make(chan struct{}),
		logger: logger.With().Str("chain", string(engine.Chain())).Logger(),
	}
}

// Engine returns the owned engine. Only safe before Run starts or after it returns.
func (p *Processor) Engine() *Engine {
	return p.engine
}

// Run drains requests until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	defer close(p.done)
	p.logger.Info().Int64("next_sequence", p.engine.GetSequence()).Msg("processor started")

	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Int64("next_sequence", p.engine.GetSequence()).Msg("processor stopped")
			return nil
		case req := <-p.reqs:
			req.reply <- p.handle(req)
		}
	}
}

func (p *Processor) handle(req request) response {
	if req.fn != nil {
		return response{err: req.fn(p.engine)}
	}

	result, err := p.engine.Apply(req.evt)
	if err != nil {
		ev := p.logger.Warn()
		if errs.KindOf(err) == errs.KindUnknown {
			ev = p.logger.Error()
		}
		ev.Str("event_type", req.evt.EventType().String()).
			Str("idempotency_key", req.evt.IdempotencyKey()).
			Str("kind", errs.KindOf(err).String()).
			Str("code", errs.CodeOf(err)).
			Err(err).
			Msg("command rejected")
		return response{err: err}
	}

	p.logger.Debug().
		Int64("sequence", result.Sequence).
		Str("event_type", req.evt.EventType().String()).
		Str("idempotency_key", req.evt.IdempotencyKey()).
		Msg("command applied")
	return response{result: result}
}

// Submit applies one command and waits for its outcome.
func (p *Processor) Submit(ctx context.Context, evt event.Event) (*Result, error) {
	resp, err := p.do(ctx, request{evt: evt})
	if err != nil {
		return nil, err
	}
	return resp.result, resp.err
}

// Exec runs fn on the processor goroutine. fn may call Apply and the reads.
func (p *Processor) Exec(ctx context.Context, fn func(*Engine) error) error {
	resp, err := p.do(ctx, request{fn: fn})
	if err != nil {
		return err
	}
	return resp.err
}

// Read runs a read-only fn against a consistent engine state.
func (p *Processor) Read(ctx context.Context, fn func(*Engine)) error {
	return p.Exec(ctx, func(e *Engine) error {
		fn(e)
		return nil
	})
}

func (p *Processor) do(ctx context.Context, req request) (response, error) {
	req.reply = make(chan response, 1)

	select {
	case p.reqs <- req:
	case <-p.done:
		return response{}, ErrProcessorStopped
	case <-ctx.Done():
		return response{}, ctx.Err()
	}

	// Once queued the request will be handled; wait for it unless the caller gives up
	select {
	case resp := <-req.reply:
		return resp, nil
	case <-p.done:
		select {
		case resp := <-req.reply:
			return resp, nil
		default:
			return response{}, ErrProcessorStopped
		}
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
}
