package ingestion

import (
	"CoverLedger/internal/chain"
	"CoverLedger/internal/core"
	"CoverLedger/internal/errs"
	"CoverLedger/internal/event"
	"context"
	"sort"
)

// Deployment is one chain's processor plus its adapter. The adapter is only
// used for stateless checks (signature verification, account parsing) off
// the processor goroutine.
type Deployment struct {
	Processor *core.Processor
	Adapter   chain.Adapter
}

// NewDeployment captures the processor's adapter. Call before the processor runs.
func NewDeployment(proc *core.Processor) Deployment {
	return Deployment{Processor: proc, Adapter: proc.Engine().Adapter()}
}

// privileged commands need an oracle or admin role. They are verified even
// when unsigned holder traffic is allowed.
var privileged = map[event.EventType]bool{
	event.EventTypeMarkUnderReview: true,
	event.EventTypeResolveClaim:    true,
	event.EventTypeSetPaused:       true,
	event.EventTypeGrantRole:       true,
	event.EventTypeMintToken:       true,
}

// IngestService routes commands from every inbound surface (gRPC, HTTP
// gateway, NATS) to the processor of the chain they target.
type IngestService struct {
	deployments       map[string]Deployment
	requireSignatures bool
}

func NewIngestService(deployments map[string]Deployment, requireSignatures bool) *IngestService {
	return &IngestService{deployments: deployments, requireSignatures: requireSignatures}
}

// Chains lists the served deployments in stable order.
func (s *IngestService) Chains() []string {
	out := make([]string, 0, len(s.deployments))
	for c := range s.deployments {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func (s *IngestService) deployment(chainName string) (Deployment, error) {
	d, ok := s.deployments[chainName]
	if !ok {
		return Deployment{}, errs.Validation("unknown_chain", "chain %q is not served here", chainName)
	}
	return d, nil
}

// Processor returns the processor of a chain.
func (s *IngestService) Processor(chainName string) (*core.Processor, error) {
	d, err := s.deployment(chainName)
	if err != nil {
		return nil, err
	}
	return d.Processor, nil
}

// SubmitRaw parses a wire body, checks its signature and applies it.
// A signature is verified whenever one is given, and required when the
// service was built with requireSignatures.
func (s *IngestService) SubmitRaw(ctx context.Context, chainName, eventType string, body []byte, signature string) (event.Event, *core.Result, error) {
	d, err := s.deployment(chainName)
	if err != nil {
		return nil, nil, err
	}
	evt, err := ParseCommand(chainName, eventType, body)
	if err != nil {
		return nil, nil, err
	}
	if signature != "" || s.requireSignatures || privileged[evt.EventType()] {
		if err := VerifyBody(d.Adapter, evt.Origin().Account, body, signature); err != nil {
			return evt, nil, err
		}
	}
	result, err := d.Processor.Submit(ctx, evt)
	return evt, result, err
}

// PrepareCaller returns the replay-protection context a new command from
// account must carry: the next nonce, or a fresh blockhash.
func (s *IngestService) PrepareCaller(ctx context.Context, chainName, account string) (event.Caller, error) {
	d, err := s.deployment(chainName)
	if err != nil {
		return event.Caller{}, err
	}
	canonical, err := d.Adapter.ParseAccount(account)
	if err != nil {
		return event.Caller{}, err
	}

	var caller event.Caller
	err = d.Processor.Read(ctx, func(e *core.Engine) {
		caller = e.Adapter().PrepareCaller(canonical)
	})
	return caller, err
}

// Quote prices a coverage without buying it.
func (s *IngestService) Quote(ctx context.Context, chainName string, q *event.CreateCoverage) (int64, error) {
	d, err := s.deployment(chainName)
	if err != nil {
		return 0, err
	}
	var premium int64
	var qerr error
	err = d.Processor.Read(ctx, func(e *core.Engine) {
		premium, qerr = e.QuotePremium(q.Amount, q.Period(), q.CoverageType, q.RiskCategory, q.PayWithDiscount)
	})
	if err != nil {
		return 0, err
	}
	return premium, qerr
}

// CheckUpkeep reports the coverages a keeper could expire now.
func (s *IngestService) CheckUpkeep(ctx context.Context, chainName string, limit int) (bool, []string, error) {
	d, err := s.deployment(chainName)
	if err != nil {
		return false, nil, err
	}
	var needed bool
	var ids []string
	err = d.Processor.Read(ctx, func(e *core.Engine) {
		needed, ids = e.CheckUpkeep(limit)
	})
	return needed, ids, err
}
