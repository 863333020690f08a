package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/comparellm/domain/account"
	"github.com/artpar/comparellm/domain/compare"
	"github.com/artpar/comparellm/domain/model"
	"github.com/artpar/comparellm/domain/usage"
	"github.com/artpar/comparellm/ports"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// CompareConfig configures the comparison orchestrator.
type CompareConfig struct {
	// ModelTimeout bounds every single model call. Defaults to 60s.
	ModelTimeout time.Duration

	// DefaultSynthesisModel is used when a request names none.
	// Empty means the first requested model.
	DefaultSynthesisModel string
}

// CompareService fans one prompt out to several models.
type CompareService struct {
	registry *model.Registry
	backend  ports.ModelBackend
	ledger   *LedgerService
	policy   ports.AccessPolicy
	metrics  ports.Metrics
	logger   zerolog.Logger
	cfg      CompareConfig
}

// NewCompareService creates a comparison service.
func NewCompareService(
	registry *model.Registry,
	backend ports.ModelBackend,
	ledger *LedgerService,
	policy ports.AccessPolicy,
	metrics ports.Metrics,
	cfg CompareConfig,
	logger zerolog.Logger,
) *CompareService {
	if cfg.ModelTimeout <= 0 {
		cfg.ModelTimeout = 60 * time.Second
	}
	if policy == nil {
		policy = OpenAccess{}
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &CompareService{
		registry: registry,
		backend:  backend,
		ledger:   ledger,
		policy:   policy,
		metrics:  metrics,
		logger:   logger,
		cfg:      cfg,
	}
}

// plan is a validated request whose credits are already debited.
type plan struct {
	accountID string
	req       compare.Request
	models    []model.Descriptor
	synthesis model.Descriptor
}

// prepare validates, prices, checks and debits. No model is called until it
// returns successfully.
func (s *CompareService) prepare(ctx context.Context, a account.Account, req compare.Request) (plan, error) {
	if err := req.Validate(s.registry); err != nil {
		s.metrics.Rejection("invalid_request")
		return plan{}, err
	}

	p := plan{accountID: a.ID, req: req, models: make([]model.Descriptor, 0, len(req.Models))}
	for _, id := range req.Models {
		m, err := s.registry.Lookup(id)
		if err != nil {
			return plan{}, err
		}
		if !s.policy.Allowed(a, m) {
			s.metrics.Rejection("access_denied")
			return plan{}, fmt.Errorf("%w: %s", ErrAccessDenied, id)
		}
		p.models = append(p.models, m)
	}
	if req.WantsSynthesis() {
		p.synthesis = s.synthesisModel(req, p.models[0])
	}

	cost, err := s.ledger.EstimateCost(req)
	if err != nil {
		return plan{}, err
	}

	if suff := s.ledger.CheckSufficiency(a, cost); !suff.Allowed {
		s.metrics.Rejection(rejectionLabel(a))
		return plan{}, &RejectionError{Reason: suff.Reason, RemainingCredits: suff.RemainingCredits}
	}

	remaining, err := s.ledger.Debit(ctx, a, cost)
	if errors.Is(err, ports.ErrInsufficientCredits) {
		// Another request spent the balance between the check and the debit.
		s.metrics.Rejection("insufficient_credits")
		return plan{}, &RejectionError{
			Reason:           fmt.Sprintf("insufficient credits: need %d, have %d", cost, remaining),
			RemainingCredits: remaining,
		}
	}
	if err != nil {
		return plan{}, fmt.Errorf("failed to deduct credits: %w", err)
	}

	s.logger.Info().
		Str("account_id", a.ID).
		Strs("models", req.Models).
		Bool("synthesis", req.WantsSynthesis()).
		Int64("credits", cost).
		Int64("remaining", remaining).
		Msg("comparison charged")

	return p, nil
}

func rejectionLabel(a account.Account) string {
	if !a.IsActive() {
		return "inactive_subscription"
	}
	return "insufficient_credits"
}

func (s *CompareService) synthesisModel(req compare.Request, first model.Descriptor) model.Descriptor {
	for _, id := range []string{req.SynthesisModel, s.cfg.DefaultSynthesisModel} {
		if id == "" {
			continue
		}
		if m, err := s.registry.Lookup(id); err == nil {
			return m
		}
	}
	return first
}

// Compare runs a batch comparison and waits for every model to settle.
func (s *CompareService) Compare(ctx context.Context, a account.Account, req compare.Request) (compare.Result, error) {
	p, err := s.prepare(ctx, a, req)
	if err != nil {
		return compare.Result{}, err
	}

	results := make([]compare.ModelResult, len(p.models))
	var g errgroup.Group
	for i, m := range p.models {
		g.Go(func() error {
			results[i] = s.call(ctx, p.accountID, m, m.ID, p.req.Prompt, nil)
			return nil
		})
	}
	_ = g.Wait()

	out := compare.Result{Results: results}
	if p.req.WantsSynthesis() {
		if ok := compare.Successful(results); len(ok) >= compare.MinSynthesisInputs {
			res := s.call(ctx, p.accountID, p.synthesis, usage.SummaryModelID(p.synthesis.ID),
				compare.SynthesisPrompt(p.req.Prompt, ok), nil)
			if res.Success {
				out.Summary = res.Response
			} else {
				out.SummaryError = res.Error
			}
		}
	}
	return out, nil
}

// Retry re-runs one model for a prompt. It is charged like a one-model comparison.
func (s *CompareService) Retry(ctx context.Context, a account.Account, prompt, modelID string) (compare.Result, error) {
	return s.Compare(ctx, a, compare.Request{Prompt: prompt, Models: []string{modelID}})
}

// CompareStream charges the request, then streams tagged events from every
// model over one channel. The channel always ends with a done event and is
// closed afterwards, unless ctx is canceled first.
func (s *CompareService) CompareStream(ctx context.Context, a account.Account, req compare.Request) (<-chan compare.StreamEvent, error) {
	p, err := s.prepare(ctx, a, req)
	if err != nil {
		return nil, err
	}

	events := make(chan compare.StreamEvent, 16*len(p.models))
	go s.stream(ctx, p, events)
	return events, nil
}

func (s *CompareService) stream(ctx context.Context, p plan, events chan<- compare.StreamEvent) {
	defer close(events)

	emit := func(e compare.StreamEvent) {
		select {
		case events <- e:
		case <-ctx.Done():
		}
	}

	results := make([]compare.ModelResult, len(p.models))
	var g errgroup.Group
	for i, m := range p.models {
		g.Go(func() error {
			res := s.call(ctx, p.accountID, m, m.ID, p.req.Prompt, func(chunk string) {
				emit(compare.StreamEvent{Kind: compare.EventChunk, ModelID: m.ID, ModelName: m.DisplayName, Text: chunk})
			})
			results[i] = res
			if res.Success {
				emit(compare.StreamEvent{
					Kind:       compare.EventComplete,
					ModelID:    m.ID,
					ModelName:  m.DisplayName,
					Text:       res.Response,
					TokenUsage: res.TokenUsage,
				})
			} else {
				emit(compare.StreamEvent{Kind: compare.EventError, ModelID: m.ID, ModelName: m.DisplayName, Err: res.Error})
			}
			return nil
		})
	}
	_ = g.Wait()

	if p.req.WantsSynthesis() {
		if ok := compare.Successful(results); len(ok) >= compare.MinSynthesisInputs {
			res := s.call(ctx, p.accountID, p.synthesis, usage.SummaryModelID(p.synthesis.ID),
				compare.SynthesisPrompt(p.req.Prompt, ok), func(chunk string) {
					emit(compare.StreamEvent{Kind: compare.EventSummaryChunk, Text: chunk})
				})
			if res.Success {
				emit(compare.StreamEvent{Kind: compare.EventSummary, Text: res.Response, TokenUsage: res.TokenUsage})
			} else {
				emit(compare.StreamEvent{Kind: compare.EventSummaryError, Err: res.Error})
			}
		}
	}

	emit(compare.StreamEvent{Kind: compare.EventDone})
}

// call runs one model and records its usage event, success or not.
// A nil onChunk means batch mode.
func (s *CompareService) call(ctx context.Context, accountID string, m model.Descriptor, usageModelID, prompt string, onChunk func(string)) (res compare.ModelResult) {
	res = compare.ModelResult{ModelID: m.ID, ModelName: m.DisplayName}
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Interface("panic", r).
				Str("model_id", m.ID).
				Msg("model call panicked")
			res.Success = false
			res.Response = ""
			res.Error = m.ID + ": internal error"
		}

		outcome := "success"
		cost := decimal.Zero
		if res.Success {
			cost = usage.Cost(res.TokenUsage.PromptTokens, res.TokenUsage.CompletionTokens,
				m.InputCostPerMillion, m.OutputCostPerMillion)
		} else {
			outcome = "error"
			res.TokenUsage = usage.TokenUsage{}
		}
		s.metrics.ModelCall(m.ID, outcome, time.Since(start))
		s.ledger.RecordUsage(accountID, usageModelID, res.TokenUsage, cost)
	}()

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.ModelTimeout)
	defer cancel()

	var (
		comp ports.Completion
		err  error
	)
	if onChunk != nil {
		comp, err = s.backend.Stream(callCtx, m, prompt, onChunk)
	} else {
		comp, err = s.backend.Complete(callCtx, m, prompt)
	}
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%s: timed out after %s", m.ID, s.cfg.ModelTimeout)
		}
		s.logger.Warn().Err(err).
			Str("account_id", accountID).
			Str("model_id", m.ID).
			Msg("model call failed")
		res.Error = err.Error()
		return res
	}

	res.Success = true
	res.Response = comp.Text
	res.TokenUsage = comp.Usage
	return res
}
