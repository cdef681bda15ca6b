// Package reply decides whether and how to answer one inbound message:
// policy gating, keyword matching, the human-pacing delay, and the completion
// call. Failures become failed outcomes, never errors that cross the
// pipeline boundary.
package reply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ardiansah/wabot/internal/completion"
	"github.com/ardiansah/wabot/internal/outcome"
	"github.com/ardiansah/wabot/internal/policy"
	"github.com/ardiansah/wabot/internal/transport"
)

// Error kinds produced by the pipeline itself, before or around the
// completion call.
const (
	ErrKindMissingCredential = "missing_credential"
	ErrKindCancelled         = "cancelled"
)

// PolicySource yields the effective policy for a tenant.
type PolicySource interface {
	Get(ctx context.Context, tenantID string) (policy.Policy, error)
}

// Completer is the completion-provider adapter.
type Completer interface {
	Complete(ctx context.Context, req completion.Request) (completion.Result, error)
}

// Recorder persists outcomes. Recording must not fail upward.
type Recorder interface {
	Record(oc outcome.Outcome)
}

// Pipeline runs the auto-reply decision for inbound messages. Safe for
// concurrent use; one call per message.
type Pipeline struct {
	policies  PolicySource
	completer Completer
	recorder  Recorder
	logger    *slog.Logger

	// delay is swapped in tests to avoid real sleeps.
	delay func(ctx context.Context, d time.Duration) error
}

// NewPipeline wires the pipeline to its collaborators.
func NewPipeline(policies PolicySource, completer Completer, recorder Recorder) *Pipeline {
	return &Pipeline{
		policies:  policies,
		completer: completer,
		recorder:  recorder,
		logger:    slog.Default(),
		delay:     sleepCtx,
	}
}

// Handle processes one inbound message. A nil outcome means the message was
// suppressed (self-originated, policy disabled, or keyword gate) and nothing
// was recorded. A non-nil outcome has been recorded, success or failure; the
// caller sends the response only when Success is set.
func (p *Pipeline) Handle(ctx context.Context, msg transport.InboundMessage) (*outcome.Outcome, error) {
	return p.run(ctx, msg, true)
}

// HandleDirect runs the same decision without the pacing delay and without
// recording an outcome. The control surface uses it for test replies, which
// must not show up in the reply log or the stats.
func (p *Pipeline) HandleDirect(ctx context.Context, msg transport.InboundMessage) (*outcome.Outcome, error) {
	return p.run(ctx, msg, false)
}

func (p *Pipeline) run(ctx context.Context, msg transport.InboundMessage, live bool) (*outcome.Outcome, error) {
	// Messages the tenant sent from their own device never trigger a reply.
	if msg.FromSelf {
		return nil, nil
	}

	pol, err := p.policies.Get(ctx, msg.TenantID)
	if err != nil {
		return nil, fmt.Errorf("loading policy for %s: %w", msg.TenantID, err)
	}
	if !pol.Enabled {
		return nil, nil
	}
	if !pol.MatchesKeywords(msg.Body) {
		p.logger.Debug("message gated out by keywords", "tenant", msg.TenantID, "contact", msg.ContactID)
		return nil, nil
	}

	// Human-like pacing. Cancellable: a session teardown while waiting aborts
	// the run before the provider is ever called.
	if live {
		if err := p.delay(ctx, pol.ReplyDelay); err != nil {
			oc := p.failedOutcome(msg, pol, ErrKindCancelled, "cancelled during reply delay", 0, live)
			return &oc, nil
		}
	}

	if pol.APIKey == "" {
		oc := p.failedOutcome(msg, pol, ErrKindMissingCredential, "no completion credential configured", 0, live)
		return &oc, nil
	}

	res, err := p.completer.Complete(ctx, completion.Request{
		Model:        pol.Model,
		SystemPrompt: pol.SystemPrompt,
		UserMessage:  msg.Body,
		MaxTokens:    pol.MaxTokens,
		Temperature:  pol.Temperature,
		APIKey:       pol.APIKey,
	})
	if err != nil {
		kind, message := classify(err)
		oc := p.failedOutcome(msg, pol, kind, message, res.Latency, live)
		return &oc, nil
	}

	oc := outcome.New(msg.TenantID, msg.ContactID, msg.Body)
	oc.Success = true
	oc.Response = res.Text
	oc.TokensUsed = res.TotalTokens
	oc.Latency = res.Latency
	oc.Model = res.Model
	if live {
		p.recorder.Record(oc)
	}

	p.logger.Info("auto-reply generated",
		"tenant", msg.TenantID,
		"contact", msg.ContactID,
		"latency_ms", res.Latency.Milliseconds(),
		"tokens", res.TotalTokens,
	)
	return &oc, nil
}

func (p *Pipeline) failedOutcome(msg transport.InboundMessage, pol policy.Policy, kind, message string, latency time.Duration, live bool) outcome.Outcome {
	oc := outcome.New(msg.TenantID, msg.ContactID, msg.Body)
	oc.ErrorKind = kind
	oc.ErrorMessage = message
	oc.Latency = latency
	oc.Model = pol.Model
	if live {
		p.recorder.Record(oc)
	}

	p.logger.Warn("auto-reply failed",
		"tenant", msg.TenantID,
		"contact", msg.ContactID,
		"kind", kind,
		"error", message,
	)
	return oc
}

func classify(err error) (kind, message string) {
	if errors.Is(err, context.Canceled) {
		return ErrKindCancelled, "cancelled during completion call"
	}
	var cerr *completion.Error
	if errors.As(err, &cerr) {
		return string(cerr.Kind), cerr.Message
	}
	return string(completion.KindTransport), err.Error()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
