// Package orchestrator wires registry lifecycle notifications and each live
// session's inbound message stream into the reply pipeline, and dispatches
// generated replies back through the session handle.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ardiansah/wabot/internal/outcome"
	"github.com/ardiansah/wabot/internal/registry"
	"github.com/ardiansah/wabot/internal/storage"
	"github.com/ardiansah/wabot/internal/transport"
)

const defaultSendTimeout = 15 * time.Second

// Handler runs the reply decision for one inbound message.
type Handler interface {
	Handle(ctx context.Context, msg transport.InboundMessage) (*outcome.Outcome, error)
}

// MessageStore persists inbound messages as they arrive.
type MessageStore interface {
	SaveMessage(row storage.MessageRow) error
}

// Orchestrator consumes message streams from live sessions, fans each message
// out to its own pipeline run, and sends successful replies. It implements
// registry.Observer.
type Orchestrator struct {
	pipeline    Handler
	messages    MessageStore
	logger      *slog.Logger
	sendTimeout time.Duration

	group errgroup.Group
}

// New creates an Orchestrator. messages may be nil to skip message
// persistence (tests).
func New(pipeline Handler, messages MessageStore) *Orchestrator {
	return &Orchestrator{
		pipeline:    pipeline,
		messages:    messages,
		logger:      slog.Default(),
		sendTimeout: defaultSendTimeout,
	}
}

// SessionStarted attaches the orchestrator to a fresh session's message
// stream. Part of registry.Observer.
func (o *Orchestrator) SessionStarted(tenantID, sessionID string, sess transport.Session, runCtx context.Context) {
	o.group.Go(func() error {
		o.consume(tenantID, sess, runCtx)
		return nil
	})
	o.logger.Info("consuming session messages", "tenant", tenantID, "session_id", sessionID)
}

// StateChanged logs lifecycle transitions. Part of registry.Observer;
// teardown itself is the registry's job.
func (o *Orchestrator) StateChanged(snap registry.Snapshot) {
	o.logger.Info("connection state changed",
		"tenant", snap.TenantID,
		"state", snap.State,
		"session_id", snap.SessionID,
	)
}

// consume drains the session's message stream until the provider closes it.
// Each message gets an independent goroutine so one slow completion call
// never blocks the stream or other tenants.
func (o *Orchestrator) consume(tenantID string, sess transport.Session, runCtx context.Context) {
	for msg := range sess.Messages() {
		o.persistMessage(msg)

		m := msg
		o.group.Go(func() error {
			o.process(tenantID, sess, runCtx, m)
			return nil
		})
	}
}

func (o *Orchestrator) process(tenantID string, sess transport.Session, runCtx context.Context, msg transport.InboundMessage) {
	oc, err := o.pipeline.Handle(runCtx, msg)
	if err != nil {
		o.logger.Error("pipeline run failed", "tenant", tenantID, "contact", msg.ContactID, "error", err)
		return
	}
	if oc == nil || !oc.Success {
		return
	}

	// Best effort: the session may have disappeared while the reply was being
	// generated. runCtx is cancelled on teardown, which also aborts the send.
	sendCtx, cancel := context.WithTimeout(runCtx, o.sendTimeout)
	defer cancel()
	if err := sess.Send(sendCtx, msg.ContactID, oc.Response); err != nil {
		o.logger.Warn("sending reply failed",
			"tenant", tenantID,
			"contact", msg.ContactID,
			"outcome_id", oc.ID,
			"error", err,
		)
	}
}

func (o *Orchestrator) persistMessage(msg transport.InboundMessage) {
	if o.messages == nil {
		return
	}
	row := storage.MessageRow{
		ID:          uuid.New().String(),
		TenantID:    msg.TenantID,
		ContactID:   msg.ContactID,
		Body:        msg.Body,
		FromSelf:    msg.FromSelf,
		TransportID: msg.MessageID,
		ReceivedAt:  msg.ReceivedAt,
	}
	if err := o.messages.SaveMessage(row); err != nil {
		o.logger.Error("persisting message failed", "tenant", msg.TenantID, "error", err)
	}
}

// Drain waits for in-flight consumers and pipeline runs to finish, up to the
// grace period. Session teardown (which cancels run contexts) should happen
// before calling Drain.
func (o *Orchestrator) Drain(grace time.Duration) error {
	done := make(chan struct{})
	go func() {
		o.group.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(grace):
		return context.DeadlineExceeded
	}
}
