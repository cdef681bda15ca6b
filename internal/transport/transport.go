// Package transport defines the narrow interface to the external messaging
// provider. The engine never speaks the provider's wire protocol; it consumes
// lifecycle events and inbound messages, and sends replies through a Session.
package transport

import (
	"context"
	"time"
)

// EventKind identifies a lifecycle transition reported by the provider.
type EventKind string

const (
	// EventChallenge carries a pairing challenge (e.g. a QR payload) that the
	// tenant must complete out of band.
	EventChallenge EventKind = "challenge"
	// EventAuthenticated means the pairing handshake succeeded but the session
	// is not yet ready to exchange messages.
	EventAuthenticated EventKind = "authenticated"
	// EventReady means the session is fully connected.
	EventReady EventKind = "ready"
	// EventClosed means the session ended (remote logout, network loss, ...).
	EventClosed EventKind = "closed"
	// EventAuthFailed means the pairing handshake was rejected.
	EventAuthFailed EventKind = "auth_failed"
	// EventFatal means the provider hit an unrecoverable error for this session.
	EventFatal EventKind = "fatal"
)

// Event is one lifecycle notification for a session.
type Event struct {
	Kind EventKind
	// Challenge is the pairing payload; set only for EventChallenge.
	Challenge string
	// LinkedAccount is the provider-side account id (phone number, JID, ...);
	// set only for EventReady.
	LinkedAccount string
	// Reason describes why the session closed or failed.
	Reason string
}

// InboundMessage is one message received from a correspondent (or from the
// tenant's own device, flagged with FromSelf).
type InboundMessage struct {
	TenantID   string
	ContactID  string
	Body       string
	MessageID  string // provider message id, may be empty
	ReceivedAt time.Time
	FromSelf   bool
}

// Session is one live provider connection for a tenant. Implementations are
// supplied by the transport collaborator; the engine treats them as opaque.
type Session interface {
	// Events delivers lifecycle events for this session. The channel is closed
	// by the provider after a terminal event.
	Events() <-chan Event
	// Messages delivers inbound messages. Closed together with Events.
	Messages() <-chan InboundMessage
	// Send delivers text to a contact. Best effort; fails if the session is
	// no longer live.
	Send(ctx context.Context, contactID, text string) error
	// Close tears the session down. Idempotent.
	Close() error
}

// Provider opens paired sessions. Opening starts the pairing handshake; the
// resulting Session reports progress through its Events channel.
type Provider interface {
	OpenSession(ctx context.Context, tenantID string) (Session, error)
}
