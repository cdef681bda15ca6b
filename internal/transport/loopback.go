package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LoopbackProvider is an in-process Provider for development and integration
// testing. Sessions pair themselves after a short simulated handshake, and
// inbound traffic is injected with Deliver. Sent replies are kept in memory.
type LoopbackProvider struct {
	// HandshakeDelay is the pause between the challenge and the authenticated
	// event. Zero means pairing completes as fast as the scheduler allows.
	HandshakeDelay time.Duration

	mu       sync.Mutex
	sessions map[string]*loopbackSession
}

func NewLoopbackProvider() *LoopbackProvider {
	return &LoopbackProvider{
		HandshakeDelay: 50 * time.Millisecond,
		sessions:       make(map[string]*loopbackSession),
	}
}

func (p *LoopbackProvider) OpenSession(ctx context.Context, tenantID string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := &loopbackSession{
		tenantID: tenantID,
		events:   make(chan Event, 8),
		messages: make(chan InboundMessage, 32),
	}

	p.mu.Lock()
	p.sessions[tenantID] = s
	p.mu.Unlock()

	go s.handshake(p.HandshakeDelay)
	return s, nil
}

// Deliver injects an inbound message into the tenant's current session.
// Returns false if the tenant has no open session.
func (p *LoopbackProvider) Deliver(tenantID string, msg InboundMessage) bool {
	p.mu.Lock()
	s, ok := p.sessions[tenantID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	return s.deliver(msg)
}

// Sent returns the replies sent through the tenant's current session.
func (p *LoopbackProvider) Sent(tenantID string) []SentMessage {
	p.mu.Lock()
	s, ok := p.sessions[tenantID]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return s.sentCopy()
}

// SentMessage is one reply recorded by the loopback session.
type SentMessage struct {
	ContactID string
	Text      string
}

type loopbackSession struct {
	tenantID string
	events   chan Event
	messages chan InboundMessage

	mu     sync.Mutex
	closed bool
	sent   []SentMessage
}

func (s *loopbackSession) handshake(delay time.Duration) {
	s.emit(Event{Kind: EventChallenge, Challenge: "2@" + uuid.New().String()})
	if delay > 0 {
		time.Sleep(delay)
	}
	s.emit(Event{Kind: EventAuthenticated})
	s.emit(Event{Kind: EventReady, LinkedAccount: fmt.Sprintf("loopback:%s", s.tenantID)})
}

func (s *loopbackSession) emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
	}
}

func (s *loopbackSession) deliver(msg InboundMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if msg.TenantID == "" {
		msg.TenantID = s.tenantID
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}
	select {
	case s.messages <- msg:
		return true
	default:
		return false
	}
}

func (s *loopbackSession) Events() <-chan Event            { return s.events }
func (s *loopbackSession) Messages() <-chan InboundMessage { return s.messages }

func (s *loopbackSession) Send(ctx context.Context, contactID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("session for %s is closed", s.tenantID)
	}
	s.sent = append(s.sent, SentMessage{ContactID: contactID, Text: text})
	return nil
}

func (s *loopbackSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	close(s.messages)
	return nil
}

func (s *loopbackSession) sentCopy() []SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SentMessage, len(s.sent))
	copy(out, s.sent)
	return out
}
