package transport

import (
	"context"
	"testing"
	"time"
)

func waitEvent(t *testing.T, ch <-chan Event, want EventKind) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatalf("events closed while waiting for %s", want)
		}
		if ev.Kind != want {
			t.Fatalf("event = %s, want %s", ev.Kind, want)
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", want)
	}
	return Event{}
}

func TestLoopbackHandshake(t *testing.T) {
	p := NewLoopbackProvider()
	p.HandshakeDelay = 0

	sess, err := p.OpenSession(context.Background(), "t1")
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	defer sess.Close()

	ev := waitEvent(t, sess.Events(), EventChallenge)
	if ev.Challenge == "" {
		t.Fatal("challenge event carries no payload")
	}
	waitEvent(t, sess.Events(), EventAuthenticated)
	ev = waitEvent(t, sess.Events(), EventReady)
	if ev.LinkedAccount != "loopback:t1" {
		t.Fatalf("linked account = %q", ev.LinkedAccount)
	}
}

func TestLoopbackDeliverAndSend(t *testing.T) {
	p := NewLoopbackProvider()
	p.HandshakeDelay = 0

	sess, err := p.OpenSession(context.Background(), "t1")
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	defer sess.Close()

	if !p.Deliver("t1", InboundMessage{ContactID: "c1", Body: "hello"}) {
		t.Fatal("deliver failed for open session")
	}

	select {
	case msg := <-sess.Messages():
		if msg.TenantID != "t1" || msg.Body != "hello" {
			t.Fatalf("unexpected message %+v", msg)
		}
		if msg.ReceivedAt.IsZero() {
			t.Fatal("received time not stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}

	if err := sess.Send(context.Background(), "c1", "hi there"); err != nil {
		t.Fatalf("send: %v", err)
	}
	sent := p.Sent("t1")
	if len(sent) != 1 || sent[0].Text != "hi there" {
		t.Fatalf("sent = %+v", sent)
	}
}

func TestLoopbackCloseIsTerminal(t *testing.T) {
	p := NewLoopbackProvider()
	p.HandshakeDelay = 0

	sess, err := p.OpenSession(context.Background(), "t1")
	if err != nil {
		t.Fatalf("open session: %v", err)
	}

	if err := sess.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	if p.Deliver("t1", InboundMessage{Body: "late"}) {
		t.Fatal("deliver succeeded on closed session")
	}
	if err := sess.Send(context.Background(), "c1", "late"); err == nil {
		t.Fatal("send succeeded on closed session")
	}
}
