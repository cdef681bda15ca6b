// Package registry owns the lifecycle of each tenant's transport session:
// the tenant -> live session map, the connection state machine, and the run
// contexts that bound in-flight reply work to a session's lifetime.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ardiansah/wabot/internal/storage"
	"github.com/ardiansah/wabot/internal/transport"
)

// ErrProviderUnavailable is returned when the transport provider cannot
// allocate a session; the tenant stays disconnected.
var ErrProviderUnavailable = errors.New("transport provider unavailable")

// State is a tenant's connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StatePairing      State = "pairing"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// Snapshot is a point-in-time read of a tenant's connection state.
type Snapshot struct {
	TenantID       string    `json:"tenant_id"`
	State          State     `json:"state"`
	SessionID      string    `json:"session_id,omitempty"`
	Challenge      string    `json:"challenge,omitempty"`      // pairing only
	LinkedAccount  string    `json:"linked_account,omitempty"` // connected only
	LastTransition time.Time `json:"last_transition,omitempty"`
}

// Live reports whether the snapshot holds a live (pairing or connected) session.
func (s Snapshot) Live() bool {
	return s.State == StatePairing || s.State == StateConnected
}

// ConnectionStore persists connection status transitions.
type ConnectionStore interface {
	UpsertConnection(row storage.ConnectionRow) error
}

// Observer is notified of session starts and state transitions. Callbacks run
// outside the registry lock and must not block for long.
type Observer interface {
	// SessionStarted fires once per fresh session, before any lifecycle event
	// for it is applied. runCtx is cancelled when the session is torn down.
	SessionStarted(tenantID, sessionID string, sess transport.Session, runCtx context.Context)
	// StateChanged fires on every transition, including synthetic disconnects.
	StateChanged(snap Snapshot)
}

type entry struct {
	sessionID      string
	state          State
	challenge      string
	linkedAccount  string
	lastTransition time.Time

	sess   transport.Session
	runCtx context.Context
	cancel context.CancelFunc
}

// Registry is the single source of truth for "is this tenant's session live".
// It is the only writer of connection state; at most one live session exists
// per tenant at any time.
type Registry struct {
	provider transport.Provider
	store    ConnectionStore
	logger   *slog.Logger

	mu        sync.RWMutex
	entries   map[string]*entry
	observers []Observer
}

// New creates a Registry. store may be nil when status persistence is not
// wanted (tests).
func New(provider transport.Provider, store ConnectionStore) *Registry {
	return &Registry{
		provider: provider,
		store:    store,
		logger:   slog.Default(),
		entries:  make(map[string]*entry),
	}
}

// Subscribe registers an observer. Not safe to call after sessions exist.
func (r *Registry) Subscribe(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

// BeginPairing starts a fresh pairing session for the tenant. A live session
// (pairing or connected) is superseded: torn down with a synthetic
// disconnected transition before the new session is allocated, so two live
// handles never coexist. The pairing challenge arrives asynchronously via a
// lifecycle event; callers poll State for it.
func (r *Registry) BeginPairing(ctx context.Context, tenantID string) (Snapshot, error) {
	newID := uuid.New().String()

	r.mu.Lock()
	old := r.entries[tenantID]
	if old != nil && !stateLive(old.state) {
		old = nil
	}
	// Reserve the slot before releasing the lock so a concurrent BeginPairing
	// supersedes this one instead of racing it.
	e := &entry{
		sessionID:      newID,
		state:          StatePairing,
		lastTransition: time.Now().UTC(),
	}
	r.entries[tenantID] = e
	r.mu.Unlock()

	if old != nil {
		r.teardown(tenantID, old, "superseded by new pairing request")
	}
	r.notifyState(r.snapshotOf(tenantID, e))
	r.persist(tenantID, e)

	// Provider call happens outside any lock; it may take a while.
	sess, err := r.provider.OpenSession(ctx, tenantID)
	if err != nil {
		r.mu.Lock()
		if cur := r.entries[tenantID]; cur != nil && cur.sessionID == newID {
			delete(r.entries, tenantID)
		}
		r.mu.Unlock()
		down := Snapshot{TenantID: tenantID, State: StateDisconnected, LastTransition: time.Now().UTC()}
		r.notifyState(down)
		r.persistSnapshot(down)
		return down, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	r.mu.Lock()
	cur := r.entries[tenantID]
	if cur == nil || cur.sessionID != newID {
		// Superseded while the provider was allocating.
		r.mu.Unlock()
		cancel()
		if err := sess.Close(); err != nil {
			r.logger.Warn("closing superseded session", "tenant", tenantID, "error", err)
		}
		return r.State(tenantID), nil
	}
	cur.sess = sess
	cur.runCtx = runCtx
	cur.cancel = cancel
	snap := r.snapshotOf(tenantID, cur)
	r.mu.Unlock()

	for _, o := range r.observerList() {
		o.SessionStarted(tenantID, newID, sess, runCtx)
	}

	go r.pumpEvents(tenantID, newID, sess)

	return snap, nil
}

// HandleEvent applies a lifecycle event against the tenant's current session.
// Exposed for transports that push events directly instead of through the
// session's event channel.
func (r *Registry) HandleEvent(tenantID string, ev transport.Event) {
	r.mu.RLock()
	e := r.entries[tenantID]
	var sessionID string
	if e != nil {
		sessionID = e.sessionID
	}
	r.mu.RUnlock()
	if sessionID == "" {
		r.logger.Debug("dropping event for tenant without session", "tenant", tenantID, "event", ev.Kind)
		return
	}
	r.applyEvent(tenantID, sessionID, ev)
}

// State returns a non-blocking snapshot of the tenant's connection state.
func (r *Registry) State(tenantID string) Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e := r.entries[tenantID]
	if e == nil {
		return Snapshot{TenantID: tenantID, State: StateDisconnected}
	}
	return r.snapshotOf(tenantID, e)
}

// EndSession tears down the tenant's session if one is live. Idempotent: an
// already-disconnected tenant is a no-op.
func (r *Registry) EndSession(tenantID string) {
	r.mu.Lock()
	e := r.entries[tenantID]
	if e == nil || !stateLive(e.state) {
		r.mu.Unlock()
		return
	}
	delete(r.entries, tenantID)
	r.mu.Unlock()

	r.teardown(tenantID, e, "session ended")
}

// Close tears down every live session. Called at shutdown so run contexts are
// cancelled and consumer goroutines unblock before the orchestrator drains.
func (r *Registry) Close() {
	r.mu.Lock()
	live := make(map[string]*entry)
	for tenantID, e := range r.entries {
		if stateLive(e.state) {
			live[tenantID] = e
			delete(r.entries, tenantID)
		}
	}
	r.mu.Unlock()

	for tenantID, e := range live {
		r.teardown(tenantID, e, "shutting down")
	}
}

// pumpEvents consumes the session's event channel until it closes, feeding
// the state machine. Stale events for replaced sessions are dropped inside
// applyEvent.
func (r *Registry) pumpEvents(tenantID, sessionID string, sess transport.Session) {
	for ev := range sess.Events() {
		r.applyEvent(tenantID, sessionID, ev)
	}
}

func (r *Registry) applyEvent(tenantID, sessionID string, ev transport.Event) {
	r.mu.Lock()
	e := r.entries[tenantID]
	if e == nil || e.sessionID != sessionID {
		r.mu.Unlock()
		r.logger.Debug("dropping stale lifecycle event", "tenant", tenantID, "event", ev.Kind)
		return
	}

	switch ev.Kind {
	case transport.EventChallenge:
		e.state = StatePairing
		e.challenge = ev.Challenge
	case transport.EventAuthenticated:
		e.state = StatePairing
		e.challenge = ""
	case transport.EventReady:
		e.state = StateConnected
		e.challenge = ""
		e.linkedAccount = ev.LinkedAccount
	case transport.EventClosed, transport.EventAuthFailed:
		delete(r.entries, tenantID)
		r.mu.Unlock()
		r.teardown(tenantID, e, ev.Reason)
		return
	case transport.EventFatal:
		e.state = StateError
		e.lastTransition = time.Now().UTC()
		snap := r.snapshotOf(tenantID, e)
		delete(r.entries, tenantID)
		r.mu.Unlock()
		r.logger.Error("transport session fatal error", "tenant", tenantID, "reason", ev.Reason)
		r.notifyState(snap)
		r.persistSnapshot(snap)
		r.teardown(tenantID, e, ev.Reason)
		return
	default:
		r.mu.Unlock()
		r.logger.Warn("unknown lifecycle event", "tenant", tenantID, "event", ev.Kind)
		return
	}

	e.lastTransition = time.Now().UTC()
	snap := r.snapshotOf(tenantID, e)
	r.mu.Unlock()

	r.notifyState(snap)
	r.persist(tenantID, e)
}

// teardown cancels the session's run context (aborting suspended pipeline
// runs), closes the handle, and emits the disconnected transition. The entry
// must already be detached from the map.
func (r *Registry) teardown(tenantID string, e *entry, reason string) {
	if e.cancel != nil {
		e.cancel()
	}
	if e.sess != nil {
		if err := e.sess.Close(); err != nil {
			r.logger.Warn("closing transport session", "tenant", tenantID, "error", err)
		}
	}
	r.logger.Info("session torn down", "tenant", tenantID, "session_id", e.sessionID, "reason", reason)

	down := Snapshot{
		TenantID:       tenantID,
		State:          StateDisconnected,
		SessionID:      e.sessionID,
		LastTransition: time.Now().UTC(),
	}
	r.notifyState(down)
	r.persistSnapshot(down)
}

func (r *Registry) snapshotOf(tenantID string, e *entry) Snapshot {
	snap := Snapshot{
		TenantID:       tenantID,
		State:          e.state,
		SessionID:      e.sessionID,
		LastTransition: e.lastTransition,
	}
	if e.state == StatePairing {
		snap.Challenge = e.challenge
	}
	if e.state == StateConnected {
		snap.LinkedAccount = e.linkedAccount
	}
	return snap
}

func (r *Registry) observerList() []Observer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Observer(nil), r.observers...)
}

func (r *Registry) notifyState(snap Snapshot) {
	for _, o := range r.observerList() {
		o.StateChanged(snap)
	}
}

func (r *Registry) persist(tenantID string, e *entry) {
	r.mu.RLock()
	snap := r.snapshotOf(tenantID, e)
	r.mu.RUnlock()
	r.persistSnapshot(snap)
}

func (r *Registry) persistSnapshot(snap Snapshot) {
	if r.store == nil {
		return
	}
	row := storage.ConnectionRow{
		TenantID:      snap.TenantID,
		Status:        string(snap.State),
		LinkedAccount: snap.LinkedAccount,
		Challenge:     snap.Challenge,
		UpdatedAt:     time.Now().UTC(),
	}
	if snap.State == StateConnected {
		row.LastConnectedAt = time.Now().UTC()
	}
	if err := r.store.UpsertConnection(row); err != nil {
		r.logger.Error("persisting connection status failed",
			"tenant", snap.TenantID, "status", snap.State, "error", err)
	}
}

func stateLive(s State) bool {
	return s == StatePairing || s == StateConnected
}
