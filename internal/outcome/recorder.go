package outcome

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ardiansah/wabot/internal/storage"
)

// LogStore abstracts the reply-log persistence operations.
type LogStore interface {
	SaveReplyLog(row storage.ReplyLogRow) error
	RecentReplyLogs(tenantID string, limit int) ([]storage.ReplyLogRow, error)
	ReplyStatsSince(tenantID string, since time.Time) (storage.ReplyStats, error)
}

// Counters is a snapshot of the process-lifetime aggregate counters.
type Counters struct {
	Attempts      int64 `json:"attempts"`
	Successes     int64 `json:"successes"`
	TokensUsed    int64 `json:"tokens_used"`
	WriteFailures int64 `json:"write_failures"`
}

// Recorder owns outcomes from creation to persistence. Recording never fails
// upward: a persistence error is logged and counted, because a reply that was
// already sent must not be reported as failed over a bookkeeping problem.
type Recorder struct {
	store  LogStore
	logger *slog.Logger

	attempts      atomic.Int64
	successes     atomic.Int64
	tokensUsed    atomic.Int64
	writeFailures atomic.Int64
}

// NewRecorder creates a Recorder over the given log store.
func NewRecorder(store LogStore) *Recorder {
	return &Recorder{store: store, logger: slog.Default()}
}

// Record appends the outcome to the durable reply log and folds it into the
// aggregate counters.
func (r *Recorder) Record(oc Outcome) {
	r.attempts.Add(1)
	if oc.Success {
		r.successes.Add(1)
		r.tokensUsed.Add(int64(oc.TokensUsed))
	}

	row := storage.ReplyLogRow{
		ID:              oc.ID,
		TenantID:        oc.TenantID,
		ContactID:       oc.ContactID,
		OriginalMessage: oc.OriginalMessage,
		Response:        oc.Response,
		Success:         oc.Success,
		ErrorKind:       oc.ErrorKind,
		ErrorMessage:    oc.ErrorMessage,
		ResponseTimeMs:  oc.Latency.Milliseconds(),
		TokensUsed:      oc.TokensUsed,
		Model:           oc.Model,
		CreatedAt:       oc.CreatedAt,
	}
	if err := r.store.SaveReplyLog(row); err != nil {
		r.writeFailures.Add(1)
		r.logger.Error("reply log write failed",
			"tenant", oc.TenantID,
			"outcome_id", oc.ID,
			"error", err,
		)
	}
}

// Stats aggregates reply-log rows for a tenant over the trailing window.
func (r *Recorder) Stats(tenantID string, window time.Duration) (storage.ReplyStats, error) {
	return r.store.ReplyStatsSince(tenantID, time.Now().UTC().Add(-window))
}

// Recent returns the newest reply-log rows for a tenant.
func (r *Recorder) Recent(tenantID string, limit int) ([]storage.ReplyLogRow, error) {
	return r.store.RecentReplyLogs(tenantID, limit)
}

// Snapshot returns the process-lifetime counters.
func (r *Recorder) Snapshot() Counters {
	return Counters{
		Attempts:      r.attempts.Load(),
		Successes:     r.successes.Load(),
		TokensUsed:    r.tokensUsed.Load(),
		WriteFailures: r.writeFailures.Load(),
	}
}
