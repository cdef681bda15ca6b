package outcome

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ardiansah/wabot/internal/storage"
)

type memLogStore struct {
	mu   sync.Mutex
	rows []storage.ReplyLogRow
	err  error
}

func (m *memLogStore) SaveReplyLog(row storage.ReplyLogRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.rows = append(m.rows, row)
	return nil
}

func (m *memLogStore) RecentReplyLogs(tenantID string, limit int) ([]storage.ReplyLogRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.ReplyLogRow
	for i := len(m.rows) - 1; i >= 0 && len(out) < limit; i-- {
		if m.rows[i].TenantID == tenantID {
			out = append(out, m.rows[i])
		}
	}
	return out, nil
}

func (m *memLogStore) ReplyStatsSince(tenantID string, since time.Time) (storage.ReplyStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stats storage.ReplyStats
	for _, row := range m.rows {
		if row.TenantID != tenantID || row.CreatedAt.Before(since) {
			continue
		}
		stats.TotalReplies++
		if row.Success {
			stats.SuccessfulReplies++
		}
	}
	return stats, nil
}

func TestRecordPersistsAndCounts(t *testing.T) {
	store := &memLogStore{}
	r := NewRecorder(store)

	ok := New("t1", "c1", "hi")
	ok.Success = true
	ok.Response = "hello"
	ok.TokensUsed = 12
	ok.Latency = 150 * time.Millisecond
	ok.Model = "m"
	r.Record(ok)

	failed := New("t1", "c1", "hi again")
	failed.ErrorKind = "timeout"
	failed.ErrorMessage = "no response after 30s"
	r.Record(failed)

	if len(store.rows) != 2 {
		t.Fatalf("persisted %d rows, want 2", len(store.rows))
	}
	if store.rows[0].ResponseTimeMs != 150 {
		t.Errorf("ResponseTimeMs = %d, want 150", store.rows[0].ResponseTimeMs)
	}
	if store.rows[1].Success || store.rows[1].ErrorKind != "timeout" {
		t.Errorf("failure row mismatch: %+v", store.rows[1])
	}

	c := r.Snapshot()
	if c.Attempts != 2 || c.Successes != 1 || c.TokensUsed != 12 {
		t.Errorf("counters = %+v", c)
	}
}

// TestRecordSwallowsWriteFailure: a persistence failure is telemetry, not a
// pipeline error.
func TestRecordSwallowsWriteFailure(t *testing.T) {
	store := &memLogStore{err: errors.New("disk full")}
	r := NewRecorder(store)

	oc := New("t1", "c1", "hi")
	oc.Success = true
	r.Record(oc) // must not panic or propagate

	c := r.Snapshot()
	if c.WriteFailures != 1 {
		t.Errorf("WriteFailures = %d, want 1", c.WriteFailures)
	}
	if c.Attempts != 1 || c.Successes != 1 {
		t.Errorf("counters must still advance: %+v", c)
	}
}

func TestCountersUnderConcurrentWriters(t *testing.T) {
	r := NewRecorder(&memLogStore{})

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			oc := New("t1", "c1", "hi")
			oc.Success = true
			oc.TokensUsed = 2
			r.Record(oc)
		}()
	}
	wg.Wait()

	c := r.Snapshot()
	if c.Attempts != 50 || c.Successes != 50 || c.TokensUsed != 100 {
		t.Errorf("counters = %+v", c)
	}
}
