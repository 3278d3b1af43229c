package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lexiqai/coach-gateway/internal/analysis"
	"github.com/lexiqai/coach-gateway/internal/coaching"
	"github.com/lexiqai/coach-gateway/internal/conference"
)

// Memory is the fallback when no database is configured. Activations older
// than the retention window are pruned on write.
type Memory struct {
	retention time.Duration

	mu          sync.RWMutex
	snapshots   map[string]analysis.Snapshot
	activations []coaching.Activation
	conferences map[string]conference.Record
}

var (
	_ analysis.SnapshotStore = (*Memory)(nil)
	_ coaching.ActivationLog = (*Memory)(nil)
	_ conference.Store       = (*Memory)(nil)
)

// NewMemory creates an empty in-process store.
func NewMemory(retention time.Duration) *Memory {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Memory{
		retention:   retention,
		snapshots:   make(map[string]analysis.Snapshot),
		conferences: make(map[string]conference.Record),
	}
}

// SaveSnapshot keeps the newest snapshot per session.
func (m *Memory) SaveSnapshot(_ context.Context, s analysis.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.snapshots[s.SessionID]; ok && prev.UpdatedAt.After(s.UpdatedAt) {
		return nil
	}
	m.snapshots[s.SessionID] = s
	return nil
}

// Snapshot returns the stored snapshot for a session.
func (m *Memory) Snapshot(sessionID string) (analysis.Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snapshots[sessionID]
	return s, ok
}

// Record appends an activation.
func (m *Memory) Record(_ context.Context, a coaching.Activation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := a.At.Add(-m.retention)
	kept := m.activations[:0]
	for _, prev := range m.activations {
		if !prev.At.Before(cutoff) {
			kept = append(kept, prev)
		}
	}
	m.activations = append(kept, a)
	return nil
}

// Counts returns activations per rule id since the given time.
func (m *Memory) Counts(_ context.Context, since time.Time) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[string]int)
	for _, a := range m.activations {
		if !a.At.Before(since) {
			counts[a.RuleID]++
		}
	}
	return counts, nil
}

// SaveConference keeps the latest record per conference.
func (m *Memory) SaveConference(_ context.Context, r conference.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conferences[r.ID] = r
	return nil
}

// Conference returns the stored record for a conference.
func (m *Memory) Conference(id string) (conference.Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.conferences[id]
	return r, ok
}

// Tee records activations in every log and reads counts from the first.
type Tee []coaching.ActivationLog

// Record writes to every log and joins their errors.
func (t Tee) Record(ctx context.Context, a coaching.Activation) error {
	var errs []error
	for _, log := range t {
		if err := log.Record(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Counts reads from the first log.
func (t Tee) Counts(ctx context.Context, since time.Time) (map[string]int, error) {
	if len(t) == 0 {
		return map[string]int{}, nil
	}
	return t[0].Counts(ctx, since)
}
