// Package repotest holds store helpers for tests.
package repotest

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"deal-settlement/internal/domain"
)

// TamperStore wraps a Store and serves forged audit entries in place of
// the stored ones, the way an out-of-band edit of the audit table would.
// Hashes are never recomputed.
type TamperStore struct {
	domain.Store
	forged *forgeries
}

type forgeries struct {
	mu      sync.Mutex
	entries map[string]domain.AuditEntry
}

func NewTamperStore(inner domain.Store) *TamperStore {
	return &TamperStore{Store: inner, forged: &forgeries{entries: make(map[string]domain.AuditEntry)}}
}

// ReplaceAuditEntry substitutes entry for the stored entry with the same
// subject and sequence.
func (s *TamperStore) ReplaceAuditEntry(ctx context.Context, entry domain.AuditEntry) error {
	stored, err := s.Store.Audit().ListEntries(ctx, entry.SubjectType, entry.SubjectID)
	if err != nil {
		return err
	}
	for _, e := range stored {
		if e.Sequence == entry.Sequence {
			s.forged.mu.Lock()
			s.forged.entries[forgeryKey(entry)] = entry
			s.forged.mu.Unlock()
			return nil
		}
	}
	return fmt.Errorf("audit entry %s/%s#%d not found", entry.SubjectType, entry.SubjectID, entry.Sequence)
}

func (s *TamperStore) Audit() domain.AuditRepository {
	return &tamperedAudit{inner: s.Store.Audit(), forged: s.forged}
}

func (s *TamperStore) WithTransaction(ctx context.Context, fn func(domain.Store) error) error {
	return s.Store.WithTransaction(ctx, func(tx domain.Store) error {
		return fn(&TamperStore{Store: tx, forged: s.forged})
	})
}

type tamperedAudit struct {
	inner  domain.AuditRepository
	forged *forgeries
}

func (a *tamperedAudit) AppendEntry(ctx context.Context, entry *domain.AuditEntry) error {
	return a.inner.AppendEntry(ctx, entry)
}

func (a *tamperedAudit) LastEntry(ctx context.Context, subjectType, subjectID string) (*domain.AuditEntry, error) {
	last, err := a.inner.LastEntry(ctx, subjectType, subjectID)
	if err != nil || last == nil {
		return last, err
	}
	out := a.forged.apply(*last)
	return &out, nil
}

func (a *tamperedAudit) ListEntries(ctx context.Context, subjectType, subjectID string) ([]domain.AuditEntry, error) {
	entries, err := a.inner.ListEntries(ctx, subjectType, subjectID)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		entries[i] = a.forged.apply(entries[i])
	}
	return entries, nil
}

func (f *forgeries) apply(e domain.AuditEntry) domain.AuditEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	if forged, ok := f.entries[forgeryKey(e)]; ok {
		return forged
	}
	return e
}

func forgeryKey(e domain.AuditEntry) string {
	return e.SubjectType + "/" + e.SubjectID + "#" + strconv.FormatInt(e.Sequence, 10)
}
