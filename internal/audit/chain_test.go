package audit_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deal-settlement/internal/audit"
	"deal-settlement/internal/domain"
	"deal-settlement/internal/errors"
	"deal-settlement/internal/repository"
	"deal-settlement/internal/repository/repotest"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func appendEntries(t *testing.T, store *repository.MemoryStore, subjectID string, n int) []domain.AuditEntry {
	t.Helper()
	chain := audit.NewChain(discardLogger())
	ctx := context.Background()
	for i := 0; i < n; i++ {
		_, err := chain.Append(ctx, store.Audit(), domain.SubjectDeal, subjectID, "step", "admin-1", map[string]string{
			"index": string(rune('a' + i)),
		})
		require.NoError(t, err)
	}
	entries, err := store.Audit().ListEntries(ctx, domain.SubjectDeal, subjectID)
	require.NoError(t, err)
	return entries
}

func TestPayloadDigestIgnoresKeyOrder(t *testing.T) {
	a := map[string]string{"amount": "100", "currency": "EUR", "actor": "x"}
	b := map[string]string{"currency": "EUR", "actor": "x", "amount": "100"}

	assert.Equal(t, audit.PayloadDigest(a), audit.PayloadDigest(b))
	assert.Equal(t, audit.PayloadDigest(nil), audit.PayloadDigest(map[string]string{}))
	assert.NotEqual(t, audit.PayloadDigest(a), audit.PayloadDigest(map[string]string{"amount": "101", "currency": "EUR", "actor": "x"}))
}

func TestComputeHashSeparatesFields(t *testing.T) {
	base := domain.AuditEntry{
		ID:           uuid.New(),
		SubjectType:  "deal",
		SubjectID:    "ab",
		Action:       "c",
		ActorID:      "u",
		Timestamp:    time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC),
		PreviousHash: audit.GenesisHash,
	}
	shifted := base
	shifted.SubjectID = "a"
	shifted.Action = "bc"

	assert.NotEqual(t, audit.ComputeHash(&base), audit.ComputeHash(&shifted))

	// Sub-microsecond precision is not part of the hash.
	truncated := base
	truncated.Timestamp = base.Timestamp.Truncate(time.Microsecond)
	assert.Equal(t, audit.ComputeHash(&base), audit.ComputeHash(&truncated))
}

func TestChainAppendLinksEntries(t *testing.T) {
	store := repository.NewMemoryStore(discardLogger())
	entries := appendEntries(t, store, "deal-1", 3)

	require.Len(t, entries, 3)
	assert.Equal(t, audit.GenesisHash, entries[0].PreviousHash)
	for i := range entries {
		assert.Equal(t, int64(i+1), entries[i].Sequence)
		assert.Len(t, entries[i].SelfHash, 64)
		if i > 0 {
			assert.Equal(t, entries[i-1].SelfHash, entries[i].PreviousHash)
		}
	}
	assert.NoError(t, audit.Verify(entries))
}

func TestChainsAreIndependentPerSubject(t *testing.T) {
	store := repository.NewMemoryStore(discardLogger())
	appendEntries(t, store, "deal-1", 2)
	other := appendEntries(t, store, "deal-2", 1)

	assert.Equal(t, int64(1), other[0].Sequence)
	assert.Equal(t, audit.GenesisHash, other[0].PreviousHash)
}

func TestVerifyDetectsTampering(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(entries []domain.AuditEntry) []domain.AuditEntry
		at     int64
		reason string
	}{
		{
			name: "payload edited",
			mutate: func(entries []domain.AuditEntry) []domain.AuditEntry {
				entries[1].Payload = map[string]string{"index": "z"}
				return entries
			},
			at:     2,
			reason: "payload digest mismatch",
		},
		{
			name: "payload and digest edited",
			mutate: func(entries []domain.AuditEntry) []domain.AuditEntry {
				entries[1].Payload = map[string]string{"index": "z"}
				entries[1].PayloadDigest = audit.PayloadDigest(entries[1].Payload)
				return entries
			},
			at:     2,
			reason: "self hash mismatch",
		},
		{
			name: "entry rehashed in place",
			mutate: func(entries []domain.AuditEntry) []domain.AuditEntry {
				entries[0].ActorID = "intruder"
				entries[0].SelfHash = audit.ComputeHash(&entries[0])
				return entries
			},
			at:     2,
			reason: "previous hash does not match predecessor",
		},
		{
			name: "entry deleted",
			mutate: func(entries []domain.AuditEntry) []domain.AuditEntry {
				return append(entries[:1], entries[2:]...)
			},
			at:     3,
			reason: "expected sequence 2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := repository.NewMemoryStore(discardLogger())
			entries := tt.mutate(appendEntries(t, store, "deal-1", 3))

			err := audit.Verify(entries)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrChainBroken))

			var broken *audit.ChainBrokenError
			require.True(t, errors.As(err, &broken))
			assert.Equal(t, tt.at, broken.Sequence)
			assert.Equal(t, tt.reason, broken.Reason)
		})
	}
}

func TestVerifyChainReportsBrokenEntry(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore(discardLogger())
	entries := appendEntries(t, store, "deal-1", 3)
	chain := audit.NewChain(discardLogger())

	v, err := chain.VerifyChain(ctx, store.Audit(), domain.SubjectDeal, "deal-1")
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Equal(t, 3, v.Entries)
	assert.Equal(t, entries[2].SelfHash, v.TailHash)

	tampered := entries[2]
	tampered.Payload = map[string]string{"index": "forged"}
	edited := repotest.NewTamperStore(store)
	require.NoError(t, edited.ReplaceAuditEntry(ctx, tampered))

	v, err = chain.VerifyChain(ctx, edited.Audit(), domain.SubjectDeal, "deal-1")
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, int64(3), v.BrokenAt)
	assert.Empty(t, v.TailHash)
}

func TestVerifyEmptyChain(t *testing.T) {
	assert.NoError(t, audit.Verify(nil))

	chain := audit.NewChain(discardLogger())
	v, err := chain.VerifyChain(context.Background(), repository.NewMemoryStore(discardLogger()).Audit(), domain.SubjectDeal, "none")
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Zero(t, v.Entries)
}
