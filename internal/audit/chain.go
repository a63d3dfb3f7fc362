package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"deal-settlement/internal/domain"
	"deal-settlement/internal/errors"
)

// Chain appends and verifies audit entries. It holds no state of its own:
// the repository passed in decides which database transaction the entry
// joins.
type Chain struct {
	logger *slog.Logger
	now    func() time.Time
}

func NewChain(logger *slog.Logger) *Chain {
	return &Chain{
		logger: logger,
		now:    time.Now,
	}
}

// Verification is the outcome of replaying one chain.
type Verification struct {
	SubjectType string `json:"subject_type"`
	SubjectID   string `json:"subject_id"`
	Entries     int    `json:"entries"`
	Valid       bool   `json:"valid"`
	TailHash    string `json:"tail_hash,omitempty"`
	BrokenAt    int64  `json:"broken_at,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Append links a new entry to the tail of (subjectType, subjectID).
func (c *Chain) Append(
	ctx context.Context,
	repo domain.AuditRepository,
	subjectType, subjectID, action, actorID string,
	payload map[string]string,
) (*domain.AuditEntry, error) {
	tail, err := repo.LastEntry(ctx, subjectType, subjectID)
	if err != nil {
		return nil, err
	}

	entry := &domain.AuditEntry{
		ID:           uuid.New(),
		SubjectType:  subjectType,
		SubjectID:    subjectID,
		Sequence:     1,
		Action:       action,
		ActorID:      actorID,
		Timestamp:    NormalizeTimestamp(c.now()),
		Payload:      payload,
		PreviousHash: GenesisHash,
	}
	if entry.Payload == nil {
		entry.Payload = map[string]string{}
	}
	if tail != nil {
		entry.Sequence = tail.Sequence + 1
		entry.PreviousHash = tail.SelfHash
	}
	entry.PayloadDigest = PayloadDigest(entry.Payload)
	entry.SelfHash = ComputeHash(entry)

	if err := repo.AppendEntry(ctx, entry); err != nil {
		c.logger.Error("Failed to append audit entry",
			"subject_type", subjectType, "subject_id", subjectID, "action", action, "error", err)
		return nil, err
	}
	return entry, nil
}

// VerifyChain replays every entry of the chain. A broken chain is logged
// and reported in the result; it is never repaired.
func (c *Chain) VerifyChain(ctx context.Context, repo domain.AuditRepository, subjectType, subjectID string) (Verification, error) {
	entries, err := repo.ListEntries(ctx, subjectType, subjectID)
	if err != nil {
		return Verification{}, err
	}

	result := Verification{
		SubjectType: subjectType,
		SubjectID:   subjectID,
		Entries:     len(entries),
		Valid:       true,
	}
	if err := Verify(entries); err != nil {
		var broken *ChainBrokenError
		if !errors.As(err, &broken) {
			return Verification{}, err
		}
		result.Valid = false
		result.BrokenAt = broken.Sequence
		result.Reason = broken.Reason
		c.logger.Error("Audit chain integrity check failed",
			"subject_type", subjectType, "subject_id", subjectID,
			"sequence", broken.Sequence, "reason", broken.Reason)
		return result, nil
	}
	if n := len(entries); n > 0 {
		result.TailHash = entries[n-1].SelfHash
	}
	return result, nil
}
