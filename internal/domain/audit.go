package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const SubjectDeal = "deal"

type AuditEntry struct {
	ID            uuid.UUID         `json:"id"`
	SubjectType   string            `json:"subject_type"`
	SubjectID     string            `json:"subject_id"`
	Sequence      int64             `json:"sequence"`
	Action        string            `json:"action"`
	ActorID       string            `json:"actor_id"`
	Timestamp     time.Time         `json:"timestamp"`
	Payload       map[string]string `json:"payload"`
	PayloadDigest string            `json:"payload_digest"`
	PreviousHash  string            `json:"previous_hash"`
	SelfHash      string            `json:"self_hash"`
}

type AuditRepository interface {
	// AppendEntry fails if (SubjectType, SubjectID, Sequence) already exists.
	AppendEntry(ctx context.Context, entry *AuditEntry) error
	// LastEntry returns the chain tail, or nil for an empty chain.
	LastEntry(ctx context.Context, subjectType, subjectID string) (*AuditEntry, error)
	ListEntries(ctx context.Context, subjectType, subjectID string) ([]AuditEntry, error)
}
