// Package audit implements the hash-chained audit trail.
//
// Hashing is a pure function of an entry's fields so an exported chain can be
// verified offline with nothing but this file.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"deal-settlement/internal/domain"
	"deal-settlement/internal/errors"
)

// GenesisHash is the previousHash of the first entry of every chain.
var GenesisHash = strings.Repeat("0", 64)

// Timestamps are stored with microsecond precision by Postgres.
const timestampPrecision = time.Microsecond

// NormalizeTimestamp returns t in the form that is hashed and persisted.
func NormalizeTimestamp(t time.Time) time.Time {
	return t.UTC().Truncate(timestampPrecision)
}

// PayloadDigest hashes the canonical JSON form of payload. encoding/json
// writes map keys in sorted order.
func PayloadDigest(payload map[string]string) string {
	if payload == nil {
		payload = map[string]string{}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		// map[string]string always marshals
		panic(err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ComputeHash returns the selfHash of e over (id, subjectType, subjectId,
// action, actorId, timestamp, payloadDigest, previousHash). Each field is
// length-prefixed so no two field lists share an encoding.
func ComputeHash(e *domain.AuditEntry) string {
	fields := []string{
		e.ID.String(),
		e.SubjectType,
		e.SubjectID,
		e.Action,
		e.ActorID,
		NormalizeTimestamp(e.Timestamp).Format(time.RFC3339Nano),
		e.PayloadDigest,
		e.PreviousHash,
	}
	var b strings.Builder
	for _, f := range fields {
		b.WriteString(strconv.Itoa(len(f)))
		b.WriteByte(':')
		b.WriteString(f)
		b.WriteByte(';')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// ChainBrokenError reports the first entry that fails verification.
type ChainBrokenError struct {
	SubjectType string
	SubjectID   string
	Sequence    int64
	Reason      string
}

func (e *ChainBrokenError) Error() string {
	return fmt.Sprintf("audit chain %s/%s broken at entry %d: %s",
		e.SubjectType, e.SubjectID, e.Sequence, e.Reason)
}

func (e *ChainBrokenError) Unwrap() error {
	return errors.ErrChainBroken
}

// Verify replays entries, which must be ordered by sequence, from the
// genesis hash. It returns nil for an intact (or empty) chain.
func Verify(entries []domain.AuditEntry) error {
	prev := GenesisHash
	for i := range entries {
		e := &entries[i]
		broken := func(reason string) error {
			return &ChainBrokenError{SubjectType: e.SubjectType, SubjectID: e.SubjectID, Sequence: e.Sequence, Reason: reason}
		}

		if e.Sequence != int64(i+1) {
			return broken(fmt.Sprintf("expected sequence %d", i+1))
		}
		if e.PreviousHash != prev {
			return broken("previous hash does not match predecessor")
		}
		if PayloadDigest(e.Payload) != e.PayloadDigest {
			return broken("payload digest mismatch")
		}
		if ComputeHash(e) != e.SelfHash {
			return broken("self hash mismatch")
		}
		prev = e.SelfHash
	}
	return nil
}
