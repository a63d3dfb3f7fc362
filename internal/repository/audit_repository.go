package repository

import (
	"context"
	"encoding/json"
	"log/slog"

	"deal-settlement/internal/domain"
	"deal-settlement/internal/errors"
)

type auditRepository struct {
	db     SQLExecutor
	logger *slog.Logger
}

func NewAuditRepository(db SQLExecutor, logger *slog.Logger) domain.AuditRepository {
	return &auditRepository{
		db:     db,
		logger: logger,
	}
}

const auditColumns = `id, subject_type, subject_id, sequence, action, actor_id, recorded_at,
		payload, payload_digest, previous_hash, self_hash`

func (r *auditRepository) AppendEntry(ctx context.Context, entry *domain.AuditEntry) error {
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return errors.NewAppError(errors.InternalError, "failed to encode audit payload").WithDetails(err.Error())
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO audit_entries (`+auditColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		entry.ID,
		entry.SubjectType,
		entry.SubjectID,
		entry.Sequence,
		entry.Action,
		entry.ActorID,
		entry.Timestamp,
		string(payload),
		entry.PayloadDigest,
		entry.PreviousHash,
		entry.SelfHash,
	)
	if err != nil {
		if constraint, ok := uniqueViolation(err); ok && constraint == "uq_audit_entries_chain_sequence" {
			// a concurrent writer extended the chain first
			return errors.ErrStaleState.WithDetails("audit chain tail moved")
		}
		return errors.NewAppError(errors.InternalError, "failed to append audit entry").WithDetails(err.Error())
	}
	return nil
}

func (r *auditRepository) LastEntry(ctx context.Context, subjectType, subjectID string) (*domain.AuditEntry, error) {
	entries, err := r.query(ctx, `
		SELECT `+auditColumns+` FROM audit_entries
		WHERE subject_type = $1 AND subject_id = $2
		ORDER BY sequence DESC LIMIT 1
	`, subjectType, subjectID)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[0], nil
}

func (r *auditRepository) ListEntries(ctx context.Context, subjectType, subjectID string) ([]domain.AuditEntry, error) {
	return r.query(ctx, `
		SELECT `+auditColumns+` FROM audit_entries
		WHERE subject_type = $1 AND subject_id = $2
		ORDER BY sequence
	`, subjectType, subjectID)
}

func (r *auditRepository) query(ctx context.Context, query string, args ...interface{}) ([]domain.AuditEntry, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to query audit entries", "error", err)
		return nil, errors.NewAppError(errors.InternalError, "failed to get audit entries").WithDetails(err.Error())
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var payload []byte
		if err := rows.Scan(
			&e.ID,
			&e.SubjectType,
			&e.SubjectID,
			&e.Sequence,
			&e.Action,
			&e.ActorID,
			&e.Timestamp,
			&payload,
			&e.PayloadDigest,
			&e.PreviousHash,
			&e.SelfHash,
		); err != nil {
			return nil, errors.NewAppError(errors.InternalError, "failed to scan audit entry").WithDetails(err.Error())
		}
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, errors.NewAppError(errors.InternalError, "failed to parse audit payload").WithDetails(err.Error())
		}
		e.Timestamp = e.Timestamp.UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewAppError(errors.InternalError, "failed to read audit entries").WithDetails(err.Error())
	}
	return out, nil
}
