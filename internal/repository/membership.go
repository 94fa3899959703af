package repository

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/google/uuid"
)

// MembershipRepository answers which sync targets an owner may act on.
type MembershipRepository interface {
	// FilterAuthorized returns the subset of targetIDs the owner is a member
	// of, preserving input order.
	FilterAuthorized(ctx context.Context, ownerID uuid.UUID, targetIDs []uuid.UUID) ([]uuid.UUID, error)
	Grant(ctx context.Context, ownerID, targetID uuid.UUID) error
}

type membershipRepo struct {
	db  *sql.DB
	log *slog.Logger
}

func NewMembershipRepository(db *sql.DB, log *slog.Logger) MembershipRepository {
	return &membershipRepo{db: db, log: log}
}

func (r *membershipRepo) FilterAuthorized(ctx context.Context, ownerID uuid.UUID, targetIDs []uuid.UUID) ([]uuid.UUID, error) {
	authorized := make([]uuid.UUID, 0, len(targetIDs))
	for _, targetID := range targetIDs {
		var n int
		err := r.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM memberships WHERE owner_id = $1 AND target_id = $2
		`, ownerID.String(), targetID.String()).Scan(&n)
		if err != nil {
			r.log.Error("membership lookup failed", "owner_id", ownerID, "target_id", targetID, "err", err)
			return nil, err
		}
		if n > 0 {
			authorized = append(authorized, targetID)
		}
	}
	return authorized, nil
}

func (r *membershipRepo) Grant(ctx context.Context, ownerID, targetID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO memberships (owner_id, target_id) VALUES ($1, $2)
	`, ownerID.String(), targetID.String())
	if err != nil {
		r.log.Error("membership grant failed", "owner_id", ownerID, "target_id", targetID, "err", err)
	}
	return err
}
