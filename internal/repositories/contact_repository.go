package repositories

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// ContactRepository reads the contact graph maintained by the user service.
type ContactRepository interface {
	ListContacts(ctx context.Context, userID string) ([]string, error)
	AreContacts(ctx context.Context, userID string, otherID string) (bool, error)
}

// ContactRepo is a read-only sqlx view over the contacts table.
type ContactRepo struct {
	db *sqlx.DB
}

// NewContactRepo constructs a ContactRepo.
func NewContactRepo(db *sqlx.DB) *ContactRepo {
	return &ContactRepo{db: db}
}

// ListContacts returns the ids of the user's contacts.
func (r *ContactRepo) ListContacts(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := r.db.SelectContext(ctx, &ids, `SELECT contact_id FROM contacts WHERE user_id=$1 ORDER BY contact_id`, userID)
	return ids, err
}

// AreContacts checks whether otherID is in the user's contact list.
func (r *ContactRepo) AreContacts(ctx context.Context, userID string, otherID string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM contacts WHERE user_id=$1 AND contact_id=$2)`, userID, otherID)
	return exists, err
}
