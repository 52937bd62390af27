package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/atlasworks/broadcast-dispatch-service/internal/domain"
)

// ContactRepository resolves audience references into recipient lists.
type ContactRepository struct {
	db *sqlx.DB
}

func NewContactRepository(db *sqlx.DB) *ContactRepository {
	return &ContactRepository{db: db}
}

// ResolveAudience returns the contacts belonging to an audience tag. The
// special tag "all" matches every contact.
func (r *ContactRepository) ResolveAudience(ctx context.Context, audience string) ([]domain.Contact, error) {
	var contacts []domain.Contact

	if audience == "all" {
		query := `SELECT id, address, display_name, audience FROM contacts ORDER BY id ASC`
		if err := r.db.SelectContext(ctx, &contacts, query); err != nil {
			return nil, fmt.Errorf("failed to resolve audience %q: %w", audience, err)
		}
		return contacts, nil
	}

	query := `SELECT id, address, display_name, audience FROM contacts WHERE audience = ? ORDER BY id ASC`
	if err := r.db.SelectContext(ctx, &contacts, query, audience); err != nil {
		return nil, fmt.Errorf("failed to resolve audience %q: %w", audience, err)
	}

	return contacts, nil
}
