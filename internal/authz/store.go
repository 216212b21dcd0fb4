// Package authz holds the authorization sets the privileged responder
// answers from: which identifiers of each record kind a user may see.
package authz

import (
	"context"
	"fmt"

	"github.com/ppiankov/rowguard/internal/model"
)

// Store answers admissibility questions for one user's grants.
type Store interface {
	// Admissible returns the ids that are granted, in input order.
	Admissible(ctx context.Context, kind model.Kind, ids []string) ([]string, error)
	// List returns every granted id of kind.
	List(ctx context.Context, kind model.Kind) ([]string, error)
}

// Grants maps a kind name to its granted ids.
type Grants map[string][]string

// Validate rejects unknown kind names.
func (g Grants) Validate() error {
	for name := range g {
		if _, err := model.KindByName(name); err != nil {
			return fmt.Errorf("grants: %w", err)
		}
	}
	return nil
}

func intersect(ids []string, granted map[string]bool) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if granted[id] {
			out = append(out, id)
		}
	}
	return out
}
