// Package source defines the lookup contract every enrichment source
// implements, the typed errors sources may return, and the concrete
// adapters wired into the registry.
package source

import (
	"context"
	"time"

	"github.com/chenders/deadonfilm-sub007/internal/model"
)

// ReasonNotDeceased is the miss reason for items without a death date.
const ReasonNotDeceased = "not deceased"

// Descriptor is the static description of a source.
type Descriptor struct {
	Name     string
	Category model.Category
	Tier     model.Tier

	// CostEstimate is the expected USD spend of one lookup.
	CostEstimate float64

	// MinDelay is the minimum spacing between two requests to the source,
	// retries included.
	MinDelay time.Duration

	// Timeout bounds a single lookup. Zero means no per-lookup bound.
	Timeout time.Duration

	// HighPriority sources have their timeouts logged for review.
	HighPriority bool
}

// Source is one enrichment source.
type Source interface {
	Descriptor() Descriptor

	// Available reports whether the source is configured (credentials
	// present). It must not touch the network.
	Available() bool

	// Lookup queries the source for one item. Ordinary "not found" outcomes
	// are returned as a LookupResult with Success=false and a Reason; only
	// the typed errors in this package and transport failures are errors.
	Lookup(ctx context.Context, item model.Item) (*model.LookupResult, error)
}

// RequireDeceased returns a "not deceased" miss for items without a death
// date, or nil when the item may be looked up.
func RequireDeceased(item model.Item) *model.LookupResult {
	if item.IsDeceased() {
		return nil
	}
	return model.Miss(ReasonNotDeceased)
}
