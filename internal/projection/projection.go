package projection

import (
	"context"

	"github.com/compliancehq/review-engine/internal/domain"
)

// Projection folds events into a read model. Handle must be idempotent:
// replaying the same event twice must not duplicate read-model rows, which
// every implementation here gets from upserts keyed by the domain entity id.
type Projection interface {
	Name() string
	CanHandle(evt domain.Event) bool
	Handle(ctx context.Context, evt domain.Event) error
}

// Resettable is implemented by projections whose read model can be wiped for
// a rebuild from sequence zero.
type Resettable interface {
	Reset(ctx context.Context) error
}
