// Package snapshot delivers full catalog snapshots from the storefront
// collector. The scraping mechanics live in an external service; this
// package only fetches and decodes its output.
package snapshot

import (
	"context"

	"github.com/watchvine/catalog-sync/internal/model"
)

// Source produces a complete catalog snapshot. A snapshot is the full
// set of currently listed products; absence from it is how removals
// are detected.
type Source interface {
	Fetch(ctx context.Context) ([]model.RawRecord, error)
}
