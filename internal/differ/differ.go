// Package differ reconciles a catalog snapshot against the stored
// item set. It is pure set logic: no I/O, deterministic for identical
// inputs.
package differ

import (
	"github.com/rotisserie/eris"

	"github.com/watchvine/catalog-sync/internal/model"
	"github.com/watchvine/catalog-sync/internal/resilience"
)

// anomalyFloor is the catalog size below which the snapshot ratio
// guard is not enforced. Tiny catalogs fluctuate legitimately.
const anomalyFloor = 10

// Config tunes reconciliation behavior.
type Config struct {
	// RemovalMisses is how many consecutive snapshots an item must be
	// absent from before it is deleted.
	RemovalMisses int
	// MinSnapshotRatio aborts the diff when the snapshot is smaller
	// than this fraction of the stored catalog.
	MinSnapshotRatio float64
}

// DefaultConfig returns the production reconciliation settings.
func DefaultConfig() Config {
	return Config{RemovalMisses: 2, MinSnapshotRatio: 0.5}
}

// Delta is the set of store mutations a snapshot implies. Keys in the
// four sets are disjoint.
type Delta struct {
	// ToAdd holds items new to the store.
	ToAdd []model.CatalogItem
	// ToRecheck holds items present in both snapshot and store; they
	// are re-upserted to refresh listing fields and clear any absence
	// streak.
	ToRecheck []model.CatalogItem
	// ToRemove holds keys whose absence streak reached the removal
	// threshold with this snapshot.
	ToRemove []string
	// CandidateRemoved holds keys absent from this snapshot but still
	// under the threshold; their counters are incremented and the
	// items retained.
	CandidateRemoved []string
}

// Diff computes the delta between a snapshot and the stored catalog.
// Matching is on identity key only. An implausibly small snapshot
// returns an AnomalyError and no delta; the caller must not mutate
// the store from it.
func Diff(snapshot []model.RawRecord, existing []model.ItemState, cfg Config) (*Delta, error) {
	if cfg.RemovalMisses <= 0 {
		cfg.RemovalMisses = DefaultConfig().RemovalMisses
	}

	// Deduplicate snapshot records by key; first occurrence wins.
	seen := make(map[string]bool, len(snapshot))
	items := make([]model.CatalogItem, 0, len(snapshot))
	for _, r := range snapshot {
		item := model.FromRawRecord(r)
		if seen[item.Key] {
			continue
		}
		seen[item.Key] = true
		items = append(items, item)
	}

	if len(existing) >= anomalyFloor && cfg.MinSnapshotRatio > 0 {
		ratio := float64(len(items)) / float64(len(existing))
		if ratio < cfg.MinSnapshotRatio {
			return nil, resilience.NewAnomalyError(
				"snapshot implausibly small",
				eris.Errorf("snapshot has %d items, store has %d (ratio %.2f < %.2f)",
					len(items), len(existing), ratio, cfg.MinSnapshotRatio),
			)
		}
	}

	known := make(map[string]model.ItemState, len(existing))
	for _, st := range existing {
		known[st.Key] = st
	}

	delta := &Delta{}
	for _, item := range items {
		if _, ok := known[item.Key]; ok {
			delta.ToRecheck = append(delta.ToRecheck, item)
		} else {
			delta.ToAdd = append(delta.ToAdd, item)
		}
	}

	for _, st := range existing {
		if seen[st.Key] {
			continue
		}
		if st.AbsentRuns+1 >= cfg.RemovalMisses {
			delta.ToRemove = append(delta.ToRemove, st.Key)
		} else {
			delta.CandidateRemoved = append(delta.CandidateRemoved, st.Key)
		}
	}

	return delta, nil
}
