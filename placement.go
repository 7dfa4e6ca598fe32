package tierbase

// Placement picks the tier a new record is written to
type Placement struct {
	cfg PlacementConfig
}

// NewPlacement creates a placement policy
func NewPlacement(cfg PlacementConfig) *Placement {
	return &Placement{cfg: cfg}
}

// Choose applies the decision order: an explicit bucket wins, then an explicit tier,
// then size and bounded-fast fullness. boundedUsage is the current usage of the
// bounded-fast tier; an unbounded or unknown usage never diverts a write.
func (p *Placement) Choose(size int64, opts StoreOptions, boundedUsage Usage) Tier {
	if opts.Bucket != GroupNone {
		return TierBucketed
	}
	if opts.ForceTier != TierNone {
		return opts.ForceTier
	}
	if size > p.cfg.LargeValueBytes {
		return TierUnboundedIndexed
	}
	if boundedUsage.Bounded() && boundedUsage.Fraction() > p.cfg.BoundedHighWater {
		return TierUnboundedIndexed
	}
	return TierBoundedFast
}

// Candidates returns the primary tier followed by its fallbacks, in write order
func (p *Placement) Candidates(primary Tier) []Tier {
	switch primary {
	case TierBucketed:
		return []Tier{TierBucketed, TierUnboundedIndexed, TierBoundedFast}
	case TierUnboundedIndexed:
		return []Tier{TierUnboundedIndexed, TierBoundedFast}
	case TierBoundedFast:
		return []Tier{TierBoundedFast, TierUnboundedIndexed}
	}
	return nil
}

// IsLarge reports whether size crosses the large-value threshold
func (p *Placement) IsLarge(size int64) bool {
	return size > p.cfg.LargeValueBytes
}
