package tierbase

import (
	"reflect"
	"testing"
)

func TestPlacement_Choose(t *testing.T) {
	p := NewPlacement(PlacementConfig{LargeValueBytes: 1000, BoundedHighWater: 0.5})

	empty := Usage{CapacityBytes: 100}
	halfFull := Usage{TotalBytes: 51, CapacityBytes: 100}

	tests := []struct {
		name  string
		size  int64
		opts  StoreOptions
		usage Usage
		want  Tier
	}{
		{"small value", 10, StoreOptions{}, empty, TierBoundedFast},
		{"at threshold", 1000, StoreOptions{}, empty, TierBoundedFast},
		{"large value", 1001, StoreOptions{}, empty, TierUnboundedIndexed},
		{"bounded tier over half full", 10, StoreOptions{}, halfFull, TierUnboundedIndexed},
		{"bounded tier exactly half full", 10, StoreOptions{}, Usage{TotalBytes: 50, CapacityBytes: 100}, TierBoundedFast},
		{"unbounded usage is ignored", 10, StoreOptions{}, Usage{TotalBytes: 1 << 30, CapacityBytes: UnboundedCapacity}, TierBoundedFast},
		{"force tier beats size", 5000, StoreOptions{ForceTier: TierBoundedFast}, empty, TierBoundedFast},
		{"bucket beats force tier", 10, StoreOptions{Bucket: GroupMedia, ForceTier: TierBoundedFast}, empty, TierBucketed},
		{"bucket beats fullness", 10, StoreOptions{Bucket: GroupSession}, halfFull, TierBucketed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Choose(tt.size, tt.opts, tt.usage); got != tt.want {
				t.Errorf("Choose() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestPlacement_Candidates(t *testing.T) {
	p := NewPlacement(DefaultPlacementConfig())

	tests := map[Tier][]Tier{
		TierBucketed:         {TierBucketed, TierUnboundedIndexed, TierBoundedFast},
		TierUnboundedIndexed: {TierUnboundedIndexed, TierBoundedFast},
		TierBoundedFast:      {TierBoundedFast, TierUnboundedIndexed},
		TierNone:             nil,
	}
	for primary, want := range tests {
		if got := p.Candidates(primary); !reflect.DeepEqual(got, want) {
			t.Errorf("Candidates(%s) = %v, want %v", primary, got, want)
		}
	}
}
