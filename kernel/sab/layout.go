package sab

import (
	"fmt"
	"sort"
)

// AlignOffset rounds offset up to alignment, which must be a power of two.
func AlignOffset(offset, alignment uint32) uint32 {
	if alignment <= 1 {
		return offset
	}
	return (offset + alignment - 1) &^ (alignment - 1)
}

// IsPowerOfTwo reports whether v is a non-zero power of two.
func IsPowerOfTwo(v uint32) bool {
	return v != 0 && v&(v-1) == 0
}

// MemoryRegion describes a span of a processor's virtual address space.
type MemoryRegion struct {
	Name   string
	Base   uint64
	Size   uint64
	Source string
}

// End returns the first address after the region.
func (r MemoryRegion) End() uint64 {
	return r.Base + r.Size
}

// LayoutError reports an invalid region layout.
type LayoutError struct {
	Code    string
	Message string
}

func (e *LayoutError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ValidateLayout checks that no two regions are empty or overlap.
func ValidateLayout(regions []MemoryRegion) error {
	sorted := make([]MemoryRegion, len(regions))
	copy(sorted, regions)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Base < sorted[j].Base })

	for i, r := range sorted {
		if r.Size == 0 {
			return &LayoutError{Code: "EMPTY_REGION", Message: fmt.Sprintf("region %s has zero size", r.Name)}
		}
		if r.End() < r.Base {
			return &LayoutError{Code: "ADDRESS_OVERFLOW", Message: fmt.Sprintf("region %s wraps the address space", r.Name)}
		}
		if i > 0 && sorted[i-1].End() > r.Base {
			return &LayoutError{
				Code:    "REGION_OVERLAP",
				Message: fmt.Sprintf("region %s overlaps with %s", r.Name, sorted[i-1].Name),
			}
		}
	}
	return nil
}
