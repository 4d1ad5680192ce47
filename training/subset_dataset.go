package training

import (
	"github.com/pkg/errors"
)

// SubsetDataset exposes a contiguous window of an underlying dataset, e.g.
// to carve a validation split off a generated set.
type SubsetDataset struct {
	originalDataset Dataset
	offset          int
	limit           int
}

// NewSubsetDataset wraps original and exposes limit samples starting at
// offset. A limit past the end is clipped.
func NewSubsetDataset(original Dataset, offset, limit int) (*SubsetDataset, error) {
	if offset < 0 || limit < 0 {
		return nil, errors.Errorf("subset offset and limit cannot be negative: %d, %d", offset, limit)
	}
	if offset > original.Len() {
		return nil, errors.Errorf("subset offset %d past dataset end %d", offset, original.Len())
	}
	if offset+limit > original.Len() {
		limit = original.Len() - offset // Adjust limit if it's greater than what remains
	}
	return &SubsetDataset{
		originalDataset: original,
		offset:          offset,
		limit:           limit,
	}, nil
}

// Len returns the number of samples in the subset
func (sd *SubsetDataset) Len() int {
	return sd.limit
}

// Get returns a sample at the given subset index from the original dataset
func (sd *SubsetDataset) Get(idx int) ([]float32, int, error) {
	if idx < 0 || idx >= sd.limit {
		return nil, 0, errors.Errorf("index out of bounds for subset: %d (limit: %d)", idx, sd.limit)
	}
	return sd.originalDataset.Get(sd.offset + idx)
}
