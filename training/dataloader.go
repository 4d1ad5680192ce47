package training

import (
	"math/rand"
	"sync"

	"github.com/pkg/errors"
)

// Dataset interface defines methods that all datasets must implement
type Dataset interface {
	Len() int                                             // Total number of samples
	Get(idx int) (input []float32, target int, err error) // Returns a single sample
}

// DataLoader provides batching and shuffling over a Dataset
type DataLoader struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	rng       *rand.Rand
	indices   []int
	position  int
	mutex     sync.Mutex
}

// NewDataLoader creates a new DataLoader. seed drives the shuffle order.
func NewDataLoader(dataset Dataset, batchSize int, shuffle bool, seed int64) (*DataLoader, error) {
	if batchSize <= 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "batch size must be positive, got %d", batchSize)
	}

	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}

	dl := &DataLoader{
		dataset:   dataset,
		batchSize: batchSize,
		shuffle:   shuffle,
		rng:       rand.New(rand.NewSource(seed)),
		indices:   indices,
	}
	dl.Reset()
	return dl, nil
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	return (dl.dataset.Len() + dl.batchSize - 1) / dl.batchSize
}

// Reset rewinds the loader for a new epoch
func (dl *DataLoader) Reset() {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.position = 0

	if dl.shuffle {
		dl.rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
}

// Next returns the next batch or nil if epoch is complete
func (dl *DataLoader) Next() (*Batch, error) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	if dl.position >= len(dl.indices) {
		return nil, nil // End of epoch
	}

	batchEnd := dl.position + dl.batchSize
	if batchEnd > len(dl.indices) {
		batchEnd = len(dl.indices)
	}

	batchIndices := dl.indices[dl.position:batchEnd]
	dl.position = batchEnd

	batch := &Batch{
		Inputs:  make([][]float32, 0, len(batchIndices)),
		Targets: make([]int, 0, len(batchIndices)),
	}
	for _, idx := range batchIndices {
		input, target, err := dl.dataset.Get(idx)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load sample %d", idx)
		}
		batch.Inputs = append(batch.Inputs, input)
		batch.Targets = append(batch.Targets, target)
	}
	return batch, nil
}

// SliceDataset is an in-memory dataset
type SliceDataset struct {
	Inputs  [][]float32
	Targets []int
}

// NewSliceDataset validates that inputs and targets line up
func NewSliceDataset(inputs [][]float32, targets []int) (*SliceDataset, error) {
	if len(inputs) != len(targets) {
		return nil, errors.Wrapf(ErrLengthMismatch, "%d inputs for %d targets", len(inputs), len(targets))
	}
	return &SliceDataset{Inputs: inputs, Targets: targets}, nil
}

// Len returns the number of samples
func (ds *SliceDataset) Len() int {
	return len(ds.Targets)
}

// Get returns one sample
func (ds *SliceDataset) Get(idx int) ([]float32, int, error) {
	if idx < 0 || idx >= len(ds.Targets) {
		return nil, 0, errors.Errorf("index %d out of range [0, %d)", idx, len(ds.Targets))
	}
	return ds.Inputs[idx], ds.Targets[idx], nil
}
