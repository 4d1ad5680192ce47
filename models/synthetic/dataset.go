package synthetic

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/fractrain/go-fractrain/training"
)

// Blobs draws n samples from one isotropic Gaussian per class with means
// spread on a fixed grid; spread controls the overlap between classes
func Blobs(n, dim, classes int, spread float64, seed int64) (*training.SliceDataset, error) {
	if n <= 0 || dim <= 0 || classes < 2 {
		return nil, errors.Errorf("invalid blob parameters n=%d dim=%d classes=%d", n, dim, classes)
	}
	rng := rand.New(rand.NewSource(seed))

	centers := make([][]float64, classes)
	for c := range centers {
		centers[c] = make([]float64, dim)
		for j := range centers[c] {
			// deterministic, well separated corners of a hypercube
			if (c>>uint(j%8))&1 == 1 {
				centers[c][j] = 2
			} else {
				centers[c][j] = -2
			}
		}
		centers[c][c%dim] += 3
	}

	inputs := make([][]float32, n)
	targets := make([]int, n)
	for i := range inputs {
		c := i % classes
		inputs[i] = make([]float32, dim)
		for j := range inputs[i] {
			inputs[i][j] = float32(centers[c][j] + rng.NormFloat64()*spread)
		}
		targets[i] = c
	}
	return training.NewSliceDataset(inputs, targets)
}
