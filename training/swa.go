package training

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/fractrain/go-fractrain/optimizer"
)

// SWA maintains a running equal-weight average of the trained parameters in
// a second model instance of the same architecture
type SWA struct {
	model Model
	count int
	best  float64
	bestI int

	Logger logrus.FieldLogger
}

// NewSWA wraps the model that holds the averaged weights
func NewSWA(model Model) (*SWA, error) {
	if model == nil {
		return nil, errors.New("swa model is nil")
	}
	return &SWA{model: model}, nil
}

// Model returns the averaged model
func (s *SWA) Model() Model {
	return s.model
}

// Count returns the number of snapshots folded into the average
func (s *SWA) Count() int {
	return s.count
}

// Best returns the best averaged accuracy and its iteration
func (s *SWA) Best() (float64, int) {
	return s.best, s.bestI
}

// Restore sets the counters from a checkpoint
func (s *SWA) Restore(count int, best float64) {
	s.count = count
	s.best = best
}

// Update folds the current weights of src into the average with weight
// 1/(n+1). Normalization buffers are left to RefreshNormStats.
func (s *SWA) Update(src Model) error {
	dst := s.model.Params().Params()
	cur := src.Params().Params()
	if len(dst) != len(cur) {
		return errors.Wrapf(ErrLengthMismatch, "swa model has %d parameters, source has %d", len(dst), len(cur))
	}

	alpha := float32(1) / float32(s.count+1)
	for i, p := range cur {
		if p.Buffer {
			continue
		}
		if len(dst[i].Data) != len(p.Data) {
			return errors.Wrapf(ErrLengthMismatch, "parameter %s: swa has %d elements, source has %d",
				p.Name, len(dst[i].Data), len(p.Data))
		}
		movingAverage(dst[i], p, alpha)
	}
	s.count++
	return nil
}

func movingAverage(avg, p *optimizer.Param, alpha float32) {
	for j, v := range p.Data {
		avg.Data[j] = avg.Data[j]*(1-alpha) + v*alpha
	}
}

// RefreshNormStats recomputes the normalization running statistics of the
// averaged model with one pass over loader. An empty loader is skipped.
func (s *SWA) RefreshNormStats(loader Loader, spec PrecisionSpec) error {
	resetter, ok := s.model.(NormStatsResetter)
	if !ok {
		return nil
	}
	if loader == nil || loader.Len() == 0 {
		if s.Logger != nil {
			s.Logger.Warn("SWA normalization refresh skipped: empty loader")
		}
		return nil
	}

	resetter.ResetNormStats()
	s.model.SetTraining(true)
	loader.Reset()
	for {
		batch, err := loader.Next()
		if err != nil {
			return errors.Wrap(err, "swa normalization batch")
		}
		if batch == nil {
			break
		}
		if _, err := s.model.Forward(batch, spec); err != nil {
			return errors.Wrap(err, "swa normalization forward")
		}
		if r, ok := s.model.(HiddenStateRepackager); ok {
			r.RepackageHidden()
		}
	}
	return nil
}

// Observe records a validation accuracy of the averaged model and reports
// whether it is the best so far
func (s *SWA) Observe(i int, accuracy float64) bool {
	if accuracy > s.best {
		s.best = accuracy
		s.bestI = i
		return true
	}
	return false
}
