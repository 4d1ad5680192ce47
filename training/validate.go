package training

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// EvalResult summarizes one pass over the validation set
type EvalResult struct {
	Loss     float64
	Accuracy float64
	Samples  int

	// Mean cost ratios and per-stage choice fractions; zero without masks
	Ratios     CostRatios
	LayerStats [][]float64

	// Confusion is filled when the validator knows the class count
	Confusion *ConfusionMatrix
}

// Validator runs the model over a held-out loader
type Validator struct {
	Loader      Loader
	Criterion   Criterion
	Regularizer *Regularizer // optional, enables cost and decision statistics
	Classes     int          // optional, enables the confusion matrix
	Logger      logrus.FieldLogger
}

// Validate evaluates model at the given precision. label is prepended to the
// accuracy line, e.g. "SWA".
func (v *Validator) Validate(ctx context.Context, model Model, spec PrecisionSpec, step int, label string) (EvalResult, error) {
	res, err := v.run(ctx, model, spec)
	if err != nil {
		return res, err
	}

	if v.Logger != nil {
		name := "Prec@1"
		if label != "" {
			name = label + " Prec@1"
		}
		v.Logger.WithFields(logrus.Fields{
			"step":  step,
			"acc":   res.Accuracy,
			"ratio": res.Ratios.Total,
		}).Infof("Step %d * %s %.3f", step, name, res.Accuracy)
		v.logLayerStats(res.LayerStats)
	}
	return res, nil
}

// ValidateFullPrecision evaluates model with every bit-width zeroed
func (v *Validator) ValidateFullPrecision(ctx context.Context, model Model, step, choices int) (EvalResult, error) {
	res, err := v.run(ctx, model, FullPrecision(choices))
	if err != nil {
		return res, err
	}
	if v.Logger != nil {
		v.Logger.WithFields(logrus.Fields{"step": step, "acc": res.Accuracy, "loss": res.Loss}).
			Infof("Step %d * Full Prec@1 %.3f, Loss %.3f", step, res.Accuracy, res.Loss)
	}
	return res, nil
}

func (v *Validator) run(ctx context.Context, model Model, spec PrecisionSpec) (EvalResult, error) {
	if v.Loader == nil || v.Criterion == nil {
		return EvalResult{}, errors.New("validator needs a loader and a criterion")
	}
	if v.Loader.Len() == 0 {
		if v.Logger != nil {
			v.Logger.Warn("Validation skipped: empty loader")
		}
		return EvalResult{}, nil
	}

	var losses, top1, cr, crFw, crEb, crGc AverageMeter
	if v.Regularizer != nil {
		v.Regularizer.ResetStats()
	}

	var confusion *ConfusionMatrix
	if v.Classes > 0 {
		confusion = NewConfusionMatrix(v.Classes)
	}

	model.SetTraining(false)
	v.Loader.Reset()
	samples := 0
	for {
		if err := ctx.Err(); err != nil {
			return EvalResult{}, err
		}
		batch, err := v.Loader.Next()
		if err != nil {
			return EvalResult{}, errors.Wrap(err, "validation batch")
		}
		if batch == nil {
			break
		}

		out, err := model.Forward(batch, spec)
		if err != nil {
			return EvalResult{}, errors.Wrap(err, "validation forward")
		}
		loss, err := v.Criterion.Forward(out.Logits, batch.Targets)
		if err != nil {
			return EvalResult{}, err
		}
		n := float64(batch.Size())
		losses.Update(loss, n)
		top1.Update(Accuracy(out.Logits, batch.Targets), n)
		samples += batch.Size()
		if confusion != nil {
			if err := confusion.Update(out.Logits, batch.Targets); err != nil {
				return EvalResult{}, errors.Wrap(err, "confusion matrix")
			}
		}

		if v.Regularizer != nil && len(out.Masks) > 0 && !spec.IsFullPrecision() {
			terms, err := v.Regularizer.Compute(out.Masks, loss, 0)
			if err != nil {
				return EvalResult{}, err
			}
			cr.UpdateOne(terms.Ratios.Total)
			crFw.UpdateOne(terms.Ratios.Fw)
			crEb.UpdateOne(terms.Ratios.Eb)
			crGc.UpdateOne(terms.Ratios.Gc)
		}

		if r, ok := model.(HiddenStateRepackager); ok {
			r.RepackageHidden()
		}
	}

	res := EvalResult{
		Loss:      losses.Avg,
		Accuracy:  top1.Avg,
		Samples:   samples,
		Ratios:    CostRatios{Total: cr.Avg, Fw: crFw.Avg, Eb: crEb.Avg, Gc: crGc.Avg},
		Confusion: confusion,
	}
	if v.Regularizer != nil && cr.Count > 0 {
		res.LayerStats = v.Regularizer.LayerStats()
		v.Regularizer.ResetStats()
	}
	return res, nil
}

func (v *Validator) logLayerStats(stats [][]float64) {
	for l, row := range stats {
		parts := make([]string, len(row))
		for k, frac := range row {
			parts[k] = fmt.Sprintf("%d_ratio=%.4f", k, frac)
		}
		v.Logger.Infof("layer%d_decision %s", l+2, strings.Join(parts, " "))
	}
}
