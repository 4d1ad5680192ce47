package training

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/fractrain/go-fractrain/optimizer"
)

// FreezePolicy selects which parameter groups receive updates
type FreezePolicy int

const (
	// FreezeNone trains every group
	FreezeNone FreezePolicy = iota
	// FreezeControllerWarmup trains only the decision controller, used to
	// warm up the gates on a pretrained backbone
	FreezeControllerWarmup
	// FreezeControllerFinetune freezes the controller and trains the backbone
	FreezeControllerFinetune
)

func (p FreezePolicy) String() string {
	switch p {
	case FreezeNone:
		return "none"
	case FreezeControllerWarmup:
		return "controller_warmup"
	case FreezeControllerFinetune:
		return "controller_finetune"
	default:
		return "unknown"
	}
}

// ParseFreezePolicy parses a policy name
func ParseFreezePolicy(s string) (FreezePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "":
		return FreezeNone, nil
	case "controller_warmup", "rnn_initial":
		return FreezeControllerWarmup, nil
	case "controller_finetune", "fix_rnn":
		return FreezeControllerFinetune, nil
	default:
		return FreezeNone, errors.Wrapf(ErrInvalidConfig, "unknown freeze policy %q", s)
	}
}

// ApplyFreeze sets the trainable flag of every group in the registry
func ApplyFreeze(registry *optimizer.Registry, policy FreezePolicy, logger logrus.FieldLogger) error {
	if registry == nil {
		return errors.New("parameter registry is nil")
	}
	if policy != FreezeNone && len(registry.ByRole(optimizer.RoleController)) == 0 {
		return errors.Wrapf(ErrInvalidConfig, "freeze policy %s needs controller parameter groups", policy)
	}

	for _, g := range registry.Groups() {
		switch policy {
		case FreezeControllerWarmup:
			g.SetTrainable(g.Role == optimizer.RoleController)
		case FreezeControllerFinetune:
			g.SetTrainable(g.Role != optimizer.RoleController)
		default:
			g.SetTrainable(true)
		}
	}

	if logger != nil {
		trainable, frozen := registry.TrainableSummary()
		logger.WithFields(logrus.Fields{
			"policy":    policy.String(),
			"trainable": strings.Join(trainable, ","),
			"frozen":    strings.Join(frozen, ","),
		}).Info("Applied parameter freeze")
	}
	return nil
}
