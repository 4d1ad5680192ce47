package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrNotFound is returned when a checkpoint path, alias or id does not exist
var ErrNotFound = errors.New("checkpoint not found")

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatProto
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatProto:
		return "Proto"
	default:
		return "Unknown"
	}
}

// Extension returns the file extension used for the format
func (cf CheckpointFormat) Extension() string {
	switch cf {
	case FormatProto:
		return "pb"
	default:
		return "json"
	}
}

// ParseFormat parses a format name as found in configuration files
func ParseFormat(s string) (CheckpointFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return FormatJSON, nil
	case "proto", "protobuf", "pb":
		return FormatProto, nil
	default:
		return FormatJSON, errors.Errorf("unknown checkpoint format %q", s)
	}
}

// DetectFormat guesses the format of a checkpoint file from its extension
func DetectFormat(path string) CheckpointFormat {
	if strings.EqualFold(filepath.Ext(path), ".pb") {
		return FormatProto
	}
	return FormatJSON
}

// Checkpoint is one evaluation cycle's snapshot of a training run. Records are
// immutable once written.
type Checkpoint struct {
	Iteration int    `json:"iter"`
	Arch      string `json:"arch"`

	// Model weights
	Weights []WeightTensor `json:"state_dict"`

	// Accuracy measured at this evaluation and the best so far
	Accuracy      float64 `json:"prec1"`
	BestAccuracy  float64 `json:"best_prec1"`
	BestIteration int     `json:"best_iter"`

	// Weight averaging state (empty when averaging is disabled)
	SWAWeights      []WeightTensor `json:"swa_state_dict,omitempty"`
	SWACount        int            `json:"swa_n,omitempty"`
	BestSWAAccuracy float64        `json:"best_swa_prec,omitempty"`

	// Scheduler cursors so a resumed run continues mid-schedule
	Controller ControllerState `json:"controller"`

	// Optimizer state (if available)
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name   string    `json:"name"`
	Shape  []int     `json:"shape"`
	Data   []float32 `json:"data"`
	Group  string    `json:"group"`
	Buffer bool      `json:"buffer,omitempty"` // running statistics, not trained
}

// NumElements returns the element count implied by the shape
func (w WeightTensor) NumElements() int {
	n := 1
	for _, d := range w.Shape {
		n *= d
	}
	return n
}

// Validate checks that the data length matches the shape
func (w WeightTensor) Validate() error {
	if w.Name == "" {
		return errors.New("weight tensor has no name")
	}
	if len(w.Data) != w.NumElements() {
		return errors.Errorf("weight %s: shape %v implies %d elements, got %d",
			w.Name, w.Shape, w.NumElements(), len(w.Data))
	}
	return nil
}

// ControllerState captures the precision/budget scheduler and turning-point
// detector cursors
type ControllerState struct {
	LearningRate   float64   `json:"learning_rate"`
	ScheduleCursor int       `json:"schedule_cnt"`
	TurningPoints  int       `json:"turning_point_count"`
	Threshold      float64   `json:"threshold"`
	LossHistory    []float64 `json:"loss_history,omitempty"`
	ScaleLoss      float64   `json:"scale_loss"`
	ScaleLossSum   float64   `json:"scale_loss_sum"`
	ScaleLossCount int       `json:"scale_loss_count"`
	TargetRatio    float64   `json:"target_ratio"`
	NumBits        int       `json:"num_bits"`
	NumGradBits    int       `json:"num_grad_bits"`
}

// OptimizerState captures optimizer-specific state (momentum buffers, etc.)
type OptimizerState struct {
	Type       string                 `json:"type"` // "SGD", etc.
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "momentum", etc.
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	ID          string    `json:"id"`
	RunID       string    `json:"run_id,omitempty"`
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

const (
	frameworkName    = "go-fractrain"
	frameworkVersion = "1.0.0"
)

// ensureMetadata fills identity and provenance fields left empty by the caller
func (c *Checkpoint) ensureMetadata() {
	if c.Metadata.ID == "" {
		c.Metadata.ID = uuid.NewString()
	}
	if c.Metadata.Framework == "" {
		c.Metadata.Framework = frameworkName
		c.Metadata.Version = frameworkVersion
	}
	if c.Metadata.CreatedAt.IsZero() {
		c.Metadata.CreatedAt = time.Now().UTC()
	}
}

// Validate checks the record before it is written
func (c *Checkpoint) Validate() error {
	if c.Iteration < 0 {
		return errors.Errorf("negative iteration %d", c.Iteration)
	}
	for _, w := range c.Weights {
		if err := w.Validate(); err != nil {
			return err
		}
	}
	for _, w := range c.SWAWeights {
		if err := w.Validate(); err != nil {
			return errors.Wrap(err, "averaged weights")
		}
	}
	return nil
}

// CheckpointSaver encodes checkpoints in one format and writes them atomically
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// Format returns the saver's format
func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// Marshal encodes a checkpoint, filling missing metadata
func (cs *CheckpointSaver) Marshal(checkpoint *Checkpoint) ([]byte, error) {
	if checkpoint == nil {
		return nil, errors.New("checkpoint cannot be nil")
	}
	if err := checkpoint.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid checkpoint")
	}
	checkpoint.ensureMetadata()

	switch cs.format {
	case FormatJSON:
		data, err := json.MarshalIndent(checkpoint, "", "  ")
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode checkpoint")
		}
		return data, nil
	case FormatProto:
		return MarshalProto(checkpoint)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// Unmarshal decodes a checkpoint
func (cs *CheckpointSaver) Unmarshal(data []byte) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		var checkpoint Checkpoint
		if err := json.Unmarshal(data, &checkpoint); err != nil {
			return nil, errors.Wrap(err, "failed to decode checkpoint")
		}
		return &checkpoint, nil
	case FormatProto:
		return UnmarshalProto(data)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// SaveCheckpoint writes a checkpoint to path and returns the encoded size.
// The file only appears under its final name once fully flushed.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) (int, error) {
	data, err := cs.Marshal(checkpoint)
	if err != nil {
		return 0, err
	}
	if err := writeFileAtomic(path, data); err != nil {
		return 0, err
	}
	return len(data), nil
}

// LoadCheckpoint loads a checkpoint; a missing file yields ErrNotFound
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrNotFound, "%s", path)
		}
		return nil, errors.Wrap(err, "failed to open checkpoint file")
	}
	checkpoint, err := cs.Unmarshal(data)
	if err != nil {
		return nil, errors.Wrapf(err, "checkpoint %s", path)
	}
	return checkpoint, nil
}

// writeFileAtomic writes data to path.tmp, fsyncs it and renames it over path
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(err, "failed to create checkpoint file")
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tmp)
		return errors.Wrapf(err, "failed to write %s", tmp)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return errors.Wrapf(err, "failed to sync %s", tmp)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "failed to close %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "failed to rename %s", tmp)
	}
	return nil
}
