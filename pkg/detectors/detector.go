// Package detectors defines the contracts shared by sequence anomaly
// detectors and the verdict types derived from their scores.
package detectors

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrDimensionMismatch is returned when input width or window length
	// differs from the model configuration.
	ErrDimensionMismatch = errors.New("dimension mismatch")
	// ErrNotTrained is returned when scoring a model with no parameters.
	ErrNotTrained = errors.New("model not trained")
	// ErrNoWindows is returned when training is asked to run on nothing.
	ErrNoWindows = errors.New("no training windows")
)

// Detector scores fixed-length sequences by reconstruction error.
type Detector interface {
	// InputDim is the width of every row of a window.
	InputDim() int

	// SequenceLength is the number of rows in a window.
	SequenceLength() int

	// Reconstruct returns the model's regeneration of window.
	Reconstruct(window [][]float64) ([][]float64, error)

	// ReconstructionError returns the mean squared error between window
	// and its reconstruction. It is never negative.
	ReconstructionError(window [][]float64) (float64, error)
}

// Trainable updates model parameters from windows.
type Trainable interface {
	Train(ctx context.Context, windows [][][]float64, cfg TrainConfig) (*TrainReport, error)
}

// Persistable serializes model state.
type Persistable interface {
	// Save serializes the trained model to bytes.
	Save() ([]byte, error)

	// Load deserializes a trained model from bytes.
	Load(data []byte) error
}

// TrainConfig holds the optimization parameters for one training call.
type TrainConfig struct {
	Epochs       int
	BatchSize    int
	LearningRate float64
	// LogEvery controls how often Progress is invoked, in epochs.
	LogEvery int
	// Progress, when set, receives the 1-based epoch and its average loss.
	Progress func(epoch int, loss float64)
	// Publish, when set, is handed the function that installs the trained
	// parameters and must call it exactly once or return an error. Callers
	// use it to swap related state in the same step.
	Publish func(store func()) error
}

// DefaultTrainConfig returns the batch training defaults.
func DefaultTrainConfig() TrainConfig {
	return TrainConfig{
		Epochs:       100,
		BatchSize:    32,
		LearningRate: 0.001,
		LogEvery:     10,
	}
}

// Validate reports configuration errors.
func (c TrainConfig) Validate() error {
	if c.Epochs <= 0 {
		return fmt.Errorf("epochs must be positive, got %d", c.Epochs)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning rate must be positive, got %g", c.LearningRate)
	}
	return nil
}

// TrainReport summarizes a training call.
type TrainReport struct {
	Windows int
	Batches int
	// Losses holds the average batch loss of every epoch.
	Losses []float64
}

// FinalLoss returns the loss of the last epoch.
func (r *TrainReport) FinalLoss() float64 {
	if r == nil || len(r.Losses) == 0 {
		return 0
	}
	return r.Losses[len(r.Losses)-1]
}

// Level is a graded verdict.
type Level string

const (
	LevelNormal   Level = "normal"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
	// LevelAnomaly is used in boolean mode.
	LevelAnomaly Level = "anomaly"
)

// Score represents an anomaly detection result.
type Score struct {
	// Value is the reconstruction error.
	Value float64
	// IsAnomaly indicates if the score crosses the configured threshold.
	IsAnomaly bool
	Level     Level
}

// Config holds common configuration for detectors.
type Config struct {
	// Threshold is the reconstruction error above which a window is anomalous.
	Threshold float64
	// SequenceLength is the window length.
	SequenceLength int
	// RandomSeed for reproducibility.
	RandomSeed int64
}

// DefaultConfig returns sensible defaults for detector configuration.
func DefaultConfig() Config {
	return Config{
		Threshold:      0.1,
		SequenceLength: 10,
		RandomSeed:     42,
	}
}

// Classify applies the boolean rule. A score equal to the threshold is not
// anomalous.
func Classify(score, threshold float64) Score {
	s := Score{Value: score, Level: LevelNormal}
	if score > threshold {
		s.IsAnomaly = true
		s.Level = LevelAnomaly
	}
	return s
}

// Bands configures graded classification.
type Bands struct {
	Warning  float64
	Critical float64
}

// DefaultBands mirrors the fire-risk consumer thresholds.
func DefaultBands() Bands {
	return Bands{Warning: 0.7, Critical: 0.9}
}

// Validate enforces Critical > Warning.
func (b Bands) Validate() error {
	if b.Critical <= b.Warning {
		return fmt.Errorf("critical threshold %g must exceed warning threshold %g", b.Critical, b.Warning)
	}
	return nil
}

// Classify maps a score into a band. Band edges are inclusive.
func (b Bands) Classify(score float64) Score {
	s := Score{Value: score, Level: LevelNormal}
	switch {
	case score >= b.Critical:
		s.Level = LevelCritical
	case score >= b.Warning:
		s.Level = LevelWarning
	}
	s.IsAnomaly = s.Level != LevelNormal
	return s
}

// CheckWindow verifies that window has seqLen rows of width dim.
func CheckWindow(window [][]float64, seqLen, dim int) error {
	if len(window) != seqLen {
		return fmt.Errorf("%w: window has %d rows, want %d", ErrDimensionMismatch, len(window), seqLen)
	}
	for i, row := range window {
		if len(row) != dim {
			return fmt.Errorf("%w: row %d has %d features, want %d", ErrDimensionMismatch, i, len(row), dim)
		}
	}
	return nil
}
