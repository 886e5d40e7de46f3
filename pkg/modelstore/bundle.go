// Package modelstore persists trained model bundles.
package modelstore

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"time"

	"github.com/hed1ad/ocppguard/pkg/detectors/autoencoder"
	"github.com/hed1ad/ocppguard/pkg/features"
)

var (
	// ErrModelNotFound is returned when no bundle has been stored.
	ErrModelNotFound = errors.New("model not found")
	// ErrIncompleteBundle is returned when a stored bundle lacks a part.
	ErrIncompleteBundle = errors.New("incomplete model bundle")
)

// Bundle is the unit of persistence: the model, the normalization it was
// trained under, and its shape. The three are written and read together.
type Bundle struct {
	Hyper autoencoder.Hyperparameters
	Model []byte
	Norm  *features.Params

	// Kind is the record kind the extractor was built for.
	Kind      string
	RunID     string
	TrainedAt time.Time
}

// Validate reports ErrIncompleteBundle if any part is missing.
func (b *Bundle) Validate() error {
	switch {
	case b == nil:
		return ErrIncompleteBundle
	case len(b.Model) == 0:
		return fmt.Errorf("%w: model state missing", ErrIncompleteBundle)
	case b.Norm == nil:
		return fmt.Errorf("%w: normalization parameters missing", ErrIncompleteBundle)
	case b.Hyper.InputDim <= 0 || b.Hyper.SequenceLength <= 0 || b.Hyper.HiddenDim <= 0 || b.Hyper.Depth <= 0:
		return fmt.Errorf("%w: hyperparameters missing", ErrIncompleteBundle)
	}
	if err := b.Norm.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrIncompleteBundle, err)
	}
	if len(b.Norm.Mean) != b.Hyper.InputDim {
		return fmt.Errorf("%w: normalization covers %d features, model input is %d",
			ErrIncompleteBundle, len(b.Norm.Mean), b.Hyper.InputDim)
	}
	return nil
}

// NewBundle captures a trained model and normalizer.
func NewBundle(m *autoencoder.Model, n *features.Normalizer, kind, runID string) (*Bundle, error) {
	data, err := m.Save()
	if err != nil {
		return nil, fmt.Errorf("save model: %w", err)
	}
	p, ok := n.Params()
	if !ok {
		return nil, features.ErrNotFitted
	}
	return &Bundle{
		Hyper:     m.Hyperparameters(),
		Model:     data,
		Norm:      &p,
		Kind:      kind,
		RunID:     runID,
		TrainedAt: time.Now().UTC(),
	}, nil
}

// Restore loads the bundle into m and n. Nothing is replaced unless the
// whole bundle is consistent.
func (b *Bundle) Restore(m *autoencoder.Model, n *features.Normalizer) error {
	if err := b.Validate(); err != nil {
		return err
	}
	h, err := autoencoder.DecodeHyperparameters(b.Model)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIncompleteBundle, err)
	}
	if h != b.Hyper {
		return fmt.Errorf("%w: bundle hyperparameters %+v disagree with model state %+v", ErrIncompleteBundle, b.Hyper, h)
	}
	return m.LoadWith(b.Model, func(store func()) error {
		return n.Install(*b.Norm, func() error {
			store()
			return nil
		})
	})
}

// Encode serializes a bundle with gob.
func Encode(b *Bundle) ([]byte, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(b); err != nil {
		return nil, fmt.Errorf("encode bundle: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode deserializes and validates a bundle.
func Decode(data []byte) (*Bundle, error) {
	var b Bundle
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&b); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

// Store saves and loads the current bundle.
type Store interface {
	Save(ctx context.Context, b *Bundle) error
	Load(ctx context.Context) (*Bundle, error)
}
