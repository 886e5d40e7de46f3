package features

import (
	"errors"
	"fmt"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/hed1ad/ocppguard/pkg/detectors"
)

var (
	// ErrNotFitted is returned by Apply before the statistics are set.
	ErrNotFitted = errors.New("normalizer not fitted")
	// ErrEmptyCorpus is returned by Fit on no rows.
	ErrEmptyCorpus = errors.New("empty corpus")
)

// Params holds per-feature mean and population standard deviation.
type Params struct {
	Mean []float64
	Std  []float64
}

// Validate checks that both vectors are present and the same length.
func (p Params) Validate() error {
	if len(p.Mean) == 0 {
		return errors.New("normalization mean is empty")
	}
	if len(p.Mean) != len(p.Std) {
		return fmt.Errorf("normalization mean has %d entries, std has %d", len(p.Mean), len(p.Std))
	}
	return nil
}

func (p Params) clone() Params {
	return Params{
		Mean: append([]float64(nil), p.Mean...),
		Std:  append([]float64(nil), p.Std...),
	}
}

// Normalizer applies z-score normalization with stored statistics. Apply
// never refits; only Fit, SetParams and Install change the statistics.
type Normalizer struct {
	mu     sync.RWMutex
	params *Params
}

// NewNormalizer returns an unfitted Normalizer.
func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// Fit computes statistics over corpus and replaces any stored ones.
func (n *Normalizer) Fit(corpus [][]float64) error {
	if len(corpus) == 0 {
		return ErrEmptyCorpus
	}
	dim := len(corpus[0])
	if dim == 0 {
		return fmt.Errorf("%w: rows have no features", detectors.ErrDimensionMismatch)
	}

	p := Params{Mean: make([]float64, dim), Std: make([]float64, dim)}
	col := make([]float64, len(corpus))
	for j := 0; j < dim; j++ {
		for i, row := range corpus {
			if len(row) != dim {
				return fmt.Errorf("%w: row %d has %d features, want %d", detectors.ErrDimensionMismatch, i, len(row), dim)
			}
			col[i] = row[j]
		}
		p.Mean[j], p.Std[j] = stat.PopMeanStdDev(col, nil)
	}

	n.mu.Lock()
	n.params = &p
	n.mu.Unlock()
	return nil
}

// Apply returns (v - mean) / std for every value. A zero std is treated
// as 1.
func (n *Normalizer) Apply(corpus [][]float64) ([][]float64, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return apply(n.params, corpus)
}

// ApplyWith normalizes corpus and passes the result to fn. The statistics
// cannot be replaced by Install until fn returns. fn must not call back
// into n.
func (n *Normalizer) ApplyWith(corpus [][]float64, fn func(z [][]float64) error) error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	z, err := apply(n.params, corpus)
	if err != nil {
		return err
	}
	return fn(z)
}

func apply(p *Params, corpus [][]float64) ([][]float64, error) {
	if p == nil {
		return nil, ErrNotFitted
	}

	out := make([][]float64, len(corpus))
	for i, row := range corpus {
		if len(row) != len(p.Mean) {
			return nil, fmt.Errorf("%w: row %d has %d features, normalizer fitted on %d",
				detectors.ErrDimensionMismatch, i, len(row), len(p.Mean))
		}
		z := make([]float64, len(row))
		for j, v := range row {
			std := p.Std[j]
			if std == 0 {
				std = 1
			}
			z[j] = (v - p.Mean[j]) / std
		}
		out[i] = z
	}
	return out, nil
}

// Fitted reports whether statistics are available.
func (n *Normalizer) Fitted() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.params != nil
}

// Dim returns the fitted width, or 0.
func (n *Normalizer) Dim() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.params == nil {
		return 0
	}
	return len(n.params.Mean)
}

// Params returns a copy of the stored statistics.
func (n *Normalizer) Params() (Params, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.params == nil {
		return Params{}, false
	}
	return n.params.clone(), true
}

// SetParams installs previously persisted statistics.
func (n *Normalizer) SetParams(p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	c := p.clone()

	n.mu.Lock()
	n.params = &c
	n.mu.Unlock()
	return nil
}

// Install replaces the statistics with p and runs publish under the same
// write lock, so ApplyWith callers see either the old pair or the new one.
// A publish error leaves the stored statistics unchanged.
func (n *Normalizer) Install(p Params, publish func() error) error {
	if err := p.Validate(); err != nil {
		return err
	}
	c := p.clone()

	n.mu.Lock()
	defer n.mu.Unlock()
	if err := publish(); err != nil {
		return err
	}
	n.params = &c
	return nil
}
