package autoencoder

import (
	"github.com/hed1ad/ocppguard/pkg/detectors"
)

// Scorer is the read-only inference view of a Model. Every call reads one
// complete parameter snapshot, so it is safe to use while a Trainer runs.
type Scorer struct {
	model *Model
}

var _ detectors.Detector = (*Scorer)(nil)

// InputDim returns the expected row width.
func (s *Scorer) InputDim() int {
	return s.model.current.Load().Hyper.InputDim
}

// SequenceLength returns the expected window length.
func (s *Scorer) SequenceLength() int {
	return s.model.current.Load().Hyper.SequenceLength
}

// Reconstruct runs the network in inference mode: no dropout and no
// activation caching.
func (s *Scorer) Reconstruct(window [][]float64) ([][]float64, error) {
	p, x, err := s.prepare(window)
	if err != nil {
		return nil, err
	}

	y := p.forward(x, nil, nil)

	dim := p.Hyper.InputDim
	out := make([][]float64, p.Hyper.SequenceLength)
	for i := range out {
		out[i] = y[i*dim : (i+1)*dim]
	}
	return out, nil
}

// ReconstructionError returns the mean squared error between window and
// its reconstruction.
func (s *Scorer) ReconstructionError(window [][]float64) (float64, error) {
	p, x, err := s.prepare(window)
	if err != nil {
		return 0, err
	}
	return mse(p.forward(x, nil, nil), x), nil
}

// ReconstructionErrors scores a batch of windows against one snapshot.
func (s *Scorer) ReconstructionErrors(windows [][][]float64) ([]float64, error) {
	p := s.model.current.Load()
	if !p.Trained {
		return nil, detectors.ErrNotTrained
	}

	n := p.Hyper.InputDim * p.Hyper.SequenceLength
	scores := make([]float64, len(windows))
	for i, w := range windows {
		if err := detectors.CheckWindow(w, p.Hyper.SequenceLength, p.Hyper.InputDim); err != nil {
			return nil, err
		}
		x := flatten(w, n)
		scores[i] = mse(p.forward(x, nil, nil), x)
	}
	return scores, nil
}

func (s *Scorer) prepare(window [][]float64) (*params, []float64, error) {
	p := s.model.current.Load()
	if !p.Trained {
		return nil, nil, detectors.ErrNotTrained
	}
	if err := detectors.CheckWindow(window, p.Hyper.SequenceLength, p.Hyper.InputDim); err != nil {
		return nil, nil, err
	}
	return p, flatten(window, p.Hyper.InputDim*p.Hyper.SequenceLength), nil
}
