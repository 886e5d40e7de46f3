package autoencoder

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/hed1ad/ocppguard/pkg/detectors"
)

const (
	adamBeta1   = 0.9
	adamBeta2   = 0.999
	adamEpsilon = 1e-8
)

// Trainer is the mutating view of a Model.
type Trainer struct {
	model *Model

	// Adam moments, shaped like the layers they belong to.
	mW, vW [][]float64
	mB, vB [][]float64
	step   int
}

var _ detectors.Trainable = (*Trainer)(nil)

// Train minimizes mean squared reconstruction error over windows with Adam.
// Windows are consumed in order in batches of cfg.BatchSize, the last batch
// possibly smaller. The updated parameters replace the model's only after
// every epoch has completed; a cancelled context discards the work.
func (t *Trainer) Train(ctx context.Context, windows [][][]float64, cfg detectors.TrainConfig) (*detectors.TrainReport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(windows) == 0 {
		return nil, detectors.ErrNoWindows
	}

	m := t.model
	m.trainMu.Lock()
	defer m.trainMu.Unlock()

	p := m.current.Load().clone()
	h := p.Hyper
	for _, w := range windows {
		if err := detectors.CheckWindow(w, h.SequenceLength, h.InputDim); err != nil {
			return nil, err
		}
	}
	t.ensureMoments(p)

	n := h.InputDim * h.SequenceLength
	inputs := make([][]float64, len(windows))
	for i, w := range windows {
		inputs[i] = flatten(w, n)
	}

	g := newGradients(p)
	acts := make([][]float64, len(p.Layers)+1)
	var masks [][]float64
	if h.Dropout > 0 {
		masks = make([][]float64, len(p.Layers))
	}

	report := &detectors.TrainReport{Windows: len(windows)}
	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var total float64
		batches := 0
		for start := 0; start < len(inputs); start += cfg.BatchSize {
			end := start + cfg.BatchSize
			if end > len(inputs) {
				end = len(inputs)
			}
			batch := inputs[start:end]

			g.zero()
			scale := 2 / float64(len(batch)*n)
			var loss float64
			for _, x := range batch {
				if masks != nil {
					t.sampleMasks(p, masks)
				}
				y := p.forward(x, acts, masks)
				loss += mse(y, x)

				delta := make([]float64, len(y))
				for i := range y {
					delta[i] = scale * (y[i] - x[i])
				}
				g.backward(p, acts, masks, delta)
			}
			loss /= float64(len(batch))

			t.apply(p, g, cfg.LearningRate)
			total += loss
			batches++
		}

		avg := total / float64(batches)
		report.Losses = append(report.Losses, avg)
		report.Batches = batches
		if cfg.Progress != nil && cfg.LogEvery > 0 && epoch%cfg.LogEvery == 0 {
			cfg.Progress(epoch, avg)
		}
	}

	p.Trained = true
	store := func() { m.current.Store(p) }
	if cfg.Publish == nil {
		store()
		return report, nil
	}
	if err := cfg.Publish(store); err != nil {
		return nil, fmt.Errorf("publish model: %w", err)
	}
	return report, nil
}

// sampleMasks draws inverted-dropout masks for every hidden layer.
func (t *Trainer) sampleMasks(p *params, masks [][]float64) {
	keep := 1 - p.Hyper.Dropout
	last := len(p.Layers) - 1
	for li, l := range p.Layers {
		if li == last {
			masks[li] = nil
			continue
		}
		if len(masks[li]) != l.Out {
			masks[li] = make([]float64, l.Out)
		}
		for o := range masks[li] {
			if t.model.rng.Float64() < keep {
				masks[li][o] = 1 / keep
			} else {
				masks[li][o] = 0
			}
		}
	}
}

func (t *Trainer) ensureMoments(p *params) {
	if len(t.mW) == len(p.Layers) {
		same := true
		for i, l := range p.Layers {
			if len(t.mW[i]) != len(l.W) || len(t.mB[i]) != len(l.B) {
				same = false
				break
			}
		}
		if same {
			return
		}
	}

	t.mW = make([][]float64, len(p.Layers))
	t.vW = make([][]float64, len(p.Layers))
	t.mB = make([][]float64, len(p.Layers))
	t.vB = make([][]float64, len(p.Layers))
	for i, l := range p.Layers {
		t.mW[i] = make([]float64, len(l.W))
		t.vW[i] = make([]float64, len(l.W))
		t.mB[i] = make([]float64, len(l.B))
		t.vB[i] = make([]float64, len(l.B))
	}
	t.step = 0
}

func (t *Trainer) apply(p *params, g *gradients, lr float64) {
	t.step++
	c1 := 1 - math.Pow(adamBeta1, float64(t.step))
	c2 := 1 - math.Pow(adamBeta2, float64(t.step))
	for i := range p.Layers {
		adam(p.Layers[i].W, g.w[i], t.mW[i], t.vW[i], lr, c1, c2)
		adam(p.Layers[i].B, g.b[i], t.mB[i], t.vB[i], lr, c1, c2)
	}
}

func adam(param, grad, m, v []float64, lr, c1, c2 float64) {
	for j := range param {
		m[j] = adamBeta1*m[j] + (1-adamBeta1)*grad[j]
		v[j] = adamBeta2*v[j] + (1-adamBeta2)*grad[j]*grad[j]
		param[j] -= lr * (m[j] / c1) / (math.Sqrt(v[j]/c2) + adamEpsilon)
	}
}

type gradients struct {
	w, b [][]float64
}

func newGradients(p *params) *gradients {
	g := &gradients{w: make([][]float64, len(p.Layers)), b: make([][]float64, len(p.Layers))}
	for i, l := range p.Layers {
		g.w[i] = make([]float64, len(l.W))
		g.b[i] = make([]float64, len(l.B))
	}
	return g
}

func (g *gradients) zero() {
	for i := range g.w {
		clear(g.w[i])
		clear(g.b[i])
	}
}

// backward accumulates gradients for one sample given dLoss/dOutput.
func (g *gradients) backward(p *params, acts, masks [][]float64, delta []float64) {
	for li := len(p.Layers) - 1; li >= 0; li-- {
		l := p.Layers[li]
		in := acts[li]

		floats.Add(g.b[li], delta)
		for o := 0; o < l.Out; o++ {
			if delta[o] == 0 {
				continue
			}
			floats.AddScaled(g.w[li][o*l.In:(o+1)*l.In], delta[o], in)
		}
		if li == 0 {
			return
		}

		prev := make([]float64, l.In)
		for o := 0; o < l.Out; o++ {
			if delta[o] == 0 {
				continue
			}
			floats.AddScaled(prev, delta[o], l.W[o*l.In:(o+1)*l.In])
		}

		// in is the ReLU output of layer li-1, after any dropout mask.
		for i := range prev {
			switch {
			case in[i] <= 0:
				prev[i] = 0
			case masks != nil && masks[li-1] != nil:
				prev[i] *= masks[li-1][i]
			}
		}
		delta = prev
	}
}
