// Package autoencoder implements a sequence autoencoder that scores windows
// of feature vectors by reconstruction error.
//
// A window of SequenceLength rows of InputDim features is flattened and
// passed through an encoder of Depth ReLU layers that narrows from
// HiddenDim by halves to the latent width, then through a mirrored decoder
// whose final layer is linear.
package autoencoder

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"

	"gonum.org/v1/gonum/floats"

	"github.com/hed1ad/ocppguard/pkg/detectors"
)

// Hyperparameters fix the network shape.
type Hyperparameters struct {
	InputDim       int
	HiddenDim      int
	Depth          int
	SequenceLength int
	// Dropout is the drop probability on hidden activations during training.
	Dropout float64
}

// Validate reports impossible shapes.
func (h Hyperparameters) Validate() error {
	switch {
	case h.InputDim <= 0:
		return fmt.Errorf("input dim must be positive, got %d", h.InputDim)
	case h.HiddenDim <= 0:
		return fmt.Errorf("hidden dim must be positive, got %d", h.HiddenDim)
	case h.Depth <= 0:
		return fmt.Errorf("depth must be positive, got %d", h.Depth)
	case h.SequenceLength <= 0:
		return fmt.Errorf("sequence length must be positive, got %d", h.SequenceLength)
	case h.Dropout < 0 || h.Dropout >= 1:
		return fmt.Errorf("dropout must be in [0, 1), got %g", h.Dropout)
	}
	return nil
}

// layerDims returns the width of every activation from input to output.
func (h Hyperparameters) layerDims() []int {
	n := h.InputDim * h.SequenceLength
	enc := []int{n}
	width := h.HiddenDim
	for i := 0; i < h.Depth; i++ {
		enc = append(enc, width)
		if width > 1 {
			width /= 2
		}
	}

	dims := append([]int(nil), enc...)
	for i := len(enc) - 2; i >= 0; i-- {
		dims = append(dims, enc[i])
	}
	return dims
}

// layer is a dense layer with row-major weights of shape Out x In.
type layer struct {
	In, Out int
	W       []float64
	B       []float64
}

func (l layer) clone() layer {
	return layer{
		In:  l.In,
		Out: l.Out,
		W:   append([]float64(nil), l.W...),
		B:   append([]float64(nil), l.B...),
	}
}

// params is an immutable snapshot of the network. Trainers publish new
// snapshots; scorers only ever read a complete one.
type params struct {
	Hyper   Hyperparameters
	Layers  []layer
	Trained bool
}

func (p *params) clone() *params {
	c := &params{Hyper: p.Hyper, Trained: p.Trained, Layers: make([]layer, len(p.Layers))}
	for i, l := range p.Layers {
		c.Layers[i] = l.clone()
	}
	return c
}

// Model owns the parameter store shared by its Trainer and Scorer views.
type Model struct {
	current atomic.Pointer[params]

	// trainMu serializes writers: training and Load.
	trainMu sync.Mutex
	rng     *rand.Rand
}

// Option configures a Model.
type Option func(*config)

type config struct {
	hyper Hyperparameters
	seed  int64
}

// WithInputDim sets the number of features per row.
func WithInputDim(n int) Option {
	return func(c *config) {
		c.hyper.InputDim = n
	}
}

// WithHiddenDim sets the width of the first encoder layer.
func WithHiddenDim(n int) Option {
	return func(c *config) {
		c.hyper.HiddenDim = n
	}
}

// WithDepth sets the number of encoder layers.
func WithDepth(n int) Option {
	return func(c *config) {
		c.hyper.Depth = n
	}
}

// WithSequenceLength sets the window length.
func WithSequenceLength(n int) Option {
	return func(c *config) {
		c.hyper.SequenceLength = n
	}
}

// WithDropout sets the training-time dropout probability.
func WithDropout(p float64) Option {
	return func(c *config) {
		c.hyper.Dropout = p
	}
}

// WithSeed sets the random seed for reproducibility.
func WithSeed(seed int64) Option {
	return func(c *config) {
		c.seed = seed
	}
}

// New creates an untrained Model with randomly initialized weights.
func New(opts ...Option) (*Model, error) {
	c := &config{
		hyper: Hyperparameters{
			InputDim:       3,
			HiddenDim:      64,
			Depth:          2,
			SequenceLength: 10,
		},
		seed: 42,
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.hyper.Validate(); err != nil {
		return nil, err
	}

	m := &Model{rng: rand.New(rand.NewSource(c.seed))}
	m.current.Store(initParams(c.hyper, m.rng))
	return m, nil
}

func initParams(h Hyperparameters, rng *rand.Rand) *params {
	dims := h.layerDims()
	p := &params{Hyper: h, Layers: make([]layer, len(dims)-1)}
	for i := range p.Layers {
		in, out := dims[i], dims[i+1]
		limit := math.Sqrt(6 / float64(in+out))
		l := layer{In: in, Out: out, W: make([]float64, in*out), B: make([]float64, out)}
		for j := range l.W {
			l.W[j] = (rng.Float64()*2 - 1) * limit
		}
		p.Layers[i] = l
	}
	return p
}

// Hyperparameters returns the shape of the current parameters.
func (m *Model) Hyperparameters() Hyperparameters {
	return m.current.Load().Hyper
}

// Trained reports whether parameters have been fitted or loaded.
func (m *Model) Trained() bool {
	return m.current.Load().Trained
}

// Scorer returns a read-only view of the model.
func (m *Model) Scorer() *Scorer {
	return &Scorer{model: m}
}

// Trainer returns a handle that trains against a private copy of the
// parameters and publishes the result atomically. Optimizer state lives on
// the Trainer, so reusing one across calls continues the same optimizer.
func (m *Model) Trainer() *Trainer {
	return &Trainer{model: m}
}

// forward runs the network on x. acts, if non-nil, receives the
// activation of every layer (acts[0] is x). masks, if non-nil, are applied
// to hidden activations.
func (p *params) forward(x []float64, acts [][]float64, masks [][]float64) []float64 {
	a := x
	if acts != nil {
		acts[0] = x
	}
	last := len(p.Layers) - 1
	for li, l := range p.Layers {
		out := make([]float64, l.Out)
		for o := 0; o < l.Out; o++ {
			z := l.B[o] + floats.Dot(l.W[o*l.In:(o+1)*l.In], a)
			if li != last && z < 0 {
				z = 0
			}
			out[o] = z
		}
		if li != last && masks != nil && masks[li] != nil {
			for o := range out {
				out[o] *= masks[li][o]
			}
		}
		if acts != nil {
			acts[li+1] = out
		}
		a = out
	}
	return a
}

func flatten(window [][]float64, n int) []float64 {
	x := make([]float64, 0, n)
	for _, row := range window {
		x = append(x, row...)
	}
	return x
}

func mse(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum / float64(len(a))
}

// state is the gob wire form of a Model.
type state struct {
	Hyper   Hyperparameters
	Layers  []layer
	Trained bool
}

// Save serializes the trained model.
func (m *Model) Save() ([]byte, error) {
	p := m.current.Load()
	if !p.Trained {
		return nil, detectors.ErrNotTrained
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(state{Hyper: p.Hyper, Layers: p.Layers, Trained: p.Trained}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeState(data []byte) (state, error) {
	if len(data) == 0 {
		return state{}, errors.New("empty model data")
	}

	var s state
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return state{}, fmt.Errorf("decode model: %w", err)
	}
	if err := s.Hyper.Validate(); err != nil {
		return state{}, fmt.Errorf("decode model: %w", err)
	}
	return s, nil
}

// DecodeHyperparameters returns the shape stored in serialized model data
// without loading it.
func DecodeHyperparameters(data []byte) (Hyperparameters, error) {
	s, err := decodeState(data)
	if err != nil {
		return Hyperparameters{}, err
	}
	return s.Hyper, nil
}

// Load deserializes a trained model, replacing shape and parameters.
func (m *Model) Load(data []byte) error {
	return m.LoadWith(data, nil)
}

// LoadWith is Load with the final swap handed to publish, as with
// TrainConfig.Publish. A publish error leaves the model unchanged.
func (m *Model) LoadWith(data []byte, publish func(store func()) error) error {
	s, err := decodeState(data)
	if err != nil {
		return err
	}

	dims := s.Hyper.layerDims()
	if len(s.Layers) != len(dims)-1 {
		return fmt.Errorf("decode model: %d layers, want %d", len(s.Layers), len(dims)-1)
	}
	for i, l := range s.Layers {
		if l.In != dims[i] || l.Out != dims[i+1] || len(l.W) != l.In*l.Out || len(l.B) != l.Out {
			return fmt.Errorf("decode model: layer %d has inconsistent shape", i)
		}
	}

	m.trainMu.Lock()
	defer m.trainMu.Unlock()
	store := func() { m.current.Store(&params{Hyper: s.Hyper, Layers: s.Layers, Trained: s.Trained}) }
	if publish == nil {
		store()
		return nil
	}
	return publish(store)
}
