// Package training fits the normalizer and autoencoder from a bounded
// corpus of records and persists the result as one bundle.
package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hed1ad/ocppguard/pkg/detectors"
	"github.com/hed1ad/ocppguard/pkg/detectors/autoencoder"
	"github.com/hed1ad/ocppguard/pkg/features"
	"github.com/hed1ad/ocppguard/pkg/modelstore"
	"github.com/hed1ad/ocppguard/pkg/ocpp"
)

// ErrNoTrainingData is returned when a corpus yields no usable windows.
var ErrNoTrainingData = errors.New("no training data")

// RecordSource returns the records with timestamps in (start, end].
type RecordSource interface {
	FetchRecords(ctx context.Context, start, end time.Time) ([]ocpp.RawRecord, error)
}

// Result summarizes one training run.
type Result struct {
	RunID    string
	Records  int
	Skipped  int
	Windows  int
	Refit    bool
	Report   *detectors.TrainReport
	Duration time.Duration
}

// Pipeline runs extract, normalize, window, train and persist.
type Pipeline struct {
	model     *autoencoder.Model
	trainer   *autoencoder.Trainer
	norm      *features.Normalizer
	extractor features.Extractor
	kind      string

	source RecordSource
	store  modelstore.Store

	train detectors.TrainConfig
	refit bool

	log logrus.FieldLogger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithSource sets the record source used by Run.
func WithSource(s RecordSource) Option {
	return func(p *Pipeline) {
		p.source = s
	}
}

// WithStore sets where trained bundles are persisted. Without a store,
// training only updates the in-memory model.
func WithStore(s modelstore.Store) Option {
	return func(p *Pipeline) {
		p.store = s
	}
}

// WithTrainConfig sets the optimizer configuration.
func WithTrainConfig(c detectors.TrainConfig) Option {
	return func(p *Pipeline) {
		p.train = c
	}
}

// WithRefit makes every run refit the normalizer instead of reusing
// stored statistics.
func WithRefit(refit bool) Option {
	return func(p *Pipeline) {
		p.refit = refit
	}
}

// WithKind records the extractor kind in persisted bundles.
func WithKind(kind string) Option {
	return func(p *Pipeline) {
		p.kind = kind
	}
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(p *Pipeline) {
		p.log = l
	}
}

// New returns a Pipeline training model under norm.
func New(model *autoencoder.Model, norm *features.Normalizer, ext features.Extractor, opts ...Option) (*Pipeline, error) {
	if h := model.Hyperparameters(); h.InputDim != ext.Dim() {
		return nil, fmt.Errorf("%w: extractor produces %d features, model expects %d",
			detectors.ErrDimensionMismatch, ext.Dim(), h.InputDim)
	}

	l := logrus.New()
	l.SetOutput(io.Discard)
	p := &Pipeline{
		model:     model,
		trainer:   model.Trainer(),
		norm:      norm,
		extractor: ext,
		kind:      features.KindStatus,
		train:     detectors.DefaultTrainConfig(),
		log:       l,
	}
	for _, opt := range opts {
		opt(p)
	}
	if err := p.train.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Run fetches records in (start, end] and trains on them.
func (p *Pipeline) Run(ctx context.Context, start, end time.Time) (*Result, error) {
	if p.source == nil {
		return nil, errors.New("training pipeline has no record source")
	}
	records, err := p.source.FetchRecords(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("fetch training records: %w", err)
	}
	p.log.WithFields(logrus.Fields{
		"records": len(records),
		"start":   start,
		"end":     end,
	}).Info("fetched training corpus")
	return p.Train(ctx, records)
}

// Train fits the model on records. The normalizer is fitted on the first
// run or when refit is enabled; otherwise its stored statistics are
// applied. The trained model is persisted when a store is configured.
func (p *Pipeline) Train(ctx context.Context, records []ocpp.RawRecord) (*Result, error) {
	started := time.Now()
	res := &Result{RunID: uuid.NewString(), Records: len(records)}
	log := p.log.WithField("run_id", res.RunID)

	sorted := make([]ocpp.RawRecord, len(records))
	copy(sorted, records)
	ocpp.SortByTime(sorted)

	samples, skipped := features.ExtractAll(p.extractor, sorted, log)
	res.Skipped = skipped
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: %d records, none parseable", ErrNoTrainingData, len(records))
	}

	// A refit goes into a fresh normalizer whose statistics are installed
	// together with the trained model.
	matrix := features.Matrix(samples)
	norm := p.norm
	if p.refit || !p.norm.Fitted() {
		norm = features.NewNormalizer()
		if err := norm.Fit(matrix); err != nil {
			return nil, fmt.Errorf("fit normalizer: %w", err)
		}
		res.Refit = true
	}
	z, err := norm.Apply(matrix)
	if err != nil {
		return nil, fmt.Errorf("normalize: %w", err)
	}

	windows := features.Window(z, p.model.Hyperparameters().SequenceLength)
	if len(windows) == 0 {
		return nil, fmt.Errorf("%w: %d samples shorter than one window", ErrNoTrainingData, len(samples))
	}
	res.Windows = len(windows)

	cfg := p.train
	cfg.Progress = func(epoch int, loss float64) {
		log.WithFields(logrus.Fields{"epoch": epoch, "loss": loss}).Info("training progress")
	}
	if norm != p.norm {
		params, _ := norm.Params()
		cfg.Publish = func(store func()) error {
			return p.norm.Install(params, func() error {
				store()
				return nil
			})
		}
	}
	report, err := p.trainer.Train(ctx, windows, cfg)
	if err != nil {
		return nil, fmt.Errorf("train: %w", err)
	}
	res.Report = report

	if p.store != nil {
		b, err := modelstore.NewBundle(p.model, p.norm, p.kind, res.RunID)
		if err != nil {
			return nil, err
		}
		if err := p.store.Save(ctx, b); err != nil {
			return nil, fmt.Errorf("persist model: %w", err)
		}
	}

	res.Duration = time.Since(started)
	log.WithFields(logrus.Fields{
		"records": res.Records,
		"skipped": res.Skipped,
		"windows": res.Windows,
		"loss":    report.FinalLoss(),
	}).Info("training complete")
	return res, nil
}
