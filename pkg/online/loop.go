// Package online runs the continuous poll, score and retrain cycle.
package online

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	"github.com/hed1ad/ocppguard/pkg/detectors"
	"github.com/hed1ad/ocppguard/pkg/features"
	"github.com/hed1ad/ocppguard/pkg/ocpp"
	"github.com/hed1ad/ocppguard/pkg/scoring"
	"github.com/hed1ad/ocppguard/pkg/training"
)

// State is the phase the loop is in.
type State int32

const (
	StateIdle State = iota
	StatePolling
	StateScoring
	StateRetraining
)

func (s State) String() string {
	switch s {
	case StatePolling:
		return "polling"
	case StateScoring:
		return "scoring"
	case StateRetraining:
		return "retraining"
	default:
		return "idle"
	}
}

// Config holds the loop cadence.
type Config struct {
	// PollInterval is the wait between successful cycles.
	PollInterval time.Duration
	// RetrainInterval is the minimum time between incremental retrains.
	RetrainInterval time.Duration
	// InitialLookback sets the first poll window, ending at now.
	InitialLookback time.Duration
	// InitialBackoff and MaxBackoff bound the wait after a failed cycle.
	// A failure never shortens the wait below PollInterval.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig returns a 60s poll, 5m retrain, 1h first lookback.
func DefaultConfig() Config {
	return Config{
		PollInterval:    60 * time.Second,
		RetrainInterval: 5 * time.Minute,
		InitialLookback: time.Hour,
		InitialBackoff:  60 * time.Second,
		MaxBackoff:      5 * time.Minute,
	}
}

// Validate reports non-positive durations and a backoff shorter than the
// poll interval.
func (c Config) Validate() error {
	switch {
	case c.PollInterval <= 0:
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	case c.RetrainInterval <= 0:
		return fmt.Errorf("retrain interval must be positive, got %s", c.RetrainInterval)
	case c.InitialLookback <= 0:
		return fmt.Errorf("initial lookback must be positive, got %s", c.InitialLookback)
	case c.InitialBackoff < c.PollInterval || c.MaxBackoff < c.InitialBackoff:
		return fmt.Errorf("backoff must satisfy poll interval (%s) <= initial (%s) <= max (%s)",
			c.PollInterval, c.InitialBackoff, c.MaxBackoff)
	}
	return nil
}

// Sink receives every anomaly the loop detects.
type Sink interface {
	Publish(ctx context.Context, anomalies []scoring.AnomalyRecord) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, anomalies []scoring.AnomalyRecord) error

// Publish calls f.
func (f SinkFunc) Publish(ctx context.Context, anomalies []scoring.AnomalyRecord) error {
	return f(ctx, anomalies)
}

// Metrics observes loop activity.
type Metrics interface {
	ObservePoll(records int, err error)
	ObserveReport(report *scoring.Report)
	ObserveRetrain(d time.Duration, loss float64, err error)
}

// PollResult describes the fetch phase.
type PollResult struct {
	Start   time.Time
	End     time.Time
	Records int
	Err     error
}

// ScoreResult describes the scoring phase.
type ScoreResult struct {
	Ran bool
	// Skipped is set when no trained model or normalization is available
	// yet.
	Skipped    bool
	Report     *scoring.Report
	SinkErrors int
	Err        error
}

// RetrainResult describes the retraining phase.
type RetrainResult struct {
	Attempted bool
	// Skipped is set when the batch was too small to train on.
	Skipped bool
	Result  *training.Result
	Err     error
}

// CycleResult combines the phases of one cycle.
type CycleResult struct {
	Poll    PollResult
	Score   ScoreResult
	Retrain RetrainResult
	// Cursor is the start of the next poll window.
	Cursor         time.Time
	CursorAdvanced bool
}

// Err returns the first phase error.
func (r CycleResult) Err() error {
	switch {
	case r.Poll.Err != nil:
		return fmt.Errorf("poll: %w", r.Poll.Err)
	case r.Score.Err != nil:
		return fmt.Errorf("score: %w", r.Score.Err)
	case r.Retrain.Err != nil:
		return fmt.Errorf("retrain: %w", r.Retrain.Err)
	}
	return nil
}

// Loop polls a record source, scores new records, and periodically
// retrains on them. It is not safe to run Cycle concurrently.
type Loop struct {
	source   training.RecordSource
	scorer   *scoring.Scorer
	pipeline *training.Pipeline
	sinks    []Sink
	metrics  Metrics
	cfg      Config

	now  func() time.Time
	wait func(ctx context.Context, d time.Duration) error

	mu          sync.Mutex
	cursor      time.Time
	lastRetrain time.Time
	state       atomic.Int32
	backoff     *backoff.ExponentialBackOff

	log logrus.FieldLogger
}

// Option configures a Loop.
type Option func(*Loop)

// WithConfig sets the loop cadence.
func WithConfig(c Config) Option {
	return func(l *Loop) {
		l.cfg = c
	}
}

// WithSink adds anomaly sinks.
func WithSink(s ...Sink) Option {
	return func(l *Loop) {
		l.sinks = append(l.sinks, s...)
	}
}

// WithMetrics sets the metrics observer.
func WithMetrics(m Metrics) Option {
	return func(l *Loop) {
		l.metrics = m
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) {
		l.now = now
	}
}

// WithWait replaces the timer used between cycles.
func WithWait(wait func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Loop) {
		l.wait = wait
	}
}

// WithCursor sets the start of the first poll window instead of
// now minus the initial lookback.
func WithCursor(t time.Time) Option {
	return func(l *Loop) {
		l.cursor = t
	}
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(l *Loop) {
		l.log = log
	}
}

// New returns a Loop. pipeline may be nil to disable retraining.
func New(source training.RecordSource, scorer *scoring.Scorer, pipeline *training.Pipeline, opts ...Option) (*Loop, error) {
	discard := logrus.New()
	discard.SetOutput(io.Discard)

	l := &Loop{
		source:   source,
		scorer:   scorer,
		pipeline: pipeline,
		cfg:      DefaultConfig(),
		now:      time.Now,
		wait:     sleep,
		log:      discard,
	}
	for _, opt := range opts {
		opt(l)
	}
	if err := l.cfg.Validate(); err != nil {
		return nil, err
	}

	l.backoff = backoff.NewExponentialBackOff()
	l.backoff.InitialInterval = l.cfg.InitialBackoff
	l.backoff.MaxInterval = l.cfg.MaxBackoff
	l.backoff.Multiplier = 2
	l.backoff.RandomizationFactor = 0
	l.backoff.Reset()
	return l, nil
}

// State returns the current phase.
func (l *Loop) State() State {
	return State(l.state.Load())
}

// Cursor returns the start of the next poll window, or the zero time
// before the first cycle.
func (l *Loop) Cursor() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cursor
}

// Run cycles until ctx is cancelled. Failed cycles are retried after an
// exponential backoff; they never stop the loop.
func (l *Loop) Run(ctx context.Context) error {
	l.log.WithFields(logrus.Fields{
		"poll_interval":    l.cfg.PollInterval,
		"retrain_interval": l.cfg.RetrainInterval,
	}).Info("online loop started")

	for {
		res := l.Cycle(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := l.cfg.PollInterval
		if err := res.Err(); err != nil {
			delay = l.backoff.NextBackOff()
			l.log.WithError(err).WithField("retry_in", delay).Error("cycle failed")
		} else {
			l.backoff.Reset()
		}

		if err := l.wait(ctx, delay); err != nil {
			return err
		}
	}
}

// Cycle runs one poll, score and optional retrain.
func (l *Loop) Cycle(ctx context.Context) CycleResult {
	defer l.state.Store(int32(StateIdle))

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if l.cursor.IsZero() {
		l.cursor = now.Add(-l.cfg.InitialLookback)
	}
	res := CycleResult{Cursor: l.cursor}

	l.state.Store(int32(StatePolling))
	res.Poll = PollResult{Start: l.cursor, End: now}
	records, err := l.source.FetchRecords(ctx, l.cursor, now)
	if l.metrics != nil {
		l.metrics.ObservePoll(len(records), err)
	}
	if err != nil {
		res.Poll.Err = err
		return res
	}
	res.Poll.Records = len(records)
	log := l.log.WithFields(logrus.Fields{"start": res.Poll.Start, "end": now, "records": len(records)})
	if len(records) == 0 {
		log.Debug("no new records")
		return res
	}

	l.state.Store(int32(StateScoring))
	res.Score = l.score(ctx, records)
	if res.Score.Err != nil {
		return res
	}

	l.cursor = now
	res.Cursor = now
	res.CursorAdvanced = true
	log.WithField("anomalies", len(res.Score.anomalies())).Info("batch scored")

	if l.pipeline != nil && (res.Score.Skipped || l.retrainDue(now)) {
		l.state.Store(int32(StateRetraining))
		res.Retrain = l.retrain(ctx, records)
		if res.Retrain.Err == nil && !res.Retrain.Skipped {
			l.lastRetrain = now
			// Buffered rows were normalized under the old statistics.
			if res.Retrain.Result.Refit {
				l.scorer.ResetHistory()
			}
		}
	}
	return res
}

// retrainDue reports whether RetrainInterval has passed since the last
// retrain. Before the first retrain it is always due.
func (l *Loop) retrainDue(now time.Time) bool {
	return l.lastRetrain.IsZero() || now.Sub(l.lastRetrain) >= l.cfg.RetrainInterval
}

func (l *Loop) score(ctx context.Context, records []ocpp.RawRecord) ScoreResult {
	report, err := l.scorer.Detect(records)
	if errors.Is(err, detectors.ErrNotTrained) || errors.Is(err, features.ErrNotFitted) {
		l.log.Warn("no trained model yet, skipping scoring")
		return ScoreResult{Skipped: true}
	}
	if err != nil {
		return ScoreResult{Err: err}
	}
	if l.metrics != nil {
		l.metrics.ObserveReport(report)
	}

	res := ScoreResult{Ran: true, Report: report}
	if len(report.Anomalies) == 0 {
		return res
	}
	for _, s := range l.sinks {
		if err := s.Publish(ctx, report.Anomalies); err != nil {
			res.SinkErrors++
			l.log.WithError(err).Error("publish anomalies")
		}
	}
	return res
}

func (l *Loop) retrain(ctx context.Context, records []ocpp.RawRecord) RetrainResult {
	started := l.now()
	result, err := l.pipeline.Train(ctx, records)
	if errors.Is(err, training.ErrNoTrainingData) {
		l.log.WithError(err).Info("skipping retrain")
		return RetrainResult{Attempted: true, Skipped: true}
	}
	if l.metrics != nil {
		var loss float64
		if result != nil {
			loss = result.Report.FinalLoss()
		}
		l.metrics.ObserveRetrain(l.now().Sub(started), loss, err)
	}
	if err != nil {
		return RetrainResult{Attempted: true, Err: err}
	}
	return RetrainResult{Attempted: true, Result: result}
}

func (r ScoreResult) anomalies() []scoring.AnomalyRecord {
	if r.Report == nil {
		return nil
	}
	return r.Report.Anomalies
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
