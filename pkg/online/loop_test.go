package online

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/ocppguard/pkg/detectors"
	"github.com/hed1ad/ocppguard/pkg/detectors/autoencoder"
	"github.com/hed1ad/ocppguard/pkg/features"
	"github.com/hed1ad/ocppguard/pkg/ocpp"
	"github.com/hed1ad/ocppguard/pkg/scoring"
	"github.com/hed1ad/ocppguard/pkg/training"
)

var t0 = time.Date(2024, 3, 20, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeSource struct {
	mu      sync.Mutex
	records []ocpp.RawRecord
	errs    []error
	polls   []PollResult
}

func (s *fakeSource) FetchRecords(_ context.Context, start, end time.Time) ([]ocpp.RawRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls = append(s.polls, PollResult{Start: start, End: end})
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	var out []ocpp.RawRecord
	for _, r := range s.records {
		if r.Timestamp.After(start) && !r.Timestamp.After(end) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeSource) add(records ...ocpp.RawRecord) {
	s.mu.Lock()
	s.records = append(s.records, records...)
	s.mu.Unlock()
}

// records returns n status records spaced one second apart ending at end.
func records(n int, end time.Time) []ocpp.RawRecord {
	statuses := []string{"A", "P", "C", "F", "A", "C", "DM"}
	out := make([]ocpp.RawRecord, n)
	for i := range out {
		out[i] = ocpp.RawRecord{
			ID:        fmt.Sprintf("%s_%d", end.Format("150405"), i),
			ChargerID: fmt.Sprintf("charger_%d", i%3+1),
			Timestamp: end.Add(-time.Duration(n-1-i) * time.Second),
			Payload:   fmt.Sprintf(`{"connectorId":%d,"status":%q}`, i%2+1, statuses[i%len(statuses)]),
		}
	}
	return out
}

// constDetector scores every window with the same value.
type constDetector struct{ value float64 }

func (d constDetector) InputDim() int       { return 3 }
func (d constDetector) SequenceLength() int { return 1 }
func (d constDetector) Reconstruct(w [][]float64) ([][]float64, error) {
	return w, nil
}
func (d constDetector) ReconstructionError([][]float64) (float64, error) {
	return d.value, nil
}

func constScorer(t *testing.T, value float64) *scoring.Scorer {
	t.Helper()
	norm := features.NewNormalizer()
	require.NoError(t, norm.SetParams(features.Params{Mean: []float64{0, 0, 0}, Std: []float64{1, 1, 1}}))
	s, err := scoring.New(constDetector{value: value}, norm, features.StatusExtractor{}, scoring.WithThreshold(0.5))
	require.NoError(t, err)
	return s
}

func newLoop(t *testing.T, src *fakeSource, scorer *scoring.Scorer, pipeline *training.Pipeline, clock *fakeClock, opts ...Option) *Loop {
	t.Helper()
	l, err := New(src, scorer, pipeline, append([]Option{WithClock(clock.Now)}, opts...)...)
	require.NoError(t, err)
	return l
}

func TestEmptyPollKeepsCursor(t *testing.T) {
	clock := &fakeClock{t: t0}
	src := &fakeSource{}
	l := newLoop(t, src, constScorer(t, 0), nil, clock)

	first := l.Cycle(context.Background())
	require.NoError(t, first.Err())
	assert.Equal(t, t0.Add(-time.Hour), first.Poll.Start)
	assert.Equal(t, t0, first.Poll.End)
	assert.False(t, first.CursorAdvanced)

	clock.Advance(time.Minute)
	second := l.Cycle(context.Background())
	require.NoError(t, second.Err())
	assert.Equal(t, t0.Add(-time.Hour), second.Poll.Start)
	assert.Equal(t, t0.Add(time.Minute), second.Poll.End)
	assert.Equal(t, t0.Add(-time.Hour), l.Cursor())
}

func TestFailedPollKeepsCursor(t *testing.T) {
	clock := &fakeClock{t: t0}
	src := &fakeSource{errs: []error{errors.New("connection reset")}}
	src.add(records(5, t0.Add(-time.Minute))...)
	l := newLoop(t, src, constScorer(t, 0), nil, clock)

	res := l.Cycle(context.Background())
	assert.ErrorContains(t, res.Err(), "connection reset")
	assert.False(t, res.CursorAdvanced)
	assert.Equal(t, t0.Add(-time.Hour), l.Cursor())

	clock.Advance(time.Minute)
	res = l.Cycle(context.Background())
	require.NoError(t, res.Err())
	assert.Equal(t, t0.Add(-time.Hour), res.Poll.Start)
	assert.Equal(t, 5, res.Poll.Records)
	assert.True(t, res.CursorAdvanced)
	assert.Equal(t, t0.Add(time.Minute), l.Cursor())
}

func TestScoredBatchAdvancesCursor(t *testing.T) {
	clock := &fakeClock{t: t0}
	src := &fakeSource{}
	src.add(records(3, t0.Add(-10*time.Second))...)
	l := newLoop(t, src, constScorer(t, 0), nil, clock)

	res := l.Cycle(context.Background())
	require.NoError(t, res.Err())
	assert.True(t, res.Score.Ran)
	assert.Equal(t, t0, res.Cursor)

	clock.Advance(time.Minute)
	src.add(records(2, t0.Add(30*time.Second))...)
	res = l.Cycle(context.Background())
	require.NoError(t, res.Err())
	assert.Equal(t, t0, res.Poll.Start)
	assert.Equal(t, 2, res.Poll.Records, "records already scored are not polled again")
}

func TestAnomaliesReachSinks(t *testing.T) {
	clock := &fakeClock{t: t0}
	src := &fakeSource{}
	src.add(records(4, t0)...)

	var got []scoring.AnomalyRecord
	good := SinkFunc(func(_ context.Context, a []scoring.AnomalyRecord) error {
		got = append(got, a...)
		return nil
	})
	broken := SinkFunc(func(context.Context, []scoring.AnomalyRecord) error {
		return errors.New("redis down")
	})
	l := newLoop(t, src, constScorer(t, 1), nil, clock, WithSink(good, broken))

	res := l.Cycle(context.Background())
	require.NoError(t, res.Err())
	assert.Len(t, got, 4)
	assert.Equal(t, 1, res.Score.SinkErrors)
	assert.True(t, res.CursorAdvanced)
}

func newTrainable(t *testing.T) (*scoring.Scorer, *training.Pipeline, *autoencoder.Model) {
	t.Helper()
	m, err := autoencoder.New(autoencoder.WithSequenceLength(5), autoencoder.WithHiddenDim(8), autoencoder.WithDepth(1))
	require.NoError(t, err)
	norm := features.NewNormalizer()
	s, err := scoring.New(m.Scorer(), norm, features.StatusExtractor{})
	require.NoError(t, err)
	p, err := training.New(m, norm, features.StatusExtractor{},
		training.WithTrainConfig(detectors.TrainConfig{Epochs: 2, BatchSize: 8, LearningRate: 0.01}))
	require.NoError(t, err)
	return s, p, m
}

func TestUntrainedModelRetrainsImmediately(t *testing.T) {
	clock := &fakeClock{t: t0}
	src := &fakeSource{}
	src.add(records(20, t0)...)
	scorer, pipeline, model := newTrainable(t)
	l := newLoop(t, src, scorer, pipeline, clock)

	res := l.Cycle(context.Background())
	require.NoError(t, res.Err())
	assert.True(t, res.Score.Skipped)
	assert.True(t, res.CursorAdvanced)
	assert.True(t, res.Retrain.Attempted)
	require.NotNil(t, res.Retrain.Result)
	assert.Equal(t, 16, res.Retrain.Result.Windows)
	assert.True(t, model.Trained())

	clock.Advance(time.Minute)
	src.add(records(20, t0.Add(time.Minute))...)
	res = l.Cycle(context.Background())
	require.NoError(t, res.Err())
	assert.True(t, res.Score.Ran)
	assert.Equal(t, 16, res.Score.Report.Windows)
	assert.False(t, res.Retrain.Attempted, "retrain interval has not elapsed")
}

func TestFirstCycleRetrainsLoadedModel(t *testing.T) {
	clock := &fakeClock{t: t0}
	src := &fakeSource{}
	scorer, pipeline, model := newTrainable(t)
	_, err := pipeline.Train(context.Background(), records(20, t0.Add(-2*time.Hour)))
	require.NoError(t, err)
	require.True(t, model.Trained())

	src.add(records(20, t0)...)
	l := newLoop(t, src, scorer, pipeline, clock)

	res := l.Cycle(context.Background())
	require.NoError(t, res.Err())
	assert.True(t, res.Score.Ran)
	assert.True(t, res.Retrain.Attempted)
	assert.NotNil(t, res.Retrain.Result)

	clock.Advance(time.Minute)
	src.add(records(20, clock.Now())...)
	res = l.Cycle(context.Background())
	require.NoError(t, res.Err())
	assert.True(t, res.Score.Ran)
	assert.False(t, res.Retrain.Attempted, "retrain interval runs from the first retrain")
}

func TestRetrainInterval(t *testing.T) {
	clock := &fakeClock{t: t0}
	src := &fakeSource{}
	scorer, pipeline, _ := newTrainable(t)
	l := newLoop(t, src, scorer, pipeline, clock)

	src.add(records(20, t0)...)
	require.NoError(t, l.Cycle(context.Background()).Err())

	clock.Advance(4 * time.Minute)
	src.add(records(20, clock.Now())...)
	res := l.Cycle(context.Background())
	require.NoError(t, res.Err())
	assert.False(t, res.Retrain.Attempted)

	clock.Advance(time.Minute)
	src.add(records(3, clock.Now())...)
	res = l.Cycle(context.Background())
	require.NoError(t, res.Err())
	assert.True(t, res.Retrain.Attempted)
	assert.True(t, res.Retrain.Skipped, "three records do not make a window")

	clock.Advance(time.Minute)
	src.add(records(20, clock.Now())...)
	res = l.Cycle(context.Background())
	require.NoError(t, res.Err())
	assert.True(t, res.Retrain.Attempted)
	assert.False(t, res.Retrain.Skipped)
	assert.NotNil(t, res.Retrain.Result)
}

func TestRunBacksOffAndRecovers(t *testing.T) {
	clock := &fakeClock{t: t0}
	src := &fakeSource{errs: []error{errors.New("timeout"), errors.New("timeout"), nil}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var delays []time.Duration
	wait := func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		clock.Advance(d)
		if len(delays) == 3 {
			cancel()
			return ctx.Err()
		}
		return nil
	}

	l := newLoop(t, src, constScorer(t, 0), nil, clock, WithWait(wait))

	err := l.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []time.Duration{time.Minute, 2 * time.Minute, time.Minute}, delays,
		"failures wait at least the poll interval")
	assert.Equal(t, StateIdle, l.State())
	require.Len(t, src.polls, 3)
	for _, p := range src.polls {
		assert.Equal(t, t0.Add(-time.Hour), p.Start)
	}
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.PollInterval = 0
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.MaxBackoff = time.Millisecond
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.InitialBackoff = time.Second
	assert.Error(t, bad.Validate(), "backoff shorter than the poll interval")

	_, err := New(&fakeSource{}, nil, nil, WithConfig(Config{}))
	assert.Error(t, err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "polling", StatePolling.String())
	assert.Equal(t, "scoring", StateScoring.String())
	assert.Equal(t, "retraining", StateRetraining.String())
}
