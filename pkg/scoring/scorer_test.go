package scoring

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/ocppguard/pkg/detectors"
	"github.com/hed1ad/ocppguard/pkg/features"
	"github.com/hed1ad/ocppguard/pkg/ocpp"
)

// statusDetector scores a window by the status code of its newest row,
// divided by ten. Normalization is the identity in these tests.
type statusDetector struct {
	seqLen  int
	trained bool
}

func (d statusDetector) InputDim() int       { return 3 }
func (d statusDetector) SequenceLength() int { return d.seqLen }

func (d statusDetector) Reconstruct(window [][]float64) ([][]float64, error) {
	return window, nil
}

func (d statusDetector) ReconstructionError(window [][]float64) (float64, error) {
	if !d.trained {
		return 0, detectors.ErrNotTrained
	}
	if err := detectors.CheckWindow(window, d.seqLen, 3); err != nil {
		return 0, err
	}
	return window[len(window)-1][2] / 10, nil
}

func identityNormalizer(t *testing.T) *features.Normalizer {
	t.Helper()
	n := features.NewNormalizer()
	require.NoError(t, n.SetParams(features.Params{Mean: []float64{0, 0, 0}, Std: []float64{1, 1, 1}}))
	return n
}

var base = time.Date(2024, 3, 20, 10, 0, 0, 0, time.UTC)

func record(i int, status string) ocpp.RawRecord {
	return ocpp.RawRecord{
		ID:          fmt.Sprintf("uuid_%d", i),
		StationID:   "station_1",
		ChargerID:   "charger_1",
		MessageName: ocpp.MessageStatus,
		Timestamp:   base.Add(time.Duration(i) * time.Minute),
		Payload:     fmt.Sprintf(`{"connectorId":1,"status":%q,"errorCode":"InternalError"}`, status),
	}
}

func newScorer(t *testing.T, seqLen int, opts ...Option) *Scorer {
	t.Helper()
	s, err := New(statusDetector{seqLen: seqLen, trained: true}, identityNormalizer(t), features.StatusExtractor{}, opts...)
	require.NoError(t, err)
	return s
}

func TestDetectFlagsDisconnect(t *testing.T) {
	s := newScorer(t, 1, WithThreshold(0.5))

	report, err := s.Detect([]ocpp.RawRecord{record(0, "C"), record(1, "DM")})
	require.NoError(t, err)
	require.Len(t, report.Verdicts, 2)

	assert.InDelta(t, 0.4, report.Verdicts[0].Score.Value, 1e-12)
	assert.False(t, report.Verdicts[0].Score.IsAnomaly)
	assert.InDelta(t, 0.9, report.Verdicts[1].Score.Value, 1e-12)
	assert.True(t, report.Verdicts[1].Score.IsAnomaly)

	require.Len(t, report.Anomalies, 1)
	a := report.Anomalies[0]
	assert.Equal(t, "uuid_1", a.RecordID)
	assert.Equal(t, "charger_1", a.ChargerID)
	assert.Equal(t, 1, a.ConnectorID)
	assert.Equal(t, "DM", a.Status)
	assert.Equal(t, "InternalError", a.ErrorCode)
	assert.True(t, a.DetailAvailable)
	assert.NotEmpty(t, a.ID)
}

func TestDetectThresholdTieIsNormal(t *testing.T) {
	s := newScorer(t, 1, WithThreshold(0.4))

	report, err := s.Detect([]ocpp.RawRecord{record(0, "C")})
	require.NoError(t, err)
	require.Len(t, report.Verdicts, 1)
	assert.Equal(t, 0.4, report.Verdicts[0].Score.Value)
	assert.False(t, report.Verdicts[0].Score.IsAnomaly)
	assert.Empty(t, report.Anomalies)
}

func TestDetectBands(t *testing.T) {
	s := newScorer(t, 1, WithBands(detectors.Bands{Warning: 0.7, Critical: 0.9}))

	report, err := s.Detect([]ocpp.RawRecord{record(0, "C"), record(1, "F"), record(2, "DM")})
	require.NoError(t, err)

	levels := make([]detectors.Level, len(report.Verdicts))
	for i, v := range report.Verdicts {
		levels[i] = v.Score.Level
	}
	assert.Equal(t, []detectors.Level{detectors.LevelNormal, detectors.LevelWarning, detectors.LevelCritical}, levels)
	assert.Len(t, report.Anomalies, 2)
}

func TestNewRejectsBadConfiguration(t *testing.T) {
	_, err := New(statusDetector{seqLen: 2}, identityNormalizer(t), features.StatusExtractor{},
		WithBands(detectors.Bands{Warning: 0.9, Critical: 0.7}))
	assert.Error(t, err)

	_, err = New(statusDetector{seqLen: 2}, identityNormalizer(t), features.MeterExtractor{})
	assert.True(t, errors.Is(err, detectors.ErrDimensionMismatch))
}

func TestDetectAttributesWindowToNewestRecord(t *testing.T) {
	s := newScorer(t, 3, WithThreshold(0.5))

	records := []ocpp.RawRecord{record(0, "A"), record(1, "DM"), record(2, "C"), record(3, "DM")}
	report, err := s.Detect(records)
	require.NoError(t, err)

	require.Len(t, report.Verdicts, 4)
	assert.Equal(t, 2, report.Windows)
	assert.Equal(t, 2, report.Unscored())
	assert.False(t, report.Verdicts[0].Scored)
	assert.False(t, report.Verdicts[1].Scored)
	assert.Equal(t, "uuid_2", report.Verdicts[2].Record.ID)
	assert.False(t, report.Verdicts[2].Score.IsAnomaly)
	assert.True(t, report.Verdicts[3].Score.IsAnomaly)

	require.Len(t, report.Anomalies, 1)
	assert.Equal(t, "uuid_3", report.Anomalies[0].RecordID)
}

func TestDetectSortsByTimestamp(t *testing.T) {
	s := newScorer(t, 2, WithThreshold(0.5))

	report, err := s.Detect([]ocpp.RawRecord{record(1, "DM"), record(0, "C")})
	require.NoError(t, err)
	require.Len(t, report.Verdicts, 2)
	assert.Equal(t, "uuid_0", report.Verdicts[0].Record.ID)
	assert.True(t, report.Verdicts[1].Score.IsAnomaly)
}

func TestDetectHistorySpansCalls(t *testing.T) {
	s := newScorer(t, 3, WithHistory(10))

	report, err := s.Detect([]ocpp.RawRecord{record(0, "A"), record(1, "P")})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Windows)

	report, err = s.Detect([]ocpp.RawRecord{record(2, "C")})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Windows)
	require.Len(t, report.Verdicts, 1)
	assert.True(t, report.Verdicts[0].Scored)

	s.ResetHistory()
	report, err = s.Detect([]ocpp.RawRecord{record(3, "C")})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Windows)
}

func TestDetectWithoutHistoryIsStateless(t *testing.T) {
	s := newScorer(t, 2)

	for i := 0; i < 3; i++ {
		report, err := s.Detect([]ocpp.RawRecord{record(i, "C")})
		require.NoError(t, err)
		assert.Equal(t, 0, report.Windows)
	}
}

func TestDetectSkipsUnparseable(t *testing.T) {
	s := newScorer(t, 1)

	bad := record(1, "C")
	bad.Payload = "{"
	report, err := s.Detect([]ocpp.RawRecord{record(0, "C"), bad})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Len(t, report.Verdicts, 1)
}

func TestDetectUntrained(t *testing.T) {
	s, err := New(statusDetector{seqLen: 1}, identityNormalizer(t), features.StatusExtractor{})
	require.NoError(t, err)

	_, err = s.Detect([]ocpp.RawRecord{record(0, "C")})
	assert.True(t, errors.Is(err, detectors.ErrNotTrained))
}

func TestEnrichWithoutDetail(t *testing.T) {
	r := record(0, "C")
	r.Payload = `{"foo":1}`

	a := Enrich(r, detectors.Score{Value: 2, IsAnomaly: true, Level: detectors.LevelAnomaly})
	assert.False(t, a.DetailAvailable)
	assert.Equal(t, NoteDetailUnavailable, a.Note)
	assert.Equal(t, "charger_1", a.ChargerID)
	assert.Equal(t, 2.0, a.Error)
}

func TestThreshold(t *testing.T) {
	s := newScorer(t, 1)
	assert.Equal(t, detectors.DefaultConfig().Threshold, s.Threshold())
	s.SetThreshold(0.25)
	assert.Equal(t, 0.25, s.Threshold())
}
