// Package scoring turns raw records into anomaly verdicts using a trained
// sequence detector.
package scoring

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hed1ad/ocppguard/pkg/detectors"
	"github.com/hed1ad/ocppguard/pkg/features"
	"github.com/hed1ad/ocppguard/pkg/ocpp"
)

// NoteDetailUnavailable marks an anomaly whose payload could not be
// re-parsed for enrichment.
const NoteDetailUnavailable = "detail unavailable"

// AnomalyRecord is a flagged record enriched with its decoded payload.
type AnomalyRecord struct {
	ID              string          `json:"id"`
	RecordID        string          `json:"msg_uuid"`
	StationID       string          `json:"station_id,omitempty"`
	ChargerID       string          `json:"charger_id"`
	ConnectorID     int             `json:"connector_id"`
	Status          string          `json:"status,omitempty"`
	ErrorCode       string          `json:"error_code,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
	Error           float64         `json:"reconstruction_error"`
	Level           detectors.Level `json:"level"`
	DetailAvailable bool            `json:"detail_available"`
	Note            string          `json:"note,omitempty"`
}

// Verdict is the outcome for one extracted record. Records that do not yet
// complete a window are reported with Scored false.
type Verdict struct {
	Record ocpp.RawRecord
	Scored bool
	Score  detectors.Score
}

// Report is the result of one Detect call.
type Report struct {
	Verdicts  []Verdict
	Anomalies []AnomalyRecord
	// Skipped counts records the extractor rejected.
	Skipped int
	// Windows is the number of windows scored.
	Windows int
}

// Unscored returns the number of verdicts without a window.
func (r *Report) Unscored() int {
	n := 0
	for _, v := range r.Verdicts {
		if !v.Scored {
			n++
		}
	}
	return n
}

type batchScorer interface {
	ReconstructionErrors(windows [][][]float64) ([]float64, error)
}

// Scorer classifies records with a detector and stored normalization.
type Scorer struct {
	detector  detectors.Detector
	norm      *features.Normalizer
	extractor features.Extractor

	mu        sync.Mutex
	threshold float64
	bands     *detectors.Bands
	history   *features.Ring[[]float64]

	log logrus.FieldLogger
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithThreshold sets the boolean anomaly threshold.
func WithThreshold(t float64) Option {
	return func(s *Scorer) {
		s.threshold = t
	}
}

// WithBands switches the scorer to graded classification.
func WithBands(b detectors.Bands) Option {
	return func(s *Scorer) {
		s.bands = &b
	}
}

// WithHistory keeps the last n normalized samples so that windows can span
// consecutive Detect calls. Values above SequenceLength-1 are clamped.
func WithHistory(n int) Option {
	return func(s *Scorer) {
		s.history = features.NewRing[[]float64](n)
	}
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Scorer) {
		s.log = l
	}
}

// New returns a Scorer. The extractor width must equal the detector input
// width.
func New(det detectors.Detector, norm *features.Normalizer, ext features.Extractor, opts ...Option) (*Scorer, error) {
	if ext.Dim() != det.InputDim() {
		return nil, fmt.Errorf("%w: extractor produces %d features, detector expects %d",
			detectors.ErrDimensionMismatch, ext.Dim(), det.InputDim())
	}

	s := &Scorer{
		detector:  det,
		norm:      norm,
		extractor: ext,
		threshold: detectors.DefaultConfig().Threshold,
		history:   features.NewRing[[]float64](0),
		log:       discardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.bands != nil {
		if err := s.bands.Validate(); err != nil {
			return nil, err
		}
	}
	if limit := det.SequenceLength() - 1; s.history.Cap() > limit {
		s.history = features.NewRing[[]float64](limit)
	}
	return s, nil
}

// Threshold returns the boolean anomaly threshold.
func (s *Scorer) Threshold() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threshold
}

// SetThreshold sets the boolean anomaly threshold.
func (s *Scorer) SetThreshold(t float64) {
	s.mu.Lock()
	s.threshold = t
	s.mu.Unlock()
}

// ResetHistory drops cross-call window context.
func (s *Scorer) ResetHistory() {
	s.mu.Lock()
	s.history.Reset()
	s.mu.Unlock()
}

// Detect scores records in timestamp order. Each window is attributed to
// its newest record.
func (s *Scorer) Detect(records []ocpp.RawRecord) (*Report, error) {
	sorted := make([]ocpp.RawRecord, len(records))
	copy(sorted, records)
	ocpp.SortByTime(sorted)

	samples, skipped := features.ExtractAll(s.extractor, sorted, s.log)
	report := &Report{Skipped: skipped}
	if len(samples) == 0 {
		return report, nil
	}

	var scoreErr error
	err := s.norm.ApplyWith(features.Matrix(samples), func(z [][]float64) error {
		scoreErr = s.detect(report, samples, z)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("normalize: %w", err)
	}
	if scoreErr != nil {
		return nil, scoreErr
	}
	return report, nil
}

// detect windows and scores normalized rows under the normalizer's read
// lock, so the statistics and the model come from the same training run.
func (s *Scorer) detect(report *Report, samples []features.Sample, z [][]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prior := s.history.Items()
	rows := make([][]float64, 0, len(prior)+len(z))
	rows = append(rows, prior...)
	rows = append(rows, z...)

	seqLen := s.detector.SequenceLength()
	windows := features.Window(rows, seqLen)
	scores, err := s.score(windows)
	if err != nil {
		return err
	}
	for _, row := range z {
		s.history.Push(row)
	}

	// Window k ends at row k+seqLen-1, which is sample k+seqLen-1-len(prior).
	first := seqLen - 1 - len(prior)
	report.Windows = len(windows)
	report.Verdicts = make([]Verdict, len(samples))
	for i, sample := range samples {
		v := Verdict{Record: sample.Record}
		if k := i - first; k >= 0 && k < len(scores) {
			v.Scored = true
			v.Score = s.classify(scores[k])
			if v.Score.IsAnomaly {
				a := Enrich(sample.Record, v.Score)
				report.Anomalies = append(report.Anomalies, a)
				s.log.WithFields(logrus.Fields{
					"charger_id":   a.ChargerID,
					"connector_id": a.ConnectorID,
					"status":       a.Status,
					"error_code":   a.ErrorCode,
					"msg_time":     a.Timestamp,
					"error":        a.Error,
					"level":        a.Level,
				}).Warn("anomaly detected")
			}
		}
		report.Verdicts[i] = v
	}
	return nil
}

func (s *Scorer) score(windows [][][]float64) ([]float64, error) {
	if len(windows) == 0 {
		return nil, nil
	}
	if b, ok := s.detector.(batchScorer); ok {
		return b.ReconstructionErrors(windows)
	}
	scores := make([]float64, len(windows))
	for i, w := range windows {
		e, err := s.detector.ReconstructionError(w)
		if err != nil {
			return nil, err
		}
		scores[i] = e
	}
	return scores, nil
}

func (s *Scorer) classify(score float64) detectors.Score {
	if s.bands != nil {
		return s.bands.Classify(score)
	}
	return detectors.Classify(score, s.threshold)
}

// Enrich builds an AnomalyRecord by re-parsing the record payload. When the
// payload cannot be decoded the anomaly is still returned with
// DetailAvailable false.
func Enrich(r ocpp.RawRecord, score detectors.Score) AnomalyRecord {
	a := AnomalyRecord{
		ID:        uuid.NewString(),
		RecordID:  r.ID,
		StationID: r.StationID,
		ChargerID: r.ChargerID,
		Timestamp: r.Timestamp,
		Error:     score.Value,
		Level:     score.Level,
	}

	if p, err := r.DecodeStatus(); err == nil {
		a.ConnectorID = p.ConnectorID
		a.Status = p.Status
		if p.ErrorCode != nil {
			a.ErrorCode = *p.ErrorCode
		}
		a.DetailAvailable = true
		return a
	}
	if p, err := r.DecodeMeter(); err == nil {
		a.ConnectorID = p.ConnectorID
		a.DetailAvailable = true
		return a
	}

	a.Note = NoteDetailUnavailable
	return a
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
