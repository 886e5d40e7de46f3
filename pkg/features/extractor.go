// Package features turns raw telemetry records into normalized, windowed
// model input.
package features

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/sirupsen/logrus"

	"github.com/hed1ad/ocppguard/pkg/ocpp"
)

// Record kinds understood by NewExtractor.
const (
	KindStatus = "status"
	KindMeter  = "meter"
)

// ErrInvalidChargerID is returned for charger ids without digits.
var ErrInvalidChargerID = errors.New("charger id has no digits")

// ParseError describes a record the extractor skipped.
type ParseError struct {
	RecordID string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("record %s: %v", e.RecordID, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Extractor converts one record into a fixed-length feature vector.
type Extractor interface {
	// Extract returns the feature vector or a *ParseError.
	Extract(r ocpp.RawRecord) ([]float64, error)

	// Dim returns the length of every vector Extract produces.
	Dim() int

	// FeatureNames returns the names of extracted features.
	FeatureNames() []string
}

// NewExtractor returns the extractor for a record kind.
func NewExtractor(kind string) (Extractor, error) {
	switch kind {
	case KindStatus, "":
		return StatusExtractor{}, nil
	case KindMeter:
		return MeterExtractor{}, nil
	default:
		return nil, fmt.Errorf("unknown record kind %q", kind)
	}
}

// StatusExtractor produces [charger, connector, status].
type StatusExtractor struct{}

func (StatusExtractor) Dim() int { return 3 }

func (StatusExtractor) FeatureNames() []string {
	return []string{"charger_id", "connector_id", "status"}
}

func (StatusExtractor) Extract(r ocpp.RawRecord) ([]float64, error) {
	charger, err := ChargerNumber(r.ChargerID)
	if err != nil {
		return nil, &ParseError{RecordID: r.ID, Err: err}
	}
	p, err := r.DecodeStatus()
	if err != nil {
		return nil, &ParseError{RecordID: r.ID, Err: err}
	}
	return []float64{charger, float64(p.ConnectorID), float64(ocpp.StatusCode(p.Status))}, nil
}

// MeterExtractor produces [charger, connector, transaction, meter value].
type MeterExtractor struct{}

func (MeterExtractor) Dim() int { return 4 }

func (MeterExtractor) FeatureNames() []string {
	return []string{"charger_id", "connector_id", "transaction_id", "meter_value"}
}

func (MeterExtractor) Extract(r ocpp.RawRecord) ([]float64, error) {
	charger, err := ChargerNumber(r.ChargerID)
	if err != nil {
		return nil, &ParseError{RecordID: r.ID, Err: err}
	}
	p, err := r.DecodeMeter()
	if err != nil {
		return nil, &ParseError{RecordID: r.ID, Err: err}
	}
	return []float64{charger, float64(p.ConnectorID), float64(p.TransactionID), p.Value}, nil
}

// ChargerNumber keeps only the digits of id and parses them.
func ChargerNumber(id string) (float64, error) {
	digits := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) && r < unicode.MaxASCII {
			return r
		}
		return -1
	}, id)
	if digits == "" {
		return 0, fmt.Errorf("%w: %q", ErrInvalidChargerID, id)
	}
	return strconv.ParseFloat(digits, 64)
}

// Sample pairs a record with its feature vector.
type Sample struct {
	Record   ocpp.RawRecord
	Features []float64
}

// ExtractAll extracts every record, logging and skipping those that fail.
// It returns the samples in input order and the number skipped.
func ExtractAll(e Extractor, records []ocpp.RawRecord, log logrus.FieldLogger) ([]Sample, int) {
	samples := make([]Sample, 0, len(records))
	skipped := 0
	for _, r := range records {
		v, err := e.Extract(r)
		if err != nil {
			skipped++
			if log != nil {
				log.WithError(err).WithField("msg_uuid", r.ID).Warn("skipping unparseable record")
			}
			continue
		}
		samples = append(samples, Sample{Record: r, Features: v})
	}
	return samples, skipped
}

// Matrix returns the feature vectors of samples.
func Matrix(samples []Sample) [][]float64 {
	m := make([][]float64, len(samples))
	for i, s := range samples {
		m[i] = s.Features
	}
	return m
}
