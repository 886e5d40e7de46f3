// Package ocpp defines the charger telemetry records consumed by the
// detection engine and the decoding of their embedded payloads.
package ocpp

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"
)

// Message names carried by records in the source store.
const (
	MessageDataTransfer = "ChargePointDataTransfer"
	MessageStatus       = "StatusNotification"
	MessageMeterValues  = "MeterValues"
)

// RawRecord is one telemetry message as returned by the data source.
// Payload holds the JSON-encoded inner status or meter object.
type RawRecord struct {
	ID          string    `json:"msg_uuid"`
	StationID   string    `json:"rechgst_id,omitempty"`
	ChargerID   string    `json:"rechgr_id"`
	MessageName string    `json:"msg_name,omitempty"`
	Timestamp   time.Time `json:"msg_time"`
	Payload     string    `json:"payload"`
}

// StatusPayload is the inner object of a status notification.
type StatusPayload struct {
	ConnectorID int     `json:"connectorId"`
	Status      string  `json:"status"`
	ErrorCode   *string `json:"errorCode,omitempty"`
}

// MeterPayload is the inner object of a meter values message.
type MeterPayload struct {
	ConnectorID   int     `json:"connectorId"`
	TransactionID int     `json:"transactionId"`
	Value         float64 `json:"meterValue"`
}

var (
	// ErrMissingField is returned when a payload lacks a required key.
	ErrMissingField = errors.New("missing required field")
	// ErrNonFinite is returned for NaN or infinite readings.
	ErrNonFinite = errors.New("non-finite value")
)

// DecodeStatus parses the record payload as a status notification.
// connectorId and status are required.
func (r RawRecord) DecodeStatus() (StatusPayload, error) {
	var raw struct {
		ConnectorID *int    `json:"connectorId"`
		Status      *string `json:"status"`
		ErrorCode   *string `json:"errorCode"`
	}
	if err := json.Unmarshal([]byte(r.Payload), &raw); err != nil {
		return StatusPayload{}, fmt.Errorf("decode status payload: %w", err)
	}
	if raw.ConnectorID == nil {
		return StatusPayload{}, fmt.Errorf("%w: connectorId", ErrMissingField)
	}
	if raw.Status == nil {
		return StatusPayload{}, fmt.Errorf("%w: status", ErrMissingField)
	}
	return StatusPayload{
		ConnectorID: *raw.ConnectorID,
		Status:      *raw.Status,
		ErrorCode:   raw.ErrorCode,
	}, nil
}

// DecodeMeter parses the record payload as a meter values message.
// meterValue is accepted either as a plain number or in the OCPP
// [{sampledValue: [{value: "..."}]}] form, in which case the first sampled
// value is used.
func (r RawRecord) DecodeMeter() (MeterPayload, error) {
	var raw struct {
		ConnectorID   *int            `json:"connectorId"`
		TransactionID int             `json:"transactionId"`
		MeterValue    json.RawMessage `json:"meterValue"`
	}
	if err := json.Unmarshal([]byte(r.Payload), &raw); err != nil {
		return MeterPayload{}, fmt.Errorf("decode meter payload: %w", err)
	}
	if raw.ConnectorID == nil {
		return MeterPayload{}, fmt.Errorf("%w: connectorId", ErrMissingField)
	}
	if len(raw.MeterValue) == 0 || string(raw.MeterValue) == "null" {
		return MeterPayload{}, fmt.Errorf("%w: meterValue", ErrMissingField)
	}

	value, err := meterReading(raw.MeterValue)
	if err != nil {
		return MeterPayload{}, err
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return MeterPayload{}, fmt.Errorf("%w: meterValue %v", ErrNonFinite, value)
	}

	return MeterPayload{
		ConnectorID:   *raw.ConnectorID,
		TransactionID: raw.TransactionID,
		Value:         value,
	}, nil
}

func meterReading(msg json.RawMessage) (float64, error) {
	var plain float64
	if err := json.Unmarshal(msg, &plain); err == nil {
		return plain, nil
	}

	var sampled []struct {
		SampledValue []struct {
			Value string `json:"value"`
		} `json:"sampledValue"`
	}
	if err := json.Unmarshal(msg, &sampled); err != nil {
		return 0, fmt.Errorf("decode meterValue: %w", err)
	}
	for _, mv := range sampled {
		for _, sv := range mv.SampledValue {
			v, err := strconv.ParseFloat(sv.Value, 64)
			if err != nil {
				return 0, fmt.Errorf("decode sampled value %q: %w", sv.Value, err)
			}
			return v, nil
		}
	}
	return 0, fmt.Errorf("%w: sampledValue", ErrMissingField)
}

// SortByTime orders records by ascending timestamp in place. The sort is
// stable so records sharing a timestamp keep their source order.
func SortByTime(records []RawRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.Before(records[j].Timestamp)
	})
}
