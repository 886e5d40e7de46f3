package ocpp

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"time"
)

type transition [2]string

var (
	normalTransitions = []transition{
		{"IM", "A"},
		{"A", "P"},
		{"P", "C"},
		{"C", "F"},
		{"F", "A"},
	}
	abnormalTransitions = []transition{
		{"A", "F"},
		{"C", "U"},
		{"P", "DM"},
		{"A", "DM"},
		{"C", "DM"},
	}
)

// SampleConfig controls synthetic record generation.
type SampleConfig struct {
	// Normal and Abnormal are the number of two-step transitions of each kind.
	Normal   int
	Abnormal int
	Start    time.Time
	Stations int
	Chargers int
}

// DefaultSampleConfig mirrors the 80/20 split used for bootstrapping models.
func DefaultSampleConfig() SampleConfig {
	return SampleConfig{
		Normal:   80,
		Abnormal: 20,
		Start:    time.Now().UTC().Add(-24 * time.Hour),
		Stations: 5,
		Chargers: 10,
	}
}

// GenerateSample produces status notification records in ascending time
// order. Normal transitions come first, followed by abnormal ones; faulted
// and unavailable states carry an InternalError error code.
func GenerateSample(rng *rand.Rand, cfg SampleConfig) []RawRecord {
	if cfg.Stations <= 0 {
		cfg.Stations = 1
	}
	if cfg.Chargers <= 0 {
		cfg.Chargers = 1
	}

	records := make([]RawRecord, 0, 2*(cfg.Normal+cfg.Abnormal))
	now := cfg.Start

	emit := func(pairs []transition, n int, withErrors bool) {
		for i := 0; i < n; i++ {
			pair := pairs[rng.Intn(len(pairs))]
			for _, state := range pair {
				now = now.Add(time.Duration(1+rng.Intn(5)) * time.Minute)

				payload := StatusPayload{
					ConnectorID: 1 + rng.Intn(2),
					Status:      state,
				}
				if withErrors && (state == "F" || state == "U") {
					code := "InternalError"
					payload.ErrorCode = &code
				}
				data, _ := json.Marshal(payload)

				records = append(records, RawRecord{
					ID:          fmt.Sprintf("uuid_%d", len(records)),
					StationID:   fmt.Sprintf("station_%d", 1+rng.Intn(cfg.Stations)),
					ChargerID:   fmt.Sprintf("charger_%d", 1+rng.Intn(cfg.Chargers)),
					MessageName: MessageDataTransfer,
					Timestamp:   now,
					Payload:     string(data),
				})
			}
		}
	}

	emit(normalTransitions, cfg.Normal, false)
	emit(abnormalTransitions, cfg.Abnormal, true)

	return records
}
