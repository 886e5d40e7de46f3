// Package io provides file input/output for telemetry records.
package io

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/hed1ad/ocppguard/pkg/ocpp"
)

// Reader is the interface for reading records from files.
type Reader interface {
	// Read returns every record in the source.
	Read() ([]ocpp.RawRecord, error)

	// Stream returns a channel of records for incremental processing.
	Stream(ctx context.Context) (<-chan ocpp.RawRecord, error)

	// Close releases resources.
	Close() error
}

// Writer is the interface for writing records to files.
type Writer interface {
	// Write outputs a single record.
	Write(r ocpp.RawRecord) error

	// WriteAll outputs multiple records.
	WriteAll(records []ocpp.RawRecord) error

	// Close flushes and releases resources.
	Close() error
}

// Columns is the field order used by tabular formats.
var Columns = []string{"msg_uuid", "rechgst_id", "rechgr_id", "msg_name", "msg_time", "payload"}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	time.DateTime,
}

// ParseTime accepts RFC 3339 timestamps, ISO 8601 local timestamps without
// an offset, "2006-01-02 15:04:05" and unix milliseconds. Timestamps
// without an offset are read as UTC.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid msg_time %q", s)
}
