// Package csv reads and writes telemetry records as CSV files.
package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	rio "github.com/hed1ad/ocppguard/pkg/io"
	"github.com/hed1ad/ocppguard/pkg/ocpp"
)

// Reader reads records from CSV files.
type Reader struct {
	file      *os.File
	reader    *csv.Reader
	hasHeader bool
	index     map[string]int
	skipped   int
	log       logrus.FieldLogger
}

var _ rio.Reader = (*Reader)(nil)

// Option configures a CSV reader.
type Option func(*Reader)

// WithHeader indicates the CSV has a header row. Without one, columns are
// expected in io.Columns order.
func WithHeader(has bool) Option {
	return func(r *Reader) {
		r.hasHeader = has
	}
}

// WithLogger sets the logger used for skipped rows.
func WithLogger(l logrus.FieldLogger) Option {
	return func(r *Reader) {
		r.log = l
	}
}

// NewReader opens filename for reading.
func NewReader(filename string, opts ...Option) (*Reader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}

	r := &Reader{
		file:      file,
		reader:    csv.NewReader(file),
		hasHeader: true,
		index:     make(map[string]int, len(rio.Columns)),
		log:       logrus.StandardLogger(),
	}
	r.reader.FieldsPerRecord = -1

	for _, opt := range opts {
		opt(r)
	}

	columns := rio.Columns
	if r.hasHeader {
		columns, err = r.reader.Read()
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("read header: %w", err)
		}
	}
	for i, name := range columns {
		r.index[name] = i
	}
	for _, required := range []string{"msg_uuid", "rechgr_id", "msg_time", "payload"} {
		if _, ok := r.index[required]; !ok {
			file.Close()
			return nil, fmt.Errorf("missing column %q", required)
		}
	}

	return r, nil
}

// Skipped returns the number of malformed rows dropped so far.
func (r *Reader) Skipped() int {
	return r.skipped
}

// Read returns all records.
func (r *Reader) Read() ([]ocpp.RawRecord, error) {
	var records []ocpp.RawRecord

	for {
		row, err := r.reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		rec, err := r.parseRow(row)
		if err != nil {
			r.skip(err)
			continue
		}
		records = append(records, rec)
	}

	return records, nil
}

// Stream returns a channel of records.
func (r *Reader) Stream(ctx context.Context) (<-chan ocpp.RawRecord, error) {
	out := make(chan ocpp.RawRecord, 100)

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			default:
				row, err := r.reader.Read()
				if err == io.EOF {
					return
				}
				if err != nil {
					r.skip(err)
					continue
				}

				rec, err := r.parseRow(row)
				if err != nil {
					r.skip(err)
					continue
				}

				select {
				case out <- rec:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Close releases resources.
func (r *Reader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

func (r *Reader) skip(err error) {
	r.skipped++
	r.log.WithError(err).Warn("skipping malformed csv row")
}

func (r *Reader) field(row []string, name string) string {
	i, ok := r.index[name]
	if !ok || i >= len(row) {
		return ""
	}
	return row[i]
}

func (r *Reader) parseRow(row []string) (ocpp.RawRecord, error) {
	if len(row) == 0 {
		return ocpp.RawRecord{}, errors.New("empty row")
	}

	ts, err := rio.ParseTime(r.field(row, "msg_time"))
	if err != nil {
		return ocpp.RawRecord{}, err
	}

	rec := ocpp.RawRecord{
		ID:          r.field(row, "msg_uuid"),
		StationID:   r.field(row, "rechgst_id"),
		ChargerID:   r.field(row, "rechgr_id"),
		MessageName: r.field(row, "msg_name"),
		Timestamp:   ts,
		Payload:     r.field(row, "payload"),
	}
	if rec.ID == "" {
		return ocpp.RawRecord{}, errors.New("empty msg_uuid")
	}
	return rec, nil
}
