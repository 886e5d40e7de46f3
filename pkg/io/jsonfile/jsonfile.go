// Package jsonfile reads and writes telemetry records as a JSON array.
//
// Each element carries msg_uuid, rechgst_id, rechgr_id, msg_name, msg_time
// and payload. The payload is either {"data": "<encoded inner object>"},
// an encoded inner object string, or the inner object itself.
package jsonfile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	rio "github.com/hed1ad/ocppguard/pkg/io"
	"github.com/hed1ad/ocppguard/pkg/ocpp"
)

type element struct {
	ID          string          `json:"msg_uuid"`
	StationID   string          `json:"rechgst_id,omitempty"`
	ChargerID   string          `json:"rechgr_id"`
	MessageName string          `json:"msg_name,omitempty"`
	Time        string          `json:"msg_time"`
	Payload     json.RawMessage `json:"payload"`
}

type envelope struct {
	Data string `json:"data"`
}

func (e element) record() (ocpp.RawRecord, error) {
	if e.ID == "" {
		return ocpp.RawRecord{}, errors.New("empty msg_uuid")
	}
	ts, err := rio.ParseTime(e.Time)
	if err != nil {
		return ocpp.RawRecord{}, err
	}
	payload, err := unwrapPayload(e.Payload)
	if err != nil {
		return ocpp.RawRecord{}, fmt.Errorf("record %s: %w", e.ID, err)
	}
	return ocpp.RawRecord{
		ID:          e.ID,
		StationID:   e.StationID,
		ChargerID:   e.ChargerID,
		MessageName: e.MessageName,
		Timestamp:   ts,
		Payload:     payload,
	}, nil
}

func unwrapPayload(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", errors.New("missing payload")
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	case '{':
		var env struct {
			Data *string `json:"data"`
		}
		if err := json.Unmarshal(raw, &env); err == nil && env.Data != nil {
			return *env.Data, nil
		}
		return string(raw), nil
	default:
		return "", fmt.Errorf("unexpected payload %s", raw)
	}
}

// Reader reads records from a JSON array file.
type Reader struct {
	file    *os.File
	dec     *json.Decoder
	started bool
	skipped int
	log     logrus.FieldLogger
}

var _ rio.Reader = (*Reader)(nil)

// Option configures a Reader.
type Option func(*Reader)

// WithLogger sets the logger used for skipped elements.
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
		file: file,
		dec:  json.NewDecoder(file),
		log:  logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Skipped returns the number of malformed elements dropped so far.
func (r *Reader) Skipped() int {
	return r.skipped
}

// next returns the next valid record, or ok false at the end of the array.
func (r *Reader) next() (ocpp.RawRecord, bool, error) {
	if !r.started {
		tok, err := r.dec.Token()
		if err != nil {
			return ocpp.RawRecord{}, false, fmt.Errorf("read array start: %w", err)
		}
		if d, isDelim := tok.(json.Delim); !isDelim || d != '[' {
			return ocpp.RawRecord{}, false, fmt.Errorf("expected JSON array, got %v", tok)
		}
		r.started = true
	}

	for r.dec.More() {
		var e element
		if err := r.dec.Decode(&e); err != nil {
			return ocpp.RawRecord{}, false, err
		}
		rec, err := e.record()
		if err != nil {
			r.skipped++
			r.log.WithError(err).WithField("msg_uuid", e.ID).Warn("skipping malformed json record")
			continue
		}
		return rec, true, nil
	}
	return ocpp.RawRecord{}, false, nil
}

// Read returns all records.
func (r *Reader) Read() ([]ocpp.RawRecord, error) {
	var records []ocpp.RawRecord
	for {
		rec, ok, err := r.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return records, nil
		}
		records = append(records, rec)
	}
}

// Stream returns a channel of records. Decoding stops at the first
// structural error.
func (r *Reader) Stream(ctx context.Context) (<-chan ocpp.RawRecord, error) {
	out := make(chan ocpp.RawRecord, 100)

	go func() {
		defer close(out)
		for {
			rec, ok, err := r.next()
			if err != nil {
				r.log.WithError(err).Error("json stream aborted")
				return
			}
			if !ok {
				return
			}
			select {
			case out <- rec:
			case <-ctx.Done():
				return
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

// Writer writes records as an indented JSON array with the {"data": ...}
// payload envelope.
type Writer struct {
	file    *os.File
	written int
}

var _ rio.Writer = (*Writer)(nil)

// NewWriter creates filename.
func NewWriter(filename string) (*Writer, error) {
	file, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	if _, err := file.WriteString("["); err != nil {
		file.Close()
		return nil, err
	}
	return &Writer{file: file}, nil
}

// Write outputs a single record.
func (w *Writer) Write(r ocpp.RawRecord) error {
	payload, err := json.Marshal(envelope{Data: r.Payload})
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(element{
		ID:          r.ID,
		StationID:   r.StationID,
		ChargerID:   r.ChargerID,
		MessageName: r.MessageName,
		Time:        r.Timestamp.UTC().Format(time.RFC3339Nano),
		Payload:     payload,
	}, "  ", "  ")
	if err != nil {
		return err
	}

	sep := "\n  "
	if w.written > 0 {
		sep = ",\n  "
	}
	if _, err := w.file.WriteString(sep); err != nil {
		return err
	}
	if _, err := w.file.Write(data); err != nil {
		return err
	}
	w.written++
	return nil
}

// WriteAll outputs multiple records.
func (w *Writer) WriteAll(records []ocpp.RawRecord) error {
	for _, r := range records {
		if err := w.Write(r); err != nil {
			return err
		}
	}
	return nil
}

// Close terminates the array and closes the file.
func (w *Writer) Close() error {
	if _, err := w.file.WriteString("\n]\n"); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}
