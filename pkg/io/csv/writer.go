package csv

import (
	"encoding/csv"
	"os"
	"time"

	rio "github.com/hed1ad/ocppguard/pkg/io"
	"github.com/hed1ad/ocppguard/pkg/ocpp"
)

// Writer writes records as CSV with an io.Columns header.
type Writer struct {
	file   *os.File
	writer *csv.Writer
}

var _ rio.Writer = (*Writer)(nil)

// NewWriter creates filename and writes the header row.
func NewWriter(filename string) (*Writer, error) {
	file, err := os.Create(filename)
	if err != nil {
		return nil, err
	}

	w := &Writer{file: file, writer: csv.NewWriter(file)}
	if err := w.writer.Write(rio.Columns); err != nil {
		file.Close()
		return nil, err
	}
	return w, nil
}

// Write outputs a single record.
func (w *Writer) Write(r ocpp.RawRecord) error {
	return w.writer.Write([]string{
		r.ID,
		r.StationID,
		r.ChargerID,
		r.MessageName,
		r.Timestamp.UTC().Format(time.RFC3339Nano),
		r.Payload,
	})
}

// WriteAll outputs multiple records.
func (w *Writer) WriteAll(records []ocpp.RawRecord) error {
	for _, r := range records {
		if err := w.Write(r); err != nil {
			return err
		}
	}
	w.writer.Flush()
	return w.writer.Error()
}

// Close flushes buffered rows and closes the file.
func (w *Writer) Close() error {
	w.writer.Flush()
	if err := w.writer.Error(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}
