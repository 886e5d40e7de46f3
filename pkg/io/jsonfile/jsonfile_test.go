package jsonfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/ocppguard/pkg/ocpp"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "records.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestReaderPayloadForms(t *testing.T) {
	path := writeFile(t, `[
  {
    "msg_uuid": "uuid_0",
    "rechgst_id": "station_3",
    "rechgr_id": "charger_7",
    "msg_time": "2024-03-20T10:00:00.123456",
    "payload": {"data": "{\"connectorId\": 1, \"status\": \"C\", \"errorCode\": null}"}
  },
  {
    "msg_uuid": "uuid_1",
    "rechgr_id": "charger_7",
    "msg_time": "2024-03-20T10:01:00Z",
    "payload": "{\"connectorId\": 2, \"status\": \"F\"}"
  },
  {
    "msg_uuid": "uuid_2",
    "rechgr_id": "charger_7",
    "msg_time": "2024-03-20T10:02:00Z",
    "payload": {"connectorId": 1, "status": "DM"}
  }
]`)

	r, err := NewReader(path)
	require.NoError(t, err)
	defer r.Close()

	records, err := r.Read()
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, "station_3", records[0].StationID)
	assert.Equal(t, time.Date(2024, 3, 20, 10, 0, 0, 123456000, time.UTC), records[0].Timestamp)

	statuses := make([]string, len(records))
	for i, rec := range records {
		p, err := rec.DecodeStatus()
		require.NoError(t, err, rec.ID)
		statuses[i] = p.Status
	}
	assert.Equal(t, []string{"C", "F", "DM"}, statuses)
}

func TestReaderSkipsMalformedElements(t *testing.T) {
	path := writeFile(t, `[
  {"msg_uuid": "a", "rechgr_id": "c1", "msg_time": "soon", "payload": "{}"},
  {"msg_uuid": "b", "rechgr_id": "c1", "msg_time": "2024-03-20T10:00:00Z"},
  {"msg_uuid": "c", "rechgr_id": "c1", "msg_time": "2024-03-20T10:00:00Z", "payload": 42},
  {"msg_uuid": "d", "rechgr_id": "c1", "msg_time": "2024-03-20T10:00:00Z", "payload": "{}"}
]`)
	log, hook := test.NewNullLogger()

	r, err := NewReader(path, WithLogger(log))
	require.NoError(t, err)
	defer r.Close()

	records, err := r.Read()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "d", records[0].ID)
	assert.Equal(t, 3, r.Skipped())
	assert.Len(t, hook.Entries, 3)
}

func TestReaderRejectsNonArray(t *testing.T) {
	path := writeFile(t, `{"msg_uuid": "a"}`)

	r, err := NewReader(path)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Read()
	assert.ErrorContains(t, err, "expected JSON array")
}

func TestWriterRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")
	want := []ocpp.RawRecord{
		{
			ID:          "uuid_0",
			StationID:   "station_1",
			ChargerID:   "charger_1",
			MessageName: ocpp.MessageDataTransfer,
			Timestamp:   time.Date(2024, 3, 20, 10, 0, 0, 0, time.UTC),
			Payload:     `{"connectorId":1,"status":"C"}`,
		},
		{
			ID:        "uuid_1",
			ChargerID: "charger_2",
			Timestamp: time.Date(2024, 3, 20, 10, 3, 0, 0, time.UTC),
			Payload:   `{"connectorId":2,"status":"U","errorCode":"InternalError"}`,
		},
	}

	w, err := NewWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.WriteAll(want))
	require.NoError(t, w.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"data":`)

	r, err := NewReader(path)
	require.NoError(t, err)
	defer r.Close()

	got, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestWriterEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.json")

	w, err := NewWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := NewReader(path)
	require.NoError(t, err)
	defer r.Close()

	got, err := r.Read()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReaderStream(t *testing.T) {
	path := writeFile(t, `[
  {"msg_uuid": "a", "rechgr_id": "c1", "msg_time": "2024-03-20T10:00:00Z", "payload": "{}"},
  {"msg_uuid": "b", "rechgr_id": "c1", "msg_time": "2024-03-20T10:01:00Z", "payload": "{}"}
]`)
	r, err := NewReader(path)
	require.NoError(t, err)
	defer r.Close()

	ch, err := r.Stream(context.Background())
	require.NoError(t, err)

	var ids []string
	for rec := range ch {
		ids = append(ids, rec.ID)
	}
	assert.Equal(t, []string{"a", "b"}, ids)
}
