// Package store is the relational record source and anomaly log. It runs
// on SQLite for single-node deployments and on PostgreSQL in production.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/hed1ad/ocppguard/pkg/detectors"
	"github.com/hed1ad/ocppguard/pkg/ocpp"
	"github.com/hed1ad/ocppguard/pkg/scoring"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Timestamps are stored as unix milliseconds so both dialects compare them
// the same way.
const schema = `
CREATE TABLE IF NOT EXISTS ocpp_msg (
	msg_uuid   TEXT PRIMARY KEY,
	rechgst_id TEXT NOT NULL DEFAULT '',
	rechgr_id  TEXT NOT NULL,
	msg_name   TEXT NOT NULL DEFAULT '',
	msg_time   BIGINT NOT NULL,
	payload    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ocpp_msg_time ON ocpp_msg(msg_time);
CREATE INDEX IF NOT EXISTS idx_ocpp_msg_charger ON ocpp_msg(rechgr_id);

CREATE TABLE IF NOT EXISTS anomalies (
	id                   TEXT PRIMARY KEY,
	msg_uuid             TEXT NOT NULL,
	station_id           TEXT NOT NULL DEFAULT '',
	charger_id           TEXT NOT NULL,
	connector_id         INTEGER NOT NULL,
	status               TEXT NOT NULL DEFAULT '',
	error_code           TEXT NOT NULL DEFAULT '',
	msg_time             BIGINT NOT NULL,
	reconstruction_error DOUBLE PRECISION NOT NULL,
	level                TEXT NOT NULL,
	detail_available     BOOLEAN NOT NULL,
	note                 TEXT NOT NULL DEFAULT '',
	detected_at          BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_anomalies_charger_time ON anomalies(charger_id, msg_time);
`

// Store wraps the database connection.
type Store struct {
	db          *sql.DB
	driver      string
	messageName string
}

// Option configures a Store.
type Option func(*Store)

// WithMessageName restricts FetchRecords to one message name.
func WithMessageName(name string) Option {
	return func(s *Store) {
		s.messageName = name
	}
}

// Open connects to the database and creates the schema.
func Open(driver, dsn string, opts ...Option) (*Store, error) {
	var connStr string
	switch driver {
	case DriverSQLite:
		connStr = dsn
		if !strings.Contains(dsn, "?") {
			connStr = fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=10000", dsn)
		}
	case DriverPostgres:
		connStr = dsn
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	db, err := sql.Open(driver, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		// SQLite allows a single writer.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
	}
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db, driver: driver}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// rebind rewrites ? placeholders for drivers that number them.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// InsertRecords stores records, ignoring ids already present. It returns
// the number of rows written.
func (s *Store) InsertRecords(ctx context.Context, records []ocpp.RawRecord) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.rebind(`
		INSERT INTO ocpp_msg (msg_uuid, rechgst_id, rechgr_id, msg_name, msg_time, payload)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (msg_uuid) DO NOTHING
	`))
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	var count int64
	for _, r := range records {
		res, err := stmt.ExecContext(ctx, r.ID, r.StationID, r.ChargerID, r.MessageName, r.Timestamp.UnixMilli(), r.Payload)
		if err != nil {
			return 0, fmt.Errorf("insert record %s: %w", r.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		count += n
	}
	return count, tx.Commit()
}

// FetchRecords returns records with timestamps in (start, end], oldest
// first.
func (s *Store) FetchRecords(ctx context.Context, start, end time.Time) ([]ocpp.RawRecord, error) {
	conditions := []string{"msg_time > ?", "msg_time <= ?"}
	args := []interface{}{start.UnixMilli(), end.UnixMilli()}
	if s.messageName != "" {
		conditions = append(conditions, "msg_name = ?")
		args = append(args, s.messageName)
	}

	query := `SELECT msg_uuid, rechgst_id, rechgr_id, msg_name, msg_time, payload FROM ocpp_msg WHERE ` +
		strings.Join(conditions, " AND ") + ` ORDER BY msg_time ASC, msg_uuid ASC`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var records []ocpp.RawRecord
	for rows.Next() {
		var r ocpp.RawRecord
		var ms int64
		if err := rows.Scan(&r.ID, &r.StationID, &r.ChargerID, &r.MessageName, &ms, &r.Payload); err != nil {
			return nil, err
		}
		r.Timestamp = time.UnixMilli(ms).UTC()
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ocpp.SortByTime(records)
	return records, nil
}

// SaveAnomalies appends anomalies to the anomaly log.
func (s *Store) SaveAnomalies(ctx context.Context, anomalies []scoring.AnomalyRecord) error {
	if len(anomalies) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.rebind(`
		INSERT INTO anomalies
		(id, msg_uuid, station_id, charger_id, connector_id, status, error_code,
		 msg_time, reconstruction_error, level, detail_available, note, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`))
	if err != nil {
		return err
	}
	defer stmt.Close()

	detected := time.Now().UnixMilli()
	for _, a := range anomalies {
		_, err := stmt.ExecContext(ctx,
			a.ID, a.RecordID, a.StationID, a.ChargerID, a.ConnectorID, a.Status, a.ErrorCode,
			a.Timestamp.UnixMilli(), a.Error, string(a.Level), a.DetailAvailable, a.Note, detected,
		)
		if err != nil {
			return fmt.Errorf("insert anomaly %s: %w", a.ID, err)
		}
	}
	return tx.Commit()
}

// AnomalyQuery filters ListAnomalies.
type AnomalyQuery struct {
	ChargerID string
	Since     time.Time
	Limit     int
}

// ListAnomalies returns logged anomalies, newest first.
func (s *Store) ListAnomalies(ctx context.Context, q AnomalyQuery) ([]scoring.AnomalyRecord, error) {
	var conditions []string
	var args []interface{}

	if q.ChargerID != "" {
		conditions = append(conditions, "charger_id = ?")
		args = append(args, q.ChargerID)
	}
	if !q.Since.IsZero() {
		conditions = append(conditions, "msg_time >= ?")
		args = append(args, q.Since.UnixMilli())
	}

	query := `
		SELECT id, msg_uuid, station_id, charger_id, connector_id, status, error_code,
		       msg_time, reconstruction_error, level, detail_available, note
		FROM anomalies`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY msg_time DESC"

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query anomalies: %w", err)
	}
	defer rows.Close()

	var anomalies []scoring.AnomalyRecord
	for rows.Next() {
		var a scoring.AnomalyRecord
		var ms int64
		var level string
		if err := rows.Scan(&a.ID, &a.RecordID, &a.StationID, &a.ChargerID, &a.ConnectorID, &a.Status,
			&a.ErrorCode, &ms, &a.Error, &level, &a.DetailAvailable, &a.Note); err != nil {
			return nil, err
		}
		a.Timestamp = time.UnixMilli(ms).UTC()
		a.Level = detectors.Level(level)
		anomalies = append(anomalies, a)
	}
	return anomalies, rows.Err()
}

// Stats summarizes the store contents.
type Stats struct {
	Records   int64      `json:"records"`
	Chargers  int64      `json:"chargers"`
	Anomalies int64      `json:"anomalies"`
	First     *time.Time `json:"first,omitempty"`
	Last      *time.Time `json:"last,omitempty"`
}

// Stats returns record, charger and anomaly counts.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	var first, last sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT rechgr_id), MIN(msg_time), MAX(msg_time) FROM ocpp_msg`,
	).Scan(&st.Records, &st.Chargers, &first, &last)
	if err != nil {
		return nil, fmt.Errorf("record stats: %w", err)
	}
	if first.Valid {
		t := time.UnixMilli(first.Int64).UTC()
		st.First = &t
	}
	if last.Valid {
		t := time.UnixMilli(last.Int64).UTC()
		st.Last = &t
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM anomalies`).Scan(&st.Anomalies); err != nil {
		return nil, fmt.Errorf("anomaly stats: %w", err)
	}
	return &st, nil
}
