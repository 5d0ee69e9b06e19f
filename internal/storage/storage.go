// Package storage provides the persistence layer for sensor snapshots,
// their satellite-climate rows and analysis results.
//
// Writes are serialized through a single mutex so that one write transaction
// runs at a time; a snapshot and its climate row are committed together. Reads
// do not take the lock and only ever observe committed rows.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/rewired-gh/agrolens/internal/models"
)

// DefaultListLimit is used when a non-positive limit is passed to ListAnalysisResults.
const DefaultListLimit = 10

// timeLayout is fixed-width so that lexical order equals chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// Storage is the store for all three entity types.
type Storage struct {
	db      *sqlx.DB
	dialect dialect
	writeMu sync.Mutex
	now     func() time.Time
}

// Option configures a Storage.
type Option func(*Storage)

// WithClock overrides the clock used for created_at and result timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Storage) { s.now = now }
}

// Stats holds row counts per table.
type Stats struct {
	Snapshots int64 `json:"snapshots"`
	Climate   int64 `json:"climate"`
	Results   int64 `json:"results"`
}

// New opens the database, verifies it is reachable and initializes the schema.
func New(ctx context.Context, driver, dsn string, opts ...Option) (*Storage, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, &SchemaError{Err: err}
	}

	memory := false
	if d.driver == sqliteDialect.driver {
		memory = isMemoryDSN(dsn)
		if !memory {
			if err := ensureDir(dsn); err != nil {
				return nil, &SchemaError{Err: err}
			}
		}
		dsn = sqliteDSN(dsn, memory)
	}

	db, err := sqlx.Open(d.driver, dsn)
	if err != nil {
		return nil, &SchemaError{Err: fmt.Errorf("failed to open database: %w", err)}
	}
	if memory {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, &SchemaError{Err: fmt.Errorf("failed to reach database: %w", err)}
	}

	s := &Storage{
		db:      db,
		dialect: d,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.InitializeSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func isMemoryDSN(dsn string) bool {
	return dsn == ":memory:" || strings.HasPrefix(dsn, "file::memory:") || strings.Contains(dsn, "mode=memory")
}

func ensureDir(dsn string) error {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	return nil
}

func sqliteDSN(dsn string, memory bool) string {
	pragmas := []string{"_pragma=foreign_keys(1)", "_pragma=busy_timeout(5000)"}
	if !memory {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)")
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(pragmas, "&")
}

// Close closes the underlying database.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for health checks.
func (s *Storage) DB() *sqlx.DB {
	return s.db
}

type snapshotRow struct {
	ID        int64  `db:"id"`
	Timestamp string `db:"timestamp"`
	RawData   string `db:"raw_data"`
	CreatedAt string `db:"created_at"`
	models.Readings
}

type resultRow struct {
	ID           int64  `db:"id"`
	SensorDataID int64  `db:"sensor_data_id"`
	Timestamp    string `db:"timestamp"`
	Prompt       string `db:"prompt"`
	Response     string `db:"response"`
	ModelUsed    string `db:"model_used"`
	RawData      string `db:"raw_data"`
}

func insertSnapshotQuery() string {
	cols := []string{"timestamp", "raw_data", "created_at"}
	for _, f := range readingFields {
		cols = append(cols, f.column)
	}
	return fmt.Sprintf("INSERT INTO sensor_data (%s) VALUES (:%s) RETURNING id",
		strings.Join(cols, ", "), strings.Join(cols, ", :"))
}

func insertClimateQuery() string {
	cols := []string{"sensor_data_id"}
	for _, f := range climateFields {
		cols = append(cols, f.column)
	}
	return fmt.Sprintf("INSERT INTO clima_satelital (%s) VALUES (:%s) RETURNING id",
		strings.Join(cols, ", "), strings.Join(cols, ", :"))
}

func snapshotColumns() string {
	cols := []string{"id", "timestamp", "raw_data", "created_at"}
	for _, f := range readingFields {
		cols = append(cols, f.column)
	}
	return strings.Join(cols, ", ")
}

func climateColumns() string {
	cols := []string{"id", "sensor_data_id"}
	for _, f := range climateFields {
		cols = append(cols, f.column)
	}
	return strings.Join(cols, ", ")
}

// SaveSensorSnapshot persists a payload and, when it carries a clima_satelital
// object, its climate row in the same transaction. The payload may be raw JSON
// ([]byte, json.RawMessage, string) or any value that marshals to a JSON object.
func (s *Storage) SaveSensorSnapshot(ctx context.Context, payload any) (int64, error) {
	raw, err := Canonicalize(payload)
	if err != nil {
		return 0, &PersistenceError{Op: "save sensor snapshot", Err: err}
	}

	now := s.now().UTC()
	row := snapshotRow{
		Timestamp: captureTimestamp(raw),
		RawData:   string(raw),
		CreatedAt: now.Format(timeLayout),
		Readings:  Extract(raw),
	}
	if row.Timestamp == "" {
		row.Timestamp = now.Format(time.RFC3339)
	}
	climate := ExtractClimate(raw)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var id int64
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := namedInsert(ctx, tx, insertSnapshotQuery(), row, &id); err != nil {
			return fmt.Errorf("failed to insert sensor data: %w", err)
		}
		if climate == nil {
			return nil
		}
		climate.SensorDataID = id
		var climateID int64
		if err := namedInsert(ctx, tx, insertClimateQuery(), climate, &climateID); err != nil {
			return fmt.Errorf("failed to insert climate data: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, &PersistenceError{Op: "save sensor snapshot", Err: err}
	}
	return id, nil
}

// SaveAnalysisResult persists one analysis result. It fails with a
// ReferenceError if snapshotID does not name an existing snapshot.
func (s *Storage) SaveAnalysisResult(ctx context.Context, snapshotID int64, prompt, response, modelUsed string) (int64, error) {
	result := models.AnalysisResult{
		SensorDataID: snapshotID,
		Timestamp:    s.now().UTC(),
		Prompt:       prompt,
		Response:     response,
		ModelUsed:    modelUsed,
	}
	if snapshotID <= 0 {
		return 0, &ReferenceError{SnapshotID: snapshotID}
	}
	if err := result.Validate(); err != nil {
		return 0, &PersistenceError{Op: "save analysis result", Err: err}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var id int64
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var exists int
		if err := tx.GetContext(ctx, &exists, tx.Rebind(`SELECT COUNT(1) FROM sensor_data WHERE id = ?`), snapshotID); err != nil {
			return fmt.Errorf("failed to check sensor data: %w", err)
		}
		if exists == 0 {
			return &ReferenceError{SnapshotID: snapshotID}
		}

		q := tx.Rebind(`INSERT INTO analysis_results (sensor_data_id, timestamp, prompt, response, model_used)
			VALUES (?, ?, ?, ?, ?) RETURNING id`)
		return tx.QueryRowxContext(ctx, q,
			result.SensorDataID,
			result.Timestamp.Format(timeLayout),
			result.Prompt,
			result.Response,
			result.ModelUsed,
		).Scan(&id)
	})
	if err != nil {
		var refErr *ReferenceError
		if errors.As(err, &refErr) {
			return 0, refErr
		}
		if isForeignKeyViolation(err) {
			return 0, &ReferenceError{SnapshotID: snapshotID, Err: err}
		}
		return 0, &PersistenceError{Op: "save analysis result", Err: err}
	}
	return id, nil
}

const resultSelect = `SELECT ar.id, ar.sensor_data_id, ar.timestamp, ar.prompt, ar.response, ar.model_used, sd.raw_data
	FROM analysis_results ar
	JOIN sensor_data sd ON sd.id = ar.sensor_data_id`

// ListAnalysisResults returns at most limit results, newest first, each joined
// with the raw payload of its snapshot.
func (s *Storage) ListAnalysisResults(ctx context.Context, limit int) ([]models.AnalysisRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	var rows []resultRow
	q := s.db.Rebind(resultSelect + ` ORDER BY ar.timestamp DESC, ar.id DESC LIMIT ?`)
	if err := s.db.SelectContext(ctx, &rows, q, limit); err != nil {
		return nil, &PersistenceError{Op: "list analysis results", Err: err}
	}

	records := make([]models.AnalysisRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.record()
		if err != nil {
			return nil, &PersistenceError{Op: "list analysis results", Err: err}
		}
		records = append(records, rec)
	}
	return records, nil
}

// GetAnalysisResult returns one result by id, or ErrNotFound.
func (s *Storage) GetAnalysisResult(ctx context.Context, id int64) (*models.AnalysisRecord, error) {
	var row resultRow
	q := s.db.Rebind(resultSelect + ` WHERE ar.id = ?`)
	if err := s.db.GetContext(ctx, &row, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, &PersistenceError{Op: "get analysis result", Err: err}
	}

	rec, err := row.record()
	if err != nil {
		return nil, &PersistenceError{Op: "get analysis result", Err: err}
	}
	return &rec, nil
}

// GetSensorSnapshot returns one snapshot with its climate row, or ErrNotFound.
func (s *Storage) GetSensorSnapshot(ctx context.Context, id int64) (*models.SensorSnapshot, error) {
	var row snapshotRow
	q := s.db.Rebind(`SELECT ` + snapshotColumns() + ` FROM sensor_data WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, &PersistenceError{Op: "get sensor snapshot", Err: err}
	}

	createdAt, err := time.Parse(timeLayout, row.CreatedAt)
	if err != nil {
		return nil, &PersistenceError{Op: "get sensor snapshot", Err: fmt.Errorf("invalid created_at %q: %w", row.CreatedAt, err)}
	}

	snap := &models.SensorSnapshot{
		ID:        row.ID,
		Timestamp: row.Timestamp,
		RawData:   json.RawMessage(row.RawData),
		Readings:  row.Readings,
		CreatedAt: createdAt,
	}

	var climate models.ClimateSnapshot
	q = s.db.Rebind(`SELECT ` + climateColumns() + ` FROM clima_satelital WHERE sensor_data_id = ?`)
	err = s.db.GetContext(ctx, &climate, q, id)
	switch {
	case err == nil:
		snap.Climate = &climate
	case errors.Is(err, sql.ErrNoRows):
	default:
		return nil, &PersistenceError{Op: "get climate data", Err: err}
	}

	return snap, nil
}

// Stats returns row counts for each table.
func (s *Storage) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	counts := []struct {
		table string
		dst   *int64
	}{
		{"sensor_data", &st.Snapshots},
		{"clima_satelital", &st.Climate},
		{"analysis_results", &st.Results},
	}
	for _, c := range counts {
		if err := s.db.GetContext(ctx, c.dst, "SELECT COUNT(1) FROM "+c.table); err != nil {
			return Stats{}, &PersistenceError{Op: "count " + c.table, Err: err}
		}
	}
	return st, nil
}

func (r resultRow) record() (models.AnalysisRecord, error) {
	ts, err := time.Parse(timeLayout, r.Timestamp)
	if err != nil {
		return models.AnalysisRecord{}, fmt.Errorf("invalid result timestamp %q: %w", r.Timestamp, err)
	}
	return models.AnalysisRecord{
		AnalysisResult: models.AnalysisResult{
			ID:           r.ID,
			SensorDataID: r.SensorDataID,
			Timestamp:    ts,
			Prompt:       r.Prompt,
			Response:     r.Response,
			ModelUsed:    r.ModelUsed,
		},
		RawData: json.RawMessage(r.RawData),
	}, nil
}

func (s *Storage) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func namedInsert(ctx context.Context, tx *sqlx.Tx, query string, arg any, id *int64) error {
	stmt, err := tx.PrepareNamedContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()
	return stmt.QueryRowxContext(ctx, arg).Scan(id)
}

func isForeignKeyViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		if code == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY {
			return true
		}
		return code&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(se.Error(), "FOREIGN KEY")
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23503"
	}
	return false
}
