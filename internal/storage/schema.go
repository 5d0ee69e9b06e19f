package storage

import (
	"context"
	"fmt"
	"strings"
)

// dialect captures the per-engine differences in DDL. Queries are written with
// '?' placeholders and rebound by sqlx.
type dialect struct {
	driver     string
	primaryKey string
	foreignKey string
	realType   string
}

var (
	sqliteDialect = dialect{
		driver:     "sqlite",
		primaryKey: "INTEGER PRIMARY KEY AUTOINCREMENT",
		foreignKey: "INTEGER",
		realType:   "REAL",
	}
	postgresDialect = dialect{
		driver:     "postgres",
		primaryKey: "BIGSERIAL PRIMARY KEY",
		foreignKey: "BIGINT",
		realType:   "DOUBLE PRECISION",
	}
)

func dialectFor(driver string) (dialect, error) {
	switch strings.ToLower(driver) {
	case "", "sqlite", "sqlite3":
		return sqliteDialect, nil
	case "postgres", "postgresql", "pq":
		return postgresDialect, nil
	default:
		return dialect{}, fmt.Errorf("unsupported storage driver %q", driver)
	}
}

func (d dialect) schema() []string {
	var sensorCols strings.Builder
	for _, f := range readingFields {
		fmt.Fprintf(&sensorCols, "\n\t\t\t%s %s,", f.column, d.realType)
	}

	var climateCols []string
	for _, f := range climateFields {
		climateCols = append(climateCols, fmt.Sprintf("\n\t\t\t%s %s", f.column, d.realType))
	}

	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS sensor_data (
			id %s,
			timestamp TEXT NOT NULL,
			raw_data TEXT NOT NULL,%s
			created_at TEXT NOT NULL
		)`, d.primaryKey, sensorCols.String()),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS clima_satelital (
			id %s,
			sensor_data_id %s NOT NULL UNIQUE REFERENCES sensor_data(id),%s
		)`, d.primaryKey, d.foreignKey, strings.Join(climateCols, ",")),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS analysis_results (
			id %s,
			sensor_data_id %s NOT NULL REFERENCES sensor_data(id),
			timestamp TEXT NOT NULL,
			prompt TEXT NOT NULL,
			response TEXT NOT NULL,
			model_used TEXT NOT NULL
		)`, d.primaryKey, d.foreignKey),

		`CREATE INDEX IF NOT EXISTS idx_analysis_results_sensor_data_id ON analysis_results(sensor_data_id)`,
		`CREATE INDEX IF NOT EXISTS idx_analysis_results_timestamp ON analysis_results(timestamp)`,
	}
}

// InitializeSchema creates the three tables and their indexes if absent. It is
// safe to call on every start.
func (s *Storage) InitializeSchema(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	for _, stmt := range s.dialect.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return &SchemaError{Err: err}
		}
	}
	return nil
}
