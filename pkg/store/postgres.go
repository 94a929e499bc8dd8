// Package store persists completed pipeline runs to Postgres. Persistence is
// optional: the pipeline works entirely from its in-memory cache, and a store
// is attached only when a DSN is configured.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/kass/sitescout/pkg/pipeline"
)

// Postgres stores run summaries and their scored locations.
type Postgres struct {
	db *sqlx.DB
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &Postgres{db: db}, nil
}

// InitSchema creates the run tables and their indexes if they do not exist.
func (p *Postgres) InitSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id        TEXT PRIMARY KEY,
			city_id       TEXT NOT NULL,
			fetched_at    TIMESTAMPTZ NOT NULL,
			generation_ms BIGINT NOT NULL,
			rows_built    INTEGER NOT NULL,
			rows_dropped  INTEGER NOT NULL,
			degraded      BOOLEAN NOT NULL,
			r2            DOUBLE PRECISION NOT NULL,
			cv_mae        DOUBLE PRECISION NOT NULL,
			variance      DOUBLE PRECISION NOT NULL,
			synthetic     BOOLEAN NOT NULL,
			provenance    JSONB NOT NULL,
			degradations  JSONB NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS scored_locations (
			run_id                 TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
			city_id                TEXT NOT NULL,
			latitude               DOUBLE PRECISION NOT NULL,
			longitude              DOUBLE PRECISION NOT NULL,
			predicted_revenue      DOUBLE PRECISION NOT NULL,
			median_income          DOUBLE PRECISION NOT NULL,
			traffic_score          DOUBLE PRECISION NOT NULL,
			competition_density    DOUBLE PRECISION NOT NULL,
			distance_to_competitor DOUBLE PRECISION NOT NULL
		);`,

		`CREATE INDEX IF NOT EXISTS idx_runs_city_fetched
			ON runs (city_id, fetched_at DESC);`,

		`CREATE INDEX IF NOT EXISTS idx_scored_locations_city_revenue
			ON scored_locations (city_id, predicted_revenue DESC);`,
	}

	for _, query := range queries {
		if _, err := p.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// SaveRun writes the run summary and every scored location in one
// transaction. Satisfies the pipeline's store hook.
func (p *Postgres) SaveRun(ctx context.Context, rs *pipeline.CityResultSet) error {
	provenance, err := json.Marshal(rs.Provenance)
	if err != nil {
		return fmt.Errorf("failed to marshal provenance: %w", err)
	}
	degradations, err := json.Marshal(rs.Degradations)
	if err != nil {
		return fmt.Errorf("failed to marshal degradations: %w", err)
	}

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	const insertRun = `
		INSERT INTO runs (
			run_id, city_id, fetched_at, generation_ms,
			rows_built, rows_dropped, degraded,
			r2, cv_mae, variance, synthetic,
			provenance, degradations
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	if _, err := tx.ExecContext(ctx, insertRun,
		rs.RunID, rs.CityID, rs.FetchedAt, rs.GenerationTime.Milliseconds(),
		len(rs.Rows), rs.DroppedRows, rs.Degraded(),
		rs.Metrics.R2, rs.Metrics.CVMAE, rs.Metrics.Variance, rs.Metrics.Synthetic,
		provenance, degradations,
	); err != nil {
		return fmt.Errorf("failed to insert run %s: %w", rs.RunID, err)
	}

	const insertLocation = `
		INSERT INTO scored_locations (
			run_id, city_id, latitude, longitude, predicted_revenue,
			median_income, traffic_score, competition_density, distance_to_competitor
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	stmt, err := tx.PrepareContext(ctx, insertLocation)
	if err != nil {
		return fmt.Errorf("failed to prepare location insert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rs.Rows {
		if _, err := stmt.ExecContext(ctx,
			rs.RunID, rs.CityID, row.Latitude, row.Longitude, row.PredictedRevenue,
			row.MedianIncome, row.TrafficScore, row.CompetitionDensity, row.DistanceToCompetitor,
		); err != nil {
			return fmt.Errorf("failed to insert location (%.4f, %.4f): %w", row.Latitude, row.Longitude, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run %s: %w", rs.RunID, err)
	}
	return nil
}

// RunRecord is a stored run summary.
type RunRecord struct {
	RunID        string    `db:"run_id"`
	CityID       string    `db:"city_id"`
	FetchedAt    time.Time `db:"fetched_at"`
	GenerationMS int64     `db:"generation_ms"`
	RowsBuilt    int       `db:"rows_built"`
	RowsDropped  int       `db:"rows_dropped"`
	Degraded     bool      `db:"degraded"`
	R2           float64   `db:"r2"`
	CVMAE        float64   `db:"cv_mae"`
}

// ScoredLocation is one stored candidate site with its headline features.
type ScoredLocation struct {
	Latitude             float64 `db:"latitude"`
	Longitude            float64 `db:"longitude"`
	PredictedRevenue     float64 `db:"predicted_revenue"`
	MedianIncome         float64 `db:"median_income"`
	TrafficScore         float64 `db:"traffic_score"`
	CompetitionDensity   float64 `db:"competition_density"`
	DistanceToCompetitor float64 `db:"distance_to_competitor"`
}

// RecentRuns returns the newest run summaries for a city.
func (p *Postgres) RecentRuns(ctx context.Context, cityID string, limit int) ([]RunRecord, error) {
	const query = `
		SELECT run_id, city_id, fetched_at, generation_ms,
		       rows_built, rows_dropped, degraded, r2, cv_mae
		FROM runs
		WHERE city_id = $1
		ORDER BY fetched_at DESC
		LIMIT $2`

	var records []RunRecord
	if err := p.db.SelectContext(ctx, &records, query, cityID, limit); err != nil {
		return nil, fmt.Errorf("failed to query recent runs: %w", err)
	}
	return records, nil
}

// TopLocations returns the highest-revenue locations from a city's most
// recent stored run.
func (p *Postgres) TopLocations(ctx context.Context, cityID string, limit int) ([]ScoredLocation, error) {
	const query = `
		SELECT latitude, longitude, predicted_revenue,
		       median_income, traffic_score, competition_density, distance_to_competitor
		FROM scored_locations
		WHERE run_id = (
			SELECT run_id FROM runs
			WHERE city_id = $1
			ORDER BY fetched_at DESC
			LIMIT 1
		)
		ORDER BY predicted_revenue DESC
		LIMIT $2`

	var locations []ScoredLocation
	if err := p.db.SelectContext(ctx, &locations, query, cityID, limit); err != nil {
		return nil, fmt.Errorf("failed to query top locations: %w", err)
	}
	return locations, nil
}

// Close closes the underlying connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}
