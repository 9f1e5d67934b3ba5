package history

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/allocator/internal/database"
	"github.com/aristath/allocator/internal/modules/optimization"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrRunNotFound is returned by Get for unknown ids.
var ErrRunNotFound = errors.New("run not found")

// DefaultListLimit caps List when no limit is given.
const DefaultListLimit = 50

// Repository stores runs in history.db (optimization_runs, run_holdings).
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
	now func() time.Time
}

// NewRepository creates a run repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "history").Logger(),
		now: time.Now,
	}
}

// Record stores run with a fresh UUID and returns the id.
func (r *Repository) Record(run Run) (string, error) {
	id := uuid.New().String()
	createdAt := r.now().UTC().Unix()

	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO optimization_runs
			(id, created_at, source, asset_count, observation_count, risk_level, max_weight,
			 converged, iterations, violation, objective, status, weight_sum,
			 error_kind, error_message, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			id,
			createdAt,
			run.Source,
			run.AssetCount,
			run.ObservationCount,
			run.RiskLevel,
			run.MaxWeight,
			boolToInt(run.Converged),
			run.Iterations,
			run.Violation,
			run.Objective,
			run.Status,
			run.WeightSum,
			run.ErrorKind,
			run.ErrorMessage,
			run.DurationMs,
		)
		if err != nil {
			return fmt.Errorf("failed to insert run: %w", err)
		}

		for pos, h := range run.Holdings {
			if _, err := tx.Exec(
				`INSERT INTO run_holdings (run_id, position, asset, weight) VALUES (?, ?, ?, ?)`,
				id, pos, h.Asset, h.Weight,
			); err != nil {
				return fmt.Errorf("failed to insert holding %s: %w", h.Asset, err)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	r.log.Debug().Str("run_id", id).Str("error_kind", run.ErrorKind).Msg("Run recorded")
	return id, nil
}

const selectRun = `
	SELECT id, created_at, source, asset_count, observation_count, risk_level, max_weight,
		   converged, iterations, violation, objective, status, weight_sum,
		   error_kind, error_message, duration_ms
	FROM optimization_runs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var run Run
	var createdAt int64
	var converged int

	err := row.Scan(
		&run.ID,
		&createdAt,
		&run.Source,
		&run.AssetCount,
		&run.ObservationCount,
		&run.RiskLevel,
		&run.MaxWeight,
		&converged,
		&run.Iterations,
		&run.Violation,
		&run.Objective,
		&run.Status,
		&run.WeightSum,
		&run.ErrorKind,
		&run.ErrorMessage,
		&run.DurationMs,
	)
	if err != nil {
		return Run{}, err
	}

	run.CreatedAt = time.Unix(createdAt, 0).UTC()
	run.Converged = converged != 0
	return run, nil
}

// Get returns one run with its holdings in reported order.
func (r *Repository) Get(id string) (*Run, error) {
	run, err := scanRun(r.db.QueryRow(selectRun+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", id, err)
	}

	holdings, err := r.holdings(id)
	if err != nil {
		return nil, err
	}
	run.Holdings = holdings
	return &run, nil
}

func (r *Repository) holdings(id string) (optimization.Portfolio, error) {
	rows, err := r.db.Query(
		`SELECT asset, weight FROM run_holdings WHERE run_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query holdings for %s: %w", id, err)
	}
	defer rows.Close()

	portfolio := optimization.Portfolio{}
	for rows.Next() {
		var h optimization.Holding
		if err := rows.Scan(&h.Asset, &h.Weight); err != nil {
			return nil, fmt.Errorf("failed to scan holding: %w", err)
		}
		portfolio = append(portfolio, h)
	}
	return portfolio, rows.Err()
}

// List returns the most recent runs, newest first, without holdings.
func (r *Repository) List(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	rows, err := r.db.Query(selectRun+` ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// DeleteOlderThan removes runs created before cutoff. Holdings cascade.
func (r *Repository) DeleteOlderThan(cutoff time.Time) (int64, error) {
	result, err := r.db.Exec(`DELETE FROM optimization_runs WHERE created_at < ?`, cutoff.UTC().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to delete runs: %w", err)
	}
	return result.RowsAffected()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
