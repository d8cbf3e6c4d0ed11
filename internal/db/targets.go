package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mbaren/dealboard/internal/models"
)

// ErrTargetNotSet signals "no target for this scope" — distinct from a query
// failure so callers can render it instead of substituting a team figure.
var ErrTargetNotSet = errors.New("target not set")

const targetCols = `id, region_code, pipeline_id, year, quarter, owner_name, amount, created_at, updated_at`

// UpsertTarget creates or replaces the target for its exact scope tuple.
// Sync never touches targets; this is the ADMIN/MANAGER edit path.
func (s *Store) UpsertTarget(ctx context.Context, t models.Target) (models.Target, error) {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO targets (region_code, pipeline_id, year, quarter, owner_name, amount)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (region_code, COALESCE(pipeline_id, '00000000-0000-0000-0000-000000000000'::uuid), year, quarter, owner_name)
		DO UPDATE SET amount = EXCLUDED.amount, updated_at = NOW()
		RETURNING `+targetCols+`
	`, t.RegionCode, t.PipelineID, t.Year, t.Quarter, t.OwnerName, t.Amount).Scan(
		&t.ID, &t.RegionCode, &t.PipelineID, &t.Year, &t.Quarter, &t.OwnerName, &t.Amount, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return models.Target{}, fmt.Errorf("target upsert failed: %w", err)
	}
	return t, nil
}

func (s *Store) ListTargets(ctx context.Context, regionCode string, year int) ([]models.Target, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+targetCols+`
		FROM targets
		WHERE region_code = $1 AND ($2 = 0 OR year = $2)
		ORDER BY year, quarter, owner_name
	`, regionCode, year)
	if err != nil {
		return nil, fmt.Errorf("listing targets: %w", err)
	}
	defer rows.Close()

	var targets []models.Target
	for rows.Next() {
		var t models.Target
		if err := rows.Scan(&t.ID, &t.RegionCode, &t.PipelineID, &t.Year, &t.Quarter, &t.OwnerName, &t.Amount, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning target: %w", err)
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// targetSource is the pair of lookups the fallback decision runs over.
// Store satisfies it; tests substitute an in-memory map.
type targetSource interface {
	getTarget(ctx context.Context, regionCode string, pipelineID *uuid.UUID, year, quarter int, ownerName string) (models.Target, error)
	regionHasOwnerTargets(ctx context.Context, regionCode string) (bool, error)
}

// ResolveTarget finds the target for a region/pipeline/quarter/owner scope.
func (s *Store) ResolveTarget(ctx context.Context, regionCode string, pipelineID *uuid.UUID, year, quarter int, ownerName string) (models.Target, error) {
	return resolveTarget(ctx, s, regionCode, pipelineID, year, quarter, ownerName)
}

// resolveTarget applies the asymmetric owner fallback: when the region has
// no owner-scoped targets at all, an owner query falls back to the team row;
// once any owner in the region carries a personal target, an owner without
// one gets ErrTargetNotSet instead — falling back would misattribute the
// team figure.
func resolveTarget(ctx context.Context, src targetSource, regionCode string, pipelineID *uuid.UUID, year, quarter int, ownerName string) (models.Target, error) {
	if ownerName != "" {
		t, err := src.getTarget(ctx, regionCode, pipelineID, year, quarter, ownerName)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, ErrTargetNotSet) {
			return models.Target{}, err
		}

		adopted, err := src.regionHasOwnerTargets(ctx, regionCode)
		if err != nil {
			return models.Target{}, err
		}
		if adopted {
			return models.Target{}, ErrTargetNotSet
		}
	}

	return src.getTarget(ctx, regionCode, pipelineID, year, quarter, "")
}

func (s *Store) getTarget(ctx context.Context, regionCode string, pipelineID *uuid.UUID, year, quarter int, ownerName string) (models.Target, error) {
	var t models.Target
	err := s.pool.QueryRow(ctx, `
		SELECT `+targetCols+`
		FROM targets
		WHERE region_code = $1
		  AND pipeline_id IS NOT DISTINCT FROM $2
		  AND year = $3 AND quarter = $4 AND owner_name = $5
	`, regionCode, pipelineID, year, quarter, ownerName).Scan(
		&t.ID, &t.RegionCode, &t.PipelineID, &t.Year, &t.Quarter, &t.OwnerName, &t.Amount, &t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Target{}, ErrTargetNotSet
	}
	if err != nil {
		return models.Target{}, fmt.Errorf("target lookup failed: %w", err)
	}
	return t, nil
}

func (s *Store) regionHasOwnerTargets(ctx context.Context, regionCode string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM targets WHERE region_code = $1 AND owner_name <> '')`,
		regionCode,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking owner target adoption: %w", err)
	}
	return exists, nil
}
