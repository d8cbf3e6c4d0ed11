package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mbaren/dealboard/internal/models"
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// UpsertKind is the explicit discriminator returned by UpsertDeal. The upsert
// itself reports whether it inserted or updated; callers never infer this
// from timestamps.
type UpsertKind string

const (
	UpsertCreated UpsertKind = "created"
	UpsertUpdated UpsertKind = "updated"
)

type UpsertOutcome struct {
	Kind UpsertKind
	ID   uuid.UUID
}

// UpsertDeal writes one deal keyed by (external_id, region_code). The
// `xmax = 0` check distinguishes a fresh insert from a conflict update
// within the same statement.
func (s *Store) UpsertDeal(ctx context.Context, d models.Deal) (UpsertOutcome, error) {
	var rawProps interface{}
	if len(d.RawProperties) > 0 {
		payload, err := json.Marshal(d.RawProperties)
		if err == nil {
			rawProps = string(payload)
		}
	}

	query := `
		INSERT INTO deals (
			external_id, region_code, pipeline_id, name, amount,
			currency, amount_usd, exchange_rate, stage, probability,
			probability_source, forecast_category, close_date, deploy_date, owner_name,
			owner_email, description, external_url, raw_properties, source_created_at,
			source_updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15,
			$16, $17, $18, $19::jsonb, $20,
			$21
		)
		ON CONFLICT (external_id, region_code) DO UPDATE SET
			updated_at = NOW(),
			pipeline_id = EXCLUDED.pipeline_id,
			name = EXCLUDED.name,
			amount = EXCLUDED.amount,
			currency = EXCLUDED.currency,
			amount_usd = EXCLUDED.amount_usd,
			exchange_rate = EXCLUDED.exchange_rate,
			stage = EXCLUDED.stage,
			probability = EXCLUDED.probability,
			probability_source = EXCLUDED.probability_source,
			forecast_category = EXCLUDED.forecast_category,
			close_date = EXCLUDED.close_date,
			deploy_date = EXCLUDED.deploy_date,
			owner_name = EXCLUDED.owner_name,
			owner_email = EXCLUDED.owner_email,
			description = COALESCE(NULLIF(EXCLUDED.description, ''), deals.description),
			external_url = EXCLUDED.external_url,
			raw_properties = COALESCE(EXCLUDED.raw_properties, deals.raw_properties),
			source_created_at = COALESCE(EXCLUDED.source_created_at, deals.source_created_at),
			source_updated_at = EXCLUDED.source_updated_at
		RETURNING id, (xmax = 0) AS inserted
	`

	var id uuid.UUID
	var inserted bool
	err := s.pool.QueryRow(ctx, query,
		d.ExternalID,                   // $1
		d.RegionCode,                   // $2
		d.PipelineID,                   // $3
		d.Name,                         // $4
		d.Amount,                       // $5
		d.Currency,                     // $6
		d.AmountUSD,                    // $7
		d.ExchangeRate,                 // $8
		d.Stage,                        // $9
		d.Probability,                  // $10
		d.ProbabilitySource,            // $11
		nilIfEmpty(d.ForecastCategory), // $12
		d.CloseDate,                    // $13
		d.DeployDate,                   // $14
		nilIfEmpty(d.OwnerName),        // $15
		nilIfEmpty(d.OwnerEmail),       // $16
		d.Description,                  // $17
		nilIfEmpty(d.ExternalURL),      // $18
		rawProps,                       // $19
		d.SourceCreatedAt,              // $20
		d.SourceUpdatedAt,              // $21
	).Scan(&id, &inserted)
	if err != nil {
		return UpsertOutcome{}, fmt.Errorf("deal upsert failed: %w", err)
	}

	outcome := UpsertOutcome{Kind: UpsertUpdated, ID: id}
	if inserted {
		outcome.Kind = UpsertCreated
	}
	return outcome, nil
}

// ReconcileLineItems replaces a deal's line item set with the externally
// present one: local rows whose external id is gone are deleted, the rest
// upserted. Delete and upserts commit as one transaction so a mid-failure
// never leaves a stale subset behind.
func (s *Store) ReconcileLineItems(ctx context.Context, dealID uuid.UUID, items []models.LineItem) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin line item tx: %w", err)
	}
	defer tx.Rollback(ctx)

	keep := make([]string, 0, len(items))
	for _, item := range items {
		keep = append(keep, item.ExternalID)
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM line_items WHERE deal_id = $1 AND external_id <> ALL($2)`,
		dealID, keep,
	); err != nil {
		return fmt.Errorf("delete stale line items: %w", err)
	}

	for _, item := range items {
		if _, err := tx.Exec(ctx, `
			INSERT INTO line_items (deal_id, external_id, product_name, product_id, quantity, unit_price, amount)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (deal_id, external_id) DO UPDATE SET
				updated_at = NOW(),
				product_name = EXCLUDED.product_name,
				product_id = EXCLUDED.product_id,
				quantity = EXCLUDED.quantity,
				unit_price = EXCLUDED.unit_price,
				amount = EXCLUDED.amount
		`, dealID, item.ExternalID, item.ProductName, nilIfEmpty(item.ProductID),
			item.Quantity, item.UnitPrice, item.Amount,
		); err != nil {
			return fmt.Errorf("upsert line item %s: %w", item.ExternalID, err)
		}
	}

	return tx.Commit(ctx)
}

// UpsertPipeline writes one pipeline keyed by (external_id, region_code) and
// returns its surrogate key. When the pipeline is the region's default the
// flag is cleared on every sibling in the same call.
func (s *Store) UpsertPipeline(ctx context.Context, p models.Pipeline) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `
		INSERT INTO pipelines (external_id, region_code, name, display_order, is_default)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (external_id, region_code) DO UPDATE SET
			name = EXCLUDED.name,
			display_order = EXCLUDED.display_order,
			is_default = EXCLUDED.is_default
		RETURNING id
	`, p.ExternalID, p.RegionCode, p.Name, p.DisplayOrder, p.IsDefault).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("pipeline upsert failed: %w", err)
	}

	if p.IsDefault {
		if _, err := s.pool.Exec(ctx,
			`UPDATE pipelines SET is_default = FALSE WHERE region_code = $1 AND id <> $2`,
			p.RegionCode, id,
		); err != nil {
			return uuid.Nil, fmt.Errorf("clearing default pipelines: %w", err)
		}
	}

	return id, nil
}

// ListPipelines returns a region's pipelines in display order.
func (s *Store) ListPipelines(ctx context.Context, regionCode string) ([]models.Pipeline, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, external_id, region_code, name, display_order, is_default, created_at
		FROM pipelines
		WHERE region_code = $1
		ORDER BY display_order
	`, regionCode)
	if err != nil {
		return nil, fmt.Errorf("listing pipelines: %w", err)
	}
	defer rows.Close()

	var pipelines []models.Pipeline
	for rows.Next() {
		var p models.Pipeline
		if err := rows.Scan(&p.ID, &p.ExternalID, &p.RegionCode, &p.Name, &p.DisplayOrder, &p.IsDefault, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning pipeline: %w", err)
		}
		pipelines = append(pipelines, p)
	}
	return pipelines, rows.Err()
}

// InsertSyncLog appends one run audit row; rows are never mutated.
func (s *Store) InsertSyncLog(ctx context.Context, entry models.SyncLog) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_logs (region_code, status, processed, created_count, updated_count, failed_count, errors, duration_ms, trigger_type)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, entry.RegionCode, entry.Status, entry.Processed, entry.Created, entry.Updated,
		entry.Failed, entry.Errors, entry.DurationMS, entry.TriggerType)
	if err != nil {
		return fmt.Errorf("inserting sync log: %w", err)
	}
	return nil
}

func (s *Store) ListSyncLogs(ctx context.Context, regionCode string, limit int) ([]models.SyncLog, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, region_code, status, processed, created_count, updated_count, failed_count, errors, duration_ms, trigger_type, created_at
		FROM sync_logs
		WHERE region_code = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, regionCode, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sync logs: %w", err)
	}
	defer rows.Close()

	var logs []models.SyncLog
	for rows.Next() {
		var l models.SyncLog
		if err := rows.Scan(&l.ID, &l.RegionCode, &l.Status, &l.Processed, &l.Created, &l.Updated,
			&l.Failed, &l.Errors, &l.DurationMS, &l.TriggerType, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning sync log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// ListDealsForQuarter loads the deal rows backing a forecast: close date
// inside the quarter, optionally narrowed to a pipeline and owner.
func (s *Store) ListDealsForQuarter(ctx context.Context, regionCode string, year, quarter int, pipelineID *uuid.UUID, ownerName string) ([]models.Deal, error) {
	start, end := QuarterBounds(year, quarter)

	query := `
		SELECT id, external_id, region_code, pipeline_id, name, amount, currency,
		       amount_usd, exchange_rate, stage, probability, probability_source,
		       COALESCE(forecast_category, ''), close_date, deploy_date,
		       COALESCE(owner_name, ''), COALESCE(owner_email, ''),
		       COALESCE(description, ''), COALESCE(external_url, ''),
		       source_created_at, source_updated_at, created_at, updated_at
		FROM deals
		WHERE region_code = $1
		  AND close_date >= $2 AND close_date < $3
		  AND ($4::uuid IS NULL OR pipeline_id = $4)
		  AND ($5 = '' OR owner_name = $5)
		ORDER BY close_date
	`

	rows, err := s.pool.Query(ctx, query, regionCode, start, end, pipelineID, ownerName)
	if err != nil {
		return nil, fmt.Errorf("listing deals: %w", err)
	}
	defer rows.Close()

	var deals []models.Deal
	for rows.Next() {
		var d models.Deal
		if err := rows.Scan(
			&d.ID, &d.ExternalID, &d.RegionCode, &d.PipelineID, &d.Name, &d.Amount, &d.Currency,
			&d.AmountUSD, &d.ExchangeRate, &d.Stage, &d.Probability, &d.ProbabilitySource,
			&d.ForecastCategory, &d.CloseDate, &d.DeployDate,
			&d.OwnerName, &d.OwnerEmail,
			&d.Description, &d.ExternalURL,
			&d.SourceCreatedAt, &d.SourceUpdatedAt, &d.CreatedAt, &d.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning deal: %w", err)
		}
		deals = append(deals, d)
	}
	return deals, rows.Err()
}

// QuarterBounds returns the UTC half-open interval [start, end) for a
// calendar quarter.
func QuarterBounds(year, quarter int) (time.Time, time.Time) {
	startMonth := time.Month((quarter-1)*3 + 1)
	start := time.Date(year, startMonth, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 3, 0)
	return start, end
}

// GetCachedRate returns the newest cached rate with rate_date on or after
// the given day, or nil when the cache has no fresh entry.
func (s *Store) GetCachedRate(ctx context.Context, from, to string, onOrAfter time.Time) (*models.ExchangeRate, error) {
	var r models.ExchangeRate
	err := s.pool.QueryRow(ctx, `
		SELECT id, from_currency, to_currency, rate, rate_date, source
		FROM exchange_rates
		WHERE from_currency = $1 AND to_currency = $2 AND rate_date >= $3
		ORDER BY rate_date DESC
		LIMIT 1
	`, from, to, onOrAfter).Scan(&r.ID, &r.From, &r.To, &r.Rate, &r.RateDate, &r.Source)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("rate cache lookup: %w", err)
	}
	return &r, nil
}

// InsertRate appends one cache row. Concurrent writers racing on the same
// (from, to, date) key are resolved by dropping the duplicate; the value is
// derivable so the lost write is harmless.
func (s *Store) InsertRate(ctx context.Context, r models.ExchangeRate) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO exchange_rates (from_currency, to_currency, rate, rate_date, source)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (from_currency, to_currency, rate_date) DO NOTHING
	`, r.From, r.To, r.Rate, r.RateDate, r.Source)
	if err != nil {
		return fmt.Errorf("inserting rate: %w", err)
	}
	return nil
}

// nilIfEmpty returns nil for empty strings so NULL is stored in DB.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
