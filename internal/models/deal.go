package models

import (
	"time"

	"github.com/google/uuid"
)

// Deal is the local authoritative copy of one HubSpot opportunity.
// The pair (ExternalID, RegionCode) is the idempotence key for upserts.
type Deal struct {
	ID                uuid.UUID              `json:"id"`
	ExternalID        string                 `json:"external_id"`
	RegionCode        string                 `json:"region_code"`
	PipelineID        *uuid.UUID             `json:"pipeline_id"` // nil = unresolved pipeline
	Name              string                 `json:"name"`
	Amount            float64                `json:"amount"`
	Currency          string                 `json:"currency"`
	AmountUSD         float64                `json:"amount_usd"`
	ExchangeRate      float64                `json:"exchange_rate"`
	Stage             string                 `json:"stage"`
	Probability       float64                `json:"probability"`        // 0..100
	ProbabilitySource string                 `json:"probability_source"` // "hubspot" or "default"
	ForecastCategory  string                 `json:"forecast_category"`
	CloseDate         *time.Time             `json:"close_date"`
	DeployDate        *time.Time             `json:"deploy_date"`
	OwnerName         string                 `json:"owner_name"`
	OwnerEmail        string                 `json:"owner_email"`
	Description       string                 `json:"description"`
	ExternalURL       string                 `json:"external_url"`
	RawProperties     map[string]interface{} `json:"raw_properties"`
	SourceCreatedAt   *time.Time             `json:"source_created_at"`
	SourceUpdatedAt   *time.Time             `json:"source_updated_at"`
	CreatedAt         time.Time              `json:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at"`
}

// LineItem belongs to exactly one deal; (DealID, ExternalID) is unique.
// The set of line items is fully owned by the deal's sync.
type LineItem struct {
	ID          uuid.UUID `json:"id"`
	DealID      uuid.UUID `json:"deal_id"`
	ExternalID  string    `json:"external_id"`
	ProductName string    `json:"product_name"`
	ProductID   string    `json:"product_id"`
	Quantity    float64   `json:"quantity"`
	UnitPrice   float64   `json:"unit_price"`
	Amount      float64   `json:"amount"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Pipeline is one HubSpot sales pipeline scoped to a region.
// Exactly one pipeline per region carries IsDefault (external index 0).
type Pipeline struct {
	ID           uuid.UUID `json:"id"`
	ExternalID   string    `json:"external_id"`
	RegionCode   string    `json:"region_code"`
	Name         string    `json:"name"`
	DisplayOrder int       `json:"display_order"`
	IsDefault    bool      `json:"is_default"`
	CreatedAt    time.Time `json:"created_at"`
}

// Target is a quarterly revenue goal. OwnerName empty means a team-level
// target; owner-scoped and team rows are distinct under the uniqueness key
// (region, pipeline, year, quarter, owner).
type Target struct {
	ID         uuid.UUID  `json:"id"`
	RegionCode string     `json:"region_code"`
	PipelineID *uuid.UUID `json:"pipeline_id"`
	Year       int        `json:"year"`
	Quarter    int        `json:"quarter"`
	OwnerName  string     `json:"owner_name"`
	Amount     float64    `json:"amount"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// ExchangeRate is one append-only cache row; (From, To, RateDate) is unique
// and RateDate is day-granular.
type ExchangeRate struct {
	ID       uuid.UUID `json:"id"`
	From     string    `json:"from_currency"`
	To       string    `json:"to_currency"`
	Rate     float64   `json:"rate"`
	RateDate time.Time `json:"rate_date"`
	Source   string    `json:"source"` // "live" or "fallback"
}

// Sync run statuses recorded in sync_logs.
const (
	SyncStatusSuccess = "success"
	SyncStatusPartial = "partial"
	SyncStatusFailed  = "failed"
)

// SyncLog is the append-only audit row for one reconciliation run.
type SyncLog struct {
	ID          uuid.UUID `json:"id"`
	RegionCode  string    `json:"region_code"`
	Status      string    `json:"status"`
	Processed   int       `json:"processed"`
	Created     int       `json:"created"`
	Updated     int       `json:"updated"`
	Failed      int       `json:"failed"`
	Errors      string    `json:"errors"`
	DurationMS  int64     `json:"duration_ms"`
	TriggerType string    `json:"trigger_type"` // "manual", "scheduled", "api"
	CreatedAt   time.Time `json:"created_at"`
}
