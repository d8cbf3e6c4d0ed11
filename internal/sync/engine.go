package sync

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mbaren/dealboard/internal/config"
	"github.com/mbaren/dealboard/internal/db"
	"github.com/mbaren/dealboard/internal/hubspot"
	"github.com/mbaren/dealboard/internal/models"
)

const (
	defaultMaxDealsPerRun = 50
	defaultConcurrency    = 5
)

// CRM is the slice of the HubSpot client the engine needs. Tests substitute
// an in-memory implementation.
type CRM interface {
	FetchDeals(ctx context.Context, filters *hubspot.DealFilters) ([]hubspot.Deal, error)
	FetchOwners(ctx context.Context) ([]hubspot.Owner, error)
	FetchPipelines(ctx context.Context) ([]hubspot.Pipeline, error)
	FetchDealLineItems(ctx context.Context, dealID string) ([]hubspot.LineItem, error)
}

// Store is the persistence surface the engine writes through.
type Store interface {
	UpsertPipeline(ctx context.Context, p models.Pipeline) (uuid.UUID, error)
	UpsertDeal(ctx context.Context, d models.Deal) (db.UpsertOutcome, error)
	ReconcileLineItems(ctx context.Context, dealID uuid.UUID, items []models.LineItem) error
	InsertSyncLog(ctx context.Context, entry models.SyncLog) error
}

// RateSource converts amounts to USD. Implementations never fail; a safe
// rate is always returned.
type RateSource interface {
	GetRate(ctx context.Context, from, to string) float64
}

// Options tune a single sync run. Zero values select the defaults.
type Options struct {
	CloseDateStart *time.Time
	CloseDateEnd   *time.Time
	Stages         []string
	OwnerID        string

	MaxDealsPerRun int  // deals processed per run, default 50
	Concurrency    int  // deals processed per wave, default 5
	SkipLineItems  bool // skip per-deal line item reconciliation
	TriggerType    string
}

func (o Options) filters() *hubspot.DealFilters {
	return &hubspot.DealFilters{
		CloseDateStart: o.CloseDateStart,
		CloseDateEnd:   o.CloseDateEnd,
		Stages:         o.Stages,
		OwnerID:        o.OwnerID,
	}
}

// Result summarizes one sync run. RemainingDeals is how many fetched deals
// the per-run cap left untouched; a follow-up run with a narrower window
// picks them up.
type Result struct {
	Success        bool     `json:"success"`
	Created        int      `json:"created"`
	Updated        int      `json:"updated"`
	Errors         []string `json:"errors"`
	Warnings       []string `json:"warnings,omitempty"`
	DurationMS     int64    `json:"duration_ms"`
	TotalDeals     int      `json:"total_deals"`
	ProcessedDeals int      `json:"processed_deals"`
	RemainingDeals int      `json:"remaining_deals"`
}

// Engine reconciles one region's HubSpot deal set into the local store.
// A single Engine is safe for concurrent runs: all per-run state lives in
// locals passed down explicitly.
type Engine struct {
	crm    CRM
	store  Store
	rates  RateSource
	region config.Region
	log    *logrus.Entry
}

func NewEngine(crm CRM, store Store, rates RateSource, region config.Region) *Engine {
	return &Engine{
		crm:    crm,
		store:  store,
		rates:  rates,
		region: region,
		log:    logrus.WithField("component", "sync").WithField("region", region.Code),
	}
}

// Run executes one full reconciliation pass. It never returns an error: all
// failure modes are folded into the Result and the persisted sync log row.
func (e *Engine) Run(ctx context.Context, opts Options) Result {
	start := time.Now()
	if opts.MaxDealsPerRun <= 0 {
		opts.MaxDealsPerRun = defaultMaxDealsPerRun
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.TriggerType == "" {
		opts.TriggerType = "manual"
	}

	e.log.WithField("trigger", opts.TriggerType).Info("sync run started")

	// Fetch deals, owners and pipelines concurrently. Only the deal fetch is
	// fatal; owner or pipeline failures degrade to empty sets so the run can
	// still land amounts and stages.
	var (
		deals     []hubspot.Deal
		owners    []hubspot.Owner
		pipelines []hubspot.Pipeline

		ownerWarning    string
		pipelineWarning string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		deals, err = e.crm.FetchDeals(gctx, opts.filters())
		if err != nil {
			return fmt.Errorf("fetch deals: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		fetched, err := e.crm.FetchOwners(gctx)
		if err != nil {
			e.log.WithError(err).Warn("owner fetch failed, deals will be unassigned")
			ownerWarning = fmt.Sprintf("owner fetch degraded to empty: %v", err)
			return nil
		}
		owners = fetched
		return nil
	})
	g.Go(func() error {
		fetched, err := e.crm.FetchPipelines(gctx)
		if err != nil {
			e.log.WithError(err).Warn("pipeline fetch failed, stage resolution degraded")
			pipelineWarning = fmt.Sprintf("pipeline fetch degraded to empty: %v", err)
			return nil
		}
		pipelines = fetched
		return nil
	})
	if err := g.Wait(); err != nil {
		result := Result{Errors: []string{err.Error()}, DurationMS: time.Since(start).Milliseconds()}
		e.writeLog(ctx, models.SyncStatusFailed, result, opts.TriggerType)
		e.log.WithError(err).Error("sync run failed")
		return result
	}

	totalDeals := len(deals)
	if len(deals) > opts.MaxDealsPerRun {
		deals = deals[:opts.MaxDealsPerRun]
	}
	remaining := totalDeals - len(deals)

	maps := NewResolutionMaps()
	for _, o := range owners {
		maps.AddOwner(o)
	}
	// HubSpot returns pipelines in display order; index 0 is the account's
	// default pipeline.
	for i, p := range pipelines {
		localID, err := e.store.UpsertPipeline(ctx, models.Pipeline{
			ExternalID:   p.ID,
			RegionCode:   e.region.Code,
			Name:         p.Label,
			DisplayOrder: p.DisplayOrder,
			IsDefault:    i == 0,
		})
		if err != nil {
			e.log.WithError(err).WithField("pipeline", p.ID).Warn("pipeline upsert failed")
			continue
		}
		maps.AddPipeline(p, localID)
	}

	rates := e.preloadRates(ctx, deals)

	// Process in sequential waves of opts.Concurrency deals. Errors are
	// isolated per deal; a bad record never aborts the batch.
	var (
		mu       gosync.Mutex
		created  int
		updated  int
		errs     []string
		processd int
	)
	for lo := 0; lo < len(deals); lo += opts.Concurrency {
		hi := lo + opts.Concurrency
		if hi > len(deals) {
			hi = len(deals)
		}

		var wg gosync.WaitGroup
		for _, deal := range deals[lo:hi] {
			wg.Add(1)
			go func(deal hubspot.Deal) {
				defer wg.Done()
				kind, err := e.processDeal(ctx, deal, maps, rates, opts)
				mu.Lock()
				defer mu.Unlock()
				processd++
				if err != nil {
					errs = append(errs, fmt.Sprintf("deal %s: %v", deal.ID, err))
					return
				}
				switch kind {
				case db.UpsertCreated:
					created++
				case db.UpsertUpdated:
					updated++
				}
			}(deal)
		}
		wg.Wait()
	}

	// Degraded enrichment fetches never flip the status; they are surfaced
	// separately so operators can tell a degraded run from a clean one.
	var warnings []string
	if ownerWarning != "" {
		warnings = append(warnings, ownerWarning)
	}
	if pipelineWarning != "" {
		warnings = append(warnings, pipelineWarning)
	}

	result := Result{
		Success:        true,
		Created:        created,
		Updated:        updated,
		Errors:         errs,
		Warnings:       warnings,
		DurationMS:     time.Since(start).Milliseconds(),
		TotalDeals:     totalDeals,
		ProcessedDeals: processd,
		RemainingDeals: remaining,
	}
	status := models.SyncStatusSuccess
	if len(errs) > 0 {
		status = models.SyncStatusPartial
	}
	e.writeLog(ctx, status, result, opts.TriggerType)

	e.log.WithFields(logrus.Fields{
		"status":    status,
		"created":   created,
		"updated":   updated,
		"failed":    len(errs),
		"remaining": remaining,
		"duration":  result.DurationMS,
	}).Info("sync run finished")
	return result
}

// processDeal converts one raw deal and lands it. Line item reconciliation
// failures are logged but never fail the deal's own upsert.
func (e *Engine) processDeal(ctx context.Context, raw hubspot.Deal, maps *ResolutionMaps, rates map[string]float64, opts Options) (db.UpsertKind, error) {
	amount, err := parseAmount(raw.Prop("amount"))
	if err != nil {
		return "", fmt.Errorf("parse amount %q: %w", raw.Prop("amount"), err)
	}
	closeDate, err := parseOptionalTime(raw.Prop("closedate"))
	if err != nil {
		return "", fmt.Errorf("parse closedate %q: %w", raw.Prop("closedate"), err)
	}
	deployDate, err := parseOptionalTime(raw.Prop("deploy_date"))
	if err != nil {
		// A malformed optional date should not sink the deal.
		e.log.WithField("deal", raw.ID).Warnf("ignoring malformed deploy_date %q", raw.Prop("deploy_date"))
		deployDate = nil
	}

	currency := strings.ToUpper(strings.TrimSpace(raw.Prop("deal_currency_code")))
	if currency == "" {
		currency = e.region.Currency
	}
	rate, ok := rates[currency]
	if !ok {
		rate = e.rates.GetRate(ctx, currency, "USD")
	}

	pipelineExt := raw.Prop("pipeline")
	var pipelineID *uuid.UUID
	if localID, ok := maps.PipelineKey(pipelineExt); ok {
		pipelineID = &localID
	}
	stage := maps.ResolveStage(pipelineExt, raw.Prop("dealstage"))

	ownerID := raw.Prop("hubspot_owner_id")
	sourceCreated, _ := parseOptionalTime(raw.CreatedAt)
	sourceUpdated, _ := parseOptionalTime(raw.UpdatedAt)

	deal := models.Deal{
		ExternalID:        raw.ID,
		RegionCode:        e.region.Code,
		PipelineID:        pipelineID,
		Name:              raw.Prop("dealname"),
		Amount:            amount,
		Currency:          currency,
		AmountUSD:         amount * rate,
		ExchangeRate:      rate,
		Stage:             stage.Label,
		Probability:       stage.Probability,
		ProbabilitySource: stage.Source,
		ForecastCategory:  raw.Prop("hs_forecast_category"),
		CloseDate:         closeDate,
		DeployDate:        deployDate,
		OwnerName:         maps.OwnerName(ownerID),
		OwnerEmail:        maps.OwnerEmail(ownerID),
		Description:       raw.Prop("description"),
		ExternalURL:       e.dealURL(raw.ID),
		RawProperties:     rawProperties(raw.Properties),
		SourceCreatedAt:   sourceCreated,
		SourceUpdatedAt:   sourceUpdated,
	}

	outcome, err := e.store.UpsertDeal(ctx, deal)
	if err != nil {
		return "", fmt.Errorf("upsert: %w", err)
	}

	if !opts.SkipLineItems {
		if err := e.syncLineItems(ctx, raw.ID, outcome.ID); err != nil {
			e.log.WithError(err).WithField("deal", raw.ID).Warn("line item reconciliation failed")
		}
	}
	return outcome.Kind, nil
}

func (e *Engine) syncLineItems(ctx context.Context, externalID string, dealID uuid.UUID) error {
	raw, err := e.crm.FetchDealLineItems(ctx, externalID)
	if err != nil {
		return fmt.Errorf("fetch line items: %w", err)
	}
	items := make([]models.LineItem, 0, len(raw))
	for _, li := range raw {
		items = append(items, models.LineItem{
			DealID:      dealID,
			ExternalID:  li.ID,
			ProductName: li.Prop("name"),
			ProductID:   li.Prop("hs_product_id"),
			Quantity:    floatProp(li.Prop("quantity")),
			UnitPrice:   floatProp(li.Prop("price")),
			Amount:      floatProp(li.Prop("amount")),
		})
	}
	return e.store.ReconcileLineItems(ctx, dealID, items)
}

// preloadRates fetches each distinct non-USD currency in the batch exactly
// once, so the wave workers never race to fill the day's cache row.
func (e *Engine) preloadRates(ctx context.Context, deals []hubspot.Deal) map[string]float64 {
	rates := map[string]float64{"USD": 1.0}
	if e.region.Currency != "" {
		rates[e.region.Currency] = e.rates.GetRate(ctx, e.region.Currency, "USD")
	}
	for _, d := range deals {
		cur := strings.ToUpper(strings.TrimSpace(d.Prop("deal_currency_code")))
		if cur == "" {
			continue
		}
		if _, ok := rates[cur]; ok {
			continue
		}
		rates[cur] = e.rates.GetRate(ctx, cur, "USD")
	}
	return rates
}

func (e *Engine) writeLog(ctx context.Context, status string, result Result, trigger string) {
	entry := models.SyncLog{
		RegionCode:  e.region.Code,
		Status:      status,
		Processed:   result.ProcessedDeals,
		Created:     result.Created,
		Updated:     result.Updated,
		Failed:      len(result.Errors),
		Errors:      strings.Join(result.Errors, "; "),
		DurationMS:  result.DurationMS,
		TriggerType: trigger,
	}
	if err := e.store.InsertSyncLog(ctx, entry); err != nil {
		e.log.WithError(err).Error("sync log insert failed")
	}
}

func (e *Engine) dealURL(externalID string) string {
	if e.region.PortalID == "" {
		return ""
	}
	return fmt.Sprintf("https://app.hubspot.com/contacts/%s/deal/%s", e.region.PortalID, externalID)
}

func rawProperties(props map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(props))
	for k, v := range props {
		out[k] = v
	}
	return out
}

// parseAmount treats a missing amount as zero; a present non-numeric value
// is a data error.
func parseAmount(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}

func floatProp(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02",
}

// parseOptionalTime accepts the formats HubSpot emits for date properties:
// RFC 3339 timestamps, bare dates, and epoch milliseconds. Empty is nil.
func parseOptionalTime(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		t := time.UnixMilli(ms).UTC()
		return &t, nil
	}
	return nil, fmt.Errorf("unrecognized time %q", s)
}
