package sync

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	gosync "sync"
	"testing"

	"github.com/google/uuid"

	"github.com/mbaren/dealboard/internal/config"
	"github.com/mbaren/dealboard/internal/db"
	"github.com/mbaren/dealboard/internal/hubspot"
	"github.com/mbaren/dealboard/internal/models"
)

type fakeCRM struct {
	deals     []hubspot.Deal
	owners    []hubspot.Owner
	pipelines []hubspot.Pipeline
	lineItems map[string][]hubspot.LineItem

	dealsErr     error
	ownersErr    error
	pipelinesErr error
}

func (f *fakeCRM) FetchDeals(ctx context.Context, filters *hubspot.DealFilters) ([]hubspot.Deal, error) {
	return f.deals, f.dealsErr
}

func (f *fakeCRM) FetchOwners(ctx context.Context) ([]hubspot.Owner, error) {
	return f.owners, f.ownersErr
}

func (f *fakeCRM) FetchPipelines(ctx context.Context) ([]hubspot.Pipeline, error) {
	return f.pipelines, f.pipelinesErr
}

func (f *fakeCRM) FetchDealLineItems(ctx context.Context, dealID string) ([]hubspot.LineItem, error) {
	return f.lineItems[dealID], nil
}

type fakeStore struct {
	mu        gosync.Mutex
	deals     map[string]models.Deal
	dealIDs   map[string]uuid.UUID
	lineItems map[uuid.UUID]map[string]models.LineItem
	pipelines map[string]uuid.UUID
	logs      []models.SyncLog
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		deals:     make(map[string]models.Deal),
		dealIDs:   make(map[string]uuid.UUID),
		lineItems: make(map[uuid.UUID]map[string]models.LineItem),
		pipelines: make(map[string]uuid.UUID),
	}
}

func (f *fakeStore) UpsertDeal(ctx context.Context, d models.Deal) (db.UpsertOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if id, ok := f.dealIDs[d.ExternalID]; ok {
		d.ID = id
		f.deals[d.ExternalID] = d
		return db.UpsertOutcome{Kind: db.UpsertUpdated, ID: id}, nil
	}
	id := uuid.New()
	d.ID = id
	f.dealIDs[d.ExternalID] = id
	f.deals[d.ExternalID] = d
	return db.UpsertOutcome{Kind: db.UpsertCreated, ID: id}, nil
}

func (f *fakeStore) ReconcileLineItems(ctx context.Context, dealID uuid.UUID, items []models.LineItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	set := make(map[string]models.LineItem, len(items))
	for _, li := range items {
		set[li.ExternalID] = li
	}
	f.lineItems[dealID] = set
	return nil
}

func (f *fakeStore) UpsertPipeline(ctx context.Context, p models.Pipeline) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if id, ok := f.pipelines[p.ExternalID]; ok {
		return id, nil
	}
	id := uuid.New()
	f.pipelines[p.ExternalID] = id
	return id, nil
}

func (f *fakeStore) InsertSyncLog(ctx context.Context, entry models.SyncLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, entry)
	return nil
}

type fakeRates struct {
	rates map[string]float64
}

func (f *fakeRates) GetRate(ctx context.Context, from, to string) float64 {
	if r, ok := f.rates[from]; ok {
		return r
	}
	return 1.0
}

func testRegion() config.Region {
	return config.Region{Code: "EMEA", Currency: "EUR"}
}

func mkDeal(id string, props map[string]string) hubspot.Deal {
	base := map[string]string{
		"dealname":  "Deal " + id,
		"amount":    "100",
		"closedate": "2026-02-10T00:00:00Z",
	}
	for k, v := range props {
		base[k] = v
	}
	return hubspot.Deal{
		ID:         id,
		Properties: base,
		CreatedAt:  "2026-01-01T00:00:00Z",
		UpdatedAt:  "2026-01-15T00:00:00Z",
	}
}

func newTestEngine(crm *fakeCRM, store *fakeStore) *Engine {
	return NewEngine(crm, store, &fakeRates{rates: map[string]float64{"EUR": 2.0}}, testRegion())
}

func TestRunIdempotence(t *testing.T) {
	crm := &fakeCRM{
		deals: []hubspot.Deal{mkDeal("d1", nil), mkDeal("d2", nil), mkDeal("d3", nil)},
	}
	store := newFakeStore()
	engine := newTestEngine(crm, store)

	first := engine.Run(context.Background(), Options{SkipLineItems: true})
	if !first.Success {
		t.Fatalf("first run failed: %v", first.Errors)
	}
	if first.Created != 3 || first.Updated != 0 {
		t.Fatalf("first run: expected created=3 updated=0, got %d/%d", first.Created, first.Updated)
	}

	second := engine.Run(context.Background(), Options{SkipLineItems: true})
	if second.Created != 0 || second.Updated != 3 {
		t.Fatalf("second run: expected created=0 updated=3, got %d/%d", second.Created, second.Updated)
	}
	if len(store.deals) != 3 {
		t.Fatalf("expected 3 stored deals, got %d", len(store.deals))
	}
	if len(store.logs) != 2 {
		t.Fatalf("expected 2 sync log rows, got %d", len(store.logs))
	}
	for _, entry := range store.logs {
		if entry.Status != models.SyncStatusSuccess {
			t.Fatalf("expected success status, got %s", entry.Status)
		}
	}
}

func TestRunPartialFailureIsolation(t *testing.T) {
	crm := &fakeCRM{
		deals: []hubspot.Deal{
			mkDeal("good1", nil),
			mkDeal("bad", map[string]string{"amount": "not-a-number"}),
			mkDeal("good2", nil),
			mkDeal("good3", nil),
		},
	}
	store := newFakeStore()
	engine := newTestEngine(crm, store)

	result := engine.Run(context.Background(), Options{SkipLineItems: true})
	if !result.Success {
		t.Fatal("per-deal errors must not fail the run")
	}
	if got := result.Created + result.Updated; got != 3 {
		t.Fatalf("expected 3 persisted deals, got %d", got)
	}
	if len(result.Errors) != 1 {
		t.Fatalf("expected 1 error, got %v", result.Errors)
	}
	if _, ok := store.deals["bad"]; ok {
		t.Fatal("malformed deal must not be persisted")
	}
	if store.logs[0].Status != models.SyncStatusPartial {
		t.Fatalf("expected partial status, got %s", store.logs[0].Status)
	}
	if store.logs[0].Failed != 1 {
		t.Fatalf("expected failed=1 in log, got %d", store.logs[0].Failed)
	}
}

func TestRunTruncationBookkeeping(t *testing.T) {
	deals := make([]hubspot.Deal, 120)
	for i := range deals {
		deals[i] = mkDeal(fmt.Sprintf("d%03d", i), nil)
	}
	store := newFakeStore()
	engine := newTestEngine(&fakeCRM{deals: deals}, store)

	result := engine.Run(context.Background(), Options{SkipLineItems: true})
	if result.TotalDeals != 120 {
		t.Fatalf("expected totalDeals=120, got %d", result.TotalDeals)
	}
	if result.ProcessedDeals != 50 {
		t.Fatalf("expected processedDeals=50, got %d", result.ProcessedDeals)
	}
	if result.RemainingDeals != 70 {
		t.Fatalf("expected remainingDeals=70, got %d", result.RemainingDeals)
	}
	if len(store.deals) != 50 {
		t.Fatalf("expected 50 stored deals, got %d", len(store.deals))
	}
}

func TestRunFetchFailureReturnsFailedResult(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(&fakeCRM{dealsErr: errors.New("boom")}, store)

	result := engine.Run(context.Background(), Options{})
	if result.Success {
		t.Fatal("expected failed result")
	}
	if len(result.Errors) != 1 {
		t.Fatalf("expected 1 error, got %v", result.Errors)
	}
	if len(store.logs) != 1 || store.logs[0].Status != models.SyncStatusFailed {
		t.Fatalf("expected one failed log row, got %+v", store.logs)
	}
	if store.logs[0].Created != 0 || store.logs[0].Updated != 0 || store.logs[0].Processed != 0 {
		t.Fatalf("failed log must carry zero counts, got %+v", store.logs[0])
	}
}

func TestRunOwnerFetchDegradesToUnassigned(t *testing.T) {
	crm := &fakeCRM{
		deals:     []hubspot.Deal{mkDeal("d1", map[string]string{"hubspot_owner_id": "42"})},
		ownersErr: errors.New("owners unavailable"),
	}
	store := newFakeStore()
	engine := newTestEngine(crm, store)

	result := engine.Run(context.Background(), Options{SkipLineItems: true})
	if !result.Success || result.Created != 1 {
		t.Fatalf("expected degraded success, got %+v", result)
	}
	if got := store.deals["d1"].OwnerName; got != "Unassigned" {
		t.Fatalf("expected Unassigned owner, got %q", got)
	}
	if len(result.Warnings) != 1 {
		t.Fatalf("degraded owner fetch should leave a warning, got %v", result.Warnings)
	}
}

func TestRunPipelineFetchDegradesWithWarning(t *testing.T) {
	crm := &fakeCRM{
		deals:        []hubspot.Deal{mkDeal("d1", map[string]string{"pipeline": "p1", "dealstage": "s1"})},
		pipelinesErr: errors.New("pipelines unavailable"),
	}
	store := newFakeStore()
	engine := newTestEngine(crm, store)

	result := engine.Run(context.Background(), Options{SkipLineItems: true})
	if !result.Success || result.Created != 1 {
		t.Fatalf("expected degraded success, got %+v", result)
	}
	if len(result.Errors) != 0 {
		t.Fatalf("degradation must not count as a per-deal error, got %v", result.Errors)
	}
	if len(result.Warnings) != 1 {
		t.Fatalf("degraded pipeline fetch should leave a warning, got %v", result.Warnings)
	}
	if store.logs[0].Status != models.SyncStatusSuccess {
		t.Fatalf("warnings must not flip the run status, got %s", store.logs[0].Status)
	}

	deal := store.deals["d1"]
	if deal.Stage != "s1" || deal.Probability != 0 {
		t.Fatalf("expected raw stage fallback, got %+v", deal)
	}
	if deal.PipelineID != nil {
		t.Fatal("unresolved pipeline must leave the foreign key nil")
	}
}

func TestRunLineItemSetReconciliation(t *testing.T) {
	item := func(id, amount string) hubspot.LineItem {
		return hubspot.LineItem{ID: id, Properties: map[string]string{
			"name": "Product " + id, "quantity": "1", "price": amount, "amount": amount,
		}}
	}
	crm := &fakeCRM{
		deals:     []hubspot.Deal{mkDeal("d1", nil)},
		lineItems: map[string][]hubspot.LineItem{"d1": {item("A", "10"), item("B", "20")}},
	}
	store := newFakeStore()
	engine := newTestEngine(crm, store)

	engine.Run(context.Background(), Options{})
	dealID := store.dealIDs["d1"]
	if len(store.lineItems[dealID]) != 2 {
		t.Fatalf("expected 2 line items, got %d", len(store.lineItems[dealID]))
	}

	crm.lineItems["d1"] = []hubspot.LineItem{item("B", "25"), item("C", "30")}
	engine.Run(context.Background(), Options{})

	got := store.lineItems[dealID]
	if len(got) != 2 {
		t.Fatalf("expected exactly 2 line items after reconcile, got %d", len(got))
	}
	if _, ok := got["A"]; ok {
		t.Fatal("line item A should have been deleted")
	}
	if li, ok := got["B"]; !ok || li.Amount != 25 {
		t.Fatalf("line item B should be updated to amount 25, got %+v", li)
	}
	if _, ok := got["C"]; !ok {
		t.Fatal("line item C should have been created")
	}
}

func TestRunCurrencyNormalization(t *testing.T) {
	crm := &fakeCRM{
		deals: []hubspot.Deal{
			mkDeal("usd", map[string]string{"deal_currency_code": "USD", "amount": "100"}),
			mkDeal("regional", map[string]string{"amount": "100"}), // falls back to EUR
		},
	}
	store := newFakeStore()
	engine := newTestEngine(crm, store)

	result := engine.Run(context.Background(), Options{SkipLineItems: true})
	if !result.Success {
		t.Fatalf("run failed: %v", result.Errors)
	}

	if got := store.deals["usd"]; !almostEqual(got.AmountUSD, 100) || !almostEqual(got.ExchangeRate, 1.0) {
		t.Fatalf("USD deal should convert at 1.0, got %+v", got)
	}
	regional := store.deals["regional"]
	if regional.Currency != "EUR" {
		t.Fatalf("missing currency should adopt region currency, got %q", regional.Currency)
	}
	if !almostEqual(regional.AmountUSD, 200) {
		t.Fatalf("expected 100 EUR at rate 2.0 = 200 USD, got %f", regional.AmountUSD)
	}
}

func TestRunStageAndOwnerResolution(t *testing.T) {
	crm := &fakeCRM{
		deals: []hubspot.Deal{mkDeal("d1", map[string]string{
			"pipeline":         "p1",
			"dealstage":        "s1",
			"hubspot_owner_id": "o1",
		})},
		owners: []hubspot.Owner{{ID: "o1", FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.com"}},
		pipelines: []hubspot.Pipeline{{
			ID:    "p1",
			Label: "Enterprise",
			Stages: []hubspot.Stage{
				{ID: "s1", Label: "Negotiation", Metadata: hubspot.StageMetadata{Probability: "0.5"}},
			},
		}},
	}
	store := newFakeStore()
	engine := newTestEngine(crm, store)

	result := engine.Run(context.Background(), Options{SkipLineItems: true})
	if !result.Success {
		t.Fatalf("run failed: %v", result.Errors)
	}

	deal := store.deals["d1"]
	if deal.Stage != "Negotiation" {
		t.Fatalf("expected resolved stage label, got %q", deal.Stage)
	}
	if !almostEqual(deal.Probability, 50) {
		t.Fatalf("expected probability 50, got %f", deal.Probability)
	}
	if deal.ProbabilitySource != ProbabilitySourceHubSpot {
		t.Fatalf("expected hubspot probability source, got %q", deal.ProbabilitySource)
	}
	if deal.OwnerName != "Ada Lovelace" || deal.OwnerEmail != "ada@example.com" {
		t.Fatalf("owner resolution failed: %q / %q", deal.OwnerName, deal.OwnerEmail)
	}
	if deal.PipelineID == nil {
		t.Fatal("expected pipeline foreign key to be set")
	}
	if store.pipelines["p1"] != *deal.PipelineID {
		t.Fatal("deal should reference the upserted pipeline row")
	}
}

func TestParseOptionalTimeFormats(t *testing.T) {
	tests := []struct {
		in      string
		wantNil bool
		wantErr bool
		year    int
	}{
		{in: "", wantNil: true},
		{in: "2026-02-10T00:00:00Z", year: 2026},
		{in: "2026-02-10", year: 2026},
		{in: strconv.FormatInt(1767225600000, 10), year: 2026}, // epoch millis
		{in: "garbage", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseOptionalTime(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("%q: expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: %v", tt.in, err)
		}
		if tt.wantNil {
			if got != nil {
				t.Fatalf("%q: expected nil", tt.in)
			}
			continue
		}
		if got == nil || got.Year() != tt.year {
			t.Fatalf("%q: expected year %d, got %v", tt.in, tt.year, got)
		}
	}
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}
