// Command syncregion runs one reconciliation pass for a region directly
// against the database, bypassing the HTTP API. Useful for cron and for
// backfilling a close-date window.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/mbaren/dealboard/internal/config"
	"github.com/mbaren/dealboard/internal/db"
	"github.com/mbaren/dealboard/internal/fx"
	"github.com/mbaren/dealboard/internal/hubspot"
	dealsync "github.com/mbaren/dealboard/internal/sync"
)

func main() {
	var (
		regionCode = flag.String("region", "", "region code to sync (required)")
		startDate  = flag.String("start", "", "close-date window start, YYYY-MM-DD")
		endDate    = flag.String("end", "", "close-date window end, YYYY-MM-DD")
		maxDeals   = flag.Int("max", 0, "max deals this run (default 50)")
		skipItems  = flag.Bool("skip-line-items", false, "skip line item reconciliation")
	)
	flag.Parse()

	if *regionCode == "" {
		flag.Usage()
		os.Exit(2)
	}

	config.LoadDotenv()

	regions, err := config.LoadRegions(os.Getenv("REGIONS_FILE"))
	if err != nil {
		log.Fatalf("Failed to load region registry: %v", err)
	}
	region, ok := regions.Find(*regionCode)
	if !ok {
		log.Fatalf("Unknown region %q", *regionCode)
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	if err := db.ApplyMigrations(ctx, pool); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	opts := dealsync.Options{
		MaxDealsPerRun: *maxDeals,
		SkipLineItems:  *skipItems,
		TriggerType:    "scheduled",
	}
	if *startDate != "" {
		t, err := time.Parse("2006-01-02", *startDate)
		if err != nil {
			log.Fatalf("Invalid -start: %v", err)
		}
		opts.CloseDateStart = &t
	}
	if *endDate != "" {
		t, err := time.Parse("2006-01-02", *endDate)
		if err != nil {
			log.Fatalf("Invalid -end: %v", err)
		}
		opts.CloseDateEnd = &t
	}

	store := db.NewStore(pool)
	engine := dealsync.NewEngine(hubspot.NewClient(region.Token()), store, fx.NewService(store), region)
	result := engine.Run(ctx, opts)

	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))
	if !result.Success {
		os.Exit(1)
	}
}
