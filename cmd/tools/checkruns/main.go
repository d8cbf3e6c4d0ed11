// Command checkruns prints the most recent sync runs for a region as a
// table, for a quick operator read of run health.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/mbaren/dealboard/internal/config"
	"github.com/mbaren/dealboard/internal/db"
)

func main() {
	var (
		regionCode = flag.String("region", "", "region code (required)")
		limit      = flag.Int("limit", 10, "number of runs to show")
	)
	flag.Parse()

	if *regionCode == "" {
		flag.Usage()
		os.Exit(2)
	}

	config.LoadDotenv()

	ctx := context.Background()
	pool, err := db.Connect(ctx)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	logs, err := db.NewStore(pool).ListSyncLogs(ctx, *regionCode, *limit)
	if err != nil {
		log.Fatal(err)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Status", "Processed", "Created", "Updated", "Failed", "Duration", "Trigger", "Started At"})

	for _, entry := range logs {
		duration := (time.Duration(entry.DurationMS) * time.Millisecond).Round(time.Millisecond).String()
		t.AppendRow(table.Row{
			entry.Status, entry.Processed, entry.Created, entry.Updated, entry.Failed,
			duration, entry.TriggerType, entry.CreatedAt.Format("2006-01-02 15:04:05"),
		})
	}
	t.Render()

	if len(logs) == 0 {
		fmt.Printf("No sync runs recorded for %s\n", *regionCode)
	}
}
