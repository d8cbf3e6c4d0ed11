package main

import (
	"context"
	"log"
	"os"

	"github.com/mbaren/dealboard/internal/api"
	"github.com/mbaren/dealboard/internal/config"
	"github.com/mbaren/dealboard/internal/db"
)

func main() {
	config.LoadDotenv()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8081"
	}

	regions, err := config.LoadRegions(os.Getenv("REGIONS_FILE"))
	if err != nil {
		log.Fatalf("Failed to load region registry: %v", err)
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

	srv := api.NewServer(pool, regions)
	log.Printf("Server starting on port %s...", port)
	if err := srv.Start(port); err != nil {
		log.Fatal(err)
	}
}
