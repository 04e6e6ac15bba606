package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/Mohan-38/docgrant/internal/grant"
	"github.com/Mohan-38/docgrant/internal/store/pg"
)

// One sweep pass and exit. Meant for cron or a Kubernetes CronJob.
func main() {
	log.SetFlags(0)
	var (
		dsn     = flag.String("dsn", os.Getenv("DATABASE_URL"), "PostgreSQL DSN")
		timeout = flag.Duration("timeout", time.Minute, "Deadline for the pass")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or DATABASE_URL")
	}

	store, err := pg.Open(*dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	res, err := grant.NewSweeper(store).Sweep(ctx)
	if err != nil {
		log.Fatalf("sweep: %v", err)
	}
	fmt.Printf("expired %d grant(s), unlocked %d stage(s)\n", res.Expired, res.Unlocked)
}
