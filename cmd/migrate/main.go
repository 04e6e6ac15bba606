package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/Mohan-38/docgrant/internal/migrate"
)

func main() {
	log.SetFlags(0)
	var (
		dsn   = flag.String("dsn", os.Getenv("DATABASE_URL"), "PostgreSQL DSN")
		table = flag.String("table", "", "Override the bookkeeping table")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or DATABASE_URL")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|status|version]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	var opts []migrate.Option
	if *table != "" {
		opts = append(opts, migrate.WithTable(*table))
	}
	mgr := migrate.NewManager(db, migrate.Files(), opts...)

	switch flag.Arg(0) {
	case "up":
		var ran int
		ran, err = mgr.Up(ctx)
		if err == nil {
			fmt.Printf("applied %d migration(s)\n", ran)
		}
	case "down":
		err = mgr.Down(ctx)
	case "status":
		var history []migrate.Applied
		history, err = mgr.Status(ctx)
		if err == nil {
			if len(history) == 0 {
				fmt.Println("no migrations applied")
			}
			for _, item := range history {
				fmt.Printf("%s  %s  %s\n", item.Version, item.Name, item.AppliedAt.Format(time.RFC3339))
			}
		}
	case "version":
		var v string
		v, err = mgr.Version(ctx)
		if err == nil {
			if v == "" {
				v = "none"
			}
			fmt.Println(v)
		}
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}
