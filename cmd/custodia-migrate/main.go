package main

import (
	"context"
	"flag"
	"log"
	"strings"
	"time"

	"github.com/medchain-labs/custodia/pkg/config"
	"github.com/medchain-labs/custodia/pkg/metastore"
)

var (
	configPath = flag.String("config", "", "YAML config file (environment overrides still apply)")
	dryRun     = flag.Bool("dry-run", false, "Print the schema statements without applying them")
	timeout    = flag.Duration("timeout", 2*time.Minute, "Overall migration timeout")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Custodia Database Migration Tool")
	log.Println("================================")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Database: %s@%s:%d/%s", cfg.Database.User, cfg.Database.Host, cfg.Database.Port, cfg.Database.Name)
	log.Printf("Dry run: %v", *dryRun)

	if *dryRun {
		log.Println("\n[DRY RUN] Would apply the following statements:")
		for i, stmt := range schemaStatements() {
			first := strings.SplitN(stmt, "\n", 2)[0]
			log.Printf("%2d. %s ...", i+1, strings.TrimSpace(first))
		}
		log.Println("\nDry run completed. No changes made.")
		log.Println("Run without --dry-run to apply the schema.")
		return
	}

	store, err := metastore.OpenPostgres(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	log.Printf("✓ Applied %d schema statements", len(schemaStatements()))
	log.Println("✓ Migration completed successfully!")
}

func schemaStatements() []string {
	var stmts []string
	for _, stmt := range strings.Split(metastore.Schema, ";") {
		if strings.TrimSpace(stmt) != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}
