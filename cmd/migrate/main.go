package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/pscheid92/applet/internal/database"
	"github.com/pscheid92/applet/internal/platform/logging"
)

func main() {
	var (
		databaseURL = flag.String("database", os.Getenv("DATABASE_URL"), "Postgres URL (or set DATABASE_URL env)")
		status      = flag.Bool("status", false, "Only print the current schema version")
		timeout     = flag.Duration("timeout", time.Minute, "Overall timeout")
		verbose     = flag.Bool("verbose", false, "Verbose logging")
	)
	flag.Parse()

	if *databaseURL == "" {
		log.Fatal("Postgres URL required (--database or DATABASE_URL env)")
	}

	level := "info"
	if *verbose {
		level = "debug"
	}
	logging.InitLogger(level, "text")

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := database.Connect(ctx, *databaseURL, nil)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()
	slog.Info("Connected to database", "url", sanitizeURL(*databaseURL))

	if !*status {
		if err := database.RunMigrationsWithLock(ctx, pool); err != nil {
			pool.Close()
			log.Fatalf("Migration failed: %v", err)
		}
	}

	v, err := database.MigrationVersion(ctx, pool)
	if err != nil {
		pool.Close()
		log.Fatalf("Failed to read schema version: %v", err)
	}
	slog.Info("Schema version", "version", v)
}

func sanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid>"
	}
	return u.Redacted()
}
