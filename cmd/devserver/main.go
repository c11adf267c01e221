package main

import (
	"flag"
	"log/slog"
	"net/http"
	"os"
	"time"

	"triplink/internal/devserver"
)

func main() {
	addr := flag.String("addr", ":8000", "listen address")
	dbPath := flag.String("db", ":memory:", "sqlite database path")
	secret := flag.String("secret", "dev-only-secret", "jwt signing secret")
	accessTTL := flag.Duration("access-ttl", 30*time.Minute, "access token lifetime")
	seed := flag.Bool("seed", true, "seed demo users and packages")
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	srv, err := devserver.New(devserver.Options{
		DBPath:    *dbPath,
		Secret:    *secret,
		AccessTTL: *accessTTL,
		Logger:    log,
	})
	if err != nil {
		log.Error("failed to start dev server", "error", err)
		os.Exit(1)
	}
	defer srv.Close()

	if *seed {
		if err := srv.Seed(); err != nil {
			log.Error("failed to seed demo data", "error", err)
			os.Exit(1)
		}
		log.Info("seeded demo data", "traveler", "traveler@example.com", "agent", "agent@example.com")
	}

	log.Info("dev server listening", "addr", *addr)
	if err := http.ListenAndServe(*addr, srv.Handler()); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
