package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"lexhost/internal/admin"
	"lexhost/internal/api"
	"lexhost/internal/authbroker"
	"lexhost/internal/config"
	"lexhost/internal/db/postgres"
	"lexhost/internal/dispatch"
	"lexhost/internal/ingest"
	"lexhost/internal/lexicon"
	"lexhost/internal/mirror"
	"lexhost/internal/pdsclient"
	"lexhost/internal/resolver"
)

func main() {
	cfg := config.Load()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatal("failed to connect to database:", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			log.Printf("failed to close database connection: %v", closeErr)
		}
	}()
	if err := db.Ping(); err != nil {
		log.Fatal("failed to ping database:", err)
	}
	log.Println("connected to database")

	if err := goose.SetDialect("postgres"); err != nil {
		log.Fatal("failed to set goose dialect:", err)
	}
	if err := goose.Up(db, "internal/db/postgres/migrations"); err != nil {
		log.Fatal("failed to run migrations:", err)
	}
	log.Println("migrations completed")

	lexicons := postgres.NewLexiconRepo(db)
	jobs := postgres.NewBackfillRepo(db)
	admins := postgres.NewAdminRepo(db)
	store := mirror.New(db)

	registry := lexicon.NewRegistry(lexicons, nil)
	if err := registry.LoadFromStore(context.Background()); err != nil {
		log.Fatal("failed to load lexicon registry:", err)
	}
	log.Printf("lexicon registry loaded: %d entries", registry.Count())

	filter := lexicon.NewFilterChannel()
	httpClient := http.DefaultClient
	pds := pdsclient.New(httpClient)
	authBroker := authbroker.New(cfg.AuthBrokerURL, httpClient)
	res := resolver.New(cfg.IdentifierDirectoryURL, httpClient)

	backfiller := ingest.NewBackfiller(cfg.UpstreamBrokerURL, cfg.UpstreamBrokerPassword, cfg.DirectoryURL, httpClient, registry, jobs)
	ingestor := ingest.New(cfg.UpstreamBrokerURL, cfg.UpstreamBrokerPassword, httpClient, registry, filter, store, lexicons, nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go ingestor.Run(ctx)
	log.Printf("streaming ingestor started against %s", cfg.UpstreamBrokerURL)

	adminHandlers := admin.New(registry, filter, store, lexicons, jobs, admins, res, backfiller, cfg.BootstrapAdminSecret, nil)
	dispatcher := dispatch.New(registry, store, pds, nil)

	state := &api.State{
		Dispatcher:          dispatcher,
		Admin:               adminHandlers,
		AuthBroker:          authBroker,
		PDS:                 pds,
		AuthBrokerPublicURL: cfg.AuthBrokerPublicURL,
		AuthBrokerURL:       cfg.AuthBrokerURL,
		HTTPClient:          httpClient,
		Logger:              log.Default(),
	}

	addr := cfg.ListenHost + ":" + cfg.ListenPort
	log.Printf("lexhost listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, state.NewRouter()))
}
