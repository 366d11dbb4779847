package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/perlatus/fonoteca/internal/client"
	"github.com/perlatus/fonoteca/internal/config"
	dbimpl "github.com/perlatus/fonoteca/internal/db/impl"
	"github.com/perlatus/fonoteca/internal/federation"
	"github.com/perlatus/fonoteca/internal/initialization"
	"github.com/perlatus/fonoteca/internal/jsonld"
	"github.com/perlatus/fonoteca/internal/mrf"
	"github.com/perlatus/fonoteca/internal/musiccache"
	"github.com/perlatus/fonoteca/internal/queue"
	core "github.com/perlatus/fonoteca/internal/service/impl"
	"github.com/perlatus/fonoteca/internal/state"
	"github.com/perlatus/fonoteca/internal/utils"
	"github.com/perlatus/fonoteca/internal/web"
	"github.com/perlatus/fonoteca/internal/wellknown"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	ctx := context.Background()

	cfg, err := config.ReadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("unable to read configuration")
	}

	d, err := initialization.OpenDB(cfg.DbUrl)
	if err != nil {
		log.Fatal().Err(err).Msg("unable to open database")
	}
	log.Info().Msg("database connection established")

	if os.Getenv("SETUP") != "" {
		if err = initialization.SetupDB(d, cfg.MigrationsFolder, "fonoteca"); err != nil {
			log.Fatal().Err(err).Msg("migrations failed")
		}
	}

	database := dbimpl.New(cfg, d)

	processor, err := jsonld.NewProcessor()
	if err != nil {
		log.Fatal().Err(err).Msg("unable to load json-ld contexts")
	}

	registry := federation.NewRegistry(database, &cfg, nil, processor)
	serviceActor, err := registry.ServiceActor(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("unable to create service actor")
	}
	serviceKey, err := utils.ParsePrivateKeyPem(serviceActor.PrivateKey)
	if err != nil {
		log.Fatal().Err(err).Msg("service actor key is unreadable")
	}

	httpClient, err := client.New(&http.Client{Timeout: 30 * time.Second}, serviceKey, serviceActor.KeyId())
	if err != nil {
		log.Fatal().Err(err).Msg("unable to build federation client")
	}
	registry.SetClient(httpClient)

	inboxMrf := mrf.NewRegistry("inbox")
	inboxMrf.Register("allow_list", mrf.AllowListPolicy(
		func() bool { return cfg.AllowListEnabled },
		func(ctx context.Context, name string) (bool, error) {
			dom, err := database.GetDomainOrCreate(ctx, name)
			if err != nil {
				return false, err
			}
			return dom.Allowed, nil
		},
	))

	outbox := federation.NewOutbox(database, &cfg, mrf.NewRegistry("outbox"))
	inbox := federation.NewInbox(database, &cfg, registry, httpClient, processor, outbox, inboxMrf)
	cache := musiccache.New(database, &cfg, httpClient)

	blClient, err := initialization.InitQueue(&cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("unable to open task queue")
	}
	q := queue.New(database, &cfg, httpClient, registry, processor, cache, blClient)
	inbox.SetScheduler(q)
	q.SetInbox(inbox)
	q.Start(ctx)

	st := &state.State{
		DB:        database,
		Config:    &cfg,
		Client:    httpClient,
		Processor: processor,
		Registry:  registry,
		Inbox:     inbox,
		Outbox:    outbox,
		Queue:     q,
		Cache:     cache,
	}
	svc := core.New(st)

	handler := web.New(st, svc)
	router := chi.NewRouter()
	handler.Mount(router)
	wellknown.Mount(st, router)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	log.Info().Uint16("port", cfg.Port).Str("host", cfg.Host).Msg("started server")
	if err := server.ListenAndServe(); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}
