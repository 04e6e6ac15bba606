package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/Mohan-38/docgrant/internal/attest"
	"github.com/Mohan-38/docgrant/internal/audit"
	"github.com/Mohan-38/docgrant/internal/blob"
	"github.com/Mohan-38/docgrant/internal/config"
	"github.com/Mohan-38/docgrant/internal/grant"
	"github.com/Mohan-38/docgrant/internal/httpapi"
	"github.com/Mohan-38/docgrant/internal/migrate"
	"github.com/Mohan-38/docgrant/internal/notify"
	"github.com/Mohan-38/docgrant/internal/obs"
	"github.com/Mohan-38/docgrant/internal/store/pg"
	"github.com/Mohan-38/docgrant/internal/store/redis"
	"github.com/Mohan-38/docgrant/internal/stream"
)

// Set via -ldflags at release build time.
var (
	version = "0.4.1"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional)")
	flag.Parse()

	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var closers []func() error

	// Stores: Postgres when DATABASE_URL is set, in-memory otherwise.
	var (
		store  grant.Store
		trail  audit.Store
		outbox notify.OutboxStore
		probe  httpapi.ReadyProbe
	)
	if cfg.DatabaseURL != "" {
		pgStore, err := pg.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("open postgres: %v", err)
		}
		closers = append(closers, pgStore.Close)
		if cfg.MigrateOnStart {
			mgCtx, mgCancel := context.WithTimeout(ctx, 30*time.Second)
			ran, err := migrate.NewManager(pgStore.DB(), migrate.Files()).Up(mgCtx)
			mgCancel()
			if err != nil {
				log.Fatalf("migrate: %v", err)
			}
			obs.Info("migrations applied", map[string]any{"count": ran})
		}
		store = pgStore
		trail = pgStore
		outbox = pgStore
		probe = httpapi.ReadyProbe{DB: pgStore.DB()}
	} else {
		mem := grant.NewInMemory()
		memOutbox := notify.NewMemoryOutbox()
		mem.OnNote(func(n grant.Notification) {
			_ = memOutbox.Enqueue(context.Background(), notify.Message{
				ID:            n.ID,
				GrantID:       n.GrantID,
				Recipient:     n.Recipient,
				Template:      n.Template,
				Payload:       n.Payload,
				NextAttemptAt: n.CreatedAt,
				CreatedAt:     n.CreatedAt,
				UpdatedAt:     n.CreatedAt,
			})
		})
		store = mem
		trail = audit.NewMemory()
		outbox = memOutbox
		obs.Info("DATABASE_URL not set, using in-memory stores", nil)
	}

	// Verification attempts fan out to the audit trail and the live admin
	// stream.
	feed := stream.New()
	engineOpts := []grant.EngineOption{
		grant.WithAttemptSink(grant.Sinks(audit.NewRecorder(trail), feed)),
	}
	if cfg.RedisAddr != "" {
		challenges, err := redis.Connect(cfg.RedisAddr)
		if err != nil {
			log.Fatalf("connect redis: %v", err)
		}
		if err := challenges.Ping(ctx); err != nil {
			log.Fatalf("ping redis: %v", err)
		}
		closers = append(closers, challenges.Close)
		engineOpts = append(engineOpts, grant.WithChallenges(challenges))
	}
	engine := grant.NewEngine(store, engineOpts...)

	issuerOpts := []grant.IssuerOption{
		grant.WithBaseURL(cfg.PublicBaseURL),
		grant.WithIssueDefaults(grant.Options{
			ExpiresIn:    cfg.GrantTTL,
			MaxDownloads: cfg.GrantMaxDownloads,
			WindowStart:  cfg.GrantWindowStart,
			WindowEnd:    cfg.GrantWindowEnd,
			StageDelay:   cfg.GrantStageInterval,
		}),
	}
	if cfg.AttestorURL != "" {
		attestor := attest.NewClient(cfg.AttestorURL, cfg.AttestorAPIKey)
		if err := attestor.Ping(ctx); err != nil {
			log.Fatalf("attestation service: %v", err)
		}
		issuerOpts = append(issuerOpts, grant.WithAttestor(attestor))
	}
	issuer := grant.NewIssuer(store, issuerOpts...)

	var signer blob.Signer
	if cfg.MinIOEndpoint != "" {
		m, err := blob.NewMinIO(cfg.MinIOEndpoint, cfg.MinIOAccessKey, cfg.MinIOSecretKey, cfg.MinIOBucket, cfg.MinIOUseTLS)
		if err != nil {
			log.Fatalf("connect minio: %v", err)
		}
		signer = m
	} else {
		signer = blob.NewStatic(cfg.PublicBaseURL + "/files")
	}

	var senders []notify.Sender
	if cfg.SMTPHost != "" {
		senders = append(senders, notify.NewSMTPSender(cfg.SMTPHost, strconv.Itoa(cfg.SMTPPort), cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPFrom))
	}
	if cfg.AMQPURL != "" {
		pub, err := notify.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			log.Fatalf("connect broker: %v", err)
		}
		closers = append(closers, pub.Close)
		senders = append(senders, pub)
	}
	if len(senders) == 0 {
		senders = append(senders, notify.LogSender{})
	}
	dispatcher := notify.NewDispatcher(outbox, notify.Multi(senders...),
		notify.WithInterval(cfg.DispatchInterval),
		notify.WithBatchSize(cfg.DispatchBatchSize),
		notify.WithMaxAttempts(cfg.DispatchMaxAttempts),
		notify.WithBackoff(cfg.DispatchBackoff, cfg.DispatchBackoffCap),
	)
	go dispatcher.Run(ctx)

	sweeper := grant.NewSweeper(store)
	go sweeper.Run(ctx, cfg.SweepInterval, func(res grant.SweepResult, err error) {
		if err != nil {
			obs.Error("sweep pass failed", map[string]any{"error": err.Error()})
			return
		}
		obs.SweepFlips("expired", res.Expired)
		obs.SweepFlips("unlocked", res.Unlocked)
	})

	var sessions *httpapi.Sessions
	if cfg.JWTSecret != "" {
		sessions = httpapi.NewSessions(cfg.JWTSecret, cfg.SessionTTL)
	} else {
		obs.Info("JWT_SECRET not set, portal sessions disabled", nil)
	}
	if cfg.AdminAPIKey == "" && cfg.JWTSecret == "" {
		obs.Info("no admin credentials configured, admin surface locked", nil)
	}

	api := httpapi.New(probe, version, httpapi.Deps{
		Engine:     engine,
		Issuer:     issuer,
		Store:      store,
		Audit:      trail,
		Sweeper:    sweeper,
		Signer:     signer,
		Stream:     feed,
		Sessions:   sessions,
		AdminKey:   cfg.AdminAPIKey,
		URLTTL:     cfg.DownloadURLTTL,
		RateBurst:  cfg.RateLimitBurst,
		RatePerSec: int(cfg.RateLimitRPS),
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting docgrant-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	cancel()

	shCtx, shCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shCancel()
	_ = srv.Shutdown(shCtx)

	for _, c := range closers {
		_ = c()
	}
	log.Println("Stopped")
}
