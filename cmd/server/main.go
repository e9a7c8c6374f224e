package main // Entry point package

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/qr-claim/internal/config"
	"github.com/iliyamo/qr-claim/internal/database"
	"github.com/iliyamo/qr-claim/internal/handler"
	"github.com/iliyamo/qr-claim/internal/ledger"
	"github.com/iliyamo/qr-claim/internal/metrics"
	"github.com/iliyamo/qr-claim/internal/middleware"
	"github.com/iliyamo/qr-claim/internal/queue"
	"github.com/iliyamo/qr-claim/internal/repository"
	"github.com/iliyamo/qr-claim/internal/router"
	"github.com/iliyamo/qr-claim/internal/service"
)

func main() {
	cfg := config.Load() // Load environment config
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()
	if err := database.Migrate(ctx, db); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	rdb := config.NewRedisClient(config.LoadRedisConfig()) // nil when Redis is down
	if rdb == nil {
		log.Printf("redis unavailable; rate limiting and response cache disabled")
	} else {
		defer rdb.Close()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	engineMetrics := metrics.New(registry)

	// Ledger gateway with the signer pool's keys.
	gw, err := ledger.Dial(ctx, cfg.Chain.RPCURL, cfg.Chain.ChainID)
	if err != nil {
		log.Fatalf("ledger: %v", err)
	}
	keys, err := ledger.ParseKeys(cfg.Chain.SignerKeys)
	if err != nil {
		log.Fatalf("signer keys: %v", err)
	}
	signerAddrs := make([]common.Address, 0, len(keys))
	for _, k := range keys {
		signerAddrs = append(signerAddrs, gw.AddKey(k))
	}
	var delegation *ledger.DelegationSigner
	if cfg.Chain.DelegationKey != "" {
		k, err := ledger.ParseKey(cfg.Chain.DelegationKey)
		if err != nil {
			log.Fatalf("delegation key: %v", err)
		}
		delegation = ledger.NewDelegationSigner(k)
		log.Printf("delegated mints signed by %s", delegation.Address().Hex())
	}

	// Repositories.
	claimRepo := repository.NewClaimRepo(db)
	txRepo := repository.NewTransactionRepo(db)
	signerRepo := repository.NewSignerRepo(db)
	lockRepo := repository.NewLockRepo(db)
	eventRepo := repository.NewEventRepo(db)

	var publisher service.SettlementPublisher = service.NopPublisher()
	if cfg.AMQPURL != "" {
		publisher = service.NewAMQPPublisher(cfg.AMQPURL)
	}

	// Engine services.
	pool := service.NewSignerPool(signerRepo, gw, service.SignerPoolConfig{
		FallbackGasLimit: cfg.Chain.FallbackGasLimit,
		GasSafetyFactor:  cfg.Chain.GasSafetyFactor,
	}, log.New(log.Writer(), "signers: ", log.LstdFlags))
	if err := pool.EnsureSigners(ctx, signerAddrs, cfg.Chain.SignerRole, cfg.Chain.DefaultGasPrice); err != nil {
		log.Fatalf("signers: %v", err)
	}
	submitter := service.NewMintSubmitter(claimRepo, txRepo, pool, gw, publisher, service.SubmitterConfig{
		MintContract:      cfg.Chain.MintContract,
		DelegatedContract: cfg.Chain.DelegatedContract,
		SponsoredGasPrice: cfg.Engine.SponsoredGasPrice,
		BumpMultiplier:    cfg.Engine.BumpMultiplier,
		DispatchGrace:     cfg.Engine.DispatchGrace,
	}, engineMetrics, log.New(log.Writer(), "submitter: ", log.LstdFlags))
	claims := service.NewClaimService(claimRepo, txRepo, eventRepo, delegation, submitter, engineMetrics, service.ClaimConfig{
		BcryptCost:      cfg.BcryptCost,
		FreeMintEnabled: cfg.Engine.FreeMintEnabled,
	}, log.New(log.Writer(), "claims: ", log.LstdFlags))
	reconciler := service.NewReconciler(txRepo, gw, publisher, submitter, engineMetrics, service.ReconcilerConfig{
		Workers:     cfg.Engine.ReconcileWorkers,
		AutoBumpMax: cfg.Engine.AutoBumpMax,
	}, log.New(log.Writer(), "reconciler: ", log.LstdFlags))
	verifier := service.NewDelegatedVerifier(claimRepo, gw, publisher, engineMetrics, service.VerifierConfig{
		Contract: cfg.Chain.DelegatedContract,
		MaxPolls: cfg.Engine.VerifyMaxPolls,
	}, log.New(log.Writer(), "verifier: ", log.LstdFlags))
	locks := service.NewLockManager(lockRepo, claimRepo, gw, submitter, engineMetrics, service.LockConfig{
		ChainID:           cfg.Chain.ChainID,
		LockTime:          cfg.Engine.LockTime,
		SponsorshipMinWei: cfg.Engine.SponsorshipMinWei,
	}, log.New(log.Writer(), "locks: ", log.LstdFlags))
	if err := locks.RegisterPool(ctx, cfg.Chain.ReceivingAddrs); err != nil {
		log.Fatalf("receiving addresses: %v", err)
	}

	// Background loops.
	sched := service.NewScheduler(cfg.Engine.TickTimeout, engineMetrics, log.New(log.Writer(), "scheduler: ", log.LstdFlags))
	sched.Add("reconcile", cfg.Engine.ReconcileInterval, reconciler.Tick)
	sched.Add("verify", cfg.Engine.VerifyInterval, verifier.Tick)
	sched.Add("locks", cfg.Engine.LockSweepInterval, func(ctx context.Context) error {
		if _, err := locks.Sweep(ctx); err != nil {
			return err
		}
		return locks.ObserveFunding(ctx)
	})
	if cfg.Engine.FreeMintEnabled {
		sched.Add("dispatch", cfg.Engine.DispatchInterval, func(ctx context.Context) error {
			_, err := submitter.DispatchBound(ctx)
			return err
		})
	}

	// HTTP.
	e := echo.New()
	e.HideBanner = true
	limiter := middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb)
	cache := middleware.NewRedisCache(config.LoadCacheConfig(), rdb)

	router.RegisterRoutes(e, db, registry)
	events := handler.NewEventHandler(eventRepo)
	events.BaseURL = cfg.MetadataBaseURL
	router.RegisterEvents(e, events, cache)
	router.RegisterClaims(e, handler.NewClaimHandler(claims), limiter)
	router.RegisterSubscription(e, handler.NewSubscriptionHandler(locks), limiter)
	router.RegisterOperator(e, handler.NewOperatorHandler(claims, submitter, pool, txRepo), cfg.JWTSecret)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	if cfg.Consumer {
		g.Go(func() error { return queue.StartClaimsConsumer(gctx, cfg.AMQPURL, cfg.ConsumerDir) })
	}
	g.Go(func() error {
		addr := ":" + cfg.Port
		log.Printf("listening on %s (env=%s, chain=%d)", addr, cfg.Env, cfg.Chain.ChainID)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdown)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(err)
	}
	log.Printf("shutdown complete")
}
