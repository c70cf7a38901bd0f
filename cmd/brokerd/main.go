// brokerd is the AINP broker daemon: envelope ingress, discovery,
// mailbox, negotiation, settlement, and the websocket gateway, in one
// process.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/ainp-labs/broker/pkg/api"
	"github.com/ainp-labs/broker/pkg/config"
	"github.com/ainp-labs/broker/pkg/discovery"
	"github.com/ainp-labs/broker/pkg/envelope"
	"github.com/ainp-labs/broker/pkg/gateway"
	"github.com/ainp-labs/broker/pkg/guard"
	"github.com/ainp-labs/broker/pkg/identity"
	"github.com/ainp-labs/broker/pkg/ledger"
	"github.com/ainp-labs/broker/pkg/mail"
	"github.com/ainp-labs/broker/pkg/memory"
	"github.com/ainp-labs/broker/pkg/negotiation"
	"github.com/ainp-labs/broker/pkg/observability"
	"github.com/ainp-labs/broker/pkg/payments"
	"github.com/ainp-labs/broker/pkg/receipts"
	"github.com/ainp-labs/broker/pkg/reputation"
	"github.com/ainp-labs/broker/pkg/routing"
	"github.com/ainp-labs/broker/pkg/stream"
	"github.com/ainp-labs/broker/pkg/usefulness"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "brokerd:", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg := config.Load()
	profile, err := config.LoadProfile(cfg.ProfilesDir, cfg.Profile)
	if err != nil {
		return err
	}
	profile.Apply(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log := newLogger(cfg)
	slog.SetDefault(log)
	log.Info("starting broker",
		"profile", profile.Name,
		"http_addr", cfg.HTTPAddr,
		"signature_verification", cfg.SignatureVerificationEnabled)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry first so everything downstream inherits the global
	// providers.
	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  cfg.ServiceName,
		Environment:  profile.Name,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRate:   cfg.OTelSampled,
		BatchTimeout: 5 * time.Second,
		Enabled:      cfg.OTLPEndpoint != "",
		Insecure:     profile.Name != "production",
	})
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutCtx)
	}()

	// Backing stores.
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	stores, err := initStores(ctx, cfg, db)
	if err != nil {
		return err
	}

	// Identity and auth.
	secret, err := identity.NewMasterSecret(cfg.MasterSecret)
	if err != nil {
		return fmt.Errorf("AINP_MASTER_SECRET: %w", err)
	}
	signer, err := identity.NewTokenSigner(secret, cfg.TokenIssuer, cfg.TokenTTL)
	if err != nil {
		return err
	}
	authSvc := identity.NewAuthService(identity.NewRedisChallengeStore(rdb, 5*time.Minute), signer)
	authn := &api.Authenticator{Tokens: signer, AllowDIDHeader: cfg.AuthAllowDIDHeader}

	// Core services.
	broker := stream.NewRedisBroker(rdb, log)

	creditSvc := ledger.NewService(stores.ledger, cfg.CreditLedgerEnabled, log)
	for _, did := range []string{cfg.BrokerAccount, cfg.PoolAccount} {
		if _, err := creditSvc.EnsureAccount(ctx, did, 0); err != nil {
			return fmt.Errorf("ensure system account %s: %w", did, err)
		}
	}

	var embedder discovery.Embedder
	if cfg.EmbeddingAPIKey != "" {
		embedder = discovery.NewOpenAIEmbedder(cfg.EmbeddingAPIKey, cfg.EmbeddingModel, cfg.EmbeddingBaseURL)
	} else {
		log.Warn("OPENAI_API_KEY unset, using deterministic local embeddings")
		embedder = discovery.MemoryEmbedder{}
	}

	weights := discovery.Weights{
		Similarity: cfg.DiscoverySimilarityWeight,
		Trust:      cfg.DiscoveryTrustWeight,
	}
	if cfg.UsefulnessRankingEnabled {
		weights.Usefulness = cfg.DiscoveryUsefulnessWeight
	}
	disco := discovery.NewService(stores.discovery, embedder, creditSvc, rdb, discovery.Options{
		Weights:             weights,
		UsefulnessEnabled:   cfg.UsefulnessRankingEnabled,
		SimilarityThreshold: cfg.VectorSimilarityThreshold,
		SearchLimit:         cfg.VectorSearchLimit,
		CacheTTL:            cfg.DiscoveryCacheTTL,
		InitialCredits:      cfg.InitialCredits,
	}, log)

	paySvc := payments.NewService(stores.payments, creditSvc, payments.Options{
		BaseURL:        cfg.PaymentBaseURL,
		DefaultTTL:     cfg.PaymentRequestTTL,
		WebhookSecrets: webhookSecrets(cfg),
	}, log)

	guardPipe := guard.NewPipeline(guard.Options{
		ReplayEnabled:        true,
		TTLEnabled:           true,
		ContentDedupeEnabled: cfg.ContentDedupeEnabled,
		GreylistEnabled:      cfg.GreylistEnabled,
		PostageEnabled:       cfg.PostageEnabled,
		RateLimitEnabled:     true,
		ClockSkew:            cfg.ClockSkew,
		PostageAmountAtomic:  cfg.PostageAmountAtomic,
	},
		guard.NewRedisReplayCache(rdb, cfg.ReplayTTL),
		guard.NewRedisDedupeCache(rdb, cfg.DedupeTTL),
		guard.NewRedisGreylist(rdb, cfg.GreylistDelay, cfg.GreylistPassTTL),
		guard.NewRedisRateLimiter(rdb, cfg.RateLimitWindow, cfg.RateLimitMaxRequests),
		stores.mail, creditSvc, paySvc, log)

	payloads, err := envelope.NewPayloadValidator()
	if err != nil {
		return fmt.Errorf("payload schemas: %w", err)
	}
	validator := envelope.NewValidator(payloads)
	verifier := envelope.NewVerifier(cfg.SignatureVerificationEnabled)

	hub := gateway.NewHub(log)
	router := routing.NewRouter(validator, verifier, guardPipe, disco, stores.mail, broker, hub, routing.Options{}, log)

	rep := reputation.NewService(stores.reputation, cfg.ReputationAlpha)
	rcpts := receipts.NewService(stores.receipts,
		receipts.NewSelector(stores.discovery, secret), rep, creditSvc, receipts.Options{
			CommitteeSize:    cfg.PoUM,
			Quorum:           cfg.PoUK,
			ValidationReward: cfg.ValidationRewardAtomic,
		}, log)

	negotiations := negotiation.NewService(stores.negotiation, creditSvc, rcpts, broker, negotiation.Options{
		MaxRounds:            cfg.NegotiationMaxRounds,
		TTL:                  cfg.NegotiationTTL,
		ConvergenceThreshold: cfg.NegotiationConvergenceThreshold,
		BrokerDID:            cfg.BrokerAccount,
		PoolDID:              cfg.PoolAccount,
	}, log)

	useSvc := usefulness.NewService(stores.usefulness, stores.discovery, usefulness.Options{}, log)
	memSvc := memory.NewService(stores.memory, embedder, log)

	// Websocket gateway: authenticate the upgrade, then drain the
	// caller's stream backlog onto the fresh connection.
	socket := gateway.NewHandler(hub, func(r *http.Request) (string, error) {
		did := authn.Resolve(r)
		if did == "" {
			return "", errors.New("authentication required")
		}
		return did, nil
	}, resumeFromStream(broker), log)

	server := api.NewServer(api.Deps{
		Router:       router,
		Validator:    validator,
		Verifier:     verifier,
		Discovery:    disco,
		Mail:         stores.mail,
		Negotiations: negotiations,
		Receipts:     rcpts,
		Usefulness:   useSvc,
		Payments:     paySvc,
		Memory:       memSvc,
		Credits:      creditSvc,
		Auth:         authSvc,
		Broker:       broker,
		Socket:       socket,
		Health: map[string]api.Pinger{
			"postgres": stores.mail.Ping,
			"redis":    broker.Health,
		},
	}, authn, log)

	// Background workers.
	var wg sync.WaitGroup
	workers := []func(context.Context){
		receipts.NewFinalizer(rcpts, cfg.FinalizerInterval, log).Run,
		negotiation.NewSweeper(negotiations, cfg.NegotiationSweepInterval, log).Run,
		usefulness.NewAggregator(useSvc, cfg.AggregationInterval, log).Run,
	}
	for _, w := range workers {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(ctx)
		}(w)
	}

	edge := api.NewIPRateLimiter(cfg.RateLimitMaxRequests, 2*cfg.RateLimitMaxRequests)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           edge.Middleware(server.Routes()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("http listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		stop()
		wg.Wait()
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutCtx); err != nil {
		log.Error("http shutdown", "error", err)
	}
	wg.Wait()
	return nil
}

// stores groups the persistence layer behind one init call.
type stores struct {
	mail        *mail.SQLStore
	discovery   discovery.Store
	ledger      ledger.Store
	negotiation negotiation.Store
	receipts    receipts.Store
	reputation  reputation.Store
	payments    payments.Store
	usefulness  usefulness.Store
	memory      memory.Store
}

func initStores(ctx context.Context, cfg *config.Config, db *sql.DB) (*stores, error) {
	s := &stores{}

	switch cfg.MailDriver {
	case "sqlite":
		lite, err := sql.Open("sqlite", cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		lite.SetMaxOpenConns(1)
		s.mail = mail.NewSQLStore(lite)
	default:
		s.mail = mail.NewSQLStore(db)
	}

	disco := discovery.NewPostgresStore(db)
	lgr := ledger.NewPostgresStore(db)
	neg := negotiation.NewPostgresStore(db)
	rcp := receipts.NewPostgresStore(db)
	rep := reputation.NewPostgresStore(db)
	pay := payments.NewPostgresStore(db)
	use := usefulness.NewPostgresStore(db)
	mem := memory.NewPostgresStore(db)

	type initer interface {
		Init(ctx context.Context) error
	}
	for _, st := range []initer{s.mail, disco, lgr, neg, rcp, rep, pay, use, mem} {
		if err := st.Init(ctx); err != nil {
			return nil, err
		}
	}

	s.discovery = disco
	s.ledger = lgr
	s.negotiation = neg
	s.receipts = rcp
	s.reputation = rep
	s.payments = pay
	s.usefulness = use
	s.memory = mem
	return s, nil
}

// resumeFromStream drains the unacked backlog of every per-agent subject
// onto a freshly connected socket. The subscription lives only for the
// resume window; live traffic reaches the socket through the routing hub
// push.
func resumeFromStream(broker stream.Broker) gateway.ResumeFunc {
	categories := []string{
		stream.CategoryIntents,
		stream.CategoryResults,
		stream.CategoryNegotiations,
		stream.CategoryDiscoverResults,
	}
	return func(ctx context.Context, did string, push func(*gateway.Event)) error {
		var subs []stream.Subscription
		defer func() {
			for _, sub := range subs {
				_ = sub.Close()
			}
		}()

		for _, cat := range categories {
			subject := stream.Subject(cat, did)
			sub, err := broker.Subscribe(ctx, subject, "gateway", did,
				func(_ context.Context, msg *stream.Message) error {
					push(&gateway.Event{Type: "envelope", Payload: msg.Data})
					return nil
				})
			if err != nil {
				return fmt.Errorf("resume %s: %w", subject, err)
			}
			subs = append(subs, sub)
		}

		<-ctx.Done()
		return nil
	}
}

func webhookSecrets(cfg *config.Config) map[string]string {
	if cfg.PaymentWebhookSecret == "" {
		return nil
	}
	secrets := make(map[string]string, 3)
	for _, provider := range []string{"coinbase", "lightning", "usdc"} {
		secrets[provider] = cfg.PaymentWebhookSecret
	}
	return secrets
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
