// Package config loads broker configuration from environment variables and
// YAML delivery profiles.
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"time"
)

// Config holds every recognized broker option. Defaults follow the protocol
// documentation; malformed numeric values fall back to their defaults.
type Config struct {
	// Serving
	HTTPAddr    string
	HealthAddr  string
	ServiceName string
	LogLevel    string
	LogFormat   string
	Profile     string
	ProfilesDir string

	// Backing stores
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	MailDriver    string // "postgres" or "sqlite"
	SQLitePath    string

	// Identity / auth
	MasterSecret       string
	TokenIssuer        string
	TokenTTL           time.Duration
	AuthAllowDIDHeader bool

	// Envelope pipeline
	SignatureVerificationEnabled bool
	ClockSkew                    time.Duration
	MaxEnvelopeTTL               time.Duration
	ReplayTTL                    time.Duration

	// Anti-abuse (email facet)
	GreylistEnabled      bool
	PostageEnabled       bool
	ContentDedupeEnabled bool
	PostageAmountAtomic  int64
	GreylistDelay        time.Duration
	GreylistPassTTL      time.Duration
	DedupeTTL            time.Duration

	// Rate limiting
	RateLimitWindow      time.Duration
	RateLimitMaxRequests int

	// Credit ledger
	CreditLedgerEnabled bool
	InitialCredits      int64
	BrokerAccount       string
	PoolAccount         string

	// Negotiation
	NegotiationMaxRounds            int
	NegotiationTTL                  time.Duration
	NegotiationConvergenceThreshold float64
	NegotiationSweepInterval        time.Duration

	// Discovery
	DiscoverySimilarityWeight float64
	DiscoveryTrustWeight      float64
	DiscoveryUsefulnessWeight float64
	UsefulnessRankingEnabled  bool
	VectorSimilarityThreshold float64
	VectorSearchLimit         int
	DiscoveryCacheTTL         time.Duration

	// Embeddings
	EmbeddingAPIKey  string
	EmbeddingModel   string
	EmbeddingBaseURL string
	EmbeddingDim     int

	// Proof of usefulness
	AggregationInterval    time.Duration
	FinalizerInterval      time.Duration
	PoUK                   int
	PoUM                   int
	ValidationRewardAtomic int64
	ReputationAlpha        float64

	// Payments
	PaymentWebhookSecret string
	PaymentBaseURL       string
	PaymentRequestTTL    time.Duration

	// Observability
	OTLPEndpoint string
	OTelSampled  float64
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		HTTPAddr:    getStr("HTTP_ADDR", ":8080"),
		HealthAddr:  getStr("HEALTH_ADDR", ":8081"),
		ServiceName: getStr("SERVICE_NAME", "ainp-broker"),
		LogLevel:    getStr("LOG_LEVEL", "INFO"),
		LogFormat:   getStr("LOG_FORMAT", "json"),
		Profile:     getStr("AINP_PROFILE", "production"),
		ProfilesDir: getStr("AINP_PROFILES_DIR", "profiles"),

		DatabaseURL:   getStr("DATABASE_URL", "postgres://ainp@localhost:5432/ainp?sslmode=disable"),
		RedisAddr:     getStr("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getStr("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0),
		MailDriver:    getStr("MAIL_DRIVER", "postgres"),
		SQLitePath:    getStr("SQLITE_PATH", "ainp-mail.db"),

		MasterSecret:       getStr("AINP_MASTER_SECRET", ""),
		TokenIssuer:        getStr("TOKEN_ISSUER", "ainp-broker"),
		TokenTTL:           getDur("TOKEN_TTL_HOURS", time.Hour, 24),
		AuthAllowDIDHeader: getBool("AUTH_ALLOW_DID_HEADER", false),

		SignatureVerificationEnabled: getBool("SIGNATURE_VERIFICATION_ENABLED", true),
		ClockSkew:                    getDur("CLOCK_SKEW_SECONDS", time.Second, 60),
		MaxEnvelopeTTL:               getDur("MAX_ENVELOPE_TTL_MS", time.Millisecond, 24*3600*1000),
		ReplayTTL:                    getDur("REPLAY_TTL_MS", time.Millisecond, 24*3600*1000),

		GreylistEnabled:      getBool("EMAIL_GREYLIST_ENABLED", false),
		PostageEnabled:       getBool("EMAIL_POSTAGE_ENABLED", false),
		ContentDedupeEnabled: getBool("EMAIL_CONTENT_DEDUPE_ENABLED", false),
		PostageAmountAtomic:  getInt64("EMAIL_POSTAGE_AMOUNT_ATOMIC", 100),
		GreylistDelay:        getDur("EMAIL_GREYLIST_DELAY_SECONDS", time.Second, 60),
		GreylistPassTTL:      getDur("EMAIL_GREYLIST_PASS_TTL_SECONDS", time.Second, 30*24*3600),
		DedupeTTL:            getDur("EMAIL_DEDUPE_TTL_SECONDS", time.Second, 3600),

		RateLimitWindow:      getDur("RATE_LIMIT_WINDOW_MS", time.Millisecond, 60000),
		RateLimitMaxRequests: getInt("RATE_LIMIT_MAX_REQUESTS", 120),

		CreditLedgerEnabled: getBool("CREDIT_LEDGER_ENABLED", true),
		InitialCredits:      getInt64("INITIAL_CREDITS", 1_000_000),
		BrokerAccount:       getStr("BROKER_ACCOUNT", "system:broker"),
		PoolAccount:         getStr("POOL_ACCOUNT", "system:pool"),

		NegotiationMaxRounds:            getInt("NEGOTIATION_MAX_ROUNDS", 10),
		NegotiationTTL:                  getDur("NEGOTIATION_TTL_MS", time.Millisecond, 300000),
		NegotiationConvergenceThreshold: getFloat("NEGOTIATION_CONVERGENCE_THRESHOLD", 0.9),
		NegotiationSweepInterval:        getDur("NEGOTIATION_EXPIRATION_INTERVAL_MINUTES", time.Minute, 5),

		DiscoverySimilarityWeight: getFloat("DISCOVERY_SIMILARITY_WEIGHT", 0.6),
		DiscoveryTrustWeight:      getFloat("DISCOVERY_TRUST_WEIGHT", 0.3),
		DiscoveryUsefulnessWeight: getFloat("DISCOVERY_USEFULNESS_WEIGHT", 0.1),
		UsefulnessRankingEnabled:  getBool("USEFULNESS_RANKING_ENABLED", true),
		VectorSimilarityThreshold: getFloat("VECTOR_SIMILARITY_THRESHOLD", 0.7),
		VectorSearchLimit:         getInt("VECTOR_SEARCH_LIMIT", 10),
		DiscoveryCacheTTL:         getDur("DISCOVERY_CACHE_TTL_SECONDS", time.Second, 300),

		EmbeddingAPIKey:  getStr("OPENAI_API_KEY", ""),
		EmbeddingModel:   getStr("EMBEDDING_MODEL", "text-embedding-3-small"),
		EmbeddingBaseURL: getStr("EMBEDDING_BASE_URL", "https://api.openai.com/v1"),
		EmbeddingDim:     getInt("EMBEDDING_DIM", 1536),

		AggregationInterval:    getDur("USEFULNESS_AGGREGATION_INTERVAL_HOURS", time.Hour, 1),
		FinalizerInterval:      getDur("POU_FINALIZER_INTERVAL_SECONDS", time.Second, 60),
		PoUK:                   getInt("POU_K", 3),
		PoUM:                   getInt("POU_M", 5),
		ValidationRewardAtomic: getInt64("VALIDATION_REWARD_ATOMIC", 100),
		ReputationAlpha:        getFloat("REPUTATION_ALPHA", 0.2),

		PaymentWebhookSecret: getStr("PAYMENT_WEBHOOK_SECRET", ""),
		PaymentBaseURL:       getStr("PAYMENT_BASE_URL", "http://localhost:8080"),
		PaymentRequestTTL:    getDur("PAYMENT_REQUEST_TTL_SECONDS", time.Second, 900),

		OTLPEndpoint: getStr("OTLP_ENDPOINT", ""),
		OTelSampled:  getFloat("OTEL_SAMPLE_RATE", 1.0),
	}
}

// Validate rejects configurations the broker cannot run with.
func (c *Config) Validate() error {
	sum := c.DiscoverySimilarityWeight + c.DiscoveryTrustWeight
	if c.UsefulnessRankingEnabled {
		sum += c.DiscoveryUsefulnessWeight
	}
	if math.Abs(sum-1.0) > 0.01 {
		return fmt.Errorf("discovery weights sum to %.3f, want 1.0", sum)
	}
	if c.PoUK <= 0 || c.PoUM <= 0 || c.PoUK > c.PoUM {
		return fmt.Errorf("invalid quorum: k=%d m=%d", c.PoUK, c.PoUM)
	}
	if c.NegotiationMaxRounds < 1 || c.NegotiationMaxRounds > 20 {
		return fmt.Errorf("NEGOTIATION_MAX_ROUNDS %d out of range [1,20]", c.NegotiationMaxRounds)
	}
	if c.InitialCredits < 0 || c.PostageAmountAtomic < 0 {
		return fmt.Errorf("credit amounts must be non-negative")
	}
	if c.VectorSimilarityThreshold < 0 || c.VectorSimilarityThreshold > 1 {
		return fmt.Errorf("VECTOR_SIMILARITY_THRESHOLD %f out of range [0,1]", c.VectorSimilarityThreshold)
	}
	if c.ReputationAlpha <= 0 || c.ReputationAlpha > 1 {
		return fmt.Errorf("REPUTATION_ALPHA %f out of range (0,1]", c.ReputationAlpha)
	}
	switch c.MailDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unknown MAIL_DRIVER %q", c.MailDriver)
	}
	return nil
}

func getStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getBool(key string, def bool) bool {
	switch os.Getenv(key) {
	case "true", "1":
		return true
	case "false", "0":
		return false
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// getDur reads an integer env var expressed in unit (the variable name says
// which) and returns it as a duration; def is in units.
func getDur(key string, unit time.Duration, def int64) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			return time.Duration(n) * unit
		}
	}
	return time.Duration(def) * unit
}
