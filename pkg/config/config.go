// Package config holds the enumerated service configuration. Every knob is an
// environment variable with a default; a YAML deployment profile can override
// the worker tuning per environment.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds service configuration.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string

	Classifier       ClassifierConfig
	SupplierSource   string
	AddressValidator AddressValidatorConfig
	CardNetwork      CardNetworkConfig
	Predictor        PredictorConfig

	Workers   WorkersConfig
	Merchant  MerchantConfig
	Batch     BatchConfig
	Retention RetentionConfig

	Redis RedisConfig
	Blob  BlobConfig
	API   APIConfig

	AdminJWTSecret       string
	PredictAwaitMerchant bool

	// ProfilePath optionally points at a YAML deployment profile whose
	// worker tuning overrides the environment values.
	ProfilePath string
}

type ClassifierConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

type AddressValidatorConfig struct {
	APIKey  string
	BaseURL string
}

type CardNetworkConfig struct {
	ConsumerKey   string
	PrivateKey    string
	Env           string // "sandbox" or "production"
	WebhookSecret string
	BaseURL       string
}

type PredictorConfig struct {
	APIKey  string
	ModelID string
	BaseURL string
}

// StageTuning carries one per-stage numeric knob.
type StageTuning struct {
	Classify float64
	Supplier float64
	Address  float64
	Merchant float64
	Predict  float64
}

// WorkersConfig tunes the stage worker pools. RateLimit values are requests
// per second; zero means unconstrained.
type WorkersConfig struct {
	Concurrency StageTuning
	RateLimit   StageTuning
}

type MerchantConfig struct {
	MaxBatchSize        int
	PollIntervalSeconds int
}

type BatchConfig struct {
	SubBatchSize int
}

type RetentionConfig struct {
	SearchRequestsDays int
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type BlobConfig struct {
	Backend    string // "local", "s3" or "gcs"
	LocalDir   string
	S3Bucket   string
	S3Region   string
	S3Endpoint string
	GCSBucket  string
	Prefix     string
}

type APIConfig struct {
	RateLimitRPS   int
	RateLimitBurst int
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		Port:        envStr("PORT", "8080"),
		LogLevel:    envStr("LOG_LEVEL", "INFO"),
		DatabaseURL: envStr("DATABASE_URL", "file:payeeflow.db"),

		Classifier: ClassifierConfig{
			APIKey:  os.Getenv("CLASSIFIER_API_KEY"),
			Model:   envStr("CLASSIFIER_MODEL", "gpt-4o-mini"),
			BaseURL: envStr("CLASSIFIER_BASE_URL", "https://api.openai.com/v1"),
		},
		SupplierSource: envStr("SUPPLIER_SOURCE", "store"),
		AddressValidator: AddressValidatorConfig{
			APIKey:  os.Getenv("ADDRESS_VALIDATOR_API_KEY"),
			BaseURL: envStr("ADDRESS_VALIDATOR_BASE_URL", "https://addressvalidation.googleapis.com"),
		},
		CardNetwork: CardNetworkConfig{
			ConsumerKey:   os.Getenv("CARD_NETWORK_CONSUMER_KEY"),
			PrivateKey:    os.Getenv("CARD_NETWORK_PRIVATE_KEY"),
			Env:           envStr("CARD_NETWORK_ENV", "sandbox"),
			WebhookSecret: os.Getenv("CARD_NETWORK_WEBHOOK_SECRET"),
			BaseURL:       os.Getenv("CARD_NETWORK_BASE_URL"),
		},
		Predictor: PredictorConfig{
			APIKey:  os.Getenv("PREDICTOR_API_KEY"),
			ModelID: os.Getenv("PREDICTOR_MODEL_ID"),
			BaseURL: os.Getenv("PREDICTOR_BASE_URL"),
		},

		Workers: WorkersConfig{
			Concurrency: StageTuning{
				Classify: envFloat("WORKERS_CONCURRENCY_CLASSIFY", 3),
				Supplier: envFloat("WORKERS_CONCURRENCY_SUPPLIER", 5),
				Address:  envFloat("WORKERS_CONCURRENCY_ADDRESS", 5),
				Merchant: envFloat("WORKERS_CONCURRENCY_MERCHANT", 3),
				Predict:  envFloat("WORKERS_CONCURRENCY_PREDICT", 4),
			},
			// classify 500/min, supplier 100/s, address 50/s, merchant 5/s,
			// predict unconstrained.
			RateLimit: StageTuning{
				Classify: envFloat("WORKERS_RATE_LIMIT_CLASSIFY", 500.0/60),
				Supplier: envFloat("WORKERS_RATE_LIMIT_SUPPLIER", 100),
				Address:  envFloat("WORKERS_RATE_LIMIT_ADDRESS", 50),
				Merchant: envFloat("WORKERS_RATE_LIMIT_MERCHANT", 5),
				Predict:  envFloat("WORKERS_RATE_LIMIT_PREDICT", 0),
			},
		},
		Merchant: MerchantConfig{
			MaxBatchSize:        envInt("MERCHANT_MAX_BATCH_SIZE", 3000),
			PollIntervalSeconds: envInt("MERCHANT_POLL_INTERVAL_SECONDS", 60),
		},
		Batch: BatchConfig{
			SubBatchSize: envInt("BATCH_SUB_BATCH_SIZE", 500),
		},
		Retention: RetentionConfig{
			SearchRequestsDays: envInt("RETENTION_SEARCH_REQUESTS_DAYS", 30),
		},

		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       envInt("REDIS_DB", 0),
		},
		Blob: BlobConfig{
			Backend:    envStr("BLOB_BACKEND", "local"),
			LocalDir:   envStr("UPLOAD_DIR", "data/uploads"),
			S3Bucket:   os.Getenv("S3_BUCKET"),
			S3Region:   os.Getenv("S3_REGION"),
			S3Endpoint: os.Getenv("S3_ENDPOINT"),
			GCSBucket:  os.Getenv("GCS_BUCKET"),
			Prefix:     os.Getenv("BLOB_PREFIX"),
		},
		API: APIConfig{
			RateLimitRPS:   envInt("API_RATE_LIMIT_RPS", 10),
			RateLimitBurst: envInt("API_RATE_LIMIT_BURST", 20),
		},

		AdminJWTSecret:       os.Getenv("ADMIN_JWT_SECRET"),
		PredictAwaitMerchant: envBool("PREDICT_AWAIT_MERCHANT", true),
		ProfilePath:          os.Getenv("DEPLOYMENT_PROFILE"),
	}
	return cfg
}

// Validate fails fast on configuration the service cannot start with.
func (c *Config) Validate() error {
	if c.Classifier.APIKey == "" {
		return fmt.Errorf("config: CLASSIFIER_API_KEY is required")
	}
	if c.CardNetwork.Env != "sandbox" && c.CardNetwork.Env != "production" {
		return fmt.Errorf("config: CARD_NETWORK_ENV must be sandbox or production, got %q", c.CardNetwork.Env)
	}
	switch c.Blob.Backend {
	case "local":
	case "s3":
		if c.Blob.S3Bucket == "" {
			return fmt.Errorf("config: S3_BUCKET is required when BLOB_BACKEND=s3")
		}
	case "gcs":
		if c.Blob.GCSBucket == "" {
			return fmt.Errorf("config: GCS_BUCKET is required when BLOB_BACKEND=gcs")
		}
	default:
		return fmt.Errorf("config: BLOB_BACKEND must be local, s3 or gcs, got %q", c.Blob.Backend)
	}
	if c.Merchant.MaxBatchSize < 1 || c.Merchant.MaxBatchSize > 3000 {
		return fmt.Errorf("config: MERCHANT_MAX_BATCH_SIZE must be in [1,3000], got %d", c.Merchant.MaxBatchSize)
	}
	if c.Merchant.PollIntervalSeconds < 1 {
		return fmt.Errorf("config: MERCHANT_POLL_INTERVAL_SECONDS must be positive")
	}
	return nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
