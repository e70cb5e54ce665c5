package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App            AppConfig
	DB             DBConfig
	Redis          RedisConfig
	Eventing       EventingConfig
	GCP            GCPConfig
	PubSub         PubSubConfig
	BigQuery       BigQueryConfig
	Stripe         StripeConfig
	PayPal         PayPalConfig
	Paddle         PaddleConfig
	SendInBlue     SendInBlueConfig
	ActiveCampaign ActiveCampaignConfig
	IPN            IPNConfig
	FeatureFlags   FeatureFlagsConfig
}

type FeatureFlagsConfig struct {
	// AutoMigrate runs pending goose migrations on boot in dev environments.
	AutoMigrate bool `envconfig:"SELLFORGE_FEATURE_AUTO_MIGRATE" default:"false"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"SELLFORGE_APP_ENV" required:"true"`
	Port         string `envconfig:"SELLFORGE_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"SELLFORGE_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"SELLFORGE_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type DBConfig struct {
	DSN    string `envconfig:"SELLFORGE_DB_DSN"`
	Driver string `envconfig:"SELLFORGE_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"SELLFORGE_DB_HOST"`
	LegacyPort     int    `envconfig:"SELLFORGE_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"SELLFORGE_DB_USER"`
	LegacyPassword string `envconfig:"SELLFORGE_DB_PASSWORD"`
	LegacyName     string `envconfig:"SELLFORGE_DB_NAME"`
	LegacySSLMode  string `envconfig:"SELLFORGE_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"SELLFORGE_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"SELLFORGE_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"SELLFORGE_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"SELLFORGE_DB_CONN_MAX_IDLE_TIME" default:"10m"`

	AutoMigrate bool `envconfig:"SELLFORGE_AUTO_MIGRATE" default:"false"`
}

type RedisConfig struct {
	URL          string        `envconfig:"SELLFORGE_REDIS_URL" required:"true"`
	Address      string        `envconfig:"SELLFORGE_REDIS_ADDR"`
	Password     string        `envconfig:"SELLFORGE_REDIS_PASSWORD"`
	DB           int           `envconfig:"SELLFORGE_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"SELLFORGE_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"SELLFORGE_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"SELLFORGE_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"SELLFORGE_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"SELLFORGE_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type EventingConfig struct {
	IdempotencyTTL time.Duration `envconfig:"SELLFORGE_EVENTING_IDEMPOTENCY_TTL" default:"720h"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"SELLFORGE_GCP_PROJECT_ID" required:"true"`
	CredentialsJSON        string `envconfig:"SELLFORGE_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"SELLFORGE_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	IPNTopic          string `envconfig:"SELLFORGE_PUBSUB_IPN_TOPIC" required:"true"`
	IPNSubscription   string `envconfig:"SELLFORGE_PUBSUB_IPN_SUBSCRIPTION" required:"true"`
	AbuseTopic        string `envconfig:"SELLFORGE_PUBSUB_ABUSE_TOPIC" default:"sf-abuse-incidents"`
	AbuseSubscription string `envconfig:"SELLFORGE_PUBSUB_ABUSE_SUBSCRIPTION"`
}

type BigQueryConfig struct {
	Dataset               string `envconfig:"SELLFORGE_BIGQUERY_DATASET" default:"sellforge"`
	TransactionFactsTable string `envconfig:"SELLFORGE_BIGQUERY_TRANSACTION_TABLE" default:"transaction_facts"`
}

type StripeConfig struct {
	APIKey        string `envconfig:"SELLFORGE_STRIPE_API_KEY"`
	SigningSecret string `envconfig:"SELLFORGE_STRIPE_SIGNING_SECRET"`
	Env           string `envconfig:"SELLFORGE_STRIPE_ENV" default:"test"`
}

// Environment returns the normalized Stripe environment (test/live).
func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "test"
	}
	return env
}

type PayPalConfig struct {
	BaseURL      string        `envconfig:"SELLFORGE_PAYPAL_BASE_URL" default:"https://api-m.paypal.com"`
	ClientID     string        `envconfig:"SELLFORGE_PAYPAL_CLIENT_ID"`
	ClientSecret string        `envconfig:"SELLFORGE_PAYPAL_CLIENT_SECRET"`
	Timeout      time.Duration `envconfig:"SELLFORGE_PAYPAL_TIMEOUT" default:"15s"`
}

type PaddleConfig struct {
	PublicKey string `envconfig:"SELLFORGE_PADDLE_PUBLIC_KEY"`
}

type SendInBlueConfig struct {
	BaseURL string        `envconfig:"SELLFORGE_SENDINBLUE_BASE_URL" default:"https://api.sendinblue.com/v3"`
	APIKey  string        `envconfig:"SELLFORGE_SENDINBLUE_API_KEY"`
	Timeout time.Duration `envconfig:"SELLFORGE_SENDINBLUE_TIMEOUT" default:"10s"`
}

type ActiveCampaignConfig struct {
	BaseURL string        `envconfig:"SELLFORGE_ACTIVECAMPAIGN_BASE_URL"`
	APIKey  string        `envconfig:"SELLFORGE_ACTIVECAMPAIGN_API_KEY"`
	Timeout time.Duration `envconfig:"SELLFORGE_ACTIVECAMPAIGN_TIMEOUT" default:"10s"`
	// BuyerListID is the list every delivered buyer is subscribed to.
	BuyerListID int64 `envconfig:"SELLFORGE_ACTIVECAMPAIGN_BUYER_LIST_ID"`
}

type IPNConfig struct {
	// LowValueThreshold is the amount (in raw currency units, deliberately
	// currency-unaware) below which a live transaction is flagged is_test=1.
	LowValueThreshold   string        `envconfig:"SELLFORGE_IPN_LOW_VALUE_THRESHOLD" default:"5"`
	ProviderBiasTTL     time.Duration `envconfig:"SELLFORGE_IPN_PROVIDER_BIAS_TTL" default:"6h"`
	PostNotificationURL string        `envconfig:"SELLFORGE_IPN_POST_NOTIFICATION_URL"`
	RefusalTemplateID   int64         `envconfig:"SELLFORGE_IPN_REFUSAL_TEMPLATE_ID"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
