package config

import (
	"time"

	"github.com/spf13/viper"
)

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Host string `mapstructure:"host"`
}

type PostgresConfig struct {
	URL string `mapstructure:"url"`
}

type RedisConfig struct {
	URL          string `mapstructure:"url"`
	StreamName   string `mapstructure:"stream_name"`
	StreamGroup  string `mapstructure:"stream_group"`
	ConsumerName string `mapstructure:"consumer_name"`
}

type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
	JaegerURL   string `mapstructure:"jaeger_url"`
}

type StripeConfig struct {
	SecretKey     string `mapstructure:"secret_key"`
	WebhookSecret string `mapstructure:"webhook_secret"`
}

type MpesaConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	ConsumerKey    string `mapstructure:"consumer_key"`
	ConsumerSecret string `mapstructure:"consumer_secret"`
	ShortCode      string `mapstructure:"short_code"`
	PassKey        string `mapstructure:"pass_key"`
	CallbackURL    string `mapstructure:"callback_url"`
}

type SpennConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	TokenURL      string `mapstructure:"token_url"`
	APIKey        string `mapstructure:"api_key"`
	CallbackURL   string `mapstructure:"callback_url"`
	CallbackToken string `mapstructure:"callback_token"`
}

type MtnConfig struct {
	BaseURL           string `mapstructure:"base_url"`
	APIUser           string `mapstructure:"api_user"`
	APIKey            string `mapstructure:"api_key"`
	SubscriptionKey   string `mapstructure:"subscription_key"`
	TargetEnvironment string `mapstructure:"target_environment"`
	Currency          string `mapstructure:"currency"`
}

type NotifierConfig struct {
	URL string `mapstructure:"url"`
}

type ReconcileConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	MaxElapsed      time.Duration `mapstructure:"max_elapsed"`
}

type AppConfig struct {
	Server    *ServerConfig    `mapstructure:"server"`
	Postgres  *PostgresConfig  `mapstructure:"postgres"`
	Redis     *RedisConfig     `mapstructure:"redis"`
	Telemetry *TelemetryConfig `mapstructure:"telemetry"`
	Stripe    *StripeConfig    `mapstructure:"stripe"`
	Mpesa     *MpesaConfig     `mapstructure:"mpesa"`
	Spenn     *SpennConfig     `mapstructure:"spenn"`
	Mtn       *MtnConfig       `mapstructure:"mtn"`
	Notifier  *NotifierConfig  `mapstructure:"notifier"`
	Reconcile *ReconcileConfig `mapstructure:"reconcile"`
}

func LoadConfig() (*AppConfig, error) {

	viper.AutomaticEnv()

	viper.SetDefault("server.port", 1323)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("telemetry.enabled", false)
	viper.SetDefault("telemetry.service_name", "schoolpay")
	viper.SetDefault("telemetry.jaeger_url", "http://jaeger:14268/api/traces")
	viper.SetDefault("redis.stream_name", "payment-resolutions")
	viper.SetDefault("redis.stream_group", "resolutions-group")
	viper.SetDefault("redis.consumer_name", "notifier-1")
	viper.SetDefault("mpesa.base_url", "https://sandbox.safaricom.co.ke")
	viper.SetDefault("mtn.base_url", "https://sandbox.momodeveloper.mtn.com")
	viper.SetDefault("mtn.target_environment", "sandbox")
	viper.SetDefault("mtn.currency", "EUR")
	viper.SetDefault("reconcile.initial_interval", 2*time.Second)
	viper.SetDefault("reconcile.max_interval", 30*time.Second)
	viper.SetDefault("reconcile.max_elapsed", 5*time.Minute)

	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.host", "SERVER_HOST")
	_ = viper.BindEnv("postgres.url", "POSTGRES_URL")
	_ = viper.BindEnv("redis.url", "REDIS_URL")
	_ = viper.BindEnv("redis.stream_name", "REDIS_STREAM_NAME")
	_ = viper.BindEnv("redis.stream_group", "REDIS_STREAM_GROUP")
	_ = viper.BindEnv("redis.consumer_name", "REDIS_CONSUMER_NAME")
	_ = viper.BindEnv("telemetry.enabled", "TELEMETRY_ENABLED")
	_ = viper.BindEnv("telemetry.service_name", "TELEMETRY_SERVICE_NAME")
	_ = viper.BindEnv("telemetry.jaeger_url", "JAEGER_URL")
	_ = viper.BindEnv("stripe.secret_key", "STRIPE_SECRET_KEY")
	_ = viper.BindEnv("stripe.webhook_secret", "STRIPE_WEBHOOK_SECRET")
	_ = viper.BindEnv("mpesa.base_url", "MPESA_BASE_URL")
	_ = viper.BindEnv("mpesa.consumer_key", "MPESA_CONSUMER_KEY")
	_ = viper.BindEnv("mpesa.consumer_secret", "MPESA_CONSUMER_SECRET")
	_ = viper.BindEnv("mpesa.short_code", "MPESA_SHORT_CODE")
	_ = viper.BindEnv("mpesa.pass_key", "MPESA_PASS_KEY")
	_ = viper.BindEnv("mpesa.callback_url", "MPESA_CALLBACK_URL")
	_ = viper.BindEnv("spenn.base_url", "SPENN_BASE_URL")
	_ = viper.BindEnv("spenn.token_url", "SPENN_TOKEN_URL")
	_ = viper.BindEnv("spenn.api_key", "SPENN_API_KEY")
	_ = viper.BindEnv("spenn.callback_url", "SPENN_CALLBACK_URL")
	_ = viper.BindEnv("spenn.callback_token", "SPENN_CALLBACK_TOKEN")
	_ = viper.BindEnv("mtn.base_url", "MTN_BASE_URL")
	_ = viper.BindEnv("mtn.api_user", "MTN_API_USER")
	_ = viper.BindEnv("mtn.api_key", "MTN_API_KEY")
	_ = viper.BindEnv("mtn.subscription_key", "MTN_SUBSCRIPTION_KEY")
	_ = viper.BindEnv("mtn.target_environment", "MTN_TARGET_ENVIRONMENT")
	_ = viper.BindEnv("mtn.currency", "MTN_CURRENCY")
	_ = viper.BindEnv("notifier.url", "NOTIFIER_URL")
	_ = viper.BindEnv("reconcile.initial_interval", "RECONCILE_INITIAL_INTERVAL")
	_ = viper.BindEnv("reconcile.max_interval", "RECONCILE_MAX_INTERVAL")
	_ = viper.BindEnv("reconcile.max_elapsed", "RECONCILE_MAX_ELAPSED")

	var config AppConfig
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
